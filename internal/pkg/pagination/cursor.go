package pagination

import (
	"encoding/base64"
	"strings"
	"time"
)

// Cursor is the decoded position for keyset pagination: the (created_at, id)
// of the last row on the previous page. Listings order by
// (created_at DESC, id DESC), so the next page starts strictly below it.
type Cursor struct {
	CreatedAt time.Time
	ID        string
}

// EncodeCursor packs a row position into an opaque string.
func EncodeCursor(createdAt time.Time, id string) string {
	raw := createdAt.UTC().Format(time.RFC3339Nano) + "|" + id
	return base64.StdEncoding.EncodeToString([]byte(raw))
}

// DecodeCursor unpacks an opaque cursor. Malformed input returns ok=false;
// callers treat that as "no cursor supplied" and log rather than fail.
func DecodeCursor(s string) (Cursor, bool) {
	if s == "" {
		return Cursor{}, false
	}
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return Cursor{}, false
	}
	ts, id, found := strings.Cut(string(raw), "|")
	if !found || id == "" {
		return Cursor{}, false
	}
	createdAt, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return Cursor{}, false
	}
	return Cursor{CreatedAt: createdAt, ID: id}, true
}
