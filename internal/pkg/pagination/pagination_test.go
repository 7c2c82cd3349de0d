package pagination

import (
	"encoding/base64"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
)

func queryContext(t *testing.T, rawQuery string) *gin.Context {
	t.Helper()
	gin.SetMode(gin.TestMode)
	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	c.Request = httptest.NewRequest("GET", "/v1/apps?"+rawQuery, nil)
	return c
}

func TestFromContextDefaults(t *testing.T) {
	q := FromContext(queryContext(t, ""))
	require.Equal(t, DefaultPage, q.Page)
	require.Equal(t, DefaultSize, q.Size)
}

func TestFromContextClamps(t *testing.T) {
	q := FromContext(queryContext(t, "page=0&size=-3"))
	require.Equal(t, 1, q.Page)
	require.Equal(t, DefaultSize, q.Size)

	q = FromContext(queryContext(t, "page=2&size=5000"))
	require.Equal(t, 2, q.Page)
	require.Equal(t, MaxSize, q.Size)

	q = FromContext(queryContext(t, "page=abc&size=xyz"))
	require.Equal(t, DefaultPage, q.Page)
	require.Equal(t, DefaultSize, q.Size)
}

func TestLimitFromContext(t *testing.T) {
	require.Equal(t, 20, LimitFromContext(queryContext(t, ""), 20))
	require.Equal(t, 50, LimitFromContext(queryContext(t, "limit=50"), 20))
	require.Equal(t, MaxSize, LimitFromContext(queryContext(t, "limit=9999"), 20))
	require.Equal(t, 20, LimitFromContext(queryContext(t, "limit=0"), 20))
	require.Equal(t, 20, LimitFromContext(queryContext(t, "limit=junk"), 20))
}

func TestCursorRoundTrip(t *testing.T) {
	at := time.Date(2026, 3, 14, 9, 26, 53, 589793238, time.UTC)
	encoded := EncodeCursor(at, "evt_42")

	cur, ok := DecodeCursor(encoded)
	require.True(t, ok)
	require.Equal(t, "evt_42", cur.ID)
	require.True(t, cur.CreatedAt.Equal(at))
}

func TestCursorNormalizesToUTC(t *testing.T) {
	loc := time.FixedZone("UTC+8", 8*3600)
	at := time.Date(2026, 3, 14, 17, 0, 0, 0, loc)

	cur, ok := DecodeCursor(EncodeCursor(at, "evt_1"))
	require.True(t, ok)
	require.True(t, cur.CreatedAt.Equal(at))
	require.Equal(t, time.UTC, cur.CreatedAt.Location())
}

func TestDecodeCursorRejectsMalformed(t *testing.T) {
	cases := []string{
		"",
		"not base64!!",
		base64.StdEncoding.EncodeToString([]byte("no separator")),
		base64.StdEncoding.EncodeToString([]byte("2026-03-14T09:26:53Z|")),
		base64.StdEncoding.EncodeToString([]byte("yesterday|evt_1")),
	}
	for _, in := range cases {
		_, ok := DecodeCursor(in)
		require.False(t, ok, "input %q should not decode", in)
	}
}
