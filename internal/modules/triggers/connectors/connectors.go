// Package connectors implements the per-provider webhook integrations:
// remote subscription management, inbound delivery verification, and payload
// normalization into the shape the trigger registry persists.
package connectors

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/toolgate/core/internal/models"
)

// ManualSetupID is stored as the external webhook id for providers without a
// registration API. The registry keeps the trigger active and surfaces the
// returned setup instructions instead of calling out.
const ManualSetupID = "manual_setup_required"

// replayWindow bounds how old a signed timestamp may be before a delivery is
// rejected as a possible replay.
const replayWindow = 300 * time.Second

// adminTimeout caps provider admin API calls (register, unregister, renew).
const adminTimeout = 30 * time.Second

// RegistrationResult reports one register or renew attempt against a
// provider. Metadata is merged into the trigger's config on success so
// verification material generated during registration survives restarts.
type RegistrationResult struct {
	Success           bool
	ExternalWebhookID string
	WebhookURL        string
	ExpiresAt         *time.Time
	Metadata          map[string]interface{}
	ErrorMessage      string
}

// ManualSetup reports whether this registration needs operator action on the
// provider side before deliveries flow.
func (r RegistrationResult) ManualSetup() bool {
	return r.Success && r.ExternalWebhookID == ManualSetupID
}

func registrationFailure(format string, args ...interface{}) RegistrationResult {
	return RegistrationResult{Success: false, ErrorMessage: fmt.Sprintf(format, args...)}
}

// VerificationResult reports one inbound delivery check. ErrorMessage is for
// logs only; callers must answer signature and replay failures identically.
type VerificationResult struct {
	IsValid      bool
	ErrorMessage string
}

func invalidDelivery(reason string) VerificationResult {
	return VerificationResult{IsValid: false, ErrorMessage: reason}
}

var validDelivery = VerificationResult{IsValid: true}

// ParsedEvent is a provider payload normalized for storage. EventType and
// ExternalEventID stay empty when the provider does not supply them.
type ParsedEvent struct {
	EventType       string
	EventData       map[string]interface{}
	ExternalEventID string
	Timestamp       time.Time
}

// Connector is one provider integration. Register and Unregister talk to the
// provider's admin API with the linked account's bearer token; Verify
// inspects an inbound delivery (headers plus raw body, already drained);
// Parse normalizes the decoded payload.
type Connector interface {
	Register(ctx context.Context, trigger *models.TriggerModel, token string) RegistrationResult
	Unregister(ctx context.Context, trigger *models.TriggerModel, token string) bool
	Verify(r *http.Request, body []byte, trigger *models.TriggerModel) VerificationResult
	Parse(payload map[string]interface{}) ParsedEvent
}

// Renewer is implemented by connectors whose provider has an explicit
// subscription refresh distinct from re-registration.
type Renewer interface {
	Renew(ctx context.Context, trigger *models.TriggerModel, token string) RegistrationResult
}

// Renew refreshes a subscription, re-registering when the connector has no
// dedicated renewal call.
func Renew(ctx context.Context, c Connector, trigger *models.TriggerModel, token string) RegistrationResult {
	if r, ok := c.(Renewer); ok {
		return r.Renew(ctx, trigger, token)
	}
	return c.Register(ctx, trigger, token)
}

type Option func(*Registry)

func WithLogger(l *zap.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

func WithHTTPClient(c *http.Client) Option {
	return func(r *Registry) { r.httpClient = c }
}

// Registry maps app names to their connectors.
type Registry struct {
	httpClient *http.Client
	logger     *zap.Logger
	byApp      map[string]Connector
}

func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		httpClient: &http.Client{Timeout: adminTimeout},
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}

	cl := client{http: r.httpClient, logger: r.logger.Named("TriggerConnectors")}
	r.byApp = map[string]Connector{
		"GITHUB":             &GitHub{cl},
		"GMAIL":              &Gmail{client: cl},
		"GOOGLE_CALENDAR":    &GoogleCalendar{cl},
		"HUBSPOT":            &HubSpot{cl},
		"MICROSOFT_CALENDAR": &MicrosoftCalendar{cl},
		"NOTION":             &Notion{cl},
		"SHOPIFY":            &Shopify{cl},
		"SLACK":              &Slack{cl},
		"STRIPE":             &Stripe{cl},
		"LINEAR":             &Linear{cl},
	}
	return r
}

// Lookup returns the connector registered for an app name.
func (r *Registry) Lookup(appName string) (Connector, bool) {
	c, ok := r.byApp[appName]
	return c, ok
}

// Names lists the app names with a connector, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.byApp))
	for name := range r.byApp {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// client is the shared plumbing every connector embeds: an HTTP client for
// provider admin APIs and a named logger.
type client struct {
	http   *http.Client
	logger *zap.Logger
}

// postJSON sends a JSON request and returns the status code and drained body.
func (c client) postJSON(ctx context.Context, method, url string, headers map[string]string, payload interface{}) (int, []byte, error) {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return 0, nil, fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return 0, nil, err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, err
	}
	return resp.StatusCode, raw, nil
}

// do sends a bodyless request (DELETE, GET) and drains the response.
func (c client) do(ctx context.Context, method, url string, headers map[string]string) (int, []byte, error) {
	return c.postJSON(ctx, method, url, headers, nil)
}

// bearer builds the standard Authorization header set for OAuth2 providers.
func bearer(token string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + token}
}

// generateSecret returns a 32-byte high-entropy hex secret for providers that
// take a signing secret at registration time.
func generateSecret() string {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		panic(fmt.Sprintf("connectors: crypto/rand unavailable: %v", err))
	}
	return hex.EncodeToString(buf)
}

// hmacHex renders HMAC-SHA256(secret, msg) as lowercase hex.
func hmacHex(secret string, msg []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(msg)
	return hex.EncodeToString(mac.Sum(nil))
}

// hmacBase64 renders HMAC-SHA256(secret, msg) as standard base64.
func hmacBase64(secret string, msg []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(msg)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// sha256Hex renders a plain SHA-256 digest as lowercase hex. HubSpot's scheme
// hashes a concatenation instead of keying an HMAC.
func sha256Hex(msg []byte) string {
	sum := sha256.Sum256(msg)
	return hex.EncodeToString(sum[:])
}

// equalDigest compares two rendered digests in constant time.
func equalDigest(presented, computed string) bool {
	return hmac.Equal([]byte(presented), []byte(computed))
}

// equalToken compares an echoed token against the stored one in constant
// time. Empty stored tokens never match.
func equalToken(presented, stored string) bool {
	if stored == "" {
		return false
	}
	return hmac.Equal([]byte(presented), []byte(stored))
}

// withinReplayWindow reports whether a unix-seconds timestamp string is
// within the replay window of now, in either direction.
func withinReplayWindow(ts string, now time.Time) bool {
	sec, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return false
	}
	diff := now.Unix() - sec
	if diff < 0 {
		diff = -diff
	}
	return diff <= int64(replayWindow/time.Second)
}

// requestURL reconstructs the absolute URL the provider signed against.
func requestURL(r *http.Request) string {
	scheme := "https"
	if r.TLS == nil {
		if p := r.Header.Get("X-Forwarded-Proto"); p != "" {
			scheme = p
		} else {
			scheme = "http"
		}
	}
	return scheme + "://" + r.Host + r.URL.RequestURI()
}

// payloadString reads a string field from a decoded payload.
func payloadString(payload map[string]interface{}, key string) string {
	s, _ := payload[key].(string)
	return s
}

// payloadID reads an identifier field that providers send as either a string
// or a number.
func payloadID(payload map[string]interface{}, key string) string {
	switch v := payload[key].(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case json.Number:
		return v.String()
	}
	return ""
}

// payloadMap reads a nested object from a decoded payload.
func payloadMap(payload map[string]interface{}, key string) map[string]interface{} {
	m, _ := payload[key].(map[string]interface{})
	return m
}

// parseISOTime decodes an RFC 3339 timestamp, accepting the trailing-Z form.
// Zero value on failure; callers default to now.
func parseISOTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
