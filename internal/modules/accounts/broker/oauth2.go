package broker

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/toolgate/core/internal/apperrors"
)

// Provider quirks are keyed by app name. Most providers take the standard
// authorization-code + PKCE flow; the exceptions below deviate in documented
// ways and are handled case by case.
const (
	appLinkedIn = "LINKEDIN"
	appX        = "X"
	appReddit   = "REDDIT"
	appSlack    = "SLACK"
	appZohoDesk = "ZOHO_DESK"
)

var oauthHTTPClient = &http.Client{Timeout: 15 * time.Second}

// OAuth2Manager drives the authorization-code flow for one app.
type OAuth2Manager struct {
	appName string
	cfg     *OAuth2Config
}

func NewOAuth2Manager(appName string, cfg *OAuth2Config) *OAuth2Manager {
	return &OAuth2Manager{appName: strings.ToUpper(appName), cfg: cfg}
}

// UsesPKCE reports whether the provider accepts a code challenge. LinkedIn
// rejects PKCE parameters outright.
func (m *OAuth2Manager) UsesPKCE() bool { return m.appName != appLinkedIn }

const verifierAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// GenerateCodeVerifier returns a 48-character PKCE verifier.
func GenerateCodeVerifier() (string, error) {
	buf := make([]byte, 48)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate code verifier: %w", err)
	}
	for i, b := range buf {
		buf[i] = verifierAlphabet[int(b)%len(verifierAlphabet)]
	}
	return string(buf), nil
}

func codeChallenge(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// AuthorizeURL builds the provider consent URL. verifier is ignored for
// providers without PKCE.
func (m *OAuth2Manager) AuthorizeURL(state, verifier string) (string, error) {
	q := url.Values{}
	q.Set("response_type", "code")
	q.Set("client_id", m.cfg.ClientID)
	q.Set("redirect_uri", m.cfg.RedirectURL)
	if m.cfg.Scope != "" {
		q.Set("scope", m.cfg.Scope)
	}
	q.Set("state", state)

	if m.UsesPKCE() {
		q.Set("code_challenge", codeChallenge(verifier))
		q.Set("code_challenge_method", "S256")
	}

	switch m.appName {
	case appLinkedIn, appX:
		// No offline-access hints; both providers reject unknown params.
	default:
		q.Set("access_type", "offline")
		q.Set("prompt", "consent")
	}
	if m.appName == appReddit {
		q.Set("duration", "permanent")
	}

	authorizeURL := m.cfg.AuthorizeURL + "?" + q.Encode()

	// Slack grants user tokens through user_scope; the plain scope param
	// would request a bot token instead.
	if m.appName == appSlack {
		authorizeURL = strings.Replace(authorizeURL, "scope=", "user_scope=", 1) + "&scope="
	}
	return authorizeURL, nil
}

// Exchange trades an authorization code for tokens.
func (m *OAuth2Manager) Exchange(ctx context.Context, code, verifier string) (*OAuth2Credentials, error) {
	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("code", code)
	form.Set("redirect_uri", m.cfg.RedirectURL)
	if m.UsesPKCE() && verifier != "" {
		form.Set("code_verifier", verifier)
	}

	body, err := m.postToken(ctx, m.cfg.AccessTokenURL, form)
	if err != nil {
		return nil, err
	}
	return m.parseTokenResponse(body, nil)
}

// Refresh trades a refresh token for a new access token. Fields the provider
// omits from the refresh response (refresh_token, scope) carry over from the
// previous credentials, as does accumulated metadata.
func (m *OAuth2Manager) Refresh(ctx context.Context, prev *OAuth2Credentials) (*OAuth2Credentials, error) {
	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", prev.RefreshToken)

	body, err := m.postToken(ctx, m.cfg.RefreshTokenURL, form)
	if err != nil {
		return nil, err
	}
	return m.parseTokenResponse(body, prev)
}

// postToken submits a token-endpoint request with the configured client
// authentication method.
func (m *OAuth2Manager) postToken(ctx context.Context, endpoint string, form url.Values) ([]byte, error) {
	switch m.cfg.TokenEndpointAuthMethod {
	case "client_secret_post":
		form.Set("client_id", m.cfg.ClientID)
		form.Set("client_secret", m.cfg.ClientSecret)
	case "none":
		form.Set("client_id", m.cfg.ClientID)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("%w: build token request: %v", apperrors.ErrOAuthFlow, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	if m.cfg.TokenEndpointAuthMethod == "" || m.cfg.TokenEndpointAuthMethod == "client_secret_basic" {
		req.SetBasicAuth(url.QueryEscape(m.cfg.ClientID), url.QueryEscape(m.cfg.ClientSecret))
	}

	resp, err := oauthHTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: token endpoint unreachable", apperrors.ErrOAuthFlow)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: read token response: %v", apperrors.ErrOAuthFlow, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%w: token endpoint returned %d: %s", apperrors.ErrOAuthFlow, resp.StatusCode, sanitizeProviderError(body))
	}
	return body, nil
}

// parseTokenResponse extracts credentials from a provider token response.
// prev, when non-nil, supplies carry-over values for a refresh.
func (m *OAuth2Manager) parseTokenResponse(body []byte, prev *OAuth2Credentials) (*OAuth2Credentials, error) {
	var raw map[string]interface{}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("%w: token response is not JSON", apperrors.ErrOAuthFlow)
	}

	payload := raw
	if m.appName == appSlack {
		// User tokens live under authed_user in Slack's OAuth v2 response.
		authed, ok := raw["authed_user"].(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("%w: slack response missing authed_user", apperrors.ErrOAuthFlow)
		}
		payload = authed
	}

	if errVal, ok := payload["error"]; ok && errVal != nil && fmt.Sprintf("%v", errVal) != "" && fmt.Sprintf("%v", errVal) != "false" {
		return nil, fmt.Errorf("%w: provider error: %s", apperrors.ErrOAuthFlow, sanitizeProviderError(body))
	}

	accessToken, _ := payload["access_token"].(string)
	if accessToken == "" {
		return nil, fmt.Errorf("%w: token response missing access_token", apperrors.ErrOAuthFlow)
	}

	creds := &OAuth2Credentials{
		AccessToken: accessToken,
		Raw:         raw,
	}
	if v, ok := payload["token_type"].(string); ok {
		creds.TokenType = v
	}
	if v, ok := payload["refresh_token"].(string); ok {
		creds.RefreshToken = v
	}
	if v, ok := payload["scope"].(string); ok {
		creds.Scope = v
	}
	if v, ok := asInt64(payload["expires_at"]); ok {
		creds.ExpiresAt = v
	} else if v, ok := asInt64(payload["expires_in"]); ok {
		creds.ExpiresAt = time.Now().Unix() + v
	}

	if prev != nil {
		if creds.RefreshToken == "" {
			creds.RefreshToken = prev.RefreshToken
		}
		if creds.Scope == "" {
			creds.Scope = prev.Scope
		}
		creds.Metadata = prev.Metadata
	}
	return creds, nil
}

// PostLinkMetadata fetches provider-specific account metadata right after
// linking. Failures are reported but intended to be non-fatal.
func (m *OAuth2Manager) PostLinkMetadata(ctx context.Context, creds *OAuth2Credentials) (map[string]string, error) {
	if m.appName != appZohoDesk {
		return nil, nil
	}

	// Zoho Desk scopes every API call by organization; capture the org id
	// now so the executor can inject it later.
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "https://desk.zoho.com/api/v1/myOrganizations", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Zoho-oauthtoken "+creds.AccessToken)

	resp, err := oauthHTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch zoho organizations: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("fetch zoho organizations: status %d", resp.StatusCode)
	}

	var out struct {
		Data []struct {
			ID json.Number `json:"id"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode zoho organizations: %w", err)
	}
	if len(out.Data) == 0 {
		return nil, fmt.Errorf("zoho account has no organizations")
	}
	return map[string]string{"orgId": out.Data[0].ID.String()}, nil
}

func asInt64(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case float64:
		return int64(n), true
	case json.Number:
		i, err := n.Int64()
		return i, err == nil
	case int64:
		return n, true
	}
	return 0, false
}

// sanitizeProviderError extracts only the provider's error code/description.
// Raw bodies can echo credentials and never go into error messages.
func sanitizeProviderError(body []byte) string {
	var parsed map[string]interface{}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "unparseable provider response"
	}
	code, _ := parsed["error"].(string)
	desc, _ := parsed["error_description"].(string)
	switch {
	case code != "" && desc != "":
		return code + ": " + desc
	case code != "":
		return code
	case desc != "":
		return desc
	default:
		return "no error detail"
	}
}
