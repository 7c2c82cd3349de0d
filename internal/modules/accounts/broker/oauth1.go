package broker

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/toolgate/core/internal/apperrors"
)

// OAuth1Manager drives the three-legged OAuth 1.0a flow with HMAC-SHA1
// signatures.
type OAuth1Manager struct {
	appName string
	cfg     *OAuth1Config
}

func NewOAuth1Manager(appName string, cfg *OAuth1Config) *OAuth1Manager {
	return &OAuth1Manager{appName: strings.ToUpper(appName), cfg: cfg}
}

// rfc3986Encode percent-encodes with the OAuth1 unreserved set. Query
// escaping via net/url turns spaces into '+', which breaks signatures.
func rfc3986Encode(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'A' && c <= 'Z', c >= 'a' && c <= 'z', c >= '0' && c <= '9',
			c == '-', c == '.', c == '_', c == '~':
			b.WriteByte(c)
		default:
			b.WriteString(fmt.Sprintf("%%%02X", c))
		}
	}
	return b.String()
}

func oauthNonce() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// baseOAuthParams returns the protocol parameters every signed request
// carries.
func (m *OAuth1Manager) baseOAuthParams() (map[string]string, error) {
	nonce, err := oauthNonce()
	if err != nil {
		return nil, err
	}
	return map[string]string{
		"oauth_consumer_key":     m.cfg.ConsumerKey,
		"oauth_signature_method": "HMAC-SHA1",
		"oauth_timestamp":        strconv.FormatInt(time.Now().Unix(), 10),
		"oauth_nonce":            nonce,
		"oauth_version":          "1.0",
	}, nil
}

// sign computes the HMAC-SHA1 signature over the canonical base string.
// tokenSecret is empty for the request-token leg.
func (m *OAuth1Manager) sign(method, rawURL string, params map[string]string, tokenSecret string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, rfc3986Encode(k)+"="+rfc3986Encode(params[k]))
	}

	base := strings.ToUpper(method) + "&" + rfc3986Encode(rawURL) + "&" + rfc3986Encode(strings.Join(pairs, "&"))
	key := rfc3986Encode(m.cfg.ConsumerSecret) + "&" + rfc3986Encode(tokenSecret)

	mac := hmac.New(sha1.New, []byte(key))
	mac.Write([]byte(base))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// authorizationHeader renders oauth params as an OAuth Authorization header,
// sorted for stable output.
func authorizationHeader(params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf(`%s="%s"`, rfc3986Encode(k), rfc3986Encode(params[k])))
	}
	return "OAuth " + strings.Join(parts, ", ")
}

// postForToken posts a signed request and parses the urlencoded token
// response.
func (m *OAuth1Manager) postForToken(ctx context.Context, requestURL string, oauthParams map[string]string) (url.Values, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, requestURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: build oauth1 request: %v", apperrors.ErrOAuthFlow, err)
	}
	req.Header.Set("Authorization", authorizationHeader(oauthParams))

	resp, err := oauthHTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: oauth1 endpoint unreachable", apperrors.ErrOAuthFlow)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: read oauth1 response: %v", apperrors.ErrOAuthFlow, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%w: oauth1 endpoint returned %d", apperrors.ErrOAuthFlow, resp.StatusCode)
	}

	values, err := url.ParseQuery(string(body))
	if err != nil {
		return nil, fmt.Errorf("%w: oauth1 response is not urlencoded", apperrors.ErrOAuthFlow)
	}
	return values, nil
}

// RequestToken performs the first leg and returns the temporary token pair.
func (m *OAuth1Manager) RequestToken(ctx context.Context, callbackURL string) (token, tokenSecret string, err error) {
	params, err := m.baseOAuthParams()
	if err != nil {
		return "", "", err
	}
	params["oauth_callback"] = callbackURL

	requestURL := m.cfg.RequestTokenURL
	signed := make(map[string]string, len(params)+1)
	for k, v := range params {
		signed[k] = v
	}
	if m.cfg.Scope != "" {
		// Scope rides in the query string but must still be covered by the
		// signature.
		signed["scope"] = m.cfg.Scope
		requestURL += "?scope=" + rfc3986Encode(m.cfg.Scope)
	}
	params["oauth_signature"] = m.sign(http.MethodPost, m.cfg.RequestTokenURL, signed, "")

	values, err := m.postForToken(ctx, requestURL, params)
	if err != nil {
		return "", "", err
	}
	token = values.Get("oauth_token")
	tokenSecret = values.Get("oauth_token_secret")
	if token == "" {
		return "", "", fmt.Errorf("%w: request token response missing oauth_token", apperrors.ErrOAuthFlow)
	}
	return token, tokenSecret, nil
}

// AuthorizeURL builds the user consent URL for a temporary token.
func (m *OAuth1Manager) AuthorizeURL(token string) string {
	return m.cfg.AuthorizeURL + "?oauth_token=" + url.QueryEscape(token) + "&name=" + url.QueryEscape(m.appName)
}

// AccessToken performs the third leg, exchanging the verified temporary token
// for permanent credentials.
func (m *OAuth1Manager) AccessToken(ctx context.Context, token, tokenSecret, verifier string) (*OAuth1Credentials, error) {
	params, err := m.baseOAuthParams()
	if err != nil {
		return nil, err
	}
	params["oauth_token"] = token
	params["oauth_verifier"] = verifier
	params["oauth_signature"] = m.sign(http.MethodPost, m.cfg.AccessTokenURL, params, tokenSecret)

	values, err := m.postForToken(ctx, m.cfg.AccessTokenURL, params)
	if err != nil {
		return nil, err
	}
	accessToken := values.Get("oauth_token")
	if accessToken == "" {
		return nil, fmt.Errorf("%w: access token response missing oauth_token", apperrors.ErrOAuthFlow)
	}

	return &OAuth1Credentials{
		ConsumerKey:      m.cfg.ConsumerKey,
		ConsumerSecret:   m.cfg.ConsumerSecret,
		OAuthToken:       accessToken,
		OAuthTokenSecret: values.Get("oauth_token_secret"),
	}, nil
}
