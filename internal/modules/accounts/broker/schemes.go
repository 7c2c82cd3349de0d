package broker

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/toolgate/core/internal/apperrors"
	"github.com/toolgate/core/internal/models"
)

// HTTPLocation is where a credential lands in the outgoing request.
type HTTPLocation string

const (
	LocationHeader HTTPLocation = "header"
	LocationQuery  HTTPLocation = "query"
	LocationBody   HTTPLocation = "body"
	LocationCookie HTTPLocation = "cookie"
)

func (l HTTPLocation) Valid() bool {
	switch l {
	case LocationHeader, LocationQuery, LocationBody, LocationCookie:
		return true
	}
	return false
}

// OAuth2Config is the per-app oauth2 entry of an app manifest. A project's
// AppConfiguration may override client_id/client_secret/redirect_url.
type OAuth2Config struct {
	ClientID                string            `json:"client_id"`
	ClientSecret            string            `json:"client_secret"`
	Scope                   string            `json:"scope"`
	AuthorizeURL            string            `json:"authorize_url"`
	AccessTokenURL          string            `json:"access_token_url"`
	RefreshTokenURL         string            `json:"refresh_token_url"`
	TokenEndpointAuthMethod string            `json:"token_endpoint_auth_method,omitempty"` // client_secret_basic | client_secret_post
	Location                HTTPLocation      `json:"location"`
	Name                    string            `json:"name"`
	Prefix                  string            `json:"prefix,omitempty"`
	AdditionalHeaders       map[string]string `json:"additional_headers,omitempty"`
	RedirectURL             string            `json:"redirect_url,omitempty"`
}

// OAuth1Config is the per-app oauth1 manifest entry. Flow "client_token"
// selects the fragment-completion page instead of the server callback.
type OAuth1Config struct {
	ConsumerKey     string `json:"consumer_key"`
	ConsumerSecret  string `json:"consumer_secret"`
	RequestTokenURL string `json:"request_token_url"`
	AuthorizeURL    string `json:"authorize_url"`
	AccessTokenURL  string `json:"access_token_url"`
	Scope           string `json:"scope,omitempty"`
	Flow            string `json:"flow,omitempty"`
}

// APIKeyConfig describes static-key injection.
type APIKeyConfig struct {
	Location HTTPLocation `json:"location"`
	Name     string       `json:"name"`
	Prefix   string       `json:"prefix,omitempty"`
}

// OAuth2Credentials is the stored credential JSON for oauth2 accounts.
// ExpiresAt is unix seconds; zero means the token does not expire.
type OAuth2Credentials struct {
	AccessToken  string                 `json:"access_token"`
	RefreshToken string                 `json:"refresh_token,omitempty"`
	TokenType    string                 `json:"token_type,omitempty"`
	ExpiresAt    int64                  `json:"expires_at,omitempty"`
	Scope        string                 `json:"scope,omitempty"`
	Metadata     map[string]string      `json:"metadata,omitempty"`
	Raw          map[string]interface{} `json:"raw_token_response,omitempty"`
}

// OAuth1Credentials is the stored credential JSON for oauth1 accounts.
type OAuth1Credentials struct {
	ConsumerKey      string `json:"consumer_key"`
	ConsumerSecret   string `json:"consumer_secret"`
	OAuthToken       string `json:"oauth_token"`
	OAuthTokenSecret string `json:"oauth_token_secret"`
}

// APIKeyCredentials is the stored credential JSON for api-key accounts.
type APIKeyCredentials struct {
	SecretKey string `json:"secret_key"`
}

// DecodeOAuth2Config parses and minimally validates an oauth2 manifest entry.
func DecodeOAuth2Config(raw json.RawMessage) (*OAuth2Config, error) {
	var cfg OAuth2Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("%w: oauth2 config: %v", apperrors.ErrValidation, err)
	}
	if cfg.ClientID == "" || cfg.AuthorizeURL == "" || cfg.AccessTokenURL == "" {
		return nil, fmt.Errorf("%w: oauth2 config requires client_id, authorize_url and access_token_url", apperrors.ErrValidation)
	}
	if cfg.RefreshTokenURL == "" {
		cfg.RefreshTokenURL = cfg.AccessTokenURL
	}
	if cfg.Location == "" {
		cfg.Location = LocationHeader
	}
	if !cfg.Location.Valid() {
		return nil, fmt.Errorf("%w: oauth2 location %q", apperrors.ErrValidation, cfg.Location)
	}
	if cfg.Name == "" {
		cfg.Name = "Authorization"
	}
	return &cfg, nil
}

// DecodeOAuth1Config parses and minimally validates an oauth1 manifest entry.
func DecodeOAuth1Config(raw json.RawMessage) (*OAuth1Config, error) {
	var cfg OAuth1Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("%w: oauth1 config: %v", apperrors.ErrValidation, err)
	}
	if cfg.ConsumerKey == "" || cfg.ConsumerSecret == "" || cfg.AuthorizeURL == "" {
		return nil, fmt.Errorf("%w: oauth1 config requires consumer_key, consumer_secret and authorize_url", apperrors.ErrValidation)
	}
	if cfg.Flow != "" && cfg.Flow != "client_token" && cfg.Flow != "standard" {
		return nil, fmt.Errorf("%w: oauth1 flow %q", apperrors.ErrValidation, cfg.Flow)
	}
	if cfg.Flow != "client_token" && (cfg.RequestTokenURL == "" || cfg.AccessTokenURL == "") {
		return nil, fmt.Errorf("%w: oauth1 config requires request_token_url and access_token_url", apperrors.ErrValidation)
	}
	return &cfg, nil
}

// DecodeAPIKeyConfig parses and minimally validates an api_key manifest entry.
func DecodeAPIKeyConfig(raw json.RawMessage) (*APIKeyConfig, error) {
	var cfg APIKeyConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("%w: api_key config: %v", apperrors.ErrValidation, err)
	}
	if cfg.Location == "" {
		cfg.Location = LocationHeader
	}
	if !cfg.Location.Valid() {
		return nil, fmt.Errorf("%w: api_key location %q", apperrors.ErrValidation, cfg.Location)
	}
	if cfg.Name == "" {
		return nil, fmt.Errorf("%w: api_key config requires a parameter name", apperrors.ErrValidation)
	}
	return &cfg, nil
}

// EncodeCredentials renders a typed credential struct as the JSON document
// the store (and the seal layer above it) works with.
func EncodeCredentials(creds interface{}) (string, error) {
	b, err := json.Marshal(creds)
	if err != nil {
		return "", fmt.Errorf("encode credentials: %w", err)
	}
	return string(b), nil
}

// ValidateSchemeConfig checks one manifest security_schemes entry against its
// scheme kind. Used by the admin catalog write path.
func ValidateSchemeConfig(scheme models.SecurityScheme, raw json.RawMessage) error {
	switch scheme {
	case models.SchemeNoAuth:
		return nil
	case models.SchemeAPIKey:
		_, err := DecodeAPIKeyConfig(raw)
		return err
	case models.SchemeOAuth2:
		_, err := DecodeOAuth2Config(raw)
		return err
	case models.SchemeOAuth1:
		_, err := DecodeOAuth1Config(raw)
		return err
	default:
		return fmt.Errorf("%w: unsupported security scheme %q", apperrors.ErrValidation, scheme)
	}
}

// ValidateCredentials enforces scheme/credential coherence on writes: a
// credential document must decode into the shape its scheme expects.
func ValidateCredentials(scheme models.SecurityScheme, credentialJSON []byte) error {
	if len(credentialJSON) == 0 || strings.TrimSpace(string(credentialJSON)) == "" {
		return nil // empty means "use app defaults"; the broker checks those exist
	}
	switch scheme {
	case models.SchemeNoAuth:
		return nil
	case models.SchemeAPIKey:
		var c APIKeyCredentials
		if err := json.Unmarshal(credentialJSON, &c); err != nil || c.SecretKey == "" {
			return fmt.Errorf("%w: api_key credentials require secret_key", apperrors.ErrValidation)
		}
	case models.SchemeOAuth2:
		var c OAuth2Credentials
		if err := json.Unmarshal(credentialJSON, &c); err != nil || c.AccessToken == "" {
			return fmt.Errorf("%w: oauth2 credentials require access_token", apperrors.ErrValidation)
		}
	case models.SchemeOAuth1:
		var c OAuth1Credentials
		if err := json.Unmarshal(credentialJSON, &c); err != nil || c.OAuthToken == "" {
			return fmt.Errorf("%w: oauth1 credentials require oauth_token", apperrors.ErrValidation)
		}
	default:
		return fmt.Errorf("%w: unsupported security scheme %q", apperrors.ErrValidation, scheme)
	}
	return nil
}

// ResolveOAuth2Config decodes the app's oauth2 entry and applies a project's
// scheme overrides (own OAuth client) on top.
func ResolveOAuth2Config(app *models.AppModel, appConfig *models.AppConfigModel) (*OAuth2Config, error) {
	raw, ok := app.SchemeConfig(models.SchemeOAuth2)
	if !ok {
		return nil, fmt.Errorf("%w: app %s does not declare oauth2", apperrors.ErrValidation, app.Name)
	}
	cfg, err := DecodeOAuth2Config(raw)
	if err != nil {
		return nil, err
	}
	if appConfig != nil && len(appConfig.SchemeOverrides) > 0 {
		if v, ok := appConfig.SchemeOverrides["client_id"].(string); ok && v != "" {
			cfg.ClientID = v
		}
		if v, ok := appConfig.SchemeOverrides["client_secret"].(string); ok && v != "" {
			cfg.ClientSecret = v
		}
		if v, ok := appConfig.SchemeOverrides["redirect_url"].(string); ok && v != "" {
			cfg.RedirectURL = v
		}
		if v, ok := appConfig.SchemeOverrides["scope"].(string); ok && v != "" {
			cfg.Scope = v
		}
	}
	return cfg, nil
}

// ResolveOAuth1Config decodes the app's oauth1 entry.
func ResolveOAuth1Config(app *models.AppModel) (*OAuth1Config, error) {
	raw, ok := app.SchemeConfig(models.SchemeOAuth1)
	if !ok {
		return nil, fmt.Errorf("%w: app %s does not declare oauth1", apperrors.ErrValidation, app.Name)
	}
	return DecodeOAuth1Config(raw)
}

// ResolveAPIKeyConfig decodes the app's api_key entry.
func ResolveAPIKeyConfig(app *models.AppModel) (*APIKeyConfig, error) {
	raw, ok := app.SchemeConfig(models.SchemeAPIKey)
	if !ok {
		return nil, fmt.Errorf("%w: app %s does not declare api_key", apperrors.ErrValidation, app.Name)
	}
	return DecodeAPIKeyConfig(raw)
}
