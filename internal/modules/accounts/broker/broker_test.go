package broker

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/toolgate/core/internal/apperrors"
	"github.com/toolgate/core/internal/models"
	"github.com/toolgate/core/internal/pkg/cipher"
)

func plainBox(t *testing.T) *cipher.Box {
	t.Helper()
	box, err := cipher.New("")
	require.NoError(t, err)
	return box
}

func TestRFC3986Encode(t *testing.T) {
	require.Equal(t, "a%20b", rfc3986Encode("a b"))
	require.Equal(t, "%2B", rfc3986Encode("+"))
	require.Equal(t, "~-._", rfc3986Encode("~-._"))
	require.Equal(t, "http%3A%2F%2Fexample.com%2Fready", rfc3986Encode("http://example.com/ready"))
}

// Vector from RFC 5849 section 1.2 (temporary credentials request).
func TestOAuth1SignatureVector(t *testing.T) {
	m := NewOAuth1Manager("PHOTOS", &OAuth1Config{
		ConsumerKey:    "dpf43f3p2l4k3l03",
		ConsumerSecret: "kd94hf93k423kf44",
	})
	params := map[string]string{
		"oauth_consumer_key":     "dpf43f3p2l4k3l03",
		"oauth_signature_method": "HMAC-SHA1",
		"oauth_timestamp":        "137131200",
		"oauth_nonce":            "wIjqoS",
		"oauth_callback":         "http://printer.example.com/ready",
	}
	sig := m.sign(http.MethodPost, "https://photos.example.net/initiate", params, "")
	require.Equal(t, "74KNZJeDHnMBp0EMJ9ZHt/XKycU=", sig)
}

func TestOAuth1AuthorizationHeaderSorted(t *testing.T) {
	header := authorizationHeader(map[string]string{
		"oauth_token":        "t",
		"oauth_consumer_key": "k",
		"oauth_signature":    "s=/+",
	})
	require.True(t, strings.HasPrefix(header, "OAuth "))
	require.Equal(t, `OAuth oauth_consumer_key="k", oauth_signature="s%3D%2F%2B", oauth_token="t"`, header)
}

func TestOAuth1RequestTokenFlow(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		auth := r.Header.Get("Authorization")
		require.Contains(t, auth, `oauth_callback=`)
		require.Contains(t, auth, `oauth_signature=`)
		require.Equal(t, "read", r.URL.Query().Get("scope"))
		w.Write([]byte("oauth_token=temp&oauth_token_secret=tempsecret"))
	}))
	defer srv.Close()

	m := NewOAuth1Manager("TRELLO", &OAuth1Config{
		ConsumerKey:     "ck",
		ConsumerSecret:  "cs",
		RequestTokenURL: srv.URL,
		AuthorizeURL:    "https://example.com/authorize",
		AccessTokenURL:  srv.URL,
		Scope:           "read",
	})
	token, secret, err := m.RequestToken(context.Background(), "https://api.example.com/callback")
	require.NoError(t, err)
	require.Equal(t, "temp", token)
	require.Equal(t, "tempsecret", secret)

	authorize := m.AuthorizeURL(token)
	require.Contains(t, authorize, "oauth_token=temp")
	require.Contains(t, authorize, "name=TRELLO")
}

func TestOAuth1AccessTokenMissingToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("oops=1"))
	}))
	defer srv.Close()

	m := NewOAuth1Manager("TRELLO", &OAuth1Config{
		ConsumerKey:     "ck",
		ConsumerSecret:  "cs",
		RequestTokenURL: srv.URL,
		AuthorizeURL:    "https://example.com/authorize",
		AccessTokenURL:  srv.URL,
	})
	_, err := m.AccessToken(context.Background(), "temp", "tempsecret", "verifier")
	require.ErrorIs(t, err, apperrors.ErrOAuthFlow)
}

func TestGenerateCodeVerifier(t *testing.T) {
	v, err := GenerateCodeVerifier()
	require.NoError(t, err)
	require.Len(t, v, 48)
	for _, c := range v {
		require.Contains(t, verifierAlphabet, string(c))
	}

	v2, err := GenerateCodeVerifier()
	require.NoError(t, err)
	require.NotEqual(t, v, v2)
}

func TestOAuth2AuthorizeURLQuirks(t *testing.T) {
	base := &OAuth2Config{
		ClientID:       "cid",
		ClientSecret:   "secret",
		Scope:          "read write",
		AuthorizeURL:   "https://provider.example.com/authorize",
		AccessTokenURL: "https://provider.example.com/token",
		RedirectURL:    "https://gw.example.com/callback",
	}

	t.Run("default adds pkce and offline hints", func(t *testing.T) {
		u, err := NewOAuth2Manager("GMAIL", base).AuthorizeURL("st", "verifier-value")
		require.NoError(t, err)
		parsed, err := url.Parse(u)
		require.NoError(t, err)
		q := parsed.Query()
		require.Equal(t, "code", q.Get("response_type"))
		require.Equal(t, codeChallenge("verifier-value"), q.Get("code_challenge"))
		require.Equal(t, "S256", q.Get("code_challenge_method"))
		require.Equal(t, "offline", q.Get("access_type"))
		require.Equal(t, "consent", q.Get("prompt"))
		require.Equal(t, "st", q.Get("state"))
	})

	t.Run("linkedin skips pkce", func(t *testing.T) {
		u, err := NewOAuth2Manager("LINKEDIN", base).AuthorizeURL("st", "verifier-value")
		require.NoError(t, err)
		require.NotContains(t, u, "code_challenge")
		require.NotContains(t, u, "access_type")
	})

	t.Run("x keeps pkce without offline hints", func(t *testing.T) {
		u, err := NewOAuth2Manager("X", base).AuthorizeURL("st", "verifier-value")
		require.NoError(t, err)
		require.Contains(t, u, "code_challenge=")
		require.NotContains(t, u, "access_type")
		require.NotContains(t, u, "prompt=")
	})

	t.Run("reddit requests permanent grant", func(t *testing.T) {
		u, err := NewOAuth2Manager("REDDIT", base).AuthorizeURL("st", "verifier-value")
		require.NoError(t, err)
		require.Contains(t, u, "duration=permanent")
	})

	t.Run("slack swaps scope for user_scope", func(t *testing.T) {
		u, err := NewOAuth2Manager("SLACK", base).AuthorizeURL("st", "verifier-value")
		require.NoError(t, err)
		require.Contains(t, u, "user_scope=")
		require.True(t, strings.HasSuffix(u, "&scope="))
	})
}

func TestOAuth2Exchange(t *testing.T) {
	var gotForm url.Values
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		gotForm = r.PostForm
		gotAuth = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"at","token_type":"Bearer","expires_in":3600,"refresh_token":"rt","scope":"read"}`))
	}))
	defer srv.Close()

	cfg := &OAuth2Config{
		ClientID:       "cid",
		ClientSecret:   "csecret",
		AuthorizeURL:   srv.URL + "/authorize",
		AccessTokenURL: srv.URL,
		RedirectURL:    "https://gw.example.com/callback",
	}
	creds, err := NewOAuth2Manager("GMAIL", cfg).Exchange(context.Background(), "the-code", "the-verifier")
	require.NoError(t, err)

	require.Equal(t, "authorization_code", gotForm.Get("grant_type"))
	require.Equal(t, "the-code", gotForm.Get("code"))
	require.Equal(t, "the-verifier", gotForm.Get("code_verifier"))
	require.True(t, strings.HasPrefix(gotAuth, "Basic "))
	decoded, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(gotAuth, "Basic "))
	require.NoError(t, err)
	require.Equal(t, "cid:csecret", string(decoded))

	require.Equal(t, "at", creds.AccessToken)
	require.Equal(t, "rt", creds.RefreshToken)
	require.Equal(t, "Bearer", creds.TokenType)
	require.InDelta(t, time.Now().Unix()+3600, creds.ExpiresAt, 5)
}

func TestOAuth2ExchangeLinkedInOmitsVerifier(t *testing.T) {
	var gotForm url.Values
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		gotForm = r.PostForm
		w.Write([]byte(`{"access_token":"at"}`))
	}))
	defer srv.Close()

	cfg := &OAuth2Config{
		ClientID:       "cid",
		ClientSecret:   "csecret",
		AuthorizeURL:   srv.URL,
		AccessTokenURL: srv.URL,
		RedirectURL:    "https://gw.example.com/callback",
	}
	_, err := NewOAuth2Manager("LINKEDIN", cfg).Exchange(context.Background(), "code", "verifier")
	require.NoError(t, err)
	require.Empty(t, gotForm.Get("code_verifier"))
}

func TestOAuth2ParseSlackUnwrapsAuthedUser(t *testing.T) {
	m := NewOAuth2Manager("SLACK", &OAuth2Config{})

	creds, err := m.parseTokenResponse([]byte(`{"ok":true,"authed_user":{"access_token":"xoxp-1","token_type":"user","scope":"chat:write"}}`), nil)
	require.NoError(t, err)
	require.Equal(t, "xoxp-1", creds.AccessToken)
	require.Equal(t, "chat:write", creds.Scope)

	_, err = m.parseTokenResponse([]byte(`{"ok":true,"access_token":"bot-token"}`), nil)
	require.ErrorIs(t, err, apperrors.ErrOAuthFlow)
}

func TestOAuth2ParseErrors(t *testing.T) {
	m := NewOAuth2Manager("GMAIL", &OAuth2Config{})

	_, err := m.parseTokenResponse([]byte(`{"error":"invalid_grant","error_description":"bad code"}`), nil)
	require.ErrorIs(t, err, apperrors.ErrOAuthFlow)
	require.Contains(t, err.Error(), "invalid_grant")

	_, err = m.parseTokenResponse([]byte(`{"token_type":"Bearer"}`), nil)
	require.ErrorIs(t, err, apperrors.ErrOAuthFlow)
}

func TestOAuth2RefreshCarriesOverFields(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		require.Equal(t, "refresh_token", r.PostForm.Get("grant_type"))
		require.Equal(t, "old-rt", r.PostForm.Get("refresh_token"))
		w.Write([]byte(`{"access_token":"new-at","expires_in":1800}`))
	}))
	defer srv.Close()

	cfg := &OAuth2Config{
		ClientID:        "cid",
		ClientSecret:    "cs",
		AccessTokenURL:  srv.URL,
		RefreshTokenURL: srv.URL,
	}
	prev := &OAuth2Credentials{
		AccessToken:  "old-at",
		RefreshToken: "old-rt",
		Scope:        "read",
		Metadata:     map[string]string{"orgId": "42"},
	}
	creds, err := NewOAuth2Manager("GMAIL", cfg).Refresh(context.Background(), prev)
	require.NoError(t, err)
	require.Equal(t, "new-at", creds.AccessToken)
	require.Equal(t, "old-rt", creds.RefreshToken)
	require.Equal(t, "read", creds.Scope)
	require.Equal(t, "42", creds.Metadata["orgId"])
}

func TestValidateSchemeConfig(t *testing.T) {
	cases := []struct {
		name    string
		scheme  models.SecurityScheme
		raw     string
		wantErr bool
	}{
		{"no_auth empty", models.SchemeNoAuth, `{}`, false},
		{"api_key ok", models.SchemeAPIKey, `{"location":"header","name":"X-Key"}`, false},
		{"api_key missing name", models.SchemeAPIKey, `{"location":"header"}`, true},
		{"api_key bad location", models.SchemeAPIKey, `{"location":"path","name":"k"}`, true},
		{"oauth2 ok", models.SchemeOAuth2, `{"client_id":"a","authorize_url":"u","access_token_url":"t"}`, false},
		{"oauth2 missing endpoints", models.SchemeOAuth2, `{"client_id":"a"}`, true},
		{"oauth1 ok", models.SchemeOAuth1, `{"consumer_key":"k","consumer_secret":"s","request_token_url":"r","authorize_url":"a","access_token_url":"t"}`, false},
		{"oauth1 client_token skips request url", models.SchemeOAuth1, `{"consumer_key":"k","consumer_secret":"s","authorize_url":"a","flow":"client_token"}`, false},
		{"oauth1 missing request url", models.SchemeOAuth1, `{"consumer_key":"k","consumer_secret":"s","authorize_url":"a"}`, true},
		{"unknown scheme", models.SecurityScheme("basic"), `{}`, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidateSchemeConfig(tc.scheme, json.RawMessage(tc.raw))
			if tc.wantErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestValidateCredentials(t *testing.T) {
	require.NoError(t, ValidateCredentials(models.SchemeAPIKey, []byte(`{"secret_key":"sk"}`)))
	require.Error(t, ValidateCredentials(models.SchemeAPIKey, []byte(`{"token":"sk"}`)))
	require.NoError(t, ValidateCredentials(models.SchemeOAuth2, []byte(`{"access_token":"at"}`)))
	require.Error(t, ValidateCredentials(models.SchemeOAuth2, []byte(`{}`)))
	require.NoError(t, ValidateCredentials(models.SchemeOAuth1, []byte(`{"oauth_token":"t","oauth_token_secret":"s"}`)))
	// Empty means "use app defaults" and passes through.
	require.NoError(t, ValidateCredentials(models.SchemeOAuth2, nil))
}

func TestBrokerGetNoAuth(t *testing.T) {
	svc := NewService(nil, plainBox(t))
	app := &models.AppModel{Name: "OPENLIB"}
	account := &models.LinkedAccountModel{SecurityScheme: models.SchemeNoAuth, Enabled: true}

	access, err := svc.Get(context.Background(), app, nil, account)
	require.NoError(t, err)
	require.Equal(t, models.SchemeNoAuth, access.Scheme)
	require.JSONEq(t, `{}`, string(access.Credentials))
	require.False(t, access.IsUpdated)
}

func TestBrokerGetDisabledAccount(t *testing.T) {
	svc := NewService(nil, plainBox(t))
	account := &models.LinkedAccountModel{SecurityScheme: models.SchemeAPIKey, Enabled: false}

	_, err := svc.Get(context.Background(), &models.AppModel{}, nil, account)
	require.ErrorIs(t, err, apperrors.ErrLinkedAccountDisabled)
}

func TestBrokerGetAPIKeyFromAppDefaults(t *testing.T) {
	svc := NewService(nil, plainBox(t))
	app := &models.AppModel{
		Name: "BRAVE",
		DefaultSecurityCredentials: map[models.SecurityScheme]string{
			models.SchemeAPIKey: `{"secret_key":"shared"}`,
		},
	}
	account := &models.LinkedAccountModel{SecurityScheme: models.SchemeAPIKey, Enabled: true}

	access, err := svc.Get(context.Background(), app, nil, account)
	require.NoError(t, err)
	require.True(t, access.IsAppDefault)

	key, err := access.APIKey()
	require.NoError(t, err)
	require.Equal(t, "shared", key.SecretKey)
}

func TestBrokerGetAPIKeyMissingDefaults(t *testing.T) {
	svc := NewService(nil, plainBox(t))
	app := &models.AppModel{Name: "BRAVE"}
	account := &models.LinkedAccountModel{SecurityScheme: models.SchemeAPIKey, Enabled: true}

	_, err := svc.Get(context.Background(), app, nil, account)
	require.ErrorIs(t, err, apperrors.ErrValidation)
}

func TestBrokerGetOAuth2FreshTokenNotRefreshed(t *testing.T) {
	svc := NewService(nil, plainBox(t))
	creds, _ := json.Marshal(OAuth2Credentials{
		AccessToken: "at",
		ExpiresAt:   time.Now().Add(1 * time.Hour).Unix(),
	})
	app := &models.AppModel{Name: "GMAIL"}
	account := &models.LinkedAccountModel{
		SecurityScheme:      models.SchemeOAuth2,
		SecurityCredentials: string(creds),
		Enabled:             true,
	}

	access, err := svc.Get(context.Background(), app, nil, account)
	require.NoError(t, err)
	require.False(t, access.IsUpdated)
}

func TestBrokerGetOAuth2RefreshesExpired(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"access_token":"fresh","expires_in":3600}`))
	}))
	defer srv.Close()

	svc := NewService(nil, plainBox(t))
	schemeCfg, _ := json.Marshal(OAuth2Config{
		ClientID:       "cid",
		ClientSecret:   "cs",
		AuthorizeURL:   srv.URL,
		AccessTokenURL: srv.URL,
	})
	app := &models.AppModel{
		Name: "GMAIL",
		SecuritySchemes: map[models.SecurityScheme]json.RawMessage{
			models.SchemeOAuth2: schemeCfg,
		},
	}
	creds, _ := json.Marshal(OAuth2Credentials{
		AccessToken:  "stale",
		RefreshToken: "rt",
		ExpiresAt:    time.Now().Add(-1 * time.Minute).Unix(),
	})
	account := &models.LinkedAccountModel{
		SecurityScheme:      models.SchemeOAuth2,
		SecurityCredentials: string(creds),
		Enabled:             true,
	}

	access, err := svc.Get(context.Background(), app, nil, account)
	require.NoError(t, err)
	require.True(t, access.IsUpdated)

	got, err := access.OAuth2()
	require.NoError(t, err)
	require.Equal(t, "fresh", got.AccessToken)
	require.Equal(t, "rt", got.RefreshToken)
}

func TestBrokerGetOAuth2ExpiredWithoutRefreshToken(t *testing.T) {
	svc := NewService(nil, plainBox(t))
	creds, _ := json.Marshal(OAuth2Credentials{
		AccessToken: "stale",
		ExpiresAt:   time.Now().Add(-1 * time.Minute).Unix(),
	})
	app := &models.AppModel{Name: "GMAIL"}
	account := &models.LinkedAccountModel{
		SecurityScheme:      models.SchemeOAuth2,
		SecurityCredentials: string(creds),
		Enabled:             true,
	}

	_, err := svc.Get(context.Background(), app, nil, account)
	require.ErrorIs(t, err, apperrors.ErrOAuthFlow)
}

func TestBrokerSealRoundTrip(t *testing.T) {
	box, err := cipher.New("unit-test-secret")
	require.NoError(t, err)
	svc := NewService(nil, box)

	sealed, err := svc.Seal([]byte(`{"secret_key":"sk"}`))
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(sealed, cipher.Prefix))

	opened, err := svc.Open(sealed)
	require.NoError(t, err)
	require.JSONEq(t, `{"secret_key":"sk"}`, string(opened))
}

func TestResolveOAuth2ConfigAppliesOverrides(t *testing.T) {
	schemeCfg, _ := json.Marshal(OAuth2Config{
		ClientID:       "shared-cid",
		ClientSecret:   "shared-secret",
		AuthorizeURL:   "https://p/authorize",
		AccessTokenURL: "https://p/token",
		Scope:          "read",
	})
	app := &models.AppModel{
		Name: "GMAIL",
		SecuritySchemes: map[models.SecurityScheme]json.RawMessage{
			models.SchemeOAuth2: schemeCfg,
		},
	}
	appConfig := &models.AppConfigModel{
		SchemeOverrides: map[string]interface{}{
			"client_id":     "own-cid",
			"client_secret": "own-secret",
		},
	}

	cfg, err := ResolveOAuth2Config(app, appConfig)
	require.NoError(t, err)
	require.Equal(t, "own-cid", cfg.ClientID)
	require.Equal(t, "own-secret", cfg.ClientSecret)
	require.Equal(t, "read", cfg.Scope)
	require.Equal(t, "https://p/token", cfg.RefreshTokenURL)
}
