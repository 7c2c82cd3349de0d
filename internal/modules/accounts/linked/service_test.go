package linked

import (
	"context"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/toolgate/core/internal/apperrors"
	"github.com/toolgate/core/internal/models"
	"github.com/toolgate/core/internal/modules/accounts/broker"
	"github.com/toolgate/core/internal/pkg/jwt"
)

func TestCallbackURLsTrimTrailingSlash(t *testing.T) {
	svc := NewService(nil, nil, nil, "https://api.example.com/")

	require.Equal(t, "https://api.example.com/v1/linked-accounts/oauth2/callback", svc.oauth2CallbackURL())
	require.Equal(t, "https://api.example.com/v1/linked-accounts/oauth1/callback", svc.oauth1CallbackURL())
	require.Equal(t, "https://api.example.com/v1/linked-accounts/oauth1/trello/callback", svc.trelloCallbackURL())
}

func TestToView(t *testing.T) {
	used := time.Now().Add(-time.Hour)
	row := &models.LinkedAccountModel{
		ProjectID:      "proj_1",
		OwnerID:        "user-7",
		SecurityScheme: models.SchemeAPIKey,
		Enabled:        true,
		LastUsedAt:     &used,
		App:            &models.AppModel{Name: "GITHUB"},
	}
	row.ID = "acc_1"

	view := toView(row)
	require.Equal(t, "acc_1", view.ID)
	require.Equal(t, "GITHUB", view.AppName)
	require.Equal(t, "user-7", view.OwnerID)
	require.True(t, view.UsesAppDefault)
	require.Equal(t, &used, view.LastUsedAt)

	row.SecurityCredentials = "sealed-blob"
	require.False(t, toView(row).UsesAppDefault)

	row.App = nil
	require.Empty(t, toView(row).AppName)
}

func TestStatePayloadRoundTrip(t *testing.T) {
	payload := map[string]string{
		stateAppName:   "GITHUB",
		stateProjectID: "proj_1",
		stateOwnerID:   "user-7",
		stateClientID:  "client-abc",
		stateVerifier:  "verifier-xyz",
		stateAfterLink: "https://app.example.com/done",
	}

	token, err := jwt.SignState(payload, stateTTL)
	require.NoError(t, err)

	parsed, err := jwt.ParseState(token)
	require.NoError(t, err)
	require.Equal(t, payload, parsed)

	_, err = jwt.ParseState(token + "tampered")
	require.Error(t, err)
}

func TestClientTokenAuthorizeURL(t *testing.T) {
	svc := NewService(nil, nil, nil, "https://api.example.com")
	app := &models.AppModel{Name: "TRELLO", DisplayName: "Trello"}
	cfg := &broker.OAuth1Config{
		ConsumerKey:  "key-123",
		AuthorizeURL: "https://trello.com/1/authorize",
		Scope:        "read,write",
		Flow:         "client_token",
	}
	payload := map[string]string{
		stateAppName:   "TRELLO",
		stateProjectID: "proj_1",
		stateOwnerID:   "user-7",
	}

	raw, err := svc.clientTokenAuthorizeURL(app, cfg, payload)
	require.NoError(t, err)

	parsed, err := url.Parse(raw)
	require.NoError(t, err)
	require.Equal(t, "https://trello.com/1/authorize", parsed.Scheme+"://"+parsed.Host+parsed.Path)

	q := parsed.Query()
	require.Equal(t, "key-123", q.Get("key"))
	require.Equal(t, "Trello", q.Get("name"))
	require.Equal(t, "token", q.Get("response_type"))
	require.Equal(t, "fragment", q.Get("callback_method"))
	require.Equal(t, "never", q.Get("expiration"))
	require.Equal(t, "read,write", q.Get("scope"))

	returnURL, err := url.Parse(q.Get("return_url"))
	require.NoError(t, err)
	require.Equal(t, "/v1/linked-accounts/oauth1/trello/callback", returnURL.Path)

	state := returnURL.Query().Get("state")
	claims, err := jwt.ParseState(state)
	require.NoError(t, err)
	require.Equal(t, "TRELLO", claims[stateAppName])
	require.Equal(t, "user-7", claims[stateOwnerID])
}

func TestCompleteOAuth2RejectsForgedState(t *testing.T) {
	svc := NewService(nil, nil, nil, "https://api.example.com")

	_, _, err := svc.CompleteOAuth2(context.Background(), "code", "not-a-jwt")
	require.ErrorIs(t, err, apperrors.ErrAuthentication)
}

func TestCompleteOAuth2RejectsIncompleteState(t *testing.T) {
	svc := NewService(nil, nil, nil, "https://api.example.com")

	state, err := jwt.SignState(map[string]string{stateAppName: "GITHUB"}, stateTTL)
	require.NoError(t, err)

	_, _, err = svc.CompleteOAuth2(context.Background(), "code", state)
	require.ErrorIs(t, err, apperrors.ErrAuthentication)
}

func TestCompleteOAuth1RequiresTokenAndVerifier(t *testing.T) {
	svc := NewService(nil, nil, nil, "https://api.example.com")

	_, _, err := svc.CompleteOAuth1(context.Background(), "", "vfy")
	require.ErrorIs(t, err, apperrors.ErrOAuthFlow)

	_, _, err = svc.CompleteOAuth1(context.Background(), "tok", "")
	require.ErrorIs(t, err, apperrors.ErrOAuthFlow)
}

func TestCompleteClientTokenRequiresToken(t *testing.T) {
	svc := NewService(nil, nil, nil, "https://api.example.com")

	_, _, err := svc.CompleteClientToken(context.Background(), "state", "")
	require.ErrorIs(t, err, apperrors.ErrOAuthFlow)
}

func TestCompleteClientTokenRejectsForgedState(t *testing.T) {
	svc := NewService(nil, nil, nil, "https://api.example.com")

	_, _, err := svc.CompleteClientToken(context.Background(), "not-a-jwt", "tok")
	require.ErrorIs(t, err, apperrors.ErrAuthentication)
}
