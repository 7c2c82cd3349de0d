package linked

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/toolgate/core/internal/apperrors"
	"github.com/toolgate/core/internal/models"
	"github.com/toolgate/core/internal/modules/accounts/broker"
	"github.com/toolgate/core/internal/pkg/jwt"
)

// State payload keys carried across the OAuth redirects.
const (
	stateAppName    = "app_name"
	stateProjectID  = "project_id"
	stateOwnerID    = "linked_account_owner_id"
	stateClientID   = "client_id"
	stateVerifier   = "code_verifier"
	stateAfterLink  = "after_link_redirect_url"
	stateOAu1Secret = "oauth_token_secret"
)

func (s *Service) oauth2CallbackURL() string {
	return strings.TrimRight(s.baseURL, "/") + "/v1/linked-accounts/oauth2/callback"
}

func (s *Service) oauth1CallbackURL() string {
	return strings.TrimRight(s.baseURL, "/") + "/v1/linked-accounts/oauth1/callback"
}

func (s *Service) trelloCallbackURL() string {
	return strings.TrimRight(s.baseURL, "/") + "/v1/linked-accounts/oauth1/trello/callback"
}

// StartOAuth2 begins the authorization-code flow and returns the consent URL
// the end user must visit.
func (s *Service) StartOAuth2(ctx context.Context, project *models.ProjectModel, appName, ownerID, afterURL string) (string, error) {
	app, appCfg, err := s.resolveLinkTarget(ctx, project.ID, appName, models.SchemeOAuth2)
	if err != nil {
		return "", err
	}

	cfg, err := broker.ResolveOAuth2Config(app, appCfg)
	if err != nil {
		return "", err
	}
	if cfg.RedirectURL == "" {
		cfg.RedirectURL = s.oauth2CallbackURL()
	}
	manager := broker.NewOAuth2Manager(app.Name, cfg)

	payload := map[string]string{
		stateAppName:   app.Name,
		stateProjectID: project.ID,
		stateOwnerID:   ownerID,
		stateClientID:  cfg.ClientID,
	}
	if afterURL != "" {
		payload[stateAfterLink] = afterURL
	}

	verifier := ""
	if manager.UsesPKCE() {
		verifier, err = broker.GenerateCodeVerifier()
		if err != nil {
			return "", err
		}
		payload[stateVerifier] = verifier
	}

	state, err := jwt.SignState(payload, stateTTL)
	if err != nil {
		return "", fmt.Errorf("sign oauth2 state: %w", err)
	}
	return manager.AuthorizeURL(state, verifier)
}

// CompleteOAuth2 finishes the flow on the provider redirect: validate state,
// exchange the code, fetch post-link metadata, persist the account. The
// returned redirect URL is empty unless the start call asked for one.
func (s *Service) CompleteOAuth2(ctx context.Context, code, state string) (*View, string, error) {
	payload, err := jwt.ParseState(state)
	if err != nil {
		return nil, "", fmt.Errorf("%w: oauth2 state rejected", apperrors.ErrAuthentication)
	}
	appName, projectID, ownerID := payload[stateAppName], payload[stateProjectID], payload[stateOwnerID]
	if appName == "" || projectID == "" || ownerID == "" {
		return nil, "", fmt.Errorf("%w: oauth2 state incomplete", apperrors.ErrAuthentication)
	}

	appCfg, err := s.configs.GetModel(ctx, projectID, appName)
	if err != nil {
		return nil, "", err
	}
	app := appCfg.App
	if app == nil {
		return nil, "", fmt.Errorf("load app for configuration %s: %w", appCfg.ID, apperrors.ErrAppNotFound)
	}

	cfg, err := broker.ResolveOAuth2Config(app, appCfg)
	if err != nil {
		return nil, "", err
	}
	if cfg.RedirectURL == "" {
		cfg.RedirectURL = s.oauth2CallbackURL()
	}
	// The client the flow started with must still be the configured one;
	// a swapped override between start and callback voids the state.
	if payload[stateClientID] != cfg.ClientID {
		return nil, "", fmt.Errorf("%w: oauth2 client mismatch", apperrors.ErrAuthentication)
	}

	manager := broker.NewOAuth2Manager(app.Name, cfg)
	creds, err := manager.Exchange(ctx, code, payload[stateVerifier])
	if err != nil {
		return nil, "", err
	}

	if metadata, err := manager.PostLinkMetadata(ctx, creds); err != nil {
		s.logger.Warn("post-link metadata fetch failed",
			zap.String("app_name", app.Name), zap.Error(err))
	} else if len(metadata) > 0 {
		creds.Metadata = metadata
	}

	credentialJSON, err := broker.EncodeCredentials(creds)
	if err != nil {
		return nil, "", err
	}
	row, err := s.createAccount(ctx, projectID, app, models.SchemeOAuth2, ownerID, credentialJSON)
	if err != nil {
		return nil, "", err
	}

	view := toView(row)
	return &view, payload[stateAfterLink], nil
}

// StartOAuth1 begins either the standard three-legged flow or, for apps whose
// manifest marks flow=client_token, the fragment-completion flow.
func (s *Service) StartOAuth1(ctx context.Context, project *models.ProjectModel, appName, ownerID, afterURL string) (string, error) {
	app, _, err := s.resolveLinkTarget(ctx, project.ID, appName, models.SchemeOAuth1)
	if err != nil {
		return "", err
	}
	cfg, err := broker.ResolveOAuth1Config(app)
	if err != nil {
		return "", err
	}

	payload := map[string]string{
		stateAppName:   app.Name,
		stateProjectID: project.ID,
		stateOwnerID:   ownerID,
	}
	if afterURL != "" {
		payload[stateAfterLink] = afterURL
	}

	if cfg.Flow == "client_token" {
		return s.clientTokenAuthorizeURL(app, cfg, payload)
	}

	manager := broker.NewOAuth1Manager(app.Name, cfg)
	token, tokenSecret, err := manager.RequestToken(ctx, s.oauth1CallbackURL())
	if err != nil {
		return "", err
	}

	// The provider echoes only oauth_token on the callback; the temp-token
	// row keyed by it carries the signed state, and the token secret rides
	// inside the state.
	payload[stateOAu1Secret] = tokenSecret
	stateJWT, err := jwt.SignState(payload, stateTTL)
	if err != nil {
		return "", fmt.Errorf("sign oauth1 state: %w", err)
	}

	tempRow := &models.OAuth1TempTokenModel{
		OAuthToken: token,
		StateJWT:   stateJWT,
		ExpiresAt:  time.Now().Add(stateTTL),
	}
	if err := s.db.WithContext(ctx).Create(tempRow).Error; err != nil {
		return "", err
	}

	return manager.AuthorizeURL(token), nil
}

// clientTokenAuthorizeURL builds the Trello-style authorize URL. The provider
// returns the token in the URL fragment of our callback page.
func (s *Service) clientTokenAuthorizeURL(app *models.AppModel, cfg *broker.OAuth1Config, payload map[string]string) (string, error) {
	state, err := jwt.SignState(payload, stateTTL)
	if err != nil {
		return "", fmt.Errorf("sign oauth1 state: %w", err)
	}

	returnURL := s.trelloCallbackURL() + "?state=" + url.QueryEscape(state)

	q := url.Values{}
	q.Set("key", cfg.ConsumerKey)
	q.Set("name", app.DisplayName)
	q.Set("response_type", "token")
	q.Set("callback_method", "fragment")
	q.Set("expiration", "never")
	if cfg.Scope != "" {
		q.Set("scope", cfg.Scope)
	}
	q.Set("return_url", returnURL)

	return cfg.AuthorizeURL + "?" + q.Encode(), nil
}

// CompleteOAuth1 finishes the standard three-legged flow: look up the temp
// token row, unpack the state, trade the verifier for an access token.
func (s *Service) CompleteOAuth1(ctx context.Context, oauthToken, verifier string) (*View, string, error) {
	if oauthToken == "" || verifier == "" {
		return nil, "", fmt.Errorf("%w: oauth_token and oauth_verifier are required", apperrors.ErrOAuthFlow)
	}

	var tempRow models.OAuth1TempTokenModel
	err := s.db.WithContext(ctx).Where("oauth_token = ?", oauthToken).First(&tempRow).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, "", fmt.Errorf("%w: unknown oauth1 token", apperrors.ErrAuthentication)
	}
	if err != nil {
		return nil, "", err
	}
	if time.Now().After(tempRow.ExpiresAt) {
		s.db.WithContext(ctx).Delete(&tempRow)
		return nil, "", fmt.Errorf("%w: oauth1 flow expired", apperrors.ErrAuthentication)
	}

	payload, err := jwt.ParseState(tempRow.StateJWT)
	if err != nil {
		return nil, "", fmt.Errorf("%w: oauth1 state rejected", apperrors.ErrAuthentication)
	}
	appName, projectID, ownerID := payload[stateAppName], payload[stateProjectID], payload[stateOwnerID]

	appCfg, err := s.configs.GetModel(ctx, projectID, appName)
	if err != nil {
		return nil, "", err
	}
	app := appCfg.App
	if app == nil {
		return nil, "", fmt.Errorf("load app for configuration %s: %w", appCfg.ID, apperrors.ErrAppNotFound)
	}
	cfg, err := broker.ResolveOAuth1Config(app)
	if err != nil {
		return nil, "", err
	}

	manager := broker.NewOAuth1Manager(app.Name, cfg)
	creds, err := manager.AccessToken(ctx, oauthToken, payload[stateOAu1Secret], verifier)
	if err != nil {
		return nil, "", err
	}

	credentialJSON, err := broker.EncodeCredentials(creds)
	if err != nil {
		return nil, "", err
	}
	row, err := s.createAccount(ctx, projectID, app, models.SchemeOAuth1, ownerID, credentialJSON)
	if err != nil {
		return nil, "", err
	}

	s.db.WithContext(ctx).Delete(&tempRow)

	view := toView(row)
	return &view, payload[stateAfterLink], nil
}

// CompleteClientToken stores the token lifted from the provider's URL
// fragment (Trello flow). The account carries full OAuth1 credentials so the
// executor can inject key and token.
func (s *Service) CompleteClientToken(ctx context.Context, state, token string) (*View, string, error) {
	if token == "" {
		return nil, "", fmt.Errorf("%w: token is required", apperrors.ErrOAuthFlow)
	}
	payload, err := jwt.ParseState(state)
	if err != nil {
		return nil, "", fmt.Errorf("%w: oauth1 state rejected", apperrors.ErrAuthentication)
	}
	appName, projectID, ownerID := payload[stateAppName], payload[stateProjectID], payload[stateOwnerID]
	if appName == "" || projectID == "" || ownerID == "" {
		return nil, "", fmt.Errorf("%w: oauth1 state incomplete", apperrors.ErrAuthentication)
	}

	appCfg, err := s.configs.GetModel(ctx, projectID, appName)
	if err != nil {
		return nil, "", err
	}
	app := appCfg.App
	if app == nil {
		return nil, "", fmt.Errorf("load app for configuration %s: %w", appCfg.ID, apperrors.ErrAppNotFound)
	}
	cfg, err := broker.ResolveOAuth1Config(app)
	if err != nil {
		return nil, "", err
	}
	if cfg.Flow != "client_token" {
		return nil, "", fmt.Errorf("%w: app %s does not use the client token flow", apperrors.ErrValidation, appName)
	}

	creds := &broker.OAuth1Credentials{
		ConsumerKey:    cfg.ConsumerKey,
		ConsumerSecret: cfg.ConsumerSecret,
		OAuthToken:     token,
	}
	credentialJSON, err := broker.EncodeCredentials(creds)
	if err != nil {
		return nil, "", err
	}
	row, err := s.createAccount(ctx, projectID, app, models.SchemeOAuth1, ownerID, credentialJSON)
	if err != nil {
		return nil, "", err
	}

	view := toView(row)
	return &view, payload[stateAfterLink], nil
}
