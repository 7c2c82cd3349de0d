// Package broker resolves linked-account credentials into ready-to-inject
// form: it decrypts stored secrets, falls back to operator-provisioned app
// defaults, and refreshes OAuth2 access tokens that are about to expire.
package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/toolgate/core/internal/apperrors"
	"github.com/toolgate/core/internal/models"
	"github.com/toolgate/core/internal/pkg/cipher"
)

// refreshSkew refreshes tokens slightly before their recorded expiry so a
// token never dies mid-request.
const refreshSkew = 5 * time.Minute

// Access is a resolved credential ready for injection. Credentials is the
// plaintext credential JSON for the scheme; IsUpdated flags that a refresh
// happened and the caller should Persist.
type Access struct {
	Scheme       models.SecurityScheme
	Credentials  json.RawMessage
	IsUpdated    bool
	IsAppDefault bool
}

// OAuth2 decodes the access as oauth2 credentials.
func (a *Access) OAuth2() (*OAuth2Credentials, error) {
	var c OAuth2Credentials
	if err := json.Unmarshal(a.Credentials, &c); err != nil {
		return nil, fmt.Errorf("decode oauth2 credentials: %w", err)
	}
	return &c, nil
}

// OAuth1 decodes the access as oauth1 credentials.
func (a *Access) OAuth1() (*OAuth1Credentials, error) {
	var c OAuth1Credentials
	if err := json.Unmarshal(a.Credentials, &c); err != nil {
		return nil, fmt.Errorf("decode oauth1 credentials: %w", err)
	}
	return &c, nil
}

// APIKey decodes the access as api-key credentials.
func (a *Access) APIKey() (*APIKeyCredentials, error) {
	var c APIKeyCredentials
	if err := json.Unmarshal(a.Credentials, &c); err != nil {
		return nil, fmt.Errorf("decode api_key credentials: %w", err)
	}
	return &c, nil
}

type Option func(*Service)

func WithLogger(l *zap.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// Service is the credential broker.
type Service struct {
	db     *gorm.DB
	box    *cipher.Box
	logger *zap.Logger
}

func NewService(db *gorm.DB, box *cipher.Box, opts ...Option) *Service {
	s := &Service{db: db, box: box, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Seal encrypts a credential document for storage.
func (s *Service) Seal(plaintext []byte) (string, error) {
	return s.box.Seal(plaintext)
}

// Open decrypts a stored credential document.
func (s *Service) Open(stored string) ([]byte, error) {
	return s.box.Open(stored)
}

// Get resolves the account's credentials to plaintext, refreshing OAuth2
// tokens within refreshSkew of expiry. appConfig may be nil when the caller
// operates outside a project scope (admin tooling).
func (s *Service) Get(ctx context.Context, app *models.AppModel, appConfig *models.AppConfigModel, account *models.LinkedAccountModel) (*Access, error) {
	if !account.Enabled {
		return nil, apperrors.ErrLinkedAccountDisabled
	}

	access := &Access{Scheme: account.SecurityScheme}

	if account.SecurityScheme == models.SchemeNoAuth {
		access.Credentials = json.RawMessage(`{}`)
		return access, nil
	}

	stored := account.SecurityCredentials
	if account.UsesAppDefaultCredentials() {
		v, ok := app.DefaultSecurityCredentials[account.SecurityScheme]
		if !ok || v == "" {
			return nil, fmt.Errorf("%w: account uses app default credentials but app %s has none for %s",
				apperrors.ErrValidation, app.Name, account.SecurityScheme)
		}
		stored = v
		access.IsAppDefault = true
	}

	plaintext, err := s.box.Open(stored)
	if err != nil {
		return nil, fmt.Errorf("open credentials for account %s: %w", account.ID, err)
	}
	access.Credentials = plaintext

	if account.SecurityScheme == models.SchemeOAuth2 {
		if err := s.refreshIfStale(ctx, app, appConfig, access); err != nil {
			return nil, err
		}
	}
	return access, nil
}

// refreshIfStale swaps in a fresh token when the stored one is within
// refreshSkew of its recorded expiry. Tokens without expiry never refresh.
func (s *Service) refreshIfStale(ctx context.Context, app *models.AppModel, appConfig *models.AppConfigModel, access *Access) error {
	creds, err := access.OAuth2()
	if err != nil {
		return err
	}
	if creds.ExpiresAt == 0 || time.Now().Add(refreshSkew).Unix() < creds.ExpiresAt {
		return nil
	}
	if creds.RefreshToken == "" {
		return fmt.Errorf("%w: access token expired and no refresh token is stored", apperrors.ErrOAuthFlow)
	}

	cfg, err := ResolveOAuth2Config(app, appConfig)
	if err != nil {
		return err
	}
	refreshed, err := NewOAuth2Manager(app.Name, cfg).Refresh(ctx, creds)
	if err != nil {
		s.logger.Warn("oauth2 token refresh failed",
			zap.String("app", app.Name),
			zap.Error(err))
		return err
	}

	raw, err := json.Marshal(refreshed)
	if err != nil {
		return fmt.Errorf("encode refreshed credentials: %w", err)
	}
	access.Credentials = raw
	access.IsUpdated = true
	s.logger.Info("oauth2 token refreshed", zap.String("app", app.Name))
	return nil
}

// Persist writes refreshed credentials back to their source of truth: the
// linked account row, or the app's default credential entry when the account
// rides on app defaults.
func (s *Service) Persist(ctx context.Context, app *models.AppModel, account *models.LinkedAccountModel, access *Access) error {
	sealed, err := s.box.Seal(access.Credentials)
	if err != nil {
		return fmt.Errorf("seal credentials: %w", err)
	}

	if access.IsAppDefault {
		app.DefaultSecurityCredentials[access.Scheme] = sealed
		return s.db.WithContext(ctx).Model(&models.AppModel{}).
			Where("id = ?", app.ID).
			Update("default_security_credentials", app.DefaultSecurityCredentials).Error
	}

	account.SecurityCredentials = sealed
	return s.db.WithContext(ctx).Model(&models.LinkedAccountModel{}).
		Where("id = ?", account.ID).
		Update("security_credentials", sealed).Error
}
