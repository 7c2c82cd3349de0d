// Package linked manages linked accounts: the (project, app, owner)
// credential bindings agents execute with. Direct links (no-auth, api-key,
// app-default) are handled here; the OAuth redirect flows live in oauth.go.
package linked

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/toolgate/core/internal/apperrors"
	"github.com/toolgate/core/internal/models"
	"github.com/toolgate/core/internal/modules/accounts/appconfig"
	"github.com/toolgate/core/internal/modules/accounts/broker"
	"github.com/toolgate/core/internal/pkg/pagination"
	"github.com/toolgate/core/internal/pkg/response"
)

const stateTTL = 10 * time.Minute

type Option func(*Service)

func WithLogger(l *zap.Logger) Option {
	return func(s *Service) { s.logger = l.Named("LinkedAccountService") }
}

type Service struct {
	db      *gorm.DB
	broker  *broker.Service
	configs *appconfig.Service
	baseURL string
	logger  *zap.Logger
}

// NewService wires the linked-account flows. baseURL is the public server
// root used to build OAuth callback URLs.
func NewService(db *gorm.DB, brokerSvc *broker.Service, configs *appconfig.Service, baseURL string, opts ...Option) *Service {
	s := &Service{
		db:      db,
		broker:  brokerSvc,
		configs: configs,
		baseURL: baseURL,
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// LinkRequest is the body of the direct link endpoints.
type LinkRequest struct {
	AppName string `json:"app_name" binding:"required"`
	OwnerID string `json:"linked_account_owner_id" binding:"required"`
	APIKey  string `json:"api_key"`
}

// View is the client-facing account shape. Credentials never leave the service.
type View struct {
	ID             string                `json:"id"`
	ProjectID      string                `json:"project_id"`
	AppName        string                `json:"app_name"`
	OwnerID        string                `json:"linked_account_owner_id"`
	SecurityScheme models.SecurityScheme `json:"security_scheme"`
	Enabled        bool                  `json:"enabled"`
	UsesAppDefault bool                  `json:"uses_app_default_credentials"`
	LastUsedAt     *time.Time            `json:"last_used_at,omitempty"`
	Created        time.Time             `json:"created"`
	Modified       time.Time             `json:"modified"`
}

func toView(row *models.LinkedAccountModel) View {
	appName := ""
	if row.App != nil {
		appName = row.App.Name
	}
	return View{
		ID:             row.ID,
		ProjectID:      row.ProjectID,
		AppName:        appName,
		OwnerID:        row.OwnerID,
		SecurityScheme: row.SecurityScheme,
		Enabled:        row.Enabled,
		UsesAppDefault: row.UsesAppDefaultCredentials(),
		LastUsedAt:     row.LastUsedAt,
		Created:        row.CreatedAt,
		Modified:       row.UpdatedAt,
	}
}

// resolveLinkTarget loads the app configuration for (project, appName) and
// checks it is enabled and pinned to the scheme the caller is linking with.
func (s *Service) resolveLinkTarget(ctx context.Context, projectID, appName string, scheme models.SecurityScheme) (*models.AppModel, *models.AppConfigModel, error) {
	cfg, err := s.configs.GetModel(ctx, projectID, appName)
	if err != nil {
		return nil, nil, err
	}
	if !cfg.Enabled {
		return nil, nil, fmt.Errorf("%w: %s", apperrors.ErrAppConfigDisabled, appName)
	}
	if cfg.SecurityScheme != scheme {
		return nil, nil, fmt.Errorf("%w: app %s is configured for scheme %s, not %s",
			apperrors.ErrValidation, appName, cfg.SecurityScheme, scheme)
	}
	if cfg.App == nil {
		return nil, nil, fmt.Errorf("load app for configuration %s: %w", cfg.ID, apperrors.ErrAppNotFound)
	}
	return cfg.App, cfg, nil
}

// createAccount inserts the row, sealing non-empty credentials. An empty
// credential string marks the account as riding on app defaults.
func (s *Service) createAccount(ctx context.Context, projectID string, app *models.AppModel, scheme models.SecurityScheme, ownerID, credentialJSON string) (*models.LinkedAccountModel, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&models.LinkedAccountModel{}).
		Where("project_id = ? AND app_id = ? AND linked_account_owner_id = ?", projectID, app.ID, ownerID).
		Count(&count).Error
	if err != nil {
		return nil, err
	}
	if count > 0 {
		return nil, fmt.Errorf("%w: %s for owner %s", apperrors.ErrAccountAlreadyLinked, app.Name, ownerID)
	}

	stored := ""
	if credentialJSON != "" {
		stored, err = s.broker.Seal([]byte(credentialJSON))
		if err != nil {
			return nil, fmt.Errorf("seal credentials: %w", err)
		}
	}

	row := &models.LinkedAccountModel{
		ProjectID:           projectID,
		AppID:               app.ID,
		OwnerID:             ownerID,
		SecurityScheme:      scheme,
		SecurityCredentials: stored,
		Enabled:             true,
	}
	if err := s.db.WithContext(ctx).Create(row).Error; err != nil {
		return nil, err
	}
	row.App = app

	s.logger.Info("account linked",
		zap.String("project_id", projectID),
		zap.String("app_name", app.Name),
		zap.String("owner_id", ownerID),
		zap.String("security_scheme", string(scheme)))
	return row, nil
}

// LinkNoAuth binds an owner to an app that needs no credentials.
func (s *Service) LinkNoAuth(ctx context.Context, project *models.ProjectModel, req *LinkRequest) (*View, error) {
	app, _, err := s.resolveLinkTarget(ctx, project.ID, req.AppName, models.SchemeNoAuth)
	if err != nil {
		return nil, err
	}
	row, err := s.createAccount(ctx, project.ID, app, models.SchemeNoAuth, req.OwnerID, "{}")
	if err != nil {
		return nil, err
	}
	view := toView(row)
	return &view, nil
}

// LinkAPIKey binds an owner with their own static key.
func (s *Service) LinkAPIKey(ctx context.Context, project *models.ProjectModel, req *LinkRequest) (*View, error) {
	if req.APIKey == "" {
		return nil, fmt.Errorf("%w: api_key is required", apperrors.ErrValidation)
	}
	app, _, err := s.resolveLinkTarget(ctx, project.ID, req.AppName, models.SchemeAPIKey)
	if err != nil {
		return nil, err
	}

	credentialJSON, err := json.Marshal(broker.APIKeyCredentials{SecretKey: req.APIKey})
	if err != nil {
		return nil, err
	}
	row, err := s.createAccount(ctx, project.ID, app, models.SchemeAPIKey, req.OwnerID, string(credentialJSON))
	if err != nil {
		return nil, err
	}
	view := toView(row)
	return &view, nil
}

// LinkDefault binds an owner to operator-provisioned app credentials. The
// stored credential stays empty; the broker substitutes the app default on
// every read.
func (s *Service) LinkDefault(ctx context.Context, project *models.ProjectModel, req *LinkRequest) (*View, error) {
	cfg, err := s.configs.GetModel(ctx, project.ID, req.AppName)
	if err != nil {
		return nil, err
	}
	if !cfg.Enabled {
		return nil, fmt.Errorf("%w: %s", apperrors.ErrAppConfigDisabled, req.AppName)
	}
	if cfg.App == nil {
		return nil, fmt.Errorf("load app for configuration %s: %w", cfg.ID, apperrors.ErrAppNotFound)
	}
	if !cfg.App.HasDefaultCredentials(cfg.SecurityScheme) {
		return nil, fmt.Errorf("%w: app %s has no default credentials for scheme %s",
			apperrors.ErrValidation, req.AppName, cfg.SecurityScheme)
	}

	row, err := s.createAccount(ctx, project.ID, cfg.App, cfg.SecurityScheme, req.OwnerID, "")
	if err != nil {
		return nil, err
	}
	view := toView(row)
	return &view, nil
}

// List returns the project's accounts, newest first, optionally filtered by
// app name and owner.
func (s *Service) List(ctx context.Context, project *models.ProjectModel, appName, ownerID string, q pagination.Query) ([]View, response.Pagination, error) {
	query := s.db.WithContext(ctx).Model(&models.LinkedAccountModel{}).
		Where("linked_accounts.project_id = ?", project.ID).
		Preload("App").
		Order("linked_accounts.created_at DESC")
	if appName != "" {
		query = query.
			Joins("JOIN apps ON apps.id = linked_accounts.app_id").
			Where("apps.name = ?", appName)
	}
	if ownerID != "" {
		query = query.Where("linked_accounts.linked_account_owner_id = ?", ownerID)
	}

	var rows []models.LinkedAccountModel
	page, err := pagination.Paginate(query, q, &rows)
	if err != nil {
		return nil, response.Pagination{}, err
	}

	views := make([]View, len(rows))
	for i := range rows {
		views[i] = toView(&rows[i])
	}
	return views, page, nil
}

func (s *Service) getModel(ctx context.Context, projectID, id string) (*models.LinkedAccountModel, error) {
	var row models.LinkedAccountModel
	err := s.db.WithContext(ctx).
		Where("project_id = ? AND id = ?", projectID, id).
		Preload("App").
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperrors.ErrLinkedAccountNotFound
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

func (s *Service) Get(ctx context.Context, project *models.ProjectModel, id string) (*View, error) {
	row, err := s.getModel(ctx, project.ID, id)
	if err != nil {
		return nil, err
	}
	view := toView(row)
	return &view, nil
}

// SetEnabled toggles an account without touching its credentials.
func (s *Service) SetEnabled(ctx context.Context, project *models.ProjectModel, id string, enabled bool) (*View, error) {
	row, err := s.getModel(ctx, project.ID, id)
	if err != nil {
		return nil, err
	}
	row.Enabled = enabled
	if err := s.db.WithContext(ctx).Model(row).Update("enabled", enabled).Error; err != nil {
		return nil, err
	}
	view := toView(row)
	return &view, nil
}

// CleanupExpiredTempTokens deletes OAuth1 handshake rows whose flow never
// completed. Run periodically by the scheduler.
func (s *Service) CleanupExpiredTempTokens(ctx context.Context) (int64, error) {
	res := s.db.WithContext(ctx).
		Where("expires_at <= ?", time.Now()).
		Delete(&models.OAuth1TempTokenModel{})
	if res.Error != nil {
		return 0, res.Error
	}
	if res.RowsAffected > 0 {
		s.logger.Info("swept expired oauth1 temp tokens", zap.Int64("count", res.RowsAffected))
	}
	return res.RowsAffected, nil
}

// Delete removes the account and its triggers.
func (s *Service) Delete(ctx context.Context, project *models.ProjectModel, id string) error {
	row, err := s.getModel(ctx, project.ID, id)
	if err != nil {
		return err
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("linked_account_id = ?", row.ID).
			Delete(&models.TriggerModel{}).Error; err != nil {
			return err
		}
		return tx.Delete(row).Error
	})
}
