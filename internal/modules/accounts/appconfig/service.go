// Package appconfig manages per-project app configurations: which apps a
// project has enabled and under which security scheme its linked accounts
// authenticate.
package appconfig

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/toolgate/core/internal/apperrors"
	"github.com/toolgate/core/internal/models"
	"github.com/toolgate/core/internal/pkg/pagination"
	"github.com/toolgate/core/internal/pkg/response"
)

type Option func(*Service)

func WithLogger(l *zap.Logger) Option {
	return func(s *Service) { s.logger = l.Named("AppConfigService") }
}

type Service struct {
	db     *gorm.DB
	logger *zap.Logger
}

func NewService(db *gorm.DB, opts ...Option) *Service {
	s := &Service{db: db, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateRequest enables an app for the calling project.
type CreateRequest struct {
	AppName         string                 `json:"app_name" binding:"required"`
	SecurityScheme  models.SecurityScheme  `json:"security_scheme" binding:"required"`
	SchemeOverrides map[string]interface{} `json:"security_scheme_overrides"`
	Enabled         *bool                  `json:"enabled"`
}

// UpdateRequest mutates an existing configuration. Nil fields are untouched.
type UpdateRequest struct {
	SecurityScheme  models.SecurityScheme  `json:"security_scheme"`
	SchemeOverrides map[string]interface{} `json:"security_scheme_overrides"`
	Enabled         *bool                  `json:"enabled"`
}

// View is the read shape. Overrides are echoed without the client secret.
type View struct {
	ID              string                 `json:"id"`
	ProjectID       string                 `json:"project_id"`
	AppName         string                 `json:"app_name"`
	SecurityScheme  models.SecurityScheme  `json:"security_scheme"`
	Enabled         bool                   `json:"enabled"`
	SchemeOverrides map[string]interface{} `json:"security_scheme_overrides,omitempty"`
	Created         time.Time              `json:"created"`
	Modified        time.Time              `json:"modified"`
}

func toView(row *models.AppConfigModel) View {
	appName := ""
	if row.App != nil {
		appName = row.App.Name
	}
	return View{
		ID:              row.ID,
		ProjectID:       row.ProjectID,
		AppName:         appName,
		SecurityScheme:  row.SecurityScheme,
		Enabled:         row.Enabled,
		SchemeOverrides: redactOverrides(row.SchemeOverrides),
		Created:         row.CreatedAt,
		Modified:        row.UpdatedAt,
	}
}

func redactOverrides(overrides map[string]interface{}) map[string]interface{} {
	if len(overrides) == 0 {
		return nil
	}
	out := make(map[string]interface{}, len(overrides))
	for k, v := range overrides {
		if k == "client_secret" {
			continue
		}
		out[k] = v
	}
	return out
}

// overrideKeys is the closed set a project may substitute for an app's OAuth2
// client. Anything else in the manifest belongs to the operator.
var overrideKeys = map[string]bool{
	"client_id":     true,
	"client_secret": true,
	"redirect_url":  true,
	"scope":         true,
}

func validateOverrides(scheme models.SecurityScheme, overrides map[string]interface{}) error {
	if len(overrides) == 0 {
		return nil
	}
	if scheme != models.SchemeOAuth2 {
		return fmt.Errorf("%w: scheme overrides only apply to oauth2", apperrors.ErrValidation)
	}
	for k, v := range overrides {
		if !overrideKeys[k] {
			return fmt.Errorf("%w: unknown override %q", apperrors.ErrValidation, k)
		}
		if _, ok := v.(string); !ok {
			return fmt.Errorf("%w: override %q must be a string", apperrors.ErrValidation, k)
		}
	}
	return nil
}

func (s *Service) Create(ctx context.Context, project *models.ProjectModel, req *CreateRequest) (*View, error) {
	var app models.AppModel
	err := s.db.WithContext(ctx).Where("name = ?", req.AppName).First(&app).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperrors.ErrAppNotFound
	}
	if err != nil {
		return nil, err
	}

	if !req.SecurityScheme.Valid() {
		return nil, fmt.Errorf("%w: unknown security scheme %q", apperrors.ErrValidation, req.SecurityScheme)
	}
	if !app.SupportsScheme(req.SecurityScheme) {
		return nil, fmt.Errorf("%w: app %s does not declare scheme %s",
			apperrors.ErrValidation, app.Name, req.SecurityScheme)
	}
	if err := validateOverrides(req.SecurityScheme, req.SchemeOverrides); err != nil {
		return nil, err
	}

	var count int64
	err = s.db.WithContext(ctx).Model(&models.AppConfigModel{}).
		Where("project_id = ? AND app_id = ?", project.ID, app.ID).
		Count(&count).Error
	if err != nil {
		return nil, err
	}
	if count > 0 {
		return nil, fmt.Errorf("%w: app %s", apperrors.ErrAppConfigExists, app.Name)
	}

	row := &models.AppConfigModel{
		ProjectID:       project.ID,
		AppID:           app.ID,
		SecurityScheme:  req.SecurityScheme,
		Enabled:         req.Enabled == nil || *req.Enabled,
		SchemeOverrides: req.SchemeOverrides,
	}
	if err := s.db.WithContext(ctx).Create(row).Error; err != nil {
		return nil, err
	}
	row.App = &app

	s.logger.Info("app configuration created",
		zap.String("project_id", project.ID),
		zap.String("app_name", app.Name),
		zap.String("security_scheme", string(req.SecurityScheme)))

	view := toView(row)
	return &view, nil
}

func (s *Service) List(ctx context.Context, project *models.ProjectModel, q pagination.Query) ([]View, response.Pagination, error) {
	query := s.db.WithContext(ctx).Model(&models.AppConfigModel{}).
		Where("project_id = ?", project.ID).
		Preload("App").
		Order("created_at DESC")

	var rows []models.AppConfigModel
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

// Get returns the configuration for one app by app name.
func (s *Service) Get(ctx context.Context, project *models.ProjectModel, appName string) (*View, error) {
	row, err := s.getModel(ctx, project.ID, appName)
	if err != nil {
		return nil, err
	}
	view := toView(row)
	return &view, nil
}

// GetModel is the raw-row lookup used by the executor and the link flows.
func (s *Service) GetModel(ctx context.Context, projectID, appName string) (*models.AppConfigModel, error) {
	return s.getModel(ctx, projectID, appName)
}

func (s *Service) getModel(ctx context.Context, projectID, appName string) (*models.AppConfigModel, error) {
	var row models.AppConfigModel
	err := s.db.WithContext(ctx).
		Joins("JOIN apps ON apps.id = app_configurations.app_id").
		Where("app_configurations.project_id = ? AND apps.name = ?", projectID, appName).
		Preload("App").
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperrors.ErrAppConfigNotFound
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

func (s *Service) Update(ctx context.Context, project *models.ProjectModel, appName string, req *UpdateRequest) (*View, error) {
	row, err := s.getModel(ctx, project.ID, appName)
	if err != nil {
		return nil, err
	}

	if req.SecurityScheme != "" && req.SecurityScheme != row.SecurityScheme {
		if !req.SecurityScheme.Valid() {
			return nil, fmt.Errorf("%w: unknown security scheme %q", apperrors.ErrValidation, req.SecurityScheme)
		}
		if row.App != nil && !row.App.SupportsScheme(req.SecurityScheme) {
			return nil, fmt.Errorf("%w: app %s does not declare scheme %s",
				apperrors.ErrValidation, appName, req.SecurityScheme)
		}

		// Linked accounts under this configuration carry the old scheme;
		// the scheme is pinned while any exist.
		var linked int64
		err = s.db.WithContext(ctx).Model(&models.LinkedAccountModel{}).
			Where("project_id = ? AND app_id = ?", row.ProjectID, row.AppID).
			Count(&linked).Error
		if err != nil {
			return nil, err
		}
		if linked > 0 {
			return nil, fmt.Errorf("%w: %d linked accounts use scheme %s; unlink them first",
				apperrors.ErrValidation, linked, row.SecurityScheme)
		}
		row.SecurityScheme = req.SecurityScheme
	}

	if req.SchemeOverrides != nil {
		if err := validateOverrides(row.SecurityScheme, req.SchemeOverrides); err != nil {
			return nil, err
		}
		row.SchemeOverrides = req.SchemeOverrides
	}
	if req.Enabled != nil {
		row.Enabled = *req.Enabled
	}

	if err := s.db.WithContext(ctx).Save(row).Error; err != nil {
		return nil, err
	}
	view := toView(row)
	return &view, nil
}

// Delete removes the configuration and everything hanging off it: linked
// accounts for (project, app) and their triggers.
func (s *Service) Delete(ctx context.Context, project *models.ProjectModel, appName string) error {
	row, err := s.getModel(ctx, project.ID, appName)
	if err != nil {
		return err
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var accountIDs []string
		err := tx.Model(&models.LinkedAccountModel{}).
			Where("project_id = ? AND app_id = ?", row.ProjectID, row.AppID).
			Pluck("id", &accountIDs).Error
		if err != nil {
			return err
		}

		if len(accountIDs) > 0 {
			if err := tx.Where("linked_account_id IN ?", accountIDs).
				Delete(&models.TriggerModel{}).Error; err != nil {
				return err
			}
			if err := tx.Where("id IN ?", accountIDs).
				Delete(&models.LinkedAccountModel{}).Error; err != nil {
				return err
			}
		}
		return tx.Delete(row).Error
	})
	if err != nil {
		return err
	}

	s.logger.Info("app configuration deleted",
		zap.String("project_id", project.ID),
		zap.String("app_name", appName))
	return nil
}
