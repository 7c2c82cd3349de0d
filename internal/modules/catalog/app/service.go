// Package app manages the integration catalog's app manifests: admin upserts
// with embedding regeneration, and the visibility-filtered agent views.
package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sort"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/toolgate/core/internal/apperrors"
	"github.com/toolgate/core/internal/models"
	"github.com/toolgate/core/internal/modules/accounts/broker"
	"github.com/toolgate/core/internal/pkg/cipher"
	"github.com/toolgate/core/internal/pkg/embedding"
	"github.com/toolgate/core/internal/pkg/pagination"
	"github.com/toolgate/core/internal/pkg/response"
)

var appNameRe = regexp.MustCompile(`^[A-Z][A-Z0-9_]*$`)

type Option func(*Service)

func WithLogger(l *zap.Logger) Option {
	return func(s *Service) { s.logger = l.Named("AppService") }
}

type Service struct {
	db       *gorm.DB
	embedder *embedding.Client
	box      *cipher.Box
	logger   *zap.Logger
}

func NewService(db *gorm.DB, embedder *embedding.Client, box *cipher.Box, opts ...Option) *Service {
	s := &Service{db: db, embedder: embedder, box: box, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// VisibilityScope restricts an app query to what the project may see: PUBLIC
// projects get public active apps only, private projects any active app.
func VisibilityScope(project *models.ProjectModel) func(*gorm.DB) *gorm.DB {
	return func(db *gorm.DB) *gorm.DB {
		if project != nil && project.VisibilityAccess == models.VisibilityPublic {
			return db.Where("apps.visibility = ? AND apps.active = ?", models.VisibilityPublic, true)
		}
		return db.Where("apps.active = ?", true)
	}
}

// Upsert creates or updates an app from its manifest. The embedding is
// regenerated whenever a contributing field changes and is written in the
// same transaction as the row.
func (s *Service) Upsert(ctx context.Context, m *Manifest) (*models.AppModel, error) {
	if err := s.validateManifest(m); err != nil {
		return nil, err
	}

	var existing models.AppModel
	err := s.db.WithContext(ctx).Where("name = ?", m.Name).First(&existing).Error
	isNew := errors.Is(err, gorm.ErrRecordNotFound)
	if err != nil && !isNew {
		return nil, err
	}

	row := &existing
	if isNew {
		row = &models.AppModel{Name: m.Name, Active: true, Visibility: models.VisibilityPublic}
	}

	embeddingStale := isNew ||
		row.DisplayName != m.DisplayName ||
		row.Description != m.Description ||
		row.Provider != m.Provider ||
		!stringSlicesEqual(row.Categories, m.Categories) ||
		len(row.Embedding) == 0

	row.DisplayName = m.DisplayName
	row.Description = m.Description
	row.Provider = m.Provider
	row.Logo = m.Logo
	row.Categories = m.Categories
	if m.Visibility != "" {
		row.Visibility = m.Visibility
	}
	if m.Active != nil {
		row.Active = *m.Active
	}

	row.SecuritySchemes = make(map[models.SecurityScheme]json.RawMessage, len(m.SecuritySchemes))
	for scheme, raw := range m.SecuritySchemes {
		row.SecuritySchemes[scheme] = raw
	}

	sealed, err := s.sealDefaultCredentials(m)
	if err != nil {
		return nil, err
	}
	row.DefaultSecurityCredentials = sealed

	if embeddingStale && s.embedder.Enabled() {
		text := embedding.AppText(row.Name, row.DisplayName, row.Description, row.Provider, row.Categories)
		vector, err := s.embedder.Embed(ctx, text)
		if err != nil {
			return nil, fmt.Errorf("embed app %s: %w", row.Name, err)
		}
		row.Embedding = vector
	}

	if err := s.db.WithContext(ctx).Save(row).Error; err != nil {
		return nil, fmt.Errorf("save app %s: %w", row.Name, err)
	}
	s.logger.Info("app upserted",
		zap.String("app_name", row.Name),
		zap.Bool("created", isNew),
		zap.Bool("embedding_regenerated", embeddingStale && s.embedder.Enabled()))
	return row, nil
}

func (s *Service) validateManifest(m *Manifest) error {
	if !appNameRe.MatchString(m.Name) {
		return fmt.Errorf("%w: app name must be upper-snake, got %q", apperrors.ErrValidation, m.Name)
	}
	if m.Visibility != "" && m.Visibility != models.VisibilityPublic && m.Visibility != models.VisibilityPrivate {
		return fmt.Errorf("%w: visibility %q", apperrors.ErrValidation, m.Visibility)
	}
	for scheme, raw := range m.SecuritySchemes {
		if err := broker.ValidateSchemeConfig(scheme, raw); err != nil {
			return err
		}
	}
	for scheme, raw := range m.DefaultSecurityCredentials {
		if _, declared := m.SecuritySchemes[scheme]; !declared {
			return fmt.Errorf("%w: default credentials for undeclared scheme %q", apperrors.ErrValidation, scheme)
		}
		if err := broker.ValidateCredentials(scheme, raw); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) sealDefaultCredentials(m *Manifest) (map[models.SecurityScheme]string, error) {
	if len(m.DefaultSecurityCredentials) == 0 {
		return nil, nil
	}
	out := make(map[models.SecurityScheme]string, len(m.DefaultSecurityCredentials))
	for scheme, raw := range m.DefaultSecurityCredentials {
		sealed, err := s.box.Seal(raw)
		if err != nil {
			return nil, fmt.Errorf("seal default credentials for %s: %w", scheme, err)
		}
		out[scheme] = sealed
	}
	return out, nil
}

// List returns the apps visible to the project, optionally filtered by
// category, page/size paginated.
func (s *Service) List(ctx context.Context, project *models.ProjectModel, q pagination.Query, category string) ([]View, response.Pagination, error) {
	query := s.db.WithContext(ctx).Model(&models.AppModel{}).
		Scopes(VisibilityScope(project)).
		Order("apps.name ASC")
	if category != "" {
		// Categories are a JSON string array; match the quoted element.
		query = query.Where("apps.categories LIKE ?", `%"`+category+`"%`)
	}

	var rows []models.AppModel
	page, err := pagination.Paginate(query, q, &rows)
	if err != nil {
		return nil, response.Pagination{}, err
	}
	return toViews(rows), page, nil
}

// Search ranks visible apps by cosine similarity to the intent. Without an
// intent (or a configured embedder) it falls back to name order.
func (s *Service) Search(ctx context.Context, project *models.ProjectModel, intent string, limit, offset int) ([]View, error) {
	var rows []models.AppModel
	err := s.db.WithContext(ctx).Model(&models.AppModel{}).
		Scopes(VisibilityScope(project)).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}

	if intent != "" && s.embedder.Enabled() {
		vector, err := s.embedder.Embed(ctx, intent)
		if err != nil {
			return nil, err
		}
		sort.SliceStable(rows, func(i, j int) bool {
			return embedding.CosineSimilarity(rows[i].Embedding, vector) >
				embedding.CosineSimilarity(rows[j].Embedding, vector)
		})
	} else {
		sort.SliceStable(rows, func(i, j int) bool { return rows[i].Name < rows[j].Name })
	}

	if offset >= len(rows) {
		return []View{}, nil
	}
	rows = rows[offset:]
	if limit > 0 && len(rows) > limit {
		rows = rows[:limit]
	}
	return toViews(rows), nil
}

// Get returns one visible app by name.
func (s *Service) Get(ctx context.Context, project *models.ProjectModel, name string) (*View, error) {
	row, err := s.getModel(ctx, project, name)
	if err != nil {
		return nil, err
	}
	view := toView(row)
	return &view, nil
}

func (s *Service) getModel(ctx context.Context, project *models.ProjectModel, name string) (*models.AppModel, error) {
	var row models.AppModel
	err := s.db.WithContext(ctx).
		Scopes(VisibilityScope(project)).
		Where("apps.name = ?", name).
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperrors.ErrAppNotFound
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

// Delete removes an app and its functions.
func (s *Service) Delete(ctx context.Context, name string) error {
	var row models.AppModel
	err := s.db.WithContext(ctx).Where("name = ?", name).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return apperrors.ErrAppNotFound
	}
	if err != nil {
		return err
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("app_id = ?", row.ID).Delete(&models.FunctionModel{}).Error; err != nil {
			return err
		}
		return tx.Delete(&row).Error
	})
}

func stringSlicesEqual(a models.StringArray, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
