// Package trigger manages webhook subscriptions: creating them with
// provider-side registration through the connector registry, lifecycle
// updates, deletion with unregistration, and the event listings that expose
// what the receiver stored. The periodic renewal and cleanup sweeps live in
// loops.go.
package trigger

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/toolgate/core/internal/apperrors"
	"github.com/toolgate/core/internal/models"
	"github.com/toolgate/core/internal/modules/accounts/appconfig"
	"github.com/toolgate/core/internal/modules/accounts/broker"
	"github.com/toolgate/core/internal/modules/triggers/connectors"
	"github.com/toolgate/core/internal/pkg/archive"
	"github.com/toolgate/core/internal/pkg/metrics"
	"github.com/toolgate/core/internal/pkg/pagination"
	"github.com/toolgate/core/internal/pkg/response"
)

type Option func(*Service)

func WithLogger(l *zap.Logger) Option {
	return func(s *Service) { s.logger = l.Named("TriggerService") }
}

// WithArchiver enables S3 archival of expired events before the cleanup
// sweep deletes them.
func WithArchiver(u *archive.Uploader) Option {
	return func(s *Service) { s.archiver = u }
}

// WithMetrics wires the collector the sweeps report their tuples to.
func WithMetrics(m *metrics.Collector) Option {
	return func(s *Service) { s.metrics = m }
}

type Service struct {
	db       *gorm.DB
	broker   *broker.Service
	configs  *appconfig.Service
	registry *connectors.Registry
	baseURL  string
	archiver *archive.Uploader
	metrics  *metrics.Collector
	logger   *zap.Logger
}

// NewService wires the trigger registry. baseURL is the public server root
// the inbound webhook URLs are built from.
func NewService(db *gorm.DB, brokerSvc *broker.Service, configs *appconfig.Service, registry *connectors.Registry, baseURL string, opts ...Option) *Service {
	s := &Service{
		db:       db,
		broker:   brokerSvc,
		configs:  configs,
		registry: registry,
		baseURL:  baseURL,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func nowUTC() time.Time { return time.Now().UTC() }

// newVerificationToken returns 32 bytes of entropy hex-encoded. It backs both
// the HMAC-signing and token-echo connector families.
func newVerificationToken() string {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		panic("verification token entropy unavailable: " + err.Error())
	}
	return hex.EncodeToString(buf)
}

// webhookURL builds the inbound delivery URL for a trigger. The app segment
// is lowercased for readability; the receiver normalizes it back.
func (s *Service) webhookURL(appName, triggerID string) string {
	return strings.TrimRight(s.baseURL, "/") + "/v1/webhooks/" + strings.ToLower(appName) + "/" + triggerID
}

// Create inserts the trigger row and registers it with the provider. A failed
// registration leaves the row in ERROR for the retry sweep; the caller still
// receives the trigger so the failure is visible.
func (s *Service) Create(ctx context.Context, project *models.ProjectModel, req *CreateRequest) (*CreatedView, error) {
	var app models.AppModel
	err := s.db.WithContext(ctx).Where("name = ?", req.AppName).First(&app).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", apperrors.ErrAppNotFound, req.AppName)
	}
	if err != nil {
		return nil, err
	}

	if _, ok := s.registry.Lookup(app.Name); !ok {
		return nil, fmt.Errorf("%w: app %s has no trigger support", apperrors.ErrValidation, app.Name)
	}

	var account models.LinkedAccountModel
	err = s.db.WithContext(ctx).
		Where("project_id = ? AND app_id = ? AND linked_account_owner_id = ?", project.ID, app.ID, req.OwnerID).
		First(&account).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s for owner %s", apperrors.ErrLinkedAccountNotFound, app.Name, req.OwnerID)
	}
	if err != nil {
		return nil, err
	}
	if !account.Enabled {
		return nil, fmt.Errorf("%w: %s for owner %s", apperrors.ErrLinkedAccountDisabled, app.Name, req.OwnerID)
	}

	cfg, err := s.configs.GetModel(ctx, project.ID, req.AppName)
	if err != nil {
		return nil, err
	}
	if !cfg.Enabled {
		return nil, fmt.Errorf("%w: %s", apperrors.ErrAppConfigDisabled, req.AppName)
	}

	var duplicates int64
	err = s.db.WithContext(ctx).Model(&models.TriggerModel{}).
		Where("linked_account_id = ? AND trigger_type = ?", account.ID, req.TriggerType).
		Count(&duplicates).Error
	if err != nil {
		return nil, err
	}
	if duplicates > 0 {
		return nil, fmt.Errorf("%w: %s for %s", apperrors.ErrTriggerAlreadyExists, req.TriggerType, req.OwnerID)
	}

	config := req.Config
	if config == nil {
		config = map[string]interface{}{}
	}

	row := &models.TriggerModel{
		Base:              models.Base{ID: models.NewID()},
		ProjectID:         project.ID,
		AppID:             app.ID,
		LinkedAccountID:   account.ID,
		TriggerName:       req.TriggerName,
		TriggerType:       req.TriggerType,
		Description:       req.Description,
		VerificationToken: newVerificationToken(),
		Config:            config,
		Status:            models.TriggerActive,
		ExpiresAt:         req.ExpiresAt,
	}
	row.WebhookURL = s.webhookURL(app.Name, row.ID)

	if err := s.db.WithContext(ctx).Create(row).Error; err != nil {
		return nil, err
	}
	row.App = &app
	row.LinkedAccount = &account

	s.attemptRegistration(ctx, row, &app, cfg, &account)

	s.logger.Info("trigger created",
		zap.String("trigger_id", row.ID),
		zap.String("project_id", project.ID),
		zap.String("app_name", app.Name),
		zap.String("trigger_type", row.TriggerType),
		zap.String("status", string(row.Status)))

	return &CreatedView{View: toView(row), VerificationToken: row.VerificationToken}, nil
}

// attemptRegistration calls the provider register API and persists the
// outcome on the row: external id, expiry and metadata on success, ERROR plus
// a retry-count bump on failure.
func (s *Service) attemptRegistration(ctx context.Context, row *models.TriggerModel, app *models.AppModel, cfg *models.AppConfigModel, account *models.LinkedAccountModel) bool {
	connector, ok := s.registry.Lookup(app.Name)
	if !ok {
		return false
	}

	token, err := s.connectorToken(ctx, app, cfg, account)
	if err != nil {
		s.markRegistrationFailure(ctx, row, err.Error())
		return false
	}

	result := connector.Register(ctx, row, token)
	if !result.Success {
		s.markRegistrationFailure(ctx, row, result.ErrorMessage)
		return false
	}

	s.applyRegistration(row, result)
	if err := s.db.WithContext(ctx).Save(row).Error; err != nil {
		s.logger.Error("persist registration outcome failed",
			zap.String("trigger_id", row.ID), zap.Error(err))
		return false
	}
	if result.ManualSetup() {
		s.logger.Info("trigger requires manual provider setup",
			zap.String("trigger_id", row.ID), zap.String("app_name", app.Name))
	}
	return true
}

// applyRegistration folds a successful registration result into the row.
// Returned metadata lands in config so verification secrets survive restarts.
func (s *Service) applyRegistration(row *models.TriggerModel, result connectors.RegistrationResult) {
	if result.ExternalWebhookID != "" {
		id := result.ExternalWebhookID
		row.ExternalWebhookID = &id
	}
	if result.ExpiresAt != nil {
		row.ExpiresAt = result.ExpiresAt
	}
	if len(result.Metadata) > 0 {
		if row.Config == nil {
			row.Config = map[string]interface{}{}
		}
		for k, v := range result.Metadata {
			row.Config[k] = v
		}
	}
	row.Status = models.TriggerActive
	row.SetRetryCount(0)
}

func (s *Service) markRegistrationFailure(ctx context.Context, row *models.TriggerModel, reason string) {
	row.Status = models.TriggerError
	row.SetRetryCount(row.RetryCount() + 1)
	if err := s.db.WithContext(ctx).Save(row).Error; err != nil {
		s.logger.Error("persist registration failure failed",
			zap.String("trigger_id", row.ID), zap.Error(err))
		return
	}
	s.logger.Warn("webhook registration failed",
		zap.String("trigger_id", row.ID),
		zap.Int("retry_count", row.RetryCount()),
		zap.String("reason", reason))
}

// connectorToken resolves the credential the provider admin API expects as a
// bearer. OAuth2 refreshes are persisted before the token leaves the broker.
func (s *Service) connectorToken(ctx context.Context, app *models.AppModel, cfg *models.AppConfigModel, account *models.LinkedAccountModel) (string, error) {
	access, err := s.broker.Get(ctx, app, cfg, account)
	if err != nil {
		return "", err
	}
	if access.IsUpdated {
		if err := s.broker.Persist(ctx, app, account, access); err != nil {
			return "", fmt.Errorf("persist refreshed credentials: %w", err)
		}
	}

	switch access.Scheme {
	case models.SchemeOAuth2:
		creds, err := access.OAuth2()
		if err != nil {
			return "", err
		}
		return creds.AccessToken, nil
	case models.SchemeAPIKey:
		creds, err := access.APIKey()
		if err != nil {
			return "", err
		}
		return creds.SecretKey, nil
	case models.SchemeOAuth1:
		creds, err := access.OAuth1()
		if err != nil {
			return "", err
		}
		return creds.OAuthToken, nil
	}
	return "", nil
}

func (s *Service) getModel(ctx context.Context, projectID, id string) (*models.TriggerModel, error) {
	var row models.TriggerModel
	err := s.db.WithContext(ctx).
		Where("project_id = ? AND id = ?", projectID, id).
		Preload("App").
		Preload("LinkedAccount").
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", apperrors.ErrTriggerNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

// List returns the project's triggers, newest first, optionally filtered by
// app name and status.
func (s *Service) List(ctx context.Context, project *models.ProjectModel, appName, status string, q pagination.Query) ([]View, response.Pagination, error) {
	query := s.db.WithContext(ctx).Model(&models.TriggerModel{}).
		Where("triggers.project_id = ?", project.ID).
		Preload("App").
		Order("triggers.created_at DESC")
	if appName != "" {
		query = query.
			Joins("JOIN apps ON apps.id = triggers.app_id").
			Where("apps.name = ?", appName)
	}
	if status != "" {
		query = query.Where("triggers.status = ?", status)
	}

	var rows []models.TriggerModel
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

func (s *Service) Get(ctx context.Context, project *models.ProjectModel, id string) (*View, error) {
	row, err := s.getModel(ctx, project.ID, id)
	if err != nil {
		return nil, err
	}
	view := toView(row)
	return &view, nil
}

// Reveal returns the verification token for manual provider setup. It is the
// only read path that exposes the token after creation.
func (s *Service) Reveal(ctx context.Context, project *models.ProjectModel, id string) (string, error) {
	row, err := s.getModel(ctx, project.ID, id)
	if err != nil {
		return "", err
	}
	return row.VerificationToken, nil
}

// Update patches status, config and description. Provider-side state is left
// alone; pausing only stops the receiver from accepting deliveries.
func (s *Service) Update(ctx context.Context, project *models.ProjectModel, id string, req *UpdateRequest) (*View, error) {
	row, err := s.getModel(ctx, project.ID, id)
	if err != nil {
		return nil, err
	}

	if req.Status != nil {
		switch *req.Status {
		case models.TriggerActive, models.TriggerPaused, models.TriggerError, models.TriggerExpired:
			row.Status = *req.Status
		default:
			return nil, fmt.Errorf("%w: unknown trigger status %q", apperrors.ErrValidation, *req.Status)
		}
	}
	if req.Config != nil {
		row.Config = req.Config
	}
	if req.Description != nil {
		row.Description = *req.Description
	}

	if err := s.db.WithContext(ctx).Save(row).Error; err != nil {
		return nil, err
	}
	view := toView(row)
	return &view, nil
}

// Delete unregisters the provider subscription best-effort and removes the
// trigger with its events.
func (s *Service) Delete(ctx context.Context, project *models.ProjectModel, id string) error {
	row, err := s.getModel(ctx, project.ID, id)
	if err != nil {
		return err
	}

	s.unregisterFromProvider(ctx, row)

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("trigger_id = ?", row.ID).
			Delete(&models.TriggerEventModel{}).Error; err != nil {
			return err
		}
		return tx.Delete(row).Error
	})
}

// unregisterFromProvider tears down the remote subscription. Failures only
// log; a dangling provider-side hook delivers to a deleted trigger and gets
// a 404, which providers treat as a signal to disable.
func (s *Service) unregisterFromProvider(ctx context.Context, row *models.TriggerModel) {
	if row.App == nil || row.LinkedAccount == nil {
		return
	}
	connector, ok := s.registry.Lookup(row.App.Name)
	if !ok {
		return
	}

	cfg, err := s.configs.GetModel(ctx, row.ProjectID, row.App.Name)
	if err != nil {
		cfg = nil
	}
	token, err := s.connectorToken(ctx, row.App, cfg, row.LinkedAccount)
	if err != nil {
		s.logger.Warn("credential resolution for unregister failed",
			zap.String("trigger_id", row.ID), zap.Error(err))
	}

	if !connector.Unregister(ctx, row, token) {
		s.logger.Warn("provider-side unregister failed; continuing with delete",
			zap.String("trigger_id", row.ID),
			zap.String("app_name", row.App.Name))
	}
}

// eventsQuery applies the shared event filters.
func (s *Service) eventsQuery(ctx context.Context, q EventQuery) *gorm.DB {
	query := s.db.WithContext(ctx).Model(&models.TriggerEventModel{})
	if q.Status != "" {
		query = query.Where("trigger_events.status = ?", q.Status)
	}
	if q.EventType != "" {
		query = query.Where("trigger_events.event_type = ?", q.EventType)
	}
	if q.Since != nil {
		query = query.Where("trigger_events.received_at >= ?", *q.Since)
	}
	if q.Until != nil {
		query = query.Where("trigger_events.received_at <= ?", *q.Until)
	}
	return query
}

// scanEventPage runs keyset pagination over (created_at DESC, id DESC) with a
// limit+1 probe; the extra row proves another page exists.
func (s *Service) scanEventPage(query *gorm.DB, cursor string, limit int) ([]EventView, string, error) {
	query = query.Order("trigger_events.created_at DESC, trigger_events.id DESC")
	if cur, ok := pagination.DecodeCursor(cursor); ok {
		query = query.Where("(trigger_events.created_at, trigger_events.id) < (?, ?)", cur.CreatedAt, cur.ID)
	} else if cursor != "" {
		s.logger.Warn("malformed event cursor ignored", zap.String("cursor", cursor))
	}

	var rows []models.TriggerEventModel
	if err := query.Limit(limit + 1).Find(&rows).Error; err != nil {
		return nil, "", err
	}

	next := ""
	if len(rows) > limit {
		rows = rows[:limit]
		last := rows[len(rows)-1]
		next = pagination.EncodeCursor(last.CreatedAt, last.ID)
	}

	views := make([]EventView, len(rows))
	for i := range rows {
		views[i] = toEventView(&rows[i])
	}
	return views, next, nil
}

// ListEvents returns one trigger's events, newest first.
func (s *Service) ListEvents(ctx context.Context, project *models.ProjectModel, triggerID string, q EventQuery) ([]EventView, string, error) {
	if _, err := s.getModel(ctx, project.ID, triggerID); err != nil {
		return nil, "", err
	}
	query := s.eventsQuery(ctx, q).Where("trigger_events.trigger_id = ?", triggerID)
	return s.scanEventPage(query, q.Cursor, q.Limit)
}

// ListAllEvents returns events across every trigger of the project.
func (s *Service) ListAllEvents(ctx context.Context, project *models.ProjectModel, q EventQuery) ([]EventView, string, error) {
	query := s.eventsQuery(ctx, q).
		Joins("JOIN triggers ON triggers.id = trigger_events.trigger_id").
		Where("triggers.project_id = ?", project.ID)
	if q.TriggerID != "" {
		query = query.Where("trigger_events.trigger_id = ?", q.TriggerID)
	}
	return s.scanEventPage(query, q.Cursor, q.Limit)
}

// AckEvent marks an event delivered and removes it from the listings.
func (s *Service) AckEvent(ctx context.Context, project *models.ProjectModel, eventID string) error {
	var event models.TriggerEventModel
	err := s.db.WithContext(ctx).Where("id = ?", eventID).First(&event).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%w: event %s", apperrors.ErrTriggerNotFound, eventID)
	}
	if err != nil {
		return err
	}
	if _, err := s.getModel(ctx, project.ID, event.TriggerID); err != nil {
		return err
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := nowUTC()
		updates := map[string]interface{}{
			"status":       models.EventDelivered,
			"delivered_at": now,
		}
		if err := tx.Model(&event).Updates(updates).Error; err != nil {
			return err
		}
		return tx.Delete(&event).Error
	})
}

// Health reports whether the trigger can still receive deliveries.
func (s *Service) Health(ctx context.Context, project *models.ProjectModel, id string) (*HealthView, error) {
	row, err := s.getModel(ctx, project.ID, id)
	if err != nil {
		return nil, err
	}

	healthy := row.Status == models.TriggerActive
	if row.ExpiresAt != nil && row.ExpiresAt.Before(nowUTC()) {
		healthy = false
	}

	view := &HealthView{
		TriggerID:       row.ID,
		IsHealthy:       healthy,
		Status:          row.Status,
		LastTriggeredAt: row.LastTriggeredAt,
		ExpiresAt:       row.ExpiresAt,
	}
	if !healthy {
		view.ErrorMessage = "trigger is not active or has expired"
	}
	return view, nil
}

// Stats aggregates event counts by status plus the most recent arrival.
func (s *Service) Stats(ctx context.Context, project *models.ProjectModel, id string) (*StatsView, error) {
	row, err := s.getModel(ctx, project.ID, id)
	if err != nil {
		return nil, err
	}

	var counts []struct {
		Status models.TriggerEventStatus
		N      int64
	}
	err = s.db.WithContext(ctx).Model(&models.TriggerEventModel{}).
		Select("status, COUNT(*) AS n").
		Where("trigger_id = ?", row.ID).
		Group("status").
		Scan(&counts).Error
	if err != nil {
		return nil, err
	}

	stats := &StatsView{TriggerID: row.ID}
	for _, c := range counts {
		stats.TotalEvents += c.N
		switch c.Status {
		case models.EventPending:
			stats.PendingEvents = c.N
		case models.EventDelivered:
			stats.DeliveredEvents = c.N
		case models.EventFailed:
			stats.FailedEvents = c.N
		}
	}

	var lastTimes []time.Time
	err = s.db.WithContext(ctx).Model(&models.TriggerEventModel{}).
		Where("trigger_id = ?", row.ID).
		Order("received_at DESC").
		Limit(1).
		Pluck("received_at", &lastTimes).Error
	if err != nil {
		return nil, err
	}
	if len(lastTimes) > 0 {
		stats.LastEventAt = &lastTimes[0]
	}
	return stats, nil
}
