// Package function serves the function catalog: cursor-paginated listing,
// semantic search with optional LLM rerank, vendor definition formats, the
// admin write path, and search feedback.
package function

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/toolgate/core/internal/apperrors"
	"github.com/toolgate/core/internal/models"
	"github.com/toolgate/core/internal/pkg/embedding"
	"github.com/toolgate/core/internal/pkg/inference"
	"github.com/toolgate/core/internal/pkg/metrics"
	"github.com/toolgate/core/internal/pkg/pagination"
)

const (
	defaultSearchLimit = 10
	rerankMinIntentLen = 5
	rerankOverFetchCap = 200
	feedbackHourlyMax  = 10
)

var intentSanitizeRe = regexp.MustCompile(`[^A-Za-z0-9_\-.\s]+`)

type Option func(*Service)

func WithLogger(l *zap.Logger) Option {
	return func(s *Service) { s.logger = l.Named("FunctionService") }
}

// WithRerank enables the LLM rerank stage.
func WithRerank(enabled bool) Option {
	return func(s *Service) { s.rerankEnabled = enabled }
}

type Service struct {
	db            *gorm.DB
	embedder      *embedding.Client
	reranker      *reranker
	stash         *Stash
	metrics       *metrics.Collector
	rerankEnabled bool
	logger        *zap.Logger
}

func NewService(db *gorm.DB, embedder *embedding.Client, llm *inference.Client, stash *Stash, mc *metrics.Collector, opts ...Option) *Service {
	s := &Service{
		db:       db,
		embedder: embedder,
		stash:    stash,
		metrics:  mc,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.reranker = newReranker(llm, mc, s.logger)
	return s
}

// accessScope restricts a joined functions+apps query to what the project may
// call: PUBLIC projects see public active rows only, private projects any
// active row.
func accessScope(project *models.ProjectModel) func(*gorm.DB) *gorm.DB {
	return func(db *gorm.DB) *gorm.DB {
		if project != nil && project.VisibilityAccess == models.VisibilityPublic {
			return db.Where(
				"functions.visibility = ? AND functions.active = ? AND apps.visibility = ? AND apps.active = ?",
				models.VisibilityPublic, true, models.VisibilityPublic, true,
			)
		}
		return db.Where("functions.active = ? AND apps.active = ?", true, true)
	}
}

func (s *Service) scoped(ctx context.Context, project *models.ProjectModel) *gorm.DB {
	return s.db.WithContext(ctx).Model(&models.FunctionModel{}).
		Joins("JOIN apps ON apps.id = functions.app_id").
		Scopes(accessScope(project))
}

// List returns visible functions ordered newest-first with keyset pagination.
func (s *Service) List(ctx context.Context, project *models.ProjectModel, appName string, limit int, cursor string) ([]Result, string, error) {
	if limit <= 0 {
		limit = defaultSearchLimit
	}

	query := s.scoped(ctx, project).
		Preload("App").
		Order("functions.created_at DESC, functions.id DESC").
		Limit(limit + 1)
	if appName != "" {
		query = query.Where("apps.name = ?", appName)
	}
	if cur, ok := pagination.DecodeCursor(cursor); ok {
		query = query.Where(
			"functions.created_at < ? OR (functions.created_at = ? AND functions.id < ?)",
			cur.CreatedAt, cur.CreatedAt, cur.ID,
		)
	} else if cursor != "" {
		s.logger.Warn("malformed cursor ignored", zap.String("cursor", cursor))
	}

	var rows []models.FunctionModel
	if err := query.Find(&rows).Error; err != nil {
		return nil, "", err
	}

	next := ""
	if len(rows) > limit {
		rows = rows[:limit]
		last := rows[limit-1]
		next = pagination.EncodeCursor(last.CreatedAt, last.ID)
	}
	return toResults(rows), next, nil
}

// SearchParams are the C-side knobs of one search call.
type SearchParams struct {
	Intent          string
	AppNames        []string
	Limit           int
	Offset          int
	AllowedAppsOnly bool
}

// Search runs the staged search policy: access filter, app filter, lexical
// prune, vector rank, optional LLM rerank, then stashes the result set for
// implicit feedback.
func (s *Service) Search(ctx context.Context, project *models.ProjectModel, agent *models.AgentModel, p SearchParams) ([]Result, error) {
	start := time.Now()
	defer func() {
		s.metrics.RecordSearchDuration(time.Since(start).Seconds())
	}()

	limit := p.Limit
	if limit <= 0 {
		limit = defaultSearchLimit
	}

	appNames := p.AppNames
	if p.AllowedAppsOnly && agent != nil {
		appNames = intersectAllowed(appNames, agent.AllowedApps)
		if len(appNames) == 0 {
			return []Result{}, nil
		}
	}

	query := s.scoped(ctx, project).Preload("App")
	if len(appNames) > 0 {
		query = query.Where("apps.name IN ?", appNames)
	}
	if token := lexicalToken(p.Intent); token != "" {
		pattern := "%" + token + "%"
		query = query.Where(
			"(functions.name LIKE ? OR functions.description LIKE ? OR apps.name LIKE ?)",
			pattern, pattern, pattern,
		)
	}

	var rows []models.FunctionModel
	if err := query.Find(&rows).Error; err != nil {
		return nil, err
	}

	intent := strings.TrimSpace(p.Intent)
	if intent != "" && len(rows) > 1 && s.embedder.Enabled() {
		if vector, err := s.embedder.Embed(ctx, intent); err == nil {
			sort.SliceStable(rows, func(i, j int) bool {
				return embedding.CosineSimilarity(rows[i].Embedding, vector) >
					embedding.CosineSimilarity(rows[j].Embedding, vector)
			})
		} else {
			// Vector ranking is best-effort; the pruned set still serves.
			s.logger.Warn("intent embedding failed", zap.Error(err))
		}
	}

	if p.Offset > 0 {
		if p.Offset >= len(rows) {
			rows = nil
		} else {
			rows = rows[p.Offset:]
		}
	}

	rerankWanted := s.rerankEnabled && len(intent) > rerankMinIntentLen
	fetchN := limit
	if rerankWanted {
		fetchN = limit * 2
		if fetchN > rerankOverFetchCap {
			fetchN = rerankOverFetchCap
		}
	}
	if len(rows) > fetchN {
		rows = rows[:fetchN]
	}

	if rerankWanted && len(rows) > 1 {
		rows = s.reranker.rerank(ctx, intent, rows)
	}
	if len(rows) > limit {
		rows = rows[:limit]
	}

	if intent != "" && agent != nil {
		names := make([]string, len(rows))
		for i := range rows {
			names[i] = rows[i].Name
		}
		s.stash.Put(agent.ID, intent, names)
	}

	return toResults(rows), nil
}

// lexicalToken extracts the pruning token per the search policy: sanitize,
// split, drop short tokens, keep up to three, use the first.
func lexicalToken(intent string) string {
	trimmed := strings.TrimSpace(intent)
	if len(trimmed) <= 2 {
		return ""
	}
	sanitized := intentSanitizeRe.ReplaceAllString(trimmed, "")

	kept := make([]string, 0, 3)
	for _, tok := range strings.Fields(sanitized) {
		if len(tok) > 3 {
			kept = append(kept, tok)
			if len(kept) == 3 {
				break
			}
		}
	}
	if len(kept) == 0 {
		return ""
	}
	return kept[0]
}

// intersectAllowed narrows requested app names to the agent's allow-list; an
// empty request means the whole allow-list.
func intersectAllowed(requested []string, allowed models.StringArray) []string {
	if len(requested) == 0 {
		return allowed
	}
	out := make([]string, 0, len(requested))
	for _, name := range requested {
		if allowed.Contains(name) {
			out = append(out, name)
		}
	}
	return out
}

// Get returns one visible function with its app preloaded. Shared by the
// definition endpoint and the executor's resolve step.
func (s *Service) Get(ctx context.Context, project *models.ProjectModel, name string) (*models.FunctionModel, error) {
	var row models.FunctionModel
	err := s.scoped(ctx, project).
		Preload("App").
		Where("functions.name = ?", name).
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperrors.ErrFunctionNotFound
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

// Definition renders one function in the requested vendor format.
func (s *Service) Definition(ctx context.Context, project *models.ProjectModel, name, format string) (map[string]interface{}, error) {
	fn, err := s.Get(ctx, project, name)
	if err != nil {
		return nil, err
	}
	return RenderDefinition(fn, format)
}

// Upsert writes the given function manifests under one app, regenerating
// stale embeddings in batch before the transactional row writes.
func (s *Service) Upsert(ctx context.Context, appName string, manifests []Manifest) ([]string, error) {
	var app models.AppModel
	err := s.db.WithContext(ctx).Where("name = ?", appName).First(&app).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperrors.ErrAppNotFound
	}
	if err != nil {
		return nil, err
	}

	rows := make([]*models.FunctionModel, 0, len(manifests))
	staleTexts := make([]string, 0, len(manifests))
	staleRows := make([]*models.FunctionModel, 0, len(manifests))

	for i := range manifests {
		m := &manifests[i]
		if err := validateManifest(&app, m); err != nil {
			return nil, err
		}

		var existing models.FunctionModel
		err := s.db.WithContext(ctx).Where("name = ?", m.Name).First(&existing).Error
		isNew := errors.Is(err, gorm.ErrRecordNotFound)
		if err != nil && !isNew {
			return nil, err
		}
		if !isNew && existing.AppID != app.ID {
			return nil, fmt.Errorf("%w: function %s belongs to another app", apperrors.ErrValidation, m.Name)
		}

		row := &existing
		if isNew {
			row = &models.FunctionModel{Name: m.Name, AppID: app.ID, Active: true, Visibility: models.VisibilityPublic, Protocol: models.ProtocolREST}
		}

		stale := isNew ||
			row.Description != m.Description ||
			!sameJSON(row.Parameters, m.Parameters) ||
			len(row.Embedding) == 0

		row.Description = m.Description
		row.Tags = m.Tags
		if m.Visibility != "" {
			row.Visibility = m.Visibility
		}
		if m.Active != nil {
			row.Active = *m.Active
		}
		if m.Protocol != "" {
			row.Protocol = m.Protocol
		}
		row.ProtocolData = m.ProtocolData
		row.Parameters = m.Parameters

		rows = append(rows, row)
		if stale && s.embedder.Enabled() {
			staleTexts = append(staleTexts, embedding.FunctionText(row.Name, row.Description, row.Parameters))
			staleRows = append(staleRows, row)
		}
	}

	if len(staleTexts) > 0 {
		vectors, err := s.embedder.EmbedBatch(ctx, staleTexts)
		if err != nil {
			return nil, fmt.Errorf("embed functions for %s: %w", appName, err)
		}
		for i, row := range staleRows {
			row.Embedding = vectors[i]
		}
	}

	names := make([]string, len(rows))
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for i, row := range rows {
			if err := tx.Save(row).Error; err != nil {
				return fmt.Errorf("save function %s: %w", row.Name, err)
			}
			names[i] = row.Name
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("functions upserted",
		zap.String("app_name", appName),
		zap.Int("count", len(names)),
		zap.Int("embeddings_regenerated", len(staleRows)))
	return names, nil
}

func validateManifest(app *models.AppModel, m *Manifest) error {
	if !strings.HasPrefix(m.Name, app.Name+"__") || len(m.Name) <= len(app.Name)+2 {
		return fmt.Errorf("%w: function name %q must take the form %s__<ACTION>",
			apperrors.ErrValidation, m.Name, app.Name)
	}
	if m.Protocol != "" && m.Protocol != models.ProtocolREST {
		return fmt.Errorf("%w: unsupported protocol %q", apperrors.ErrValidation, m.Protocol)
	}
	if err := validateProtocolData(m.ProtocolData); err != nil {
		return err
	}
	return validateParameters(m.Parameters)
}

var restMethods = map[string]bool{"GET": true, "POST": true, "PUT": true, "PATCH": true, "DELETE": true}

func validateProtocolData(data map[string]interface{}) error {
	serverURL, _ := data["server_url"].(string)
	path, _ := data["path"].(string)
	method, _ := data["method"].(string)
	if serverURL == "" || path == "" {
		return fmt.Errorf("%w: protocol_data requires server_url and path", apperrors.ErrValidation)
	}
	if !restMethods[method] {
		return fmt.Errorf("%w: protocol_data method %q", apperrors.ErrValidation, method)
	}
	return nil
}

// RecordFeedback stores explicit agent feedback, bounded per agent per hour
// by a row count in the store.
func (s *Service) RecordFeedback(ctx context.Context, project *models.ProjectModel, agent *models.AgentModel, req *FeedbackRequest) (*models.SearchFeedbackModel, error) {
	var recent int64
	err := s.db.WithContext(ctx).Model(&models.SearchFeedbackModel{}).
		Where("agent_id = ? AND created_at >= ?", agent.ID, time.Now().Add(-time.Hour)).
		Count(&recent).Error
	if err != nil {
		return nil, err
	}
	if recent >= feedbackHourlyMax {
		return nil, fmt.Errorf("%w: feedback limit reached for this agent", apperrors.ErrRateLimited)
	}

	row := &models.SearchFeedbackModel{
		AgentID:               agent.ID,
		ProjectID:             project.ID,
		Intent:                req.Intent,
		ReturnedFunctionNames: req.ReturnedFunctionNames,
		SelectedFunctionName:  req.SelectedFunctionName,
		WasHelpful:            req.WasHelpful != nil && *req.WasHelpful,
		FeedbackType:          models.FeedbackExplicit,
		FeedbackComment:       req.FeedbackComment,
		SearchMetadata:        req.SearchMetadata,
	}
	if err := s.db.WithContext(ctx).Create(row).Error; err != nil {
		return nil, err
	}
	return row, nil
}

// NewImplicitExecutionFeedback builds the feedback row the executor persists
// when an executed function was in the agent's last search results.
func NewImplicitExecutionFeedback(projectID, agentID string, entry StashEntry, functionName string, success bool) *models.SearchFeedbackModel {
	return &models.SearchFeedbackModel{
		AgentID:               agentID,
		ProjectID:             projectID,
		Intent:                entry.Intent,
		ReturnedFunctionNames: entry.FunctionNames,
		SelectedFunctionName:  &functionName,
		WasHelpful:            success,
		FeedbackType:          models.FeedbackImplicitExecution,
	}
}

func sameJSON(a, b map[string]interface{}) bool {
	ab, errA := json.Marshal(a)
	bb, errB := json.Marshal(b)
	return errA == nil && errB == nil && string(ab) == string(bb)
}
