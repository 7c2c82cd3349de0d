// Package execution turns an agent's abstract function call into an
// authenticated outbound HTTP request and classifies the remote response.
// The call path: resolve function, check configuration and agent allowance,
// resolve credentials through the broker, guard against custom instructions,
// compose, dispatch, record post-hooks.
package execution

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/toolgate/core/internal/apperrors"
	"github.com/toolgate/core/internal/models"
	"github.com/toolgate/core/internal/modules/accounts/appconfig"
	"github.com/toolgate/core/internal/modules/accounts/broker"
	"github.com/toolgate/core/internal/modules/catalog/function"
	"github.com/toolgate/core/internal/pkg/metrics"
)

const (
	connectTimeout = 10 * time.Second
	readTimeout    = 30 * time.Second
)

// Request is the execute endpoint body.
type Request struct {
	FunctionInput map[string]interface{} `json:"function_input"`
	OwnerID       string                 `json:"linked_account_owner_id" binding:"required"`
}

// Result is the execution outcome. A remote failure (transport error or
// non-2xx) is a successful gateway call carrying success=false.
type Result struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

type Option func(*Service)

func WithLogger(l *zap.Logger) Option {
	return func(s *Service) { s.logger = l.Named("ExecutionService") }
}

// WithHTTPClient overrides the outbound client (tests point it at a local
// server).
func WithHTTPClient(client *http.Client) Option {
	return func(s *Service) { s.httpClient = client }
}

type Service struct {
	db         *gorm.DB
	functions  *function.Service
	configs    *appconfig.Service
	broker     *broker.Service
	guard      *Guard
	stash      *function.Stash
	metrics    *metrics.Collector
	httpClient *http.Client
	logger     *zap.Logger
}

func NewService(db *gorm.DB, functions *function.Service, configs *appconfig.Service, brokerSvc *broker.Service, guard *Guard, stash *function.Stash, mc *metrics.Collector, opts ...Option) *Service {
	s := &Service{
		db:         db,
		functions:  functions,
		configs:    configs,
		broker:     brokerSvc,
		guard:      guard,
		stash:      stash,
		metrics:    mc,
		httpClient: newHTTPClient(),
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func newHTTPClient() *http.Client {
	return &http.Client{
		Timeout: readTimeout,
		Transport: &http.Transport{
			DialContext:         (&net.Dialer{Timeout: connectTimeout}).DialContext,
			TLSHandshakeTimeout: connectTimeout,
		},
	}
}

// Execute runs one function call on behalf of (project, agent, owner).
// Domain failures before dispatch surface as errors; once the remote call
// happens its outcome is always a Result.
func (s *Service) Execute(ctx context.Context, project *models.ProjectModel, agent *models.AgentModel, functionName string, req *Request) (*Result, error) {
	if agent == nil {
		return nil, fmt.Errorf("%w: execution requires an agent", apperrors.ErrAuthentication)
	}
	started := time.Now()

	fn, err := s.functions.Get(ctx, project, functionName)
	if err != nil {
		return nil, err
	}
	app := fn.App
	if app == nil {
		return nil, fmt.Errorf("%w: function %s has no app", apperrors.ErrAppNotFound, functionName)
	}

	appCfg, err := s.configs.GetModel(ctx, project.ID, app.Name)
	if err != nil {
		return nil, err
	}
	if !appCfg.Enabled {
		return nil, fmt.Errorf("%w: %s", apperrors.ErrAppConfigDisabled, app.Name)
	}

	if !contains(agent.AllowedApps, app.Name) {
		return nil, fmt.Errorf("%w: %s for agent %s", apperrors.ErrAppNotAllowed, app.Name, agent.Name)
	}

	account, err := s.lookupAccount(ctx, project.ID, app.ID, req.OwnerID)
	if err != nil {
		return nil, err
	}
	if !account.Enabled {
		return nil, fmt.Errorf("%w: owner %s on app %s", apperrors.ErrLinkedAccountDisabled, req.OwnerID, app.Name)
	}

	access, err := s.broker.Get(ctx, app, appCfg, account)
	if err != nil {
		return nil, err
	}
	if access.IsUpdated {
		if err := s.broker.Persist(ctx, app, account, access); err != nil {
			return nil, fmt.Errorf("persist refreshed credentials: %w", err)
		}
	}

	if instruction := agent.CustomInstructions[functionName]; instruction != "" {
		if err := s.guard.Check(ctx, fn, req.FunctionInput, instruction); err != nil {
			return nil, err
		}
	}

	httpReq, err := composeRequest(ctx, fn, app, appCfg, req.FunctionInput, access)
	if err != nil {
		return nil, err
	}

	s.logger.Info("executing function",
		zap.String("project_id", project.ID),
		zap.String("agent_id", agent.ID),
		zap.String("app_name", app.Name),
		zap.String("function_name", functionName),
		zap.String("method", httpReq.Method),
		zap.String("url", httpReq.URL.Redacted()))

	result := s.dispatch(httpReq)
	if !result.Success {
		s.logger.Warn("function execution returned error",
			zap.String("project_id", project.ID),
			zap.String("agent_id", agent.ID),
			zap.String("app_name", app.Name),
			zap.String("function_name", functionName),
			zap.String("error", result.Error))
	}

	s.recordPostHooks(ctx, project, agent, account, functionName, result)
	s.metrics.RecordExecution(functionName, result.Success, time.Since(started).Seconds())
	return result, nil
}

func (s *Service) lookupAccount(ctx context.Context, projectID, appID, ownerID string) (*models.LinkedAccountModel, error) {
	if ownerID == "" {
		return nil, fmt.Errorf("%w: linked_account_owner_id is required", apperrors.ErrValidation)
	}
	var account models.LinkedAccountModel
	err := s.db.WithContext(ctx).
		Where("project_id = ? AND app_id = ? AND linked_account_owner_id = ?", projectID, appID, ownerID).
		First(&account).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: owner %s", apperrors.ErrLinkedAccountNotFound, ownerID)
	}
	if err != nil {
		return nil, err
	}
	return &account, nil
}

// dispatch sends the composed request and classifies the outcome. Transport
// errors and non-2xx statuses are results, not errors: the gateway call
// itself succeeded.
func (s *Service) dispatch(req *http.Request) *Result {
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return &Result{Success: false, Error: err.Error()}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return &Result{Success: false, Error: fmt.Sprintf("read response: %v", err)}
	}

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		message := strings.TrimSpace(string(raw))
		if message == "" {
			message = resp.Status
		}
		return &Result{Success: false, Error: message}
	}

	if len(raw) == 0 {
		return &Result{Success: true, Data: map[string]interface{}{}}
	}
	var data interface{}
	if err := json.Unmarshal(raw, &data); err != nil {
		return &Result{Success: true, Data: string(raw)}
	}
	return &Result{Success: true, Data: data}
}

// recordPostHooks applies the after-call bookkeeping: last_used_at, implicit
// search feedback, stash cleanup. None of it may fail the execution.
func (s *Service) recordPostHooks(ctx context.Context, project *models.ProjectModel, agent *models.AgentModel, account *models.LinkedAccountModel, functionName string, result *Result) {
	now := time.Now()
	if err := s.db.WithContext(ctx).Model(account).Update("last_used_at", now).Error; err != nil {
		s.logger.Warn("last_used_at not updated",
			zap.String("linked_account_id", account.ID), zap.Error(err))
	}

	entry, ok := s.stash.Consume(agent.ID)
	if !ok || !contains(entry.FunctionNames, functionName) {
		return
	}
	feedback := function.NewImplicitExecutionFeedback(project.ID, agent.ID, entry, functionName, result.Success)
	if err := s.db.WithContext(ctx).Create(feedback).Error; err != nil {
		s.logger.Warn("implicit feedback not recorded",
			zap.String("agent_id", agent.ID),
			zap.String("function_name", functionName),
			zap.Error(err))
	}
}

func contains(list []string, target string) bool {
	for _, item := range list {
		if item == target {
			return true
		}
	}
	return false
}
