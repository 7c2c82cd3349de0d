// Package webhook is the inbound delivery surface. It admits provider POSTs
// through two token buckets, verifies them with the trigger's connector,
// answers URL-verification challenges, and turns real deliveries into
// deduplicated TriggerEvent rows plus a queued delivery task.
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	gosqlmysql "github.com/go-sql-driver/mysql"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/toolgate/core/internal/apperrors"
	"github.com/toolgate/core/internal/models"
	"github.com/toolgate/core/internal/modules/triggers/connectors"
	"github.com/toolgate/core/internal/pkg/bark"
	"github.com/toolgate/core/internal/pkg/metrics"
	"github.com/toolgate/core/internal/pkg/ratelimit"
	"github.com/toolgate/core/internal/pkg/taskqueue"
)

// eventRetention is how long a stored event stays queryable before the
// cleanup sweep archives and deletes it.
const eventRetention = 30 * 24 * time.Hour

// requeueGrace is how old a PENDING event must be before the requeue sweep
// assumes its delivery task was lost.
const requeueGrace = 5 * time.Minute

// ErrTriggerInactive rejects deliveries for paused, errored or expired
// triggers.
var ErrTriggerInactive = errors.New("trigger is not active")

// ErrVerificationFailed covers both signature and replay-window failures;
// callers must not reveal which.
var ErrVerificationFailed = errors.New("webhook verification failed")

// Broadcaster pushes a stored event to live feed subscribers. Failures are
// the broadcaster's problem; delivery handling never depends on it.
type Broadcaster interface {
	BroadcastEvent(projectID string, event map[string]interface{})
}

type OutcomeKind int

const (
	// OutcomeStored is a fresh event persisted and enqueued.
	OutcomeStored OutcomeKind = iota
	// OutcomeDuplicate is a redelivery of an already-stored external event.
	OutcomeDuplicate
	// OutcomeChallenge is a URL-verification handshake answered verbatim.
	OutcomeChallenge
	// OutcomeIgnored is a provider probe acknowledged without storage.
	OutcomeIgnored
)

// Outcome is the result of processing one admitted delivery.
type Outcome struct {
	Kind      OutcomeKind
	EventID   string
	Challenge *Challenge
}

// Challenge is a provider handshake response echoed back verbatim.
type Challenge struct {
	ContentType string
	Body        []byte
}

type Option func(*Service)

func WithLogger(l *zap.Logger) Option {
	return func(s *Service) { s.logger = l.Named("WebhookService") }
}

// WithAlerts wires the push channel notified when the global limiter rejects
// an IP.
func WithAlerts(b *bark.Service) Option {
	return func(s *Service) { s.alerts = b }
}

func WithMetrics(m *metrics.Collector) Option {
	return func(s *Service) { s.metrics = m }
}

func WithBroadcaster(b Broadcaster) Option {
	return func(s *Service) { s.broadcaster = b }
}

// WithLimits overrides the default admission buckets.
func WithLimits(global, perTrigger *ratelimit.Limiter) Option {
	return func(s *Service) {
		s.global = global
		s.perTrigger = perTrigger
	}
}

type Service struct {
	db          *gorm.DB
	registry    *connectors.Registry
	queue       *taskqueue.Service
	global      *ratelimit.Limiter
	perTrigger  *ratelimit.Limiter
	alerts      *bark.Service
	metrics     *metrics.Collector
	broadcaster Broadcaster
	logger      *zap.Logger
}

func NewService(db *gorm.DB, registry *connectors.Registry, queue *taskqueue.Service, opts ...Option) *Service {
	s := &Service{
		db:         db,
		registry:   registry,
		queue:      queue,
		global:     ratelimit.New(100, 200),
		perTrigger: ratelimit.New(10, 20),
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Admit runs the global-by-IP and per-trigger buckets in order. A global
// rejection also raises the throttled abuse alert.
func (s *Service) Admit(ip, triggerID, path string) (bool, ratelimit.Result) {
	if ok, res := s.global.Allow(ip, 1); !ok {
		if s.metrics != nil {
			s.metrics.RecordRateLimitHit("global")
		}
		if s.alerts != nil {
			s.alerts.ThrottlePush(ip, path)
		}
		return false, res
	}
	if ok, res := s.perTrigger.Allow(triggerID, 1); !ok {
		if s.metrics != nil {
			s.metrics.RecordRateLimitHit("trigger")
		}
		return false, res
	}
	return true, ratelimit.Result{}
}

// Process handles one admitted delivery. The request body is already drained
// by the handler; r carries headers and query only.
func (s *Service) Process(ctx context.Context, provider, triggerID string, r *http.Request, body []byte) (*Outcome, error) {
	started := time.Now()

	trigger, err := s.resolve(ctx, provider, triggerID)
	if err != nil {
		return nil, err
	}
	if trigger.Status != models.TriggerActive {
		return nil, fmt.Errorf("%w: %s", ErrTriggerInactive, trigger.ID)
	}

	connector, ok := s.registry.Lookup(trigger.App.Name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", apperrors.ErrTriggerNotFound, triggerID)
	}

	if v := connector.Verify(r, body, trigger); !v.IsValid {
		s.logger.Warn("webhook_verification_failed",
			zap.String("trigger_id", trigger.ID),
			zap.String("app_name", trigger.App.Name),
			zap.String("reason", v.ErrorMessage))
		if s.metrics != nil {
			s.metrics.RecordVerificationFailure(trigger.App.Name, v.ErrorMessage)
		}
		return nil, ErrVerificationFailed
	}

	payload := decodePayload(r, body)

	if ch := challengeResponse(r, payload); ch != nil {
		return &Outcome{Kind: OutcomeChallenge, Challenge: ch}, nil
	}
	if isSyncProbe(r) {
		return &Outcome{Kind: OutcomeIgnored}, nil
	}

	parsed := connector.Parse(payload)
	parsed.EventData = s.applyTransform(trigger, parsed.EventData)

	if parsed.ExternalEventID != "" {
		dup, err := s.seenBefore(ctx, trigger.ID, parsed.ExternalEventID)
		if err != nil {
			return nil, err
		}
		if dup {
			if s.metrics != nil {
				s.metrics.RecordDuplicateEvent(trigger.ID)
			}
			return &Outcome{Kind: OutcomeDuplicate}, nil
		}
	}

	// A disconnecting provider must not abort a persist already underway.
	storeCtx := context.WithoutCancel(ctx)
	event, err := s.store(storeCtx, trigger, parsed)
	if err != nil {
		if isDuplicateKey(err) {
			if s.metrics != nil {
				s.metrics.RecordDuplicateEvent(trigger.ID)
			}
			return &Outcome{Kind: OutcomeDuplicate}, nil
		}
		return nil, err
	}

	s.enqueue(storeCtx, trigger, event)
	s.broadcastStored(trigger, event)

	if s.metrics != nil {
		s.metrics.RecordWebhookReceived(trigger.App.Name, trigger.ID, event.EventType)
		s.metrics.RecordEventStored(trigger.ID, event.EventType)
		s.metrics.RecordWebhookDuration(trigger.App.Name, time.Since(started).Seconds())
	}

	s.logger.Info("webhook event stored",
		zap.String("trigger_id", trigger.ID),
		zap.String("event_id", event.ID),
		zap.String("event_type", event.EventType))

	return &Outcome{Kind: OutcomeStored, EventID: event.ID}, nil
}

// resolve loads the trigger and checks the path's provider segment against
// its app. A mismatch answers exactly like a missing trigger.
func (s *Service) resolve(ctx context.Context, provider, id string) (*models.TriggerModel, error) {
	var row models.TriggerModel
	err := s.db.WithContext(ctx).
		Where("id = ?", id).
		Preload("App").
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", apperrors.ErrTriggerNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	if row.App == nil || !strings.EqualFold(provider, row.App.Name) {
		return nil, fmt.Errorf("%w: %s", apperrors.ErrTriggerNotFound, id)
	}
	return &row, nil
}

// decodePayload unmarshals the body and lifts Google's X-Goog-* notification
// headers into the map; push-channel deliveries carry everything in headers.
func decodePayload(r *http.Request, body []byte) map[string]interface{} {
	payload := map[string]interface{}{}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &payload); err != nil {
			payload = map[string]interface{}{}
		}
	}
	for key, values := range r.Header {
		if !strings.HasPrefix(key, "X-Goog-") || len(values) == 0 {
			continue
		}
		if _, exists := payload[key]; !exists {
			payload[key] = values[0]
		}
	}
	return payload
}

// challengeResponse answers provider URL-verification handshakes: Microsoft
// echoes validationToken as text, Slack echoes the challenge field as JSON.
func challengeResponse(r *http.Request, payload map[string]interface{}) *Challenge {
	if token := r.URL.Query().Get("validationToken"); token != "" {
		return &Challenge{ContentType: "text/plain; charset=utf-8", Body: []byte(token)}
	}
	if typ, _ := payload["type"].(string); typ == "url_verification" {
		challenge, _ := payload["challenge"].(string)
		body, _ := json.Marshal(map[string]string{"challenge": challenge})
		return &Challenge{ContentType: "application/json; charset=utf-8", Body: body}
	}
	return nil
}

// isSyncProbe detects Google's channel-created notification, which confirms
// the watch but carries no event.
func isSyncProbe(r *http.Request) bool {
	return r.Header.Get("X-Goog-Resource-State") == "sync"
}

func (s *Service) seenBefore(ctx context.Context, triggerID, externalEventID string) (bool, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&models.TriggerEventModel{}).
		Where("trigger_id = ? AND external_event_id = ?", triggerID, externalEventID).
		Count(&n).Error
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// store persists the event and bumps the trigger's last_triggered_at in one
// transaction.
func (s *Service) store(ctx context.Context, trigger *models.TriggerModel, parsed connectors.ParsedEvent) (*models.TriggerEventModel, error) {
	now := time.Now().UTC()
	event := &models.TriggerEventModel{
		Base:       models.Base{ID: models.NewID()},
		TriggerID:  trigger.ID,
		EventType:  parsed.EventType,
		EventData:  parsed.EventData,
		Status:     models.EventPending,
		ReceivedAt: now,
		ExpiresAt:  now.Add(eventRetention),
	}
	if parsed.ExternalEventID != "" {
		id := parsed.ExternalEventID
		event.ExternalEventID = &id
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(event).Error; err != nil {
			return err
		}
		return tx.Model(&models.TriggerModel{}).
			Where("id = ?", trigger.ID).
			Update("last_triggered_at", now).Error
	})
	if err != nil {
		return nil, err
	}
	return event, nil
}

// isDuplicateKey recognizes the unique-index race when two redeliveries of
// the same external event insert concurrently.
func isDuplicateKey(err error) bool {
	var mysqlErr *gosqlmysql.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == 1062
	}
	return errors.Is(err, gorm.ErrDuplicatedKey)
}

// enqueue hands the stored event to the delivery queue. Failure is logged
// only; the requeue sweep picks the event up from PENDING.
func (s *Service) enqueue(ctx context.Context, trigger *models.TriggerModel, event *models.TriggerEventModel) {
	if s.queue == nil {
		return
	}
	payload := taskqueue.DeliveryPayload{
		EventID:    event.ID,
		TriggerID:  trigger.ID,
		ProjectID:  trigger.ProjectID,
		Provider:   trigger.App.Name,
		EventType:  event.EventType,
		OccurredAt: event.ReceivedAt,
	}
	_, err := s.queue.Enqueue(ctx, taskqueue.TypeEventDelivery, payload, "event:"+event.ID, trigger.ID)
	if err != nil {
		s.logger.Warn("delivery enqueue failed; event stays pending",
			zap.String("event_id", event.ID), zap.Error(err))
	}
}

func (s *Service) broadcastStored(trigger *models.TriggerModel, event *models.TriggerEventModel) {
	if s.broadcaster == nil {
		return
	}
	s.broadcaster.BroadcastEvent(trigger.ProjectID, map[string]interface{}{
		"event_id":    event.ID,
		"trigger_id":  trigger.ID,
		"app_name":    trigger.App.Name,
		"event_type":  event.EventType,
		"event_data":  event.EventData,
		"received_at": event.ReceivedAt,
	})
}

// MarkEventProcessed stamps processed_at once the delivery task has fanned
// the event out. The status stays PENDING until the agent acks.
func (s *Service) MarkEventProcessed(ctx context.Context, eventID string) error {
	return s.db.WithContext(ctx).Model(&models.TriggerEventModel{}).
		Where("id = ? AND processed_at IS NULL", eventID).
		Update("processed_at", time.Now().UTC()).Error
}

// RequeuePendingEvents re-enqueues PENDING events whose delivery task never
// ran. The queue's dedup key keeps this idempotent against tasks that are
// merely slow.
func (s *Service) RequeuePendingEvents(ctx context.Context) (int, error) {
	if s.queue == nil {
		return 0, nil
	}
	cutoff := time.Now().UTC().Add(-requeueGrace)

	var rows []models.TriggerEventModel
	err := s.db.WithContext(ctx).
		Where("status = ? AND processed_at IS NULL AND received_at <= ?", models.EventPending, cutoff).
		Preload("Trigger").
		Preload("Trigger.App").
		Find(&rows).Error
	if err != nil {
		return 0, err
	}

	requeued := 0
	for i := range rows {
		event := &rows[i]
		if event.Trigger == nil || event.Trigger.App == nil {
			continue
		}
		payload := taskqueue.DeliveryPayload{
			EventID:    event.ID,
			TriggerID:  event.TriggerID,
			ProjectID:  event.Trigger.ProjectID,
			Provider:   event.Trigger.App.Name,
			EventType:  event.EventType,
			OccurredAt: event.ReceivedAt,
		}
		_, err := s.queue.Enqueue(ctx, taskqueue.TypeEventDelivery, payload, "event:"+event.ID, event.TriggerID)
		if err != nil {
			s.logger.Warn("pending event requeue failed",
				zap.String("event_id", event.ID), zap.Error(err))
			continue
		}
		requeued++
	}

	if requeued > 0 {
		s.logger.Info("requeued pending events", zap.Int("count", requeued))
	}
	return requeued, nil
}
