package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"

	"github.com/toolgate/core/internal/modules/triggers/connectors"
	"github.com/toolgate/core/internal/pkg/metrics"
	"github.com/toolgate/core/internal/pkg/ratelimit"
	pkgredis "github.com/toolgate/core/internal/pkg/redis"
	"github.com/toolgate/core/internal/pkg/taskqueue"
)

func newMockDB(t *testing.T) (*gorm.DB, sqlmock.Sqlmock) {
	t.Helper()
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	db, err := gorm.Open(mysql.New(mysql.Config{
		Conn:                      conn,
		SkipInitializeWithVersion: true,
	}), &gorm.Config{})
	require.NoError(t, err)
	return db, mock
}

func newTestQueue(t *testing.T) *taskqueue.Service {
	t.Helper()
	mr := miniredis.RunT(t)
	rc, err := pkgredis.Connect("redis://" + mr.Addr())
	require.NoError(t, err)
	return taskqueue.NewService(rc)
}

func buildRouter(svc *Service) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	NewHandler(svc).RegisterRoutes(router.Group("/v1"))
	return router
}

func signGitHub(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// expectTriggerLookup queues the resolve queries: the trigger row and its app
// preload.
func expectTriggerLookup(mock sqlmock.Sqlmock, status, config, appName string) {
	mock.ExpectQuery("SELECT (.+) FROM `triggers`").
		WillReturnRows(sqlmock.NewRows(
			[]string{"id", "project_id", "app_id", "linked_account_id", "trigger_type", "status", "config"}).
			AddRow("tr_1", "proj_1", "app_1", "acc_1", "push", status, config))
	mock.ExpectQuery("SELECT (.+) FROM `apps`").
		WillReturnRows(sqlmock.NewRows([]string{"id", "name"}).AddRow("app_1", appName))
}

type recordingBroadcaster struct {
	projectID string
	event     map[string]interface{}
}

func (r *recordingBroadcaster) BroadcastEvent(projectID string, event map[string]interface{}) {
	r.projectID = projectID
	r.event = event
}

func TestReceiveStoresEvent(t *testing.T) {
	db, mock := newMockDB(t)
	expectTriggerLookup(mock, "active", `{"webhook_secret":"s3cr3t"}`, "GITHUB")
	mock.ExpectQuery("SELECT count(.+) FROM `trigger_events`").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO `trigger_events`").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("UPDATE `triggers` SET").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	collector := metrics.NewCollector()
	hub := &recordingBroadcaster{}
	svc := NewService(db, connectors.NewRegistry(), newTestQueue(t),
		WithMetrics(collector), WithBroadcaster(hub))
	router := buildRouter(svc)

	body := []byte(`{"action":"opened","hook_id":99001}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/webhooks/github/tr_1", bytes.NewReader(body))
	req.Header.Set("X-Hub-Signature-256", signGitHub("s3cr3t", body))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	require.JSONEq(t, `{"status":"ok"}`, w.Body.String())
	require.NoError(t, mock.ExpectationsWereMet())

	require.Equal(t, "proj_1", hub.projectID)
	require.Equal(t, "opened", hub.event["event_type"])

	snap := collector.Get()
	require.EqualValues(t, 1,
		snap.Counters["webhook_received_total{app=GITHUB,event_type=opened,trigger_id=tr_1}"])
}

func TestReceiveDuplicateEvent(t *testing.T) {
	db, mock := newMockDB(t)
	expectTriggerLookup(mock, "active", `{"webhook_secret":"s3cr3t"}`, "GITHUB")
	mock.ExpectQuery("SELECT count(.+) FROM `trigger_events`").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))

	collector := metrics.NewCollector()
	svc := NewService(db, connectors.NewRegistry(), nil, WithMetrics(collector))
	router := buildRouter(svc)

	body := []byte(`{"action":"opened","hook_id":99001}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/webhooks/github/tr_1", bytes.NewReader(body))
	req.Header.Set("X-Hub-Signature-256", signGitHub("s3cr3t", body))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	require.JSONEq(t, `{"status":"ok","duplicate":true}`, w.Body.String())
	require.NoError(t, mock.ExpectationsWereMet())
	require.EqualValues(t, 1, collector.Get().Counters["trigger_event_duplicate_total{trigger_id=tr_1}"])
}

func TestReceiveRejectsBadSignature(t *testing.T) {
	db, mock := newMockDB(t)
	expectTriggerLookup(mock, "active", `{"webhook_secret":"s3cr3t"}`, "GITHUB")

	svc := NewService(db, connectors.NewRegistry(), nil)
	router := buildRouter(svc)

	body := []byte(`{"action":"opened"}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/webhooks/github/tr_1", bytes.NewReader(body))
	req.Header.Set("X-Hub-Signature-256", signGitHub("wrong-secret", body))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusUnauthorized, w.Code)
	badSignatureBody := w.Body.String()

	// A missing header answers byte-identically; the failure mode must not leak.
	expectTriggerLookup(mock, "active", `{"webhook_secret":"s3cr3t"}`, "GITHUB")
	req = httptest.NewRequest(http.MethodPost, "/v1/webhooks/github/tr_1", bytes.NewReader(body))
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusUnauthorized, w.Code)
	require.Equal(t, badSignatureBody, w.Body.String())
}

func TestReceiveUnknownTrigger(t *testing.T) {
	db, mock := newMockDB(t)
	mock.ExpectQuery("SELECT (.+) FROM `triggers`").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	svc := NewService(db, connectors.NewRegistry(), nil)
	router := buildRouter(svc)

	req := httptest.NewRequest(http.MethodPost, "/v1/webhooks/github/tr_ghost", bytes.NewReader([]byte(`{}`)))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestReceiveProviderMismatch(t *testing.T) {
	db, mock := newMockDB(t)
	expectTriggerLookup(mock, "active", `{}`, "GITHUB")

	svc := NewService(db, connectors.NewRegistry(), nil)
	router := buildRouter(svc)

	req := httptest.NewRequest(http.MethodPost, "/v1/webhooks/shopify/tr_1", bytes.NewReader([]byte(`{}`)))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestReceiveInactiveTrigger(t *testing.T) {
	db, mock := newMockDB(t)
	expectTriggerLookup(mock, "paused", `{}`, "GITHUB")

	svc := NewService(db, connectors.NewRegistry(), nil)
	router := buildRouter(svc)

	req := httptest.NewRequest(http.MethodPost, "/v1/webhooks/github/tr_1", bytes.NewReader([]byte(`{}`)))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusBadRequest, w.Code)
	require.Contains(t, w.Body.String(), "not active")
}

func TestReceiveRateLimited(t *testing.T) {
	db, mock := newMockDB(t)
	mock.ExpectQuery("SELECT (.+) FROM `triggers`").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	collector := metrics.NewCollector()
	svc := NewService(db, connectors.NewRegistry(), nil,
		WithMetrics(collector),
		WithLimits(ratelimit.New(1, 1), ratelimit.New(100, 100)))
	router := buildRouter(svc)

	req := httptest.NewRequest(http.MethodPost, "/v1/webhooks/github/tr_1", bytes.NewReader([]byte(`{}`)))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusNotFound, w.Code)

	req = httptest.NewRequest(http.MethodPost, "/v1/webhooks/github/tr_1", bytes.NewReader([]byte(`{}`)))
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusTooManyRequests, w.Code)
	retryAfter, err := strconv.Atoi(w.Header().Get("Retry-After"))
	require.NoError(t, err)
	require.GreaterOrEqual(t, retryAfter, 1)
	require.EqualValues(t, 1, collector.Get().Counters["rate_limit_hit_total{type=global}"])
}

func TestReceiveMicrosoftValidationChallenge(t *testing.T) {
	db, mock := newMockDB(t)
	expectTriggerLookup(mock, "active", `{}`, "MICROSOFT_CALENDAR")

	svc := NewService(db, connectors.NewRegistry(), nil)
	router := buildRouter(svc)

	req := httptest.NewRequest(http.MethodPost,
		"/v1/webhooks/microsoft_calendar/tr_1?validationToken=probe-123", bytes.NewReader(nil))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "probe-123", w.Body.String())
	require.Contains(t, w.Header().Get("Content-Type"), "text/plain")
}

func TestReceiveSlackURLVerification(t *testing.T) {
	db, mock := newMockDB(t)
	expectTriggerLookup(mock, "active", `{"signing_secret":"sl4ck"}`, "SLACK")

	svc := NewService(db, connectors.NewRegistry(), nil)
	router := buildRouter(svc)

	body := []byte(`{"type":"url_verification","challenge":"ch4ll3ng3"}`)
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	mac := hmac.New(sha256.New, []byte("sl4ck"))
	fmt.Fprintf(mac, "v0:%s:%s", ts, body)

	req := httptest.NewRequest(http.MethodPost, "/v1/webhooks/slack/tr_1", bytes.NewReader(body))
	req.Header.Set("X-Slack-Request-Timestamp", ts)
	req.Header.Set("X-Slack-Signature", "v0="+hex.EncodeToString(mac.Sum(nil)))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	require.JSONEq(t, `{"challenge":"ch4ll3ng3"}`, w.Body.String())
}

func TestChallengeEndpoint(t *testing.T) {
	svc := NewService(nil, connectors.NewRegistry(), nil)
	router := buildRouter(svc)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/webhooks/github/tr_1?challenge=abc", nil))
	require.Equal(t, http.StatusOK, w.Code)
	require.JSONEq(t, `{"challenge":"abc"}`, w.Body.String())

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/webhooks/microsoft_calendar/tr_1?validationToken=tok", nil))
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "tok", w.Body.String())
}

func TestDecodePayloadLiftsGoogleHeaders(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "/v1/webhooks/google_calendar/tr_1", nil)
	r.Header.Set("X-Goog-Resource-State", "exists")
	r.Header.Set("X-Goog-Resource-ID", "res_1")

	payload := decodePayload(r, nil)
	require.Equal(t, "exists", payload["X-Goog-Resource-State"])
	require.Equal(t, "res_1", payload["X-Goog-Resource-ID"])

	// Body keys win over lifted headers.
	payload = decodePayload(r, []byte(`{"X-Goog-Resource-State":"sync"}`))
	require.Equal(t, "sync", payload["X-Goog-Resource-State"])
}

func TestDecodePayloadInvalidJSON(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "/v1/webhooks/github/tr_1", nil)

	payload := decodePayload(r, []byte("not json"))
	require.Empty(t, payload)
}

func TestChallengeResponseNone(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "/v1/webhooks/github/tr_1", nil)
	require.Nil(t, challengeResponse(r, map[string]interface{}{"action": "opened"}))
}

func TestIsSyncProbe(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "/v1/webhooks/google_calendar/tr_1", nil)
	require.False(t, isSyncProbe(r))

	r.Header.Set("X-Goog-Resource-State", "sync")
	require.True(t, isSyncProbe(r))
}

func TestAdmitPerTriggerBucket(t *testing.T) {
	collector := metrics.NewCollector()
	svc := NewService(nil, connectors.NewRegistry(), nil,
		WithMetrics(collector),
		WithLimits(ratelimit.New(100, 100), ratelimit.New(1, 2)))

	ok, _ := svc.Admit("10.0.0.1", "tr_1", "/v1/webhooks/github/tr_1")
	require.True(t, ok)
	ok, _ = svc.Admit("10.0.0.1", "tr_1", "/v1/webhooks/github/tr_1")
	require.True(t, ok)

	ok, res := svc.Admit("10.0.0.1", "tr_1", "/v1/webhooks/github/tr_1")
	require.False(t, ok)
	require.GreaterOrEqual(t, res.RetryAfter, 1)
	require.EqualValues(t, 1, collector.Get().Counters["rate_limit_hit_total{type=trigger}"])

	// Other triggers keep their own bucket.
	ok, _ = svc.Admit("10.0.0.1", "tr_2", "/v1/webhooks/github/tr_2")
	require.True(t, ok)
}

func TestMarkEventProcessed(t *testing.T) {
	db, mock := newMockDB(t)
	mock.ExpectBegin()
	mock.ExpectExec("UPDATE `trigger_events` SET").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	svc := NewService(db, connectors.NewRegistry(), nil)
	require.NoError(t, svc.MarkEventProcessed(context.Background(), "evt_1"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRequeuePendingEvents(t *testing.T) {
	db, mock := newMockDB(t)
	received := time.Now().Add(-10 * time.Minute)
	mock.ExpectQuery("SELECT (.+) FROM `trigger_events`").
		WillReturnRows(sqlmock.NewRows(
			[]string{"id", "trigger_id", "event_type", "status", "received_at"}).
			AddRow("evt_1", "tr_1", "opened", "pending", received))
	mock.ExpectQuery("SELECT (.+) FROM `triggers`").
		WillReturnRows(sqlmock.NewRows([]string{"id", "project_id", "app_id"}).
			AddRow("tr_1", "proj_1", "app_1"))
	mock.ExpectQuery("SELECT (.+) FROM `apps`").
		WillReturnRows(sqlmock.NewRows([]string{"id", "name"}).AddRow("app_1", "GITHUB"))

	queue := newTestQueue(t)
	svc := NewService(db, connectors.NewRegistry(), queue)

	n, err := svc.RequeuePendingEvents(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, n)

	// The dedup key suppresses a second enqueue of the same event.
	mock.ExpectQuery("SELECT (.+) FROM `trigger_events`").
		WillReturnRows(sqlmock.NewRows(
			[]string{"id", "trigger_id", "event_type", "status", "received_at"}).
			AddRow("evt_1", "tr_1", "opened", "pending", received))
	mock.ExpectQuery("SELECT (.+) FROM `triggers`").
		WillReturnRows(sqlmock.NewRows([]string{"id", "project_id", "app_id"}).
			AddRow("tr_1", "proj_1", "app_1"))
	mock.ExpectQuery("SELECT (.+) FROM `apps`").
		WillReturnRows(sqlmock.NewRows([]string{"id", "name"}).AddRow("app_1", "GITHUB"))

	n, err = svc.RequeuePendingEvents(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, n)

	tasks, total, err := queue.List(context.Background(), 1, 10, nil, nil)
	require.NoError(t, err)
	require.EqualValues(t, 1, total)
	require.Len(t, tasks, 1)
	require.Equal(t, taskqueue.TypeEventDelivery, tasks[0].Type)
}
