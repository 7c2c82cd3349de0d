package trigger

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"

	"github.com/toolgate/core/internal/apperrors"
	"github.com/toolgate/core/internal/models"
	"github.com/toolgate/core/internal/modules/triggers/connectors"
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

func testProject() *models.ProjectModel {
	p := &models.ProjectModel{OrgID: "org_1", Name: "test"}
	p.ID = "proj_1"
	return p
}

func TestWebhookURL(t *testing.T) {
	svc := NewService(nil, nil, nil, connectors.NewRegistry(), "https://api.example.com/")

	require.Equal(t, "https://api.example.com/v1/webhooks/github/tr_1", svc.webhookURL("GITHUB", "tr_1"))
	require.Equal(t, "https://api.example.com/v1/webhooks/google_calendar/tr_2", svc.webhookURL("GOOGLE_CALENDAR", "tr_2"))
}

func TestNewVerificationToken(t *testing.T) {
	a := newVerificationToken()
	b := newVerificationToken()

	require.Len(t, a, 64)
	require.NotEqual(t, a, b)

	_, err := hex.DecodeString(a)
	require.NoError(t, err)
}

func TestToView(t *testing.T) {
	last := time.Now().Add(-time.Minute)
	extID := "hook-99"
	row := &models.TriggerModel{
		ProjectID:         "proj_1",
		LinkedAccountID:   "acc_1",
		TriggerName:       "repo pushes",
		TriggerType:       "push",
		WebhookURL:        "https://api.example.com/v1/webhooks/github/tr_1",
		ExternalWebhookID: &extID,
		VerificationToken: "secret-token",
		Status:            models.TriggerActive,
		LastTriggeredAt:   &last,
		App:               &models.AppModel{Name: "GITHUB"},
	}
	row.ID = "tr_1"

	view := toView(row)
	require.Equal(t, "tr_1", view.ID)
	require.Equal(t, "GITHUB", view.AppName)
	require.Equal(t, &extID, view.ExternalWebhookID)
	require.NotNil(t, view.Config)
	require.Empty(t, view.Config)

	row.App = nil
	require.Empty(t, toView(row).AppName)
}

func TestVerificationTokenOnlyInCreatedView(t *testing.T) {
	row := &models.TriggerModel{VerificationToken: "vt-secret", Status: models.TriggerActive}
	row.ID = "tr_1"

	plain, err := json.Marshal(toView(row))
	require.NoError(t, err)
	require.NotContains(t, string(plain), "vt-secret")

	created, err := json.Marshal(&CreatedView{View: toView(row), VerificationToken: row.VerificationToken})
	require.NoError(t, err)
	require.Contains(t, string(created), `"verification_token":"vt-secret"`)
}

func TestApplyRegistration(t *testing.T) {
	svc := NewService(nil, nil, nil, connectors.NewRegistry(), "https://api.example.com")

	expiry := time.Now().Add(48 * time.Hour)
	row := &models.TriggerModel{
		Status: models.TriggerError,
		Config: map[string]interface{}{"retry_count": float64(2), "repo_owner": "octo"},
	}
	row.ID = "tr_1"

	svc.applyRegistration(row, connectors.RegistrationResult{
		Success:           true,
		ExternalWebhookID: "hook-42",
		ExpiresAt:         &expiry,
		Metadata:          map[string]interface{}{"webhook_secret": "s3cr3t"},
	})

	require.Equal(t, models.TriggerActive, row.Status)
	require.NotNil(t, row.ExternalWebhookID)
	require.Equal(t, "hook-42", *row.ExternalWebhookID)
	require.Equal(t, &expiry, row.ExpiresAt)
	require.Equal(t, "s3cr3t", row.Config["webhook_secret"])
	require.Equal(t, "octo", row.Config["repo_owner"])
	require.Zero(t, row.RetryCount())
}

func TestApplyRegistrationInitializesConfig(t *testing.T) {
	svc := NewService(nil, nil, nil, connectors.NewRegistry(), "https://api.example.com")

	row := &models.TriggerModel{}
	svc.applyRegistration(row, connectors.RegistrationResult{
		Success:  true,
		Metadata: map[string]interface{}{"channel_id": "ch_1"},
	})

	require.Equal(t, "ch_1", row.Config["channel_id"])
}

func TestGetUnknownTriggerNotFound(t *testing.T) {
	db, mock := newMockDB(t)
	mock.ExpectQuery("SELECT (.+) FROM `triggers`").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	svc := NewService(db, nil, nil, connectors.NewRegistry(), "https://api.example.com")

	_, err := svc.Get(context.Background(), testProject(), "tr_missing")
	require.ErrorIs(t, err, apperrors.ErrTriggerNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateRejectsUnknownStatus(t *testing.T) {
	db, mock := newMockDB(t)
	rows := sqlmock.NewRows([]string{"id", "project_id", "app_id", "linked_account_id", "status"}).
		AddRow("tr_1", "proj_1", "app_1", "acc_1", "active")
	mock.ExpectQuery("SELECT (.+) FROM `triggers`").WillReturnRows(rows)
	mock.ExpectQuery("SELECT (.+) FROM `apps`").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectQuery("SELECT (.+) FROM `linked_accounts`").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	svc := NewService(db, nil, nil, connectors.NewRegistry(), "https://api.example.com")

	bogus := models.TriggerStatus("sleeping")
	_, err := svc.Update(context.Background(), testProject(), "tr_1", &UpdateRequest{Status: &bogus})
	require.ErrorIs(t, err, apperrors.ErrValidation)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestHealthReportsExpiredTrigger(t *testing.T) {
	db, mock := newMockDB(t)
	expired := time.Now().Add(-time.Hour)
	rows := sqlmock.NewRows([]string{"id", "project_id", "app_id", "linked_account_id", "status", "expires_at"}).
		AddRow("tr_1", "proj_1", "app_1", "acc_1", "active", expired)
	mock.ExpectQuery("SELECT (.+) FROM `triggers`").WillReturnRows(rows)
	mock.ExpectQuery("SELECT (.+) FROM `apps`").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectQuery("SELECT (.+) FROM `linked_accounts`").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	svc := NewService(db, nil, nil, connectors.NewRegistry(), "https://api.example.com")

	view, err := svc.Health(context.Background(), testProject(), "tr_1")
	require.NoError(t, err)
	require.False(t, view.IsHealthy)
	require.Equal(t, models.TriggerActive, view.Status)
	require.NotEmpty(t, view.ErrorMessage)
}

func TestExpireStale(t *testing.T) {
	db, mock := newMockDB(t)
	mock.ExpectBegin()
	mock.ExpectExec("UPDATE `triggers` SET").
		WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectCommit()

	svc := NewService(db, nil, nil, connectors.NewRegistry(), "https://api.example.com")

	n, err := svc.ExpireStale(context.Background())
	require.NoError(t, err)
	require.EqualValues(t, 3, n)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEventQueryParsesFilters(t *testing.T) {
	gin.SetMode(gin.TestMode)
	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	c.Request = httptest.NewRequest("GET",
		"/?status=pending&event_type=push&since=2026-08-01T00:00:00Z&until=2026-08-02T00:00:00Z&limit=500", nil)

	q, err := eventQuery(c)
	require.NoError(t, err)
	require.Equal(t, "pending", q.Status)
	require.Equal(t, "push", q.EventType)
	require.Equal(t, 100, q.Limit)
	require.Equal(t, time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC), q.Since.UTC())
	require.Equal(t, time.Date(2026, 8, 2, 0, 0, 0, 0, time.UTC), q.Until.UTC())
}

func TestEventQueryRejectsBadTimestamp(t *testing.T) {
	gin.SetMode(gin.TestMode)
	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	c.Request = httptest.NewRequest("GET", "/?since=yesterday", nil)

	_, err := eventQuery(c)
	require.Error(t, err)
}
