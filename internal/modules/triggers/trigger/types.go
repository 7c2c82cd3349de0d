package trigger

import (
	"time"

	"github.com/toolgate/core/internal/models"
)

// CreateRequest is the body of POST /triggers.
type CreateRequest struct {
	AppName     string                 `json:"app_name" binding:"required"`
	OwnerID     string                 `json:"linked_account_owner_id" binding:"required"`
	TriggerName string                 `json:"trigger_name" binding:"required"`
	TriggerType string                 `json:"trigger_type" binding:"required"`
	Description string                 `json:"description"`
	Config      map[string]interface{} `json:"config"`
	ExpiresAt   *time.Time             `json:"expires_at"`
}

// UpdateRequest is the body of PATCH /triggers/:id. Nil fields are left
// untouched.
type UpdateRequest struct {
	Status      *models.TriggerStatus  `json:"status"`
	Config      map[string]interface{} `json:"config"`
	Description *string                `json:"description"`
}

// View is the client-facing trigger shape. The verification token is absent;
// it is returned once at creation and through the reveal endpoint.
type View struct {
	ID                string                 `json:"id"`
	ProjectID         string                 `json:"project_id"`
	AppName           string                 `json:"app_name"`
	LinkedAccountID   string                 `json:"linked_account_id"`
	TriggerName       string                 `json:"trigger_name"`
	TriggerType       string                 `json:"trigger_type"`
	Description       string                 `json:"description,omitempty"`
	WebhookURL        string                 `json:"webhook_url"`
	ExternalWebhookID *string                `json:"external_webhook_id,omitempty"`
	Config            map[string]interface{} `json:"config"`
	Status            models.TriggerStatus   `json:"status"`
	LastTriggeredAt   *time.Time             `json:"last_triggered_at,omitempty"`
	ExpiresAt         *time.Time             `json:"expires_at,omitempty"`
	Created           time.Time              `json:"created"`
	Modified          time.Time              `json:"modified"`
}

// CreatedView extends View with the verification token, returned exactly once
// from the create call so manual-setup providers can be configured.
type CreatedView struct {
	View
	VerificationToken string `json:"verification_token"`
}

func toView(row *models.TriggerModel) View {
	appName := ""
	if row.App != nil {
		appName = row.App.Name
	}
	config := row.Config
	if config == nil {
		config = map[string]interface{}{}
	}
	return View{
		ID:                row.ID,
		ProjectID:         row.ProjectID,
		AppName:           appName,
		LinkedAccountID:   row.LinkedAccountID,
		TriggerName:       row.TriggerName,
		TriggerType:       row.TriggerType,
		Description:       row.Description,
		WebhookURL:        row.WebhookURL,
		ExternalWebhookID: row.ExternalWebhookID,
		Config:            config,
		Status:            row.Status,
		LastTriggeredAt:   row.LastTriggeredAt,
		ExpiresAt:         row.ExpiresAt,
		Created:           row.CreatedAt,
		Modified:          row.UpdatedAt,
	}
}

// EventView is the client-facing trigger event shape.
type EventView struct {
	ID              string                    `json:"id"`
	TriggerID       string                    `json:"trigger_id"`
	EventType       string                    `json:"event_type"`
	ExternalEventID *string                   `json:"external_event_id,omitempty"`
	EventData       map[string]interface{}    `json:"event_data"`
	Status          models.TriggerEventStatus `json:"status"`
	ErrorMessage    string                    `json:"error_message,omitempty"`
	ReceivedAt      time.Time                 `json:"received_at"`
	ProcessedAt     *time.Time                `json:"processed_at,omitempty"`
	DeliveredAt     *time.Time                `json:"delivered_at,omitempty"`
	ExpiresAt       time.Time                 `json:"expires_at"`
}

func toEventView(row *models.TriggerEventModel) EventView {
	return EventView{
		ID:              row.ID,
		TriggerID:       row.TriggerID,
		EventType:       row.EventType,
		ExternalEventID: row.ExternalEventID,
		EventData:       row.EventData,
		Status:          row.Status,
		ErrorMessage:    row.ErrorMessage,
		ReceivedAt:      row.ReceivedAt,
		ProcessedAt:     row.ProcessedAt,
		DeliveredAt:     row.DeliveredAt,
		ExpiresAt:       row.ExpiresAt,
	}
}

// EventQuery holds the filter and cursor parameters of the event listings.
type EventQuery struct {
	TriggerID string
	Status    string
	EventType string
	Since     *time.Time
	Until     *time.Time
	Cursor    string
	Limit     int
}

// HealthView reports whether a trigger can still receive events.
type HealthView struct {
	TriggerID       string               `json:"trigger_id"`
	IsHealthy       bool                 `json:"is_healthy"`
	Status          models.TriggerStatus `json:"status"`
	LastTriggeredAt *time.Time           `json:"last_triggered_at,omitempty"`
	ExpiresAt       *time.Time           `json:"expires_at,omitempty"`
	ErrorMessage    string               `json:"error_message,omitempty"`
}

// StatsView aggregates event counts for one trigger.
type StatsView struct {
	TriggerID       string     `json:"trigger_id"`
	TotalEvents     int64      `json:"total_events"`
	PendingEvents   int64      `json:"pending_events"`
	DeliveredEvents int64      `json:"delivered_events"`
	FailedEvents    int64      `json:"failed_events"`
	LastEventAt     *time.Time `json:"last_event_at,omitempty"`
}

// SweepStats is the outcome tuple the background loops report.
type SweepStats struct {
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
}
