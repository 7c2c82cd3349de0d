package connectors

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/toolgate/core/internal/models"
)

var calendarAPIBase = "https://www.googleapis.com/calendar/v3"

// googleChannelTTL is the longest watch lifetime Calendar grants before the
// channel must be re-registered.
const googleChannelTTL = 7 * 24 * time.Hour

// GoogleCalendar registers push notification channels on a calendar. Each
// registration mints a fresh channel id; notifications carry the trigger's
// token in X-Goog-Channel-Token and describe the change entirely in headers.
type GoogleCalendar struct {
	client
}

func (g *GoogleCalendar) Register(ctx context.Context, trigger *models.TriggerModel, token string) RegistrationResult {
	calendarID := trigger.ConfigString("calendar_id")
	if calendarID == "" {
		calendarID = "primary"
	}

	channelID := uuid.New().String()
	expiresAt := time.Now().Add(googleChannelTTL).UTC()

	url := fmt.Sprintf("%s/calendars/%s/events/watch", calendarAPIBase, calendarID)
	status, raw, err := g.postJSON(ctx, http.MethodPost, url, bearer(token), map[string]interface{}{
		"id":         channelID,
		"type":       "web_hook",
		"address":    trigger.WebhookURL,
		"token":      trigger.VerificationToken,
		"expiration": expiresAt.UnixMilli(),
	})
	if err != nil {
		return registrationFailure("google calendar watch: %v", err)
	}
	if status != http.StatusOK {
		return registrationFailure("google calendar watch failed with status %d: %s", status, raw)
	}

	var channel struct {
		ResourceID string `json:"resourceId"`
	}
	_ = json.Unmarshal(raw, &channel)

	g.logger.Info("google calendar channel registered",
		zap.String("trigger_id", trigger.ID),
		zap.String("channel_id", channelID),
		zap.String("resource_id", channel.ResourceID))

	return RegistrationResult{
		Success:           true,
		ExternalWebhookID: channelID,
		WebhookURL:        trigger.WebhookURL,
		ExpiresAt:         &expiresAt,
		Metadata:          map[string]interface{}{"resource_id": channel.ResourceID},
	}
}

func (g *GoogleCalendar) Unregister(ctx context.Context, trigger *models.TriggerModel, token string) bool {
	if trigger.ExternalWebhookID == nil || *trigger.ExternalWebhookID == "" {
		return true
	}

	status, raw, err := g.postJSON(ctx, http.MethodPost, calendarAPIBase+"/channels/stop", bearer(token), map[string]interface{}{
		"id":         *trigger.ExternalWebhookID,
		"resourceId": trigger.ConfigString("resource_id"),
	})
	if err != nil {
		g.logger.Warn("google calendar channel stop failed", zap.String("trigger_id", trigger.ID), zap.Error(err))
		return false
	}
	if status == http.StatusOK || status == http.StatusNoContent || status == http.StatusNotFound {
		return true
	}
	g.logger.Warn("google calendar channel stop failed",
		zap.String("trigger_id", trigger.ID),
		zap.Int("status", status),
		zap.ByteString("response", raw))
	return false
}

// Verify echoes X-Goog-Channel-Token against the stored verification token in
// constant time.
func (g *GoogleCalendar) Verify(r *http.Request, body []byte, trigger *models.TriggerModel) VerificationResult {
	token := r.Header.Get("X-Goog-Channel-Token")
	if token == "" {
		return invalidDelivery("missing X-Goog-Channel-Token header")
	}
	if !equalToken(token, trigger.VerificationToken) {
		return invalidDelivery("invalid channel token")
	}
	return validDelivery
}

// Parse maps a notification. Calendar pushes have empty bodies; the receiver
// lifts the X-Goog-* headers into the payload map, and the resource state
// selects the event type. Event detail requires a follow-up API read.
func (g *GoogleCalendar) Parse(payload map[string]interface{}) ParsedEvent {
	state := payloadString(payload, "X-Goog-Resource-State")
	resourceID := payloadString(payload, "X-Goog-Resource-ID")
	messageNumber := payloadString(payload, "X-Goog-Message-Number")

	eventType := "calendar.event.changed"
	switch state {
	case "sync":
		eventType = "calendar.sync"
	case "exists":
		eventType = "calendar.event.updated"
	case "not_exists":
		eventType = "calendar.event.deleted"
	}

	externalID := ""
	if resourceID != "" && messageNumber != "" {
		externalID = resourceID + "_" + messageNumber
	}

	return ParsedEvent{
		EventType: eventType,
		EventData: map[string]interface{}{
			"resource_state": state,
			"resource_id":    resourceID,
			"resource_uri":   payloadString(payload, "X-Goog-Resource-URI"),
			"channel_id":     payloadString(payload, "X-Goog-Channel-ID"),
			"message_number": messageNumber,
		},
		ExternalEventID: externalID,
		Timestamp:       time.Now().UTC(),
	}
}
