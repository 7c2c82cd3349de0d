package connectors

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/toolgate/core/internal/models"
)

var graphBaseURL = "https://graph.microsoft.com/v1.0"

// graphSubscriptionTTL is just under the Graph maximum for calendar
// resources (4230 minutes).
const graphSubscriptionTTL = 4230 * time.Minute

// MicrosoftCalendar subscribes to Graph change notifications for calendar
// events. Subscriptions expire within days and support an explicit renewal
// call. Deliveries echo the clientState supplied at creation; new
// subscriptions are probed with a validationToken handshake.
type MicrosoftCalendar struct {
	client
}

// changeType narrows the subscription to the requested mutation kinds.
func changeType(triggerType string) string {
	switch {
	case strings.Contains(triggerType, "created"):
		return "created"
	case strings.Contains(triggerType, "updated"):
		return "updated"
	case strings.Contains(triggerType, "deleted"):
		return "deleted"
	default:
		return "created,updated,deleted"
	}
}

func (m *MicrosoftCalendar) Register(ctx context.Context, trigger *models.TriggerModel, token string) RegistrationResult {
	expiresAt := time.Now().Add(graphSubscriptionTTL).UTC()

	status, raw, err := m.postJSON(ctx, http.MethodPost, graphBaseURL+"/subscriptions", bearer(token), map[string]interface{}{
		"changeType":         changeType(trigger.TriggerType),
		"notificationUrl":    trigger.WebhookURL,
		"resource":           "/me/events",
		"expirationDateTime": expiresAt.Format(time.RFC3339),
		"clientState":        trigger.VerificationToken,
	})
	if err != nil {
		return registrationFailure("graph subscription: %v", err)
	}
	if status != http.StatusCreated {
		return registrationFailure("graph subscription failed with status %d: %s", status, raw)
	}

	var sub struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(raw, &sub); err != nil || sub.ID == "" {
		return registrationFailure("graph subscription id not returned")
	}

	m.logger.Info("graph subscription created",
		zap.String("trigger_id", trigger.ID),
		zap.String("subscription_id", sub.ID))

	return RegistrationResult{
		Success:           true,
		ExternalWebhookID: sub.ID,
		WebhookURL:        trigger.WebhookURL,
		ExpiresAt:         &expiresAt,
	}
}

// Renew extends the existing subscription in place instead of re-creating
// it, keeping the subscription id stable.
func (m *MicrosoftCalendar) Renew(ctx context.Context, trigger *models.TriggerModel, token string) RegistrationResult {
	if trigger.ExternalWebhookID == nil || *trigger.ExternalWebhookID == "" {
		return m.Register(ctx, trigger, token)
	}

	expiresAt := time.Now().Add(graphSubscriptionTTL).UTC()
	url := graphBaseURL + "/subscriptions/" + *trigger.ExternalWebhookID
	status, raw, err := m.postJSON(ctx, http.MethodPatch, url, bearer(token), map[string]interface{}{
		"expirationDateTime": expiresAt.Format(time.RFC3339),
	})
	if err != nil {
		return registrationFailure("graph subscription renewal: %v", err)
	}
	if status == http.StatusNotFound {
		// Subscription already reaped by Graph; start over.
		return m.Register(ctx, trigger, token)
	}
	if status != http.StatusOK {
		return registrationFailure("graph subscription renewal failed with status %d: %s", status, raw)
	}

	m.logger.Info("graph subscription renewed",
		zap.String("trigger_id", trigger.ID),
		zap.String("subscription_id", *trigger.ExternalWebhookID))

	return RegistrationResult{
		Success:           true,
		ExternalWebhookID: *trigger.ExternalWebhookID,
		WebhookURL:        trigger.WebhookURL,
		ExpiresAt:         &expiresAt,
	}
}

func (m *MicrosoftCalendar) Unregister(ctx context.Context, trigger *models.TriggerModel, token string) bool {
	if trigger.ExternalWebhookID == nil || *trigger.ExternalWebhookID == "" {
		return true
	}

	url := graphBaseURL + "/subscriptions/" + *trigger.ExternalWebhookID
	status, raw, err := m.do(ctx, http.MethodDelete, url, bearer(token))
	if err != nil {
		m.logger.Warn("graph subscription deletion failed", zap.String("trigger_id", trigger.ID), zap.Error(err))
		return false
	}
	if status == http.StatusNoContent || status == http.StatusNotFound {
		return true
	}
	m.logger.Warn("graph subscription deletion failed",
		zap.String("trigger_id", trigger.ID),
		zap.Int("status", status),
		zap.ByteString("response", raw))
	return false
}

// Verify accepts the validationToken handshake unconditionally and checks
// change notifications by comparing clientState to the stored token in
// constant time.
func (m *MicrosoftCalendar) Verify(r *http.Request, body []byte, trigger *models.TriggerModel) VerificationResult {
	if r.URL.Query().Get("validationToken") != "" {
		return validDelivery
	}

	var payload struct {
		ValidationToken string `json:"validationToken"`
		Value           []struct {
			ClientState string `json:"clientState"`
		} `json:"value"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return invalidDelivery("unreadable notification body")
	}
	if payload.ValidationToken != "" {
		return validDelivery
	}
	if len(payload.Value) == 0 {
		return invalidDelivery("unknown notification format")
	}
	if !equalToken(payload.Value[0].ClientState, trigger.VerificationToken) {
		return invalidDelivery("invalid clientState")
	}
	return validDelivery
}

// Parse maps a change notification batch; Graph batches share one envelope,
// and the first entry names the change. Validation handshakes map to a
// dedicated type the receiver answers without enqueueing.
func (m *MicrosoftCalendar) Parse(payload map[string]interface{}) ParsedEvent {
	if token := payloadString(payload, "validationToken"); token != "" {
		return ParsedEvent{
			EventType: "calendar.validation",
			EventData: map[string]interface{}{"validationToken": token},
			Timestamp: time.Now().UTC(),
		}
	}

	values, _ := payload["value"].([]interface{})
	if len(values) == 0 {
		return ParsedEvent{
			EventType: "calendar.unknown",
			EventData: payload,
			Timestamp: time.Now().UTC(),
		}
	}

	notification, _ := values[0].(map[string]interface{})
	change := payloadString(notification, "changeType")
	subscriptionID := payloadString(notification, "subscriptionId")
	resourceData := payloadMap(notification, "resourceData")
	resourceID := payloadString(resourceData, "id")

	eventType := "calendar.event.changed"
	switch change {
	case "created":
		eventType = "calendar.event.created"
	case "updated":
		eventType = "calendar.event.updated"
	case "deleted":
		eventType = "calendar.event.deleted"
	}

	externalID := ""
	if subscriptionID != "" && resourceID != "" {
		externalID = subscriptionID + "_" + resourceID
	}

	return ParsedEvent{
		EventType: eventType,
		EventData: map[string]interface{}{
			"subscriptionId": subscriptionID,
			"changeType":     change,
			"resource":       payloadString(notification, "resource"),
			"resourceData":   resourceData,
		},
		ExternalEventID: externalID,
		Timestamp:       time.Now().UTC(),
	}
}
