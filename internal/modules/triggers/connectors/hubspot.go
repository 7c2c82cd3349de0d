package connectors

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/toolgate/core/internal/models"
)

var hubspotBaseURL = "https://api.hubapi.com"

// HubSpot manages CRM event subscriptions through the Webhooks v3 API.
// Subscriptions are scoped to a developer app id carried in the trigger
// config. Deliveries are signed with the client secret: v1 hashes
// secret+method+uri+body, v2 appends a timestamp and enforces a replay
// window.
type HubSpot struct {
	client
}

func (h *HubSpot) appID(trigger *models.TriggerModel) (string, error) {
	id := trigger.ConfigString("app_id")
	if id == "" {
		return "", fmt.Errorf("hubspot app_id required in trigger config")
	}
	return id, nil
}

func (h *HubSpot) Register(ctx context.Context, trigger *models.TriggerModel, token string) RegistrationResult {
	appID, err := h.appID(trigger)
	if err != nil {
		return registrationFailure("%v", err)
	}

	subscription := map[string]interface{}{
		"eventType": trigger.TriggerType,
		"active":    true,
	}
	if strings.Contains(trigger.TriggerType, "propertyChange") {
		property := trigger.ConfigString("property_name")
		if property == "" {
			return registrationFailure("property_name is required for %s", trigger.TriggerType)
		}
		subscription["propertyName"] = property
	}

	url := fmt.Sprintf("%s/webhooks/v3/%s/subscriptions", hubspotBaseURL, appID)
	status, raw, err := h.postJSON(ctx, http.MethodPost, url, bearer(token), subscription)
	if err != nil {
		return registrationFailure("hubspot subscription: %v", err)
	}
	if status != http.StatusCreated {
		return registrationFailure("hubspot subscription failed with status %d: %s", status, raw)
	}

	var created struct {
		ID json.Number `json:"id"`
	}
	if err := json.Unmarshal(raw, &created); err != nil || created.ID.String() == "" {
		return registrationFailure("hubspot subscription id not returned")
	}

	h.logger.Info("hubspot webhook registered",
		zap.String("trigger_id", trigger.ID),
		zap.String("subscription_id", created.ID.String()),
		zap.String("event_type", trigger.TriggerType))

	return RegistrationResult{
		Success:           true,
		ExternalWebhookID: created.ID.String(),
		WebhookURL:        trigger.WebhookURL,
	}
}

func (h *HubSpot) Unregister(ctx context.Context, trigger *models.TriggerModel, token string) bool {
	if trigger.ExternalWebhookID == nil || *trigger.ExternalWebhookID == "" {
		return true
	}
	appID, err := h.appID(trigger)
	if err != nil {
		h.logger.Warn("hubspot unregister skipped", zap.String("trigger_id", trigger.ID), zap.Error(err))
		return false
	}

	url := fmt.Sprintf("%s/webhooks/v3/%s/subscriptions/%s", hubspotBaseURL, appID, *trigger.ExternalWebhookID)
	status, raw, err := h.do(ctx, http.MethodDelete, url, bearer(token))
	if err != nil {
		h.logger.Warn("hubspot subscription deletion failed", zap.String("trigger_id", trigger.ID), zap.Error(err))
		return false
	}
	if status == http.StatusNoContent || status == http.StatusNotFound {
		return true
	}
	h.logger.Warn("hubspot subscription deletion failed",
		zap.String("trigger_id", trigger.ID),
		zap.Int("status", status),
		zap.ByteString("response", raw))
	return false
}

// Verify validates X-HubSpot-Signature. The version header selects the
// scheme: v1 is sha256(secret+method+uri+body); v2 appends the request
// timestamp and rejects deliveries outside the replay window.
func (h *HubSpot) Verify(r *http.Request, body []byte, trigger *models.TriggerModel) VerificationResult {
	presented := r.Header.Get("X-HubSpot-Signature")
	if presented == "" {
		return invalidDelivery("missing X-HubSpot-Signature header")
	}
	secret := trigger.VerificationToken
	if secret == "" {
		return invalidDelivery("verification secret not configured")
	}

	version := r.Header.Get("X-HubSpot-Signature-Version")
	if version == "" {
		version = "v1"
	}

	uri := requestURL(r)
	switch version {
	case "v1":
		source := secret + r.Method + uri + string(body)
		if !equalDigest(presented, sha256Hex([]byte(source))) {
			return invalidDelivery("invalid signature")
		}
		return validDelivery

	case "v2":
		ts := r.Header.Get("X-HubSpot-Request-Timestamp")
		if ts == "" {
			return invalidDelivery("missing X-HubSpot-Request-Timestamp header")
		}
		source := secret + r.Method + uri + string(body) + ts
		if !equalDigest(presented, sha256Hex([]byte(source))) {
			return invalidDelivery("invalid signature")
		}
		// HubSpot v2 timestamps are millisecond precision.
		if !withinReplayWindow(millisToSeconds(ts), time.Now()) {
			return invalidDelivery("timestamp outside replay window")
		}
		return validDelivery

	default:
		return invalidDelivery("unsupported signature version " + version)
	}
}

// millisToSeconds truncates a millisecond unix string to seconds. Strings
// already in seconds pass through.
func millisToSeconds(ts string) string {
	if len(ts) > 10 {
		return ts[:len(ts)-3]
	}
	return ts
}

// Parse maps a HubSpot subscription event: eventType, numeric eventId, and a
// millisecond occurredAt.
func (h *HubSpot) Parse(payload map[string]interface{}) ParsedEvent {
	ts := time.Now().UTC()
	if occurred, ok := payload["occurredAt"].(float64); ok {
		ts = time.UnixMilli(int64(occurred)).UTC()
	}

	return ParsedEvent{
		EventType:       payloadString(payload, "eventType"),
		EventData:       payload,
		ExternalEventID: payloadID(payload, "eventId"),
		Timestamp:       ts,
	}
}
