package connectors

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/toolgate/core/internal/models"
)

// Slack covers the Events API. Subscriptions are app-level configuration in
// the Slack UI with no management API, so registration hands back setup
// instructions. Deliveries are signed with the app signing secret over
// "v0:{timestamp}:{body}" and carry a unix timestamp for replay protection.
type Slack struct {
	client
}

func (s *Slack) Register(ctx context.Context, trigger *models.TriggerModel, token string) RegistrationResult {
	s.logger.Info("slack events subscription requires manual configuration",
		zap.String("trigger_id", trigger.ID),
		zap.String("trigger_type", trigger.TriggerType))

	instructions := fmt.Sprintf(
		"Add this request URL under your Slack app's Event Subscriptions "+
			"(https://api.slack.com/apps -> Event Subscriptions): %s. "+
			"Subscribe to the %q event and save. Slack verifies the URL with a "+
			"url_verification challenge, which this endpoint answers automatically.",
		trigger.WebhookURL, trigger.TriggerType)

	return RegistrationResult{
		Success:           true,
		ExternalWebhookID: ManualSetupID,
		WebhookURL:        trigger.WebhookURL,
		Metadata:          map[string]interface{}{"setup_instructions": instructions},
	}
}

func (s *Slack) Unregister(ctx context.Context, trigger *models.TriggerModel, token string) bool {
	s.logger.Info("slack events unsubscription requires manual action",
		zap.String("trigger_id", trigger.ID))
	return true
}

// Verify checks X-Slack-Signature ("v0=" hex HMAC of "v0:{ts}:{body}") and
// the request timestamp's replay window. Both failures answer identically.
func (s *Slack) Verify(r *http.Request, body []byte, trigger *models.TriggerModel) VerificationResult {
	presented := r.Header.Get("X-Slack-Signature")
	ts := r.Header.Get("X-Slack-Request-Timestamp")
	if presented == "" || ts == "" {
		return invalidDelivery("missing X-Slack-Signature or X-Slack-Request-Timestamp header")
	}
	secret := trigger.ConfigString("signing_secret")
	if secret == "" {
		return invalidDelivery("signing secret not configured")
	}

	base := "v0:" + ts + ":" + string(body)
	if !equalDigest(presented, "v0="+hmacHex(secret, []byte(base))) {
		return invalidDelivery("invalid signature")
	}
	if !withinReplayWindow(ts, time.Now()) {
		return invalidDelivery("timestamp outside replay window")
	}
	return validDelivery
}

// Parse maps an event_callback envelope: the inner event type, the Ev* event
// id, and the unix event_time.
func (s *Slack) Parse(payload map[string]interface{}) ParsedEvent {
	event := payloadMap(payload, "event")

	eventType := payloadString(event, "type")
	if eventType == "" {
		eventType = payloadString(payload, "type")
	}

	ts := time.Now().UTC()
	if eventTime, ok := payload["event_time"].(float64); ok {
		ts = time.Unix(int64(eventTime), 0).UTC()
	}

	return ParsedEvent{
		EventType:       eventType,
		EventData:       payload,
		ExternalEventID: payloadString(payload, "event_id"),
		Timestamp:       ts,
	}
}
