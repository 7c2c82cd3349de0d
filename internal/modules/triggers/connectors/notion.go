package connectors

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/toolgate/core/internal/models"
)

// Notion webhooks are configured by hand in the integration portal; there is
// no creation API. Registration hands back setup instructions, and deliveries
// carry a hex HMAC of the raw body in X-Notion-Signature keyed by the
// trigger's verification token.
type Notion struct {
	client
}

func (n *Notion) Register(ctx context.Context, trigger *models.TriggerModel, token string) RegistrationResult {
	n.logger.Info("notion webhook requires manual configuration",
		zap.String("trigger_id", trigger.ID),
		zap.String("trigger_type", trigger.TriggerType))

	instructions := fmt.Sprintf(
		"Open https://www.notion.so/my-integrations, select your integration, "+
			"and add a webhook subscription pointing at %s. When Notion asks for "+
			"verification, paste this token: %s. Then subscribe the %q event type "+
			"and activate the webhook.",
		trigger.WebhookURL, trigger.VerificationToken, trigger.TriggerType)

	return RegistrationResult{
		Success:           true,
		ExternalWebhookID: ManualSetupID,
		WebhookURL:        trigger.WebhookURL,
		Metadata:          map[string]interface{}{"setup_instructions": instructions},
	}
}

func (n *Notion) Unregister(ctx context.Context, trigger *models.TriggerModel, token string) bool {
	n.logger.Info("notion webhook requires manual deletion in the integration portal",
		zap.String("trigger_id", trigger.ID))
	return true
}

// Verify checks X-Notion-Signature (hex, no prefix) against HMAC-SHA256 of
// the raw body keyed by the verification token.
func (n *Notion) Verify(r *http.Request, body []byte, trigger *models.TriggerModel) VerificationResult {
	presented := r.Header.Get("X-Notion-Signature")
	if presented == "" {
		return invalidDelivery("missing X-Notion-Signature header")
	}
	if trigger.VerificationToken == "" {
		return invalidDelivery("verification token not configured")
	}
	if !equalDigest(presented, hmacHex(trigger.VerificationToken, body)) {
		return invalidDelivery("invalid signature")
	}
	return validDelivery
}

// Parse maps a Notion event: a uuid id, a dotted type like
// page.content_updated, and an ISO timestamp.
func (n *Notion) Parse(payload map[string]interface{}) ParsedEvent {
	ts := parseISOTime(payloadString(payload, "timestamp"))
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	return ParsedEvent{
		EventType:       payloadString(payload, "type"),
		EventData:       payload,
		ExternalEventID: payloadString(payload, "id"),
		Timestamp:       ts,
	}
}
