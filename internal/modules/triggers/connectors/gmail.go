package connectors

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/toolgate/core/internal/models"
)

var gmailAPIBase = "https://gmail.googleapis.com/gmail/v1"

// defaultPubSubTopic receives mailbox notifications when a trigger does not
// name its own topic. The push subscription on the topic targets the webhook
// URL.
const defaultPubSubTopic = "projects/toolgate/topics/gmail-notifications"

// Gmail registers a mailbox watch: the Gmail API publishes change
// notifications to a Pub/Sub topic whose push subscription posts to the
// webhook URL. Pushes authenticate with a Google-signed OIDC bearer token;
// a trigger-token echo is accepted for subscriptions configured without OIDC.
type Gmail struct {
	client

	once sync.Once
	oidc *oidcVerifier
}

func (g *Gmail) verifier() *oidcVerifier {
	g.once.Do(func() { g.oidc = newOIDCVerifier(g.http) })
	return g.oidc
}

// watchLabels maps a trigger type onto the Gmail label ids to watch.
func watchLabels(triggerType string) []string {
	switch triggerType {
	case "message.sent":
		return []string{"SENT"}
	case "label.added":
		return []string{"INBOX", "STARRED", "IMPORTANT"}
	default:
		return []string{"INBOX"}
	}
}

func (g *Gmail) Register(ctx context.Context, trigger *models.TriggerModel, token string) RegistrationResult {
	topic := trigger.ConfigString("pubsub_topic")
	if topic == "" {
		topic = defaultPubSubTopic
	}
	labels := watchLabels(trigger.TriggerType)

	status, raw, err := g.postJSON(ctx, http.MethodPost, gmailAPIBase+"/users/me/watch", bearer(token), map[string]interface{}{
		"topicName":           topic,
		"labelIds":            labels,
		"labelFilterBehavior": "INCLUDE",
	})
	if err != nil {
		return registrationFailure("gmail watch: %v", err)
	}
	if status != http.StatusOK {
		return registrationFailure("gmail watch failed with status %d: %s", status, raw)
	}

	var watch struct {
		HistoryID  json.Number `json:"historyId"`
		Expiration json.Number `json:"expiration"`
	}
	if err := json.Unmarshal(raw, &watch); err != nil || watch.HistoryID.String() == "" {
		return registrationFailure("gmail watch history id not returned")
	}

	var expiresAt *time.Time
	if millis, err := watch.Expiration.Int64(); err == nil && millis > 0 {
		t := time.UnixMilli(millis).UTC()
		expiresAt = &t
	}

	g.logger.Info("gmail watch registered",
		zap.String("trigger_id", trigger.ID),
		zap.String("history_id", watch.HistoryID.String()),
		zap.String("topic", topic))

	return RegistrationResult{
		Success:           true,
		ExternalWebhookID: watch.HistoryID.String(),
		WebhookURL:        trigger.WebhookURL,
		ExpiresAt:         expiresAt,
		Metadata: map[string]interface{}{
			"history_id":   watch.HistoryID.String(),
			"pubsub_topic": topic,
			"label_ids":    labels,
		},
	}
}

// Unregister stops mailbox notifications. The stop call is account-global and
// already-stopped watches answer 404, both of which count as success.
func (g *Gmail) Unregister(ctx context.Context, trigger *models.TriggerModel, token string) bool {
	status, raw, err := g.postJSON(ctx, http.MethodPost, gmailAPIBase+"/users/me/stop", bearer(token), map[string]interface{}{})
	if err != nil {
		g.logger.Warn("gmail watch stop failed", zap.String("trigger_id", trigger.ID), zap.Error(err))
		return false
	}
	if status == http.StatusOK || status == http.StatusNoContent || status == http.StatusNotFound {
		return true
	}
	g.logger.Warn("gmail watch stop failed",
		zap.String("trigger_id", trigger.ID),
		zap.Int("status", status),
		zap.ByteString("response", raw))
	return false
}

// Verify accepts a Google-signed OIDC bearer token on the push (audience is
// the webhook URL) or, for subscriptions configured with a plain token, a
// constant-time echo of the trigger's verification token.
func (g *Gmail) Verify(r *http.Request, body []byte, trigger *models.TriggerModel) VerificationResult {
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		audience := trigger.ConfigString("pubsub_audience")
		if audience == "" {
			audience = trigger.WebhookURL
		}
		if err := g.verifier().VerifyIDToken(strings.TrimPrefix(auth, "Bearer "), audience); err != nil {
			return invalidDelivery("oidc token rejected: " + err.Error())
		}
		return validDelivery
	}

	token := r.URL.Query().Get("token")
	if token == "" {
		token = r.Header.Get("X-Goog-Channel-Token")
	}
	if equalToken(token, trigger.VerificationToken) {
		return validDelivery
	}
	return invalidDelivery("could not verify delivery authenticity")
}

// Parse maps a Pub/Sub push envelope. The message data is base64 JSON with
// the mailbox address and the history id to fetch changes from; the push has
// no per-change detail.
func (g *Gmail) Parse(payload map[string]interface{}) ParsedEvent {
	message := payloadMap(payload, "message")
	messageID := payloadString(message, "messageId")

	notification := map[string]interface{}{}
	if data := payloadString(message, "data"); data != "" {
		if raw, err := base64.StdEncoding.DecodeString(data); err == nil {
			_ = json.Unmarshal(raw, &notification)
		}
	}

	historyID := payloadID(notification, "historyId")
	email := payloadString(notification, "emailAddress")

	ts := parseISOTime(payloadString(message, "publishTime"))
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	return ParsedEvent{
		EventType: "message.received",
		EventData: map[string]interface{}{
			"email_address": email,
			"history_id":    historyID,
			"message_id":    messageID,
			"publish_time":  payloadString(message, "publishTime"),
			"raw_message":   message,
		},
		ExternalEventID: messageID,
		Timestamp:       ts,
	}
}
