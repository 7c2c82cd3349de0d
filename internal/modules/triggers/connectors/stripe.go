package connectors

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/toolgate/core/internal/models"
)

var stripeBaseURL = "https://api.stripe.com"

// Stripe manages webhook endpoints over the REST API, which is form-encoded
// throughout. The endpoint signing secret is only returned at creation, so it
// is persisted into the trigger config for verification. Stripe-Signature
// carries a timestamp and one or more v1 candidates; any matching candidate
// passes, and the timestamp must sit within the replay window.
type Stripe struct {
	client
}

// postForm sends a form-encoded request the way every Stripe endpoint
// expects.
func (s *Stripe) postForm(ctx context.Context, method, endpoint, token string, form url.Values) (int, []byte, error) {
	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	resp, err := s.http.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, err
	}
	return resp.StatusCode, raw, nil
}

func (s *Stripe) Register(ctx context.Context, trigger *models.TriggerModel, token string) RegistrationResult {
	form := url.Values{}
	form.Set("url", trigger.WebhookURL)
	form.Add("enabled_events[]", trigger.TriggerType)
	if desc := trigger.ConfigString("description"); desc != "" {
		form.Set("description", desc)
	}

	status, raw, err := s.postForm(ctx, http.MethodPost, stripeBaseURL+"/v1/webhook_endpoints", token, form)
	if err != nil {
		return registrationFailure("stripe endpoint creation: %v", err)
	}
	if status != http.StatusOK {
		return registrationFailure("stripe endpoint creation failed with status %d: %s", status, raw)
	}

	var created struct {
		ID     string `json:"id"`
		URL    string `json:"url"`
		Secret string `json:"secret"`
	}
	if err := json.Unmarshal(raw, &created); err != nil || created.ID == "" {
		return registrationFailure("stripe endpoint id not returned")
	}

	s.logger.Info("stripe webhook registered",
		zap.String("trigger_id", trigger.ID),
		zap.String("endpoint_id", created.ID),
		zap.String("event_type", trigger.TriggerType))

	return RegistrationResult{
		Success:           true,
		ExternalWebhookID: created.ID,
		WebhookURL:        created.URL,
		Metadata:          map[string]interface{}{"signing_secret": created.Secret},
	}
}

func (s *Stripe) Unregister(ctx context.Context, trigger *models.TriggerModel, token string) bool {
	if trigger.ExternalWebhookID == nil || *trigger.ExternalWebhookID == "" {
		return true
	}

	endpoint := fmt.Sprintf("%s/v1/webhook_endpoints/%s", stripeBaseURL, *trigger.ExternalWebhookID)
	status, raw, err := s.postForm(ctx, http.MethodDelete, endpoint, token, nil)
	if err != nil {
		s.logger.Warn("stripe endpoint deletion failed", zap.String("trigger_id", trigger.ID), zap.Error(err))
		return false
	}
	if status == http.StatusOK || status == http.StatusNotFound {
		return true
	}
	s.logger.Warn("stripe endpoint deletion failed",
		zap.String("trigger_id", trigger.ID),
		zap.Int("status", status),
		zap.ByteString("response", raw))
	return false
}

// Verify parses Stripe-Signature ("t=<ts>,v1=<sig>[,v1=<sig>...]"), computes
// HMAC-SHA256(secret, ts+"."+body), and accepts when any v1 candidate matches
// and the timestamp sits within the replay window.
func (s *Stripe) Verify(r *http.Request, body []byte, trigger *models.TriggerModel) VerificationResult {
	header := r.Header.Get("Stripe-Signature")
	if header == "" {
		return invalidDelivery("missing Stripe-Signature header")
	}
	secret := trigger.ConfigString("signing_secret")
	if secret == "" {
		return invalidDelivery("signing secret not configured")
	}

	ts, candidates := parseStripeSignature(header)
	if ts == "" || len(candidates) == 0 {
		return invalidDelivery("malformed Stripe-Signature header")
	}

	expected := hmacHex(secret, []byte(ts+"."+string(body)))
	matched := false
	for _, candidate := range candidates {
		if equalDigest(candidate, expected) {
			matched = true
		}
	}
	if !matched {
		return invalidDelivery("invalid signature")
	}
	if !withinReplayWindow(ts, time.Now()) {
		return invalidDelivery("timestamp outside replay window")
	}
	return validDelivery
}

// parseStripeSignature splits the signature header into its timestamp and
// every v1 candidate. Unknown schemes are ignored per Stripe's guidance.
func parseStripeSignature(header string) (ts string, candidates []string) {
	for _, part := range strings.Split(header, ",") {
		kv := strings.SplitN(strings.TrimSpace(part), "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch kv[0] {
		case "t":
			ts = kv[1]
		case "v1":
			candidates = append(candidates, kv[1])
		}
	}
	return ts, candidates
}

// Parse maps a Stripe event envelope: evt_* id, dotted type, unix created.
func (s *Stripe) Parse(payload map[string]interface{}) ParsedEvent {
	ts := time.Now().UTC()
	if created, ok := payload["created"].(float64); ok {
		ts = time.Unix(int64(created), 0).UTC()
	}

	return ParsedEvent{
		EventType:       payloadString(payload, "type"),
		EventData:       payload,
		ExternalEventID: payloadString(payload, "id"),
		Timestamp:       ts,
	}
}
