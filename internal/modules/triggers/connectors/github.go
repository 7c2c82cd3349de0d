package connectors

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/toolgate/core/internal/models"
)

var githubBaseURL = "https://api.github.com"

// GitHub manages per-repository webhooks over the REST API. A hook secret is
// generated at registration and stored in the trigger config; deliveries are
// signed with it in X-Hub-Signature-256.
type GitHub struct {
	client
}

func (g *GitHub) repoInfo(trigger *models.TriggerModel) (owner, repo string, err error) {
	owner = trigger.ConfigString("owner")
	repo = trigger.ConfigString("repo")
	if owner == "" || repo == "" {
		return "", "", fmt.Errorf("repository owner and name required in trigger config")
	}
	return owner, repo, nil
}

func (g *GitHub) apiHeaders(token string) map[string]string {
	return map[string]string{
		"Authorization":        "Bearer " + token,
		"Accept":               "application/vnd.github+json",
		"X-GitHub-Api-Version": "2022-11-28",
	}
}

func (g *GitHub) Register(ctx context.Context, trigger *models.TriggerModel, token string) RegistrationResult {
	owner, repo, err := g.repoInfo(trigger)
	if err != nil {
		return registrationFailure("%v", err)
	}

	secret := generateSecret()
	hook := map[string]interface{}{
		"name":   "web",
		"active": true,
		"events": []string{trigger.TriggerType},
		"config": map[string]string{
			"url":          trigger.WebhookURL,
			"content_type": "json",
			"secret":       secret,
			"insecure_ssl": "0",
		},
	}

	url := fmt.Sprintf("%s/repos/%s/%s/hooks", githubBaseURL, owner, repo)
	status, raw, err := g.postJSON(ctx, http.MethodPost, url, g.apiHeaders(token), hook)
	if err != nil {
		return registrationFailure("github hook creation: %v", err)
	}
	if status != http.StatusOK && status != http.StatusCreated {
		return registrationFailure("github hook creation failed with status %d: %s", status, raw)
	}

	var created struct {
		ID  json.Number `json:"id"`
		URL string      `json:"url"`
	}
	if err := json.Unmarshal(raw, &created); err != nil || created.ID.String() == "" {
		return registrationFailure("github hook id not returned")
	}

	g.logger.Info("github webhook registered",
		zap.String("trigger_id", trigger.ID),
		zap.String("hook_id", created.ID.String()),
		zap.String("repo", owner+"/"+repo))

	return RegistrationResult{
		Success:           true,
		ExternalWebhookID: created.ID.String(),
		WebhookURL:        created.URL,
		Metadata:          map[string]interface{}{"webhook_secret": secret},
	}
}

func (g *GitHub) Unregister(ctx context.Context, trigger *models.TriggerModel, token string) bool {
	if trigger.ExternalWebhookID == nil || *trigger.ExternalWebhookID == "" {
		return true
	}
	owner, repo, err := g.repoInfo(trigger)
	if err != nil {
		g.logger.Warn("github unregister skipped", zap.String("trigger_id", trigger.ID), zap.Error(err))
		return false
	}

	url := fmt.Sprintf("%s/repos/%s/%s/hooks/%s", githubBaseURL, owner, repo, *trigger.ExternalWebhookID)
	status, raw, err := g.do(ctx, http.MethodDelete, url, g.apiHeaders(token))
	if err != nil {
		g.logger.Warn("github hook deletion failed", zap.String("trigger_id", trigger.ID), zap.Error(err))
		return false
	}
	if status == http.StatusNoContent || status == http.StatusNotFound {
		return true
	}
	g.logger.Warn("github hook deletion failed",
		zap.String("trigger_id", trigger.ID),
		zap.Int("status", status),
		zap.ByteString("response", raw))
	return false
}

// Verify checks X-Hub-Signature-256 against HMAC-SHA256 of the raw body keyed
// by the hook secret from registration.
func (g *GitHub) Verify(r *http.Request, body []byte, trigger *models.TriggerModel) VerificationResult {
	presented := r.Header.Get("X-Hub-Signature-256")
	if presented == "" {
		return invalidDelivery("missing X-Hub-Signature-256 header")
	}
	secret := trigger.ConfigString("webhook_secret")
	if secret == "" {
		return invalidDelivery("webhook secret not configured")
	}
	if !equalDigest(presented, "sha256="+hmacHex(secret, body)) {
		return invalidDelivery("invalid signature")
	}
	return validDelivery
}

// Parse maps a GitHub event body. The event family lives in the
// X-GitHub-Event header, so only the action qualifier is recoverable here.
func (g *GitHub) Parse(payload map[string]interface{}) ParsedEvent {
	eventID := payloadID(payload, "hook_id")
	if eventID == "" {
		eventID = payloadID(payload, "delivery_id")
	}

	ts := parseISOTime(payloadString(payload, "created_at"))
	if ts.IsZero() {
		ts = parseISOTime(payloadString(payload, "updated_at"))
	}
	if ts.IsZero() {
		ts = parseISOTime(payloadString(payload, "pushed_at"))
	}
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	return ParsedEvent{
		EventType:       payloadString(payload, "action"),
		EventData:       payload,
		ExternalEventID: eventID,
		Timestamp:       ts,
	}
}
