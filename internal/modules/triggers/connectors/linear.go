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

var linearGraphQLURL = "https://api.linear.app/graphql"

// Linear manages webhooks through the GraphQL API. A signing secret is
// generated at registration and handed to Linear; deliveries carry a hex
// HMAC of the raw body in Linear-Signature.
type Linear struct {
	client
}

const linearCreateMutation = `
mutation WebhookCreate($input: WebhookCreateInput!) {
  webhookCreate(input: $input) {
    success
    webhook {
      id
      enabled
    }
  }
}`

const linearDeleteMutation = `
mutation WebhookDelete($id: String!) {
  webhookDelete(id: $id) {
    success
  }
}`

func (l *Linear) graphql(ctx context.Context, token, query string, variables map[string]interface{}) (map[string]interface{}, error) {
	status, raw, err := l.postJSON(ctx, http.MethodPost, linearGraphQLURL, bearer(token), map[string]interface{}{
		"query":     query,
		"variables": variables,
	})
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("graphql request failed with status %d: %s", status, raw)
	}

	var result struct {
		Data   map[string]interface{} `json:"data"`
		Errors []struct {
			Message string `json:"message"`
		} `json:"errors"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("decode graphql response: %w", err)
	}
	if len(result.Errors) > 0 {
		return nil, fmt.Errorf("graphql errors: %s", result.Errors[0].Message)
	}
	return result.Data, nil
}

func (l *Linear) Register(ctx context.Context, trigger *models.TriggerModel, token string) RegistrationResult {
	secret := generateSecret()
	input := map[string]interface{}{
		"url":           trigger.WebhookURL,
		"secret":        secret,
		"resourceTypes": []string{linearResourceType(trigger.TriggerType)},
	}
	if teamID := trigger.ConfigString("team_id"); teamID != "" {
		input["teamId"] = teamID
	} else {
		input["allPublicTeams"] = true
	}

	data, err := l.graphql(ctx, token, linearCreateMutation, map[string]interface{}{"input": input})
	if err != nil {
		return registrationFailure("linear webhook creation: %v", err)
	}

	node := payloadMap(data, "webhookCreate")
	if ok, _ := node["success"].(bool); !ok {
		return registrationFailure("linear webhook creation rejected")
	}
	id := payloadString(payloadMap(node, "webhook"), "id")
	if id == "" {
		return registrationFailure("linear webhook id not returned")
	}

	l.logger.Info("linear webhook registered",
		zap.String("trigger_id", trigger.ID),
		zap.String("webhook_id", id))

	return RegistrationResult{
		Success:           true,
		ExternalWebhookID: id,
		WebhookURL:        trigger.WebhookURL,
		Metadata:          map[string]interface{}{"signing_secret": secret},
	}
}

// linearResourceType maps a dotted trigger type (issue.create) onto Linear's
// capitalized resource enum (Issue). Bare resource names pass through.
func linearResourceType(triggerType string) string {
	resource := triggerType
	if i := strings.IndexByte(resource, '.'); i > 0 {
		resource = resource[:i]
	}
	if resource == "" {
		return resource
	}
	return strings.ToUpper(resource[:1]) + resource[1:]
}

func (l *Linear) Unregister(ctx context.Context, trigger *models.TriggerModel, token string) bool {
	if trigger.ExternalWebhookID == nil || *trigger.ExternalWebhookID == "" {
		return true
	}

	data, err := l.graphql(ctx, token, linearDeleteMutation, map[string]interface{}{
		"id": *trigger.ExternalWebhookID,
	})
	if err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "not found") {
			return true
		}
		l.logger.Warn("linear webhook deletion failed",
			zap.String("trigger_id", trigger.ID), zap.Error(err))
		return false
	}
	ok, _ := payloadMap(data, "webhookDelete")["success"].(bool)
	return ok
}

// Verify checks Linear-Signature (hex, no prefix) against HMAC-SHA256 of the
// raw body keyed by the secret generated at registration.
func (l *Linear) Verify(r *http.Request, body []byte, trigger *models.TriggerModel) VerificationResult {
	presented := r.Header.Get("Linear-Signature")
	if presented == "" {
		return invalidDelivery("missing Linear-Signature header")
	}
	secret := trigger.ConfigString("signing_secret")
	if secret == "" {
		return invalidDelivery("signing secret not configured")
	}
	if !equalDigest(presented, hmacHex(secret, body)) {
		return invalidDelivery("invalid signature")
	}
	return validDelivery
}

// Parse maps a Linear payload: type+action become a dotted event type and
// webhookTimestamp (milliseconds) the event time. Linear sends no per-event
// id in the body, so dedup is left to the delivery header upstream.
func (l *Linear) Parse(payload map[string]interface{}) ParsedEvent {
	eventType := payloadString(payload, "type")
	if action := payloadString(payload, "action"); action != "" && eventType != "" {
		eventType = strings.ToLower(eventType) + "." + action
	}

	ts := time.Now().UTC()
	if millis, ok := payload["webhookTimestamp"].(float64); ok {
		ts = time.UnixMilli(int64(millis)).UTC()
	} else if created := parseISOTime(payloadString(payload, "createdAt")); !created.IsZero() {
		ts = created
	}

	return ParsedEvent{
		EventType: eventType,
		EventData: payload,
		Timestamp: ts,
	}
}
