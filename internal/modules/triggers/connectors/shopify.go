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

const shopifyAPIVersion = "2024-07"

// Shopify manages webhook subscriptions through the GraphQL Admin API.
// Deliveries carry a base64 HMAC of the raw body in X-Shopify-Hmac-SHA256,
// keyed by the app client secret. The provider retries undelivered hooks for
// hours, so dedup by X-Shopify-Event-Id matters downstream.
type Shopify struct {
	client
}

const shopifyCreateMutation = `
mutation webhookSubscriptionCreate($topic: WebhookSubscriptionTopic!, $webhookSubscription: WebhookSubscriptionInput!) {
  webhookSubscriptionCreate(topic: $topic, webhookSubscription: $webhookSubscription) {
    webhookSubscription {
      id
      endpoint {
        __typename
        ... on WebhookHttpEndpoint {
          callbackUrl
        }
      }
    }
    userErrors {
      field
      message
    }
  }
}`

const shopifyDeleteMutation = `
mutation webhookSubscriptionDelete($id: ID!) {
  webhookSubscriptionDelete(id: $id) {
    deletedWebhookSubscriptionId
    userErrors {
      field
      message
    }
  }
}`

func (s *Shopify) endpoint(trigger *models.TriggerModel) (string, error) {
	domain := trigger.ConfigString("shop_domain")
	if domain == "" {
		domain = trigger.ConfigString("shop")
	}
	if domain == "" {
		return "", fmt.Errorf("shop domain required in trigger config")
	}
	return fmt.Sprintf("https://%s/admin/api/%s/graphql.json", domain, shopifyAPIVersion), nil
}

func (s *Shopify) graphql(ctx context.Context, trigger *models.TriggerModel, token, query string, variables map[string]interface{}) (map[string]interface{}, error) {
	url, err := s.endpoint(trigger)
	if err != nil {
		return nil, err
	}

	headers := map[string]string{"X-Shopify-Access-Token": token}
	status, raw, err := s.postJSON(ctx, http.MethodPost, url, headers, map[string]interface{}{
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

func userErrorMessage(node map[string]interface{}) string {
	errs, _ := node["userErrors"].([]interface{})
	if len(errs) == 0 {
		return ""
	}
	first, _ := errs[0].(map[string]interface{})
	return payloadString(first, "message")
}

func (s *Shopify) Register(ctx context.Context, trigger *models.TriggerModel, token string) RegistrationResult {
	// orders/create becomes ORDERS_CREATE, the GraphQL topic enum form.
	topic := strings.ToUpper(strings.ReplaceAll(trigger.TriggerType, "/", "_"))

	data, err := s.graphql(ctx, trigger, token, shopifyCreateMutation, map[string]interface{}{
		"topic": topic,
		"webhookSubscription": map[string]interface{}{
			"callbackUrl": trigger.WebhookURL,
			"format":      "JSON",
		},
	})
	if err != nil {
		return registrationFailure("shopify subscription: %v", err)
	}

	node := payloadMap(data, "webhookSubscriptionCreate")
	if msg := userErrorMessage(node); msg != "" {
		return registrationFailure("shopify subscription rejected: %s", msg)
	}

	sub := payloadMap(node, "webhookSubscription")
	id := payloadString(sub, "id")
	if id == "" {
		return registrationFailure("shopify subscription id not returned")
	}

	s.logger.Info("shopify webhook registered",
		zap.String("trigger_id", trigger.ID),
		zap.String("subscription_id", id),
		zap.String("topic", topic))

	return RegistrationResult{
		Success:           true,
		ExternalWebhookID: id,
		WebhookURL:        payloadString(payloadMap(sub, "endpoint"), "callbackUrl"),
	}
}

func (s *Shopify) Unregister(ctx context.Context, trigger *models.TriggerModel, token string) bool {
	if trigger.ExternalWebhookID == nil || *trigger.ExternalWebhookID == "" {
		return true
	}

	data, err := s.graphql(ctx, trigger, token, shopifyDeleteMutation, map[string]interface{}{
		"id": *trigger.ExternalWebhookID,
	})
	if err != nil {
		// A vanished subscription id comes back as a userError, not a
		// transport failure; only the latter lands here.
		s.logger.Warn("shopify subscription deletion failed",
			zap.String("trigger_id", trigger.ID), zap.Error(err))
		return false
	}

	node := payloadMap(data, "webhookSubscriptionDelete")
	if msg := userErrorMessage(node); msg != "" {
		if strings.Contains(strings.ToLower(msg), "not found") {
			return true
		}
		s.logger.Warn("shopify subscription deletion rejected",
			zap.String("trigger_id", trigger.ID), zap.String("message", msg))
		return false
	}
	return payloadString(node, "deletedWebhookSubscriptionId") != ""
}

// Verify checks X-Shopify-Hmac-SHA256 (base64) against HMAC-SHA256 of the raw
// body keyed by the app client secret from the trigger config.
func (s *Shopify) Verify(r *http.Request, body []byte, trigger *models.TriggerModel) VerificationResult {
	presented := r.Header.Get("X-Shopify-Hmac-SHA256")
	if presented == "" {
		return invalidDelivery("missing X-Shopify-Hmac-SHA256 header")
	}
	secret := trigger.ConfigString("client_secret")
	if secret == "" {
		return invalidDelivery("client secret not configured")
	}
	if !equalDigest(presented, hmacBase64(secret, body)) {
		return invalidDelivery("invalid signature")
	}
	return validDelivery
}

// Parse maps a Shopify resource payload. The topic lives in the
// X-Shopify-Topic header, so the event type stays empty here and the registry
// falls back to the trigger's type.
func (s *Shopify) Parse(payload map[string]interface{}) ParsedEvent {
	ts := parseISOTime(payloadString(payload, "created_at"))
	if ts.IsZero() {
		ts = parseISOTime(payloadString(payload, "updated_at"))
	}
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	return ParsedEvent{
		EventData:       payload,
		ExternalEventID: payloadID(payload, "id"),
		Timestamp:       ts,
	}
}
