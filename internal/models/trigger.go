package models

import "time"

// TriggerModel is a webhook subscription: the binding of a linked account to
// one provider event type, with the provider-side registration state.
type TriggerModel struct {
	Base
	ProjectID       string `json:"project_id"        gorm:"index;not null"`
	AppID           string `json:"app_id"            gorm:"index;not null"`
	LinkedAccountID string `json:"linked_account_id" gorm:"index;not null"`
	TriggerName     string `json:"trigger_name"      gorm:"not null"`
	TriggerType     string `json:"trigger_type"      gorm:"index;not null"`
	Description     string `json:"description"`

	// WebhookURL is the inbound URL handed to the provider at registration.
	WebhookURL string `json:"webhook_url"`

	// ExternalWebhookID is the provider-side subscription id, used for
	// unregister/renew. The manual-setup sentinel lives here for providers
	// without a registration API.
	ExternalWebhookID *string `json:"external_webhook_id,omitempty"`

	// VerificationToken authenticates inbound deliveries (HMAC secret or
	// echo token depending on the connector). Exposed only via the reveal
	// endpoint, never in list responses.
	VerificationToken string `json:"-" gorm:"not null"`

	Config map[string]interface{} `json:"config" gorm:"type:longtext;serializer:json"`

	Status          TriggerStatus `json:"status" gorm:"index;default:'active'"`
	LastTriggeredAt *time.Time    `json:"last_triggered_at,omitempty"`
	ExpiresAt       *time.Time    `json:"expires_at,omitempty" gorm:"index"`

	App           *AppModel           `json:"app,omitempty"            gorm:"foreignKey:AppID"`
	LinkedAccount *LinkedAccountModel `json:"linked_account,omitempty" gorm:"foreignKey:LinkedAccountID"`
}

func (TriggerModel) TableName() string { return "triggers" }

// RetryCount reads config.retry_count, defaulting to zero.
func (t *TriggerModel) RetryCount() int {
	if t.Config == nil {
		return 0
	}
	switch v := t.Config["retry_count"].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return 0
}

// SetRetryCount writes config.retry_count in place.
func (t *TriggerModel) SetRetryCount(n int) {
	if t.Config == nil {
		t.Config = map[string]interface{}{}
	}
	t.Config["retry_count"] = n
}

// ConfigString reads a string value from config.
func (t *TriggerModel) ConfigString(key string) string {
	if t.Config == nil {
		return ""
	}
	s, _ := t.Config[key].(string)
	return s
}
