package models

import "time"

// TriggerEventModel is a normalized record of one received webhook delivery.
// (TriggerID, ExternalEventID) is unique when the provider supplies an id;
// NULL external ids never collide.
type TriggerEventModel struct {
	Base
	TriggerID       string  `json:"trigger_id" gorm:"uniqueIndex:idx_event_trigger_external;index;not null"`
	EventType       string  `json:"event_type"`
	ExternalEventID *string `json:"external_event_id,omitempty" gorm:"uniqueIndex:idx_event_trigger_external"`

	EventData map[string]interface{} `json:"event_data" gorm:"type:longtext;serializer:json"`

	Status       TriggerEventStatus `json:"status" gorm:"index;default:'pending'"`
	ReceivedAt   time.Time          `json:"received_at"  gorm:"index;not null"`
	ProcessedAt  *time.Time         `json:"processed_at,omitempty"`
	DeliveredAt  *time.Time         `json:"delivered_at,omitempty"`
	ExpiresAt    time.Time          `json:"expires_at"   gorm:"index;not null"`
	ErrorMessage string             `json:"error_message,omitempty"`

	Trigger *TriggerModel `json:"-" gorm:"foreignKey:TriggerID"`
}

func (TriggerEventModel) TableName() string { return "trigger_events" }
