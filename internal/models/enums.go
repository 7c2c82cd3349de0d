package models

// Visibility controls whether an app or function is exposed beyond its owner.
type Visibility string

const (
	VisibilityPublic  Visibility = "public"
	VisibilityPrivate Visibility = "private"
)

// SecurityScheme identifies how credentials for an app are obtained and injected.
type SecurityScheme string

const (
	SchemeNoAuth SecurityScheme = "no_auth"
	SchemeAPIKey SecurityScheme = "api_key"
	SchemeOAuth2 SecurityScheme = "oauth2"
	SchemeOAuth1 SecurityScheme = "oauth1"
)

// Valid reports whether the scheme is one of the supported kinds.
func (s SecurityScheme) Valid() bool {
	switch s {
	case SchemeNoAuth, SchemeAPIKey, SchemeOAuth2, SchemeOAuth1:
		return true
	}
	return false
}

// Protocol is the wire protocol a function speaks. Only REST today.
type Protocol string

const ProtocolREST Protocol = "rest"

// TriggerStatus is the lifecycle state of a webhook subscription.
type TriggerStatus string

const (
	TriggerActive  TriggerStatus = "active"
	TriggerPaused  TriggerStatus = "paused"
	TriggerError   TriggerStatus = "error"
	TriggerExpired TriggerStatus = "expired"
)

// TriggerEventStatus is the delivery state of a received event.
type TriggerEventStatus string

const (
	EventPending   TriggerEventStatus = "pending"
	EventDelivered TriggerEventStatus = "delivered"
	EventFailed    TriggerEventStatus = "failed"
	EventExpired   TriggerEventStatus = "expired"
)

// FeedbackType distinguishes how a search-feedback row was produced.
type FeedbackType string

const (
	FeedbackExplicit          FeedbackType = "explicit"
	FeedbackImplicitSelection FeedbackType = "implicit_selection"
	FeedbackImplicitExecution FeedbackType = "implicit_execution"
)
