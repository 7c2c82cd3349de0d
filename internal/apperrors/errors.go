// Package apperrors defines the domain error set shared by services and
// handlers. Handlers map these to HTTP codes through response.FromError;
// services wrap them with context via fmt.Errorf("...: %w", err).
package apperrors

import "errors"

var (
	// Not found (404).
	ErrAppNotFound           = errors.New("app not found")
	ErrFunctionNotFound      = errors.New("function not found")
	ErrLinkedAccountNotFound = errors.New("linked account not found")
	ErrTriggerNotFound       = errors.New("trigger not found")
	ErrProjectNotFound       = errors.New("project not found")
	ErrAppConfigNotFound     = errors.New("app configuration not found")

	// Disabled or forbidden (403).
	ErrAppConfigDisabled     = errors.New("app configuration disabled")
	ErrLinkedAccountDisabled = errors.New("linked account disabled")
	ErrAppNotAllowed         = errors.New("app not allowed for this agent")
	ErrInstructionViolation  = errors.New("call violates agent instructions")

	// Conflicts (409).
	ErrAccountAlreadyLinked = errors.New("linked account already exists")
	ErrTriggerAlreadyExists = errors.New("trigger already exists")
	ErrAppConfigExists      = errors.New("app configuration already exists")

	// Authentication and signatures (401). Signature and replay failures
	// share one sentinel so callers cannot distinguish them.
	ErrAuthentication   = errors.New("authentication failed")
	ErrSignatureInvalid = errors.New("webhook verification failed")

	// Validation (422).
	ErrValidation = errors.New("validation failed")

	// OAuth flow failures (400). Wrapping code must sanitize provider
	// responses first; client secrets and refresh tokens never reach the
	// error message.
	ErrOAuthFlow = errors.New("oauth flow failed")

	// Rate limiting (429).
	ErrRateLimited = errors.New("rate limited")

	// Upstream/auxiliary subsystems.
	ErrEmbeddingUnavailable = errors.New("embedding service unavailable")
	ErrManualSetupRequired  = errors.New("manual webhook setup required")
)

// IsNotFound reports whether err is any of the not-found sentinels.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrAppNotFound) ||
		errors.Is(err, ErrFunctionNotFound) ||
		errors.Is(err, ErrLinkedAccountNotFound) ||
		errors.Is(err, ErrTriggerNotFound) ||
		errors.Is(err, ErrProjectNotFound) ||
		errors.Is(err, ErrAppConfigNotFound)
}
