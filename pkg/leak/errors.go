package leak

import "errors"

var (
	// ErrAuthentication is returned when a webhook signature is missing or invalid.
	// Fatal: no retry, no side effects.
	ErrAuthentication = errors.New("authentication failed")

	// ErrConfiguration is returned when an account lacks required configuration
	// such as a webhook secret.
	ErrConfiguration = errors.New("account not configured")

	// ErrTransientStorage wraps cache or store failures. Operations are idempotent,
	// so the caller may retry.
	ErrTransientStorage = errors.New("storage unavailable")

	// ErrValidation is returned for malformed event payloads. The event is
	// acknowledged as a no-op rather than retried.
	ErrValidation = errors.New("invalid event payload")

	// ErrAccountNotFound is returned when an account or routing token is unknown.
	ErrAccountNotFound = errors.New("account not found")

	// ErrNotificationNotFound is returned when a notification does not exist for the account.
	ErrNotificationNotFound = errors.New("notification not found")

	// ErrRateLimited is returned when a manual scan exceeds its rate limit.
	ErrRateLimited = errors.New("rate limit exceeded")

	// ErrInvalidLeak is returned when a candidate leak is missing its key fields.
	ErrInvalidLeak = errors.New("invalid leak")
)
