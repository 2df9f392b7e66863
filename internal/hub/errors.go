package hub

import "errors"

// Domain errors for the hub package.
//
// These errors can be checked using errors.Is() for error handling:
//
//	if errors.Is(err, hub.ErrUnavailable) {
//	    // mark mirror stale, do not delete
//	}
var (
	// ErrAuthFailed is returned when the hub rejects the bearer token (401).
	// Not retryable; the credential must be replaced.
	ErrAuthFailed = errors.New("hub: authentication failed")

	// ErrPermissionMissing is returned when the token lacks the scope for an
	// operation (403). The operation's feature should be degraded, not retried.
	ErrPermissionMissing = errors.New("hub: permission missing")

	// ErrUnavailable is returned after repeated transport failures.
	// Mirrored state for the hub should be marked stale, never deleted.
	ErrUnavailable = errors.New("hub: unavailable")

	// ErrNotFound is returned when the hub reports 404 for a resource.
	ErrNotFound = errors.New("hub: not found")

	// ErrInvalidValue is returned when a capability value cannot be coerced
	// to the type the capability expects, or when the hub rejects a request
	// as malformed (4xx other than 401/403/404). Not retryable.
	ErrInvalidValue = errors.New("hub: invalid capability value")

	// ErrNoLayout is returned when neither endpoint layout answers.
	ErrNoLayout = errors.New("hub: no known endpoint layout")
)
