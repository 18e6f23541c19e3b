package sessionapi

import "errors"

// Error taxonomy for remote session API calls. The state machine maps
// each class to a distinct recovery behavior, so callers compare with
// errors.Is rather than inspecting status codes.
var (
	// ErrNotFound means the session code no longer exists remotely.
	// The local record is discarded and the next trigger recreates.
	ErrNotFound = errors.New("session not found")

	// ErrNotOpen means the action was attempted against a session in
	// the wrong status. Surfaced as a failure notice, no state change.
	ErrNotOpen = errors.New("session not open")

	// ErrValidation means the request was rejected as malformed
	// (bad uid, empty cart at checkout).
	ErrValidation = errors.New("validation failed")

	// ErrUnreachable means the remote API did not answer. The session
	// is treated as not yet created and retried on the next trigger.
	ErrUnreachable = errors.New("session api unreachable")
)
