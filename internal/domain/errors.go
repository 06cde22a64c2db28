package domain

import "errors"

// Error taxonomy for the orchestration core. Callers match with errors.Is;
// layers add context with pkg/errors wrapping without losing the sentinel.
var (
	// ErrValidation marks malformed or incomplete input.
	ErrValidation = errors.New("validation error")

	// ErrConflict marks an overlapping in-flight command for the device.
	ErrConflict = errors.New("device already has a command in flight")

	// ErrGatewayUnavailable marks a failed health gate; no command row is
	// created in that case.
	ErrGatewayUnavailable = errors.New("gateway unavailable")

	// ErrGatewayRejected marks a synchronous refusal from a reachable
	// gateway; the command row is persisted as failed.
	ErrGatewayRejected = errors.New("gateway rejected command")

	// ErrUnauthorized marks failed token or webhook signature validation.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrNotFound marks a missing device, command, or token.
	ErrNotFound = errors.New("not found")

	// ErrTransientNetwork marks a network failure that was already retried
	// once by the gateway client.
	ErrTransientNetwork = errors.New("transient network error")

	// ErrTerminalDevice marks a device in banned/auth_failure refusing new
	// connect commands until an explicit reset.
	ErrTerminalDevice = errors.New("device in terminal state")
)
