package turnstile

import "errors"

var (
	// Store errors.
	ErrNoStore       = errors.New("turnstile: no store configured")
	ErrNoBackend     = errors.New("turnstile: no backend configured")
	ErrStoreClosed   = errors.New("turnstile: store closed")
	ErrInvalidConfig = errors.New("turnstile: invalid configuration")

	// Not found errors.
	ErrRequestNotFound = errors.New("turnstile: request not found")
	ErrSessionNotFound = errors.New("turnstile: session not found")
	ErrWorkerNotFound  = errors.New("turnstile: worker not found")

	// Conflict errors.
	ErrRequestExists = errors.New("turnstile: request already exists")

	// Transient errors. Callers should retry; ledger state is untouched.
	ErrLockTimeout      = errors.New("turnstile: session lock wait timed out")
	ErrAwaitTimeout     = errors.New("turnstile: result wait timed out")
	ErrChannelThrottled = errors.New("turnstile: channel admission limit reached")

	// State errors.
	ErrInvalidTransition = errors.New("turnstile: invalid status transition")
)
