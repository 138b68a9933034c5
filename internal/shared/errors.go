package shared

import "errors"

var (
	// ErrNotFound indicates resource not found.
	ErrNotFound = errors.New("not found")
	// ErrInvalidTransition is returned when an action is not allowed from the current status.
	ErrInvalidTransition = errors.New("invalid transition")
	// ErrUnauthorized is returned when the actor lacks the role or ownership an action requires.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrValidation indicates invalid input.
	ErrValidation = errors.New("validation failed")
	// ErrInsufficientFunds is returned when a debit would take a cash account below zero.
	ErrInsufficientFunds = errors.New("insufficient funds")
	// ErrConflict signals a concurrent modification; the caller may retry.
	ErrConflict = errors.New("conflict")
	// ErrTransient wraps store failures such as timeouts or lost connections.
	ErrTransient = errors.New("transient failure")
)

// Error kinds reported in audit metadata, metrics labels and problem responses.
const (
	KindNotFound          = "not_found"
	KindInvalidTransition = "invalid_transition"
	KindUnauthorized      = "unauthorized"
	KindValidation        = "validation_failed"
	KindInsufficientFunds = "insufficient_funds"
	KindConflict          = "conflict"
	KindTransient         = "transient"
	KindInternal          = "internal"
)

var kinds = []struct {
	err  error
	kind string
}{
	{ErrNotFound, KindNotFound},
	{ErrInvalidTransition, KindInvalidTransition},
	{ErrUnauthorized, KindUnauthorized},
	{ErrValidation, KindValidation},
	{ErrInsufficientFunds, KindInsufficientFunds},
	{ErrConflict, KindConflict},
	{ErrTransient, KindTransient},
}

// KindOf maps err to a stable kind string. Unknown errors are "internal".
func KindOf(err error) string {
	if err == nil {
		return ""
	}
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.kind
		}
	}
	return KindInternal
}

// IsDomain reports whether err already carries one of the taxonomy sentinels.
func IsDomain(err error) bool {
	k := KindOf(err)
	return k != "" && k != KindInternal
}

// Retryable reports whether the caller may safely resubmit the same operation.
func Retryable(err error) bool {
	return errors.Is(err, ErrConflict) || errors.Is(err, ErrTransient)
}
