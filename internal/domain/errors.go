package domain

import "errors"

// Error taxonomy from the error handling design (spec.md §7). Callers use
// errors.Is / errors.As against these sentinels; adapters and the worker wrap
// them with context via fmt.Errorf("...: %w", ErrX).
var (
	// ErrValidation is a caller bug: reject at ingress, never enqueued.
	ErrValidation = errors.New("validation error")

	// ErrTransientAdapter covers store/LLM/embedder timeouts and 5xx
	// responses: the task is not acked and is redelivered after the
	// visibility timeout.
	ErrTransientAdapter = errors.New("transient adapter error")

	// ErrSchema is raised when LLM output fails schema validation after
	// all configured retries.
	ErrSchema = errors.New("schema error")

	// ErrConflict is an optimistic-CAS loss in the resolution engine.
	ErrConflict = errors.New("conflict error")

	// ErrPermanent covers group-deleted-mid-task, missing foreign keys,
	// and other errors that retrying will never fix.
	ErrPermanent = errors.New("permanent error")

	// ErrHandler names a dispatcher-internal handler failure. The
	// dispatcher does not return it: a handler panic is recovered and
	// counted in handler_failures.
	ErrHandler = errors.New("handler error")
)

// IsRetryable reports whether an error should cause the worker to leave a
// task un-acked for redelivery, as opposed to dead-lettering it.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransientAdapter) || errors.Is(err, ErrConflict)
}
