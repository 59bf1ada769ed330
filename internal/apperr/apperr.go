package apperr

import (
	"errors"
	"fmt"
	"time"
)

// Kind classifies an error so the boundary layer can pick a status code and
// a retry policy without parsing messages.
type Kind string

const (
	// KindValidation marks malformed input. Fail the request, no retry.
	KindValidation Kind = "validation"

	// KindNotFound marks an unknown id. Fail the request.
	KindNotFound Kind = "not_found"

	// KindDecryption marks a credential that cannot be decrypted under the
	// current master key. Retrying cannot succeed; flag for the operator.
	KindDecryption Kind = "decryption"

	// KindRateLimited marks a rejected admission check. The caller should
	// retry after the attached delay.
	KindRateLimited Kind = "rate_limited"

	// KindStorage marks a storage-layer failure. The caller decides whether
	// to retry; it is never converted into a successful no-op.
	KindStorage Kind = "storage"

	// KindUnknownModel marks a model with no pricing entry and no fallback.
	KindUnknownModel Kind = "unknown_model"
)

// Error is the structured error returned by the core: a kind plus a message.
// The HTTP layer decides how much of it to expose.
type Error struct {
	Kind    Kind
	Message string

	// RetryAfter is set only for KindRateLimited.
	RetryAfter time.Duration

	// Err is the underlying cause, if any.
	Err error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Validation returns a validation error.
func Validation(format string, args ...interface{}) *Error {
	return &Error{Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}

// NotFound returns a not-found error.
func NotFound(format string, args ...interface{}) *Error {
	return &Error{Kind: KindNotFound, Message: fmt.Sprintf(format, args...)}
}

// Decryption wraps an undecryptable-credential failure.
func Decryption(message string, err error) *Error {
	return &Error{Kind: KindDecryption, Message: message, Err: err}
}

// RateLimited returns a rate-limit rejection carrying the retry-after delay.
func RateLimited(retryAfter time.Duration) *Error {
	return &Error{
		Kind:       KindRateLimited,
		Message:    fmt.Sprintf("rate limit exceeded, retry after %s", retryAfter),
		RetryAfter: retryAfter,
	}
}

// Storage wraps a storage-layer failure.
func Storage(message string, err error) *Error {
	return &Error{Kind: KindStorage, Message: message, Err: err}
}

// UnknownModel returns an unknown-pricing-model error.
func UnknownModel(model string) *Error {
	return &Error{Kind: KindUnknownModel, Message: fmt.Sprintf("no pricing for model %q", model)}
}

// KindOf extracts the kind from err, or an empty Kind for foreign errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// RetryAfterOf returns the retry-after delay attached to err, if any.
func RetryAfterOf(err error) (time.Duration, bool) {
	var e *Error
	if errors.As(err, &e) && e.Kind == KindRateLimited {
		return e.RetryAfter, true
	}
	return 0, false
}
