// Package apperr defines the tagged error kinds the engine and store
// surface to callers, replacing the exception-driven flow of the system
// this package is modeled after with a single sum type per layer.
package apperr

import "fmt"

// Kind tags the category of a business-level failure. Framing/parse
// failures are a separate concern and never carry one of these kinds.
type Kind string

const (
	UnknownAccount    Kind = "UNKNOWN_ACCOUNT"
	UnknownOrder      Kind = "UNKNOWN_ORDER"
	UnknownPosition   Kind = "UNKNOWN_POSITION"
	InsufficientFunds Kind = "INSUFFICIENT_FUNDS"
	InsufficientShares Kind = "INSUFFICIENT_SHARES"
	NotCancellable    Kind = "NOT_CANCELLABLE"
	InvalidRequest    Kind = "INVALID_REQUEST"
	StorageError      Kind = "STORAGE_ERROR"
)

// Error is the single error type returned by the engine; store failures
// reach engine callers wrapped in one with Kind StorageError. It carries a
// Kind for callers that branch on failure category (KindOf extracts it)
// and wraps the underlying cause for logging.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New constructs a business error with no wrapped cause.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap tags an underlying error (typically from the store) with a kind.
func Wrap(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// KindOf extracts the Kind from err if it is (or wraps) an *Error, and
// StorageError otherwise; any error escaping a layer without a tag is
// treated as a storage failure rather than silently swallowed.
func KindOf(err error) Kind {
	var appErr *Error
	if As(err, &appErr) {
		return appErr.Kind
	}
	return StorageError
}

// As walks err's Unwrap chain and stores the first *Error it finds in
// target, so callers of this package do not need a second import for the
// common case. Only single-error Unwrap() chains are followed; errors
// joined through Unwrap() []error are not searched.
func As(err error, target **Error) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
