// Package apperror defines the closed set of error variants the auth
// subsystem surfaces to its callers. Construction sites pick a variant
// constructor; boundaries branch on Kind rather than on message text.
package apperror

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Kind identifies one error variant.
type Kind uint8

const (
	// KindAuthentication covers invalid credentials, invalid/expired/reused
	// tokens, and invalid sessions.
	KindAuthentication Kind = iota + 1
	// KindAccountLocked is an active lockout window; the Error carries
	// LockoutEndsAt.
	KindAccountLocked
	// KindValidation covers malformed input, weak passwords, and recent
	// password reuse.
	KindValidation
	// KindNotFound means a referenced record is missing where absence is the
	// anomaly. Login never uses it; absence there folds into
	// KindAuthentication so existence cannot leak.
	KindNotFound
	// KindDatabase is an unexpected persistence failure.
	KindDatabase
	// KindService is an unexpected configuration or internal failure.
	KindService
)

// String returns the variant name for logs and metrics labels.
func (k Kind) String() string {
	switch k {
	case KindAuthentication:
		return "authentication"
	case KindAccountLocked:
		return "account_locked"
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	case KindDatabase:
		return "database"
	case KindService:
		return "service"
	default:
		return "unknown"
	}
}

// Error is the single error type of the subsystem. Message is safe to show
// to callers; the wrapped cause is for logs only.
type Error struct {
	Kind    Kind
	Message string
	// LockoutEndsAt is set only when Kind is KindAccountLocked.
	LockoutEndsAt time.Time

	cause error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap exposes the cause to errors.Is/errors.As chains.
func (e *Error) Unwrap() error {
	return e.cause
}

// Status maps the variant to its HTTP status intent. Transport layers may
// use it directly; nothing in this package depends on HTTP otherwise.
func (e *Error) Status() int {
	switch e.Kind {
	case KindAuthentication:
		return http.StatusUnauthorized
	case KindAccountLocked:
		return http.StatusForbidden
	case KindValidation:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// Authentication builds the generic credential/token failure. The same
// message must be used for "no such user", "wrong password", and "inactive
// account" on the login path.
func Authentication(message string) *Error {
	return &Error{Kind: KindAuthentication, Message: message}
}

// AccountLocked reports an active lockout window ending at until.
func AccountLocked(until time.Time) *Error {
	return &Error{
		Kind:          KindAccountLocked,
		Message:       "account temporarily locked due to repeated failed login attempts",
		LockoutEndsAt: until,
	}
}

// Validation reports rejected input with a caller-visible reason.
func Validation(message string) *Error {
	return &Error{Kind: KindValidation, Message: message}
}

// NotFound reports a missing record where absence is the anomaly.
func NotFound(message string) *Error {
	return &Error{Kind: KindNotFound, Message: message}
}

// Database wraps an unexpected persistence failure. op names the failed
// operation for logs; the caller-visible message stays generic.
func Database(op string, cause error) *Error {
	return &Error{
		Kind:    KindDatabase,
		Message: "a database error occurred while processing the request",
		cause:   fmt.Errorf("%s: %w", op, cause),
	}
}

// Service wraps an unexpected internal failure.
func Service(op string, cause error) *Error {
	return &Error{
		Kind:    KindService,
		Message: "an internal error occurred while processing the request",
		cause:   fmt.Errorf("%s: %w", op, cause),
	}
}

// KindOf returns the variant of err, or 0 when err is not an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

// IsKind reports whether err is an *Error of the given variant.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// From returns err unchanged when it is already an *Error; anything else is
// wrapped as a service error. Used at the outermost boundary so unexpected
// failures never reach callers raw.
func From(op string, err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return Service(op, err)
}
