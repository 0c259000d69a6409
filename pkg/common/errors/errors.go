// Package errors provides the typed error kinds shared across the apix fabric.
package errors

import (
	"errors"
	"fmt"
)

// Kind classifies an error for callers that need to map failures onto
// wire close codes, retry decisions, or audit outcomes.
type Kind string

const (
	// KindUnauthorized indicates an authentication failure
	KindUnauthorized Kind = "UNAUTHORIZED"

	// KindForbidden indicates a policy or RBAC denial
	KindForbidden Kind = "FORBIDDEN"

	// KindNotFound indicates a missing role, user, session, or channel
	KindNotFound Kind = "NOT_FOUND"

	// KindConflict indicates a uniqueness violation such as a role name collision
	KindConflict Kind = "CONFLICT"

	// KindQuotaExceeded indicates a tenant or session limit was reached
	KindQuotaExceeded Kind = "QUOTA_EXCEEDED"

	// KindRateLimited indicates the caller exceeded its frame budget
	KindRateLimited Kind = "RATE_LIMITED"

	// KindTransient indicates a retryable broker or store failure
	KindTransient Kind = "TRANSIENT"

	// KindParse indicates a malformed frame or queue message
	KindParse Kind = "PARSE"

	// KindFatal indicates an unrecoverable initialization failure
	KindFatal Kind = "FATAL"
)

// Error is the concrete error type carried across component boundaries.
type Error struct {
	Kind    Kind
	Op      string
	Message string
	Err     error
}

// Error implements the error interface.
func (e *Error) Error() string {
	switch {
	case e.Err != nil && e.Op != "":
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Message, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	case e.Op != "":
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	default:
		return e.Message
	}
}

// Unwrap exposes the wrapped cause to errors.Is / errors.As.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is treats two fabric errors with the same kind as equivalent, which lets
// callers match against the sentinel values below.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// New creates an error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf creates an error of the given kind with a formatted message.
func Newf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap wraps a cause with a kind and message. A nil cause yields nil.
func Wrap(kind Kind, message string, err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Message: message, Err: err}
}

// WithOp annotates the error with the operation that produced it.
func (e *Error) WithOp(op string) *Error {
	e.Op = op
	return e
}

// Sentinel values for errors.Is matching.
var (
	ErrUnauthorized  = &Error{Kind: KindUnauthorized, Message: "unauthorized"}
	ErrForbidden     = &Error{Kind: KindForbidden, Message: "forbidden"}
	ErrNotFound      = &Error{Kind: KindNotFound, Message: "not found"}
	ErrConflict      = &Error{Kind: KindConflict, Message: "conflict"}
	ErrQuotaExceeded = &Error{Kind: KindQuotaExceeded, Message: "quota exceeded"}
	ErrRateLimited   = &Error{Kind: KindRateLimited, Message: "rate limited"}
	ErrTransient     = &Error{Kind: KindTransient, Message: "transient failure"}
	ErrParse         = &Error{Kind: KindParse, Message: "parse failure"}
	ErrFatal         = &Error{Kind: KindFatal, Message: "fatal"}
)

// KindOf returns the kind of err, or an empty kind for foreign errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsUnauthorized returns true if the error is an authentication failure.
func IsUnauthorized(err error) bool { return KindOf(err) == KindUnauthorized }

// IsForbidden returns true if the error is a policy denial.
func IsForbidden(err error) bool { return KindOf(err) == KindForbidden }

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool { return KindOf(err) == KindNotFound }

// IsConflict returns true if the error indicates a uniqueness violation.
func IsConflict(err error) bool { return KindOf(err) == KindConflict }

// IsQuotaExceeded returns true if the error indicates a limit was reached.
func IsQuotaExceeded(err error) bool { return KindOf(err) == KindQuotaExceeded }

// IsRateLimited returns true if the error indicates rate limiting.
func IsRateLimited(err error) bool { return KindOf(err) == KindRateLimited }

// IsTransient returns true if the error is retryable.
func IsTransient(err error) bool { return KindOf(err) == KindTransient }

// IsParse returns true if the error indicates malformed input.
func IsParse(err error) bool { return KindOf(err) == KindParse }

// IsFatal returns true if the error is unrecoverable.
func IsFatal(err error) bool { return KindOf(err) == KindFatal }
