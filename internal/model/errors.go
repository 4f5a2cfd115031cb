package model

import (
	"errors"
	"fmt"
)

// Kind classifies a failure into the taxonomy shared by every subsystem.
// Handlers map kinds to HTTP status codes and ErrCode strings; services
// construct kinds at the point of failure and never log-and-swallow.
type Kind string

const (
	KindInvalidInput       Kind = "invalid_input"
	KindConflict           Kind = "conflict"
	KindSecurityViolation  Kind = "security_violation"
	KindSyntaxError        Kind = "syntax_error"
	KindInsufficientData   Kind = "insufficient_data"
	KindNotFound           Kind = "not_found"
	KindUnauthorized       Kind = "unauthorized"
	KindForbidden          Kind = "forbidden"
	KindRateLimited        Kind = "rate_limited"
	KindServiceUnavailable Kind = "service_unavailable"
	KindInternal           Kind = "internal"
)

// Error is a classified error: a Kind plus a human-readable detail.
// The detail is written for API consumers, so it must name the specific
// problem (the duplicate name, the forbidden construct, the starving class)
// rather than restate the kind.
type Error struct {
	Kind   Kind
	Detail string
	Err    error // wrapped cause, may be nil
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

func (e *Error) Unwrap() error { return e.Err }

// E constructs a classified error.
func E(kind Kind, detail string) *Error {
	return &Error{Kind: kind, Detail: detail}
}

// Ef constructs a classified error with a formatted detail.
func Ef(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and detail to an underlying cause.
func Wrap(kind Kind, detail string, err error) *Error {
	return &Error{Kind: kind, Detail: detail, Err: err}
}

// KindOf extracts the Kind from err. Unclassified errors are KindInternal:
// anything a subsystem did not deliberately classify is treated as a fault,
// never leaked to callers as a client error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// DetailOf returns the human-readable detail from a classified error, or
// err.Error() for unclassified ones.
func DetailOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Detail
	}
	return err.Error()
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}
