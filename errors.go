package edgeplane

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrNotFound is returned by KV and object stores on a miss.
	ErrNotFound = errors.New("key not found in storage")

	// ErrNilLogger is returned by constructors that require a logger.
	ErrNilLogger = errors.New("logger cannot be nil")

	// ErrCircuitOpen is returned when the origin circuit breaker rejects a call.
	ErrCircuitOpen = errors.New("circuit breaker is open")

	errNilKV = errors.New("kv store cannot be nil")

	// ErrClosed is returned by components used after shutdown.
	ErrClosed = errors.New("component closed")
)

// Kind classifies an *Error and determines its HTTP status.
type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindAuth
	KindForbidden
	KindNotFound
	KindConflict
	KindNoCandidate
	KindUnavailable
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindAuth:
		return "auth"
	case KindForbidden:
		return "forbidden"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindNoCandidate:
		return "no_candidate_passed_gates"
	case KindUnavailable:
		return "unavailable"
	default:
		return "internal"
	}
}

// Status maps the kind onto an HTTP status code.
func (k Kind) Status() int {
	switch k {
	case KindValidation:
		return http.StatusBadRequest
	case KindAuth:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict, KindNoCandidate:
		return http.StatusConflict
	case KindUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Error is the single error type surfaced by every operation. Code is a
// stable machine-readable identifier ("nonce_replayed", "claim_lost", ...).
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Details any
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// WithDetails returns a copy of e carrying details.
func (e *Error) WithDetails(details any) *Error {
	clone := *e
	clone.Details = details
	return &clone
}

func newError(kind Kind, code, format string, args ...any) *Error {
	return &Error{Kind: kind, Code: code, Message: fmt.Sprintf(format, args...)}
}

func ValidationError(code, format string, args ...any) *Error {
	return newError(KindValidation, code, format, args...)
}

func AuthError(code, format string, args ...any) *Error {
	return newError(KindAuth, code, format, args...)
}

func ForbiddenError(code, format string, args ...any) *Error {
	return newError(KindForbidden, code, format, args...)
}

func NotFoundError(code, format string, args ...any) *Error {
	return newError(KindNotFound, code, format, args...)
}

func ConflictError(code, format string, args ...any) *Error {
	return newError(KindConflict, code, format, args...)
}

// UnavailableError marks a dependency (origin, breaker) as temporarily down.
func UnavailableError(code string, err error) *Error {
	return &Error{Kind: KindUnavailable, Code: code, Message: "dependency unavailable", Err: err}
}

// InternalError wraps a storage or programming failure.
func InternalError(err error) *Error {
	return &Error{Kind: KindInternal, Code: "internal", Message: "internal error", Err: err}
}

// NoCandidatePassedGates carries every evaluated candidate so the caller can
// see each failure reason.
func NoCandidatePassedGates(evaluated []CandidateEvaluation) *Error {
	if evaluated == nil {
		evaluated = []CandidateEvaluation{}
	}
	return &Error{
		Kind:    KindNoCandidate,
		Code:    "no_candidate_passed_gates",
		Message: "no strategy candidate passed every hard gate",
		Details: map[string]any{"evaluated": evaluated},
	}
}

// KindOf returns the kind of err, or KindInternal if err is not an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// HTTPStatus returns the status code to report for err.
func HTTPStatus(err error) int {
	return KindOf(err).Status()
}

// AsError converts any error to an *Error, wrapping unknown errors as internal.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	if errors.Is(err, ErrCircuitOpen) {
		return UnavailableError("origin_unavailable", err)
	}
	return InternalError(err)
}

// IsCode reports whether err is an *Error with the given code.
func IsCode(err error, code string) bool {
	var e *Error
	return errors.As(err, &e) && e.Code == code
}
