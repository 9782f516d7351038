// Package apperr defines the error taxonomy shared by every studio
// subsystem. Errors carry a short stable code, a one-line user-facing
// message, a correlation id, and optional structured context; the HTTP
// facade maps codes onto status codes in one place.
package apperr

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/google/uuid"
)

// Code identifies an error kind. Codes are stable strings; clients and
// log pipelines key off them.
type Code string

const (
	CodeValidation   Code = "validation_error"
	CodeSecurity     Code = "security_error"
	CodeNotFound     Code = "not_found"
	CodeUnauthorized Code = "unauthorized"
	CodeExternal     Code = "external_service_error"
	CodeTimeout      Code = "timeout_error"
	CodeRollout      Code = "rollout_error"
	CodeOrchestrator Code = "orchestrator_error"
	CodeInternal     Code = "internal_error"
)

// E is the canonical application error.
type E struct {
	Code          Code
	Message       string
	CorrelationID string
	// Field is the offending field path for validation errors
	// (e.g. "agents[2].position.x").
	Field string
	// Service names the failing collaborator for external errors
	// (storage, blob, compute).
	Service string
	// Retryable reports whether the caller may retry the operation.
	Retryable bool
	Err       error
}

func (e *E) Error() string {
	switch {
	case e.Field != "":
		return fmt.Sprintf("%s: %s: %s", e.Code, e.Field, e.Message)
	case e.Service != "":
		return fmt.Sprintf("%s(%s): %s", e.Code, e.Service, e.Message)
	default:
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
}

func (e *E) Unwrap() error { return e.Err }

// Is matches against another *E by code, so callers can write
// errors.Is(err, apperr.NotFound("")) style sentinels.
func (e *E) Is(target error) bool {
	var t *E
	if errors.As(target, &t) {
		return e.Code == t.Code
	}
	return false
}

func newE(code Code, msg string) *E {
	return &E{Code: code, Message: msg, CorrelationID: uuid.NewString()}
}

// Validation reports a malformed EnvSpec or request. Not retryable.
func Validation(field, msg string) *E {
	e := newE(CodeValidation, msg)
	e.Field = field
	return e
}

// Security reports a payload that exceeds caps or fails sanitization.
func Security(msg string) *E {
	return newE(CodeSecurity, msg)
}

// NotFound reports an unknown runId, asset, or template.
func NotFound(what string) *E {
	return newE(CodeNotFound, fmt.Sprintf("%s not found", what))
}

// Unauthorized reports a missing or invalid credential.
func Unauthorized(msg string) *E {
	return newE(CodeUnauthorized, msg)
}

// External wraps a storage, blob store, or compute backend failure.
// Retryable unless the underlying error was a client-side rejection.
func External(service string, err error) *E {
	e := newE(CodeExternal, err.Error())
	e.Service = service
	e.Retryable = true
	e.Err = err
	return e
}

// ExternalFatal wraps a client-side (4xx) collaborator failure that must
// not be retried.
func ExternalFatal(service string, err error) *E {
	e := External(service, err)
	e.Retryable = false
	return e
}

// Timeout reports an exceeded wall-clock deadline. Retryable within the
// operation's retry budget.
func Timeout(op string) *E {
	e := newE(CodeTimeout, fmt.Sprintf("%s: deadline exceeded", op))
	e.Retryable = true
	return e
}

// Rollout reports a simulator invariant violation. Should be unreachable
// given the validator; surfaced as a bug signal, never retried.
func Rollout(msg string) *E {
	return newE(CodeRollout, msg)
}

// Orchestrator reports a compute-backend error during launch, cancel, or
// status reads.
func Orchestrator(msg string, err error) *E {
	e := newE(CodeOrchestrator, msg)
	e.Err = err
	return e
}

// Internal wraps an unexpected failure.
func Internal(err error) *E {
	e := newE(CodeInternal, "internal server error")
	e.Err = err
	return e
}

// As unwraps err into an *E, mirroring errors.As.
func As(err error, target **E) bool {
	return errors.As(err, target)
}

// CodeOf extracts the Code from err, or CodeInternal when err carries none.
func CodeOf(err error) Code {
	var e *E
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// CorrelationOf extracts the correlation id from err, or "" when absent.
func CorrelationOf(err error) string {
	var e *E
	if errors.As(err, &e) {
		return e.CorrelationID
	}
	return ""
}

// IsRetryable reports whether err may be retried.
func IsRetryable(err error) bool {
	var e *E
	if errors.As(err, &e) {
		return e.Retryable
	}
	return false
}

// HTTPStatus maps an error to the response status the facade should send.
func HTTPStatus(err error) int {
	switch CodeOf(err) {
	case CodeValidation, CodeSecurity:
		return http.StatusBadRequest
	case CodeNotFound:
		return http.StatusNotFound
	case CodeUnauthorized:
		return http.StatusUnauthorized
	case CodeExternal:
		return http.StatusBadGateway
	case CodeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
