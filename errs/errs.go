// Package errs provides structured error types and helpers for tradecore services.
package errs

import (
	"errors"
	"sort"
	"strconv"
	"strings"
)

// Code identifies an error category produced by the engine.
type Code string

const (
	// CodeValidation indicates malformed or out-of-range input; never retried.
	CodeValidation Code = "validation"
	// CodeNotFound indicates a missing order, portfolio, or instrument.
	CodeNotFound Code = "not_found"
	// CodeAccessDenied indicates the caller does not own the target resource.
	CodeAccessDenied Code = "access_denied"
	// CodeInvalidState indicates the operation is illegal for the order's current status.
	CodeInvalidState Code = "invalid_state"
	// CodeExecution indicates a collaborator failed mid-operation; safe to retry.
	CodeExecution Code = "execution_failure"
	// CodeConflict indicates a concurrent mutation conflict.
	CodeConflict Code = "conflict"
	// CodeUnavailable indicates the service is temporarily unavailable.
	CodeUnavailable Code = "unavailable"
)

// E captures structured error information produced across the tradecore stack.
type E struct {
	Component string
	Code      Code
	Message   string
	OrderID   string
	Field     string
	Metadata  map[string]string

	cause error
}

// Option configures an error envelope.
type Option func(*E)

// New constructs an error envelope for the component and error code.
func New(component string, code Code, opts ...Option) *E {
	e := &E{
		Component: strings.TrimSpace(component),
		Code:      code,
		Message:   "",
		OrderID:   "",
		Field:     "",
		Metadata:  nil,
		cause:     nil,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// WithMessage attaches a human-readable message to the error.
func WithMessage(message string) Option {
	trimmed := strings.TrimSpace(message)
	return func(e *E) {
		e.Message = trimmed
	}
}

// WithOrderID records the order the failure relates to.
func WithOrderID(id string) Option {
	trimmed := strings.TrimSpace(id)
	return func(e *E) {
		e.OrderID = trimmed
	}
}

// WithField names the offending request field for validation failures.
func WithField(field string) Option {
	trimmed := strings.TrimSpace(field)
	return func(e *E) {
		e.Field = trimmed
	}
}

// WithCause sets the underlying cause error.
func WithCause(err error) Option {
	return func(e *E) {
		e.cause = err
	}
}

// WithMetadata merges the provided metadata into the error envelope.
func WithMetadata(meta map[string]string) Option {
	return func(e *E) {
		if len(meta) == 0 {
			return
		}
		if e.Metadata == nil {
			e.Metadata = make(map[string]string, len(meta))
		}
		for k, v := range meta {
			key := strings.TrimSpace(k)
			if key == "" {
				continue
			}
			e.Metadata[key] = strings.TrimSpace(v)
		}
	}
}

func (e *E) Error() string {
	if e == nil {
		return "<nil>"
	}
	var parts []string

	component := strings.TrimSpace(e.Component)
	if component == "" {
		component = "unknown"
	}
	parts = append(parts, "component="+component)

	code := strings.TrimSpace(string(e.Code))
	if code == "" {
		code = "unknown"
	}
	parts = append(parts, "code="+code)

	if e.OrderID != "" {
		parts = append(parts, "order="+e.OrderID)
	}
	if e.Field != "" {
		parts = append(parts, "field="+e.Field)
	}
	if e.Message != "" {
		parts = append(parts, "message="+strconv.Quote(e.Message))
	}
	if len(e.Metadata) > 0 {
		keys := make([]string, 0, len(e.Metadata))
		for k := range e.Metadata {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		pairs := make([]string, 0, len(keys))
		for _, k := range keys {
			pairs = append(pairs, k+"="+strconv.Quote(e.Metadata[k]))
		}
		parts = append(parts, "metadata="+strings.Join(pairs, ","))
	}
	if e.cause != nil {
		parts = append(parts, "cause="+strconv.Quote(e.cause.Error()))
	}

	return strings.Join(parts, " ")
}

func (e *E) Unwrap() error { return e.cause }

// CodeOf extracts the error code from err, or empty when err is not an envelope.
func CodeOf(err error) Code {
	var e *E
	if errors.As(err, &e) && e != nil {
		return e.Code
	}
	return ""
}

// Is reports whether err carries the given code.
func Is(err error, code Code) bool {
	return CodeOf(err) == code
}

// Retryable reports whether the caller may safely retry the whole operation.
// Only collaborator failures that commit nothing are retryable; validation and
// state errors are deterministic.
func Retryable(err error) bool {
	switch CodeOf(err) {
	case CodeExecution, CodeUnavailable:
		return true
	default:
		return false
	}
}

// NotFound returns a standardized not-found error for the named resource.
func NotFound(component, resource, id string) *E {
	return New(component, CodeNotFound,
		WithMessage(resource+" not found"),
		WithMetadata(map[string]string{"id": id}))
}

// InvalidState returns a standardized illegal-transition error.
func InvalidState(component, orderID, status, operation string) *E {
	return New(component, CodeInvalidState,
		WithOrderID(orderID),
		WithMessage("cannot "+operation+" order in status "+status))
}
