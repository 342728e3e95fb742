// Package errors provides the venue's typed error taxonomy and its RFC 7807 mapping.
package errors

import (
	"errors"
	"fmt"
	"net/http"
	"runtime"
)

// Standard error functions
var (
	Is     = errors.Is
	As     = errors.As
	Join   = errors.Join
	Unwrap = errors.Unwrap
)

// FieldError represents a validation error for a specific field
type FieldError struct {
	Kind    string `json:"kind"`
	Field   string `json:"field"`
	Message string `json:"message,omitempty"`
}

func (f *FieldError) Error() string {
	return fmt.Sprintf("%s (%s): %s", f.Field, f.Kind, f.Message)
}

func NewFieldError(kind, field, reason string) FieldError {
	return FieldError{Kind: kind, Field: field, Message: reason}
}

// Error is a custom error type for passing more information
type Error struct {
	// Kind is the returned error type
	Kind string `json:"kind"`
	// Message is the human readable string that indicate the error
	Message string `json:"message"`
	// Fields used when there's validation error for a field.
	Fields []FieldError `json:"fields,omitempty"`

	status int
	trace  []byte
	cause  error
}

var _ error = (*Error)(nil)

func newKind(kind string, status int) *Error {
	return &Error{Kind: kind, status: status}
}

// Error kinds. Each is a template: use Explain/Wrap to derive a concrete error.
var (
	ValidationError    = newKind("ValidationError", http.StatusBadRequest)
	PrecisionError     = newKind("PrecisionError", http.StatusBadRequest)
	DuplicateOrder     = newKind("DuplicateOrder", http.StatusConflict)
	OrderNotFound      = newKind("OrderNotFound", http.StatusNotFound)
	UnknownPair        = newKind("UnknownPair", http.StatusNotFound)
	QueueFull          = newKind("QueueFull", http.StatusTooManyRequests)
	ShardUnavailable   = newKind("ShardUnavailable", http.StatusServiceUnavailable)
	TaskTimeout        = newKind("TaskTimeout", http.StatusGatewayTimeout)
	PriceCrossesMarket = newKind("PriceCrossesMarket", http.StatusUnprocessableEntity)
	BalanceDiscrepancy = newKind("BalanceDiscrepancy", http.StatusUnprocessableEntity)
	InsufficientFunds  = newKind("InsufficientFunds", http.StatusUnprocessableEntity)
	PriceDeviation     = newKind("PriceDeviation", http.StatusUnprocessableEntity)
	ProofInvalid       = newKind("ProofInvalid", http.StatusUnprocessableEntity)
	AlreadyValidated   = newKind("AlreadyValidated", http.StatusConflict)
	StaleOrder         = newKind("StaleOrder", http.StatusUnprocessableEntity)
	Unavailable        = newKind("Unavailable", http.StatusServiceUnavailable)
	Unauthorized       = newKind("Unauthorized", http.StatusUnauthorized)
	Forbidden          = newKind("Forbidden", http.StatusForbidden)
	RateLimited        = newKind("RateLimited", http.StatusTooManyRequests)
	Internal           = newKind("Internal", http.StatusInternalServerError)
)

func New(message string) *Error {
	return &Error{Kind: "Unknown", Message: message, status: http.StatusInternalServerError}
}

// Error implements error
func (e *Error) Error() string {
	str := fmt.Sprintf("[%s] ", e.Kind)
	if e.Message != "" {
		str += e.Message
	}
	if e.cause != nil {
		str += fmt.Sprintf(" (%s)", e.cause)
	}
	if len(e.trace) > 0 {
		str = str + fmt.Sprintf("\n\nTrace: %s", string(e.trace))
	}
	return str
}

// Status returns the HTTP status associated with the kind.
func (e *Error) Status() int {
	if e.status == 0 {
		return http.StatusInternalServerError
	}
	return e.status
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

// Wrap returns a copy of the error with the given cause
func (e *Error) Wrap(cause error) *Error {
	err := *e
	err.cause = cause
	return &err
}

// Explain makes a copy of the error with given message
func (e *Error) Explain(message string, args ...any) *Error {
	err := *e
	err.Message = fmt.Sprintf(message, args...)
	return &err
}

// Trace sets the error stack trace
func (e *Error) Trace() *Error {
	err := *e
	stack := make([]byte, 2048)
	n := runtime.Stack(stack, false)
	err.trace = stack[:n]
	return &err
}

// WithField returns a copy of error with the field appended.
func (e *Error) WithField(kind, field, message string) *Error {
	newError := *e
	newError.Fields = append(append([]FieldError(nil), e.Fields...), NewFieldError(kind, field, message))
	return &newError
}

// Is implements the needed interface for errors.Is
// It checks kind for equality
func (e *Error) Is(target error) bool {
	if e == nil {
		return target == nil
	}
	if other, ok := target.(*Error); ok {
		return other.Kind == e.Kind
	}
	return false
}

// KindOf returns the Kind of the first *Error in err's chain, or "" if none.
func KindOf(err error) string {
	var e *Error
	if As(err, &e) {
		return e.Kind
	}
	return ""
}

// DispatchError is returned when an order could not be executed by its shard.
// Remaining is the exact unfilled amount the caller may safely resubmit.
type DispatchError struct {
	Err       error
	OrderID   string
	Remaining string
}

func (d *DispatchError) Error() string {
	return fmt.Sprintf("order %s not executed (remaining %s): %v", d.OrderID, d.Remaining, d.Err)
}

func (d *DispatchError) Unwrap() error { return d.Err }

// RemainingOf extracts the unfilled remainder carried by a dispatch failure.
func RemainingOf(err error) (string, bool) {
	var d *DispatchError
	if As(err, &d) {
		return d.Remaining, true
	}
	return "", false
}
