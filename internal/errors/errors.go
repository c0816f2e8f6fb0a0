// Package errors defines the error taxonomy shared by the transport layer
// and the function evaluation engine.
//
// All errors are wrapped sentinels. Producers add context with fmt.Errorf
// and %w; consumers test with Is or the category helpers below.
package errors

import (
	"errors"
	"fmt"
)

// ============================================================================
// Sentinel errors
// ============================================================================

var (
	// Credential loading
	ErrParse              = errors.New("parse error")
	ErrIO                 = errors.New("I/O error")
	ErrValidation         = errors.New("validation error")
	ErrPSKIdentityTooLong = errors.New("PSK identity too long")

	// Transport
	ErrConfiguration      = errors.New("configuration error")
	ErrTimeout            = errors.New("timeout")
	ErrHandshake          = errors.New("handshake failed")
	ErrPeerVerification   = errors.New("peer verification failed")
	ErrConnectionClosed   = errors.New("connection closed by peer")
	ErrWriteClosed        = errors.New("connection closed during write")
	ErrTaintedCertificate = errors.New("tainted certificate")
	ErrSessionClosed      = errors.New("session is closed")

	// Function evaluation
	ErrParameter        = errors.New("invalid parameter")
	ErrInsufficientData = errors.New("not enough data")
	ErrValueType        = errors.New("unsupported value type")
	ErrUnknownFunction  = errors.New("unknown function")
	ErrItemNotFound     = errors.New("item does not exist, is disabled, or belongs to a disabled host")
	ErrValueCache       = errors.New("cannot get values from value cache")

	// Metastore
	ErrNotFound = errors.New("not found")
	ErrDatabase = errors.New("database error")

	// Server
	ErrRateLimited = errors.New("too many failed handshakes")
)

// ============================================================================
// Helper functions for error checking
// ============================================================================

// Is is a convenience wrapper for errors.Is
var Is = errors.Is

// As is a convenience wrapper for errors.As
var As = errors.As

// New is a convenience wrapper for errors.New
var New = errors.New

// IsFatal reports whether err must stop the process during startup.
// Credential load failures and an over-long PSK identity can never lead to a
// working listener, so the daemon exits on them.
func IsFatal(err error) bool {
	return errors.Is(err, ErrPSKIdentityTooLong) ||
		errors.Is(err, ErrParse) ||
		errors.Is(err, ErrIO) ||
		errors.Is(err, ErrValidation)
}

// IsConnectionLevel returns true for errors that only cost one connection.
func IsConnectionLevel(err error) bool {
	return errors.Is(err, ErrConfiguration) ||
		errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrHandshake) ||
		errors.Is(err, ErrPeerVerification) ||
		errors.Is(err, ErrConnectionClosed) ||
		errors.Is(err, ErrWriteClosed) ||
		errors.Is(err, ErrTaintedCertificate) ||
		errors.Is(err, ErrSessionClosed)
}

// IsEvaluation returns true for errors raised while evaluating one function.
func IsEvaluation(err error) bool {
	return errors.Is(err, ErrParameter) ||
		errors.Is(err, ErrInsufficientData) ||
		errors.Is(err, ErrValueType) ||
		errors.Is(err, ErrUnknownFunction) ||
		errors.Is(err, ErrItemNotFound) ||
		errors.Is(err, ErrValueCache)
}

// IsRetriable returns true if the caller may try the same operation again.
func IsRetriable(err error) bool {
	return errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrConnectionClosed)
}

// Kind returns a short stable label for err, used for metrics and logs.
func Kind(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrConfiguration):
		return "configuration"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrPeerVerification), errors.Is(err, ErrTaintedCertificate):
		return "peer_verification"
	case errors.Is(err, ErrHandshake):
		return "handshake"
	case errors.Is(err, ErrConnectionClosed):
		return "closed"
	case errors.Is(err, ErrParameter):
		return "parameter"
	case errors.Is(err, ErrInsufficientData):
		return "insufficient_data"
	case errors.Is(err, ErrValueType):
		return "value_type"
	case errors.Is(err, ErrItemNotFound):
		return "item_not_found"
	default:
		return "other"
	}
}

// ============================================================================
// Error wrapping utilities
// ============================================================================

// Wrap wraps an error with additional context.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf wraps an error with formatted context.
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

// Newf creates an error of the given kind with a formatted message.
// The message is what operators see; the kind is what code tests for.
func Newf(kind error, format string, args ...interface{}) error {
	return &kindError{kind: kind, msg: fmt.Sprintf(format, args...)}
}

// kindError carries a user-facing message without the "kind: " prefix that
// Wrap would add. Evaluation errors are shown verbatim in trigger error text.
type kindError struct {
	kind error
	msg  string
}

func (e *kindError) Error() string { return e.msg }
func (e *kindError) Unwrap() error { return e.kind }

// ============================================================================
// Validation Errors Collection
// ============================================================================

// NewInvalidValue creates an invalid value error.
func NewInvalidValue(field string, value interface{}, reason string) error {
	return fmt.Errorf("invalid %s '%v': %s: %w", field, value, reason, ErrValidation)
}

// ValidationErrors collects multiple validation errors.
type ValidationErrors struct {
	Errors []error
}

// NewValidationErrors creates a new ValidationErrors collector.
func NewValidationErrors() *ValidationErrors {
	return &ValidationErrors{}
}

// Add adds an error to the collection.
func (v *ValidationErrors) Add(err error) {
	if err != nil {
		v.Errors = append(v.Errors, err)
	}
}

// AddField adds a field validation error.
func (v *ValidationErrors) AddField(field, reason string) {
	v.Errors = append(v.Errors, fmt.Errorf("invalid %s: %s: %w", field, reason, ErrValidation))
}

// HasErrors returns true if there are any errors.
func (v *ValidationErrors) HasErrors() bool {
	return len(v.Errors) > 0
}

// Error implements the error interface.
func (v *ValidationErrors) Error() string {
	if len(v.Errors) == 0 {
		return ""
	}
	if len(v.Errors) == 1 {
		return v.Errors[0].Error()
	}

	msg := fmt.Sprintf("validation failed with %d errors:", len(v.Errors))
	for _, err := range v.Errors {
		msg += "\n  - " + err.Error()
	}
	return msg
}

// Err returns nil if no errors, otherwise returns the ValidationErrors.
func (v *ValidationErrors) Err() error {
	if len(v.Errors) == 0 {
		return nil
	}
	return v
}

// Unwrap returns the first error for errors.Is/As support.
func (v *ValidationErrors) Unwrap() error {
	if len(v.Errors) == 0 {
		return nil
	}
	return v.Errors[0]
}
