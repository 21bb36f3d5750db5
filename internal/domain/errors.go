// Package domain contains core business types and interfaces.
//
// This file defines the structured application error type and the billing
// error taxonomy used by the webhook reconciler and read paths.
package domain

import (
	"errors"
	"fmt"
)

// Application error codes
const (
	EINVALID   = "invalid"          // Invalid input or a required field missing from a payload
	ENOTFOUND  = "not_found"        // Resource not found
	ECONFLICT  = "conflict"         // Resource conflict (e.g., duplicate)
	EPAYMENT   = "payment_required" // Plan quota exhausted or payment needed
	EINVARIANT = "invariant"        // Data corruption: a structurally impossible state
	EINTERNAL  = "internal"         // Internal server error
)

// Error represents an application error with structured information.
type Error struct {
	Code    string // Machine-readable error code
	Op      string // Operation that failed (e.g., "billing.handle_event")
	Message string // Human-readable message
	Err     error  // Underlying error
}

func (e *Error) Error() string {
	if e.Op != "" {
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Errorf creates a new Error with the given code, operation, and formatted message.
func Errorf(code, op, format string, args ...interface{}) *Error {
	return &Error{
		Code:    code,
		Op:      op,
		Message: fmt.Sprintf(format, args...),
	}
}

// ErrorCode returns the code of the root error, or EINTERNAL if none.
func ErrorCode(err error) string {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return EINTERNAL
}

// ErrorMessage returns the human-readable message of the error.
func ErrorMessage(err error) string {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		if e.Code == EINTERNAL {
			return "An internal error occurred. Please try again later."
		}
		return e.Message
	}
	return "An internal error occurred. Please try again later."
}

// Convenience constructors for common error types

// NotFound creates a not found error.
func NotFound(op, resource, id string) *Error {
	return &Error{
		Code:    ENOTFOUND,
		Op:      op,
		Message: fmt.Sprintf("%s with ID %q not found", resource, id),
	}
}

// Invalid creates a validation error.
func Invalid(op, message string) *Error {
	return &Error{
		Code:    EINVALID,
		Op:      op,
		Message: message,
	}
}

// Conflict creates a conflict error.
func Conflict(op, message string) *Error {
	return &Error{
		Code:    ECONFLICT,
		Op:      op,
		Message: message,
	}
}

// Internal creates an internal error, wrapping the underlying error.
func Internal(err error, op, message string) *Error {
	return &Error{
		Code:    EINTERNAL,
		Op:      op,
		Message: message,
		Err:     err,
	}
}

// Billing-specific constructors. Webhook processing must surface the
// offending identifier (session id, invoice id, customer id) so an operator
// can trace the event in the Stripe dashboard.

// MissingField reports a required field absent from a provider payload.
// The ref identifies the payload (e.g. a session or invoice id).
func MissingField(op, field, ref string) *Error {
	return &Error{
		Code:    EINVALID,
		Op:      op,
		Message: fmt.Sprintf("empty %s in %q", field, ref),
	}
}

// UnresolvedAccount reports that no account matches a customer or client reference.
func UnresolvedAccount(op, ref string) *Error {
	return &Error{
		Code:    ENOTFOUND,
		Op:      op,
		Message: fmt.Sprintf("no account found for stripe reference %q", ref),
	}
}

// UnresolvedPlan reports that no plan matches a provider plan identifier.
func UnresolvedPlan(op, stripeProductID string) *Error {
	return &Error{
		Code:    ENOTFOUND,
		Op:      op,
		Message: fmt.Sprintf("no plan found for stripe product %q", stripeProductID),
	}
}

// OutOfCapacity reports that an account consumed its plan quota and uploads
// are rejected until the period resets or the plan is upgraded.
func OutOfCapacity(op, accountID string) *Error {
	return &Error{
		Code:    EPAYMENT,
		Op:      op,
		Message: fmt.Sprintf("account %q is out of screenshot capacity for the current period", accountID),
	}
}

// Invariant reports a structurally impossible state. Processing of the
// offending record must halt rather than guess; this indicates data
// corruption, not bad input.
func Invariant(op, message string) *Error {
	return &Error{
		Code:    EINVARIANT,
		Op:      op,
		Message: message,
	}
}
