// Package errors defines the domain error taxonomy for the custody
// subsystem and its RFC 7807 mapping for the HTTP surface.
package errors

import (
	"errors"
	"fmt"
)

// Kind classifies a domain error.
type Kind string

const (
	KindValidation        Kind = "ValidationError"
	KindNotFound          Kind = "NotFoundError"
	KindConflict          Kind = "ConflictError"
	KindTamper            Kind = "TamperError"
	KindExpired           Kind = "ExpiredError"
	KindInsufficientFunds Kind = "InsufficientFundsError"
	KindSystem            Kind = "SystemError"
)

// FieldError carries field-level detail for validation failures.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Error is the unified domain error type. Storage and collaborator
// failures are wrapped as KindSystem with the cause retained for
// internal logging but never surfaced to callers.
type Error struct {
	Kind    Kind
	Message string
	Fields  []FieldError
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap exposes the cause for errors.Is/As chains.
func (e *Error) Unwrap() error { return e.cause }

// Is matches two domain errors by kind so callers can compare against
// the exported sentinels below.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Kind == t.Kind
	}
	return false
}

// Sentinels for errors.Is comparisons.
var (
	ErrValidation        = &Error{Kind: KindValidation}
	ErrNotFound          = &Error{Kind: KindNotFound}
	ErrConflict          = &Error{Kind: KindConflict}
	ErrTamper            = &Error{Kind: KindTamper}
	ErrExpired           = &Error{Kind: KindExpired}
	ErrInsufficientFunds = &Error{Kind: KindInsufficientFunds}
	ErrSystem            = &Error{Kind: KindSystem}
)

// Validation creates a validation error with optional field detail.
func Validation(message string, fields ...FieldError) *Error {
	return &Error{Kind: KindValidation, Message: message, Fields: fields}
}

// NotFound creates a not-found error.
func NotFound(message string) *Error {
	return &Error{Kind: KindNotFound, Message: message}
}

// Conflict creates a state-conflict error (already consumed/completed).
func Conflict(message string) *Error {
	return &Error{Kind: KindConflict, Message: message}
}

// Tamper creates a signature-mismatch error.
func Tamper(message string) *Error {
	return &Error{Kind: KindTamper, Message: message}
}

// Expired creates an expiry error.
func Expired(message string) *Error {
	return &Error{Kind: KindExpired, Message: message}
}

// InsufficientFunds creates an insufficient-funds error.
func InsufficientFunds(message string) *Error {
	return &Error{Kind: KindInsufficientFunds, Message: message}
}

// System wraps a storage or collaborator failure. The cause is kept for
// internal logs; callers only see the opaque message.
func System(message string, cause error) *Error {
	return &Error{Kind: KindSystem, Message: message, cause: cause}
}

// KindOf returns the kind of err, or KindSystem for foreign errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindSystem
}
