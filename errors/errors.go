// Package errors provides error handling for backtestq.
//
// This package re-exports github.com/cockroachdb/errors, providing:
//   - Stack traces for debugging
//   - Error wrapping and context
//   - Hints and details for operators
//
// Queue operations report their outcome through the sentinels below.
// Callers branch with errors.Is rather than matching on messages:
//
//	job, err := svc.Retry(ctx, caller, id, nil)
//	switch {
//	case errors.Is(err, errors.ErrInvalidState):
//	    // job is not failed, or retries are exhausted
//	case errors.Is(err, errors.ErrForbidden):
//	    // caller is neither owner nor operator
//	}
//
// For full documentation see: https://pkg.go.dev/github.com/cockroachdb/errors
package errors

import (
	crdb "github.com/cockroachdb/errors"
)

// Core error creation and wrapping
var (
	New          = crdb.New
	Newf         = crdb.Newf
	Wrap         = crdb.Wrap
	Wrapf        = crdb.Wrapf
	WithStack    = crdb.WithStack
	WithMessage  = crdb.WithMessage
	WithMessagef = crdb.WithMessagef
)

// User-facing messages and details
var (
	WithHint    = crdb.WithHint
	WithHintf   = crdb.WithHintf
	WithDetail  = crdb.WithDetail
	WithDetailf = crdb.WithDetailf
)

// Error inspection
var (
	Is             = crdb.Is
	IsAny          = crdb.IsAny
	As             = crdb.As
	Unwrap         = crdb.Unwrap
	UnwrapAll      = crdb.UnwrapAll
	GetAllHints    = crdb.GetAllHints
	GetAllDetails  = crdb.GetAllDetails
	FlattenHints   = crdb.FlattenHints
	FlattenDetails = crdb.FlattenDetails
)

// Sentinel errors for queue outcomes.
// Wrap these with errors.Wrap() to add context while preserving the type.
var (
	// ErrValidation indicates malformed input (priority out of range, past schedule)
	ErrValidation = New("validation failed")

	// ErrNotFound indicates the requested job does not exist
	ErrNotFound = New("not found")

	// ErrForbidden indicates the caller is neither the owner nor an operator
	ErrForbidden = New("forbidden")

	// ErrInvalidState indicates the operation is not permitted in the job's current status
	ErrInvalidState = New("invalid state")

	// ErrUnauthorized indicates the request lacks a valid identity
	ErrUnauthorized = New("unauthorized")
)

// IsNotFoundError checks if an error is or wraps ErrNotFound.
func IsNotFoundError(err error) bool {
	return err != nil && Is(err, ErrNotFound)
}

// IsValidationError checks if an error is or wraps ErrValidation
func IsValidationError(err error) bool {
	return err != nil && Is(err, ErrValidation)
}

// IsForbiddenError checks if an error is or wraps ErrForbidden
func IsForbiddenError(err error) bool {
	return err != nil && Is(err, ErrForbidden)
}

// IsInvalidStateError checks if an error is or wraps ErrInvalidState
func IsInvalidStateError(err error) bool {
	return err != nil && Is(err, ErrInvalidState)
}

// NewNotFoundError creates a not-found error with a formatted message
func NewNotFoundError(format string, args ...interface{}) error {
	return Wrapf(ErrNotFound, format, args...)
}

// NewValidationError creates a validation error with a formatted message
func NewValidationError(format string, args ...interface{}) error {
	return Wrapf(ErrValidation, format, args...)
}

// NewInvalidStateError creates an invalid-state error with a formatted message
func NewInvalidStateError(format string, args ...interface{}) error {
	return Wrapf(ErrInvalidState, format, args...)
}

// NewForbiddenError creates a forbidden error with a formatted message
func NewForbiddenError(format string, args ...interface{}) error {
	return Wrapf(ErrForbidden, format, args...)
}

// IsUnauthorizedError checks if an error is or wraps ErrUnauthorized
func IsUnauthorizedError(err error) bool {
	return err != nil && Is(err, ErrUnauthorized)
}

// NewUnauthorizedError creates an unauthorized error with a formatted message
func NewUnauthorizedError(format string, args ...interface{}) error {
	return Wrapf(ErrUnauthorized, format, args...)
}
