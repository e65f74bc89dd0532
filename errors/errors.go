// Package errors provides error handling for the used-CSS pipeline.
//
// This package re-exports github.com/cockroachdb/errors, so every error
// carries a stack trace and can hold hints and details for operators.
//
// Usage:
//
//	if err := store.Save(ctx, rec); err != nil {
//	    return errors.Wrap(err, "failed to save used CSS record")
//	}
//
//	if errors.Is(err, errors.ErrNotFound) {
//	    // nothing to do
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

// Assertions
var AssertionFailedf = crdb.AssertionFailedf

// Sentinel errors shared across packages. Wrap them to add context;
// errors.Is still matches through the wrap.
var (
	// ErrNotFound indicates the requested row does not exist
	ErrNotFound = New("not found")

	// ErrInvalidRequest indicates the request was malformed or invalid
	ErrInvalidRequest = New("invalid request")

	// ErrUnauthorized indicates the caller lacks the required capability
	ErrUnauthorized = New("unauthorized")

	// ErrForbidden indicates the caller is authenticated but lacks the capability
	ErrForbidden = New("forbidden")

	// ErrReplay indicates a one-time token was missing, expired, or already used
	ErrReplay = New("token replayed or expired")

	// ErrServiceUnavailable indicates the compute service could not be reached
	ErrServiceUnavailable = New("service unavailable")

	// ErrConflict indicates a concurrent writer won a compare-and-set
	ErrConflict = New("resource conflict")
)

// IsNotFoundError checks if an error is or wraps ErrNotFound.
func IsNotFoundError(err error) bool {
	return err != nil && Is(err, ErrNotFound)
}

// IsInvalidRequestError checks if an error is or wraps ErrInvalidRequest
func IsInvalidRequestError(err error) bool {
	return err != nil && Is(err, ErrInvalidRequest)
}

// IsServiceUnavailableError checks if an error is or wraps ErrServiceUnavailable
func IsServiceUnavailableError(err error) bool {
	return err != nil && Is(err, ErrServiceUnavailable)
}

// NewNotFoundError creates a not-found error with a formatted message
func NewNotFoundError(format string, args ...interface{}) error {
	return Wrapf(ErrNotFound, format, args...)
}

// NewInvalidRequestError creates an invalid-request error with a formatted message
func NewInvalidRequestError(format string, args ...interface{}) error {
	return Wrapf(ErrInvalidRequest, format, args...)
}
