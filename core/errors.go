/*
errors.go - Centralized error taxonomy

PURPOSE:
  Every failure crossing a component boundary maps to exactly one of five
  codes. Domain packages wrap these with context; the API layer maps them
  to HTTP statuses.

TAXONOMY:
  VALIDATION    - malformed or logically inconsistent input
  NOT_FOUND     - referenced entity absent
  CONFLICT      - idempotency mismatch, out-of-sequence decision, overlap
  UNPROCESSABLE - a business rule blocks the operation
  INTERNAL      - anything unexpected; never leaks internal state

USAGE:
  Domain code wraps sentinels:

    if errors.Is(err, core.ErrConflict) { ... }

  or builds a Fault with detail:

    return core.Faultf(core.CodeValidation, "end %s before start %s", end, start)
*/
package core

import (
	"errors"
	"fmt"
)

// =============================================================================
// CODES AND SENTINELS
// =============================================================================

type Code string

const (
	CodeValidation    Code = "VALIDATION"
	CodeNotFound      Code = "NOT_FOUND"
	CodeConflict      Code = "CONFLICT"
	CodeUnprocessable Code = "UNPROCESSABLE"
	CodeInternal      Code = "INTERNAL"
)

var (
	ErrValidation    = errors.New("validation failed")
	ErrNotFound      = errors.New("not found")
	ErrConflict      = errors.New("conflict")
	ErrUnprocessable = errors.New("unprocessable")
	ErrInternal      = errors.New("internal error")
)

func (c Code) sentinel() error {
	switch c {
	case CodeValidation:
		return ErrValidation
	case CodeNotFound:
		return ErrNotFound
	case CodeConflict:
		return ErrConflict
	case CodeUnprocessable:
		return ErrUnprocessable
	default:
		return ErrInternal
	}
}

// =============================================================================
// FAULT - Structured error carrying a taxonomy code
// =============================================================================

type Fault struct {
	Code    Code
	Message string
}

func (f *Fault) Error() string { return fmt.Sprintf("%s: %s", f.Code, f.Message) }

// Unwrap lets errors.Is match the code's sentinel.
func (f *Fault) Unwrap() error { return f.Code.sentinel() }

// Faultf builds a Fault with a formatted message.
func Faultf(code Code, format string, args ...any) *Fault {
	return &Fault{Code: code, Message: fmt.Sprintf(format, args...)}
}

// CodeOf extracts the taxonomy code from any error chain.
// Unclassified errors are INTERNAL.
func CodeOf(err error) Code {
	var f *Fault
	if errors.As(err, &f) {
		return f.Code
	}
	switch {
	case errors.Is(err, ErrValidation):
		return CodeValidation
	case errors.Is(err, ErrNotFound):
		return CodeNotFound
	case errors.Is(err, ErrConflict):
		return CodeConflict
	case errors.Is(err, ErrUnprocessable):
		return CodeUnprocessable
	default:
		return CodeInternal
	}
}

// IsClientError reports whether the error is attributable to the caller.
func IsClientError(err error) bool {
	switch CodeOf(err) {
	case CodeValidation, CodeNotFound, CodeConflict, CodeUnprocessable:
		return true
	}
	return false
}
