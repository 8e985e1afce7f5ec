/*
errors.go - Error kinds for the rent ledger

ERROR KINDS:
  NotFound   shop / invoice / fine missing
  Duplicate  invoice already generated for the period, fine already exists
  Validation non-positive amount, missing field, invalid enum, business rule
  Conflict   concurrent mutation detected by the storage backend
  Internal   anything else coming out of storage

Callers classify with errors.Is against the kind sentinels, or with KindOf.
Duplicate and Validation are never worth retrying; Conflict and Internal are.
*/
package ledger

import (
	"errors"
	"fmt"
)

// =============================================================================
// KIND SENTINELS - use with errors.Is()
// =============================================================================

var (
	ErrNotFound   = errors.New("not found")
	ErrDuplicate  = errors.New("duplicate")
	ErrValidation = errors.New("validation failed")
	ErrConflict   = errors.New("concurrent modification detected")
	ErrInternal   = errors.New("internal error")
)

// Named errors surfaced by the core operations.
var (
	ErrShopNotFound      = &NotFoundError{Resource: "shop"}
	ErrInvoiceNotFound   = &NotFoundError{Resource: "invoice"}
	ErrFineNotFound      = &NotFoundError{Resource: "fine"}
	ErrDuplicatePeriod   = &DuplicateError{Resource: "invoice", Reason: "already generated for period"}
	ErrFineAlreadyExists = &DuplicateError{Resource: "fine", Reason: "already exists for invoice"}
	ErrNoOutstandingRent = &ValidationError{Field: "invoice_id", Message: "no outstanding rent to fine"}
)

// =============================================================================
// STRUCTURED ERRORS
// =============================================================================

type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	if e.ID == "" {
		return e.Resource + " not found"
	}
	return fmt.Sprintf("%s %q not found", e.Resource, e.ID)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// Is matches another NotFoundError for the same resource, ignoring the id,
// so errors.Is(err, ErrInvoiceNotFound) holds for any missing invoice.
func (e *NotFoundError) Is(target error) bool {
	t, ok := target.(*NotFoundError)
	return ok && t.Resource == e.Resource
}

// WithID returns a copy carrying the missing id.
func (e *NotFoundError) WithID(id string) *NotFoundError {
	return &NotFoundError{Resource: e.Resource, ID: id}
}

type DuplicateError struct {
	Resource string
	Key      string
	Reason   string
}

func (e *DuplicateError) Error() string {
	msg := e.Resource
	if e.Key != "" {
		msg += fmt.Sprintf(" %q", e.Key)
	}
	if e.Reason != "" {
		msg += " " + e.Reason
	}
	return msg
}

func (e *DuplicateError) Unwrap() error { return ErrDuplicate }

func (e *DuplicateError) Is(target error) bool {
	t, ok := target.(*DuplicateError)
	return ok && t.Resource == e.Resource
}

func (e *DuplicateError) WithKey(key string) *DuplicateError {
	return &DuplicateError{Resource: e.Resource, Key: key, Reason: e.Reason}
}

type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return e.Field + ": " + e.Message
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

func (e *ValidationError) Is(target error) bool {
	t, ok := target.(*ValidationError)
	return ok && t.Field == e.Field && t.Message == e.Message
}

// Invalid is shorthand for a ValidationError.
func Invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// =============================================================================
// CLASSIFICATION
// =============================================================================

type Kind string

const (
	KindNotFound   Kind = "NotFound"
	KindDuplicate  Kind = "Duplicate"
	KindValidation Kind = "Validation"
	KindConflict   Kind = "Conflict"
	KindInternal   Kind = "Internal"
)

// KindOf classifies err. Unclassified errors are Internal.
func KindOf(err error) Kind {
	switch {
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrDuplicate):
		return KindDuplicate
	case errors.Is(err, ErrValidation):
		return KindValidation
	case errors.Is(err, ErrConflict):
		return KindConflict
	default:
		return KindInternal
	}
}

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	k := KindOf(err)
	return err != nil && (k == KindConflict || k == KindInternal)
}

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	switch KindOf(err) {
	case KindNotFound, KindDuplicate, KindValidation:
		return true
	}
	return false
}
