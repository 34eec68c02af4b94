// Package errs defines the error taxonomy shared by the dispatch core.
// Callers branch with errors.As / the Is* helpers rather than string checks.
package errs

import (
	"errors"
	"fmt"
)

// ValidationError rejects malformed input before any state change.
// Safe to retry after correction.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation: %s %s", e.Field, e.Reason)
}

// ConflictError means the caller lost a race or requested an invalid
// transition. Re-fetch current state before retrying.
type ConflictError struct {
	Reason string
}

func (e *ConflictError) Error() string { return "conflict: " + e.Reason }

// NotFoundError means the referenced entity does not exist.
type NotFoundError struct {
	Entity string
	ID     string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Entity, e.ID)
}

// LedgerError reports a failed balance debit. The owning status transition
// still commits; the error is surfaced for out-of-band reconciliation.
type LedgerError struct {
	AccountID string
	RideID    string
	Err       error
}

func (e *LedgerError) Error() string {
	return fmt.Sprintf("ledger debit account=%s ride=%s: %v", e.AccountID, e.RideID, e.Err)
}

func (e *LedgerError) Unwrap() error { return e.Err }

// TransientError marks a feed delivery hiccup the consumer should absorb
// by reconnecting or falling back to a manual refresh.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return "transient: " + e.Err.Error() }

func (e *TransientError) Unwrap() error { return e.Err }

func Validation(field, reason string) error { return &ValidationError{Field: field, Reason: reason} }

func Conflict(format string, args ...any) error {
	return &ConflictError{Reason: fmt.Sprintf(format, args...)}
}

func NotFound(entity, id string) error { return &NotFoundError{Entity: entity, ID: id} }

func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

func IsConflict(err error) bool {
	var c *ConflictError
	return errors.As(err, &c)
}

func IsNotFound(err error) bool {
	var n *NotFoundError
	return errors.As(err, &n)
}

func IsLedger(err error) bool {
	var l *LedgerError
	return errors.As(err, &l)
}
