/*
errors.go - Error taxonomy shared by the store and every engine

PURPOSE:
  Callers classify failures with errors.Is against the sentinels below.
  Structured errors carry context and unwrap to their sentinel.

ERROR CATEGORIES:
  1. Validation - bad input, rejected before any write
  2. Conflict - a guarded transition did not apply, or a precondition failed
  3. NotFound - a referenced entity does not exist
  4. Persistence - the store failed; the enclosing transaction rolls back

  Reconciliation discrepancies are never errors. They are written as
  PaymentException rows.

SEE ALSO:
  - store/sqlstore/errors.go: maps driver uniqueness errors to ErrDuplicate
  - api/handlers.go: maps categories to HTTP statuses
*/
package ledger

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	ErrValidation = errors.New("validation failed")

	ErrConflict = errors.New("conflict")

	ErrNotFound = errors.New("not found")

	ErrPersistence = errors.New("persistence failure")

	// ErrDuplicate is returned by the store when a uniqueness constraint
	// rejects a write.
	ErrDuplicate = errors.New("duplicate")

	// ErrConfirmationRequired is returned when a destructive cascade is
	// requested without the caller acknowledging its impact.
	ErrConfirmationRequired = errors.New("confirmation required")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Message
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// Invalid builds a ValidationError.
func Invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

type ConflictError struct {
	Entity  string
	ID      int64
	Message string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflict on %s %d: %s", e.Entity, e.ID, e.Message)
}

func (e *ConflictError) Unwrap() error { return ErrConflict }

// Conflict builds a ConflictError.
func Conflict[ID ~int64](entity string, id ID, format string, args ...any) error {
	return &ConflictError{Entity: entity, ID: int64(id), Message: fmt.Sprintf(format, args...)}
}

type NotFoundError struct {
	Entity string
	ID     int64
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %d not found", e.Entity, e.ID)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// NotFound builds a NotFoundError.
func NotFound[ID ~int64](entity string, id ID) error {
	return &NotFoundError{Entity: entity, ID: int64(id)}
}

// PersistenceError wraps a store failure with the operation that caused it.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

// Unwrap exposes both the sentinel and the driver error.
func (e *PersistenceError) Unwrap() []error { return []error{ErrPersistence, e.Err} }

// Persistence wraps err unless it is nil or already classified.
func Persistence(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrDuplicate) || errors.Is(err, ErrPersistence) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return &PersistenceError{Op: op, Err: err}
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidation)
}

func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsConflict returns true for guarded-state failures, including a missing
// cascade confirmation.
func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict) || errors.Is(err, ErrConfirmationRequired)
}
