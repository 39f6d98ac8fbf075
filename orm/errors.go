package orm

import (
	"errors"
	"fmt"
)

var (
	// ErrDoesNotExist is returned when a single-object query matched zero rows.
	ErrDoesNotExist = errors.New("orm: object does not exist")

	// ErrMultipleObjectsReturned is returned when a single-object query matched more than one row.
	ErrMultipleObjectsReturned = errors.New("orm: multiple objects returned")

	// ErrUnsupportedLookup is returned when a backend cannot serve a filter.
	ErrUnsupportedLookup = errors.New("orm: unsupported lookup")

	// ErrValidation is returned when a value violates a field constraint.
	ErrValidation = errors.New("orm: validation error")

	// ErrNotConnected is returned when a backend is used before Connect or after Disconnect.
	ErrNotConnected = errors.New("orm: backend not connected")

	// ErrConstraintViolation is returned when the backend rejects a write because of a constraint.
	ErrConstraintViolation = errors.New("orm: constraint violation")

	// ErrMissingPrimaryKey is returned when an operation needs a primary key that is not set.
	ErrMissingPrimaryKey = errors.New("orm: primary key not set")

	// ErrTransactionDone is returned when a transaction is used after Commit or Rollback.
	ErrTransactionDone = errors.New("orm: transaction already committed or rolled back")

	// ErrUnknownField is returned when a name does not resolve to a field of the entity.
	ErrUnknownField = errors.New("orm: unknown field")

	// ErrUnknownEntity is returned when an entity name is not registered.
	ErrUnknownEntity = errors.New("orm: unknown entity")
)

// ValidationError describes a field-level constraint violation.
type ValidationError struct {
	Entity string
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Entity == "" {
		return fmt.Sprintf("orm: invalid value for field %q: %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("orm: invalid value for %s.%s: %s", e.Entity, e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// UnsupportedLookupError names the field and lookup a backend refused to serve.
type UnsupportedLookupError struct {
	Table  string
	Field  string
	Lookup string
	Reason string
}

func (e *UnsupportedLookupError) Error() string {
	msg := fmt.Sprintf("orm: unsupported lookup %q on field %q", e.Lookup, e.Field)
	if e.Table != "" {
		msg += fmt.Sprintf(" of table %q", e.Table)
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

func (e *UnsupportedLookupError) Is(target error) bool { return target == ErrUnsupportedLookup }

// ConstraintViolationError wraps a backend-reported constraint failure.
// Unwrap returns the native backend error so driver detail is preserved.
type ConstraintViolationError struct {
	Table string
	Field string
	Err   error
}

func (e *ConstraintViolationError) Error() string {
	msg := "orm: constraint violation"
	if e.Table != "" {
		msg += " on " + e.Table
	}
	if e.Field != "" {
		msg += "." + e.Field
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ConstraintViolationError) Is(target error) bool { return target == ErrConstraintViolation }

func (e *ConstraintViolationError) Unwrap() error { return e.Err }
