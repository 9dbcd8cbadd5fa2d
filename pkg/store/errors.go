package store

import (
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"io"
	"net"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/spotplane/spotplane/pkg/models"
)

// Typed failures surfaced by the stores. Handlers map these to HTTP
// statuses; workers decide retry behavior from them.
var (
	// ErrNotFound indicates the requested row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrOptimisticConflict indicates a version-checked write lost the
	// race. Never retried automatically: the caller must re-read state
	// and decide again.
	ErrOptimisticConflict = errors.New("optimistic conflict")

	// ErrInvariantViolation indicates a write would have produced an
	// illegal state (two primaries, both policy toggles on, a negative
	// counter). Surfaced and logged, never auto-corrected.
	ErrInvariantViolation = errors.New("invariant violation")

	// ErrCommandTerminal indicates an attempt to mutate a command that
	// already reached a terminal status.
	ErrCommandTerminal = errors.New("command already terminal")

	// ErrInvalidInput indicates the caller supplied an unusable value.
	ErrInvalidInput = errors.New("invalid input")
)

// DuplicateRequestError is returned when a request id is resubmitted
// while the original command is still in flight. Terminal duplicates are
// not errors; callers replay the stored result instead.
type DuplicateRequestError struct {
	Existing *models.Command
}

func (e *DuplicateRequestError) Error() string {
	return fmt.Sprintf("duplicate request %q: command %s still %s",
		e.Existing.RequestID, e.Existing.ID, e.Existing.Status)
}

// ValidationError carries a field-level rejection.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error { return ErrInvalidInput }

// NewValidationError creates a field-level validation error.
func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{Field: field, Message: message}
}

// Postgres error codes treated as transient. Deadlocks and
// serialization failures resolve on retry; connection-class errors may
// resolve once the pool reconnects.
var transientPgCodes = map[string]bool{
	"40001": true, // serialization_failure
	"40P01": true, // deadlock_detected
	"08000": true, // connection_exception
	"08003": true, // connection_does_not_exist
	"08006": true, // connection_failure
	"53300": true, // too_many_connections
	"57P03": true, // cannot_connect_now
}

// IsTransient reports whether err is worth a bounded retry. Optimistic
// conflicts are deliberately not transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrOptimisticConflict) || errors.Is(err, ErrInvariantViolation) {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return transientPgCodes[pgErr.Code]
	}
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, io.EOF) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// classifyWriteError translates low-level postgres failures into the
// store's typed errors, keyed on the violated constraint where one is
// named.
func classifyWriteError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch pgErr.Code {
	case "23505": // unique_violation
		switch pgErr.ConstraintName {
		case "instances_one_primary_per_agent":
			return fmt.Errorf("%w: second primary for agent", ErrInvariantViolation)
		case "pricing_consolidated_pkey", "pricing_canonical_pkey":
			return fmt.Errorf("%w: duplicate price point", ErrInvariantViolation)
		}
		return fmt.Errorf("%w: %s", ErrInvariantViolation, pgErr.ConstraintName)
	case "23514": // check_violation
		return fmt.Errorf("%w: %s", ErrInvariantViolation, pgErr.ConstraintName)
	}
	return err
}
