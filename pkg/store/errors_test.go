package store

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"io"
	"net"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsTransient(t *testing.T) {
	cases := []struct {
		name      string
		err       error
		transient bool
	}{
		{"nil", nil, false},
		{"optimistic conflict", ErrOptimisticConflict, false},
		{"wrapped conflict", fmt.Errorf("promote: %w", ErrOptimisticConflict), false},
		{"invariant violation", ErrInvariantViolation, false},
		{"not found", ErrNotFound, false},
		{"deadlock", &pgconn.PgError{Code: "40P01"}, true},
		{"serialization failure", &pgconn.PgError{Code: "40001"}, true},
		{"connection failure", &pgconn.PgError{Code: "08006"}, true},
		{"too many connections", &pgconn.PgError{Code: "53300"}, true},
		{"unique violation", &pgconn.PgError{Code: "23505"}, false},
		{"bad conn", driver.ErrBadConn, true},
		{"eof", io.EOF, true},
		{"net error", &net.OpError{Op: "dial", Err: errors.New("refused")}, true},
		{"plain error", errors.New("boom"), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.transient, IsTransient(tc.err))
		})
	}
}

func TestClassifyWriteError(t *testing.T) {
	assert.NoError(t, classifyWriteError(nil))
	assert.ErrorIs(t, classifyWriteError(sql.ErrNoRows), ErrNotFound)

	err := classifyWriteError(&pgconn.PgError{
		Code:           "23505",
		ConstraintName: "instances_one_primary_per_agent",
	})
	assert.ErrorIs(t, err, ErrInvariantViolation)
	assert.Contains(t, err.Error(), "second primary")

	err = classifyWriteError(&pgconn.PgError{Code: "23514", ConstraintName: "agents_policy_exclusive"})
	assert.ErrorIs(t, err, ErrInvariantViolation)

	// Unclassified failures pass through unchanged.
	boom := errors.New("boom")
	assert.Equal(t, boom, classifyWriteError(boom))
}

func TestValidationErrorUnwrapsToInvalidInput(t *testing.T) {
	err := NewValidationError("mode", "must be spot or ondemand")
	assert.ErrorIs(t, err, ErrInvalidInput)

	var validErr *ValidationError
	require.ErrorAs(t, error(err), &validErr)
	assert.Equal(t, "mode", validErr.Field)
}

func TestRunWithRetry_RetriesTransientOnly(t *testing.T) {
	ctx := context.Background()

	attempts := 0
	err := RunWithRetry(ctx, func() error {
		attempts++
		if attempts < 3 {
			return &pgconn.PgError{Code: "40P01"}
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)

	attempts = 0
	err = RunWithRetry(ctx, func() error {
		attempts++
		return ErrOptimisticConflict
	})
	assert.ErrorIs(t, err, ErrOptimisticConflict)
	assert.Equal(t, 1, attempts, "conflicts must never be retried")

	attempts = 0
	err = RunWithRetry(ctx, func() error {
		attempts++
		return driver.ErrBadConn
	})
	assert.Error(t, err)
	assert.Equal(t, 3, attempts, "transient failures are bounded")
}
