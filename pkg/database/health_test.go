package database

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockClient(t *testing.T) (*Client, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewClientFromDB(sqlx.NewDb(db, "sqlmock")), mock
}

func TestHealth_Healthy(t *testing.T) {
	client, mock := newMockClient(t)
	mock.ExpectPing()

	status, err := client.Health(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "healthy", status.Status)
	assert.GreaterOrEqual(t, status.ResponseTime, int64(0))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestHealth_PingFailureReportsUnhealthy(t *testing.T) {
	client, mock := newMockClient(t)
	mock.ExpectPing().WillReturnError(errors.New("connection refused"))

	status, err := client.Health(context.Background())
	require.Error(t, err)
	require.NotNil(t, status)
	assert.Equal(t, "unhealthy", status.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEnsureMonthlyPartitions_CreatesPerTablePerMonth(t *testing.T) {
	client, mock := newMockClient(t)

	from := time.Date(2026, time.August, 15, 10, 0, 0, 0, time.UTC)
	// Two months of coverage, two partitioned tables.
	for _, name := range []string{
		"spot_price_snapshots_y2026m08",
		"system_events_y2026m08",
		"spot_price_snapshots_y2026m09",
		"system_events_y2026m09",
	} {
		mock.ExpectExec("CREATE TABLE IF NOT EXISTS " + name).
			WillReturnResult(sqlmock.NewResult(0, 0))
	}

	require.NoError(t, client.EnsureMonthlyPartitions(context.Background(), from, 2))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPartitionName(t *testing.T) {
	month := time.Date(2026, time.January, 1, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, "system_events_y2026m01", PartitionName("system_events", month))
}
