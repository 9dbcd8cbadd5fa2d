// Package store implements the persistence layer: per-aggregate stores
// over PostgreSQL with optimistic concurrency on role-changing writes
// and bounded retry for transient failures.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/avast/retry-go"
	"github.com/jmoiron/sqlx"

	"github.com/spotplane/spotplane/pkg/database"
)

// Store bundles the per-aggregate stores over one database client.
type Store struct {
	db *database.Client

	Clients   *ClientStore
	Agents    *AgentStore
	Instances *InstanceStore
	Commands  *CommandStore
	Replicas  *ReplicaStore
	Switches  *SwitchStore
	Pools     *PoolStore
	Pricing   *PricingStore
	Events    *EventStore
	Artifacts *ArtifactStore
}

// New wires the aggregate stores over a shared client.
func New(db *database.Client) *Store {
	return &Store{
		db:        db,
		Clients:   &ClientStore{db: db},
		Agents:    &AgentStore{db: db},
		Instances: &InstanceStore{db: db},
		Commands:  &CommandStore{db: db},
		Replicas:  &ReplicaStore{db: db},
		Switches:  &SwitchStore{db: db},
		Pools:     &PoolStore{db: db},
		Pricing:   &PricingStore{db: db},
		Events:    &EventStore{db: db},
		Artifacts: &ArtifactStore{db: db},
	}
}

// DB exposes the underlying client for components that manage their own
// SQL, such as the event publisher.
func (s *Store) DB() *database.Client { return s.db }

// WithTx runs fn inside one transaction. Any error from fn rolls the
// transaction back and is returned unchanged so typed errors survive.
func (s *Store) WithTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	return withTx(ctx, s.db, fn)
}

func withTx(ctx context.Context, db *database.Client, fn func(tx *sqlx.Tx) error) error {
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Bounded retry for transient storage failures. Optimistic conflicts
// never pass IsTransient, so they surface on the first attempt.
const (
	retryAttempts = 3
	retryBaseWait = 100 * time.Millisecond
	retryMaxWait  = 2 * time.Second
)

// RunWithRetry executes fn, retrying transient storage failures with
// backoff up to a small fixed attempt count.
func RunWithRetry(ctx context.Context, fn func() error) error {
	return retry.Do(fn,
		retry.Context(ctx),
		retry.Attempts(retryAttempts),
		retry.Delay(retryBaseWait),
		retry.MaxDelay(retryMaxWait),
		retry.DelayType(retry.BackOffDelay),
		retry.RetryIf(IsTransient),
		retry.LastErrorOnly(true),
	)
}
