package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/spotplane/spotplane/pkg/database"
	"github.com/spotplane/spotplane/pkg/models"
)

// SwitchStore appends and reads the switch history. Rows are immutable;
// the savings report and boot statistics are derived from them.
type SwitchStore struct {
	db *database.Client
}

const switchColumns = `
	id, agent_id, command_id, request_id, trigger, old_instance_id,
	new_instance_id, old_mode, new_mode, old_pool_id, new_pool_id,
	on_demand_price, old_spot_price, new_spot_price, initiated_at,
	ami_created_at, instance_launched_at, instance_ready_at,
	old_terminated_at, downtime_seconds, created_at`

// Create appends one switch record.
func (s *SwitchStore) Create(ctx context.Context, sw *models.Switch) (*models.Switch, error) {
	return s.CreateTx(ctx, s.db, sw)
}

// CreateTx appends one switch record inside a caller-owned transaction.
func (s *SwitchStore) CreateTx(ctx context.Context, q sqlx.ExtContext, sw *models.Switch) (*models.Switch, error) {
	if sw.ID == "" {
		sw.ID = uuid.New().String()
	}
	var out models.Switch
	err := sqlx.GetContext(ctx, q, &out, `
		INSERT INTO switches (
			id, agent_id, command_id, request_id, trigger, old_instance_id,
			new_instance_id, old_mode, new_mode, old_pool_id, new_pool_id,
			on_demand_price, old_spot_price, new_spot_price, initiated_at,
			ami_created_at, instance_launched_at, instance_ready_at,
			old_terminated_at, downtime_seconds
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10,
			$11, $12, $13, $14, $15, $16, $17, $18, $19, $20)
		RETURNING `+switchColumns,
		sw.ID, sw.AgentID, sw.CommandID, sw.RequestID, sw.Trigger,
		sw.OldInstanceID, sw.NewInstanceID, sw.OldMode, sw.NewMode,
		sw.OldPoolID, sw.NewPoolID, sw.OnDemandPrice, sw.OldSpotPrice,
		sw.NewSpotPrice, sw.InitiatedAt, sw.AMICreatedAt,
		sw.InstanceLaunchedAt, sw.InstanceReadyAt, sw.OldTerminatedAt,
		sw.DowntimeSeconds,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create switch record: %w", classifyWriteError(err))
	}
	return &out, nil
}

// GetByRequestID fetches the switch record of one idempotent command.
func (s *SwitchStore) GetByRequestID(ctx context.Context, requestID string) (*models.Switch, error) {
	var sw models.Switch
	err := s.db.GetContext(ctx, &sw, `
		SELECT `+switchColumns+` FROM switches WHERE request_id = $1`, requestID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get switch by request id: %w", err)
	}
	return &sw, nil
}

// ListByAgent returns an agent's switch history, newest first.
func (s *SwitchStore) ListByAgent(ctx context.Context, agentID string, limit int) ([]models.Switch, error) {
	var out []models.Switch
	err := s.db.SelectContext(ctx, &out, `
		SELECT `+switchColumns+` FROM switches
		WHERE agent_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, agentID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list switches: %w", err)
	}
	return out, nil
}

// savingsRow aggregates switch pricing per agent for the savings report.
type savingsRow struct {
	Switches      int      `db:"switches"`
	SpotHours     float64  `db:"spot_hours"`
	OnDemandHours float64  `db:"ondemand_hours"`
	AvgOnDemand   *float64 `db:"avg_ondemand"`
	AvgSpot       *float64 `db:"avg_spot"`
}

// SavingsSummary estimates what a client saved over the trailing window
// from the pricing deltas captured on each switch. Hours on each tier
// are approximated from the agents' mode history between switches.
func (s *SwitchStore) SavingsSummary(ctx context.Context, clientID string, windowDays int) (*models.SavingsSummary, error) {
	since := time.Now().UTC().AddDate(0, 0, -windowDays)
	var row savingsRow
	err := s.db.GetContext(ctx, &row, `
		SELECT
			count(*) AS switches,
			COALESCE(sum(CASE WHEN sw.new_mode = 'spot'
				THEN EXTRACT(EPOCH FROM (now() - sw.instance_ready_at)) / 3600
				ELSE 0 END), 0) AS spot_hours,
			COALESCE(sum(CASE WHEN sw.new_mode = 'ondemand'
				THEN EXTRACT(EPOCH FROM (now() - sw.instance_ready_at)) / 3600
				ELSE 0 END), 0) AS ondemand_hours,
			avg(sw.on_demand_price) AS avg_ondemand,
			avg(sw.new_spot_price) AS avg_spot
		FROM switches sw
		JOIN agents a ON a.id = sw.agent_id
		WHERE a.client_id = $1 AND sw.created_at >= $2`, clientID, since)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate savings: %w", err)
	}

	summary := &models.SavingsSummary{
		ClientID:      clientID,
		WindowDays:    windowDays,
		Switches:      row.Switches,
		SpotHours:     row.SpotHours,
		OnDemandHours: row.OnDemandHours,
		GeneratedAt:   time.Now().UTC(),
	}
	if row.AvgOnDemand != nil && row.AvgSpot != nil {
		summary.EstimatedSavings = (*row.AvgOnDemand - *row.AvgSpot) * row.SpotHours
	}
	return summary, nil
}
