package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/spotplane/spotplane/pkg/database"
	"github.com/spotplane/spotplane/pkg/models"
)

// InstanceStore manages instance rows. Role transitions are always
// version-checked; promotion goes through PromoteToPrimary, the single
// entry point that can produce a new primary.
type InstanceStore struct {
	db *database.Client
}

const instanceColumns = `
	id, agent_id, pool_id, instance_type, region, availability_zone, ami_id,
	mode, role, private_ip, public_ip, spot_price, ondemand_price,
	baseline_ondemand_price, launch_requested_at, launch_confirmed_at,
	last_switch_at, terminate_requested_at, terminated_at, zombie_at,
	version, created_at, updated_at`

// Create inserts an instance row.
func (s *InstanceStore) Create(ctx context.Context, inst *models.Instance) (*models.Instance, error) {
	return s.CreateTx(ctx, s.db, inst)
}

// CreateTx inserts an instance row inside a caller-owned transaction.
func (s *InstanceStore) CreateTx(ctx context.Context, q sqlx.ExtContext, inst *models.Instance) (*models.Instance, error) {
	if !inst.Role.Valid() {
		return nil, fmt.Errorf("%w: role %q", ErrInvalidInput, inst.Role)
	}
	var out models.Instance
	err := sqlx.GetContext(ctx, q, &out, `
		INSERT INTO instances (
			id, agent_id, pool_id, instance_type, region, availability_zone,
			ami_id, mode, role, private_ip, public_ip, spot_price,
			ondemand_price, baseline_ondemand_price, launch_requested_at,
			launch_confirmed_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		RETURNING `+instanceColumns,
		inst.ID, inst.AgentID, inst.PoolID, inst.InstanceType, inst.Region,
		inst.AvailabilityZone, inst.AMIID, inst.Mode, inst.Role,
		inst.PrivateIP, inst.PublicIP, inst.SpotPrice, inst.OnDemandPrice,
		inst.BaselineOnDemandPrice, inst.LaunchRequestedAt, inst.LaunchConfirmedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create instance: %w", classifyWriteError(err))
	}
	return &out, nil
}

// Get fetches one instance by cloud (or temporary) id.
func (s *InstanceStore) Get(ctx context.Context, id string) (*models.Instance, error) {
	return s.GetTx(ctx, s.db, id)
}

// GetTx fetches one instance inside a caller-owned transaction.
func (s *InstanceStore) GetTx(ctx context.Context, q sqlx.ExtContext, id string) (*models.Instance, error) {
	var inst models.Instance
	err := sqlx.GetContext(ctx, q, &inst, `
		SELECT `+instanceColumns+` FROM instances WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get instance: %w", err)
	}
	return &inst, nil
}

// GetPrimary returns the agent's current primary (runningPrimary or
// promoting), or ErrNotFound when the agent has none.
func (s *InstanceStore) GetPrimary(ctx context.Context, agentID string) (*models.Instance, error) {
	var inst models.Instance
	err := s.db.GetContext(ctx, &inst, `
		SELECT `+instanceColumns+` FROM instances
		WHERE agent_id = $1 AND role IN ($2, $3)`,
		agentID, models.RoleRunningPrimary, models.RolePromoting)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get primary instance: %w", err)
	}
	return &inst, nil
}

// ListByAgent returns all instances ever tracked for an agent, newest
// first.
func (s *InstanceStore) ListByAgent(ctx context.Context, agentID string) ([]models.Instance, error) {
	var out []models.Instance
	err := s.db.SelectContext(ctx, &out, `
		SELECT `+instanceColumns+` FROM instances
		WHERE agent_id = $1 ORDER BY created_at DESC`, agentID)
	if err != nil {
		return nil, fmt.Errorf("failed to list instances: %w", err)
	}
	return out, nil
}

// CountPrimaries reports how many primary-ish rows an agent has. Used by
// invariant checks in tests and the reconciler.
func (s *InstanceStore) CountPrimaries(ctx context.Context, agentID string) (int, error) {
	var n int
	err := s.db.GetContext(ctx, &n, `
		SELECT count(*) FROM instances
		WHERE agent_id = $1 AND role IN ($2, $3)`,
		agentID, models.RoleRunningPrimary, models.RolePromoting)
	if err != nil {
		return 0, fmt.Errorf("failed to count primaries: %w", err)
	}
	return n, nil
}

// PromoteToPrimary atomically makes the target instance the agent's
// primary: within one transaction any current primary is demoted to
// zombie with its out-of-service time recorded, then the target is set
// to runningPrimary if and only if its version matches. Zero rows on the
// second step fails the whole transaction with ErrOptimisticConflict.
// The agent's current-instance pointer, pool, and mode follow the
// winner. Returns the promoted instance and the demoted one, if any.
func (s *InstanceStore) PromoteToPrimary(ctx context.Context, newInstanceID, agentID string, expectedVersion int64) (*models.Instance, *models.Instance, error) {
	var promoted, demoted *models.Instance
	err := withTx(ctx, s.db, func(tx *sqlx.Tx) error {
		var old models.Instance
		err := tx.GetContext(ctx, &old, `
			UPDATE instances SET
				role = $3, zombie_at = now(), terminated_at = now(),
				version = version + 1, updated_at = now()
			WHERE agent_id = $1 AND role IN ($4, $5) AND id <> $2
			RETURNING `+instanceColumns,
			agentID, newInstanceID, models.RoleZombie,
			models.RoleRunningPrimary, models.RolePromoting)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			// No previous primary: first promotion for this agent.
		case err != nil:
			return fmt.Errorf("failed to demote previous primary: %w", err)
		default:
			demoted = &old
		}

		var target models.Instance
		err = tx.GetContext(ctx, &target, `
			UPDATE instances SET
				role = $4, last_switch_at = now(),
				launch_confirmed_at = COALESCE(launch_confirmed_at, now()),
				version = version + 1, updated_at = now()
			WHERE id = $1 AND agent_id = $2 AND version = $3
			  AND role IN ($5, $6, $7)
			RETURNING `+instanceColumns,
			newInstanceID, agentID, expectedVersion, models.RoleRunningPrimary,
			models.RoleRunningReplica, models.RolePromoting, models.RoleLaunching)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("promote instance %s: %w", newInstanceID, ErrOptimisticConflict)
		}
		if err != nil {
			return fmt.Errorf("failed to promote instance: %w", classifyWriteError(err))
		}
		promoted = &target

		_, err = tx.ExecContext(ctx, `
			UPDATE agents SET
				current_instance_id = $2, current_pool_id = $3, mode = $4,
				version = version + 1, updated_at = now()
			WHERE id = $1`,
			agentID, target.ID, target.PoolID, target.Mode)
		if err != nil {
			return fmt.Errorf("failed to repoint agent at new primary: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return promoted, demoted, nil
}

// MarkPromoting moves a replica instance into the transient promoting
// role, reserving the primary slot before the full promotion lands.
func (s *InstanceStore) MarkPromoting(ctx context.Context, id string, expectedVersion int64) (*models.Instance, error) {
	return s.setRole(ctx, s.db, id, expectedVersion, models.RolePromoting,
		`role = $3`, []models.InstanceRole{models.RoleRunningReplica, models.RoleLaunching})
}

// MarkTerminating records a termination request against a live instance.
func (s *InstanceStore) MarkTerminating(ctx context.Context, id string, expectedVersion int64) (*models.Instance, error) {
	return s.setRole(ctx, s.db, id, expectedVersion, models.RoleTerminating,
		`role = $3, terminate_requested_at = now()`,
		[]models.InstanceRole{models.RoleRunningPrimary, models.RoleRunningReplica, models.RoleZombie, models.RoleLaunching, models.RolePromoting})
}

// MarkZombie parks an instance that is out of service but not confirmed
// terminated, pending retention cleanup.
func (s *InstanceStore) MarkZombie(ctx context.Context, id string, expectedVersion int64) (*models.Instance, error) {
	return s.setRole(ctx, s.db, id, expectedVersion, models.RoleZombie,
		`role = $3, zombie_at = now()`,
		[]models.InstanceRole{models.RoleRunningPrimary, models.RoleRunningReplica, models.RolePromoting, models.RoleTerminating, models.RoleLaunching})
}

// MarkTerminated finalizes an instance. A nil terminatedAt uses the
// current time.
func (s *InstanceStore) MarkTerminated(ctx context.Context, id string, expectedVersion int64, terminatedAt *time.Time) (*models.Instance, error) {
	return s.MarkTerminatedTx(ctx, s.db, id, expectedVersion, terminatedAt)
}

// MarkTerminatedTx is MarkTerminated inside a caller-owned transaction.
func (s *InstanceStore) MarkTerminatedTx(ctx context.Context, q sqlx.ExtContext, id string, expectedVersion int64, terminatedAt *time.Time) (*models.Instance, error) {
	var out models.Instance
	err := sqlx.GetContext(ctx, q, &out, `
		UPDATE instances SET
			role = $3, terminated_at = COALESCE($4, terminated_at, now()),
			version = version + 1, updated_at = now()
		WHERE id = $1 AND version = $2 AND role <> $3
		RETURNING `+instanceColumns,
		id, expectedVersion, models.RoleTerminated, terminatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, s.conflictOrMissing(ctx, q, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to mark instance terminated: %w", classifyWriteError(err))
	}
	return &out, nil
}

func (s *InstanceStore) setRole(ctx context.Context, q sqlx.ExtContext, id string, expectedVersion int64, to models.InstanceRole, setClause string, from []models.InstanceRole) (*models.Instance, error) {
	roleList := ""
	args := []any{id, expectedVersion, to}
	for i, r := range from {
		if i > 0 {
			roleList += ", "
		}
		args = append(args, r)
		roleList += fmt.Sprintf("$%d", len(args))
	}
	var out models.Instance
	err := sqlx.GetContext(ctx, q, &out, `
		UPDATE instances SET `+setClause+`,
			version = version + 1, updated_at = now()
		WHERE id = $1 AND version = $2 AND role IN (`+roleList+`)
		RETURNING `+instanceColumns, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, s.conflictOrMissing(ctx, q, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to set instance role: %w", classifyWriteError(err))
	}
	return &out, nil
}

// conflictOrMissing distinguishes a lost version race from a row that
// does not exist at all.
func (s *InstanceStore) conflictOrMissing(ctx context.Context, q sqlx.ExtContext, id string) error {
	var one int
	err := sqlx.GetContext(ctx, q, &one, `SELECT 1 FROM instances WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to check instance existence: %w", err)
	}
	return fmt.Errorf("instance %s: %w", id, ErrOptimisticConflict)
}

// BindLaunched replaces a temporary id with the cloud-assigned one and
// confirms the launch. Referencing rows follow via ON UPDATE CASCADE.
func (s *InstanceStore) BindLaunched(ctx context.Context, tempID, realID string, launchedAt *time.Time, privateIP, publicIP *string) (*models.Instance, error) {
	var out models.Instance
	err := s.db.GetContext(ctx, &out, `
		UPDATE instances SET
			id = $2,
			launch_confirmed_at = COALESCE($3, now()),
			private_ip = COALESCE($4, private_ip),
			public_ip = COALESCE($5, public_ip),
			role = CASE WHEN role = $6 THEN $7 ELSE role END,
			version = version + 1, updated_at = now()
		WHERE id = $1
		RETURNING `+instanceColumns,
		tempID, realID, launchedAt, privateIP, publicIP,
		models.RoleLaunching, models.RoleRunningReplica)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to bind launched instance: %w", classifyWriteError(err))
	}
	return &out, nil
}

// ListZombiesBefore returns zombies whose park time is older than the
// cutoff, oldest first, for retention cleanup.
func (s *InstanceStore) ListZombiesBefore(ctx context.Context, cutoff time.Time, limit int) ([]models.Instance, error) {
	var out []models.Instance
	err := s.db.SelectContext(ctx, &out, `
		SELECT `+instanceColumns+` FROM instances
		WHERE role = $1 AND zombie_at IS NOT NULL AND zombie_at < $2
		ORDER BY zombie_at ASC
		LIMIT $3`, models.RoleZombie, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list zombies: %w", err)
	}
	return out, nil
}
