package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/spotplane/spotplane/pkg/database"
	"github.com/spotplane/spotplane/pkg/models"
)

// ArtifactStore tracks uploaded decision-model binaries. At most one
// artifact is active; activation is a single transaction so the decision
// engine never observes zero or two live versions.
type ArtifactStore struct {
	db *database.Client
}

const artifactColumns = `
	id, version, path, sha256, size_bytes, active, uploaded_by, created_at`

// Create records an uploaded artifact. The version is unique; uploading
// the same version twice is rejected.
func (s *ArtifactStore) Create(ctx context.Context, a *models.ModelArtifact) (*models.ModelArtifact, error) {
	if a.Version == "" {
		return nil, NewValidationError("version", "must not be empty")
	}
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	var out models.ModelArtifact
	err := s.db.GetContext(ctx, &out, `
		INSERT INTO model_artifacts (id, version, path, sha256, size_bytes, uploaded_by)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING `+artifactColumns,
		a.ID, a.Version, a.Path, a.SHA256, a.SizeBytes, a.UploadedBy)
	if err != nil {
		return nil, fmt.Errorf("failed to create artifact: %w", classifyWriteError(err))
	}
	return &out, nil
}

// GetByVersion fetches one artifact row.
func (s *ArtifactStore) GetByVersion(ctx context.Context, version string) (*models.ModelArtifact, error) {
	var a models.ModelArtifact
	err := s.db.GetContext(ctx, &a, `
		SELECT `+artifactColumns+` FROM model_artifacts WHERE version = $1`, version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get artifact: %w", err)
	}
	return &a, nil
}

// GetActive returns the live artifact, or ErrNotFound when none is
// activated yet.
func (s *ArtifactStore) GetActive(ctx context.Context) (*models.ModelArtifact, error) {
	var a models.ModelArtifact
	err := s.db.GetContext(ctx, &a, `
		SELECT `+artifactColumns+` FROM model_artifacts WHERE active`)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get active artifact: %w", err)
	}
	return &a, nil
}

// List returns all artifact rows, newest first.
func (s *ArtifactStore) List(ctx context.Context) ([]models.ModelArtifact, error) {
	var out []models.ModelArtifact
	err := s.db.SelectContext(ctx, &out, `
		SELECT `+artifactColumns+` FROM model_artifacts ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list artifacts: %w", err)
	}
	return out, nil
}

// Activate makes one version live, deactivating the previous one in the
// same transaction.
func (s *ArtifactStore) Activate(ctx context.Context, version string) (*models.ModelArtifact, error) {
	var out models.ModelArtifact
	err := withTx(ctx, s.db, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			UPDATE model_artifacts SET active = FALSE WHERE active`); err != nil {
			return fmt.Errorf("failed to deactivate prior artifact: %w", err)
		}
		err := tx.GetContext(ctx, &out, `
			UPDATE model_artifacts SET active = TRUE
			WHERE version = $1
			RETURNING `+artifactColumns, version)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to activate artifact: %w", classifyWriteError(err))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}
