package decision

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spotplane/spotplane/pkg/config"
	"github.com/spotplane/spotplane/pkg/models"
	"github.com/spotplane/spotplane/pkg/store"
)

// ArtifactManager owns the on-disk side of model artifacts: files land
// under one directory, content-addressed by digest, written atomically
// so a crashed upload never leaves a partial artifact behind. The
// database row is the source of truth for which version is active.
type ArtifactManager struct {
	config *config.DecisionConfig
	store  *store.Store
}

// NewArtifactManager creates the artifact manager and its directory.
func NewArtifactManager(cfg *config.DecisionConfig, st *store.Store) (*ArtifactManager, error) {
	if err := os.MkdirAll(cfg.ArtifactDir, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create artifact directory: %w", err)
	}
	return &ArtifactManager{config: cfg, store: st}, nil
}

// Upload stores one artifact version: the payload is streamed to a
// temporary file while its digest accumulates, then renamed into place
// and recorded. A duplicate version is rejected by the store.
func (m *ArtifactManager) Upload(ctx context.Context, version string, payload io.Reader, uploadedBy *string) (*models.ModelArtifact, error) {
	if version == "" {
		return nil, store.NewValidationError("version", "must not be empty")
	}

	tmp, err := os.CreateTemp(m.config.ArtifactDir, ".upload-*")
	if err != nil {
		return nil, fmt.Errorf("failed to stage artifact upload: %w", err)
	}
	defer func() {
		tmp.Close()
		os.Remove(tmp.Name())
	}()

	hasher := sha256.New()
	size, err := io.Copy(io.MultiWriter(tmp, hasher), payload)
	if err != nil {
		return nil, fmt.Errorf("failed to write artifact payload: %w", err)
	}
	if size == 0 {
		return nil, store.NewValidationError("payload", "must not be empty")
	}
	if err := tmp.Sync(); err != nil {
		return nil, fmt.Errorf("failed to flush artifact payload: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return nil, fmt.Errorf("failed to close artifact payload: %w", err)
	}

	digest := hex.EncodeToString(hasher.Sum(nil))
	path := filepath.Join(m.config.ArtifactDir, fmt.Sprintf("%s-%s.bin", version, digest[:12]))
	if err := os.Rename(tmp.Name(), path); err != nil {
		return nil, fmt.Errorf("failed to place artifact: %w", err)
	}

	artifact, err := m.store.Artifacts.Create(ctx, &models.ModelArtifact{
		Version:    version,
		Path:       path,
		SHA256:     digest,
		SizeBytes:  size,
		UploadedBy: uploadedBy,
	})
	if err != nil {
		os.Remove(path)
		return nil, err
	}
	slog.Info("Model artifact uploaded",
		"version", version, "sha256", digest, "size_bytes", size)
	return artifact, nil
}

// Activate makes one uploaded version live after verifying its file
// still matches the recorded digest.
func (m *ArtifactManager) Activate(ctx context.Context, version string) (*models.ModelArtifact, error) {
	artifact, err := m.store.Artifacts.GetByVersion(ctx, version)
	if err != nil {
		return nil, err
	}
	if err := m.verify(artifact); err != nil {
		return nil, err
	}
	out, err := m.store.Artifacts.Activate(ctx, version)
	if err != nil {
		return nil, err
	}
	slog.Info("Model artifact activated", "version", version, "path", out.Path)
	return out, nil
}

// Open returns a reader over the active artifact.
func (m *ArtifactManager) Open(ctx context.Context) (io.ReadCloser, *models.ModelArtifact, error) {
	artifact, err := m.store.Artifacts.GetActive(ctx)
	if err != nil {
		return nil, nil, err
	}
	f, err := os.Open(artifact.Path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open active artifact: %w", err)
	}
	return f, artifact, nil
}

func (m *ArtifactManager) verify(artifact *models.ModelArtifact) error {
	f, err := os.Open(artifact.Path)
	if err != nil {
		return fmt.Errorf("artifact file missing: %w", err)
	}
	defer f.Close()

	hasher := sha256.New()
	if _, err := io.Copy(hasher, f); err != nil {
		return fmt.Errorf("failed to hash artifact: %w", err)
	}
	if digest := hex.EncodeToString(hasher.Sum(nil)); digest != artifact.SHA256 {
		return fmt.Errorf("%w: artifact %s digest mismatch", store.ErrInvariantViolation, artifact.Version)
	}
	return nil
}
