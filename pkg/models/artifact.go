package models

import "time"

// ModelArtifact is one uploaded decision-engine model version. The
// binary lives on the local filesystem under the artifact root; the row
// records provenance and which version is live.
type ModelArtifact struct {
	ID         string    `db:"id" json:"id"`
	Version    string    `db:"version" json:"version"`
	Path       string    `db:"path" json:"path"`
	SHA256     string    `db:"sha256" json:"sha256"`
	SizeBytes  int64     `db:"size_bytes" json:"sizeBytes"`
	Active     bool      `db:"active" json:"active"`
	UploadedBy *string   `db:"uploaded_by" json:"uploadedBy,omitempty"`
	CreatedAt  time.Time `db:"created_at" json:"createdAt"`
}
