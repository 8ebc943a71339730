package db

import (
	"context"
	"fmt"
	"time"

	"github.com/MacJediWizard/keygate/internal/models"
	"github.com/google/uuid"
)

// CreateArtifact records an uploaded evidence object.
func (db *DB) CreateArtifact(ctx context.Context, a *models.Artifact) error {
	_, err := db.Pool.Exec(ctx, `
		INSERT INTO artifacts (id, license_key, object_key, uploaded_at)
		VALUES ($1, $2, $3, $4)
	`, a.ID, a.LicenseKey, a.ObjectKey, a.UploadedAt)
	if err != nil {
		return fmt.Errorf("create artifact: %w", err)
	}
	return nil
}

// ListArtifactsUploadedBefore returns artifact records older than the
// cutoff, candidates for the retention purge.
func (db *DB) ListArtifactsUploadedBefore(ctx context.Context, cutoff time.Time) ([]*models.Artifact, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT id, license_key, object_key, uploaded_at
		FROM artifacts
		WHERE uploaded_at < $1
		ORDER BY uploaded_at
	`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("list artifacts: %w", err)
	}
	defer rows.Close()

	var artifacts []*models.Artifact
	for rows.Next() {
		var a models.Artifact
		if err := rows.Scan(&a.ID, &a.LicenseKey, &a.ObjectKey, &a.UploadedAt); err != nil {
			return nil, fmt.Errorf("scan artifact: %w", err)
		}
		artifacts = append(artifacts, &a)
	}
	return artifacts, rows.Err()
}

// DeleteArtifact removes an artifact record.
func (db *DB) DeleteArtifact(ctx context.Context, id uuid.UUID) error {
	tag, err := db.Pool.Exec(ctx, `DELETE FROM artifacts WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete artifact: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
