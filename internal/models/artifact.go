package models

import (
	"time"

	"github.com/google/uuid"
)

// ArtifactTTL is how long ephemeral evidence records are retained before
// the sweeper purges them and their blobs.
const ArtifactTTL = 12 * time.Hour

// Artifact is an ephemeral evidence record (an uploaded screenshot or
// similar) attached to a license. Capture and rendering happen elsewhere;
// KeyGate only tracks the record and deletes the blob when it ages out.
type Artifact struct {
	ID         uuid.UUID `json:"id"`
	LicenseKey string    `json:"license_key"`
	// ObjectKey addresses the blob in object storage.
	ObjectKey  string    `json:"object_key"`
	UploadedAt time.Time `json:"uploaded_at"`
}

// NewArtifact creates an artifact record for the given license.
func NewArtifact(licenseKey, objectKey string) *Artifact {
	return &Artifact{
		ID:         uuid.New(),
		LicenseKey: NormalizeKey(licenseKey),
		ObjectKey:  objectKey,
		UploadedAt: time.Now(),
	}
}

// Expired reports whether the artifact is past its retention window at now.
func (a *Artifact) Expired(now time.Time) bool {
	return now.Sub(a.UploadedAt) > ArtifactTTL
}
