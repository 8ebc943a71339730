// Package maintenance implements the background cleanup work: purging
// never-paid and long-expired licenses, expiring uploaded artifacts, and
// the scheduled run of the due/grace enforcement pass.
package maintenance

import (
	"context"
	"time"

	"github.com/MacJediWizard/keygate/internal/metrics"
	"github.com/MacJediWizard/keygate/internal/models"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	// UnpaidRetention is how long an unpaid license survives after
	// creation before it is purged.
	UnpaidRetention = 24 * time.Hour

	// ExpiredRetention is how long a paid license is kept past its
	// expiry before it is purged.
	ExpiredRetention = 48 * time.Hour
)

// SweepStore defines the data access the sweeper needs.
type SweepStore interface {
	ListUnpaidLicensesCreatedBefore(ctx context.Context, cutoff time.Time) ([]*models.License, error)
	ListPaidLicensesExpiredBefore(ctx context.Context, cutoff time.Time) ([]*models.License, error)
	DeleteLicense(ctx context.Context, key string) error
	ListArtifactsUploadedBefore(ctx context.Context, cutoff time.Time) ([]*models.Artifact, error)
	DeleteArtifact(ctx context.Context, id uuid.UUID) error
}

// BlobDeleter removes an artifact's payload from object storage.
type BlobDeleter interface {
	DeleteObject(ctx context.Context, objectKey string) error
}

// SweepResult counts what a single sweep pass removed.
type SweepResult struct {
	UnpaidPurged    int
	ExpiredPurged   int
	ArtifactsPurged int
}

// Sweeper purges records that have outlived their retention windows.
type Sweeper struct {
	store   SweepStore
	blobs   BlobDeleter
	metrics *metrics.Metrics
	logger  zerolog.Logger
}

// NewSweeper creates a Sweeper. blobs may be nil when no object storage
// is configured; artifact rows are still purged.
func NewSweeper(store SweepStore, blobs BlobDeleter, m *metrics.Metrics, logger zerolog.Logger) *Sweeper {
	return &Sweeper{
		store:   store,
		blobs:   blobs,
		metrics: m,
		logger:  logger.With().Str("component", "sweeper").Logger(),
	}
}

// Run executes one full sweep pass at the given instant. Per-record
// failures are logged and skipped so one bad row never blocks the rest;
// the record stays for the next pass.
func (s *Sweeper) Run(ctx context.Context, now time.Time) SweepResult {
	var res SweepResult
	res.UnpaidPurged = s.purgeUnpaid(ctx, now)
	res.ExpiredPurged = s.purgeExpired(ctx, now)
	res.ArtifactsPurged = s.purgeArtifacts(ctx, now)

	if total := res.UnpaidPurged + res.ExpiredPurged + res.ArtifactsPurged; total > 0 {
		s.logger.Info().
			Int("unpaid", res.UnpaidPurged).
			Int("expired", res.ExpiredPurged).
			Int("artifacts", res.ArtifactsPurged).
			Msg("sweep pass purged records")
	}
	return res
}

func (s *Sweeper) purgeUnpaid(ctx context.Context, now time.Time) int {
	cutoff := now.Add(-UnpaidRetention)
	licenses, err := s.store.ListUnpaidLicensesCreatedBefore(ctx, cutoff)
	if err != nil {
		s.logger.Error().Err(err).Msg("list unpaid licenses failed")
		return 0
	}

	purged := 0
	for _, lic := range licenses {
		if err := s.store.DeleteLicense(ctx, lic.Key); err != nil {
			s.logger.Error().Err(err).Str("key", lic.Key).Msg("purge unpaid license failed")
			continue
		}
		purged++
	}
	s.metrics.RecordSweepPurge("unpaid", purged)
	return purged
}

func (s *Sweeper) purgeExpired(ctx context.Context, now time.Time) int {
	cutoff := now.Add(-ExpiredRetention)
	licenses, err := s.store.ListPaidLicensesExpiredBefore(ctx, cutoff)
	if err != nil {
		s.logger.Error().Err(err).Msg("list expired licenses failed")
		return 0
	}

	purged := 0
	for _, lic := range licenses {
		if err := s.store.DeleteLicense(ctx, lic.Key); err != nil {
			s.logger.Error().Err(err).Str("key", lic.Key).Msg("purge expired license failed")
			continue
		}
		purged++
	}
	s.metrics.RecordSweepPurge("expired", purged)
	return purged
}

func (s *Sweeper) purgeArtifacts(ctx context.Context, now time.Time) int {
	cutoff := now.Add(-models.ArtifactTTL)
	artifacts, err := s.store.ListArtifactsUploadedBefore(ctx, cutoff)
	if err != nil {
		s.logger.Error().Err(err).Msg("list stale artifacts failed")
		return 0
	}

	purged := 0
	for _, a := range artifacts {
		if s.blobs != nil {
			if err := s.blobs.DeleteObject(ctx, a.ObjectKey); err != nil {
				// Keep the row so the blob gets retried next pass.
				s.logger.Error().Err(err).Str("object_key", a.ObjectKey).Msg("delete artifact blob failed")
				continue
			}
		}
		if err := s.store.DeleteArtifact(ctx, a.ID); err != nil {
			s.logger.Error().Err(err).Str("artifact_id", a.ID.String()).Msg("purge artifact failed")
			continue
		}
		purged++
	}
	s.metrics.RecordSweepPurge("artifact", purged)
	return purged
}
