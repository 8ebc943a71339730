package maintenance

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/MacJediWizard/keygate/internal/billing"
	"github.com/MacJediWizard/keygate/internal/metrics"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Scheduler runs the nightly maintenance job: a full sweep pass followed
// by the due/grace enforcement pass. The same work also piggybacks on
// request handling, so the schedule is a backstop for idle deployments.
type Scheduler struct {
	sweeper   *Sweeper
	evaluator *billing.Evaluator
	cron      *cron.Cron
	metrics   *metrics.Metrics
	logger    zerolog.Logger
	mu        sync.Mutex
	running   bool
}

// NewScheduler creates a maintenance Scheduler.
func NewScheduler(sweeper *Sweeper, evaluator *billing.Evaluator, m *metrics.Metrics, logger zerolog.Logger) *Scheduler {
	return &Scheduler{
		sweeper:   sweeper,
		evaluator: evaluator,
		cron:      cron.New(),
		metrics:   m,
		logger:    logger.With().Str("component", "maintenance").Logger(),
	}
}

// Start begins the daily maintenance schedule at 3:00 AM UTC.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return errors.New("maintenance scheduler already running")
	}

	_, err := s.cron.AddFunc("0 3 * * *", s.runJob)
	if err != nil {
		return err
	}

	s.cron.Start()
	s.running = true

	s.logger.Info().Msg("maintenance scheduler started (daily at 03:00 UTC)")
	return nil
}

// Stop stops the scheduler gracefully. The returned context is done once
// any in-flight job finishes.
func (s *Scheduler) Stop() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		return ctx
	}

	s.running = false
	s.logger.Info().Msg("stopping maintenance scheduler")
	return s.cron.Stop()
}

func (s *Scheduler) runJob() {
	ctx := context.Background()
	now := time.Now().UTC()

	s.logger.Info().Msg("starting maintenance job")

	res := s.sweeper.Run(ctx, now)
	s.evaluator.RunPass(ctx, now)
	s.metrics.RecordMaintenanceRun()

	s.logger.Info().
		Int("unpaid_purged", res.UnpaidPurged).
		Int("expired_purged", res.ExpiredPurged).
		Int("artifacts_purged", res.ArtifactsPurged).
		Msg("maintenance job completed")
}

// RunNow triggers an immediate maintenance job.
func (s *Scheduler) RunNow() {
	s.runJob()
}
