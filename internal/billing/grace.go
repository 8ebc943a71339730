package billing

import (
	"context"
	"time"

	"github.com/MacJediWizard/keygate/internal/metrics"
	"github.com/MacJediWizard/keygate/internal/models"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// GraceWindow is how long a tier has to accept pending dues once the due
// clock starts before it is cascade-deactivated.
const GraceWindow = 24 * time.Hour

// GraceStore extends Store with the operations the evaluator needs.
type GraceStore interface {
	Store
	ListActiveTierAccountsByKind(ctx context.Context, kind models.TierKind) ([]*models.TierAccount, error)
	CascadeDeactivate(ctx context.Context, id uuid.UUID) error
}

// Evaluator runs the due/grace enforcement pass. It only checks clocks
// already started by RecordBillableEvent; it never starts one itself.
type Evaluator struct {
	store   GraceStore
	calc    *Calculator
	grace   time.Duration
	metrics *metrics.Metrics
	logger  zerolog.Logger
}

// NewEvaluator creates a grace Evaluator with the standard window.
func NewEvaluator(store GraceStore, m *metrics.Metrics, logger zerolog.Logger) *Evaluator {
	return &Evaluator{
		store:   store,
		calc:    NewCalculator(store),
		grace:   GraceWindow,
		metrics: m,
		logger:  logger.With().Str("component", "grace_evaluator").Logger(),
	}
}

// RunPass evaluates every billing-subject tier top-down: the master level
// is fully acted on before admins, then supers. It is idempotent; nodes
// cascaded off in an earlier iteration are no longer active and drop out
// of the listing. Per-node failures are logged and never abort the pass.
func (e *Evaluator) RunPass(ctx context.Context, now time.Time) {
	for _, kind := range []models.TierKind{models.TierMaster, models.TierAdmin, models.TierSuper} {
		accounts, err := e.store.ListActiveTierAccountsByKind(ctx, kind)
		if err != nil {
			e.logger.Error().Err(err).Str("kind", string(kind)).Msg("grace pass: list accounts failed")
			continue
		}

		for _, acct := range accounts {
			if err := e.evaluate(ctx, acct, now); err != nil {
				e.logger.Error().Err(err).
					Str("account_id", acct.ID.String()).
					Str("username", acct.Username).
					Msg("grace pass: evaluation failed")
			}
		}
	}
}

func (e *Evaluator) evaluate(ctx context.Context, acct *models.TierAccount, now time.Time) error {
	if acct.DueDate == nil {
		return nil
	}

	pending, err := e.calc.PendingBillable(ctx, acct)
	if err != nil {
		return err
	}
	// A stale clock with nothing pending is left for acceptance to clear.
	if pending == 0 {
		return nil
	}

	overdue := now.Sub(*acct.DueDate)
	if overdue <= e.grace {
		return nil
	}

	e.logger.Warn().
		Str("account_id", acct.ID.String()).
		Str("username", acct.Username).
		Str("kind", string(acct.Kind)).
		Int("pending_units", pending).
		Dur("overdue", overdue-e.grace).
		Msg("grace window elapsed, cascade deactivating")

	if err := e.store.CascadeDeactivate(ctx, acct.ID); err != nil {
		return err
	}
	e.metrics.RecordCascade(string(acct.Kind))
	return nil
}
