package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ErrNothingToAccept is returned by AcceptDue when the node has no pending
// billable units.
var ErrNothingToAccept = errors.New("nothing to accept")

// DuesStore extends Store with the write operations the dues service needs.
type DuesStore interface {
	Store
	ApplyAcceptedDue(ctx context.Context, id uuid.UUID, units int) error
	SetTierDueDate(ctx context.Context, id uuid.UUID, dueDate time.Time) error
}

// Service handles due acceptance and due-clock bookkeeping.
type Service struct {
	store  DuesStore
	calc   *Calculator
	logger zerolog.Logger
}

// NewService creates a dues Service.
func NewService(store DuesStore, logger zerolog.Logger) *Service {
	return &Service{
		store:  store,
		calc:   NewCalculator(store),
		logger: logger.With().Str("component", "billing").Logger(),
	}
}

// Calculator returns the rollup calculator backing this service.
func (s *Service) Calculator() *Calculator {
	return s.calc
}

// AcceptDue settles the node's pending billable units: accepted_due grows
// by the pending amount computed at call time and the due clock stops.
// Acceptance is independent bookkeeping per tier; it never propagates
// credit to the tiers above. Returns the number of units accepted, or
// ErrNothingToAccept when pending is zero.
func (s *Service) AcceptDue(ctx context.Context, id uuid.UUID) (int, error) {
	acct, err := s.store.GetTierAccountByID(ctx, id)
	if err != nil {
		return 0, err
	}

	pending, err := s.calc.PendingBillable(ctx, acct)
	if err != nil {
		return 0, err
	}
	if pending == 0 {
		return 0, ErrNothingToAccept
	}

	if err := s.store.ApplyAcceptedDue(ctx, id, pending); err != nil {
		return 0, err
	}

	s.logger.Info().
		Str("account_id", id.String()).
		Str("username", acct.Username).
		Int("units", pending).
		Msg("dues accepted")
	return pending, nil
}

// RecordBillableEvent is the single place the due clock gets started.
// Every operation that can increase billable units (mark-paid, renew)
// calls it with the owning seller; the walk covers the seller and each
// ancestor up to the master, starting the clock on any node whose pending
// dues just became non-zero. Nodes with a clock already running keep it.
func (s *Service) RecordBillableEvent(ctx context.Context, sellerID uuid.UUID, now time.Time) error {
	acct, err := s.store.GetTierAccountByID(ctx, sellerID)
	if err != nil {
		return fmt.Errorf("record billable event: %w", err)
	}

	for {
		if acct.DueDate == nil {
			pending, err := s.calc.PendingBillable(ctx, acct)
			if err != nil {
				return err
			}
			if pending > 0 {
				if err := s.store.SetTierDueDate(ctx, acct.ID, now); err != nil {
					return err
				}
				s.logger.Debug().
					Str("account_id", acct.ID.String()).
					Str("kind", string(acct.Kind)).
					Int("pending", pending).
					Msg("due clock started")
			}
		}

		if acct.ParentID == nil {
			return nil
		}
		acct, err = s.store.GetTierAccountByID(ctx, *acct.ParentID)
		if err != nil {
			return fmt.Errorf("record billable event: %w", err)
		}
	}
}
