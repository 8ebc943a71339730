// Package billing implements the hierarchical billable-usage rollup, the
// per-tier due bookkeeping, and the grace-window enforcement pass.
package billing

import (
	"context"
	"fmt"
	"time"

	"github.com/MacJediWizard/keygate/internal/models"
	"github.com/google/uuid"
)

// Store defines the read operations the rollup calculator needs.
type Store interface {
	GetTierAccountByID(ctx context.Context, id uuid.UUID) (*models.TierAccount, error)
	ListChildren(ctx context.Context, parentID uuid.UUID) ([]*models.TierAccount, error)
	ListLicensesBySeller(ctx context.Context, sellerID uuid.UUID) ([]*models.License, error)
}

// Calculator computes billable usage rollups. It is stateless and
// recomputes from live store data on every call; license and tier state
// can change between evaluations, so results are never cached.
type Calculator struct {
	store Store
}

// NewCalculator creates a Calculator over the given store.
func NewCalculator(store Store) *Calculator {
	return &Calculator{store: store}
}

// BillableUnits returns the total billable units generated by the
// account's subtree. For a seller that is the count of paid-and-active
// licenses plus the renewal count over all its licenses; for upper tiers
// it is the sum over active direct children. Inactive subtrees stop
// contributing, since they are already being resolved independently.
func (c *Calculator) BillableUnits(ctx context.Context, acct *models.TierAccount) (int, error) {
	if acct.Kind == models.TierSeller {
		return c.sellerUnits(ctx, acct.ID)
	}

	children, err := c.store.ListChildren(ctx, acct.ID)
	if err != nil {
		return 0, fmt.Errorf("billable units for %s: %w", acct.Username, err)
	}

	total := 0
	for _, child := range children {
		if !child.Active {
			continue
		}
		units, err := c.BillableUnits(ctx, child)
		if err != nil {
			return 0, err
		}
		total += units
	}
	return total, nil
}

func (c *Calculator) sellerUnits(ctx context.Context, sellerID uuid.UUID) (int, error) {
	licenses, err := c.store.ListLicensesBySeller(ctx, sellerID)
	if err != nil {
		return 0, fmt.Errorf("seller units: %w", err)
	}

	units := 0
	for _, lic := range licenses {
		if lic.Billable() {
			units++
		}
		// Renewals count even on inactive or unpaid licenses; each one was
		// a billable event when it happened.
		units += lic.RenewCount
	}
	return units, nil
}

// PendingBillable returns the billable units generated since the last
// acceptance, never negative.
func (c *Calculator) PendingBillable(ctx context.Context, acct *models.TierAccount) (int, error) {
	units, err := c.BillableUnits(ctx, acct)
	if err != nil {
		return 0, err
	}
	pending := units - acct.AcceptedDue
	if pending < 0 {
		pending = 0
	}
	return pending, nil
}

// DueSummary describes a tier account's billing position. DueAmount is
// informational; no payment processing hangs off it.
type DueSummary struct {
	BillableUnits int        `json:"billable_units"`
	AcceptedDue   int        `json:"accepted_due"`
	PendingUnits  int        `json:"pending_units"`
	Rate          int        `json:"rate"`
	DueAmount     int        `json:"due_amount"`
	DueDate       *time.Time `json:"due_date,omitempty"`
}

// Summarize computes the full billing position for an account.
func (c *Calculator) Summarize(ctx context.Context, acct *models.TierAccount) (*DueSummary, error) {
	units, err := c.BillableUnits(ctx, acct)
	if err != nil {
		return nil, err
	}
	pending := units - acct.AcceptedDue
	if pending < 0 {
		pending = 0
	}
	return &DueSummary{
		BillableUnits: units,
		AcceptedDue:   acct.AcceptedDue,
		PendingUnits:  pending,
		Rate:          acct.Rate,
		DueAmount:     pending * acct.Rate,
		DueDate:       acct.DueDate,
	}, nil
}
