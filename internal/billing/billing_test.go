package billing

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/MacJediWizard/keygate/internal/models"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockTierStore is an in-memory tier/license tree implementing the billing
// store interfaces, including the apply-accepted-due clock reset and the
// subtree semantics of cascade deactivation.
type mockTierStore struct {
	mu       sync.Mutex
	accounts map[uuid.UUID]*models.TierAccount
	licenses map[uuid.UUID][]*models.License

	cascaded []uuid.UUID
}

func newMockTierStore() *mockTierStore {
	return &mockTierStore{
		accounts: make(map[uuid.UUID]*models.TierAccount),
		licenses: make(map[uuid.UUID][]*models.License),
	}
}

func (s *mockTierStore) addAccount(kind models.TierKind, parent *models.TierAccount, rate int) *models.TierAccount {
	s.mu.Lock()
	defer s.mu.Unlock()
	acct := &models.TierAccount{
		ID:       uuid.New(),
		Kind:     kind,
		Username: string(kind) + "-" + uuid.NewString()[:8],
		Active:   true,
		Rate:     rate,
	}
	if parent != nil {
		id := parent.ID
		acct.ParentID = &id
	}
	s.accounts[acct.ID] = acct
	return acct
}

func (s *mockTierStore) addLicense(seller *models.TierAccount, paid, active bool, renewals int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.licenses[seller.ID] = append(s.licenses[seller.ID], &models.License{
		Key:        uuid.NewString(),
		SellerID:   seller.ID,
		Active:     active,
		Paid:       paid,
		Plan:       models.DefaultPlan,
		RenewCount: renewals,
	})
}

func (s *mockTierStore) GetTierAccountByID(_ context.Context, id uuid.UUID) (*models.TierAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	acct, ok := s.accounts[id]
	if !ok {
		return nil, context.Canceled
	}
	copy := *acct
	return &copy, nil
}

func (s *mockTierStore) ListChildren(_ context.Context, parentID uuid.UUID) ([]*models.TierAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.TierAccount
	for _, acct := range s.accounts {
		if acct.ParentID != nil && *acct.ParentID == parentID {
			copy := *acct
			out = append(out, &copy)
		}
	}
	return out, nil
}

func (s *mockTierStore) ListLicensesBySeller(_ context.Context, sellerID uuid.UUID) ([]*models.License, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.licenses[sellerID], nil
}

func (s *mockTierStore) ApplyAcceptedDue(_ context.Context, id uuid.UUID, units int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	acct := s.accounts[id]
	acct.AcceptedDue += units
	acct.DueDate = nil
	return nil
}

func (s *mockTierStore) SetTierDueDate(_ context.Context, id uuid.UUID, dueDate time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	acct := s.accounts[id]
	if acct.DueDate != nil {
		return nil
	}
	acct.DueDate = &dueDate
	return nil
}

func (s *mockTierStore) ListActiveTierAccountsByKind(_ context.Context, kind models.TierKind) ([]*models.TierAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.TierAccount
	for _, acct := range s.accounts {
		if acct.Kind == kind && acct.Active {
			copy := *acct
			out = append(out, &copy)
		}
	}
	return out, nil
}

func (s *mockTierStore) CascadeDeactivate(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cascaded = append(s.cascaded, id)
	s.deactivateSubtree(id)
	return nil
}

func (s *mockTierStore) deactivateSubtree(id uuid.UUID) {
	acct := s.accounts[id]
	acct.Active = false
	if acct.Kind == models.TierSeller {
		for _, lic := range s.licenses[id] {
			lic.Active = false
		}
		return
	}
	for _, child := range s.accounts {
		if child.ParentID != nil && *child.ParentID == id {
			s.deactivateSubtree(child.ID)
		}
	}
}

// chain builds master -> admin -> super -> seller with the given rates.
func chain(s *mockTierStore) (master, admin, super, seller *models.TierAccount) {
	master = s.addAccount(models.TierMaster, nil, 5)
	admin = s.addAccount(models.TierAdmin, master, 8)
	super = s.addAccount(models.TierSuper, admin, 10)
	seller = s.addAccount(models.TierSeller, super, 12)
	return
}

func TestSellerUnits(t *testing.T) {
	store := newMockTierStore()
	_, _, _, seller := chain(store)

	store.addLicense(seller, true, true, 0)  // billable
	store.addLicense(seller, true, true, 2)  // billable + 2 renewals
	store.addLicense(seller, false, true, 0) // unpaid: not billable
	store.addLicense(seller, true, false, 1) // inactive: only the renewal counts

	calc := NewCalculator(store)
	units, err := calc.BillableUnits(context.Background(), mustGet(t, store, seller.ID))
	require.NoError(t, err)
	assert.Equal(t, 5, units) // 2 billable + 3 renewals
}

func TestRollupSkipsInactiveSubtrees(t *testing.T) {
	store := newMockTierStore()
	master := store.addAccount(models.TierMaster, nil, 5)
	admin := store.addAccount(models.TierAdmin, master, 8)
	superA := store.addAccount(models.TierSuper, admin, 10)
	superB := store.addAccount(models.TierSuper, admin, 10)
	sellerA := store.addAccount(models.TierSeller, superA, 12)
	sellerB := store.addAccount(models.TierSeller, superB, 12)

	store.addLicense(sellerA, true, true, 0)
	store.addLicense(sellerB, true, true, 0)
	store.addLicense(sellerB, true, true, 1)

	calc := NewCalculator(store)
	units, err := calc.BillableUnits(context.Background(), mustGet(t, store, master.ID))
	require.NoError(t, err)
	assert.Equal(t, 4, units)

	// Deactivating superB removes its whole branch from every rollup above.
	require.NoError(t, store.CascadeDeactivate(context.Background(), superB.ID))
	units, err = calc.BillableUnits(context.Background(), mustGet(t, store, master.ID))
	require.NoError(t, err)
	assert.Equal(t, 1, units)
}

func TestSummarize(t *testing.T) {
	store := newMockTierStore()
	_, _, _, seller := chain(store)

	store.addLicense(seller, true, true, 1)
	store.addLicense(seller, true, true, 1)
	store.mu.Lock()
	store.accounts[seller.ID].AcceptedDue = 1
	store.mu.Unlock()

	calc := NewCalculator(store)
	sum, err := calc.Summarize(context.Background(), mustGet(t, store, seller.ID))
	require.NoError(t, err)
	assert.Equal(t, 4, sum.BillableUnits) // 2 paid-active + 2 renewals
	assert.Equal(t, 1, sum.AcceptedDue)
	assert.Equal(t, 3, sum.PendingUnits)
	assert.Equal(t, 12, sum.Rate)
	assert.Equal(t, 36, sum.DueAmount)
}

func TestPendingBillableNeverNegative(t *testing.T) {
	store := newMockTierStore()
	_, _, _, seller := chain(store)
	store.mu.Lock()
	store.accounts[seller.ID].AcceptedDue = 7
	store.mu.Unlock()

	calc := NewCalculator(store)
	pending, err := calc.PendingBillable(context.Background(), mustGet(t, store, seller.ID))
	require.NoError(t, err)
	assert.Equal(t, 0, pending)
}

func TestAcceptDue(t *testing.T) {
	store := newMockTierStore()
	_, _, _, seller := chain(store)
	store.addLicense(seller, true, true, 0)
	store.addLicense(seller, true, true, 0)

	svc := NewService(store, zerolog.Nop())
	now := time.Now()
	require.NoError(t, svc.RecordBillableEvent(context.Background(), seller.ID, now))
	require.NotNil(t, mustGet(t, store, seller.ID).DueDate)

	accepted, err := svc.AcceptDue(context.Background(), seller.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, accepted)

	acct := mustGet(t, store, seller.ID)
	assert.Equal(t, 2, acct.AcceptedDue)
	assert.Nil(t, acct.DueDate, "acceptance stops the due clock")

	// Nothing pending now; a second acceptance is a no-op error.
	_, err = svc.AcceptDue(context.Background(), seller.ID)
	assert.ErrorIs(t, err, ErrNothingToAccept)
}

func TestAcceptDueIsIndependentPerTier(t *testing.T) {
	store := newMockTierStore()
	_, _, super, seller := chain(store)
	store.addLicense(seller, true, true, 0)

	svc := NewService(store, zerolog.Nop())
	_, err := svc.AcceptDue(context.Background(), seller.ID)
	require.NoError(t, err)

	// The seller settling its own dues does not settle the super's.
	calc := svc.Calculator()
	pending, err := calc.PendingBillable(context.Background(), mustGet(t, store, super.ID))
	require.NoError(t, err)
	assert.Equal(t, 1, pending)
}

func TestRecordBillableEventWalksAncestorChain(t *testing.T) {
	store := newMockTierStore()
	master, admin, super, seller := chain(store)
	store.addLicense(seller, true, true, 0)

	svc := NewService(store, zerolog.Nop())
	now := time.Now()
	require.NoError(t, svc.RecordBillableEvent(context.Background(), seller.ID, now))

	for _, acct := range []*models.TierAccount{seller, super, admin, master} {
		got := mustGet(t, store, acct.ID)
		require.NotNil(t, got.DueDate, "%s due clock should be running", got.Kind)
		assert.Equal(t, now, *got.DueDate)
	}

	// An already-running clock is never restarted.
	later := now.Add(2 * time.Hour)
	store.addLicense(seller, true, true, 0)
	require.NoError(t, svc.RecordBillableEvent(context.Background(), seller.ID, later))
	assert.Equal(t, now, *mustGet(t, store, seller.ID).DueDate)
}

func TestRecordBillableEventSkipsSettledNodes(t *testing.T) {
	store := newMockTierStore()
	_, _, super, seller := chain(store)
	store.addLicense(seller, true, true, 0)

	// The super has already accepted a unit it somehow pre-billed; its
	// pending is zero so its clock must stay unset.
	store.mu.Lock()
	store.accounts[super.ID].AcceptedDue = 1
	store.mu.Unlock()

	svc := NewService(store, zerolog.Nop())
	require.NoError(t, svc.RecordBillableEvent(context.Background(), seller.ID, time.Now()))

	assert.NotNil(t, mustGet(t, store, seller.ID).DueDate)
	assert.Nil(t, mustGet(t, store, super.ID).DueDate)
}

func TestGraceEvaluator(t *testing.T) {
	now := time.Now()

	tests := []struct {
		name     string
		dueAt    *time.Time
		accepted int
		cascades bool
	}{
		{"no clock running", nil, 0, false},
		{"inside grace window", timePtr(now.Add(-23 * time.Hour)), 0, false},
		{"exactly at window edge", timePtr(now.Add(-GraceWindow)), 0, false},
		{"past grace window", timePtr(now.Add(-25 * time.Hour)), 0, true},
		{"stale clock already settled", timePtr(now.Add(-48 * time.Hour)), 1, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newMockTierStore()
			_, _, super, seller := chain(store)
			store.addLicense(seller, true, true, 0)

			store.mu.Lock()
			store.accounts[super.ID].DueDate = tt.dueAt
			store.accounts[super.ID].AcceptedDue = tt.accepted
			store.mu.Unlock()

			ev := NewEvaluator(store, nil, zerolog.Nop())
			ev.RunPass(context.Background(), now)

			if tt.cascades {
				require.Len(t, store.cascaded, 1)
				assert.Equal(t, super.ID, store.cascaded[0])
				assert.False(t, mustGet(t, store, super.ID).Active)
				assert.False(t, mustGet(t, store, seller.ID).Active)
			} else {
				assert.Empty(t, store.cascaded)
				assert.True(t, mustGet(t, store, super.ID).Active)
			}
		})
	}
}

func TestGracePassUpperTierFirst(t *testing.T) {
	// When both an admin and a super under it are overdue, the admin-level
	// cascade lands first and the super drops out of its own level's scan.
	now := time.Now()
	store := newMockTierStore()
	_, admin, super, seller := chain(store)
	store.addLicense(seller, true, true, 0)

	overdue := now.Add(-48 * time.Hour)
	store.mu.Lock()
	store.accounts[admin.ID].DueDate = &overdue
	store.accounts[super.ID].DueDate = &overdue
	store.mu.Unlock()

	ev := NewEvaluator(store, nil, zerolog.Nop())
	ev.RunPass(context.Background(), now)

	require.Len(t, store.cascaded, 1)
	assert.Equal(t, admin.ID, store.cascaded[0])
}

func mustGet(t *testing.T, store *mockTierStore, id uuid.UUID) *models.TierAccount {
	t.Helper()
	acct, err := store.GetTierAccountByID(context.Background(), id)
	require.NoError(t, err)
	return acct
}

func timePtr(t time.Time) *time.Time { return &t }
