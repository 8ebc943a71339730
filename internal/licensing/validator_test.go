package licensing

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/MacJediWizard/keygate/internal/models"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errMockNotFound = errors.New("not found")

// mockLicenseStore is an in-memory store with the same conditional-bind
// semantics as the real one: a bind only lands if the license is still
// unbound at write time.
type mockLicenseStore struct {
	mu       sync.Mutex
	licenses map[string]*models.License
	getErr   error
}

func newMockLicenseStore(licenses ...*models.License) *mockLicenseStore {
	s := &mockLicenseStore{licenses: make(map[string]*models.License)}
	for _, lic := range licenses {
		s.licenses[lic.Key] = lic
	}
	return s
}

func (s *mockLicenseStore) GetLicenseByKey(_ context.Context, key string) (*models.License, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.getErr != nil {
		return nil, s.getErr
	}
	lic, ok := s.licenses[key]
	if !ok {
		return nil, errMockNotFound
	}
	copy := *lic
	return &copy, nil
}

func (s *mockLicenseStore) BindLicenseMAC(_ context.Context, key, mac string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	lic, ok := s.licenses[key]
	if !ok || lic.MAC != "" {
		return false, nil
	}
	lic.MAC = mac
	return true, nil
}

func (s *mockLicenseStore) ResetLicenseMAC(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	lic, ok := s.licenses[key]
	if !ok {
		return errMockNotFound
	}
	lic.MAC = ""
	return nil
}

func (s *mockLicenseStore) RenewLicense(_ context.Context, key string, expiry time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	lic, ok := s.licenses[key]
	if !ok {
		return errMockNotFound
	}
	lic.Expiry = expiry
	lic.RenewCount++
	return nil
}

func (s *mockLicenseStore) SetLicensePaid(_ context.Context, key string, paid bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	lic, ok := s.licenses[key]
	if !ok {
		return errMockNotFound
	}
	lic.Paid = paid
	return nil
}

func (s *mockLicenseStore) storedMAC(key string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.licenses[key].MAC
}

type mockBiller struct {
	mu     sync.Mutex
	events []uuid.UUID
}

func (b *mockBiller) RecordBillableEvent(_ context.Context, sellerID uuid.UUID, _ time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, sellerID)
	return nil
}

func testLicense(key string) *models.License {
	return &models.License{
		Key:       key,
		SellerID:  uuid.New(),
		MAC:       "",
		Expiry:    time.Now().AddDate(0, 0, 20),
		Active:    true,
		Paid:      true,
		Plan:      models.DefaultPlan,
		CreatedAt: time.Now(),
	}
}

func newTestValidator(store *mockLicenseStore, biller Biller) *Validator {
	return NewValidator(store, errMockNotFound, biller, nil, zerolog.Nop())
}

func TestValidateRejections(t *testing.T) {
	now := time.Now()

	tests := []struct {
		name   string
		mutate func(*models.License)
		key    string
		reason Reason
	}{
		{"unknown key", nil, "NOPE", ReasonKeyNotFound},
		{"deactivated", func(l *models.License) { l.Active = false }, "ABC123", ReasonDeactivated},
		{"unpaid", func(l *models.License) { l.Paid = false }, "ABC123", ReasonUnpaid},
		{"expired", func(l *models.License) { l.Expiry = now.AddDate(0, 0, -2) }, "ABC123", ReasonExpired},
		{"bound elsewhere", func(l *models.License) { l.MAC = "device-a" }, "ABC123", ReasonDeviceConflict},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			lic := testLicense("ABC123")
			if tt.mutate != nil {
				tt.mutate(lic)
			}
			v := newTestValidator(newMockLicenseStore(lic), nil)

			_, err := v.Validate(context.Background(), tt.key, "device-b", now)
			rej, ok := AsRejection(err)
			require.True(t, ok, "expected a rejection, got %v", err)
			assert.Equal(t, tt.reason, rej.Reason)
		})
	}
}

func TestValidateChecksDeactivatedBeforeUnpaid(t *testing.T) {
	lic := testLicense("ABC123")
	lic.Active = false
	lic.Paid = false
	v := newTestValidator(newMockLicenseStore(lic), nil)

	_, err := v.Validate(context.Background(), "ABC123", "dev", time.Now())
	rej, ok := AsRejection(err)
	require.True(t, ok)
	assert.Equal(t, ReasonDeactivated, rej.Reason)
}

func TestValidateNormalizesKey(t *testing.T) {
	store := newMockLicenseStore(testLicense("ABC123"))
	v := newTestValidator(store, nil)

	res, err := v.Validate(context.Background(), "  abc123 ", "device-a", time.Now())
	require.NoError(t, err)
	assert.Equal(t, models.DefaultPlan, res.Plan)
	assert.Equal(t, "device-a", store.storedMAC("ABC123"))
}

func TestValidateBindsFirstDevice(t *testing.T) {
	store := newMockLicenseStore(testLicense("ABC123"))
	v := newTestValidator(store, nil)

	res, err := v.Validate(context.Background(), "ABC123", "device-a", time.Now())
	require.NoError(t, err)
	assert.Equal(t, 19, res.DaysLeft)
	assert.Equal(t, "device-a", store.storedMAC("ABC123"))

	// Same device again: idempotent, same outcome, no state change.
	res2, err := v.Validate(context.Background(), "ABC123", "device-a", time.Now())
	require.NoError(t, err)
	assert.Equal(t, res.Plan, res2.Plan)
	assert.Equal(t, "device-a", store.storedMAC("ABC123"))

	// A different device is rejected permanently.
	_, err = v.Validate(context.Background(), "ABC123", "device-b", time.Now())
	rej, ok := AsRejection(err)
	require.True(t, ok)
	assert.Equal(t, ReasonDeviceConflict, rej.Reason)
	assert.Equal(t, "device-a", store.storedMAC("ABC123"))
}

func TestValidateBindRace(t *testing.T) {
	store := newMockLicenseStore(testLicense("ABC123"))
	v := newTestValidator(store, nil)

	var wg sync.WaitGroup
	results := make([]error, 2)
	devices := []string{"device-a", "device-b"}
	for i := range devices {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, results[i] = v.Validate(context.Background(), "ABC123", devices[i], time.Now())
		}(i)
	}
	wg.Wait()

	winners := 0
	for i, err := range results {
		if err == nil {
			winners++
			assert.Equal(t, devices[i], store.storedMAC("ABC123"))
		} else {
			rej, ok := AsRejection(err)
			require.True(t, ok)
			assert.Equal(t, ReasonDeviceConflict, rej.Reason)
		}
	}
	assert.Equal(t, 1, winners, "exactly one caller must win the bind")
}

func TestValidateRaceLoserSameDeviceSucceeds(t *testing.T) {
	// If the loser re-reads and finds its own device bound (same device
	// raced from two calls), it still succeeds.
	lic := testLicense("ABC123")
	store := newMockLicenseStore(lic)
	v := newTestValidator(store, nil)

	// Simulate losing the conditional write to an identical fingerprint.
	ok, err := store.BindLicenseMAC(context.Background(), "ABC123", "device-a")
	require.NoError(t, err)
	require.True(t, ok)

	_, err = v.Validate(context.Background(), "ABC123", "device-a", time.Now())
	assert.NoError(t, err)
}

func TestReset(t *testing.T) {
	lic := testLicense("ABC123")
	lic.MAC = "device-a"
	store := newMockLicenseStore(lic)
	v := newTestValidator(store, nil)

	require.NoError(t, v.Reset(context.Background(), "abc123"))
	assert.Empty(t, store.storedMAC("ABC123"))

	// Freed license binds to the next device that validates.
	_, err := v.Validate(context.Background(), "ABC123", "device-b", time.Now())
	require.NoError(t, err)
	assert.Equal(t, "device-b", store.storedMAC("ABC123"))
}

func TestRenewExtendsFromNowAndCountsRenewal(t *testing.T) {
	lic := testLicense("ABC123")
	lic.Expiry = time.Now().AddDate(0, 0, -10) // long expired
	store := newMockLicenseStore(lic)
	biller := &mockBiller{}
	v := newTestValidator(store, biller)

	now := time.Now()
	renewed, err := v.Renew(context.Background(), "ABC123", now)
	require.NoError(t, err)

	// Renewal runs from now, not from the old expiry: no compounding.
	assert.Equal(t, models.ExpiryFrom(now), renewed.Expiry)
	assert.Equal(t, 1, renewed.RenewCount)
	require.Len(t, biller.events, 1)
	assert.Equal(t, lic.SellerID, biller.events[0])
}

func TestMarkPaidRecordsBillableEvent(t *testing.T) {
	lic := testLicense("ABC123")
	lic.Paid = false
	store := newMockLicenseStore(lic)
	biller := &mockBiller{}
	v := newTestValidator(store, biller)

	require.NoError(t, v.MarkPaid(context.Background(), "ABC123", time.Now()))

	got, err := store.GetLicenseByKey(context.Background(), "ABC123")
	require.NoError(t, err)
	assert.True(t, got.Paid)
	require.Len(t, biller.events, 1)
}
