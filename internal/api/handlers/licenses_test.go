package handlers

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/MacJediWizard/keygate/internal/api/middleware"
	"github.com/MacJediWizard/keygate/internal/db"
	"github.com/MacJediWizard/keygate/internal/models"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockLicenseBackend struct {
	licenses map[string]*models.License
	// ancestry: seller id -> ancestor ids
	ancestors map[uuid.UUID][]uuid.UUID

	resets   []string
	renews   []string
	paid     []string
	deleted  []string
	statuses map[string]bool
}

func newMockLicenseBackend() *mockLicenseBackend {
	return &mockLicenseBackend{
		licenses:  make(map[string]*models.License),
		ancestors: make(map[uuid.UUID][]uuid.UUID),
		statuses:  make(map[string]bool),
	}
}

func (m *mockLicenseBackend) CreateLicense(_ context.Context, lic *models.License) error {
	if _, ok := m.licenses[lic.Key]; ok {
		return db.ErrAlreadyExists
	}
	m.licenses[lic.Key] = lic
	return nil
}

func (m *mockLicenseBackend) GetLicenseByKey(_ context.Context, key string) (*models.License, error) {
	lic, ok := m.licenses[key]
	if !ok {
		return nil, db.ErrNotFound
	}
	return lic, nil
}

func (m *mockLicenseBackend) ListLicensesBySeller(_ context.Context, sellerID uuid.UUID) ([]*models.License, error) {
	var out []*models.License
	for _, lic := range m.licenses {
		if lic.SellerID == sellerID {
			out = append(out, lic)
		}
	}
	return out, nil
}

func (m *mockLicenseBackend) DeleteLicense(_ context.Context, key string) error {
	m.deleted = append(m.deleted, key)
	delete(m.licenses, key)
	return nil
}

func (m *mockLicenseBackend) SetLicenseActive(_ context.Context, key string, active bool) error {
	m.statuses[key] = active
	m.licenses[key].Active = active
	return nil
}

func (m *mockLicenseBackend) IsAncestor(_ context.Context, ancestorID, nodeID uuid.UUID) (bool, error) {
	for _, id := range m.ancestors[nodeID] {
		if id == ancestorID {
			return true, nil
		}
	}
	return false, nil
}

func (m *mockLicenseBackend) GetLicenseStatsBySeller(_ context.Context, sellerID uuid.UUID) (*db.LicenseStats, error) {
	stats := &db.LicenseStats{}
	for _, lic := range m.licenses {
		if lic.SellerID != sellerID {
			continue
		}
		stats.Total++
		if lic.Paid {
			stats.Paid++
		} else {
			stats.Unpaid++
		}
	}
	return stats, nil
}

func (m *mockLicenseBackend) Reset(_ context.Context, key string) error {
	m.resets = append(m.resets, key)
	return nil
}

func (m *mockLicenseBackend) Renew(_ context.Context, key string, now time.Time) (*models.License, error) {
	m.renews = append(m.renews, key)
	lic := m.licenses[key]
	lic.Expiry = models.ExpiryFrom(now)
	lic.RenewCount++
	return lic, nil
}

func (m *mockLicenseBackend) MarkPaid(_ context.Context, key string, _ time.Time) error {
	m.paid = append(m.paid, key)
	m.licenses[key].Paid = true
	return nil
}

func licensesRouter(backend *mockLicenseBackend, actor *models.TierAccount) *gin.Engine {
	router := gin.New()
	router.Use(func(c *gin.Context) {
		c.Set(string(middleware.AccountContextKey), actor)
	})
	api := router.Group("/api/v1")
	NewLicensesHandler(backend, backend, zerolog.Nop()).RegisterRoutes(api)
	return router
}

func seller() *models.TierAccount {
	return &models.TierAccount{ID: uuid.New(), Kind: models.TierSeller, Username: "seller1", Active: true}
}

func TestCreateLicenseNormalizesKey(t *testing.T) {
	backend := newMockLicenseBackend()
	s := seller()
	router := licensesRouter(backend, s)

	w := doJSON(t, router, http.MethodPost, "/api/v1/licenses", gin.H{"key": "  abc123 "})
	require.Equal(t, http.StatusCreated, w.Code)

	lic, ok := backend.licenses["ABC123"]
	require.True(t, ok, "key stored trimmed and uppercased")
	assert.Equal(t, s.ID, lic.SellerID)
	assert.False(t, lic.Paid, "new licenses start unpaid")
	assert.Empty(t, lic.MAC)
}

func TestCreateLicenseDuplicate(t *testing.T) {
	backend := newMockLicenseBackend()
	s := seller()
	router := licensesRouter(backend, s)

	doJSON(t, router, http.MethodPost, "/api/v1/licenses", gin.H{"key": "ABC123"})
	w := doJSON(t, router, http.MethodPost, "/api/v1/licenses", gin.H{"key": "ABC123"})
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestCreateLicenseNonSellerRejected(t *testing.T) {
	backend := newMockLicenseBackend()
	admin := &models.TierAccount{ID: uuid.New(), Kind: models.TierAdmin, Username: "admin1", Active: true}
	router := licensesRouter(backend, admin)

	w := doJSON(t, router, http.MethodPost, "/api/v1/licenses", gin.H{"key": "ABC123"})
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestLicenseOwnership(t *testing.T) {
	backend := newMockLicenseBackend()
	owner := seller()
	ancestor := &models.TierAccount{ID: uuid.New(), Kind: models.TierSuper, Username: "super1", Active: true}
	stranger := &models.TierAccount{ID: uuid.New(), Kind: models.TierSeller, Username: "seller2", Active: true}
	backend.licenses["ABC123"] = &models.License{Key: "ABC123", SellerID: owner.ID, Active: true}
	backend.ancestors[owner.ID] = []uuid.UUID{ancestor.ID}

	// The owning seller can reset.
	w := doJSON(t, licensesRouter(backend, owner), http.MethodPost, "/api/v1/licenses/ABC123/reset", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	// So can an ancestor.
	w = doJSON(t, licensesRouter(backend, ancestor), http.MethodPost, "/api/v1/licenses/ABC123/reset", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	// A stranger cannot, and nothing happens.
	before := len(backend.resets)
	w = doJSON(t, licensesRouter(backend, stranger), http.MethodPost, "/api/v1/licenses/ABC123/reset", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Len(t, backend.resets, before)
}

func TestRenewEndpoint(t *testing.T) {
	backend := newMockLicenseBackend()
	s := seller()
	backend.licenses["ABC123"] = &models.License{Key: "ABC123", SellerID: s.ID, Active: true}
	router := licensesRouter(backend, s)

	w := doJSON(t, router, http.MethodPost, "/api/v1/licenses/ABC123/renew", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{"ABC123"}, backend.renews)
}

func TestMarkPaidEndpoint(t *testing.T) {
	backend := newMockLicenseBackend()
	s := seller()
	backend.licenses["ABC123"] = &models.License{Key: "ABC123", SellerID: s.ID, Active: true}
	router := licensesRouter(backend, s)

	w := doJSON(t, router, http.MethodPost, "/api/v1/licenses/ABC123/mark-paid", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, backend.licenses["ABC123"].Paid)
}

func TestLicenseNotFound(t *testing.T) {
	backend := newMockLicenseBackend()
	router := licensesRouter(backend, seller())

	w := doJSON(t, router, http.MethodPost, "/api/v1/licenses/MISSING/renew", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestLicenseStats(t *testing.T) {
	backend := newMockLicenseBackend()
	s := seller()
	backend.licenses["K1"] = &models.License{Key: "K1", SellerID: s.ID, Paid: true, Active: true}
	backend.licenses["K2"] = &models.License{Key: "K2", SellerID: s.ID, Paid: false, Active: true}
	router := licensesRouter(backend, s)

	w := doJSON(t, router, http.MethodGet, "/api/v1/licenses/stats", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"total":2,"paid":1,"unpaid":1}`, w.Body.String())
}

func TestUserReset(t *testing.T) {
	backend := newMockLicenseBackend()
	backend.licenses["ABC123"] = &models.License{Key: "ABC123", Active: true, MAC: "dev-a"}

	router := gin.New()
	router.Use(func(c *gin.Context) {
		c.Set(string(middleware.LicenseUserContextKey), "ABC123")
	})
	user := router.Group("/user")
	NewLicensesHandler(backend, backend, zerolog.Nop()).RegisterUserRoutes(user)

	w := doJSON(t, router, http.MethodPost, "/user/reset", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{"ABC123"}, backend.resets)
}
