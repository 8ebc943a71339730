package handlers

import (
	"context"
	"net/http"
	"testing"

	"github.com/MacJediWizard/keygate/internal/auth"
	"github.com/MacJediWizard/keygate/internal/db"
	"github.com/MacJediWizard/keygate/internal/models"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockAuthStore struct {
	accounts map[string]*models.TierAccount
	licenses map[string]*models.License
}

func (m *mockAuthStore) GetTierAccountByUsername(_ context.Context, username string) (*models.TierAccount, error) {
	acct, ok := m.accounts[username]
	if !ok {
		return nil, db.ErrNotFound
	}
	return acct, nil
}

func (m *mockAuthStore) GetLicenseByKey(_ context.Context, key string) (*models.License, error) {
	lic, ok := m.licenses[key]
	if !ok {
		return nil, db.ErrNotFound
	}
	return lic, nil
}

func authRouter(t *testing.T, store *mockAuthStore) *gin.Engine {
	t.Helper()
	sessions, err := auth.NewSessionStore(
		auth.DefaultSessionConfig([]byte("0123456789abcdef0123456789abcdef"), false),
		zerolog.Nop(),
	)
	require.NoError(t, err)

	router := gin.New()
	group := router.Group("/auth")
	NewAuthHandler(store, sessions, zerolog.Nop()).RegisterRoutes(group)
	return router
}

func hashFor(t *testing.T, password string) string {
	t.Helper()
	hash, err := auth.HashPassword(password)
	require.NoError(t, err)
	return hash
}

func TestLogin(t *testing.T) {
	store := &mockAuthStore{accounts: map[string]*models.TierAccount{
		"admin1": {
			ID:           uuid.New(),
			Kind:         models.TierAdmin,
			Username:     "admin1",
			PasswordHash: hashFor(t, "hunter2hunter2"),
			Active:       true,
		},
	}}
	router := authRouter(t, store)

	t.Run("success", func(t *testing.T) {
		w := doJSON(t, router, http.MethodPost, "/auth/login", gin.H{"username": "admin1", "password": "hunter2hunter2"})
		require.Equal(t, http.StatusOK, w.Code)
		assert.NotEmpty(t, w.Result().Cookies(), "session cookie issued")
		assert.Contains(t, w.Body.String(), "admin1")
	})

	t.Run("wrong password", func(t *testing.T) {
		w := doJSON(t, router, http.MethodPost, "/auth/login", gin.H{"username": "admin1", "password": "wrong"})
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("unknown username matches wrong password response", func(t *testing.T) {
		w := doJSON(t, router, http.MethodPost, "/auth/login", gin.H{"username": "ghost", "password": "whatever"})
		assert.Equal(t, http.StatusUnauthorized, w.Code)
		assert.Contains(t, w.Body.String(), "invalid credentials")
	})

	t.Run("deactivated", func(t *testing.T) {
		store.accounts["admin1"].Active = false
		defer func() { store.accounts["admin1"].Active = true }()
		w := doJSON(t, router, http.MethodPost, "/auth/login", gin.H{"username": "admin1", "password": "hunter2hunter2"})
		assert.Equal(t, http.StatusForbidden, w.Code)
	})

	t.Run("missing fields", func(t *testing.T) {
		w := doJSON(t, router, http.MethodPost, "/auth/login", gin.H{"username": "admin1"})
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestUserLogin(t *testing.T) {
	store := &mockAuthStore{licenses: map[string]*models.License{
		"ABC123": {Key: "ABC123", Active: true, Plan: models.DefaultPlan},
		"DEAD01": {Key: "DEAD01", Active: false, Plan: models.DefaultPlan},
	}}
	router := authRouter(t, store)

	t.Run("success with unnormalized key", func(t *testing.T) {
		w := doJSON(t, router, http.MethodPost, "/auth/user/login", gin.H{"key": " abc123 "})
		require.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), "ABC123")
	})

	t.Run("unknown key", func(t *testing.T) {
		w := doJSON(t, router, http.MethodPost, "/auth/user/login", gin.H{"key": "NOPE"})
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("deactivated license", func(t *testing.T) {
		w := doJSON(t, router, http.MethodPost, "/auth/user/login", gin.H{"key": "DEAD01"})
		assert.Equal(t, http.StatusForbidden, w.Code)
	})
}

func TestLogout(t *testing.T) {
	router := authRouter(t, &mockAuthStore{})
	w := doJSON(t, router, http.MethodPost, "/auth/logout", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}
