package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/MacJediWizard/keygate/internal/models"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSessionStore(t *testing.T) *SessionStore {
	t.Helper()
	secret := []byte("0123456789abcdef0123456789abcdef")
	store, err := NewSessionStore(DefaultSessionConfig(secret, false), zerolog.Nop())
	require.NoError(t, err)
	return store
}

// roundTrip saves session state via one request and returns a follow-up
// request carrying the resulting cookies.
func roundTrip(t *testing.T, store *SessionStore, save func(w http.ResponseWriter, r *http.Request)) *http.Request {
	t.Helper()
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/auth/login", nil)
	save(w, r)

	// Keep only the latest cookie per name; a save-then-clear sequence
	// emits two Set-Cookie headers for the session.
	latest := make(map[string]*http.Cookie)
	for _, c := range w.Result().Cookies() {
		latest[c.Name] = c
	}
	next := httptest.NewRequest(http.MethodGet, "/api/v1/tiers", nil)
	for _, c := range latest {
		next.AddCookie(c)
	}
	return next
}

func TestNewSessionStoreRejectsShortSecret(t *testing.T) {
	_, err := NewSessionStore(DefaultSessionConfig([]byte("short"), false), zerolog.Nop())
	assert.Error(t, err)
}

func TestAccountSessionRoundTrip(t *testing.T) {
	store := newTestSessionStore(t)
	acct := &SessionAccount{
		ID:              uuid.New(),
		Kind:            models.TierSuper,
		Username:        "super1",
		AuthenticatedAt: time.Now().UTC().Truncate(time.Second),
	}

	next := roundTrip(t, store, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, store.SetAccount(r, w, acct))
	})

	got, err := store.GetAccount(next)
	require.NoError(t, err)
	assert.Equal(t, acct.ID, got.ID)
	assert.Equal(t, models.TierSuper, got.Kind)
	assert.Equal(t, "super1", got.Username)
	assert.True(t, store.IsAuthenticated(next))
}

func TestLicenseUserSessionRoundTrip(t *testing.T) {
	store := newTestSessionStore(t)

	next := roundTrip(t, store, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, store.SetLicenseUser(r, w, "ABC123"))
	})

	key, err := store.GetLicenseUser(next)
	require.NoError(t, err)
	assert.Equal(t, "ABC123", key)

	// A license session is not a tier account session.
	_, err = store.GetAccount(next)
	assert.Error(t, err)
	assert.False(t, store.IsAuthenticated(next))
}

func TestAccountLoginDropsLicenseSession(t *testing.T) {
	store := newTestSessionStore(t)

	next := roundTrip(t, store, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, store.SetLicenseUser(r, w, "ABC123"))
		require.NoError(t, store.SetAccount(r, w, &SessionAccount{
			ID:       uuid.New(),
			Kind:     models.TierSeller,
			Username: "seller1",
		}))
	})

	_, err := store.GetLicenseUser(next)
	assert.Error(t, err)
	assert.True(t, store.IsAuthenticated(next))
}

func TestClear(t *testing.T) {
	store := newTestSessionStore(t)

	next := roundTrip(t, store, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, store.SetAccount(r, w, &SessionAccount{ID: uuid.New(), Kind: models.TierMaster, Username: "master"}))
		require.NoError(t, store.Clear(r, w))
	})

	assert.False(t, store.IsAuthenticated(next))
}

func TestPasswordHashing(t *testing.T) {
	hash, err := HashPassword("correct horse battery")
	require.NoError(t, err)
	assert.NotEqual(t, "correct horse battery", hash)

	assert.True(t, CheckPassword(hash, "correct horse battery"))
	assert.False(t, CheckPassword(hash, "wrong password"))
	assert.False(t, CheckPassword("not-a-hash", "correct horse battery"))
}

func TestValidatePassword(t *testing.T) {
	assert.NoError(t, ValidatePassword("long enough"))
	assert.ErrorIs(t, ValidatePassword("short"), ErrPasswordTooShort)
}
