// Package auth provides cookie-session handling and password hashing for
// tier accounts and license-key end users.
package auth

import (
	"encoding/gob"
	"fmt"
	"net/http"
	"time"

	"github.com/MacJediWizard/keygate/internal/models"
	"github.com/google/uuid"
	"github.com/gorilla/sessions"
	"github.com/rs/zerolog"
)

func init() {
	// Register types for session serialization
	gob.Register(uuid.UUID{})
	gob.Register(time.Time{})
}

const (
	// SessionName is the name of the session cookie.
	SessionName = "keygate_session"
	// AccountIDKey is the session key for the authenticated tier account ID.
	AccountIDKey = "account_id"
	// AccountKindKey is the session key for the account's tier kind.
	AccountKindKey = "account_kind"
	// UsernameKey is the session key for the account's username.
	UsernameKey = "username"
	// LicenseKeyKey is the session key for an authenticated end user's
	// license key.
	LicenseKeyKey = "license_key"
	// AuthenticatedAtKey is the session key for when the login happened.
	AuthenticatedAtKey = "authenticated_at"
)

// SessionConfig holds session store configuration.
type SessionConfig struct {
	Secret     []byte
	MaxAge     int  // seconds
	Secure     bool // require HTTPS
	HTTPOnly   bool // prevent JavaScript access
	SameSite   http.SameSite
	CookiePath string
}

// DefaultSessionConfig returns a SessionConfig with secure defaults.
func DefaultSessionConfig(secret []byte, secure bool) SessionConfig {
	return SessionConfig{
		Secret:     secret,
		MaxAge:     86400, // 24 hours
		Secure:     secure,
		HTTPOnly:   true,
		SameSite:   http.SameSiteLaxMode,
		CookiePath: "/",
	}
}

// SessionStore wraps a gorilla/sessions store with helper methods.
type SessionStore struct {
	store  *sessions.CookieStore
	logger zerolog.Logger
}

// NewSessionStore creates a new session store.
func NewSessionStore(cfg SessionConfig, logger zerolog.Logger) (*SessionStore, error) {
	if len(cfg.Secret) < 32 {
		return nil, fmt.Errorf("session secret must be at least 32 bytes")
	}

	store := sessions.NewCookieStore(cfg.Secret)
	store.Options = &sessions.Options{
		Path:     cfg.CookiePath,
		MaxAge:   cfg.MaxAge,
		HttpOnly: cfg.HTTPOnly,
		Secure:   cfg.Secure,
		SameSite: cfg.SameSite,
	}

	s := &SessionStore{
		store:  store,
		logger: logger.With().Str("component", "session").Logger(),
	}

	s.logger.Info().
		Bool("secure", cfg.Secure).
		Int("max_age", cfg.MaxAge).
		Msg("session store initialized")

	return s, nil
}

// Get retrieves a session from the request.
func (s *SessionStore) Get(r *http.Request) (*sessions.Session, error) {
	session, err := s.store.Get(r, SessionName)
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return session, nil
}

// Save saves the session to the response.
func (s *SessionStore) Save(r *http.Request, w http.ResponseWriter, session *sessions.Session) error {
	if err := session.Save(r, w); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

// SessionAccount represents the authenticated tier account stored in the
// session.
type SessionAccount struct {
	ID              uuid.UUID
	Kind            models.TierKind
	Username        string
	AuthenticatedAt time.Time
}

// SetAccount stores tier account data in the session after a successful
// login. Any end-user license session on the same cookie is dropped.
func (s *SessionStore) SetAccount(r *http.Request, w http.ResponseWriter, acct *SessionAccount) error {
	session, err := s.Get(r)
	if err != nil {
		return err
	}
	session.Values[AccountIDKey] = acct.ID
	session.Values[AccountKindKey] = string(acct.Kind)
	session.Values[UsernameKey] = acct.Username
	session.Values[AuthenticatedAtKey] = acct.AuthenticatedAt
	delete(session.Values, LicenseKeyKey)
	return s.Save(r, w, session)
}

// GetAccount retrieves the authenticated tier account from the session.
func (s *SessionStore) GetAccount(r *http.Request) (*SessionAccount, error) {
	session, err := s.Get(r)
	if err != nil {
		return nil, err
	}

	accountID, ok := session.Values[AccountIDKey].(uuid.UUID)
	if !ok {
		return nil, fmt.Errorf("no account in session")
	}

	kind, _ := session.Values[AccountKindKey].(string)
	username, _ := session.Values[UsernameKey].(string)
	authenticatedAt, _ := session.Values[AuthenticatedAtKey].(time.Time)

	return &SessionAccount{
		ID:              accountID,
		Kind:            models.TierKind(kind),
		Username:        username,
		AuthenticatedAt: authenticatedAt,
	}, nil
}

// SetLicenseUser stores an end user's license key in the session after a
// successful key login.
func (s *SessionStore) SetLicenseUser(r *http.Request, w http.ResponseWriter, licenseKey string) error {
	session, err := s.Get(r)
	if err != nil {
		return err
	}
	session.Values[LicenseKeyKey] = licenseKey
	session.Values[AuthenticatedAtKey] = time.Now().UTC()
	delete(session.Values, AccountIDKey)
	delete(session.Values, AccountKindKey)
	delete(session.Values, UsernameKey)
	return s.Save(r, w, session)
}

// GetLicenseUser retrieves the end user's license key from the session.
func (s *SessionStore) GetLicenseUser(r *http.Request) (string, error) {
	session, err := s.Get(r)
	if err != nil {
		return "", err
	}
	key, ok := session.Values[LicenseKeyKey].(string)
	if !ok {
		return "", fmt.Errorf("no license user in session")
	}
	return key, nil
}

// Clear removes all authentication data from the session (logout).
func (s *SessionStore) Clear(r *http.Request, w http.ResponseWriter) error {
	session, err := s.Get(r)
	if err != nil {
		return err
	}
	delete(session.Values, AccountIDKey)
	delete(session.Values, AccountKindKey)
	delete(session.Values, UsernameKey)
	delete(session.Values, LicenseKeyKey)
	delete(session.Values, AuthenticatedAtKey)
	// Set MaxAge to -1 to delete the cookie
	session.Options.MaxAge = -1
	return s.Save(r, w, session)
}

// IsAuthenticated checks if the session has an authenticated tier account.
func (s *SessionStore) IsAuthenticated(r *http.Request) bool {
	session, err := s.Get(r)
	if err != nil {
		return false
	}
	_, ok := session.Values[AccountIDKey].(uuid.UUID)
	return ok
}
