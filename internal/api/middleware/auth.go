package middleware

import (
	"context"
	"net/http"

	"github.com/MacJediWizard/keygate/internal/auth"
	"github.com/MacJediWizard/keygate/internal/models"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// AccountStore verifies that session accounts still exist and are active.
type AccountStore interface {
	GetTierAccountByID(ctx context.Context, id uuid.UUID) (*models.TierAccount, error)
}

// ContextKey is the type for context keys used by this package.
type ContextKey string

const (
	// AccountContextKey is the context key for the authenticated tier account.
	AccountContextKey ContextKey = "account"
	// LicenseUserContextKey is the context key for an authenticated end
	// user's license key.
	LicenseUserContextKey ContextKey = "license_user"
)

// AuthMiddleware returns a Gin middleware that requires an authenticated
// tier account. The account is re-read from the store on every request so
// a deactivated or deleted account loses access immediately, not at
// session expiry.
func AuthMiddleware(sessions *auth.SessionStore, store AccountStore, logger zerolog.Logger) gin.HandlerFunc {
	log := logger.With().Str("component", "auth_middleware").Logger()

	return func(c *gin.Context) {
		sessionAcct, err := sessions.GetAccount(c.Request)
		if err != nil {
			log.Debug().Err(err).Str("path", c.Request.URL.Path).Msg("unauthenticated request")
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
			return
		}

		acct, err := store.GetTierAccountByID(c.Request.Context(), sessionAcct.ID)
		if err != nil {
			log.Debug().Err(err).Str("account_id", sessionAcct.ID.String()).Msg("stale session account")
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
			return
		}
		if !acct.Active {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "account is deactivated"})
			return
		}

		c.Set(string(AccountContextKey), acct)
		c.Next()
	}
}

// LicenseUserMiddleware returns a Gin middleware that requires an end user
// authenticated with a license key.
func LicenseUserMiddleware(sessions *auth.SessionStore, logger zerolog.Logger) gin.HandlerFunc {
	log := logger.With().Str("component", "license_user_middleware").Logger()

	return func(c *gin.Context) {
		key, err := sessions.GetLicenseUser(c.Request)
		if err != nil {
			log.Debug().Err(err).Str("path", c.Request.URL.Path).Msg("unauthenticated request")
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
			return
		}
		c.Set(string(LicenseUserContextKey), key)
		c.Next()
	}
}

// RequireAccount returns the authenticated tier account from the Gin
// context, or writes a 401 and returns nil. Must run behind AuthMiddleware.
func RequireAccount(c *gin.Context) *models.TierAccount {
	val, ok := c.Get(string(AccountContextKey))
	if !ok {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
		return nil
	}
	acct, ok := val.(*models.TierAccount)
	if !ok {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
		return nil
	}
	return acct
}

// RequireLicenseUser returns the authenticated end user's license key, or
// writes a 401 and returns an empty string.
func RequireLicenseUser(c *gin.Context) string {
	val, ok := c.Get(string(LicenseUserContextKey))
	if !ok {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
		return ""
	}
	key, _ := val.(string)
	if key == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
	}
	return key
}
