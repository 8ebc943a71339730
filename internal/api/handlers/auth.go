package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/MacJediWizard/keygate/internal/auth"
	"github.com/MacJediWizard/keygate/internal/models"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// AuthStore defines the lookups the auth handler needs.
type AuthStore interface {
	GetTierAccountByUsername(ctx context.Context, username string) (*models.TierAccount, error)
	GetLicenseByKey(ctx context.Context, key string) (*models.License, error)
}

// AuthHandler handles login and logout for tier accounts and end users.
type AuthHandler struct {
	store    AuthStore
	sessions *auth.SessionStore
	logger   zerolog.Logger
}

// NewAuthHandler creates a new AuthHandler.
func NewAuthHandler(store AuthStore, sessions *auth.SessionStore, logger zerolog.Logger) *AuthHandler {
	return &AuthHandler{
		store:    store,
		sessions: sessions,
		logger:   logger.With().Str("component", "auth_handler").Logger(),
	}
}

// RegisterRoutes registers auth routes.
func (h *AuthHandler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/login", h.Login)
	r.POST("/user/login", h.UserLogin)
	r.POST("/logout", h.Logout)
}

// LoginRequest is the request body for tier account login.
type LoginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// Login handles POST /auth/login for tier accounts.
func (h *AuthHandler) Login(c *gin.Context) {
	var req LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "username and password are required"})
		return
	}

	acct, err := h.store.GetTierAccountByUsername(c.Request.Context(), req.Username)
	if err != nil {
		// Same response as a bad password; no username oracle.
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
		return
	}

	if !auth.CheckPassword(acct.PasswordHash, req.Password) {
		h.logger.Warn().Str("username", req.Username).Msg("failed login attempt")
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
		return
	}

	if !acct.Active {
		c.JSON(http.StatusForbidden, gin.H{"error": "account is deactivated"})
		return
	}

	err = h.sessions.SetAccount(c.Request, c.Writer, &auth.SessionAccount{
		ID:              acct.ID,
		Kind:            acct.Kind,
		Username:        acct.Username,
		AuthenticatedAt: time.Now().UTC(),
	})
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to save session")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create session"})
		return
	}

	h.logger.Info().Str("username", acct.Username).Str("kind", string(acct.Kind)).Msg("login")
	c.JSON(http.StatusOK, gin.H{
		"id":       acct.ID,
		"username": acct.Username,
		"kind":     acct.Kind,
	})
}

// UserLoginRequest is the request body for end user login by license key.
type UserLoginRequest struct {
	Key string `json:"key" binding:"required"`
}

// UserLogin handles POST /auth/user/login. End users authenticate with
// their license key alone; the key is the credential.
func (h *AuthHandler) UserLogin(c *gin.Context) {
	var req UserLoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "license key is required"})
		return
	}

	key := models.NormalizeKey(req.Key)
	lic, err := h.store.GetLicenseByKey(c.Request.Context(), key)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid license key"})
		return
	}
	if !lic.Active {
		c.JSON(http.StatusForbidden, gin.H{"error": "license is deactivated"})
		return
	}

	if err := h.sessions.SetLicenseUser(c.Request, c.Writer, lic.Key); err != nil {
		h.logger.Error().Err(err).Msg("failed to save session")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create session"})
		return
	}

	h.logger.Info().Str("key", lic.Key).Msg("end user login")
	c.JSON(http.StatusOK, gin.H{
		"key":  lic.Key,
		"plan": lic.Plan,
	})
}

// Logout handles POST /auth/logout.
func (h *AuthHandler) Logout(c *gin.Context) {
	if err := h.sessions.Clear(c.Request, c.Writer); err != nil {
		h.logger.Error().Err(err).Msg("failed to clear session")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to log out"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "logged out"})
}
