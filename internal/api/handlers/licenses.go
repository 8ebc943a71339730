package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/MacJediWizard/keygate/internal/api/middleware"
	"github.com/MacJediWizard/keygate/internal/db"
	"github.com/MacJediWizard/keygate/internal/licensing"
	"github.com/MacJediWizard/keygate/internal/models"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// LicenseStore defines the persistence operations for license management.
type LicenseStore interface {
	CreateLicense(ctx context.Context, lic *models.License) error
	GetLicenseByKey(ctx context.Context, key string) (*models.License, error)
	ListLicensesBySeller(ctx context.Context, sellerID uuid.UUID) ([]*models.License, error)
	DeleteLicense(ctx context.Context, key string) error
	SetLicenseActive(ctx context.Context, key string, active bool) error
	IsAncestor(ctx context.Context, ancestorID, nodeID uuid.UUID) (bool, error)
	GetLicenseStatsBySeller(ctx context.Context, sellerID uuid.UUID) (*db.LicenseStats, error)
}

// LicenseService is the lifecycle surface backed by the validator.
type LicenseService interface {
	Reset(ctx context.Context, key string) error
	Renew(ctx context.Context, key string, now time.Time) (*models.License, error)
	MarkPaid(ctx context.Context, key string, now time.Time) error
}

// LicensesHandler handles license management endpoints for tier accounts
// and the self-service reset for end users.
type LicensesHandler struct {
	store   LicenseStore
	service LicenseService
	logger  zerolog.Logger
}

// NewLicensesHandler creates a new LicensesHandler.
func NewLicensesHandler(store LicenseStore, service LicenseService, logger zerolog.Logger) *LicensesHandler {
	return &LicensesHandler{
		store:   store,
		service: service,
		logger:  logger.With().Str("component", "licenses_handler").Logger(),
	}
}

// RegisterRoutes registers license management routes for tier sessions.
func (h *LicensesHandler) RegisterRoutes(r *gin.RouterGroup) {
	licenses := r.Group("/licenses")
	{
		licenses.POST("", h.Create)
		licenses.GET("", h.List)
		licenses.GET("/stats", h.Stats)
		licenses.POST("/:key/reset", h.Reset)
		licenses.POST("/:key/renew", h.Renew)
		licenses.POST("/:key/mark-paid", h.MarkPaid)
		licenses.POST("/:key/activate", h.Activate)
		licenses.POST("/:key/deactivate", h.Deactivate)
		licenses.DELETE("/:key", h.Delete)
	}
}

// RegisterUserRoutes registers the end user self-service routes.
func (h *LicensesHandler) RegisterUserRoutes(r *gin.RouterGroup) {
	r.POST("/reset", h.UserReset)
}

// resolveLicense loads the license named by the :key param and verifies
// the acting account owns it: the owning seller itself or any ancestor.
func (h *LicensesHandler) resolveLicense(c *gin.Context) *models.License {
	actor := middleware.RequireAccount(c)
	if actor == nil {
		return nil
	}

	key := models.NormalizeKey(c.Param("key"))
	lic, err := h.store.GetLicenseByKey(c.Request.Context(), key)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "license not found"})
			return nil
		}
		h.logger.Error().Err(err).Msg("failed to load license")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return nil
	}

	if lic.SellerID != actor.ID {
		owns, err := h.store.IsAncestor(c.Request.Context(), actor.ID, lic.SellerID)
		if err != nil {
			h.logger.Error().Err(err).Msg("ownership check failed")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
			return nil
		}
		if !owns {
			c.JSON(http.StatusForbidden, gin.H{"error": "license is not in your subtree"})
			return nil
		}
	}
	return lic
}

// CreateLicenseRequest is the request body for creating a license.
type CreateLicenseRequest struct {
	Key string `json:"key" binding:"required,min=1,max=255"`
}

// Create handles POST /api/v1/licenses. Only sellers issue licenses; the
// new license starts unpaid and unbound.
func (h *LicensesHandler) Create(c *gin.Context) {
	actor := middleware.RequireAccount(c)
	if actor == nil {
		return
	}
	if actor.Kind != models.TierSeller {
		c.JSON(http.StatusForbidden, gin.H{"error": "only sellers can create licenses"})
		return
	}

	var req CreateLicenseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "license key is required"})
		return
	}

	lic := models.NewLicense(req.Key, actor.ID)
	if err := h.store.CreateLicense(c.Request.Context(), lic); err != nil {
		if errors.Is(err, db.ErrAlreadyExists) {
			c.JSON(http.StatusConflict, gin.H{"error": "license key already exists"})
			return
		}
		h.logger.Error().Err(err).Msg("failed to create license")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	h.logger.Info().Str("key", lic.Key).Str("seller", actor.Username).Msg("license created")
	c.JSON(http.StatusCreated, lic)
}

// List handles GET /api/v1/licenses for the acting seller.
func (h *LicensesHandler) List(c *gin.Context) {
	actor := middleware.RequireAccount(c)
	if actor == nil {
		return
	}
	if actor.Kind != models.TierSeller {
		c.JSON(http.StatusForbidden, gin.H{"error": "only sellers hold licenses"})
		return
	}

	licenses, err := h.store.ListLicensesBySeller(c.Request.Context(), actor.ID)
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to list licenses")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"licenses": licenses})
}

// Stats handles GET /api/v1/licenses/stats for the acting seller.
func (h *LicensesHandler) Stats(c *gin.Context) {
	actor := middleware.RequireAccount(c)
	if actor == nil {
		return
	}
	if actor.Kind != models.TierSeller {
		c.JSON(http.StatusForbidden, gin.H{"error": "only sellers hold licenses"})
		return
	}

	stats, err := h.store.GetLicenseStatsBySeller(c.Request.Context(), actor.ID)
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to load license stats")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.JSON(http.StatusOK, stats)
}

// Reset handles POST /api/v1/licenses/:key/reset. Clearing the device
// binding does not touch paid, active, or expiry.
func (h *LicensesHandler) Reset(c *gin.Context) {
	lic := h.resolveLicense(c)
	if lic == nil {
		return
	}

	if err := h.service.Reset(c.Request.Context(), lic.Key); err != nil {
		h.logger.Error().Err(err).Str("key", lic.Key).Msg("failed to reset license")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "device binding cleared"})
}

// Renew handles POST /api/v1/licenses/:key/renew.
func (h *LicensesHandler) Renew(c *gin.Context) {
	lic := h.resolveLicense(c)
	if lic == nil {
		return
	}

	renewed, err := h.service.Renew(c.Request.Context(), lic.Key, time.Now().UTC())
	if err != nil {
		h.logger.Error().Err(err).Str("key", lic.Key).Msg("failed to renew license")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.JSON(http.StatusOK, renewed)
}

// MarkPaid handles POST /api/v1/licenses/:key/mark-paid.
func (h *LicensesHandler) MarkPaid(c *gin.Context) {
	lic := h.resolveLicense(c)
	if lic == nil {
		return
	}

	if err := h.service.MarkPaid(c.Request.Context(), lic.Key, time.Now().UTC()); err != nil {
		h.logger.Error().Err(err).Str("key", lic.Key).Msg("failed to mark license paid")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "license marked paid"})
}

// Activate handles POST /api/v1/licenses/:key/activate.
func (h *LicensesHandler) Activate(c *gin.Context) {
	h.setActive(c, true, "license activated")
}

// Deactivate handles POST /api/v1/licenses/:key/deactivate.
func (h *LicensesHandler) Deactivate(c *gin.Context) {
	h.setActive(c, false, "license deactivated")
}

func (h *LicensesHandler) setActive(c *gin.Context, active bool, msg string) {
	lic := h.resolveLicense(c)
	if lic == nil {
		return
	}

	if err := h.store.SetLicenseActive(c.Request.Context(), lic.Key, active); err != nil {
		h.logger.Error().Err(err).Str("key", lic.Key).Msg("failed to update license state")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": msg})
}

// Delete handles DELETE /api/v1/licenses/:key.
func (h *LicensesHandler) Delete(c *gin.Context) {
	lic := h.resolveLicense(c)
	if lic == nil {
		return
	}

	if err := h.store.DeleteLicense(c.Request.Context(), lic.Key); err != nil {
		h.logger.Error().Err(err).Str("key", lic.Key).Msg("failed to delete license")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	h.logger.Info().Str("key", lic.Key).Msg("license deleted")
	c.JSON(http.StatusOK, gin.H{"message": "license deleted"})
}

// UserReset handles POST /user/reset for an authenticated end user. The
// session key is the credential; the user can only unbind their own
// license.
func (h *LicensesHandler) UserReset(c *gin.Context) {
	key := middleware.RequireLicenseUser(c)
	if key == "" {
		return
	}

	if err := h.service.Reset(c.Request.Context(), key); err != nil {
		if rej, ok := licensing.AsRejection(err); ok {
			c.JSON(http.StatusBadRequest, gin.H{"error": rej.Message})
			return
		}
		h.logger.Error().Err(err).Str("key", key).Msg("failed to reset license")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "device binding cleared"})
}
