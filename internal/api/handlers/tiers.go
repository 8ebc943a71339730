package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/MacJediWizard/keygate/internal/api/middleware"
	"github.com/MacJediWizard/keygate/internal/auth"
	"github.com/MacJediWizard/keygate/internal/billing"
	"github.com/MacJediWizard/keygate/internal/db"
	"github.com/MacJediWizard/keygate/internal/metrics"
	"github.com/MacJediWizard/keygate/internal/models"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// TierStore defines the persistence operations for tier account management.
type TierStore interface {
	CreateTierAccount(ctx context.Context, acct *models.TierAccount) error
	GetTierAccountByID(ctx context.Context, id uuid.UUID) (*models.TierAccount, error)
	ListChildren(ctx context.Context, parentID uuid.UUID) ([]*models.TierAccount, error)
	UpdateTierRate(ctx context.Context, id uuid.UUID, rate int) error
	UpdateTierPassword(ctx context.Context, id uuid.UUID, passwordHash string) error
	SetTierActive(ctx context.Context, id uuid.UUID, active bool) error
	CascadeDeactivate(ctx context.Context, id uuid.UUID) error
	DeleteSubtree(ctx context.Context, id uuid.UUID) error
	IsAncestor(ctx context.Context, ancestorID, nodeID uuid.UUID) (bool, error)
}

// DuesService is the billing surface the tiers handler drives.
type DuesService interface {
	AcceptDue(ctx context.Context, id uuid.UUID) (int, error)
	Calculator() *billing.Calculator
}

// TiersHandler handles tier hierarchy management endpoints.
type TiersHandler struct {
	store   TierStore
	dues    DuesService
	metrics *metrics.Metrics
	logger  zerolog.Logger
}

// NewTiersHandler creates a new TiersHandler.
func NewTiersHandler(store TierStore, dues DuesService, m *metrics.Metrics, logger zerolog.Logger) *TiersHandler {
	return &TiersHandler{
		store:   store,
		dues:    dues,
		metrics: m,
		logger:  logger.With().Str("component", "tiers_handler").Logger(),
	}
}

// RegisterRoutes registers tier management routes.
func (h *TiersHandler) RegisterRoutes(r *gin.RouterGroup) {
	tiers := r.Group("/tiers")
	{
		tiers.GET("/children", h.ListOwnChildren)
		tiers.GET("/:id", h.Get)
		tiers.POST("/:id/children", h.CreateChild)
		tiers.GET("/:id/children", h.ListChildren)
		tiers.GET("/:id/dues", h.Dues)
		tiers.POST("/:id/accept-due", h.AcceptDue)
		tiers.POST("/:id/deactivate", h.Deactivate)
		tiers.POST("/:id/activate", h.Activate)
		tiers.PUT("/:id/rate", h.SetRate)
		tiers.PUT("/:id/password", h.SetPassword)
		tiers.DELETE("/:id", h.Delete)
	}
}

// resolveTarget parses the :id param and loads the target account, after
// verifying the acting account owns it. Ownership is the node itself or
// any node in its subtree; every check failure is fail-closed with no
// side effects.
func (h *TiersHandler) resolveTarget(c *gin.Context, allowSelf bool) (*models.TierAccount, *models.TierAccount) {
	actor := middleware.RequireAccount(c)
	if actor == nil {
		return nil, nil
	}

	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid account id"})
		return nil, nil
	}

	if id == actor.ID {
		if !allowSelf {
			c.JSON(http.StatusForbidden, gin.H{"error": "operation not permitted on own account"})
			return nil, nil
		}
		return actor, actor
	}

	owns, err := h.store.IsAncestor(c.Request.Context(), actor.ID, id)
	if err != nil {
		h.logger.Error().Err(err).Msg("ownership check failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return nil, nil
	}
	if !owns {
		c.JSON(http.StatusForbidden, gin.H{"error": "account is not in your subtree"})
		return nil, nil
	}

	target, err := h.store.GetTierAccountByID(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "account not found"})
			return nil, nil
		}
		h.logger.Error().Err(err).Msg("failed to load account")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return nil, nil
	}
	return actor, target
}

// CreateChildRequest is the request body for creating a child account.
type CreateChildRequest struct {
	Username string `json:"username" binding:"required,min=1,max=255"`
	Password string `json:"password" binding:"required"`
	Rate     int    `json:"rate" binding:"min=0"`
}

// tierResponse strips the password hash from an account.
func tierResponse(acct *models.TierAccount) gin.H {
	resp := gin.H{
		"id":           acct.ID,
		"kind":         acct.Kind,
		"username":     acct.Username,
		"active":       acct.Active,
		"rate":         acct.Rate,
		"accepted_due": acct.AcceptedDue,
		"created_at":   acct.CreatedAt,
	}
	if acct.ParentID != nil {
		resp["parent_id"] = *acct.ParentID
	}
	if acct.DueDate != nil {
		resp["due_date"] = *acct.DueDate
	}
	return resp
}

// Get handles GET /api/v1/tiers/:id.
func (h *TiersHandler) Get(c *gin.Context) {
	_, target := h.resolveTarget(c, true)
	if target == nil {
		return
	}
	c.JSON(http.StatusOK, tierResponse(target))
}

// CreateChild handles POST /api/v1/tiers/:id/children. The child's kind is
// always one level below the parent's; sellers cannot have child accounts.
func (h *TiersHandler) CreateChild(c *gin.Context) {
	_, parent := h.resolveTarget(c, true)
	if parent == nil {
		return
	}

	childKind, ok := parent.Kind.ChildKind()
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "sellers cannot have child accounts"})
		return
	}

	var req CreateChildRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
		return
	}
	if err := auth.ValidatePassword(req.Password); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to hash password")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	child := models.NewTierAccount(childKind, &parent.ID, req.Username, hash, req.Rate)
	if err := h.store.CreateTierAccount(c.Request.Context(), child); err != nil {
		if errors.Is(err, db.ErrAlreadyExists) {
			c.JSON(http.StatusConflict, gin.H{"error": "username already exists"})
			return
		}
		h.logger.Error().Err(err).Msg("failed to create account")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	h.logger.Info().
		Str("parent", parent.Username).
		Str("username", child.Username).
		Str("kind", string(child.Kind)).
		Msg("tier account created")
	c.JSON(http.StatusCreated, tierResponse(child))
}

// ListOwnChildren handles GET /api/v1/tiers/children.
func (h *TiersHandler) ListOwnChildren(c *gin.Context) {
	actor := middleware.RequireAccount(c)
	if actor == nil {
		return
	}
	h.listChildrenOf(c, actor)
}

// ListChildren handles GET /api/v1/tiers/:id/children.
func (h *TiersHandler) ListChildren(c *gin.Context) {
	_, target := h.resolveTarget(c, true)
	if target == nil {
		return
	}
	h.listChildrenOf(c, target)
}

func (h *TiersHandler) listChildrenOf(c *gin.Context, acct *models.TierAccount) {
	children, err := h.store.ListChildren(c.Request.Context(), acct.ID)
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to list children")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	result := make([]gin.H, 0, len(children))
	for _, child := range children {
		result = append(result, tierResponse(child))
	}
	c.JSON(http.StatusOK, gin.H{"children": result})
}

// Dues handles GET /api/v1/tiers/:id/dues.
func (h *TiersHandler) Dues(c *gin.Context) {
	_, target := h.resolveTarget(c, true)
	if target == nil {
		return
	}

	summary, err := h.dues.Calculator().Summarize(c.Request.Context(), target)
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to summarize dues")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.JSON(http.StatusOK, summary)
}

// AcceptDue handles POST /api/v1/tiers/:id/accept-due.
func (h *TiersHandler) AcceptDue(c *gin.Context) {
	_, target := h.resolveTarget(c, true)
	if target == nil {
		return
	}

	accepted, err := h.dues.AcceptDue(c.Request.Context(), target.ID)
	if err != nil {
		if errors.Is(err, billing.ErrNothingToAccept) {
			c.JSON(http.StatusOK, gin.H{"accepted_units": 0, "message": "nothing to accept"})
			return
		}
		h.logger.Error().Err(err).Msg("failed to accept dues")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	h.metrics.RecordDuesAccepted(accepted)
	c.JSON(http.StatusOK, gin.H{"accepted_units": accepted})
}

// Deactivate handles POST /api/v1/tiers/:id/deactivate. Deactivation
// always cascades over the whole subtree.
func (h *TiersHandler) Deactivate(c *gin.Context) {
	_, target := h.resolveTarget(c, false)
	if target == nil {
		return
	}

	if err := h.store.CascadeDeactivate(c.Request.Context(), target.ID); err != nil {
		h.logger.Error().Err(err).Msg("failed to deactivate subtree")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	h.metrics.RecordCascade(string(target.Kind))
	h.logger.Info().Str("username", target.Username).Msg("subtree deactivated")
	c.JSON(http.StatusOK, gin.H{"message": "subtree deactivated"})
}

// Activate handles POST /api/v1/tiers/:id/activate. Reactivation is
// non-cascading: only the named node flips back, descendants stay off
// until individually reactivated.
func (h *TiersHandler) Activate(c *gin.Context) {
	_, target := h.resolveTarget(c, false)
	if target == nil {
		return
	}

	if err := h.store.SetTierActive(c.Request.Context(), target.ID, true); err != nil {
		h.logger.Error().Err(err).Msg("failed to activate account")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	h.logger.Info().Str("username", target.Username).Msg("account activated")
	c.JSON(http.StatusOK, gin.H{"message": "account activated"})
}

// SetRateRequest is the request body for updating a node's billing rate.
type SetRateRequest struct {
	Rate int `json:"rate" binding:"min=0"`
}

// SetRate handles PUT /api/v1/tiers/:id/rate. A node's rate is owned by
// its ancestors; nodes cannot reprice themselves.
func (h *TiersHandler) SetRate(c *gin.Context) {
	_, target := h.resolveTarget(c, false)
	if target == nil {
		return
	}

	var req SetRateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
		return
	}

	if err := h.store.UpdateTierRate(c.Request.Context(), target.ID, req.Rate); err != nil {
		h.logger.Error().Err(err).Msg("failed to update rate")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"rate": req.Rate})
}

// SetPasswordRequest is the request body for changing a password.
type SetPasswordRequest struct {
	Password string `json:"password" binding:"required"`
}

// SetPassword handles PUT /api/v1/tiers/:id/password. Accounts can change
// their own password or any password in their subtree.
func (h *TiersHandler) SetPassword(c *gin.Context) {
	_, target := h.resolveTarget(c, true)
	if target == nil {
		return
	}

	var req SetPasswordRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "password is required"})
		return
	}
	if err := auth.ValidatePassword(req.Password); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to hash password")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	if err := h.store.UpdateTierPassword(c.Request.Context(), target.ID, hash); err != nil {
		h.logger.Error().Err(err).Msg("failed to update password")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	h.logger.Info().Str("username", target.Username).Msg("password changed")
	c.JSON(http.StatusOK, gin.H{"message": "password updated"})
}

// Delete handles DELETE /api/v1/tiers/:id. The node and its whole subtree
// are removed, licenses included.
func (h *TiersHandler) Delete(c *gin.Context) {
	_, target := h.resolveTarget(c, false)
	if target == nil {
		return
	}

	if err := h.store.DeleteSubtree(c.Request.Context(), target.ID); err != nil {
		h.logger.Error().Err(err).Msg("failed to delete subtree")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	h.logger.Info().Str("username", target.Username).Str("kind", string(target.Kind)).Msg("subtree deleted")
	c.JSON(http.StatusOK, gin.H{"message": "subtree deleted"})
}
