package handlers

import (
	"context"
	"net/http"

	"github.com/MacJediWizard/keygate/internal/api/middleware"
	"github.com/MacJediWizard/keygate/internal/models"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// ArtifactStore defines the persistence operations for artifact records.
type ArtifactStore interface {
	CreateArtifact(ctx context.Context, a *models.Artifact) error
}

// ArtifactsHandler registers artifact records uploaded by end users.
// Records expire after models.ArtifactTTL; the sweeper removes them along
// with their blobs.
type ArtifactsHandler struct {
	store  ArtifactStore
	logger zerolog.Logger
}

// NewArtifactsHandler creates a new ArtifactsHandler.
func NewArtifactsHandler(store ArtifactStore, logger zerolog.Logger) *ArtifactsHandler {
	return &ArtifactsHandler{
		store:  store,
		logger: logger.With().Str("component", "artifacts_handler").Logger(),
	}
}

// RegisterUserRoutes registers artifact routes for end user sessions.
func (h *ArtifactsHandler) RegisterUserRoutes(r *gin.RouterGroup) {
	r.POST("/artifacts", h.Register)
}

// RegisterArtifactRequest is the request body for registering an uploaded
// artifact.
type RegisterArtifactRequest struct {
	ObjectKey string `json:"object_key" binding:"required,min=1,max=1024"`
}

// Register handles POST /user/artifacts. The blob itself is uploaded to
// object storage out of band; this records it against the session's
// license so the sweeper can reap both.
func (h *ArtifactsHandler) Register(c *gin.Context) {
	key := middleware.RequireLicenseUser(c)
	if key == "" {
		return
	}

	var req RegisterArtifactRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "object_key is required"})
		return
	}

	artifact := models.NewArtifact(key, req.ObjectKey)
	if err := h.store.CreateArtifact(c.Request.Context(), artifact); err != nil {
		h.logger.Error().Err(err).Str("key", key).Msg("failed to register artifact")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	c.JSON(http.StatusCreated, artifact)
}
