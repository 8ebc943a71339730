// Package handlers implements the HTTP handlers for the KeyGate API.
package handlers

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/MacJediWizard/keygate/internal/licensing"
	"github.com/MacJediWizard/keygate/internal/metrics"
	"github.com/MacJediWizard/keygate/internal/models"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// LicenseValidator validates a license key against a device fingerprint.
type LicenseValidator interface {
	Validate(ctx context.Context, key, device string, now time.Time) (*licensing.Result, error)
}

// ValidateHandler handles the public license validation endpoint.
type ValidateHandler struct {
	validator LicenseValidator
	metrics   *metrics.Metrics
	logger    zerolog.Logger
}

// NewValidateHandler creates a new ValidateHandler.
func NewValidateHandler(validator LicenseValidator, m *metrics.Metrics, logger zerolog.Logger) *ValidateHandler {
	return &ValidateHandler{
		validator: validator,
		metrics:   m,
		logger:    logger.With().Str("component", "validate_handler").Logger(),
	}
}

// RegisterPublicRoutes registers the validation route. It is the one
// endpoint deployed client software calls, so it stays outside any auth.
func (h *ValidateHandler) RegisterPublicRoutes(r *gin.Engine) {
	r.POST("/validate_license", h.Validate)
}

// ValidateRequest is the request body for license validation. Older client
// generations used different field names; every known alias is accepted.
type ValidateRequest struct {
	UserName   string `json:"UserName"`
	LicenseKey string `json:"licenseKey"`
	Key        string `json:"Key"`
	SnakeKey   string `json:"license_key"`

	MacAddress string `json:"MacAddress"`
	DeviceID   string `json:"deviceId"`
	Machine    string `json:"Machine"`
	SnakeMAC   string `json:"mac_address"`
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func (r *ValidateRequest) licenseKey() string {
	return firstNonEmpty(r.UserName, r.LicenseKey, r.Key, r.SnakeKey)
}

func (r *ValidateRequest) device() string {
	return firstNonEmpty(r.MacAddress, r.DeviceID, r.Machine, r.SnakeMAC)
}

// ValidateResponse is the success response for license validation.
type ValidateResponse struct {
	Success  bool   `json:"success"`
	LeftDays int    `json:"leftDays"`
	Plan     string `json:"plan"`
	Mode     string `json:"mode"`
}

// planMode maps a plan name onto the mode string clients switch on.
func planMode(plan string) string {
	if plan == models.DefaultPlan {
		return "UPSTREAM-VALID"
	}
	return "PREMIUM-" + plan
}

// Validate handles POST /validate_license.
func (h *ValidateHandler) Validate(c *gin.Context) {
	var req ValidateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.metrics.RecordValidation("bad_request")
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": "invalid request body"})
		return
	}

	key := req.licenseKey()
	if key == "" {
		h.metrics.RecordValidation("bad_request")
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": "license key is required"})
		return
	}

	res, err := h.validator.Validate(c.Request.Context(), key, req.device(), time.Now().UTC())
	if err != nil {
		h.rejectOrFail(c, err)
		return
	}

	h.metrics.RecordValidation("success")
	c.JSON(http.StatusOK, ValidateResponse{
		Success:  true,
		LeftDays: res.DaysLeft,
		Plan:     res.Plan,
		Mode:     planMode(res.Plan),
	})
}

func (h *ValidateHandler) rejectOrFail(c *gin.Context, err error) {
	rej, ok := licensing.AsRejection(err)
	if !ok {
		h.metrics.RecordValidation("error")
		h.logger.Error().Err(err).Msg("license validation failed")
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "message": "internal error"})
		return
	}

	h.metrics.RecordValidation(strings.ToLower(string(rej.Reason)))

	status := http.StatusBadRequest
	if rej.Reason == licensing.ReasonKeyNotFound {
		status = http.StatusNotFound
	}
	c.JSON(status, gin.H{
		"success": false,
		"message": rej.Message,
		"reason":  string(rej.Reason),
	})
}
