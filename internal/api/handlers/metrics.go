package handlers

import (
	"github.com/MacJediWizard/keygate/internal/metrics"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsHandler exposes the Prometheus metrics endpoint.
type MetricsHandler struct {
	metrics *metrics.Metrics
}

// NewMetricsHandler creates a new MetricsHandler.
func NewMetricsHandler(m *metrics.Metrics) *MetricsHandler {
	return &MetricsHandler{metrics: m}
}

// RegisterPublicRoutes registers the metrics route.
func (h *MetricsHandler) RegisterPublicRoutes(r *gin.Engine) {
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(
		h.metrics.Registry(),
		promhttp.HandlerOpts{},
	)))
}
