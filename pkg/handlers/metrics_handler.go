package handlers

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/ekaya-inc/query-sandbox/pkg/auth"
	"github.com/ekaya-inc/query-sandbox/pkg/repositories"
)

// MetricsHandler exposes per-(entity, action) query performance aggregates.
type MetricsHandler struct {
	metrics repositories.MetricRepository
	authMW  *auth.Middleware
	logger  *zap.Logger
}

// NewMetricsHandler creates a new MetricsHandler.
func NewMetricsHandler(metrics repositories.MetricRepository, authMW *auth.Middleware, logger *zap.Logger) *MetricsHandler {
	return &MetricsHandler{metrics: metrics, authMW: authMW, logger: logger}
}

// RegisterRoutes registers the metrics handler's routes on the given mux.
func (h *MetricsHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/metrics/queries", h.authMW.RequireOperator(h.List))
}

// List handles GET /api/metrics/queries.
func (h *MetricsHandler) List(w http.ResponseWriter, r *http.Request) {
	metrics, err := h.metrics.List(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}

	if err := WriteJSON(w, http.StatusOK, map[string]any{"metrics": metrics}); err != nil {
		h.logger.Error("Failed to encode metrics response", zap.Error(err))
	}
}
