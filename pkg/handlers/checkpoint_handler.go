package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ekaya-inc/query-sandbox/pkg/auth"
	"github.com/ekaya-inc/query-sandbox/pkg/models"
	"github.com/ekaya-inc/query-sandbox/pkg/services"
)

// ResolveCheckpointBody is the payload for POST /api/checkpoints/{cid}/resolve.
type ResolveCheckpointBody struct {
	Resolution         string `json:"resolution"`
	ModifiedParameters any    `json:"modified_parameters,omitempty"`
	Comment            string `json:"comment,omitempty"`
}

// CheckpointHandler serves the operator-facing approval endpoints.
type CheckpointHandler struct {
	lifecycle   *services.LifecycleManager
	checkpoints services.CheckpointService
	authMW      *auth.Middleware
	logger      *zap.Logger
}

// NewCheckpointHandler creates a new CheckpointHandler.
func NewCheckpointHandler(lifecycle *services.LifecycleManager, checkpoints services.CheckpointService, authMW *auth.Middleware, logger *zap.Logger) *CheckpointHandler {
	return &CheckpointHandler{
		lifecycle:   lifecycle,
		checkpoints: checkpoints,
		authMW:      authMW,
		logger:      logger,
	}
}

// RegisterRoutes registers the checkpoint handler's routes on the given mux.
func (h *CheckpointHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/checkpoints", h.authMW.RequireOperator(h.ListOpen))
	mux.HandleFunc("GET /api/checkpoints/{cid}", h.authMW.RequireOperator(h.Get))
	mux.HandleFunc("POST /api/checkpoints/{cid}/resolve", h.authMW.RequireOperator(h.Resolve))
}

// ListOpen handles GET /api/checkpoints, returning unresolved checkpoints.
func (h *CheckpointHandler) ListOpen(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			_ = ErrorResponse(w, http.StatusBadRequest, "invalid_limit", "limit must be a positive integer")
			return
		}
		limit = parsed
	}

	checkpoints, err := h.checkpoints.ListOpen(r.Context(), limit)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	if err := WriteJSON(w, http.StatusOK, map[string]any{"checkpoints": checkpoints}); err != nil {
		h.logger.Error("Failed to encode checkpoint list", zap.Error(err))
	}
}

// Get handles GET /api/checkpoints/{cid}.
func (h *CheckpointHandler) Get(w http.ResponseWriter, r *http.Request) {
	checkpointID, err := uuid.Parse(r.PathValue("cid"))
	if err != nil {
		_ = ErrorResponse(w, http.StatusBadRequest, "invalid_id", "checkpoint ID must be a UUID")
		return
	}

	cp, err := h.checkpoints.GetCheckpoint(r.Context(), checkpointID)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	if err := WriteJSON(w, http.StatusOK, cp); err != nil {
		h.logger.Error("Failed to encode checkpoint response", zap.Error(err))
	}
}

// Resolve handles POST /api/checkpoints/{cid}/resolve. A checkpoint resolves
// exactly once; a second attempt returns 409.
func (h *CheckpointHandler) Resolve(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.GetClaims(r.Context())
	if !ok {
		_ = ErrorResponse(w, http.StatusUnauthorized, "unauthorized", "authentication required")
		return
	}

	checkpointID, err := uuid.Parse(r.PathValue("cid"))
	if err != nil {
		_ = ErrorResponse(w, http.StatusBadRequest, "invalid_id", "checkpoint ID must be a UUID")
		return
	}

	var body ResolveCheckpointBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		_ = ErrorResponse(w, http.StatusBadRequest, "invalid_body", "request body must be valid JSON")
		return
	}

	resolution := models.CheckpointResolution(body.Resolution)
	switch resolution {
	case models.ResolutionApproved, models.ResolutionRejected:
	case models.ResolutionModified:
		if body.ModifiedParameters == nil {
			_ = ErrorResponse(w, http.StatusBadRequest, "invalid_body", "modified resolution requires modified_parameters")
			return
		}
	default:
		_ = ErrorResponse(w, http.StatusBadRequest, "invalid_body", "resolution must be APPROVED, REJECTED or MODIFIED")
		return
	}

	outcome, err := h.lifecycle.ApplyResolution(r.Context(), checkpointID, resolution, body.ModifiedParameters, body.Comment, claims.Subject)
	if err != nil {
		h.logger.Error("Failed to resolve checkpoint",
			zap.String("checkpoint_id", checkpointID.String()),
			zap.Error(err))
		writeDomainError(w, err)
		return
	}

	if err := WriteJSON(w, http.StatusOK, outcome); err != nil {
		h.logger.Error("Failed to encode resolution response", zap.Error(err))
	}
}
