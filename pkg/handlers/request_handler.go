package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ekaya-inc/query-sandbox/pkg/auth"
	"github.com/ekaya-inc/query-sandbox/pkg/models"
	"github.com/ekaya-inc/query-sandbox/pkg/query"
	"github.com/ekaya-inc/query-sandbox/pkg/repositories"
	"github.com/ekaya-inc/query-sandbox/pkg/services"
)

// SubmitRequestBody is the payload for POST /api/agent/requests.
type SubmitRequestBody struct {
	Entity     string `json:"entity"`
	Action     string `json:"action"`
	Parameters any    `json:"parameters"`
	Prompt     string `json:"prompt,omitempty"`
	Mode       string `json:"mode,omitempty"`
}

// RequestHandler serves the agent-facing request lifecycle endpoints.
type RequestHandler struct {
	lifecycle *services.LifecycleManager
	requests  repositories.RequestRepository
	authMW    *auth.Middleware
	logger    *zap.Logger
}

// NewRequestHandler creates a new RequestHandler.
func NewRequestHandler(lifecycle *services.LifecycleManager, requests repositories.RequestRepository, authMW *auth.Middleware, logger *zap.Logger) *RequestHandler {
	return &RequestHandler{
		lifecycle: lifecycle,
		requests:  requests,
		authMW:    authMW,
		logger:    logger,
	}
}

// RegisterRoutes registers the request handler's routes on the given mux.
func (h *RequestHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/agent/requests", h.authMW.RequireAgent(h.Submit))
	mux.HandleFunc("GET /api/agent/requests", h.authMW.RequireAgent(h.List))
	mux.HandleFunc("GET /api/agent/requests/{rid}", h.authMW.RequireAgent(h.Get))
}

// Submit handles POST /api/agent/requests.
func (h *RequestHandler) Submit(w http.ResponseWriter, r *http.Request) {
	agentID, userID, err := auth.AgentFromContext(r.Context())
	if err != nil {
		_ = ErrorResponse(w, http.StatusUnauthorized, "unauthorized", err.Error())
		return
	}

	var body SubmitRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		_ = ErrorResponse(w, http.StatusBadRequest, "invalid_body", "request body must be valid JSON")
		return
	}
	if body.Entity == "" || body.Action == "" {
		_ = ErrorResponse(w, http.StatusBadRequest, "invalid_body", "entity and action are required")
		return
	}

	mode := query.ModeStrict
	switch body.Mode {
	case "", string(query.ModeStrict):
	case string(query.ModePermissive):
		mode = query.ModePermissive
	default:
		_ = ErrorResponse(w, http.StatusBadRequest, "invalid_body", "mode must be strict or permissive")
		return
	}

	outcome, err := h.lifecycle.Submit(r.Context(), services.SubmitInput{
		AgentID: agentID,
		UserID:  userID,
		Entity:  body.Entity,
		Action:  models.Action(body.Action),
		Params:  body.Parameters,
		Prompt:  body.Prompt,
		Mode:    mode,
	})
	if err != nil {
		h.logger.Error("Failed to submit query request",
			zap.String("agent_id", agentID.String()),
			zap.Error(err))
		writeDomainError(w, err)
		return
	}

	status := http.StatusCreated
	if outcome.Request.Status == models.StatusRejected {
		status = http.StatusUnprocessableEntity
	}
	if err := WriteJSON(w, status, outcome); err != nil {
		h.logger.Error("Failed to encode submit response", zap.Error(err))
	}
}

// Get handles GET /api/agent/requests/{rid}. Agents can only read their own
// requests.
func (h *RequestHandler) Get(w http.ResponseWriter, r *http.Request) {
	agentID, _, err := auth.AgentFromContext(r.Context())
	if err != nil {
		_ = ErrorResponse(w, http.StatusUnauthorized, "unauthorized", err.Error())
		return
	}

	requestID, err := uuid.Parse(r.PathValue("rid"))
	if err != nil {
		_ = ErrorResponse(w, http.StatusBadRequest, "invalid_id", "request ID must be a UUID")
		return
	}

	req, err := h.requests.GetByID(r.Context(), requestID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if req.AgentID != agentID {
		_ = ErrorResponse(w, http.StatusNotFound, "not_found", "request not found")
		return
	}

	if err := WriteJSON(w, http.StatusOK, req); err != nil {
		h.logger.Error("Failed to encode request response", zap.Error(err))
	}
}

// List handles GET /api/agent/requests, returning the calling agent's most
// recent requests.
func (h *RequestHandler) List(w http.ResponseWriter, r *http.Request) {
	agentID, _, err := auth.AgentFromContext(r.Context())
	if err != nil {
		_ = ErrorResponse(w, http.StatusUnauthorized, "unauthorized", err.Error())
		return
	}

	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			_ = ErrorResponse(w, http.StatusBadRequest, "invalid_limit", "limit must be a positive integer")
			return
		}
		limit = parsed
	}

	requests, err := h.requests.ListByAgent(r.Context(), agentID, limit)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	if err := WriteJSON(w, http.StatusOK, map[string]any{"requests": requests}); err != nil {
		h.logger.Error("Failed to encode request list", zap.Error(err))
	}
}
