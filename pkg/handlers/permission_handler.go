package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ekaya-inc/query-sandbox/pkg/auth"
	"github.com/ekaya-inc/query-sandbox/pkg/models"
	"github.com/ekaya-inc/query-sandbox/pkg/repositories"
)

// PermissionBody is the payload for permission grant create and update.
type PermissionBody struct {
	AgentID          string                     `json:"agent_id"`
	SchemaMapName    string                     `json:"schema_map_name"`
	Level            string                     `json:"level"`
	EntityActions    map[string][]models.Action `json:"entity_actions"`
	MaxQueriesPerDay int                        `json:"max_queries_per_day"`
	Enabled          *bool                      `json:"enabled,omitempty"`
}

// PermissionHandler serves operator management of permission grants.
type PermissionHandler struct {
	permissions repositories.PermissionRepository
	authMW      *auth.Middleware
	logger      *zap.Logger
}

// NewPermissionHandler creates a new PermissionHandler.
func NewPermissionHandler(permissions repositories.PermissionRepository, authMW *auth.Middleware, logger *zap.Logger) *PermissionHandler {
	return &PermissionHandler{permissions: permissions, authMW: authMW, logger: logger}
}

// RegisterRoutes registers the permission handler's routes on the given mux.
func (h *PermissionHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/permissions", h.authMW.RequireOperator(h.Create))
	mux.HandleFunc("PUT /api/permissions/{pid}", h.authMW.RequireOperator(h.Update))
	mux.HandleFunc("GET /api/agents/{aid}/permissions", h.authMW.RequireOperator(h.ListByAgent))
}

// Create handles POST /api/permissions.
func (h *PermissionHandler) Create(w http.ResponseWriter, r *http.Request) {
	var body PermissionBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		_ = ErrorResponse(w, http.StatusBadRequest, "invalid_body", "request body must be valid JSON")
		return
	}

	agentID, err := uuid.Parse(body.AgentID)
	if err != nil {
		_ = ErrorResponse(w, http.StatusBadRequest, "invalid_body", "agent_id must be a UUID")
		return
	}
	level := models.PermissionLevel(body.Level)
	if !validLevel(level) {
		_ = ErrorResponse(w, http.StatusBadRequest, "invalid_body", "level must be READ_ONLY, READ_WRITE or FULL")
		return
	}
	if body.SchemaMapName == "" {
		_ = ErrorResponse(w, http.StatusBadRequest, "invalid_body", "schema_map_name is required")
		return
	}

	enabled := true
	if body.Enabled != nil {
		enabled = *body.Enabled
	}
	grant := &models.AgentQueryPermission{
		AgentID:          agentID,
		SchemaMapName:    body.SchemaMapName,
		Level:            level,
		EntityActions:    body.EntityActions,
		MaxQueriesPerDay: body.MaxQueriesPerDay,
		Enabled:          enabled,
	}
	if err := h.permissions.Create(r.Context(), grant); err != nil {
		h.logger.Error("Failed to create permission grant", zap.Error(err))
		writeDomainError(w, err)
		return
	}

	if err := WriteJSON(w, http.StatusCreated, grant); err != nil {
		h.logger.Error("Failed to encode permission response", zap.Error(err))
	}
}

// Update handles PUT /api/permissions/{pid}. The agent and schema map a grant
// points at are fixed at creation; only the authorization surface changes.
func (h *PermissionHandler) Update(w http.ResponseWriter, r *http.Request) {
	grantID, err := uuid.Parse(r.PathValue("pid"))
	if err != nil {
		_ = ErrorResponse(w, http.StatusBadRequest, "invalid_id", "permission ID must be a UUID")
		return
	}

	var body PermissionBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		_ = ErrorResponse(w, http.StatusBadRequest, "invalid_body", "request body must be valid JSON")
		return
	}
	level := models.PermissionLevel(body.Level)
	if !validLevel(level) {
		_ = ErrorResponse(w, http.StatusBadRequest, "invalid_body", "level must be READ_ONLY, READ_WRITE or FULL")
		return
	}

	grant, err := h.permissions.GetByID(r.Context(), grantID)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	grant.Level = level
	grant.EntityActions = body.EntityActions
	grant.MaxQueriesPerDay = body.MaxQueriesPerDay
	if body.Enabled != nil {
		grant.Enabled = *body.Enabled
	}
	if err := h.permissions.Update(r.Context(), grant); err != nil {
		h.logger.Error("Failed to update permission grant",
			zap.String("grant_id", grantID.String()),
			zap.Error(err))
		writeDomainError(w, err)
		return
	}

	if err := WriteJSON(w, http.StatusOK, grant); err != nil {
		h.logger.Error("Failed to encode permission response", zap.Error(err))
	}
}

// ListByAgent handles GET /api/agents/{aid}/permissions.
func (h *PermissionHandler) ListByAgent(w http.ResponseWriter, r *http.Request) {
	agentID, err := uuid.Parse(r.PathValue("aid"))
	if err != nil {
		_ = ErrorResponse(w, http.StatusBadRequest, "invalid_id", "agent ID must be a UUID")
		return
	}

	grants, err := h.permissions.ListEnabledByAgent(r.Context(), agentID)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	if err := WriteJSON(w, http.StatusOK, map[string]any{"permissions": grants}); err != nil {
		h.logger.Error("Failed to encode permission list", zap.Error(err))
	}
}

func validLevel(level models.PermissionLevel) bool {
	switch level {
	case models.PermissionReadOnly, models.PermissionReadWrite, models.PermissionFull:
		return true
	}
	return false
}
