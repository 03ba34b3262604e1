package handlers

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/ekaya-inc/query-sandbox/pkg/auth"
	"github.com/ekaya-inc/query-sandbox/pkg/models"
	"github.com/ekaya-inc/query-sandbox/pkg/repositories"
	"github.com/ekaya-inc/query-sandbox/pkg/services"
)

// GenerateSchemaMapBody is the payload for POST /api/schema-maps/generate.
type GenerateSchemaMapBody struct {
	Name              string                     `json:"name"`
	IncludeEntities   []string                   `json:"include_entities,omitempty"`
	ExcludeFields     map[string][]string        `json:"exclude_fields,omitempty"`
	ActionOverrides   map[string][]models.Action `json:"action_overrides,omitempty"`
	SensitiveEntities []string                   `json:"sensitive_entities,omitempty"`
	RedactedFields    map[string][]string        `json:"redacted_fields,omitempty"`
	// DryRun generates without publishing.
	DryRun bool `json:"dry_run,omitempty"`
}

// SchemaMapHandler serves schema map generation and retrieval.
type SchemaMapHandler struct {
	generator  *services.SchemaMapGenerator
	schemaMaps repositories.SchemaMapRepository
	authMW     *auth.Middleware
	logger     *zap.Logger
}

// NewSchemaMapHandler creates a new SchemaMapHandler.
func NewSchemaMapHandler(generator *services.SchemaMapGenerator, schemaMaps repositories.SchemaMapRepository, authMW *auth.Middleware, logger *zap.Logger) *SchemaMapHandler {
	return &SchemaMapHandler{
		generator:  generator,
		schemaMaps: schemaMaps,
		authMW:     authMW,
		logger:     logger,
	}
}

// RegisterRoutes registers the schema map handler's routes on the given mux.
func (h *SchemaMapHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/schema-maps/generate", h.authMW.RequireOperator(h.Generate))
	mux.HandleFunc("GET /api/schema-maps/{name}", h.authMW.RequireOperator(h.GetActive))
	mux.HandleFunc("GET /api/schema-maps/{name}/versions", h.authMW.RequireOperator(h.ListVersions))
}

// Generate handles POST /api/schema-maps/generate: introspect the database
// and publish a new schema map version (or just return it when dry_run).
func (h *SchemaMapHandler) Generate(w http.ResponseWriter, r *http.Request) {
	var body GenerateSchemaMapBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		_ = ErrorResponse(w, http.StatusBadRequest, "invalid_body", "request body must be valid JSON")
		return
	}
	if body.Name == "" {
		_ = ErrorResponse(w, http.StatusBadRequest, "invalid_body", "name is required")
		return
	}

	opts := services.GenerateOptions{
		Name:              body.Name,
		IncludeEntities:   body.IncludeEntities,
		ExcludeFields:     body.ExcludeFields,
		ActionOverrides:   body.ActionOverrides,
		SensitiveEntities: body.SensitiveEntities,
		RedactedFields:    body.RedactedFields,
	}

	var (
		m   *models.SchemaMap
		err error
	)
	if body.DryRun {
		m, err = h.generator.Generate(r.Context(), opts)
	} else {
		m, err = h.generator.GenerateAndPublish(r.Context(), opts)
	}
	if err != nil {
		h.logger.Error("Failed to generate schema map",
			zap.String("name", body.Name),
			zap.Error(err))
		writeDomainError(w, err)
		return
	}

	status := http.StatusCreated
	if body.DryRun {
		status = http.StatusOK
	}
	if err := WriteJSON(w, status, m); err != nil {
		h.logger.Error("Failed to encode schema map response", zap.Error(err))
	}
}

// GetActive handles GET /api/schema-maps/{name}, returning the active version.
func (h *SchemaMapHandler) GetActive(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")

	m, err := h.schemaMaps.GetActive(r.Context(), name)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	if err := WriteJSON(w, http.StatusOK, m); err != nil {
		h.logger.Error("Failed to encode schema map response", zap.Error(err))
	}
}

// ListVersions handles GET /api/schema-maps/{name}/versions.
func (h *SchemaMapHandler) ListVersions(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")

	versions, err := h.schemaMaps.ListVersions(r.Context(), name)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	if err := WriteJSON(w, http.StatusOK, map[string]any{"versions": versions}); err != nil {
		h.logger.Error("Failed to encode schema map versions", zap.Error(err))
	}
}
