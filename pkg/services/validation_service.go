// Package services contains the sandbox's core components: request
// validation, rate limiting, risk scoring, the request lifecycle state
// machine, the execution engine, and schema map generation.
package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ekaya-inc/query-sandbox/pkg/apperrors"
	"github.com/ekaya-inc/query-sandbox/pkg/logging"
	"github.com/ekaya-inc/query-sandbox/pkg/models"
	"github.com/ekaya-inc/query-sandbox/pkg/query"
	"github.com/ekaya-inc/query-sandbox/pkg/repositories"
	"github.com/ekaya-inc/query-sandbox/pkg/telemetry"
)

// ValidationOutcome bundles a validation result with the schema context it
// was validated against. Entity is nil when validation failed before the
// entity schema could be resolved.
type ValidationOutcome struct {
	Result *query.Result
	Entity *models.EntitySchema
	Grants []models.AgentQueryPermission
}

// ValidationService validates agent query requests against permission grants
// and the active schema map. Validation is repeatable: the same inputs with
// unchanged grants and schema yield identical error and warning sets, and it
// is re-run immediately before execution because time may have passed since
// the initial pass.
type ValidationService interface {
	Validate(ctx context.Context, agentID uuid.UUID, entity string, action models.Action, params any, mode query.Mode) (*ValidationOutcome, error)
}

type validationService struct {
	permissions repositories.PermissionRepository
	schemaMaps  repositories.SchemaMapRepository
	limits      query.Limits
	sink        telemetry.Sink
	logger      *zap.Logger
}

// NewValidationService creates a new ValidationService.
func NewValidationService(
	permissions repositories.PermissionRepository,
	schemaMaps repositories.SchemaMapRepository,
	limits query.Limits,
	sink telemetry.Sink,
	logger *zap.Logger,
) ValidationService {
	return &validationService{
		permissions: permissions,
		schemaMaps:  schemaMaps,
		limits:      limits,
		sink:        sink,
		logger:      logger,
	}
}

var _ ValidationService = (*validationService)(nil)

func (s *validationService) Validate(ctx context.Context, agentID uuid.UUID, entity string, action models.Action, params any, mode query.Mode) (*ValidationOutcome, error) {
	grants, err := s.permissions.ListEnabledByAgent(ctx, agentID)
	if err != nil {
		return nil, fmt.Errorf("failed to load permission grants: %w", err)
	}

	tree, err := query.FromAny(params)
	if err != nil {
		return &ValidationOutcome{
			Result: &query.Result{
				Errors: []query.Error{{
					Code:    query.CodeInvalidParams,
					Message: err.Error(),
				}},
			},
			Grants: grants,
		}, nil
	}

	// The schema map is the one referenced by the first grant covering the
	// (entity, action) pair; the validator re-checks coverage itself.
	var schema *models.SchemaMap
	for _, grant := range grants {
		if !grant.Covers(entity, action) {
			continue
		}
		schema, err = s.schemaMaps.GetActive(ctx, grant.SchemaMapName)
		if err != nil {
			if errors.Is(err, apperrors.ErrNotFound) {
				schema = nil
				continue
			}
			return nil, fmt.Errorf("failed to resolve active schema map: %w", err)
		}
		break
	}

	result := query.Validate(query.Input{
		Grants: grants,
		Schema: schema,
		Entity: entity,
		Action: action,
		Params: tree,
		Mode:   mode,
		Limits: s.limits,
	})

	s.recordFindings(ctx, agentID, entity, action, result)

	outcome := &ValidationOutcome{Result: result, Grants: grants}
	if schema != nil {
		outcome.Entity = schema.Entity(entity)
	}
	return outcome, nil
}

// recordFindings emits telemetry for validation failures. Injection findings
// are security events and get critical severity.
func (s *validationService) recordFindings(ctx context.Context, agentID uuid.UUID, entity string, action models.Action, result *query.Result) {
	for _, verr := range result.Errors {
		if verr.Code != query.CodeInjectionDetected {
			continue
		}
		s.sink.RecordEvent(ctx, telemetry.LevelCritical, telemetry.CategorySecurity,
			"injection attempt detected", map[string]any{
				"agent_id": agentID.String(),
				"entity":   entity,
				"action":   string(action),
				"path":     verr.Path,
				"detail":   logging.SanitizeValue(verr.Message),
			})
	}
	if !result.Valid {
		s.logger.Warn("query request failed validation",
			zap.String("agent_id", agentID.String()),
			zap.String("entity", entity),
			zap.String("action", string(action)),
			zap.Int("errors", len(result.Errors)),
		)
	}
}
