package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ekaya-inc/query-sandbox/pkg/apperrors"
	"github.com/ekaya-inc/query-sandbox/pkg/database"
	"github.com/ekaya-inc/query-sandbox/pkg/models"
)

// PermissionRepository provides data access for agent query permissions.
// Grants are administrator-owned; agents only ever read them.
type PermissionRepository interface {
	Create(ctx context.Context, grant *models.AgentQueryPermission) error
	Update(ctx context.Context, grant *models.AgentQueryPermission) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.AgentQueryPermission, error)
	// ListEnabledByAgent returns the agent's enabled grants, oldest first.
	ListEnabledByAgent(ctx context.Context, agentID uuid.UUID) ([]models.AgentQueryPermission, error)
}

type permissionRepository struct {
	db *database.DB
}

// NewPermissionRepository creates a new PermissionRepository.
func NewPermissionRepository(db *database.DB) PermissionRepository {
	return &permissionRepository{db: db}
}

var _ PermissionRepository = (*permissionRepository)(nil)

func (r *permissionRepository) Create(ctx context.Context, grant *models.AgentQueryPermission) error {
	now := time.Now()
	grant.ID = uuid.New()
	grant.CreatedAt = now
	grant.UpdatedAt = now

	_, err := r.db.Exec(ctx, `
		INSERT INTO agent_query_permissions (
			id, agent_id, schema_map_name, level, entity_actions,
			max_queries_per_day, enabled, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		grant.ID, grant.AgentID, grant.SchemaMapName, grant.Level, grant.EntityActions,
		grant.MaxQueriesPerDay, grant.Enabled, grant.CreatedAt, grant.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create permission grant: %w", err)
	}
	return nil
}

func (r *permissionRepository) Update(ctx context.Context, grant *models.AgentQueryPermission) error {
	grant.UpdatedAt = time.Now()

	result, err := r.db.Exec(ctx, `
		UPDATE agent_query_permissions
		SET level = $2,
		    entity_actions = $3,
		    max_queries_per_day = $4,
		    enabled = $5,
		    updated_at = $6
		WHERE id = $1`,
		grant.ID, grant.Level, grant.EntityActions,
		grant.MaxQueriesPerDay, grant.Enabled, grant.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update permission grant: %w", err)
	}
	if result.RowsAffected() == 0 {
		return apperrors.ErrNotFound
	}
	return nil
}

func (r *permissionRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.AgentQueryPermission, error) {
	row := r.db.QueryRow(ctx, `
		SELECT id, agent_id, schema_map_name, level, entity_actions,
		       max_queries_per_day, enabled, created_at, updated_at
		FROM agent_query_permissions
		WHERE id = $1`, id)

	grant, err := scanPermission(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get permission grant: %w", err)
	}
	return grant, nil
}

func (r *permissionRepository) ListEnabledByAgent(ctx context.Context, agentID uuid.UUID) ([]models.AgentQueryPermission, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, agent_id, schema_map_name, level, entity_actions,
		       max_queries_per_day, enabled, created_at, updated_at
		FROM agent_query_permissions
		WHERE agent_id = $1 AND enabled
		ORDER BY created_at`, agentID)
	if err != nil {
		return nil, fmt.Errorf("failed to list permission grants: %w", err)
	}
	defer rows.Close()

	grants := make([]models.AgentQueryPermission, 0)
	for rows.Next() {
		grant, err := scanPermission(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan permission grant: %w", err)
		}
		grants = append(grants, *grant)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating permission grants: %w", err)
	}
	return grants, nil
}

func scanPermission(row pgx.Row) (*models.AgentQueryPermission, error) {
	var grant models.AgentQueryPermission
	err := row.Scan(
		&grant.ID, &grant.AgentID, &grant.SchemaMapName, &grant.Level, &grant.EntityActions,
		&grant.MaxQueriesPerDay, &grant.Enabled, &grant.CreatedAt, &grant.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &grant, nil
}
