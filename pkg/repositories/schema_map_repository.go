// Package repositories provides pgx-backed data access for the sandbox's
// durable state: schema map versions, permission grants, query requests,
// approval checkpoints, and performance metrics.
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

// SchemaMapRepository provides data access for versioned schema maps.
type SchemaMapRepository interface {
	// Publish inserts a new version for the map's name and atomically flips
	// the active flag away from any previous version. Published versions are
	// never mutated.
	Publish(ctx context.Context, m *models.SchemaMap) error
	GetActive(ctx context.Context, name string) (*models.SchemaMap, error)
	GetVersion(ctx context.Context, name string, version int) (*models.SchemaMap, error)
	ListVersions(ctx context.Context, name string) ([]*models.SchemaMap, error)
}

type schemaMapRepository struct {
	db *database.DB
}

// NewSchemaMapRepository creates a new SchemaMapRepository.
func NewSchemaMapRepository(db *database.DB) SchemaMapRepository {
	return &schemaMapRepository{db: db}
}

var _ SchemaMapRepository = (*schemaMapRepository)(nil)

func (r *schemaMapRepository) Publish(ctx context.Context, m *models.SchemaMap) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin publish transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var latest *int
	err = tx.QueryRow(ctx,
		`SELECT MAX(version) FROM schema_maps WHERE name = $1`, m.Name,
	).Scan(&latest)
	if err != nil {
		return fmt.Errorf("failed to read latest schema map version: %w", err)
	}

	m.ID = uuid.New()
	m.Version = 1
	if latest != nil {
		m.Version = *latest + 1
	}
	m.Active = true
	m.CreatedAt = time.Now()

	_, err = tx.Exec(ctx,
		`UPDATE schema_maps SET active = false WHERE name = $1 AND active`, m.Name)
	if err != nil {
		return fmt.Errorf("failed to deactivate previous schema map: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO schema_maps (id, name, version, entities, active, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		m.ID, m.Name, m.Version, m.Entities, m.Active, m.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert schema map: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit schema map publish: %w", err)
	}
	return nil
}

func (r *schemaMapRepository) GetActive(ctx context.Context, name string) (*models.SchemaMap, error) {
	row := r.db.QueryRow(ctx, `
		SELECT id, name, version, entities, active, created_at
		FROM schema_maps
		WHERE name = $1 AND active`, name)
	return scanSchemaMap(row)
}

func (r *schemaMapRepository) GetVersion(ctx context.Context, name string, version int) (*models.SchemaMap, error) {
	row := r.db.QueryRow(ctx, `
		SELECT id, name, version, entities, active, created_at
		FROM schema_maps
		WHERE name = $1 AND version = $2`, name, version)
	return scanSchemaMap(row)
}

func (r *schemaMapRepository) ListVersions(ctx context.Context, name string) ([]*models.SchemaMap, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, name, version, entities, active, created_at
		FROM schema_maps
		WHERE name = $1
		ORDER BY version DESC`, name)
	if err != nil {
		return nil, fmt.Errorf("failed to list schema maps: %w", err)
	}
	defer rows.Close()

	maps := make([]*models.SchemaMap, 0)
	for rows.Next() {
		m, err := scanSchemaMap(rows)
		if err != nil {
			return nil, err
		}
		maps = append(maps, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating schema maps: %w", err)
	}
	return maps, nil
}

func scanSchemaMap(row pgx.Row) (*models.SchemaMap, error) {
	var m models.SchemaMap
	err := row.Scan(&m.ID, &m.Name, &m.Version, &m.Entities, &m.Active, &m.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan schema map: %w", err)
	}
	return &m, nil
}
