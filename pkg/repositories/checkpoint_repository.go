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

// CheckpointRepository provides data access for human-approval checkpoints.
type CheckpointRepository interface {
	Create(ctx context.Context, cp *models.ApprovalCheckpoint) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.ApprovalCheckpoint, error)
	ListOpen(ctx context.Context, limit int) ([]*models.ApprovalCheckpoint, error)
	// Resolve records the operator decision. A checkpoint can only be
	// resolved once; a second resolution returns ErrConflict.
	Resolve(ctx context.Context, id uuid.UUID, resolution models.CheckpointResolution, modifiedParams any, comment, resolvedBy string) error
}

type checkpointRepository struct {
	db *database.DB
}

// NewCheckpointRepository creates a new CheckpointRepository.
func NewCheckpointRepository(db *database.DB) CheckpointRepository {
	return &checkpointRepository{db: db}
}

var _ CheckpointRepository = (*checkpointRepository)(nil)

const checkpointColumns = `
	id, request_id, payload, warnings, confidence, impact, escalated,
	resolution, modified_params, comment, resolved_by, resolved_at, created_at`

func (r *checkpointRepository) Create(ctx context.Context, cp *models.ApprovalCheckpoint) error {
	cp.ID = uuid.New()
	cp.CreatedAt = time.Now()

	_, err := r.db.Exec(ctx, `
		INSERT INTO approval_checkpoints (
			id, request_id, payload, warnings, confidence, impact, escalated, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		cp.ID, cp.RequestID, cp.Payload, cp.Warnings, cp.Confidence, cp.Impact,
		cp.Escalated, cp.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create checkpoint: %w", err)
	}
	return nil
}

func (r *checkpointRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.ApprovalCheckpoint, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+checkpointColumns+` FROM approval_checkpoints WHERE id = $1`, id)

	cp, err := scanCheckpoint(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get checkpoint: %w", err)
	}
	return cp, nil
}

func (r *checkpointRepository) ListOpen(ctx context.Context, limit int) ([]*models.ApprovalCheckpoint, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.Query(ctx,
		`SELECT `+checkpointColumns+`
		 FROM approval_checkpoints
		 WHERE resolution = ''
		 ORDER BY created_at
		 LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list open checkpoints: %w", err)
	}
	defer rows.Close()

	checkpoints := make([]*models.ApprovalCheckpoint, 0)
	for rows.Next() {
		cp, err := scanCheckpoint(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan checkpoint: %w", err)
		}
		checkpoints = append(checkpoints, cp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating checkpoints: %w", err)
	}
	return checkpoints, nil
}

func (r *checkpointRepository) Resolve(ctx context.Context, id uuid.UUID, resolution models.CheckpointResolution, modifiedParams any, comment, resolvedBy string) error {
	result, err := r.db.Exec(ctx, `
		UPDATE approval_checkpoints
		SET resolution = $2,
		    modified_params = $3,
		    comment = $4,
		    resolved_by = $5,
		    resolved_at = NOW()
		WHERE id = $1 AND resolution = ''`,
		id, resolution, modifiedParams, comment, resolvedBy,
	)
	if err != nil {
		return fmt.Errorf("failed to resolve checkpoint: %w", err)
	}
	if result.RowsAffected() == 0 {
		// Either the checkpoint does not exist or it was already resolved.
		if _, getErr := r.GetByID(ctx, id); getErr != nil {
			return getErr
		}
		return apperrors.ErrConflict
	}
	return nil
}

func scanCheckpoint(row pgx.Row) (*models.ApprovalCheckpoint, error) {
	var cp models.ApprovalCheckpoint
	err := row.Scan(
		&cp.ID, &cp.RequestID, &cp.Payload, &cp.Warnings, &cp.Confidence, &cp.Impact,
		&cp.Escalated, &cp.Resolution, &cp.ModifiedParams, &cp.Comment,
		&cp.ResolvedBy, &cp.ResolvedAt, &cp.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &cp, nil
}
