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

// RequestRepository provides data access for agent query requests. Requests
// are the audit trail: rows are never deleted, and the prompt plus original
// parameters are only written at creation.
type RequestRepository interface {
	Create(ctx context.Context, req *models.AgentQueryRequest) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.AgentQueryRequest, error)
	ListByAgent(ctx context.Context, agentID uuid.UUID, limit int) ([]*models.AgentQueryRequest, error)

	// UpdateStatus applies a lifecycle transition.
	UpdateStatus(ctx context.Context, id uuid.UUID, status models.RequestStatus, approvedBy, rejectionReason string) error
	// ReplaceParameters applies a MODIFIED resolution: the live parameters
	// change, the originals are preserved in metadata by the caller.
	ReplaceParameters(ctx context.Context, id uuid.UUID, params any, metadata map[string]any) error
	// RecordExecution writes the terminal execution outcome.
	RecordExecution(ctx context.Context, id uuid.UUID, generatedQuery string, result any, execErr string, executedAt time.Time) error

	// CountCreatedSince counts requests an agent created at or after the
	// cutoff. The rate limiter derives its counters from this so that
	// multiple service instances stay consistent without shared memory.
	CountCreatedSince(ctx context.Context, agentID uuid.UUID, since time.Time) (int, error)
}

type requestRepository struct {
	db *database.DB
}

// NewRequestRepository creates a new RequestRepository.
func NewRequestRepository(db *database.DB) RequestRepository {
	return &requestRepository{db: db}
}

var _ RequestRepository = (*requestRepository)(nil)

const requestColumns = `
	id, agent_id, user_id, target_entity, action, parameters, prompt, status,
	generated_query, execution_result, execution_error,
	approved_by_id, rejection_reason, metadata, created_at, executed_at`

func (r *requestRepository) Create(ctx context.Context, req *models.AgentQueryRequest) error {
	req.ID = uuid.New()
	req.CreatedAt = time.Now()
	if req.Status == "" {
		req.Status = models.StatusPending
	}

	_, err := r.db.Exec(ctx, `
		INSERT INTO agent_query_requests (
			id, agent_id, user_id, target_entity, action, parameters, prompt,
			status, metadata, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		req.ID, req.AgentID, req.UserID, req.TargetEntity, req.Action, req.Parameters,
		req.Prompt, req.Status, req.Metadata, req.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create query request: %w", err)
	}
	return nil
}

func (r *requestRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.AgentQueryRequest, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+requestColumns+` FROM agent_query_requests WHERE id = $1`, id)

	req, err := scanRequest(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get query request: %w", err)
	}
	return req, nil
}

func (r *requestRepository) ListByAgent(ctx context.Context, agentID uuid.UUID, limit int) ([]*models.AgentQueryRequest, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.Query(ctx,
		`SELECT `+requestColumns+`
		 FROM agent_query_requests
		 WHERE agent_id = $1
		 ORDER BY created_at DESC
		 LIMIT $2`, agentID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list query requests: %w", err)
	}
	defer rows.Close()

	requests := make([]*models.AgentQueryRequest, 0)
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan query request: %w", err)
		}
		requests = append(requests, req)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating query requests: %w", err)
	}
	return requests, nil
}

func (r *requestRepository) UpdateStatus(ctx context.Context, id uuid.UUID, status models.RequestStatus, approvedBy, rejectionReason string) error {
	result, err := r.db.Exec(ctx, `
		UPDATE agent_query_requests
		SET status = $2,
		    approved_by_id = CASE WHEN $3 <> '' THEN $3 ELSE approved_by_id END,
		    rejection_reason = CASE WHEN $4 <> '' THEN $4 ELSE rejection_reason END
		WHERE id = $1`,
		id, status, approvedBy, rejectionReason,
	)
	if err != nil {
		return fmt.Errorf("failed to update request status: %w", err)
	}
	if result.RowsAffected() == 0 {
		return apperrors.ErrNotFound
	}
	return nil
}

func (r *requestRepository) ReplaceParameters(ctx context.Context, id uuid.UUID, params any, metadata map[string]any) error {
	result, err := r.db.Exec(ctx, `
		UPDATE agent_query_requests
		SET parameters = $2, metadata = $3
		WHERE id = $1`,
		id, params, metadata,
	)
	if err != nil {
		return fmt.Errorf("failed to replace request parameters: %w", err)
	}
	if result.RowsAffected() == 0 {
		return apperrors.ErrNotFound
	}
	return nil
}

func (r *requestRepository) RecordExecution(ctx context.Context, id uuid.UUID, generatedQuery string, result any, execErr string, executedAt time.Time) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE agent_query_requests
		SET status = $2,
		    generated_query = $3,
		    execution_result = $4,
		    execution_error = $5,
		    executed_at = $6
		WHERE id = $1`,
		id, models.StatusExecuted, generatedQuery, result, execErr, executedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to record execution outcome: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.ErrNotFound
	}
	return nil
}

func (r *requestRepository) CountCreatedSince(ctx context.Context, agentID uuid.UUID, since time.Time) (int, error) {
	var count int
	err := r.db.QueryRow(ctx, `
		SELECT COUNT(*) FROM agent_query_requests
		WHERE agent_id = $1 AND created_at >= $2`,
		agentID, since,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count query requests: %w", err)
	}
	return count, nil
}

func scanRequest(row pgx.Row) (*models.AgentQueryRequest, error) {
	var req models.AgentQueryRequest
	err := row.Scan(
		&req.ID, &req.AgentID, &req.UserID, &req.TargetEntity, &req.Action,
		&req.Parameters, &req.Prompt, &req.Status,
		&req.GeneratedQuery, &req.ExecutionResult, &req.ExecutionError,
		&req.ApprovedByID, &req.RejectionReason, &req.Metadata,
		&req.CreatedAt, &req.ExecutedAt,
	)
	if err != nil {
		return nil, err
	}
	return &req, nil
}
