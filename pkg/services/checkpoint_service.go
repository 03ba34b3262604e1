package services

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/ekaya-inc/query-sandbox/pkg/models"
	"github.com/ekaya-inc/query-sandbox/pkg/repositories"
	"github.com/ekaya-inc/query-sandbox/pkg/telemetry"
)

// CheckpointService is the human-approval collaborator. The lifecycle manager
// opens checkpoints through it and consumes resolutions; the default
// implementation persists checkpoints so operators can resolve them over the
// API, but a deployment can swap in any workflow backend.
type CheckpointService interface {
	CreateCheckpoint(ctx context.Context, cp *models.ApprovalCheckpoint) (uuid.UUID, error)
	GetCheckpoint(ctx context.Context, id uuid.UUID) (*models.ApprovalCheckpoint, error)
	ResolveCheckpoint(ctx context.Context, id uuid.UUID, resolution models.CheckpointResolution, modifiedParams any, comment, resolvedBy string) (*models.ApprovalCheckpoint, error)
	ListOpen(ctx context.Context, limit int) ([]*models.ApprovalCheckpoint, error)
}

type checkpointService struct {
	checkpoints repositories.CheckpointRepository
	sink        telemetry.Sink
}

// NewCheckpointService creates the repository-backed checkpoint service.
func NewCheckpointService(checkpoints repositories.CheckpointRepository, sink telemetry.Sink) CheckpointService {
	return &checkpointService{checkpoints: checkpoints, sink: sink}
}

var _ CheckpointService = (*checkpointService)(nil)

func (s *checkpointService) CreateCheckpoint(ctx context.Context, cp *models.ApprovalCheckpoint) (uuid.UUID, error) {
	cp.Escalated = cp.Impact.RequiresEscalation()

	if err := s.checkpoints.Create(ctx, cp); err != nil {
		return uuid.Nil, fmt.Errorf("failed to open checkpoint: %w", err)
	}

	level := telemetry.LevelInfo
	message := "approval checkpoint opened"
	if cp.Escalated {
		// HIGH/CRITICAL impact raises an escalation record in addition to
		// the checkpoint itself.
		level = telemetry.LevelWarning
		message = "approval checkpoint escalated"
	}
	s.sink.RecordEvent(ctx, level, telemetry.CategoryLifecycle, message, map[string]any{
		"checkpoint_id": cp.ID.String(),
		"request_id":    cp.RequestID.String(),
		"impact":        string(cp.Impact),
		"confidence":    cp.Confidence,
	})
	return cp.ID, nil
}

func (s *checkpointService) GetCheckpoint(ctx context.Context, id uuid.UUID) (*models.ApprovalCheckpoint, error) {
	return s.checkpoints.GetByID(ctx, id)
}

func (s *checkpointService) ResolveCheckpoint(ctx context.Context, id uuid.UUID, resolution models.CheckpointResolution, modifiedParams any, comment, resolvedBy string) (*models.ApprovalCheckpoint, error) {
	if err := s.checkpoints.Resolve(ctx, id, resolution, modifiedParams, comment, resolvedBy); err != nil {
		return nil, err
	}
	return s.checkpoints.GetByID(ctx, id)
}

func (s *checkpointService) ListOpen(ctx context.Context, limit int) ([]*models.ApprovalCheckpoint, error) {
	return s.checkpoints.ListOpen(ctx, limit)
}
