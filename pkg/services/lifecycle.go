package services

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ekaya-inc/query-sandbox/pkg/apperrors"
	"github.com/ekaya-inc/query-sandbox/pkg/models"
	"github.com/ekaya-inc/query-sandbox/pkg/query"
	"github.com/ekaya-inc/query-sandbox/pkg/repositories"
	"github.com/ekaya-inc/query-sandbox/pkg/telemetry"
)

// Metadata keys written onto request rows by the lifecycle manager.
const (
	metaValidationMode = "validation_mode"
	metaWarnings       = "validation_warnings"
	metaConfidence     = "confidence"
	metaImpact         = "impact"
	metaOriginalParams = "original_parameters"
)

// SubmitInput is one incoming agent query request.
type SubmitInput struct {
	AgentID uuid.UUID
	UserID  string
	Entity  string
	Action  models.Action
	Params  any
	Prompt  string
	Mode    query.Mode
}

// SubmitOutcome reports everything that happened to a submitted request.
// Validator warnings are always surfaced, never swallowed.
type SubmitOutcome struct {
	Request    *models.AgentQueryRequest `json:"request"`
	Validation *query.Result             `json:"validation"`
	Admission  *Admission                `json:"admission,omitempty"`
	Score      *RiskScore                `json:"score,omitempty"`
	Checkpoint *models.ApprovalCheckpoint `json:"checkpoint,omitempty"`
	Execution  *ExecutionOutcome         `json:"execution,omitempty"`
}

// LifecycleManager owns the request state machine from creation through
// approval, rejection, or execution. Once a request enters validation it
// always reaches a terminal state; there is no caller-side cancellation,
// which keeps the audit trail complete.
type LifecycleManager struct {
	validation  ValidationService
	limiter     RateLimiter
	scorer      *RiskScorer
	checkpoints CheckpointService
	requests    repositories.RequestRepository
	executor    Executor
	sink        telemetry.Sink
	logger      *zap.Logger
}

// NewLifecycleManager creates a new LifecycleManager.
func NewLifecycleManager(
	validation ValidationService,
	limiter RateLimiter,
	scorer *RiskScorer,
	checkpoints CheckpointService,
	requests repositories.RequestRepository,
	executor Executor,
	sink telemetry.Sink,
	logger *zap.Logger,
) *LifecycleManager {
	return &LifecycleManager{
		validation:  validation,
		limiter:     limiter,
		scorer:      scorer,
		checkpoints: checkpoints,
		requests:    requests,
		executor:    executor,
		sink:        sink,
		logger:      logger,
	}
}

// Submit runs a request through validation, rate limiting and risk scoring,
// then either auto-approves and executes it or opens a human-approval
// checkpoint. Every submission persists a request row, including rejected
// ones: rejections are part of the audit trail and of the derived rate-limit
// counters.
func (m *LifecycleManager) Submit(ctx context.Context, in SubmitInput) (*SubmitOutcome, error) {
	if in.Mode == "" {
		in.Mode = query.ModeStrict
	}

	validation, err := m.validation.Validate(ctx, in.AgentID, in.Entity, in.Action, in.Params, in.Mode)
	if err != nil {
		return nil, err
	}

	// The rate limiter counts previously created rows, so it runs before
	// this request's own row is persisted.
	admission, err := m.limiter.CheckAndAdmit(ctx, in.AgentID)
	if err != nil {
		return nil, err
	}

	req := &models.AgentQueryRequest{
		AgentID:      in.AgentID,
		UserID:       in.UserID,
		TargetEntity: in.Entity,
		Action:       in.Action,
		Parameters:   in.Params,
		Prompt:       in.Prompt,
		Status:       models.StatusPending,
		Metadata: map[string]any{
			metaValidationMode: string(in.Mode),
			metaWarnings:       validation.Result.Warnings,
		},
	}
	if err := m.requests.Create(ctx, req); err != nil {
		return nil, err
	}

	outcome := &SubmitOutcome{
		Request:    req,
		Validation: validation.Result,
		Admission:  admission,
	}

	if !validation.Result.Valid {
		reason := validation.Result.Errors[0].Error()
		if err := m.reject(ctx, req, reason); err != nil {
			return nil, err
		}
		m.sink.RecordEvent(ctx, telemetry.LevelWarning, telemetry.CategoryValidation,
			"request rejected by validator", map[string]any{
				"request_id": req.ID.String(),
				"agent_id":   in.AgentID.String(),
				"reason":     reason,
			})
		return outcome, nil
	}

	if !admission.Allowed {
		if err := m.reject(ctx, req, admission.Reason); err != nil {
			return nil, err
		}
		return outcome, nil
	}

	sensitive := validation.Entity != nil && validation.Entity.Sensitive
	score := m.scorer.Score(in.Action, sensitive, validation.Result.Warnings, validation.Result.Params)
	outcome.Score = &score
	req.Metadata[metaConfidence] = score.Confidence
	req.Metadata[metaImpact] = string(score.Impact)
	if err := m.requests.ReplaceParameters(ctx, req.ID, req.Parameters, req.Metadata); err != nil {
		return nil, err
	}

	if m.scorer.AutoApprovable(score) {
		if err := m.transition(ctx, req, models.StatusAutoApproved, "", ""); err != nil {
			return nil, err
		}
		outcome.Execution, err = m.executor.Execute(ctx, req.ID, ExecuteOptions{})
		if err != nil {
			return nil, err
		}
		req.Status = models.StatusExecuted
		return outcome, nil
	}

	cp := &models.ApprovalCheckpoint{
		RequestID: req.ID,
		Payload: map[string]any{
			"entity":     in.Entity,
			"action":     string(in.Action),
			"parameters": in.Params,
			"prompt":     in.Prompt,
			"agent_id":   in.AgentID.String(),
		},
		Warnings:   validation.Result.Warnings,
		Confidence: score.Confidence,
		Impact:     score.Impact,
	}
	if _, err := m.checkpoints.CreateCheckpoint(ctx, cp); err != nil {
		return nil, err
	}
	outcome.Checkpoint = cp
	return outcome, nil
}

// ApplyResolution consumes an operator's checkpoint decision and advances the
// request accordingly. MODIFIED preserves the original parameters in request
// metadata before replacing them, so provenance survives for audit.
func (m *LifecycleManager) ApplyResolution(ctx context.Context, checkpointID uuid.UUID, resolution models.CheckpointResolution, modifiedParams any, comment, resolvedBy string) (*SubmitOutcome, error) {
	cp, err := m.checkpoints.ResolveCheckpoint(ctx, checkpointID, resolution, modifiedParams, comment, resolvedBy)
	if err != nil {
		return nil, err
	}

	req, err := m.requests.GetByID(ctx, cp.RequestID)
	if err != nil {
		return nil, err
	}
	if req.Status.IsTerminal() {
		return nil, fmt.Errorf("%w: request %s already %s", apperrors.ErrConflict, req.ID, req.Status)
	}

	outcome := &SubmitOutcome{Request: req, Checkpoint: cp}

	switch resolution {
	case models.ResolutionRejected:
		reason := comment
		if reason == "" {
			reason = "rejected via approval checkpoint"
		}
		if err := m.reject(ctx, req, reason); err != nil {
			return nil, err
		}
		return outcome, nil

	case models.ResolutionModified:
		metadata := req.Metadata
		if metadata == nil {
			metadata = map[string]any{}
		}
		metadata[metaOriginalParams] = req.Parameters
		if err := m.requests.ReplaceParameters(ctx, req.ID, modifiedParams, metadata); err != nil {
			return nil, err
		}
		req.Parameters = modifiedParams
		req.Metadata = metadata
		if err := m.transition(ctx, req, models.StatusModified, resolvedBy, ""); err != nil {
			return nil, err
		}
		fallthrough

	case models.ResolutionApproved:
		if err := m.transition(ctx, req, models.StatusApproved, resolvedBy, ""); err != nil {
			return nil, err
		}
		execution, err := m.executor.Execute(ctx, req.ID, ExecuteOptions{})
		if err != nil {
			return nil, err
		}
		outcome.Execution = execution
		req.Status = models.StatusExecuted
		return outcome, nil

	default:
		return nil, fmt.Errorf("unknown checkpoint resolution %q", resolution)
	}
}

func (m *LifecycleManager) reject(ctx context.Context, req *models.AgentQueryRequest, reason string) error {
	if err := m.transition(ctx, req, models.StatusRejected, "", reason); err != nil {
		return err
	}
	req.RejectionReason = reason
	return nil
}

func (m *LifecycleManager) transition(ctx context.Context, req *models.AgentQueryRequest, status models.RequestStatus, approvedBy, reason string) error {
	if err := m.requests.UpdateStatus(ctx, req.ID, status, approvedBy, reason); err != nil {
		return fmt.Errorf("failed to transition request %s to %s: %w", req.ID, status, err)
	}
	m.logger.Debug("request transitioned",
		zap.String("request_id", req.ID.String()),
		zap.String("from", string(req.Status)),
		zap.String("to", string(status)),
	)
	req.Status = status
	if approvedBy != "" {
		req.ApprovedByID = approvedBy
	}
	return nil
}
