package services

import (
	"context"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ekaya-inc/query-sandbox/pkg/apperrors"
	"github.com/ekaya-inc/query-sandbox/pkg/models"
	"github.com/ekaya-inc/query-sandbox/pkg/query"
	"github.com/ekaya-inc/query-sandbox/pkg/telemetry"
)

type fakeExecutor struct {
	mu       sync.Mutex
	executed []uuid.UUID
}

func (f *fakeExecutor) Execute(_ context.Context, requestID uuid.UUID, _ ExecuteOptions) (*ExecutionOutcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.executed = append(f.executed, requestID)
	return &ExecutionOutcome{RequestID: requestID, Data: []any{}, RowCount: 0}, nil
}

func (f *fakeExecutor) calls() []uuid.UUID {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]uuid.UUID(nil), f.executed...)
}

var _ Executor = (*fakeExecutor)(nil)

func sandboxSchemaMap() *models.SchemaMap {
	return &models.SchemaMap{
		ID:      uuid.New(),
		Name:    "core",
		Version: 1,
		Active:  true,
		Entities: map[string]models.EntitySchema{
			"order": {
				AllowedActions: models.AllActions,
				AllowedFields:  []string{"id", "customer_id", "total", "status", "created_at"},
				RequiredFields: []string{"customer_id", "total"},
				FieldTypes: map[string]models.FieldType{
					"id":          models.FieldTypeString,
					"customer_id": models.FieldTypeString,
					"total":       models.FieldTypeNumber,
					"status":      models.FieldTypeString,
					"created_at":  models.FieldTypeDate,
				},
			},
			"customer": {
				AllowedActions: []models.Action{
					models.ActionFindMany, models.ActionFindUnique, models.ActionFindFirst,
					models.ActionCount, models.ActionAggregate, models.ActionUpdate,
				},
				AllowedFields: []string{"id", "name", "email", "ssn"},
				FieldTypes: map[string]models.FieldType{
					"id":    models.FieldTypeString,
					"name":  models.FieldTypeString,
					"email": models.FieldTypeString,
					"ssn":   models.FieldTypeString,
				},
				Sensitive:      true,
				RedactedFields: []string{"ssn"},
			},
		},
	}
}

type lifecycleEnv struct {
	agentID     uuid.UUID
	requests    *fakeRequestRepo
	permissions *fakePermissionRepo
	checkpoints *fakeCheckpointRepo
	executor    *fakeExecutor
	manager     *LifecycleManager
}

func newLifecycleEnv(t *testing.T) *lifecycleEnv {
	t.Helper()

	agentID := uuid.New()
	requests := newFakeRequestRepo()
	permissions := &fakePermissionRepo{grants: []models.AgentQueryPermission{{
		ID:            uuid.New(),
		AgentID:       agentID,
		SchemaMapName: "core",
		Level:         models.PermissionFull,
		EntityActions: map[string][]models.Action{"order": {}, "customer": {}},
		MaxQueriesPerDay: 100,
		Enabled:          true,
	}}}
	schemaMaps := &fakeSchemaMapRepo{}
	require.NoError(t, schemaMaps.Publish(context.Background(), sandboxSchemaMap()))
	checkpoints := newFakeCheckpointRepo()
	exec := &fakeExecutor{}

	sink := telemetry.NopSink{}
	logger := zap.NewNop()
	limits := query.Limits{SensitiveReadLimit: 50, DefaultListLimit: 100, MaxListLimit: 1000}

	manager := NewLifecycleManager(
		NewValidationService(permissions, schemaMaps, limits, sink, logger),
		NewRateLimiter(requests, permissions, testRateLimitConfig(), sink),
		NewRiskScorer(testRiskConfig()),
		NewCheckpointService(checkpoints, sink),
		requests,
		exec,
		sink,
		logger,
	)

	return &lifecycleEnv{
		agentID:     agentID,
		requests:    requests,
		permissions: permissions,
		checkpoints: checkpoints,
		executor:    exec,
		manager:     manager,
	}
}

func (e *lifecycleEnv) submit(t *testing.T, entity string, action models.Action, params map[string]any) *SubmitOutcome {
	t.Helper()
	outcome, err := e.manager.Submit(context.Background(), SubmitInput{
		AgentID: e.agentID,
		UserID:  "user-1",
		Entity:  entity,
		Action:  action,
		Params:  params,
		Prompt:  "list recent orders",
	})
	require.NoError(t, err)
	return outcome
}

func TestLifecycleSubmit(t *testing.T) {
	ctx := context.Background()

	t.Run("confident read auto-approves and executes", func(t *testing.T) {
		env := newLifecycleEnv(t)
		outcome := env.submit(t, "order", models.ActionFindMany, map[string]any{
			"where": map[string]any{"status": "shipped"},
			"limit": float64(10),
		})

		require.NotNil(t, outcome.Score)
		assert.Equal(t, models.ImpactLow, outcome.Score.Impact)
		assert.Nil(t, outcome.Checkpoint)
		require.NotNil(t, outcome.Execution)
		assert.Equal(t, []uuid.UUID{outcome.Request.ID}, env.executor.calls())

		stored, err := env.requests.GetByID(ctx, outcome.Request.ID)
		require.NoError(t, err)
		assert.Equal(t, models.StatusAutoApproved, stored.Status)
		assert.Equal(t, "strict", stored.Metadata[metaValidationMode])
		assert.InDelta(t, 0.8, outcome.Request.Metadata[metaConfidence].(float64), 1e-9)
		assert.Equal(t, string(models.ImpactLow), outcome.Request.Metadata[metaImpact])
	})

	t.Run("mutation opens a checkpoint instead of executing", func(t *testing.T) {
		env := newLifecycleEnv(t)
		outcome := env.submit(t, "order", models.ActionUpdate, map[string]any{
			"where": map[string]any{"id": "o1"},
			"data":  map[string]any{"status": "cancelled"},
		})

		require.NotNil(t, outcome.Checkpoint)
		assert.Equal(t, models.ImpactMedium, outcome.Checkpoint.Impact)
		assert.False(t, outcome.Checkpoint.Escalated)
		assert.Empty(t, env.executor.calls())

		stored, err := env.requests.GetByID(ctx, outcome.Request.ID)
		require.NoError(t, err)
		assert.Equal(t, models.StatusPending, stored.Status)

		open, err := env.checkpoints.ListOpen(ctx, 10)
		require.NoError(t, err)
		require.Len(t, open, 1)
		assert.Equal(t, outcome.Request.ID, open[0].RequestID)
	})

	t.Run("bulk mutation escalates the checkpoint", func(t *testing.T) {
		env := newLifecycleEnv(t)
		outcome := env.submit(t, "order", models.ActionDeleteMany, map[string]any{
			"where": map[string]any{"status": "abandoned"},
		})

		require.NotNil(t, outcome.Checkpoint)
		assert.Equal(t, models.ImpactHigh, outcome.Checkpoint.Impact)
		assert.True(t, outcome.Checkpoint.Escalated)
	})

	t.Run("invalid request is persisted and rejected", func(t *testing.T) {
		env := newLifecycleEnv(t)
		outcome := env.submit(t, "order", models.ActionFindMany, map[string]any{
			"where": map[string]any{"secret_column": "x"},
			"limit": float64(10),
		})

		assert.False(t, outcome.Validation.Valid)
		assert.Empty(t, env.executor.calls())

		stored, err := env.requests.GetByID(ctx, outcome.Request.ID)
		require.NoError(t, err)
		assert.Equal(t, models.StatusRejected, stored.Status)
		assert.NotEmpty(t, stored.RejectionReason)
	})

	t.Run("injection attempt is persisted and rejected", func(t *testing.T) {
		env := newLifecycleEnv(t)
		outcome := env.submit(t, "order", models.ActionFindMany, map[string]any{
			"where": map[string]any{"status": "x' OR '1'='1"},
			"limit": float64(10),
		})

		assert.False(t, outcome.Validation.Valid)
		stored, err := env.requests.GetByID(ctx, outcome.Request.ID)
		require.NoError(t, err)
		assert.Equal(t, models.StatusRejected, stored.Status)
	})

	t.Run("over-quota submission is persisted and rejected", func(t *testing.T) {
		env := newLifecycleEnv(t)
		env.permissions.grants[0].MaxQueriesPerDay = 2
		params := map[string]any{
			"where": map[string]any{"status": "shipped"},
			"limit": float64(10),
		}
		env.submit(t, "order", models.ActionFindMany, params)
		env.submit(t, "order", models.ActionFindMany, params)

		outcome := env.submit(t, "order", models.ActionFindMany, params)
		require.NotNil(t, outcome.Admission)
		assert.False(t, outcome.Admission.Allowed)

		stored, err := env.requests.GetByID(ctx, outcome.Request.ID)
		require.NoError(t, err)
		assert.Equal(t, models.StatusRejected, stored.Status)
		assert.Contains(t, stored.RejectionReason, "daily quota")
	})

	t.Run("rejected submissions still count against the quota", func(t *testing.T) {
		env := newLifecycleEnv(t)
		env.permissions.grants[0].MaxQueriesPerDay = 2
		bad := map[string]any{
			"where": map[string]any{"secret_column": "x"},
			"limit": float64(10),
		}
		env.submit(t, "order", models.ActionFindMany, bad)
		env.submit(t, "order", models.ActionFindMany, bad)

		outcome := env.submit(t, "order", models.ActionFindMany, map[string]any{
			"where": map[string]any{"status": "shipped"},
			"limit": float64(10),
		})
		require.NotNil(t, outcome.Admission)
		assert.False(t, outcome.Admission.Allowed)
	})
}

func TestLifecycleApplyResolution(t *testing.T) {
	ctx := context.Background()

	openCheckpoint := func(t *testing.T, env *lifecycleEnv) *SubmitOutcome {
		t.Helper()
		outcome := env.submit(t, "order", models.ActionUpdate, map[string]any{
			"where": map[string]any{"id": "o1"},
			"data":  map[string]any{"status": "cancelled"},
		})
		require.NotNil(t, outcome.Checkpoint)
		return outcome
	}

	t.Run("approval executes the request", func(t *testing.T) {
		env := newLifecycleEnv(t)
		submitted := openCheckpoint(t, env)

		resolved, err := env.manager.ApplyResolution(ctx, submitted.Checkpoint.ID,
			models.ResolutionApproved, nil, "looks fine", "operator-1")
		require.NoError(t, err)

		require.NotNil(t, resolved.Execution)
		assert.Equal(t, []uuid.UUID{submitted.Request.ID}, env.executor.calls())

		stored, err := env.requests.GetByID(ctx, submitted.Request.ID)
		require.NoError(t, err)
		assert.Equal(t, models.StatusApproved, stored.Status)
		assert.Equal(t, "operator-1", stored.ApprovedByID)
	})

	t.Run("rejection carries the operator comment", func(t *testing.T) {
		env := newLifecycleEnv(t)
		submitted := openCheckpoint(t, env)

		resolved, err := env.manager.ApplyResolution(ctx, submitted.Checkpoint.ID,
			models.ResolutionRejected, nil, "too broad", "operator-1")
		require.NoError(t, err)
		assert.Nil(t, resolved.Execution)
		assert.Empty(t, env.executor.calls())

		stored, err := env.requests.GetByID(ctx, submitted.Request.ID)
		require.NoError(t, err)
		assert.Equal(t, models.StatusRejected, stored.Status)
		assert.Equal(t, "too broad", stored.RejectionReason)
	})

	t.Run("rejection without a comment uses a default reason", func(t *testing.T) {
		env := newLifecycleEnv(t)
		submitted := openCheckpoint(t, env)

		_, err := env.manager.ApplyResolution(ctx, submitted.Checkpoint.ID,
			models.ResolutionRejected, nil, "", "operator-1")
		require.NoError(t, err)

		stored, err := env.requests.GetByID(ctx, submitted.Request.ID)
		require.NoError(t, err)
		assert.Equal(t, "rejected via approval checkpoint", stored.RejectionReason)
	})

	t.Run("modification replaces parameters and preserves the originals", func(t *testing.T) {
		env := newLifecycleEnv(t)
		submitted := openCheckpoint(t, env)
		original := submitted.Request.Parameters

		replacement := map[string]any{
			"where": map[string]any{"id": "o1", "status": "pending"},
			"data":  map[string]any{"status": "cancelled"},
		}
		resolved, err := env.manager.ApplyResolution(ctx, submitted.Checkpoint.ID,
			models.ResolutionModified, replacement, "narrowed the filter", "operator-1")
		require.NoError(t, err)
		require.NotNil(t, resolved.Execution)

		stored, err := env.requests.GetByID(ctx, submitted.Request.ID)
		require.NoError(t, err)
		assert.Equal(t, models.StatusApproved, stored.Status)
		assert.Equal(t, replacement, stored.Parameters)
		assert.Equal(t, original, stored.Metadata[metaOriginalParams])
		assert.Equal(t, []uuid.UUID{submitted.Request.ID}, env.executor.calls())
	})

	t.Run("resolving twice conflicts", func(t *testing.T) {
		env := newLifecycleEnv(t)
		submitted := openCheckpoint(t, env)

		_, err := env.manager.ApplyResolution(ctx, submitted.Checkpoint.ID,
			models.ResolutionRejected, nil, "no", "operator-1")
		require.NoError(t, err)

		_, err = env.manager.ApplyResolution(ctx, submitted.Checkpoint.ID,
			models.ResolutionApproved, nil, "", "operator-2")
		assert.ErrorIs(t, err, apperrors.ErrConflict)
	})

	t.Run("resolution against a terminal request conflicts", func(t *testing.T) {
		env := newLifecycleEnv(t)
		submitted := openCheckpoint(t, env)

		// The request reached a terminal state through another path.
		require.NoError(t, env.requests.UpdateStatus(ctx, submitted.Request.ID,
			models.StatusRejected, "", "administratively rejected"))

		_, err := env.manager.ApplyResolution(ctx, submitted.Checkpoint.ID,
			models.ResolutionApproved, nil, "", "operator-1")
		assert.ErrorIs(t, err, apperrors.ErrConflict)
	})

	t.Run("unknown checkpoint is not found", func(t *testing.T) {
		env := newLifecycleEnv(t)
		_, err := env.manager.ApplyResolution(ctx, uuid.New(),
			models.ResolutionApproved, nil, "", "operator-1")
		assert.ErrorIs(t, err, apperrors.ErrNotFound)
	})
}
