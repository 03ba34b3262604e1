package services

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ekaya-inc/query-sandbox/pkg/apperrors"
	"github.com/ekaya-inc/query-sandbox/pkg/datastore"
	"github.com/ekaya-inc/query-sandbox/pkg/models"
	"github.com/ekaya-inc/query-sandbox/pkg/repositories"
)

// In-memory repository fakes shared by the service tests.

type fakePermissionRepo struct {
	grants []models.AgentQueryPermission
}

func (f *fakePermissionRepo) Create(_ context.Context, grant *models.AgentQueryPermission) error {
	grant.ID = uuid.New()
	f.grants = append(f.grants, *grant)
	return nil
}

func (f *fakePermissionRepo) Update(_ context.Context, grant *models.AgentQueryPermission) error {
	for i := range f.grants {
		if f.grants[i].ID == grant.ID {
			f.grants[i] = *grant
			return nil
		}
	}
	return apperrors.ErrNotFound
}

func (f *fakePermissionRepo) GetByID(_ context.Context, id uuid.UUID) (*models.AgentQueryPermission, error) {
	for i := range f.grants {
		if f.grants[i].ID == id {
			grant := f.grants[i]
			return &grant, nil
		}
	}
	return nil, apperrors.ErrNotFound
}

func (f *fakePermissionRepo) ListEnabledByAgent(_ context.Context, agentID uuid.UUID) ([]models.AgentQueryPermission, error) {
	out := make([]models.AgentQueryPermission, 0)
	for _, grant := range f.grants {
		if grant.Enabled && grant.AgentID == agentID {
			out = append(out, grant)
		}
	}
	return out, nil
}

var _ repositories.PermissionRepository = (*fakePermissionRepo)(nil)

type fakeSchemaMapRepo struct {
	active map[string]*models.SchemaMap
}

func (f *fakeSchemaMapRepo) Publish(_ context.Context, m *models.SchemaMap) error {
	if f.active == nil {
		f.active = make(map[string]*models.SchemaMap)
	}
	m.ID = uuid.New()
	m.Version = 1
	if prev, ok := f.active[m.Name]; ok {
		m.Version = prev.Version + 1
	}
	m.Active = true
	m.CreatedAt = time.Now()
	f.active[m.Name] = m
	return nil
}

func (f *fakeSchemaMapRepo) GetActive(_ context.Context, name string) (*models.SchemaMap, error) {
	if m, ok := f.active[name]; ok {
		return m, nil
	}
	return nil, apperrors.ErrNotFound
}

func (f *fakeSchemaMapRepo) GetVersion(_ context.Context, name string, version int) (*models.SchemaMap, error) {
	if m, ok := f.active[name]; ok && m.Version == version {
		return m, nil
	}
	return nil, apperrors.ErrNotFound
}

func (f *fakeSchemaMapRepo) ListVersions(_ context.Context, name string) ([]*models.SchemaMap, error) {
	if m, ok := f.active[name]; ok {
		return []*models.SchemaMap{m}, nil
	}
	return []*models.SchemaMap{}, nil
}

var _ repositories.SchemaMapRepository = (*fakeSchemaMapRepo)(nil)

type fakeRequestRepo struct {
	mu       sync.Mutex
	requests map[uuid.UUID]*models.AgentQueryRequest
	now      func() time.Time
}

func newFakeRequestRepo() *fakeRequestRepo {
	return &fakeRequestRepo{
		requests: make(map[uuid.UUID]*models.AgentQueryRequest),
		now:      time.Now,
	}
}

func (f *fakeRequestRepo) Create(_ context.Context, req *models.AgentQueryRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	req.ID = uuid.New()
	req.CreatedAt = f.now()
	if req.Status == "" {
		req.Status = models.StatusPending
	}
	clone := *req
	f.requests[req.ID] = &clone
	return nil
}

func (f *fakeRequestRepo) GetByID(_ context.Context, id uuid.UUID) (*models.AgentQueryRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if req, ok := f.requests[id]; ok {
		clone := *req
		return &clone, nil
	}
	return nil, apperrors.ErrNotFound
}

func (f *fakeRequestRepo) ListByAgent(_ context.Context, agentID uuid.UUID, limit int) ([]*models.AgentQueryRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*models.AgentQueryRequest, 0)
	for _, req := range f.requests {
		if req.AgentID == agentID && len(out) < limit {
			clone := *req
			out = append(out, &clone)
		}
	}
	return out, nil
}

func (f *fakeRequestRepo) UpdateStatus(_ context.Context, id uuid.UUID, status models.RequestStatus, approvedBy, rejectionReason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	req, ok := f.requests[id]
	if !ok {
		return apperrors.ErrNotFound
	}
	req.Status = status
	if approvedBy != "" {
		req.ApprovedByID = approvedBy
	}
	if rejectionReason != "" {
		req.RejectionReason = rejectionReason
	}
	return nil
}

func (f *fakeRequestRepo) ReplaceParameters(_ context.Context, id uuid.UUID, params any, metadata map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	req, ok := f.requests[id]
	if !ok {
		return apperrors.ErrNotFound
	}
	req.Parameters = params
	req.Metadata = metadata
	return nil
}

func (f *fakeRequestRepo) RecordExecution(_ context.Context, id uuid.UUID, generatedQuery string, result any, execErr string, executedAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	req, ok := f.requests[id]
	if !ok {
		return apperrors.ErrNotFound
	}
	req.Status = models.StatusExecuted
	req.GeneratedQuery = generatedQuery
	req.ExecutionResult = result
	req.ExecutionError = execErr
	req.ExecutedAt = &executedAt
	return nil
}

func (f *fakeRequestRepo) CountCreatedSince(_ context.Context, agentID uuid.UUID, since time.Time) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	count := 0
	for _, req := range f.requests {
		if req.AgentID == agentID && !req.CreatedAt.Before(since) {
			count++
		}
	}
	return count, nil
}

var _ repositories.RequestRepository = (*fakeRequestRepo)(nil)

type fakeCheckpointRepo struct {
	mu          sync.Mutex
	checkpoints map[uuid.UUID]*models.ApprovalCheckpoint
}

func newFakeCheckpointRepo() *fakeCheckpointRepo {
	return &fakeCheckpointRepo{checkpoints: make(map[uuid.UUID]*models.ApprovalCheckpoint)}
}

func (f *fakeCheckpointRepo) Create(_ context.Context, cp *models.ApprovalCheckpoint) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp.ID = uuid.New()
	cp.CreatedAt = time.Now()
	clone := *cp
	f.checkpoints[cp.ID] = &clone
	return nil
}

func (f *fakeCheckpointRepo) GetByID(_ context.Context, id uuid.UUID) (*models.ApprovalCheckpoint, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if cp, ok := f.checkpoints[id]; ok {
		clone := *cp
		return &clone, nil
	}
	return nil, apperrors.ErrNotFound
}

func (f *fakeCheckpointRepo) ListOpen(_ context.Context, limit int) ([]*models.ApprovalCheckpoint, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*models.ApprovalCheckpoint, 0)
	for _, cp := range f.checkpoints {
		if !cp.Resolved() && len(out) < limit {
			clone := *cp
			out = append(out, &clone)
		}
	}
	return out, nil
}

func (f *fakeCheckpointRepo) Resolve(_ context.Context, id uuid.UUID, resolution models.CheckpointResolution, modifiedParams any, comment, resolvedBy string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp, ok := f.checkpoints[id]
	if !ok {
		return apperrors.ErrNotFound
	}
	if cp.Resolved() {
		return apperrors.ErrConflict
	}
	now := time.Now()
	cp.Resolution = resolution
	cp.ModifiedParams = modifiedParams
	cp.Comment = comment
	cp.ResolvedBy = resolvedBy
	cp.ResolvedAt = &now
	return nil
}

var _ repositories.CheckpointRepository = (*fakeCheckpointRepo)(nil)

type recordedMetric struct {
	entity      string
	action      models.Action
	durationMs  int64
	resultBytes int64
	slow        bool
}

type fakeMetricRepo struct {
	mu      sync.Mutex
	records []recordedMetric
}

func (f *fakeMetricRepo) Record(_ context.Context, entity string, action models.Action, durationMs, resultBytes int64, slow bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, recordedMetric{entity, action, durationMs, resultBytes, slow})
	return nil
}

func (f *fakeMetricRepo) List(context.Context) ([]*models.QueryPerformanceMetric, error) {
	return []*models.QueryPerformanceMetric{}, nil
}

var _ repositories.MetricRepository = (*fakeMetricRepo)(nil)

// fakeStore scripts datastore behavior per test.
type fakeStore struct {
	mu        sync.Mutex
	execute   func(ctx context.Context, op datastore.Operation) (*datastore.Result, error)
	callCount int
}

func (f *fakeStore) Execute(ctx context.Context, op datastore.Operation) (*datastore.Result, error) {
	f.mu.Lock()
	f.callCount++
	f.mu.Unlock()
	if f.execute != nil {
		return f.execute(ctx, op)
	}
	return &datastore.Result{Data: []any{}, RowCount: 0}, nil
}

func (f *fakeStore) Describe(op datastore.Operation) string {
	return "SELECT * FROM " + op.Entity
}

func (f *fakeStore) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.callCount
}

var _ datastore.Store = (*fakeStore)(nil)
