package services

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ekaya-inc/query-sandbox/pkg/apperrors"
	"github.com/ekaya-inc/query-sandbox/pkg/cache"
	"github.com/ekaya-inc/query-sandbox/pkg/config"
	"github.com/ekaya-inc/query-sandbox/pkg/datastore"
	"github.com/ekaya-inc/query-sandbox/pkg/logging"
	"github.com/ekaya-inc/query-sandbox/pkg/models"
	"github.com/ekaya-inc/query-sandbox/pkg/query"
	"github.com/ekaya-inc/query-sandbox/pkg/repositories"
	"github.com/ekaya-inc/query-sandbox/pkg/telemetry"
)

// ExecuteOptions tunes one execution.
type ExecuteOptions struct {
	// DryRun renders the generated query without touching the data store or
	// the request's lifecycle state.
	DryRun bool
}

// ExecutionOutcome is the caller-facing result of one execution attempt. A
// failed execution is still an outcome, not a Go error: the request reaches
// its terminal state either way, and Error carries what went wrong.
type ExecutionOutcome struct {
	RequestID      uuid.UUID `json:"request_id"`
	GeneratedQuery string    `json:"generated_query,omitempty"`
	Data           any       `json:"data,omitempty"`
	RowCount       int       `json:"row_count"`
	Truncated      bool      `json:"truncated,omitempty"`
	Cached         bool      `json:"cached,omitempty"`
	DurationMs     int64     `json:"duration_ms"`
	Warnings       []string  `json:"warnings,omitempty"`
	Error          string    `json:"error,omitempty"`
}

// Executor runs approved requests against the data store.
type Executor interface {
	Execute(ctx context.Context, requestID uuid.UUID, opts ExecuteOptions) (*ExecutionOutcome, error)
}

type executor struct {
	requests   repositories.RequestRepository
	metrics    repositories.MetricRepository
	validation ValidationService
	store      datastore.Store
	cache      *cache.QueryCache
	cacheCfg   config.CacheConfig
	cfg        config.ExecutorConfig
	sink       telemetry.Sink
	logger     *zap.Logger
	now        func() time.Time
}

// NewExecutor creates a new Executor.
func NewExecutor(
	requests repositories.RequestRepository,
	metrics repositories.MetricRepository,
	validation ValidationService,
	store datastore.Store,
	queryCache *cache.QueryCache,
	cacheCfg config.CacheConfig,
	cfg config.ExecutorConfig,
	sink telemetry.Sink,
	logger *zap.Logger,
) Executor {
	return &executor{
		requests:   requests,
		metrics:    metrics,
		validation: validation,
		store:      store,
		cache:      queryCache,
		cacheCfg:   cacheCfg,
		cfg:        cfg,
		sink:       sink,
		logger:     logger,
		now:        time.Now,
	}
}

var _ Executor = (*executor)(nil)

// Execute runs one approved request. The request is re-validated immediately
// before execution because grants or the active schema map may have changed
// since it was approved; a request that no longer validates is terminally
// recorded as a failed execution and the data store is never reached.
func (e *executor) Execute(ctx context.Context, requestID uuid.UUID, opts ExecuteOptions) (*ExecutionOutcome, error) {
	req, err := e.requests.GetByID(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if !req.Status.IsApproved() {
		return nil, fmt.Errorf("%w: request %s is %s, not approved for execution",
			apperrors.ErrConflict, req.ID, req.Status)
	}

	mode := query.ModeStrict
	if m, ok := req.Metadata[metaValidationMode].(string); ok && m != "" {
		mode = query.Mode(m)
	}

	validation, err := e.validation.Validate(ctx, req.AgentID, req.TargetEntity, req.Action, req.Parameters, mode)
	if err != nil {
		return nil, err
	}

	outcome := &ExecutionOutcome{
		RequestID: req.ID,
		Warnings:  validation.Result.Warnings,
	}

	if !validation.Result.Valid {
		execErr := fmt.Errorf("%w: %s", apperrors.ErrExecutionFailure,
			validation.Result.Errors[0].Error())
		outcome.Error = execErr.Error()
		if err := e.recordTerminal(ctx, req, "", nil, outcome.Error); err != nil {
			return nil, err
		}
		return outcome, nil
	}

	effective := validation.Result.Params
	op := datastore.Operation{
		Entity: req.TargetEntity,
		Action: req.Action,
	}
	if params, ok := effective.Interface().(map[string]any); ok {
		op.Params = params
	}
	outcome.GeneratedQuery = e.store.Describe(op)

	if opts.DryRun {
		return outcome, nil
	}

	key := cache.Key(req.TargetEntity, req.Action, effective, req.AgentID.String())
	if req.Action.IsCacheable() {
		if cached, ok := e.cache.Get(ctx, key); ok {
			outcome.Data = cached
			outcome.Cached = true
			outcome.RowCount = countRows(cached)
			e.sink.RecordEvent(ctx, telemetry.LevelInfo, telemetry.CategoryCache,
				"query served from cache", map[string]any{
					"request_id": req.ID.String(),
					"entity":     req.TargetEntity,
					"action":     string(req.Action),
				})
			if err := e.recordTerminal(ctx, req, outcome.GeneratedQuery, cached, ""); err != nil {
				return nil, err
			}
			return outcome, nil
		}
	}

	started := e.now()
	result, execErr := e.executeWithDeadline(ctx, op)
	duration := e.now().Sub(started)
	outcome.DurationMs = duration.Milliseconds()

	if execErr != nil {
		outcome.Error = execErr.Error()
		e.sink.RecordEvent(ctx, telemetry.LevelError, telemetry.CategoryExecution,
			"query execution failed", map[string]any{
				"request_id":  req.ID.String(),
				"entity":      req.TargetEntity,
				"action":      string(req.Action),
				"duration_ms": outcome.DurationMs,
				"error":       logging.SanitizeError(execErr),
			})
		if err := e.recordTerminal(ctx, req, outcome.GeneratedQuery, nil, outcome.Error); err != nil {
			return nil, err
		}
		e.recordMetric(ctx, req, 0, duration)
		return outcome, nil
	}

	data := result.Data
	outcome.RowCount = result.RowCount
	if rows, ok := data.([]any); ok {
		if outcome.RowCount == 0 {
			outcome.RowCount = len(rows)
		}
		if e.cfg.MaxResultRows > 0 && len(rows) > e.cfg.MaxResultRows {
			data = rows[:e.cfg.MaxResultRows]
			outcome.Truncated = true
			outcome.Warnings = append(outcome.Warnings,
				fmt.Sprintf("result truncated to %d of %d rows", e.cfg.MaxResultRows, len(rows)))
		}
	}
	if validation.Entity != nil && len(validation.Entity.RedactedFields) > 0 {
		data = redactFields(data, validation.Entity.RedactedFields)
	}
	outcome.Data = data

	if req.Action.IsCacheable() {
		ttl := e.cacheCfg.ListTTL
		if req.Action == models.ActionFindUnique || req.Action == models.ActionFindFirst {
			ttl = e.cacheCfg.LookupTTL
		}
		e.cache.Put(ctx, key, data, ttl, cache.Meta{
			Entity:      req.TargetEntity,
			Action:      req.Action,
			ParamsHash:  key,
			RequesterID: req.AgentID.String(),
		})
	}

	e.recordMetric(ctx, req, sizeOf(data), duration)

	if err := e.recordTerminal(ctx, req, outcome.GeneratedQuery, data, ""); err != nil {
		return nil, err
	}

	e.logger.Info("query executed",
		zap.String("request_id", req.ID.String()),
		zap.String("entity", req.TargetEntity),
		zap.String("action", string(req.Action)),
		zap.Int("rows", outcome.RowCount),
		zap.Int64("duration_ms", outcome.DurationMs),
		zap.Bool("truncated", outcome.Truncated),
	)
	return outcome, nil
}

// executeWithDeadline runs the store operation under the configured timeout.
// When the deadline fires the operation is abandoned: the goroutine drains
// into a buffered channel and the engine moves on.
func (e *executor) executeWithDeadline(ctx context.Context, op datastore.Operation) (*datastore.Result, error) {
	execCtx := ctx
	var cancel context.CancelFunc
	if e.cfg.Timeout > 0 {
		execCtx, cancel = context.WithTimeout(ctx, e.cfg.Timeout)
		defer cancel()
	}

	type storeResult struct {
		result *datastore.Result
		err    error
	}
	done := make(chan storeResult, 1)
	go func() {
		result, err := e.store.Execute(execCtx, op)
		done <- storeResult{result: result, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			if execCtx.Err() != nil {
				return nil, fmt.Errorf("%w: query exceeded %s deadline", apperrors.ErrExecutionTimeout, e.cfg.Timeout)
			}
			return nil, fmt.Errorf("%w: %s", apperrors.ErrExecutionFailure, r.err)
		}
		return r.result, nil
	case <-execCtx.Done():
		return nil, fmt.Errorf("%w: query exceeded %s deadline", apperrors.ErrExecutionTimeout, e.cfg.Timeout)
	}
}

func (e *executor) recordTerminal(ctx context.Context, req *models.AgentQueryRequest, generatedQuery string, result any, execErr string) error {
	if err := e.requests.RecordExecution(ctx, req.ID, generatedQuery, result, execErr, e.now()); err != nil {
		return fmt.Errorf("failed to persist execution outcome: %w", err)
	}
	req.Status = models.StatusExecuted
	return nil
}

// recordMetric upserts the per-(entity, action) performance aggregate.
// Metric write failures never fail the execution.
func (e *executor) recordMetric(ctx context.Context, req *models.AgentQueryRequest, resultBytes int64, duration time.Duration) {
	slow := e.cfg.SlowThreshold > 0 && duration > e.cfg.SlowThreshold
	if err := e.metrics.Record(ctx, req.TargetEntity, req.Action, duration.Milliseconds(), resultBytes, slow); err != nil {
		e.logger.Warn("failed to record query metric",
			zap.String("entity", req.TargetEntity),
			zap.String("action", string(req.Action)),
			zap.Error(err),
		)
	}
	if slow {
		e.sink.RecordEvent(ctx, telemetry.LevelWarning, telemetry.CategoryExecution,
			"slow query detected", map[string]any{
				"request_id":  req.ID.String(),
				"entity":      req.TargetEntity,
				"action":      string(req.Action),
				"duration_ms": duration.Milliseconds(),
			})
	}
}

// redactFields replaces redacted field values in result rows. Rows are copied
// so the cached value and the stored audit record carry the redacted form.
func redactFields(data any, fields []string) any {
	switch v := data.(type) {
	case []any:
		out := make([]any, len(v))
		for i, row := range v {
			out[i] = redactFields(row, fields)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(v))
		for key, value := range v {
			out[key] = value
		}
		for _, field := range fields {
			if _, ok := out[field]; ok {
				out[field] = logging.RedactedText
			}
		}
		return out
	default:
		return data
	}
}

func countRows(data any) int {
	if rows, ok := data.([]any); ok {
		return len(rows)
	}
	if data != nil {
		return 1
	}
	return 0
}

func sizeOf(data any) int64 {
	serialized, err := json.Marshal(data)
	if err != nil {
		return 0
	}
	return int64(len(serialized))
}
