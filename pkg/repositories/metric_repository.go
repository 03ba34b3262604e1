package repositories

import (
	"context"
	"fmt"

	"github.com/ekaya-inc/query-sandbox/pkg/database"
	"github.com/ekaya-inc/query-sandbox/pkg/models"
)

// MetricRepository provides data access for query performance aggregates.
// Rows are upserted atomically per execution and never deleted.
type MetricRepository interface {
	Record(ctx context.Context, entity string, action models.Action, durationMs, resultBytes int64, slow bool) error
	List(ctx context.Context) ([]*models.QueryPerformanceMetric, error)
}

type metricRepository struct {
	db *database.DB
}

// NewMetricRepository creates a new MetricRepository.
func NewMetricRepository(db *database.DB) MetricRepository {
	return &metricRepository{db: db}
}

var _ MetricRepository = (*metricRepository)(nil)

func (r *metricRepository) Record(ctx context.Context, entity string, action models.Action, durationMs, resultBytes int64, slow bool) error {
	slowIncrement := 0
	if slow {
		slowIncrement = 1
	}

	_, err := r.db.Exec(ctx, `
		INSERT INTO query_performance_metrics (
			entity, action, execution_count, total_duration_ms, total_result_bytes, slow_count, updated_at
		) VALUES ($1, $2, 1, $3, $4, $5, NOW())
		ON CONFLICT (entity, action) DO UPDATE
		SET execution_count = query_performance_metrics.execution_count + 1,
		    total_duration_ms = query_performance_metrics.total_duration_ms + EXCLUDED.total_duration_ms,
		    total_result_bytes = query_performance_metrics.total_result_bytes + EXCLUDED.total_result_bytes,
		    slow_count = query_performance_metrics.slow_count + EXCLUDED.slow_count,
		    updated_at = NOW()`,
		entity, action, durationMs, resultBytes, slowIncrement,
	)
	if err != nil {
		return fmt.Errorf("failed to record performance metric: %w", err)
	}
	return nil
}

func (r *metricRepository) List(ctx context.Context) ([]*models.QueryPerformanceMetric, error) {
	rows, err := r.db.Query(ctx, `
		SELECT entity, action, execution_count, total_duration_ms,
		       total_result_bytes, slow_count, updated_at
		FROM query_performance_metrics
		ORDER BY entity, action`)
	if err != nil {
		return nil, fmt.Errorf("failed to list performance metrics: %w", err)
	}
	defer rows.Close()

	metrics := make([]*models.QueryPerformanceMetric, 0)
	for rows.Next() {
		var m models.QueryPerformanceMetric
		err := rows.Scan(&m.Entity, &m.Action, &m.ExecutionCount, &m.TotalDurationMs,
			&m.TotalResultBytes, &m.SlowCount, &m.UpdatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan performance metric: %w", err)
		}
		metrics = append(metrics, &m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating performance metrics: %w", err)
	}
	return metrics, nil
}
