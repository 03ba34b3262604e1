package models

import "time"

// QueryPerformanceMetric is a running aggregate per (entity, action) pair.
// Rows are upserted atomically on every execution and never deleted.
type QueryPerformanceMetric struct {
	Entity string `json:"entity"`
	Action Action `json:"action"`

	ExecutionCount   int64 `json:"execution_count"`
	TotalDurationMs  int64 `json:"total_duration_ms"`
	TotalResultBytes int64 `json:"total_result_bytes"`
	SlowCount        int64 `json:"slow_count"`

	UpdatedAt time.Time `json:"updated_at"`
}

// AvgDurationMs returns the mean execution duration, or 0 with no executions.
func (m *QueryPerformanceMetric) AvgDurationMs() float64 {
	if m.ExecutionCount == 0 {
		return 0
	}
	return float64(m.TotalDurationMs) / float64(m.ExecutionCount)
}
