// Package telemetry is the narrow event-recording interface the sandbox emits
// into. Recording is fire-and-forget: a sink failure must never fail the
// operation that produced the event.
package telemetry

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Level classifies event severity.
type Level string

const (
	LevelInfo     Level = "info"
	LevelWarning  Level = "warning"
	LevelError    Level = "error"
	LevelCritical Level = "critical"
)

// Event categories used by the sandbox.
const (
	CategoryValidation = "validation"
	CategorySecurity   = "security"
	CategoryRateLimit  = "rate_limit"
	CategoryLifecycle  = "lifecycle"
	CategoryExecution  = "execution"
	CategoryCache      = "cache"
	CategorySchemaMap  = "schema_map"
)

// Sink records sandbox events for downstream consumption (SIEM, dashboards).
type Sink interface {
	RecordEvent(ctx context.Context, level Level, category, message string, metadata map[string]any)
}

// ZapSink writes events to a dedicated zap namespace in structured JSON, the
// format the SIEM pipeline ingests. Security-category events at critical
// level log at ERROR so alerting picks them up immediately.
type ZapSink struct {
	logger *zap.Logger
}

// NewZapSink creates a sink backed by a named child logger.
func NewZapSink(logger *zap.Logger) *ZapSink {
	return &ZapSink{logger: logger.Named("sandbox_audit")}
}

var _ Sink = (*ZapSink)(nil)

// RecordEvent logs the event. Never returns an error: telemetry failures are
// invisible to the originating operation.
func (s *ZapSink) RecordEvent(ctx context.Context, level Level, category, message string, metadata map[string]any) {
	fields := []zap.Field{
		zap.Time("timestamp", time.Now().UTC()),
		zap.String("category", category),
		zap.String("severity", string(level)),
	}
	if metadata != nil {
		fields = append(fields, zap.Any("metadata", metadata))
	}

	switch level {
	case LevelCritical, LevelError:
		s.logger.Error(message, fields...)
	case LevelWarning:
		s.logger.Warn(message, fields...)
	default:
		s.logger.Info(message, fields...)
	}
}

// NopSink discards every event. Useful in tests.
type NopSink struct{}

var _ Sink = (*NopSink)(nil)

// RecordEvent discards the event.
func (NopSink) RecordEvent(context.Context, Level, string, string, map[string]any) {}
