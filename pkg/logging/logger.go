// Package logging builds the process-wide zap logger and provides helpers for
// keeping sensitive values out of log output.
package logging

import (
	"fmt"

	"go.uber.org/zap"
)

// NewLogger builds the root logger for the given environment. "local" gets a
// human-readable console logger at debug level; everything else gets
// production JSON output.
func NewLogger(env string) (*zap.Logger, error) {
	var (
		logger *zap.Logger
		err    error
	)
	if env == "local" {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}
	return logger, nil
}
