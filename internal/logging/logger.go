// Package logging builds the zap loggers used across the orchestrator.
// Development mode favors colored console output for local runs against the
// memory stores; production mode emits JSON for log aggregation.
package logging

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New returns a configured *zap.Logger. Components receive named children
// of this logger (logger.Named("api"), logger.Named("pool"), ...).
func New(development bool) (*zap.Logger, error) {
	cfg := buildConfig(development)
	logger, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	return logger, nil
}

func buildConfig(development bool) zap.Config {
	if development {
		cfg := zap.NewDevelopmentConfig()
		cfg.EncoderConfig.TimeKey = "ts"
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		return cfg
	}
	cfg := zap.NewProductionConfig()
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.DisableStacktrace = false
	return cfg
}
