// Package sinks provides Sink implementations for the event hub.
package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/webrobots/orchestrator/internal/events"
)

// LogSink writes structured logs for every lifecycle event. Useful during
// development and as an audit trail when no subscriber is attached.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs each event in the batch with structured fields.
func (s *LogSink) Consume(_ context.Context, batch []events.Event) error {
	for _, evt := range batch {
		s.logger.Info("run lifecycle event",
			zap.String("event", string(evt.Kind)),
			zap.String("run_id", evt.RunID),
			zap.String("robot_id", evt.RobotID),
			zap.String("status", string(evt.Status)),
			zap.String("user_id", evt.UserID),
			zap.String("worker_id", evt.WorkerID),
			zap.Duration("duration", evt.Duration),
		)
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
