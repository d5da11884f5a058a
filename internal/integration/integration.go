// Package integration pushes completed run data into third-party sinks.
// Tasks arrive through a durable queue, are executed per sink kind, and
// their outcomes are recorded in a task store.
package integration

import (
	"context"

	"github.com/webrobots/orchestrator/internal/robot"
)

// Sink delivers one completed run's data to a third-party destination.
// Implementations must be safe for concurrent use.
type Sink interface {
	Deliver(ctx context.Context, task robot.IntegrationTask, run robot.Run) error
}

// TaskStore records integration task outcomes. Recording is an upsert keyed
// by task ID.
type TaskStore interface {
	Record(ctx context.Context, task robot.IntegrationTask) error
	GetTask(ctx context.Context, taskID string) (robot.IntegrationTask, error)
	ListByRun(ctx context.Context, runID string) ([]robot.IntegrationTask, error)
}
