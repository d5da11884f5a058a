package integration

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/webrobots/orchestrator/internal/robot"
)

// RunnerConfig bounds task execution.
type RunnerConfig struct {
	// MaxRetries caps delivery attempts per task (default 3).
	MaxRetries int
	// RetryDelay is the fixed wait between attempts (default 500ms).
	RetryDelay time.Duration
	// PollInterval is the idle wait between drains in Run (default 2s).
	PollInterval time.Duration
}

// Runner drains the integration queue and executes tasks against their
// sinks. A task that exhausts its retries is recorded as failed and dropped,
// never re-enqueued, so a drain always terminates. Sink kinds are
// independent: one kind failing does not stop deliveries to the others.
type Runner struct {
	cfg    RunnerConfig
	queue  robot.TaskQueue
	runs   robot.RunStore
	store  TaskStore
	sinks  map[robot.SinkKind]Sink
	logger *zap.Logger

	sleep func(ctx context.Context, d time.Duration) error
}

// NewRunner constructs a Runner over the given sink registry.
func NewRunner(
	cfg RunnerConfig,
	queue robot.TaskQueue,
	runs robot.RunStore,
	store TaskStore,
	sinks map[robot.SinkKind]Sink,
	logger *zap.Logger,
) *Runner {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 500 * time.Millisecond
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{
		cfg:    cfg,
		queue:  queue,
		runs:   runs,
		store:  store,
		sinks:  sinks,
		logger: logger,
		sleep:  sleepWithContext,
	}
}

// Run polls the queue until the context ends.
func (r *Runner) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()
	for {
		if err := r.Drain(ctx); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Drain executes queued tasks until the queue reports empty. It returns an
// error only when the context ends; task failures are recorded, logged, and
// dropped.
func (r *Runner) Drain(ctx context.Context) error {
	for {
		task, err := r.queue.Dequeue(ctx)
		if errors.Is(err, robot.ErrNoTask) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("dequeue task: %w", err)
		}
		r.execute(ctx, task)
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

func (r *Runner) execute(ctx context.Context, task robot.IntegrationTask) {
	sink, ok := r.sinks[task.Kind]
	if !ok {
		r.logger.Error("no sink registered for task kind",
			zap.String("task_id", task.ID),
			zap.String("kind", string(task.Kind)),
		)
		r.record(ctx, task, robot.TaskFailed)
		return
	}

	run, err := r.runs.GetRun(ctx, task.RunID)
	if err != nil {
		r.logger.Error("integration task references unknown run",
			zap.String("task_id", task.ID),
			zap.String("run_id", task.RunID),
			zap.Error(err),
		)
		r.record(ctx, task, robot.TaskFailed)
		return
	}

	var lastErr error
	for attempt := 1; attempt <= r.cfg.MaxRetries; attempt++ {
		lastErr = sink.Deliver(ctx, task, run)
		if lastErr == nil {
			r.record(ctx, task, robot.TaskCompleted)
			return
		}
		task.Retries = attempt
		r.logger.Warn("integration delivery attempt failed",
			zap.String("task_id", task.ID),
			zap.String("kind", string(task.Kind)),
			zap.Int("attempt", attempt),
			zap.Error(lastErr),
		)
		if attempt == r.cfg.MaxRetries {
			break
		}
		if err := r.sleep(ctx, r.cfg.RetryDelay); err != nil {
			break
		}
	}

	r.logger.Error("integration task dropped after exhausting retries",
		zap.String("task_id", task.ID),
		zap.String("kind", string(task.Kind)),
		zap.Error(lastErr),
	)
	r.record(ctx, task, robot.TaskFailed)
}

func (r *Runner) record(ctx context.Context, task robot.IntegrationTask, status robot.TaskStatus) {
	task.Status = status
	if r.store == nil {
		return
	}
	if err := r.store.Record(ctx, task); err != nil {
		r.logger.Warn("record integration task outcome",
			zap.String("task_id", task.ID),
			zap.Error(err),
		)
	}
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
