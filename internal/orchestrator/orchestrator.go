// Package orchestrator drives robot runs from submission to terminal state:
// worker acquisition, the readiness handshake, bounded-time execution
// dispatch, abort and retry policy, and handoff to the notification fan-out.
package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/webrobots/orchestrator/internal/robot"
	"github.com/webrobots/orchestrator/internal/telemetry"
)

// Config bounds the orchestrator's waits.
type Config struct {
	// ReadinessTimeout bounds the wait for a worker's ready signal (default 30s).
	ReadinessTimeout time.Duration
	// FormatTimeout bounds each scrape format conversion (default 120s).
	FormatTimeout time.Duration
	// WorkflowTimeout bounds one workflow interpretation (default 600s).
	WorkflowTimeout time.Duration
}

// Deps are the collaborators the orchestrator is wired with. All registries
// are injected; the orchestrator holds no package-level state.
type Deps struct {
	Runs        robot.RunStore
	Robots      robot.RobotStore
	Blobs       robot.BlobStore
	Pool        robot.WorkerPool
	Dialer      robot.ReadinessDialer
	Converter   robot.Converter
	Interpreter robot.Interpreter
	Notifier    robot.Notifier
	Clock       robot.Clock
	IDGen       robot.IDGenerator
	Logger      *zap.Logger
}

// Orchestrator owns the run lifecycle.
type Orchestrator struct {
	cfg    Config
	deps   Deps
	logger *zap.Logger

	wg sync.WaitGroup
}

// New validates the wiring and returns an Orchestrator.
func New(cfg Config, deps Deps) (*Orchestrator, error) {
	switch {
	case deps.Runs == nil:
		return nil, fmt.Errorf("run store is required")
	case deps.Robots == nil:
		return nil, fmt.Errorf("robot store is required")
	case deps.Pool == nil:
		return nil, fmt.Errorf("worker pool is required")
	case deps.Dialer == nil:
		return nil, fmt.Errorf("readiness dialer is required")
	case deps.Clock == nil:
		return nil, fmt.Errorf("clock is required")
	case deps.IDGen == nil:
		return nil, fmt.Errorf("id generator is required")
	}
	if cfg.ReadinessTimeout <= 0 {
		cfg.ReadinessTimeout = 30 * time.Second
	}
	if cfg.FormatTimeout <= 0 {
		cfg.FormatTimeout = 120 * time.Second
	}
	if cfg.WorkflowTimeout <= 0 {
		cfg.WorkflowTimeout = 600 * time.Second
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &Orchestrator{cfg: cfg, deps: deps, logger: deps.Logger}, nil
}

// Start validates the request, allocates a worker, creates the run record,
// and kicks off acquisition in the background. The returned run is in the
// queued state; callers poll or subscribe for progress.
func (o *Orchestrator) Start(ctx context.Context, robotID, userID string, trigger robot.TriggerKind, scheduleID string) (robot.Run, error) {
	rb, err := o.deps.Robots.GetRobot(ctx, robotID)
	if err != nil {
		return robot.Run{}, fmt.Errorf("load robot %s: %w", robotID, err)
	}
	if rb.UserID != userID {
		return robot.Run{}, fmt.Errorf("robot %s is not owned by user %s", robotID, userID)
	}

	workerID, err := o.deps.Pool.Allocate(ctx, userID)
	if err != nil {
		return robot.Run{}, fmt.Errorf("allocate worker: %w", err)
	}

	runID, err := o.deps.IDGen.NewID()
	if err != nil {
		o.releaseWorker(ctx, workerID, userID)
		return robot.Run{}, fmt.Errorf("generate run id: %w", err)
	}
	run := robot.Run{
		ID:         runID,
		RobotID:    robotID,
		UserID:     userID,
		Status:     robot.RunStatusQueued,
		Trigger:    trigger,
		ScheduleID: scheduleID,
		WorkerID:   workerID,
	}
	if err := o.deps.Runs.CreateRun(ctx, run); err != nil {
		o.releaseWorker(ctx, workerID, userID)
		return robot.Run{}, fmt.Errorf("create run: %w", err)
	}

	if o.deps.Notifier != nil {
		o.deps.Notifier.RunStarted(ctx, run, rb)
	}

	o.wg.Add(1)
	go func(bg context.Context) {
		defer o.wg.Done()
		o.acquire(bg, run)
	}(context.WithoutCancel(ctx))

	return run, nil
}

// acquire opens the readiness channel, waits for the worker, and invokes
// dispatch exactly once. The channel is disposed unconditionally; a failure
// before readiness destroys the worker and fails the run without executing.
func (o *Orchestrator) acquire(ctx context.Context, run robot.Run) {
	ch, err := o.deps.Dialer.Open(ctx, run.WorkerID)
	if err != nil {
		o.failBeforeExecution(ctx, run.ID, fmt.Errorf("open readiness channel: %w", err))
		return
	}
	defer func() { _ = ch.Close() }()

	timer := time.NewTimer(o.cfg.ReadinessTimeout)
	defer timer.Stop()

	select {
	case <-ch.Ready():
	case err := <-ch.Failed():
		o.failBeforeExecution(ctx, run.ID, fmt.Errorf("worker acquisition failed: %w", err))
		return
	case <-timer.C:
		o.failBeforeExecution(ctx, run.ID, fmt.Errorf("worker %s not ready within %s", run.WorkerID, o.cfg.ReadinessTimeout))
		return
	case <-ctx.Done():
		o.failBeforeExecution(ctx, run.ID, fmt.Errorf("acquisition canceled: %w", ctx.Err()))
		return
	}

	if err := o.markRunning(ctx, run.ID); err != nil {
		o.logger.Warn("run not started after readiness",
			zap.String("run_id", run.ID),
			zap.Error(err),
		)
		return
	}
	if err := o.Dispatch(ctx, run.ID); err != nil {
		o.logger.Error("dispatch failed", zap.String("run_id", run.ID), zap.Error(err))
	}
}

// markRunning advances queued → running and stamps StartedAt. An abort that
// landed during the handshake makes the transition illegal and the run is
// left alone.
func (o *Orchestrator) markRunning(ctx context.Context, runID string) error {
	run, err := o.deps.Runs.GetRun(ctx, runID)
	if err != nil {
		return fmt.Errorf("load run: %w", err)
	}
	if err := robot.Transition(run.Status, robot.RunStatusRunning); err != nil {
		return err
	}
	now := o.deps.Clock.Now().UTC()
	run.Status = robot.RunStatusRunning
	run.StartedAt = &now
	if err := o.deps.Runs.UpdateRun(ctx, run); err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	return nil
}

// Dispatch executes one run attempt. It re-reads the run first: aborted,
// aborting, and stale queued runs are no-ops, and a run that already spent
// its retry budget is failed without touching the automation engine.
func (o *Orchestrator) Dispatch(ctx context.Context, runID string) error {
	ctx, span := telemetry.StartSpan(ctx, "run.dispatch")
	defer span.End()

	run, err := o.deps.Runs.GetRun(ctx, runID)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("load run %s: %w", runID, err)
	}
	span.SetAttributes(
		telemetry.AttrRunID.String(run.ID),
		telemetry.AttrRobotID.String(run.RobotID),
		telemetry.AttrStatus.String(string(run.Status)),
	)

	switch run.Status {
	case robot.RunStatusAborted, robot.RunStatusAborting:
		o.observeAbort(ctx, run)
		return nil
	case robot.RunStatusQueued:
		// Stale entry; nothing at this layer restarts queued runs.
		o.logger.Warn("skipping stale queued run", zap.String("run_id", run.ID))
		return nil
	case robot.RunStatusSuccess, robot.RunStatusFailed:
		return nil
	}

	if run.RetryCount >= robot.MaxRetries {
		run.Log = appendLog(run.Log, "max retries exceeded")
		o.finish(ctx, run, robot.RunStatusFailed)
		return nil
	}

	rb, err := o.deps.Robots.GetRobot(ctx, run.RobotID)
	if err != nil {
		o.failExecution(ctx, run, fmt.Errorf("load robot %s: %w", run.RobotID, err))
		return nil
	}
	page, err := o.deps.Pool.CurrentPage(ctx, run.WorkerID)
	if err != nil {
		o.failExecution(ctx, run, fmt.Errorf("current page for worker %s: %w", run.WorkerID, err))
		return nil
	}

	if rb.Type == robot.RobotTypeScrape {
		err = o.dispatchScrape(ctx, &run, rb, page)
	} else {
		err = o.dispatchWorkflow(ctx, &run, rb, page)
	}
	if err != nil {
		o.failExecution(ctx, run, err)
		return nil
	}

	o.finish(ctx, run, robot.RunStatusSuccess)
	return nil
}

// dispatchScrape converts each requested format under its own deadline.
// A format failure is logged and omitted; it never fails the run.
func (o *Orchestrator) dispatchScrape(ctx context.Context, run *robot.Run, rb robot.Robot, page robot.Page) error {
	if len(rb.TargetURLs) == 0 {
		return fmt.Errorf("scrape robot %s has no target url", rb.ID)
	}
	url := rb.TargetURLs[0]
	formats := rb.OutputFormats
	if len(formats) == 0 {
		formats = []robot.OutputFormat{robot.FormatMarkdown}
	}

	structured := make(map[string]any)
	binaries := make(map[string][]byte)
	for _, format := range formats {
		out, err := o.convertFormat(ctx, page, url, format)
		if err != nil {
			run.Log = appendLog(run.Log, fmt.Sprintf("format %s failed: %v", format, err))
			o.logger.Warn("format conversion failed",
				zap.String("run_id", run.ID),
				zap.String("format", string(format)),
				zap.Error(err),
			)
			continue
		}
		if out.Data != nil {
			binaries[string(format)] = out.Data
		} else {
			structured[string(format)] = out.Text
		}
		run.Log = appendLog(run.Log, fmt.Sprintf("format %s captured", format))
	}
	run.StructuredOutput = structured

	return o.persistBinaries(ctx, run, binaries)
}

func (o *Orchestrator) convertFormat(ctx context.Context, page robot.Page, url string, format robot.OutputFormat) (robot.ConvertedOutput, error) {
	formatCtx, cancel := context.WithTimeout(ctx, o.cfg.FormatTimeout)
	defer cancel()
	return o.deps.Converter.Convert(formatCtx, page, url, format)
}

// dispatchWorkflow runs full interpretation under the workflow deadline. The
// engine may navigate mid-run; the current page pointer is refreshed through
// the callback so artifacts come from the page the run actually ended on.
func (o *Orchestrator) dispatchWorkflow(ctx context.Context, run *robot.Run, rb robot.Robot, page robot.Page) error {
	runCtx, cancel := context.WithTimeout(ctx, o.cfg.WorkflowTimeout)
	defer cancel()

	current := page
	result, err := o.deps.Interpreter.Interpret(runCtx, rb, page, func(p robot.Page) {
		current = p
	})
	if err != nil {
		return fmt.Errorf("interpret workflow: %w", err)
	}
	if current.URL != "" {
		run.Log = appendLog(run.Log, fmt.Sprintf("finished on %s", current.URL))
	}

	run.StructuredOutput = result.StructuredOutput
	run.Log = appendLog(run.Log, result.Log)
	return o.persistBinaries(ctx, run, result.BinaryOutput)
}

// persistBinaries records the run before uploading, then re-updates it with
// storage references. A reference is never written before its bytes exist.
func (o *Orchestrator) persistBinaries(ctx context.Context, run *robot.Run, binaries map[string][]byte) error {
	if len(binaries) == 0 {
		return nil
	}
	if o.deps.Blobs == nil {
		run.Log = appendLog(run.Log, fmt.Sprintf("%d binary artifacts discarded: no blob store configured", len(binaries)))
		return nil
	}
	if err := o.deps.Runs.UpdateRun(ctx, *run); err != nil {
		return fmt.Errorf("persist run before upload: %w", err)
	}

	refs := make(map[string]string, len(binaries))
	for name, data := range binaries {
		path := fmt.Sprintf("runs/%s/%s%s", run.ID, name, artifactExt(name))
		uri, err := o.deps.Blobs.PutObject(ctx, path, artifactContentType(name), data)
		if err != nil {
			run.Log = appendLog(run.Log, fmt.Sprintf("artifact %s upload failed: %v", name, err))
			o.logger.Warn("artifact upload failed",
				zap.String("run_id", run.ID),
				zap.String("artifact", name),
				zap.Error(err),
			)
			continue
		}
		refs[name] = uri
	}
	run.BinaryOutput = refs
	return nil
}

// finish writes the terminal status exactly once, releases the worker, and
// fans out notifications. Cleanup steps are independently guarded.
func (o *Orchestrator) finish(ctx context.Context, run robot.Run, status robot.RunStatus) {
	if err := robot.Transition(run.Status, status); err != nil {
		o.logger.Warn("terminal transition refused",
			zap.String("run_id", run.ID),
			zap.String("from", string(run.Status)),
			zap.String("to", string(status)),
		)
		return
	}
	now := o.deps.Clock.Now().UTC()
	run.Status = status
	run.FinishedAt = &now
	if err := o.deps.Runs.UpdateRun(ctx, run); err != nil {
		o.logger.Error("persist terminal run", zap.String("run_id", run.ID), zap.Error(err))
	}

	o.releaseWorker(ctx, run.WorkerID, run.UserID)
	o.notifyFinished(ctx, run)
}

// failExecution is the outer failure handler for dispatch: record the error,
// mark failed, release the worker, notify. Nothing here propagates.
func (o *Orchestrator) failExecution(ctx context.Context, run robot.Run, cause error) {
	run.Log = appendLog(run.Log, cause.Error())
	o.logger.Error("run execution failed", zap.String("run_id", run.ID), zap.Error(cause))
	o.finish(ctx, run, robot.RunStatusFailed)
}

// failBeforeExecution handles acquisition failures: the worker never became
// ready, so it is destroyed and the run fails without executing.
func (o *Orchestrator) failBeforeExecution(ctx context.Context, runID string, cause error) {
	run, err := o.deps.Runs.GetRun(ctx, runID)
	if err != nil {
		o.logger.Error("load run after acquisition failure",
			zap.String("run_id", runID),
			zap.Error(err),
		)
		return
	}
	if run.Terminal() {
		return
	}
	run.Log = appendLog(run.Log, cause.Error())
	o.logger.Warn("worker acquisition failed", zap.String("run_id", run.ID), zap.Error(cause))
	o.finish(ctx, run, robot.RunStatusFailed)
}

// observeAbort completes an abort the dispatcher noticed: the worker is
// released and, for a run still mid-abort, the status settles to aborted.
func (o *Orchestrator) observeAbort(ctx context.Context, run robot.Run) {
	if run.Status == robot.RunStatusAborting {
		now := o.deps.Clock.Now().UTC()
		run.Status = robot.RunStatusAborted
		run.FinishedAt = &now
		if err := o.deps.Runs.UpdateRun(ctx, run); err != nil {
			o.logger.Error("settle aborting run", zap.String("run_id", run.ID), zap.Error(err))
		}
	}
	o.releaseWorker(ctx, run.WorkerID, run.UserID)
	o.notifyFinished(ctx, run)
}

// Abort rewrites the status of a queued or running run to aborted. It never
// touches other fields and does not kill the worker; the dispatch path
// releases the worker when it observes the aborted status.
func (o *Orchestrator) Abort(ctx context.Context, runID string) (robot.Run, error) {
	run, err := o.deps.Runs.GetRun(ctx, runID)
	if err != nil {
		return robot.Run{}, fmt.Errorf("load run %s: %w", runID, err)
	}
	if run.Status != robot.RunStatusQueued && run.Status != robot.RunStatusRunning {
		return robot.Run{}, fmt.Errorf("%w: %s -> %s", robot.ErrIllegalTransition, run.Status, robot.RunStatusAborted)
	}
	run.Status = robot.RunStatusAborted
	if err := o.deps.Runs.UpdateRun(ctx, run); err != nil {
		return robot.Run{}, fmt.Errorf("update run: %w", err)
	}
	return run, nil
}

// Retry re-executes a failed run on a fresh worker, reusing the run ID.
// Execution is refused once the retry budget is spent.
func (o *Orchestrator) Retry(ctx context.Context, runID string) (robot.Run, error) {
	run, err := o.deps.Runs.GetRun(ctx, runID)
	if err != nil {
		return robot.Run{}, fmt.Errorf("load run %s: %w", runID, err)
	}
	if err := robot.Transition(run.Status, robot.RunStatusQueued); err != nil {
		return robot.Run{}, fmt.Errorf("retry run %s: %w", runID, err)
	}
	if run.RetryCount >= robot.MaxRetries {
		return robot.Run{}, fmt.Errorf("run %s exhausted its %d retries", runID, robot.MaxRetries)
	}
	rb, err := o.deps.Robots.GetRobot(ctx, run.RobotID)
	if err != nil {
		return robot.Run{}, fmt.Errorf("load robot %s: %w", run.RobotID, err)
	}

	workerID, err := o.deps.Pool.Allocate(ctx, run.UserID)
	if err != nil {
		return robot.Run{}, fmt.Errorf("allocate worker: %w", err)
	}

	run.Status = robot.RunStatusQueued
	run.RetryCount++
	run.WorkerID = workerID
	run.StartedAt = nil
	run.FinishedAt = nil
	run.Log = appendLog(run.Log, fmt.Sprintf("retry attempt %d", run.RetryCount))
	if err := o.deps.Runs.UpdateRun(ctx, run); err != nil {
		o.releaseWorker(ctx, workerID, run.UserID)
		return robot.Run{}, fmt.Errorf("update run: %w", err)
	}

	if o.deps.Notifier != nil {
		o.deps.Notifier.RunStarted(ctx, run, rb)
	}

	o.wg.Add(1)
	go func(bg context.Context) {
		defer o.wg.Done()
		o.acquire(bg, run)
	}(context.WithoutCancel(ctx))

	return run, nil
}

// Result returns the run together with its robot definition.
func (o *Orchestrator) Result(ctx context.Context, runID string) (robot.RunResult, error) {
	run, err := o.deps.Runs.GetRun(ctx, runID)
	if err != nil {
		return robot.RunResult{}, fmt.Errorf("load run %s: %w", runID, err)
	}
	rb, err := o.deps.Robots.GetRobot(ctx, run.RobotID)
	if err != nil {
		return robot.RunResult{}, fmt.Errorf("load robot %s: %w", run.RobotID, err)
	}
	return robot.RunResult{Run: run, Robot: rb}, nil
}

// Wait blocks until all in-flight acquisitions and dispatches finish.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

func (o *Orchestrator) releaseWorker(ctx context.Context, workerID, userID string) {
	if workerID == "" {
		return
	}
	if err := o.deps.Pool.Destroy(ctx, workerID, userID); err != nil {
		o.logger.Warn("release worker",
			zap.String("worker_id", workerID),
			zap.Error(err),
		)
	}
}

func (o *Orchestrator) notifyFinished(ctx context.Context, run robot.Run) {
	if o.deps.Notifier == nil {
		return
	}
	rb, err := o.deps.Robots.GetRobot(ctx, run.RobotID)
	if err != nil {
		o.logger.Warn("load robot for fan-out", zap.String("run_id", run.ID), zap.Error(err))
		rb = robot.Robot{ID: run.RobotID}
	}
	o.deps.Notifier.RunFinished(ctx, run, rb)
}

func appendLog(log, line string) string {
	line = strings.TrimRight(line, "\n")
	if line == "" {
		return log
	}
	if log == "" {
		return line + "\n"
	}
	return log + line + "\n"
}

func artifactExt(name string) string {
	if strings.HasPrefix(name, string(robot.FormatScreenshot)) {
		return ".png"
	}
	return ""
}

func artifactContentType(name string) string {
	if strings.HasPrefix(name, string(robot.FormatScreenshot)) {
		return "image/png"
	}
	return "application/octet-stream"
}
