package robot

import (
	"context"
	"errors"
	"time"
)

// Store lookup errors shared by all implementations.
var (
	ErrRunNotFound   = errors.New("run not found")
	ErrRobotNotFound = errors.New("robot not found")
)

// ErrNoTask is returned by TaskQueue.Dequeue when no task is pending.
var ErrNoTask = errors.New("no pending task")

// RunStore persists run records. Updates are whole-record writes; concurrent
// writers race last-writer-wins and rely on status re-checks to bound the
// damage.
type RunStore interface {
	CreateRun(ctx context.Context, run Run) error
	GetRun(ctx context.Context, runID string) (Run, error)
	UpdateRun(ctx context.Context, run Run) error
}

// RobotStore reads robot definitions and tracks webhook bookkeeping.
type RobotStore interface {
	GetRobot(ctx context.Context, robotID string) (Robot, error)
	ListScheduled(ctx context.Context) ([]Robot, error)
	TouchWebhook(ctx context.Context, robotID, webhookID string, at time.Time) error
}

// BlobStore writes binary artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data []byte) (string, error)
}

// WorkerPool allocates and destroys isolated browser workers. Allocate
// returns a worker ID immediately; browser boot happens asynchronously and
// completion is observed through the readiness channel.
type WorkerPool interface {
	Allocate(ctx context.Context, userID string) (string, error)
	CurrentPage(ctx context.Context, workerID string) (Page, error)
	Destroy(ctx context.Context, workerID, userID string) error
}

// ReadinessChannel is the per-worker transport used once to learn when a
// newly allocated worker has finished initializing. It is disposed
// unconditionally after the single dispatch it gates.
type ReadinessChannel interface {
	// Ready fires once when the worker signals it can accept a run.
	Ready() <-chan struct{}
	// Failed fires when the channel errors or disconnects before readiness.
	Failed() <-chan error
	Close() error
}

// ReadinessDialer opens a readiness channel scoped to one worker.
type ReadinessDialer interface {
	Open(ctx context.Context, workerID string) (ReadinessChannel, error)
}

// Converter renders a single URL into one requested output format.
type Converter interface {
	Convert(ctx context.Context, page Page, url string, format OutputFormat) (ConvertedOutput, error)
}

// Interpreter replays a robot's recorded workflow against the current page.
// The engine may navigate across pages mid-run; it reports every page change
// through onPageChanged so the caller never holds a stale handle.
type Interpreter interface {
	Interpret(ctx context.Context, rb Robot, page Page, onPageChanged func(Page)) (InterpretationResult, error)
}

// Notifier fans a run's lifecycle transitions out to live subscribers,
// webhooks, and integration sinks. Implementations are best-effort and must
// never propagate delivery failures to the caller.
type Notifier interface {
	RunStarted(ctx context.Context, run Run, rb Robot)
	RunFinished(ctx context.Context, run Run, rb Robot)
}

// Credentials is the proxy/credential configuration resolved for a user
// before worker allocation.
type Credentials struct {
	ProxyURL      string
	ProxyUsername string
	ProxyPassword string
}

// CredentialResolver resolves per-user proxy and credential settings.
type CredentialResolver interface {
	Resolve(ctx context.Context, userID string) (Credentials, error)
}

// TaskQueue provides enqueue/dequeue semantics for integration tasks. The
// durable implementation keeps pending deliveries across process restarts.
type TaskQueue interface {
	Enqueue(ctx context.Context, task IntegrationTask) error
	Dequeue(ctx context.Context) (IntegrationTask, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces run and task IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
