// Package robot defines core types shared across subsystems.
package robot

import (
	"context"
	"time"
)

// RunStatus represents the lifecycle state of a robot run.
type RunStatus string

// Run status values persisted in the run store.
const (
	RunStatusQueued   RunStatus = "queued"
	RunStatusRunning  RunStatus = "running"
	RunStatusSuccess  RunStatus = "success"
	RunStatusFailed   RunStatus = "failed"
	RunStatusAborting RunStatus = "aborting"
	RunStatusAborted  RunStatus = "aborted"
)

// MaxRetries is the hard cap on per-run retry attempts. A run whose
// RetryCount has reached this value is refused execution.
const MaxRetries = 3

// TriggerKind records how a run was requested.
type TriggerKind string

// Supported run triggers.
const (
	TriggerManual   TriggerKind = "manual"
	TriggerAPI      TriggerKind = "api"
	TriggerSDK      TriggerKind = "sdk"
	TriggerSchedule TriggerKind = "schedule"
)

// Run is the metadata persisted for each execution attempt of a robot.
// Retries reuse the same run ID; each physical attempt writes its terminal
// status exactly once.
type Run struct {
	ID               string            `json:"id"`
	RobotID          string            `json:"robot_id"`
	UserID           string            `json:"user_id"`
	Status           RunStatus         `json:"status"`
	Trigger          TriggerKind       `json:"trigger"`
	ScheduleID       string            `json:"schedule_id,omitempty"`
	WorkerID         string            `json:"worker_id,omitempty"`
	StartedAt        *time.Time        `json:"started_at,omitempty"`
	FinishedAt       *time.Time        `json:"finished_at,omitempty"`
	RetryCount       int               `json:"retry_count"`
	StructuredOutput map[string]any    `json:"structured_output,omitempty"`
	BinaryOutput     map[string]string `json:"binary_output,omitempty"`
	Log              string            `json:"log,omitempty"`
}

// Terminal reports whether the run has reached a final state. Terminal runs
// are immutable except for downstream integration bookkeeping.
func (r Run) Terminal() bool {
	return TerminalStatus(r.Status)
}

// RobotType selects the execution mode for a robot.
type RobotType string

// Supported robot types. Scrape runs in content-conversion mode; the rest
// run full workflow interpretation.
const (
	RobotTypeExtract RobotType = "extract"
	RobotTypeScrape  RobotType = "scrape"
	RobotTypeCrawl   RobotType = "crawl"
	RobotTypeSearch  RobotType = "search"
)

// OutputFormat names a content-conversion artifact for scrape robots.
type OutputFormat string

// Supported scrape output formats.
const (
	FormatMarkdown           OutputFormat = "markdown"
	FormatHTML               OutputFormat = "html"
	FormatScreenshot         OutputFormat = "screenshot"
	FormatScreenshotFullPage OutputFormat = "screenshot-fullpage"
)

// StepAction is one recorded action kind inside a robot workflow.
type StepAction string

// Supported workflow step actions.
const (
	ActionNavigate StepAction = "navigate"
	ActionClick    StepAction = "click"
	ActionType     StepAction = "type"
	ActionWaitFor  StepAction = "wait_for"
	ActionExtract  StepAction = "extract"
)

// Step is a single recorded workflow action. The interpreter executes steps
// in order against the current page.
type Step struct {
	Action   StepAction `json:"action"`
	Selector string     `json:"selector,omitempty"`
	Value    string     `json:"value,omitempty"`
	Category string     `json:"category,omitempty"`
}

// Robot is a stored, reusable browser-automation procedure definition. It is
// a read-only input to a run and never mutated by the orchestrator.
type Robot struct {
	ID            string              `json:"id"`
	UserID        string              `json:"user_id"`
	Name          string              `json:"name"`
	Type          RobotType           `json:"type"`
	TargetURLs    []string            `json:"target_urls"`
	Steps         []Step              `json:"steps,omitempty"`
	OutputFormats []OutputFormat      `json:"output_formats,omitempty"`
	Webhooks      []WebhookConfig     `json:"webhooks,omitempty"`
	Integrations  []IntegrationConfig `json:"integrations,omitempty"`
	CronSpec      string              `json:"cron_spec,omitempty"`
}

// WebhookEvent names a run lifecycle event a webhook may subscribe to.
type WebhookEvent string

// Webhook-subscribable events.
const (
	EventRunCompleted WebhookEvent = "run_completed"
	EventRunFailed    WebhookEvent = "run_failed"
)

// WebhookConfig describes one webhook registered on a robot. URLs are unique
// per robot. LastCalledAt is stamped before every delivery attempt, success
// or failure.
type WebhookConfig struct {
	ID            string         `json:"id"`
	URL           string         `json:"url"`
	Events        []WebhookEvent `json:"events"`
	Active        bool           `json:"active"`
	RetryAttempts int            `json:"retry_attempts"`
	RetryDelay    time.Duration  `json:"retry_delay"`
	Timeout       time.Duration  `json:"timeout"`
	LastCalledAt  *time.Time     `json:"last_called_at,omitempty"`
}

// SubscribedTo reports whether the webhook wants the given event.
func (w WebhookConfig) SubscribedTo(event WebhookEvent) bool {
	for _, e := range w.Events {
		if e == event {
			return true
		}
	}
	return false
}

// SinkKind identifies a third-party integration sink type.
type SinkKind string

// Supported integration sinks.
const (
	SinkSpreadsheet SinkKind = "spreadsheet"
	SinkBase        SinkKind = "base"
	SinkWorkflow    SinkKind = "workflow"
)

// IntegrationConfig binds a robot to one third-party sink.
type IntegrationConfig struct {
	Kind   SinkKind `json:"kind"`
	Target string   `json:"target"`
}

// TaskStatus is the lifecycle state of an integration task.
type TaskStatus string

// Integration task states.
const (
	TaskPending   TaskStatus = "pending"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
)

// IntegrationTask is one queued unit of work pushing a completed run's data
// into a third-party sink.
type IntegrationTask struct {
	ID      string     `json:"id"`
	RunID   string     `json:"run_id"`
	RobotID string     `json:"robot_id"`
	Kind    SinkKind   `json:"kind"`
	Target  string     `json:"target"`
	Status  TaskStatus `json:"status"`
	Retries int        `json:"retries"`
}

// Page is an opaque handle to a live browser page. Ctx is the browser task
// context the automation engine runs actions against; the interpreter swaps
// the handle out through its page-change callback when it navigates to a new
// target, so callers must always re-read the current page rather than cache
// one.
type Page struct {
	WorkerID string
	Ctx      context.Context
	URL      string
}

// ConvertedOutput is the result of converting one page into one output
// format. Text formats fill Text; image formats fill Data.
type ConvertedOutput struct {
	Text string
	Data []byte
}

// InterpretationResult carries the outputs of workflow interpretation.
type InterpretationResult struct {
	StructuredOutput map[string]any
	BinaryOutput     map[string][]byte
	Log              string
}

// RunResult is returned by the API result endpoint.
type RunResult struct {
	Run   Run   `json:"run"`
	Robot Robot `json:"robot"`
}
