// Package events carries run lifecycle notifications from the orchestrator
// to live subscribers and monitoring sinks.
package events

import (
	"errors"
	"fmt"
	"time"

	"github.com/webrobots/orchestrator/internal/robot"
)

// Kind names a run lifecycle notification.
type Kind string

// Supported event kinds.
const (
	KindRunStarted   Kind = "run-started"
	KindRunCompleted Kind = "run-completed"
)

// Event is one run lifecycle notification. run-started is emitted as soon as
// the run row exists; run-completed follows every terminal transition,
// including failures and aborts.
type Event struct {
	Kind       Kind            `json:"event"`
	TS         time.Time       `json:"ts"`
	RunID      string          `json:"runId"`
	RobotID    string          `json:"robotMetaId"`
	RobotName  string          `json:"robotName"`
	Status     robot.RunStatus `json:"status"`
	UserID     string          `json:"runByUserId"`
	ScheduleID string          `json:"runByScheduleId,omitempty"`
	RunByAPI   bool            `json:"runByAPI"`
	WorkerID   string          `json:"browserId,omitempty"`
	StartedAt  *time.Time      `json:"startedAt,omitempty"`
	FinishedAt *time.Time      `json:"finishedAt,omitempty"`
	Duration   time.Duration   `json:"-"`
}

// Validate performs coarse validation before an event enters the hub.
func (e Event) Validate() error {
	if e.RunID == "" {
		return errors.New("run id is required")
	}
	if e.RobotID == "" {
		return errors.New("robot id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Kind {
	case KindRunStarted:
	case KindRunCompleted:
		if !robot.TerminalStatus(e.Status) {
			return fmt.Errorf("run-completed with non-terminal status %q", e.Status)
		}
	default:
		return fmt.Errorf("unknown event kind %q", e.Kind)
	}
	return nil
}

// FromRun builds a lifecycle event from a run row and its robot.
func FromRun(kind Kind, run robot.Run, rb robot.Robot, now time.Time) Event {
	evt := Event{
		Kind:       kind,
		TS:         now,
		RunID:      run.ID,
		RobotID:    run.RobotID,
		RobotName:  rb.Name,
		Status:     run.Status,
		UserID:     run.UserID,
		ScheduleID: run.ScheduleID,
		RunByAPI:   run.Trigger == robot.TriggerAPI || run.Trigger == robot.TriggerSDK,
		WorkerID:   run.WorkerID,
		StartedAt:  run.StartedAt,
		FinishedAt: run.FinishedAt,
	}
	if run.StartedAt != nil && run.FinishedAt != nil {
		evt.Duration = run.FinishedAt.Sub(*run.StartedAt)
	}
	return evt
}
