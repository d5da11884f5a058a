package notify

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/webrobots/orchestrator/internal/events"
	"github.com/webrobots/orchestrator/internal/robot"
)

type captureEmitter struct {
	mu     sync.Mutex
	events []events.Event
}

func (e *captureEmitter) Emit(evt events.Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, evt)
}

func (e *captureEmitter) kinds() []events.Kind {
	e.mu.Lock()
	defer e.mu.Unlock()
	kinds := make([]events.Kind, 0, len(e.events))
	for _, evt := range e.events {
		kinds = append(kinds, evt.Kind)
	}
	return kinds
}

type captureQueue struct {
	mu    sync.Mutex
	tasks []robot.IntegrationTask
	err   error
}

func (q *captureQueue) Enqueue(_ context.Context, task robot.IntegrationTask) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.tasks = append(q.tasks, task)
	return nil
}

func (q *captureQueue) Dequeue(context.Context) (robot.IntegrationTask, error) {
	return robot.IntegrationTask{}, fmt.Errorf("empty")
}

type seqIDs struct {
	n atomic.Int64
}

func (g *seqIDs) NewID() (string, error) {
	return fmt.Sprintf("task-%d", g.n.Add(1)), nil
}

func newTestFanout(sender *WebhookSender, queue robot.TaskQueue) (*Fanout, *captureEmitter) {
	emitter := &captureEmitter{}
	f := NewFanout(emitter, sender, queue, &seqIDs{}, fixedClock{t: time.Now()}, zap.NewNop())
	return f, emitter
}

func webhookRobot(url string) robot.Robot {
	return robot.Robot{
		ID:     "robot-1",
		UserID: "user-1",
		Name:   "price watcher",
		Webhooks: []robot.WebhookConfig{
			{
				ID:     "hook-completed",
				URL:    url,
				Active: true,
				Events: []robot.WebhookEvent{robot.EventRunCompleted},
			},
			{
				ID:     "hook-inactive",
				URL:    url,
				Active: false,
				Events: []robot.WebhookEvent{robot.EventRunCompleted},
			},
			{
				ID:     "hook-failed-only",
				URL:    url,
				Active: true,
				Events: []robot.WebhookEvent{robot.EventRunFailed},
			},
		},
		Integrations: []robot.IntegrationConfig{
			{Kind: robot.SinkSpreadsheet, Target: "book.xlsx"},
			{Kind: robot.SinkWorkflow, Target: "https://flows.example.com/hook"},
		},
	}
}

func TestRunFinishedDeliversToSubscribedActiveWebhooksOnly(t *testing.T) {
	t.Parallel()

	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	sender, _ := newTestSender(&touchRecorder{})
	f, emitter := newTestFanout(sender, &captureQueue{})

	f.RunFinished(context.Background(), testRun(), webhookRobot(srv.URL))
	f.Wait()

	// Inactive hook and failed-only hook are skipped for a successful run.
	require.Equal(t, int64(1), calls.Load())
	require.Equal(t, []events.Kind{events.KindRunCompleted}, emitter.kinds())
}

func TestRunFinishedEnqueuesIntegrationsOnSuccess(t *testing.T) {
	t.Parallel()

	queue := &captureQueue{}
	f, _ := newTestFanout(nil, queue)

	f.RunFinished(context.Background(), testRun(), webhookRobot("http://unused.invalid"))
	f.Wait()

	require.Len(t, queue.tasks, 2)
	require.Equal(t, robot.SinkSpreadsheet, queue.tasks[0].Kind)
	require.Equal(t, robot.TaskPending, queue.tasks[0].Status)
	require.Equal(t, "run-1", queue.tasks[0].RunID)
}

func TestRunFinishedSkipsIntegrationsOnFailure(t *testing.T) {
	t.Parallel()

	queue := &captureQueue{}
	f, emitter := newTestFanout(nil, queue)

	run := testRun()
	run.Status = robot.RunStatusFailed
	f.RunFinished(context.Background(), run, webhookRobot("http://unused.invalid"))
	f.Wait()

	require.Empty(t, queue.tasks)
	require.Equal(t, []events.Kind{events.KindRunCompleted}, emitter.kinds())
}

func TestRunFinishedAbortedSkipsWebhooks(t *testing.T) {
	t.Parallel()

	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	sender, _ := newTestSender(&touchRecorder{})
	f, emitter := newTestFanout(sender, &captureQueue{})

	run := testRun()
	run.Status = robot.RunStatusAborted
	f.RunFinished(context.Background(), run, webhookRobot(srv.URL))
	f.Wait()

	require.Equal(t, int64(0), calls.Load())
	require.Equal(t, []events.Kind{events.KindRunCompleted}, emitter.kinds())
}

func TestEnqueueFailureDoesNotStopRemainingTargets(t *testing.T) {
	t.Parallel()

	queue := &captureQueue{err: fmt.Errorf("broker down")}
	f, emitter := newTestFanout(nil, queue)

	f.RunFinished(context.Background(), testRun(), webhookRobot("http://unused.invalid"))
	f.Wait()

	// The live event still went out despite the queue failing.
	require.Equal(t, []events.Kind{events.KindRunCompleted}, emitter.kinds())
}

func TestRunStartedEmitsLiveEvent(t *testing.T) {
	t.Parallel()

	f, emitter := newTestFanout(nil, &captureQueue{})

	run := testRun()
	run.Status = robot.RunStatusQueued
	run.FinishedAt = nil
	f.RunStarted(context.Background(), run, webhookRobot("http://unused.invalid"))

	require.Equal(t, []events.Kind{events.KindRunStarted}, emitter.kinds())
}
