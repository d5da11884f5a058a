package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/webrobots/orchestrator/internal/robot"
)

type fixedClock struct {
	t time.Time
}

func (c fixedClock) Now() time.Time { return c.t }

type touchRecorder struct {
	mu      sync.Mutex
	touches []string
}

func (r *touchRecorder) GetRobot(context.Context, string) (robot.Robot, error) {
	return robot.Robot{}, robot.ErrRobotNotFound
}

func (r *touchRecorder) ListScheduled(context.Context) ([]robot.Robot, error) {
	return nil, nil
}

func (r *touchRecorder) TouchWebhook(_ context.Context, _, webhookID string, _ time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.touches = append(r.touches, webhookID)
	return nil
}

func (r *touchRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.touches)
}

func newTestSender(robots robot.RobotStore) (*WebhookSender, *[]time.Duration) {
	sender := NewWebhookSender(robots, fixedClock{t: time.Now()}, WebhookDefaults{
		RetryAttempts: 3,
		RetryDelay:    time.Second,
		Timeout:       time.Second,
	}, zap.NewNop())

	var delays []time.Duration
	sender.sleep = func(_ context.Context, d time.Duration) error {
		delays = append(delays, d)
		return nil
	}
	return sender, &delays
}

func testRun() robot.Run {
	started := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	finished := started.Add(40 * time.Second)
	return robot.Run{
		ID:               "run-1",
		RobotID:          "robot-1",
		UserID:           "user-1",
		Status:           robot.RunStatusSuccess,
		WorkerID:         "worker-1",
		StartedAt:        &started,
		FinishedAt:       &finished,
		StructuredOutput: map[string]any{"titles": []string{"a", "b"}},
	}
}

func TestDeliverRetriesWithExponentialBackoff(t *testing.T) {
	t.Parallel()

	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	robots := &touchRecorder{}
	sender, delays := newTestSender(robots)

	hook := robot.WebhookConfig{
		ID:         "hook-1",
		URL:        srv.URL,
		Active:     true,
		RetryDelay: time.Second,
	}
	err := sender.Deliver(context.Background(), hook, robot.EventRunCompleted, testRun())
	require.NoError(t, err)

	require.Equal(t, 3, calls)
	require.Equal(t, []time.Duration{time.Second, 2 * time.Second}, *delays)
	require.Equal(t, 3, robots.count(), "bookkeeping is stamped before every attempt")
}

func TestDeliverGivesUpAfterConfiguredAttempts(t *testing.T) {
	t.Parallel()

	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	sender, _ := newTestSender(&touchRecorder{})

	hook := robot.WebhookConfig{ID: "hook-1", URL: srv.URL, Active: true, RetryAttempts: 2}
	err := sender.Deliver(context.Background(), hook, robot.EventRunFailed, testRun())
	require.Error(t, err)
	require.Contains(t, err.Error(), "exhausted 2 attempts")
	require.Equal(t, 2, calls)
}

func TestDeliverPayloadShape(t *testing.T) {
	t.Parallel()

	var payload webhookPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	sender, _ := newTestSender(&touchRecorder{})
	run := testRun()

	hook := robot.WebhookConfig{ID: "hook-1", URL: srv.URL, Active: true}
	require.NoError(t, sender.Deliver(context.Background(), hook, robot.EventRunCompleted, run))

	require.Equal(t, "run_completed", payload.EventType)
	require.Equal(t, "hook-1", payload.WebhookID)
	require.Equal(t, run.ID, payload.Data.RunID)
	require.Equal(t, run.RobotID, payload.Data.RobotID)
	require.Equal(t, robot.RunStatusSuccess, payload.Data.Status)
	require.Equal(t, "worker-1", payload.Data.Metadata.BrowserID)
	require.Equal(t, "user-1", payload.Data.Metadata.UserID)
	require.NotNil(t, payload.Data.ExtractedData["titles"])
}

func TestDeliverStopsWhenContextCanceled(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	sender := NewWebhookSender(&touchRecorder{}, fixedClock{t: time.Now()}, WebhookDefaults{
		RetryAttempts: 3,
		RetryDelay:    time.Hour,
	}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	hook := robot.WebhookConfig{ID: "hook-1", URL: srv.URL, Active: true}
	err := sender.Deliver(ctx, hook, robot.EventRunCompleted, testRun())
	require.Error(t, err)
}
