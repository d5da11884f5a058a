package sinks

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/webrobots/orchestrator/internal/events"
	"github.com/webrobots/orchestrator/internal/robot"
)

func lifecyclePair(runID, userID string) []events.Event {
	started := time.Now().UTC()
	finished := started.Add(12 * time.Second)
	return []events.Event{
		{
			Kind:    events.KindRunStarted,
			TS:      started,
			RunID:   runID,
			RobotID: "robot-1",
			Status:  robot.RunStatusQueued,
			UserID:  userID,
		},
		{
			Kind:       events.KindRunCompleted,
			TS:         finished,
			RunID:      runID,
			RobotID:    "robot-1",
			Status:     robot.RunStatusSuccess,
			UserID:     userID,
			StartedAt:  &started,
			FinishedAt: &finished,
			Duration:   finished.Sub(started),
		},
	}
}

// TestPrometheusSinkRecordsMetrics ensures counters and histograms are incremented from events.
func TestPrometheusSinkRecordsMetrics(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	sink, err := NewPrometheusSink(reg)
	require.NoError(t, err)

	require.NoError(t, sink.Consume(context.Background(), lifecyclePair("run-1", "user-1")))

	require.Equal(t, 1.0, testutil.ToFloat64(sink.runsStarted))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.runsCompleted.WithLabelValues("success")))
	require.Equal(t, 0.0, testutil.ToFloat64(sink.runsCompleted.WithLabelValues("failed")))
	require.Equal(t, 0.0, testutil.ToFloat64(sink.runsActive))
	require.Equal(t, 1, testutil.CollectAndCount(sink.runDuration, "orchestrator_run_duration_seconds"))
}

func TestPrometheusSinkActiveGaugeSurvivesDuplicates(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	sink, err := NewPrometheusSink(reg)
	require.NoError(t, err)

	pair := lifecyclePair("run-1", "user-1")
	started := pair[0]

	require.NoError(t, sink.Consume(context.Background(), []events.Event{started, started}))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.runsActive))

	require.NoError(t, sink.Consume(context.Background(), []events.Event{pair[1], pair[1]}))
	require.Equal(t, 0.0, testutil.ToFloat64(sink.runsActive))
}

func TestSubscriberSinkRoutesByUser(t *testing.T) {
	t.Parallel()

	sink := NewSubscriberSink(zap.NewNop())
	defer func() { _ = sink.Close(context.Background()) }()

	aliceCh, cancelAlice := sink.Subscribe("alice")
	defer cancelAlice()
	bobCh, cancelBob := sink.Subscribe("bob")
	defer cancelBob()

	require.NoError(t, sink.Consume(context.Background(), lifecyclePair("run-1", "alice")))

	select {
	case evt := <-aliceCh:
		require.Equal(t, "run-1", evt.RunID)
	case <-time.After(time.Second):
		t.Fatal("alice never received her event")
	}
	select {
	case evt := <-bobCh:
		t.Fatalf("bob received alice's event: %+v", evt)
	default:
	}
}

func TestSubscriberSinkCancelClosesChannel(t *testing.T) {
	t.Parallel()

	sink := NewSubscriberSink(zap.NewNop())
	defer func() { _ = sink.Close(context.Background()) }()

	ch, cancel := sink.Subscribe("alice")
	cancel()

	_, open := <-ch
	require.False(t, open)

	// Delivery after cancel is a no-op.
	require.NoError(t, sink.Consume(context.Background(), lifecyclePair("run-1", "alice")))
}

func TestSubscriberSinkSlowSubscriberDoesNotBlock(t *testing.T) {
	t.Parallel()

	sink := NewSubscriberSink(zap.NewNop())
	defer func() { _ = sink.Close(context.Background()) }()

	_, cancel := sink.Subscribe("alice")
	defer cancel()

	// Push far more events than the subscriber buffer holds; Consume must
	// return regardless.
	done := make(chan struct{})
	go func() {
		for i := 0; i < subscriberBuffer*3; i++ {
			_ = sink.Consume(context.Background(), lifecyclePair("run-x", "alice"))
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("consume blocked on a slow subscriber")
	}
}
