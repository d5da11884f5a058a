package events

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/webrobots/orchestrator/internal/robot"
)

type captureSink struct {
	mu     sync.Mutex
	events []Event
	closed bool
}

func (s *captureSink) Consume(_ context.Context, batch []Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, batch...)
	return nil
}

func (s *captureSink) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *captureSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

func validEvent(runID string) Event {
	return Event{
		Kind:    KindRunStarted,
		TS:      time.Now().UTC(),
		RunID:   runID,
		RobotID: "robot-1",
		Status:  robot.RunStatusQueued,
		UserID:  "user-1",
	}
}

func TestHubDeliversEventsToSinks(t *testing.T) {
	t.Parallel()

	sink := &captureSink{}
	h := NewHub(HubConfig{MaxWait: 10 * time.Millisecond}, sink)
	defer func() { _ = h.Close(context.Background()) }()

	h.Emit(validEvent("run-1"))
	h.Emit(validEvent("run-2"))

	require.Eventually(t, func() bool {
		return sink.count() == 2
	}, time.Second, 10*time.Millisecond)
}

func TestHubDiscardsInvalidEvents(t *testing.T) {
	t.Parallel()

	sink := &captureSink{}
	h := NewHub(HubConfig{MaxWait: 10 * time.Millisecond}, sink)
	defer func() { _ = h.Close(context.Background()) }()

	h.Emit(Event{Kind: KindRunStarted})
	h.Emit(Event{Kind: "bogus", RunID: "r", RobotID: "b", TS: time.Now()})
	h.Emit(validEvent("run-1"))

	require.Eventually(t, func() bool {
		return sink.count() == 1
	}, time.Second, 10*time.Millisecond)
	require.Equal(t, "run-1", sink.events[0].RunID)
}

func TestHubEmitNeverBlocksWhenFull(t *testing.T) {
	t.Parallel()

	// No sink drains in time, tiny buffer: excess emits must be dropped,
	// not block.
	h := NewHub(HubConfig{BufferSize: 1, MaxBatch: 100, MaxWait: time.Hour})
	defer func() { _ = h.Close(context.Background()) }()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 50; i++ {
			h.Emit(validEvent("run-x"))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("emit blocked on a full buffer")
	}
	require.Positive(t, h.Dropped())
}

func TestHubCloseDrainsAndClosesSinks(t *testing.T) {
	t.Parallel()

	sink := &captureSink{}
	h := NewHub(HubConfig{MaxWait: time.Hour}, sink)

	h.Emit(validEvent("run-1"))
	require.NoError(t, h.Close(context.Background()))

	require.Equal(t, 1, sink.count())
	require.True(t, sink.closed)

	// Emitting after close is a no-op.
	h.Emit(validEvent("run-2"))
	require.Equal(t, 1, sink.count())
}

func TestRunCompletedRequiresTerminalStatus(t *testing.T) {
	t.Parallel()

	evt := validEvent("run-1")
	evt.Kind = KindRunCompleted
	evt.Status = robot.RunStatusRunning
	require.Error(t, evt.Validate())

	evt.Status = robot.RunStatusSuccess
	require.NoError(t, evt.Validate())
}
