package readiness

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestBrokerSignalBeforeOpenIsReplayed(t *testing.T) {
	t.Parallel()

	broker := NewBroker()
	broker.SignalReady("worker-1")

	ch, err := broker.Open(context.Background(), "worker-1")
	require.NoError(t, err)
	defer func() { _ = ch.Close() }()

	select {
	case <-ch.Ready():
	case <-time.After(time.Second):
		t.Fatal("expected replayed ready signal")
	}
}

func TestBrokerRepeatedReadySignals(t *testing.T) {
	t.Parallel()

	// A worker that finishes booting before the orchestrator opens the
	// channel signals first and Open replays; both paths must be able to
	// fire ready without panicking.
	broker := NewBroker()
	broker.SignalReady("worker-1")
	broker.SignalReady("worker-1")

	ch, err := broker.Open(context.Background(), "worker-1")
	require.NoError(t, err)
	defer func() { _ = ch.Close() }()

	broker.SignalReady("worker-1")

	select {
	case <-ch.Ready():
	case <-time.After(time.Second):
		t.Fatal("expected ready signal")
	}
}

func TestBrokerSignalAfterOpen(t *testing.T) {
	t.Parallel()

	broker := NewBroker()
	ch, err := broker.Open(context.Background(), "worker-2")
	require.NoError(t, err)
	defer func() { _ = ch.Close() }()

	go broker.SignalReady("worker-2")

	select {
	case <-ch.Ready():
	case <-time.After(time.Second):
		t.Fatal("expected ready signal")
	}
}

func TestBrokerErrorBeforeReadiness(t *testing.T) {
	t.Parallel()

	broker := NewBroker()
	ch, err := broker.Open(context.Background(), "worker-3")
	require.NoError(t, err)
	defer func() { _ = ch.Close() }()

	go broker.SignalError("worker-3", context.DeadlineExceeded)

	select {
	case err := <-ch.Failed():
		require.ErrorIs(t, err, context.DeadlineExceeded)
	case <-time.After(time.Second):
		t.Fatal("expected failure signal")
	}
}

func TestBrokerRequiresWorkerID(t *testing.T) {
	t.Parallel()

	_, err := NewBroker().Open(context.Background(), "")
	require.Error(t, err)
}

func serveReadiness(t *testing.T, frames []readinessFrame) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer func() { _ = conn.Close() }()
		for _, frame := range frames {
			require.NoError(t, conn.WriteJSON(frame))
		}
		// Hold the connection open; the dialer closes from its side.
		time.Sleep(200 * time.Millisecond)
	}))
}

func TestWebsocketDialerReady(t *testing.T) {
	t.Parallel()

	srv := serveReadiness(t, []readinessFrame{
		{Event: "booting"},
		{Event: eventReadyForRun},
	})
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	dialer, err := NewWebsocketDialer(wsURL, time.Second, zap.NewNop())
	require.NoError(t, err)

	ch, err := dialer.Open(context.Background(), "worker-1")
	require.NoError(t, err)
	defer func() { _ = ch.Close() }()

	select {
	case <-ch.Ready():
	case err := <-ch.Failed():
		t.Fatalf("unexpected failure: %v", err)
	case <-time.After(time.Second):
		t.Fatal("expected readiness")
	}
}

func TestWebsocketDialerDisconnectBeforeReady(t *testing.T) {
	t.Parallel()

	srv := serveReadiness(t, []readinessFrame{{Event: eventDisconnect}})
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	dialer, err := NewWebsocketDialer(wsURL, time.Second, zap.NewNop())
	require.NoError(t, err)

	ch, err := dialer.Open(context.Background(), "worker-1")
	require.NoError(t, err)
	defer func() { _ = ch.Close() }()

	select {
	case <-ch.Ready():
		t.Fatal("expected failure, got ready")
	case err := <-ch.Failed():
		require.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("expected failure signal")
	}
}

func TestWebsocketDialerConnectError(t *testing.T) {
	t.Parallel()

	dialer, err := NewWebsocketDialer("ws://127.0.0.1:1", 200*time.Millisecond, zap.NewNop())
	require.NoError(t, err)

	_, err = dialer.Open(context.Background(), "worker-1")
	require.Error(t, err)
}
