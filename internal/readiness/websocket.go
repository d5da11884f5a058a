package readiness

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/webrobots/orchestrator/internal/robot"
)

// Readiness protocol event names sent by remote worker hosts.
const (
	eventReadyForRun  = "ready-for-run"
	eventConnectError = "connect_error"
	eventError        = "error"
	eventDisconnect   = "disconnect"
)

const defaultConnectTimeout = 30 * time.Second

// WebsocketDialer opens readiness channels to a remote worker pool over
// websockets, one connection per worker.
type WebsocketDialer struct {
	baseURL        string
	connectTimeout time.Duration
	logger         *zap.Logger
}

// NewWebsocketDialer constructs a dialer for the given pool base URL
// (ws://host[:port]).
func NewWebsocketDialer(baseURL string, connectTimeout time.Duration, logger *zap.Logger) (*WebsocketDialer, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("base url is required")
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if connectTimeout <= 0 {
		connectTimeout = defaultConnectTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WebsocketDialer{
		baseURL:        baseURL,
		connectTimeout: connectTimeout,
		logger:         logger,
	}, nil
}

type readinessFrame struct {
	Event string `json:"event"`
	Error string `json:"error,omitempty"`
}

// Open dials the worker's readiness endpoint and starts a reader that
// resolves the channel on the first terminal frame. A dial failure is
// reported as connect_error semantics: acquisition fails, no execution.
func (d *WebsocketDialer) Open(ctx context.Context, workerID string) (robot.ReadinessChannel, error) {
	if workerID == "" {
		return nil, fmt.Errorf("worker id is required")
	}
	endpoint := fmt.Sprintf("%s/workers/%s/readiness", d.baseURL, url.PathEscape(workerID))

	dialer := websocket.Dialer{HandshakeTimeout: d.connectTimeout}
	dialCtx, cancel := context.WithTimeout(ctx, d.connectTimeout)
	defer cancel()

	conn, resp, err := dialer.DialContext(dialCtx, endpoint, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dial readiness channel: %w", err)
	}

	ch := newChannel()
	go d.readLoop(conn, workerID, ch)
	go func() {
		<-ch.closed
		if err := conn.Close(); err != nil {
			d.logger.Debug("readiness conn close", zap.String("worker_id", workerID), zap.Error(err))
		}
	}()
	return ch, nil
}

func (d *WebsocketDialer) readLoop(conn *websocket.Conn, workerID string, ch *channel) {
	for {
		var frame readinessFrame
		if err := conn.ReadJSON(&frame); err != nil {
			ch.signalError(fmt.Errorf("readiness channel read: %w", err))
			return
		}
		switch frame.Event {
		case eventReadyForRun:
			d.logger.Debug("worker ready", zap.String("worker_id", workerID))
			ch.signalReady()
			return
		case eventConnectError, eventError:
			ch.signalError(fmt.Errorf("readiness channel error: %s", frame.Error))
			return
		case eventDisconnect:
			ch.signalError(fmt.Errorf("worker disconnected before readiness"))
			return
		default:
			d.logger.Debug("ignoring readiness frame",
				zap.String("worker_id", workerID),
				zap.String("event", frame.Event),
			)
		}
	}
}
