package api

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Cross-origin policy is enforced by the fronting proxy.
	CheckOrigin: func(*http.Request) bool { return true },
}

const (
	eventWriteWait = 10 * time.Second
	pingInterval   = 30 * time.Second
)

// streamEvents upgrades the connection and forwards the caller's run
// lifecycle events until either side goes away.
func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	userID := requestUser(r)
	if userID == "" {
		writeError(s.logger, w, http.StatusBadRequest, "missing X-User-ID header")
		return
	}
	if s.subscribers == nil {
		writeError(s.logger, w, http.StatusServiceUnavailable, "event stream not configured")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer func() { _ = conn.Close() }()

	eventsCh, cancel := s.subscribers.Subscribe(userID)
	defer cancel()

	// Reader goroutine notices client disconnects; the stream itself is
	// write-only.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(pingInterval)
	defer ping.Stop()

	for {
		select {
		case evt, ok := <-eventsCh:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(eventWriteWait))
			if err := conn.WriteJSON(evt); err != nil {
				s.logger.Debug("event stream write failed",
					zap.String("user_id", userID),
					zap.Error(err),
				)
				return
			}
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(eventWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		case <-r.Context().Done():
			return
		}
	}
}
