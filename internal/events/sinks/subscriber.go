package sinks

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/webrobots/orchestrator/internal/events"
)

const subscriberBuffer = 64

// SubscriberSink routes lifecycle events to live subscribers keyed by user.
// The API's event stream endpoint subscribes here; delivery to a slow
// subscriber never blocks the hub, excess events are dropped per subscriber.
type SubscriberSink struct {
	logger *zap.Logger

	mu     sync.Mutex
	nextID int
	subs   map[string]map[int]chan events.Event
	closed bool
}

// NewSubscriberSink constructs an empty registry.
func NewSubscriberSink(logger *zap.Logger) *SubscriberSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SubscriberSink{
		logger: logger,
		subs:   make(map[string]map[int]chan events.Event),
	}
}

// Subscribe registers a live subscriber for one user's events. The returned
// cancel func must be called when the subscriber goes away; it closes the
// channel.
func (s *SubscriberSink) Subscribe(userID string) (<-chan events.Event, func()) {
	ch := make(chan events.Event, subscriberBuffer)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		close(ch)
		return ch, func() {}
	}
	s.nextID++
	id := s.nextID
	if s.subs[userID] == nil {
		s.subs[userID] = make(map[int]chan events.Event)
	}
	s.subs[userID][id] = ch

	return ch, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if chans, ok := s.subs[userID]; ok {
			if c, ok := chans[id]; ok {
				delete(chans, id)
				close(c)
			}
			if len(chans) == 0 {
				delete(s.subs, userID)
			}
		}
	}
}

// Consume delivers each event to the owning user's subscribers.
func (s *SubscriberSink) Consume(_ context.Context, batch []events.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	for _, evt := range batch {
		for _, ch := range s.subs[evt.UserID] {
			select {
			case ch <- evt:
			default:
				s.logger.Debug("dropping event for slow subscriber",
					zap.String("user_id", evt.UserID),
					zap.String("run_id", evt.RunID),
				)
			}
		}
	}
	return nil
}

// Close closes every subscriber channel and rejects new subscriptions.
func (s *SubscriberSink) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	for _, chans := range s.subs {
		for _, ch := range chans {
			close(ch)
		}
	}
	s.subs = make(map[string]map[int]chan events.Event)
	return nil
}
