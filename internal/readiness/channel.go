// Package readiness implements the per-worker readiness handshake. A
// channel is opened once per allocated worker, reports ready-for-run (or a
// failure) exactly once, and is then torn down.
package readiness

import (
	"context"
	"fmt"
	"sync"

	"github.com/webrobots/orchestrator/internal/robot"
)

// channel is the shared channel plumbing used by both the in-process broker
// and the websocket dialer.
type channel struct {
	ready     chan struct{}
	failed    chan error
	readyOnce sync.Once
	closeOnce sync.Once
	closed    chan struct{}
}

func newChannel() *channel {
	return &channel{
		ready:  make(chan struct{}),
		failed: make(chan error, 1),
		closed: make(chan struct{}),
	}
}

// Ready fires once when the worker signals it can accept a run.
func (c *channel) Ready() <-chan struct{} {
	return c.ready
}

// Failed fires when the channel errors or disconnects before readiness.
func (c *channel) Failed() <-chan error {
	return c.failed
}

// Close disposes the channel. Safe to call multiple times.
func (c *channel) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

// signalReady fires Ready at most once. The broker replays pre-Open signals,
// so repeated calls are the normal case, not an error.
func (c *channel) signalReady() {
	c.readyOnce.Do(func() { close(c.ready) })
}

func (c *channel) signalError(err error) {
	select {
	case c.failed <- err:
	default:
	}
}

// Broker is the in-process readiness transport used when the worker pool
// runs in the same process. The pool signals; the orchestrator opens a
// channel per worker and waits. The broker is an injected object with
// explicit lifetime, not a package-level registry.
type Broker struct {
	mu      sync.Mutex
	workers map[string]*brokerEntry
}

type brokerEntry struct {
	ch    *channel
	ready bool
	err   error
}

// NewBroker constructs an empty Broker.
func NewBroker() *Broker {
	return &Broker{workers: make(map[string]*brokerEntry)}
}

// Open returns the readiness channel for a worker. Signals that arrived
// before Open are replayed, so allocation and handshake setup cannot race.
func (b *Broker) Open(_ context.Context, workerID string) (robot.ReadinessChannel, error) {
	if workerID == "" {
		return nil, fmt.Errorf("worker id is required")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	entry := b.entryLocked(workerID)
	if entry.ready {
		entry.ch.signalReady()
	}
	if entry.err != nil {
		entry.ch.signalError(entry.err)
	}
	return entry.ch, nil
}

// SignalReady marks the worker ready and wakes any waiter.
func (b *Broker) SignalReady(workerID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	entry := b.entryLocked(workerID)
	entry.ready = true
	entry.ch.signalReady()
}

// SignalError reports a boot failure for the worker.
func (b *Broker) SignalError(workerID string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	entry := b.entryLocked(workerID)
	entry.err = err
	entry.ch.signalError(err)
}

// Forget drops the worker's entry after the handshake is consumed.
func (b *Broker) Forget(workerID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.workers, workerID)
}

func (b *Broker) entryLocked(workerID string) *brokerEntry {
	entry, ok := b.workers[workerID]
	if !ok {
		entry = &brokerEntry{ch: newChannel()}
		b.workers[workerID] = entry
	}
	return entry
}
