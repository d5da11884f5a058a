// Package pool manages isolated browser workers. Each worker is its own
// headless Chrome process; allocation registers the worker and returns its
// ID immediately while the browser boots on a separate goroutine, signaling
// the readiness broker when the first target is live.
package pool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/webrobots/orchestrator/internal/readiness"
	"github.com/webrobots/orchestrator/internal/robot"
)

// Config controls Pool behavior.
type Config struct {
	MaxWorkers  int
	UserAgent   string
	BootTimeout time.Duration
}

// launcher boots one browser and returns its task context plus teardown.
// Broken out so tests can run the pool without Chrome.
type launcher interface {
	Launch(creds robot.Credentials) (context.Context, context.CancelFunc, error)
}

// Pool implements robot.WorkerPool over local headless Chrome processes.
// The registry is owned by the Pool instance and torn down via Close; there
// is no package-level state.
type Pool struct {
	cfg      Config
	resolver robot.CredentialResolver
	idGen    robot.IDGenerator
	broker   *readiness.Broker
	launcher launcher
	logger   *zap.Logger

	limiter chan struct{}
	mu      sync.Mutex
	workers map[string]*workerEntry
	closed  bool
}

type workerEntry struct {
	id     string
	userID string
	cancel context.CancelFunc

	mu   sync.RWMutex
	page robot.Page
	live bool
}

// New constructs a Pool backed by chromedp.
func New(
	cfg Config,
	resolver robot.CredentialResolver,
	idGen robot.IDGenerator,
	broker *readiness.Broker,
	logger *zap.Logger,
) (*Pool, error) {
	if cfg.MaxWorkers <= 0 {
		return nil, fmt.Errorf("max workers must be > 0")
	}
	if cfg.BootTimeout <= 0 {
		cfg.BootTimeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Pool{
		cfg:      cfg,
		resolver: resolver,
		idGen:    idGen,
		broker:   broker,
		logger:   logger,
		limiter:  make(chan struct{}, cfg.MaxWorkers),
		workers:  make(map[string]*workerEntry),
	}
	p.launcher = &chromedpLauncher{cfg: cfg}
	return p, nil
}

// Allocate reserves a worker slot, registers the worker, and starts the
// browser boot in the background. The returned ID can be used immediately to
// open a readiness channel.
func (p *Pool) Allocate(ctx context.Context, userID string) (string, error) {
	select {
	case p.limiter <- struct{}{}:
	case <-ctx.Done():
		return "", fmt.Errorf("worker slot wait canceled: %w", ctx.Err())
	}

	workerID, err := p.idGen.NewID()
	if err != nil {
		<-p.limiter
		return "", fmt.Errorf("generate worker id: %w", err)
	}

	creds := robot.Credentials{}
	if p.resolver != nil {
		creds, err = p.resolver.Resolve(ctx, userID)
		if err != nil {
			<-p.limiter
			return "", fmt.Errorf("resolve credentials: %w", err)
		}
	}

	entry := &workerEntry{id: workerID, userID: userID}
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		<-p.limiter
		return "", fmt.Errorf("pool is closed")
	}
	p.workers[workerID] = entry
	p.mu.Unlock()

	go p.boot(entry, creds)
	return workerID, nil
}

func (p *Pool) boot(entry *workerEntry, creds robot.Credentials) {
	taskCtx, cancel, err := p.launcher.Launch(creds)
	if err != nil {
		p.logger.Error("worker boot failed", zap.String("worker_id", entry.id), zap.Error(err))
		if p.broker != nil {
			p.broker.SignalError(entry.id, err)
		}
		p.remove(entry.id)
		return
	}

	entry.mu.Lock()
	entry.cancel = cancel
	entry.page = robot.Page{WorkerID: entry.id, Ctx: taskCtx, URL: "about:blank"}
	entry.live = true
	entry.mu.Unlock()

	p.logger.Debug("worker ready", zap.String("worker_id", entry.id))
	if p.broker != nil {
		p.broker.SignalReady(entry.id)
	}
}

// CurrentPage returns the worker's current page handle.
func (p *Pool) CurrentPage(_ context.Context, workerID string) (robot.Page, error) {
	p.mu.Lock()
	entry, ok := p.workers[workerID]
	p.mu.Unlock()
	if !ok {
		return robot.Page{}, fmt.Errorf("worker %s not found", workerID)
	}
	entry.mu.RLock()
	defer entry.mu.RUnlock()
	if !entry.live {
		return robot.Page{}, fmt.Errorf("worker %s has no live page", workerID)
	}
	return entry.page, nil
}

// Destroy tears down the worker's browser and frees its slot. Destroying an
// unknown worker is an error; destroying one twice is not possible because
// the first call removes it.
func (p *Pool) Destroy(_ context.Context, workerID, userID string) error {
	p.mu.Lock()
	entry, ok := p.workers[workerID]
	p.mu.Unlock()
	if !ok {
		return fmt.Errorf("worker %s not found", workerID)
	}
	if entry.userID != userID {
		return fmt.Errorf("worker %s is not owned by user %s", workerID, userID)
	}
	entry.mu.Lock()
	if entry.cancel != nil {
		entry.cancel()
	}
	entry.live = false
	entry.mu.Unlock()
	p.remove(workerID)
	if p.broker != nil {
		p.broker.Forget(workerID)
	}
	return nil
}

// Close destroys every worker and rejects further allocations.
func (p *Pool) Close() {
	p.mu.Lock()
	p.closed = true
	entries := make([]*workerEntry, 0, len(p.workers))
	for _, entry := range p.workers {
		entries = append(entries, entry)
	}
	p.workers = make(map[string]*workerEntry)
	p.mu.Unlock()

	for _, entry := range entries {
		entry.mu.Lock()
		if entry.cancel != nil {
			entry.cancel()
		}
		entry.live = false
		entry.mu.Unlock()
		select {
		case <-p.limiter:
		default:
		}
	}
}

func (p *Pool) remove(workerID string) {
	p.mu.Lock()
	_, ok := p.workers[workerID]
	delete(p.workers, workerID)
	p.mu.Unlock()
	if ok {
		select {
		case <-p.limiter:
		default:
		}
	}
}

// chromedpLauncher boots an isolated headless Chrome per worker.
type chromedpLauncher struct {
	cfg Config
}

func (l *chromedpLauncher) Launch(creds robot.Credentials) (context.Context, context.CancelFunc, error) {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
	)
	if l.cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(l.cfg.UserAgent))
	}
	if creds.ProxyURL != "" {
		opts = append(opts, chromedp.ProxyServer(creds.ProxyURL))
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	taskCtx, taskCancel := chromedp.NewContext(allocCtx)

	cancel := func() {
		taskCancel()
		allocCancel()
	}

	bootCtx, bootCancel := context.WithTimeout(taskCtx, l.cfg.BootTimeout)
	defer bootCancel()
	if err := chromedp.Run(bootCtx); err != nil {
		cancel()
		return nil, nil, fmt.Errorf("boot browser: %w", err)
	}
	return taskCtx, cancel, nil
}
