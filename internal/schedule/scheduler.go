// Package schedule triggers runs for robots that carry a cron spec.
package schedule

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/webrobots/orchestrator/internal/robot"
)

// RunStarter launches a run for a robot. Satisfied by the orchestrator.
type RunStarter interface {
	Start(ctx context.Context, robotID, userID string, trigger robot.TriggerKind, scheduleID string) (robot.Run, error)
}

// Config tunes the scheduler.
type Config struct {
	// SyncInterval is how often robot definitions are reloaded to pick up
	// added, removed, or edited cron specs.
	SyncInterval time.Duration
	Logger       *zap.Logger
}

// Scheduler keeps one cron entry per scheduled robot and starts a run each
// time an entry fires. Robot definitions are the source of truth; the
// scheduler reconciles against them periodically.
type Scheduler struct {
	cron    *cron.Cron
	robots  robot.RobotStore
	starter RunStarter
	idGen   robot.IDGenerator
	logger  *zap.Logger

	mu      sync.Mutex
	entries map[string]entry
	running bool

	syncInterval time.Duration
	baseCtx      context.Context
	stopSync     chan struct{}
	syncDone     chan struct{}
}

type entry struct {
	id         cron.EntryID
	spec       string
	scheduleID string
}

// specParser accepts standard five-field specs and six-field specs with a
// leading seconds column.
var specParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// New builds a Scheduler. Call Start to begin firing entries.
func New(cfg Config, robots robot.RobotStore, starter RunStarter, idGen robot.IDGenerator) *Scheduler {
	if cfg.SyncInterval <= 0 {
		cfg.SyncInterval = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Scheduler{
		cron:         cron.New(cron.WithParser(specParser)),
		robots:       robots,
		starter:      starter,
		idGen:        idGen,
		logger:       cfg.Logger,
		entries:      make(map[string]entry),
		syncInterval: cfg.SyncInterval,
		stopSync:     make(chan struct{}),
		syncDone:     make(chan struct{}),
	}
}

// Start loads scheduled robots, begins the cron loop, and launches the
// background reconcile loop. ctx is the base context for triggered runs.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}
	s.baseCtx = ctx

	if err := s.reconcileLocked(ctx); err != nil {
		return fmt.Errorf("load scheduled robots: %w", err)
	}

	s.cron.Start()
	s.running = true
	go s.syncLoop(ctx)

	s.logger.Info("scheduler started",
		zap.Int("entries", len(s.entries)),
		zap.Duration("sync_interval", s.syncInterval),
	)
	return nil
}

// Stop halts the reconcile loop and waits for in-flight cron jobs.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	close(s.stopSync)
	<-s.syncDone
	<-s.cron.Stop().Done()
	s.logger.Info("scheduler stopped")
}

func (s *Scheduler) syncLoop(ctx context.Context) {
	defer close(s.syncDone)
	ticker := time.NewTicker(s.syncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopSync:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sync(ctx)
		}
	}
}

// Sync reconciles cron entries against the current robot definitions.
func (s *Scheduler) Sync(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.reconcileLocked(ctx); err != nil {
		s.logger.Warn("scheduler sync failed", zap.Error(err))
	}
}

func (s *Scheduler) reconcileLocked(ctx context.Context) error {
	robots, err := s.robots.ListScheduled(ctx)
	if err != nil {
		return fmt.Errorf("list scheduled robots: %w", err)
	}

	seen := make(map[string]bool, len(robots))
	for _, rb := range robots {
		if rb.CronSpec == "" {
			continue
		}
		seen[rb.ID] = true
		if cur, ok := s.entries[rb.ID]; ok {
			if cur.spec == rb.CronSpec {
				continue
			}
			s.cron.Remove(cur.id)
			delete(s.entries, rb.ID)
		}
		if err := s.registerLocked(rb); err != nil {
			s.logger.Warn("skipping robot with bad cron spec",
				zap.String("robot_id", rb.ID),
				zap.String("spec", rb.CronSpec),
				zap.Error(err),
			)
		}
	}

	for robotID, cur := range s.entries {
		if !seen[robotID] {
			s.cron.Remove(cur.id)
			delete(s.entries, robotID)
			s.logger.Info("unscheduled robot", zap.String("robot_id", robotID))
		}
	}
	return nil
}

func (s *Scheduler) registerLocked(rb robot.Robot) error {
	scheduleID, err := s.idGen.NewID()
	if err != nil {
		return fmt.Errorf("new schedule id: %w", err)
	}

	robotID, userID := rb.ID, rb.UserID
	id, err := s.cron.AddFunc(rb.CronSpec, func() {
		s.fire(robotID, userID, scheduleID)
	})
	if err != nil {
		return fmt.Errorf("add cron entry: %w", err)
	}

	s.entries[rb.ID] = entry{id: id, spec: rb.CronSpec, scheduleID: scheduleID}
	s.logger.Info("scheduled robot",
		zap.String("robot_id", rb.ID),
		zap.String("spec", rb.CronSpec),
		zap.String("schedule_id", scheduleID),
	)
	return nil
}

func (s *Scheduler) fire(robotID, userID, scheduleID string) {
	ctx := s.baseCtx
	if ctx == nil {
		ctx = context.Background()
	}

	run, err := s.starter.Start(ctx, robotID, userID, robot.TriggerSchedule, scheduleID)
	if err != nil {
		s.logger.Error("scheduled run failed to start",
			zap.String("robot_id", robotID),
			zap.String("schedule_id", scheduleID),
			zap.Error(err),
		)
		return
	}
	s.logger.Info("scheduled run started",
		zap.String("robot_id", robotID),
		zap.String("run_id", run.ID),
		zap.String("schedule_id", scheduleID),
	)
}

// NextFire returns the next fire time for a robot's entry, if scheduled.
func (s *Scheduler) NextFire(robotID string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.entries[robotID]
	if !ok {
		return time.Time{}, false
	}
	e := s.cron.Entry(cur.id)
	if e.Next.IsZero() {
		return time.Time{}, false
	}
	return e.Next, true
}
