package schedule

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/webrobots/orchestrator/internal/robot"
	storemem "github.com/webrobots/orchestrator/internal/store/memory"
)

type startCall struct {
	robotID    string
	userID     string
	trigger    robot.TriggerKind
	scheduleID string
}

type captureStarter struct {
	mu    sync.Mutex
	calls []startCall
	err   error
}

func (c *captureStarter) Start(_ context.Context, robotID, userID string, trigger robot.TriggerKind, scheduleID string) (robot.Run, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, startCall{robotID: robotID, userID: userID, trigger: trigger, scheduleID: scheduleID})
	if c.err != nil {
		return robot.Run{}, c.err
	}
	return robot.Run{ID: fmt.Sprintf("run-%d", len(c.calls))}, nil
}

func (c *captureStarter) snapshot() []startCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]startCall, len(c.calls))
	copy(out, c.calls)
	return out
}

type seqIDs struct {
	n atomic.Int64
}

func (g *seqIDs) NewID() (string, error) {
	return fmt.Sprintf("sched-%d", g.n.Add(1)), nil
}

func newTestScheduler(t *testing.T, robots *storemem.RobotStore, starter *captureStarter) *Scheduler {
	t.Helper()
	s := New(Config{SyncInterval: time.Hour, Logger: zap.NewNop()}, robots, starter, &seqIDs{})
	t.Cleanup(s.Stop)
	return s
}

func TestSchedulerFiresScheduledRobot(t *testing.T) {
	t.Parallel()

	robots := storemem.NewRobotStore()
	require.NoError(t, robots.SaveRobot(context.Background(), robot.Robot{
		ID:       "robot-1",
		UserID:   "user-1",
		CronSpec: "* * * * * *",
	}))

	starter := &captureStarter{}
	s := newTestScheduler(t, robots, starter)
	require.NoError(t, s.Start(context.Background()))

	require.Eventually(t, func() bool {
		return len(starter.snapshot()) >= 1
	}, 3*time.Second, 20*time.Millisecond)

	call := starter.snapshot()[0]
	require.Equal(t, "robot-1", call.robotID)
	require.Equal(t, "user-1", call.userID)
	require.Equal(t, robot.TriggerSchedule, call.trigger)
	require.Equal(t, "sched-1", call.scheduleID)
}

func TestSchedulerSkipsInvalidSpec(t *testing.T) {
	t.Parallel()

	robots := storemem.NewRobotStore()
	require.NoError(t, robots.SaveRobot(context.Background(), robot.Robot{
		ID: "bad", UserID: "user-1", CronSpec: "not a spec",
	}))
	require.NoError(t, robots.SaveRobot(context.Background(), robot.Robot{
		ID: "good", UserID: "user-1", CronSpec: "@hourly",
	}))

	s := newTestScheduler(t, robots, &captureStarter{})
	require.NoError(t, s.Start(context.Background()))

	_, ok := s.NextFire("bad")
	require.False(t, ok)
	_, ok = s.NextFire("good")
	require.True(t, ok)
}

func TestSchedulerSyncAddsAndRemovesEntries(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	robots := storemem.NewRobotStore()
	require.NoError(t, robots.SaveRobot(ctx, robot.Robot{
		ID: "robot-1", UserID: "user-1", CronSpec: "@hourly",
	}))

	s := newTestScheduler(t, robots, &captureStarter{})
	require.NoError(t, s.Start(ctx))

	_, ok := s.NextFire("robot-1")
	require.True(t, ok)

	// A robot gains a schedule; another loses its spec.
	require.NoError(t, robots.SaveRobot(ctx, robot.Robot{
		ID: "robot-2", UserID: "user-1", CronSpec: "@daily",
	}))
	require.NoError(t, robots.SaveRobot(ctx, robot.Robot{
		ID: "robot-1", UserID: "user-1",
	}))
	s.Sync(ctx)

	_, ok = s.NextFire("robot-1")
	require.False(t, ok)
	_, ok = s.NextFire("robot-2")
	require.True(t, ok)
}

func TestSchedulerRescheduleOnSpecChange(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	robots := storemem.NewRobotStore()
	require.NoError(t, robots.SaveRobot(ctx, robot.Robot{
		ID: "robot-1", UserID: "user-1", CronSpec: "15 0 * * * *",
	}))

	s := newTestScheduler(t, robots, &captureStarter{})
	require.NoError(t, s.Start(ctx))

	first, ok := s.NextFire("robot-1")
	require.True(t, ok)

	require.NoError(t, robots.SaveRobot(ctx, robot.Robot{
		ID: "robot-1", UserID: "user-1", CronSpec: "45 30 * * * *",
	}))
	s.Sync(ctx)

	second, ok := s.NextFire("robot-1")
	require.True(t, ok)
	require.NotEqual(t, first, second)
}

func TestSchedulerStopIsIdempotent(t *testing.T) {
	t.Parallel()

	s := newTestScheduler(t, storemem.NewRobotStore(), &captureStarter{})
	require.NoError(t, s.Start(context.Background()))
	s.Stop()
	s.Stop()
}
