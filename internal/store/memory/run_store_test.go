package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/webrobots/orchestrator/internal/robot"
)

func TestRunStoreCreateGetUpdate(t *testing.T) {
	t.Parallel()

	store := NewRunStore()
	ctx := context.Background()

	run := robot.Run{
		ID:      "run-1",
		RobotID: "robot-1",
		UserID:  "user-1",
		Status:  robot.RunStatusQueued,
		Trigger: robot.TriggerManual,
	}
	require.NoError(t, store.CreateRun(ctx, run))
	require.Error(t, store.CreateRun(ctx, run), "duplicate create must fail")

	got, err := store.GetRun(ctx, "run-1")
	require.NoError(t, err)
	require.Equal(t, robot.RunStatusQueued, got.Status)

	got.Status = robot.RunStatusRunning
	got.StructuredOutput = map[string]any{"texts": []string{"a"}}
	require.NoError(t, store.UpdateRun(ctx, got))

	again, err := store.GetRun(ctx, "run-1")
	require.NoError(t, err)
	require.Equal(t, robot.RunStatusRunning, again.Status)
	require.Contains(t, again.StructuredOutput, "texts")

	// Mutating the returned copy must not leak into the store.
	again.StructuredOutput["texts"] = nil
	fresh, err := store.GetRun(ctx, "run-1")
	require.NoError(t, err)
	require.NotNil(t, fresh.StructuredOutput["texts"])
}

func TestRunStoreMissingRun(t *testing.T) {
	t.Parallel()

	store := NewRunStore()
	_, err := store.GetRun(context.Background(), "nope")
	require.ErrorIs(t, err, robot.ErrRunNotFound)
	require.ErrorIs(t, store.UpdateRun(context.Background(), robot.Run{ID: "nope"}), robot.ErrRunNotFound)
}

func TestRobotStoreTouchWebhook(t *testing.T) {
	t.Parallel()

	store := NewRobotStore()
	ctx := context.Background()

	rb := robot.Robot{
		ID:     "robot-1",
		UserID: "user-1",
		Type:   robot.RobotTypeScrape,
		Webhooks: []robot.WebhookConfig{
			{ID: "wh-1", URL: "https://example.com/hook", Active: true},
		},
	}
	require.NoError(t, store.SaveRobot(ctx, rb))

	at := time.Unix(1700000000, 0).UTC()
	require.NoError(t, store.TouchWebhook(ctx, "robot-1", "wh-1", at))

	got, err := store.GetRobot(ctx, "robot-1")
	require.NoError(t, err)
	require.NotNil(t, got.Webhooks[0].LastCalledAt)
	require.Equal(t, at, *got.Webhooks[0].LastCalledAt)

	require.Error(t, store.TouchWebhook(ctx, "robot-1", "wh-404", at))
	require.ErrorIs(t, store.TouchWebhook(ctx, "robot-404", "wh-1", at), robot.ErrRobotNotFound)
}

func TestRobotStoreListScheduled(t *testing.T) {
	t.Parallel()

	store := NewRobotStore()
	ctx := context.Background()

	require.NoError(t, store.SaveRobot(ctx, robot.Robot{ID: "a", CronSpec: "@hourly"}))
	require.NoError(t, store.SaveRobot(ctx, robot.Robot{ID: "b"}))

	scheduled, err := store.ListScheduled(ctx)
	require.NoError(t, err)
	require.Len(t, scheduled, 1)
	require.Equal(t, "a", scheduled[0].ID)
}
