package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/webrobots/orchestrator/internal/robot"
)

func TestCreateRunInsertsRow(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewRunStoreWithPool(mock, "runs")
	require.NoError(t, err)

	now := time.Unix(1700000000, 0).UTC()
	run := robot.Run{
		ID:         "run-1",
		RobotID:    "robot-1",
		UserID:     "user-1",
		Status:     robot.RunStatusQueued,
		Trigger:    robot.TriggerAPI,
		WorkerID:   "worker-1",
		StartedAt:  &now,
		RetryCount: 0,
		Log:        "run created\n",
	}

	mock.ExpectExec("INSERT INTO runs").
		WithArgs(
			run.ID,
			run.RobotID,
			run.UserID,
			"queued",
			"api",
			run.ScheduleID,
			run.WorkerID,
			run.StartedAt,
			run.FinishedAt,
			run.RetryCount,
			[]byte(`{}`),
			[]byte(`{}`),
			run.Log,
		).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, store.CreateRun(context.Background(), run))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetRunScansRow(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewRunStoreWithPool(mock, "runs")
	require.NoError(t, err)

	started := time.Unix(1700000000, 0).UTC()
	finished := started.Add(42 * time.Second)

	rows := pgxmock.NewRows([]string{
		"id", "robot_id", "user_id", "status", "trigger_kind", "schedule_id",
		"worker_id", "started_at", "finished_at", "retry_count",
		"structured_output", "binary_output", "run_log",
	}).AddRow(
		"run-1", "robot-1", "user-1", "success", "manual", "",
		"worker-1", &started, &finished, 1,
		[]byte(`{"texts":["hello"]}`), []byte(`{"screenshot":"gs://b/p.png"}`), "done\n",
	)
	mock.ExpectQuery("SELECT(.|\n)*FROM runs WHERE id = \\$1").
		WithArgs("run-1").
		WillReturnRows(rows)

	run, err := store.GetRun(context.Background(), "run-1")
	require.NoError(t, err)
	require.Equal(t, robot.RunStatusSuccess, run.Status)
	require.Equal(t, robot.TriggerManual, run.Trigger)
	require.Equal(t, 1, run.RetryCount)
	require.Equal(t, started, *run.StartedAt)
	require.Equal(t, finished, *run.FinishedAt)
	require.Equal(t, "gs://b/p.png", run.BinaryOutput["screenshot"])
	require.Contains(t, run.StructuredOutput, "texts")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateRunMissingRow(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewRunStoreWithPool(mock, "runs")
	require.NoError(t, err)

	mock.ExpectExec("UPDATE runs SET").
		WithArgs("run-404", "failed", "", (*time.Time)(nil), (*time.Time)(nil), 0, []byte(`{}`), []byte(`{}`), "").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err = store.UpdateRun(context.Background(), robot.Run{ID: "run-404", Status: robot.RunStatusFailed})
	require.ErrorIs(t, err, robot.ErrRunNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestNewRunStoreWithPoolValidatesTable(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	_, err = NewRunStoreWithPool(mock, "runs; drop table runs")
	require.Error(t, err)
}
