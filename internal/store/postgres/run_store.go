// Package postgres provides Postgres-backed persistence implementations.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/webrobots/orchestrator/internal/robot"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// RunStoreConfig controls the Postgres connection pool used for run rows.
type RunStoreConfig struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type querierCloser interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Close()
}

// RunStore persists run records in Postgres. All writes are whole-record
// updates.
type RunStore struct {
	pool  querierCloser
	table string
}

// NewRunStore creates a Postgres-backed RunStore using the provided config.
func NewRunStore(ctx context.Context, cfg RunStoreConfig) (*RunStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	table := cfg.Table
	if table == "" {
		table = "runs"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &RunStore{pool: pool, table: table}, nil
}

// NewRunStoreWithPool constructs a store from an existing pool (primarily
// for testing).
func NewRunStoreWithPool(pool querierCloser, table string) (*RunStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = "runs"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &RunStore{pool: pool, table: table}, nil
}

// Close releases the underlying pool resources.
func (s *RunStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// CreateRun inserts a run row.
func (s *RunStore) CreateRun(ctx context.Context, run robot.Run) error {
	if run.ID == "" {
		return fmt.Errorf("run id is required")
	}
	structured, binary, err := marshalOutputs(run)
	if err != nil {
		return err
	}
	query := fmt.Sprintf(`
INSERT INTO %s (
	id,
	robot_id,
	user_id,
	status,
	trigger_kind,
	schedule_id,
	worker_id,
	started_at,
	finished_at,
	retry_count,
	structured_output,
	binary_output,
	run_log
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13
)`, s.table)

	args := []any{
		run.ID,
		run.RobotID,
		run.UserID,
		string(run.Status),
		string(run.Trigger),
		run.ScheduleID,
		run.WorkerID,
		run.StartedAt,
		run.FinishedAt,
		run.RetryCount,
		structured,
		binary,
		run.Log,
	}
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// GetRun fetches a run row by ID.
func (s *RunStore) GetRun(ctx context.Context, runID string) (robot.Run, error) {
	query := fmt.Sprintf(`
SELECT
	id,
	robot_id,
	user_id,
	status,
	trigger_kind,
	schedule_id,
	worker_id,
	started_at,
	finished_at,
	retry_count,
	structured_output,
	binary_output,
	run_log
FROM %s WHERE id = $1`, s.table)

	var (
		run        robot.Run
		status     string
		trigger    string
		structured []byte
		binary     []byte
	)
	row := s.pool.QueryRow(ctx, query, runID)
	err := row.Scan(
		&run.ID,
		&run.RobotID,
		&run.UserID,
		&status,
		&trigger,
		&run.ScheduleID,
		&run.WorkerID,
		&run.StartedAt,
		&run.FinishedAt,
		&run.RetryCount,
		&structured,
		&binary,
		&run.Log,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return robot.Run{}, robot.ErrRunNotFound
	}
	if err != nil {
		return robot.Run{}, fmt.Errorf("select run: %w", err)
	}
	run.Status = robot.RunStatus(status)
	run.Trigger = robot.TriggerKind(trigger)
	if len(structured) > 0 {
		if err := json.Unmarshal(structured, &run.StructuredOutput); err != nil {
			return robot.Run{}, fmt.Errorf("decode structured output: %w", err)
		}
	}
	if len(binary) > 0 {
		if err := json.Unmarshal(binary, &run.BinaryOutput); err != nil {
			return robot.Run{}, fmt.Errorf("decode binary output: %w", err)
		}
	}
	return run, nil
}

// UpdateRun replaces the run row wholesale.
func (s *RunStore) UpdateRun(ctx context.Context, run robot.Run) error {
	structured, binary, err := marshalOutputs(run)
	if err != nil {
		return err
	}
	query := fmt.Sprintf(`
UPDATE %s SET
	status = $2,
	worker_id = $3,
	started_at = $4,
	finished_at = $5,
	retry_count = $6,
	structured_output = $7,
	binary_output = $8,
	run_log = $9
WHERE id = $1`, s.table)

	tag, err := s.pool.Exec(ctx, query,
		run.ID,
		string(run.Status),
		run.WorkerID,
		run.StartedAt,
		run.FinishedAt,
		run.RetryCount,
		structured,
		binary,
		run.Log,
	)
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return robot.ErrRunNotFound
	}
	return nil
}

func marshalOutputs(run robot.Run) ([]byte, []byte, error) {
	structured, err := json.Marshal(orEmptyMap(run.StructuredOutput))
	if err != nil {
		return nil, nil, fmt.Errorf("marshal structured output: %w", err)
	}
	binary, err := json.Marshal(orEmptyStringMap(run.BinaryOutput))
	if err != nil {
		return nil, nil, fmt.Errorf("marshal binary output: %w", err)
	}
	return structured, binary, nil
}

func orEmptyMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

func orEmptyStringMap(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}
