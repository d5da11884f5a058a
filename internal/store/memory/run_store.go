// Package memory provides store implementations for development/testing.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/webrobots/orchestrator/internal/robot"
)

// RunStore is an in-memory robot.RunStore.
type RunStore struct {
	mu   sync.RWMutex
	runs map[string]robot.Run
}

// NewRunStore constructs a RunStore.
func NewRunStore() *RunStore {
	return &RunStore{runs: make(map[string]robot.Run)}
}

// CreateRun stores a new run record.
func (s *RunStore) CreateRun(_ context.Context, run robot.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.runs[run.ID]; exists {
		return fmt.Errorf("run %s already exists", run.ID)
	}
	s.runs[run.ID] = cloneRun(run)
	return nil
}

// GetRun fetches a run by ID.
func (s *RunStore) GetRun(_ context.Context, runID string) (robot.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[runID]
	if !ok {
		return robot.Run{}, robot.ErrRunNotFound
	}
	return cloneRun(run), nil
}

// UpdateRun replaces the stored record wholesale. Concurrent writers race
// last-writer-wins; status legality is the caller's concern.
func (s *RunStore) UpdateRun(_ context.Context, run robot.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[run.ID]; !ok {
		return robot.ErrRunNotFound
	}
	s.runs[run.ID] = cloneRun(run)
	return nil
}

func cloneRun(run robot.Run) robot.Run {
	cp := run
	if run.StructuredOutput != nil {
		cp.StructuredOutput = make(map[string]any, len(run.StructuredOutput))
		for k, v := range run.StructuredOutput {
			cp.StructuredOutput[k] = v
		}
	}
	if run.BinaryOutput != nil {
		cp.BinaryOutput = make(map[string]string, len(run.BinaryOutput))
		for k, v := range run.BinaryOutput {
			cp.BinaryOutput[k] = v
		}
	}
	return cp
}
