// Package memory provides an in-memory task store for development and
// tests.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/webrobots/orchestrator/internal/robot"
)

// TaskStore records integration task outcomes in a mutex-guarded map.
type TaskStore struct {
	mu    sync.RWMutex
	tasks map[string]robot.IntegrationTask
}

// NewTaskStore returns an empty TaskStore.
func NewTaskStore() *TaskStore {
	return &TaskStore{tasks: make(map[string]robot.IntegrationTask)}
}

// Record upserts the task keyed by ID.
func (s *TaskStore) Record(_ context.Context, task robot.IntegrationTask) error {
	if task.ID == "" {
		return fmt.Errorf("task id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[task.ID] = task
	return nil
}

// GetTask returns the stored task or an error when unknown.
func (s *TaskStore) GetTask(_ context.Context, taskID string) (robot.IntegrationTask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	task, ok := s.tasks[taskID]
	if !ok {
		return robot.IntegrationTask{}, fmt.Errorf("task %s not found", taskID)
	}
	return task, nil
}

// ListByRun returns all recorded tasks for one run.
func (s *TaskStore) ListByRun(_ context.Context, runID string) ([]robot.IntegrationTask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []robot.IntegrationTask
	for _, task := range s.tasks {
		if task.RunID == runID {
			out = append(out, task)
		}
	}
	return out, nil
}
