// Package memory provides an in-process task queue for development and
// tests. It is not durable.
package memory

import (
	"context"
	"sync"

	"github.com/webrobots/orchestrator/internal/robot"
)

// Queue is a FIFO robot.TaskQueue held in memory.
type Queue struct {
	mu    sync.Mutex
	tasks []robot.IntegrationTask
}

// NewQueue returns an empty Queue.
func NewQueue() *Queue {
	return &Queue{}
}

// Enqueue appends the task.
func (q *Queue) Enqueue(_ context.Context, task robot.IntegrationTask) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.tasks = append(q.tasks, task)
	return nil
}

// Dequeue pops the oldest task or returns robot.ErrNoTask.
func (q *Queue) Dequeue(context.Context) (robot.IntegrationTask, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.tasks) == 0 {
		return robot.IntegrationTask{}, robot.ErrNoTask
	}
	task := q.tasks[0]
	q.tasks = q.tasks[1:]
	return task, nil
}

// Len reports the number of pending tasks.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}
