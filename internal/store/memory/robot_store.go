package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/webrobots/orchestrator/internal/robot"
)

// RobotStore is an in-memory robot.RobotStore with a seeding helper for
// tests and local development.
type RobotStore struct {
	mu     sync.RWMutex
	robots map[string]robot.Robot
}

// NewRobotStore constructs a RobotStore.
func NewRobotStore() *RobotStore {
	return &RobotStore{robots: make(map[string]robot.Robot)}
}

// SaveRobot inserts or replaces a robot definition.
func (s *RobotStore) SaveRobot(_ context.Context, rb robot.Robot) error {
	if rb.ID == "" {
		return fmt.Errorf("robot id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.robots[rb.ID] = cloneRobot(rb)
	return nil
}

// GetRobot fetches a robot by ID.
func (s *RobotStore) GetRobot(_ context.Context, robotID string) (robot.Robot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rb, ok := s.robots[robotID]
	if !ok {
		return robot.Robot{}, robot.ErrRobotNotFound
	}
	return cloneRobot(rb), nil
}

// ListScheduled returns robots with a cron spec attached.
func (s *RobotStore) ListScheduled(_ context.Context) ([]robot.Robot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []robot.Robot
	for _, rb := range s.robots {
		if rb.CronSpec != "" {
			out = append(out, cloneRobot(rb))
		}
	}
	return out, nil
}

// TouchWebhook stamps LastCalledAt on one of the robot's webhooks.
func (s *RobotStore) TouchWebhook(_ context.Context, robotID, webhookID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rb, ok := s.robots[robotID]
	if !ok {
		return robot.ErrRobotNotFound
	}
	for i := range rb.Webhooks {
		if rb.Webhooks[i].ID == webhookID {
			ts := at
			rb.Webhooks[i].LastCalledAt = &ts
			s.robots[robotID] = rb
			return nil
		}
	}
	return fmt.Errorf("webhook %s not found on robot %s", webhookID, robotID)
}

func cloneRobot(rb robot.Robot) robot.Robot {
	cp := rb
	cp.TargetURLs = append([]string(nil), rb.TargetURLs...)
	cp.Steps = append([]robot.Step(nil), rb.Steps...)
	cp.OutputFormats = append([]robot.OutputFormat(nil), rb.OutputFormats...)
	cp.Webhooks = append([]robot.WebhookConfig(nil), rb.Webhooks...)
	cp.Integrations = append([]robot.IntegrationConfig(nil), rb.Integrations...)
	return cp
}
