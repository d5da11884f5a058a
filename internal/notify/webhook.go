// Package notify fans a run's lifecycle transitions out to live event
// subscribers, registered webhooks, and the integration task queue.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.uber.org/zap"

	"github.com/webrobots/orchestrator/internal/robot"
)

// WebhookDefaults fill in fields a webhook config leaves at zero.
type WebhookDefaults struct {
	RetryAttempts int
	RetryDelay    time.Duration
	Timeout       time.Duration
	MaxBackoff    time.Duration
}

// WebhookSender delivers run completion payloads to registered webhook URLs
// with exponential backoff. LastCalledAt is stamped before every attempt so
// the bookkeeping reflects tries, not just successes.
type WebhookSender struct {
	client   *http.Client
	robots   robot.RobotStore
	clock    robot.Clock
	defaults WebhookDefaults
	logger   *zap.Logger

	// sleep is swappable in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewWebhookSender constructs a WebhookSender.
func NewWebhookSender(robots robot.RobotStore, clock robot.Clock, defaults WebhookDefaults, logger *zap.Logger) *WebhookSender {
	if defaults.RetryAttempts <= 0 {
		defaults.RetryAttempts = 3
	}
	if defaults.RetryDelay <= 0 {
		defaults.RetryDelay = 5 * time.Second
	}
	if defaults.Timeout <= 0 {
		defaults.Timeout = 10 * time.Second
	}
	if defaults.MaxBackoff <= 0 {
		defaults.MaxBackoff = 5 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WebhookSender{
		client:   &http.Client{},
		robots:   robots,
		clock:    clock,
		defaults: defaults,
		logger:   logger,
		sleep:    sleepWithContext,
	}
}

// webhookPayload is the JSON body POSTed to webhook URLs.
type webhookPayload struct {
	EventType string         `json:"event_type"`
	Timestamp time.Time      `json:"timestamp"`
	WebhookID string         `json:"webhook_id"`
	Data      webhookRunData `json:"data"`
}

type webhookRunData struct {
	RobotID       string            `json:"robot_id"`
	RunID         string            `json:"run_id"`
	Status        robot.RunStatus   `json:"status"`
	StartedAt     *time.Time        `json:"started_at,omitempty"`
	FinishedAt    *time.Time        `json:"finished_at,omitempty"`
	ExtractedData map[string]any    `json:"extracted_data,omitempty"`
	BinaryOutput  map[string]string `json:"binary_output,omitempty"`
	Metadata      webhookMetadata   `json:"metadata"`
}

type webhookMetadata struct {
	BrowserID string `json:"browser_id,omitempty"`
	UserID    string `json:"user_id"`
}

// Deliver POSTs the event payload to one webhook, retrying with exponential
// backoff. It returns the error of the final failed attempt.
func (s *WebhookSender) Deliver(ctx context.Context, hook robot.WebhookConfig, event robot.WebhookEvent, run robot.Run) error {
	attempts := hook.RetryAttempts
	if attempts <= 0 {
		attempts = s.defaults.RetryAttempts
	}
	delay := hook.RetryDelay
	if delay <= 0 {
		delay = s.defaults.RetryDelay
	}
	timeout := hook.Timeout
	if timeout <= 0 {
		timeout = s.defaults.Timeout
	}

	body, err := json.Marshal(webhookPayload{
		EventType: string(event),
		Timestamp: s.clock.Now().UTC(),
		WebhookID: hook.ID,
		Data: webhookRunData{
			RobotID:       run.RobotID,
			RunID:         run.ID,
			Status:        run.Status,
			StartedAt:     run.StartedAt,
			FinishedAt:    run.FinishedAt,
			ExtractedData: run.StructuredOutput,
			BinaryOutput:  run.BinaryOutput,
			Metadata: webhookMetadata{
				BrowserID: run.WorkerID,
				UserID:    run.UserID,
			},
		},
	})
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if touchErr := s.robots.TouchWebhook(ctx, run.RobotID, hook.ID, s.clock.Now().UTC()); touchErr != nil {
			s.logger.Warn("webhook bookkeeping update failed",
				zap.String("webhook_id", hook.ID),
				zap.Error(touchErr),
			)
		}

		lastErr = s.post(ctx, hook.URL, body, timeout)
		if lastErr == nil {
			s.logger.Debug("webhook delivered",
				zap.String("webhook_id", hook.ID),
				zap.String("run_id", run.ID),
				zap.Int("attempt", attempt),
			)
			return nil
		}
		s.logger.Warn("webhook delivery attempt failed",
			zap.String("webhook_id", hook.ID),
			zap.String("run_id", run.ID),
			zap.Int("attempt", attempt),
			zap.Error(lastErr),
		)

		if attempt == attempts {
			break
		}
		backoff := delay << (attempt - 1)
		if backoff > s.defaults.MaxBackoff {
			backoff = s.defaults.MaxBackoff
		}
		if err := s.sleep(ctx, backoff); err != nil {
			return fmt.Errorf("webhook retry wait: %w", err)
		}
	}
	return fmt.Errorf("webhook %s exhausted %d attempts: %w", hook.ID, attempts, lastErr)
}

func (s *WebhookSender) post(ctx context.Context, url string, body []byte, timeout time.Duration) error {
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	otel.GetTextMapPropagator().Inject(reqCtx, propagation.HeaderCarrier(req.Header))

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook responded %d", resp.StatusCode)
	}
	return nil
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
