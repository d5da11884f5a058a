package sinks

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/webrobots/orchestrator/internal/robot"
)

const defaultHTTPTimeout = 15 * time.Second

// BaseSink pushes a run's structured output into a base (hosted table)
// endpoint as one record batch per category.
type BaseSink struct {
	client *http.Client
}

// NewBaseSink constructs a BaseSink.
func NewBaseSink() *BaseSink {
	return &BaseSink{client: &http.Client{Timeout: defaultHTTPTimeout}}
}

type baseRecord struct {
	RunID    string `json:"run_id"`
	Category string `json:"category"`
	Value    any    `json:"value"`
}

// Deliver POSTs the run's records to the base endpoint named by the task
// target.
func (s *BaseSink) Deliver(ctx context.Context, task robot.IntegrationTask, run robot.Run) error {
	var records []baseRecord
	for category, value := range run.StructuredOutput {
		for _, item := range flatten(value) {
			records = append(records, baseRecord{RunID: run.ID, Category: category, Value: item})
		}
	}
	if len(records) == 0 {
		return nil
	}
	return postJSON(ctx, s.client, task.Target, map[string]any{"records": records})
}

// WorkflowSink triggers a downstream workflow with the completed run's
// outputs as its input payload.
type WorkflowSink struct {
	client *http.Client
}

// NewWorkflowSink constructs a WorkflowSink.
func NewWorkflowSink() *WorkflowSink {
	return &WorkflowSink{client: &http.Client{Timeout: defaultHTTPTimeout}}
}

// Deliver POSTs the trigger payload to the workflow URL in the task target.
func (s *WorkflowSink) Deliver(ctx context.Context, task robot.IntegrationTask, run robot.Run) error {
	payload := map[string]any{
		"run_id":   run.ID,
		"robot_id": run.RobotID,
		"status":   run.Status,
		"data":     run.StructuredOutput,
	}
	return postJSON(ctx, s.client, task.Target, payload)
}

func postJSON(ctx context.Context, client *http.Client, url string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("post %s: %w", url, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%s responded %d", url, resp.StatusCode)
	}
	return nil
}
