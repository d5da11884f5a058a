// Package pubsub provides a durable task queue on Google Cloud Pub/Sub.
// Pending integration tasks survive process restarts because they live in
// the subscription until acked.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"cloud.google.com/go/pubsub"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/webrobots/orchestrator/internal/robot"
)

const receiveBuffer = 256

// Queue implements robot.TaskQueue over a Pub/Sub topic and subscription.
// Enqueue publishes to the topic; a background receiver pulls from the
// subscription into a local buffer that Dequeue drains. A message is acked
// as soon as it is buffered, so delivery retries after that point are owned
// by the runner's task store.
type Queue struct {
	client *pubsub.Client
	topic  *pubsub.Topic
	logger *zap.Logger

	tasks  chan robot.IntegrationTask
	cancel context.CancelFunc
	done   chan struct{}

	closeOnce sync.Once
}

// NewQueue connects to Pub/Sub, verifies the topic and subscription exist,
// and starts the background receiver.
func NewQueue(ctx context.Context, projectID, topicID, subscriptionID string, logger *zap.Logger) (*Queue, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("create pubsub client: %w", err)
	}

	topic := client.Topic(topicID)
	ok, err := topic.Exists(ctx)
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("check topic %s: %w", topicID, err)
	}
	if !ok {
		_ = client.Close()
		return nil, fmt.Errorf("pubsub topic %s does not exist in project %s", topicID, projectID)
	}

	sub := client.Subscription(subscriptionID)
	ok, err = sub.Exists(ctx)
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("check subscription %s: %w", subscriptionID, err)
	}
	if !ok {
		_ = client.Close()
		return nil, fmt.Errorf("pubsub subscription %s does not exist in project %s", subscriptionID, projectID)
	}

	receiveCtx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		client: client,
		topic:  topic,
		logger: logger,
		tasks:  make(chan robot.IntegrationTask, receiveBuffer),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go q.receive(receiveCtx, sub)
	return q, nil
}

// Enqueue publishes the task and waits for the server acknowledgment so the
// caller knows the task is durable.
func (q *Queue) Enqueue(ctx context.Context, task robot.IntegrationTask) error {
	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}
	msg := &pubsub.Message{Data: data, Attributes: make(map[string]string)}
	otel.GetTextMapPropagator().Inject(ctx, &messageCarrier{attrs: msg.Attributes})

	if _, err := q.topic.Publish(ctx, msg).Get(ctx); err != nil {
		return fmt.Errorf("publish task: %w", err)
	}
	return nil
}

// Dequeue pops one buffered task or returns robot.ErrNoTask.
func (q *Queue) Dequeue(ctx context.Context) (robot.IntegrationTask, error) {
	select {
	case task, ok := <-q.tasks:
		if !ok {
			return robot.IntegrationTask{}, robot.ErrNoTask
		}
		return task, nil
	case <-ctx.Done():
		return robot.IntegrationTask{}, ctx.Err()
	default:
		return robot.IntegrationTask{}, robot.ErrNoTask
	}
}

func (q *Queue) receive(ctx context.Context, sub *pubsub.Subscription) {
	defer close(q.done)
	err := sub.Receive(ctx, func(_ context.Context, msg *pubsub.Message) {
		var task robot.IntegrationTask
		if err := json.Unmarshal(msg.Data, &task); err != nil {
			q.logger.Warn("dropping malformed integration task", zap.Error(err))
			msg.Ack()
			return
		}
		select {
		case q.tasks <- task:
			msg.Ack()
		case <-ctx.Done():
			msg.Nack()
		}
	})
	if err != nil && ctx.Err() == nil {
		q.logger.Error("pubsub receive stopped", zap.Error(err))
	}
}

// Close stops the receiver and closes the client.
func (q *Queue) Close() error {
	var err error
	q.closeOnce.Do(func() {
		q.cancel()
		<-q.done
		q.topic.Stop()
		err = q.client.Close()
	})
	if err != nil {
		return fmt.Errorf("close pubsub client: %w", err)
	}
	return nil
}

// messageCarrier implements propagation.TextMapCarrier for message attributes.
type messageCarrier struct {
	attrs map[string]string
}

func (c *messageCarrier) Get(key string) string {
	return c.attrs[key]
}

func (c *messageCarrier) Set(key, value string) {
	c.attrs[key] = value
}

func (c *messageCarrier) Keys() []string {
	keys := make([]string, 0, len(c.attrs))
	for k := range c.attrs {
		keys = append(keys, k)
	}
	return keys
}
