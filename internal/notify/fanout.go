package notify

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/webrobots/orchestrator/internal/events"
	"github.com/webrobots/orchestrator/internal/robot"
)

// Fanout implements robot.Notifier. Each delivery target is guarded
// independently: a webhook failure never stops integration enqueue, and no
// delivery failure ever reaches the orchestrator.
type Fanout struct {
	emitter events.Emitter
	sender  *WebhookSender
	queue   robot.TaskQueue
	idGen   robot.IDGenerator
	clock   robot.Clock
	logger  *zap.Logger

	wg sync.WaitGroup
}

// NewFanout constructs a Fanout. Any of emitter, sender, or queue may be nil
// to disable that delivery path.
func NewFanout(
	emitter events.Emitter,
	sender *WebhookSender,
	queue robot.TaskQueue,
	idGen robot.IDGenerator,
	clock robot.Clock,
	logger *zap.Logger,
) *Fanout {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Fanout{
		emitter: emitter,
		sender:  sender,
		queue:   queue,
		idGen:   idGen,
		clock:   clock,
		logger:  logger,
	}
}

// RunStarted announces a freshly created run to live subscribers.
func (f *Fanout) RunStarted(_ context.Context, run robot.Run, rb robot.Robot) {
	if f.emitter != nil {
		f.emitter.Emit(events.FromRun(events.KindRunStarted, run, rb, f.clock.Now().UTC()))
	}
}

// RunFinished announces a terminal run to live subscribers, delivers
// webhooks, and enqueues integration tasks for successful runs. Webhook
// delivery happens on background goroutines detached from the caller's
// context so an already-finished dispatch cannot cancel it.
func (f *Fanout) RunFinished(ctx context.Context, run robot.Run, rb robot.Robot) {
	if f.emitter != nil {
		f.emitter.Emit(events.FromRun(events.KindRunCompleted, run, rb, f.clock.Now().UTC()))
	}

	if event, ok := webhookEventFor(run.Status); ok && f.sender != nil {
		deliverCtx := context.WithoutCancel(ctx)
		for _, hook := range rb.Webhooks {
			if !hook.Active || !hook.SubscribedTo(event) {
				continue
			}
			hook := hook
			f.wg.Add(1)
			go func() {
				defer f.wg.Done()
				if err := f.sender.Deliver(deliverCtx, hook, event, run); err != nil {
					f.logger.Warn("webhook delivery failed",
						zap.String("webhook_id", hook.ID),
						zap.String("run_id", run.ID),
						zap.Error(err),
					)
				}
			}()
		}
	}

	if run.Status == robot.RunStatusSuccess && f.queue != nil {
		f.enqueueIntegrations(ctx, run, rb)
	}
}

func (f *Fanout) enqueueIntegrations(ctx context.Context, run robot.Run, rb robot.Robot) {
	for _, integration := range rb.Integrations {
		taskID, err := f.idGen.NewID()
		if err != nil {
			f.logger.Error("generate integration task id", zap.Error(err))
			continue
		}
		task := robot.IntegrationTask{
			ID:      taskID,
			RunID:   run.ID,
			RobotID: run.RobotID,
			Kind:    integration.Kind,
			Target:  integration.Target,
			Status:  robot.TaskPending,
		}
		if err := f.queue.Enqueue(ctx, task); err != nil {
			f.logger.Error("enqueue integration task",
				zap.String("run_id", run.ID),
				zap.String("kind", string(integration.Kind)),
				zap.Error(err),
			)
		}
	}
}

// Wait blocks until all in-flight webhook deliveries finish. Used during
// shutdown and in tests.
func (f *Fanout) Wait() {
	f.wg.Wait()
}

// webhookEventFor maps a terminal run status to its webhook event. Aborted
// runs notify live subscribers only.
func webhookEventFor(status robot.RunStatus) (robot.WebhookEvent, bool) {
	switch status {
	case robot.RunStatusSuccess:
		return robot.EventRunCompleted, true
	case robot.RunStatusFailed:
		return robot.EventRunFailed, true
	default:
		return "", false
	}
}
