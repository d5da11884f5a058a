// Package main wires together the run orchestrator service.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/storage"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/webrobots/orchestrator/internal/api"
	"github.com/webrobots/orchestrator/internal/clock/system"
	"github.com/webrobots/orchestrator/internal/config"
	"github.com/webrobots/orchestrator/internal/engine"
	"github.com/webrobots/orchestrator/internal/events"
	eventsinks "github.com/webrobots/orchestrator/internal/events/sinks"
	"github.com/webrobots/orchestrator/internal/id/uuid"
	"github.com/webrobots/orchestrator/internal/integration"
	queuememory "github.com/webrobots/orchestrator/internal/integration/queue/memory"
	queuepubsub "github.com/webrobots/orchestrator/internal/integration/queue/pubsub"
	intsinks "github.com/webrobots/orchestrator/internal/integration/sinks"
	intstore "github.com/webrobots/orchestrator/internal/integration/store/memory"
	"github.com/webrobots/orchestrator/internal/logging"
	"github.com/webrobots/orchestrator/internal/notify"
	"github.com/webrobots/orchestrator/internal/orchestrator"
	"github.com/webrobots/orchestrator/internal/pool"
	"github.com/webrobots/orchestrator/internal/readiness"
	"github.com/webrobots/orchestrator/internal/robot"
	"github.com/webrobots/orchestrator/internal/schedule"
	"github.com/webrobots/orchestrator/internal/storage/gcs"
	storagememory "github.com/webrobots/orchestrator/internal/storage/memory"
	storememory "github.com/webrobots/orchestrator/internal/store/memory"
	"github.com/webrobots/orchestrator/internal/store/postgres"
	"github.com/webrobots/orchestrator/internal/telemetry"
)

func main() {
	cfgPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()
	zap.ReplaceGlobals(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("orchestrator exited", zap.Error(err))
	}
}

func run(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	tracing, err := telemetry.Init(ctx, telemetry.Options{
		ServiceName:    "robot-orchestrator",
		ServiceVersion: "0.1.0",
		ExportStdout:   cfg.Logging.Development,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}

	clock := system.New()
	idGen := uuid.New()

	var runs robot.RunStore
	if cfg.DB.DSN != "" {
		pgRuns, err := postgres.NewRunStore(ctx, postgres.RunStoreConfig{
			DSN:      cfg.DB.DSN,
			Table:    cfg.DB.RunTable,
			MaxConns: cfg.DB.MaxConns,
			MinConns: cfg.DB.MinConns,
		})
		if err != nil {
			return fmt.Errorf("init postgres run store: %w", err)
		}
		defer pgRuns.Close()
		runs = pgRuns
		logger.Info("run store: postgres", zap.String("table", cfg.DB.RunTable))
	} else {
		runs = storememory.NewRunStore()
		logger.Info("run store: memory")
	}

	robots := storememory.NewRobotStore()

	var blobs robot.BlobStore
	if cfg.Storage.GCSBucket != "" {
		client, err := storage.NewClient(ctx)
		if err != nil {
			return fmt.Errorf("init storage client: %w", err)
		}
		defer func() { _ = client.Close() }()
		blobs, err = gcs.New(client, gcs.Config{Bucket: cfg.Storage.GCSBucket})
		if err != nil {
			return fmt.Errorf("init gcs blob store: %w", err)
		}
		logger.Info("blob store: gcs", zap.String("bucket", cfg.Storage.GCSBucket))
	} else {
		blobs = storagememory.NewBlobStore()
		logger.Info("blob store: memory")
	}

	broker := readiness.NewBroker()
	resolver := pool.NewStaticResolver(robot.Credentials{
		ProxyURL:      cfg.Proxy.URL,
		ProxyUsername: cfg.Proxy.Username,
		ProxyPassword: cfg.Proxy.Password,
	})
	workers, err := pool.New(pool.Config{
		MaxWorkers:  cfg.Pool.MaxWorkers,
		UserAgent:   cfg.Pool.UserAgent,
		BootTimeout: cfg.ReadinessTimeout(),
	}, resolver, idGen, broker, logger.Named("pool"))
	if err != nil {
		return fmt.Errorf("init worker pool: %w", err)
	}
	defer workers.Close()

	var dialer robot.ReadinessDialer = broker
	if cfg.Pool.ReadinessURL != "" {
		wsDialer, err := readiness.NewWebsocketDialer(cfg.Pool.ReadinessURL, cfg.ReadinessTimeout(), logger.Named("readiness"))
		if err != nil {
			return fmt.Errorf("init readiness dialer: %w", err)
		}
		dialer = wsDialer
	}

	promSink, err := eventsinks.NewPrometheusSink(prometheus.DefaultRegisterer)
	if err != nil {
		return fmt.Errorf("init prometheus sink: %w", err)
	}
	subscribers := eventsinks.NewSubscriberSink(logger.Named("events"))
	hub := events.NewHub(
		events.HubConfig{Logger: logger.Named("events")},
		eventsinks.NewLogSink(logger.Named("events")),
		promSink,
		subscribers,
	)

	var queue robot.TaskQueue
	if cfg.PubSub.ProjectID != "" {
		psQueue, err := queuepubsub.NewQueue(ctx, cfg.PubSub.ProjectID, cfg.PubSub.TopicName, cfg.PubSub.Subscription, logger.Named("queue"))
		if err != nil {
			return fmt.Errorf("init pubsub queue: %w", err)
		}
		defer func() { _ = psQueue.Close() }()
		queue = psQueue
		logger.Info("task queue: pubsub", zap.String("topic", cfg.PubSub.TopicName))
	} else {
		queue = queuememory.NewQueue()
		logger.Info("task queue: memory")
	}

	sender := notify.NewWebhookSender(robots, clock, notify.WebhookDefaults{
		RetryAttempts: cfg.Webhook.RetryAttempts,
		RetryDelay:    time.Duration(cfg.Webhook.RetryDelaySec) * time.Second,
		Timeout:       time.Duration(cfg.Webhook.TimeoutSec) * time.Second,
		MaxBackoff:    time.Duration(cfg.Webhook.MaxBackoffDelay) * time.Second,
	}, logger.Named("webhook"))
	fanout := notify.NewFanout(hub, sender, queue, idGen, clock, logger.Named("notify"))

	discoverer := engine.NewLinkDiscoverer(cfg.Pool.UserAgent, logger.Named("engine"))
	interpreter := engine.NewInterpreter(engine.InterpreterConfig{}, discoverer, logger.Named("engine"))
	converter := engine.NewConverter(logger.Named("engine"))

	orch, err := orchestrator.New(orchestrator.Config{
		ReadinessTimeout: cfg.ReadinessTimeout(),
		FormatTimeout:    cfg.FormatTimeout(),
		WorkflowTimeout:  cfg.WorkflowTimeout(),
	}, orchestrator.Deps{
		Runs:        runs,
		Robots:      robots,
		Blobs:       blobs,
		Pool:        workers,
		Dialer:      dialer,
		Converter:   converter,
		Interpreter: interpreter,
		Notifier:    fanout,
		Clock:       clock,
		IDGen:       idGen,
		Logger:      logger.Named("orchestrator"),
	})
	if err != nil {
		return fmt.Errorf("init orchestrator: %w", err)
	}

	runner := integration.NewRunner(integration.RunnerConfig{
		MaxRetries: cfg.Integration.MaxRetries,
		RetryDelay: time.Duration(cfg.Integration.RetryDelayMs) * time.Millisecond,
	}, queue, runs, intstore.NewTaskStore(), map[robot.SinkKind]integration.Sink{
		robot.SinkSpreadsheet: intsinks.NewSpreadsheetSink(cfg.Integration.WorkbookDir, logger.Named("integration")),
		robot.SinkBase:        intsinks.NewBaseSink(),
		robot.SinkWorkflow:    intsinks.NewWorkflowSink(),
	}, logger.Named("integration"))
	go func() {
		if err := runner.Run(ctx); err != nil {
			logger.Error("integration runner stopped", zap.Error(err))
		}
	}()

	scheduler := schedule.New(schedule.Config{Logger: logger.Named("schedule")}, robots, orch, idGen)
	if err := scheduler.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}

	apiServer := api.NewServer(orch, subscribers, prometheus.DefaultGatherer, cfg, logger.Named("api"))
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("http server started", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	scheduler.Stop()
	orch.Wait()
	fanout.Wait()
	if err := hub.Close(shutdownCtx); err != nil {
		logger.Error("event hub close error", zap.Error(err))
	}
	if err := tracing.Shutdown(shutdownCtx); err != nil {
		logger.Error("telemetry shutdown error", zap.Error(err))
	}
	logger.Info("shutdown complete")
	return nil
}
