// Package main hosts the run orchestrator service entrypoint.
//
// Architecture overview:
//   - HTTP API: internal/api.Server exposes health, metrics, run management
//     endpoints, and a websocket event stream. Run submissions are validated,
//     persisted via the RunStore, and handed to the orchestrator which
//     returns immediately with a queued run.
//   - Orchestration: internal/orchestrator owns the run lifecycle. It
//     allocates an isolated browser worker from the pool, waits for the
//     readiness handshake, and dispatches execution under per-format and
//     per-workflow deadlines. Abort rewrites status only; the dispatch path
//     releases workers when it observes an aborted run.
//   - Execution engine: internal/engine replays recorded workflow steps with
//     Chromedp, expands crawl targets through a Colly-based link discoverer,
//     and converts pages to markdown, HTML, and screenshot artifacts.
//   - Persistence & fanout: run records go to Postgres (or memory), binary
//     artifacts to GCS (or memory) with references written only after bytes
//     land. Terminal runs fan out to live websocket subscribers, webhook
//     deliveries with exponential backoff, and a durable Pub/Sub-backed
//     integration queue drained by internal/integration.Runner into
//     spreadsheet and HTTP sinks.
//   - Configuration & plumbing: Viper populates config from env/files; zap
//     provides structured logging; Prometheus counters and histograms track
//     run lifecycle activity; OpenTelemetry trace context propagates into
//     webhook and queue deliveries. Scheduled robots fire through a cron
//     scheduler that reconciles against robot definitions.
//
// Operational notes:
//   - Concurrency model: a bounded worker pool caps simultaneous browsers;
//     acquisition and webhook delivery run on goroutines detached from the
//     request context so client disconnects never cancel in-flight runs.
//   - Shutdown: SIGTERM drains the HTTP server, stops the scheduler, waits
//     for in-flight acquisitions and webhook deliveries, then flushes the
//     event hub and tracer before exit.
//
// Run locally: go run ./cmd/orchestrator -config config.yaml (or rely on
// ORCH_* env overrides).
package main
