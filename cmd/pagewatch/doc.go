// Package main hosts the pagewatch service entrypoint.
//
// Architecture overview:
//   - Scheduler: internal/scheduler runs three cron jobs on independent intervals. The capture tick runs one
//     worker batch per watch kind, the dispatch tick sends pending alerts, and the sweep tick pauses targets older
//     than schedule.max_age_days. A job never overlaps itself; an optional Redis lease keeps a second process from
//     running the same tick.
//   - Watch cycle: internal/worker selects due targets (never-checked first, then oldest check), captures each page
//     through internal/capture (chromedp standard render, evasive retry, size and challenge gate, downscale, local
//     write, optional GCS mirror), classifies the image with the external command for the kind, and records success
//     or failure against the three-strike error state.
//   - Alerts: internal/dispatcher resolves subscribers for every qualifying result and sends one message each through
//     the configured mail transport (log, smtp, pubsub). The result is marked sent and its target paused only when
//     every subscriber accepted the message.
//   - Persistence: Postgres via pgxpool with embedded golang-migrate migrations, or the in-memory store when db.dsn
//     is empty.
//   - Ops: internal/api serves /healthz, /readyz (store ping) and /metrics for Prometheus.
//
// Quick checklist:
//   - Configure env vars: PAGEWATCH_DB_DSN, PAGEWATCH_STORAGE_IMAGE_DIR, PAGEWATCH_CLASSIFIER_PRICE_COMMAND,
//     PAGEWATCH_CLASSIFIER_AVAILABILITY_COMMAND, PAGEWATCH_MAIL_TRANSPORT and the matching mail section.
//   - Run locally: go run ./cmd/pagewatch -config config.yaml (or rely solely on env overrides).
//   - The process reacts to SIGINT/SIGTERM by stopping the scheduler, waiting for running jobs and draining HTTP.
package main
