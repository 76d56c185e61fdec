// Package startup handles application initialization, configuration loading,
// and startup/shutdown logging.
//
// # Configuration
//
// All configuration is loaded from environment variables via [LoadConfig]:
//
//   - PORT: API and stream server port (default: 5000)
//   - METRICS_PORT: Prometheus metrics server port (default: 9090)
//   - METRICS_ENABLED: Enable or disable the metrics server (default: true)
//   - STREAMS_DIR: Root of the published HLS trees (default: ./streams)
//   - UPLOAD_DIR: Staging area for uploaded sources (default: ./uploads)
//   - DATABASE_DIR: Directory holding videos.db (default: ./data)
//   - DATABASE_URL: Postgres DSN; when set the sqlite store is not used
//   - FFMPEG_PATH: Encoder binary (default: ffmpeg)
//   - RENDITION_PROFILES: Ladder override, e.g. "360p=640x360@800k/96k,720p=1280x720@2500k/128k"
//   - SEGMENT_DURATION: HLS segment length, Go duration or seconds (default: 6s)
//   - ENCODE_CONCURRENCY: Parallel encodes per job (default: one per CPU, at most 4)
//   - ENCODE_TIMEOUT: Per-rendition encode timeout, 0 disables (default: 30m)
//   - JOB_WORKERS: Jobs processed concurrently (default: 2)
//   - JOB_QUEUE_SIZE: Jobs waiting for a worker before uploads are refused (default: 64)
//   - MAX_UPLOAD_SIZE: Request body cap, e.g. 4GiB or 512M (default: 4GiB)
//   - UPLOAD_TOKEN_HASH: bcrypt hash of the upload bearer token (see vodctl hash-token)
//   - CORS_ORIGINS: Comma-separated origins allowed cross-origin access, "*" for any (default: *)
//   - SWEEP_INTERVAL: How often orphaned uploads and stream directories are removed, 0 disables (default: 1h)
//   - SWEEP_GRACE: Minimum age before an orphan is removed (default: 24h)
//   - POSTER_ENABLED: Write poster.jpg for each job (default: true)
//   - LOG_LEVEL: Logging level - debug, info, warn, error (default: info)
//   - LOG_STATIC_FILES: Log stream file requests (default: false)
//   - LOG_HEALTH_CHECKS: Log health check requests (default: true)
//
// # Directory Setup
//
// The streams, upload and database directories are resolved to absolute
// paths, created when missing and probed for write access. The database
// directory is skipped when DATABASE_URL selects Postgres.
//
// # Build Information
//
// Build-time variables are injected via ldflags and exposed via [GetBuildInfo]:
//   - Version: Application version
//   - Commit: Git commit hash
//   - BuildTime: Build timestamp
//   - GoVersion: Go compiler version
//
// # Lifecycle Logging
//
//   - [LogDatabaseInit]: Metadata store initialization timing
//   - [LogTranscoderInit]: Rendition ladder and FFmpeg availability
//   - [LogDispatcherInit]: Job worker pool sizing
//   - [LogRecovery]: Interrupted jobs picked up again
//   - [LogHTTPRoutes]: Registered HTTP routes (debug level)
//   - [LogServerStarted]: Server endpoints and startup duration
//   - [LogShutdownInitiated]: Graceful shutdown start
//   - [LogShutdownComplete]: Shutdown completion
package startup
