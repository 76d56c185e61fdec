package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTP metrics
var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vod_transcoder_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "vod_transcoder_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	HTTPRequestsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "vod_transcoder_http_requests_in_flight",
			Help: "Number of HTTP requests currently being processed",
		},
	)

	UploadBytesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "vod_transcoder_upload_bytes_total",
			Help: "Total bytes of source video accepted by the upload endpoint",
		},
	)

	StreamBytesServed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vod_transcoder_stream_bytes_served_total",
			Help: "Bytes of HLS output delivered to clients",
		},
		[]string{"kind"},
	)

	StreamAborts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vod_transcoder_stream_aborts_total",
			Help: "Segment deliveries cut short, by reason",
		},
		[]string{"reason"},
	)
)

// Database metrics
var (
	DBQueryTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vod_transcoder_db_queries_total",
			Help: "Total number of metadata store queries",
		},
		[]string{"operation", "status"},
	)

	DBQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "vod_transcoder_db_query_duration_seconds",
			Help:    "Metadata store query duration in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		},
		[]string{"operation"},
	)

	DBRetryAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vod_transcoder_db_retry_attempts_total",
			Help: "Metadata store operations retried after a transient failure",
		},
		[]string{"operation"},
	)

	DBRetryExhausted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vod_transcoder_db_retry_exhausted_total",
			Help: "Metadata store operations that failed after every retry",
		},
		[]string{"operation"},
	)

	DBConnectionsOpen = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "vod_transcoder_db_connections_open",
			Help: "Number of open metadata store connections",
		},
	)
)

// Pipeline metrics
var (
	JobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vod_transcoder_jobs_total",
			Help: "Jobs that reached a terminal status, or were interrupted",
		},
		[]string{"status"}, // "ready", "error", "interrupted"
	)

	JobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "vod_transcoder_job_duration_seconds",
			Help:    "Wall-clock time from pipeline start to terminal status",
			Buckets: []float64{5, 15, 30, 60, 120, 300, 600, 1200, 2400, 3600},
		},
		[]string{"status"},
	)

	JobsInProgress = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "vod_transcoder_jobs_in_progress",
			Help: "Number of jobs currently owned by a pipeline worker",
		},
	)

	JobsByStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "vod_transcoder_jobs_by_status",
			Help: "Number of persisted jobs per lifecycle status",
		},
		[]string{"status"},
	)

	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "vod_transcoder_queue_depth",
			Help: "Jobs waiting for a pipeline worker",
		},
	)

	QueueRejected = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "vod_transcoder_queue_rejected_total",
			Help: "Jobs rejected because the queue was full",
		},
	)

	RenditionEncodesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vod_transcoder_rendition_encodes_total",
			Help: "Per-profile encodes by outcome",
		},
		[]string{"profile", "status"}, // "success", "failure", "timeout"
	)

	RenditionEncodeDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "vod_transcoder_rendition_encode_duration_seconds",
			Help:    "Per-profile encode duration in seconds",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600, 1200},
		},
		[]string{"profile"},
	)

	EngineProcessesActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "vod_transcoder_engine_processes_active",
			Help: "Live encoder subprocesses",
		},
	)

	SourceCleanupFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "vod_transcoder_source_cleanup_failures_total",
			Help: "Uploaded source files that could not be removed",
		},
	)

	PosterGenerationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vod_transcoder_poster_generations_total",
			Help: "Poster images produced per job",
		},
		[]string{"source", "status"}, // source: "video", "image"
	)
)

// Filesystem metrics
var (
	FilesystemRetryAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vod_transcoder_filesystem_retry_attempts_total",
			Help: "Filesystem operations retried after a stale NFS handle",
		},
		[]string{"operation", "volume"},
	)

	FilesystemRetrySuccess = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vod_transcoder_filesystem_retry_success_total",
			Help: "Filesystem operations that succeeded after retrying",
		},
		[]string{"operation", "volume"},
	)

	FilesystemRetryFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vod_transcoder_filesystem_retry_failures_total",
			Help: "Filesystem operations that failed after every retry",
		},
		[]string{"operation", "volume"},
	)

	FilesystemStaleErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vod_transcoder_filesystem_stale_errors_total",
			Help: "ESTALE errors observed",
		},
		[]string{"operation", "volume"},
	)
)

// Memory and housekeeping metrics
var (
	MemoryUsageRatio = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "vod_transcoder_memory_usage_ratio",
			Help: "Heap allocation as a fraction of the Go memory limit",
		},
	)

	MemoryPaused = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "vod_transcoder_memory_paused",
			Help: "1 while new jobs are held back by memory pressure",
		},
	)

	MemoryGCPauses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "vod_transcoder_memory_gc_pauses_total",
			Help: "Times job admission was paused for memory pressure",
		},
	)

	SweepRemovedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vod_transcoder_sweep_removed_total",
			Help: "Orphaned files and directories removed by the sweeper",
		},
		[]string{"kind"}, // "upload", "stream"
	)

	SweepDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "vod_transcoder_sweep_duration_seconds",
			Help:    "Duration of one orphan sweep",
			Buckets: prometheus.DefBuckets,
		},
	)
)

// Application info
var AppInfo = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "vod_transcoder_app_info",
		Help: "Build information (value is always 1)",
	},
	[]string{"version", "commit", "go_version"},
)
