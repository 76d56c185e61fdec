// Package metrics provides Prometheus instrumentation for the transcoding
// service.
//
// All metrics are registered with the default registry through promauto and
// are prefixed with "vod_transcoder_". Mount promhttp.Handler() on the
// metrics port to expose them.
//
// # Metric Categories
//
//   - HTTP: request counts, durations, in-flight requests, uploaded bytes
//   - Database: query counts/durations by operation, retry attempts and
//     exhausted retries
//   - Pipeline: jobs by terminal status, job duration, jobs in progress,
//     queue depth and rejections, per-profile encode outcomes and durations,
//     live encoder subprocesses, source cleanup failures, poster generation
//   - Filesystem: NFS stale-handle retries by operation and volume
//
// The [Collector] periodically asks a [StatsProvider] (the job store) for
// per-status job counts and publishes them as gauges.
//
// Useful queries:
//
//	sum(rate(vod_transcoder_rendition_encodes_total{status!="success"}[1h])) by (profile)
//	histogram_quantile(0.95, sum(rate(vod_transcoder_job_duration_seconds_bucket[1h])) by (le))
package metrics
