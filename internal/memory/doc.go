// Package memory keeps the service inside its container memory limit.
//
// [ConfigureFromEnv] sets the Go memory limit from the container limit,
// leaving headroom for the ffmpeg processes that share the cgroup:
//
//   - GOMEMLIMIT: standard Go variable; when set it wins.
//   - MEMORY_LIMIT: container limit in bytes, typically from the Kubernetes
//     Downward API (resourceFieldRef limits.memory).
//   - MEMORY_RATIO: share of MEMORY_LIMIT given to the Go heap (default 0.6).
//
// A [Monitor] samples heap usage and, above its pause mark, holds back new
// transcode jobs until usage drops below the resume mark. The job
// dispatcher calls [Monitor.Wait] before starting each job.
package memory
