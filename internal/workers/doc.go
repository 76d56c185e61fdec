/*
Package workers sizes worker pools in containerized environments.

runtime.NumCPU reports the host's CPUs, while GOMAXPROCS follows the
container CPU limit. Encoding several renditions at once on a 2-core pod
scheduled on a 64-core node must not start 64 ffmpeg processes, so every
helper here derives its count from GOMAXPROCS.

	// Per-job parallel encodes: one per CPU, at most 4
	n := workers.ForCPU("ENCODE_CONCURRENCY", 4)

	// Custom ratio, no cap
	n := workers.Count("", 2.0, 0)

# Environment Variable Override

Each helper takes the name of an environment variable. When it holds a
positive integer that value is used instead of the calculation, still
capped by the limit:

	env:
	- name: ENCODE_CONCURRENCY
	  value: "2"

Invalid or non-positive values are ignored.
*/
package workers
