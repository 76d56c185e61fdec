package workers

import (
	"os"
	"runtime"
	"strconv"
)

// Count returns the number of workers for a task type, sized from GOMAXPROCS
// so container CPU limits are respected.
//
// The multiplier adjusts for task characteristics:
//   - 1.0 for CPU-bound tasks such as encoding
//   - 2.0 for I/O-bound tasks
//   - 1.5 for mixed tasks
//
// A positive integer in the envKey environment variable overrides the
// calculation. The limit caps the result either way; use 0 for no limit.
func Count(envKey string, multiplier float64, limit int) int {
	if envKey != "" {
		if override := os.Getenv(envKey); override != "" {
			if count, err := strconv.Atoi(override); err == nil && count > 0 {
				if limit > 0 && count > limit {
					return limit
				}
				return count
			}
		}
	}

	available := runtime.GOMAXPROCS(0)

	workers := int(float64(available) * multiplier)

	if workers < 1 {
		workers = 1
	}
	if limit > 0 && workers > limit {
		workers = limit
	}

	return workers
}

// ForCPU returns worker count for CPU-bound tasks (1 per CPU).
func ForCPU(envKey string, limit int) int {
	return Count(envKey, 1.0, limit)
}

// ForIO returns worker count for I/O-bound tasks (2 per CPU).
func ForIO(envKey string, limit int) int {
	return Count(envKey, 2.0, limit)
}

// ForMixed returns worker count for mixed tasks (1.5 per CPU).
func ForMixed(envKey string, limit int) int {
	return Count(envKey, 1.5, limit)
}
