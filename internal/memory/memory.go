package memory

import (
	"context"
	"runtime"
	"runtime/debug"
	"sync"
	"time"

	"vod-transcoder/internal/logging"
	"vod-transcoder/internal/metrics"
)

// Config holds the admission thresholds.
type Config struct {
	// LimitBytes is the reference limit; 0 uses the Go memory limit.
	LimitBytes int64

	// ResumeMark is the usage fraction below which paused admission resumes.
	ResumeMark float64

	// PauseMark is the usage fraction at which new jobs stop being started.
	PauseMark float64

	CheckInterval time.Duration
}

// DefaultConfig returns the default thresholds.
func DefaultConfig() Config {
	return Config{
		ResumeMark:    0.7,
		PauseMark:     0.85,
		CheckInterval: 5 * time.Second,
	}
}

// Monitor samples heap usage and holds back new jobs while it is above
// the pause mark. Jobs already running are not affected.
type Monitor struct {
	config    Config
	limit     int64
	readAlloc func() uint64

	mu      sync.Mutex
	current uint64
	paused  bool
	resume  chan struct{}

	stop     chan struct{}
	stopOnce sync.Once
}

// NewMonitor creates a monitor. Without a limit it never pauses.
func NewMonitor(config Config) *Monitor {
	limit := config.LimitBytes
	if limit == 0 {
		if goLimit := debug.SetMemoryLimit(-1); goLimit > 0 && goLimit < 1<<62 {
			limit = goLimit
		}
	}
	if config.CheckInterval <= 0 {
		config.CheckInterval = DefaultConfig().CheckInterval
	}

	if limit == 0 {
		logging.Info("Memory monitor: no memory limit configured, job admission is not throttled")
	} else {
		logging.Info("Memory monitor: pausing job admission at %.0f%% of %s", config.PauseMark*100, formatBytes(limit))
	}

	return &Monitor{
		config:    config,
		limit:     limit,
		readAlloc: heapAlloc,
		resume:    make(chan struct{}),
		stop:      make(chan struct{}),
	}
}

func heapAlloc() uint64 {
	var stats runtime.MemStats
	runtime.ReadMemStats(&stats)
	return stats.HeapAlloc
}

// Start begins sampling. It does nothing when no limit is known.
func (m *Monitor) Start() {
	if m.limit == 0 {
		return
	}
	go m.loop()
}

// Stop ends sampling and releases any waiters.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() { close(m.stop) })
}

func (m *Monitor) loop() {
	ticker := time.NewTicker(m.config.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.check()
		case <-m.stop:
			return
		}
	}
}

func (m *Monitor) check() {
	alloc := m.readAlloc()
	usage := float64(alloc) / float64(m.limit)
	metrics.MemoryUsageRatio.Set(usage)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.current = alloc

	switch {
	case !m.paused && usage >= m.config.PauseMark:
		logging.Warn("Memory at %.1f%% of limit, holding back new jobs", usage*100)
		m.paused = true
		metrics.MemoryPaused.Set(1)
		metrics.MemoryGCPauses.Inc()
		go runtime.GC()
	case m.paused && usage < m.config.ResumeMark:
		logging.Info("Memory back to %.1f%% of limit, resuming job admission", usage*100)
		m.paused = false
		metrics.MemoryPaused.Set(0)
		close(m.resume)
		m.resume = make(chan struct{})
	}
}

// Wait blocks while admission is paused. It returns ctx's error if ctx
// ends first, and nil once the monitor is stopped.
func (m *Monitor) Wait(ctx context.Context) error {
	m.mu.Lock()
	if !m.paused {
		m.mu.Unlock()
		return nil
	}
	resume := m.resume
	m.mu.Unlock()

	select {
	case <-resume:
		return nil
	case <-m.stop:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Paused reports whether new jobs are currently held back.
func (m *Monitor) Paused() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.paused
}

// Stats returns the last sampled heap size and the reference limit.
func (m *Monitor) Stats() (current uint64, limit int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current, m.limit
}
