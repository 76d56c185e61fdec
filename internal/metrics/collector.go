package metrics

import (
	"context"
	"time"

	"vod-transcoder/internal/logging"
)

// StatsProvider reports how many persisted jobs sit in each status.
type StatsProvider interface {
	CountByStatus(ctx context.Context) (map[string]int, error)
}

// Collector periodically collects and updates metrics
type Collector struct {
	statsProvider StatsProvider
	interval      time.Duration
	stopChan      chan struct{}
}

// NewCollector creates a new metrics collector
func NewCollector(provider StatsProvider, interval time.Duration) *Collector {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Collector{
		statsProvider: provider,
		interval:      interval,
		stopChan:      make(chan struct{}),
	}
}

// Start begins the metrics collection loop
func (c *Collector) Start() {
	go c.collectLoop()
}

// Stop stops the metrics collection
func (c *Collector) Stop() {
	close(c.stopChan)
}

func (c *Collector) collectLoop() {
	c.collect()

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.collect()
		case <-c.stopChan:
			return
		}
	}
}

func (c *Collector) collect() {
	if c.statsProvider == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	counts, err := c.statsProvider.CountByStatus(ctx)
	if err != nil {
		logging.Warn("Metrics collection failed: %v", err)
		return
	}

	for _, status := range []string{"processing", "ready", "error"} {
		JobsByStatus.WithLabelValues(status).Set(float64(counts[status]))
	}

	logging.Debug("Metrics collected: processing=%d, ready=%d, error=%d",
		counts["processing"], counts["ready"], counts["error"])
}
