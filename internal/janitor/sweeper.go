package janitor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"vod-transcoder/internal/database"
	"vod-transcoder/internal/filesystem"
	"vod-transcoder/internal/logging"
	"vod-transcoder/internal/metrics"
	"vod-transcoder/internal/pipeline"
)

// ErrSweepInProgress is returned by Sweep when another sweep is running.
var ErrSweepInProgress = errors.New("sweep already in progress")

// Config controls how often the sweeper runs and how old an orphan must be.
type Config struct {
	UploadDir  string
	StreamsDir string
	// Interval between sweeps. Zero disables the periodic loop.
	Interval time.Duration
	// Grace is the minimum age of a file before it counts as orphaned.
	Grace time.Duration
}

// Result counts what one sweep removed.
type Result struct {
	UploadsRemoved int
	StreamsRemoved int
}

// Sweeper removes staged uploads and stream directories left behind when
// the process died between writing a file and recording or finishing its
// job.
type Sweeper struct {
	store database.Store
	cfg   Config
	retry filesystem.RetryConfig
	now   func() time.Time

	stopChan chan struct{}
	stopOnce sync.Once

	mu         sync.Mutex
	isSweeping bool
	lastSweep  time.Time
}

// New creates a sweeper. Call Start for the periodic loop.
func New(store database.Store, cfg Config) *Sweeper {
	return &Sweeper{
		store:    store,
		cfg:      cfg,
		retry:    filesystem.DefaultRetryConfig(),
		now:      time.Now,
		stopChan: make(chan struct{}),
	}
}

// Start runs a sweep every Interval until Stop.
func (s *Sweeper) Start() {
	if s.cfg.Interval <= 0 {
		return
	}
	go s.periodicSweep()
}

// Stop ends the periodic loop. A sweep in progress finishes.
func (s *Sweeper) Stop() {
	s.stopOnce.Do(func() { close(s.stopChan) })
}

func (s *Sweeper) periodicSweep() {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), max(s.cfg.Interval, time.Minute))
			if _, err := s.Sweep(ctx); err != nil && !errors.Is(err, ErrSweepInProgress) {
				logging.Error("Orphan sweep failed: %v", err)
			}
			cancel()
		case <-s.stopChan:
			return
		}
	}
}

// LastSweep returns when the last sweep finished.
func (s *Sweeper) LastSweep() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSweep
}

func (s *Sweeper) tryStart() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.isSweeping {
		return false
	}
	s.isSweeping = true
	return true
}

func (s *Sweeper) finish() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.isSweeping = false
	s.lastSweep = s.now()
}

// Sweep removes orphans once.
func (s *Sweeper) Sweep(ctx context.Context) (Result, error) {
	if !s.tryStart() {
		return Result{}, ErrSweepInProgress
	}
	defer s.finish()

	start := time.Now()
	defer func() { metrics.SweepDuration.Observe(time.Since(start).Seconds()) }()

	var result Result
	var errs []error

	n, err := s.sweepUploads(ctx)
	result.UploadsRemoved = n
	if err != nil {
		errs = append(errs, err)
	}

	n, err = s.sweepStreams(ctx)
	result.StreamsRemoved = n
	if err != nil {
		errs = append(errs, err)
	}

	if result.UploadsRemoved > 0 || result.StreamsRemoved > 0 {
		logging.Info("Orphan sweep removed %d upload(s) and %d stream director(ies) in %v",
			result.UploadsRemoved, result.StreamsRemoved, time.Since(start).Round(time.Millisecond))
	} else {
		logging.Debug("Orphan sweep found nothing to remove")
	}
	return result, errors.Join(errs...)
}

// sweepUploads removes old files in the upload directory that no
// processing job still needs.
func (s *Sweeper) sweepUploads(ctx context.Context) (int, error) {
	if s.cfg.UploadDir == "" {
		return 0, nil
	}

	jobs, err := s.store.ListJobs(ctx, database.StatusProcessing)
	if err != nil {
		return 0, fmt.Errorf("list processing jobs: %w", err)
	}
	inUse := make(map[string]bool, len(jobs)*2)
	for _, job := range jobs {
		inUse[filepath.Clean(job.SourcePath)] = true
		inUse[filepath.Clean(job.SourcePath+pipeline.PosterSuffix)] = true
	}

	entries, err := os.ReadDir(s.cfg.UploadDir)
	if err != nil {
		return 0, fmt.Errorf("read upload directory: %w", err)
	}

	cutoff := s.now().Add(-s.cfg.Grace)
	removed := 0
	for _, entry := range entries {
		if ctx.Err() != nil {
			return removed, ctx.Err()
		}
		if !entry.Type().IsRegular() {
			continue
		}
		path := filepath.Join(s.cfg.UploadDir, entry.Name())
		if inUse[path] || !olderThan(entry, cutoff) {
			continue
		}
		if err := filesystem.RemoveWithRetry(path, s.retry); err != nil {
			logging.Warn("Failed to remove orphaned upload %s: %v", path, err)
			continue
		}
		logging.Debug("Removed orphaned upload %s", entry.Name())
		metrics.SweepRemovedTotal.WithLabelValues("upload").Inc()
		removed++
	}
	return removed, nil
}

// sweepStreams removes old job directories whose job is gone.
func (s *Sweeper) sweepStreams(ctx context.Context) (int, error) {
	if s.cfg.StreamsDir == "" {
		return 0, nil
	}

	entries, err := os.ReadDir(s.cfg.StreamsDir)
	if err != nil {
		return 0, fmt.Errorf("read streams directory: %w", err)
	}

	cutoff := s.now().Add(-s.cfg.Grace)
	removed := 0
	for _, entry := range entries {
		if ctx.Err() != nil {
			return removed, ctx.Err()
		}
		if !entry.IsDir() || !olderThan(entry, cutoff) {
			continue
		}

		_, err := s.store.GetJob(ctx, entry.Name())
		switch {
		case err == nil:
			continue
		case !errors.Is(err, database.ErrJobNotFound):
			logging.Warn("Skipping stream directory %s: %v", entry.Name(), err)
			continue
		}

		path := filepath.Join(s.cfg.StreamsDir, entry.Name())
		if err := filesystem.RemoveAllWithRetry(path, s.retry); err != nil {
			logging.Warn("Failed to remove orphaned stream directory %s: %v", path, err)
			continue
		}
		logging.Debug("Removed orphaned stream directory %s", entry.Name())
		metrics.SweepRemovedTotal.WithLabelValues("stream").Inc()
		removed++
	}
	return removed, nil
}

func olderThan(entry os.DirEntry, cutoff time.Time) bool {
	info, err := entry.Info()
	if err != nil {
		return false
	}
	return info.ModTime().Before(cutoff)
}
