package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"vod-transcoder/internal/database"
	"vod-transcoder/internal/filesystem"
	"vod-transcoder/internal/logging"
	"vod-transcoder/internal/metrics"
)

var (
	// ErrQueueFull is returned by Submit when no queue slot is free.
	ErrQueueFull = errors.New("transcode queue is full")
	// ErrDispatcherClosed is returned by Submit after Shutdown.
	ErrDispatcherClosed = errors.New("dispatcher is shut down")
)

// PosterSuffix is appended to a staged source path to stage an uploaded
// poster next to it, so recovery can find both.
const PosterSuffix = ".poster"

// Processor runs one task to completion.
type Processor interface {
	Process(ctx context.Context, task Task) Result
}

// Admission gates the start of each job. *memory.Monitor implements it.
type Admission interface {
	Wait(ctx context.Context) error
}

// DispatcherConfig sizes the worker pool.
type DispatcherConfig struct {
	Workers   int
	QueueSize int
	Retry     database.RetryConfig
	// Admission is optional.
	Admission Admission
}

const (
	defaultWorkers   = 2
	defaultQueueSize = 64
)

// Dispatcher runs tasks in the background on a fixed pool of workers so
// upload handlers never wait for a transcode.
type Dispatcher struct {
	processor Processor
	store     database.Store
	workers   int
	retry     database.RetryConfig
	admission Admission

	ctx    context.Context
	cancel context.CancelFunc

	queue chan Task
	wg    sync.WaitGroup

	mu      sync.Mutex
	pending map[string]struct{}
	started bool
	closed  bool
}

// NewDispatcher creates a dispatcher. Call Start to launch the workers.
func NewDispatcher(processor Processor, store database.Store, cfg DispatcherConfig) *Dispatcher {
	workers := cfg.Workers
	if workers <= 0 {
		workers = defaultWorkers
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	retry := cfg.Retry
	if retry.Attempts == 0 {
		retry = database.DefaultRetryConfig()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		processor: processor,
		store:     store,
		workers:   workers,
		retry:     retry,
		admission: cfg.Admission,
		ctx:       ctx,
		cancel:    cancel,
		queue:     make(chan Task, queueSize),
		pending:   make(map[string]struct{}),
	}
}

// Start launches the workers. Calling it more than once has no effect.
func (d *Dispatcher) Start() {
	d.mu.Lock()
	if d.started || d.closed {
		d.mu.Unlock()
		return
	}
	d.started = true
	d.mu.Unlock()

	logging.Info("Starting %d transcode workers (queue size %d)", d.workers, cap(d.queue))
	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.worker()
	}
}

// Submit queues task without blocking. A task whose job is already queued
// or running is ignored.
func (d *Dispatcher) Submit(task Task) error {
	if strings.TrimSpace(task.JobID) == "" {
		return errors.New("task has no job id")
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return ErrDispatcherClosed
	}
	if _, exists := d.pending[task.JobID]; exists {
		logging.Debug("Job %s already queued, ignoring duplicate", task.JobID)
		return nil
	}

	select {
	case d.queue <- task:
		d.pending[task.JobID] = struct{}{}
		metrics.QueueDepth.Set(float64(len(d.queue)))
		return nil
	default:
		metrics.QueueRejected.Inc()
		return ErrQueueFull
	}
}

// Pending returns the number of jobs queued or running.
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// enqueue waits for a queue slot. Used by Recover, which may find more
// jobs than the queue holds.
func (d *Dispatcher) enqueue(ctx context.Context, task Task) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return ErrDispatcherClosed
	}
	if _, exists := d.pending[task.JobID]; exists {
		d.mu.Unlock()
		return nil
	}
	d.pending[task.JobID] = struct{}{}
	d.mu.Unlock()

	select {
	case d.queue <- task:
		metrics.QueueDepth.Set(float64(len(d.queue)))
		return nil
	case <-ctx.Done():
		d.finishWork(task.JobID)
		return ctx.Err()
	case <-d.ctx.Done():
		d.finishWork(task.JobID)
		return ErrDispatcherClosed
	}
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for {
		select {
		case <-d.ctx.Done():
			return
		case task := <-d.queue:
			metrics.QueueDepth.Set(float64(len(d.queue)))
			if d.admission != nil {
				if err := d.admission.Wait(d.ctx); err != nil {
					// Left in processing; Recover picks it up on the next start.
					logging.Info("Job %s not started before shutdown", task.JobID)
					d.finishWork(task.JobID)
					return
				}
			}
			d.run(task)
			d.finishWork(task.JobID)
		}
	}
}

func (d *Dispatcher) run(task Task) {
	defer func() {
		if r := recover(); r != nil {
			logging.Error("Transcode worker recovered from panic for job %s: %v", task.JobID, r)
		}
	}()
	d.processor.Process(d.ctx, task)
}

func (d *Dispatcher) finishWork(jobID string) {
	d.mu.Lock()
	delete(d.pending, jobID)
	d.mu.Unlock()
}

// Recover requeues jobs left in processing by a previous run. Jobs whose
// staged source is gone are moved to error. It blocks until every
// recoverable job is queued and returns how many were.
func (d *Dispatcher) Recover(ctx context.Context) (int, error) {
	if d.store == nil {
		return 0, nil
	}

	jobs, err := d.store.ListJobs(ctx, database.StatusProcessing)
	if err != nil {
		return 0, fmt.Errorf("list processing jobs: %w", err)
	}

	requeued := 0
	for _, job := range jobs {
		if job.SourcePath == "" || !fileExists(job.SourcePath) {
			d.abandon(ctx, job)
			continue
		}

		task := Task{JobID: job.ID, SourcePath: job.SourcePath}
		if poster := job.SourcePath + PosterSuffix; fileExists(poster) {
			task.PosterPath = poster
		}
		if err := d.enqueue(ctx, task); err != nil {
			return requeued, err
		}
		requeued++
	}

	if requeued > 0 {
		logging.Info("Recovered %d interrupted transcode jobs", requeued)
	}
	return requeued, nil
}

func (d *Dispatcher) abandon(ctx context.Context, job *database.Job) {
	logging.Warn("Job %s was interrupted and its source %q is gone; marking as error", job.ID, job.SourcePath)
	update := database.JobUpdate{
		Status: database.StatusPtr(database.StatusError),
		Error:  database.StringPtr("source file missing after restart"),
	}
	err := database.Retry(ctx, d.retry, "update_job", func(ctx context.Context) error {
		_, err := d.store.UpdateJob(ctx, job.ID, update)
		return err
	})
	if err != nil {
		logging.Error("Failed to mark abandoned job %s as error: %v", job.ID, err)
	}
}

// Shutdown stops accepting tasks, cancels running jobs and waits for the
// workers to exit or ctx to expire. Queued tasks stay processing in the
// store and are picked up by Recover on the next start.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	d.cancel()
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func fileExists(path string) bool {
	_, err := filesystem.StatWithRetry(path, filesystem.DefaultRetryConfig())
	return err == nil
}
