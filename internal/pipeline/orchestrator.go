package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"

	"vod-transcoder/internal/database"
	"vod-transcoder/internal/filesystem"
	"vod-transcoder/internal/logging"
	"vod-transcoder/internal/media"
	"vod-transcoder/internal/metrics"
	"vod-transcoder/internal/playlist"
	"vod-transcoder/internal/profiles"
	"vod-transcoder/internal/transcoder"
)

// ErrNoRenditionsProduced means every profile of a job failed to encode.
var ErrNoRenditionsProduced = errors.New("no renditions produced")

// DefaultPublicPrefix is the URL path the streams directory is served under.
const DefaultPublicPrefix = "/streams"

var jobIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// Encoder produces one rendition. *transcoder.Encoder implements it.
type Encoder interface {
	Encode(ctx context.Context, sourcePath, outputDir string, profile profiles.Profile) (*transcoder.Rendition, error)
}

// PosterMaker writes a poster image. *media.PosterGenerator implements it.
type PosterMaker interface {
	FromVideo(ctx context.Context, source, dest string) error
	FromImageFile(path, dest string) error
}

// Config wires an Orchestrator.
type Config struct {
	Store             database.Store
	Encoder           Encoder
	Profiles          *profiles.Table
	StreamsDir        string
	PublicPrefix      string
	EncodeConcurrency int
	// Poster is optional; nil disables poster generation.
	Poster    PosterMaker
	Retry     database.RetryConfig
	FileRetry filesystem.RetryConfig
}

// Task hands one accepted upload to the pipeline.
type Task struct {
	JobID      string
	SourcePath string
	// PosterPath is an optional uploaded poster image.
	PosterPath string
}

// Result summarises one Process call.
type Result struct {
	JobID string
	// Status is the terminal status written, or empty when the job was
	// interrupted or its final update could not be persisted.
	Status     database.JobStatus
	Renditions []*transcoder.Rendition
	// Failures holds one *transcoder.EncodeFailure per failed profile.
	Failures    []error
	Interrupted bool
	Err         error
}

// Orchestrator drives a job from an uploaded source file to a ready or
// failed stream.
type Orchestrator struct {
	cfg Config
}

// New validates cfg and returns an Orchestrator.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Store == nil {
		return nil, errors.New("pipeline: store is required")
	}
	if cfg.Encoder == nil {
		return nil, errors.New("pipeline: encoder is required")
	}
	if cfg.Profiles == nil || cfg.Profiles.Len() == 0 {
		return nil, errors.New("pipeline: profile table is required")
	}
	if cfg.StreamsDir == "" {
		return nil, errors.New("pipeline: streams directory is required")
	}
	if cfg.PublicPrefix == "" {
		cfg.PublicPrefix = DefaultPublicPrefix
	}
	if cfg.EncodeConcurrency <= 0 {
		cfg.EncodeConcurrency = 1
	}
	if cfg.Retry.Attempts == 0 {
		cfg.Retry = database.DefaultRetryConfig()
	}
	if cfg.FileRetry.MaxRetries == 0 {
		cfg.FileRetry = filesystem.DefaultRetryConfig()
	}
	return &Orchestrator{cfg: cfg}, nil
}

// JobDir returns the output directory of a job.
func (o *Orchestrator) JobDir(jobID string) string {
	return filepath.Join(o.cfg.StreamsDir, jobID)
}

func (o *Orchestrator) publicURL(jobID string, parts ...string) string {
	url := o.cfg.PublicPrefix + "/" + jobID
	for _, p := range parts {
		url += "/" + p
	}
	return url
}

// Process runs the job to a terminal state. It never panics and always
// attempts to leave the job ready or error, except when ctx is cancelled:
// then running encodes are stopped, partial output is removed and the job
// stays processing with its source kept so it can be recovered.
func (o *Orchestrator) Process(ctx context.Context, task Task) (result Result) {
	start := time.Now()
	log := logging.ForJob(task.JobID)
	result.JobID = task.JobID

	metrics.JobsInProgress.Inc()
	defer metrics.JobsInProgress.Dec()

	defer func() {
		if r := recover(); r != nil {
			log.Error("pipeline panic: %v", r)
			result = o.fail(ctx, task, fmt.Errorf("internal error: %v", r))
		}
		o.finish(task, &result, start)
	}()

	if !jobIDPattern.MatchString(task.JobID) {
		return o.fail(ctx, task, fmt.Errorf("invalid job id %q", task.JobID))
	}

	// Recovery can requeue a job that finished after it was listed.
	if status, err := o.storedStatus(ctx, task.JobID); err == nil && status.Terminal() {
		log.Warn("already %s, not processing again", status)
		result.Err = fmt.Errorf("%w: %s", database.ErrJobFinalized, status)
		return result
	}

	jobDir := o.JobDir(task.JobID)
	if err := os.MkdirAll(jobDir, 0o755); err != nil {
		return o.fail(ctx, task, fmt.Errorf("create output directory: %w", err))
	}

	log.Info("encoding %s into %d renditions", filepath.Base(task.SourcePath), o.cfg.Profiles.Len())
	renditions, failures := o.encodeAll(ctx, task, jobDir)
	result.Renditions = renditions
	result.Failures = failures

	if ctx.Err() != nil {
		o.removeOutput(task.JobID)
		log.Warn("interrupted after %v; job stays processing for recovery", time.Since(start).Round(time.Millisecond))
		result.Interrupted = true
		result.Err = ctx.Err()
		return result
	}

	if len(renditions) == 0 {
		cause := fmt.Errorf("%w: %w", ErrNoRenditionsProduced, errors.Join(failures...))
		failed := o.fail(ctx, task, cause)
		failed.Failures = failures
		return failed
	}

	variants := make([]playlist.Variant, len(renditions))
	for i, r := range renditions {
		variants[i] = playlist.Variant{Label: r.Label, Width: r.Width, Height: r.Height, VideoBitrate: r.VideoBitrate}
	}
	if _, err := playlist.WriteMaster(jobDir, variants); err != nil {
		failed := o.fail(ctx, task, err)
		failed.Failures = failures
		return failed
	}

	update := database.JobUpdate{
		Status:            database.StatusPtr(database.StatusReady),
		Renditions:        o.records(task.JobID, renditions),
		MasterPlaylistURL: database.StringPtr(o.publicURL(task.JobID, playlist.MasterFileName)),
		Duration:          longestDuration(renditions),
	}
	if o.makePoster(ctx, task, jobDir) {
		update.PosterURL = database.StringPtr(o.publicURL(task.JobID, media.PosterFileName))
	}

	// The encodes are done; persisting them must not be cut short by shutdown.
	persistCtx := context.WithoutCancel(ctx)
	err := database.Retry(persistCtx, o.cfg.Retry, "update_job", func(ctx context.Context) error {
		_, err := o.cfg.Store.UpdateJob(ctx, task.JobID, update)
		return err
	})
	if errors.Is(err, database.ErrJobFinalized) {
		// An earlier attempt may have committed before reporting an error.
		if status, readErr := o.storedStatus(ctx, task.JobID); readErr == nil && status == database.StatusReady {
			log.Warn("ready update reported %v, but the job is stored as ready", err)
			err = nil
		}
	}
	if err != nil {
		log.Error("failed to mark job ready: %v", err)
		failed := o.fail(ctx, task, fmt.Errorf("persist ready status: %w", err))
		failed.Failures = failures
		return failed
	}

	log.Info("ready with %d/%d renditions in %v", len(renditions), o.cfg.Profiles.Len(), time.Since(start).Round(time.Millisecond))
	result.Status = database.StatusReady
	return result
}

// encodeAll runs every profile with bounded concurrency and returns the
// successful renditions in ladder order plus one error per failed profile.
func (o *Orchestrator) encodeAll(ctx context.Context, task Task, jobDir string) ([]*transcoder.Rendition, []error) {
	ladder := o.cfg.Profiles.Profiles()
	results := make([]*transcoder.Rendition, len(ladder))
	errs := make([]error, len(ladder))

	var g errgroup.Group
	g.SetLimit(o.cfg.EncodeConcurrency)

	for i, profile := range ladder {
		g.Go(func() error {
			defer func() {
				if r := recover(); r != nil {
					errs[i] = &transcoder.EncodeFailure{Label: profile.Label, Err: fmt.Errorf("panic: %v", r)}
				}
			}()

			r, err := o.cfg.Encoder.Encode(ctx, task.SourcePath, jobDir, profile)
			if err != nil {
				var ef *transcoder.EncodeFailure
				if !errors.As(err, &ef) {
					err = &transcoder.EncodeFailure{Label: profile.Label, Err: err}
				}
				errs[i] = err
				return nil
			}
			if r == nil {
				errs[i] = &transcoder.EncodeFailure{Label: profile.Label, Err: errors.New("encoder returned no rendition")}
				return nil
			}
			results[i] = r
			return nil
		})
	}
	_ = g.Wait()

	var renditions []*transcoder.Rendition
	var failures []error
	for i := range ladder {
		if errs[i] != nil {
			failures = append(failures, errs[i])
			continue
		}
		renditions = append(renditions, results[i])
	}
	return renditions, failures
}

func (o *Orchestrator) records(jobID string, renditions []*transcoder.Rendition) []database.Rendition {
	out := make([]database.Rendition, len(renditions))
	for i, r := range renditions {
		out[i] = database.Rendition{
			Quality:     r.Label,
			PlaylistURL: o.publicURL(jobID, r.Label, playlist.PlaylistFileName),
			Bitrate:     strconv.Itoa(r.VideoBitrate) + "k",
			Resolution:  r.Resolution(),
			Bandwidth:   r.VideoBitrate * 1000,
		}
	}
	return out
}

func longestDuration(renditions []*transcoder.Rendition) *float64 {
	var longest float64
	for _, r := range renditions {
		if r.Duration > longest {
			longest = r.Duration
		}
	}
	if longest == 0 {
		return nil
	}
	return &longest
}

// makePoster writes poster.jpg and reports whether it exists. Failures are
// logged only.
func (o *Orchestrator) makePoster(ctx context.Context, task Task, jobDir string) bool {
	if o.cfg.Poster == nil {
		return false
	}
	log := logging.ForJob(task.JobID)
	dest := filepath.Join(jobDir, media.PosterFileName)

	if task.PosterPath != "" {
		err := o.cfg.Poster.FromImageFile(task.PosterPath, dest)
		if err == nil {
			return true
		}
		log.Warn("uploaded poster unusable, falling back to a video frame: %v", err)
	}

	if err := o.cfg.Poster.FromVideo(ctx, task.SourcePath, dest); err != nil {
		log.Warn("poster generation failed: %v", err)
		return false
	}
	return true
}

// fail moves the job to error and removes its partial output. Output of a
// job the store already holds as ready is never touched.
func (o *Orchestrator) fail(ctx context.Context, task Task, cause error) Result {
	log := logging.ForJob(task.JobID)
	log.Error("job failed: %v", cause)

	result := Result{JobID: task.JobID, Err: cause}
	update := database.JobUpdate{
		Status: database.StatusPtr(database.StatusError),
		Error:  database.StringPtr(cause.Error()),
	}
	err := database.Retry(context.WithoutCancel(ctx), o.cfg.Retry, "update_job", func(ctx context.Context) error {
		_, err := o.cfg.Store.UpdateJob(ctx, task.JobID, update)
		return err
	})
	if err != nil {
		if !errors.Is(err, database.ErrJobFinalized) {
			if status, readErr := o.storedStatus(ctx, task.JobID); readErr == nil && status == database.StatusProcessing {
				o.removeOutput(task.JobID)
			}
		}
		log.Error("OPERATOR ATTENTION: could not record failure, job left in its last persisted state: %v", err)
		result.Err = errors.Join(cause, err)
		return result
	}

	o.removeOutput(task.JobID)
	result.Status = database.StatusError
	return result
}

// storedStatus reads the job's persisted status.
func (o *Orchestrator) storedStatus(ctx context.Context, jobID string) (database.JobStatus, error) {
	var job *database.Job
	err := database.Retry(context.WithoutCancel(ctx), o.cfg.Retry, "get_job", func(ctx context.Context) error {
		var err error
		job, err = o.cfg.Store.GetJob(ctx, jobID)
		return err
	})
	if err != nil {
		return "", err
	}
	return job.Status, nil
}

func (o *Orchestrator) removeOutput(jobID string) {
	if !jobIDPattern.MatchString(jobID) {
		return
	}
	dir := o.JobDir(jobID)
	if err := filesystem.RemoveAllWithRetry(dir, o.cfg.FileRetry); err != nil {
		logging.ForJob(jobID).Warn("failed to remove output directory %s: %v", dir, err)
	}
}

// finish removes the staged upload and records job metrics. Interrupted
// jobs keep their source for recovery.
func (o *Orchestrator) finish(task Task, result *Result, start time.Time) {
	status := string(result.Status)
	if result.Interrupted {
		metrics.JobsTotal.WithLabelValues("interrupted").Inc()
		return
	}

	for _, path := range []string{task.SourcePath, task.PosterPath} {
		if path == "" {
			continue
		}
		if err := filesystem.RemoveWithRetry(path, o.cfg.FileRetry); err != nil {
			metrics.SourceCleanupFailures.Inc()
			logging.ForJob(task.JobID).Warn("failed to remove staged upload %s: %v", path, err)
		}
	}

	if status != "" {
		metrics.JobsTotal.WithLabelValues(status).Inc()
		metrics.JobDuration.WithLabelValues(status).Observe(time.Since(start).Seconds())
	}
}
