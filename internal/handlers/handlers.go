package handlers

import (
	"time"

	"vod-transcoder/internal/database"
	"vod-transcoder/internal/pipeline"
	"vod-transcoder/internal/startup"
	"vod-transcoder/internal/streaming"
)

// JobQueue accepts tasks for background processing. *pipeline.Dispatcher
// implements it.
type JobQueue interface {
	Submit(task pipeline.Task) error
	Pending() int
}

// Handlers serves the upload, catalogue, stream and health endpoints.
type Handlers struct {
	store         database.Store
	jobs          JobQueue
	streamsDir    string
	uploadDir     string
	maxUploadSize int64
	posterEnabled bool
	retry         database.RetryConfig
	streamConfig  streaming.TimeoutWriterConfig
	startTime     time.Time
	now           func() time.Time
}

// New creates the handler set.
func New(store database.Store, jobs JobQueue, config *startup.Config) *Handlers {
	return &Handlers{
		store:         store,
		jobs:          jobs,
		streamsDir:    config.StreamsDir,
		uploadDir:     config.UploadDir,
		maxUploadSize: config.MaxUploadSize,
		posterEnabled: config.PosterEnabled,
		retry:         database.DefaultRetryConfig(),
		streamConfig:  streaming.DefaultTimeoutWriterConfig(),
		startTime:     time.Now(),
		now:           time.Now,
	}
}
