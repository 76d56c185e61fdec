package database

import "time"

// JobStatus is the lifecycle state of a transcode job.
type JobStatus string

const (
	StatusProcessing JobStatus = "processing"
	StatusReady      JobStatus = "ready"
	StatusError      JobStatus = "error"
)

// Valid reports whether s is a known status.
func (s JobStatus) Valid() bool {
	switch s {
	case StatusProcessing, StatusReady, StatusError:
		return true
	}
	return false
}

// Terminal reports whether s is a final state.
func (s JobStatus) Terminal() bool {
	return s == StatusReady || s == StatusError
}

// Rendition is one playable quality of a ready job.
type Rendition struct {
	Quality     string `json:"quality"`
	PlaylistURL string `json:"playlistUrl"`
	Bitrate     string `json:"bitrate"`
	Resolution  string `json:"resolution"`
	Bandwidth   int    `json:"bandwidth"`
}

// Job is the persisted record for one upload.
type Job struct {
	ID                string      `json:"id"`
	Title             string      `json:"title"`
	OriginalName      string      `json:"originalName"`
	Status            JobStatus   `json:"status"`
	Renditions        []Rendition `json:"qualities"`
	MasterPlaylistURL string      `json:"masterPlaylist,omitempty"`
	PosterURL         string      `json:"poster,omitempty"`
	Duration          *float64    `json:"duration,omitempty"`
	Error             string      `json:"error,omitempty"`
	SourcePath        string      `json:"-"`
	CreatedAt         time.Time   `json:"createdAt"`
	UpdatedAt         time.Time   `json:"updatedAt"`
	CompletedAt       *time.Time  `json:"completedAt,omitempty"`
}

// NewJob holds the fields supplied when an upload is accepted.
type NewJob struct {
	Title        string
	OriginalName string
	SourcePath   string
}

// JobUpdate is a partial update. Nil fields are left unchanged. Renditions
// and MasterPlaylistURL may only be written together with StatusReady.
type JobUpdate struct {
	Status            *JobStatus
	Title             *string
	Renditions        []Rendition
	MasterPlaylistURL *string
	PosterURL         *string
	Duration          *float64
	Error             *string
}

// StatusPtr returns a pointer to s, for building a JobUpdate.
func StatusPtr(s JobStatus) *JobStatus {
	return &s
}

// StringPtr returns a pointer to s, for building a JobUpdate.
func StringPtr(s string) *string {
	return &s
}

// committedJob describes a job from the update just committed to it, for
// when the row cannot be read back. Fields the update did not touch are
// left zero.
func committedJob(id string, update JobUpdate) *Job {
	job := &Job{ID: id, Status: StatusProcessing, Renditions: nonNil(update.Renditions), Duration: update.Duration}
	if update.Status != nil {
		job.Status = *update.Status
	}
	if update.Title != nil {
		job.Title = *update.Title
	}
	if update.MasterPlaylistURL != nil {
		job.MasterPlaylistURL = *update.MasterPlaylistURL
	}
	if update.PosterURL != nil {
		job.PosterURL = *update.PosterURL
	}
	if update.Error != nil {
		job.Error = *update.Error
	}
	return job
}
