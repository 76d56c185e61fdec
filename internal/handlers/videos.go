package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"vod-transcoder/internal/database"
	"vod-transcoder/internal/logging"
)

// StreamInfo is the playback descriptor for a ready video.
type StreamInfo struct {
	MasterPlaylist string               `json:"masterPlaylist"`
	Qualities      []database.Rendition `json:"qualities"`
	Title          string               `json:"title"`
	Poster         string               `json:"poster,omitempty"`
}

// ListVideos returns jobs newest first. The status query parameter selects
// processing, ready (the default), error, or all.
func (h *Handlers) ListVideos(w http.ResponseWriter, r *http.Request) {
	filter := r.URL.Query().Get("status")
	var status database.JobStatus
	switch filter {
	case "":
		status = database.StatusReady
	case "all":
	default:
		status = database.JobStatus(filter)
		if !status.Valid() {
			writeJSONError(w, "Invalid status filter", http.StatusBadRequest)
			return
		}
	}

	var jobs []*database.Job
	err := database.Retry(r.Context(), h.retry, "list_jobs", func(ctx context.Context) error {
		var err error
		jobs, err = h.store.ListJobs(ctx, status)
		return err
	})
	if err != nil {
		logging.Error("Failed to list videos: %v", err)
		writeJSONError(w, "Failed to list videos", http.StatusInternalServerError)
		return
	}
	if jobs == nil {
		jobs = []*database.Job{}
	}
	writeJSON(w, jobs)
}

// GetVideo returns a single job in any status.
func (h *Handlers) GetVideo(w http.ResponseWriter, r *http.Request) {
	job, ok := h.lookup(w, r)
	if !ok {
		return
	}
	writeJSON(w, job)
}

// GetStream returns the playback descriptor of a ready video.
func (h *Handlers) GetStream(w http.ResponseWriter, r *http.Request) {
	job, ok := h.lookup(w, r)
	if !ok {
		return
	}
	if job.Status != database.StatusReady {
		writeJSONError(w, "Video not available", http.StatusNotFound)
		return
	}

	qualities := job.Renditions
	if qualities == nil {
		qualities = []database.Rendition{}
	}
	writeJSON(w, StreamInfo{
		MasterPlaylist: job.MasterPlaylistURL,
		Qualities:      qualities,
		Title:          job.Title,
		Poster:         job.PosterURL,
	})
}

// lookup loads the job named by the route, writing the error response
// itself when it cannot.
func (h *Handlers) lookup(w http.ResponseWriter, r *http.Request) (*database.Job, bool) {
	id := mux.Vars(r)["id"]
	if id == "" {
		writeJSONError(w, "Video not found", http.StatusNotFound)
		return nil, false
	}

	var job *database.Job
	err := database.Retry(r.Context(), h.retry, "get_job", func(ctx context.Context) error {
		var err error
		job, err = h.store.GetJob(ctx, id)
		return err
	})
	switch {
	case errors.Is(err, database.ErrJobNotFound):
		writeJSONError(w, "Video not found", http.StatusNotFound)
		return nil, false
	case err != nil:
		logging.Error("Failed to load video %s: %v", id, err)
		writeJSONError(w, "Failed to load video", http.StatusInternalServerError)
		return nil, false
	}
	return job, true
}
