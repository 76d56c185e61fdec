package handlers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"unicode/utf8"

	"vod-transcoder/internal/database"
	"vod-transcoder/internal/filesystem"
	"vod-transcoder/internal/logging"
	"vod-transcoder/internal/mediatypes"
	"vod-transcoder/internal/metrics"
	"vod-transcoder/internal/pipeline"
)

const (
	maxTitleLength    = 256
	maxFieldBytes     = 4096
	maxStagedNameLen  = 120
	stagingAttempts   = 10
	uploadedMessage   = "Video uploaded. Processing for streaming..."
	noVideoMessage    = "No video file uploaded."
	queueFullMessage  = "Transcoder is busy, try again later."
	tooLargeMessage   = "Upload exceeds the maximum allowed size."
	jobRejectedReason = "rejected: transcode queue full"
)

// UploadResponse is returned when an upload has been accepted.
type UploadResponse struct {
	Success bool   `json:"success"`
	VideoID string `json:"videoId"`
	Message string `json:"message"`
}

// stagedUpload is one uploaded source, and optionally its poster, on disk.
type stagedUpload struct {
	sourcePath   string
	originalName string
	size         int64
	posterPath   string
	title        string
}

func (s *stagedUpload) remove() {
	for _, p := range []string{s.sourcePath, s.posterPath} {
		if p == "" {
			continue
		}
		if err := filesystem.RemoveWithRetry(p, filesystem.DefaultRetryConfig()); err != nil {
			logging.Warn("Failed to remove staged upload %s: %v", p, err)
		}
	}
}

// Upload accepts a multipart form with a "video" file and optional "title"
// and "poster" fields, creates a processing job and queues it. It answers
// as soon as the job is queued; transcoding happens in the background.
func (h *Handlers) Upload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadSize)

	staged, err := h.readUpload(r)
	if err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.As(err, &tooLarge):
			writeJSONError(w, tooLargeMessage, http.StatusRequestEntityTooLarge)
		case errors.Is(err, errNoVideo):
			writeJSONError(w, noVideoMessage, http.StatusBadRequest)
		case errors.As(err, new(*badUpload)):
			writeJSONError(w, err.Error(), http.StatusBadRequest)
		default:
			logging.Error("Failed to stage upload: %v", err)
			writeJSONError(w, "Failed to store upload.", http.StatusInternalServerError)
		}
		return
	}

	job, err := h.createJob(r.Context(), staged)
	if err != nil {
		staged.remove()
		logging.Error("Failed to create job for %s: %v", staged.originalName, err)
		writeJSONError(w, "Failed to record upload.", http.StatusInternalServerError)
		return
	}

	task := pipeline.Task{JobID: job.ID, SourcePath: staged.sourcePath, PosterPath: staged.posterPath}
	if err := h.jobs.Submit(task); err != nil {
		h.reject(job.ID, staged, err)
		writeJSONError(w, queueFullMessage, http.StatusServiceUnavailable)
		return
	}

	metrics.UploadBytesTotal.Add(float64(staged.size))
	logging.Info("Accepted upload %q (%d bytes) as job %s", staged.originalName, staged.size, job.ID)

	writeJSONStatusCode(w, http.StatusOK, UploadResponse{
		Success: true,
		VideoID: job.ID,
		Message: uploadedMessage,
	})
}

var errNoVideo = errors.New("no video part")

// badUpload is a client error whose message is returned as is.
type badUpload struct {
	message string
}

func (e *badUpload) Error() string {
	return e.message
}

func badUploadf(format string, args ...any) error {
	return &badUpload{message: fmt.Sprintf(format, args...)}
}

// readUpload streams the multipart body to disk part by part.
func (h *Handlers) readUpload(r *http.Request) (_ *stagedUpload, err error) {
	reader, err := r.MultipartReader()
	if err != nil {
		return nil, errNoVideo
	}

	staged := &stagedUpload{}
	defer func() {
		if err != nil {
			staged.remove()
		}
	}()

	for {
		part, nextErr := reader.NextPart()
		if errors.Is(nextErr, io.EOF) {
			break
		}
		if nextErr != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(nextErr, &tooLarge) {
				return nil, nextErr
			}
			return nil, badUploadf("Malformed multipart body: %v", nextErr)
		}

		switch part.FormName() {
		case "video":
			if staged.sourcePath != "" || part.FileName() == "" {
				_ = part.Close()
				continue
			}
			if !mediatypes.AcceptableSource(part.FileName()) {
				_ = part.Close()
				return nil, badUploadf("%s is not a video file.", sanitizeFileName(part.FileName()))
			}
			if err := h.stageVideo(part, staged); err != nil {
				return nil, err
			}
		case "poster":
			if !h.posterEnabled || staged.posterPath != "" || part.FileName() == "" {
				_ = part.Close()
				continue
			}
			if !mediatypes.IsImage(part.FileName()) {
				logging.Warn("Ignoring poster %q: not an image", sanitizeFileName(part.FileName()))
				_ = part.Close()
				continue
			}
			if err := h.stagePoster(part, staged); err != nil {
				return nil, err
			}
		case "title":
			value, err := readField(part)
			if err != nil {
				return nil, err
			}
			staged.title = value
		default:
			_ = part.Close()
		}
	}

	if staged.sourcePath == "" {
		return nil, errNoVideo
	}
	if staged.size == 0 {
		return nil, badUploadf("Uploaded video is empty.")
	}

	if staged.posterPath != "" {
		final := staged.sourcePath + pipeline.PosterSuffix
		if err := os.Rename(staged.posterPath, final); err != nil {
			return nil, fmt.Errorf("stage poster: %w", err)
		}
		staged.posterPath = final
	}

	staged.title = cleanTitle(staged.title, staged.originalName)
	return staged, nil
}

func (h *Handlers) stageVideo(part *multipart.Part, staged *stagedUpload) error {
	defer func() { _ = part.Close() }()

	staged.originalName = part.FileName()
	f, path, err := h.createStagingFile(sanitizeFileName(staged.originalName))
	if err != nil {
		return err
	}
	staged.sourcePath = path

	n, copyErr := io.Copy(f, part)
	closeErr := f.Close()
	staged.size = n
	if copyErr != nil {
		return copyErr
	}
	return closeErr
}

func (h *Handlers) stagePoster(part *multipart.Part, staged *stagedUpload) error {
	defer func() { _ = part.Close() }()

	f, err := os.CreateTemp(h.uploadDir, ".poster-*")
	if err != nil {
		return fmt.Errorf("create poster file: %w", err)
	}
	staged.posterPath = f.Name()

	_, copyErr := io.Copy(f, part)
	closeErr := f.Close()
	if copyErr != nil {
		return copyErr
	}
	return closeErr
}

// createStagingFile creates <unixmillis>-<name> in the upload directory,
// adding a counter when two uploads land in the same millisecond.
func (h *Handlers) createStagingFile(name string) (*os.File, string, error) {
	millis := strconv.FormatInt(h.now().UnixMilli(), 10)
	for i := 0; i < stagingAttempts; i++ {
		base := millis + "-" + name
		if i > 0 {
			base = millis + "-" + strconv.Itoa(i) + "-" + name
		}
		path := filepath.Join(h.uploadDir, base)
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if err == nil {
			return f, path, nil
		}
		if !os.IsExist(err) {
			return nil, "", fmt.Errorf("create staging file: %w", err)
		}
	}
	return nil, "", fmt.Errorf("create staging file: %d name collisions for %s", stagingAttempts, name)
}

func (h *Handlers) createJob(ctx context.Context, staged *stagedUpload) (*database.Job, error) {
	var job *database.Job
	err := database.Retry(ctx, h.retry, "create_job", func(ctx context.Context) error {
		var err error
		job, err = h.store.CreateJob(ctx, database.NewJob{
			Title:        staged.title,
			OriginalName: staged.originalName,
			SourcePath:   staged.sourcePath,
		})
		return err
	})
	return job, err
}

// reject marks a job that could not be queued as failed and drops its files.
func (h *Handlers) reject(jobID string, staged *stagedUpload, cause error) {
	logging.Warn("Job %s not queued: %v", jobID, cause)

	ctx := context.Background()
	err := database.Retry(ctx, h.retry, "update_job", func(ctx context.Context) error {
		_, err := h.store.UpdateJob(ctx, jobID, database.JobUpdate{
			Status: database.StatusPtr(database.StatusError),
			Error:  database.StringPtr(jobRejectedReason),
		})
		return err
	})
	if err != nil {
		logging.Error("Failed to mark rejected job %s as error: %v", jobID, err)
	}
	staged.remove()
}

func readField(part *multipart.Part) (string, error) {
	defer func() { _ = part.Close() }()
	data, err := io.ReadAll(io.LimitReader(part, maxFieldBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return "", err
		}
		return "", badUploadf("Failed to read form field: %v", err)
	}
	return strings.TrimSpace(string(data)), nil
}

// cleanTitle falls back to the original file name and caps the length.
func cleanTitle(title, originalName string) string {
	title = strings.TrimSpace(strings.Map(func(r rune) rune {
		if r < 0x20 || r == 0x7f {
			return -1
		}
		return r
	}, title))
	if title == "" {
		title = originalName
	}
	if utf8.RuneCountInString(title) > maxTitleLength {
		title = string([]rune(title)[:maxTitleLength])
	}
	return title
}

// sanitizeFileName reduces a client-supplied name to a safe single path
// component.
func sanitizeFileName(name string) string {
	name = filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	clean := strings.TrimLeft(b.String(), ".")
	if len(clean) > maxStagedNameLen {
		ext := filepath.Ext(clean)
		if len(ext) > 10 {
			ext = ""
		}
		clean = clean[:maxStagedNameLen-len(ext)] + ext
	}
	if clean == "" || clean == "_" {
		clean = "upload"
	}
	return clean
}
