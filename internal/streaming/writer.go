package streaming

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"vod-transcoder/internal/logging"
	"vod-transcoder/internal/mediatypes"
	"vod-transcoder/internal/metrics"
)

// Sentinel errors for streaming operations.
var (
	// ErrWriteTimeout indicates a write or the idle window exceeded its timeout,
	// typically a player that stopped reading.
	ErrWriteTimeout = errors.New("write timeout exceeded")

	// ErrClientGone indicates the request context was canceled before the
	// stream completed.
	ErrClientGone = errors.New("client disconnected")

	// ErrStreamCanceled indicates the writer was closed.
	ErrStreamCanceled = errors.New("stream canceled")
)

// HLS content types.
const (
	ContentTypePlaylist = mediatypes.MimePlaylist
	ContentTypeSegment  = mediatypes.MimeSegment
)

// TimeoutWriterConfig configures the timeout writer behavior
type TimeoutWriterConfig struct {
	// WriteTimeout is the maximum time to wait for a single write operation
	WriteTimeout time.Duration
	// IdleTimeout is the maximum time between successful writes
	IdleTimeout time.Duration
	// MaxDuration is the absolute maximum streaming duration (0 = unlimited)
	MaxDuration time.Duration
	// ChunkSize is the size of chunks to write (0 = write as received)
	ChunkSize int
	// OnProgress is called roughly every MiB with bytes written
	OnProgress func(bytesWritten int64, duration time.Duration)
}

// DefaultTimeoutWriterConfig returns the settings used for segment delivery.
func DefaultTimeoutWriterConfig() TimeoutWriterConfig {
	return TimeoutWriterConfig{
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
		MaxDuration:  0,
		ChunkSize:    64 * 1024,
	}
}

// TimeoutWriter wraps an http.ResponseWriter with timeout protection
type TimeoutWriter struct {
	w            http.ResponseWriter
	ctx          context.Context
	cancel       context.CancelCauseFunc
	config       TimeoutWriterConfig
	startTime    time.Time
	lastWrite    time.Time
	bytesWritten int64
	mu           sync.Mutex
	closed       bool
	flusher      http.Flusher
}

// NewTimeoutWriter creates a new timeout-protected writer
func NewTimeoutWriter(ctx context.Context, w http.ResponseWriter, config TimeoutWriterConfig) *TimeoutWriter {
	writerCtx, cancel := context.WithCancelCause(ctx)

	now := time.Now()
	tw := &TimeoutWriter{
		w:         w,
		ctx:       writerCtx,
		cancel:    cancel,
		config:    config,
		startTime: now,
		lastWrite: now,
	}

	if flusher, ok := w.(http.Flusher); ok {
		tw.flusher = flusher
	}

	go tw.idleChecker()

	return tw
}

// Write implements io.Writer with timeout protection
func (tw *TimeoutWriter) Write(p []byte) (n int, err error) {
	tw.mu.Lock()
	closed := tw.closed
	tw.mu.Unlock()
	if closed {
		return 0, ErrStreamCanceled
	}

	select {
	case <-tw.ctx.Done():
		return 0, tw.contextError()
	default:
	}

	if tw.config.MaxDuration > 0 && time.Since(tw.startTime) > tw.config.MaxDuration {
		tw.cancel(ErrWriteTimeout)
		return 0, ErrWriteTimeout
	}

	if tw.config.ChunkSize > 0 && len(p) > tw.config.ChunkSize {
		return tw.writeChunked(p)
	}

	return tw.writeWithTimeout(p)
}

// writeChunked writes data in smaller chunks, flushing after each one.
func (tw *TimeoutWriter) writeChunked(p []byte) (int, error) {
	totalWritten := 0

	for len(p) > 0 {
		select {
		case <-tw.ctx.Done():
			return totalWritten, tw.contextError()
		default:
		}

		chunkSize := min(tw.config.ChunkSize, len(p))

		n, err := tw.writeWithTimeout(p[:chunkSize])
		totalWritten += n
		if err != nil {
			return totalWritten, err
		}

		p = p[chunkSize:]

		if tw.flusher != nil {
			tw.flusher.Flush()
		}
	}

	return totalWritten, nil
}

// writeWithTimeout performs a single write with timeout. A timed-out write
// cancels the writer, so no later write can race the stalled one.
func (tw *TimeoutWriter) writeWithTimeout(p []byte) (int, error) {
	type writeResult struct {
		n   int
		err error
	}
	resultCh := make(chan writeResult, 1)

	go func() {
		n, err := tw.w.Write(p)
		resultCh <- writeResult{n, err}
	}()

	var timeout <-chan time.Time
	if tw.config.WriteTimeout > 0 {
		timer := time.NewTimer(tw.config.WriteTimeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case result := <-resultCh:
		if result.err == nil {
			tw.mu.Lock()
			before := tw.bytesWritten
			tw.lastWrite = time.Now()
			tw.bytesWritten += int64(result.n)
			after := tw.bytesWritten
			tw.mu.Unlock()

			if tw.config.OnProgress != nil && before/(1<<20) != after/(1<<20) {
				tw.config.OnProgress(after, time.Since(tw.startTime))
			}
		}
		return result.n, result.err

	case <-timeout:
		tw.cancel(ErrWriteTimeout)
		return 0, ErrWriteTimeout

	case <-tw.ctx.Done():
		return 0, tw.contextError()
	}
}

// idleChecker monitors for idle connections
func (tw *TimeoutWriter) idleChecker() {
	if tw.config.IdleTimeout <= 0 {
		return
	}

	ticker := time.NewTicker(tw.config.IdleTimeout / 4)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			tw.mu.Lock()
			idle := time.Since(tw.lastWrite)
			closed := tw.closed
			tw.mu.Unlock()

			if closed {
				return
			}

			if idle > tw.config.IdleTimeout {
				logging.Warn("Stream idle timeout exceeded: %v", idle)
				tw.cancel(ErrWriteTimeout)
				return
			}

		case <-tw.ctx.Done():
			return
		}
	}
}

// contextError maps the cancellation cause to one of the sentinel errors.
func (tw *TimeoutWriter) contextError() error {
	cause := context.Cause(tw.ctx)
	switch {
	case errors.Is(cause, ErrWriteTimeout), errors.Is(cause, context.DeadlineExceeded):
		return ErrWriteTimeout
	case errors.Is(cause, ErrStreamCanceled):
		return ErrStreamCanceled
	case errors.Is(cause, context.Canceled):
		return ErrClientGone
	default:
		return ErrStreamCanceled
	}
}

// Close marks the writer as closed
func (tw *TimeoutWriter) Close() error {
	tw.mu.Lock()
	defer tw.mu.Unlock()

	if tw.closed {
		return nil
	}

	tw.closed = true
	tw.cancel(ErrStreamCanceled)

	return nil
}

// Stats returns streaming statistics
func (tw *TimeoutWriter) Stats() (bytesWritten int64, duration time.Duration) {
	tw.mu.Lock()
	defer tw.mu.Unlock()
	return tw.bytesWritten, time.Since(tw.startTime)
}

// StreamWithTimeout streams from a reader to an HTTP response with timeout
// protection and returns the number of bytes delivered.
func StreamWithTimeout(ctx context.Context, w http.ResponseWriter, r io.Reader, config TimeoutWriterConfig) (int64, error) {
	tw := NewTimeoutWriter(ctx, w, config)
	defer func() {
		if err := tw.Close(); err != nil {
			logging.Warn("Failed to close timeout writer: %v", err)
		}
	}()

	w.Header().Set("X-Content-Type-Options", "nosniff")

	_, err := io.Copy(tw, r)

	bytesWritten, duration := tw.Stats()
	logging.Debug("Stream completed: %d bytes in %v", bytesWritten, duration)

	return bytesWritten, err
}

// Kind classifies an HLS output file as playlist, segment or poster for
// caching and metrics.
func Kind(name string) string {
	switch mediatypes.GetFileType(name) {
	case mediatypes.FileTypePlaylist:
		return "playlist"
	case mediatypes.FileTypeSegment:
		return "segment"
	case mediatypes.FileTypeImage:
		return "poster"
	default:
		return "other"
	}
}

// ContentType returns the Content-Type for an HLS output file.
func ContentType(name string) string {
	return mediatypes.GetMimeType(name)
}

// ServeFile delivers one file from a published stream tree. Playlists and
// posters are small and go through http.ServeContent so range and
// conditional requests work. Segments are streamed through a TimeoutWriter
// so a stalled player cannot hold the handler. Errors opening the file are
// returned unwritten so the caller can choose the status code.
func ServeFile(w http.ResponseWriter, r *http.Request, path string, config TimeoutWriterConfig) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := f.Close(); cerr != nil {
			logging.Warn("Failed to close %s: %v", path, cerr)
		}
	}()

	info, err := f.Stat()
	if err != nil {
		return err
	}
	if info.IsDir() {
		return fmt.Errorf("%s: %w", path, os.ErrNotExist)
	}

	kind := Kind(path)
	w.Header().Set("Content-Type", ContentType(path))

	switch kind {
	case "playlist":
		w.Header().Set("Cache-Control", "no-cache")
	default:
		w.Header().Set("Cache-Control", "public, max-age=86400")
	}

	if kind != "segment" || r.Header.Get("Range") != "" {
		http.ServeContent(w, r, info.Name(), info.ModTime(), f)
		metrics.StreamBytesServed.WithLabelValues(kind).Add(float64(info.Size()))
		return nil
	}

	w.Header().Set("Content-Length", strconv.FormatInt(info.Size(), 10))
	w.Header().Set("Last-Modified", info.ModTime().UTC().Format(http.TimeFormat))
	w.WriteHeader(http.StatusOK)
	if r.Method == http.MethodHead {
		return nil
	}

	// Headers are committed; delivery errors are only logged.
	n, err := StreamWithTimeout(r.Context(), w, f, config)
	metrics.StreamBytesServed.WithLabelValues(kind).Add(float64(n))
	switch {
	case err == nil:
	case errors.Is(err, ErrClientGone):
		recordAbort(err)
		logging.Debug("Client went away during %s after %d bytes", info.Name(), n)
	default:
		recordAbort(err)
		logging.Warn("Segment delivery of %s stopped after %d bytes: %v", path, n, err)
	}
	return nil
}

func recordAbort(err error) {
	switch {
	case errors.Is(err, ErrClientGone):
		metrics.StreamAborts.WithLabelValues("client_gone").Inc()
	case errors.Is(err, ErrWriteTimeout):
		metrics.StreamAborts.WithLabelValues("write_timeout").Inc()
	default:
		metrics.StreamAborts.WithLabelValues("canceled").Inc()
	}
}
