package transcoder

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"vod-transcoder/internal/logging"
	"vod-transcoder/internal/metrics"
)

// stderrTailBytes bounds how much ffmpeg stderr is kept for error reports.
const stderrTailBytes = 4096

// waitDelay caps how long Wait blocks on stderr after the process is killed.
const waitDelay = 5 * time.Second

// Request is one engine invocation: transcode Input into an HLS rendition.
// Bitrates are in kbps, SegmentDuration in seconds.
type Request struct {
	Input           string
	SegmentPattern  string
	PlaylistPath    string
	VideoFilter     string
	VideoBitrate    int
	AudioBitrate    int
	SegmentDuration int
}

// Engine produces a segmented stream and its playlist for a single request.
type Engine interface {
	Transcode(ctx context.Context, req Request) error
}

// EngineError describes an abnormal engine exit.
type EngineError struct {
	ExitCode int
	Signaled bool
	Stderr   string
	Err      error
}

func (e *EngineError) Error() string {
	var b strings.Builder
	if e.Signaled {
		b.WriteString("ffmpeg killed by signal")
	} else {
		fmt.Fprintf(&b, "ffmpeg exited with status %d", e.ExitCode)
	}
	if e.Stderr != "" {
		b.WriteString(": ")
		b.WriteString(lastLine(e.Stderr))
	}
	return b.String()
}

func (e *EngineError) Unwrap() error {
	return e.Err
}

// FFmpeg runs the ffmpeg binary once per request and tracks live processes
// so they can be killed on shutdown.
type FFmpeg struct {
	path      string
	processes map[string]*exec.Cmd
	processMu sync.Mutex
}

// NewFFmpeg creates an engine using the binary at path ("ffmpeg" when empty).
func NewFFmpeg(path string) *FFmpeg {
	if path == "" {
		path = "ffmpeg"
	}
	return &FFmpeg{
		path:      path,
		processes: make(map[string]*exec.Cmd),
	}
}

// BuildArgs returns the ffmpeg argument list for req.
func BuildArgs(req Request) []string {
	video := strconv.Itoa(req.VideoBitrate) + "k"
	bufsize := strconv.Itoa(req.VideoBitrate*3/2) + "k"
	audio := strconv.Itoa(req.AudioBitrate) + "k"
	seg := strconv.Itoa(req.SegmentDuration)

	args := []string{
		"-hide_banner",
		"-nostdin",
		"-y",
		"-i", req.Input,
	}
	if req.VideoFilter != "" {
		args = append(args, "-vf", req.VideoFilter)
	}
	args = append(args,
		"-c:v", "libx264",
		"-profile:v", "main",
		"-crf", "20",
		"-b:v", video,
		"-maxrate", video,
		"-bufsize", bufsize,
		// Keyframe on every segment boundary keeps renditions switchable.
		"-force_key_frames", "expr:gte(t,n_forced*"+seg+")",
		"-c:a", "aac",
		"-b:a", audio,
		"-ac", "2",
		"-f", "hls",
		"-hls_time", seg,
		"-hls_list_size", "0",
		"-hls_playlist_type", "vod",
		"-hls_segment_filename", req.SegmentPattern,
		req.PlaylistPath,
	)
	return args
}

// Transcode runs ffmpeg for req and waits for it to exit. Cancelling ctx
// kills the process.
func (f *FFmpeg) Transcode(ctx context.Context, req Request) error {
	cmd := exec.CommandContext(ctx, f.path, BuildArgs(req)...)

	stderr := &tailBuffer{limit: stderrTailBytes}
	cmd.Stderr = stderr
	cmd.WaitDelay = waitDelay

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start ffmpeg: %w", err)
	}

	f.track(req.PlaylistPath, cmd)
	defer f.untrack(req.PlaylistPath)

	err := cmd.Wait()
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return fmt.Errorf("ffmpeg interrupted: %w", ctx.Err())
	}

	engineErr := &EngineError{ExitCode: -1, Stderr: stderr.String(), Err: err}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		engineErr.ExitCode = exitErr.ExitCode()
		if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			engineErr.Signaled = true
		}
	}
	logging.Debug("ffmpeg failed for %s: %s", req.PlaylistPath, engineErr.Stderr)
	return engineErr
}

func (f *FFmpeg) track(key string, cmd *exec.Cmd) {
	f.processMu.Lock()
	f.processes[key] = cmd
	f.processMu.Unlock()
	metrics.EngineProcessesActive.Inc()
}

func (f *FFmpeg) untrack(key string) {
	f.processMu.Lock()
	delete(f.processes, key)
	f.processMu.Unlock()
	metrics.EngineProcessesActive.Dec()
}

// Active returns the number of running ffmpeg processes.
func (f *FFmpeg) Active() int {
	f.processMu.Lock()
	defer f.processMu.Unlock()
	return len(f.processes)
}

// Cleanup stops all active encoding processes.
func (f *FFmpeg) Cleanup() {
	f.processMu.Lock()
	defer f.processMu.Unlock()

	for key, cmd := range f.processes {
		if cmd.Process != nil {
			logging.Info("Killing encoding process for: %s", key)
			if err := cmd.Process.Kill(); err != nil {
				logging.Warn("failed to kill encoding process for %s: %v", key, err)
			}
		}
	}
}

// tailBuffer keeps the last limit bytes written to it.
type tailBuffer struct {
	mu    sync.Mutex
	limit int
	buf   []byte
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.limit; over > 0 {
		t.buf = append(t.buf[:0], t.buf[over:]...)
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return strings.TrimSpace(string(t.buf))
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}
