package transcoder

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"vod-transcoder/internal/logging"
	"vod-transcoder/internal/metrics"
	"vod-transcoder/internal/playlist"
	"vod-transcoder/internal/profiles"
)

// EncodeFailure reports that one profile could not be produced. Other
// profiles of the same job are unaffected.
type EncodeFailure struct {
	Label string
	Err   error
}

func (e *EncodeFailure) Error() string {
	return fmt.Sprintf("encode %s: %v", e.Label, e.Err)
}

func (e *EncodeFailure) Unwrap() error {
	return e.Err
}

// Rendition describes a successfully encoded profile.
type Rendition struct {
	Label        string
	Dir          string
	PlaylistPath string
	Width        int
	Height       int
	VideoBitrate int
	AudioBitrate int
	Segments     int
	Duration     float64
}

// Resolution returns WIDTHxHEIGHT.
func (r *Rendition) Resolution() string {
	return fmt.Sprintf("%dx%d", r.Width, r.Height)
}

// Encoder turns a source file into one HLS rendition per call.
type Encoder struct {
	engine  Engine
	timeout time.Duration
}

// NewEncoder wraps engine. A positive timeout bounds each Encode call.
func NewEncoder(engine Engine, timeout time.Duration) *Encoder {
	return &Encoder{engine: engine, timeout: timeout}
}

// Encode writes the rendition for profile into outputDir/<label>. It only
// writes inside that directory. Any failure is returned as *EncodeFailure.
func (e *Encoder) Encode(ctx context.Context, sourcePath, outputDir string, profile profiles.Profile) (*Rendition, error) {
	start := time.Now()
	log := logging.ForJob(filepath.Base(outputDir)).Profile(profile.Label)

	rendition, status, err := e.encode(ctx, sourcePath, outputDir, profile)

	metrics.RenditionEncodesTotal.WithLabelValues(profile.Label, status).Inc()
	if err != nil {
		log.Warn("encode failed after %v: %v", time.Since(start).Round(time.Millisecond), err)
		return nil, &EncodeFailure{Label: profile.Label, Err: err}
	}

	metrics.RenditionEncodeDuration.WithLabelValues(profile.Label).Observe(time.Since(start).Seconds())
	log.Info("encoded %d segments (%.1fs) in %v", rendition.Segments, rendition.Duration, time.Since(start).Round(time.Millisecond))
	return rendition, nil
}

func (e *Encoder) encode(ctx context.Context, sourcePath, outputDir string, profile profiles.Profile) (*Rendition, string, error) {
	if err := checkReadable(sourcePath); err != nil {
		return nil, "failure", err
	}

	dir := filepath.Join(outputDir, profile.Label)
	if err := prepareDir(dir); err != nil {
		return nil, "failure", err
	}

	encodeCtx := ctx
	if e.timeout > 0 {
		var cancel context.CancelFunc
		encodeCtx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	req := Request{
		Input:           sourcePath,
		SegmentPattern:  filepath.Join(dir, playlist.SegmentPattern),
		PlaylistPath:    filepath.Join(dir, playlist.PlaylistFileName),
		VideoFilter:     fmt.Sprintf("scale=%d:%d", profile.Width, profile.Height),
		VideoBitrate:    profile.VideoBitrate,
		AudioBitrate:    profile.AudioBitrate,
		SegmentDuration: profile.SegmentDuration,
	}

	if err := e.engine.Transcode(encodeCtx, req); err != nil {
		if ctx.Err() == nil && errors.Is(encodeCtx.Err(), context.DeadlineExceeded) {
			return nil, "timeout", fmt.Errorf("timed out after %v: %w", e.timeout, context.DeadlineExceeded)
		}
		return nil, "failure", err
	}

	media, err := playlist.ParseMediaFile(req.PlaylistPath)
	if err != nil {
		return nil, "failure", fmt.Errorf("engine output unreadable: %w", err)
	}
	if len(media.Segments) == 0 {
		return nil, "failure", errors.New("engine produced a playlist with no segments")
	}

	return &Rendition{
		Label:        profile.Label,
		Dir:          dir,
		PlaylistPath: req.PlaylistPath,
		Width:        profile.Width,
		Height:       profile.Height,
		VideoBitrate: profile.VideoBitrate,
		AudioBitrate: profile.AudioBitrate,
		Segments:     len(media.Segments),
		Duration:     media.TotalDuration(),
	}, "success", nil
}

func checkReadable(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("source not readable: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("source not readable: %w", err)
	}
	if info.IsDir() {
		return fmt.Errorf("source %s is a directory", path)
	}
	return nil
}

// prepareDir creates dir and confirms a file can be written into it.
func prepareDir(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("cannot create output directory: %w", err)
	}
	probe, err := os.CreateTemp(dir, ".write-test-*")
	if err != nil {
		return fmt.Errorf("output directory not writable: %w", err)
	}
	name := probe.Name()
	probe.Close()
	if err := os.Remove(name); err != nil {
		logging.Debug("failed to remove write probe %s: %v", name, err)
	}
	return nil
}
