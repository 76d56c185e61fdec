package media

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"os"
	"os/exec"
	"path/filepath"

	// Register decoders for uploaded poster images
	_ "image/gif"
	_ "image/png"

	"github.com/disintegration/imaging"
	_ "golang.org/x/image/webp"

	"vod-transcoder/internal/logging"
	"vod-transcoder/internal/metrics"
)

// PosterFileName is the poster written into each job directory.
const PosterFileName = "poster.jpg"

const (
	defaultPosterWidth  = 640
	defaultPosterHeight = 360
)

// PosterGenerator produces a JPEG poster for a job, either from a frame of
// the source video or from an uploaded image.
type PosterGenerator struct {
	ffmpegPath string
	width      int
	height     int
}

// NewPosterGenerator creates a generator using the ffmpeg binary at
// ffmpegPath ("ffmpeg" when empty).
func NewPosterGenerator(ffmpegPath string) *PosterGenerator {
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	return &PosterGenerator{
		ffmpegPath: ffmpegPath,
		width:      defaultPosterWidth,
		height:     defaultPosterHeight,
	}
}

// FromVideo grabs a frame from source and writes it to dest as a JPEG.
func (g *PosterGenerator) FromVideo(ctx context.Context, source, dest string) (err error) {
	defer func() { recordPoster("video", err) }()

	img, err := g.extractFrame(ctx, source)
	if err != nil {
		return fmt.Errorf("poster frame extraction failed: %w", err)
	}
	return g.write(img, dest)
}

// FromImage decodes an uploaded JPEG, PNG, GIF or WebP image and writes it
// to dest as a JPEG.
func (g *PosterGenerator) FromImage(r io.Reader, dest string) (err error) {
	defer func() { recordPoster("image", err) }()

	img, err := imaging.Decode(r, imaging.AutoOrientation(true))
	if err != nil {
		return fmt.Errorf("failed to decode poster image: %w", err)
	}
	return g.write(img, dest)
}

// FromImageFile is FromImage for a file on disk.
func (g *PosterGenerator) FromImageFile(path, dest string) error {
	f, err := os.Open(path)
	if err != nil {
		recordPoster("image", err)
		return err
	}
	defer f.Close()
	return g.FromImage(f, dest)
}

func (g *PosterGenerator) extractFrame(ctx context.Context, source string) (image.Image, error) {
	logging.Debug("Extracting poster frame: %s", source)

	run := func(args ...string) (*bytes.Buffer, error) {
		cmd := exec.CommandContext(ctx, g.ffmpegPath, args...)
		var stdout, stderr bytes.Buffer
		cmd.Stdout = &stdout
		cmd.Stderr = &stderr
		if err := cmd.Run(); err != nil {
			return nil, fmt.Errorf("ffmpeg failed: %v, stderr: %s", err, lastLines(stderr.String()))
		}
		if stdout.Len() == 0 {
			return nil, fmt.Errorf("ffmpeg produced no output for %s", source)
		}
		return &stdout, nil
	}

	// One second in skips black lead-in frames; short clips fall back to
	// the first frame.
	out, err := run("-hide_banner", "-ss", "00:00:01", "-i", source,
		"-vframes", "1", "-f", "image2pipe", "-vcodec", "png", "-")
	if err != nil {
		logging.Debug("FFmpeg first attempt failed for %s: %v", source, err)
		out, err = run("-hide_banner", "-i", source,
			"-vframes", "1", "-f", "image2pipe", "-vcodec", "png", "-")
		if err != nil {
			return nil, err
		}
	}

	img, _, err := image.Decode(out)
	if err != nil {
		return nil, fmt.Errorf("failed to decode ffmpeg output: %w", err)
	}
	return img, nil
}

func (g *PosterGenerator) write(img image.Image, dest string) error {
	if img == nil {
		return fmt.Errorf("poster generation returned nil image")
	}

	poster := imaging.Fit(img, g.width, g.height, imaging.Lanczos)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, poster, &jpeg.Options{Quality: 85}); err != nil {
		return fmt.Errorf("failed to encode poster: %w", err)
	}

	tmp := filepath.Join(filepath.Dir(dest), "."+filepath.Base(dest)+".tmp")
	if err := os.WriteFile(tmp, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("failed to write poster: %w", err)
	}
	if err := os.Rename(tmp, dest); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to write poster: %w", err)
	}

	logging.Debug("Poster written: %s (%dx%d)", dest, poster.Bounds().Dx(), poster.Bounds().Dy())
	return nil
}

func recordPoster(source string, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	metrics.PosterGenerationsTotal.WithLabelValues(source, status).Inc()
}

func lastLines(s string) string {
	const limit = 512
	if len(s) > limit {
		return s[len(s)-limit:]
	}
	return s
}
