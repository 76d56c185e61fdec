package media

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func testImage(w, h int) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: 128, A: 255})
		}
	}
	return img
}

func encodePNG(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func decodeJPEG(t *testing.T, path string) image.Image {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("poster not written: %v", err)
	}
	defer f.Close()
	img, err := jpeg.Decode(f)
	if err != nil {
		t.Fatalf("poster is not a JPEG: %v", err)
	}
	return img
}

func TestFromImageFitsWithinBounds(t *testing.T) {
	tests := []struct {
		name         string
		w, h         int
		wantW, wantH int
	}{
		{"wide", 1920, 1080, 640, 360},
		{"tall", 1080, 1920, 203, 360},
		{"small", 100, 50, 100, 50},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dest := filepath.Join(t.TempDir(), PosterFileName)
			g := NewPosterGenerator("")

			if err := g.FromImage(bytes.NewReader(encodePNG(t, testImage(tt.w, tt.h))), dest); err != nil {
				t.Fatalf("FromImage failed: %v", err)
			}

			b := decodeJPEG(t, dest).Bounds()
			if b.Dx() != tt.wantW || b.Dy() != tt.wantH {
				t.Errorf("poster size = %dx%d, want %dx%d", b.Dx(), b.Dy(), tt.wantW, tt.wantH)
			}
		})
	}
}

func TestFromImageRejectsGarbage(t *testing.T) {
	dest := filepath.Join(t.TempDir(), PosterFileName)

	err := NewPosterGenerator("").FromImage(strings.NewReader("not an image"), dest)
	if err == nil {
		t.Fatal("expected decode error")
	}
	if _, statErr := os.Stat(dest); !os.IsNotExist(statErr) {
		t.Error("poster written for invalid input")
	}
}

func TestFromImageFile(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "cover.png")
	if err := os.WriteFile(src, encodePNG(t, testImage(320, 180)), 0o644); err != nil {
		t.Fatal(err)
	}

	dest := filepath.Join(dir, PosterFileName)
	if err := NewPosterGenerator("").FromImageFile(src, dest); err != nil {
		t.Fatalf("FromImageFile failed: %v", err)
	}
	decodeJPEG(t, dest)

	if err := NewPosterGenerator("").FromImageFile(filepath.Join(dir, "missing.png"), dest); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestFromVideoUsesFFmpegOutput(t *testing.T) {
	dir := t.TempDir()

	// Stand-in ffmpeg that writes a PNG to stdout
	frame := filepath.Join(dir, "frame.png")
	if err := os.WriteFile(frame, encodePNG(t, testImage(1280, 720)), 0o644); err != nil {
		t.Fatal(err)
	}
	bin := filepath.Join(dir, "ffmpeg")
	if err := os.WriteFile(bin, []byte("#!/bin/sh\ncat '"+frame+"'\n"), 0o755); err != nil {
		t.Fatal(err)
	}

	dest := filepath.Join(dir, PosterFileName)
	if err := NewPosterGenerator(bin).FromVideo(context.Background(), "source.mp4", dest); err != nil {
		t.Fatalf("FromVideo failed: %v", err)
	}

	b := decodeJPEG(t, dest).Bounds()
	if b.Dx() != 640 || b.Dy() != 360 {
		t.Errorf("poster size = %dx%d", b.Dx(), b.Dy())
	}
}

func TestFromVideoFailure(t *testing.T) {
	dir := t.TempDir()
	bin := filepath.Join(dir, "ffmpeg")
	if err := os.WriteFile(bin, []byte("#!/bin/sh\necho 'moov atom not found' >&2\nexit 1\n"), 0o755); err != nil {
		t.Fatal(err)
	}

	err := NewPosterGenerator(bin).FromVideo(context.Background(), "broken.mp4", filepath.Join(dir, PosterFileName))
	if err == nil || !strings.Contains(err.Error(), "moov atom not found") {
		t.Errorf("expected ffmpeg stderr in error, got %v", err)
	}
}
