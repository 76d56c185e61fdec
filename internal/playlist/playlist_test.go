package playlist

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestComposeMaster(t *testing.T) {
	variants := []Variant{
		{Label: "360p", Width: 640, Height: 360, VideoBitrate: 800},
		{Label: "720p", Width: 1280, Height: 720, VideoBitrate: 2500},
	}

	want := "#EXTM3U\n" +
		"#EXT-X-VERSION:3\n" +
		"#EXT-X-STREAM-INF:BANDWIDTH=800000,RESOLUTION=640x360,CODECS=\"avc1.42e01f,mp4a.40.2\"\n" +
		"360p/playlist.m3u8\n" +
		"#EXT-X-STREAM-INF:BANDWIDTH=2500000,RESOLUTION=1280x720,CODECS=\"avc1.42e01f,mp4a.40.2\"\n" +
		"720p/playlist.m3u8"

	got := string(ComposeMaster(variants))
	if got != want {
		t.Errorf("ComposeMaster mismatch\ngot:\n%s\nwant:\n%s", got, want)
	}
}

func TestComposeMasterEmpty(t *testing.T) {
	got := string(ComposeMaster(nil))
	if got != "#EXTM3U\n#EXT-X-VERSION:3" {
		t.Errorf("empty manifest = %q", got)
	}
}

func TestComposeMasterDeterministic(t *testing.T) {
	variants := []Variant{
		{Label: "1080p", Width: 1920, Height: 1080, VideoBitrate: 4500},
		{Label: "480p", Width: 854, Height: 480, VideoBitrate: 1200},
	}
	first := ComposeMaster(variants)
	for i := 0; i < 10; i++ {
		if string(ComposeMaster(variants)) != string(first) {
			t.Fatal("ComposeMaster output changed between calls")
		}
	}

	// Order is preserved, not sorted
	lines := strings.Split(string(first), "\n")
	if lines[3] != "1080p/playlist.m3u8" || lines[5] != "480p/playlist.m3u8" {
		t.Errorf("variant order not preserved: %v", lines)
	}
}

func TestWriteMaster(t *testing.T) {
	dir := t.TempDir()
	variants := []Variant{{Label: "360p", Width: 640, Height: 360, VideoBitrate: 800}}

	path, err := WriteMaster(dir, variants)
	if err != nil {
		t.Fatalf("WriteMaster failed: %v", err)
	}
	if path != filepath.Join(dir, MasterFileName) {
		t.Errorf("path = %s", path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != string(ComposeMaster(variants)) {
		t.Error("file content differs from ComposeMaster output")
	}

	entries, _ := os.ReadDir(dir)
	if len(entries) != 1 {
		t.Errorf("expected only master.m3u8 in dir, found %d entries", len(entries))
	}
}

func TestWriteMasterFailure(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "missing")

	_, err := WriteMaster(dir, nil)
	var mwf *ManifestWriteFailure
	if !errors.As(err, &mwf) {
		t.Fatalf("expected ManifestWriteFailure, got %v", err)
	}
	if !errors.Is(err, os.ErrNotExist) {
		t.Errorf("expected wrapped ErrNotExist, got %v", err)
	}
}

const ffmpegPlaylist = `#EXTM3U
#EXT-X-VERSION:3
#EXT-X-TARGETDURATION:6
#EXT-X-MEDIA-SEQUENCE:0
#EXT-X-PLAYLIST-TYPE:VOD
#EXTINF:6.006000,
segment000.ts
#EXTINF:6.006000,
segment001.ts
#EXTINF:2.500000,
segment002.ts
#EXT-X-ENDLIST
`

func TestParseMedia(t *testing.T) {
	mp, err := ParseMedia(strings.NewReader(ffmpegPlaylist))
	if err != nil {
		t.Fatalf("ParseMedia failed: %v", err)
	}

	if mp.TargetDuration != 6 {
		t.Errorf("TargetDuration = %d", mp.TargetDuration)
	}
	if len(mp.Segments) != 3 {
		t.Fatalf("got %d segments, want 3", len(mp.Segments))
	}
	if mp.Segments[2].URI != "segment002.ts" {
		t.Errorf("last segment = %q", mp.Segments[2].URI)
	}
	if !mp.Ended {
		t.Error("expected Ended")
	}
	if d := mp.TotalDuration(); d < 14.51 || d > 14.52 {
		t.Errorf("TotalDuration = %f", d)
	}
}

func TestParseMediaErrors(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"empty", ""},
		{"no header", "#EXTINF:1,\na.ts\n"},
		{"bad extinf", "#EXTM3U\n#EXTINF:abc,\na.ts\n"},
		{"uri without extinf", "#EXTM3U\na.ts\n"},
		{"bad target", "#EXTM3U\n#EXT-X-TARGETDURATION:x\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseMedia(strings.NewReader(tt.input)); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestParseMediaFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), PlaylistFileName)
	if err := os.WriteFile(path, []byte(ffmpegPlaylist), 0o644); err != nil {
		t.Fatal(err)
	}

	mp, err := ParseMediaFile(path)
	if err != nil {
		t.Fatalf("ParseMediaFile failed: %v", err)
	}
	if len(mp.Segments) != 3 {
		t.Errorf("got %d segments", len(mp.Segments))
	}

	if _, err := ParseMediaFile(filepath.Join(t.TempDir(), "nope.m3u8")); !os.IsNotExist(err) {
		t.Errorf("expected not-exist error, got %v", err)
	}
}
