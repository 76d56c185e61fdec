package playlist

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

const (
	// MasterFileName is the master manifest name inside a job directory.
	MasterFileName = "master.m3u8"
	// PlaylistFileName is the media playlist name inside a rendition directory.
	PlaylistFileName = "playlist.m3u8"
	// SegmentPattern is the ffmpeg segment filename template.
	SegmentPattern = "segment%03d.ts"

	// Codecs advertised for every variant: H.264 baseline level 3.1 + AAC-LC.
	Codecs = "avc1.42e01f,mp4a.40.2"
)

// Variant is one entry of the master manifest.
type Variant struct {
	Label        string
	Width        int
	Height       int
	VideoBitrate int // kbps
}

// Bandwidth returns the advertised bandwidth in bits per second.
func (v Variant) Bandwidth() int {
	return v.VideoBitrate * 1000
}

// URI is the variant playlist path relative to the master manifest.
func (v Variant) URI() string {
	return v.Label + "/" + PlaylistFileName
}

// ManifestWriteFailure reports that the master manifest could not be persisted.
type ManifestWriteFailure struct {
	Path string
	Err  error
}

func (e *ManifestWriteFailure) Error() string {
	return fmt.Sprintf("write master manifest %s: %v", e.Path, e.Err)
}

func (e *ManifestWriteFailure) Unwrap() error {
	return e.Err
}

// ComposeMaster renders the master manifest for the variants in the given
// order. Lines are separated by a single newline with no trailing newline.
// An empty variant list yields just the header.
func ComposeMaster(variants []Variant) []byte {
	lines := make([]string, 0, 2+2*len(variants))
	lines = append(lines, "#EXTM3U", "#EXT-X-VERSION:3")
	for _, v := range variants {
		lines = append(lines,
			"#EXT-X-STREAM-INF:BANDWIDTH="+strconv.Itoa(v.Bandwidth())+
				",RESOLUTION="+strconv.Itoa(v.Width)+"x"+strconv.Itoa(v.Height)+
				",CODECS=\""+Codecs+"\"",
			v.URI(),
		)
	}
	return []byte(strings.Join(lines, "\n"))
}

// WriteMaster writes master.m3u8 into dir and returns its path. The file is
// written to a temporary name and renamed so readers never see a partial
// manifest.
func WriteMaster(dir string, variants []Variant) (string, error) {
	path := filepath.Join(dir, MasterFileName)
	if err := writeFileAtomic(path, ComposeMaster(variants)); err != nil {
		return "", &ManifestWriteFailure{Path: path, Err: err}
	}
	return path, nil
}

func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".master-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}
