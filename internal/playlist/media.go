package playlist

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// ErrNotPlaylist is returned when the input does not start with #EXTM3U.
var ErrNotPlaylist = errors.New("not an m3u8 playlist")

// Segment is one media segment entry.
type Segment struct {
	Duration float64
	URI      string
}

// MediaPlaylist is the subset of a rendition playlist needed to verify
// encoder output.
type MediaPlaylist struct {
	TargetDuration int
	Segments       []Segment
	Ended          bool
}

// TotalDuration sums the segment durations in seconds.
func (m *MediaPlaylist) TotalDuration() float64 {
	var total float64
	for _, s := range m.Segments {
		total += s.Duration
	}
	return total
}

// ParseMedia reads a media playlist. Unknown tags are ignored.
func ParseMedia(r io.Reader) (*MediaPlaylist, error) {
	scanner := bufio.NewScanner(r)
	mp := &MediaPlaylist{}

	var (
		sawHeader  bool
		pending    bool
		pendingDur float64
		lineNumber int
	)

	for scanner.Scan() {
		lineNumber++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		if !sawHeader {
			if line != "#EXTM3U" {
				return nil, ErrNotPlaylist
			}
			sawHeader = true
			continue
		}

		switch {
		case strings.HasPrefix(line, "#EXT-X-TARGETDURATION:"):
			v, err := strconv.Atoi(strings.TrimPrefix(line, "#EXT-X-TARGETDURATION:"))
			if err != nil {
				return nil, fmt.Errorf("line %d: invalid target duration: %w", lineNumber, err)
			}
			mp.TargetDuration = v
		case strings.HasPrefix(line, "#EXTINF:"):
			value := strings.TrimPrefix(line, "#EXTINF:")
			if i := strings.IndexByte(value, ','); i >= 0 {
				value = value[:i]
			}
			d, err := strconv.ParseFloat(value, 64)
			if err != nil {
				return nil, fmt.Errorf("line %d: invalid segment duration: %w", lineNumber, err)
			}
			pendingDur = d
			pending = true
		case line == "#EXT-X-ENDLIST":
			mp.Ended = true
		case strings.HasPrefix(line, "#"):
			// other tags and comments
		default:
			if !pending {
				return nil, fmt.Errorf("line %d: segment %q without #EXTINF", lineNumber, line)
			}
			mp.Segments = append(mp.Segments, Segment{Duration: pendingDur, URI: line})
			pending = false
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if !sawHeader {
		return nil, ErrNotPlaylist
	}
	return mp, nil
}

// ParseMediaFile opens and parses the playlist at path.
func ParseMediaFile(path string) (*MediaPlaylist, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	mp, err := ParseMedia(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return mp, nil
}
