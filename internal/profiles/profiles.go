package profiles

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// DefaultSegmentDuration is the HLS segment length used when none is configured.
const DefaultSegmentDuration = 6

var labelPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// Profile describes one rung of the quality ladder. Bitrates are in kbps,
// the segment duration in seconds.
type Profile struct {
	Label           string
	Width           int
	Height          int
	VideoBitrate    int
	AudioBitrate    int
	SegmentDuration int
}

// Resolution returns the profile size formatted as WIDTHxHEIGHT.
func (p Profile) Resolution() string {
	return fmt.Sprintf("%dx%d", p.Width, p.Height)
}

// Bandwidth returns the advertised bandwidth in bits per second.
func (p Profile) Bandwidth() int {
	return p.VideoBitrate * 1000
}

// VideoBitrateString returns the video bitrate in ffmpeg notation, e.g. "800k".
func (p Profile) VideoBitrateString() string {
	return strconv.Itoa(p.VideoBitrate) + "k"
}

// AudioBitrateString returns the audio bitrate in ffmpeg notation, e.g. "96k".
func (p Profile) AudioBitrateString() string {
	return strconv.Itoa(p.AudioBitrate) + "k"
}

func (p Profile) validate() error {
	if !labelPattern.MatchString(p.Label) {
		return fmt.Errorf("profile label %q must be a single path component of letters, digits, '-' or '_'", p.Label)
	}
	if p.Width <= 0 || p.Height <= 0 {
		return fmt.Errorf("profile %s: resolution must be positive, got %dx%d", p.Label, p.Width, p.Height)
	}
	if p.VideoBitrate <= 0 || p.AudioBitrate <= 0 {
		return fmt.Errorf("profile %s: bitrates must be positive", p.Label)
	}
	if p.SegmentDuration <= 0 {
		return fmt.Errorf("profile %s: segment duration must be positive", p.Label)
	}
	return nil
}

// Table is an ordered, read-only set of uniquely labelled profiles.
type Table struct {
	profiles []Profile
	index    map[string]int
}

// NewTable validates the profiles and returns them as a table in the given order.
func NewTable(profiles []Profile) (*Table, error) {
	if len(profiles) == 0 {
		return nil, errors.New("profile table is empty")
	}

	t := &Table{
		profiles: make([]Profile, len(profiles)),
		index:    make(map[string]int, len(profiles)),
	}
	for i, p := range profiles {
		if err := p.validate(); err != nil {
			return nil, err
		}
		if _, dup := t.index[p.Label]; dup {
			return nil, fmt.Errorf("duplicate profile label %q", p.Label)
		}
		t.index[p.Label] = i
		t.profiles[i] = p
	}
	return t, nil
}

// Default returns the standard 360p to 2160p ladder.
func Default() *Table {
	seg := DefaultSegmentDuration
	t, err := NewTable([]Profile{
		{Label: "360p", Width: 640, Height: 360, VideoBitrate: 800, AudioBitrate: 96, SegmentDuration: seg},
		{Label: "480p", Width: 854, Height: 480, VideoBitrate: 1200, AudioBitrate: 128, SegmentDuration: seg},
		{Label: "720p", Width: 1280, Height: 720, VideoBitrate: 2500, AudioBitrate: 128, SegmentDuration: seg},
		{Label: "1080p", Width: 1920, Height: 1080, VideoBitrate: 4500, AudioBitrate: 192, SegmentDuration: seg},
		{Label: "2160p", Width: 3840, Height: 2160, VideoBitrate: 6500, AudioBitrate: 192, SegmentDuration: seg},
	})
	if err != nil {
		panic(err)
	}
	return t
}

// Parse builds a table from a comma-separated list of
// label=WIDTHxHEIGHT@VIDEO/AUDIO entries, e.g. "360p=640x360@800k/96k".
// Every profile uses segmentDuration.
func Parse(spec string, segmentDuration int) (*Table, error) {
	var profiles []Profile
	for _, entry := range strings.Split(spec, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		p, err := parseEntry(entry)
		if err != nil {
			return nil, err
		}
		p.SegmentDuration = segmentDuration
		profiles = append(profiles, p)
	}
	return NewTable(profiles)
}

func parseEntry(entry string) (Profile, error) {
	label, rest, ok := strings.Cut(entry, "=")
	if !ok {
		return Profile{}, fmt.Errorf("profile %q: missing '='", entry)
	}
	size, rates, ok := strings.Cut(rest, "@")
	if !ok {
		return Profile{}, fmt.Errorf("profile %q: missing '@'", entry)
	}
	w, h, ok := strings.Cut(size, "x")
	if !ok {
		return Profile{}, fmt.Errorf("profile %q: resolution must be WIDTHxHEIGHT", entry)
	}
	video, audio, ok := strings.Cut(rates, "/")
	if !ok {
		return Profile{}, fmt.Errorf("profile %q: bitrates must be VIDEO/AUDIO", entry)
	}

	p := Profile{Label: strings.TrimSpace(label)}
	var err error
	if p.Width, err = strconv.Atoi(w); err != nil {
		return Profile{}, fmt.Errorf("profile %q: width: %w", entry, err)
	}
	if p.Height, err = strconv.Atoi(h); err != nil {
		return Profile{}, fmt.Errorf("profile %q: height: %w", entry, err)
	}
	if p.VideoBitrate, err = parseKbps(video); err != nil {
		return Profile{}, fmt.Errorf("profile %q: video bitrate: %w", entry, err)
	}
	if p.AudioBitrate, err = parseKbps(audio); err != nil {
		return Profile{}, fmt.Errorf("profile %q: audio bitrate: %w", entry, err)
	}
	return p, nil
}

// parseKbps accepts "800k", "800K" or a bare "800" and returns kbps.
// An "M" suffix is accepted for megabits.
func parseKbps(s string) (int, error) {
	s = strings.TrimSpace(s)
	mult := 1
	switch {
	case strings.HasSuffix(s, "k"), strings.HasSuffix(s, "K"):
		s = s[:len(s)-1]
	case strings.HasSuffix(s, "m"), strings.HasSuffix(s, "M"):
		s = s[:len(s)-1]
		mult = 1000
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, err
	}
	return n * mult, nil
}

// Profiles returns a copy of the profiles in ladder order.
func (t *Table) Profiles() []Profile {
	out := make([]Profile, len(t.profiles))
	copy(out, t.profiles)
	return out
}

// Len returns the number of profiles.
func (t *Table) Len() int {
	return len(t.profiles)
}

// Lookup returns the profile with the given label.
func (t *Table) Lookup(label string) (Profile, bool) {
	i, ok := t.index[label]
	if !ok {
		return Profile{}, false
	}
	return t.profiles[i], true
}

// Labels returns the profile labels in ladder order.
func (t *Table) Labels() []string {
	labels := make([]string, len(t.profiles))
	for i, p := range t.profiles {
		labels[i] = p.Label
	}
	return labels
}

// String renders the table in the format accepted by Parse.
func (t *Table) String() string {
	parts := make([]string, len(t.profiles))
	for i, p := range t.profiles {
		parts[i] = fmt.Sprintf("%s=%s@%s/%s", p.Label, p.Resolution(), p.VideoBitrateString(), p.AudioBitrateString())
	}
	return strings.Join(parts, ",")
}
