package handlers

import (
	"errors"
	"io/fs"
	"net/http"
	"path"
	"path/filepath"
	"strings"

	"vod-transcoder/internal/logging"
	"vod-transcoder/internal/streaming"
)

// ServeStreams serves the master playlists, rendition playlists, segments
// and posters under the streams directory. The router strips the public
// prefix before this handler sees the path.
func (h *Handlers) ServeStreams(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		writeJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	rel, ok := cleanStreamPath(r.URL.Path)
	if !ok {
		http.NotFound(w, r)
		return
	}

	full := filepath.Join(h.streamsDir, filepath.FromSlash(rel))
	err := streaming.ServeFile(w, r, full, h.streamConfig)
	switch {
	case err == nil:
	case errors.Is(err, fs.ErrNotExist):
		http.NotFound(w, r)
	case errors.Is(err, streaming.ErrClientGone), errors.Is(err, streaming.ErrStreamCanceled):
		logging.Debug("Stream %s ended early: %v", rel, err)
	case errors.Is(err, streaming.ErrWriteTimeout):
		logging.Warn("Stream %s timed out: %v", rel, err)
	default:
		// Headers may already be out for segment bodies; only the log is left.
		logging.Error("Failed to serve %s: %v", rel, err)
		if w.Header().Get("Content-Length") == "" {
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		}
	}
}

// cleanStreamPath returns a slash-separated path relative to the streams
// root, rejecting traversal and hidden components such as in-flight temp
// files.
func cleanStreamPath(p string) (string, bool) {
	clean := strings.TrimPrefix(path.Clean("/"+p), "/")
	if clean == "" {
		return "", false
	}
	for _, part := range strings.Split(clean, "/") {
		if part == "" || part == ".." || strings.HasPrefix(part, ".") {
			return "", false
		}
	}
	return clean, true
}
