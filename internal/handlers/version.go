package handlers

import (
	"net/http"

	"vod-transcoder/internal/startup"
)

// GetVersion returns the build information of the running binary.
func (h *Handlers) GetVersion(w http.ResponseWriter, _ *http.Request) {
	buildInfo := startup.GetBuildInfo()

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-cache")
	writeJSON(w, buildInfo)
}
