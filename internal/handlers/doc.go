// Package handlers provides the HTTP handlers of the transcoding service.
//
// It includes handlers for:
//   - Accepting video uploads and queuing them for transcoding
//   - Listing videos and reading a single video's job record
//   - Returning the playback descriptor of a ready video
//   - Serving the generated playlists, segments and posters
//   - Health, liveness, readiness and version endpoints
package handlers
