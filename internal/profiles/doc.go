// Package profiles holds the rendition ladder: the ordered list of
// resolution and bitrate targets every upload is encoded to.
//
// The ladder is configuration. RENDITION_PROFILES replaces the built-in
// table without touching the encoder or the orchestrator:
//
//	RENDITION_PROFILES="360p=640x360@800k/96k,720p=1280x720@2500k/128k"
//
// Labels double as output directory names, so they are restricted to
// letters, digits, '-' and '_'.
package profiles
