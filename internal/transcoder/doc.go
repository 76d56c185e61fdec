// Package transcoder encodes a source video into HLS renditions using FFmpeg.
//
// The Engine interface is the single point where an external process is
// invoked; FFmpeg is the production implementation and tests substitute a
// fake. Encoder wraps an Engine with the per-profile bookkeeping: output
// directory preparation, an optional timeout, and a check that the produced
// playlist actually lists segments. Every failure comes back as an
// *EncodeFailure scoped to one profile label.
//
// FFmpeg must be installed and available in the system PATH, or configured
// via FFMPEG_PATH.
package transcoder
