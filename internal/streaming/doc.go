/*
Package streaming delivers published HLS files to players.

A slow or vanished player can otherwise hold a handler goroutine and an
open segment file indefinitely. [TimeoutWriter] wraps http.ResponseWriter
with per-write, idle and total-duration limits, splits large writes into
flushed chunks and reports why a stream ended:

  - [ErrWriteTimeout]: a write stalled, the connection idled or MaxDuration passed
  - [ErrClientGone]: the request context was canceled
  - [ErrStreamCanceled]: the writer was closed

# Serving stream files

[ServeFile] is what the /streams route calls for each file below a job
directory:

	err := streaming.ServeFile(w, r, path, streaming.DefaultTimeoutWriterConfig())
	if errors.Is(err, fs.ErrNotExist) {
		http.NotFound(w, r)
	}

Playlists are served as application/vnd.apple.mpegurl with no-cache, and
posters as image/jpeg. Both go through http.ServeContent. Transport stream
segments (video/MP2T) are copied through a TimeoutWriter unless the player
sends a Range header. Bytes delivered and aborted deliveries are counted in
Prometheus.
*/
package streaming
