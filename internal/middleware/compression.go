package middleware

import (
	"compress/gzip"
	"io"
	"mime"
	"net/http"
	"strings"
	"sync"

	"vod-transcoder/internal/mediatypes"
)

// CompressionConfig controls which responses are gzipped.
type CompressionConfig struct {
	// MinSize is the smallest body in bytes that gets compressed.
	MinSize int
	// Level is a compress/gzip level. Out of range values use the default.
	Level int
	// ContentTypes are the media types that get compressed.
	ContentTypes []string
}

// DefaultCompressionConfig compresses API JSON and HLS playlists of 1KB or
// more.
func DefaultCompressionConfig() CompressionConfig {
	return CompressionConfig{
		MinSize:      1024,
		Level:        gzip.DefaultCompression,
		ContentTypes: []string{"application/json", mediatypes.MimePlaylist},
	}
}

type compressor struct {
	config CompressionConfig
	types  map[string]bool
	pool   sync.Pool
}

func newCompressor(config CompressionConfig) *compressor {
	if config.Level < gzip.HuffmanOnly || config.Level > gzip.BestCompression {
		config.Level = gzip.DefaultCompression
	}
	c := &compressor{config: config, types: make(map[string]bool, len(config.ContentTypes))}
	for _, t := range config.ContentTypes {
		c.types[strings.ToLower(t)] = true
	}
	c.pool.New = func() any {
		w, _ := gzip.NewWriterLevel(io.Discard, config.Level)
		return w
	}
	return c
}

func (c *compressor) wants(contentType string) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	return c.types[mediaType]
}

func (c *compressor) wrap(w http.ResponseWriter) *gzipResponseWriter {
	return &gzipResponseWriter{ResponseWriter: w, c: c, status: http.StatusOK}
}

// gzipResponseWriter holds the body back until MinSize bytes or the end of
// the response, then commits to gzip or identity.
type gzipResponseWriter struct {
	http.ResponseWriter
	c       *compressor
	gz      *gzip.Writer
	buffer  []byte
	status  int
	decided bool
}

func (g *gzipResponseWriter) WriteHeader(status int) {
	if !g.decided {
		g.status = status
	}
}

func (g *gzipResponseWriter) Write(p []byte) (int, error) {
	if g.decided {
		if g.gz != nil {
			return g.gz.Write(p)
		}
		return g.ResponseWriter.Write(p)
	}

	g.buffer = append(g.buffer, p...)
	if len(g.buffer) >= g.c.config.MinSize {
		if err := g.decide(); err != nil {
			return 0, err
		}
	}
	return len(p), nil
}

func (g *gzipResponseWriter) decide() error {
	g.decided = true
	h := g.Header()
	buf := g.buffer
	g.buffer = nil

	if len(buf) >= g.c.config.MinSize && h.Get("Content-Encoding") == "" && g.c.wants(h.Get("Content-Type")) {
		h.Del("Content-Length")
		h.Set("Content-Encoding", "gzip")
		h.Add("Vary", "Accept-Encoding")
		g.gz = g.c.pool.Get().(*gzip.Writer)
		g.gz.Reset(g.ResponseWriter)
	}

	g.ResponseWriter.WriteHeader(g.status)
	if len(buf) == 0 {
		return nil
	}
	if g.gz != nil {
		_, err := g.gz.Write(buf)
		return err
	}
	_, err := g.ResponseWriter.Write(buf)
	return err
}

// Close flushes whatever is buffered and returns the gzip writer to the pool.
func (g *gzipResponseWriter) Close() error {
	var err error
	if !g.decided {
		err = g.decide()
	}
	if g.gz != nil {
		if closeErr := g.gz.Close(); err == nil {
			err = closeErr
		}
		g.c.pool.Put(g.gz)
		g.gz = nil
	}
	return err
}

func (g *gzipResponseWriter) Flush() {
	if !g.decided {
		_ = g.decide()
	}
	if g.gz != nil {
		_ = g.gz.Flush()
	}
	if flusher, ok := g.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

// Unwrap lets http.ResponseController reach the connection.
func (g *gzipResponseWriter) Unwrap() http.ResponseWriter {
	return g.ResponseWriter
}

// compressiblePath reports whether a request can return a compressible body.
// Segments, posters and videos are already compressed media.
func compressiblePath(urlPath string) bool {
	switch mediatypes.GetFileType(urlPath) {
	case mediatypes.FileTypeSegment, mediatypes.FileTypeImage, mediatypes.FileTypeVideo:
		return false
	}
	return true
}

// acceptsGzip reports whether the client lists gzip, or *, without q=0.
func acceptsGzip(r *http.Request) bool {
	for _, part := range strings.Split(r.Header.Get("Accept-Encoding"), ",") {
		coding, params, _ := strings.Cut(part, ";")
		coding = strings.TrimSpace(coding)
		if !strings.EqualFold(coding, "gzip") && coding != "*" {
			continue
		}
		q := strings.ReplaceAll(strings.TrimSpace(params), " ", "")
		return strings.TrimRight(strings.TrimPrefix(q, "q="), "0.") != "" || q == ""
	}
	return false
}

// Compression gzips JSON and playlist responses. Segment, poster and range
// requests pass straight through.
func Compression(config CompressionConfig) func(http.Handler) http.Handler {
	c := newCompressor(config)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodHead || r.Header.Get("Range") != "" ||
				!compressiblePath(r.URL.Path) || !acceptsGzip(r) {
				next.ServeHTTP(w, r)
				return
			}

			gzw := c.wrap(w)
			defer func() { _ = gzw.Close() }()
			next.ServeHTTP(gzw, r)
		})
	}
}
