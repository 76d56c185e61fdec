// Package middleware provides the HTTP middleware chain for the API and
// stream server.
//
// It includes:
//   - Request ids (X-Request-Id) carried into the access log
//   - Request logging in W3C Extended Log Format, with stream files and
//     health checks optionally filtered out
//   - Prometheus request metrics keyed by route template
//   - gzip compression for JSON and playlists
//   - CORS for browser players on other origins
//   - Bearer-token protection for uploads, checked against a bcrypt hash
package middleware
