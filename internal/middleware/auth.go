package middleware

import (
	"encoding/json"
	"net/http"
	"strings"

	"vod-transcoder/internal/logging"

	"golang.org/x/crypto/bcrypt"
)

// RequireUploadToken guards a handler with a bearer token checked against a
// bcrypt hash. An empty hash disables the check.
func RequireUploadToken(tokenHash string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if tokenHash == "" {
			return next
		}
		hash := []byte(tokenHash)

		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := bearerToken(r)
			if !ok || bcrypt.CompareHashAndPassword(hash, []byte(token)) != nil {
				logging.Warn("Rejected upload from %s: missing or invalid token", sanitizeLogField(getClientIP(r)))
				w.Header().Set("WWW-Authenticate", `Bearer realm="upload"`)
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusUnauthorized)
				_ = json.NewEncoder(w).Encode(map[string]string{"error": "Unauthorized"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func bearerToken(r *http.Request) (string, bool) {
	scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}
