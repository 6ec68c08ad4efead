package middleware

import (
	"net/http"

	"kptv-checker/work/logger"

	"golang.org/x/crypto/bcrypt"
)

// CORSMiddleware adds permissive CORS headers so the admin UI can be served
// from a different origin, and short-circuits preflight requests.
func CORSMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next(w, r)
	}
}

// AuthMiddleware protects admin endpoints with HTTP basic auth verified
// against a bcrypt password hash. The hash is read through the provider on
// every request so a config patch rotates the password without a restart.
// An empty hash disables authentication entirely, matching the single-user
// deployment default.
func AuthMiddleware(passwordHash func() string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		hash := passwordHash()
		if hash == "" {
			next(w, r)
			return
		}

		_, pass, ok := r.BasicAuth()
		if !ok || bcrypt.CompareHashAndPassword([]byte(hash), []byte(pass)) != nil {
			logger.Warn("{middleware/auth - AuthMiddleware} rejected request to %s from %s", r.URL.Path, r.RemoteAddr)
			w.Header().Set("WWW-Authenticate", `Basic realm="checker"`)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}

		next(w, r)
	}
}
