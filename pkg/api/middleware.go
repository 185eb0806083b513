package api

import (
	"net/http"
	"time"

	"golang.org/x/crypto/bcrypt"
)

// requestLogger logs incoming HTTP requests.
func (s *server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)

		s.log.WithField("method", r.Method).
			WithField("path", r.URL.Path).
			WithField("remote", r.RemoteAddr).
			WithField("duration", time.Since(start)).
			Debug("Request handled")
	})
}

// basicAuth validates HTTP basic credentials against the configured
// user list. Passwords are stored as bcrypt hashes.
func (s *server) basicAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		username, password, ok := r.BasicAuth()
		if !ok {
			s.unauthorized(w)

			return
		}

		for _, user := range s.cfg.Users {
			if user.Username != username {
				continue
			}

			if err := bcrypt.CompareHashAndPassword(
				[]byte(user.PasswordHash), []byte(password),
			); err == nil {
				next.ServeHTTP(w, r)

				return
			}

			break
		}

		s.unauthorized(w)
	})
}

func (s *server) unauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", `Basic realm="pipeloor"`)
	writeJSON(w, http.StatusUnauthorized, errorResponse{"authentication required"})
}
