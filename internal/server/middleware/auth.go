package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/websoft9/webssh/internal/config"
)

// Auth checks the shared relay token when RELAY_AUTH_TOKEN is set. Browsers
// cannot set headers on a WebSocket upgrade, so the token may also be passed
// as the "token" query parameter. With no token configured every request
// passes.
func Auth(cfg *config.Config) func(http.Handler) http.Handler {
	expected := []byte(cfg.RelayAuthToken)
	return func(next http.Handler) http.Handler {
		if len(expected) == 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := extractToken(r)
			if !ok {
				http.Error(w, "Missing authorization token", http.StatusUnauthorized)
				return
			}
			if subtle.ConstantTimeCompare([]byte(token), expected) != 1 {
				log.Warn().Str("client_ip", r.RemoteAddr).Msg("Rejected relay token")
				http.Error(w, "Invalid token", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func extractToken(r *http.Request) (string, bool) {
	if authHeader := r.Header.Get("Authorization"); authHeader != "" {
		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || parts[0] != "Bearer" || parts[1] == "" {
			return "", false
		}
		return parts[1], true
	}
	if token := r.URL.Query().Get("token"); token != "" {
		return token, true
	}
	return "", false
}
