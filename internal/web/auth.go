package web

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// requireToken rejects requests without the configured token. The token may
// come from an Authorization: Bearer header or a ?token= query parameter
// (browsers cannot set headers on websocket upgrades).
func (s *Server) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.authorized(r) {
			writeAPIError(w, http.StatusUnauthorized, "UNAUTHORIZED", "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) authorized(r *http.Request) bool {
	if s.cfg.Token == "" {
		return true
	}
	if tok := strings.TrimSpace(r.URL.Query().Get("token")); tok != "" && secureEqual(tok, s.cfg.Token) {
		return true
	}
	if tok := bearerToken(r.Header.Get("Authorization")); tok != "" && secureEqual(tok, s.cfg.Token) {
		return true
	}
	return false
}

func bearerToken(header string) string {
	const prefix = "Bearer "
	header = strings.TrimSpace(header)
	if !strings.HasPrefix(header, prefix) {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, prefix))
}

func secureEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
