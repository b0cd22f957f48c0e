package web

import (
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
)

// guard rejects requests a browser could be tricked into sending. On a
// loopback listener the Host header must name a loopback address, which
// defeats DNS rebinding. State-changing requests that carry an Origin must
// come from the server's own origin.
func (s *Server) guard(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.loopbackOnly && !isLoopbackHost(r.Host) {
			webLog.Warn("request_host_rejected", slog.String("host", r.Host))
			writeAPIError(w, http.StatusForbidden, "FORBIDDEN_HOST", "host not allowed")
			return
		}
		if !safeMethod(r.Method) && !sameOrigin(r) {
			webLog.Warn("request_origin_rejected", slog.String("origin", r.Header.Get("Origin")))
			writeAPIError(w, http.StatusForbidden, "FORBIDDEN_ORIGIN", "cross-origin request rejected")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func safeMethod(m string) bool {
	return m == http.MethodGet || m == http.MethodHead || m == http.MethodOptions
}

// sameOrigin accepts requests without an Origin header (CLI, curl) and
// browser requests whose Origin host equals the Host header.
func sameOrigin(r *http.Request) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil || u.Host == "" {
		return false
	}
	return strings.EqualFold(u.Host, r.Host)
}

func splitHost(hostport string) string {
	host, _, err := net.SplitHostPort(hostport)
	if err != nil {
		host = hostport
	}
	return strings.Trim(host, "[]")
}

func isLoopbackHost(hostport string) bool {
	host := strings.ToLower(splitHost(hostport))
	if host == "localhost" || strings.HasSuffix(host, ".localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// listensOnLoopback reports whether addr binds only loopback interfaces.
// An empty or wildcard host means all interfaces.
func listensOnLoopback(addr string) bool {
	host := splitHost(addr)
	if host == "" {
		return false
	}
	return isLoopbackHost(host)
}
