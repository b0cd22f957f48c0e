package web

import (
	"log/slog"
	"net/http"
	"strings"
	"syscall"
	"time"

	"github.com/asheshgoplani/agent-watch/internal/tracker"
)

type sessionsResponse struct {
	Sessions []tracker.Session `json:"sessions"`
}

type sessionResponse struct {
	Session tracker.Session `json:"session"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":       true,
		"version":  s.cfg.Version,
		"sessions": len(s.store.List()),
		"uptime":   time.Since(s.started).Round(time.Second).String(),
		"time":     time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, sessionsResponse{Sessions: s.store.List()})
}

// handleSessionRoute serves /api/sessions/{id} and /api/sessions/{id}/{action}.
func (s *Server) handleSessionRoute(w http.ResponseWriter, r *http.Request) {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/sessions/"), "/")
	id, action, _ := strings.Cut(rest, "/")
	if id == "" || strings.Contains(action, "/") {
		writeAPIError(w, http.StatusNotFound, "NOT_FOUND", "route not found")
		return
	}

	if _, ok := s.store.Get(id); !ok {
		writeAPIError(w, http.StatusNotFound, "NOT_FOUND", "session not found")
		return
	}

	if action == "" {
		if r.Method != http.MethodGet {
			methodNotAllowed(w)
			return
		}
		sess, _ := s.store.Get(id)
		writeJSON(w, http.StatusOK, sessionResponse{Session: sess})
		return
	}

	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}

	var ok bool
	switch action {
	case "focus":
		ok = s.store.Focus(r.Context(), id)
	case "interrupt":
		ok = s.store.Interrupt(r.Context(), id)
	case "terminate":
		var body struct {
			Signal string `json:"signal"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeBodyError(w, err)
			return
		}
		sig, valid := parseSignal(body.Signal)
		if !valid {
			writeAPIError(w, http.StatusBadRequest, "INVALID_REQUEST", "signal must be TERM, INT, HUP or KILL")
			return
		}
		ok = s.store.Terminate(r.Context(), id, sig)
	case "permission":
		var body struct {
			ToolUseID string `json:"toolUseId"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeBodyError(w, err)
			return
		}
		ok = s.store.ClearPermission(id, body.ToolUseID)
	case "remove":
		ok = s.store.Remove(id)
	case "keys":
		var body struct {
			Text string `json:"text"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeBodyError(w, err)
			return
		}
		if body.Text == "" {
			writeAPIError(w, http.StatusBadRequest, "INVALID_REQUEST", "text is required")
			return
		}
		ok = s.store.SendText(r.Context(), id, body.Text)
	default:
		writeAPIError(w, http.StatusNotFound, "NOT_FOUND", "unknown action")
		return
	}

	webLog.Debug("session_action",
		slog.String("session", id),
		slog.String("action", action),
		slog.Bool("ok", ok))
	writeJSON(w, http.StatusOK, okResponse{OK: ok})
}

func parseSignal(name string) (syscall.Signal, bool) {
	switch strings.TrimPrefix(strings.ToUpper(strings.TrimSpace(name)), "SIG") {
	case "", "TERM":
		return syscall.SIGTERM, true
	case "INT":
		return syscall.SIGINT, true
	case "HUP":
		return syscall.SIGHUP, true
	case "KILL":
		return syscall.SIGKILL, true
	default:
		return 0, false
	}
}
