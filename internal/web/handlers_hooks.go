package web

import (
	"net/http"
	"strings"

	"github.com/asheshgoplani/agent-watch/internal/tracker"
)

// handleHooks ingests an already normalized event, the same JSON the hook
// command writes to the spool.
func (s *Server) handleHooks(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var ev tracker.HookEvent
	if err := decodeBody(r, &ev); err != nil {
		writeBodyError(w, err)
		return
	}
	if strings.TrimSpace(ev.SessionID) == "" {
		writeAPIError(w, http.StatusBadRequest, "INVALID_REQUEST", "sessionId is required")
		return
	}
	s.store.ProcessHookEvent(ev)
	writeJSON(w, http.StatusAccepted, okResponse{OK: true})
}
