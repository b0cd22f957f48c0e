package web

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/asheshgoplani/agent-watch/internal/archive"
)

type archiveResponse struct {
	Sessions []archive.Entry `json:"sessions"`
}

func (s *Server) handleArchive(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	if s.archive == nil {
		writeAPIError(w, http.StatusNotFound, "ARCHIVE_DISABLED", "archive is disabled")
		return
	}

	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > 1000 {
			writeAPIError(w, http.StatusBadRequest, "INVALID_REQUEST", "limit must be between 1 and 1000")
			return
		}
		limit = n
	}

	entries, err := s.archive.Recent(limit)
	if err != nil {
		webLog.Error("archive_query_failed", slog.String("error", err.Error()))
		writeAPIError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to read archive")
		return
	}
	if entries == nil {
		entries = []archive.Entry{}
	}
	writeJSON(w, http.StatusOK, archiveResponse{Sessions: entries})
}
