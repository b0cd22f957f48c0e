package main

import (
	"fmt"
	"strings"

	"github.com/sahilm/fuzzy"

	"github.com/asheshgoplani/agent-watch/internal/tracker"
)

// sessionHaystack adapts sessions to fuzzy.Source.
type sessionHaystack []tracker.Session

func (h sessionHaystack) String(i int) string {
	s := h[i]
	return strings.Join([]string{s.Title, s.ProjectName, s.ID}, " ")
}

func (h sessionHaystack) Len() int { return len(h) }

// matchSession resolves a user query to one session. An exact id or a
// unique id prefix wins; otherwise the best fuzzy match over title,
// project and id.
func matchSession(sessions []tracker.Session, query string) (tracker.Session, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return tracker.Session{}, fmt.Errorf("empty session query")
	}

	var prefixed []tracker.Session
	for _, s := range sessions {
		if s.ID == query {
			return s, nil
		}
		if strings.HasPrefix(s.ID, query) {
			prefixed = append(prefixed, s)
		}
	}
	switch len(prefixed) {
	case 1:
		return prefixed[0], nil
	case 0:
	default:
		return tracker.Session{}, fmt.Errorf("%q matches %d session ids; use a longer prefix", query, len(prefixed))
	}

	matches := fuzzy.FindFrom(query, sessionHaystack(sessions))
	if len(matches) == 0 {
		return tracker.Session{}, fmt.Errorf("no session matches %q", query)
	}
	return sessions[matches[0].Index], nil
}
