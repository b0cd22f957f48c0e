package archive

import (
	"log/slog"

	"github.com/asheshgoplani/agent-watch/internal/tracker"
)

// Source is the part of *tracker.Store the archiver listens to.
type Source interface {
	SubscribeFunc(name string, fn func(tracker.SessionEvent)) *tracker.Subscription
}

// Attach records every ended session when the tracker removes it. Close the
// returned subscription to detach.
func (a *Archive) Attach(src Source) *tracker.Subscription {
	return src.SubscribeFunc("archive", a.handle)
}

func (a *Archive) handle(ev tracker.SessionEvent) {
	if ev.Type != tracker.EventRemove || ev.Session.Phase != tracker.PhaseEnded {
		return
	}
	if err := a.Record(ev.Session); err != nil {
		archiveLog.Warn("archive_record_failed",
			slog.String("session", ev.Session.ID),
			slog.String("error", err.Error()))
		return
	}
	archiveLog.Debug("session_archived", slog.String("session", ev.Session.ID), slog.String("agent", ev.Session.Agent))
}
