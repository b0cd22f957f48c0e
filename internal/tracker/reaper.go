package tracker

import (
	"log/slog"
	"time"
)

// Sweep applies the stale-session heuristics once. It runs on the sweep
// ticker; tests call it directly.
func (s *Store) Sweep() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	now := s.deps.Clock.Now()
	for id, sess := range s.sessions {
		if sess.Phase == PhaseEnded {
			// Backstop for a deletion timer that never fired.
			if sess.EndedAt != nil && now.Sub(*sess.EndedAt) > s.cfg.EndedRetention {
				s.deleteLocked(id)
			}
			continue
		}
		switch sess.Agent {
		case AgentCursor:
			s.sweepCursorLocked(sess, now)
		default:
			s.sweepPIDAgentLocked(sess, now)
		}
	}
}

// sweepPIDAgentLocked handles agents whose PID is the agent process itself
// and whose hooks fire on every turn.
func (s *Store) sweepPIDAgentLocked(sess *Session, now time.Time) {
	inactive := now.Sub(sess.LastActivity)
	if sess.PID <= 0 {
		if inactive > s.cfg.CursorStaleThreshold {
			s.reapLocked(sess, now, "no_pid_inactive")
		}
		return
	}
	if inactive <= s.cfg.StaleThreshold {
		return
	}
	if !s.deps.Prober.Alive(sess.PID) {
		s.reapLocked(sess, now, "process_dead")
		return
	}
	if sess.Phase == PhaseCompacting && sess.CompactingStartedAt != nil &&
		now.Sub(*sess.CompactingStartedAt) > s.cfg.CompactingTimeout {
		trackerLog.Info("compacting_timeout",
			slog.String("session", sess.ID),
			slog.Duration("elapsed", now.Sub(*sess.CompactingStartedAt)))
		s.transitionLocked(sess, PhaseWaitingForInput, HookEvent{}, now, false, false)
	}
}

// sweepCursorLocked handles IDE sessions, where the PID belongs to the
// short-lived hook spawner and hooks can be sparse. A live but silent IDE
// is demoted to idle, never ended.
func (s *Store) sweepCursorLocked(sess *Session, now time.Time) {
	inactive := now.Sub(sess.LastActivity)
	deadConfirmed := sess.PID > 0 && !s.deps.Prober.Alive(sess.PID)

	switch {
	case inactive > s.cfg.CursorStaleThreshold:
		if deadConfirmed {
			s.reapLocked(sess, now, "cursor_inactive_spawner_dead")
			return
		}
		if sess.Phase != PhaseIdle {
			trackerLog.Info("session_demoted",
				slog.String("session", sess.ID),
				slog.String("phase", string(sess.Phase)))
			s.transitionLocked(sess, PhaseIdle, HookEvent{}, now, false, false)
		}
	case deadConfirmed && inactive > s.cfg.StaleThreshold:
		s.reapLocked(sess, now, "cursor_spawner_dead")
	}
}

func (s *Store) reapLocked(sess *Session, now time.Time, reason string) {
	trackerLog.Info("session_reaped",
		slog.String("session", sess.ID),
		slog.String("agent", sess.Agent),
		slog.String("reason", reason),
		slog.Duration("inactive", now.Sub(sess.LastActivity)))
	s.transitionLocked(sess, PhaseEnded, HookEvent{}, now, false, false)
}
