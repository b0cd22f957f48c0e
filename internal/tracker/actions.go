package tracker

import (
	"context"
	"log/slog"
	"syscall"

	"github.com/asheshgoplani/agent-watch/internal/tmux"
)

// actionView is what a user action needs from a record, copied under lock.
type actionView struct {
	agent  string
	pid    int
	tty    string
	cwd    string
	phase  Phase
	target *tmux.Target
}

func (s *Store) view(id string) (actionView, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return actionView{}, false
	}
	v := actionView{agent: sess.Agent, pid: sess.PID, tty: sess.TTY, cwd: sess.Cwd, phase: sess.Phase}
	if sess.TmuxTarget != nil {
		t := *sess.TmuxTarget
		v.target = &t
	}
	return v, true
}

// ClearPermission resolves a pending approval and moves the session back to
// processing. When both toolUseID and the pending id are set they must
// match.
func (s *Store) ClearPermission(id, toolUseID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok || sess.Phase != PhaseWaitingForApproval {
		return false
	}
	if p := sess.ActivePermission; p != nil && p.ToolUseID != "" && toolUseID != "" && p.ToolUseID != toolUseID {
		return false
	}
	now := s.deps.Clock.Now()
	sess.LastActivity = now
	s.transitionLocked(sess, PhaseProcessing, HookEvent{}, now, false, false)
	return true
}

// Terminate stops the agent: signal to the PID first, tmux kill-pane
// second, and in every case marks the session ended. It reports false only
// for an unknown id; an already ended session is a no-op success.
func (s *Store) Terminate(ctx context.Context, id string, sig syscall.Signal) bool {
	v, ok := s.view(id)
	if !ok {
		return false
	}
	if v.phase == PhaseEnded {
		return true
	}
	if sig == 0 {
		sig = syscall.SIGTERM
	}

	method := "mark_only"
	switch {
	case v.pid > 0 && v.agent != AgentCursor && s.deps.Prober.Alive(v.pid) && s.deps.Signal(v.pid, sig) == nil:
		method = "signal"
	case v.target != nil && s.deps.Tmux != nil && s.deps.Tmux.KillPane(ctx, *v.target):
		method = "kill_pane"
	}
	trackerLog.Info("session_terminate",
		slog.String("session", id),
		slog.String("method", method),
		slog.Int("pid", v.pid))

	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[id]; ok && sess.Phase != PhaseEnded {
		s.transitionLocked(sess, PhaseEnded, HookEvent{}, s.deps.Clock.Now(), false, false)
	}
	return true
}

// Focus jumps to the session: tmux pane, then the app owning its TTY, then
// the agent's own focus-by-directory path.
func (s *Store) Focus(ctx context.Context, id string) bool {
	v, ok := s.view(id)
	if !ok {
		return false
	}
	if v.target != nil && s.deps.Tmux != nil && s.deps.Tmux.FocusPane(ctx, *v.target) {
		return true
	}
	if s.deps.Focus == nil {
		return false
	}
	if v.tty != "" && s.deps.Focus.FocusTTY(ctx, v.tty) {
		return true
	}
	return s.deps.Focus.FocusWorkingDir(ctx, v.agent, v.cwd)
}

// Interrupt sends Ctrl+C to the tmux pane, or SIGINT to the PID when the
// session is not in tmux.
func (s *Store) Interrupt(ctx context.Context, id string) bool {
	v, ok := s.view(id)
	if !ok || v.phase == PhaseEnded {
		return false
	}
	if v.target != nil && s.deps.Tmux != nil {
		return s.deps.Tmux.SendInterrupt(ctx, *v.target)
	}
	if v.pid > 0 && v.agent != AgentCursor && s.deps.Prober.Alive(v.pid) {
		return s.deps.Signal(v.pid, syscall.SIGINT) == nil
	}
	return false
}

// SendText types text into the session's tmux pane followed by Enter.
func (s *Store) SendText(ctx context.Context, id, text string) bool {
	v, ok := s.view(id)
	if !ok || v.target == nil || s.deps.Tmux == nil || v.phase == PhaseEnded {
		return false
	}
	return s.deps.Tmux.SendKeys(ctx, *v.target, text, true)
}

// Remove drops a session immediately. A remove notification is sent unless
// the session already ended (which sent one).
func (s *Store) Remove(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return false
	}
	alreadyEnded := sess.Phase == PhaseEnded
	s.deleteLocked(id)
	if !alreadyEnded {
		s.emitLocked(EventRemove, sess, "", nil)
	}
	trackerLog.Info("session_removed", slog.String("session", id))
	return true
}
