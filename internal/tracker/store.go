package tracker

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/asheshgoplani/agent-watch/internal/config"
	"github.com/asheshgoplani/agent-watch/internal/git"
	"github.com/asheshgoplani/agent-watch/internal/logging"
	"github.com/asheshgoplani/agent-watch/internal/procs"
	"github.com/asheshgoplani/agent-watch/internal/tmux"
)

var trackerLog = logging.ForComponent(logging.CompTracker)

// Config holds the store's timing knobs.
type Config struct {
	FlushInterval        time.Duration
	SweepInterval        time.Duration
	RemovalDelay         time.Duration
	StaleThreshold       time.Duration
	CursorStaleThreshold time.Duration
	CompactingTimeout    time.Duration
	EndedRetention       time.Duration
	SubscriberBuffer     int
}

// ConfigFromSettings converts the [tracker] TOML section.
func ConfigFromSettings(t config.TrackerSettings) Config {
	return Config{
		FlushInterval:        t.FlushInterval(),
		SweepInterval:        t.SweepInterval(),
		RemovalDelay:         t.RemovalDelay(),
		StaleThreshold:       t.StaleThreshold(),
		CursorStaleThreshold: t.CursorStaleThreshold(),
		CompactingTimeout:    t.CompactingTimeout(),
		EndedRetention:       t.EndedRetention(),
		SubscriberBuffer:     t.Buffer(),
	}
}

// DefaultConfig is ConfigFromSettings of an empty section.
func DefaultConfig() Config {
	return ConfigFromSettings(config.TrackerSettings{})
}

// Clock abstracts time for tests.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// TreeSource produces process snapshots.
type TreeSource interface {
	Build(ctx context.Context) procs.ProcessTree
}

// TmuxController is the subset of *tmux.Resolver the store drives.
type TmuxController interface {
	FindTargetByPID(ctx context.Context, pid int) (tmux.Target, bool)
	FocusPane(ctx context.Context, target tmux.Target) bool
	SendInterrupt(ctx context.Context, target tmux.Target) bool
	KillPane(ctx context.Context, target tmux.Target) bool
	SendKeys(ctx context.Context, target tmux.Target, text string, pressEnter bool) bool
}

// AppFocuser is the subset of *focus.Resolver the store drives.
type AppFocuser interface {
	FocusTTY(ctx context.Context, tty string) bool
	FocusWorkingDir(ctx context.Context, agent, cwd string) bool
}

// Deps are the store's collaborators. Nil fields fall back to real
// implementations, except Tmux and Focus which disable those capabilities.
type Deps struct {
	Clock    Clock
	Prober   procs.Prober
	Tree     TreeSource
	Tmux     TmuxController
	Focus    AppFocuser
	Projects func(ctx context.Context, cwd string) git.Project
	Signal   func(pid int, sig syscall.Signal) error
}

// Store is the authoritative session table. All mutation happens under mu;
// subprocess work (project detection, process snapshots, tmux) runs outside
// it.
type Store struct {
	cfg  Config
	deps Deps

	mu       sync.Mutex
	sessions map[string]*Session
	pidIndex map[int]string
	timers   map[string]*time.Timer
	stopped  bool

	notify *notifier

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	startOnce sync.Once
	stopOnce  sync.Once
}

// New builds a store. Call Start to run its timers and Stop to release them.
func New(cfg Config, deps Deps) *Store {
	def := DefaultConfig()
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = def.FlushInterval
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = def.SweepInterval
	}
	if cfg.RemovalDelay <= 0 {
		cfg.RemovalDelay = def.RemovalDelay
	}
	if cfg.StaleThreshold <= 0 {
		cfg.StaleThreshold = def.StaleThreshold
	}
	if cfg.CursorStaleThreshold <= 0 {
		cfg.CursorStaleThreshold = def.CursorStaleThreshold
	}
	if cfg.CompactingTimeout <= 0 {
		cfg.CompactingTimeout = def.CompactingTimeout
	}
	if cfg.EndedRetention <= 0 {
		cfg.EndedRetention = def.EndedRetention
	}
	if cfg.SubscriberBuffer <= 0 {
		cfg.SubscriberBuffer = def.SubscriberBuffer
	}

	if deps.Clock == nil {
		deps.Clock = realClock{}
	}
	if deps.Prober == nil {
		deps.Prober = procs.SignalProber{}
	}
	if deps.Projects == nil {
		deps.Projects = git.DetectProject
	}
	if deps.Signal == nil {
		deps.Signal = syscall.Kill
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Store{
		cfg:      cfg,
		deps:     deps,
		sessions: make(map[string]*Session),
		pidIndex: make(map[int]string),
		timers:   make(map[string]*time.Timer),
		notify:   newNotifier(),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start launches the flush and sweep loops. They end when ctx is done or
// Stop is called.
func (s *Store) Start(ctx context.Context) {
	s.startOnce.Do(func() {
		s.wg.Add(2)
		go s.loop(ctx, s.cfg.FlushInterval, s.notify.flush)
		go s.loop(ctx, s.cfg.SweepInterval, s.Sweep)
	})
}

func (s *Store) loop(ctx context.Context, every time.Duration, fn func()) {
	defer s.wg.Done()
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			fn()
		case <-ctx.Done():
			return
		case <-s.ctx.Done():
			return
		}
	}
}

// Stop cancels the loops, pending deletions and in-flight tmux lookups,
// flushes batched notifications and closes every subscription. Idempotent.
func (s *Store) Stop() {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.stopped = true
		for id, t := range s.timers {
			t.Stop()
			delete(s.timers, id)
		}
		s.mu.Unlock()

		s.cancel()
		s.wg.Wait()
		s.notify.close()
	})
}

// Subscribe returns a bounded channel of session events. buffer <= 0 uses
// the configured default.
func (s *Store) Subscribe(name string, buffer int) *Subscription {
	if buffer <= 0 {
		buffer = s.cfg.SubscriberBuffer
	}
	return s.notify.subscribe(name, buffer)
}

// SubscribeFunc calls fn for every event on a dedicated goroutine; panics
// in fn are recovered and logged.
func (s *Store) SubscribeFunc(name string, fn func(SessionEvent)) *Subscription {
	return s.notify.subscribeFunc(name, s.cfg.SubscriberBuffer, fn)
}

// Flush delivers batched notifications now.
func (s *Store) Flush() { s.notify.flush() }

// Get returns a copy of the session.
func (s *Store) Get(id string) (Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return Session{}, false
	}
	return sess.Clone(), true
}

// List returns copies of all sessions, most recently active first.
func (s *Store) List() []Session {
	s.mu.Lock()
	out := make([]Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess.Clone())
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastActivity.Equal(out[j].LastActivity) {
			return out[i].LastActivity.After(out[j].LastActivity)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// creationProbe is gathered outside the lock before a new record is made.
type creationProbe struct {
	project git.Project
	inTmux  bool
}

func (s *Store) probeNew(ev HookEvent) *creationProbe {
	p := &creationProbe{project: s.deps.Projects(s.ctx, ev.Cwd)}
	if ev.PID > 0 && s.deps.Tree != nil {
		p.inTmux = s.deps.Tree.Build(s.ctx).IsInTmux(ev.PID)
	}
	return p
}

func normalizeAgent(agent string) string {
	agent = strings.ToLower(strings.TrimSpace(agent))
	if agent == "" {
		return AgentClaude
	}
	return agent
}

// ProcessHookEvent applies one normalized hook event. Events without a
// session id are dropped.
func (s *Store) ProcessHookEvent(ev HookEvent) {
	if ev.SessionID == "" {
		trackerLog.Warn("hook_event_rejected",
			slog.String("reason", "missing_session_id"),
			slog.String("event", ev.Event))
		return
	}
	ev.Agent = normalizeAgent(ev.Agent)
	ev.TTY = procs.NormalizeTTY(ev.TTY)

	// Probe outside the lock; retry if the session vanished meanwhile.
	var probe *creationProbe
	for {
		s.mu.Lock()
		if _, ok := s.sessions[ev.SessionID]; ok || probe != nil {
			break
		}
		s.mu.Unlock()
		probe = s.probeNew(ev)
	}
	defer s.mu.Unlock()

	now := s.deps.Clock.Now()
	sess, exists := s.sessions[ev.SessionID]
	if !exists {
		if ev.PID > 0 {
			s.retireByPIDLocked(ev.PID, ev.SessionID, now)
		}
		sess = s.createLocked(ev, probe, now)
	}

	s.refreshFieldsLocked(sess, ev, now)

	next := PhaseFromStatus(ev.Status)
	if exists && next == sess.Phase {
		s.samePhaseLocked(sess, ev, now)
		return
	}
	s.transitionLocked(sess, next, ev, now, !exists, false)
}

// retireByPIDLocked ends a live session already bound to pid: the agent
// resumed under a new session id.
func (s *Store) retireByPIDLocked(pid int, newID string, now time.Time) {
	oldID, ok := s.pidIndex[pid]
	if !ok || oldID == newID {
		return
	}
	old, ok := s.sessions[oldID]
	if !ok || old.PID != pid || old.Phase == PhaseEnded {
		return
	}
	if !s.deps.Prober.Alive(pid) {
		return
	}
	trackerLog.Info("session_replaced",
		slog.String("old_session", oldID),
		slog.String("new_session", newID),
		slog.Int("pid", pid))
	delete(s.pidIndex, pid)
	s.transitionLocked(old, PhaseEnded, HookEvent{}, now, false, true)
}

func (s *Store) createLocked(ev HookEvent, probe *creationProbe, now time.Time) *Session {
	sess := &Session{
		ID:           ev.SessionID,
		Agent:        ev.Agent,
		PID:          ev.PID,
		TTY:          ev.TTY,
		Cwd:          ev.Cwd,
		Phase:        PhaseIdle,
		StartedAt:    now,
		LastActivity: now,
		InTmux:       probe.inTmux,
	}
	sess.ProjectRoot = probe.project.Root
	sess.ProjectName = probe.project.Name
	sess.GitBranch = probe.project.Branch
	sess.Title = computeTitle(sess)

	s.sessions[sess.ID] = sess
	if sess.PID > 0 {
		s.pidIndex[sess.PID] = sess.ID
	}

	trackerLog.Info("session_created",
		slog.String("session", sess.ID),
		slog.String("agent", sess.Agent),
		slog.Int("pid", sess.PID),
		slog.Bool("in_tmux", sess.InTmux))

	if probe.inTmux && s.deps.Tmux != nil && !s.stopped {
		s.wg.Add(1)
		go s.resolveTarget(sess, sess.PID)
	}
	return sess
}

// resolveTarget looks up the owning tmux pane once and, if found, stores it
// on the record.
func (s *Store) resolveTarget(sess *Session, pid int) {
	defer s.wg.Done()
	target, ok := s.deps.Tmux.FindTargetByPID(s.ctx, pid)
	if !ok {
		trackerLog.Debug("tmux_target_unresolved", slog.String("session", sess.ID), slog.Int("pid", pid))
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sessions[sess.ID] != sess || sess.PID != pid {
		return
	}
	sess.TmuxTarget = &target
	s.enqueueLocked(EventUpdate, sess, "", nil)
}

func (s *Store) refreshFieldsLocked(sess *Session, ev HookEvent, now time.Time) {
	if ev.PID > 0 && ev.PID != sess.PID {
		if s.pidIndex[sess.PID] == sess.ID {
			delete(s.pidIndex, sess.PID)
		}
		sess.PID = ev.PID
		s.pidIndex[ev.PID] = sess.ID
	}
	if ev.TTY != "" {
		sess.TTY = ev.TTY
	}
	sess.LastActivity = now

	switch {
	case ev.Tool != "":
		sess.LastToolName = ev.Tool
		sess.LastMessage = formatToolMessage(ev.Tool, ev.ToolInput)
		sess.LastMessageRole = "tool"
	case ev.Message != "":
		sess.LastMessage = truncate(ev.Message, maxMessageWidth)
		sess.LastMessageRole = messageRole(ev.Event)
		if sess.FirstPrompt == "" && isPromptEvent(ev.Event) {
			sess.FirstPrompt = oneLine(ev.Message)
			sess.Title = computeTitle(sess)
		}
	}
}

// samePhaseLocked handles an event that does not change the phase. A new
// approval request or question inside the same phase replaces the old one.
func (s *Store) samePhaseLocked(sess *Session, ev HookEvent, now time.Time) {
	switch sess.Phase {
	case PhaseWaitingForApproval:
		if ev.Tool != "" && (sess.ActivePermission == nil || ev.ToolUseID != sess.ActivePermission.ToolUseID) {
			sess.ActivePermission = permissionFrom(ev, now)
			s.emitLocked(EventPermissionRequest, sess, sess.Phase, sess.ActivePermission)
			return
		}
	case PhaseWaitingForInput:
		if ev.Tool == QuestionTool {
			sess.QuestionContext = questionFromInput(ev.ToolInput)
		}
	}
	s.enqueueLocked(EventUpdate, sess, "", nil)
}

func permissionFrom(ev HookEvent, now time.Time) *Permission {
	return &Permission{
		ToolName:    ev.Tool,
		ToolInput:   cloneMap(ev.ToolInput),
		ToolUseID:   ev.ToolUseID,
		RequestedAt: now,
	}
}

// transitionLocked moves sess to next and emits the matching notification.
// urgent sends a resulting remove through the immediate lane.
func (s *Store) transitionLocked(sess *Session, next Phase, ev HookEvent, now time.Time, isNew, urgent bool) {
	prev := sess.Phase

	var resolved *Permission
	if prev == PhaseWaitingForApproval && next != PhaseWaitingForApproval {
		resolved = sess.ActivePermission
		sess.ActivePermission = nil
	}
	if prev == PhaseWaitingForInput && next != PhaseWaitingForInput {
		sess.QuestionContext = nil
	}
	if prev == PhaseCompacting && next != PhaseCompacting {
		sess.CompactingStartedAt = nil
	}
	if prev == PhaseEnded && next != PhaseEnded {
		sess.EndedAt = nil
	}

	sess.Phase = next
	switch next {
	case PhaseWaitingForApproval:
		sess.ActivePermission = permissionFrom(ev, now)
	case PhaseWaitingForInput:
		if ev.Tool == QuestionTool {
			sess.QuestionContext = questionFromInput(ev.ToolInput)
		}
	case PhaseCompacting:
		if sess.CompactingStartedAt == nil {
			t := now
			sess.CompactingStartedAt = &t
		}
	}

	if isNew {
		s.enqueueLocked(EventAdd, sess, "", nil)
	}
	leftApproval := prev == PhaseWaitingForApproval && next != PhaseWaitingForApproval && !isNew
	if leftApproval {
		s.emitLocked(EventPermissionResolved, sess, prev, resolved)
	}

	switch {
	case next == PhaseEnded && sess.removed:
		// A late event revived it after the remove went out. Subscribers
		// already dropped it and its deletion is still scheduled.
		t := now
		sess.EndedAt = &t
		s.enqueueLocked(EventPhaseChange, sess, prev, nil)
	case next == PhaseEnded:
		t := now
		sess.EndedAt = &t
		sess.removed = true
		trackerLog.Info("session_ended",
			slog.String("session", sess.ID),
			slog.String("previous_phase", string(prev)))
		if urgent {
			s.emitLocked(EventRemove, sess, prev, nil)
		} else {
			s.enqueueLocked(EventRemove, sess, prev, nil)
		}
		s.scheduleDeletionLocked(sess)
	case next == PhaseWaitingForApproval:
		s.emitLocked(EventPermissionRequest, sess, prev, sess.ActivePermission)
	case !isNew && !leftApproval:
		s.enqueueLocked(EventPhaseChange, sess, prev, nil)
	}
}

func (s *Store) event(t EventType, sess *Session, prev Phase, perm *Permission) SessionEvent {
	ev := SessionEvent{Type: t, Session: sess.Clone(), PreviousPhase: prev, At: s.deps.Clock.Now()}
	if perm != nil {
		p := *perm
		p.ToolInput = cloneMap(p.ToolInput)
		ev.Permission = &p
	}
	return ev
}

func (s *Store) enqueueLocked(t EventType, sess *Session, prev Phase, perm *Permission) {
	s.notify.enqueue(s.event(t, sess, prev, perm))
}

func (s *Store) emitLocked(t EventType, sess *Session, prev Phase, perm *Permission) {
	s.notify.emitNow(s.event(t, sess, prev, perm))
}

// scheduleDeletionLocked removes sess from the table after RemovalDelay so
// archival subscribers see the ended state first.
func (s *Store) scheduleDeletionLocked(sess *Session) {
	if s.stopped {
		return
	}
	if t, ok := s.timers[sess.ID]; ok {
		t.Stop()
	}
	s.timers[sess.ID] = time.AfterFunc(s.cfg.RemovalDelay, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.stopped || s.sessions[sess.ID] != sess {
			return
		}
		s.deleteLocked(sess.ID)
	})
}

func (s *Store) deleteLocked(id string) {
	sess, ok := s.sessions[id]
	if !ok {
		return
	}
	delete(s.sessions, id)
	if s.pidIndex[sess.PID] == id {
		delete(s.pidIndex, sess.PID)
	}
	if t, ok := s.timers[id]; ok {
		t.Stop()
		delete(s.timers, id)
	}
	trackerLog.Debug("session_deleted", slog.String("session", id))
}
