package tracker

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/asheshgoplani/agent-watch/internal/git"
	"github.com/asheshgoplani/agent-watch/internal/procs"
	"github.com/asheshgoplani/agent-watch/internal/tmux"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type fakeProber struct {
	mu    sync.Mutex
	alive map[int]bool
}

func (p *fakeProber) Alive(pid int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.alive[pid]
}

func (p *fakeProber) set(pid int, alive bool) {
	p.mu.Lock()
	p.alive[pid] = alive
	p.mu.Unlock()
}

type signalCall struct {
	pid int
	sig syscall.Signal
}

type harness struct {
	store   *Store
	clock   *fakeClock
	prober  *fakeProber
	signals []signalCall
	sigMu   sync.Mutex
}

func stubProjects(_ context.Context, cwd string) git.Project {
	if cwd == "" {
		return git.Project{}
	}
	return git.Project{Root: cwd, Name: filepath.Base(cwd), Branch: "main"}
}

func testConfig() Config {
	return Config{
		FlushInterval:        time.Hour,
		SweepInterval:        time.Hour,
		RemovalDelay:         time.Hour,
		StaleThreshold:       120 * time.Second,
		CursorStaleThreshold: 1800 * time.Second,
		CompactingTimeout:    600 * time.Second,
		EndedRetention:       300 * time.Second,
		SubscriberBuffer:     64,
	}
}

func newHarness(t *testing.T, cfg Config, deps Deps) *harness {
	t.Helper()
	h := &harness{
		clock:  &fakeClock{t: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)},
		prober: &fakeProber{alive: map[int]bool{}},
	}
	deps.Clock = h.clock
	deps.Prober = h.prober
	if deps.Projects == nil {
		deps.Projects = stubProjects
	}
	deps.Signal = func(pid int, sig syscall.Signal) error {
		h.sigMu.Lock()
		h.signals = append(h.signals, signalCall{pid, sig})
		h.sigMu.Unlock()
		return nil
	}
	h.store = New(cfg, deps)
	t.Cleanup(h.store.Stop)
	return h
}

func drain(sub *Subscription) []SessionEvent {
	var out []SessionEvent
	for {
		select {
		case ev, ok := <-sub.C:
			if !ok {
				return out
			}
			out = append(out, ev)
		default:
			return out
		}
	}
}

type evKey struct {
	Type EventType
	ID   string
}

func keys(events []SessionEvent) []evKey {
	out := make([]evKey, 0, len(events))
	for _, ev := range events {
		out = append(out, evKey{ev.Type, ev.Session.ID})
	}
	return out
}

func mustGet(t *testing.T, s *Store, id string) Session {
	t.Helper()
	sess, ok := s.Get(id)
	require.True(t, ok, "session %s not found", id)
	return sess
}

func TestPhaseFromStatus(t *testing.T) {
	tests := map[string]Phase{
		"processing":           PhaseProcessing,
		"running_tool":         PhaseProcessing,
		"Thinking":             PhaseProcessing,
		"waiting_for_approval": PhaseWaitingForApproval,
		"permission":           PhaseWaitingForApproval,
		"waiting_for_input":    PhaseWaitingForInput,
		"waiting":              PhaseWaitingForInput,
		"compacting":           PhaseCompacting,
		"ended":                PhaseEnded,
		"dead":                 PhaseEnded,
		"idle":                 PhaseIdle,
		"starting":             PhaseIdle,
		"":                     PhaseIdle,
		"something-new":        PhaseIdle,
	}
	for status, want := range tests {
		assert.Equal(t, want, PhaseFromStatus(status), "status %q", status)
	}
}

func TestScenarioPromptThenToolUse(t *testing.T) {
	h := newHarness(t, testConfig(), Deps{})
	s := h.store

	s.ProcessHookEvent(HookEvent{SessionID: "s1", Agent: "claude", Cwd: "/src/app", Event: "UserPromptSubmit", Status: "processing"})
	assert.Equal(t, PhaseProcessing, mustGet(t, s, "s1").Phase)

	s.ProcessHookEvent(HookEvent{
		SessionID: "s1", Agent: "claude", Cwd: "/src/app", Event: "PreToolUse", Status: "processing",
		Tool: "Bash", ToolInput: map[string]any{"command": "ls -la"},
	})
	sess := mustGet(t, s, "s1")
	assert.Equal(t, "[Bash] ls -la", sess.LastMessage)
	assert.Equal(t, "tool", sess.LastMessageRole)
	assert.Equal(t, "Bash", sess.LastToolName)
	assert.Equal(t, PhaseProcessing, sess.Phase)
	assert.Equal(t, "/src/app", sess.ProjectRoot)
	assert.Equal(t, "app", sess.ProjectName)
	assert.Equal(t, "main", sess.GitBranch)
}

func TestScenarioApprovalThenClear(t *testing.T) {
	h := newHarness(t, testConfig(), Deps{})
	s := h.store
	sub := s.Subscribe("test", 16)

	s.ProcessHookEvent(HookEvent{
		SessionID: "s2", Agent: "claude", Event: "PreToolUse", Status: "waiting_for_approval",
		Tool: "Bash", ToolInput: map[string]any{"command": "rm -rf build"}, ToolUseID: "t1",
	})
	sess := mustGet(t, s, "s2")
	assert.Equal(t, PhaseWaitingForApproval, sess.Phase)
	require.NotNil(t, sess.ActivePermission)
	assert.Equal(t, "Bash", sess.ActivePermission.ToolName)
	assert.Equal(t, "t1", sess.ActivePermission.ToolUseID)

	// Critical event is delivered without a flush, after the pending add.
	got := drain(sub)
	require.Equal(t, []evKey{{EventAdd, "s2"}, {EventPermissionRequest, "s2"}}, keys(got))
	require.NotNil(t, got[1].Permission)
	assert.Equal(t, "t1", got[1].Permission.ToolUseID)

	assert.False(t, s.ClearPermission("s2", "other"), "mismatched tool use id")
	assert.True(t, s.ClearPermission("s2", "t1"))

	sess = mustGet(t, s, "s2")
	assert.Equal(t, PhaseProcessing, sess.Phase)
	assert.Nil(t, sess.ActivePermission)

	got = drain(sub)
	require.Equal(t, []evKey{{EventPermissionResolved, "s2"}}, keys(got))
	assert.Equal(t, PhaseWaitingForApproval, got[0].PreviousPhase)

	assert.False(t, s.ClearPermission("s2", "t1"), "nothing pending any more")
	assert.False(t, s.ClearPermission("missing", ""))
}

func TestScenarioCompactingTimeout(t *testing.T) {
	h := newHarness(t, testConfig(), Deps{})
	s := h.store
	h.prober.set(300, true)

	s.ProcessHookEvent(HookEvent{SessionID: "s3", Agent: "claude", PID: 300, Event: "PreCompact", Status: "compacting"})
	sess := mustGet(t, s, "s3")
	require.Equal(t, PhaseCompacting, sess.Phase)
	require.NotNil(t, sess.CompactingStartedAt)

	h.clock.Advance(5 * time.Minute)
	s.Sweep()
	assert.Equal(t, PhaseCompacting, mustGet(t, s, "s3").Phase, "still within compacting timeout")

	h.clock.Advance(5*time.Minute + time.Second)
	s.Sweep()
	sess = mustGet(t, s, "s3")
	assert.Equal(t, PhaseWaitingForInput, sess.Phase)
	assert.Nil(t, sess.CompactingStartedAt)
}

func TestScenarioCursorDeadSpawnerBelowThreshold(t *testing.T) {
	h := newHarness(t, testConfig(), Deps{})
	s := h.store
	// pid 500 is not alive per the prober

	s.ProcessHookEvent(HookEvent{SessionID: "c1", Agent: "cursor", PID: 500, Event: "beforeShellExecution", Status: "processing"})
	h.clock.Advance(30 * time.Second)
	s.Sweep()
	assert.Equal(t, PhaseProcessing, mustGet(t, s, "c1").Phase)

	h.clock.Advance(2 * time.Minute)
	s.Sweep()
	assert.Equal(t, PhaseEnded, mustGet(t, s, "c1").Phase)
}

func TestCursorLiveButSilentIsDemotedToIdle(t *testing.T) {
	h := newHarness(t, testConfig(), Deps{})
	s := h.store
	h.prober.set(501, true)
	sub := s.Subscribe("test", 16)

	s.ProcessHookEvent(HookEvent{SessionID: "c2", Agent: "cursor", PID: 501, Status: "waiting_for_approval", Tool: "Shell", ToolUseID: "u1"})
	drain(sub)

	h.clock.Advance(10 * time.Minute)
	s.Sweep()
	assert.Equal(t, PhaseWaitingForApproval, mustGet(t, s, "c2").Phase)

	h.clock.Advance(25 * time.Minute)
	s.Sweep()
	sess := mustGet(t, s, "c2")
	assert.Equal(t, PhaseIdle, sess.Phase)
	assert.Nil(t, sess.ActivePermission)
	assert.Equal(t, []evKey{{EventPermissionResolved, "c2"}}, keys(drain(sub)))

	s.Sweep()
	s.Flush()
	assert.Empty(t, drain(sub), "already idle, nothing to do")
}

func TestCursorDeadAndLongInactiveEnds(t *testing.T) {
	h := newHarness(t, testConfig(), Deps{})
	s := h.store

	s.ProcessHookEvent(HookEvent{SessionID: "c3", Agent: "cursor", Status: "processing"})
	h.clock.Advance(10 * time.Minute)
	s.Sweep()
	assert.Equal(t, PhaseProcessing, mustGet(t, s, "c3").Phase, "no pid: cannot confirm dead")

	h.clock.Advance(30 * time.Minute)
	s.Sweep()
	assert.Equal(t, PhaseIdle, mustGet(t, s, "c3").Phase)

	h.prober.set(502, false)
	s.ProcessHookEvent(HookEvent{SessionID: "c4", Agent: "cursor", PID: 502, Status: "processing"})
	h.clock.Advance(31 * time.Minute)
	s.Sweep()
	assert.Equal(t, PhaseEnded, mustGet(t, s, "c4").Phase)
}

func TestClaudeReaping(t *testing.T) {
	h := newHarness(t, testConfig(), Deps{})
	s := h.store
	h.prober.set(600, true)
	h.prober.set(601, true)

	s.ProcessHookEvent(HookEvent{SessionID: "alive", PID: 600, Status: "waiting_for_input"})
	s.ProcessHookEvent(HookEvent{SessionID: "dies", PID: 601, Status: "processing"})
	s.ProcessHookEvent(HookEvent{SessionID: "nopid", Agent: "gemini", Status: "processing"})

	h.clock.Advance(3 * time.Minute)
	h.prober.set(601, false)
	s.Sweep()

	assert.Equal(t, PhaseWaitingForInput, mustGet(t, s, "alive").Phase)
	assert.Equal(t, PhaseEnded, mustGet(t, s, "dies").Phase)
	assert.Equal(t, PhaseProcessing, mustGet(t, s, "nopid").Phase)

	h.clock.Advance(30 * time.Minute)
	s.Sweep()
	assert.Equal(t, PhaseEnded, mustGet(t, s, "nopid").Phase)
	assert.Equal(t, PhaseWaitingForInput, mustGet(t, s, "alive").Phase)
}

func TestSamePIDReplacesLiveSession(t *testing.T) {
	h := newHarness(t, testConfig(), Deps{})
	s := h.store
	h.prober.set(100, true)
	sub := s.Subscribe("test", 16)

	s.ProcessHookEvent(HookEvent{SessionID: "old", PID: 100, Status: "processing"})
	s.ProcessHookEvent(HookEvent{SessionID: "new", PID: 100, Status: "processing"})
	s.Flush()

	assert.Equal(t, []evKey{
		{EventAdd, "old"},
		{EventRemove, "old"},
		{EventAdd, "new"},
	}, keys(drain(sub)))
	assert.Equal(t, PhaseEnded, mustGet(t, s, "old").Phase)
	assert.Equal(t, PhaseProcessing, mustGet(t, s, "new").Phase)

	s.mu.Lock()
	assert.Equal(t, "new", s.pidIndex[100])
	s.mu.Unlock()
}

func TestSamePIDDeadProcessIsNotReplaced(t *testing.T) {
	h := newHarness(t, testConfig(), Deps{})
	s := h.store

	s.ProcessHookEvent(HookEvent{SessionID: "old", PID: 101, Status: "processing"})
	s.ProcessHookEvent(HookEvent{SessionID: "new", PID: 101, Status: "processing"})

	assert.Equal(t, PhaseProcessing, mustGet(t, s, "old").Phase)
	assert.Equal(t, PhaseProcessing, mustGet(t, s, "new").Phase)
}

func TestPIDChangeReindexes(t *testing.T) {
	h := newHarness(t, testConfig(), Deps{})
	s := h.store

	s.ProcessHookEvent(HookEvent{SessionID: "s", PID: 10, Status: "processing"})
	s.ProcessHookEvent(HookEvent{SessionID: "s", PID: 11, Status: "processing"})

	assert.Equal(t, 11, mustGet(t, s, "s").PID)
	s.mu.Lock()
	defer s.mu.Unlock()
	_, stale := s.pidIndex[10]
	assert.False(t, stale)
	assert.Equal(t, "s", s.pidIndex[11])
}

func TestUpdatesCollapsePerFlush(t *testing.T) {
	h := newHarness(t, testConfig(), Deps{})
	s := h.store
	sub := s.Subscribe("test", 16)

	s.ProcessHookEvent(HookEvent{SessionID: "s", Status: "processing"})
	s.Flush()
	drain(sub)

	for i := 0; i < 5; i++ {
		s.ProcessHookEvent(HookEvent{SessionID: "s", Status: "processing", Tool: "Bash", ToolInput: map[string]any{"command": fmt.Sprintf("step %d", i)}})
	}
	s.ProcessHookEvent(HookEvent{SessionID: "other", Status: "processing"})
	assert.Empty(t, drain(sub), "nothing before the flush")

	s.Flush()
	got := drain(sub)
	assert.Equal(t, []evKey{{EventUpdate, "s"}, {EventAdd, "other"}}, keys(got))
	assert.Equal(t, "[Bash] step 4", got[0].Session.LastMessage)
}

func TestPhaseChangeIsBatched(t *testing.T) {
	h := newHarness(t, testConfig(), Deps{})
	s := h.store
	sub := s.Subscribe("test", 16)

	s.ProcessHookEvent(HookEvent{SessionID: "s", Status: "processing"})
	s.ProcessHookEvent(HookEvent{SessionID: "s", Status: "waiting_for_input"})
	assert.Empty(t, drain(sub))

	s.Flush()
	got := drain(sub)
	require.Equal(t, []evKey{{EventAdd, "s"}, {EventPhaseChange, "s"}}, keys(got))
	assert.Equal(t, PhaseProcessing, got[1].PreviousPhase)
	assert.Equal(t, PhaseWaitingForInput, got[1].Session.Phase)
}

func TestPermissionInvariantAcrossAllTransitions(t *testing.T) {
	h := newHarness(t, testConfig(), Deps{})
	s := h.store
	statuses := []string{"idle", "processing", "waiting_for_approval", "waiting_for_input", "compacting", "ended"}

	for _, from := range statuses {
		for _, to := range statuses {
			id := from + "->" + to
			s.ProcessHookEvent(HookEvent{SessionID: id, Status: from, Tool: "Bash", ToolUseID: "t-from"})
			s.ProcessHookEvent(HookEvent{SessionID: id, Status: to, Tool: "Bash", ToolUseID: "t-to"})

			sess := mustGet(t, s, id)
			assert.Equal(t, PhaseFromStatus(to), sess.Phase, id)
			if sess.Phase == PhaseWaitingForApproval {
				require.NotNil(t, sess.ActivePermission, id)
				assert.Equal(t, "t-to", sess.ActivePermission.ToolUseID, id)
			} else {
				assert.Nil(t, sess.ActivePermission, id)
			}
			if sess.Phase != PhaseCompacting {
				assert.Nil(t, sess.CompactingStartedAt, id)
			}
		}
	}
}

func TestQuestionContextLifecycle(t *testing.T) {
	h := newHarness(t, testConfig(), Deps{})
	s := h.store
	input := map[string]any{"questions": []any{map[string]any{"question": "Ship it?", "options": []any{map[string]any{"label": "yes"}}}}}

	s.ProcessHookEvent(HookEvent{SessionID: "q", Status: "processing"})
	s.ProcessHookEvent(HookEvent{SessionID: "q", Status: "waiting_for_input", Tool: QuestionTool, ToolInput: input})

	sess := mustGet(t, s, "q")
	require.NotNil(t, sess.QuestionContext)
	assert.Equal(t, "Ship it?", sess.QuestionContext.Question)
	assert.Equal(t, []string{"yes"}, sess.QuestionContext.Options)

	s.ProcessHookEvent(HookEvent{SessionID: "q", Status: "processing"})
	assert.Nil(t, mustGet(t, s, "q").QuestionContext)

	s.ProcessHookEvent(HookEvent{SessionID: "q", Status: "waiting_for_input", Event: "Stop"})
	assert.Nil(t, mustGet(t, s, "q").QuestionContext, "plain waiting has no question")
}

func TestFirstPromptSetsTitleOnce(t *testing.T) {
	h := newHarness(t, testConfig(), Deps{})
	s := h.store

	s.ProcessHookEvent(HookEvent{SessionID: "p", Cwd: "/src/agent-watch", Status: "idle", Event: "SessionStart"})
	assert.Equal(t, "agent-watch", mustGet(t, s, "p").Title)

	s.ProcessHookEvent(HookEvent{SessionID: "p", Status: "processing", Event: "UserPromptSubmit", Message: "add a\nreaper test"})
	s.ProcessHookEvent(HookEvent{SessionID: "p", Status: "processing", Event: "UserPromptSubmit", Message: "second prompt"})

	sess := mustGet(t, s, "p")
	assert.Equal(t, "add a reaper test", sess.FirstPrompt)
	assert.Equal(t, "add a reaper test", sess.Title)
	assert.Equal(t, "second prompt", sess.LastMessage)
	assert.Equal(t, "user", sess.LastMessageRole)
}

func TestMissingSessionIDIsDropped(t *testing.T) {
	h := newHarness(t, testConfig(), Deps{})
	h.store.ProcessHookEvent(HookEvent{Status: "processing"})
	assert.Empty(t, h.store.List())
}

func TestEndedSessionDeletedAfterDelay(t *testing.T) {
	cfg := testConfig()
	cfg.RemovalDelay = 100 * time.Millisecond
	h := newHarness(t, cfg, Deps{})
	s := h.store
	sub := s.Subscribe("test", 16)

	s.ProcessHookEvent(HookEvent{SessionID: "e", PID: 42, Status: "processing"})
	s.ProcessHookEvent(HookEvent{SessionID: "e", Status: "ended", Event: "SessionEnd"})
	s.Flush()
	assert.Equal(t, []evKey{{EventAdd, "e"}, {EventRemove, "e"}}, keys(drain(sub)))

	sess := mustGet(t, s, "e")
	assert.Equal(t, PhaseEnded, sess.Phase)
	require.NotNil(t, sess.EndedAt)

	require.Eventually(t, func() bool {
		_, ok := s.Get("e")
		return !ok
	}, time.Second, 5*time.Millisecond)

	s.mu.Lock()
	_, indexed := s.pidIndex[42]
	s.mu.Unlock()
	assert.False(t, indexed)
}

func TestEndedTwiceEmitsOneRemove(t *testing.T) {
	h := newHarness(t, testConfig(), Deps{})
	s := h.store
	sub := s.Subscribe("test", 16)

	s.ProcessHookEvent(HookEvent{SessionID: "e", Status: "processing"})
	s.ProcessHookEvent(HookEvent{SessionID: "e", Status: "ended"})
	s.ProcessHookEvent(HookEvent{SessionID: "e", Status: "ended"})
	s.Flush()

	assert.Equal(t, []evKey{{EventAdd, "e"}, {EventRemove, "e"}, {EventUpdate, "e"}}, keys(drain(sub)))
}

func TestLateEventAfterEndDoesNotRemoveTwice(t *testing.T) {
	h := newHarness(t, testConfig(), Deps{})
	s := h.store
	sub := s.Subscribe("test", 16)

	s.ProcessHookEvent(HookEvent{SessionID: "e", Status: "processing"})
	s.ProcessHookEvent(HookEvent{SessionID: "e", Status: "ended"})
	s.Flush()
	assert.Equal(t, []evKey{{EventAdd, "e"}, {EventRemove, "e"}}, keys(drain(sub)))
	s.mu.Lock()
	timer := s.timers["e"]
	s.mu.Unlock()
	require.NotNil(t, timer)

	// A straggling PostToolUse lands after SessionEnd.
	h.clock.Advance(time.Second)
	s.ProcessHookEvent(HookEvent{SessionID: "e", Status: "processing"})
	sess := mustGet(t, s, "e")
	assert.Equal(t, PhaseProcessing, sess.Phase)
	assert.Nil(t, sess.EndedAt)

	h.clock.Advance(time.Second)
	s.ProcessHookEvent(HookEvent{SessionID: "e", Status: "ended"})
	s.Flush()
	for _, ev := range drain(sub) {
		assert.NotEqual(t, EventRemove, ev.Type)
	}

	sess = mustGet(t, s, "e")
	assert.Equal(t, PhaseEnded, sess.Phase)
	require.NotNil(t, sess.EndedAt)
	assert.Equal(t, h.clock.Now(), *sess.EndedAt)

	s.mu.Lock()
	assert.Same(t, timer, s.timers["e"], "deletion is not rescheduled")
	s.mu.Unlock()
}

func TestEndedRetentionSweep(t *testing.T) {
	h := newHarness(t, testConfig(), Deps{})
	s := h.store

	s.ProcessHookEvent(HookEvent{SessionID: "e", Status: "ended"})
	h.clock.Advance(4 * time.Minute)
	s.Sweep()
	_, ok := s.Get("e")
	assert.True(t, ok)

	h.clock.Advance(2 * time.Minute)
	s.Sweep()
	_, ok = s.Get("e")
	assert.False(t, ok)
}

func TestTerminate(t *testing.T) {
	h := newHarness(t, testConfig(), Deps{})
	s := h.store
	h.prober.set(700, true)
	sub := s.Subscribe("test", 16)

	assert.False(t, s.Terminate(context.Background(), "missing", 0))

	s.ProcessHookEvent(HookEvent{SessionID: "t", PID: 700, Status: "processing"})
	assert.True(t, s.Terminate(context.Background(), "t", 0))
	assert.Equal(t, PhaseEnded, mustGet(t, s, "t").Phase)
	assert.Equal(t, []signalCall{{700, syscall.SIGTERM}}, h.signals)

	// Idempotent: no second signal, no duplicate remove.
	assert.True(t, s.Terminate(context.Background(), "t", syscall.SIGKILL))
	assert.Len(t, h.signals, 1)

	s.Flush()
	assert.Equal(t, []evKey{{EventAdd, "t"}, {EventRemove, "t"}}, keys(drain(sub)))
}

func TestTerminateWithoutKillMechanismStillEnds(t *testing.T) {
	h := newHarness(t, testConfig(), Deps{})
	s := h.store

	s.ProcessHookEvent(HookEvent{SessionID: "t", PID: 701, Status: "waiting_for_approval", Tool: "Bash", ToolUseID: "x"})
	assert.True(t, s.Terminate(context.Background(), "t", 0))

	sess := mustGet(t, s, "t")
	assert.Equal(t, PhaseEnded, sess.Phase)
	assert.Nil(t, sess.ActivePermission)
	assert.Empty(t, h.signals, "dead pid is never signalled")
}

func TestRemove(t *testing.T) {
	h := newHarness(t, testConfig(), Deps{})
	s := h.store
	sub := s.Subscribe("test", 16)

	s.ProcessHookEvent(HookEvent{SessionID: "r", Status: "processing"})
	assert.True(t, s.Remove("r"))
	assert.False(t, s.Remove("r"))
	_, ok := s.Get("r")
	assert.False(t, ok)
	assert.Equal(t, []evKey{{EventAdd, "r"}, {EventRemove, "r"}}, keys(drain(sub)))
}

func TestListSortedByActivity(t *testing.T) {
	h := newHarness(t, testConfig(), Deps{})
	s := h.store

	s.ProcessHookEvent(HookEvent{SessionID: "a", Status: "idle"})
	h.clock.Advance(time.Second)
	s.ProcessHookEvent(HookEvent{SessionID: "b", Status: "idle"})
	h.clock.Advance(time.Second)
	s.ProcessHookEvent(HookEvent{SessionID: "a", Status: "processing"})

	list := s.List()
	require.Len(t, list, 2)
	assert.Equal(t, "a", list[0].ID)
	assert.Equal(t, "b", list[1].ID)
}

func TestGetReturnsCopy(t *testing.T) {
	h := newHarness(t, testConfig(), Deps{})
	s := h.store

	s.ProcessHookEvent(HookEvent{SessionID: "c", Status: "waiting_for_approval", Tool: "Bash", ToolUseID: "x"})
	sess := mustGet(t, s, "c")
	sess.ActivePermission.ToolUseID = "mutated"
	sess.Phase = PhaseEnded

	again := mustGet(t, s, "c")
	assert.Equal(t, "x", again.ActivePermission.ToolUseID)
	assert.Equal(t, PhaseWaitingForApproval, again.Phase)
}

// --- tmux / focus collaborators ---

type staticTree procs.ProcessTree

func (t staticTree) Build(context.Context) procs.ProcessTree { return procs.ProcessTree(t) }

type fakeTmux struct {
	mu       sync.Mutex
	target   tmux.Target
	found    bool
	focused  []tmux.Target
	killed   []tmux.Target
	intr     []tmux.Target
	keys     []string
	focusErr bool
}

func (f *fakeTmux) FindTargetByPID(context.Context, int) (tmux.Target, bool) {
	return f.target, f.found
}

func (f *fakeTmux) FocusPane(_ context.Context, t tmux.Target) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.focused = append(f.focused, t)
	return !f.focusErr
}

func (f *fakeTmux) SendInterrupt(_ context.Context, t tmux.Target) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.intr = append(f.intr, t)
	return true
}

func (f *fakeTmux) KillPane(_ context.Context, t tmux.Target) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.killed = append(f.killed, t)
	return true
}

func (f *fakeTmux) SendKeys(_ context.Context, _ tmux.Target, text string, _ bool) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keys = append(f.keys, text)
	return true
}

type fakeFocus struct {
	ttyOK  bool
	dirOK  bool
	ttys   []string
	dirs   []string
	agents []string
}

func (f *fakeFocus) FocusTTY(_ context.Context, tty string) bool {
	f.ttys = append(f.ttys, tty)
	return f.ttyOK
}

func (f *fakeFocus) FocusWorkingDir(_ context.Context, agent, cwd string) bool {
	f.agents = append(f.agents, agent)
	f.dirs = append(f.dirs, cwd)
	return f.dirOK
}

var tmuxTree = procs.ProcessTree{
	1:   {PID: 1, PPID: 0, Command: "tmux new -s work"},
	100: {PID: 100, PPID: 1, Command: "-zsh"},
	110: {PID: 110, PPID: 100, Command: "claude"},
}

func TestTmuxTargetResolvedAsync(t *testing.T) {
	tm := &fakeTmux{target: tmux.Target{Session: "work", Window: 1}, found: true}
	h := newHarness(t, testConfig(), Deps{Tree: staticTree(tmuxTree), Tmux: tm})
	s := h.store
	sub := s.Subscribe("test", 16)
	h.prober.set(110, true)

	s.ProcessHookEvent(HookEvent{SessionID: "m", PID: 110, Status: "processing"})
	assert.True(t, mustGet(t, s, "m").InTmux)

	require.Eventually(t, func() bool {
		sess, _ := s.Get("m")
		return sess.TmuxTarget != nil
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, "work:1.0", mustGet(t, s, "m").TmuxTarget.String())

	s.Flush()
	assert.Equal(t, []evKey{{EventAdd, "m"}, {EventUpdate, "m"}}, keys(drain(sub)))

	assert.True(t, s.Focus(context.Background(), "m"))
	assert.True(t, s.Interrupt(context.Background(), "m"))
	assert.True(t, s.SendText(context.Background(), "m", "continue"))
	assert.Equal(t, []string{"continue"}, tm.keys)
	assert.Len(t, tm.intr, 1)
	assert.Empty(t, h.signals, "interrupt goes through tmux")

	h.prober.set(110, false)
	assert.True(t, s.Terminate(context.Background(), "m", 0))
	assert.Len(t, tm.killed, 1)
}

func TestNotInTmuxSkipsResolution(t *testing.T) {
	tm := &fakeTmux{found: true}
	h := newHarness(t, testConfig(), Deps{Tree: staticTree(tmuxTree), Tmux: tm})

	h.store.ProcessHookEvent(HookEvent{SessionID: "bare", PID: 999, Status: "processing"})
	sess := mustGet(t, h.store, "bare")
	assert.False(t, sess.InTmux)
	assert.Nil(t, sess.TmuxTarget)
}

func TestFocusFallbackOrder(t *testing.T) {
	f := &fakeFocus{ttyOK: false, dirOK: true}
	h := newHarness(t, testConfig(), Deps{Focus: f})
	s := h.store

	s.ProcessHookEvent(HookEvent{SessionID: "cur", Agent: "cursor", Cwd: "/src/app", TTY: "/dev/ttys004", Status: "processing"})
	assert.True(t, s.Focus(context.Background(), "cur"))
	assert.Equal(t, []string{"ttys004"}, f.ttys)
	assert.Equal(t, []string{"/src/app"}, f.dirs)
	assert.Equal(t, []string{"cursor"}, f.agents)

	f.ttyOK = true
	assert.True(t, s.Focus(context.Background(), "cur"))
	assert.Len(t, f.dirs, 1, "tty focus succeeded first")

	assert.False(t, s.Focus(context.Background(), "missing"))
}

func TestInterruptWithoutTmuxSignals(t *testing.T) {
	h := newHarness(t, testConfig(), Deps{})
	s := h.store
	h.prober.set(800, true)

	s.ProcessHookEvent(HookEvent{SessionID: "i", PID: 800, Status: "processing"})
	assert.True(t, s.Interrupt(context.Background(), "i"))
	assert.Equal(t, []signalCall{{800, syscall.SIGINT}}, h.signals)
	assert.False(t, s.SendText(context.Background(), "i", "hello"), "no pane to type into")
}

// --- notification fan-out ---

func TestSlowSubscriberDropsWithoutBlockingOthers(t *testing.T) {
	h := newHarness(t, testConfig(), Deps{})
	s := h.store
	slow := s.Subscribe("slow", 1)
	fast := s.Subscribe("fast", 16)

	for i := 0; i < 3; i++ {
		s.ProcessHookEvent(HookEvent{SessionID: fmt.Sprintf("s%d", i), Status: "processing"})
	}
	s.Flush()

	assert.Len(t, drain(fast), 3)
	assert.Len(t, drain(slow), 1)
	assert.Equal(t, int64(2), slow.Dropped())
}

func TestPanickingCallbackIsIsolated(t *testing.T) {
	h := newHarness(t, testConfig(), Deps{})
	s := h.store

	var mu sync.Mutex
	var seen []EventType
	s.SubscribeFunc("flaky", func(ev SessionEvent) {
		mu.Lock()
		seen = append(seen, ev.Type)
		n := len(seen)
		mu.Unlock()
		if n == 1 {
			panic("boom")
		}
	})
	good := s.Subscribe("good", 16)

	s.ProcessHookEvent(HookEvent{SessionID: "x", Status: "processing"})
	s.ProcessHookEvent(HookEvent{SessionID: "x", Status: "waiting_for_input"})
	s.Flush()

	assert.Len(t, drain(good), 2)
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 2
	}, time.Second, 5*time.Millisecond)
}

func TestStopFlushesAndClosesSubscriptions(t *testing.T) {
	h := newHarness(t, testConfig(), Deps{})
	s := h.store
	sub := s.Subscribe("test", 16)

	var mu sync.Mutex
	var archived []string
	s.SubscribeFunc("archive", func(ev SessionEvent) {
		mu.Lock()
		archived = append(archived, ev.Session.ID)
		mu.Unlock()
	})

	s.ProcessHookEvent(HookEvent{SessionID: "z", Status: "processing"})
	s.Stop()
	s.Stop()

	var got []SessionEvent
	for ev := range sub.C {
		got = append(got, ev)
	}
	assert.Equal(t, []evKey{{EventAdd, "z"}}, keys(got))

	mu.Lock()
	assert.Equal(t, []string{"z"}, archived, "callbacks drained before Stop returns")
	mu.Unlock()

	late := s.Subscribe("late", 4)
	_, open := <-late.C
	assert.False(t, open)
}

func TestStartRunsFlushLoop(t *testing.T) {
	cfg := testConfig()
	cfg.FlushInterval = 10 * time.Millisecond
	h := newHarness(t, cfg, Deps{})
	s := h.store
	sub := s.Subscribe("test", 16)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)

	s.ProcessHookEvent(HookEvent{SessionID: "loop", Status: "processing"})
	select {
	case ev := <-sub.C:
		assert.Equal(t, EventAdd, ev.Type)
	case <-time.After(time.Second):
		t.Fatal("flush loop did not deliver")
	}
}

func TestUnsubscribe(t *testing.T) {
	h := newHarness(t, testConfig(), Deps{})
	s := h.store
	sub := s.Subscribe("test", 16)
	sub.Close()
	sub.Close()

	s.ProcessHookEvent(HookEvent{SessionID: "u", Status: "processing"})
	s.Flush()
	_, open := <-sub.C
	assert.False(t, open)
}
