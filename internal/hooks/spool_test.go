package hooks

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/asheshgoplani/agent-watch/internal/tracker"
)

type recordingSink struct {
	mu     sync.Mutex
	events []tracker.HookEvent
}

func (r *recordingSink) ProcessHookEvent(ev tracker.HookEvent) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recordingSink) ids() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.SessionID + "/" + ev.Event
	}
	return out
}

func TestSpoolWriteIsAtomicAndOrdered(t *testing.T) {
	sp := &Spool{Dir: filepath.Join(t.TempDir(), "events")}

	for _, name := range []string{"a", "b", "c"} {
		_, err := sp.Write(tracker.HookEvent{SessionID: "s", Event: name, Status: "processing"})
		require.NoError(t, err)
	}

	entries, err := os.ReadDir(sp.Dir)
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotContains(t, e.Name(), ".tmp", "temp files must be renamed away")
	}

	paths, err := sp.Pending()
	require.NoError(t, err)
	require.Len(t, paths, 3)

	var events []string
	for _, p := range paths {
		ev, err := sp.Read(p)
		require.NoError(t, err)
		events = append(events, ev.Event)
	}
	assert.Equal(t, []string{"a", "b", "c"}, events)
}

func TestSpoolPendingMissingDir(t *testing.T) {
	sp := &Spool{Dir: filepath.Join(t.TempDir(), "nope")}
	paths, err := sp.Pending()
	require.NoError(t, err)
	assert.Empty(t, paths)
}

func TestWrittenAt(t *testing.T) {
	at, ok := writtenAt("/x/00000001700000000000000000-abc.json")
	require.True(t, ok)
	assert.Equal(t, int64(1700000000000000000), at.UnixNano())

	_, ok = writtenAt("/x/garbage.json")
	assert.False(t, ok)
}

func TestDrainIngestsInOrderAndDeletes(t *testing.T) {
	sp := &Spool{Dir: t.TempDir()}
	for _, name := range []string{"SessionStart", "UserPromptSubmit", "Stop"} {
		_, err := sp.Write(tracker.HookEvent{SessionID: "s1", Event: name})
		require.NoError(t, err)
	}
	require.NoError(t, os.WriteFile(filepath.Join(sp.Dir, "00000000000000000001-bad.json"), []byte("{"), 0o600))

	sink := &recordingSink{}
	w := NewWatcher(sp, sink, WatcherOptions{})
	assert.Equal(t, 3, w.Drain())
	assert.Equal(t, []string{"s1/SessionStart", "s1/UserPromptSubmit", "s1/Stop"}, sink.ids())

	left, err := sp.Pending()
	require.NoError(t, err)
	assert.Empty(t, left, "ingested and invalid files are removed")
}

func TestDrainDoesNotReplayUndeletableFiles(t *testing.T) {
	sp := &Spool{Dir: t.TempDir()}
	stuck, err := sp.WriteAt(tracker.HookEvent{SessionID: "s1", Event: "UserPromptSubmit"}, time.Unix(1, 0))
	require.NoError(t, err)

	sink := &recordingSink{}
	w := NewWatcher(sp, sink, WatcherOptions{})
	w.remove = func(path string) error {
		if path == stuck {
			return &os.PathError{Op: "remove", Path: path, Err: os.ErrPermission}
		}
		return os.Remove(path)
	}

	assert.Equal(t, 1, w.Drain())
	_, err = sp.WriteAt(tracker.HookEvent{SessionID: "s1", Event: "Stop"}, time.Unix(2, 0))
	require.NoError(t, err)
	assert.Equal(t, 1, w.Drain())
	assert.Equal(t, 0, w.Drain())
	assert.Equal(t, []string{"s1/UserPromptSubmit", "s1/Stop"}, sink.ids())

	left, err := sp.Pending()
	require.NoError(t, err)
	assert.Equal(t, []string{stuck}, left)

	// Once the file is gone it is forgotten.
	require.NoError(t, os.Remove(stuck))
	assert.Equal(t, 0, w.Drain())
	w.drainMu.Lock()
	assert.Empty(t, w.delivered)
	w.drainMu.Unlock()
}

func TestWatcherDiscardsStaleBacklog(t *testing.T) {
	sp := &Spool{Dir: t.TempDir()}
	old := time.Now().Add(-2 * time.Hour).UnixNano()
	stale := filepath.Join(sp.Dir, fmtName(old))
	require.NoError(t, os.WriteFile(stale, []byte(`{"sessionId":"old","event":"Stop"}`), 0o600))
	_, err := sp.Write(tracker.HookEvent{SessionID: "fresh", Event: "Stop"})
	require.NoError(t, err)

	sink := &recordingSink{}
	w := NewWatcher(sp, sink, WatcherOptions{ForcePoll: true, PollInterval: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	require.Eventually(t, func() bool { return len(sink.ids()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"fresh/Stop"}, sink.ids())
	_, err = os.Stat(stale)
	assert.True(t, os.IsNotExist(err))

	cancel()
	require.NoError(t, <-done)
}

func TestWatcherPollingPicksUpNewFiles(t *testing.T) {
	sp := &Spool{Dir: t.TempDir()}
	sink := &recordingSink{}
	w := NewWatcher(sp, sink, WatcherOptions{ForcePoll: true, PollInterval: 10 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = w.Run(ctx) }()

	_, err := sp.Write(tracker.HookEvent{SessionID: "p", Event: "Stop"})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(sink.ids()) == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestWatcherFsnotifyPicksUpNewFiles(t *testing.T) {
	sp := &Spool{Dir: t.TempDir()}
	sink := &recordingSink{}
	// PollInterval only applies when the temp dir cannot be watched.
	w := NewWatcher(sp, sink, WatcherOptions{Debounce: 5 * time.Millisecond, PollInterval: 20 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = w.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	for _, name := range []string{"one", "two"} {
		_, err := sp.Write(tracker.HookEvent{SessionID: "f", Event: name})
		require.NoError(t, err)
	}
	require.Eventually(t, func() bool { return len(sink.ids()) == 2 }, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"f/one", "f/two"}, sink.ids())
}

func fmtName(ns int64) string {
	return fmt.Sprintf("%020d-stale.json", ns)
}
