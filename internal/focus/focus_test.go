package focus

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/asheshgoplani/agent-watch/internal/procs"
)

type fakeRunner struct {
	calls [][]string
	fail  map[string]bool
}

func (f *fakeRunner) Run(_ context.Context, name string, args ...string) ([]byte, error) {
	f.calls = append(f.calls, append([]string{name}, args...))
	if f.fail[name] {
		return nil, errors.New(name + " failed")
	}
	return nil, nil
}

type staticTree procs.ProcessTree

func (s staticTree) Build(context.Context) procs.ProcessTree { return procs.ProcessTree(s) }

var desktopTree = procs.ProcessTree{
	1:   {PID: 1, PPID: 0, Command: "/sbin/launchd"},
	100: {PID: 100, PPID: 1, Command: "/Applications/iTerm.app/Contents/MacOS/iTerm2"},
	110: {PID: 110, PPID: 100, Command: "/usr/bin/login -fp me"},
	120: {PID: 120, PPID: 110, TTY: "ttys003", Command: "-zsh"},
	130: {PID: 130, PPID: 120, TTY: "ttys003", Command: "claude"},
	200: {PID: 200, PPID: 1, Command: "/Applications/Cursor.app/Contents/Frameworks/Cursor Helper.app/Contents/MacOS/Cursor Helper"},
	210: {PID: 210, PPID: 200, TTY: "ttys007", Command: "/bin/zsh"},
	300: {PID: 300, PPID: 1, TTY: "ttys009", Command: "sshd: me@ttys009"},
}

func newTestResolver(r *fakeRunner, canActivate bool) *Resolver {
	return NewResolver(Options{Runner: r, Tree: staticTree(desktopTree), CanActivate: &canActivate})
}

func TestAppNameFromCommand(t *testing.T) {
	name, ok := appNameFromCommand("/Applications/iTerm.app/Contents/MacOS/iTerm2")
	require.True(t, ok)
	assert.Equal(t, "iTerm", name)

	name, ok = appNameFromCommand("/Applications/Cursor.app/Contents/Frameworks/Cursor Helper.app/Contents/MacOS/Cursor Helper")
	require.True(t, ok)
	assert.Equal(t, "Cursor", name)

	_, ok = appNameFromCommand("/usr/bin/login")
	assert.False(t, ok)
}

func TestAppForTTY(t *testing.T) {
	res := newTestResolver(&fakeRunner{}, true)

	app, ok := res.AppForTTY(context.Background(), "/dev/ttys003")
	require.True(t, ok)
	assert.Equal(t, "iTerm", app)

	app, ok = res.AppForTTY(context.Background(), "ttys007")
	require.True(t, ok)
	assert.Equal(t, "Cursor", app)

	_, ok = res.AppForTTY(context.Background(), "ttys009")
	assert.False(t, ok, "ssh session has no desktop app")
	_, ok = res.AppForTTY(context.Background(), "ttys404")
	assert.False(t, ok)
}

func TestFocusTTYActivatesApp(t *testing.T) {
	r := &fakeRunner{}
	res := newTestResolver(r, true)

	assert.True(t, res.FocusTTY(context.Background(), "ttys003"))
	require.Len(t, r.calls, 1)
	assert.Equal(t, []string{"osascript", "-e", `tell application "iTerm" to activate`}, r.calls[0])
}

func TestFocusUnsupportedPlatform(t *testing.T) {
	r := &fakeRunner{}
	res := newTestResolver(r, false)

	assert.False(t, res.FocusTTY(context.Background(), "ttys003"))
	assert.False(t, res.ActivateApp(context.Background(), "iTerm"))
	assert.Empty(t, r.calls)
}

func TestFocusWorkingDirCursorCLI(t *testing.T) {
	r := &fakeRunner{}
	res := newTestResolver(r, true)

	assert.True(t, res.FocusWorkingDir(context.Background(), "cursor", "/src/app"))
	assert.Equal(t, [][]string{{"cursor", "/src/app"}}, r.calls)
}

func TestFocusWorkingDirFallsBackToActivate(t *testing.T) {
	r := &fakeRunner{fail: map[string]bool{"cursor": true}}
	res := newTestResolver(r, true)

	assert.True(t, res.FocusWorkingDir(context.Background(), "cursor", "/src/app"))
	require.Len(t, r.calls, 2)
	assert.Equal(t, "osascript", r.calls[1][0])
	assert.Contains(t, r.calls[1][2], `"Cursor"`)
}

func TestFocusWorkingDirOtherAgents(t *testing.T) {
	r := &fakeRunner{}
	res := newTestResolver(r, true)

	assert.False(t, res.FocusWorkingDir(context.Background(), "claude", "/src/app"))
	assert.Empty(t, r.calls)
}
