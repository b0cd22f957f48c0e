// Package focus raises the desktop application that hosts an agent session
// when the session does not run under tmux.
package focus

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/asheshgoplani/agent-watch/internal/logging"
	"github.com/asheshgoplani/agent-watch/internal/platform"
	"github.com/asheshgoplani/agent-watch/internal/procs"
)

var focusLog = logging.ForComponent(logging.CompFocus)

// TreeSource produces process snapshots. *procs.Builder satisfies it.
type TreeSource interface {
	Build(ctx context.Context) procs.ProcessTree
}

// Options configures a Resolver. Zero values pick real implementations.
type Options struct {
	Runner    procs.Runner
	Tree      TreeSource
	Timeout   time.Duration
	CursorCLI string
	// CanActivate overrides platform detection (tests).
	CanActivate *bool
	Disabled    bool
}

// Resolver maps a TTY to its host app and activates apps by name.
type Resolver struct {
	runner      procs.Runner
	tree        TreeSource
	timeout     time.Duration
	cursorCLI   string
	canActivate bool
}

func NewResolver(opts Options) *Resolver {
	r := &Resolver{
		runner:    opts.Runner,
		tree:      opts.Tree,
		timeout:   opts.Timeout,
		cursorCLI: opts.CursorCLI,
	}
	if r.runner == nil {
		r.runner = procs.ExecRunner{}
	}
	if r.timeout <= 0 {
		r.timeout = 3 * time.Second
	}
	if r.tree == nil {
		r.tree = procs.NewBuilder("ps", r.timeout)
	}
	if r.cursorCLI == "" {
		r.cursorCLI = "cursor"
	}
	if opts.CanActivate != nil {
		r.canActivate = *opts.CanActivate
	} else {
		r.canActivate = platform.SupportsAppActivation()
	}
	if opts.Disabled {
		r.canActivate = false
	}
	return r
}

// appNameFromCommand extracts "iTerm" from
// "/Applications/iTerm.app/Contents/MacOS/iTerm2". The outermost bundle wins
// so helpers nested inside another app resolve to the parent app.
func appNameFromCommand(command string) (string, bool) {
	idx := strings.Index(command, ".app/")
	if idx < 0 {
		return "", false
	}
	prefix := command[:idx]
	name := prefix[strings.LastIndexByte(prefix, '/')+1:]
	if name == "" {
		return "", false
	}
	return name, true
}

// AppForTTY finds the controlling shell of tty and walks its ancestry to
// the first process inside an application bundle.
func (r *Resolver) AppForTTY(ctx context.Context, tty string) (string, bool) {
	tree := r.tree.Build(ctx)
	shell, ok := tree.ShellPIDForTTY(tty)
	if !ok {
		return "", false
	}
	proc, ok := tree.FindAncestor(shell, func(p procs.ProcessInfo) bool {
		_, isApp := appNameFromCommand(p.Command)
		return isApp
	})
	if !ok {
		return "", false
	}
	return appNameFromCommand(proc.Command)
}

// ActivateApp brings the named application to the front. Only supported on
// macOS; elsewhere it returns false.
func (r *Resolver) ActivateApp(ctx context.Context, name string) bool {
	if !r.canActivate || name == "" {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	script := `tell application "` + strings.ReplaceAll(name, `"`, `\"`) + `" to activate`
	if _, err := r.runner.Run(ctx, "osascript", "-e", script); err != nil {
		focusLog.Debug("activate_failed", slog.String("app", name), slog.String("error", err.Error()))
		return false
	}
	return true
}

// FocusTTY raises the app hosting tty.
func (r *Resolver) FocusTTY(ctx context.Context, tty string) bool {
	if tty == "" || !r.canActivate {
		return false
	}
	app, ok := r.AppForTTY(ctx, tty)
	if !ok {
		return false
	}
	return r.ActivateApp(ctx, app)
}

// FocusWorkingDir handles IDE agents that can reopen a window by path.
// Cursor is asked through its CLI first, then activated by name.
func (r *Resolver) FocusWorkingDir(ctx context.Context, agent, cwd string) bool {
	if agent != "cursor" {
		return false
	}
	if cwd != "" {
		cctx, cancel := context.WithTimeout(ctx, r.timeout)
		_, err := r.runner.Run(cctx, r.cursorCLI, cwd)
		cancel()
		if err == nil {
			return true
		}
		focusLog.Debug("cursor_cli_failed", slog.String("cwd", cwd), slog.String("error", err.Error()))
	}
	return r.ActivateApp(ctx, "Cursor")
}
