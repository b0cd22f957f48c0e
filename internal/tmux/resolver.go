// Package tmux locates the tmux pane that owns an agent process and drives
// focus, interrupt, kill and send-keys against it.
package tmux

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"golang.org/x/sync/singleflight"

	"github.com/asheshgoplani/agent-watch/internal/logging"
	"github.com/asheshgoplani/agent-watch/internal/procs"
)

var tmuxLog = logging.ForComponent(logging.CompTmux)

// ErrUnavailable is returned when the tmux binary cannot be located.
var ErrUnavailable = errors.New("tmux not available")

const (
	sendChunkSize  = 4096
	paneListFormat = "#{session_name}\t#{window_index}\t#{pane_index}\t#{pane_pid}"
)

// Target addresses a single pane.
type Target struct {
	Session string `json:"session"`
	Window  int    `json:"window"`
	Pane    int    `json:"pane"`
}

// String renders the target in tmux's "session:window.pane" syntax.
func (t Target) String() string {
	return fmt.Sprintf("%s:%d.%d", t.Session, t.Window, t.Pane)
}

// Pane is one row of `list-panes -a`.
type Pane struct {
	Target
	PID int
}

// TreeSource produces process snapshots. *procs.Builder satisfies it.
type TreeSource interface {
	Build(ctx context.Context) procs.ProcessTree
}

// Activator raises the desktop application owning a terminal.
type Activator interface {
	FocusTTY(ctx context.Context, tty string) bool
}

// Options configures a Resolver. Zero values pick real implementations.
type Options struct {
	Binary    string // explicit path; empty means LookPath("tmux")
	Timeout   time.Duration
	Runner    procs.Runner
	Tree      TreeSource
	Activator Activator
	LookPath  func(string) (string, error)
}

// Resolver issues tmux commands through a single cached binary path. Every
// method degrades to "not available" when tmux is missing.
type Resolver struct {
	runner    procs.Runner
	tree      TreeSource
	activator Activator
	timeout   time.Duration

	binOnce  sync.Once
	bin      string
	override string
	lookPath func(string) (string, error)

	panesSf singleflight.Group

	chunkDelay time.Duration
	enterDelay time.Duration
}

func NewResolver(opts Options) *Resolver {
	r := &Resolver{
		runner:     opts.Runner,
		tree:       opts.Tree,
		activator:  opts.Activator,
		timeout:    opts.Timeout,
		override:   opts.Binary,
		lookPath:   opts.LookPath,
		chunkDelay: 50 * time.Millisecond,
		enterDelay: 100 * time.Millisecond,
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
	if r.lookPath == nil {
		r.lookPath = exec.LookPath
	}
	return r
}

// SetActivator installs the app activator after construction (the focus
// resolver and the tmux resolver reference each other).
func (r *Resolver) SetActivator(a Activator) { r.activator = a }

// binary resolves the tmux path once.
func (r *Resolver) binary() string {
	r.binOnce.Do(func() {
		if r.override != "" {
			r.bin = r.override
			return
		}
		path, err := r.lookPath("tmux")
		if err != nil {
			tmuxLog.Info("tmux_not_found", slog.String("error", err.Error()))
			return
		}
		r.bin = path
	})
	return r.bin
}

// Available reports whether a tmux binary was found.
func (r *Resolver) Available() bool { return r.binary() != "" }

func (r *Resolver) run(ctx context.Context, args ...string) ([]byte, error) {
	bin := r.binary()
	if bin == "" {
		return nil, ErrUnavailable
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	out, err := r.runner.Run(ctx, bin, args...)
	if err != nil {
		tmuxLog.Debug("tmux_command_failed",
			slog.String("cmd", args[0]),
			slog.String("error", err.Error()))
	}
	return out, err
}

// ListPanes returns every pane on the server. Concurrent callers share one
// list-panes invocation; each caller still honours its own ctx.
func (r *Resolver) ListPanes(ctx context.Context) ([]Pane, error) {
	// The shared call must outlive the caller that started it. run still
	// bounds it with the command timeout.
	shared := context.WithoutCancel(ctx)
	ch := r.panesSf.DoChan("list-panes", func() (any, error) {
		out, err := r.run(shared, "list-panes", "-a", "-F", paneListFormat)
		if err != nil {
			return nil, err
		}
		return parsePanes(out), nil
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.([]Pane), nil
	}
}

func parsePanes(out []byte) []Pane {
	var panes []Pane
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		parts := strings.Split(sc.Text(), "\t")
		if len(parts) != 4 || parts[0] == "" {
			continue
		}
		window, err1 := strconv.Atoi(parts[1])
		pane, err2 := strconv.Atoi(parts[2])
		pid, err3 := strconv.Atoi(parts[3])
		if err1 != nil || err2 != nil || err3 != nil {
			continue
		}
		panes = append(panes, Pane{
			Target: Target{Session: parts[0], Window: window, Pane: pane},
			PID:    pid,
		})
	}
	return panes
}

// FindTargetByPID returns the first pane whose process is pid or one of its
// ancestors. It is a one-shot lookup; callers do not retry.
func (r *Resolver) FindTargetByPID(ctx context.Context, pid int) (Target, bool) {
	if pid <= 0 {
		return Target{}, false
	}
	panes, err := r.ListPanes(ctx)
	if err != nil || len(panes) == 0 {
		return Target{}, false
	}
	tree := r.tree.Build(ctx)
	for _, p := range panes {
		if tree.IsDescendant(pid, p.PID) {
			tmuxLog.Debug("tmux_target_resolved",
				slog.Int("pid", pid),
				slog.String("target", p.Target.String()))
			return p.Target, true
		}
	}
	return Target{}, false
}

// FocusPane brings target to the front of the attached client, falling back
// to selecting the window and pane when no client can be switched, then
// raises the terminal app that hosts the client.
func (r *Resolver) FocusPane(ctx context.Context, target Target) bool {
	if !r.Available() {
		return false
	}
	if _, err := r.run(ctx, "switch-client", "-t", target.String()); err != nil {
		window := fmt.Sprintf("%s:%d", target.Session, target.Window)
		if _, err := r.run(ctx, "select-window", "-t", window); err != nil {
			return false
		}
		if _, err := r.run(ctx, "select-pane", "-t", target.String()); err != nil {
			return false
		}
	}

	if r.activator != nil {
		if tty, ok := r.clientTTY(ctx, target.Session); ok {
			r.activator.FocusTTY(ctx, tty)
		}
	}
	return true
}

// clientTTY returns the tty of a real (non control-mode) client, preferring
// one attached to session.
func (r *Resolver) clientTTY(ctx context.Context, session string) (string, bool) {
	out, err := r.run(ctx, "list-clients", "-F", "#{client_tty}\t#{session_name}\t#{client_control_mode}")
	if err != nil {
		return "", false
	}
	fallback := ""
	for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		parts := strings.Split(line, "\t")
		if len(parts) != 3 || parts[0] == "" || parts[2] == "1" {
			continue
		}
		if parts[1] == session {
			return parts[0], true
		}
		if fallback == "" {
			fallback = parts[0]
		}
	}
	return fallback, fallback != ""
}

// SendInterrupt sends Ctrl+C to the pane.
func (r *Resolver) SendInterrupt(ctx context.Context, target Target) bool {
	_, err := r.run(ctx, "send-keys", "-t", target.String(), "C-c")
	return err == nil
}

// KillPane destroys the pane and whatever runs in it.
func (r *Resolver) KillPane(ctx context.Context, target Target) bool {
	_, err := r.run(ctx, "kill-pane", "-t", target.String())
	return err == nil
}

// SendKeys types text into the pane literally (-l), chunked at newline
// boundaries, optionally followed by Enter. tmux 3.2+ wraps -l input in
// bracketed paste, so Enter is sent separately after a short pause or the
// TUI swallows it.
func (r *Resolver) SendKeys(ctx context.Context, target Target, text string, pressEnter bool) bool {
	if !r.Available() {
		return false
	}
	chunks := splitIntoChunks(text, sendChunkSize)
	for i, chunk := range chunks {
		if _, err := r.run(ctx, "send-keys", "-l", "-t", target.String(), "--", chunk); err != nil {
			tmuxLog.Warn("send_keys_failed",
				slog.String("target", target.String()),
				slog.Int("chunk", i+1),
				slog.Int("chunks", len(chunks)))
			return false
		}
		if i < len(chunks)-1 && !sleepCtx(ctx, r.chunkDelay) {
			return false
		}
	}
	if !pressEnter {
		return true
	}
	if len(chunks) > 0 && !sleepCtx(ctx, r.enterDelay) {
		return false
	}
	_, err := r.run(ctx, "send-keys", "-t", target.String(), "Enter")
	return err == nil
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// splitIntoChunks splits content into chunks of at most maxSize bytes,
// preferring newline boundaries; an over-long line is split hard.
func splitIntoChunks(content string, maxSize int) []string {
	if content == "" {
		return nil
	}
	var chunks []string
	remaining := content
	for len(remaining) > maxSize {
		cut := strings.LastIndex(remaining[:maxSize], "\n")
		if cut > 0 {
			chunks = append(chunks, remaining[:cut+1])
			remaining = remaining[cut+1:]
		} else {
			// Never split inside a multi-byte rune.
			cut = maxSize
			for cut > 0 && !utf8.RuneStart(remaining[cut]) {
				cut--
			}
			if cut == 0 {
				cut = maxSize
			}
			chunks = append(chunks, remaining[:cut])
			remaining = remaining[cut:]
		}
	}
	if remaining != "" {
		chunks = append(chunks, remaining)
	}
	return chunks
}
