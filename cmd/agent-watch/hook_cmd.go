package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/asheshgoplani/agent-watch/internal/config"
	"github.com/asheshgoplani/agent-watch/internal/hooks"
	"github.com/asheshgoplani/agent-watch/internal/procs"
	"github.com/asheshgoplani/agent-watch/internal/tracker"
)

// maxHookPayload bounds what is read from an agent. Tool inputs can carry
// whole file contents; anything larger is cut and fails to parse.
const maxHookPayload = 4 << 20

// hookRunner is the hook command with its process environment injected.
type hookRunner struct {
	stdin      io.Reader
	stdout     io.Writer
	isTerminal func() bool
	origin     func(ctx context.Context) hooks.Origin
	spool      func() (*hooks.Spool, error)
	now        func() time.Time
}

func newHookCmd() *cobra.Command {
	var agent string
	cmd := &cobra.Command{
		Use:   "hook [payload]",
		Short: "Record one agent hook event (called by the agent, not by hand)",
		Long: `Read a hook payload and queue it for the tracker.

Claude, Gemini and Cursor pass the payload on stdin. Codex passes it as the
last argument. The command never fails so it cannot block the agent.`,
		Hidden: true,
		Args:   cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			r := defaultHookRunner(cmd.InOrStdin(), cmd.OutOrStdout())
			r.run(cmd.Context(), agent, args)
			return nil
		},
	}
	cmd.Flags().StringVar(&agent, "agent", tracker.AgentClaude, "agent that fired the hook (claude, gemini, codex, cursor)")
	return cmd
}

func defaultHookRunner(stdin io.Reader, stdout io.Writer) *hookRunner {
	return &hookRunner{
		stdin:  stdin,
		stdout: stdout,
		isTerminal: func() bool {
			f, ok := stdin.(*os.File)
			return ok && term.IsTerminal(int(f.Fd()))
		},
		origin: processOrigin,
		spool:  hooks.DefaultSpool,
		now:    time.Now,
	}
}

// processOrigin describes the agent: the hook's parent process.
func processOrigin(ctx context.Context) hooks.Origin {
	cfg, _ := config.Load()
	b := procs.NewBuilder(cfg.Process.Binary(), cfg.Process.Timeout())
	ppid := os.Getppid()
	cwd, _ := os.Getwd()
	return hooks.Origin{PID: ppid, TTY: b.TTYOf(ctx, ppid), Cwd: cwd}
}

func (r *hookRunner) run(ctx context.Context, agent string, args []string) {
	// Stamp before any I/O: the origin lookup runs ps and can take longer
	// than the gap between two hooks.
	entered := r.clock()
	if ctx == nil {
		ctx = context.Background()
	}
	agent = strings.ToLower(strings.TrimSpace(agent))

	raw, err := r.payload(agent, args)
	if agent == tracker.AgentCursor {
		// Cursor waits on a response for before* hooks even when we ignore
		// the event.
		defer func() { _, _ = r.stdout.Write(hooks.CursorResponse(cursorEventName(raw))) }()
	}
	if err != nil {
		cliLog.Debug("hook_payload_unreadable", slog.String("agent", agent), slog.String("error", err.Error()))
		return
	}

	ev, err := hooks.Normalize(agent, raw, r.origin(ctx))
	if errors.Is(err, hooks.ErrIgnored) {
		return
	}
	if err != nil {
		cliLog.Debug("hook_payload_invalid", slog.String("agent", agent), slog.String("error", err.Error()))
		return
	}

	sp, err := r.spool()
	if err != nil {
		cliLog.Warn("hook_spool_unavailable", slog.String("error", err.Error()))
		return
	}
	if _, err := sp.WriteAt(ev, entered); err != nil {
		cliLog.Warn("hook_spool_write_failed", slog.String("error", err.Error()))
	}
}

func (r *hookRunner) clock() time.Time {
	if r.now == nil {
		return time.Now()
	}
	return r.now()
}

func (r *hookRunner) payload(agent string, args []string) ([]byte, error) {
	if agent == tracker.AgentCodex {
		if len(args) == 0 {
			return nil, fmt.Errorf("codex payload argument missing")
		}
		return []byte(args[len(args)-1]), nil
	}
	if r.isTerminal != nil && r.isTerminal() {
		return nil, fmt.Errorf("stdin is a terminal; this command is run by agent hooks")
	}
	return io.ReadAll(io.LimitReader(r.stdin, maxHookPayload))
}

func cursorEventName(raw []byte) string {
	var p struct {
		HookEventName string `json:"hook_event_name"`
	}
	if len(raw) == 0 || json.Unmarshal(raw, &p) != nil {
		return ""
	}
	return p.HookEventName
}
