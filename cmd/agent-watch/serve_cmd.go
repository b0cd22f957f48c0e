package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/asheshgoplani/agent-watch/internal/archive"
	"github.com/asheshgoplani/agent-watch/internal/config"
	"github.com/asheshgoplani/agent-watch/internal/focus"
	"github.com/asheshgoplani/agent-watch/internal/hooks"
	"github.com/asheshgoplani/agent-watch/internal/logging"
	"github.com/asheshgoplani/agent-watch/internal/platform"
	"github.com/asheshgoplani/agent-watch/internal/procs"
	"github.com/asheshgoplani/agent-watch/internal/tmux"
	"github.com/asheshgoplani/agent-watch/internal/tracker"
	"github.com/asheshgoplani/agent-watch/internal/web"
)

const (
	serverHeartbeat  = 10 * time.Second
	serverStaleAfter = 30 * time.Second
	shutdownTimeout  = 5 * time.Second
)

func newServeCmd(g *globalFlags) *cobra.Command {
	var foreground bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the session tracker and its local API",
		Long: `Run the tracker: ingest hook events from the spool directory, reap dead
sessions and serve the HTTP/websocket API.

Send SIGUSR1 to write the recent log tail to crash-dump-<unix>.jsonl in
the data directory.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), g, foreground)
		},
	}
	cmd.Flags().BoolVar(&foreground, "foreground", false, "also log to stderr")
	return cmd
}

// logConfig maps the [logs] section onto logging.Config.
func logConfig(ls config.LogSettings, home string, stderr bool) logging.Config {
	cfg := logging.Config{
		LogDir:                home,
		Level:                 "info",
		Format:                "json",
		MaxSizeMB:             10,
		MaxBackups:            5,
		MaxAgeDays:            10,
		Compress:              ls.Compress,
		RingBufferSize:        4 * 1024 * 1024,
		AggregateIntervalSecs: 30,
		PprofAddr:             ls.PprofAddr,
		Debug:                 ls.Debug,
		Stderr:                stderr,
	}
	if ls.Debug {
		cfg.Level = "debug"
	}
	if ls.Level != "" {
		cfg.Level = ls.Level
	}
	if ls.Format != "" {
		cfg.Format = ls.Format
	}
	if ls.MaxMB > 0 {
		cfg.MaxSizeMB = ls.MaxMB
	}
	if ls.Backups > 0 {
		cfg.MaxBackups = ls.Backups
	}
	if ls.RetentionDays > 0 {
		cfg.MaxAgeDays = ls.RetentionDays
	}
	if ls.RingBufferMB > 0 {
		cfg.RingBufferSize = ls.RingBufferMB * 1024 * 1024
	}
	return cfg
}

func runServe(parent context.Context, g *globalFlags, foreground bool) error {
	if parent == nil {
		parent = context.Background()
	}
	cfg, cfgErr := config.Load()
	home, err := config.HomeDir()
	if err != nil {
		return err
	}
	if err := logging.Init(logConfig(cfg.Logs, home, foreground)); err != nil {
		fmt.Fprintln(os.Stderr, "warning:", err)
	}
	defer logging.Shutdown()
	if cfgErr != nil {
		cliLog.Warn("config_invalid_using_defaults", slog.String("error", cfgErr.Error()))
	}
	cliLog.Info("serve_starting",
		slog.String("version", Version),
		slog.Int("pid", os.Getpid()),
		slog.String("platform", platform.Detect().String()))

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go dumpOnSIGUSR1(ctx, home)

	tree := procs.NewBuilder(cfg.Process.Binary(), cfg.Process.Timeout())
	apps := focus.NewResolver(focus.Options{
		Tree:      tree,
		Timeout:   cfg.Tmux.Timeout(),
		CursorCLI: cfg.Focus.CursorCommand(),
		Disabled:  !cfg.Focus.IsEnabled(),
	})
	panes := tmux.NewResolver(tmux.Options{
		Binary:    cfg.Tmux.Binary,
		Timeout:   cfg.Tmux.Timeout(),
		Tree:      tree,
		Activator: apps,
	})
	if !panes.Available() {
		cliLog.Info("tmux_unavailable")
	}

	store := tracker.New(tracker.ConfigFromSettings(cfg.Tracker), tracker.Deps{
		Tree:  tree,
		Tmux:  panes,
		Focus: apps,
	})
	store.Start(ctx)
	defer store.Stop()

	arch := openArchive(cfg.Archive)
	var webArch web.Archive
	if arch != nil {
		// The store flushes its last removals into the archive on Stop.
		defer func() {
			store.Stop()
			_ = arch.Close()
		}()
		arch.Attach(store)
		webArch = arch
	}

	spool, err := hooks.DefaultSpool()
	if err != nil {
		return err
	}
	watcher := hooks.NewWatcher(spool, store, hooks.WatcherOptions{})

	addr := cfg.Web.Addr()
	if g.addr != "" {
		addr = g.addr
	}
	token := cfg.Web.Token
	if g.token != "" {
		token = g.token
	}
	srv := web.NewServer(web.Config{
		ListenAddr:      addr,
		Token:           token,
		EventsPerSecond: cfg.Web.RateLimit(),
		Version:         Version,
	}, store, webArch)
	ln, err := srv.Listen()
	if err != nil {
		return err
	}

	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error { return srv.Serve(ln) })
	group.Go(func() error { return watcher.Run(gctx) })
	group.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(sctx)
	})
	if arch != nil {
		group.Go(func() error {
			announce(gctx, arch, ln.Addr().String())
			return nil
		})
	}

	fmt.Fprintf(os.Stderr, "agent-watch %s listening on http://%s\n", Version, ln.Addr())
	err = group.Wait()
	cliLog.Info("serve_stopped")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// openArchive returns nil when archiving is disabled or the database cannot
// be opened; the tracker runs without it.
func openArchive(as config.ArchiveSettings) *archive.Archive {
	if !as.IsEnabled() {
		return nil
	}
	path, err := as.DBPath()
	if err != nil {
		cliLog.Warn("archive_disabled", slog.String("error", err.Error()))
		return nil
	}
	arch, err := archive.Open(path)
	if err != nil {
		cliLog.Warn("archive_disabled", slog.String("error", err.Error()))
		return nil
	}
	if err := arch.Migrate(); err != nil {
		cliLog.Warn("archive_disabled", slog.String("error", err.Error()))
		_ = arch.Close()
		return nil
	}
	if n, err := arch.Prune(time.Now().Add(-as.Retention())); err == nil && n > 0 {
		cliLog.Info("archive_pruned", slog.Int64("entries", n))
	}
	return arch
}

// announce keeps this server's row in the registry fresh so CLI commands can
// find it, and removes it on shutdown.
func announce(ctx context.Context, arch *archive.Archive, addr string) {
	if err := arch.RegisterServer(addr); err != nil {
		cliLog.Warn("server_register_failed", slog.String("error", err.Error()))
		return
	}
	defer func() { _ = arch.UnregisterServer() }()

	ticker := time.NewTicker(serverHeartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := arch.Heartbeat(); err != nil {
				cliLog.Debug("server_heartbeat_failed", slog.String("error", err.Error()))
			}
		}
	}
}

func dumpOnSIGUSR1(ctx context.Context, dir string) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGUSR1)
	defer signal.Stop(ch)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ch:
			path := filepath.Join(dir, fmt.Sprintf("crash-dump-%d.jsonl", time.Now().Unix()))
			if err := logging.DumpRingBuffer(path); err != nil {
				cliLog.Error("crash_dump_failed", slog.String("error", err.Error()))
			} else {
				cliLog.Info("crash_dump_written", slog.String("path", path))
			}
		}
	}
}
