package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	_ "net/http/pprof" // registers /debug/pprof handlers on the default mux
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Component names attached to every record as the "component" attribute.
const (
	CompTracker = "tracker"
	CompProcs   = "procs"
	CompTmux    = "tmux"
	CompFocus   = "focus"
	CompHooks   = "hooks"
	CompArchive = "archive"
	CompWeb     = "web"
	CompCLI     = "cli"
)

// LogFileName is the rotated log file created inside Config.LogDir.
const LogFileName = "agent-watch.log"

// Config holds logging configuration.
type Config struct {
	// LogDir is the directory for the rotated log file (e.g. ~/.agent-watch)
	LogDir string

	// Level is the minimum level: "debug", "info", "warn", "error"
	Level string

	// Format is "json" (default) or "text"
	Format string

	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool

	// RingBufferSize is the in-memory crash-dump buffer in bytes
	RingBufferSize int

	// AggregateIntervalSecs controls how often event summaries are emitted
	AggregateIntervalSecs int

	// PprofAddr starts a pprof listener when non-empty (e.g. "localhost:6061")
	PprofAddr string

	// Debug forces file logging even without an explicit LogDir
	Debug bool

	// Stderr mirrors records to stderr (used by `serve --foreground`)
	Stderr bool
}

var (
	globalMu     sync.RWMutex
	globalLogger *slog.Logger
	globalRing   *RingBuffer
	globalAgg    *Aggregator
	rotator      *lumberjack.Logger
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Init configures the process-wide logger. Calling Init again replaces the
// previous configuration; call Shutdown first to flush the old one.
func Init(cfg Config) error {
	globalMu.Lock()
	defer globalMu.Unlock()

	if cfg.MaxSizeMB <= 0 {
		cfg.MaxSizeMB = 10
	}
	if cfg.MaxBackups <= 0 {
		cfg.MaxBackups = 3
	}
	if cfg.MaxAgeDays <= 0 {
		cfg.MaxAgeDays = 7
	}
	if cfg.RingBufferSize <= 0 {
		cfg.RingBufferSize = 4 * 1024 * 1024
	}
	if cfg.AggregateIntervalSecs <= 0 {
		cfg.AggregateIntervalSecs = 30
	}

	if cfg.LogDir == "" && !cfg.Debug && !cfg.Stderr {
		globalLogger = discardLogger()
		globalRing = NewRingBuffer(1024)
		globalAgg = NewAggregator(nil, cfg.AggregateIntervalSecs)
		return nil
	}

	var writers []io.Writer
	if cfg.LogDir != "" {
		if err := os.MkdirAll(cfg.LogDir, 0o700); err != nil {
			globalLogger = discardLogger()
			return fmt.Errorf("logging: create log dir: %w", err)
		}
		rotator = &lumberjack.Logger{
			Filename:   filepath.Join(cfg.LogDir, LogFileName),
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   cfg.Compress,
		}
		writers = append(writers, rotator)
	}
	if cfg.Stderr {
		writers = append(writers, os.Stderr)
	}

	globalRing = NewRingBuffer(cfg.RingBufferSize)
	writers = append(writers, globalRing)
	out := io.MultiWriter(writers...)

	opts := &slog.HandlerOptions{Level: parseLevel(cfg.Level)}
	var handler slog.Handler
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(out, opts)
	} else {
		handler = slog.NewJSONHandler(out, opts)
	}
	globalLogger = slog.New(handler)

	globalAgg = NewAggregator(globalLogger, cfg.AggregateIntervalSecs)
	globalAgg.Start()

	if cfg.PprofAddr != "" {
		startPprof(globalLogger, cfg.PprofAddr)
	}
	return nil
}

// Logger returns the process logger. Before Init it discards everything.
func Logger() *slog.Logger {
	globalMu.RLock()
	defer globalMu.RUnlock()
	if globalLogger == nil {
		return discardLogger()
	}
	return globalLogger
}

// ForComponent returns a logger tagged with component. It resolves the real
// handler at log time, so package-level vars created before Init still work.
func ForComponent(name string) *slog.Logger {
	return slog.New(&componentHandler{component: name})
}

type componentHandler struct {
	component string
	attrs     []slog.Attr
	group     string
}

func (h *componentHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return Logger().Handler().Enabled(ctx, level)
}

func (h *componentHandler) Handle(ctx context.Context, r slog.Record) error {
	handler := Logger().Handler().WithAttrs([]slog.Attr{slog.String("component", h.component)})
	if len(h.attrs) > 0 {
		handler = handler.WithAttrs(h.attrs)
	}
	if h.group != "" {
		handler = handler.WithGroup(h.group)
	}
	return handler.Handle(ctx, r)
}

func (h *componentHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	merged = append(merged, h.attrs...)
	merged = append(merged, attrs...)
	return &componentHandler{component: h.component, attrs: merged, group: h.group}
}

func (h *componentHandler) WithGroup(name string) slog.Handler {
	return &componentHandler{component: h.component, attrs: h.attrs, group: name}
}

// Aggregate counts a high-frequency event; the total is logged periodically
// as a single event_summary record instead of one line per occurrence.
func Aggregate(component, key string, fields ...slog.Attr) {
	globalMu.RLock()
	agg := globalAgg
	globalMu.RUnlock()
	if agg != nil {
		agg.Record(component, key, fields...)
	}
}

// DumpRingBuffer writes the recent in-memory log tail to path.
func DumpRingBuffer(path string) error {
	globalMu.RLock()
	ring := globalRing
	globalMu.RUnlock()
	if ring == nil {
		return nil
	}
	return ring.DumpToFile(path)
}

// Shutdown flushes pending summaries and closes the rotated file.
func Shutdown() {
	globalMu.Lock()
	defer globalMu.Unlock()

	if globalAgg != nil {
		globalAgg.Stop()
		globalAgg = nil
	}
	if rotator != nil {
		_ = rotator.Close()
		rotator = nil
	}
	globalLogger = nil
	globalRing = nil
}

func startPprof(logger *slog.Logger, addr string) {
	go func() {
		logger.Info("pprof_listen", slog.String("addr", addr))
		if err := http.ListenAndServe(addr, nil); err != nil {
			logger.Error("pprof_failed", slog.String("error", err.Error()))
		}
	}()
}
