package hooks

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/asheshgoplani/agent-watch/internal/logging"
	"github.com/asheshgoplani/agent-watch/internal/platform"
	"github.com/asheshgoplani/agent-watch/internal/tracker"
)

var hookLog = logging.ForComponent(logging.CompHooks)

// Sink receives ingested events, normally *tracker.Store.
type Sink interface {
	ProcessHookEvent(ev tracker.HookEvent)
}

// WatcherOptions tune a Watcher. Zero values take defaults.
type WatcherOptions struct {
	Debounce     time.Duration // default 50ms
	PollInterval time.Duration // default 500ms, used when fsnotify is unusable
	MaxBacklog   time.Duration // backlog older than this is discarded on start (default 1h)
	ForcePoll    bool
}

// Watcher feeds spooled events into a Sink in write order and deletes each
// file once ingested.
type Watcher struct {
	spool *Spool
	sink  Sink
	opts  WatcherOptions
	now    func() time.Time
	remove func(string) error

	// drainMu serializes drains so events keep their order. It also
	// guards delivered.
	drainMu sync.Mutex
	// delivered holds ingested files that could not be deleted, so later
	// drains do not replay them.
	delivered map[string]struct{}
}

// NewWatcher builds a watcher over spool.
func NewWatcher(spool *Spool, sink Sink, opts WatcherOptions) *Watcher {
	if opts.Debounce <= 0 {
		opts.Debounce = 50 * time.Millisecond
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 500 * time.Millisecond
	}
	if opts.MaxBacklog <= 0 {
		opts.MaxBacklog = time.Hour
	}
	return &Watcher{
		spool:     spool,
		sink:      sink,
		opts:      opts,
		now:       time.Now,
		remove:    os.Remove,
		delivered: make(map[string]struct{}),
	}
}

// Run ingests the backlog and then watches until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	if err := os.MkdirAll(w.spool.Dir, 0o700); err != nil {
		return err
	}

	w.discardStale()
	w.Drain()

	if w.opts.ForcePoll {
		return w.poll(ctx)
	}
	if warning := platform.CheckFsnotifySupport(w.spool.Dir); warning != "" {
		hookLog.Warn("spool_watch_degraded", slog.String("dir", w.spool.Dir), slog.String("reason", warning))
		return w.poll(ctx)
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		hookLog.Warn("spool_watcher_create_failed", slog.String("error", err.Error()))
		return w.poll(ctx)
	}
	defer fw.Close()
	if err := fw.Add(w.spool.Dir); err != nil {
		hookLog.Warn("spool_watcher_add_failed", slog.String("dir", w.spool.Dir), slog.String("error", err.Error()))
		return w.poll(ctx)
	}
	// Files that landed between the first drain and Add.
	w.Drain()

	var (
		pendingMu     sync.Mutex
		debounceTimer *time.Timer
	)
	defer func() {
		pendingMu.Lock()
		if debounceTimer != nil {
			debounceTimer.Stop()
		}
		pendingMu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if !isSpoolFile(filepath.Base(event.Name)) {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}

			pendingMu.Lock()
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			debounceTimer = time.AfterFunc(w.opts.Debounce, func() {
				if ctx.Err() == nil {
					w.Drain()
				}
			})
			pendingMu.Unlock()

		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			hookLog.Warn("spool_watcher_error", slog.String("error", err.Error()))
		}
	}
}

func (w *Watcher) poll(ctx context.Context) error {
	hookLog.Info("spool_polling", slog.Duration("interval", w.opts.PollInterval))
	ticker := time.NewTicker(w.opts.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			w.Drain()
		}
	}
}

// Drain ingests every pending file in name order and returns how many
// events reached the sink.
func (w *Watcher) Drain() int {
	w.drainMu.Lock()
	defer w.drainMu.Unlock()

	paths, err := w.spool.Pending()
	if err != nil {
		hookLog.Warn("spool_list_failed", slog.String("error", err.Error()))
		return 0
	}

	// Forget files that have since gone away.
	if len(w.delivered) > 0 {
		present := make(map[string]struct{}, len(paths))
		for _, path := range paths {
			present[path] = struct{}{}
		}
		for path := range w.delivered {
			if _, ok := present[path]; !ok {
				delete(w.delivered, path)
			}
		}
	}

	n := 0
	for _, path := range paths {
		if _, done := w.delivered[path]; done {
			continue
		}
		ev, err := w.spool.Read(path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			hookLog.Warn("spool_file_invalid", slog.String("file", filepath.Base(path)), slog.String("error", err.Error()))
			_ = w.remove(path)
			continue
		}
		w.sink.ProcessHookEvent(ev)
		n++
		if err := w.remove(path); err != nil && !os.IsNotExist(err) {
			w.delivered[path] = struct{}{}
			hookLog.Warn("spool_remove_failed", slog.String("file", filepath.Base(path)), slog.String("error", err.Error()))
		}
	}
	if n > 0 {
		hookLog.Debug("spool_drained", slog.Int("events", n))
	}
	return n
}

// discardStale drops backlog written long before startup; replaying it
// would resurrect sessions that are long gone.
func (w *Watcher) discardStale() {
	paths, err := w.spool.Pending()
	if err != nil {
		return
	}
	cutoff := w.now().Add(-w.opts.MaxBacklog)
	dropped := 0
	for _, path := range paths {
		at, ok := writtenAt(path)
		if ok && at.Before(cutoff) {
			if os.Remove(path) == nil {
				dropped++
			}
		}
	}
	if dropped > 0 {
		hookLog.Info("spool_backlog_discarded", slog.Int("files", dropped), slog.Duration("older_than", w.opts.MaxBacklog))
	}
}
