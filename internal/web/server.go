// Package web serves the local HTTP and websocket API over the session
// tracker.
package web

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net"
	"net/http"
	"syscall"
	"time"

	"github.com/asheshgoplani/agent-watch/internal/archive"
	"github.com/asheshgoplani/agent-watch/internal/logging"
	"github.com/asheshgoplani/agent-watch/internal/tracker"
)

var webLog = logging.ForComponent(logging.CompWeb)

// Config defines runtime options for the web server.
type Config struct {
	ListenAddr      string
	Token           string
	EventsPerSecond int
	Version         string
}

// Store is the tracker surface the API exposes; *tracker.Store implements it.
type Store interface {
	List() []tracker.Session
	Get(id string) (tracker.Session, bool)
	ProcessHookEvent(ev tracker.HookEvent)
	Subscribe(name string, buffer int) *tracker.Subscription

	ClearPermission(id, toolUseID string) bool
	Terminate(ctx context.Context, id string, sig syscall.Signal) bool
	Focus(ctx context.Context, id string) bool
	Interrupt(ctx context.Context, id string) bool
	SendText(ctx context.Context, id, text string) bool
	Remove(id string) bool
}

// Archive is the read side of the session archive.
type Archive interface {
	Recent(limit int) ([]archive.Entry, error)
}

// Server wraps the HTTP server.
type Server struct {
	cfg        Config
	store      Store
	archive    Archive
	httpServer *http.Server
	baseCtx    context.Context
	cancelBase context.CancelFunc
	started    time.Time
	// loopbackOnly enables the Host check; see guard.
	loopbackOnly bool
}

// NewServer wires routes and middleware. arch may be nil when archiving is
// disabled.
func NewServer(cfg Config, store Store, arch Archive) *Server {
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = "127.0.0.1:8421"
	}
	if cfg.EventsPerSecond <= 0 {
		cfg.EventsPerSecond = 50
	}

	s := &Server{cfg: cfg, store: store, archive: arch, started: time.Now()}
	s.loopbackOnly = listensOnLoopback(cfg.ListenAddr)
	if !s.loopbackOnly && cfg.Token == "" {
		webLog.Warn("web_exposed_without_token", slog.String("addr", cfg.ListenAddr))
	}
	s.baseCtx, s.cancelBase = context.WithCancel(context.Background())

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.Handle("/api/sessions", s.requireToken(http.HandlerFunc(s.handleSessions)))
	mux.Handle("/api/sessions/", s.requireToken(http.HandlerFunc(s.handleSessionRoute)))
	mux.Handle("/api/hooks", s.requireToken(http.HandlerFunc(s.handleHooks)))
	mux.Handle("/api/archive", s.requireToken(http.HandlerFunc(s.handleArchive)))
	mux.Handle("/ws/events", s.requireToken(http.HandlerFunc(s.handleEventsWS)))

	bridge := logging.NewBridgeWriter(logging.CompWeb).WithLevel(slog.LevelWarn)
	s.httpServer = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           withRecover(s.guard(mux)),
		BaseContext:       func(_ net.Listener) context.Context { return s.baseCtx },
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
		ErrorLog:          log.New(bridge, "", 0),
	}
	return s
}

// Addr returns the configured listen address.
func (s *Server) Addr() string {
	return s.httpServer.Addr
}

// Handler returns the configured HTTP handler (used by tests).
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Listen binds the configured address. Serve the result with Serve.
func (s *Server) Listen() (net.Listener, error) {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return nil, fmt.Errorf("web: listen %s: %w", s.cfg.ListenAddr, err)
	}
	return ln, nil
}

// Serve blocks until shutdown. Returns nil on graceful shutdown.
func (s *Server) Serve(ln net.Listener) error {
	webLog.Info("web_listening", slog.String("addr", ln.Addr().String()), slog.Bool("auth", s.cfg.Token != ""))
	err := s.httpServer.Serve(ln)
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("web: serve: %w", err)
	}
	return nil
}

// Start listens and serves in one call.
func (s *Server) Start() error {
	ln, err := s.Listen()
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Shutdown gracefully stops the server, force closing long-lived
// websocket connections if the deadline passes.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.cancelBase != nil {
		s.cancelBase()
	}

	err := s.httpServer.Shutdown(ctx)
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		if closeErr := s.httpServer.Close(); closeErr != nil {
			return fmt.Errorf("web: graceful shutdown timed out and force close failed: %w", closeErr)
		}
		return nil
	}
	return err
}

func withRecover(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				webLog.Error("panic",
					slog.String("recover", fmt.Sprintf("%v", rec)),
					slog.String("path", r.URL.Path))
				writeAPIError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) String() string {
	return fmt.Sprintf("web-server(addr=%s, auth=%t)", s.cfg.ListenAddr, s.cfg.Token != "")
}
