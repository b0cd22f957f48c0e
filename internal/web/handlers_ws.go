package web

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/asheshgoplani/agent-watch/internal/tracker"
)

var (
	wsPingInterval = 30 * time.Second
	wsWriteTimeout = 10 * time.Second
	// wsMaxPending bounds the per-connection backlog; beyond it the client
	// gets a fresh snapshot instead.
	wsMaxPending = 1024
)

type wsClientMessage struct {
	Type string `json:"type"`
}

type wsServerMessage struct {
	Type     string                `json:"type"` // snapshot, event, status, error
	Event    *tracker.SessionEvent `json:"event,omitempty"`
	Sessions []tracker.Session     `json:"sessions,omitempty"`
	Status   string                `json:"status,omitempty"`
	Code     string                `json:"code,omitempty"`
	Message  string                `json:"message,omitempty"`
	Time     time.Time             `json:"time"`
}

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 8192,
	CheckOrigin:     allowWSOrigin,
}

// allowWSOrigin applies the same-origin rule to websocket upgrades, which
// arrive as GET and so skip the guard's origin check.
func allowWSOrigin(r *http.Request) bool { return sameOrigin(r) }

type wsConnWriter struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func newWSConnWriter(conn *websocket.Conn) *wsConnWriter {
	return &wsConnWriter{conn: conn}
}

func (w *wsConnWriter) WriteJSON(v any) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	_ = w.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return w.conn.WriteJSON(v)
}

func (w *wsConnWriter) Ping() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout))
}

// handleEventsWS streams session events. The first message is a snapshot of
// every session; events follow, rate limited per connection with same
// session updates coalesced while the limiter holds them back.
func (s *Server) handleEventsWS(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}

	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	writer := newWSConnWriter(conn)

	// Subscribe before the snapshot so nothing falls in between.
	sub := s.store.Subscribe("ws:"+r.RemoteAddr, 0)
	defer sub.Close()

	if err := writer.WriteJSON(s.snapshotMessage()); err != nil {
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go readWSLoop(conn, writer, cancel)

	limiter := rate.NewLimiter(rate.Limit(s.cfg.EventsPerSecond), s.cfg.EventsPerSecond)
	retryAfter := time.Second / time.Duration(s.cfg.EventsPerSecond)
	retry := time.NewTimer(retryAfter)
	retry.Stop()
	defer retry.Stop()
	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()

	var (
		pending     []tracker.SessionEvent
		lastDropped int64
	)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.C:
			if !ok {
				_ = writer.WriteJSON(wsServerMessage{Type: "status", Status: "closing", Time: time.Now().UTC()})
				return
			}
			pending = coalesce(pending, ev)
		case <-retry.C:
		case <-ping.C:
			if err := writer.Ping(); err != nil {
				return
			}
			continue
		}

		if d := sub.Dropped(); d > lastDropped || len(pending) > wsMaxPending {
			lastDropped = d
			pending = pending[:0]
			webLog.Debug("ws_resync", slog.String("remote", r.RemoteAddr))
			if err := writer.WriteJSON(s.snapshotMessage()); err != nil {
				return
			}
			continue
		}

		for len(pending) > 0 && limiter.Allow() {
			ev := pending[0]
			pending = pending[1:]
			if err := writer.WriteJSON(wsServerMessage{Type: "event", Event: &ev, Time: time.Now().UTC()}); err != nil {
				return
			}
		}
		if len(pending) > 0 {
			retry.Reset(retryAfter)
		}
	}
}

func (s *Server) snapshotMessage() wsServerMessage {
	sessions := s.store.List()
	if sessions == nil {
		sessions = []tracker.Session{}
	}
	return wsServerMessage{Type: "snapshot", Sessions: sessions, Time: time.Now().UTC()}
}

// coalesce appends ev, replacing a queued update for the same session.
func coalesce(pending []tracker.SessionEvent, ev tracker.SessionEvent) []tracker.SessionEvent {
	if ev.Type == tracker.EventUpdate {
		for i, p := range pending {
			if p.Type == tracker.EventUpdate && p.Session.ID == ev.Session.ID {
				pending = append(pending[:i], pending[i+1:]...)
				break
			}
		}
	}
	return append(pending, ev)
}

func readWSLoop(conn *websocket.Conn, writer *wsConnWriter, cancel context.CancelFunc) {
	defer cancel()
	conn.SetReadLimit(4096)
	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway,
				websocket.CloseNoStatusReceived,
			) {
				webLog.Warn("websocket_closed_unexpectedly", slog.String("error", err.Error()))
			}
			return
		}

		var msg wsClientMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			_ = writer.WriteJSON(wsServerMessage{Type: "error", Code: "INVALID_MESSAGE", Message: "invalid json payload", Time: time.Now().UTC()})
			continue
		}
		switch msg.Type {
		case "ping":
			_ = writer.WriteJSON(wsServerMessage{Type: "status", Status: "pong", Time: time.Now().UTC()})
		default:
			_ = writer.WriteJSON(wsServerMessage{Type: "error", Code: "UNSUPPORTED_MESSAGE", Message: "supported message types: ping", Time: time.Now().UTC()})
		}
	}
}
