package logging

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
)

// BridgeWriter is an io.Writer that turns stdlib log lines into slog records.
// net/http's ErrorLog and any leftover log.Printf calls are routed through it.
// A leading "[name] " prefix becomes the component attribute.
type BridgeWriter struct {
	component string
	level     slog.Level
}

func NewBridgeWriter(defaultComponent string) *BridgeWriter {
	return &BridgeWriter{component: defaultComponent, level: slog.LevelInfo}
}

// WithLevel returns a copy that logs at level (http.Server errors use Warn).
func (bw *BridgeWriter) WithLevel(level slog.Level) *BridgeWriter {
	return &BridgeWriter{component: bw.component, level: level}
}

func (bw *BridgeWriter) Write(p []byte) (int, error) {
	n := len(p)
	msg := string(bytes.TrimSpace(p))
	if msg == "" {
		return n, nil
	}
	msg = stripLogTimestamp(msg)

	component := bw.component
	if strings.HasPrefix(msg, "[") {
		if idx := strings.Index(msg, "] "); idx > 0 {
			component = canonicalComponent(strings.ToLower(msg[1:idx]))
			msg = msg[idx+2:]
		}
	}

	Logger().Log(context.Background(), bw.level, msg, slog.String("component", component))
	return n, nil
}

// stripLogTimestamp drops the "2006/01/02 15:04:05 " prefix added by the
// default log flags, and the bare "15:04:05 " form.
func stripLogTimestamp(s string) string {
	if len(s) > 20 && s[4] == '/' && s[7] == '/' && s[10] == ' ' && s[13] == ':' && s[19] == ' ' {
		return s[20:]
	}
	if len(s) > 9 && s[2] == ':' && s[5] == ':' && s[8] == ' ' {
		return s[9:]
	}
	return s
}

func canonicalComponent(cat string) string {
	switch cat {
	case "http", "http-server", "websocket", "ws":
		return CompWeb
	case "tmux", "mux":
		return CompTmux
	case "ps", "process", "procs":
		return CompProcs
	case "hook", "hooks", "spool":
		return CompHooks
	case "session", "sessions", "tracker":
		return CompTracker
	case "archive", "sqlite":
		return CompArchive
	default:
		return cat
	}
}
