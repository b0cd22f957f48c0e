package main

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/asheshgoplani/agent-watch/internal/archive"
	"github.com/asheshgoplani/agent-watch/internal/tracker"
)

func TestRenderListOrdersByUrgency(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	sessions := []tracker.Session{
		{ID: "idle1", Agent: "claude", Title: "idle one", Phase: tracker.PhaseIdle, LastActivity: now.Add(-time.Hour)},
		{ID: "work1", Agent: "gemini", Title: "working one", Phase: tracker.PhaseProcessing, LastActivity: now.Add(-time.Minute), InTmux: true},
		{ID: "appr1", Agent: "claude", Title: "needs approval", Phase: tracker.PhaseWaitingForApproval, LastActivity: now.Add(-2 * time.Minute),
			ActivePermission: &tracker.Permission{ToolName: "Bash"}},
	}

	var buf bytes.Buffer
	renderList(&buf, sessions, now)
	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	require.Len(t, lines, 5)

	assert.Contains(t, lines[0], "PHASE")
	assert.Contains(t, lines[1], "needs approval")
	assert.Contains(t, lines[1], "approval")
	assert.Contains(t, lines[2], "needs approval: Bash")
	assert.Contains(t, lines[3], "working one")
	assert.Contains(t, lines[3], "tmux")
	assert.Contains(t, lines[3], "1 minute ago")
	assert.Contains(t, lines[4], "idle one")

	// Input order is left alone.
	assert.Equal(t, "idle1", sessions[0].ID)
}

func TestRenderListEmpty(t *testing.T) {
	var buf bytes.Buffer
	renderList(&buf, nil, time.Now())
	assert.Contains(t, buf.String(), "No active sessions")
}

func TestCellTruncatesWideText(t *testing.T) {
	got := cell("日本語のタイトルです", 8)
	assert.Equal(t, "日本語…", strings.TrimRight(got, " "))
	assert.Equal(t, "a b  ", cell("a\nb", 5))
	assert.Len(t, cell("abc", 6), 6)
}

func TestRenderArchive(t *testing.T) {
	start := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	entries := []archive.Entry{
		{ID: "old1", Agent: "codex", Title: "migrate db", StartedAt: start, EndedAt: start.Add(90 * time.Second)},
		{ID: "untitled", Agent: "claude", StartedAt: start, EndedAt: start.Add(time.Hour)},
	}
	var buf bytes.Buffer
	renderArchive(&buf, entries)
	out := buf.String()
	assert.Contains(t, out, "migrate db")
	assert.Contains(t, out, "1m30s")
	assert.Contains(t, out, "untitled")
	assert.Contains(t, out, "1h0m0s")
}

func TestVersionCommand(t *testing.T) {
	cmd := newRootCmd()
	var buf bytes.Buffer
	cmd.SetOut(&buf)
	cmd.SetArgs([]string{"version"})
	require.NoError(t, cmd.Execute())
	assert.Contains(t, buf.String(), "agent-watch "+Version)
}
