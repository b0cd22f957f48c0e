// Package tracker owns the in-memory session table: it turns hook events
// into phase transitions, reaps dead sessions and fans out change
// notifications.
package tracker

import (
	"strings"
	"time"

	"github.com/asheshgoplani/agent-watch/internal/tmux"
)

// Phase is the canonical lifecycle state of a session.
type Phase string

const (
	PhaseIdle               Phase = "idle"
	PhaseProcessing         Phase = "processing"
	PhaseWaitingForApproval Phase = "waitingForApproval"
	PhaseWaitingForInput    Phase = "waitingForInput"
	PhaseCompacting         Phase = "compacting"
	PhaseEnded              Phase = "ended"
)

// PhaseFromStatus maps a normalized hook status to a phase. Unknown
// statuses are idle.
func PhaseFromStatus(status string) Phase {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "processing", "running", "running_tool", "working", "thinking":
		return PhaseProcessing
	case "waiting_for_approval", "permission":
		return PhaseWaitingForApproval
	case "waiting_for_input", "waiting":
		return PhaseWaitingForInput
	case "compacting":
		return PhaseCompacting
	case "ended", "dead", "stopped":
		return PhaseEnded
	default:
		return PhaseIdle
	}
}

// Agent kinds with dedicated handling. Other names are accepted and treated
// like AgentClaude.
const (
	AgentClaude = "claude"
	AgentGemini = "gemini"
	AgentCursor = "cursor"
	AgentCodex  = "codex"
)

// QuestionTool is the tool name agents use to ask the user a question.
const QuestionTool = "AskUserQuestion"

// Permission describes a pending tool approval.
type Permission struct {
	ToolName    string         `json:"toolName"`
	ToolInput   map[string]any `json:"toolInput,omitempty"`
	ToolUseID   string         `json:"toolUseId,omitempty"`
	RequestedAt time.Time      `json:"requestedAt"`
}

// QuestionContext is the question an agent is waiting on.
type QuestionContext struct {
	Question string   `json:"question"`
	Header   string   `json:"header,omitempty"`
	Options  []string `json:"options,omitempty"`
}

// Session is one tracked agent invocation. Values handed out by the Store
// are copies; only the Store mutates its own records.
type Session struct {
	ID          string `json:"id"`
	Agent       string `json:"agent"`
	PID         int    `json:"pid,omitempty"`
	TTY         string `json:"tty,omitempty"`
	Cwd         string `json:"cwd"`
	ProjectRoot string `json:"projectRoot,omitempty"`
	ProjectName string `json:"projectName,omitempty"`
	GitBranch   string `json:"gitBranch,omitempty"`

	Phase               Phase            `json:"phase"`
	ActivePermission    *Permission      `json:"activePermission,omitempty"`
	QuestionContext     *QuestionContext `json:"questionContext,omitempty"`
	CompactingStartedAt *time.Time       `json:"compactingStartedAt,omitempty"`
	TmuxTarget          *tmux.Target     `json:"tmuxTarget,omitempty"`
	InTmux              bool             `json:"inTmux"`

	StartedAt    time.Time  `json:"startedAt"`
	LastActivity time.Time  `json:"lastActivity"`
	EndedAt      *time.Time `json:"endedAt,omitempty"`

	LastMessage     string `json:"lastMessage,omitempty"`
	LastMessageRole string `json:"lastMessageRole,omitempty"`
	LastToolName    string `json:"lastToolName,omitempty"`
	FirstPrompt     string `json:"firstPrompt,omitempty"`
	Title           string `json:"title"`

	// removed is set once the remove notification went out.
	removed bool
}

// Clone returns a deep copy safe to hand to another goroutine.
func (s *Session) Clone() Session {
	c := *s
	if s.ActivePermission != nil {
		p := *s.ActivePermission
		p.ToolInput = cloneMap(p.ToolInput)
		c.ActivePermission = &p
	}
	if s.QuestionContext != nil {
		q := *s.QuestionContext
		q.Options = append([]string(nil), q.Options...)
		c.QuestionContext = &q
	}
	if s.CompactingStartedAt != nil {
		t := *s.CompactingStartedAt
		c.CompactingStartedAt = &t
	}
	if s.TmuxTarget != nil {
		t := *s.TmuxTarget
		c.TmuxTarget = &t
	}
	if s.EndedAt != nil {
		t := *s.EndedAt
		c.EndedAt = &t
	}
	return c
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// HookEvent is a normalized lifecycle event from an agent hook.
type HookEvent struct {
	SessionID string         `json:"sessionId"`
	Cwd       string         `json:"cwd"`
	Event     string         `json:"event"`
	Status    string         `json:"status"`
	Agent     string         `json:"agent"`
	PID       int            `json:"pid,omitempty"`
	TTY       string         `json:"tty,omitempty"`
	Tool      string         `json:"tool,omitempty"`
	ToolInput map[string]any `json:"toolInput,omitempty"`
	ToolUseID string         `json:"toolUseId,omitempty"`
	Message   string         `json:"message,omitempty"`
}

// EventType classifies a SessionEvent.
type EventType string

const (
	EventAdd                EventType = "add"
	EventUpdate             EventType = "update"
	EventRemove             EventType = "remove"
	EventPhaseChange        EventType = "phaseChange"
	EventPermissionRequest  EventType = "permissionRequest"
	EventPermissionResolved EventType = "permissionResolved"
)

// Critical reports whether events of this type bypass batching.
func (t EventType) Critical() bool {
	return t == EventPermissionRequest || t == EventPermissionResolved
}

// SessionEvent is a change notification delivered to subscribers.
type SessionEvent struct {
	Type          EventType   `json:"type"`
	Session       Session     `json:"session"`
	PreviousPhase Phase       `json:"previousPhase,omitempty"`
	Permission    *Permission `json:"permission,omitempty"`
	At            time.Time   `json:"at"`
}
