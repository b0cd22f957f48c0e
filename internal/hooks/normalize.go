// Package hooks turns raw agent hook payloads into tracker events and moves
// them from the hook process to the server through a spool directory.
package hooks

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/asheshgoplani/agent-watch/internal/tracker"
)

// ErrIgnored means the payload carries no lifecycle information worth
// recording (e.g. an informational notification).
var ErrIgnored = errors.New("hooks: event ignored")

// Origin describes the process that ran the hook: its parent is the agent.
type Origin struct {
	PID int
	TTY string
	Cwd string
}

// payload is the union of the fields read from every supported agent.
type payload struct {
	HookEventName string         `json:"hook_event_name"`
	SessionID     string         `json:"session_id"`
	Cwd           string         `json:"cwd"`
	ToolName      string         `json:"tool_name"`
	ToolInput     map[string]any `json:"tool_input"`
	ToolUseID     string         `json:"tool_use_id"`
	Prompt        string         `json:"prompt"`
	Message       string         `json:"message"`
	Matcher       string         `json:"matcher"`
	Notification  string         `json:"notification_type"`
	Source        string         `json:"source"`

	// Cursor
	ConversationID string   `json:"conversation_id"`
	WorkspaceRoots []string `json:"workspace_roots"`
	Command        string   `json:"command"`
	FilePath       string   `json:"file_path"`
	Text           string   `json:"text"`
	Status         string   `json:"status"`

	// Codex notify
	Type          string `json:"type"`
	ThreadID      string `json:"thread-id"`
	LastAssistant string `json:"last-assistant-message"`
}

// Normalize decodes raw for agent and maps it onto the tracker vocabulary.
func Normalize(agent string, raw []byte, origin Origin) (tracker.HookEvent, error) {
	var p payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return tracker.HookEvent{}, fmt.Errorf("hooks: decode %s payload: %w", agent, err)
	}

	agent = strings.ToLower(strings.TrimSpace(agent))
	var (
		ev  tracker.HookEvent
		err error
	)
	switch agent {
	case tracker.AgentCursor:
		ev, err = normalizeCursor(p)
	case tracker.AgentGemini:
		ev, err = normalizeGemini(p)
	case tracker.AgentCodex:
		ev, err = normalizeCodex(p)
	default:
		if agent == "" {
			agent = tracker.AgentClaude
		}
		ev, err = normalizeClaude(p)
	}
	if err != nil {
		return tracker.HookEvent{}, err
	}

	ev.Agent = agent
	ev.PID = origin.PID
	ev.TTY = origin.TTY
	if ev.Cwd == "" {
		ev.Cwd = origin.Cwd
	}
	if ev.SessionID == "" {
		return tracker.HookEvent{}, fmt.Errorf("hooks: %s payload without session id", agent)
	}
	return ev, nil
}

func normalizeClaude(p payload) (tracker.HookEvent, error) {
	ev := tracker.HookEvent{
		SessionID: p.SessionID,
		Cwd:       p.Cwd,
		Event:     p.HookEventName,
		Tool:      p.ToolName,
		ToolInput: p.ToolInput,
		ToolUseID: p.ToolUseID,
	}
	switch p.HookEventName {
	case "SessionStart":
		ev.Status = "waiting_for_input"
	case "UserPromptSubmit":
		ev.Status = "processing"
		ev.Message = p.Prompt
	case "PreToolUse":
		ev.Status = "running_tool"
		if p.ToolName == tracker.QuestionTool {
			ev.Status = "waiting_for_input"
		}
	case "PostToolUse", "SubagentStop":
		ev.Status = "processing"
	case "PermissionRequest":
		ev.Status = "waiting_for_approval"
	case "Notification":
		kind := p.Notification
		if kind == "" {
			kind = p.Matcher
		}
		switch kind {
		case "permission_prompt":
			ev.Status = "waiting_for_approval"
		case "idle_prompt", "elicitation_dialog":
			ev.Status = "waiting_for_input"
		default:
			return tracker.HookEvent{}, ErrIgnored
		}
		ev.Message = p.Message
	case "Stop":
		ev.Status = "waiting_for_input"
	case "PreCompact":
		ev.Status = "compacting"
	case "SessionEnd":
		ev.Status = "ended"
	default:
		return tracker.HookEvent{}, ErrIgnored
	}
	return ev, nil
}

func normalizeGemini(p payload) (tracker.HookEvent, error) {
	ev := tracker.HookEvent{
		SessionID: p.SessionID,
		Cwd:       p.Cwd,
		Event:     p.HookEventName,
		Tool:      p.ToolName,
		ToolInput: p.ToolInput,
	}
	switch p.HookEventName {
	case "SessionStart", "AfterAgent":
		ev.Status = "waiting_for_input"
	case "BeforeAgent":
		ev.Status = "processing"
		ev.Message = p.Prompt
	case "BeforeTool", "AfterTool", "BeforeModel":
		ev.Status = "running_tool"
	case "Notification":
		if p.Notification != "ToolPermission" {
			return tracker.HookEvent{}, ErrIgnored
		}
		ev.Status = "waiting_for_approval"
		ev.Message = p.Message
	case "PreCompress":
		ev.Status = "compacting"
	case "SessionEnd":
		ev.Status = "ended"
	default:
		return tracker.HookEvent{}, ErrIgnored
	}
	return ev, nil
}

func normalizeCursor(p payload) (tracker.HookEvent, error) {
	ev := tracker.HookEvent{
		SessionID: p.ConversationID,
		Event:     p.HookEventName,
	}
	if len(p.WorkspaceRoots) > 0 {
		ev.Cwd = p.WorkspaceRoots[0]
	}
	switch p.HookEventName {
	case "beforeSubmitPrompt":
		ev.Status = "processing"
		ev.Message = p.Prompt
	case "beforeShellExecution":
		ev.Status = "running_tool"
		ev.Tool = "Shell"
		ev.ToolInput = map[string]any{"command": p.Command}
	case "beforeMCPExecution":
		ev.Status = "running_tool"
		ev.Tool = p.ToolName
		ev.ToolInput = p.ToolInput
	case "beforeReadFile":
		ev.Status = "running_tool"
		ev.Tool = "Read"
		ev.ToolInput = map[string]any{"file_path": p.FilePath}
	case "afterFileEdit":
		ev.Status = "processing"
		ev.Tool = "Edit"
		ev.ToolInput = map[string]any{"file_path": p.FilePath}
	case "afterAgentResponse":
		ev.Status = "processing"
		ev.Message = p.Text
	case "stop":
		ev.Status = "waiting_for_input"
		if p.Status == "aborted" || p.Status == "error" {
			ev.Status = "idle"
		}
	default:
		return tracker.HookEvent{}, ErrIgnored
	}
	return ev, nil
}

// normalizeCodex handles the notify program payload, which only reports
// finished turns.
func normalizeCodex(p payload) (tracker.HookEvent, error) {
	if p.Type != "agent-turn-complete" {
		return tracker.HookEvent{}, ErrIgnored
	}
	return tracker.HookEvent{
		SessionID: p.ThreadID,
		Cwd:       p.Cwd,
		Event:     p.Type,
		Status:    "waiting_for_input",
		Message:   p.LastAssistant,
	}, nil
}

// CursorResponse is what Cursor expects on stdout from a before* hook so
// the action proceeds. Other events need no output.
func CursorResponse(event string) []byte {
	switch event {
	case "beforeShellExecution", "beforeMCPExecution", "beforeReadFile":
		return []byte(`{"permission":"allow"}`)
	case "beforeSubmitPrompt":
		return []byte(`{"continue":true}`)
	default:
		return nil
	}
}
