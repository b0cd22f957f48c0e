package tracker

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/mattn/go-runewidth"
)

const (
	maxMessageWidth = 120
	maxTitleWidth   = 60
)

// toolDetailKeys lists, per tool, the input fields worth showing.
var toolDetailKeys = map[string][]string{
	"Bash":         {"command"},
	"Read":         {"file_path", "path"},
	"Write":        {"file_path", "path"},
	"Edit":         {"file_path", "path"},
	"MultiEdit":    {"file_path", "path"},
	"NotebookEdit": {"notebook_path", "file_path"},
	"Grep":         {"pattern"},
	"Glob":         {"pattern"},
	"WebFetch":     {"url"},
	"WebSearch":    {"query"},
	"Task":         {"description", "prompt"},
	"TodoWrite":    {},
}

// pathTools show the base name rather than the full path.
var pathTools = map[string]bool{
	"Read": true, "Write": true, "Edit": true, "MultiEdit": true, "NotebookEdit": true,
}

// formatToolMessage renders "[Tool] detail" for the session list.
func formatToolMessage(tool string, input map[string]any) string {
	detail := toolDetail(tool, input)
	if detail == "" {
		return truncate("["+tool+"]", maxMessageWidth)
	}
	return truncate("["+tool+"] "+detail, maxMessageWidth)
}

func toolDetail(tool string, input map[string]any) string {
	if len(input) == 0 {
		return ""
	}
	if tool == QuestionTool {
		if q := questionFromInput(input); q != nil {
			return q.Question
		}
		return ""
	}
	if keys, ok := toolDetailKeys[tool]; ok {
		for _, k := range keys {
			if v, ok := input[k].(string); ok && v != "" {
				if pathTools[tool] {
					return filepath.Base(v)
				}
				return v
			}
		}
		return ""
	}
	// Unknown tool: first non-empty string field, in key order for stability.
	keys := make([]string, 0, len(input))
	for k := range input {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if v, ok := input[k].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

// questionFromInput reads the first question of an AskUserQuestion input:
// {"questions":[{"question":..., "header":..., "options":[{"label":...}]}]}.
// A flat {"question": ...} shape is accepted too.
func questionFromInput(input map[string]any) *QuestionContext {
	q := input
	if list, ok := input["questions"].([]any); ok && len(list) > 0 {
		first, ok := list[0].(map[string]any)
		if !ok {
			return nil
		}
		q = first
	}
	text, _ := q["question"].(string)
	if text == "" {
		return nil
	}
	qc := &QuestionContext{Question: text}
	qc.Header, _ = q["header"].(string)
	if opts, ok := q["options"].([]any); ok {
		for _, o := range opts {
			switch v := o.(type) {
			case string:
				qc.Options = append(qc.Options, v)
			case map[string]any:
				if label, ok := v["label"].(string); ok {
					qc.Options = append(qc.Options, label)
				}
			}
		}
	}
	return qc
}

// oneLine collapses whitespace runs (including newlines) to single spaces.
func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func truncate(s string, width int) string {
	s = oneLine(s)
	if runewidth.StringWidth(s) <= width {
		return s
	}
	return runewidth.Truncate(s, width, "…")
}

// messageRole picks the role label for a free-text hook message.
func messageRole(event string) string {
	switch event {
	case "UserPromptSubmit", "beforeSubmitPrompt", "BeforeAgent":
		return "user"
	case "Notification":
		return "system"
	default:
		return "assistant"
	}
}

// isPromptEvent reports whether event carries the user's prompt.
func isPromptEvent(event string) bool {
	return messageRole(event) == "user"
}

func computeTitle(s *Session) string {
	switch {
	case s.FirstPrompt != "":
		return truncate(s.FirstPrompt, maxTitleWidth)
	case s.ProjectName != "":
		return s.ProjectName
	default:
		return fmt.Sprintf("%s %s", s.Agent, shortID(s.ID))
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
