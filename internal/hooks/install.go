package hooks

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/asheshgoplani/agent-watch/internal/tracker"
)

// HookCommand marks the entries agent-watch owns in settings.json.
const HookCommand = "agent-watch hook"

type hookEntry struct {
	Type    string `json:"type"`
	Command string `json:"command"`
	Async   bool   `json:"async,omitempty"`
}

type hookMatcher struct {
	Matcher string      `json:"matcher,omitempty"`
	Hooks   []hookEntry `json:"hooks"`
}

// claudeEvents are the Claude events that carry lifecycle information.
var claudeEvents = []struct {
	Event   string
	Matcher string
}{
	{Event: "SessionStart"},
	{Event: "UserPromptSubmit"},
	{Event: "PreToolUse"},
	{Event: "PostToolUse"},
	{Event: "PermissionRequest"},
	{Event: "Notification", Matcher: "permission_prompt|idle_prompt|elicitation_dialog"},
	{Event: "Stop"},
	{Event: "SubagentStop"},
	{Event: "PreCompact"},
	{Event: "SessionEnd"},
}

func ownEntry(agent string) hookEntry {
	return hookEntry{Type: "command", Command: HookCommand + " --agent " + agent, Async: true}
}

func isOwn(h hookEntry) bool {
	return strings.HasPrefix(h.Command, HookCommand)
}

// ClaudeConfigDir returns $CLAUDE_CONFIG_DIR or ~/.claude.
func ClaudeConfigDir() (string, error) {
	if dir := os.Getenv("CLAUDE_CONFIG_DIR"); dir != "" {
		return dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".claude"), nil
}

// InstallClaude adds agent-watch hooks to configDir/settings.json, keeping
// every other setting and user hook. It reports false when everything was
// already in place.
func InstallClaude(configDir string) (bool, error) {
	settings, hooks, err := readSettings(configDir)
	if err != nil {
		return false, err
	}
	if allInstalled(hooks) {
		return false, nil
	}
	for _, c := range claudeEvents {
		hooks[c.Event] = mergeEvent(hooks[c.Event], c.Matcher, tracker.AgentClaude)
	}
	if err := writeSettings(configDir, settings, hooks); err != nil {
		return false, err
	}
	hookLog.Info("claude_hooks_installed", slog.String("config_dir", configDir))
	return true, nil
}

// UninstallClaude strips agent-watch entries and reports whether any existed.
func UninstallClaude(configDir string) (bool, error) {
	if _, err := os.Stat(filepath.Join(configDir, "settings.json")); os.IsNotExist(err) {
		return false, nil
	}
	settings, hooks, err := readSettings(configDir)
	if err != nil {
		return false, err
	}

	removed := false
	for _, c := range claudeEvents {
		raw, ok := hooks[c.Event]
		if !ok {
			continue
		}
		cleaned, did := stripEvent(raw)
		if !did {
			continue
		}
		removed = true
		if cleaned == nil {
			delete(hooks, c.Event)
		} else {
			hooks[c.Event] = cleaned
		}
	}
	if !removed {
		return false, nil
	}
	if err := writeSettings(configDir, settings, hooks); err != nil {
		return false, err
	}
	hookLog.Info("claude_hooks_removed", slog.String("config_dir", configDir))
	return true, nil
}

// ClaudeInstalled reports whether every lifecycle event has our hook.
func ClaudeInstalled(configDir string) bool {
	_, hooks, err := readSettings(configDir)
	if err != nil {
		return false
	}
	return allInstalled(hooks)
}

func readSettings(configDir string) (map[string]json.RawMessage, map[string]json.RawMessage, error) {
	settings := make(map[string]json.RawMessage)
	data, err := os.ReadFile(filepath.Join(configDir, "settings.json"))
	switch {
	case os.IsNotExist(err):
	case err != nil:
		return nil, nil, fmt.Errorf("read settings.json: %w", err)
	default:
		if err := json.Unmarshal(data, &settings); err != nil {
			return nil, nil, fmt.Errorf("parse settings.json: %w", err)
		}
	}

	hooks := make(map[string]json.RawMessage)
	if raw, ok := settings["hooks"]; ok {
		if err := json.Unmarshal(raw, &hooks); err != nil {
			hooks = make(map[string]json.RawMessage)
		}
	}
	return settings, hooks, nil
}

func writeSettings(configDir string, settings, hooks map[string]json.RawMessage) error {
	if len(hooks) == 0 {
		delete(settings, "hooks")
	} else {
		raw, err := json.Marshal(hooks)
		if err != nil {
			return fmt.Errorf("marshal hooks: %w", err)
		}
		settings["hooks"] = raw
	}

	data, err := json.MarshalIndent(settings, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal settings: %w", err)
	}
	if err := os.MkdirAll(configDir, 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	path := filepath.Join(configDir, "settings.json")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write settings.json.tmp: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("rename settings.json: %w", err)
	}
	return nil
}

func allInstalled(hooks map[string]json.RawMessage) bool {
	for _, c := range claudeEvents {
		raw, ok := hooks[c.Event]
		if !ok || !eventHasOwn(raw) {
			return false
		}
	}
	return true
}

func eventHasOwn(raw json.RawMessage) bool {
	var matchers []hookMatcher
	if json.Unmarshal(raw, &matchers) != nil {
		return false
	}
	for _, m := range matchers {
		for _, h := range m.Hooks {
			if isOwn(h) {
				return true
			}
		}
	}
	return false
}

func mergeEvent(existing json.RawMessage, matcher, agent string) json.RawMessage {
	var matchers []hookMatcher
	if existing != nil && json.Unmarshal(existing, &matchers) != nil {
		matchers = nil
	}

	for i, m := range matchers {
		if m.Matcher != matcher {
			continue
		}
		for _, h := range m.Hooks {
			if isOwn(h) {
				out, _ := json.Marshal(matchers)
				return out
			}
		}
		matchers[i].Hooks = append(matchers[i].Hooks, ownEntry(agent))
		out, _ := json.Marshal(matchers)
		return out
	}

	matchers = append(matchers, hookMatcher{Matcher: matcher, Hooks: []hookEntry{ownEntry(agent)}})
	out, _ := json.Marshal(matchers)
	return out
}

// stripEvent drops our entries; a nil result means nothing is left.
func stripEvent(raw json.RawMessage) (json.RawMessage, bool) {
	var matchers []hookMatcher
	if json.Unmarshal(raw, &matchers) != nil {
		return raw, false
	}

	removed := false
	var kept []hookMatcher
	for _, m := range matchers {
		var hs []hookEntry
		for _, h := range m.Hooks {
			if isOwn(h) {
				removed = true
				continue
			}
			hs = append(hs, h)
		}
		if len(hs) > 0 {
			m.Hooks = hs
			kept = append(kept, m)
		}
	}
	if !removed {
		return raw, false
	}
	if len(kept) == 0 {
		return nil, true
	}
	out, _ := json.Marshal(kept)
	return out, true
}
