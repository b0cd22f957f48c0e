// Package config loads agent-watch settings from ~/.agent-watch/config.toml.
package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
)

// FileName is the TOML config file inside the data dir.
const FileName = "config.toml"

// HomeEnv overrides the data directory (used by tests and multi-user setups).
const HomeEnv = "AGENTWATCH_HOME"

// Config is the user-facing configuration.
type Config struct {
	Tracker TrackerSettings `toml:"tracker"`
	Tmux    TmuxSettings    `toml:"tmux"`
	Process ProcessSettings `toml:"process"`
	Focus   FocusSettings   `toml:"focus"`
	Web     WebSettings     `toml:"web"`
	Archive ArchiveSettings `toml:"archive"`
	Logs    LogSettings     `toml:"logs"`
}

// TrackerSettings tunes the session state machine.
type TrackerSettings struct {
	// FlushIntervalMs is the batching window for non-critical notifications
	// Default: 50
	FlushIntervalMs int `toml:"flush_interval_ms"`

	// SweepIntervalSecs is how often stale sessions are checked
	// Default: 15
	SweepIntervalSecs int `toml:"sweep_interval_secs"`

	// RemovalDelaySecs is how long an ended session stays visible
	// Default: 5
	RemovalDelaySecs int `toml:"removal_delay_secs"`

	// StaleThresholdSecs is the inactivity after which liveness is probed
	// Default: 120
	StaleThresholdSecs int `toml:"stale_threshold_secs"`

	// CursorStaleThresholdSecs is the longer threshold for IDE sessions
	// Default: 1800
	CursorStaleThresholdSecs int `toml:"cursor_stale_threshold_secs"`

	// CompactingTimeoutSecs resets a stuck compacting phase
	// Default: 600
	CompactingTimeoutSecs int `toml:"compacting_timeout_secs"`

	// EndedRetentionSecs removes ended sessions whose deletion timer was lost
	// Default: 300
	EndedRetentionSecs int `toml:"ended_retention_secs"`

	// SubscriberBuffer is the channel capacity per subscriber
	// Default: 256
	SubscriberBuffer int `toml:"subscriber_buffer"`
}

// TmuxSettings locates the tmux binary.
type TmuxSettings struct {
	// Binary is an explicit path; empty means look up "tmux" on PATH
	Binary string `toml:"binary"`

	// CommandTimeoutMs bounds every tmux invocation
	// Default: 3000
	CommandTimeoutMs int `toml:"command_timeout_ms"`
}

// ProcessSettings configures the process lister.
type ProcessSettings struct {
	// PSBinary defaults to "ps"
	PSBinary string `toml:"ps_binary"`

	// TimeoutMs bounds each snapshot
	// Default: 3000
	TimeoutMs int `toml:"timeout_ms"`
}

// FocusSettings controls host application activation.
type FocusSettings struct {
	// Enabled turns app activation on (default: true)
	Enabled *bool `toml:"enabled"`

	// CursorCLI is the Cursor command used to reopen a working directory
	// Default: "cursor"
	CursorCLI string `toml:"cursor_cli"`
}

// WebSettings configures the local HTTP API.
type WebSettings struct {
	// ListenAddr defaults to 127.0.0.1:8421
	ListenAddr string `toml:"listen_addr"`

	// Token, when set, is required as a bearer token or ?token= query
	Token string `toml:"token"`

	// EventsPerSecond limits websocket sends per connection (default: 50)
	EventsPerSecond int `toml:"events_per_second"`
}

// ArchiveSettings controls the ended-session archive.
type ArchiveSettings struct {
	// Enabled defaults to true
	Enabled *bool `toml:"enabled"`

	// Path defaults to <home>/archive.db
	Path string `toml:"path"`

	// RetentionDays prunes older entries at startup
	// Default: 30
	RetentionDays int `toml:"retention_days"`
}

// LogSettings mirrors logging.Config.
type LogSettings struct {
	Debug         bool   `toml:"debug"`
	Level         string `toml:"level"`
	Format        string `toml:"format"`
	MaxMB         int    `toml:"max_mb"`
	Backups       int    `toml:"backups"`
	RetentionDays int    `toml:"retention_days"`
	Compress      bool   `toml:"compress"`
	RingBufferMB  int    `toml:"ring_buffer_mb"`
	PprofAddr     string `toml:"pprof_addr"`
}

var (
	cacheMu sync.RWMutex
	cached  *Config
)

// HomeDir returns the agent-watch data directory.
func HomeDir() (string, error) {
	if dir := os.Getenv(HomeEnv); dir != "" {
		return dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("config: home dir: %w", err)
	}
	return filepath.Join(home, ".agent-watch"), nil
}

// Path returns the config file path.
func Path() (string, error) {
	dir, err := HomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, FileName), nil
}

// Load reads config.toml once and caches the result. A missing file yields
// defaults. On a parse error the defaults are cached and the error returned
// so the caller can report it.
func Load() (*Config, error) {
	cacheMu.RLock()
	if cached != nil {
		defer cacheMu.RUnlock()
		return cached, nil
	}
	cacheMu.RUnlock()

	cacheMu.Lock()
	defer cacheMu.Unlock()
	if cached != nil {
		return cached, nil
	}

	path, err := Path()
	if err != nil {
		cached = &Config{}
		return cached, nil
	}
	cfg, err := LoadFile(path)
	cached = cfg
	return cfg, err
}

// LoadFile decodes a specific file without touching the cache.
func LoadFile(path string) (*Config, error) {
	var cfg Config
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return &cfg, nil
	}
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return &Config{}, fmt.Errorf("config: parse %s: %w", filepath.Base(path), err)
	}
	return &cfg, nil
}

// Reload drops the cache and reads the file again.
func Reload() (*Config, error) {
	ClearCache()
	return Load()
}

// ClearCache forgets the cached config; the next Load reads from disk.
func ClearCache() {
	cacheMu.Lock()
	cached = nil
	cacheMu.Unlock()
}

// Save writes cfg atomically (tmp file, fsync, rename) and clears the cache.
func Save(cfg *Config) error {
	path, err := Path()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("config: create dir: %w", err)
	}

	var buf bytes.Buffer
	buf.WriteString("# agent-watch configuration\n\n")
	if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
		return fmt.Errorf("config: encode: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), 0o600); err != nil {
		return fmt.Errorf("config: write temp: %w", err)
	}
	if f, err := os.Open(tmp); err == nil {
		_ = f.Sync()
		_ = f.Close()
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("config: rename: %w", err)
	}
	ClearCache()
	return nil
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

func secs(v, def int) time.Duration {
	return time.Duration(orDefault(v, def)) * time.Second
}

func millis(v, def int) time.Duration {
	return time.Duration(orDefault(v, def)) * time.Millisecond
}

func (t TrackerSettings) FlushInterval() time.Duration { return millis(t.FlushIntervalMs, 50) }
func (t TrackerSettings) SweepInterval() time.Duration { return secs(t.SweepIntervalSecs, 15) }
func (t TrackerSettings) RemovalDelay() time.Duration  { return secs(t.RemovalDelaySecs, 5) }
func (t TrackerSettings) StaleThreshold() time.Duration {
	return secs(t.StaleThresholdSecs, 120)
}
func (t TrackerSettings) CursorStaleThreshold() time.Duration {
	return secs(t.CursorStaleThresholdSecs, 1800)
}
func (t TrackerSettings) CompactingTimeout() time.Duration {
	return secs(t.CompactingTimeoutSecs, 600)
}
func (t TrackerSettings) EndedRetention() time.Duration { return secs(t.EndedRetentionSecs, 300) }
func (t TrackerSettings) Buffer() int                   { return orDefault(t.SubscriberBuffer, 256) }

func (t TmuxSettings) Timeout() time.Duration    { return millis(t.CommandTimeoutMs, 3000) }
func (p ProcessSettings) Timeout() time.Duration { return millis(p.TimeoutMs, 3000) }

func (p ProcessSettings) Binary() string {
	if p.PSBinary == "" {
		return "ps"
	}
	return p.PSBinary
}

func (f FocusSettings) IsEnabled() bool {
	return f.Enabled == nil || *f.Enabled
}

func (f FocusSettings) CursorCommand() string {
	if f.CursorCLI == "" {
		return "cursor"
	}
	return f.CursorCLI
}

func (w WebSettings) Addr() string {
	if w.ListenAddr == "" {
		return "127.0.0.1:8421"
	}
	return w.ListenAddr
}

func (w WebSettings) RateLimit() int { return orDefault(w.EventsPerSecond, 50) }

func (a ArchiveSettings) IsEnabled() bool {
	return a.Enabled == nil || *a.Enabled
}

func (a ArchiveSettings) Retention() time.Duration {
	return time.Duration(orDefault(a.RetentionDays, 30)) * 24 * time.Hour
}

// DBPath resolves the archive location, defaulting under the data dir.
func (a ArchiveSettings) DBPath() (string, error) {
	if a.Path != "" {
		return a.Path, nil
	}
	dir, err := HomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "archive.db"), nil
}
