package hooks

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/asheshgoplani/agent-watch/internal/config"
	"github.com/asheshgoplani/agent-watch/internal/tracker"
)

// SpoolDirName is the spool directory inside the data dir.
const SpoolDirName = "events"

// Spool is a directory of pending events, one JSON file each. File names
// sort in write order: <unixnano>-<uuid>.json.
type Spool struct {
	Dir string
}

// DefaultSpool returns the spool under the agent-watch data dir.
func DefaultSpool() (*Spool, error) {
	home, err := config.HomeDir()
	if err != nil {
		return nil, err
	}
	return &Spool{Dir: filepath.Join(home, SpoolDirName)}, nil
}

// Write stores ev stamped with the current time.
func (s *Spool) Write(ev tracker.HookEvent) (string, error) {
	return s.WriteAt(ev, time.Now())
}

// WriteAt stores ev atomically: a hidden temp file is renamed into place so
// readers never see a partial event. at orders the file against other
// events; hooks pass the moment they started, since concurrent hook
// processes finish their lookups in any order.
func (s *Spool) WriteAt(ev tracker.HookEvent, at time.Time) (string, error) {
	if err := os.MkdirAll(s.Dir, 0o700); err != nil {
		return "", fmt.Errorf("hooks: create spool: %w", err)
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return "", fmt.Errorf("hooks: encode event: %w", err)
	}

	name := fmt.Sprintf("%020d-%s.json", at.UnixNano(), uuid.NewString())
	path := filepath.Join(s.Dir, name)
	tmp := filepath.Join(s.Dir, "."+name+".tmp")
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return "", fmt.Errorf("hooks: write temp: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("hooks: rename: %w", err)
	}
	return path, nil
}

// Pending lists spooled event files, oldest first.
func (s *Spool) Pending() ([]string, error) {
	entries, err := os.ReadDir(s.Dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || !isSpoolFile(e.Name()) {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	paths := make([]string, len(names))
	for i, n := range names {
		paths[i] = filepath.Join(s.Dir, n)
	}
	return paths, nil
}

// Read decodes one spool file.
func (s *Spool) Read(path string) (tracker.HookEvent, error) {
	var ev tracker.HookEvent
	data, err := os.ReadFile(path)
	if err != nil {
		return ev, err
	}
	if err := json.Unmarshal(data, &ev); err != nil {
		return ev, fmt.Errorf("hooks: decode %s: %w", filepath.Base(path), err)
	}
	return ev, nil
}

func isSpoolFile(name string) bool {
	return filepath.Ext(name) == ".json" && !strings.HasPrefix(name, ".")
}

// writtenAt recovers the write time from a spool file name.
func writtenAt(path string) (time.Time, bool) {
	base := filepath.Base(path)
	idx := strings.IndexByte(base, '-')
	if idx <= 0 {
		return time.Time{}, false
	}
	ns, err := strconv.ParseInt(base[:idx], 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.Unix(0, ns), true
}
