// Package archive keeps a SQLite record of finished sessions and of the
// agent-watch servers currently running on this machine.
package archive

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/asheshgoplani/agent-watch/internal/logging"
	"github.com/asheshgoplani/agent-watch/internal/tracker"
)

var archiveLog = logging.ForComponent(logging.CompArchive)

// Archive wraps the SQLite database. Safe for concurrent use; several
// processes may share the file through WAL mode and the busy timeout.
type Archive struct {
	db  *sql.DB
	pid int
}

// Entry is one archived session.
type Entry struct {
	ID          string    `json:"id"`
	Agent       string    `json:"agent"`
	Title       string    `json:"title"`
	Cwd         string    `json:"cwd"`
	ProjectName string    `json:"projectName,omitempty"`
	ProjectRoot string    `json:"projectRoot,omitempty"`
	GitBranch   string    `json:"gitBranch,omitempty"`
	PID         int       `json:"pid,omitempty"`
	FirstPrompt string    `json:"firstPrompt,omitempty"`
	LastMessage string    `json:"lastMessage,omitempty"`
	StartedAt   time.Time `json:"startedAt"`
	EndedAt     time.Time `json:"endedAt"`
}

// Duration is how long the session ran.
func (e Entry) Duration() time.Duration { return e.EndedAt.Sub(e.StartedAt) }

// Open creates or opens the database at path.
func Open(path string) (*Archive, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("archive: mkdir: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("archive: open: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("archive: %s: %w", p, err)
		}
	}
	return &Archive{db: db, pid: os.Getpid()}, nil
}

// Close checkpoints the WAL and closes the database.
func (a *Archive) Close() error {
	_, _ = a.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	return a.db.Close()
}

// Record upserts the summary of a finished session.
func (a *Archive) Record(s tracker.Session) error {
	ended := time.Now()
	if s.EndedAt != nil {
		ended = *s.EndedAt
	}
	_, err := a.db.Exec(`
		INSERT INTO sessions_archive (
			id, agent, title, cwd, project_name, project_root, git_branch,
			pid, first_prompt, last_message, started_at, ended_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			agent = excluded.agent,
			title = excluded.title,
			cwd = excluded.cwd,
			project_name = excluded.project_name,
			project_root = excluded.project_root,
			git_branch = excluded.git_branch,
			pid = excluded.pid,
			first_prompt = excluded.first_prompt,
			last_message = excluded.last_message,
			ended_at = excluded.ended_at`,
		s.ID, s.Agent, s.Title, s.Cwd, s.ProjectName, s.ProjectRoot, s.GitBranch,
		s.PID, s.FirstPrompt, s.LastMessage, s.StartedAt.UnixNano(), ended.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("archive: record %s: %w", s.ID, err)
	}
	return nil
}

const entryColumns = `id, agent, title, cwd, project_name, project_root, git_branch,
	pid, first_prompt, last_message, started_at, ended_at`

func scanEntry(row interface{ Scan(...any) error }) (Entry, error) {
	var (
		e              Entry
		started, ended int64
	)
	err := row.Scan(&e.ID, &e.Agent, &e.Title, &e.Cwd, &e.ProjectName, &e.ProjectRoot,
		&e.GitBranch, &e.PID, &e.FirstPrompt, &e.LastMessage, &started, &ended)
	if err != nil {
		return e, err
	}
	e.StartedAt = time.Unix(0, started)
	e.EndedAt = time.Unix(0, ended)
	return e, nil
}

// Recent returns up to limit entries, most recently ended first.
func (a *Archive) Recent(limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := a.db.Query(
		"SELECT "+entryColumns+" FROM sessions_archive ORDER BY ended_at DESC LIMIT ?", limit)
	if err != nil {
		return nil, fmt.Errorf("archive: recent: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("archive: scan: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Get loads one entry; ok is false when the id was never archived.
func (a *Archive) Get(id string) (Entry, bool, error) {
	e, err := scanEntry(a.db.QueryRow("SELECT "+entryColumns+" FROM sessions_archive WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("archive: get %s: %w", id, err)
	}
	return e, true, nil
}

// Prune deletes entries that ended before cutoff and returns the count.
func (a *Archive) Prune(cutoff time.Time) (int64, error) {
	res, err := a.db.Exec("DELETE FROM sessions_archive WHERE ended_at < ?", cutoff.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("archive: prune: %w", err)
	}
	return res.RowsAffected()
}

// --- Metadata ---

func (a *Archive) SetMeta(key, value string) error {
	_, err := a.db.Exec("INSERT OR REPLACE INTO metadata (key, value) VALUES (?, ?)", key, value)
	return err
}

// GetMeta returns "" for a missing key.
func (a *Archive) GetMeta(key string) (string, error) {
	var value string
	err := a.db.QueryRow("SELECT value FROM metadata WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return value, err
}

// --- Server registry ---

// RegisterServer announces this process as a server listening on addr.
func (a *Archive) RegisterServer(addr string) error {
	now := time.Now().UnixNano()
	_, err := a.db.Exec(
		"INSERT OR REPLACE INTO servers (pid, addr, started, heartbeat) VALUES (?, ?, ?, ?)",
		a.pid, addr, now, now,
	)
	return err
}

// Heartbeat refreshes this process's registry row.
func (a *Archive) Heartbeat() error {
	_, err := a.db.Exec("UPDATE servers SET heartbeat = ? WHERE pid = ?", time.Now().UnixNano(), a.pid)
	return err
}

// UnregisterServer removes this process from the registry.
func (a *Archive) UnregisterServer() error {
	_, err := a.db.Exec("DELETE FROM servers WHERE pid = ?", a.pid)
	return err
}

// LiveServer returns the address of the most recently started server whose
// heartbeat is fresher than timeout. Stale rows are cleaned up on the way.
func (a *Archive) LiveServer(timeout time.Duration) (string, bool, error) {
	cutoff := time.Now().Add(-timeout).UnixNano()
	if _, err := a.db.Exec("DELETE FROM servers WHERE heartbeat < ?", cutoff); err != nil {
		return "", false, err
	}
	var addr string
	err := a.db.QueryRow("SELECT addr FROM servers ORDER BY started DESC LIMIT 1").Scan(&addr)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return addr, true, nil
}

