package archive

import (
	"fmt"
	"strconv"
)

// SchemaVersion is the newest schema. Append to migrations to bump it.
const SchemaVersion = 2

// migrations[i] upgrades a database from version i to i+1.
var migrations = [][]string{
	{`CREATE TABLE IF NOT EXISTS sessions_archive (
		id           TEXT PRIMARY KEY,
		agent        TEXT NOT NULL DEFAULT '',
		title        TEXT NOT NULL DEFAULT '',
		cwd          TEXT NOT NULL DEFAULT '',
		project_name TEXT NOT NULL DEFAULT '',
		project_root TEXT NOT NULL DEFAULT '',
		git_branch   TEXT NOT NULL DEFAULT '',
		pid          INTEGER NOT NULL DEFAULT 0,
		first_prompt TEXT NOT NULL DEFAULT '',
		last_message TEXT NOT NULL DEFAULT '',
		started_at   INTEGER NOT NULL,
		ended_at     INTEGER NOT NULL
	)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_archive_ended ON sessions_archive(ended_at)`},

	{`CREATE TABLE IF NOT EXISTS servers (
		pid       INTEGER PRIMARY KEY,
		addr      TEXT NOT NULL,
		started   INTEGER NOT NULL,
		heartbeat INTEGER NOT NULL
	)`},
}

// Migrate brings the schema up to SchemaVersion inside one transaction.
func (a *Archive) Migrate() error {
	tx, err := a.db.Begin()
	if err != nil {
		return fmt.Errorf("archive: begin migrate: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`CREATE TABLE IF NOT EXISTS metadata (
		key   TEXT PRIMARY KEY,
		value TEXT NOT NULL
	)`); err != nil {
		return fmt.Errorf("archive: create metadata: %w", err)
	}

	current := 0
	var raw string
	if err := tx.QueryRow("SELECT value FROM metadata WHERE key = 'schema_version'").Scan(&raw); err == nil {
		current, _ = strconv.Atoi(raw)
	}
	if current > len(migrations) {
		return fmt.Errorf("archive: schema version %d is newer than this binary (%d)", current, SchemaVersion)
	}

	for v := current; v < len(migrations); v++ {
		for _, stmt := range migrations[v] {
			if _, err := tx.Exec(stmt); err != nil {
				return fmt.Errorf("archive: migration %d: %w", v+1, err)
			}
		}
	}

	if _, err := tx.Exec(
		"INSERT OR REPLACE INTO metadata (key, value) VALUES ('schema_version', ?)",
		strconv.Itoa(len(migrations)),
	); err != nil {
		return fmt.Errorf("archive: set schema version: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("archive: commit migrate: %w", err)
	}
	if current < len(migrations) {
		archiveLog.Info("archive_migrated", "from", current, "to", len(migrations))
	}
	return nil
}
