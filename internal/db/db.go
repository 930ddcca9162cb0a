package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

func Open(path string) (*sql.DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("mkdir data dir: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if _, err := db.Exec(`PRAGMA synchronous=NORMAL; PRAGMA temp_store=MEMORY;`); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

func Migrate(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS dispatches (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			ts DATETIME NOT NULL,
			type TEXT NOT NULL,
			target TEXT NOT NULL,
			status TEXT NOT NULL,
			error TEXT NOT NULL DEFAULT '',
			duration_ms INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS ticket_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			ts DATETIME NOT NULL,
			ticket_id TEXT NOT NULL,
			path TEXT NOT NULL,
			action TEXT NOT NULL,
			status TEXT NOT NULL,
			priority TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS breach_states (
			device_id TEXT PRIMARY KEY,
			state TEXT NOT NULL,
			since_ts DATETIME NOT NULL,
			last_fired_ts DATETIME,
			last_recovered_ts DATETIME
		);`,
		`CREATE TABLE IF NOT EXISTS breaches (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			device_id TEXT NOT NULL,
			equipment TEXT NOT NULL,
			status TEXT NOT NULL,
			started_ts DATETIME NOT NULL,
			ended_ts_nullable DATETIME,
			value REAL NOT NULL,
			threshold REAL NOT NULL,
			summary TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_dispatches_ts ON dispatches(ts DESC);`,
		`CREATE INDEX IF NOT EXISTS idx_ticket_events_ticket_ts ON ticket_events(ticket_id, ts DESC);`,
		`CREATE INDEX IF NOT EXISTS idx_breaches_status_started ON breaches(status, started_ts DESC);`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate failed: %w", err)
		}
	}
	return nil
}
