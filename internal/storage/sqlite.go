package storage

import (
	"context"
	"database/sql"
	"strings"

	_ "modernc.org/sqlite"
)

type sqliteStore struct {
	baseStore
}

func NewSQLite(dsn string) (Store, error) {
	if strings.TrimSpace(dsn) == "" {
		dsn = "file:aegis.db?_pragma=busy_timeout(5000)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// A single connection keeps ":memory:" databases shared across calls.
	db.SetMaxOpenConns(1)
	return &sqliteStore{baseStore{db: db, rebind: func(q string) string { return q }}}, nil
}

func (s *sqliteStore) Init(ctx context.Context) error {
	return s.initSchema(ctx, []string{
		`CREATE TABLE IF NOT EXISTS locations (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			ts DATETIME NOT NULL,
			identity TEXT NOT NULL,
			latitude REAL NOT NULL,
			longitude REAL NOT NULL,
			source TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_locations_identity ON locations(identity, id)`,
		`CREATE TABLE IF NOT EXISTS events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			event_id TEXT NOT NULL,
			entity_id TEXT NOT NULL,
			ts DATETIME NOT NULL,
			event_type TEXT NOT NULL,
			title TEXT NOT NULL,
			description TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_entity_ts ON events(entity_id, ts)`,
	})
}
