// Package storage persists ingested locations and event-log entries.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"aegis/internal/config"
	"aegis/internal/model"
)

var (
	ErrNoLocation        = errors.New("no location stored")
	ErrUnsupportedDriver = errors.New("unsupported storage driver")
)

// Store is the repository behind the location-ingest endpoint and the
// event log. An empty identity in LatestLocation means "any identity".
type Store interface {
	Init(ctx context.Context) error
	Close() error
	SaveLocation(ctx context.Context, loc model.Location) error
	LatestLocation(ctx context.Context, identity string) (model.Location, error)
	SaveEvents(ctx context.Context, entityID string, events []model.Event) error
}

// NewStore returns the in-memory repository when storage is disabled.
func NewStore(cfg config.StorageConfig) (Store, error) {
	if !cfg.Enabled {
		return NewMemory(), nil
	}
	switch strings.ToLower(cfg.Driver) {
	case "memory", "":
		return NewMemory(), nil
	case "sqlite":
		return NewSQLite(cfg.DSN)
	case "postgres", "postgresql":
		return NewPostgres(cfg.DSN)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedDriver, cfg.Driver)
	}
}

type baseStore struct {
	db *sql.DB
	// rebind turns ? placeholders into the driver's syntax.
	rebind func(string) string
}

func (b *baseStore) Close() error {
	if b.db != nil {
		return b.db.Close()
	}
	return nil
}

func (b *baseStore) SaveLocation(ctx context.Context, loc model.Location) error {
	if b.db == nil {
		return nil
	}
	if loc.Timestamp.IsZero() {
		loc.Timestamp = nowUTC()
	}
	_, err := b.db.ExecContext(ctx, b.rebind(
		`INSERT INTO locations (ts, identity, latitude, longitude, source) VALUES (?, ?, ?, ?, ?)`),
		loc.Timestamp.UTC(),
		loc.Identity,
		loc.Latitude,
		loc.Longitude,
		loc.Source,
	)
	return err
}

func (b *baseStore) LatestLocation(ctx context.Context, identity string) (model.Location, error) {
	if b.db == nil {
		return model.Location{}, ErrNoLocation
	}
	query := `SELECT ts, identity, latitude, longitude, source FROM locations`
	args := []any{}
	if identity != "" {
		query += ` WHERE identity = ?`
		args = append(args, identity)
	}
	query += ` ORDER BY id DESC LIMIT 1`
	var loc model.Location
	err := b.db.QueryRowContext(ctx, b.rebind(query), args...).Scan(
		&loc.Timestamp,
		&loc.Identity,
		&loc.Latitude,
		&loc.Longitude,
		&loc.Source,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Location{}, ErrNoLocation
	}
	if err != nil {
		return model.Location{}, err
	}
	loc.Timestamp = loc.Timestamp.UTC()
	return loc, nil
}

func (b *baseStore) SaveEvents(ctx context.Context, entityID string, events []model.Event) error {
	if b.db == nil || entityID == "" || len(events) == 0 {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	stmt, err := tx.PrepareContext(ctx, b.rebind(
		`INSERT INTO events (event_id, entity_id, ts, event_type, title, description) VALUES (?, ?, ?, ?, ?, ?)`))
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	defer stmt.Close()
	for _, ev := range events {
		if _, err := stmt.ExecContext(ctx,
			ev.ID,
			entityID,
			ev.Timestamp.UTC(),
			string(ev.Type),
			ev.Title,
			ev.Description,
		); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

func (b *baseStore) initSchema(ctx context.Context, stmts []string) error {
	if b.db == nil {
		return nil
	}
	for _, stmt := range stmts {
		if _, err := b.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func nowUTC() time.Time {
	return time.Now().UTC()
}
