package main

import (
	"context"
	"database/sql"
	"time"

	"github.com/pkg/errors"
	"github.com/puyokura/chatrelay/model"
	_ "modernc.org/sqlite"
)

const eventTimeLayout = "2006-01-02 15:04:05"

// EventLog appends presence events to a SQLite table. It records who was
// online and when; message bodies are never stored.
type EventLog struct {
	db *sql.DB
}

var _ PresenceBackend = (*EventLog)(nil)

// OpenEventLog opens (or creates) the database at path and runs migrations.
func OpenEventLog(path string) (*EventLog, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "eventlog: open")
	}
	// One writer at a time keeps SQLite from reporting "database is locked".
	db.SetMaxOpenConns(1)

	ctx := context.Background()
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, errors.Wrapf(err, "eventlog: %s", pragma)
		}
	}

	l := &EventLog{db: db}
	if err := l.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "eventlog: migrate")
	}
	return l, nil
}

func (l *EventLog) migrate(ctx context.Context) error {
	const schema = `
	CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS presence_events (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		kind        TEXT    NOT NULL,
		username    TEXT    NOT NULL,
		remote_addr TEXT    NOT NULL DEFAULT '',
		status      TEXT    NOT NULL DEFAULT '',
		at          TEXT    NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_presence_events_user ON presence_events(username, id);
	`
	if _, err := l.db.ExecContext(ctx, schema); err != nil {
		return err
	}

	var version int
	err := l.db.QueryRowContext(ctx, "SELECT version FROM schema_version LIMIT 1").Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		_, err = l.db.ExecContext(ctx, "INSERT INTO schema_version (version) VALUES (1)")
	}
	return err
}

func (l *EventLog) Apply(ctx context.Context, ev PresenceEvent) error {
	_, err := l.db.ExecContext(ctx,
		"INSERT INTO presence_events (kind, username, remote_addr, status, at) VALUES (?, ?, ?, ?, ?)",
		string(ev.Kind), ev.Username, ev.RemoteAddr, string(ev.Status), ev.At.UTC().Format(eventTimeLayout))
	return errors.Wrap(err, "eventlog: insert")
}

// History returns the most recent events for username, newest first.
func (l *EventLog) History(ctx context.Context, username string, limit int) ([]PresenceEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := l.db.QueryContext(ctx,
		"SELECT kind, username, remote_addr, status, at FROM presence_events WHERE username = ? ORDER BY id DESC LIMIT ?",
		username, limit)
	if err != nil {
		return nil, errors.Wrap(err, "eventlog: query")
	}
	defer rows.Close()

	var out []PresenceEvent
	for rows.Next() {
		var (
			ev             PresenceEvent
			kind, stat, at string
		)
		if err := rows.Scan(&kind, &ev.Username, &ev.RemoteAddr, &stat, &at); err != nil {
			return nil, errors.Wrap(err, "eventlog: scan")
		}
		ev.Kind = PresenceEventKind(kind)
		ev.Status = model.Status(stat)
		if t, err := time.ParseInLocation(eventTimeLayout, at, time.UTC); err == nil {
			ev.At = t
		}
		out = append(out, ev)
	}
	return out, errors.Wrap(rows.Err(), "eventlog: rows")
}

func (l *EventLog) Close() error {
	return l.db.Close()
}
