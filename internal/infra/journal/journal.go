// Package journal records outbound playback events in SQLite.
package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	zlog "github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"github.com/osa030/orchestrion/internal/app/status"
)

// Entry is one recorded event.
type Entry struct {
	ID      string
	Type    string
	ItemID  string
	Playing bool
	Reason  string
	Key     string
	Payload map[string]any
	At      time.Time
}

// Journal is a persistent event log backed by SQLite.
type Journal struct {
	db *sql.DB
}

// Open opens (and creates if needed) the journal database at path.
// Use ":memory:" for a throwaway journal.
func Open(path string) (*Journal, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open database")
	}

	// A single connection keeps ":memory:" databases consistent.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA busy_timeout = 10000",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA journal_mode = WAL",
		"PRAGMA temp_store = MEMORY",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, errors.Wrapf(err, "failed to set pragma %q", pragma)
		}
	}

	schema := `
		CREATE TABLE IF NOT EXISTS events (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			type TEXT NOT NULL,
			item_id TEXT,
			playing BOOLEAN DEFAULT 0,
			reason TEXT,
			media_key TEXT,
			payload TEXT,
			at INTEGER NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_events_item ON events(item_id, at);
		CREATE INDEX IF NOT EXISTS idx_events_at ON events(at);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "failed to create schema")
	}

	return &Journal{db: db}, nil
}

// Close closes the database connection.
func (j *Journal) Close() error {
	if j.db != nil {
		return j.db.Close()
	}
	return nil
}

// Recordable returns false for events too frequent to journal.
func Recordable(ev status.Event) bool {
	return ev.Type != status.EventProgress
}

// Record appends ev and returns the entry id.
func (j *Journal) Record(ctx context.Context, ev status.Event) (string, error) {
	var payload sql.NullString
	if ev.Payload != nil {
		b, err := json.Marshal(ev.Payload)
		if err != nil {
			return "", errors.Wrap(err, "failed to encode payload")
		}
		payload = sql.NullString{String: string(b), Valid: true}
	}

	at := ev.At
	if at.IsZero() {
		at = time.Now()
	}

	id := uuid.New().String()
	query := `
		INSERT INTO events (id, type, item_id, playing, reason, media_key, payload, at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := j.db.ExecContext(ctx, query,
		id,
		ev.Type.String(),
		ev.ItemID,
		ev.Playing,
		ev.Reason,
		ev.Key,
		payload,
		at.UnixMilli(),
	)
	if err != nil {
		return "", errors.Wrap(err, "failed to insert event")
	}
	return id, nil
}

// Recent returns up to limit entries, newest first.
func (j *Journal) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		return nil, nil
	}

	query := `
		SELECT id, type, item_id, playing, reason, media_key, payload, at
		FROM events
		ORDER BY seq DESC
		LIMIT ?
	`
	rows, err := j.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query events")
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			e       Entry
			itemID  sql.NullString
			reason  sql.NullString
			key     sql.NullString
			payload sql.NullString
			at      int64
		)
		if err := rows.Scan(&e.ID, &e.Type, &itemID, &e.Playing, &reason, &key, &payload, &at); err != nil {
			return nil, errors.Wrap(err, "failed to scan event")
		}
		e.ItemID = itemID.String
		e.Reason = reason.String
		e.Key = key.String
		e.At = time.UnixMilli(at)
		if payload.Valid {
			if err := json.Unmarshal([]byte(payload.String), &e.Payload); err != nil {
				return nil, errors.Wrapf(err, "failed to decode payload of %s", e.ID)
			}
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to iterate events")
	}
	return entries, nil
}

// Run records every recordable event from events until the channel closes
// or ctx is cancelled. Failures are logged and skipped.
func (j *Journal) Run(ctx context.Context, events <-chan status.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if !Recordable(ev) {
				continue
			}
			if _, err := j.Record(ctx, ev); err != nil {
				zlog.Warn().Err(err).Msgf("journal: failed to record %s", ev.Type)
			}
		}
	}
}
