// Package sqlite provides the SQLite-backed Store implementation.
// It uses modernc.org/sqlite (pure Go, no CGO) so the binary is fully static
// and works in scratch/alpine Docker images without a C compiler.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/whisper-darkly/forknote-backend/store"
)

// DB implements store.Store using SQLite via database/sql.
type DB struct {
	db *sql.DB
}

// Open opens (or creates) the SQLite database at path and applies migrations.
func Open(path string) (*DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}

	// SQLite serialises writes; one connection avoids SQLITE_BUSY on writes.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	s := &DB{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// migrate applies the schema.  New versions should only ADD statements here
// so that existing databases keep working without a migration tool.
func (s *DB) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS cell_events (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			cell       TEXT NOT NULL,
			worker_id  TEXT NOT NULL,
			event_type TEXT NOT NULL,
			detail     TEXT NOT NULL DEFAULT '',
			ts         TEXT NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS cell_outputs (
			id   INTEGER PRIMARY KEY AUTOINCREMENT,
			cell TEXT NOT NULL,
			text TEXT NOT NULL,
			ts   TEXT NOT NULL
		)`,

		// Both tables are queried per cell, newest first.
		`CREATE INDEX IF NOT EXISTS idx_ce_cell_ts ON cell_events(cell, ts)`,
		`CREATE INDEX IF NOT EXISTS idx_co_cell_ts ON cell_outputs(cell, ts)`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func (s *DB) RecordCellEvent(ctx context.Context, cell, workerID string, eventType store.EventType, detail string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cell_events (cell, worker_id, event_type, detail, ts)
		VALUES (?, ?, ?, ?, ?)
	`, cell, workerID, string(eventType), detail, now())
	return err
}

func (s *DB) AppendOutput(ctx context.Context, cell, text string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cell_outputs (cell, text, ts)
		VALUES (?, ?, ?)
	`, cell, text, now())
	return err
}

func (s *DB) RecentCellEvents(ctx context.Context, cell string, limit int) ([]store.CellEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, cell, worker_id, event_type, detail, ts
		  FROM cell_events
		 WHERE cell = ?
		 ORDER BY ts DESC, id DESC
		 LIMIT ?
	`, cell, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []store.CellEvent
	for rows.Next() {
		var ev store.CellEvent
		var ts string
		if err := rows.Scan(&ev.ID, &ev.Cell, &ev.WorkerID, &ev.EventType, &ev.Detail, &ts); err != nil {
			return nil, err
		}
		ev.TS, _ = time.Parse(time.RFC3339, ts)
		events = append(events, ev)
	}
	return events, rows.Err()
}

func (s *DB) RecentOutputs(ctx context.Context, cell string, limit int) ([]store.OutputLine, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, cell, text, ts
		  FROM cell_outputs
		 WHERE cell = ?
		 ORDER BY ts DESC, id DESC
		 LIMIT ?
	`, cell, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var lines []store.OutputLine
	for rows.Next() {
		var l store.OutputLine
		var ts string
		if err := rows.Scan(&l.ID, &l.Cell, &l.Text, &ts); err != nil {
			return nil, err
		}
		l.TS, _ = time.Parse(time.RFC3339, ts)
		lines = append(lines, l)
	}
	return lines, rows.Err()
}

func (s *DB) Close() error { return s.db.Close() }

func now() string { return time.Now().UTC().Format(time.RFC3339Nano) }
