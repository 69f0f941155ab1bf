// Package store defines the persistence abstraction for the diagnostic
// history the server keeps about cells and their workers.  It records what
// happened — worker lifecycle events and streamed output — and is never
// read back to reconstruct a notebook; the in-memory model is the only
// source of truth while the server runs.
package store

import (
	"context"
	"time"
)

// EventType classifies a cell lifecycle event.
type EventType string

const (
	// EventCreated is recorded when a cell's root worker completes its
	// handshake and the cell joins the notebook.
	EventCreated EventType = "created"

	// EventForked is recorded when a forked worker rendezvouses and its
	// cell joins the notebook.
	EventForked EventType = "forked"

	// EventRan is recorded when a run completes (the worker's callback
	// arrived).
	EventRan EventType = "ran"

	// EventExited is recorded when a cell's worker process or command
	// channel goes away.  The cell stays bound to the dead worker.
	EventExited EventType = "exited"
)

// CellEvent is a single persisted lifecycle event for a cell.
type CellEvent struct {
	ID        int64     `json:"id"`
	Cell      string    `json:"cell"`
	WorkerID  string    `json:"worker_id"`
	EventType EventType `json:"event_type"`
	Detail    string    `json:"detail,omitempty"`
	TS        time.Time `json:"ts"`
}

// OutputLine is one persisted chunk of a cell's streamed output.
type OutputLine struct {
	ID   int64     `json:"id"`
	Cell string    `json:"cell"`
	Text string    `json:"text"`
	TS   time.Time `json:"ts"`
}

// Store is the persistence abstraction.  All methods are context-aware.
type Store interface {
	// RecordCellEvent persists a single cell lifecycle event.
	RecordCellEvent(ctx context.Context, cell, workerID string, eventType EventType, detail string) error

	// AppendOutput persists one chunk of streamed output for a cell.
	AppendOutput(ctx context.Context, cell, text string) error

	// RecentCellEvents returns up to limit events for a cell, newest first.
	RecentCellEvents(ctx context.Context, cell string, limit int) ([]CellEvent, error)

	// RecentOutputs returns up to limit output lines for a cell, newest first.
	RecentOutputs(ctx context.Context, cell string, limit int) ([]OutputLine, error)

	Close() error
}
