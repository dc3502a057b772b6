// Package history keeps an append-only sqlite log of finished distributor work: download outcomes, node completion reports, and reset requests.
// It is an audit trail, not a checkpoint; nothing in it is used to resume transfers.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rflandau/fwdist/ond"
)

// Kind enumerates the events that are logged.
type Kind string

const (
	DownloadCompleted Kind = "download_completed"
	DownloadCancelled Kind = "download_cancelled"
	DownloadFailed    Kind = "download_failed"
	NodeCompleted     Kind = "node_completed"
	ResetSent         Kind = "reset_sent"
)

// Event is one row of the log.
type Event struct {
	Seq         int64          `json:"seq"`
	At          time.Time      `json:"at"`
	Kind        Kind           `json:"kind"`
	Coordinator netip.Addr     `json:"coordinator"`
	ID          ond.FirmwareID `json:"id"` // only DeviceID is set for resets
	Node        ond.NodeAddr   `json:"node"`
	Detail      string         `json:"detail,omitempty"`
}

// DB is a history log backed by sqlite.
type DB struct {
	db *sql.DB
}

// Open opens (creating if necessary) the history database at path.
// A path of ":memory:" keeps the log in memory.
func Open(path string) (*DB, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// sqlite serializes writers anyway; one connection also keeps :memory: databases from splitting per connection
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	h := &DB{db: db}
	if err := h.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return h, nil
}

func (h *DB) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS events (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		at_ns INTEGER NOT NULL,
		kind TEXT NOT NULL,
		coordinator TEXT NOT NULL,
		device_id INTEGER NOT NULL,
		chip_type INTEGER NOT NULL,
		revision INTEGER NOT NULL,
		node_high INTEGER NOT NULL,
		node_low INTEGER NOT NULL,
		detail TEXT NOT NULL DEFAULT ''
	);

	CREATE INDEX IF NOT EXISTS idx_events_kind ON events(kind);
	`
	if _, err := h.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// Log appends ev. If ev.At is zero, the current time is used.
func (h *DB) Log(ctx context.Context, ev Event) error {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	_, err := h.db.ExecContext(ctx, `
		INSERT INTO events (at_ns, kind, coordinator, device_id, chip_type, revision, node_high, node_low, detail)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, ev.At.UnixNano(), string(ev.Kind), ev.Coordinator.String(),
		int64(ev.ID.DeviceID), int64(ev.ID.ChipType), int64(ev.ID.Revision),
		int64(ev.Node.High), int64(ev.Node.Low), ev.Detail)
	if err != nil {
		return fmt.Errorf("failed to log event: %w", err)
	}
	return nil
}

// Recent returns up to limit events, newest first.
func (h *DB) Recent(ctx context.Context, limit int) ([]Event, error) {
	rows, err := h.db.QueryContext(ctx, `
		SELECT seq, at_ns, kind, coordinator, device_id, chip_type, revision, node_high, node_low, detail
		FROM events ORDER BY seq DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var (
			ev                             Event
			atNS                           int64
			kind, coord                    string
			device, chip, rev, nHigh, nLow int64
		)
		if err := rows.Scan(&ev.Seq, &atNS, &kind, &coord, &device, &chip, &rev, &nHigh, &nLow, &ev.Detail); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		ev.At = time.Unix(0, atNS)
		ev.Kind = Kind(kind)
		ev.Coordinator, _ = netip.ParseAddr(coord) // invalid addresses were stored as "invalid IP" and stay zero
		ev.ID = ond.FirmwareID{DeviceID: uint32(device), ChipType: uint16(chip), Revision: uint16(rev)}
		ev.Node = ond.NodeAddr{High: uint32(nHigh), Low: uint32(nLow)}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// Close closes the underlying database.
func (h *DB) Close() error {
	return h.db.Close()
}
