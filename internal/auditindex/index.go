// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package auditindex maintains a SQLite index over the audit ledger for
// fast operator queries. The index is derived data, rebuilt from the
// ledger at any time; the NDJSON ledger remains the sole source of truth
// and the only thing integrity verification trusts.
package auditindex

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"github.com/andrewlasiter/fda-tools-sub007/internal/audit"
)

// =============================================================================
// SCHEMA
// =============================================================================

const schema = `
CREATE TABLE IF NOT EXISTS events (
    line_no        INTEGER PRIMARY KEY,
    event_id       TEXT NOT NULL,
    event_hash     TEXT NOT NULL,
    timestamp      TEXT NOT NULL,
    event_type     TEXT NOT NULL,
    user_id        TEXT NOT NULL,
    session_id     TEXT,
    command        TEXT,
    classification TEXT,
    llm_provider   TEXT,
    channel        TEXT,
    allowed        INTEGER
);

CREATE INDEX IF NOT EXISTS idx_events_user ON events(user_id);
CREATE INDEX IF NOT EXISTS idx_events_type ON events(event_type);
CREATE INDEX IF NOT EXISTS idx_events_time ON events(timestamp);

CREATE TABLE IF NOT EXISTS metadata (
    key   TEXT PRIMARY KEY,
    value TEXT NOT NULL
);
`

// =============================================================================
// INDEX
// =============================================================================

// Index is the derived query index. Close it when done.
type Index struct {
	db     *sql.DB
	ledger *audit.Ledger
}

// Open creates or opens the index database at dbPath, bound to the given
// ledger.
func Open(dbPath string, ledger *audit.Ledger) (*Index, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit index: %w", err)
	}

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to configure audit index: %w", err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create audit index schema: %w", err)
	}

	return &Index{db: db, ledger: ledger}, nil
}

// Close releases the database.
func (ix *Index) Close() error { return ix.db.Close() }

// Rebuild drops the index contents and reloads them from the ledger.
// Returns the number of indexed events.
func (ix *Index) Rebuild() (int, error) {
	events, err := ix.ledger.Events(audit.Filter{}, 0)
	if err != nil {
		return 0, fmt.Errorf("failed to read ledger: %w", err)
	}

	tx, err := ix.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("failed to begin rebuild: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM events"); err != nil {
		return 0, fmt.Errorf("failed to clear index: %w", err)
	}

	stmt, err := tx.Prepare(`
		INSERT INTO events (line_no, event_id, event_hash, timestamp, event_type,
		                    user_id, session_id, command, classification,
		                    llm_provider, channel, allowed)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return 0, fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	for i, e := range events {
		var allowed any
		if e.Allowed != nil {
			if *e.Allowed {
				allowed = 1
			} else {
				allowed = 0
			}
		}
		if _, err := stmt.Exec(i+1, e.EventID, e.EventHash, e.Timestamp, e.EventType,
			e.User, e.SessionID, e.Command, e.Classification, e.Provider,
			e.Channel, allowed); err != nil {
			return 0, fmt.Errorf("failed to index event %s: %w", e.EventID, err)
		}
	}

	now := time.Now().UTC().Format(time.RFC3339)
	if _, err := tx.Exec(`INSERT INTO metadata (key, value) VALUES ('last_rebuild', ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, now); err != nil {
		return 0, fmt.Errorf("failed to record rebuild time: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit rebuild: %w", err)
	}
	return len(events), nil
}

// =============================================================================
// QUERY
// =============================================================================

// Row is one indexed event summary.
type Row struct {
	LineNo         int
	EventID        string
	Timestamp      string
	EventType      string
	User           string
	Command        string
	Classification string
	Provider       string
	Channel        string
	Allowed        *bool
}

// Query runs an indexed lookup with the same filter semantics as
// Ledger.Events. A positive limit keeps the most recent rows.
func (ix *Index) Query(f audit.Filter, limit int) ([]Row, error) {
	var conds []string
	var args []any
	if f.User != "" {
		conds = append(conds, "user_id = ?")
		args = append(args, f.User)
	}
	if f.EventType != "" {
		conds = append(conds, "event_type = ?")
		args = append(args, f.EventType)
	}
	if f.Command != "" {
		conds = append(conds, "command = ?")
		args = append(args, f.Command)
	}
	if f.Classification != "" {
		conds = append(conds, "classification = ? COLLATE NOCASE")
		args = append(args, f.Classification)
	}
	if !f.Since.IsZero() {
		conds = append(conds, "timestamp >= ?")
		args = append(args, f.Since.UTC().Format(time.RFC3339Nano))
	}
	if !f.Until.IsZero() {
		conds = append(conds, "timestamp <= ?")
		args = append(args, f.Until.UTC().Format(time.RFC3339Nano))
	}

	query := "SELECT line_no, event_id, timestamp, event_type, user_id, command, classification, llm_provider, channel, allowed FROM events"
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY line_no DESC"
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := ix.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("audit index query failed: %w", err)
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		var r Row
		var allowed sql.NullInt64
		if err := rows.Scan(&r.LineNo, &r.EventID, &r.Timestamp, &r.EventType,
			&r.User, &r.Command, &r.Classification, &r.Provider, &r.Channel,
			&allowed); err != nil {
			return nil, fmt.Errorf("audit index scan failed: %w", err)
		}
		if allowed.Valid {
			b := allowed.Int64 != 0
			r.Allowed = &b
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Rows came back newest-first for the LIMIT; present them in ledger
	// order like Ledger.Events does.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// Count returns the number of indexed events.
func (ix *Index) Count() (int, error) {
	var n int
	if err := ix.db.QueryRow("SELECT COUNT(*) FROM events").Scan(&n); err != nil {
		return 0, fmt.Errorf("audit index count failed: %w", err)
	}
	return n, nil
}
