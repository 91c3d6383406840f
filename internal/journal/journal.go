// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

// Package journal keeps a sqlite history of sessions, fits, actuations
// and errors, fed from the event bus.
package journal

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/relabs-tech/bci_actuator/internal/events"
)

// Journal is a sqlite-backed event history.
type Journal struct {
	conn *sql.DB
}

// SessionSummary is one row of the sessions table.
type SessionSummary struct {
	ID         string    `json:"id"`
	StartedAt  time.Time `json:"started_at"`
	UpdatedAt  time.Time `json:"updated_at"`
	LastPhase  string    `json:"last_phase"`
	Samples    int       `json:"samples"`
	Accuracy   *float64  `json:"accuracy,omitempty"`
	Actuations int       `json:"actuations"`
	Failures   int       `json:"failures"`
	Errors     int       `json:"errors"`
}

// Actuation is one actuation attempt.
type Actuation struct {
	SessionID string    `json:"session_id"`
	FiredAt   time.Time `json:"fired_at"`
	OK        bool      `json:"ok"`
}

// Open opens (creating if needed) the journal at path. ":memory:" works
// for tests.
func Open(path string) (*Journal, error) {
	conn, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}
	// One connection keeps ":memory:" databases shared and writes serialised.
	conn.SetMaxOpenConns(1)

	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping journal: %w", err)
	}

	j := &Journal{conn: conn}
	if err := j.createTables(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return j, nil
}

func (j *Journal) createTables() error {
	query := `
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		started_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		last_phase TEXT NOT NULL DEFAULT '',
		samples INTEGER NOT NULL DEFAULT 0,
		accuracy REAL,
		actuations INTEGER NOT NULL DEFAULT 0,
		failures INTEGER NOT NULL DEFAULT 0,
		errors INTEGER NOT NULL DEFAULT 0
	);
	CREATE TABLE IF NOT EXISTS actuations (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		fired_at DATETIME NOT NULL,
		ok INTEGER NOT NULL
	);
	CREATE TABLE IF NOT EXISTS errors (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		at DATETIME NOT NULL,
		kind TEXT NOT NULL,
		message TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_actuations_session ON actuations(session_id);
	`
	_, err := j.conn.Exec(query)
	return err
}

// Close closes the database.
func (j *Journal) Close() error {
	return j.conn.Close()
}

// Record stores one event. Events without a session and kinds the journal
// does not track are ignored.
func (j *Journal) Record(e events.Event) error {
	if e.Session == "" {
		return nil
	}
	at := e.Time
	if at.IsZero() {
		at = time.Now()
	}
	at = at.UTC()

	switch e.Kind {
	case events.PhaseChanged:
		return j.touch(e.Session, at, e.Phase)

	case events.ModelFitResult:
		if err := j.touch(e.Session, at, ""); err != nil {
			return err
		}
		var acc any
		if e.Accuracy != nil && e.OK != nil && *e.OK {
			acc = *e.Accuracy
		}
		_, err := j.conn.Exec(`UPDATE sessions SET samples = ?, accuracy = ? WHERE id = ?`, e.Samples, acc, e.Session)
		if err != nil {
			return fmt.Errorf("failed to record fit: %w", err)
		}

	case events.ActuationFired:
		if err := j.touch(e.Session, at, ""); err != nil {
			return err
		}
		ok := e.OK != nil && *e.OK
		if _, err := j.conn.Exec(`INSERT INTO actuations (session_id, fired_at, ok) VALUES (?, ?, ?)`, e.Session, at, ok); err != nil {
			return fmt.Errorf("failed to record actuation: %w", err)
		}
		col := "actuations"
		if !ok {
			col = "failures"
		}
		if _, err := j.conn.Exec(`UPDATE sessions SET `+col+` = `+col+` + 1 WHERE id = ?`, e.Session); err != nil {
			return fmt.Errorf("failed to count actuation: %w", err)
		}

	case events.Error:
		if err := j.touch(e.Session, at, ""); err != nil {
			return err
		}
		if _, err := j.conn.Exec(`INSERT INTO errors (session_id, at, kind, message) VALUES (?, ?, ?, ?)`,
			e.Session, at, string(e.ErrorKind), e.Message); err != nil {
			return fmt.Errorf("failed to record error: %w", err)
		}
		if _, err := j.conn.Exec(`UPDATE sessions SET errors = errors + 1 WHERE id = ?`, e.Session); err != nil {
			return fmt.Errorf("failed to count error: %w", err)
		}
	}
	return nil
}

// touch creates the session row if needed and bumps updated_at. A non-empty
// phase is stored as the last phase.
func (j *Journal) touch(id string, at time.Time, phase string) error {
	_, err := j.conn.Exec(`
		INSERT INTO sessions (id, started_at, updated_at, last_phase) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			updated_at = excluded.updated_at,
			last_phase = CASE WHEN excluded.last_phase = '' THEN sessions.last_phase ELSE excluded.last_phase END`,
		id, at, at, phase)
	if err != nil {
		return fmt.Errorf("failed to upsert session: %w", err)
	}
	return nil
}

// Run records events from ch until ctx is done or ch is closed.
func (j *Journal) Run(ctx context.Context, ch <-chan events.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			if err := j.Record(e); err != nil {
				log.Printf("journal: %v", err)
			}
		}
	}
}

// ListSessions returns the most recently updated sessions first.
func (j *Journal) ListSessions(limit int) ([]SessionSummary, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := j.conn.Query(`
		SELECT id, started_at, updated_at, last_phase, samples, accuracy, actuations, failures, errors
		FROM sessions ORDER BY updated_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var out []SessionSummary
	for rows.Next() {
		var s SessionSummary
		var acc sql.NullFloat64
		if err := rows.Scan(&s.ID, &s.StartedAt, &s.UpdatedAt, &s.LastPhase, &s.Samples, &acc,
			&s.Actuations, &s.Failures, &s.Errors); err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		if acc.Valid {
			v := acc.Float64
			s.Accuracy = &v
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// Actuations returns the actuation attempts of one session in order.
func (j *Journal) Actuations(sessionID string) ([]Actuation, error) {
	rows, err := j.conn.Query(`SELECT session_id, fired_at, ok FROM actuations WHERE session_id = ? ORDER BY id`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list actuations: %w", err)
	}
	defer rows.Close()

	var out []Actuation
	for rows.Next() {
		var a Actuation
		if err := rows.Scan(&a.SessionID, &a.FiredAt, &a.OK); err != nil {
			return nil, fmt.Errorf("failed to scan actuation: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
