// Copyright 2026 The fallbackd Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package history

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
	log "github.com/sirupsen/logrus"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS session_attempts (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id TEXT NOT NULL,
	kind TEXT NOT NULL,
	attempt_number INTEGER NOT NULL,
	strategy TEXT,
	provider TEXT,
	reason TEXT,
	score REAL,
	success INTEGER NOT NULL DEFAULT 0,
	timestamp DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_session_attempts_session ON session_attempts(session_id);
`

// SQLiteStore persists history so retry counts survive a restart.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (and migrates) the database at path.
func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, fmt.Errorf("history: database path cannot be empty")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("history: failed to create database directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("history: failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store, err := NewSQLiteStore(ctx, db)
	if err != nil {
		db.Close()
		return nil, err
	}
	log.Infof("session history initialized (db: %s)", path)
	return store, nil
}

// NewSQLiteStore wraps an already opened database and creates the schema.
func NewSQLiteStore(ctx context.Context, db *sql.DB) (*SQLiteStore, error) {
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		return nil, fmt.Errorf("history: failed to create schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Append implements Store.
func (s *SQLiteStore) Append(ctx context.Context, a Attempt) error {
	if err := validate(&a); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO session_attempts (session_id, kind, attempt_number, strategy, provider, reason, score, success, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.SessionID, string(a.Kind), a.AttemptNumber, a.Strategy, a.Provider, a.Reason, a.Score, a.Success, a.Timestamp.UTC(),
	)
	if err != nil {
		return fmt.Errorf("history: append %s: %w", a.SessionID, err)
	}
	return nil
}

// List implements Store.
func (s *SQLiteStore) List(ctx context.Context, sessionID string) ([]Attempt, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id, kind, attempt_number, strategy, provider, reason, score, success, timestamp
		FROM session_attempts WHERE session_id = ? ORDER BY id`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("history: list %s: %w", sessionID, err)
	}
	defer rows.Close()

	var out []Attempt
	for rows.Next() {
		var a Attempt
		var kind string
		var strategy, provider, reason sql.NullString
		var score sql.NullFloat64
		var ts time.Time
		if err := rows.Scan(&a.SessionID, &kind, &a.AttemptNumber, &strategy, &provider, &reason, &score, &a.Success, &ts); err != nil {
			return nil, fmt.Errorf("history: scan %s: %w", sessionID, err)
		}
		a.Kind = Kind(kind)
		a.Strategy = strategy.String
		a.Provider = provider.String
		a.Reason = reason.String
		a.Score = score.Float64
		a.Timestamp = ts
		out = append(out, a)
	}
	return out, rows.Err()
}

// RetryCount implements Store.
func (s *SQLiteStore) RetryCount(ctx context.Context, sessionID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM session_attempts WHERE session_id = ? AND kind = ?`,
		sessionID, string(KindRetry)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("history: count retries %s: %w", sessionID, err)
	}
	return n, nil
}

// Clear implements Store.
func (s *SQLiteStore) Clear(ctx context.Context, sessionID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM session_attempts WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("history: clear %s: %w", sessionID, err)
	}
	return nil
}

// Close implements Store.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
