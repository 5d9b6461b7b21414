// Copyright 2026 The fallbackd Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package audit

import (
	"context"
	"fmt"

	json "github.com/goccy/go-json"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DB is the subset of *pgxpool.Pool used by PostgresSink.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

const postgresSchema = `CREATE TABLE IF NOT EXISTS audit_steps (
	id TEXT PRIMARY KEY,
	session_id TEXT,
	kind TEXT NOT NULL,
	subject TEXT,
	status TEXT NOT NULL,
	details JSONB,
	error TEXT,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
)`

// PostgresSink stores audit steps in a Postgres table.
type PostgresSink struct {
	db DB
}

// OpenPostgres connects to dsn and ensures the schema exists.
func OpenPostgres(ctx context.Context, dsn string) (*PostgresSink, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("audit: connect postgres: %w", err)
	}
	sink := NewPostgresSink(pool)
	if err := sink.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return sink, nil
}

// NewPostgresSink wraps an existing pool.
func NewPostgresSink(db DB) *PostgresSink {
	return &PostgresSink{db: db}
}

// EnsureSchema creates the audit table when missing.
func (p *PostgresSink) EnsureSchema(ctx context.Context) error {
	if _, err := p.db.Exec(ctx, postgresSchema); err != nil {
		return fmt.Errorf("audit: create schema: %w", err)
	}
	return nil
}

// AppendStep implements Sink.
func (p *PostgresSink) AppendStep(ctx context.Context, step Step) (string, error) {
	prepare(&step)
	details, err := marshalDetails(step.Details)
	if err != nil {
		return "", err
	}
	_, err = p.db.Exec(ctx,
		`INSERT INTO audit_steps (id, session_id, kind, subject, status, details, error, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)`,
		step.ID, step.SessionID, step.Kind, step.Subject, step.Status, details, step.Error, step.CreatedAt,
	)
	if err != nil {
		return "", fmt.Errorf("audit: insert step: %w", err)
	}
	return step.ID, nil
}

// UpdateStep implements Sink. Details are merged into the stored object.
func (p *PostgresSink) UpdateStep(ctx context.Context, id string, patch Patch) error {
	details, err := marshalDetails(patch.Details)
	if err != nil {
		return err
	}
	tag, err := p.db.Exec(ctx,
		`UPDATE audit_steps SET
			status = COALESCE(NULLIF($2, ''), status),
			error = COALESCE(NULLIF($3, ''), error),
			details = COALESCE(details, '{}'::jsonb) || COALESCE($4::jsonb, '{}'::jsonb),
			updated_at = $5
		WHERE id = $1`,
		id, patch.Status, patch.Error, details, patch.At,
	)
	if err != nil {
		return fmt.Errorf("audit: update step: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrStepNotFound, id)
	}
	return nil
}

// Status returns the stored status of a step.
func (p *PostgresSink) Status(ctx context.Context, id string) (string, error) {
	var status string
	err := p.db.QueryRow(ctx, `SELECT status FROM audit_steps WHERE id = $1`, id).Scan(&status)
	if err == pgx.ErrNoRows {
		return "", fmt.Errorf("%w: %s", ErrStepNotFound, id)
	}
	if err != nil {
		return "", fmt.Errorf("audit: read step: %w", err)
	}
	return status, nil
}

// Close implements Sink.
func (p *PostgresSink) Close() error {
	p.db.Close()
	return nil
}

func marshalDetails(details map[string]any) ([]byte, error) {
	if len(details) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(details)
	if err != nil {
		return nil, fmt.Errorf("audit: marshal details: %w", err)
	}
	return b, nil
}
