// Copyright 2026 The fallbackd Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package audit records every provider attempt, retry and circuit-breaker
// transition for later review. Writes are best-effort: a failing sink never
// aborts the request being audited.
package audit

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"github.com/traylinx/fallbackd/internal/metrics"
)

// Step kinds.
const (
	KindProviderCall      = "provider_call"
	KindRetry             = "retry"
	KindBreakerTransition = "breaker_transition"
	KindSearch            = "search"
)

// Step statuses.
const (
	StatusStarted   = "started"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
	StatusSkipped   = "skipped"
	StatusRecorded  = "recorded"
)

// ErrStepNotFound is returned by UpdateStep for an unknown id.
var ErrStepNotFound = errors.New("audit: step not found")

// Step is one audited action.
type Step struct {
	ID        string         `json:"id"`
	SessionID string         `json:"session_id,omitempty"`
	Kind      string         `json:"kind"`
	Subject   string         `json:"subject,omitempty"`
	Status    string         `json:"status"`
	Details   map[string]any `json:"details,omitempty"`
	Error     string         `json:"error,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// Patch updates a previously appended step.
type Patch struct {
	Status  string         `json:"status,omitempty"`
	Error   string         `json:"error,omitempty"`
	Details map[string]any `json:"details,omitempty"`
	At      time.Time      `json:"at"`
}

// Sink persists audit steps.
type Sink interface {
	AppendStep(ctx context.Context, step Step) (string, error)
	UpdateStep(ctx context.Context, id string, patch Patch) error
	Close() error
}

func prepare(step *Step) {
	if step.ID == "" {
		step.ID = uuid.NewString()
	}
	if step.CreatedAt.IsZero() {
		step.CreatedAt = time.Now()
	}
}

// Multi fans steps out to several sinks with a shared step id.
type Multi []Sink

// AppendStep implements Sink. It returns the first error after trying every sink.
func (m Multi) AppendStep(ctx context.Context, step Step) (string, error) {
	prepare(&step)
	var firstErr error
	for _, s := range m {
		if _, err := s.AppendStep(ctx, step); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return step.ID, firstErr
}

// UpdateStep implements Sink.
func (m Multi) UpdateStep(ctx context.Context, id string, patch Patch) error {
	var firstErr error
	for _, s := range m {
		if err := s.UpdateStep(ctx, id, patch); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Close implements Sink.
func (m Multi) Close() error {
	var firstErr error
	for _, s := range m {
		if err := s.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// BestEffort wraps a Sink so that persistence failures are logged and
// counted instead of returned. A nil *BestEffort or nil sink is a no-op.
type BestEffort struct {
	sink    Sink
	metrics *metrics.Recorder
	timeout time.Duration
}

// NewBestEffort wraps sink. Each write gets its own timeout, detached from
// the caller's cancellation so a cancelled request still leaves its trail.
func NewBestEffort(sink Sink, rec *metrics.Recorder) *BestEffort {
	return &BestEffort{sink: sink, metrics: rec, timeout: 2 * time.Second}
}

// Append records a step and returns its id, or "" when persistence failed.
func (b *BestEffort) Append(ctx context.Context, step Step) string {
	if b == nil || b.sink == nil {
		return ""
	}
	prepare(&step)
	wctx, cancel := b.writeContext(ctx)
	defer cancel()

	id, err := b.sink.AppendStep(wctx, step)
	if err != nil {
		b.fail(err, log.Fields{"step_kind": step.Kind, "subject": step.Subject, "session_id": step.SessionID})
		return ""
	}
	return id
}

// Update patches a step. Empty ids are ignored.
func (b *BestEffort) Update(ctx context.Context, id string, patch Patch) {
	if b == nil || b.sink == nil || id == "" {
		return
	}
	if patch.At.IsZero() {
		patch.At = time.Now()
	}
	wctx, cancel := b.writeContext(ctx)
	defer cancel()

	if err := b.sink.UpdateStep(wctx, id, patch); err != nil {
		b.fail(err, log.Fields{"step_id": id, "status": patch.Status})
	}
}

// RecordTransition audits a circuit-breaker transition.
func (b *BestEffort) RecordTransition(dependency, from, to string) {
	b.Append(context.Background(), Step{
		Kind:    KindBreakerTransition,
		Subject: dependency,
		Status:  StatusRecorded,
		Details: map[string]any{"from": from, "to": to},
	})
}

// Close closes the underlying sink.
func (b *BestEffort) Close() error {
	if b == nil || b.sink == nil {
		return nil
	}
	return b.sink.Close()
}

func (b *BestEffort) writeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), b.timeout)
}

func (b *BestEffort) fail(err error, fields log.Fields) {
	b.metrics.ObserveAuditFailure()
	log.WithFields(fields).WithError(err).Error("audit: failed to persist step")
}
