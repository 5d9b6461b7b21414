// Copyright 2026 The fallbackd Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package fallback executes a request against an ordered list of candidate
// providers, consulting the circuit breaker before each call and advancing to
// the next candidate on failure.
package fallback

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/traylinx/fallbackd/internal/audit"
	"github.com/traylinx/fallbackd/internal/breaker"
	"github.com/traylinx/fallbackd/internal/faults"
	"github.com/traylinx/fallbackd/internal/history"
	"github.com/traylinx/fallbackd/internal/metrics"
	"github.com/traylinx/fallbackd/internal/provider"
	"github.com/traylinx/fallbackd/internal/registry"
)

// DefaultCallTimeout bounds a single adapter call.
const DefaultCallTimeout = 30 * time.Second

// Failure is one entry of the per-candidate failure log.
type Failure struct {
	// Index is the 0-based position of the candidate in the list.
	Index    int    `json:"index"`
	Provider string `json:"provider"`
	Reason   string `json:"reason"`
	// Skipped is true when the provider was never called.
	Skipped bool  `json:"skipped"`
	Err     error `json:"-"`
}

// ExhaustedError is returned when every candidate failed or was skipped.
type ExhaustedError struct {
	Failures []Failure
}

func (e *ExhaustedError) Error() string {
	parts := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		parts = append(parts, fmt.Sprintf("%s: %s", f.Provider, f.Reason))
	}
	return "all providers exhausted: " + strings.Join(parts, "; ")
}

// Unwrap exposes the candidate errors to errors.Is/As.
func (e *ExhaustedError) Unwrap() []error {
	errs := make([]error, 0, len(e.Failures))
	for _, f := range e.Failures {
		if f.Err != nil {
			errs = append(errs, f.Err)
		}
	}
	return errs
}

// Result is a successful execution.
type Result struct {
	Provider string             `json:"provider"`
	Response *provider.Response `json:"response"`
	// Failures lists the candidates that failed before the winner.
	Failures []Failure `json:"failures,omitempty"`
}

// Executor runs requests through a fallback chain.
type Executor struct {
	breakers    *breaker.Registry
	registry    *registry.Registry
	history     history.Store
	audit       *audit.BestEffort
	metrics     *metrics.Recorder
	stats       *Stats
	callTimeout time.Duration

	mu       sync.RWMutex
	adapters map[string]provider.Adapter
}

// Option customizes an Executor.
type Option func(*Executor)

// WithRegistry enables pre-call availability checks.
func WithRegistry(r *registry.Registry) Option { return func(e *Executor) { e.registry = r } }

// WithHistory records every call in the session history.
func WithHistory(h history.Store) Option { return func(e *Executor) { e.history = h } }

// WithAudit records every call as an audit step.
func WithAudit(a *audit.BestEffort) Option { return func(e *Executor) { e.audit = a } }

// WithMetrics attaches a metrics recorder.
func WithMetrics(m *metrics.Recorder) Option { return func(e *Executor) { e.metrics = m } }

// WithCallTimeout overrides DefaultCallTimeout.
func WithCallTimeout(d time.Duration) Option {
	return func(e *Executor) {
		if d > 0 {
			e.callTimeout = d
		}
	}
}

// NewExecutor creates an executor guarded by breakers. A nil breakers gets a
// private registry with default thresholds.
func NewExecutor(breakers *breaker.Registry, adapters []provider.Adapter, opts ...Option) *Executor {
	if breakers == nil {
		breakers = breaker.NewRegistry(breaker.Config{})
	}
	e := &Executor{
		breakers:    breakers,
		stats:       NewStats(),
		callTimeout: DefaultCallTimeout,
		adapters:    make(map[string]provider.Adapter, len(adapters)),
	}
	for _, a := range adapters {
		e.adapters[a.Identifier()] = a
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// SetAdapter registers or replaces the adapter for its identifier.
func (e *Executor) SetAdapter(a provider.Adapter) {
	e.mu.Lock()
	e.adapters[a.Identifier()] = a
	e.mu.Unlock()
}

// Stats exposes the per-provider statistics.
func (e *Executor) Stats() *Stats { return e.stats }

func (e *Executor) adapter(id string) (provider.Adapter, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	a, ok := e.adapters[id]
	return a, ok
}

// Execute tries candidates in order and returns the first success. Each
// candidate is attempted at most once. Validation errors and caller
// cancellation stop the chain immediately.
func (e *Executor) Execute(ctx context.Context, candidates []string, req provider.Request) (*Result, error) {
	if len(candidates) == 0 {
		return nil, faults.Invalid("candidates", "must not be empty")
	}

	var failures []Failure
	for i, id := range candidates {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("fallback cancelled before %s: %w", id, err)
		}

		if skip := e.preCheck(id); skip != nil {
			failures = append(failures, e.skip(ctx, req, i, id, skip))
			continue
		}

		resp, err := e.call(ctx, i, id, req)
		if err == nil {
			return &Result{Provider: id, Response: resp, Failures: failures}, nil
		}
		if !faults.IsRetryable(err) || ctx.Err() != nil {
			return nil, err
		}

		failures = append(failures, Failure{Index: i, Provider: id, Reason: faults.Reason(err), Err: err})
		if i < len(candidates)-1 {
			e.metrics.ObserveFallback()
		}
	}
	return nil, &ExhaustedError{Failures: failures}
}

// preCheck returns the reason a candidate must be skipped without calling it.
func (e *Executor) preCheck(id string) error {
	if _, ok := e.adapter(id); !ok {
		return faults.Unavailable(id, true, errors.New("no adapter registered"))
	}
	if e.registry != nil && !e.registry.IsAvailable(id) {
		return faults.Unavailable(id, true, errors.New("marked unavailable by health monitor"))
	}
	return e.breakers.Guard(id)
}

func (e *Executor) skip(ctx context.Context, req provider.Request, index int, id string, err error) Failure {
	reason := faults.Reason(err)
	log.WithFields(log.Fields{
		"session_id": req.SessionID,
		"attempt":    index + 1,
		"provider":   id,
		"reason":     reason,
	}).Info("fallback: skipping candidate")

	e.audit.Append(ctx, audit.Step{
		SessionID: req.SessionID,
		Kind:      audit.KindProviderCall,
		Subject:   id,
		Status:    audit.StatusSkipped,
		Error:     err.Error(),
		Details:   map[string]any{"attempt": index + 1, "reason": reason},
	})
	return Failure{Index: index, Provider: id, Reason: reason, Skipped: true, Err: err}
}

// call performs one guarded adapter call and records its outcome.
func (e *Executor) call(ctx context.Context, index int, id string, req provider.Request) (*provider.Response, error) {
	a, _ := e.adapter(id)

	stepID := e.audit.Append(ctx, audit.Step{
		SessionID: req.SessionID,
		Kind:      audit.KindProviderCall,
		Subject:   id,
		Status:    audit.StatusStarted,
		Details:   map[string]any{"attempt": index + 1},
	})

	timeout := e.callTimeout
	if e.registry != nil {
		if p, ok := e.registry.Get(id); ok && p.Timeout > 0 {
			timeout = p.Timeout
		}
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	start := time.Now()
	resp, err := a.Execute(callCtx, req)
	took := time.Since(start)
	timedOut := callCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil
	cancel()

	if err == nil {
		e.breakers.RecordOutcome(id, true)
		e.stats.Record(id, true, took, "")
		e.metrics.ObserveCall(id, "success", took)
		e.recordHistory(ctx, req, index, id, true, "success")
		e.audit.Update(ctx, stepID, audit.Patch{
			Status:  audit.StatusSucceeded,
			Details: map[string]any{"duration_ms": took.Milliseconds()},
		})
		return resp, nil
	}

	if timedOut && faults.KindOf(err) == "" {
		err = faults.Timeout(id, err)
	}

	// A caller cancellation is never attributed to the provider.
	if ctx.Err() != nil || faults.IsCancellation(err) {
		e.breakers.Abandon(id)
		e.audit.Update(ctx, stepID, audit.Patch{Status: audit.StatusSkipped, Error: "cancelled"})
		if ctx.Err() != nil && !faults.IsCancellation(err) {
			return nil, fmt.Errorf("provider %s: %w", id, ctx.Err())
		}
		return nil, err
	}

	reason := faults.Reason(err)
	if faults.CountsAsBreakerFailure(err) {
		e.breakers.RecordOutcome(id, false)
	} else {
		e.breakers.Abandon(id)
	}
	e.stats.Record(id, false, took, reason)
	e.metrics.ObserveCall(id, reason, took)
	e.recordHistory(ctx, req, index, id, false, reason)
	e.audit.Update(ctx, stepID, audit.Patch{Status: audit.StatusFailed, Error: err.Error()})

	log.WithFields(log.Fields{
		"session_id": req.SessionID,
		"attempt":    index + 1,
		"provider":   id,
		"error":      err.Error(),
	}).Warn("fallback: candidate failed")
	return nil, err
}

func (e *Executor) recordHistory(ctx context.Context, req provider.Request, index int, id string, success bool, reason string) {
	if e.history == nil || req.SessionID == "" {
		return
	}
	err := e.history.Append(context.WithoutCancel(ctx), history.Attempt{
		SessionID:     req.SessionID,
		Kind:          history.KindCall,
		AttemptNumber: index + 1,
		Provider:      id,
		Reason:        reason,
		Success:       success,
	})
	if err != nil {
		log.WithError(err).WithField("session_id", req.SessionID).Warn("fallback: failed to record history")
	}
}
