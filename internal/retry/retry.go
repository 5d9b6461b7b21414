// Copyright 2026 The fallbackd Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package retry decides whether a completed attempt should be re-run after
// its quality evaluation, and how. Retries are bounded per session and every
// authorized retry is written to the session history before it starts.
package retry

import (
	"context"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/traylinx/fallbackd/internal/audit"
	"github.com/traylinx/fallbackd/internal/faults"
	"github.com/traylinx/fallbackd/internal/history"
	"github.com/traylinx/fallbackd/internal/metrics"
	"github.com/traylinx/fallbackd/internal/quality"
)

// Strategy is the transformation applied before re-running a task.
type Strategy string

const (
	StrategyEnhanced    Strategy = "enhanced"
	StrategyDecomposed  Strategy = "decomposed"
	StrategyAlternative Strategy = "alternative"
	StrategySimple      Strategy = "simple"
)

// Decision reasons.
const (
	ReasonMaxRetries          = "max_retries_reached"
	ReasonQualityAcceptable   = "quality_acceptable"
	ReasonScoreAboveThreshold = "score_above_threshold"
	ReasonLowQuality          = "low_quality"
)

// Config holds the retry thresholds. They are tuning defaults, not
// validated constants.
type Config struct {
	MaxRetries            int           `yaml:"max-retries"`
	ScoreThreshold        float64       `yaml:"score-threshold"`
	CompletenessThreshold float64       `yaml:"completeness-threshold"`
	BaseDelay             time.Duration `yaml:"base-delay"`
	// Rotation is the provider order used by the alternative strategy.
	Rotation []string `yaml:"rotation"`
}

// DefaultConfig returns the stock thresholds.
func DefaultConfig() Config {
	return Config{
		MaxRetries:            2,
		ScoreThreshold:        0.6,
		CompletenessThreshold: 0.5,
		BaseDelay:             time.Second,
	}
}

// Decision is the outcome of ShouldRetry.
type Decision struct {
	Retry    bool          `json:"retry"`
	Reason   string        `json:"reason"`
	Strategy Strategy      `json:"strategy,omitempty"`
	Delay    time.Duration `json:"delay,omitempty"`
	// Attempt is the 1-based ordinal of the authorized retry.
	Attempt       int     `json:"attempt,omitempty"`
	PreviousScore float64 `json:"previous_score"`
}

// Engine is the retry decision engine.
type Engine struct {
	cfg     Config
	history history.Store
	metrics *metrics.Recorder
	audit   *audit.BestEffort

	mu       sync.Mutex
	sessions map[string]*sessionLock
}

type sessionLock struct {
	mu   sync.Mutex
	refs int
}

// Option customizes an Engine.
type Option func(*Engine)

// WithMetrics attaches a metrics recorder.
func WithMetrics(m *metrics.Recorder) Option { return func(e *Engine) { e.metrics = m } }

// WithAudit records every authorized retry as an audit step.
func WithAudit(a *audit.BestEffort) Option { return func(e *Engine) { e.audit = a } }

// NewEngine creates an engine persisting retries to store.
func NewEngine(cfg Config, store history.Store, opts ...Option) (*Engine, error) {
	if store == nil {
		return nil, faults.Invalid("retry.history", "a history store is required")
	}
	if cfg.MaxRetries < 0 {
		return nil, faults.Invalid("retry.max-retries", "must not be negative")
	}
	if cfg.BaseDelay < 0 {
		return nil, faults.Invalid("retry.base-delay", "must not be negative")
	}
	e := &Engine{cfg: cfg, history: store, sessions: make(map[string]*sessionLock)}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Config returns the engine configuration.
func (e *Engine) Config() Config { return e.cfg }

// ShouldRetry decides whether sessionID may retry after eval. An authorized
// retry is appended to the history before ShouldRetry returns, so the count
// is accurate even if the retry never runs.
func (e *Engine) ShouldRetry(ctx context.Context, eval quality.Result, sessionID string) (Decision, error) {
	if sessionID == "" {
		return Decision{}, faults.Invalid("session_id", "must not be empty")
	}
	unlock := e.lock(sessionID)
	defer unlock()

	count, err := e.history.RetryCount(ctx, sessionID)
	if err != nil {
		return Decision{}, fmt.Errorf("retry: read history: %w", err)
	}

	d := Decision{PreviousScore: eval.Score}
	switch {
	case count >= e.cfg.MaxRetries:
		d.Reason = ReasonMaxRetries
	case !eval.Retry:
		d.Reason = ReasonQualityAcceptable
	case eval.Score >= e.cfg.ScoreThreshold:
		d.Reason = ReasonScoreAboveThreshold
	default:
		d.Retry = true
		d.Reason = ReasonLowQuality
		d.Strategy = e.DetermineStrategy(eval, count)
		d.Delay = e.Delay(count)
		d.Attempt = count + 1
	}

	fields := log.Fields{
		"session_id":  sessionID,
		"retry_count": count,
		"score":       eval.Score,
		"reason":      d.Reason,
	}
	if !d.Retry {
		log.WithFields(fields).Debug("retry: not retrying")
		return d, nil
	}

	err = e.history.Append(ctx, history.Attempt{
		SessionID:     sessionID,
		Kind:          history.KindRetry,
		AttemptNumber: d.Attempt,
		Strategy:      string(d.Strategy),
		Reason:        d.Reason,
		Score:         eval.Score,
	})
	if err != nil {
		// an unrecorded retry could exceed the ceiling after a restart
		return Decision{}, fmt.Errorf("retry: record attempt: %w", err)
	}
	e.metrics.ObserveRetry(string(d.Strategy))
	e.audit.Append(ctx, audit.Step{
		SessionID: sessionID,
		Kind:      audit.KindRetry,
		Subject:   string(d.Strategy),
		Status:    audit.StatusRecorded,
		Details: map[string]any{
			"attempt":        d.Attempt,
			"delay_ms":       d.Delay.Milliseconds(),
			"previous_score": eval.Score,
		},
	})

	fields["strategy"] = d.Strategy
	fields["delay_ms"] = d.Delay.Milliseconds()
	log.WithFields(fields).Info("retry: authorized")
	return d, nil
}

// DetermineStrategy picks the strategy for the retry following count
// previous retries.
func (e *Engine) DetermineStrategy(eval quality.Result, count int) Strategy {
	switch count {
	case 0:
		return StrategyEnhanced
	case 1:
		if eval.Completeness() < e.cfg.CompletenessThreshold {
			return StrategyDecomposed
		}
		return StrategyAlternative
	default:
		return StrategySimple
	}
}

// Delay is BaseDelay * 2^count.
func (e *Engine) Delay(count int) time.Duration {
	if count < 0 {
		count = 0
	}
	if count > 30 {
		count = 30
	}
	return e.cfg.BaseDelay << uint(count)
}

// Wait sleeps for d or until ctx is done.
func Wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// lock serializes decisions for one session.
func (e *Engine) lock(sessionID string) func() {
	e.mu.Lock()
	l, ok := e.sessions[sessionID]
	if !ok {
		l = &sessionLock{}
		e.sessions[sessionID] = l
	}
	l.refs++
	e.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		e.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(e.sessions, sessionID)
		}
		e.mu.Unlock()
	}
}
