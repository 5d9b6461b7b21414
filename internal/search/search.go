// Copyright 2026 The fallbackd Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package search answers research-style queries by trying an ordered list of
// acquisition strategies behind a shared cache and a process-wide rate limit.
package search

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	log "github.com/sirupsen/logrus"
	"github.com/traylinx/fallbackd/internal/audit"
	"github.com/traylinx/fallbackd/internal/breaker"
	"github.com/traylinx/fallbackd/internal/cache"
	"github.com/traylinx/fallbackd/internal/faults"
	"github.com/traylinx/fallbackd/internal/metrics"
	"github.com/traylinx/fallbackd/internal/ratelimit"
	"golang.org/x/sync/singleflight"
)

// Defaults applied by NewEngine.
const (
	DefaultCacheTTL        = 300 * time.Second
	DefaultStrategyTimeout = 30 * time.Second
	DefaultMinAnswerLength = 100
	DefaultDependency      = "search"
)

// Options are caller-supplied search parameters. They are part of the cache key.
type Options map[string]any

// String returns the string option name, or "".
func (o Options) String(name string) string {
	if v, ok := o[name].(string); ok {
		return v
	}
	return ""
}

// Int returns the integer option name, or def.
func (o Options) Int(name string, def int) int {
	switch v := o[name].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return def
}

// Citation is a source backing an answer.
type Citation struct {
	Title   string `json:"title,omitempty"`
	URL     string `json:"url,omitempty"`
	Snippet string `json:"snippet,omitempty"`
}

// Finding is what a strategy produces.
type Finding struct {
	Answer    string     `json:"answer"`
	Citations []Citation `json:"citations,omitempty"`
}

// Strategy is one way of acquiring an answer.
type Strategy interface {
	Name() string
	Search(ctx context.Context, query string, opts Options) (*Finding, error)
}

// Metadata describes how a Result was produced.
type Metadata struct {
	Strategy string        `json:"strategy"`
	Duration time.Duration `json:"duration"`
	Cached   bool          `json:"cached"`
	// Failures lists the strategies that failed before the winner.
	Failures []StrategyFailure `json:"failures,omitempty"`
}

// Result is a search answer.
type Result struct {
	Answer     string     `json:"answer"`
	Citations  []Citation `json:"citations"`
	Confidence float64    `json:"confidence"`
	Metadata   Metadata   `json:"metadata"`
}

// StrategyFailure records why one strategy did not produce an answer.
type StrategyFailure struct {
	Strategy string `json:"strategy"`
	Reason   string `json:"reason"`
	Err      error  `json:"-"`
}

// AllStrategiesFailedError is returned when no strategy produced an answer.
type AllStrategiesFailedError struct {
	Failures []StrategyFailure
	// Last is the error of the final strategy attempted.
	Last error
}

func (e *AllStrategiesFailedError) Error() string {
	parts := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		parts = append(parts, f.Strategy+": "+f.Reason)
	}
	return "all search strategies failed: " + strings.Join(parts, "; ")
}

func (e *AllStrategiesFailedError) Unwrap() error { return e.Last }

// errEmptyAnswer is recorded when a strategy returns without an answer.
var errEmptyAnswer = errors.New("empty answer")

// Config tunes an Engine.
type Config struct {
	CacheTTL        time.Duration `yaml:"cache-ttl"`
	StrategyTimeout time.Duration `yaml:"strategy-timeout"`
	MinAnswerLength int           `yaml:"min-answer-length"`
	// Dependency names the rate-limit gate and the breaker prefix.
	Dependency string `yaml:"dependency"`
}

func (c Config) withDefaults() Config {
	if c.CacheTTL <= 0 {
		c.CacheTTL = DefaultCacheTTL
	}
	if c.StrategyTimeout <= 0 {
		c.StrategyTimeout = DefaultStrategyTimeout
	}
	if c.MinAnswerLength <= 0 {
		c.MinAnswerLength = DefaultMinAnswerLength
	}
	if c.Dependency == "" {
		c.Dependency = DefaultDependency
	}
	return c
}

// Engine is the multi-strategy search pipeline.
type Engine struct {
	cfg        Config
	strategies []Strategy
	timeouts   map[string]time.Duration
	cache      cache.Store
	limiter    *ratelimit.Limiter
	breakers   *breaker.Registry
	metrics    *metrics.Recorder
	audit      *audit.BestEffort
	group      singleflight.Group
}

// Option customizes an Engine.
type Option func(*Engine)

// WithBreakers guards each strategy with a circuit named "<dependency>:<strategy>".
func WithBreakers(b *breaker.Registry) Option { return func(e *Engine) { e.breakers = b } }

// WithMetrics attaches a metrics recorder.
func WithMetrics(m *metrics.Recorder) Option { return func(e *Engine) { e.metrics = m } }

// WithAudit records every search as an audit step.
func WithAudit(a *audit.BestEffort) Option { return func(e *Engine) { e.audit = a } }

// WithStrategyTimeout overrides the timeout of one strategy.
func WithStrategyTimeout(name string, d time.Duration) Option {
	return func(e *Engine) { e.timeouts[name] = d }
}

// NewEngine builds an engine over strategies, tried in the given order.
func NewEngine(cfg Config, store cache.Store, limiter *ratelimit.Limiter, strategies []Strategy, opts ...Option) (*Engine, error) {
	if len(strategies) == 0 {
		return nil, faults.Invalid("search.strategies", "at least one strategy is required")
	}
	cfg = cfg.withDefaults()
	if store == nil {
		store = cache.NewMemoryStore(cache.DefaultMaxSize, cfg.CacheTTL)
	}
	if limiter == nil {
		limiter = ratelimit.New(ratelimit.DefaultDelay)
	}
	e := &Engine{
		cfg:        cfg,
		strategies: strategies,
		timeouts:   make(map[string]time.Duration),
		cache:      store,
		limiter:    limiter,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Strategies returns the strategy names in execution order.
func (e *Engine) Strategies() []string {
	names := make([]string, len(e.strategies))
	for i, s := range e.strategies {
		names[i] = s.Name()
	}
	return names
}

// CacheStats reports the underlying cache counters.
func (e *Engine) CacheStats() cache.Stats { return e.cache.Stats() }

// Search answers query. A cached answer is returned without touching the
// rate limiter or any strategy. Identical concurrent misses share one run,
// which a caller cancelling its own request does not abort for the others.
func (e *Engine) Search(ctx context.Context, query string, opts Options) (*Result, error) {
	if strings.TrimSpace(query) == "" {
		return nil, faults.Invalid("query", "must not be empty")
	}
	key := cache.Key(query, opts)

	if res, ok := e.cached(ctx, key); ok {
		return res, nil
	}

	// The shared run outlives any single caller; strategy timeouts bound it.
	shared := context.WithoutCancel(ctx)
	ch := e.group.DoChan(key, func() (any, error) {
		return e.run(shared, key, query, opts)
	})
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("search: %w", ctx.Err())
	case r := <-ch:
		if r.Err != nil {
			return nil, r.Err
		}
		res := *r.Val.(*Result)
		res.Citations = append([]Citation(nil), res.Citations...)
		return &res, nil
	}
}

func (e *Engine) cached(ctx context.Context, key string) (*Result, bool) {
	raw, ok, err := e.cache.Get(ctx, key)
	if err != nil {
		log.WithError(err).Warn("search: cache read failed")
		return nil, false
	}
	if !ok {
		return nil, false
	}
	var res Result
	if err := json.Unmarshal(raw, &res); err != nil {
		log.WithError(err).Warn("search: dropping undecodable cache entry")
		_ = e.cache.Invalidate(ctx, key)
		return nil, false
	}
	res.Metadata.Cached = true
	return &res, true
}

func (e *Engine) run(ctx context.Context, key, query string, opts Options) (*Result, error) {
	if err := e.limiter.Wait(ctx, e.cfg.Dependency); err != nil {
		return nil, err
	}

	stepID := e.audit.Append(ctx, audit.Step{
		Kind:    audit.KindSearch,
		Subject: e.cfg.Dependency,
		Status:  audit.StatusStarted,
		Details: map[string]any{"query": query},
	})

	start := time.Now()
	var failures []StrategyFailure
	var lastErr error
	for _, s := range e.strategies {
		if err := ctx.Err(); err != nil {
			e.audit.Update(ctx, stepID, audit.Patch{Status: audit.StatusSkipped, Error: "cancelled"})
			return nil, fmt.Errorf("search: %w", err)
		}
		finding, err := e.try(ctx, s, query, opts)
		if err == nil {
			res := &Result{
				Answer:     finding.Answer,
				Citations:  finding.Citations,
				Confidence: Confidence(finding.Answer, len(finding.Citations), e.cfg.MinAnswerLength),
				Metadata: Metadata{
					Strategy: s.Name(),
					Duration: time.Since(start),
					Failures: failures,
				},
			}
			e.store(ctx, key, res)
			e.audit.Update(ctx, stepID, audit.Patch{
				Status:  audit.StatusSucceeded,
				Details: map[string]any{"strategy": s.Name(), "confidence": res.Confidence},
			})
			return res, nil
		}
		if ctx.Err() != nil {
			e.audit.Update(ctx, stepID, audit.Patch{Status: audit.StatusSkipped, Error: "cancelled"})
			return nil, fmt.Errorf("search %s: %w", s.Name(), ctx.Err())
		}
		lastErr = err
		failures = append(failures, StrategyFailure{Strategy: s.Name(), Reason: faults.Reason(err), Err: err})
	}

	exhausted := &AllStrategiesFailedError{Failures: failures, Last: lastErr}
	e.audit.Update(ctx, stepID, audit.Patch{Status: audit.StatusFailed, Error: exhausted.Error()})
	return nil, exhausted
}

// try runs one strategy under its timeout and breaker.
func (e *Engine) try(ctx context.Context, s Strategy, query string, opts Options) (*Finding, error) {
	name := s.Name()
	dep := e.cfg.Dependency + ":" + name
	if e.breakers != nil {
		if err := e.breakers.Guard(dep); err != nil {
			e.logFailure(name, err)
			e.metrics.ObserveSearch(name, "circuit_open")
			return nil, err
		}
	}

	timeout := e.cfg.StrategyTimeout
	if d, ok := e.timeouts[name]; ok && d > 0 {
		timeout = d
	}
	sctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	finding, err := s.Search(sctx, query, opts)
	if err == nil && (finding == nil || strings.TrimSpace(finding.Answer) == "") {
		err = errEmptyAnswer
	}
	if err != nil && sctx.Err() == context.DeadlineExceeded && ctx.Err() == nil && faults.KindOf(err) == "" {
		err = faults.Timeout(name, err)
	}

	switch {
	case err == nil:
		e.record(dep, true)
		e.metrics.ObserveSearch(name, "success")
		return finding, nil
	case ctx.Err() != nil:
		if e.breakers != nil {
			e.breakers.Abandon(dep)
		}
		return nil, err
	default:
		// An empty answer is a miss, not a broken dependency.
		e.record(dep, errors.Is(err, errEmptyAnswer))
		outcome := "failure"
		if faults.KindOf(err) == faults.KindTimeout {
			outcome = "timeout"
		}
		e.metrics.ObserveSearch(name, outcome)
		e.logFailure(name, err)
		return nil, err
	}
}

func (e *Engine) record(dep string, success bool) {
	if e.breakers != nil {
		e.breakers.RecordOutcome(dep, success)
	}
}

func (e *Engine) logFailure(strategy string, err error) {
	log.WithFields(log.Fields{
		"strategy": strategy,
		"error":    err.Error(),
	}).Warn("search: strategy failed")
}

func (e *Engine) store(ctx context.Context, key string, res *Result) {
	raw, err := json.Marshal(res)
	if err != nil {
		log.WithError(err).Warn("search: encode result for cache")
		return
	}
	if err := e.cache.Set(ctx, key, raw, e.cfg.CacheTTL); err != nil {
		log.WithError(err).Warn("search: cache write failed")
	}
}

// Confidence scores an answer: 0.5 base, +0.2 when the answer is longer than
// minLength, and +0.1 per citation up to +0.3.
func Confidence(answer string, citations, minLength int) float64 {
	score := 0.5
	if len(strings.TrimSpace(answer)) > minLength {
		score += 0.2
	}
	bonus := 0.1 * float64(citations)
	if bonus > 0.3 {
		bonus = 0.3
	}
	return score + bonus
}
