// Copyright 2026 The fallbackd Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package metrics records routing, breaker, retry and search activity as
// Prometheus collectors, and keeps cheap atomic counters for health reports.
package metrics

import (
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "fallbackd"

// Recorder owns the collectors. A nil *Recorder is valid and records nothing.
type Recorder struct {
	providerCalls      *prometheus.CounterVec
	providerLatency    *prometheus.HistogramVec
	breakerTransitions *prometheus.CounterVec
	breakerOpen        *prometheus.GaugeVec
	retries            *prometheus.CounterVec
	searches           *prometheus.CounterVec
	cacheEvents        *prometheus.CounterVec
	auditFailures      prometheus.Counter

	calls           atomic.Int64
	failures        atomic.Int64
	fallbacks       atomic.Int64
	retriesTotal    atomic.Int64
	searchesTotal   atomic.Int64
	cacheHits       atomic.Int64
	breakerOpenings atomic.Int64
	auditDropped    atomic.Int64
	startTime       time.Time
}

// Snapshot is a point-in-time copy of the atomic counters.
type Snapshot struct {
	ProviderCalls    int64         `json:"provider_calls"`
	ProviderFailures int64         `json:"provider_failures"`
	Fallbacks        int64         `json:"fallbacks"`
	Retries          int64         `json:"retries"`
	Searches         int64         `json:"searches"`
	CacheHits        int64         `json:"cache_hits"`
	BreakerOpenings  int64         `json:"breaker_openings"`
	AuditFailures    int64         `json:"audit_failures"`
	Uptime           time.Duration `json:"uptime"`
}

// New creates a Recorder and registers its collectors on reg. A nil reg
// uses a private registry, which keeps tests independent.
func New(reg prometheus.Registerer) *Recorder {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	r := &Recorder{
		providerCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_calls_total",
			Help:      "Provider adapter calls by outcome.",
		}, []string{"provider", "outcome"}),
		providerLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "provider_call_duration_seconds",
			Help:      "Provider adapter call latency.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
		}, []string{"provider"}),
		breakerTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "breaker_transitions_total",
			Help:      "Circuit breaker state transitions.",
		}, []string{"dependency", "from", "to"}),
		breakerOpen: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "breaker_open",
			Help:      "1 while the dependency's circuit is not closed.",
		}, []string{"dependency"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retries_total",
			Help:      "Authorized quality-gated retries by strategy.",
		}, []string{"strategy"}),
		searches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "search_strategy_runs_total",
			Help:      "Search strategy executions by outcome.",
		}, []string{"strategy", "outcome"}),
		cacheEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_events_total",
			Help:      "Search cache hits, misses, evictions and expirations.",
		}, []string{"event"}),
		auditFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audit_failures_total",
			Help:      "Audit writes that failed and were dropped.",
		}),
		startTime: time.Now(),
	}
	reg.MustRegister(
		r.providerCalls,
		r.providerLatency,
		r.breakerTransitions,
		r.breakerOpen,
		r.retries,
		r.searches,
		r.cacheEvents,
		r.auditFailures,
	)
	return r
}

// ObserveCall records one adapter call. Outcome is "success" or a failure reason.
func (r *Recorder) ObserveCall(provider, outcome string, took time.Duration) {
	if r == nil {
		return
	}
	r.calls.Add(1)
	if outcome != "success" {
		r.failures.Add(1)
	}
	r.providerCalls.WithLabelValues(provider, outcome).Inc()
	r.providerLatency.WithLabelValues(provider).Observe(took.Seconds())
}

// ObserveFallback records that the executor advanced past a candidate.
func (r *Recorder) ObserveFallback() {
	if r == nil {
		return
	}
	r.fallbacks.Add(1)
}

// ObserveBreakerTransition matches breaker.StateChangeFunc after conversion.
func (r *Recorder) ObserveBreakerTransition(dependency, from, to string) {
	if r == nil {
		return
	}
	r.breakerTransitions.WithLabelValues(dependency, from, to).Inc()
	if to == "closed" {
		r.breakerOpen.WithLabelValues(dependency).Set(0)
		return
	}
	if to == "open" && from == "closed" {
		r.breakerOpenings.Add(1)
	}
	r.breakerOpen.WithLabelValues(dependency).Set(1)
}

// ObserveRetry records an authorized retry.
func (r *Recorder) ObserveRetry(strategy string) {
	if r == nil {
		return
	}
	r.retriesTotal.Add(1)
	r.retries.WithLabelValues(strategy).Inc()
}

// ObserveSearch records a strategy run; outcome is "success", "failure" or "timeout".
func (r *Recorder) ObserveSearch(strategy, outcome string) {
	if r == nil {
		return
	}
	r.searchesTotal.Add(1)
	r.searches.WithLabelValues(strategy, outcome).Inc()
}

// ObserveCache records a cache event: "hit", "miss", "eviction" or "expiration".
func (r *Recorder) ObserveCache(event string) {
	if r == nil {
		return
	}
	if event == "hit" {
		r.cacheHits.Add(1)
	}
	r.cacheEvents.WithLabelValues(event).Inc()
}

// ObserveAuditFailure records a dropped audit write.
func (r *Recorder) ObserveAuditFailure() {
	if r == nil {
		return
	}
	r.auditDropped.Add(1)
	r.auditFailures.Inc()
}

// Snapshot returns the atomic counters.
func (r *Recorder) Snapshot() Snapshot {
	if r == nil {
		return Snapshot{}
	}
	return Snapshot{
		ProviderCalls:    r.calls.Load(),
		ProviderFailures: r.failures.Load(),
		Fallbacks:        r.fallbacks.Load(),
		Retries:          r.retriesTotal.Load(),
		Searches:         r.searchesTotal.Load(),
		CacheHits:        r.cacheHits.Load(),
		BreakerOpenings:  r.breakerOpenings.Load(),
		AuditFailures:    r.auditDropped.Load(),
		Uptime:           time.Since(r.startTime),
	}
}
