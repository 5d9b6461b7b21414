// Copyright 2026 The fallbackd Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package fallback

import (
	"sync"
	"time"
)

// ProviderStats is the observed performance of one provider.
type ProviderStats struct {
	Provider       string           `json:"provider"`
	TotalRequests  int64            `json:"total_requests"`
	SuccessCount   int64            `json:"success_count"`
	FailureCount   int64            `json:"failure_count"`
	TotalLatency   time.Duration    `json:"-"`
	LastSuccess    time.Time        `json:"last_success,omitempty"`
	LastFailure    time.Time        `json:"last_failure,omitempty"`
	LastError      string           `json:"last_error,omitempty"`
	FailureReasons map[string]int64 `json:"failure_reasons,omitempty"`
}

// SuccessRate is 1 when nothing was observed.
func (s ProviderStats) SuccessRate() float64 {
	if s.TotalRequests == 0 {
		return 1.0
	}
	return float64(s.SuccessCount) / float64(s.TotalRequests)
}

// AverageLatency of all observed calls.
func (s ProviderStats) AverageLatency() time.Duration {
	if s.TotalRequests == 0 {
		return 0
	}
	return s.TotalLatency / time.Duration(s.TotalRequests)
}

// Stats tracks per-provider outcomes. It satisfies selector.StatsSource.
type Stats struct {
	mu    sync.RWMutex
	stats map[string]*ProviderStats
}

// NewStats creates an empty tracker.
func NewStats() *Stats {
	return &Stats{stats: make(map[string]*ProviderStats)}
}

// Record adds one call outcome. reason is ignored on success.
func (t *Stats) Record(provider string, success bool, latency time.Duration, reason string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.stats[provider]
	if !ok {
		s = &ProviderStats{Provider: provider, FailureReasons: make(map[string]int64)}
		t.stats[provider] = s
	}
	s.TotalRequests++
	s.TotalLatency += latency
	if success {
		s.SuccessCount++
		s.LastSuccess = time.Now()
		return
	}
	s.FailureCount++
	s.LastFailure = time.Now()
	s.LastError = reason
	if reason != "" {
		s.FailureReasons[reason]++
	}
}

// SuccessRate implements selector.StatsSource.
func (t *Stats) SuccessRate(provider string) (float64, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.stats[provider]
	if !ok || s.TotalRequests == 0 {
		return 1.0, false
	}
	return s.SuccessRate(), true
}

// Get returns a copy of one provider's stats.
func (t *Stats) Get(provider string) (ProviderStats, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.stats[provider]
	if !ok {
		return ProviderStats{}, false
	}
	return s.clone(), true
}

// All returns copies of every tracked provider.
func (t *Stats) All() map[string]ProviderStats {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[string]ProviderStats, len(t.stats))
	for k, v := range t.stats {
		out[k] = v.clone()
	}
	return out
}

// Reset clears all statistics.
func (t *Stats) Reset() {
	t.mu.Lock()
	t.stats = make(map[string]*ProviderStats)
	t.mu.Unlock()
}

func (s *ProviderStats) clone() ProviderStats {
	c := *s
	c.FailureReasons = make(map[string]int64, len(s.FailureReasons))
	for k, v := range s.FailureReasons {
		c.FailureReasons[k] = v
	}
	return c
}
