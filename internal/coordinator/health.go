// Copyright 2026 The fallbackd Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package coordinator

import (
	"time"

	"github.com/traylinx/fallbackd/internal/breaker"
	"github.com/traylinx/fallbackd/internal/cache"
	"github.com/traylinx/fallbackd/internal/fallback"
	"github.com/traylinx/fallbackd/internal/heartbeat"
)

// ProviderHealth is the reported state of one provider.
type ProviderHealth struct {
	ID                string                  `json:"id"`
	Available         bool                    `json:"available"`
	UnavailableReason string                  `json:"unavailable_reason,omitempty"`
	CheckedAt         time.Time               `json:"checked_at,omitempty"`
	Circuit           breaker.State           `json:"circuit,omitempty"`
	Stats             *fallback.ProviderStats `json:"stats,omitempty"`
	SuccessRate       float64                 `json:"success_rate"`
	AverageLatency    time.Duration           `json:"average_latency"`
}

// Health is a point-in-time report over the shared components.
type Health struct {
	Timestamp time.Time                   `json:"timestamp"`
	Providers []ProviderHealth            `json:"providers"`
	Breakers  map[string]breaker.Snapshot `json:"breakers,omitempty"`
	// BestProvider is the available provider with the best observed success rate.
	BestProvider string           `json:"best_provider,omitempty"`
	Search       []string         `json:"search_strategies,omitempty"`
	Cache        *cache.Stats     `json:"cache,omitempty"`
	Heartbeat    *heartbeat.Stats `json:"heartbeat,omitempty"`
}

// Health reports provider availability and statistics, breaker states and
// cache counters.
func (c *Coordinator) Health() Health {
	h := Health{Timestamp: time.Now()}
	stats := c.Executor.Stats()

	providers := c.Registry.List()
	ids := make([]string, 0, len(providers))
	for _, p := range providers {
		ph := ProviderHealth{
			ID:                p.ID,
			Available:         p.Available,
			UnavailableReason: p.UnavailableReason,
			CheckedAt:         p.CheckedAt,
			SuccessRate:       1.0,
		}
		if s, ok := stats.Get(p.ID); ok {
			ph.Stats = &s
			ph.SuccessRate = s.SuccessRate()
			ph.AverageLatency = s.AverageLatency()
		}
		if c.Breakers != nil {
			ph.Circuit = c.Breakers.State(p.ID)
		}
		h.Providers = append(h.Providers, ph)
		ids = append(ids, p.ID)
	}
	if best, ok := c.Selector.Best(ids, stats); ok {
		h.BestProvider = best
	}

	if c.Breakers != nil {
		h.Breakers = c.Breakers.Snapshots()
	}
	if c.search != nil {
		h.Search = c.search.Strategies()
		cs := c.search.CacheStats()
		h.Cache = &cs
	}
	if c.monitor != nil {
		ms := c.monitor.Stats()
		h.Heartbeat = &ms
	}
	return h
}
