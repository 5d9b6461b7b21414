// Copyright 2026 The fallbackd Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package selector chooses which providers should serve a request and in
// what order they should be tried.
package selector

import (
	"fmt"
	"sort"
	"sync"

	log "github.com/sirupsen/logrus"
	"github.com/traylinx/fallbackd/internal/breaker"
	"github.com/traylinx/fallbackd/internal/faults"
	"github.com/traylinx/fallbackd/internal/registry"
)

// Strategy is a selection strategy supplied per request.
type Strategy string

const (
	CostOptimized        Strategy = "cost_optimized"
	PerformanceOptimized Strategy = "performance_optimized"
	PrivacyOptimized     Strategy = "privacy_optimized"
	QualityOptimized     Strategy = "quality_optimized"
	Balanced             Strategy = "balanced"
)

// ParseStrategy validates s. An empty string means Balanced.
func ParseStrategy(s string) (Strategy, error) {
	switch st := Strategy(s); st {
	case "":
		return Balanced, nil
	case CostOptimized, PerformanceOptimized, PrivacyOptimized, QualityOptimized, Balanced:
		return st, nil
	default:
		return "", faults.Invalid("strategy", fmt.Sprintf("unknown strategy %q", s))
	}
}

// Requirements are caller constraints.
type Requirements struct {
	// RequiresPrivacy forces a local provider when one is available.
	RequiresPrivacy bool `json:"requires_privacy"`
	// MinQualityTier drops providers below this quality tier.
	MinQualityTier int `json:"min_quality_tier,omitempty"`
	// Exclude lists provider ids that must not be chosen, e.g. over budget.
	Exclude []string `json:"exclude,omitempty"`
	// PromptLength is exposed to routing rules.
	PromptLength int `json:"prompt_length,omitempty"`
}

// StatsSource reports observed provider success rates.
type StatsSource interface {
	// SuccessRate returns the success ratio in [0,1] and whether any call was observed.
	SuccessRate(provider string) (float64, bool)
}

// Selector implements the selection precedence: privacy override, strategy
// branch, configured fallback chain.
type Selector struct {
	registry *registry.Registry
	breakers *breaker.Registry

	mu            sync.RWMutex
	fallbackChain []string
	rules         []compiledRule
}

// Option customizes a Selector.
type Option func(*Selector)

// WithBreakers lets Best skip providers whose circuit is open.
func WithBreakers(b *breaker.Registry) Option {
	return func(s *Selector) { s.breakers = b }
}

// New creates a selector over reg with a fixed fallback chain.
func New(reg *registry.Registry, fallbackChain []string, opts ...Option) *Selector {
	s := &Selector{
		registry:      reg,
		fallbackChain: append([]string(nil), fallbackChain...),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// FallbackChain returns a copy of the configured chain.
func (s *Selector) FallbackChain() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.fallbackChain...)
}

// SetRules compiles and installs routing rules. On error the previous rules stay active.
func (s *Selector) SetRules(rules []Rule) error {
	compiled, err := compileRules(rules)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.rules = compiled
	s.mu.Unlock()
	return nil
}

// SetFallbackChain replaces the chain, for configuration reloads.
func (s *Selector) SetFallbackChain(chain []string) {
	s.mu.Lock()
	s.fallbackChain = append([]string(nil), chain...)
	s.mu.Unlock()
}

// Select returns the ordered candidates for a request. The chosen provider
// comes first; the remaining available fallback-chain members follow in chain
// order, except under the privacy override where the local provider is the
// sole candidate.
func (s *Selector) Select(taskType string, strategy Strategy, req Requirements) ([]string, error) {
	if _, err := ParseStrategy(string(strategy)); err != nil {
		return nil, err
	}
	if strategy == "" {
		strategy = Balanced
	}

	pool := s.eligible(req)

	if req.RequiresPrivacy {
		if p, ok := fastest(filter(pool, registry.Provider.IsLocal)); ok {
			log.WithFields(log.Fields{
				"task_type": taskType,
				"provider":  p.ID,
			}).Debug("selector: privacy override")
			return []string{p.ID}, nil
		}
	}

	primary, reason := s.byStrategy(taskType, strategy, req, pool)
	chain := s.FallbackChain()
	if primary == "" {
		for _, id := range chain {
			if containsProvider(pool, id) {
				primary, reason = id, "fallback_chain"
				break
			}
		}
	}
	if primary == "" {
		return nil, fmt.Errorf("select %s/%s: %w", taskType, strategy, faults.ErrNoProviderAvailable)
	}

	candidates := []string{primary}
	for _, id := range chain {
		if id != primary && containsProvider(pool, id) {
			candidates = append(candidates, id)
		}
	}

	log.WithFields(log.Fields{
		"task_type":  taskType,
		"strategy":   strategy,
		"reason":     reason,
		"candidates": candidates,
	}).Debug("selector: candidates chosen")
	return candidates, nil
}

func (s *Selector) byStrategy(taskType string, strategy Strategy, req Requirements, pool []registry.Provider) (string, string) {
	switch strategy {
	case CostOptimized:
		free := filter(pool, func(p registry.Provider) bool { return p.CostTier == 0 })
		if p, ok := fastest(free); ok {
			return p.ID, "zero_cost"
		}
		if p, ok := cheapest(pool); ok {
			return p.ID, "cheapest"
		}
	case PerformanceOptimized:
		if p, ok := fastest(pool); ok {
			return p.ID, "lowest_latency"
		}
	case PrivacyOptimized:
		if p, ok := fastest(filter(pool, registry.Provider.IsLocal)); ok {
			return p.ID, "local_only"
		}
	case QualityOptimized:
		matched := filter(pool, func(p registry.Provider) bool { return p.Handles(taskType) })
		if p, ok := best(matched); ok {
			return p.ID, "task_specialist"
		}
	case Balanced:
		if id := s.routeTask(taskType, strategy, req, pool); id != "" {
			return id, "task_routing"
		}
	}
	return "", ""
}

// routeTask applies configured rules first, then built-in task routing:
// coding prefers a local provider, other task types prefer a specialist.
func (s *Selector) routeTask(taskType string, strategy Strategy, req Requirements, pool []registry.Provider) string {
	s.mu.RLock()
	rules := s.rules
	s.mu.RUnlock()

	env := RuleEnv{
		TaskType:        taskType,
		Strategy:        string(strategy),
		RequiresPrivacy: req.RequiresPrivacy,
		PromptLength:    req.PromptLength,
	}
	for _, r := range rules {
		if !containsProvider(pool, r.Provider) {
			continue
		}
		ok, err := r.match(env)
		if err != nil {
			log.WithError(err).WithField("rule", r.Name).Warn("selector: routing rule failed")
			continue
		}
		if ok {
			return r.Provider
		}
	}

	if taskType == "coding" {
		if p, ok := fastest(filter(pool, registry.Provider.IsLocal)); ok {
			return p.ID
		}
	}
	if p, ok := best(filter(pool, func(p registry.Provider) bool { return p.Handles(taskType) })); ok {
		return p.ID
	}
	return ""
}

// Best returns the available provider among ids with the highest observed
// success rate. Providers with an open circuit are skipped and providers
// without history count as fully successful. Ties keep the order of ids.
func (s *Selector) Best(ids []string, stats StatsSource) (string, bool) {
	bestID, bestRate := "", -1.0
	for _, id := range ids {
		if !s.registry.IsAvailable(id) {
			continue
		}
		if s.breakers != nil && s.breakers.State(id) == breaker.StateOpen {
			continue
		}
		rate := 1.0
		if stats != nil {
			if r, seen := stats.SuccessRate(id); seen {
				rate = r
			}
		}
		if rate > bestRate {
			bestID, bestRate = id, rate
		}
	}
	return bestID, bestID != ""
}

func (s *Selector) eligible(req Requirements) []registry.Provider {
	excluded := make(map[string]struct{}, len(req.Exclude))
	for _, id := range req.Exclude {
		excluded[id] = struct{}{}
	}
	return filter(s.registry.Available(), func(p registry.Provider) bool {
		if _, skip := excluded[p.ID]; skip {
			return false
		}
		return p.QualityTier >= req.MinQualityTier
	})
}

func filter(in []registry.Provider, keep func(registry.Provider) bool) []registry.Provider {
	out := make([]registry.Provider, 0, len(in))
	for _, p := range in {
		if keep(p) {
			out = append(out, p)
		}
	}
	return out
}

func containsProvider(pool []registry.Provider, id string) bool {
	for _, p := range pool {
		if p.ID == id {
			return true
		}
	}
	return false
}

// pick returns the first provider after a stable sort, so registration order
// breaks ties.
func pick(pool []registry.Provider, less func(a, b registry.Provider) bool) (registry.Provider, bool) {
	if len(pool) == 0 {
		return registry.Provider{}, false
	}
	sorted := append([]registry.Provider(nil), pool...)
	sort.SliceStable(sorted, func(i, j int) bool { return less(sorted[i], sorted[j]) })
	return sorted[0], true
}

func fastest(pool []registry.Provider) (registry.Provider, bool) {
	return pick(pool, func(a, b registry.Provider) bool {
		if a.LatencyTier != b.LatencyTier {
			return a.LatencyTier < b.LatencyTier
		}
		return a.CostTier < b.CostTier
	})
}

func cheapest(pool []registry.Provider) (registry.Provider, bool) {
	return pick(pool, func(a, b registry.Provider) bool {
		if a.CostTier != b.CostTier {
			return a.CostTier < b.CostTier
		}
		return a.LatencyTier < b.LatencyTier
	})
}

func best(pool []registry.Provider) (registry.Provider, bool) {
	return pick(pool, func(a, b registry.Provider) bool {
		if a.QualityTier != b.QualityTier {
			return a.QualityTier > b.QualityTier
		}
		return a.LatencyTier < b.LatencyTier
	})
}
