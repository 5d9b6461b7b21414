// Copyright 2026 The fallbackd Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package registry provides the catalog of inference providers known to the
// router, together with their cost, latency and privacy metadata and the live
// availability flag maintained by the liveness probe.
package registry

import (
	"sort"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/traylinx/fallbackd/internal/faults"
)

// PrivacyTier describes where a provider processes data.
type PrivacyTier string

const (
	// PrivacyLocal providers run on the same host and never send data out.
	PrivacyLocal PrivacyTier = "local"
	// PrivacyPrivate providers run in infrastructure the operator controls.
	PrivacyPrivate PrivacyTier = "private"
	// PrivacyPublic providers are third-party cloud APIs.
	PrivacyPublic PrivacyTier = "public"
)

// Pricing holds per-1k-token prices for a provider.
type Pricing struct {
	InputPer1K  float64 `yaml:"input-per-1k" json:"input_per_1k"`
	OutputPer1K float64 `yaml:"output-per-1k" json:"output_per_1k"`
	Currency    string  `yaml:"currency" json:"currency"`
}

// Provider describes a single backend.
type Provider struct {
	// ID is the unique identifier used in fallback chains and breaker keys.
	ID string `yaml:"id" json:"id"`
	// Kind selects the adapter implementation (e.g. "openai").
	Kind string `yaml:"kind" json:"kind"`
	// BaseURL is the adapter endpoint.
	BaseURL string `yaml:"base-url" json:"base_url,omitempty"`
	// Model is the upstream model name sent with each request.
	Model string `yaml:"model" json:"model,omitempty"`
	// APIKey is the bearer credential, usually expanded from the environment.
	APIKey string `yaml:"api-key" json:"-"`
	// HealthURL is checked by the heartbeat monitor when set.
	HealthURL string `yaml:"health-url" json:"health_url,omitempty"`

	// CostTier is 0 for free providers and grows with price.
	CostTier int `yaml:"cost-tier" json:"cost_tier"`
	// LatencyTier is 0 for the fastest providers.
	LatencyTier int `yaml:"latency-tier" json:"latency_tier"`
	// QualityTier grows with expected answer quality.
	QualityTier int         `yaml:"quality-tier" json:"quality_tier"`
	PrivacyTier PrivacyTier `yaml:"privacy-tier" json:"privacy_tier"`
	// TaskTypes lists task types this provider specializes in (e.g. "research").
	TaskTypes []string `yaml:"task-types" json:"task_types,omitempty"`
	Pricing   Pricing  `yaml:"pricing" json:"pricing"`
	// Timeout overrides the executor's per-call timeout.
	Timeout time.Duration `yaml:"timeout" json:"timeout,omitempty"`

	// Available is written by the liveness probe only.
	Available bool `yaml:"-" json:"available"`
	// UnavailableReason is the last reason the probe reported.
	UnavailableReason string `yaml:"-" json:"unavailable_reason,omitempty"`
	// CheckedAt is when availability was last written.
	CheckedAt time.Time `yaml:"-" json:"checked_at,omitempty"`
}

// IsLocal reports whether the provider keeps data on the host.
func (p Provider) IsLocal() bool {
	return p.PrivacyTier == PrivacyLocal
}

// Handles reports whether the provider specializes in taskType.
func (p Provider) Handles(taskType string) bool {
	for _, t := range p.TaskTypes {
		if strings.EqualFold(t, taskType) {
			return true
		}
	}
	return false
}

// Registry is a concurrency-safe provider catalog.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]*Provider
	order     []string
}

// New creates a registry seeded with providers. Seeded providers start available.
func New(providers ...Provider) (*Registry, error) {
	r := &Registry{providers: make(map[string]*Provider)}
	for _, p := range providers {
		if err := r.Register(p); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds or replaces a provider. New providers start available until the
// liveness probe reports otherwise; replaced providers keep their availability.
func (r *Registry) Register(p Provider) error {
	p.ID = strings.TrimSpace(p.ID)
	if p.ID == "" {
		return faults.Invalid("provider.id", "must not be empty")
	}
	if p.PrivacyTier == "" {
		p.PrivacyTier = PrivacyPublic
	}
	p.TaskTypes = append([]string(nil), p.TaskTypes...)

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.providers[p.ID]; ok {
		p.Available = existing.Available
		p.UnavailableReason = existing.UnavailableReason
		p.CheckedAt = existing.CheckedAt
	} else {
		p.Available = true
		r.order = append(r.order, p.ID)
	}
	r.providers[p.ID] = &p
	return nil
}

// Remove deletes a provider from the catalog.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.providers[id]; !ok {
		return
	}
	delete(r.providers, id)
	for i, v := range r.order {
		if v == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

// Get returns a copy of the provider with the given id.
func (r *Registry) Get(id string) (Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[id]
	if !ok {
		return Provider{}, false
	}
	return p.clone(), true
}

// IsAvailable reports whether id is registered and currently available.
func (r *Registry) IsAvailable(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[id]
	return ok && p.Available
}

// List returns copies of every provider in registration order.
func (r *Registry) List() []Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Provider, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.providers[id].clone())
	}
	return out
}

// Available returns copies of the available providers in registration order.
func (r *Registry) Available() []Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Provider, 0, len(r.order))
	for _, id := range r.order {
		if p := r.providers[id]; p.Available {
			out = append(out, p.clone())
		}
	}
	return out
}

// IDs returns the sorted provider ids.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	ids := append([]string(nil), r.order...)
	r.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// UpdateAvailability sets the availability flag of a provider and reports
// whether it changed. It is reserved for the liveness probe path.
func (r *Registry) UpdateAvailability(id string, available bool, reason string) bool {
	r.mu.Lock()
	p, ok := r.providers[id]
	if !ok {
		r.mu.Unlock()
		return false
	}
	changed := p.Available != available
	p.Available = available
	p.CheckedAt = time.Now()
	if available {
		p.UnavailableReason = ""
	} else {
		p.UnavailableReason = reason
	}
	r.mu.Unlock()

	if changed {
		log.WithFields(log.Fields{
			"provider":  id,
			"available": available,
			"reason":    reason,
		}).Info("provider availability changed")
	}
	return changed
}

func (p *Provider) clone() Provider {
	c := *p
	c.TaskTypes = append([]string(nil), p.TaskTypes...)
	return c
}
