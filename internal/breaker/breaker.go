// Copyright 2026 The fallbackd Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package breaker implements per-dependency circuit breakers.
//
// Each guarded dependency owns a three-state machine (closed, open, half_open)
// protected by its own mutex. The open to half_open transition is evaluated
// lazily on the next Guard call, so no timers outlive the process.
package breaker

import (
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/traylinx/fallbackd/internal/faults"
)

// State is the state of a single circuit.
type State string

const (
	// StateClosed lets every call through.
	StateClosed State = "closed"
	// StateOpen rejects every call until the open duration has elapsed.
	StateOpen State = "open"
	// StateHalfOpen admits a single trial call.
	StateHalfOpen State = "half_open"
)

const (
	// DefaultFailureThreshold is the number of consecutive failures that trips a closed circuit.
	DefaultFailureThreshold = 5
	// DefaultOpenDuration is how long an open circuit rejects calls.
	DefaultOpenDuration = 60 * time.Second
)

// Config holds breaker thresholds.
type Config struct {
	// FailureThreshold is the failure count at which a closed circuit opens.
	FailureThreshold uint `yaml:"failure-threshold" json:"failure_threshold"`
	// OpenDuration is measured from the last recorded failure.
	OpenDuration time.Duration `yaml:"open-duration" json:"open_duration"`
}

func (c Config) withDefaults() Config {
	if c.FailureThreshold == 0 {
		c.FailureThreshold = DefaultFailureThreshold
	}
	if c.OpenDuration <= 0 {
		c.OpenDuration = DefaultOpenDuration
	}
	return c
}

// Snapshot is an immutable copy of a circuit's state.
type Snapshot struct {
	Dependency       string        `json:"dependency"`
	State            State         `json:"state"`
	FailureCount     uint          `json:"failure_count"`
	LastFailureAt    time.Time     `json:"last_failure_at,omitempty"`
	FailureThreshold uint          `json:"failure_threshold"`
	OpenDuration     time.Duration `json:"open_duration"`
	TrialInFlight    bool          `json:"trial_in_flight"`
}

// StateChangeFunc observes a transition. It is called without any breaker lock held.
type StateChangeFunc func(dependency string, from, to State)

// Option customizes a Registry.
type Option func(*Registry)

// WithClock replaces time.Now, mostly for tests.
func WithClock(clock func() time.Time) Option {
	return func(r *Registry) {
		if clock != nil {
			r.clock = clock
		}
	}
}

// WithOverride sets thresholds for one dependency.
func WithOverride(dependency string, cfg Config) Option {
	return func(r *Registry) { r.overrides[dependency] = cfg.withDefaults() }
}

// WithStateChange registers a transition observer.
func WithStateChange(fn StateChangeFunc) Option {
	return func(r *Registry) {
		if fn != nil {
			r.observers = append(r.observers, fn)
		}
	}
}

// Registry owns one circuit per dependency id. Circuits are created on first use.
type Registry struct {
	defaults  Config
	overrides map[string]Config
	clock     func() time.Time
	observers []StateChangeFunc

	mu       sync.RWMutex
	circuits map[string]*circuit
}

type circuit struct {
	mu            sync.Mutex
	cfg           Config
	state         State
	failureCount  uint
	lastFailureAt time.Time
	trialInFlight bool
}

type transition struct {
	dependency string
	from, to   State
}

// NewRegistry creates a breaker registry with the given default thresholds.
func NewRegistry(cfg Config, opts ...Option) *Registry {
	r := &Registry{
		defaults:  cfg.withDefaults(),
		overrides: make(map[string]Config),
		clock:     time.Now,
		circuits:  make(map[string]*circuit),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Registry) get(dependency string) *circuit {
	r.mu.RLock()
	c, ok := r.circuits[dependency]
	r.mu.RUnlock()
	if ok {
		return c
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok = r.circuits[dependency]; ok {
		return c
	}
	cfg, ok := r.overrides[dependency]
	if !ok {
		cfg = r.defaults
	}
	c = &circuit{cfg: cfg, state: StateClosed}
	r.circuits[dependency] = c
	return c
}

// Guard decides whether a call to dependency may be attempted. It returns nil
// to allow the call, or a *faults.CircuitOpenError to reject it.
func (r *Registry) Guard(dependency string) error {
	c := r.get(dependency)
	now := r.clock()

	c.mu.Lock()
	var tr *transition
	var rejected error
	switch c.state {
	case StateOpen:
		if now.Sub(c.lastFailureAt) < c.cfg.OpenDuration {
			rejected = &faults.CircuitOpenError{Dependency: dependency, State: string(StateOpen)}
			break
		}
		tr = c.setState(dependency, StateHalfOpen)
		c.trialInFlight = true
	case StateHalfOpen:
		if c.trialInFlight {
			rejected = &faults.CircuitOpenError{Dependency: dependency, State: string(StateHalfOpen)}
			break
		}
		c.trialInFlight = true
	}
	c.mu.Unlock()

	r.notify(tr)
	return rejected
}

// RecordOutcome feeds the result of a real call back into the circuit.
func (r *Registry) RecordOutcome(dependency string, success bool) {
	c := r.get(dependency)
	now := r.clock()

	c.mu.Lock()
	var tr *transition
	if success {
		switch c.state {
		case StateHalfOpen:
			c.failureCount = 0
			c.trialInFlight = false
			tr = c.setState(dependency, StateClosed)
		case StateClosed:
			c.failureCount = 0
		}
	} else {
		c.failureCount++
		c.lastFailureAt = now
		switch c.state {
		case StateClosed:
			if c.failureCount >= c.cfg.FailureThreshold {
				tr = c.setState(dependency, StateOpen)
			}
		case StateHalfOpen:
			c.trialInFlight = false
			tr = c.setState(dependency, StateOpen)
		}
	}
	c.mu.Unlock()

	r.notify(tr)
}

// Abandon releases a half-open trial slot without recording an outcome. It is
// used when the caller cancels the trial call before the dependency answered.
func (r *Registry) Abandon(dependency string) {
	c := r.get(dependency)
	c.mu.Lock()
	if c.state == StateHalfOpen {
		c.trialInFlight = false
	}
	c.mu.Unlock()
}

// Reset forces a circuit back to closed with a zero failure count.
func (r *Registry) Reset(dependency string) {
	c := r.get(dependency)
	c.mu.Lock()
	c.failureCount = 0
	c.trialInFlight = false
	c.lastFailureAt = time.Time{}
	tr := c.setState(dependency, StateClosed)
	c.mu.Unlock()

	r.notify(tr)
}

// Snapshot returns a copy of the dependency's circuit.
func (r *Registry) Snapshot(dependency string) Snapshot {
	c := r.get(dependency)
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshot(dependency)
}

// State returns the stored state of a dependency's circuit.
func (r *Registry) State(dependency string) State {
	return r.Snapshot(dependency).State
}

// Snapshots returns copies of every known circuit keyed by dependency.
func (r *Registry) Snapshots() map[string]Snapshot {
	r.mu.RLock()
	deps := make(map[string]*circuit, len(r.circuits))
	for dep, c := range r.circuits {
		deps[dep] = c
	}
	r.mu.RUnlock()

	out := make(map[string]Snapshot, len(deps))
	for dep, c := range deps {
		c.mu.Lock()
		out[dep] = c.snapshot(dep)
		c.mu.Unlock()
	}
	return out
}

func (c *circuit) snapshot(dependency string) Snapshot {
	return Snapshot{
		Dependency:       dependency,
		State:            c.state,
		FailureCount:     c.failureCount,
		LastFailureAt:    c.lastFailureAt,
		FailureThreshold: c.cfg.FailureThreshold,
		OpenDuration:     c.cfg.OpenDuration,
		TrialInFlight:    c.trialInFlight,
	}
}

// setState must be called with c.mu held.
func (c *circuit) setState(dependency string, to State) *transition {
	if c.state == to {
		return nil
	}
	from := c.state
	c.state = to
	return &transition{dependency: dependency, from: from, to: to}
}

func (r *Registry) notify(tr *transition) {
	if tr == nil {
		return
	}

	log.WithFields(log.Fields{
		"dependency": tr.dependency,
		"from":       tr.from,
		"to":         tr.to,
	}).Info("circuit breaker state changed")

	r.mu.RLock()
	observers := make([]StateChangeFunc, len(r.observers))
	copy(observers, r.observers)
	r.mu.RUnlock()

	for _, fn := range observers {
		fn(tr.dependency, tr.from, tr.to)
	}
}
