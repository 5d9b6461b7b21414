// Copyright 2026 The fallbackd Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package heartbeat

import (
	"context"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/traylinx/fallbackd/internal/faults"
	"golang.org/x/sync/errgroup"
)

// Monitor runs the registered checkers on a fixed interval.
type Monitor struct {
	cfg Config

	mu       sync.RWMutex
	checkers map[string]Checker
	statuses map[string]*HealthStatus
	handlers []Handler
	stats    Stats

	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

// NewMonitor creates a stopped monitor. Zero fields of cfg take their defaults.
func NewMonitor(cfg Config) *Monitor {
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.MaxConcurrentChecks <= 0 {
		cfg.MaxConcurrentChecks = def.MaxConcurrentChecks
	}
	if cfg.RetryAttempts < 0 {
		cfg.RetryAttempts = 0
	}
	return &Monitor{
		cfg:      cfg,
		checkers: make(map[string]Checker),
		statuses: make(map[string]*HealthStatus),
	}
}

// Register adds or replaces the checker for c.Name().
func (m *Monitor) Register(c Checker) error {
	if c == nil {
		return faults.Invalid("checker", "must not be nil")
	}
	if c.Name() == "" {
		return faults.Invalid("checker.name", "must not be empty")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkers[c.Name()] = c
	m.stats.Monitored = len(m.checkers)
	return nil
}

// Unregister removes a checker and its last status.
func (m *Monitor) Unregister(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.checkers, name)
	delete(m.statuses, name)
	m.stats.Monitored = len(m.checkers)
}

// AddHandler registers an event handler. Handlers run in registration order
// on the checking goroutine, so events for one provider are never reordered.
func (m *Monitor) AddHandler(h Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers = append(m.handlers, h)
}

// Start runs an immediate check cycle and then one per interval until ctx
// is cancelled or Stop is called.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.cfg.Enabled {
		return fmt.Errorf("heartbeat monitoring is disabled")
	}
	if m.running {
		return fmt.Errorf("heartbeat monitor is already running")
	}
	loopCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})
	m.running = true
	m.stats.StartTime = time.Now()

	log.WithFields(log.Fields{
		"interval":  m.cfg.Interval.String(),
		"providers": len(m.checkers),
	}).Info("heartbeat: monitor started")

	go m.loop(loopCtx, m.done)
	return nil
}

// Stop cancels the loop and waits for the running cycle to finish.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.cancel()
	done := m.done
	m.mu.Unlock()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		log.Warn("heartbeat: stop timed out waiting for loop")
	}

	m.mu.Lock()
	m.running = false
	stats := m.stats
	m.mu.Unlock()

	log.WithFields(log.Fields{
		"total_cycles":  stats.TotalCycles,
		"total_checks":  stats.TotalChecks,
		"failed_checks": stats.FailedChecks,
	}).Info("heartbeat: monitor stopped")
}

// IsRunning reports whether the loop is active.
func (m *Monitor) IsRunning() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.running
}

func (m *Monitor) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		m.cycle(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (m *Monitor) cycle(ctx context.Context) {
	if err := m.CheckAll(ctx); err != nil {
		log.WithError(err).Debug("heartbeat: check cycle failed")
	}
	m.mu.Lock()
	m.stats.TotalCycles++
	m.stats.LastCycleTime = time.Now()
	m.mu.Unlock()
}

// CheckAll checks every registered provider, at most MaxConcurrentChecks at a time.
func (m *Monitor) CheckAll(ctx context.Context) error {
	m.mu.RLock()
	checkers := make([]Checker, 0, len(m.checkers))
	for _, c := range m.checkers {
		checkers = append(checkers, c)
	}
	m.mu.RUnlock()

	var g errgroup.Group
	g.SetLimit(m.cfg.MaxConcurrentChecks)
	for _, c := range checkers {
		c := c
		g.Go(func() error {
			defer func() {
				if r := recover(); r != nil {
					log.WithField("provider", c.Name()).Errorf("heartbeat: panic in check: %v", r)
				}
			}()
			if _, cerr := m.check(ctx, c); cerr != nil {
				log.WithFields(log.Fields{"provider": c.Name()}).WithError(cerr).Debug("heartbeat: provider check failed")
			}
			return nil
		})
	}
	_ = g.Wait()
	return ctx.Err()
}

// CheckProvider checks one provider now and returns its new status.
func (m *Monitor) CheckProvider(ctx context.Context, name string) (*HealthStatus, error) {
	m.mu.RLock()
	c, ok := m.checkers[name]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("provider %s not registered", name)
	}
	return m.check(ctx, c)
}

// check runs c with retries and records the outcome. A check that keeps
// failing records the provider as unavailable and returns the last error.
func (m *Monitor) check(parent context.Context, c Checker) (*HealthStatus, error) {
	ctx, cancel := context.WithTimeout(parent, m.cfg.Timeout)
	defer cancel()

	var lastErr error
attempts:
	for attempt := 0; attempt <= m.cfg.RetryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				lastErr = ctx.Err()
				break attempts
			case <-time.After(m.cfg.RetryDelay):
			}
		}

		status, err := c.Check(ctx)
		m.mu.Lock()
		m.stats.TotalChecks++
		if err != nil {
			m.stats.FailedChecks++
		} else {
			m.stats.SuccessfulChecks++
		}
		m.mu.Unlock()

		if err == nil {
			status.Provider = c.Name()
			m.update(status)
			return status, nil
		}
		lastErr = err
		m.emit(Event{
			Type:      EventCheckFailed,
			Provider:  c.Name(),
			Timestamp: time.Now(),
			Err:       err,
		})
	}

	if parent.Err() != nil {
		// shutting down, not a provider failure
		return nil, parent.Err()
	}
	status := &HealthStatus{
		Provider:     c.Name(),
		Status:       StatusUnavailable,
		LastCheck:    time.Now(),
		ErrorMessage: fmt.Sprintf("health check failed after %d attempts: %v", m.cfg.RetryAttempts+1, lastErr),
	}
	m.update(status)
	return status, lastErr
}

func (m *Monitor) update(status *HealthStatus) {
	m.mu.Lock()
	prev := m.statuses[status.Provider]
	m.statuses[status.Provider] = status
	m.countStatuses()
	m.mu.Unlock()

	if prev != nil && prev.Status == status.Status {
		return
	}
	ev := Event{
		Provider:  status.Provider,
		Timestamp: time.Now(),
		Status:    status,
		Previous:  prev,
	}
	switch status.Status {
	case StatusHealthy:
		ev.Type = EventProviderHealthy
	case StatusDegraded:
		ev.Type = EventProviderDegraded
	default:
		ev.Type = EventProviderUnavailable
	}
	m.emit(ev)
}

func (m *Monitor) countStatuses() {
	m.stats.Healthy, m.stats.Degraded, m.stats.Unavailable = 0, 0, 0
	for _, s := range m.statuses {
		switch s.Status {
		case StatusHealthy:
			m.stats.Healthy++
		case StatusDegraded:
			m.stats.Degraded++
		case StatusUnavailable:
			m.stats.Unavailable++
		}
	}
}

func (m *Monitor) emit(ev Event) {
	m.mu.RLock()
	handlers := append([]Handler(nil), m.handlers...)
	m.mu.RUnlock()

	for _, h := range handlers {
		if err := h.HandleEvent(ev); err != nil {
			log.WithFields(log.Fields{
				"provider": ev.Provider,
				"event":    ev.Type,
			}).WithError(err).Error("heartbeat: event handler failed")
		}
	}
}

// Status returns a copy of the last status of a provider.
func (m *Monitor) Status(name string) (HealthStatus, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.statuses[name]
	if !ok {
		return HealthStatus{}, false
	}
	return *s, true
}

// Statuses returns copies of every known status.
func (m *Monitor) Statuses() map[string]HealthStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]HealthStatus, len(m.statuses))
	for k, s := range m.statuses {
		out[k] = *s
	}
	return out
}

// Stats returns a copy of the monitor statistics.
func (m *Monitor) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.stats
}
