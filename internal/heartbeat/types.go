// Copyright 2026 The fallbackd Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package heartbeat is the liveness probe. A Monitor periodically runs one
// Checker per provider and reports status changes to its handlers; the
// RegistryUpdater handler is the only code that writes provider availability.
package heartbeat

import (
	"context"
	"time"
)

// Status is the health of a provider as seen by its checker.
type Status string

const (
	// StatusHealthy providers are fully operational.
	StatusHealthy Status = "healthy"
	// StatusDegraded providers answer but are near their quota or rate limited.
	StatusDegraded Status = "degraded"
	// StatusUnavailable providers could not be reached.
	StatusUnavailable Status = "unavailable"
)

// HealthStatus is the result of one check.
type HealthStatus struct {
	Provider     string        `json:"provider"`
	Status       Status        `json:"status"`
	LastCheck    time.Time     `json:"last_check"`
	ResponseTime time.Duration `json:"response_time"`
	// ModelsCount is the number of models the endpoint listed, when it lists any.
	ModelsCount int `json:"models_count"`
	// QuotaUsed and QuotaLimit come from rate-limit response headers.
	QuotaUsed    float64 `json:"quota_used"`
	QuotaLimit   float64 `json:"quota_limit"`
	ErrorMessage string  `json:"error_message,omitempty"`
}

// Checker probes a single provider.
type Checker interface {
	// Name is the provider id the checker reports for.
	Name() string
	Check(ctx context.Context) (*HealthStatus, error)
}

// Config controls the monitor loop.
type Config struct {
	Enabled  bool          `yaml:"enabled" json:"enabled"`
	Interval time.Duration `yaml:"interval" json:"interval"`
	// Timeout bounds a single check including its retries.
	Timeout             time.Duration `yaml:"timeout" json:"timeout"`
	MaxConcurrentChecks int           `yaml:"max-concurrent-checks" json:"max-concurrent-checks"`
	// RetryAttempts is how many times a failed check is repeated before the
	// provider is reported unavailable.
	RetryAttempts int           `yaml:"retry-attempts" json:"retry-attempts"`
	RetryDelay    time.Duration `yaml:"retry-delay" json:"retry-delay"`
	// QuotaDegradedThreshold is the quota usage ratio at which a reachable
	// provider is reported degraded.
	QuotaDegradedThreshold float64 `yaml:"quota-degraded-threshold" json:"quota-degraded-threshold"`
}

// DefaultConfig returns the default monitor configuration.
func DefaultConfig() Config {
	return Config{
		Enabled:                true,
		Interval:               time.Minute,
		Timeout:                5 * time.Second,
		MaxConcurrentChecks:    10,
		RetryAttempts:          1,
		RetryDelay:             time.Second,
		QuotaDegradedThreshold: 0.95,
	}
}

// EventType names a monitor event.
type EventType string

const (
	EventProviderHealthy     EventType = "provider_healthy"
	EventProviderDegraded    EventType = "provider_degraded"
	EventProviderUnavailable EventType = "provider_unavailable"
	EventCheckFailed         EventType = "check_failed"
)

// Event is emitted when a provider changes status or a check attempt fails.
type Event struct {
	Type      EventType     `json:"type"`
	Provider  string        `json:"provider"`
	Timestamp time.Time     `json:"timestamp"`
	Status    *HealthStatus `json:"status,omitempty"`
	Previous  *HealthStatus `json:"previous,omitempty"`
	Err       error         `json:"-"`
}

// Handler receives monitor events.
type Handler interface {
	HandleEvent(ev Event) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ev Event) error

// HandleEvent implements Handler.
func (f HandlerFunc) HandleEvent(ev Event) error { return f(ev) }

// Stats summarizes the monitor's activity.
type Stats struct {
	StartTime        time.Time `json:"start_time"`
	LastCycleTime    time.Time `json:"last_cycle_time"`
	TotalCycles      int64     `json:"total_cycles"`
	TotalChecks      int64     `json:"total_checks"`
	SuccessfulChecks int64     `json:"successful_checks"`
	FailedChecks     int64     `json:"failed_checks"`
	Monitored        int       `json:"monitored"`
	Healthy          int       `json:"healthy"`
	Degraded         int       `json:"degraded"`
	Unavailable      int       `json:"unavailable"`
}
