// Copyright 2026 The fallbackd Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package ratelimit enforces a minimum spacing between successive calls to
// an external dependency. The gate is shared by every caller in the process.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// DefaultDelay is the minimum spacing used when none is configured.
const DefaultDelay = 2 * time.Second

// Limiter holds one token bucket per dependency, each refilling one token
// per delay with a burst of one.
type Limiter struct {
	delay time.Duration

	mu        sync.RWMutex
	overrides map[string]time.Duration
	limiters  map[string]*rate.Limiter
}

// New creates a Limiter. A non-positive delay uses DefaultDelay.
func New(delay time.Duration) *Limiter {
	if delay <= 0 {
		delay = DefaultDelay
	}
	return &Limiter{
		delay:     delay,
		overrides: make(map[string]time.Duration),
		limiters:  make(map[string]*rate.Limiter),
	}
}

// SetDelay overrides the spacing for one dependency. A zero delay disables
// the gate for it.
func (l *Limiter) SetDelay(dependency string, delay time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.overrides[dependency] = delay
	if lim, ok := l.limiters[dependency]; ok {
		lim.SetLimit(limitFor(delay))
	}
}

// Delay returns the spacing enforced for dependency.
func (l *Limiter) Delay(dependency string) time.Duration {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if d, ok := l.overrides[dependency]; ok {
		return d
	}
	return l.delay
}

// Wait blocks until dependency may be called again or ctx is done.
func (l *Limiter) Wait(ctx context.Context, dependency string) error {
	lim := l.get(dependency)
	start := time.Now()
	if err := lim.Wait(ctx); err != nil {
		return fmt.Errorf("ratelimit %s: %w", dependency, err)
	}
	if waited := time.Since(start); waited > time.Millisecond {
		log.WithFields(log.Fields{
			"dependency": dependency,
			"waited_ms":  waited.Milliseconds(),
		}).Debug("ratelimit: delayed call")
	}
	return nil
}

func (l *Limiter) get(dependency string) *rate.Limiter {
	l.mu.RLock()
	lim, ok := l.limiters[dependency]
	l.mu.RUnlock()
	if ok {
		return lim
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if lim, ok := l.limiters[dependency]; ok {
		return lim
	}
	delay := l.delay
	if d, ok := l.overrides[dependency]; ok {
		delay = d
	}
	lim = rate.NewLimiter(limitFor(delay), 1)
	l.limiters[dependency] = lim
	return lim
}

func limitFor(delay time.Duration) rate.Limit {
	if delay <= 0 {
		return rate.Inf
	}
	return rate.Every(delay)
}
