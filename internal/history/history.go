// Copyright 2026 The fallbackd Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package history keeps the append-only per-session log of provider calls,
// quality evaluations and authorized retries.
package history

import (
	"context"
	"sync"
	"time"

	"github.com/traylinx/fallbackd/internal/faults"
)

// Kind distinguishes the entries of a session log.
type Kind string

const (
	// KindCall is one provider call made by the fallback executor.
	KindCall Kind = "call"
	// KindEvaluation is the quality score of a completed attempt.
	KindEvaluation Kind = "evaluation"
	// KindRetry is an authorized retry. Only these count toward the retry ceiling.
	KindRetry Kind = "retry"
)

// Attempt is an immutable history entry.
type Attempt struct {
	SessionID string `json:"session_id"`
	Kind      Kind   `json:"kind"`
	// AttemptNumber is 1-based. For retries it is the retry ordinal.
	AttemptNumber int       `json:"attempt_number"`
	Strategy      string    `json:"strategy,omitempty"`
	Provider      string    `json:"provider,omitempty"`
	Reason        string    `json:"reason,omitempty"`
	Score         float64   `json:"score"`
	Success       bool      `json:"success"`
	Timestamp     time.Time `json:"timestamp"`
}

// Store is a session history backend. Implementations must be safe for
// concurrent use.
type Store interface {
	Append(ctx context.Context, a Attempt) error
	List(ctx context.Context, sessionID string) ([]Attempt, error)
	// RetryCount returns the number of KindRetry entries for the session.
	RetryCount(ctx context.Context, sessionID string) (int, error)
	// Clear drops the session's log when the session terminates.
	Clear(ctx context.Context, sessionID string) error
	Close() error
}

func validate(a *Attempt) error {
	if a.SessionID == "" {
		return faults.Invalid("session_id", "must not be empty")
	}
	switch a.Kind {
	case KindCall, KindEvaluation, KindRetry:
	default:
		return faults.Invalid("kind", "unknown attempt kind "+string(a.Kind))
	}
	if a.Timestamp.IsZero() {
		a.Timestamp = time.Now()
	}
	return nil
}

// MemoryStore keeps history in process memory.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string][]Attempt
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string][]Attempt)}
}

// Append implements Store.
func (s *MemoryStore) Append(_ context.Context, a Attempt) error {
	if err := validate(&a); err != nil {
		return err
	}
	s.mu.Lock()
	s.sessions[a.SessionID] = append(s.sessions[a.SessionID], a)
	s.mu.Unlock()
	return nil
}

// List implements Store.
func (s *MemoryStore) List(_ context.Context, sessionID string) ([]Attempt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Attempt(nil), s.sessions[sessionID]...), nil
}

// RetryCount implements Store.
func (s *MemoryStore) RetryCount(_ context.Context, sessionID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, a := range s.sessions[sessionID] {
		if a.Kind == KindRetry {
			n++
		}
	}
	return n, nil
}

// Clear implements Store.
func (s *MemoryStore) Clear(_ context.Context, sessionID string) error {
	s.mu.Lock()
	delete(s.sessions, sessionID)
	s.mu.Unlock()
	return nil
}

// Close implements Store.
func (s *MemoryStore) Close() error { return nil }

// Effectiveness summarizes whether retries improved quality in a session.
type Effectiveness struct {
	Retries         int     `json:"retries"`
	AvgRetryScore   float64 `json:"avg_retry_score"`
	AvgInitialScore float64 `json:"avg_initial_score"`
	// Improvement is AvgRetryScore - AvgInitialScore.
	Improvement float64 `json:"improvement"`
	Effective   bool    `json:"effective"`
}

// ComputeEffectiveness compares the average score of evaluations produced by
// retries with the average of evaluations produced before any retry. It is a
// report only and never gates retries.
func ComputeEffectiveness(attempts []Attempt) Effectiveness {
	var eff Effectiveness
	var retrySum, initialSum float64
	var retryEvals, initialEvals int
	retried := false
	for _, a := range attempts {
		switch a.Kind {
		case KindRetry:
			eff.Retries++
			retried = true
		case KindEvaluation:
			if retried {
				retrySum += a.Score
				retryEvals++
			} else {
				initialSum += a.Score
				initialEvals++
			}
		}
	}
	if retryEvals > 0 {
		eff.AvgRetryScore = retrySum / float64(retryEvals)
	}
	if initialEvals > 0 {
		eff.AvgInitialScore = initialSum / float64(initialEvals)
	}
	if retryEvals > 0 && initialEvals > 0 {
		eff.Improvement = eff.AvgRetryScore - eff.AvgInitialScore
		eff.Effective = eff.Improvement > 0
	}
	return eff
}

// SessionEffectiveness loads the session from store and computes its effectiveness.
func SessionEffectiveness(ctx context.Context, store Store, sessionID string) (Effectiveness, error) {
	attempts, err := store.List(ctx, sessionID)
	if err != nil {
		return Effectiveness{}, err
	}
	return ComputeEffectiveness(attempts), nil
}
