// Copyright 2026 The fallbackd Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package cache stores prior successful search results keyed by a normalized
// request fingerprint. Entries expire after their TTL; an expired entry is
// never served and reads observe a miss instead.
package cache

import (
	"container/list"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/traylinx/fallbackd/internal/metrics"
)

// Defaults used by NewMemoryStore.
const (
	DefaultMaxSize = 1000
	DefaultTTL     = 300 * time.Second
)

// Store is a key/value store of encoded results.
type Store interface {
	// Get returns the value for key. Expired entries report ok=false.
	Get(ctx context.Context, key string) (value []byte, ok bool, err error)
	// Set stores value under key for ttl. A zero ttl uses the store default.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Invalidate(ctx context.Context, key string) error
	Stats() Stats
	Close() error
}

// Stats tracks cache performance.
type Stats struct {
	Hits        int64 `json:"hits"`
	Misses      int64 `json:"misses"`
	Evictions   int64 `json:"evictions"`
	Expirations int64 `json:"expirations"`
	Size        int   `json:"size"`
}

// HitRate is hits over lookups, 0 when nothing was looked up.
func (s Stats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

// Key fingerprints a query and its options. The query is lower-cased and its
// whitespace collapsed; options are serialized with sorted keys.
func Key(query string, options map[string]any) string {
	h := sha256.New()
	h.Write([]byte(strings.Join(strings.Fields(strings.ToLower(query)), " ")))
	h.Write([]byte{0})
	if len(options) > 0 {
		// map keys are emitted in sorted order
		if b, err := json.Marshal(options); err == nil {
			h.Write(b)
		}
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Entry is one cached value.
type Entry struct {
	Key       string
	Value     []byte
	CreatedAt time.Time
	TTL       time.Duration

	element *list.Element
}

func (e *Entry) expired(now time.Time) bool {
	return now.Sub(e.CreatedAt) > e.TTL
}

// MemoryStore is a bounded in-process store. When full, the oldest inserted
// entry is evicted (FIFO, not LRU).
type MemoryStore struct {
	maxSize    int
	defaultTTL time.Duration
	clock      func() time.Time
	metrics    *metrics.Recorder

	mu      sync.Mutex
	entries map[string]*Entry
	order   *list.List
	stats   Stats
}

// MemoryOption customizes a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithClock replaces time.Now, for tests.
func WithClock(clock func() time.Time) MemoryOption {
	return func(s *MemoryStore) { s.clock = clock }
}

// WithMetrics reports cache events to rec.
func WithMetrics(rec *metrics.Recorder) MemoryOption {
	return func(s *MemoryStore) { s.metrics = rec }
}

// NewMemoryStore creates a store holding at most maxSize entries.
func NewMemoryStore(maxSize int, defaultTTL time.Duration, opts ...MemoryOption) *MemoryStore {
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	if defaultTTL <= 0 {
		defaultTTL = DefaultTTL
	}
	s := &MemoryStore{
		maxSize:    maxSize,
		defaultTTL: defaultTTL,
		clock:      time.Now,
		entries:    make(map[string]*Entry),
		order:      list.New(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Get implements Store.
func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok {
		s.stats.Misses++
		s.metrics.ObserveCache("miss")
		return nil, false, nil
	}
	if e.expired(s.clock()) {
		s.remove(e)
		s.stats.Expirations++
		s.stats.Misses++
		s.metrics.ObserveCache("expiration")
		s.metrics.ObserveCache("miss")
		return nil, false, nil
	}
	s.stats.Hits++
	s.metrics.ObserveCache("hit")
	return append([]byte(nil), e.Value...), true, nil
}

// Set implements Store. Overwriting a key keeps its place in eviction order
// but restarts its TTL.
func (s *MemoryStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = s.defaultTTL
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock()
	if e, ok := s.entries[key]; ok {
		e.Value = append([]byte(nil), value...)
		e.CreatedAt = now
		e.TTL = ttl
		return nil
	}
	for len(s.entries) >= s.maxSize {
		s.evictOldest()
	}
	e := &Entry{Key: key, Value: append([]byte(nil), value...), CreatedAt: now, TTL: ttl}
	e.element = s.order.PushBack(e)
	s.entries[key] = e
	return nil
}

// Invalidate implements Store.
func (s *MemoryStore) Invalidate(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[key]; ok {
		s.remove(e)
	}
	return nil
}

// Clear removes every entry and keeps the counters.
func (s *MemoryStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = make(map[string]*Entry)
	s.order = list.New()
}

// Len returns the number of stored entries, expired ones included.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Stats implements Store.
func (s *MemoryStore) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.stats
	st.Size = len(s.entries)
	return st
}

// Close implements Store.
func (s *MemoryStore) Close() error { return nil }

// evictOldest must be called with mu held.
func (s *MemoryStore) evictOldest() {
	front := s.order.Front()
	if front == nil {
		return
	}
	s.remove(front.Value.(*Entry))
	s.stats.Evictions++
	s.metrics.ObserveCache("eviction")
}

func (s *MemoryStore) remove(e *Entry) {
	s.order.Remove(e.element)
	delete(s.entries, e.Key)
}
