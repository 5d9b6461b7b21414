// Copyright 2026 The fallbackd Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package cache

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/traylinx/fallbackd/internal/metrics"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestKey(t *testing.T) {
	a := Key("  What is   Go? ", map[string]any{"depth": 2, "lang": "en"})
	b := Key("what is go?", map[string]any{"lang": "en", "depth": 2})
	assert.Equal(t, a, b)
	assert.Len(t, a, 64)

	assert.NotEqual(t, a, Key("what is go?", map[string]any{"lang": "fr", "depth": 2}))
	assert.NotEqual(t, a, Key("what is rust?", map[string]any{"lang": "en", "depth": 2}))
	assert.Equal(t, Key("q", nil), Key("q", map[string]any{}))
}

func TestMemoryStoreTTL(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	s := NewMemoryStore(10, time.Minute, WithClock(clock.Now))
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "k", []byte("v"), 0))
	v, ok, err := s.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("v"), v)

	clock.Advance(time.Minute)
	_, ok, _ = s.Get(ctx, "k")
	assert.True(t, ok, "entry is still valid at exactly ttl")

	clock.Advance(time.Second)
	_, ok, _ = s.Get(ctx, "k")
	assert.False(t, ok, "expired entries are never served")
	assert.Equal(t, 0, s.Len(), "expired entries are removed lazily on read")

	st := s.Stats()
	assert.Equal(t, int64(2), st.Hits)
	assert.Equal(t, int64(1), st.Misses)
	assert.Equal(t, int64(1), st.Expirations)
}

func TestMemoryStoreFIFOEviction(t *testing.T) {
	rec := metrics.New(nil)
	s := NewMemoryStore(2, time.Hour, WithMetrics(rec))
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "a", []byte("1"), 0))
	require.NoError(t, s.Set(ctx, "b", []byte("2"), 0))
	// reading a does not protect it: eviction is FIFO
	_, ok, _ := s.Get(ctx, "a")
	require.True(t, ok)
	require.NoError(t, s.Set(ctx, "c", []byte("3"), 0))

	_, ok, _ = s.Get(ctx, "a")
	assert.False(t, ok)
	_, ok, _ = s.Get(ctx, "b")
	assert.True(t, ok)
	_, ok, _ = s.Get(ctx, "c")
	assert.True(t, ok)

	st := s.Stats()
	assert.Equal(t, int64(1), st.Evictions)
	assert.Equal(t, 2, st.Size)
	assert.Equal(t, int64(3), rec.Snapshot().CacheHits)
}

func TestMemoryStoreOverwriteAndInvalidate(t *testing.T) {
	s := NewMemoryStore(2, time.Hour)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "a", []byte("1"), 0))
	require.NoError(t, s.Set(ctx, "a", []byte("2"), 0))
	assert.Equal(t, 1, s.Len())
	v, _, _ := s.Get(ctx, "a")
	assert.Equal(t, []byte("2"), v)

	v[0] = 'x'
	v2, _, _ := s.Get(ctx, "a")
	assert.Equal(t, []byte("2"), v2, "callers get a copy")

	require.NoError(t, s.Invalidate(ctx, "a"))
	require.NoError(t, s.Invalidate(ctx, "missing"))
	_, ok, _ := s.Get(ctx, "a")
	assert.False(t, ok)

	require.NoError(t, s.Set(ctx, "b", []byte("1"), 0))
	s.Clear()
	assert.Equal(t, 0, s.Len())
}

func TestMemoryStoreConcurrent(t *testing.T) {
	s := NewMemoryStore(50, time.Hour)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				key := fmt.Sprintf("k%d", (i*100+j)%120)
				_ = s.Set(ctx, key, []byte(key), 0)
				_, _, _ = s.Get(ctx, key)
			}
		}(i)
	}
	wg.Wait()
	assert.LessOrEqual(t, s.Len(), 50)
}

func TestStatsHitRate(t *testing.T) {
	assert.Zero(t, Stats{}.HitRate())
	assert.Equal(t, 0.75, Stats{Hits: 3, Misses: 1}.HitRate())
}

func newRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	s, err := NewRedisStore(client, "", time.Minute, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s, mr
}

func TestRedisStore(t *testing.T) {
	s, mr := newRedisStore(t)
	ctx := context.Background()

	_, ok, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Set(ctx, "k", []byte(`{"answer":"42"}`), 0))
	assert.True(t, mr.Exists("fallbackd:cache:k"))
	assert.Equal(t, time.Minute, mr.TTL("fallbackd:cache:k"))

	v, ok, err := s.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.JSONEq(t, `{"answer":"42"}`, string(v))

	mr.FastForward(2 * time.Minute)
	_, ok, err = s.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)

	st := s.Stats()
	assert.Equal(t, int64(1), st.Hits)
	assert.Equal(t, int64(2), st.Misses)
}

func TestRedisStoreCompressesLargeValues(t *testing.T) {
	s, mr := newRedisStore(t)
	ctx := context.Background()

	big := bytes.Repeat([]byte("citation "), 2000)
	require.NoError(t, s.Set(ctx, "big", big, time.Hour))

	stored, err := mr.Get("fallbackd:cache:big")
	require.NoError(t, err)
	assert.Equal(t, frameZstd, stored[0])
	assert.Less(t, len(stored), len(big))

	v, ok, err := s.Get(ctx, "big")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, big, v)
}

func TestRedisStoreInvalidateAndCorruptEntry(t *testing.T) {
	s, mr := newRedisStore(t)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "k", []byte("v"), 0))
	require.NoError(t, s.Invalidate(ctx, "k"))
	assert.False(t, mr.Exists("fallbackd:cache:k"))

	require.NoError(t, mr.Set("fallbackd:cache:bad", "\x07junk"))
	_, ok, err := s.Get(ctx, "bad")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.False(t, mr.Exists("fallbackd:cache:bad"))
}

func TestRedisStoreConnectionError(t *testing.T) {
	s, mr := newRedisStore(t)
	mr.Close()
	_, _, err := s.Get(context.Background(), "k")
	assert.Error(t, err)
}
