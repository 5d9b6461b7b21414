// Copyright 2026 The fallbackd Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package cache

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
	"github.com/traylinx/fallbackd/internal/metrics"
)

// compressThreshold is the value size above which RedisStore compresses.
const compressThreshold = 4 << 10

const (
	frameRaw  byte = 0
	frameZstd byte = 1
)

// RedisClient is the subset of the go-redis client used by RedisStore.
type RedisClient interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	Ping(ctx context.Context) *redis.StatusCmd
	Close() error
}

// RedisStore shares cached results between processes. Expiry uses the native
// Redis TTL, so expired entries are simply absent.
type RedisStore struct {
	client     RedisClient
	prefix     string
	defaultTTL time.Duration
	metrics    *metrics.Recorder

	encoder *zstd.Encoder
	decoder *zstd.Decoder

	hits   atomic.Int64
	misses atomic.Int64
}

// RedisConfig configures a RedisStore.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

// DialRedis connects to cfg.Addr and verifies the connection.
func DialRedis(ctx context.Context, cfg RedisConfig, defaultTTL time.Duration, rec *metrics.Recorder) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("cache: connect redis %s: %w", cfg.Addr, err)
	}
	return NewRedisStore(client, cfg.Prefix, defaultTTL, rec)
}

// NewRedisStore wraps an existing client. Keys are stored under prefix.
func NewRedisStore(client RedisClient, prefix string, defaultTTL time.Duration, rec *metrics.Recorder) (*RedisStore, error) {
	if prefix == "" {
		prefix = "fallbackd:cache:"
	}
	if defaultTTL <= 0 {
		defaultTTL = DefaultTTL
	}
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("cache: zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("cache: zstd decoder: %w", err)
	}
	return &RedisStore{
		client:     client,
		prefix:     prefix,
		defaultTTL: defaultTTL,
		metrics:    rec,
		encoder:    enc,
		decoder:    dec,
	}, nil
}

// Get implements Store.
func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	raw, err := s.client.Get(ctx, s.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		s.miss()
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("cache: redis get: %w", err)
	}
	value, err := s.unframe(raw)
	if err != nil {
		log.WithError(err).WithField("key", key).Warn("cache: dropping undecodable entry")
		_ = s.client.Del(ctx, s.prefix+key).Err()
		s.miss()
		return nil, false, nil
	}
	s.hits.Add(1)
	s.metrics.ObserveCache("hit")
	return value, true, nil
}

// Set implements Store.
func (s *RedisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = s.defaultTTL
	}
	if err := s.client.Set(ctx, s.prefix+key, s.frame(value), ttl).Err(); err != nil {
		return fmt.Errorf("cache: redis set: %w", err)
	}
	return nil
}

// Invalidate implements Store.
func (s *RedisStore) Invalidate(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.prefix+key).Err(); err != nil {
		return fmt.Errorf("cache: redis del: %w", err)
	}
	return nil
}

// Stats implements Store. Size, evictions and expirations are managed by
// Redis and reported as zero.
func (s *RedisStore) Stats() Stats {
	return Stats{Hits: s.hits.Load(), Misses: s.misses.Load()}
}

// Close implements Store.
func (s *RedisStore) Close() error {
	s.decoder.Close()
	_ = s.encoder.Close()
	return s.client.Close()
}

func (s *RedisStore) miss() {
	s.misses.Add(1)
	s.metrics.ObserveCache("miss")
}

func (s *RedisStore) frame(value []byte) []byte {
	if len(value) <= compressThreshold {
		return append([]byte{frameRaw}, value...)
	}
	return s.encoder.EncodeAll(value, []byte{frameZstd})
}

func (s *RedisStore) unframe(raw []byte) ([]byte, error) {
	if len(raw) == 0 {
		return nil, errors.New("empty frame")
	}
	switch raw[0] {
	case frameRaw:
		return raw[1:], nil
	case frameZstd:
		return s.decoder.DecodeAll(raw[1:], nil)
	default:
		return nil, fmt.Errorf("unknown frame type %d", raw[0])
	}
}
