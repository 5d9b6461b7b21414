// Copyright 2026 The fallbackd Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package config loads the fallbackd YAML configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/traylinx/fallbackd/internal/audit"
	"github.com/traylinx/fallbackd/internal/breaker"
	"github.com/traylinx/fallbackd/internal/cache"
	"github.com/traylinx/fallbackd/internal/heartbeat"
	"github.com/traylinx/fallbackd/internal/logging"
	"github.com/traylinx/fallbackd/internal/registry"
	"github.com/traylinx/fallbackd/internal/retry"
	"github.com/traylinx/fallbackd/internal/search"
	"github.com/traylinx/fallbackd/internal/selector"
	"gopkg.in/yaml.v3"
)

// Backends.
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
	BackendSQLite = "sqlite"
)

// Config is the root of the configuration file.
type Config struct {
	Logging logging.Config `yaml:"logging"`
	Breaker breaker.Config `yaml:"breaker"`
	Retry   retry.Config   `yaml:"retry"`
	Search  SearchConfig   `yaml:"search"`
	Cache   CacheConfig    `yaml:"cache"`
	History HistoryConfig  `yaml:"history"`
	Audit   AuditConfig    `yaml:"audit"`

	Heartbeat heartbeat.Config `yaml:"heartbeat"`

	Providers     []registry.Provider `yaml:"providers"`
	FallbackChain []string            `yaml:"fallback-chain"`
	RoutingRules  []selector.Rule     `yaml:"routing-rules"`
	// Strategy is the default selection strategy.
	Strategy string `yaml:"strategy"`
	// CallTimeout bounds each provider call unless the provider sets its own.
	CallTimeout time.Duration `yaml:"call-timeout"`
	// MaxCostPerRequest excludes providers whose estimated cost exceeds it.
	// Zero disables the budget.
	MaxCostPerRequest float64 `yaml:"max-cost-per-request"`
}

// SearchConfig configures the research search engine and its strategies.
type SearchConfig struct {
	search.Config  `yaml:",inline"`
	RateLimitDelay time.Duration `yaml:"rate-limit-delay"`
	// Strategies is the order strategies are tried in. Unknown names are dropped.
	Strategies       []string                 `yaml:"strategies"`
	StrategyTimeouts map[string]time.Duration `yaml:"strategy-timeouts"`

	// BrowserURL is a URL template with a %s placeholder for the escaped query.
	BrowserURL string         `yaml:"browser-url"`
	IndexedAPI IndexedAPIConf `yaml:"indexed-api"`
	// SynthesisProvider is the provider id that summarizes indexed results.
	SynthesisProvider string            `yaml:"synthesis-provider"`
	Corpus            []search.Document `yaml:"corpus"`
}

// IndexedAPIConf configures the indexed search API strategy.
type IndexedAPIConf struct {
	Endpoint string `yaml:"endpoint"`
	APIKey   string `yaml:"api-key"`
}

// CacheConfig selects the search result cache backend.
type CacheConfig struct {
	Backend string            `yaml:"backend"`
	MaxSize int               `yaml:"max-size"`
	Redis   cache.RedisConfig `yaml:"redis"`
}

// HistoryConfig selects the session history backend.
type HistoryConfig struct {
	Backend string `yaml:"backend"`
	Path    string `yaml:"path"`
}

// AuditConfig configures the audit sinks. Both may be active at once.
type AuditConfig struct {
	File        audit.FileConfig `yaml:"file"`
	PostgresDSN string           `yaml:"postgres-dsn"`
}

// Search strategy names accepted in search.strategies.
var knownStrategies = map[string]bool{
	"automated_browser":     true,
	"indexed_api":           true,
	"search_plus_synthesis": true,
	"domain_corpus":         true,
}

// Default returns a configuration with every default applied.
func Default() *Config {
	var cfg Config
	cfg.Logging.Level = "info"
	cfg.Breaker = breaker.Config{
		FailureThreshold: breaker.DefaultFailureThreshold,
		OpenDuration:     breaker.DefaultOpenDuration,
	}
	cfg.Retry = retry.DefaultConfig()
	cfg.Search.CacheTTL = search.DefaultCacheTTL
	cfg.Search.StrategyTimeout = search.DefaultStrategyTimeout
	cfg.Search.MinAnswerLength = search.DefaultMinAnswerLength
	cfg.Search.Dependency = search.DefaultDependency
	cfg.Search.RateLimitDelay = 2 * time.Second
	cfg.Search.Strategies = []string{"automated_browser", "indexed_api", "search_plus_synthesis", "domain_corpus"}
	cfg.Cache.Backend = BackendMemory
	cfg.Cache.MaxSize = cache.DefaultMaxSize
	cfg.History.Backend = BackendMemory
	cfg.Heartbeat = heartbeat.DefaultConfig()
	cfg.Strategy = string(selector.Balanced)
	cfg.CallTimeout = 30 * time.Second
	return &cfg
}

// LoadConfig reads YAML from configFile.
func LoadConfig(configFile string) (*Config, error) {
	return LoadConfigOptional(configFile, false)
}

// LoadConfigOptional reads YAML from configFile. If optional is true and the
// file is missing or empty, the defaults are returned.
func LoadConfigOptional(configFile string, optional bool) (*Config, error) {
	data, err := os.ReadFile(configFile)
	if err != nil {
		if optional && (os.IsNotExist(err) || errors.Is(err, syscall.EISDIR)) {
			return Default(), nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML data over the defaults, expands ${VAR} references in
// string values and sanitizes the result.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if len(strings.TrimSpace(string(data))) == 0 {
		cfg.Sanitize()
		return cfg, nil
	}

	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if err := expandNode(&root); err != nil {
		return nil, err
	}
	if err := root.Decode(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	cfg.Sanitize()
	return cfg, nil
}

var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-([^}]*))?\}`)

// ExpandEnv replaces ${VAR} and ${VAR:-default} with environment values.
// Unset variables without a default are an error.
func ExpandEnv(s string) (string, error) {
	var missing []string
	out := envRef.ReplaceAllStringFunc(s, func(ref string) string {
		m := envRef.FindStringSubmatch(ref)
		if v, ok := os.LookupEnv(m[1]); ok {
			return v
		}
		if strings.Contains(ref, ":-") {
			return m[2]
		}
		missing = append(missing, m[1])
		return ""
	})
	if len(missing) > 0 {
		return "", fmt.Errorf("config references unset environment variable(s): %s", strings.Join(missing, ", "))
	}
	return out, nil
}

func expandNode(n *yaml.Node) error {
	if n.Kind == yaml.ScalarNode && (n.Tag == "!!str" || n.Tag == "") && strings.Contains(n.Value, "${") {
		v, err := ExpandEnv(n.Value)
		if err != nil {
			return fmt.Errorf("line %d: %w", n.Line, err)
		}
		n.Value = v
	}
	for _, c := range n.Content {
		if err := expandNode(c); err != nil {
			return err
		}
	}
	return nil
}

// Sanitize clamps out-of-range values and drops unusable entries.
func (cfg *Config) Sanitize() {
	if cfg == nil {
		return
	}
	cfg.SanitizeBreaker()
	cfg.SanitizeRetry()
	cfg.SanitizeSearch()
	cfg.SanitizeStorage()
	cfg.SanitizeHeartbeat()
	cfg.SanitizeProviders()

	if _, err := selector.ParseStrategy(cfg.Strategy); err != nil {
		log.WithField("strategy", cfg.Strategy).Warn("config: unknown strategy, using balanced")
		cfg.Strategy = string(selector.Balanced)
	}
	if cfg.Strategy == "" {
		cfg.Strategy = string(selector.Balanced)
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 30 * time.Second
	}
	if cfg.MaxCostPerRequest < 0 {
		cfg.MaxCostPerRequest = 0
	}
}

// SanitizeBreaker restores defaults for non-positive thresholds.
func (cfg *Config) SanitizeBreaker() {
	if cfg.Breaker.FailureThreshold == 0 {
		cfg.Breaker.FailureThreshold = breaker.DefaultFailureThreshold
	}
	if cfg.Breaker.OpenDuration <= 0 {
		cfg.Breaker.OpenDuration = breaker.DefaultOpenDuration
	}
}

// SanitizeRetry clamps retry thresholds into range.
func (cfg *Config) SanitizeRetry() {
	r := &cfg.Retry
	if r.MaxRetries < 0 {
		r.MaxRetries = 0
	}
	if r.MaxRetries > 10 {
		r.MaxRetries = 10
	}
	r.ScoreThreshold = clamp01(r.ScoreThreshold)
	r.CompletenessThreshold = clamp01(r.CompletenessThreshold)
	if r.BaseDelay < 0 {
		r.BaseDelay = time.Second
	}
	r.Rotation = cleanIDs(r.Rotation)
}

// SanitizeSearch restores search defaults and drops unknown strategies.
func (cfg *Config) SanitizeSearch() {
	s := &cfg.Search
	if s.CacheTTL <= 0 {
		s.CacheTTL = search.DefaultCacheTTL
	}
	if s.StrategyTimeout <= 0 {
		s.StrategyTimeout = search.DefaultStrategyTimeout
	}
	if s.MinAnswerLength <= 0 {
		s.MinAnswerLength = search.DefaultMinAnswerLength
	}
	if s.RateLimitDelay < 0 {
		s.RateLimitDelay = 0
	}
	if strings.TrimSpace(s.Dependency) == "" {
		s.Dependency = search.DefaultDependency
	}
	out := s.Strategies[:0]
	seen := map[string]bool{}
	for _, name := range s.Strategies {
		name = strings.ToLower(strings.TrimSpace(name))
		if !knownStrategies[name] {
			log.WithField("strategy", name).Warn("config: unknown search strategy dropped")
			continue
		}
		if !seen[name] {
			seen[name] = true
			out = append(out, name)
		}
	}
	s.Strategies = out
	for name, d := range s.StrategyTimeouts {
		if d <= 0 {
			delete(s.StrategyTimeouts, name)
		}
	}
}

// SanitizeStorage normalizes cache and history backends.
func (cfg *Config) SanitizeStorage() {
	cfg.Cache.Backend = strings.ToLower(strings.TrimSpace(cfg.Cache.Backend))
	switch cfg.Cache.Backend {
	case BackendMemory, BackendRedis:
	default:
		if cfg.Cache.Backend != "" {
			log.WithField("backend", cfg.Cache.Backend).Warn("config: unknown cache backend, using memory")
		}
		cfg.Cache.Backend = BackendMemory
	}
	if cfg.Cache.Backend == BackendRedis && strings.TrimSpace(cfg.Cache.Redis.Addr) == "" {
		cfg.Cache.Redis.Addr = "localhost:6379"
	}
	if cfg.Cache.MaxSize <= 0 {
		cfg.Cache.MaxSize = cache.DefaultMaxSize
	}

	cfg.History.Backend = strings.ToLower(strings.TrimSpace(cfg.History.Backend))
	switch cfg.History.Backend {
	case BackendMemory:
	case BackendSQLite:
		if strings.TrimSpace(cfg.History.Path) == "" {
			cfg.History.Path = "fallbackd.db"
		}
	default:
		if cfg.History.Backend != "" {
			log.WithField("backend", cfg.History.Backend).Warn("config: unknown history backend, using memory")
		}
		cfg.History.Backend = BackendMemory
	}
}

// SanitizeHeartbeat enforces a minimum interval and sane concurrency.
func (cfg *Config) SanitizeHeartbeat() {
	h := &cfg.Heartbeat
	if h.Interval < time.Second {
		h.Interval = time.Second
	}
	if h.Timeout < 100*time.Millisecond {
		h.Timeout = 100 * time.Millisecond
	}
	if h.MaxConcurrentChecks < 1 {
		h.MaxConcurrentChecks = 1
	}
	if h.MaxConcurrentChecks > 50 {
		h.MaxConcurrentChecks = 50
	}
	if h.RetryAttempts < 0 {
		h.RetryAttempts = 0
	}
	if h.RetryAttempts > 5 {
		h.RetryAttempts = 5
	}
	if h.RetryDelay < 0 {
		h.RetryDelay = 0
	}
	h.QuotaDegradedThreshold = clamp01(h.QuotaDegradedThreshold)
}

// SanitizeProviders trims provider entries, drops those without an id and
// duplicates, and removes chain entries that name no provider.
func (cfg *Config) SanitizeProviders() {
	known := map[string]bool{}
	out := make([]registry.Provider, 0, len(cfg.Providers))
	for _, p := range cfg.Providers {
		p.ID = strings.TrimSpace(p.ID)
		p.Kind = strings.ToLower(strings.TrimSpace(p.Kind))
		p.BaseURL = strings.TrimSpace(p.BaseURL)
		if p.ID == "" {
			log.Warn("config: provider without id dropped")
			continue
		}
		if known[p.ID] {
			log.WithField("provider", p.ID).Warn("config: duplicate provider dropped")
			continue
		}
		if p.Kind == "" {
			p.Kind = "openai"
		}
		if p.CostTier < 0 {
			p.CostTier = 0
		}
		if p.LatencyTier < 0 {
			p.LatencyTier = 0
		}
		known[p.ID] = true
		out = append(out, p)
	}
	cfg.Providers = out

	chain := make([]string, 0, len(cfg.FallbackChain))
	for _, id := range cleanIDs(cfg.FallbackChain) {
		if !known[id] {
			log.WithField("provider", id).Warn("config: fallback-chain entry names no provider, dropped")
			continue
		}
		chain = append(chain, id)
	}
	cfg.FallbackChain = chain
}

func cleanIDs(ids []string) []string {
	out := make([]string, 0, len(ids))
	seen := map[string]bool{}
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
