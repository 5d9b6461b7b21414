// Copyright 2026 The fallbackd Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	log "github.com/sirupsen/logrus"
	"github.com/traylinx/fallbackd/internal/audit"
	"github.com/traylinx/fallbackd/internal/breaker"
	"github.com/traylinx/fallbackd/internal/cache"
	"github.com/traylinx/fallbackd/internal/config"
	"github.com/traylinx/fallbackd/internal/coordinator"
	"github.com/traylinx/fallbackd/internal/fallback"
	"github.com/traylinx/fallbackd/internal/heartbeat"
	"github.com/traylinx/fallbackd/internal/history"
	"github.com/traylinx/fallbackd/internal/metrics"
	"github.com/traylinx/fallbackd/internal/provider"
	"github.com/traylinx/fallbackd/internal/quality"
	"github.com/traylinx/fallbackd/internal/ratelimit"
	"github.com/traylinx/fallbackd/internal/registry"
	"github.com/traylinx/fallbackd/internal/retry"
	"github.com/traylinx/fallbackd/internal/search"
	"github.com/traylinx/fallbackd/internal/selector"
)

// app owns every long-lived component. It is built once at startup and
// closed at shutdown.
type app struct {
	cfg    *config.Config
	client *http.Client

	metrics  *metrics.Recorder
	audit    *audit.BestEffort
	registry *registry.Registry
	breakers *breaker.Registry
	executor *fallback.Executor
	selector *selector.Selector
	history  history.Store
	cache    cache.Store
	search   *search.Engine
	monitor  *heartbeat.Monitor
	coord    *coordinator.Coordinator
}

func newApp(ctx context.Context, cfg *config.Config) (_ *app, err error) {
	a := &app{
		cfg:     cfg,
		client:  &http.Client{},
		metrics: metrics.New(nil),
	}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	sink, err := openAudit(ctx, cfg.Audit)
	if err != nil {
		return nil, err
	}
	a.audit = audit.NewBestEffort(sink, a.metrics)

	a.breakers = breaker.NewRegistry(cfg.Breaker, breaker.WithStateChange(func(dep string, from, to breaker.State) {
		a.metrics.ObserveBreakerTransition(dep, string(from), string(to))
		a.audit.RecordTransition(dep, string(from), string(to))
	}))

	if a.registry, err = registry.New(cfg.Providers...); err != nil {
		return nil, err
	}
	adapters, err := buildAdapters(cfg.Providers, a.client)
	if err != nil {
		return nil, err
	}

	if a.history, err = openHistory(ctx, cfg.History); err != nil {
		return nil, err
	}

	a.executor = fallback.NewExecutor(a.breakers, adapters,
		fallback.WithRegistry(a.registry),
		fallback.WithHistory(a.history),
		fallback.WithAudit(a.audit),
		fallback.WithMetrics(a.metrics),
		fallback.WithCallTimeout(cfg.CallTimeout),
	)
	a.selector = selector.New(a.registry, cfg.FallbackChain, selector.WithBreakers(a.breakers))
	if err = a.selector.SetRules(cfg.RoutingRules); err != nil {
		return nil, err
	}

	engine, err := retry.NewEngine(cfg.Retry, a.history, retry.WithMetrics(a.metrics), retry.WithAudit(a.audit))
	if err != nil {
		return nil, err
	}

	if a.cache, err = openCache(ctx, cfg, a.metrics); err != nil {
		return nil, err
	}
	if a.search, err = a.buildSearch(adapters); err != nil {
		return nil, err
	}

	a.monitor = heartbeat.NewMonitor(cfg.Heartbeat)
	if err = heartbeat.Attach(a.monitor, a.registry, a.checkerOptions()...); err != nil {
		return nil, err
	}

	opts := []coordinator.Option{
		coordinator.WithMonitor(a.monitor),
		coordinator.WithMaxCost(cfg.MaxCostPerRequest),
	}
	if a.search != nil {
		opts = append(opts, coordinator.WithSearch(a.search))
	}
	a.coord, err = coordinator.New(coordinator.Components{
		Registry:  a.registry,
		Selector:  a.selector,
		Executor:  a.executor,
		Evaluator: quality.NewSignalEvaluator(),
		Retry:     engine,
		History:   a.history,
		Breakers:  a.breakers,
	}, opts...)
	if err != nil {
		return nil, err
	}
	return a, nil
}

func (a *app) checkerOptions() []heartbeat.CheckerOption {
	return []heartbeat.CheckerOption{
		heartbeat.WithClient(a.client),
		heartbeat.WithQuotaThreshold(a.cfg.Heartbeat.QuotaDegradedThreshold),
	}
}

func buildAdapters(providers []registry.Provider, client *http.Client) ([]provider.Adapter, error) {
	out := make([]provider.Adapter, 0, len(providers))
	for _, p := range providers {
		ad, err := provider.New(p, client)
		if err != nil {
			return nil, err
		}
		out = append(out, ad)
	}
	return out, nil
}

func openAudit(ctx context.Context, cfg config.AuditConfig) (audit.Sink, error) {
	var sinks audit.Multi
	if cfg.File.Path != "" {
		fs, err := audit.NewFileSink(cfg.File)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, fs)
	}
	if cfg.PostgresDSN != "" {
		pg, err := audit.OpenPostgres(ctx, cfg.PostgresDSN)
		if err != nil {
			_ = sinks.Close()
			return nil, fmt.Errorf("open audit database: %w", err)
		}
		sinks = append(sinks, pg)
	}
	if len(sinks) == 0 {
		return nil, nil
	}
	return sinks, nil
}

func openHistory(ctx context.Context, cfg config.HistoryConfig) (history.Store, error) {
	if cfg.Backend == config.BackendSQLite {
		s, err := history.OpenSQLite(ctx, cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("open history: %w", err)
		}
		return s, nil
	}
	return history.NewMemoryStore(), nil
}

func openCache(ctx context.Context, cfg *config.Config, rec *metrics.Recorder) (cache.Store, error) {
	if cfg.Cache.Backend == config.BackendRedis {
		s, err := cache.DialRedis(ctx, cfg.Cache.Redis, cfg.Search.CacheTTL, rec)
		if err != nil {
			return nil, fmt.Errorf("open cache: %w", err)
		}
		return s, nil
	}
	return cache.NewMemoryStore(cfg.Cache.MaxSize, cfg.Search.CacheTTL, cache.WithMetrics(rec)), nil
}

// buildSearch assembles the configured strategies in order. Strategies
// missing their endpoint, provider or corpus are left out; with none left
// the search path is disabled.
func (a *app) buildSearch(adapters []provider.Adapter) (*search.Engine, error) {
	sc := a.cfg.Search
	var (
		browser    *search.BrowserStrategy
		indexed    *search.IndexedAPIStrategy
		strategies []search.Strategy
	)
	if sc.BrowserURL != "" {
		browser = search.NewBrowserStrategy(sc.BrowserURL, nil)
	}
	if sc.IndexedAPI.Endpoint != "" {
		indexed = search.NewIndexedAPIStrategy(sc.IndexedAPI.Endpoint, sc.IndexedAPI.APIKey, nil)
	}

	for _, name := range sc.Strategies {
		switch name {
		case "automated_browser":
			if browser != nil {
				strategies = append(strategies, browser)
				continue
			}
		case "indexed_api":
			if indexed != nil {
				strategies = append(strategies, indexed)
				continue
			}
		case "search_plus_synthesis":
			llm := findAdapter(adapters, sc.SynthesisProvider)
			var source search.Strategy
			switch {
			case indexed != nil:
				source = indexed
			case browser != nil:
				source = browser
			}
			if llm != nil && source != nil {
				strategies = append(strategies, &search.SynthesisStrategy{Source: source, LLM: llm, MaxSources: 5})
				continue
			}
		case "domain_corpus":
			if len(sc.Corpus) > 0 {
				strategies = append(strategies, search.NewCorpusStrategy(sc.Corpus))
				continue
			}
		}
		log.WithField("strategy", name).Debug("search: strategy not configured, skipping")
	}
	if len(strategies) == 0 {
		log.Info("search: no strategy configured, research search disabled")
		return nil, nil
	}

	opts := []search.Option{
		search.WithBreakers(a.breakers),
		search.WithMetrics(a.metrics),
		search.WithAudit(a.audit),
	}
	for name, d := range sc.StrategyTimeouts {
		opts = append(opts, search.WithStrategyTimeout(name, d))
	}
	return search.NewEngine(sc.Config, a.cache, ratelimit.New(sc.RateLimitDelay), strategies, opts...)
}

func findAdapter(adapters []provider.Adapter, id string) provider.Adapter {
	for _, ad := range adapters {
		if id != "" && ad.Identifier() == id {
			return ad
		}
	}
	return nil
}

// reload applies a changed configuration file. Only provider metadata,
// routing rules and the fallback chain are hot reloaded; everything else
// needs a restart.
func (a *app) reload(cfg *config.Config) {
	keep := make(map[string]bool, len(cfg.Providers))
	for _, p := range cfg.Providers {
		ad, err := provider.New(p, a.client)
		if err != nil {
			log.WithError(err).WithField("provider", p.ID).Error("config: provider rejected on reload")
			continue
		}
		if err := a.registry.Register(p); err != nil {
			log.WithError(err).WithField("provider", p.ID).Error("config: provider rejected on reload")
			continue
		}
		a.executor.SetAdapter(ad)
		if p.HealthURL == "" {
			a.monitor.Unregister(p.ID)
		}
		keep[p.ID] = true
	}
	for _, id := range a.registry.IDs() {
		if !keep[id] {
			a.registry.Remove(id)
			a.monitor.Unregister(id)
		}
	}
	a.registerCheckers(heartbeat.CheckersFor(a.registry, a.checkerOptions()...))

	a.selector.SetFallbackChain(cfg.FallbackChain)
	if err := a.selector.SetRules(cfg.RoutingRules); err != nil {
		log.WithError(err).Error("config: routing rules rejected on reload, keeping previous rules")
	}
	log.WithFields(log.Fields{
		"providers": len(keep),
		"rules":     len(cfg.RoutingRules),
	}).Info("config: applied")
}

// registerCheckers adds each checker to the monitor, logging the ones it
// rejects. It returns how many were accepted.
func (a *app) registerCheckers(checkers []heartbeat.Checker) int {
	n := 0
	for _, c := range checkers {
		if err := a.monitor.Register(c); err != nil {
			name := ""
			if c != nil {
				name = c.Name()
			}
			log.WithError(err).WithField("provider", name).Error("config: health checker rejected on reload")
			continue
		}
		n++
	}
	return n
}

// Close releases every store. It is safe on a partially built app.
func (a *app) Close() error {
	if a.monitor != nil {
		a.monitor.Stop()
	}
	var errs []error
	if a.cache != nil {
		errs = append(errs, a.cache.Close())
	}
	if a.history != nil {
		errs = append(errs, a.history.Close())
	}
	errs = append(errs, a.audit.Close())
	return errors.Join(errs...)
}
