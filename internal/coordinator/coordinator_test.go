// Copyright 2026 The fallbackd Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package coordinator

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/traylinx/fallbackd/internal/breaker"
	"github.com/traylinx/fallbackd/internal/cache"
	"github.com/traylinx/fallbackd/internal/fallback"
	"github.com/traylinx/fallbackd/internal/faults"
	"github.com/traylinx/fallbackd/internal/history"
	"github.com/traylinx/fallbackd/internal/provider"
	"github.com/traylinx/fallbackd/internal/quality"
	"github.com/traylinx/fallbackd/internal/ratelimit"
	"github.com/traylinx/fallbackd/internal/registry"
	"github.com/traylinx/fallbackd/internal/retry"
	"github.com/traylinx/fallbackd/internal/search"
	"github.com/traylinx/fallbackd/internal/selector"
)

// echo answers with its id and the prompt it received.
type echo struct {
	id   string
	fail error

	mu       sync.Mutex
	payloads [][]byte
}

func (e *echo) Identifier() string { return e.id }

func (e *echo) Execute(_ context.Context, req provider.Request) (*provider.Response, error) {
	e.mu.Lock()
	e.payloads = append(e.payloads, req.Payload)
	e.mu.Unlock()
	if e.fail != nil {
		return nil, e.fail
	}
	prompt, _, _ := retry.PromptOf(req.Payload)
	return &provider.Response{Provider: e.id, Content: e.id + ": " + prompt}, nil
}

func (e *echo) calls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.payloads)
}

func (e *echo) prompt(i int) string {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, _, _ := retry.PromptOf(e.payloads[i])
	return p
}

// script returns its results in order, repeating the last one.
type script struct {
	mu      sync.Mutex
	results []quality.Result
	outputs []string
}

func (s *script) Evaluate(_ context.Context, _, output string) (quality.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.results[min(len(s.outputs), len(s.results)-1)]
	s.outputs = append(s.outputs, output)
	return r, nil
}

func low(score, completeness float64) quality.Result {
	return quality.Result{
		Score: score,
		Retry: true,
		Evaluations: map[string]quality.Criterion{
			quality.CriterionCompleteness: {Score: completeness},
		},
		Feedback: quality.Feedback{Improvements: []string{"cover eviction"}},
	}
}

var good = quality.Result{Score: 0.9}

type harness struct {
	reg      *registry.Registry
	store    *history.MemoryStore
	breakers *breaker.Registry
	exec     *fallback.Executor
	coord    *Coordinator
}

func newHarness(t *testing.T, rotation []string, eval quality.Evaluator, adapters []*echo, opts ...Option) *harness {
	t.Helper()
	var (
		providers []registry.Provider
		chain     []string
		list      []provider.Adapter
	)
	for _, a := range adapters {
		providers = append(providers, registry.Provider{ID: a.id})
		chain = append(chain, a.id)
		list = append(list, a)
	}
	reg, err := registry.New(providers...)
	require.NoError(t, err)

	h := &harness{reg: reg, store: history.NewMemoryStore(), breakers: breaker.NewRegistry(breaker.Config{})}
	h.exec = fallback.NewExecutor(h.breakers, list, fallback.WithRegistry(reg), fallback.WithHistory(h.store))

	cfg := retry.DefaultConfig()
	cfg.BaseDelay = time.Millisecond
	cfg.Rotation = rotation
	engine, err := retry.NewEngine(cfg, h.store)
	require.NoError(t, err)

	h.coord, err = New(Components{
		Registry:  reg,
		Selector:  selector.New(reg, chain, selector.WithBreakers(h.breakers)),
		Executor:  h.exec,
		Evaluator: eval,
		Retry:     engine,
		History:   h.store,
		Breakers:  h.breakers,
	}, opts...)
	require.NoError(t, err)
	return h
}

func chat(prompt string) []byte {
	return []byte(`{"model":"m","messages":[{"role":"user","content":"` + prompt + `"}]}`)
}

func TestRunAcceptsFirstAnswer(t *testing.T) {
	a := &echo{id: "a"}
	h := newHarness(t, nil, &script{results: []quality.Result{good}}, []*echo{a})

	out, err := h.coord.Run(context.Background(), Task{SessionID: "s1", TaskType: "general", Payload: chat("Explain caching.")})
	require.NoError(t, err)
	assert.Equal(t, "a", out.Provider)
	assert.Equal(t, "a: Explain caching.", out.Output)
	assert.Equal(t, retry.ReasonQualityAcceptable, out.Reason)
	require.Len(t, out.Attempts, 1)
	assert.Zero(t, out.Effectiveness.Retries)

	attempts, err := h.store.List(context.Background(), "s1")
	require.NoError(t, err)
	assert.Empty(t, attempts)
}

func TestRunAssignsSessionID(t *testing.T) {
	h := newHarness(t, nil, &script{results: []quality.Result{good}}, []*echo{{id: "a"}})
	out, err := h.coord.Run(context.Background(), Task{Payload: chat("hi there")})
	require.NoError(t, err)
	assert.NotEmpty(t, out.SessionID)
}

func TestRunEnhancedRetry(t *testing.T) {
	a := &echo{id: "a"}
	eval := &script{results: []quality.Result{low(0.4, 0.3), good}}
	h := newHarness(t, nil, eval, []*echo{a}, WithKeepHistory())

	out, err := h.coord.Run(context.Background(), Task{SessionID: "s1", TaskType: "general", Payload: chat("Explain caching.")})
	require.NoError(t, err)

	require.Equal(t, 2, a.calls())
	assert.Contains(t, a.prompt(1), "Your previous answer scored 0.40")
	assert.Contains(t, a.prompt(1), "cover eviction")

	require.Len(t, out.Attempts, 2)
	assert.Equal(t, retry.StrategyEnhanced, out.Attempts[1].Strategy)
	assert.Equal(t, 1, out.Effectiveness.Retries)
	assert.InDelta(t, 0.5, out.Effectiveness.Improvement, 1e-9)
	assert.True(t, out.Effectiveness.Effective)

	attempts, err := h.store.List(context.Background(), "s1")
	require.NoError(t, err)
	var kinds []history.Kind
	for _, at := range attempts {
		kinds = append(kinds, at.Kind)
	}
	assert.Equal(t, []history.Kind{
		history.KindCall, history.KindEvaluation, history.KindRetry,
		history.KindCall, history.KindEvaluation,
	}, kinds)
}

func TestRunMaxRetriesReturnsBestAttempt(t *testing.T) {
	a := &echo{id: "a"}
	eval := &script{results: []quality.Result{low(0.5, 0.9), low(0.3, 0.3), low(0.2, 0.3)}}
	h := newHarness(t, nil, eval, []*echo{a})

	_, err := h.coord.Run(context.Background(), Task{
		SessionID: "s1",
		TaskType:  "general",
		Payload:   chat("Explain caching. Describe eviction."),
	})
	var maxErr *MaxRetriesExceededError
	require.ErrorAs(t, err, &maxErr)
	assert.Equal(t, 2, maxErr.Retries)
	assert.Equal(t, 1, maxErr.Best.Number)
	assert.Equal(t, 0.5, maxErr.Best.Score)
	require.Len(t, maxErr.Attempts, 3)
	assert.Equal(t, retry.StrategyDecomposed, maxErr.Attempts[2].Strategy)

	// the decomposed attempt runs one call per sentence
	assert.Equal(t, 4, a.calls())
	assert.True(t, strings.HasPrefix(a.prompt(2), "Step 1 of 2"))
	assert.True(t, strings.HasPrefix(a.prompt(3), "Step 2 of 2"))
	assert.Contains(t, eval.outputs[2], subtaskSeparator+"a: Step 2 of 2")
	assert.NotContains(t, a.prompt(2), "previous answer")
}

func TestRunMaxRetriesWithAcceptableAnswerSucceeds(t *testing.T) {
	eval := &script{results: []quality.Result{low(0.4, 0.9), low(0.4, 0.9), {Score: 0.5, Retry: false}}}
	h := newHarness(t, nil, eval, []*echo{{id: "a"}})

	out, err := h.coord.Run(context.Background(), Task{SessionID: "s1", TaskType: "general", Payload: chat("hello")})
	require.NoError(t, err)
	assert.Equal(t, retry.ReasonMaxRetries, out.Reason)
	assert.Len(t, out.Attempts, 3)
}

func TestRunAlternativePinsNextProvider(t *testing.T) {
	a, b := &echo{id: "a"}, &echo{id: "b"}
	eval := &script{results: []quality.Result{low(0.4, 0.9), low(0.4, 0.9), good}}
	h := newHarness(t, []string{"a", "b"}, eval, []*echo{a, b})

	out, err := h.coord.Run(context.Background(), Task{SessionID: "s1", TaskType: "general", Payload: chat("hello")})
	require.NoError(t, err)
	assert.Equal(t, "b", out.Provider)
	assert.Equal(t, retry.StrategyAlternative, out.Attempts[2].Strategy)
	assert.Equal(t, 2, a.calls())
	assert.Equal(t, 1, b.calls())
}

func TestRunPinnedProviderFallsBackToSelection(t *testing.T) {
	a, b := &echo{id: "a"}, &echo{id: "b", fail: faults.Transient("b", errors.New("boom"))}
	eval := &script{results: []quality.Result{low(0.4, 0.9), low(0.4, 0.9), good}}
	h := newHarness(t, []string{"a", "b"}, eval, []*echo{a, b})

	out, err := h.coord.Run(context.Background(), Task{SessionID: "s1", TaskType: "general", Payload: chat("hello")})
	require.NoError(t, err)
	assert.Equal(t, "a", out.Provider)
	assert.Equal(t, 1, b.calls())
}

func TestRunAlternativeKeepsPrivacyRequirement(t *testing.T) {
	local, cloud := &echo{id: "local"}, &echo{id: "cloud"}
	eval := &script{results: []quality.Result{low(0.4, 0.9), low(0.4, 0.9), good}}
	h := newHarness(t, []string{"local", "cloud"}, eval, []*echo{local, cloud})
	require.NoError(t, h.reg.Register(registry.Provider{ID: "local", PrivacyTier: registry.PrivacyLocal}))

	out, err := h.coord.Run(context.Background(), Task{
		SessionID:    "s1",
		TaskType:     "general",
		Requirements: selector.Requirements{RequiresPrivacy: true},
		Payload:      chat("hello"),
	})
	require.NoError(t, err)
	assert.Equal(t, "local", out.Provider)
	assert.Equal(t, 3, local.calls())
	assert.Zero(t, cloud.calls())
}

func TestRunAlternativeSkipsExcludedRotationEntry(t *testing.T) {
	a, b, c := &echo{id: "a"}, &echo{id: "b"}, &echo{id: "c"}
	eval := &script{results: []quality.Result{low(0.4, 0.9), low(0.4, 0.9), good}}
	h := newHarness(t, []string{"a", "b", "c"}, eval, []*echo{a, b, c})

	out, err := h.coord.Run(context.Background(), Task{
		SessionID:    "s1",
		TaskType:     "general",
		Requirements: selector.Requirements{Exclude: []string{"b"}},
		Payload:      chat("hello"),
	})
	require.NoError(t, err)
	assert.Equal(t, "c", out.Provider)
	assert.Equal(t, 2, a.calls())
	assert.Zero(t, b.calls())
	assert.Equal(t, 1, c.calls())
}

func TestRunAlternativeRespectsQualityFloor(t *testing.T) {
	a, b := &echo{id: "a"}, &echo{id: "b"}
	eval := &script{results: []quality.Result{low(0.4, 0.9), low(0.4, 0.9), good}}
	h := newHarness(t, []string{"a", "b"}, eval, []*echo{a, b})
	require.NoError(t, h.reg.Register(registry.Provider{ID: "a", QualityTier: 2}))

	out, err := h.coord.Run(context.Background(), Task{
		SessionID:    "s1",
		TaskType:     "general",
		Requirements: selector.Requirements{MinQualityTier: 1},
		Payload:      chat("hello"),
	})
	require.NoError(t, err)
	assert.Equal(t, "a", out.Provider)
	assert.Equal(t, 3, a.calls())
	assert.Zero(t, b.calls())
}

func TestRunPropagatesExhaustion(t *testing.T) {
	a := &echo{id: "a", fail: faults.Transient("a", errors.New("connection reset"))}
	eval := &script{results: []quality.Result{good}}
	h := newHarness(t, nil, eval, []*echo{a})

	_, err := h.coord.Run(context.Background(), Task{SessionID: "s1", Payload: chat("hello")})
	var exhausted *fallback.ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	require.Len(t, exhausted.Failures, 1)
	assert.Empty(t, eval.outputs)
}

func TestRunValidation(t *testing.T) {
	a := &echo{id: "a"}
	h := newHarness(t, nil, &script{results: []quality.Result{good}}, []*echo{a})
	ctx := context.Background()

	_, err := h.coord.Run(ctx, Task{Payload: []byte(`{"messages":[]}`)})
	assert.True(t, faults.IsValidation(err))

	_, err = h.coord.Run(ctx, Task{Strategy: "fastest", Payload: chat("hello")})
	assert.True(t, faults.IsValidation(err))
	assert.Zero(t, a.calls())
}

func TestRunNoProviderAvailable(t *testing.T) {
	h := newHarness(t, nil, &script{results: []quality.Result{good}}, []*echo{{id: "a"}})
	h.reg.UpdateAvailability("a", false, "down")

	_, err := h.coord.Run(context.Background(), Task{Payload: chat("hello")})
	assert.ErrorIs(t, err, faults.ErrNoProviderAvailable)
}

func TestRunExcludesProvidersOverBudget(t *testing.T) {
	var pricey atomic.Int32
	reg, err := registry.New(
		registry.Provider{ID: "pricey", Pricing: registry.Pricing{InputPer1K: 1000, OutputPer1K: 1000}},
		registry.Provider{ID: "cheap"},
	)
	require.NoError(t, err)
	store := history.NewMemoryStore()
	exec := fallback.NewExecutor(nil, []provider.Adapter{
		provider.Func{ID: "pricey", Fn: func(context.Context, provider.Request) (*provider.Response, error) {
			pricey.Add(1)
			return &provider.Response{Content: "expensive"}, nil
		}},
		&echo{id: "cheap"},
	}, fallback.WithRegistry(reg))
	engine, err := retry.NewEngine(retry.DefaultConfig(), store)
	require.NoError(t, err)
	c, err := New(Components{
		Registry:  reg,
		Selector:  selector.New(reg, []string{"pricey", "cheap"}),
		Executor:  exec,
		Evaluator: &script{results: []quality.Result{good}},
		Retry:     engine,
		History:   store,
	}, WithMaxCost(0.5))
	require.NoError(t, err)

	out, err := c.Run(context.Background(), Task{Payload: chat("summarize the report")})
	require.NoError(t, err)
	assert.Equal(t, "cheap", out.Provider)
	assert.Zero(t, pricey.Load())
}

func TestRunCancelledDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	eval := quality.EvaluatorFunc(func(context.Context, string, string) (quality.Result, error) {
		cancel()
		return low(0.1, 0.9), nil
	})
	h := newHarness(t, nil, eval, []*echo{{id: "a"}})

	_, err := h.coord.Run(ctx, Task{SessionID: "s1", Payload: chat("hello")})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNewValidation(t *testing.T) {
	_, err := New(Components{})
	assert.True(t, faults.IsValidation(err))
}

func TestHealth(t *testing.T) {
	a := &echo{id: "a"}
	b := &echo{id: "b", fail: faults.Transient("b", errors.New("boom"))}
	h := newHarness(t, nil, &script{results: []quality.Result{good}}, []*echo{b, a})

	_, err := h.coord.Run(context.Background(), Task{Payload: chat("hello")})
	require.NoError(t, err)
	h.reg.UpdateAvailability("b", false, "health check failed")

	report := h.coord.Health()
	require.Len(t, report.Providers, 2)
	assert.Equal(t, "b", report.Providers[0].ID)
	assert.False(t, report.Providers[0].Available)
	assert.Equal(t, "health check failed", report.Providers[0].UnavailableReason)
	assert.Equal(t, 0.0, report.Providers[0].SuccessRate)
	require.NotNil(t, report.Providers[1].Stats)
	assert.EqualValues(t, 1, report.Providers[1].Stats.SuccessCount)
	assert.Equal(t, "a", report.BestProvider)
	assert.EqualValues(t, 1, report.Breakers["b"].FailureCount)
	assert.Nil(t, report.Cache)
	assert.Nil(t, report.Heartbeat)
}

func TestSearch(t *testing.T) {
	var runs atomic.Int32
	engine, err := search.NewEngine(search.Config{}, cache.NewMemoryStore(10, time.Minute), ratelimit.New(time.Millisecond),
		[]search.Strategy{search.Func{ID: "domain_corpus", Fn: func(context.Context, string, search.Options) (*search.Finding, error) {
			runs.Add(1)
			return &search.Finding{Answer: "Caching stores results."}, nil
		}}})
	require.NoError(t, err)

	h := newHarness(t, nil, &script{results: []quality.Result{good}}, []*echo{{id: "a"}})
	_, err = h.coord.Search(context.Background(), "what is caching", nil)
	assert.True(t, faults.IsValidation(err))

	h = newHarness(t, nil, &script{results: []quality.Result{good}}, []*echo{{id: "a"}}, WithSearch(engine))
	res, err := h.coord.Search(context.Background(), "what is caching", nil)
	require.NoError(t, err)
	assert.False(t, res.Metadata.Cached)
	res, err = h.coord.Search(context.Background(), "what is caching", nil)
	require.NoError(t, err)
	assert.True(t, res.Metadata.Cached)
	assert.EqualValues(t, 1, runs.Load())

	report := h.coord.Health()
	assert.Equal(t, []string{"domain_corpus"}, report.Search)
	require.NotNil(t, report.Cache)
	assert.EqualValues(t, 1, report.Cache.Hits)
}
