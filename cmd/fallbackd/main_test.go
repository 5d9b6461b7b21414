// Copyright 2026 The fallbackd Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package main

import (
	"bytes"
	"context"
	"flag"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
	"github.com/traylinx/fallbackd/internal/config"
	"github.com/traylinx/fallbackd/internal/heartbeat"
	"github.com/traylinx/fallbackd/internal/registry"
)

const answer = "Circuit breakers stop calls to a failing dependency and let a single trial request through after a cooldown period."

func chatServer(t *testing.T, calls *atomic.Int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		body, _ := io.ReadAll(r.Body)
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "user", gjson.GetBytes(body, "messages.0.role").String())
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"` + answer + `"}}],"usage":{"prompt_tokens":4,"completion_tokens":20}}`))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func testConfig(t *testing.T, baseURL string) *config.Config {
	t.Helper()
	cfg, err := config.Parse([]byte(`
heartbeat:
  enabled: false
retry:
  base-delay: 1ms
providers:
  - id: remote
    base-url: ` + baseURL + `
fallback-chain: [remote]
search:
  rate-limit-delay: 1ms
  strategies: [automated_browser, domain_corpus]
  corpus:
    - title: Breakers
      url: https://docs.example/breakers
      text: Circuit breakers stop calling a failing dependency until a cooldown elapses.
`))
	require.NoError(t, err)
	return cfg
}

func TestParseFlags(t *testing.T) {
	o, err := parseFlags(flag.NewFlagSet("t", flag.ContinueOnError), []string{"-prompt", "hi", "-private", "-strategy", "cost_optimized"})
	require.NoError(t, err)
	assert.Equal(t, "hi", o.prompt)
	assert.True(t, o.private)
	assert.Equal(t, "cost_optimized", o.strategy)
	assert.Equal(t, DefaultConfigPath, o.configPath)
	assert.Equal(t, "general", o.taskType)

	_, err = parseFlags(flag.NewFlagSet("t", flag.ContinueOnError), []string{"-prompt", "a", "-search", "b"})
	assert.Error(t, err)
}

func TestChatPayload(t *testing.T) {
	payload, err := chatPayload(`say "hi"`)
	require.NoError(t, err)
	assert.Equal(t, `say "hi"`, gjson.GetBytes(payload, "messages.0.content").String())
}

func TestRunPrompt(t *testing.T) {
	var calls atomic.Int32
	srv := chatServer(t, &calls)
	var out bytes.Buffer

	code := run(context.Background(), options{prompt: "Explain circuit breakers", taskType: "general"}, testConfig(t, srv.URL), &out)
	require.Equal(t, 0, code, out.String())
	assert.EqualValues(t, 1, calls.Load())

	var outcome map[string]any
	require.NoError(t, json.Unmarshal(out.Bytes(), &outcome))
	assert.Equal(t, "remote", outcome["provider"])
	assert.Equal(t, answer, outcome["output"])
	assert.Equal(t, "quality_acceptable", outcome["reason"])
}

func TestRunPromptProviderDown(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()
	var out bytes.Buffer

	code := run(context.Background(), options{prompt: "Explain circuit breakers"}, testConfig(t, srv.URL), &out)
	assert.Equal(t, 1, code)
	assert.Empty(t, out.String())
}

func TestRunSearch(t *testing.T) {
	var calls atomic.Int32
	var out bytes.Buffer
	code := run(context.Background(), options{query: "circuit breakers"}, testConfig(t, chatServer(t, &calls).URL), &out)
	require.Equal(t, 0, code)

	res := gjson.ParseBytes(out.Bytes())
	assert.Contains(t, res.Get("answer").String(), "cooldown")
	assert.Equal(t, "domain_corpus", res.Get("metadata.strategy").String())
	assert.Equal(t, "https://docs.example/breakers", res.Get("citations.0.url").String())
	assert.Zero(t, calls.Load())
}

func TestRunHealth(t *testing.T) {
	var calls atomic.Int32
	var out bytes.Buffer
	code := run(context.Background(), options{health: true}, testConfig(t, chatServer(t, &calls).URL), &out)
	require.Equal(t, 0, code)

	res := gjson.ParseBytes(out.Bytes())
	assert.Equal(t, "remote", res.Get("providers.0.id").String())
	assert.True(t, res.Get("providers.0.available").Bool())
	assert.Equal(t, []any{"domain_corpus"}, res.Get("search_strategies").Value())
}

func TestNewAppRejectsUnknownProviderKind(t *testing.T) {
	cfg := config.Default()
	cfg.Providers = []registry.Provider{{ID: "x", Kind: "carrier-pigeon"}}
	_, err := newApp(context.Background(), cfg)
	assert.Error(t, err)
}

func TestNewAppWithSQLiteHistoryAndFileAudit(t *testing.T) {
	dir := t.TempDir()
	cfg := config.Default()
	cfg.History.Backend = config.BackendSQLite
	cfg.History.Path = filepath.Join(dir, "history.db")
	cfg.Audit.File.Path = filepath.Join(dir, "audit.jsonl")
	cfg.Breaker.FailureThreshold = 1
	cfg.Providers = []registry.Provider{{ID: "remote", BaseURL: "http://127.0.0.1:1"}}
	cfg.FallbackChain = []string{"remote"}

	a, err := newApp(context.Background(), cfg)
	require.NoError(t, err)
	assert.Nil(t, a.search)

	// a refused connection opens the circuit and the transition is audited
	var out bytes.Buffer
	assert.Equal(t, 1, runTask(context.Background(), a, options{prompt: "hello"}, &out))
	require.NoError(t, a.Close())

	data, err := os.ReadFile(cfg.Audit.File.Path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "breaker_transition")
	assert.EqualValues(t, 1, a.metrics.Snapshot().BreakerOpenings)
}

func TestReloadAppliesProvidersAndChain(t *testing.T) {
	var calls atomic.Int32
	cfg := testConfig(t, chatServer(t, &calls).URL)
	a, err := newApp(context.Background(), cfg)
	require.NoError(t, err)
	defer a.Close()

	next := config.Default()
	next.Providers = []registry.Provider{{ID: "local", Kind: "ollama", BaseURL: "http://127.0.0.1:11434", PrivacyTier: registry.PrivacyLocal}}
	next.FallbackChain = []string{"local"}
	a.reload(next)

	assert.Equal(t, []string{"local"}, a.registry.IDs())
	assert.Equal(t, []string{"local"}, a.selector.FallbackChain())
}

func TestReloadRegistersHealthCheckers(t *testing.T) {
	var calls atomic.Int32
	cfg := testConfig(t, chatServer(t, &calls).URL)
	a, err := newApp(context.Background(), cfg)
	require.NoError(t, err)
	defer a.Close()

	next := config.Default()
	next.Providers = []registry.Provider{
		{ID: "local", Kind: "ollama", BaseURL: "http://127.0.0.1:11434", HealthURL: "http://127.0.0.1:11434/api/tags"},
		{ID: "plain", Kind: "ollama", BaseURL: "http://127.0.0.1:11435"},
	}
	next.FallbackChain = []string{"local", "plain"}
	a.reload(next)

	assert.Equal(t, 1, a.monitor.Stats().Monitored)
}

func TestRegisterCheckersSkipsRejected(t *testing.T) {
	var calls atomic.Int32
	cfg := testConfig(t, chatServer(t, &calls).URL)
	a, err := newApp(context.Background(), cfg)
	require.NoError(t, err)
	defer a.Close()

	before := a.monitor.Stats().Monitored
	assert.Equal(t, 0, a.registerCheckers([]heartbeat.Checker{nil}))
	assert.Equal(t, before, a.monitor.Stats().Monitored)
}
