// Copyright 2026 The fallbackd Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package fallback

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/traylinx/fallbackd/internal/audit"
	"github.com/traylinx/fallbackd/internal/breaker"
	"github.com/traylinx/fallbackd/internal/faults"
	"github.com/traylinx/fallbackd/internal/history"
	"github.com/traylinx/fallbackd/internal/metrics"
	"github.com/traylinx/fallbackd/internal/provider"
	"github.com/traylinx/fallbackd/internal/registry"
)

func succeed(id, content string, calls *atomic.Int32) provider.Adapter {
	return provider.Func{ID: id, Fn: func(context.Context, provider.Request) (*provider.Response, error) {
		if calls != nil {
			calls.Add(1)
		}
		return &provider.Response{Content: content}, nil
	}}
}

func fail(id string, err error, calls *atomic.Int32) provider.Adapter {
	return provider.Func{ID: id, Fn: func(context.Context, provider.Request) (*provider.Response, error) {
		if calls != nil {
			calls.Add(1)
		}
		return nil, err
	}}
}

type stepLog struct {
	mu      sync.Mutex
	steps   []audit.Step
	patches map[string][]audit.Patch
}

func newStepLog() *stepLog { return &stepLog{patches: map[string][]audit.Patch{}} }

func (s *stepLog) AppendStep(_ context.Context, step audit.Step) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.steps = append(s.steps, step)
	return step.ID, nil
}

func (s *stepLog) UpdateStep(_ context.Context, id string, p audit.Patch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.patches[id] = append(s.patches[id], p)
	return nil
}

func (s *stepLog) Close() error { return nil }

func TestExecuteFallsThroughToThirdCandidate(t *testing.T) {
	var aCalls, bCalls, cCalls atomic.Int32
	breakers := breaker.NewRegistry(breaker.Config{})
	rec := metrics.New(nil)
	exec := NewExecutor(breakers, []provider.Adapter{
		fail("A", faults.Transient("A", errors.New("502")), &aCalls),
		fail("B", faults.Malformed("B", errors.New("no choices")), &bCalls),
		succeed("C", "hello from C", &cCalls),
	}, WithMetrics(rec))

	res, err := exec.Execute(context.Background(), []string{"A", "B", "C"}, provider.Request{Payload: []byte(`{}`)})
	require.NoError(t, err)
	assert.Equal(t, "C", res.Provider)
	assert.Equal(t, "hello from C", res.Response.Content)

	require.Len(t, res.Failures, 2)
	assert.Equal(t, "A", res.Failures[0].Provider)
	assert.Equal(t, 0, res.Failures[0].Index)
	assert.Equal(t, "transient", res.Failures[0].Reason)
	assert.Equal(t, "B", res.Failures[1].Provider)
	assert.Equal(t, "malformed", res.Failures[1].Reason)
	assert.False(t, res.Failures[0].Skipped)

	assert.Equal(t, int32(1), aCalls.Load())
	assert.Equal(t, int32(1), bCalls.Load())
	assert.Equal(t, int32(1), cCalls.Load())

	assert.Equal(t, uint(1), breakers.Snapshot("A").FailureCount)
	assert.Equal(t, uint(1), breakers.Snapshot("B").FailureCount)
	assert.Equal(t, uint(0), breakers.Snapshot("C").FailureCount)

	snap := rec.Snapshot()
	assert.Equal(t, int64(3), snap.ProviderCalls)
	assert.Equal(t, int64(2), snap.ProviderFailures)
	assert.Equal(t, int64(2), snap.Fallbacks)
}

func TestExecuteFirstSuccessStopsChain(t *testing.T) {
	var bCalls atomic.Int32
	exec := NewExecutor(nil, []provider.Adapter{
		succeed("A", "ok", nil),
		succeed("B", "never", &bCalls),
	})
	res, err := exec.Execute(context.Background(), []string{"A", "B"}, provider.Request{})
	require.NoError(t, err)
	assert.Equal(t, "A", res.Provider)
	assert.Empty(t, res.Failures)
	assert.Equal(t, int32(0), bCalls.Load())
}

func TestExecuteEmptyCandidates(t *testing.T) {
	exec := NewExecutor(nil, nil)
	_, err := exec.Execute(context.Background(), nil, provider.Request{})
	assert.True(t, faults.IsValidation(err))
}

func TestExecuteSkipsOpenCircuit(t *testing.T) {
	var aCalls atomic.Int32
	breakers := breaker.NewRegistry(breaker.Config{FailureThreshold: 1, OpenDuration: time.Hour})
	breakers.RecordOutcome("A", false)
	require.Equal(t, breaker.StateOpen, breakers.State("A"))

	exec := NewExecutor(breakers, []provider.Adapter{
		fail("A", faults.Transient("A", errors.New("down")), &aCalls),
		succeed("B", "ok", nil),
	})
	res, err := exec.Execute(context.Background(), []string{"A", "B"}, provider.Request{})
	require.NoError(t, err)
	assert.Equal(t, "B", res.Provider)
	assert.Equal(t, int32(0), aCalls.Load(), "open circuit must not be called")
	require.Len(t, res.Failures, 1)
	assert.True(t, res.Failures[0].Skipped)
	assert.Equal(t, "circuit_open", res.Failures[0].Reason)
	assert.True(t, faults.IsCircuitOpen(res.Failures[0].Err))
}

func TestExecuteSkipsUnavailableWithoutTrippingBreaker(t *testing.T) {
	var aCalls atomic.Int32
	reg, err := registry.New(registry.Provider{ID: "A"}, registry.Provider{ID: "B"})
	require.NoError(t, err)
	reg.UpdateAvailability("A", false, "connection refused")

	breakers := breaker.NewRegistry(breaker.Config{FailureThreshold: 1})
	exec := NewExecutor(breakers, []provider.Adapter{
		succeed("A", "never", &aCalls),
		succeed("B", "ok", nil),
	}, WithRegistry(reg))

	res, err := exec.Execute(context.Background(), []string{"A", "B"}, provider.Request{})
	require.NoError(t, err)
	assert.Equal(t, "B", res.Provider)
	assert.Equal(t, int32(0), aCalls.Load())
	require.Len(t, res.Failures, 1)
	assert.True(t, res.Failures[0].Skipped)
	assert.Equal(t, "unavailable", res.Failures[0].Reason)
	assert.Equal(t, breaker.StateClosed, breakers.State("A"))
}

func TestExecuteMissingAdapterIsSkipped(t *testing.T) {
	exec := NewExecutor(nil, []provider.Adapter{succeed("B", "ok", nil)})
	res, err := exec.Execute(context.Background(), []string{"ghost", "B"}, provider.Request{})
	require.NoError(t, err)
	require.Len(t, res.Failures, 1)
	assert.Equal(t, "ghost", res.Failures[0].Provider)
	assert.True(t, res.Failures[0].Skipped)
}

func TestExecuteExhausted(t *testing.T) {
	exec := NewExecutor(nil, []provider.Adapter{
		fail("A", faults.Transient("A", errors.New("502")), nil),
		fail("B", faults.Unavailable("B", false, errors.New("403")), nil),
	})
	_, err := exec.Execute(context.Background(), []string{"A", "B"}, provider.Request{})
	require.Error(t, err)

	var ex *ExhaustedError
	require.True(t, errors.As(err, &ex))
	require.Len(t, ex.Failures, 2)
	assert.Equal(t, "A", ex.Failures[0].Provider)
	assert.Equal(t, "B", ex.Failures[1].Provider)
	assert.Contains(t, err.Error(), "A: transient")
	assert.Equal(t, faults.KindTransient, faults.KindOf(err), "first failure is found through Unwrap")
}

func TestExecuteValidationStopsChain(t *testing.T) {
	var bCalls atomic.Int32
	exec := NewExecutor(nil, []provider.Adapter{
		fail("A", faults.Invalid("messages", "empty"), nil),
		succeed("B", "never", &bCalls),
	})
	_, err := exec.Execute(context.Background(), []string{"A", "B"}, provider.Request{})
	assert.True(t, faults.IsValidation(err))
	assert.Equal(t, int32(0), bCalls.Load())
}

func TestExecuteCancellationIsNotRecorded(t *testing.T) {
	breakers := breaker.NewRegistry(breaker.Config{FailureThreshold: 1})
	ctx, cancel := context.WithCancel(context.Background())
	var bCalls atomic.Int32

	exec := NewExecutor(breakers, []provider.Adapter{
		provider.Func{ID: "A", Fn: func(ctx context.Context, _ provider.Request) (*provider.Response, error) {
			cancel()
			<-ctx.Done()
			return nil, ctx.Err()
		}},
		succeed("B", "never", &bCalls),
	})

	_, err := exec.Execute(ctx, []string{"A", "B"}, provider.Request{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Equal(t, int32(0), bCalls.Load())

	snap := breakers.Snapshot("A")
	assert.Equal(t, breaker.StateClosed, snap.State)
	assert.Equal(t, uint(0), snap.FailureCount)
	assert.Zero(t, exec.Stats().All()["A"].FailureCount)
}

func TestExecuteCancelledBeforeStart(t *testing.T) {
	var calls atomic.Int32
	exec := NewExecutor(nil, []provider.Adapter{succeed("A", "ok", &calls)})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := exec.Execute(ctx, []string{"A"}, provider.Request{})
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Equal(t, int32(0), calls.Load())
}

func TestExecutePerCallTimeout(t *testing.T) {
	breakers := breaker.NewRegistry(breaker.Config{})
	exec := NewExecutor(breakers, []provider.Adapter{
		provider.Func{ID: "slow", Fn: func(ctx context.Context, _ provider.Request) (*provider.Response, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		}},
		succeed("fast", "ok", nil),
	}, WithCallTimeout(20*time.Millisecond))

	res, err := exec.Execute(context.Background(), []string{"slow", "fast"}, provider.Request{})
	require.NoError(t, err)
	assert.Equal(t, "fast", res.Provider)
	require.Len(t, res.Failures, 1)
	assert.Equal(t, "timeout", res.Failures[0].Reason)
	assert.Equal(t, uint(1), breakers.Snapshot("slow").FailureCount)
}

func TestExecuteProviderTimeoutOverride(t *testing.T) {
	reg, err := registry.New(registry.Provider{ID: "slow", Timeout: 10 * time.Millisecond})
	require.NoError(t, err)

	exec := NewExecutor(nil, []provider.Adapter{
		provider.Func{ID: "slow", Fn: func(ctx context.Context, _ provider.Request) (*provider.Response, error) {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(5 * time.Second):
				return &provider.Response{Content: "late"}, nil
			}
		}},
	}, WithRegistry(reg))

	start := time.Now()
	_, err = exec.Execute(context.Background(), []string{"slow"}, provider.Request{})
	require.Error(t, err)
	assert.Equal(t, faults.KindTimeout, faults.KindOf(err))
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestExecuteRecordsHistoryAuditAndStats(t *testing.T) {
	store := history.NewMemoryStore()
	sink := newStepLog()
	exec := NewExecutor(nil, []provider.Adapter{
		fail("A", faults.Transient("A", errors.New("502")), nil),
		succeed("B", "ok", nil),
	}, WithHistory(store), WithAudit(audit.NewBestEffort(sink, nil)))

	_, err := exec.Execute(context.Background(), []string{"A", "B"}, provider.Request{SessionID: "s1"})
	require.NoError(t, err)

	attempts, err := store.List(context.Background(), "s1")
	require.NoError(t, err)
	require.Len(t, attempts, 2)
	assert.Equal(t, history.KindCall, attempts[0].Kind)
	assert.Equal(t, "A", attempts[0].Provider)
	assert.False(t, attempts[0].Success)
	assert.Equal(t, "transient", attempts[0].Reason)
	assert.Equal(t, "B", attempts[1].Provider)
	assert.True(t, attempts[1].Success)
	assert.Equal(t, 2, attempts[1].AttemptNumber)

	retries, err := store.RetryCount(context.Background(), "s1")
	require.NoError(t, err)
	assert.Zero(t, retries, "fallback calls are not retries")

	require.Len(t, sink.steps, 2)
	assert.Equal(t, audit.KindProviderCall, sink.steps[0].Kind)
	assert.Equal(t, "A", sink.steps[0].Subject)
	assert.Equal(t, audit.StatusFailed, sink.patches[sink.steps[0].ID][0].Status)
	assert.Equal(t, audit.StatusSucceeded, sink.patches[sink.steps[1].ID][0].Status)

	a, ok := exec.Stats().Get("A")
	require.True(t, ok)
	assert.Equal(t, int64(1), a.FailureCount)
	assert.Equal(t, int64(1), a.FailureReasons["transient"])
	rate, tracked := exec.Stats().SuccessRate("B")
	assert.True(t, tracked)
	assert.Equal(t, 1.0, rate)
}

func TestSetAdapterReplaces(t *testing.T) {
	exec := NewExecutor(nil, []provider.Adapter{fail("A", faults.Transient("A", errors.New("x")), nil)})
	exec.SetAdapter(succeed("A", "fixed", nil))
	res, err := exec.Execute(context.Background(), []string{"A"}, provider.Request{})
	require.NoError(t, err)
	assert.Equal(t, "fixed", res.Response.Content)
}

func TestStats(t *testing.T) {
	s := NewStats()
	_, tracked := s.SuccessRate("x")
	assert.False(t, tracked)

	s.Record("x", true, 100*time.Millisecond, "")
	s.Record("x", false, 300*time.Millisecond, "timeout")
	st, ok := s.Get("x")
	require.True(t, ok)
	assert.Equal(t, 0.5, st.SuccessRate())
	assert.Equal(t, 200*time.Millisecond, st.AverageLatency())
	assert.Equal(t, "timeout", st.LastError)

	all := s.All()
	all["x"].FailureReasons["timeout"] = 99
	st, _ = s.Get("x")
	assert.Equal(t, int64(1), st.FailureReasons["timeout"])

	s.Reset()
	assert.Empty(t, s.All())
}
