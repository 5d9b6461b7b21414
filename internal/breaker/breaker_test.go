// Copyright 2026 The fallbackd Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package breaker

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/traylinx/fallbackd/internal/faults"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
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

func TestDefaults(t *testing.T) {
	r := NewRegistry(Config{})
	snap := r.Snapshot("ollama")

	assert.Equal(t, StateClosed, snap.State)
	assert.Equal(t, uint(DefaultFailureThreshold), snap.FailureThreshold)
	assert.Equal(t, DefaultOpenDuration, snap.OpenDuration)
	assert.Zero(t, snap.FailureCount)
}

func TestOpensAtThreshold(t *testing.T) {
	clock := newFakeClock()
	r := NewRegistry(Config{FailureThreshold: 3, OpenDuration: time.Minute}, WithClock(clock.Now))

	r.RecordOutcome("a", false)
	r.RecordOutcome("a", false)
	assert.Equal(t, StateClosed, r.State("a"))
	assert.NoError(t, r.Guard("a"))

	r.RecordOutcome("a", false)
	assert.Equal(t, StateOpen, r.State("a"))

	err := r.Guard("a")
	require.Error(t, err)
	assert.True(t, faults.IsCircuitOpen(err))
	assert.Equal(t, "circuit_open", faults.Reason(err))
}

func TestSuccessResetsFailureCount(t *testing.T) {
	r := NewRegistry(Config{FailureThreshold: 3})

	r.RecordOutcome("a", false)
	r.RecordOutcome("a", false)
	r.RecordOutcome("a", true)
	r.RecordOutcome("a", false)
	r.RecordOutcome("a", false)

	snap := r.Snapshot("a")
	assert.Equal(t, StateClosed, snap.State)
	assert.Equal(t, uint(2), snap.FailureCount)
}

func TestHalfOpenTrialSucceeds(t *testing.T) {
	clock := newFakeClock()
	r := NewRegistry(Config{FailureThreshold: 1, OpenDuration: 10 * time.Second}, WithClock(clock.Now))

	r.RecordOutcome("a", false)
	clock.Advance(9 * time.Second)
	assert.Error(t, r.Guard("a"))

	clock.Advance(time.Second)
	require.NoError(t, r.Guard("a"))
	assert.Equal(t, StateHalfOpen, r.State("a"))

	// Only one trial may be in flight.
	assert.Error(t, r.Guard("a"))

	r.RecordOutcome("a", true)
	snap := r.Snapshot("a")
	assert.Equal(t, StateClosed, snap.State)
	assert.Zero(t, snap.FailureCount)
	assert.NoError(t, r.Guard("a"))
}

func TestHalfOpenTrialFailsRestartsTimer(t *testing.T) {
	clock := newFakeClock()
	r := NewRegistry(Config{FailureThreshold: 1, OpenDuration: 10 * time.Second}, WithClock(clock.Now))

	r.RecordOutcome("a", false)
	clock.Advance(10 * time.Second)
	require.NoError(t, r.Guard("a"))

	r.RecordOutcome("a", false)
	assert.Equal(t, StateOpen, r.State("a"))

	clock.Advance(5 * time.Second)
	assert.Error(t, r.Guard("a"))
	clock.Advance(5 * time.Second)
	assert.NoError(t, r.Guard("a"))
}

func TestSuccessWhileOpenIsIgnored(t *testing.T) {
	r := NewRegistry(Config{FailureThreshold: 1})
	r.RecordOutcome("a", false)
	r.RecordOutcome("a", true)

	snap := r.Snapshot("a")
	assert.Equal(t, StateOpen, snap.State)
	assert.Equal(t, uint(1), snap.FailureCount)
}

func TestAbandonReleasesTrial(t *testing.T) {
	clock := newFakeClock()
	r := NewRegistry(Config{FailureThreshold: 1, OpenDuration: time.Second}, WithClock(clock.Now))

	r.RecordOutcome("a", false)
	clock.Advance(time.Second)
	require.NoError(t, r.Guard("a"))
	assert.Error(t, r.Guard("a"))

	r.Abandon("a")
	assert.Equal(t, StateHalfOpen, r.State("a"))
	assert.NoError(t, r.Guard("a"))
}

func TestResetAndOverrides(t *testing.T) {
	r := NewRegistry(Config{FailureThreshold: 5}, WithOverride("flaky", Config{FailureThreshold: 1}))

	r.RecordOutcome("flaky", false)
	r.RecordOutcome("steady", false)
	assert.Equal(t, StateOpen, r.State("flaky"))
	assert.Equal(t, StateClosed, r.State("steady"))

	r.Reset("flaky")
	snap := r.Snapshot("flaky")
	assert.Equal(t, StateClosed, snap.State)
	assert.Zero(t, snap.FailureCount)
	assert.Len(t, r.Snapshots(), 2)
}

func TestStateChangeObservers(t *testing.T) {
	clock := newFakeClock()
	type change struct{ from, to State }
	var mu sync.Mutex
	var changes []change

	r := NewRegistry(Config{FailureThreshold: 1, OpenDuration: time.Second},
		WithClock(clock.Now),
		WithStateChange(func(dep string, from, to State) {
			mu.Lock()
			changes = append(changes, change{from, to})
			mu.Unlock()
		}))

	r.RecordOutcome("a", false)
	clock.Advance(time.Second)
	require.NoError(t, r.Guard("a"))
	r.RecordOutcome("a", true)

	assert.Equal(t, []change{
		{StateClosed, StateOpen},
		{StateOpen, StateHalfOpen},
		{StateHalfOpen, StateClosed},
	}, changes)
}

func TestConcurrentGuardAdmitsSingleTrial(t *testing.T) {
	clock := newFakeClock()
	r := NewRegistry(Config{FailureThreshold: 1, OpenDuration: time.Second}, WithClock(clock.Now))
	r.RecordOutcome("a", false)
	clock.Advance(time.Second)

	var allowed atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if r.Guard("a") == nil {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), allowed.Load())
}

func TestProperty_ThresholdOpensCircuit(t *testing.T) {
	properties := gopter.NewProperties(nil)

	properties.Property("fewer than threshold failures keep the circuit closed", prop.ForAll(
		func(threshold uint) bool {
			r := NewRegistry(Config{FailureThreshold: threshold})
			for i := uint(0); i < threshold-1; i++ {
				r.RecordOutcome("dep", false)
				if r.State("dep") != StateClosed {
					return false
				}
			}
			r.RecordOutcome("dep", false)
			return r.State("dep") == StateOpen
		},
		gen.UIntRange(1, 20),
	))

	properties.TestingRun(t, gopter.ConsoleReporter(false))
}

func TestProperty_OpenRejectsUntilDuration(t *testing.T) {
	properties := gopter.NewProperties(nil)

	properties.Property("open rejects until duration then admits one trial", prop.ForAll(
		func(openSeconds int, trials int) bool {
			clock := newFakeClock()
			openDuration := time.Duration(openSeconds) * time.Second
			r := NewRegistry(Config{FailureThreshold: 1, OpenDuration: openDuration}, WithClock(clock.Now))
			r.RecordOutcome("dep", false)

			step := openDuration / time.Duration(trials+1)
			for i := 0; i < trials; i++ {
				clock.Advance(step)
				if r.Guard("dep") == nil {
					return false
				}
			}

			clock.Advance(openDuration)
			if r.Guard("dep") != nil {
				return false
			}
			return r.Guard("dep") != nil && r.State("dep") == StateHalfOpen
		},
		gen.IntRange(1, 300),
		gen.IntRange(0, 10),
	))

	properties.TestingRun(t, gopter.ConsoleReporter(false))
}
