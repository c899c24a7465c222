// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package breaker

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/warden/services/control/clock"
)

var errDependency = errors.New("dependency failed")

func fail(context.Context) error    { return errDependency }
func succeed(context.Context) error { return nil }

func newTestBreaker(cfg Config) (*CircuitBreaker, *clock.Fake) {
	fake := clock.NewFake(time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC))
	return New("test", cfg, fake), fake
}

func TestState_String(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{Closed, "CLOSED"},
		{Open, "OPEN"},
		{HalfOpen, "HALF_OPEN"},
		{State(99), "UNKNOWN(99)"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.state.String())
	}

	b, err := json.Marshal(map[string]State{"llm": HalfOpen})
	require.NoError(t, err)
	assert.JSONEq(t, `{"llm":"HALF_OPEN"}`, string(b))

	var decoded map[string]State
	require.NoError(t, json.Unmarshal(b, &decoded))
	assert.Equal(t, HalfOpen, decoded["llm"])

	var bad State
	assert.Error(t, bad.UnmarshalText([]byte("AJAR")))
}

func TestCircuitBreaker_OpensAfterThreshold(t *testing.T) {
	cb, _ := newTestBreaker(Config{FailureThreshold: 3, ResetTimeout: time.Second})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		assert.ErrorIs(t, cb.Execute(ctx, fail), errDependency)
	}
	assert.Equal(t, Open, cb.State())

	called := false
	err := cb.Execute(ctx, func(context.Context) error {
		called = true
		return nil
	})

	assert.False(t, called, "fn must not run while open")
	assert.ErrorIs(t, err, ErrCircuitOpen)
	var openErr *OpenError
	require.True(t, errors.As(err, &openErr))
	assert.Equal(t, "test", openErr.Name)
	assert.Equal(t, Open, openErr.State)
}

func TestCircuitBreaker_HalfOpenProbeAfterResetTimeout(t *testing.T) {
	cb, fake := newTestBreaker(Config{FailureThreshold: 1, ResetTimeout: time.Second})
	ctx := context.Background()

	require.Error(t, cb.Execute(ctx, fail))
	require.Equal(t, Open, cb.State())

	fake.Advance(999 * time.Millisecond)
	assert.ErrorIs(t, cb.Execute(ctx, succeed), ErrCircuitOpen)

	fake.Advance(time.Millisecond)
	var probeState State
	err := cb.Execute(ctx, func(context.Context) error {
		probeState = cb.State()
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, HalfOpen, probeState)
	assert.Equal(t, Closed, cb.State())
	assert.Equal(t, 0, cb.Snapshot().FailureCount)
}

func TestCircuitBreaker_ProbeFailureReopensImmediately(t *testing.T) {
	cb, fake := newTestBreaker(Config{FailureThreshold: 5, ResetTimeout: time.Second})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_ = cb.Execute(ctx, fail)
	}
	require.Equal(t, Open, cb.State())

	fake.Advance(time.Second)
	assert.ErrorIs(t, cb.Execute(ctx, fail), errDependency)
	assert.Equal(t, Open, cb.State(), "one probe failure reopens")

	assert.ErrorIs(t, cb.Execute(ctx, succeed), ErrCircuitOpen, "reset timer restarts from the probe failure")
}

func TestCircuitBreaker_HalfOpenLimitsProbes(t *testing.T) {
	cb, fake := newTestBreaker(Config{FailureThreshold: 1, ResetTimeout: time.Second, HalfOpenMaxCalls: 1})
	ctx := context.Background()

	_ = cb.Execute(ctx, fail)
	fake.Advance(time.Second)

	var inner error
	err := cb.Execute(ctx, func(context.Context) error {
		inner = cb.Execute(ctx, succeed)
		return nil
	})

	require.NoError(t, err)
	assert.ErrorIs(t, inner, ErrCircuitOpen)
	var openErr *OpenError
	require.True(t, errors.As(inner, &openErr))
	assert.Equal(t, HalfOpen, openErr.State)
	assert.Equal(t, Closed, cb.State())
}

func TestCircuitBreaker_ClosesOnlyWhenNothingInFlight(t *testing.T) {
	cb, fake := newTestBreaker(Config{FailureThreshold: 1, ResetTimeout: time.Second, HalfOpenMaxCalls: 2})
	ctx := context.Background()

	_ = cb.Execute(ctx, fail)
	fake.Advance(time.Second)

	var afterInner State
	err := cb.Execute(ctx, func(context.Context) error {
		require.NoError(t, cb.Execute(ctx, succeed))
		afterInner = cb.State()
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, HalfOpen, afterInner, "sibling still in flight")
	assert.Equal(t, Closed, cb.State())
	assert.Equal(t, 0, cb.Snapshot().InFlight)
}

func TestCircuitBreaker_SuccessIdempotentWhenClosed(t *testing.T) {
	cb, _ := newTestBreaker(DefaultConfig())
	ctx := context.Background()

	for i := 0; i < 100; i++ {
		require.NoError(t, cb.Execute(ctx, succeed))
	}

	stats := cb.Snapshot()
	assert.Equal(t, Closed, stats.State)
	assert.Equal(t, 0, stats.FailureCount)
	assert.Equal(t, int64(100), stats.TotalCalls)
}

func TestCircuitBreaker_SuccessResetsFailureCount(t *testing.T) {
	cb, _ := newTestBreaker(Config{FailureThreshold: 3})
	ctx := context.Background()

	_ = cb.Execute(ctx, fail)
	_ = cb.Execute(ctx, fail)
	require.NoError(t, cb.Execute(ctx, succeed))
	_ = cb.Execute(ctx, fail)
	_ = cb.Execute(ctx, fail)

	assert.Equal(t, Closed, cb.State())
	assert.Equal(t, 2, cb.Snapshot().FailureCount)
}

func TestCircuitBreaker_PanicCountsAsFailure(t *testing.T) {
	cb, _ := newTestBreaker(Config{FailureThreshold: 1})

	assert.Panics(t, func() {
		_ = cb.Execute(context.Background(), func(context.Context) error {
			panic("boom")
		})
	})

	stats := cb.Snapshot()
	assert.Equal(t, Open, stats.State)
	assert.Equal(t, 0, stats.InFlight)
}

func TestCircuitBreaker_StateChangeCallback(t *testing.T) {
	var got []string
	cfg := Config{
		FailureThreshold: 1,
		ResetTimeout:     time.Second,
		OnStateChange: func(name string, from, to State) {
			got = append(got, name+":"+from.String()+">"+to.String())
		},
	}
	cb, fake := newTestBreaker(cfg)
	ctx := context.Background()

	_ = cb.Execute(ctx, fail)
	fake.Advance(time.Second)
	_ = cb.Execute(ctx, succeed)
	_ = cb.Execute(ctx, fail)
	cb.Reset()

	assert.Equal(t, []string{
		"test:CLOSED>OPEN",
		"test:OPEN>HALF_OPEN",
		"test:HALF_OPEN>CLOSED",
		"test:CLOSED>OPEN",
		"test:OPEN>CLOSED",
	}, got)
}

func TestCall_ReturnsValue(t *testing.T) {
	cb, _ := newTestBreaker(DefaultConfig())

	v, err := Call(context.Background(), cb, func(context.Context) (int, error) { return 42, nil })
	require.NoError(t, err)
	assert.Equal(t, 42, v)

	v, err = Call(context.Background(), cb, func(context.Context) (int, error) { return 7, errDependency })
	assert.ErrorIs(t, err, errDependency)
	assert.Equal(t, 0, v)
}

func TestRegistry(t *testing.T) {
	fake := clock.NewFake(time.Unix(0, 0))
	r := NewRegistry(Config{FailureThreshold: 1}, fake)

	a := r.Get("a")
	assert.Same(t, a, r.Get("a"))

	custom := r.GetWithConfig("b", Config{FailureThreshold: 10})
	assert.Same(t, custom, r.Get("b"))

	_ = a.Execute(context.Background(), fail)
	assert.Equal(t, map[string]State{"a": Open, "b": Closed}, r.States())

	snaps := r.Snapshots()
	require.Len(t, snaps, 2)
	assert.Equal(t, "a", snaps[0].Name)
	assert.Equal(t, int64(1), snaps[0].TotalFailures)

	r.ResetAll()
	assert.Equal(t, Closed, a.State())
}
