// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package jobs

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/AleutianAI/warden/services/control/breaker"
	"github.com/AleutianAI/warden/services/control/budget"
	"github.com/AleutianAI/warden/services/control/clock"
	"github.com/AleutianAI/warden/services/control/execlock"
	"github.com/AleutianAI/warden/services/control/observability"
	"github.com/AleutianAI/warden/services/control/safety"
	"github.com/AleutianAI/warden/services/control/supervisor"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

type harness struct {
	clk     *clock.Fake
	state   *safety.State
	locker  *execlock.Locker
	metrics *observability.Metrics
	reader  *sdkmetric.ManualReader
	runner  *Runner
}

func newHarness(t *testing.T, budgetCfg budget.Config) *harness {
	t.Helper()
	clk := clock.NewFake(time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC))
	state := safety.New(safety.Options{Clock: clk, Logger: discard})
	locker := execlock.NewLocker(state, execlock.WithClock(clk), execlock.WithLogger(discard))
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	reader := sdkmetric.NewManualReader()

	sup := supervisor.New(supervisor.Config{
		HeartbeatTimeout:       10 * time.Second,
		WorkerRestartThreshold: 2,
		HealthyCyclesToRecover: 1,
	}, state, clk, discard)
	t.Cleanup(sup.Close)

	runner, err := NewRunner(RunnerConfig{
		Watchdog:      budget.NewWatchdog(budgetCfg, budget.WithClock(clk), budget.WithLogger(discard)),
		Locker:        locker,
		Supervisor:    sup,
		Breakers:      breaker.NewRegistry(breaker.Config{FailureThreshold: 1, ResetTimeout: time.Minute}, clk),
		Metrics:       metrics,
		MeterProvider: sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)),
		Source:        clk,
		Logger:        discard,
	})
	require.NoError(t, err)
	t.Cleanup(runner.Stop)

	return &harness{clk: clk, state: state, locker: locker, metrics: metrics, reader: reader, runner: runner}
}

func (h *harness) runs(job string, outcome Outcome) float64 {
	return testutil.ToFloat64(h.metrics.JobRuns.WithLabelValues(job, string(outcome)))
}

func noop(context.Context, func()) error { return nil }

// =============================================================================
// Registration
// =============================================================================

func TestRegister_Validation(t *testing.T) {
	h := newHarness(t, budget.DefaultConfig())

	assert.ErrorIs(t, h.runner.Register(Job{Interval: time.Second, Run: noop}), ErrInvalidJob)
	assert.ErrorIs(t, h.runner.Register(Job{Name: "a", Run: noop}), ErrInvalidJob)
	assert.ErrorIs(t, h.runner.Register(Job{Name: "a", Interval: time.Second}), ErrInvalidJob)
	assert.ErrorIs(t, h.runner.Register(Job{Name: "Bad Name", Interval: time.Second, Run: noop}), ErrInvalidJob)
	assert.ErrorIs(t, h.runner.Register(Job{Name: "b", Breaker: "pg:main", Interval: time.Second, Run: noop}), ErrInvalidJob)

	require.NoError(t, h.runner.Register(Job{Name: "a", Interval: time.Second, Run: noop}))
	assert.ErrorIs(t, h.runner.Register(Job{Name: "a", Interval: time.Second, Run: noop}), ErrDuplicateJob)
	assert.Equal(t, []string{"a"}, h.runner.Jobs())

	_, err := h.runner.RunOnce(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrUnknownJob)
}

func TestNewRunner_RequiresDependencies(t *testing.T) {
	_, err := NewRunner(RunnerConfig{})
	assert.Error(t, err)
}

// =============================================================================
// Outcomes
// =============================================================================

func TestRunOnce_OK(t *testing.T) {
	h := newHarness(t, budget.DefaultConfig())
	var sawBudget bool
	require.NoError(t, h.runner.Register(Job{Name: "sweep", Interval: time.Second,
		Run: func(ctx context.Context, beat func()) error {
			_, sawBudget = budget.FromContext(ctx)
			beat()
			return nil
		}}))

	res, err := h.runner.RunOnce(context.Background(), "sweep")

	require.NoError(t, err)
	assert.Equal(t, OutcomeOK, res.Outcome)
	assert.NoError(t, res.Err)
	assert.True(t, sawBudget)
	assert.False(t, h.locker.Held("job:sweep"))
	assert.Equal(t, 1.0, h.runs("sweep", OutcomeOK))

	var rm metricdata.ResourceMetrics
	require.NoError(t, h.reader.Collect(context.Background(), &rm))
	require.Len(t, rm.ScopeMetrics, 1)
	require.Len(t, rm.ScopeMetrics[0].Metrics, 1)
	m := rm.ScopeMetrics[0].Metrics[0]
	assert.Equal(t, "warden.jobs.duration", m.Name)
	hist, ok := m.Data.(metricdata.Histogram[float64])
	require.True(t, ok)
	require.Len(t, hist.DataPoints, 1)
	assert.Equal(t, uint64(1), hist.DataPoints[0].Count)
}

func TestRunOnce_SkippedWhenLockHeld(t *testing.T) {
	h := newHarness(t, budget.DefaultConfig())
	called := false
	require.NoError(t, h.runner.Register(Job{Name: "sweep", Interval: time.Second,
		Run: func(context.Context, func()) error { called = true; return nil }}))

	lock, err := h.locker.Acquire(context.Background(), "job:sweep")
	require.NoError(t, err)
	require.NotNil(t, lock)
	defer func() { _ = lock.Release(context.Background()) }()

	res, err := h.runner.RunOnce(context.Background(), "sweep")

	require.NoError(t, err)
	assert.Equal(t, OutcomeSkipped, res.Outcome)
	assert.False(t, called)
	assert.Equal(t, int64(1), h.state.Counter(safety.CounterDuplicateSuppressions))
	assert.Equal(t, 1.0, h.runs("sweep", OutcomeSkipped))
}

func TestRunOnce_ErrorTripsBreaker(t *testing.T) {
	h := newHarness(t, budget.DefaultConfig())
	calls := 0
	require.NoError(t, h.runner.Register(Job{Name: "sweep", Interval: time.Second, Breaker: "postgres",
		Run: func(context.Context, func()) error { calls++; return errors.New("connection refused") }}))

	res, _ := h.runner.RunOnce(context.Background(), "sweep")
	assert.Equal(t, OutcomeError, res.Outcome)
	assert.EqualError(t, res.Err, "connection refused")

	res, _ = h.runner.RunOnce(context.Background(), "sweep")
	assert.Equal(t, OutcomeCircuitOpen, res.Outcome)
	assert.ErrorIs(t, res.Err, breaker.ErrCircuitOpen)
	assert.Equal(t, 1, calls)
	assert.Equal(t, 1.0, h.runs("sweep", OutcomeCircuitOpen))
}

func TestRunOnce_BudgetExceeded(t *testing.T) {
	h := newHarness(t, budget.Config{WatchdogLimit: 60 * time.Millisecond, SafetyBuffer: 10 * time.Millisecond})
	require.NoError(t, h.runner.Register(Job{Name: "slow", Interval: time.Second,
		Run: func(ctx context.Context, _ func()) error {
			<-ctx.Done()
			return ctx.Err()
		}}))

	res, err := h.runner.RunOnce(context.Background(), "slow")

	require.NoError(t, err)
	assert.Equal(t, OutcomeBudgetExceeded, res.Outcome)
	var exceeded *budget.BudgetExceededError
	assert.ErrorAs(t, res.Err, &exceeded)
	assert.False(t, h.locker.Held("job:slow"))
}

func TestRunOnce_BudgetAlreadyExhausted(t *testing.T) {
	h := newHarness(t, budget.Config{WatchdogLimit: time.Second, SafetyBuffer: 2 * time.Second})
	called := false
	require.NoError(t, h.runner.Register(Job{Name: "sweep", Interval: time.Second,
		Run: func(context.Context, func()) error { called = true; return nil }}))

	res, _ := h.runner.RunOnce(context.Background(), "sweep")

	assert.Equal(t, OutcomeBudgetExceeded, res.Outcome)
	assert.False(t, called)
	assert.False(t, h.locker.Held("job:sweep"))
}

func TestRunOnce_HeartbeatLossQuarantines(t *testing.T) {
	h := newHarness(t, budget.DefaultConfig())
	require.NoError(t, h.runner.Register(Job{Name: "hang", Interval: time.Second,
		Run: func(context.Context, func()) error {
			h.clk.Advance(11 * time.Second)
			return nil
		}}))

	_, _ = h.runner.RunOnce(context.Background(), "hang")
	assert.Equal(t, int64(1), h.state.Counter(safety.CounterHeartbeatLosses))
	assert.False(t, h.state.IsQuarantined("hang"))

	_, _ = h.runner.RunOnce(context.Background(), "hang")
	assert.Equal(t, int64(2), h.state.Counter(safety.CounterHeartbeatLosses))
	assert.True(t, h.state.IsQuarantined("hang"))
}

// =============================================================================
// Scheduling
// =============================================================================

func TestStart_SchedulesFixedDelayRuns(t *testing.T) {
	h := newHarness(t, budget.DefaultConfig())
	runs := 0
	require.NoError(t, h.runner.Register(Job{Name: "tick", Interval: 30 * time.Second,
		Run: func(context.Context, func()) error { runs++; return nil }}))

	require.NoError(t, h.runner.Start(context.Background()))
	assert.ErrorIs(t, h.runner.Start(context.Background()), ErrRunning)

	h.clk.Advance(0)
	assert.Equal(t, 1, runs)

	h.clk.Advance(29 * time.Second)
	assert.Equal(t, 1, runs)

	h.clk.Advance(time.Second)
	assert.Equal(t, 2, runs)

	h.runner.Stop()
	h.clk.Advance(time.Minute)
	assert.Equal(t, 2, runs)
}

func TestStart_LateRegistration(t *testing.T) {
	h := newHarness(t, budget.DefaultConfig())
	require.NoError(t, h.runner.Start(context.Background()))

	runs := 0
	require.NoError(t, h.runner.Register(Job{Name: "late", Interval: time.Second,
		Run: func(context.Context, func()) error { runs++; return nil }}))

	h.clk.Advance(0)
	assert.Equal(t, 1, runs)
}

func TestStart_ContextCancelStopsRuns(t *testing.T) {
	h := newHarness(t, budget.DefaultConfig())
	runs := 0
	require.NoError(t, h.runner.Register(Job{Name: "tick", Interval: time.Second,
		Run: func(context.Context, func()) error { runs++; return nil }}))

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, h.runner.Start(ctx))
	h.clk.Advance(0)
	require.Equal(t, 1, runs)

	cancel()
	h.clk.Advance(time.Minute)
	assert.Equal(t, 1, runs)
}
