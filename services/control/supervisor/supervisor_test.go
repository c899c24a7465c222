// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package supervisor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/warden/services/control/clock"
	"github.com/AleutianAI/warden/services/control/safety"
)

const timeout = 30 * time.Second

type harness struct {
	sup   *Supervisor
	state *safety.State
	clock *clock.Fake
}

func newHarness(t *testing.T, cfg Config) harness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	fake := clock.NewFake(time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC))
	state := safety.New(safety.Options{Clock: fake, Logger: logger})
	sup := New(cfg, state, fake, logger)
	t.Cleanup(sup.Close)
	return harness{sup: sup, state: state, clock: fake}
}

func (h harness) loseCycle(entityID string) {
	h.sup.BeginCycle(entityID, CycleOptions{Category: "job"})
	h.clock.Advance(timeout)
}

func (h harness) cleanCycle(t *testing.T, entityID string) {
	t.Helper()
	id := h.sup.BeginCycle(entityID, CycleOptions{Category: "job"})
	h.clock.Advance(time.Second)
	require.True(t, h.sup.CompleteCycle(id))
}

func TestSupervisor_HeartbeatLossActivatesOneCondition(t *testing.T) {
	h := newHarness(t, DefaultConfig())

	h.sup.BeginCycle("worker-1", CycleOptions{Category: "interpreter"})
	h.clock.Advance(timeout - time.Millisecond)
	assert.Empty(t, h.state.ActiveConditions())

	h.clock.Advance(time.Millisecond)

	conds := h.state.ActiveConditions(safety.ConditionHeartbeatLoss)
	require.Len(t, conds, 1)
	assert.Equal(t, "worker-1", conds[0].EntityID)
	assert.Equal(t, "interpreter", conds[0].Metadata["category"])
	assert.Equal(t, int64(1), h.state.Counter(safety.CounterHeartbeatLosses))
	assert.Empty(t, h.state.ActiveQuarantines())
	assert.Equal(t, 0, h.sup.ActiveCycles())
}

func TestSupervisor_HeartbeatRearmsTimer(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	id := h.sup.BeginCycle("w", CycleOptions{})

	for i := 0; i < 5; i++ {
		h.clock.Advance(timeout - time.Second)
		require.True(t, h.sup.Heartbeat(id))
	}

	assert.Empty(t, h.state.ActiveConditions())
	assert.True(t, h.sup.CompleteCycle(id))
	assert.Equal(t, 0, h.clock.Pending())
}

func TestSupervisor_LateCompleteIsNoop(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	id := h.sup.BeginCycle("w", CycleOptions{})

	h.clock.Advance(timeout)

	assert.False(t, h.sup.CompleteCycle(id))
	assert.False(t, h.sup.Heartbeat(id))
	assert.Equal(t, 1, h.sup.EntityHealth("w").ConsecutiveLosses)
	assert.Len(t, h.state.ActiveConditions(safety.ConditionHeartbeatLoss), 1)
}

func TestSupervisor_ThresholdQuarantinesOnce(t *testing.T) {
	h := newHarness(t, DefaultConfig())

	for i := 0; i < 5; i++ {
		h.loseCycle("worker-1")
	}

	restart := h.state.ActiveConditions(safety.ConditionWorkerRestartThreshold)
	require.Len(t, restart, 1)
	assert.Equal(t, "worker-1", restart[0].EntityID)

	quarantines := h.state.ActiveQuarantines(safety.CategoryWorker)
	require.Len(t, quarantines, 1)
	assert.Equal(t, "worker-1", quarantines[0].EntityID)
	assert.False(t, quarantines[0].IntegrityOnly)
	assert.Equal(t, quarantines[0].ActivatedAt.Add(5*time.Minute), quarantines[0].CooldownUntil)

	assert.Len(t, h.state.ActiveConditions(safety.ConditionHeartbeatLoss), 1)
	assert.Equal(t, safety.StatusUnsafe, h.state.Snapshot().Status)

	health := h.sup.EntityHealth("worker-1")
	assert.True(t, health.Quarantined)
	assert.Equal(t, quarantines[0].ID, health.QuarantineID)
	assert.Empty(t, h.sup.EntityHealth("worker-2").QuarantineID)
}

func TestSupervisor_BelowThresholdNoQuarantine(t *testing.T) {
	h := newHarness(t, DefaultConfig())

	h.loseCycle("w")
	h.loseCycle("w")
	h.cleanCycle(t, "w")
	h.loseCycle("w")

	assert.Empty(t, h.state.ActiveQuarantines(), "a clean cycle resets consecutive losses")
	assert.Equal(t, int64(3), h.sup.EntityHealth("w").TotalLosses)
}

func TestSupervisor_ConcurrentCyclesShareCounter(t *testing.T) {
	h := newHarness(t, DefaultConfig())

	for i := 0; i < 3; i++ {
		h.sup.BeginCycle("w", CycleOptions{})
	}
	assert.Equal(t, 3, h.sup.EntityHealth("w").ActiveCycles)

	h.clock.Advance(timeout)

	assert.Len(t, h.state.ActiveQuarantines(safety.CategoryWorker), 1)
	assert.Equal(t, 3, h.sup.EntityHealth("w").ConsecutiveLosses)
}

func TestSupervisor_AutoRecoveryWithZeroCooldown(t *testing.T) {
	h := newHarness(t, Config{
		HeartbeatTimeout:       timeout,
		WorkerRestartThreshold: 1,
		QuarantineCooldown:     0,
		HealthyCyclesToRecover: 3,
	})

	h.loseCycle("w")
	require.Len(t, h.state.ActiveQuarantines(), 1)
	q := h.state.ActiveQuarantines()[0]

	h.cleanCycle(t, "w")
	h.cleanCycle(t, "w")
	assert.Len(t, h.state.ActiveQuarantines(), 1, "streak not reached")

	h.cleanCycle(t, "w")

	assert.Empty(t, h.state.ActiveQuarantines())
	released, ok := h.state.Lookup(q.ID)
	require.True(t, ok)
	assert.Equal(t, safety.ReleasedByAutoRecovery, released.ReleasedBy)
	assert.Empty(t, h.state.ActiveConditions())
	assert.Equal(t, safety.StatusSafe, h.state.Snapshot().Status)
	assert.Equal(t, int64(1), h.state.Counter(safety.CounterAutoRecoveries))
}

func TestSupervisor_AutoRecoveryWaitsForCooldown(t *testing.T) {
	h := newHarness(t, Config{
		HeartbeatTimeout:       timeout,
		WorkerRestartThreshold: 1,
		QuarantineCooldown:     10 * time.Minute,
		HealthyCyclesToRecover: 2,
	})

	h.loseCycle("w")
	h.cleanCycle(t, "w")
	h.cleanCycle(t, "w")
	h.cleanCycle(t, "w")
	assert.Len(t, h.state.ActiveQuarantines(), 1, "cooldown not elapsed")

	h.clock.Advance(10 * time.Minute)
	h.cleanCycle(t, "w")

	assert.Empty(t, h.state.ActiveQuarantines())
}

func TestSupervisor_IntegrityQuarantineNeverAutoReleased(t *testing.T) {
	h := newHarness(t, Config{HeartbeatTimeout: timeout, HealthyCyclesToRecover: 1})
	h.state.QuarantineIntegrity("w", "tampered artifact", nil)

	for i := 0; i < 5; i++ {
		h.cleanCycle(t, "w")
	}

	active := h.state.ActiveQuarantines()
	require.Len(t, active, 1)
	assert.Equal(t, safety.CategoryIntegrity, active[0].Category)
	assert.True(t, h.state.HasUnsafeBlockingConditions())
}

func TestSupervisor_FailCycleResetsStreakWithoutLoss(t *testing.T) {
	h := newHarness(t, Config{
		HeartbeatTimeout:       timeout,
		WorkerRestartThreshold: 1,
		HealthyCyclesToRecover: 2,
	})
	h.loseCycle("w")

	h.cleanCycle(t, "w")
	id := h.sup.BeginCycle("w", CycleOptions{})
	require.True(t, h.sup.FailCycle(id, errors.New("bad input")))
	h.cleanCycle(t, "w")

	assert.Len(t, h.state.ActiveQuarantines(), 1, "streak was reset by the failure")
	health := h.sup.EntityHealth("w")
	assert.Equal(t, 1, health.HealthyStreak)
	assert.Equal(t, int64(1), health.TotalLosses)

	h.cleanCycle(t, "w")
	assert.Empty(t, h.state.ActiveQuarantines())
	assert.False(t, h.sup.FailCycle(id, nil))
}

func TestSupervisor_RunCycle(t *testing.T) {
	h := newHarness(t, Config{HeartbeatTimeout: timeout})
	ctx := context.Background()

	err := h.sup.RunCycle(ctx, "w", CycleOptions{}, func(ctx context.Context, beat func()) error {
		for i := 0; i < 3; i++ {
			h.clock.Advance(timeout - time.Second)
			beat()
		}
		return nil
	})
	require.NoError(t, err)
	assert.Empty(t, h.state.ActiveConditions())
	assert.Equal(t, 1, h.sup.EntityHealth("w").HealthyStreak)

	boom := errors.New("boom")
	err = h.sup.RunCycle(ctx, "w", CycleOptions{}, func(context.Context, func()) error { return boom })
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 0, h.sup.EntityHealth("w").HealthyStreak)
	assert.Equal(t, 0, h.sup.ActiveCycles())

	assert.Panics(t, func() {
		_ = h.sup.RunCycle(ctx, "w", CycleOptions{}, func(context.Context, func()) error { panic("x") })
	})
	assert.Equal(t, 0, h.sup.ActiveCycles())
}

func TestSupervisor_OperatorReleaseThenRecoverCleanly(t *testing.T) {
	h := newHarness(t, Config{HeartbeatTimeout: timeout, WorkerRestartThreshold: 1})
	h.loseCycle("w")
	q := h.state.ActiveQuarantines()[0]

	res := h.state.ReleaseQuarantine(q.ID, safety.ReleaseOptions{Actor: "alice"})
	require.True(t, res.Released)
	assert.Empty(t, h.state.ActiveConditions())

	h.cleanCycle(t, "w")
	assert.Equal(t, safety.StatusSafe, h.state.Snapshot().Status)
}

func TestSupervisor_CloseDisarmsTimers(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.sup.BeginCycle("w", CycleOptions{})
	h.sup.BeginCycle("x", CycleOptions{})

	h.sup.Close()
	h.clock.Advance(time.Hour)

	assert.Equal(t, 0, h.clock.Pending())
	assert.Empty(t, h.state.ActiveConditions())
	assert.Equal(t, 0, h.sup.ActiveCycles())
}

func TestSupervisor_BeginCycleAfterClose(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.sup.Close()

	id := h.sup.BeginCycle("w", CycleOptions{})

	assert.Empty(t, id)
	assert.Equal(t, 0, h.sup.ActiveCycles())
	assert.Equal(t, 0, h.sup.EntityHealth("w").ActiveCycles)
	assert.False(t, h.sup.CompleteCycle(id))
}

func TestNew_Defaults(t *testing.T) {
	s := New(Config{QuarantineCooldown: -time.Second}, safety.New(safety.Options{}), nil, nil)
	assert.Equal(t, 30*time.Second, s.config.HeartbeatTimeout)
	assert.Equal(t, 3, s.config.WorkerRestartThreshold)
	assert.Equal(t, time.Duration(0), s.config.QuarantineCooldown)
	assert.Equal(t, 3, s.config.HealthyCyclesToRecover)
}
