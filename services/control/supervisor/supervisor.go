// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package supervisor detects misbehaving long-running workers through
// heartbeat loss and quarantines them, with bounded automatic recovery.
//
// # Description
//
// Per entity (for example one background worker) the supervisor walks this
// state machine:
//
//	HEALTHY ──[heartbeat timeout]──► HEARTBEAT_LOSS
//	   ▲                                  │
//	   │                      [losses ≥ WorkerRestartThreshold]
//	   │                                  ▼
//	   └──[cooldown elapsed AND ──── QUARANTINED (worker)
//	       HealthyCyclesToRecover clean cycles]
//
// Work is tracked in cycles. BeginCycle arms a heartbeat timer; Heartbeat
// re-arms it; CompleteCycle disarms it and counts a clean cycle. When a timer
// fires first, the cycle is declared lost and removed, so a late
// CompleteCycle for it is a no-op. Concurrent cycles of one entity share the
// entity's escalation counter.
//
// Integrity quarantines are never touched here.
//
// # Thread Safety
//
// Safe for concurrent use. Timer callbacks re-validate the cycle generation
// under the supervisor mutex, so a callback racing with Heartbeat or
// CompleteCycle is discarded.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/warden/services/control/clock"
	"github.com/AleutianAI/warden/services/control/safety"
)

// Config configures a Supervisor.
type Config struct {
	// HeartbeatTimeout is how long a cycle may go without a heartbeat.
	// Default: 30s
	HeartbeatTimeout time.Duration

	// WorkerRestartThreshold is the number of consecutive heartbeat losses
	// that quarantines an entity.
	// Default: 3
	WorkerRestartThreshold int

	// QuarantineCooldown is the minimum time a worker quarantine stays
	// active before it may auto-release. Zero allows immediate recovery.
	// Default: 5m
	QuarantineCooldown time.Duration

	// HealthyCyclesToRecover is the number of consecutive clean cycles
	// needed for auto-release.
	// Default: 3
	HealthyCyclesToRecover int
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		HeartbeatTimeout:       30 * time.Second,
		WorkerRestartThreshold: 3,
		QuarantineCooldown:     5 * time.Minute,
		HealthyCyclesToRecover: 3,
	}
}

// CycleOptions describes a unit of work.
type CycleOptions struct {
	// Category labels the work, for example "interpreter" or "job".
	Category string
}

// Health is a point-in-time view of one entity.
type Health struct {
	EntityID          string `json:"entityId"`
	ConsecutiveLosses int    `json:"consecutiveLosses"`
	HealthyStreak     int    `json:"healthyStreak"`
	TotalLosses       int64  `json:"totalLosses"`
	ActiveCycles      int    `json:"activeCycles"`
	Quarantined       bool   `json:"quarantined"`

	// QuarantineID is the active worker quarantine, if any.
	QuarantineID string `json:"quarantineId,omitempty"`
}

type cycle struct {
	id        string
	entityID  string
	category  string
	startedAt time.Time
	gen       uint64
	cancel    clock.CancelFunc
}

type entity struct {
	consecutiveLosses int
	healthyStreak     int
	totalLosses       int64
}

// Supervisor tracks cycles and escalates heartbeat loss.
type Supervisor struct {
	config Config
	state  *safety.State
	source clock.Source
	logger *slog.Logger

	mu       sync.Mutex
	cycles   map[string]*cycle
	entities map[string]*entity
	closed   bool
}

// New creates a Supervisor. Zero config fields fall back to the defaults
// except QuarantineCooldown, where zero is meaningful. A nil source uses the
// real clock.
func New(config Config, state *safety.State, source clock.Source, logger *slog.Logger) *Supervisor {
	d := DefaultConfig()
	if config.HeartbeatTimeout <= 0 {
		config.HeartbeatTimeout = d.HeartbeatTimeout
	}
	if config.WorkerRestartThreshold <= 0 {
		config.WorkerRestartThreshold = d.WorkerRestartThreshold
	}
	if config.QuarantineCooldown < 0 {
		config.QuarantineCooldown = 0
	}
	if config.HealthyCyclesToRecover <= 0 {
		config.HealthyCyclesToRecover = d.HealthyCyclesToRecover
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Supervisor{
		config:   config,
		state:    state,
		source:   clock.OrReal(source),
		logger:   logger.With(slog.String("component", "supervisor")),
		cycles:   make(map[string]*cycle),
		entities: make(map[string]*entity),
	}
}

// BeginCycle registers a unit of work for entityID and arms its heartbeat
// timer. It returns the cycle id, or "" once the supervisor is closed.
func (s *Supervisor) BeginCycle(entityID string, opts CycleOptions) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ""
	}

	c := &cycle{
		id:        uuid.NewString(),
		entityID:  entityID,
		category:  opts.Category,
		startedAt: s.source.Now(),
	}
	s.cycles[c.id] = c
	s.entity(entityID)
	s.arm(c)
	return c.id
}

// Heartbeat re-arms the timer of cycleID. It returns false when the cycle is
// unknown, already completed, or already declared lost.
func (s *Supervisor) Heartbeat(cycleID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.cycles[cycleID]
	if !ok {
		return false
	}
	s.disarm(c)
	s.arm(c)
	return true
}

// CompleteCycle ends cycleID as healthy.
//
// # Description
//
// Disarms the timer, resets the entity's consecutive losses, and extends
// its healthy streak. Once the streak reaches HealthyCyclesToRecover every
// non-integrity quarantine of the entity whose cooldown has elapsed is
// released by "auto-recovery". An entity without an active quarantine has
// its heartbeat-loss condition cleared.
//
// # Outputs
//
//   - bool: False when the cycle is unknown or was already declared lost.
func (s *Supervisor) CompleteCycle(cycleID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.cycles[cycleID]
	if !ok {
		return false
	}
	s.disarm(c)
	delete(s.cycles, cycleID)

	e := s.entity(c.entityID)
	e.consecutiveLosses = 0
	e.healthyStreak++

	if e.healthyStreak >= s.config.HealthyCyclesToRecover {
		for _, q := range s.state.AutoRelease(c.entityID, s.source.Now()) {
			s.logger.Info("worker quarantine auto-released",
				slog.String("entity_id", c.entityID),
				slog.String("quarantine_id", q.ID),
				slog.Int("healthy_streak", e.healthyStreak))
		}
	}
	if !s.state.IsQuarantined(c.entityID) {
		s.state.ClearCondition(safety.ConditionHeartbeatLoss, c.entityID)
	}
	return true
}

// FailCycle ends cycleID after an application error.
//
// The timer is disarmed and the healthy streak resets, but the failure does
// not count as a heartbeat loss: the worker was alive and reported it.
func (s *Supervisor) FailCycle(cycleID string, cause error) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.cycles[cycleID]
	if !ok {
		return false
	}
	s.disarm(c)
	delete(s.cycles, cycleID)
	s.entity(c.entityID).healthyStreak = 0

	attrs := []any{slog.String("entity_id", c.entityID), slog.String("cycle_id", cycleID)}
	if cause != nil {
		attrs = append(attrs, slog.String("error", cause.Error()))
	}
	s.logger.Info("cycle failed", attrs...)
	return true
}

// RunCycle runs fn as one cycle of entityID.
//
// # Description
//
// fn receives a beat function to call periodically during long work. A nil
// return completes the cycle; an error fails it. A panic fails the cycle and
// is re-raised. If the heartbeat timer fired while fn ran, the loss has
// already been recorded and fn's result does not undo it.
//
// # Example
//
//	err := sup.RunCycle(ctx, "worker-1", supervisor.CycleOptions{Category: "job"},
//	    func(ctx context.Context, beat func()) error {
//	        for _, item := range batch {
//	            process(item)
//	            beat()
//	        }
//	        return nil
//	    })
func (s *Supervisor) RunCycle(ctx context.Context, entityID string, opts CycleOptions, fn func(ctx context.Context, beat func()) error) (err error) {
	id := s.BeginCycle(entityID, opts)
	beat := func() { s.Heartbeat(id) }

	defer func() {
		if r := recover(); r != nil {
			s.FailCycle(id, fmt.Errorf("panic: %v", r))
			panic(r)
		}
		if err != nil {
			s.FailCycle(id, err)
			return
		}
		s.CompleteCycle(id)
	}()

	return fn(ctx, beat)
}

// EntityHealth returns the health of entityID.
func (s *Supervisor) EntityHealth(entityID string) Health {
	s.mu.Lock()
	defer s.mu.Unlock()

	h := Health{EntityID: entityID}
	if e, ok := s.entities[entityID]; ok {
		h.ConsecutiveLosses = e.consecutiveLosses
		h.HealthyStreak = e.healthyStreak
		h.TotalLosses = e.totalLosses
	}
	for _, c := range s.cycles {
		if c.entityID == entityID {
			h.ActiveCycles++
		}
	}
	h.Quarantined = s.state.IsQuarantined(entityID)
	if q, ok := s.state.ActiveQuarantineFor(entityID, safety.CategoryWorker); ok {
		h.QuarantineID = q.ID
	}
	return h
}

// ActiveCycles returns the number of cycles in progress.
func (s *Supervisor) ActiveCycles() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.cycles)
}

// Close disarms every timer and forgets in-progress cycles.
func (s *Supervisor) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, c := range s.cycles {
		s.disarm(c)
		delete(s.cycles, id)
	}
	s.closed = true
}

// arm must be called with mu held.
func (s *Supervisor) arm(c *cycle) {
	if s.closed {
		return
	}
	c.gen++
	gen := c.gen
	id := c.id
	c.cancel = s.source.Schedule(s.config.HeartbeatTimeout, func() {
		s.onTimeout(id, gen)
	})
}

// disarm must be called with mu held.
func (s *Supervisor) disarm(c *cycle) {
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.gen++
}

func (s *Supervisor) entity(id string) *entity {
	e, ok := s.entities[id]
	if !ok {
		e = &entity{}
		s.entities[id] = e
	}
	return e
}

// onTimeout declares a cycle lost and escalates.
func (s *Supervisor) onTimeout(cycleID string, gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.cycles[cycleID]
	if !ok || c.gen != gen {
		return
	}
	delete(s.cycles, cycleID)

	e := s.entity(c.entityID)
	e.consecutiveLosses++
	e.totalLosses++
	e.healthyStreak = 0

	s.state.ActivateCondition(safety.ConditionHeartbeatLoss, c.entityID, map[string]string{
		"cycleId":           c.id,
		"category":          c.category,
		"consecutiveLosses": strconv.Itoa(e.consecutiveLosses),
	})
	s.state.Increment(safety.CounterHeartbeatLosses)
	s.logger.Warn("heartbeat lost",
		slog.String("entity_id", c.entityID),
		slog.String("cycle_id", c.id),
		slog.Duration("cycle_age", s.source.Since(c.startedAt)),
		slog.Int("consecutive_losses", e.consecutiveLosses))

	if e.consecutiveLosses < s.config.WorkerRestartThreshold {
		return
	}

	s.state.ActivateCondition(safety.ConditionWorkerRestartThreshold, c.entityID, map[string]string{
		"consecutiveLosses": strconv.Itoa(e.consecutiveLosses),
		"threshold":         strconv.Itoa(s.config.WorkerRestartThreshold),
	})
	q, created := s.state.Quarantine(safety.QuarantineRequest{
		Category: safety.CategoryWorker,
		EntityID: c.entityID,
		Reason:   fmt.Sprintf("%d consecutive heartbeat losses", e.consecutiveLosses),
		Cooldown: s.config.QuarantineCooldown,
	})
	if created {
		s.logger.Error("worker quarantined",
			slog.String("entity_id", c.entityID),
			slog.String("quarantine_id", q.ID),
			slog.Time("cooldown_until", q.CooldownUntil))
	}
}
