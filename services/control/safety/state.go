// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package safety holds the runtime safety state shared by the control plane:
// active unsafe conditions, quarantines, and named counters.
//
// # Description
//
// State is memory-resident and rebuilt from zero on restart; it reflects
// current operational health, not history. It is constructed once at process
// start and passed to every component that reads or mutates it.
//
// # Thread Safety
//
// Every exported method performs its whole read-modify-write inside one
// critical section, so no caller ever observes a half-applied mutation.
// Returned records are copies.
package safety

import (
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/warden/services/control/clock"
)

// maxReleasedHistory bounds how many released quarantines are kept so that
// a repeated release of the same id reports already_released.
const maxReleasedHistory = 256

// maxClearedHistory bounds the cleared-condition records kept for status.
const maxClearedHistory = 64

// Options configures a State.
type Options struct {
	// Clock stamps activation and release times. Default: clock.Real().
	Clock clock.Clock

	// BlockingTypes lists the condition types that make the system unsafe.
	// Default: WORKER_RESTART_THRESHOLD and INTEGRITY_VIOLATION.
	BlockingTypes []ConditionType

	// Logger receives activation and release events. Default: slog.Default().
	Logger *slog.Logger
}

// DefaultBlockingTypes returns the condition types that block by default.
func DefaultBlockingTypes() []ConditionType {
	return []ConditionType{ConditionWorkerRestartThreshold, ConditionIntegrityViolation}
}

type conditionKey struct {
	typ    ConditionType
	entity string
}

// State is the process-wide safety store.
type State struct {
	clock    clock.Clock
	blocking map[ConditionType]bool
	logger   *slog.Logger

	mu          sync.Mutex
	conditions  []*UnsafeCondition
	cleared     []UnsafeCondition
	quarantines []*Quarantine
	counters    map[string]int64
}

// New creates an empty State.
func New(opts Options) *State {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.BlockingTypes == nil {
		opts.BlockingTypes = DefaultBlockingTypes()
	}

	s := &State{
		clock:    opts.Clock,
		blocking: make(map[ConditionType]bool, len(opts.BlockingTypes)),
		logger:   opts.Logger.With(slog.String("component", "safety")),
	}
	for _, t := range opts.BlockingTypes {
		s.blocking[t] = true
	}
	s.reset()
	return s
}

// ResetForTests clears every condition, quarantine, and counter.
//
// Only test harnesses call this; production code never does.
func (s *State) ResetForTests() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reset()
}

func (s *State) reset() {
	s.conditions = nil
	s.cleared = nil
	s.quarantines = nil
	s.counters = map[string]int64{
		CounterDuplicateSuppressions: 0,
		CounterLockStoreFailures:     0,
		CounterHeartbeatLosses:       0,
		CounterQuarantinesCreated:    0,
		CounterQuarantinesReleased:   0,
		CounterAutoRecoveries:        0,
	}
}

// =============================================================================
// Conditions
// =============================================================================

// ActivateCondition raises a condition of typ for entityID.
//
// # Description
//
// Conditions are unique per (type, entity). When one is already active the
// existing record is returned with created=false and its metadata is merged
// with the new values.
//
// # Outputs
//
//   - UnsafeCondition: The active condition.
//   - bool: True if a new condition was created.
func (s *State) ActivateCondition(typ ConditionType, entityID string, metadata map[string]string) (UnsafeCondition, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c := s.findCondition(conditionKey{typ, entityID}); c != nil {
		if len(metadata) > 0 {
			if c.Metadata == nil {
				c.Metadata = make(map[string]string, len(metadata))
			}
			maps.Copy(c.Metadata, metadata)
		}
		return copyCondition(c), false
	}

	c := &UnsafeCondition{
		ID:          uuid.NewString(),
		Type:        typ,
		EntityID:    entityID,
		Metadata:    maps.Clone(metadata),
		ActivatedAt: s.clock.Now(),
	}
	s.conditions = append(s.conditions, c)

	s.logger.Warn("unsafe condition activated",
		slog.String("type", string(typ)),
		slog.String("entity_id", entityID),
		slog.Bool("blocking", s.blocking[typ]))
	return copyCondition(c), true
}

// ClearCondition clears the active condition of typ for entityID.
// It reports whether one was active.
func (s *State) ClearCondition(typ ConditionType, entityID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clearConditions(entityID, typ) > 0
}

// ClearEntityConditions clears every condition for entityID, or only those
// of the given types when any are passed. It returns the number cleared.
func (s *State) ClearEntityConditions(entityID string, types ...ConditionType) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clearConditions(entityID, types...)
}

// clearConditions must be called with mu held.
func (s *State) clearConditions(entityID string, types ...ConditionType) int {
	match := func(c *UnsafeCondition) bool {
		if c.EntityID != entityID {
			return false
		}
		return len(types) == 0 || slices.Contains(types, c.Type)
	}

	now := s.clock.Now()
	kept := s.conditions[:0]
	cleared := 0
	for _, c := range s.conditions {
		if match(c) {
			cleared++
			done := copyCondition(c)
			done.ClearedAt = &now
			s.cleared = append(s.cleared, done)
			s.logger.Info("unsafe condition cleared",
				slog.String("type", string(c.Type)),
				slog.String("entity_id", c.EntityID),
				slog.Duration("active_for", now.Sub(c.ActivatedAt)))
			continue
		}
		kept = append(kept, c)
	}
	for i := len(kept); i < len(s.conditions); i++ {
		s.conditions[i] = nil
	}
	s.conditions = kept
	if excess := len(s.cleared) - maxClearedHistory; excess > 0 {
		s.cleared = slices.Clone(s.cleared[excess:])
	}
	return cleared
}

// ClearedConditions returns the most recently cleared conditions, oldest
// first, with ClearedAt set.
func (s *State) ClearedConditions() []UnsafeCondition {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]UnsafeCondition, len(s.cleared))
	for i := range s.cleared {
		out[i] = copyCondition(&s.cleared[i])
	}
	return out
}

// ActiveConditions returns the active conditions in activation order,
// filtered to the given types when any are passed.
func (s *State) ActiveConditions(types ...ConditionType) []UnsafeCondition {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]UnsafeCondition, 0, len(s.conditions))
	for _, c := range s.conditions {
		if len(types) > 0 && !slices.Contains(types, c.Type) {
			continue
		}
		out = append(out, copyCondition(c))
	}
	return out
}

// HasUnsafeBlockingConditions reports whether any blocking condition is active.
func (s *State) HasUnsafeBlockingConditions() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hasBlocking()
}

func (s *State) hasBlocking() bool {
	for _, c := range s.conditions {
		if s.blocking[c.Type] {
			return true
		}
	}
	return false
}

func (s *State) findCondition(k conditionKey) *UnsafeCondition {
	for _, c := range s.conditions {
		if c.Type == k.typ && c.EntityID == k.entity {
			return c
		}
	}
	return nil
}

// =============================================================================
// Quarantines
// =============================================================================

// Quarantine creates an active quarantine.
//
// # Description
//
// Quarantines are unique per (category, entity) among active records. When
// one is already active it is returned unchanged with created=false.
// CooldownUntil is now + req.Cooldown.
func (s *State) Quarantine(req QuarantineRequest) (Quarantine, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.quarantine(req)
}

func (s *State) quarantine(req QuarantineRequest) (Quarantine, bool) {
	if q := s.activeQuarantine(req.EntityID, req.Category); q != nil {
		return *q, false
	}

	now := s.clock.Now()
	q := &Quarantine{
		ID:            uuid.NewString(),
		Category:      req.Category,
		EntityID:      req.EntityID,
		Reason:        req.Reason,
		ActivatedAt:   now,
		CooldownUntil: now.Add(req.Cooldown),
		IntegrityOnly: req.IntegrityOnly || req.Category == CategoryIntegrity,
	}
	s.quarantines = append(s.quarantines, q)
	s.counters[CounterQuarantinesCreated]++

	s.logger.Warn("quarantine created",
		slog.String("quarantine_id", q.ID),
		slog.String("category", string(q.Category)),
		slog.String("entity_id", q.EntityID),
		slog.String("reason", q.Reason),
		slog.Bool("integrity_only", q.IntegrityOnly))
	return *q, true
}

// QuarantineIntegrity raises INTEGRITY_VIOLATION for entityID together with an
// integrity-only quarantine. Only the operator integrity release path can
// lift it.
func (s *State) QuarantineIntegrity(entityID, reason string, metadata map[string]string) (Quarantine, bool) {
	s.mu.Lock()
	if s.findCondition(conditionKey{ConditionIntegrityViolation, entityID}) == nil {
		meta := maps.Clone(metadata)
		if meta == nil {
			meta = map[string]string{}
		}
		meta["reason"] = reason
		s.conditions = append(s.conditions, &UnsafeCondition{
			ID:          uuid.NewString(),
			Type:        ConditionIntegrityViolation,
			EntityID:    entityID,
			Metadata:    meta,
			ActivatedAt: s.clock.Now(),
		})
	}
	q, created := s.quarantine(QuarantineRequest{
		Category:      CategoryIntegrity,
		EntityID:      entityID,
		Reason:        reason,
		IntegrityOnly: true,
	})
	s.mu.Unlock()
	return q, created
}

// ActiveQuarantines returns the active quarantines in creation order,
// filtered to the given categories when any are passed.
func (s *State) ActiveQuarantines(categories ...Category) []Quarantine {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Quarantine, 0, len(s.quarantines))
	for _, q := range s.quarantines {
		if !q.Active() {
			continue
		}
		if len(categories) > 0 && !slices.Contains(categories, q.Category) {
			continue
		}
		out = append(out, *q)
	}
	return out
}

// ActiveQuarantineFor returns the active quarantine of category for entityID.
func (s *State) ActiveQuarantineFor(entityID string, category Category) (Quarantine, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if q := s.activeQuarantine(entityID, category); q != nil {
		return *q, true
	}
	return Quarantine{}, false
}

// IsQuarantined reports whether entityID has any active quarantine.
func (s *State) IsQuarantined(entityID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, q := range s.quarantines {
		if q.Active() && q.EntityID == entityID {
			return true
		}
	}
	return false
}

// Lookup returns the quarantine with id, active or released.
func (s *State) Lookup(id string) (Quarantine, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if q := s.findQuarantine(id); q != nil {
		return *q, true
	}
	return Quarantine{}, false
}

// ReleaseQuarantine releases quarantine id on behalf of an operator.
//
// # Description
//
// Fails with:
//   - not_found: id is unknown.
//   - already_released: the quarantine is no longer active.
//   - not_integrity: the target's integrity scope does not match
//     opts.IntegrityOnly. Integrity quarantines need IntegrityOnly and
//     worker quarantines must not set it.
//
// On success ReleasedAt, ReleasedBy, and ReleaseNote are stamped and the
// entity's conditions tied to the quarantine are cleared: restart-threshold
// and heartbeat-loss for worker quarantines, integrity-violation for
// integrity quarantines.
func (s *State) ReleaseQuarantine(id string, opts ReleaseOptions) ReleaseResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	q := s.findQuarantine(id)
	switch {
	case q == nil:
		return ReleaseResult{Reason: ReasonNotFound}
	case !q.Active():
		return ReleaseResult{Reason: ReasonAlreadyReleased, Quarantine: ptr(*q)}
	case opts.IntegrityOnly != q.IntegrityOnly:
		return ReleaseResult{Reason: ReasonNotIntegrity, Quarantine: ptr(*q)}
	}

	actor := opts.Actor
	if actor == "" {
		actor = "operator"
	}
	s.release(q, actor, opts.Note)
	return ReleaseResult{Released: true, Quarantine: ptr(*q)}
}

// AutoRelease releases every active non-integrity quarantine for entityID
// whose cooldown has elapsed at now. It returns the released records.
func (s *State) AutoRelease(entityID string, now time.Time) []Quarantine {
	s.mu.Lock()
	defer s.mu.Unlock()

	var released []Quarantine
	for _, q := range s.quarantines {
		if !q.Active() || q.EntityID != entityID || q.IntegrityOnly {
			continue
		}
		if now.Before(q.CooldownUntil) {
			continue
		}
		s.release(q, ReleasedByAutoRecovery, "")
		s.counters[CounterAutoRecoveries]++
		released = append(released, *q)
	}
	return released
}

// release must be called with mu held.
func (s *State) release(q *Quarantine, actor, note string) {
	now := s.clock.Now()
	q.ReleasedAt = &now
	q.ReleasedBy = actor
	q.ReleaseNote = note
	s.counters[CounterQuarantinesReleased]++

	if q.IntegrityOnly {
		s.clearConditions(q.EntityID, ConditionIntegrityViolation)
	} else {
		s.clearConditions(q.EntityID, ConditionWorkerRestartThreshold, ConditionHeartbeatLoss)
	}

	s.logger.Info("quarantine released",
		slog.String("quarantine_id", q.ID),
		slog.String("entity_id", q.EntityID),
		slog.String("released_by", actor))
	s.pruneReleased()
}

// pruneReleased drops the oldest released records beyond maxReleasedHistory.
func (s *State) pruneReleased() {
	released := 0
	for _, q := range s.quarantines {
		if !q.Active() {
			released++
		}
	}
	excess := released - maxReleasedHistory
	if excess <= 0 {
		return
	}

	kept := s.quarantines[:0]
	for _, q := range s.quarantines {
		if excess > 0 && !q.Active() {
			excess--
			continue
		}
		kept = append(kept, q)
	}
	s.quarantines = kept
}

func (s *State) activeQuarantine(entityID string, category Category) *Quarantine {
	for _, q := range s.quarantines {
		if q.Active() && q.EntityID == entityID && q.Category == category {
			return q
		}
	}
	return nil
}

func (s *State) findQuarantine(id string) *Quarantine {
	for _, q := range s.quarantines {
		if q.ID == id {
			return q
		}
	}
	return nil
}

// =============================================================================
// Counters and Snapshot
// =============================================================================

// Increment adds one to the named counter and returns the new value.
func (s *State) Increment(name string) int64 {
	return s.Add(name, 1)
}

// Add adds delta to the named counter and returns the new value.
func (s *State) Add(name string, delta int64) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counters[name] += delta
	return s.counters[name]
}

// Counter returns the value of the named counter.
func (s *State) Counter(name string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counters[name]
}

// Counters returns a copy of every counter.
func (s *State) Counters() map[string]int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return maps.Clone(s.counters)
}

// Snapshot returns the status view. The system is unsafe while any blocking
// condition or any quarantine is active.
func (s *State) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{
		Status:            StatusSafe,
		ActiveConditions:  make([]UnsafeCondition, 0, len(s.conditions)),
		ActiveQuarantines: make([]Quarantine, 0, len(s.quarantines)),
		Counters:          maps.Clone(s.counters),
	}
	for _, c := range s.conditions {
		snap.ActiveConditions = append(snap.ActiveConditions, copyCondition(c))
	}
	for _, q := range s.quarantines {
		if q.Active() {
			snap.ActiveQuarantines = append(snap.ActiveQuarantines, *q)
		}
	}
	if s.hasBlocking() || len(snap.ActiveQuarantines) > 0 {
		snap.Status = StatusUnsafe
	}
	return snap
}

func copyCondition(c *UnsafeCondition) UnsafeCondition {
	out := *c
	out.Metadata = maps.Clone(c.Metadata)
	return out
}

func ptr[T any](v T) *T { return &v }
