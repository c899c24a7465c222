// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package safety

import (
	"time"
)

// =============================================================================
// Condition and Quarantine Kinds
// =============================================================================

// ConditionType identifies the kind of an UnsafeCondition.
type ConditionType string

const (
	// ConditionHeartbeatLoss is raised when a supervised cycle misses its
	// heartbeat deadline. Advisory; it does not make the system unsafe alone.
	ConditionHeartbeatLoss ConditionType = "INTERPRETER_HEARTBEAT_LOSS"

	// ConditionWorkerRestartThreshold is raised when an entity accumulates
	// too many consecutive heartbeat losses.
	ConditionWorkerRestartThreshold ConditionType = "WORKER_RESTART_THRESHOLD"

	// ConditionIntegrityViolation accompanies every integrity quarantine.
	ConditionIntegrityViolation ConditionType = "INTEGRITY_VIOLATION"
)

// Category classifies a Quarantine.
type Category string

const (
	// CategoryWorker quarantines are created by the supervisor and may be
	// auto-released.
	CategoryWorker Category = "worker"

	// CategoryIntegrity quarantines are only released by an operator.
	CategoryIntegrity Category = "integrity"
)

// Counter names.
const (
	CounterDuplicateSuppressions = "duplicateSuppressions"
	CounterLockStoreFailures     = "lockStoreFailures"
	CounterHeartbeatLosses       = "heartbeatLosses"
	CounterQuarantinesCreated    = "quarantinesCreated"
	CounterQuarantinesReleased   = "quarantinesReleased"
	CounterAutoRecoveries        = "autoRecoveries"
)

// Release failure reasons.
const (
	ReasonNotFound        = "not_found"
	ReasonNotIntegrity    = "not_integrity"
	ReasonAlreadyReleased = "already_released"
)

// ReleasedByAutoRecovery is stamped on quarantines released by the supervisor.
const ReleasedByAutoRecovery = "auto-recovery"

// Status values reported by Snapshot.
const (
	StatusSafe   = "safe"
	StatusUnsafe = "unsafe"
)

// =============================================================================
// Records
// =============================================================================

// UnsafeCondition is a currently-true fact about the system.
type UnsafeCondition struct {
	ID          string            `json:"id"`
	Type        ConditionType     `json:"type"`
	EntityID    string            `json:"entityId"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	ActivatedAt time.Time         `json:"activatedAt"`
	ClearedAt   *time.Time        `json:"clearedAt,omitempty"`
}

// Quarantine marks an entity as unsafe to use until released.
type Quarantine struct {
	ID            string     `json:"id"`
	Category      Category   `json:"category"`
	EntityID      string     `json:"entityId"`
	Reason        string     `json:"reason"`
	ActivatedAt   time.Time  `json:"activatedAt"`
	CooldownUntil time.Time  `json:"cooldownUntil"`
	ReleasedAt    *time.Time `json:"releasedAt,omitempty"`
	ReleasedBy    string     `json:"releasedBy,omitempty"`
	ReleaseNote   string     `json:"releaseNote,omitempty"`
	IntegrityOnly bool       `json:"integrityOnly"`
}

// Active reports whether the quarantine has not been released.
func (q Quarantine) Active() bool {
	return q.ReleasedAt == nil
}

// QuarantineRequest describes a quarantine to create.
type QuarantineRequest struct {
	Category      Category
	EntityID      string
	Reason        string
	Cooldown      time.Duration
	IntegrityOnly bool
}

// ReleaseOptions controls ReleaseQuarantine.
type ReleaseOptions struct {
	// Actor is recorded as ReleasedBy. Default: "operator".
	Actor string

	// Note is recorded as ReleaseNote.
	Note string

	// IntegrityOnly restricts the release to integrity quarantines. When
	// false, integrity quarantines are refused.
	IntegrityOnly bool
}

// ReleaseResult is the outcome of ReleaseQuarantine.
type ReleaseResult struct {
	Released   bool        `json:"released"`
	Reason     string      `json:"reason,omitempty"`
	Quarantine *Quarantine `json:"quarantine,omitempty"`
}

// Snapshot is the status view consumed by external monitoring.
type Snapshot struct {
	Status            string            `json:"status"`
	ActiveConditions  []UnsafeCondition `json:"activeConditions"`
	ActiveQuarantines []Quarantine      `json:"activeQuarantines"`
	Counters          map[string]int64  `json:"counters"`
}
