// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package observability provides metrics and tracing for the control plane.
//
// # Description
//
// Prometheus metrics come from two sources. Event metrics (breaker
// transitions, budget exhaustions, release requests, job runs) are updated
// by callbacks wired in at startup. State metrics (safety counters, active
// conditions and quarantines, breaker states) are read from the live
// structures at scrape time by a custom collector, so they can never drift
// from the state the status endpoint reports.
//
// # Thread Safety
//
// All metric operations are thread-safe via Prometheus's internal locking.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/AleutianAI/warden/services/control/breaker"
	"github.com/AleutianAI/warden/services/control/safety"
)

// =============================================================================
// Metric Definitions
// =============================================================================

const metricsNamespace = "warden"

// Release request outcomes.
const (
	OutcomeReleased    = "released"
	OutcomeRejected    = "rejected"
	OutcomeNotFound    = "not_found"
	OutcomeUnconfirmed = "unconfirmed"
	OutcomeRateLimited = "rate_limited"
	OutcomeBadRequest  = "bad_request"
)

// Metrics holds the event metrics.
type Metrics struct {
	// BreakerTransitions counts breaker state changes.
	// Labels: breaker, from, to
	BreakerTransitions *prometheus.CounterVec

	// BudgetExceeded counts runtime budget exhaustions.
	// Labels: operation
	BudgetExceeded *prometheus.CounterVec

	// ReleaseRequests counts operator release requests.
	// Labels: path (worker, integrity), outcome
	ReleaseRequests *prometheus.CounterVec

	// JobRuns counts scheduled job runs.
	// Labels: job, outcome (ok, error, skipped, budget_exceeded, circuit_open)
	JobRuns *prometheus.CounterVec
}

// NewMetrics creates and registers the event metrics with reg.
//
// # Inputs
//
//   - reg: Registry to register with. Tests pass prometheus.NewRegistry().
//
// # Limitations
//
//   - Panics on duplicate registration with the same registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		BreakerTransitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "breaker",
				Name:      "transitions_total",
				Help:      "Circuit breaker state transitions",
			},
			[]string{"breaker", "from", "to"},
		),
		BudgetExceeded: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "budget",
				Name:      "exceeded_total",
				Help:      "Operations refused or cancelled because their runtime budget ran out",
			},
			[]string{"operation"},
		),
		ReleaseRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "safety",
				Name:      "release_requests_total",
				Help:      "Operator quarantine release requests by path and outcome",
			},
			[]string{"path", "outcome"},
		),
		JobRuns: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "jobs",
				Name:      "runs_total",
				Help:      "Scheduled job runs by outcome",
			},
			[]string{"job", "outcome"},
		),
	}
}

// OnBreakerStateChange matches breaker.Config.OnStateChange.
func (m *Metrics) OnBreakerStateChange(name string, from, to breaker.State) {
	m.BreakerTransitions.WithLabelValues(name, from.String(), to.String()).Inc()
}

// OnBudgetExceeded matches the budget watchdog's exceeded hook.
func (m *Metrics) OnBudgetExceeded(operation string) {
	if operation == "" {
		operation = "unknown"
	}
	m.BudgetExceeded.WithLabelValues(operation).Inc()
}

// ObserveRelease records one release request.
func (m *Metrics) ObserveRelease(path, outcome string) {
	m.ReleaseRequests.WithLabelValues(path, outcome).Inc()
}

// ObserveJob records one job run.
func (m *Metrics) ObserveJob(job, outcome string) {
	m.JobRuns.WithLabelValues(job, outcome).Inc()
}

// =============================================================================
// State Collector
// =============================================================================

var (
	safetyCounterDesc = prometheus.NewDesc(
		prometheus.BuildFQName(metricsNamespace, "safety", "events_total"),
		"Safety state counters (duplicate suppressions, lock store failures, heartbeat losses, ...)",
		[]string{"counter"}, nil)

	activeConditionsDesc = prometheus.NewDesc(
		prometheus.BuildFQName(metricsNamespace, "safety", "active_conditions"),
		"Active unsafe conditions by type",
		[]string{"type"}, nil)

	activeQuarantinesDesc = prometheus.NewDesc(
		prometheus.BuildFQName(metricsNamespace, "safety", "active_quarantines"),
		"Active quarantines by category",
		[]string{"category"}, nil)

	unsafeDesc = prometheus.NewDesc(
		prometheus.BuildFQName(metricsNamespace, "safety", "unsafe"),
		"1 when the status endpoint reports unsafe",
		nil, nil)

	breakerStateDesc = prometheus.NewDesc(
		prometheus.BuildFQName(metricsNamespace, "breaker", "state"),
		"Circuit breaker state (0=CLOSED, 1=OPEN, 2=HALF_OPEN)",
		[]string{"breaker"}, nil)

	breakerRejectionsDesc = prometheus.NewDesc(
		prometheus.BuildFQName(metricsNamespace, "breaker", "rejections_total"),
		"Calls rejected without being attempted",
		[]string{"breaker"}, nil)
)

// StateCollector exports the safety state and breaker registry at scrape time.
type StateCollector struct {
	state    *safety.State
	breakers *breaker.Registry
}

// NewStateCollector creates a collector. breakers may be nil.
func NewStateCollector(state *safety.State, breakers *breaker.Registry) *StateCollector {
	return &StateCollector{state: state, breakers: breakers}
}

// Describe implements prometheus.Collector.
func (c *StateCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- safetyCounterDesc
	ch <- activeConditionsDesc
	ch <- activeQuarantinesDesc
	ch <- unsafeDesc
	ch <- breakerStateDesc
	ch <- breakerRejectionsDesc
}

// Collect implements prometheus.Collector.
func (c *StateCollector) Collect(ch chan<- prometheus.Metric) {
	snap := c.state.Snapshot()

	for name, v := range snap.Counters {
		ch <- prometheus.MustNewConstMetric(safetyCounterDesc, prometheus.CounterValue, float64(v), name)
	}

	byType := map[safety.ConditionType]int{
		safety.ConditionHeartbeatLoss:          0,
		safety.ConditionWorkerRestartThreshold: 0,
		safety.ConditionIntegrityViolation:     0,
	}
	for _, cond := range snap.ActiveConditions {
		byType[cond.Type]++
	}
	for typ, n := range byType {
		ch <- prometheus.MustNewConstMetric(activeConditionsDesc, prometheus.GaugeValue, float64(n), string(typ))
	}

	byCategory := map[safety.Category]int{
		safety.CategoryWorker:    0,
		safety.CategoryIntegrity: 0,
	}
	for _, q := range snap.ActiveQuarantines {
		byCategory[q.Category]++
	}
	for cat, n := range byCategory {
		ch <- prometheus.MustNewConstMetric(activeQuarantinesDesc, prometheus.GaugeValue, float64(n), string(cat))
	}

	unsafe := 0.0
	if snap.Status == safety.StatusUnsafe {
		unsafe = 1
	}
	ch <- prometheus.MustNewConstMetric(unsafeDesc, prometheus.GaugeValue, unsafe)

	if c.breakers == nil {
		return
	}
	for _, s := range c.breakers.Snapshots() {
		ch <- prometheus.MustNewConstMetric(breakerStateDesc, prometheus.GaugeValue, float64(s.State), s.Name)
		ch <- prometheus.MustNewConstMetric(breakerRejectionsDesc, prometheus.CounterValue, float64(s.TotalRejections), s.Name)
	}
}
