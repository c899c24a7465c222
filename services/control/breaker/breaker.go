// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package breaker implements the circuit breaker guarding each unreliable
// downstream dependency.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/warden/services/control/clock"
)

var tracer = otel.Tracer("github.com/AleutianAI/warden/services/control/breaker")

// State represents the state of a circuit breaker.
//
// # State Diagram
//
//	   ┌──────────[probe failure]───────────┐
//	   ▼                                    │
//	CLOSED ──[failure threshold]──► OPEN ──[reset timeout]──► HALF_OPEN
//	   ▲                                                         │
//	   └──────────────[success, nothing in flight]───────────────┘
type State int

const (
	// Closed is the normal operating state.
	Closed State = iota

	// Open means the breaker has tripped and calls are rejected.
	Open

	// HalfOpen means a limited number of probes test whether the dependency
	// has recovered.
	HalfOpen
)

// String returns the wire name of the state.
func (s State) String() string {
	switch s {
	case Closed:
		return "CLOSED"
	case Open:
		return "OPEN"
	case HalfOpen:
		return "HALF_OPEN"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", int(s))
	}
}

// MarshalText renders the state as its wire name in JSON.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a wire name, so status clients can decode Stats.
func (s *State) UnmarshalText(text []byte) error {
	switch string(text) {
	case "CLOSED":
		*s = Closed
	case "OPEN":
		*s = Open
	case "HALF_OPEN":
		*s = HalfOpen
	default:
		return fmt.Errorf("unknown breaker state %q", text)
	}
	return nil
}

// ErrCircuitOpen is matched by every rejection.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// OpenError is returned when a call is rejected without being attempted.
type OpenError struct {
	Name  string
	State State
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("circuit breaker %q is %s", e.Name, e.State)
}

// Unwrap lets errors.Is match ErrCircuitOpen.
func (e *OpenError) Unwrap() error {
	return ErrCircuitOpen
}

// Config configures breaker behavior.
type Config struct {
	// FailureThreshold is the number of failures that opens the breaker.
	// Default: 5
	FailureThreshold int

	// ResetTimeout is how long the breaker stays open after the last failure
	// before a probe is allowed.
	// Default: 30 seconds
	ResetTimeout time.Duration

	// HalfOpenMaxCalls is the number of probes admitted while half-open.
	// Default: 1
	HalfOpenMaxCalls int

	// OnStateChange is called after every transition, outside the breaker
	// lock, on the goroutine that caused it.
	OnStateChange func(name string, from, to State)
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		ResetTimeout:     30 * time.Second,
		HalfOpenMaxCalls: 1,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = d.FailureThreshold
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = d.ResetTimeout
	}
	if c.HalfOpenMaxCalls <= 0 {
		c.HalfOpenMaxCalls = d.HalfOpenMaxCalls
	}
	return c
}

// Stats is a point-in-time view of one breaker.
type Stats struct {
	Name            string    `json:"name"`
	State           State     `json:"state"`
	FailureCount    int       `json:"failureCount"`
	HalfOpenCalls   int       `json:"halfOpenCalls"`
	InFlight        int       `json:"inFlight"`
	TotalCalls      int64     `json:"totalCalls"`
	TotalFailures   int64     `json:"totalFailures"`
	TotalRejections int64     `json:"totalRejections"`
	LastFailure     time.Time `json:"lastFailure,omitzero"`
	LastStateChange time.Time `json:"lastStateChange,omitzero"`
}

type transition struct {
	from, to State
}

// CircuitBreaker guards a single dependency.
//
// # Description
//
// Every admitted call increments an in-flight counter that is decremented
// under the same mutex on both the success and failure paths (including a
// panic in the wrapped function). The breaker only closes from HALF_OPEN once
// nothing is in flight, so concurrent probes cannot close it while a sibling
// might still fail. A success observed while OPEN comes from a call admitted
// before the breaker tripped and does not change state.
//
// All interval math uses the injected clock, whose production values carry a
// monotonic reading.
//
// # Thread Safety
//
// Safe for concurrent use.
//
// # Example
//
//	cb := breaker.New("llm", breaker.DefaultConfig(), nil)
//	err := cb.Execute(ctx, func(ctx context.Context) error {
//	    return client.Complete(ctx, req)
//	})
//	if errors.Is(err, breaker.ErrCircuitOpen) {
//	    // dependency is known to be down, fail fast
//	}
type CircuitBreaker struct {
	name   string
	config Config
	clock  clock.Clock

	mu              sync.Mutex
	state           State
	failureCount    int
	lastFailure     time.Time
	halfOpenCalls   int
	inFlight        int
	totalCalls      int64
	totalFailures   int64
	totalRejections int64
	lastStateChange time.Time
}

// New creates a breaker in the CLOSED state. A nil clock uses the real one.
func New(name string, config Config, clk clock.Clock) *CircuitBreaker {
	if clk == nil {
		clk = clock.Real()
	}
	return &CircuitBreaker{
		name:   name,
		config: config.withDefaults(),
		clock:  clk,
		state:  Closed,
	}
}

// Name returns the guarded dependency's name.
func (cb *CircuitBreaker) Name() string { return cb.name }

// Execute runs fn if the breaker admits it and records the outcome.
//
// # Inputs
//
//   - ctx: Passed through to fn. The breaker never cancels fn itself.
//   - fn: The guarded call.
//
// # Outputs
//
//   - error: *OpenError when rejected, otherwise fn's error.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(context.Context) error) (err error) {
	ctx, span := tracer.Start(ctx, "breaker.Execute",
		trace.WithAttributes(attribute.String("breaker.name", cb.name)))
	defer span.End()

	admitted, state, changes := cb.admit()
	cb.notify(changes)
	span.SetAttributes(attribute.String("breaker.state", state.String()))
	if !admitted {
		err = &OpenError{Name: cb.name, State: state}
		span.SetStatus(codes.Error, "rejected")
		return err
	}

	defer func() {
		if r := recover(); r != nil {
			cb.notify(cb.record(fmt.Errorf("panic: %v", r)))
			panic(r)
		}
		cb.notify(cb.record(err))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}()

	return fn(ctx)
}

// Call is Execute for functions that return a value.
func Call[T any](ctx context.Context, cb *CircuitBreaker, fn func(context.Context) (T, error)) (T, error) {
	var out T
	err := cb.Execute(ctx, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

// admit decides whether a call may start and reserves its in-flight slot.
func (cb *CircuitBreaker) admit() (bool, State, []transition) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	var changes []transition
	if cb.state == Open && cb.clock.Since(cb.lastFailure) >= cb.config.ResetTimeout {
		changes = append(changes, cb.transitionTo(HalfOpen))
		cb.halfOpenCalls = 0
	}

	switch cb.state {
	case Open:
		cb.totalRejections++
		return false, cb.state, changes
	case HalfOpen:
		if cb.halfOpenCalls >= cb.config.HalfOpenMaxCalls {
			cb.totalRejections++
			return false, cb.state, changes
		}
		cb.halfOpenCalls++
	}

	cb.inFlight++
	cb.totalCalls++
	return true, cb.state, changes
}

// record releases the in-flight slot and applies the outcome.
func (cb *CircuitBreaker) record(err error) []transition {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.inFlight > 0 {
		cb.inFlight--
	}

	if err != nil {
		cb.totalFailures++
		cb.failureCount++
		cb.lastFailure = cb.clock.Now()
		switch cb.state {
		case Closed:
			if cb.failureCount >= cb.config.FailureThreshold {
				return []transition{cb.transitionTo(Open)}
			}
		case HalfOpen:
			return []transition{cb.transitionTo(Open)}
		}
		return nil
	}

	if cb.inFlight > 0 {
		return nil
	}
	switch cb.state {
	case Closed:
		cb.failureCount = 0
	case HalfOpen:
		cb.failureCount = 0
		cb.halfOpenCalls = 0
		return []transition{cb.transitionTo(Closed)}
	}
	return nil
}

// transitionTo must be called with mu held.
func (cb *CircuitBreaker) transitionTo(to State) transition {
	t := transition{from: cb.state, to: to}
	cb.state = to
	cb.lastStateChange = cb.clock.Now()
	return t
}

func (cb *CircuitBreaker) notify(changes []transition) {
	if cb.config.OnStateChange == nil {
		return
	}
	for _, c := range changes {
		if c.from != c.to {
			cb.config.OnStateChange(cb.name, c.from, c.to)
		}
	}
}

// State returns the current state without re-evaluating the reset timeout.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Snapshot returns the breaker's counters.
func (cb *CircuitBreaker) Snapshot() Stats {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return Stats{
		Name:            cb.name,
		State:           cb.state,
		FailureCount:    cb.failureCount,
		HalfOpenCalls:   cb.halfOpenCalls,
		InFlight:        cb.inFlight,
		TotalCalls:      cb.totalCalls,
		TotalFailures:   cb.totalFailures,
		TotalRejections: cb.totalRejections,
		LastFailure:     cb.lastFailure,
		LastStateChange: cb.lastStateChange,
	}
}

// Reset forces the breaker to CLOSED and clears its failure count.
//
// Calls already in flight keep their slot and are recorded normally.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	var changes []transition
	if cb.state != Closed {
		changes = append(changes, cb.transitionTo(Closed))
	}
	cb.failureCount = 0
	cb.halfOpenCalls = 0
	cb.mu.Unlock()

	cb.notify(changes)
}
