// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package budget implements per-operation runtime budgets and the watchdog
// that enforces them.
//
// # Description
//
// A Budget is created once per top-level operation and records a hard
// deadline (start + watchdog limit). Every outbound call made on behalf of the
// operation is cancelled at SafeRemaining, which is the remaining time minus a
// safety buffer, so that cancellation and cleanup (for example writing a
// partial response) still complete before the hard deadline.
//
//	startedAt                      hardDeadline-buffer    hardDeadline
//	   │─────────── usable for dependent calls ───────────│── buffer ──│
//
// # Thread Safety
//
// Budget is an immutable value and may be shared freely. Watchdog is safe for
// concurrent use.
package budget

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/AleutianAI/warden/services/control/clock"
)

// Default limits.
const (
	DefaultWatchdogLimit = 45 * time.Second
	DefaultSafetyBuffer  = 2 * time.Second
)

// ErrBudgetExceeded is the sentinel matched by every budget exhaustion.
var ErrBudgetExceeded = errors.New("runtime budget exceeded")

// BudgetExceededError reports that an operation ran out of safe time.
//
// It is never retried inside the control plane. Callers that want to retry
// must do so with a fresh Budget.
type BudgetExceededError struct {
	// Operation names the call that could not start or was cancelled.
	Operation string

	// Elapsed is the time spent in the budget when the error was raised.
	Elapsed time.Duration

	// Limit is the budget's watchdog limit.
	Limit time.Duration

	// SafetyBuffer is the budget's safety buffer.
	SafetyBuffer time.Duration
}

// Error implements error.
func (e *BudgetExceededError) Error() string {
	op := e.Operation
	if op == "" {
		op = "operation"
	}
	return fmt.Sprintf("%s: runtime budget exceeded after %s (limit %s, safety buffer %s)",
		op, e.Elapsed.Round(time.Millisecond), e.Limit, e.SafetyBuffer)
}

// Unwrap lets errors.Is match ErrBudgetExceeded.
func (e *BudgetExceededError) Unwrap() error {
	return ErrBudgetExceeded
}

// Config configures a Watchdog.
type Config struct {
	// WatchdogLimit is the total wall-clock allowance of one budget.
	// Default: 45s.
	WatchdogLimit time.Duration

	// SafetyBuffer is reserved at the end of the budget for cleanup.
	// Default: 2s.
	SafetyBuffer time.Duration

	// Disabled bypasses AssertAvailable and the cancellation timer of Run.
	// Budgets are still created and report their numbers.
	Disabled bool
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		WatchdogLimit: DefaultWatchdogLimit,
		SafetyBuffer:  DefaultSafetyBuffer,
	}
}

// Budget is an immutable deadline for one logical operation.
type Budget struct {
	startedAt    time.Time
	hardDeadline time.Time
	limit        time.Duration
	buffer       time.Duration
	clock        clock.Clock
}

// StartedAt returns when the budget was created.
func (b Budget) StartedAt() time.Time { return b.startedAt }

// HardDeadline returns StartedAt + WatchdogLimit.
func (b Budget) HardDeadline() time.Time { return b.hardDeadline }

// WatchdogLimit returns the budget's total allowance.
func (b Budget) WatchdogLimit() time.Duration { return b.limit }

// SafetyBuffer returns the time reserved for cleanup.
func (b Budget) SafetyBuffer() time.Duration { return b.buffer }

// Elapsed returns the time spent since the budget was created.
func (b Budget) Elapsed() time.Duration {
	if b.clock == nil {
		return 0
	}
	return b.clock.Since(b.startedAt)
}

// Remaining returns the time left before the hard deadline. It may be negative.
func (b Budget) Remaining() time.Duration {
	return b.limit - b.Elapsed()
}

// SafeRemaining returns max(0, Remaining - SafetyBuffer).
//
// This is the only value that may be used to arm a cancellation timer for a
// dependent call.
func (b Budget) SafeRemaining() time.Duration {
	safe := b.Remaining() - b.buffer
	if safe < 0 {
		return 0
	}
	return safe
}

// Exhausted reports whether no safe time is left.
func (b Budget) Exhausted() bool {
	return b.SafeRemaining() <= 0
}

// Watchdog creates budgets and enforces them.
//
// # Description
//
// The watchdog holds the configured limit and buffer and a "disabled" switch
// that can be flipped at runtime (for example by a config reload). When
// disabled, AssertAvailable always succeeds and Run does not arm a
// cancellation timer; nothing else changes.
//
// # Thread Safety
//
// Safe for concurrent use.
type Watchdog struct {
	clock      clock.Clock
	limit      time.Duration
	buffer     time.Duration
	disabled   atomic.Bool
	onExceeded func(operation string)
	logger     *slog.Logger
}

// Option customizes a Watchdog.
type Option func(*Watchdog)

// WithClock sets the time source. Default: clock.Real().
func WithClock(c clock.Clock) Option {
	return func(w *Watchdog) { w.clock = c }
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(w *Watchdog) { w.logger = l }
}

// WithExceededHook registers fn to be called on every budget exhaustion.
func WithExceededHook(fn func(operation string)) Option {
	return func(w *Watchdog) { w.onExceeded = fn }
}

// NewWatchdog creates a Watchdog. Zero limits fall back to the defaults; a
// buffer larger than the limit is clamped to the limit.
func NewWatchdog(cfg Config, opts ...Option) *Watchdog {
	if cfg.WatchdogLimit <= 0 {
		cfg.WatchdogLimit = DefaultWatchdogLimit
	}
	if cfg.SafetyBuffer < 0 {
		cfg.SafetyBuffer = 0
	}
	if cfg.SafetyBuffer > cfg.WatchdogLimit {
		cfg.SafetyBuffer = cfg.WatchdogLimit
	}

	w := &Watchdog{
		limit:  cfg.WatchdogLimit,
		buffer: cfg.SafetyBuffer,
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.clock == nil {
		w.clock = clock.Real()
	}
	if w.logger == nil {
		w.logger = slog.Default()
	}
	w.logger = w.logger.With(slog.String("component", "watchdog"))
	w.disabled.Store(cfg.Disabled)
	return w
}

// Create starts a new Budget at the current time.
func (w *Watchdog) Create() Budget {
	now := w.clock.Now()
	return Budget{
		startedAt:    now,
		hardDeadline: now.Add(w.limit),
		limit:        w.limit,
		buffer:       w.buffer,
		clock:        w.clock,
	}
}

// SetDisabled flips enforcement at runtime.
func (w *Watchdog) SetDisabled(disabled bool) {
	if w.disabled.Swap(disabled) != disabled {
		w.logger.Info("watchdog enforcement changed", slog.Bool("disabled", disabled))
	}
}

// Disabled reports whether enforcement is bypassed.
func (w *Watchdog) Disabled() bool {
	return w.disabled.Load()
}

// AssertAvailable fails with *BudgetExceededError when b has no safe time left.
func (w *Watchdog) AssertAvailable(b Budget) error {
	return w.assert(b, "")
}

func (w *Watchdog) assert(b Budget, operation string) error {
	if w.Disabled() || !b.Exhausted() {
		return nil
	}
	return w.exceeded(b, operation)
}

func (w *Watchdog) exceeded(b Budget, operation string) error {
	err := &BudgetExceededError{
		Operation:    operation,
		Elapsed:      b.Elapsed(),
		Limit:        b.WatchdogLimit(),
		SafetyBuffer: b.SafetyBuffer(),
	}
	if w.onExceeded != nil {
		w.onExceeded(operation)
	}
	w.logger.Warn("runtime budget exceeded",
		slog.String("operation", operation),
		slog.Duration("elapsed", err.Elapsed),
		slog.Duration("limit", err.Limit))
	return err
}

// Run executes fn under b.
//
// # Description
//
// Asserts that b has safe time left, then runs fn with a context that is
// cancelled after b.SafeRemaining(). If fn fails because that timer fired,
// the failure is reported as *BudgetExceededError rather than as a raw
// context.DeadlineExceeded. Cancellation coming from the parent context is
// returned unchanged.
//
// # Inputs
//
//   - ctx: Parent context.
//   - b: The operation's budget.
//   - operation: Name used in errors, logs, and metrics.
//   - fn: The dependent call.
//
// # Outputs
//
//   - error: *BudgetExceededError, or whatever fn returned.
//
// # Example
//
//	err := watchdog.Run(ctx, b, "llm.complete", func(ctx context.Context) error {
//	    return client.Complete(ctx, req)
//	})
//	if errors.Is(err, budget.ErrBudgetExceeded) {
//	    // write the partial-result response
//	}
func (w *Watchdog) Run(ctx context.Context, b Budget, operation string, fn func(context.Context) error) error {
	if err := w.assert(b, operation); err != nil {
		return err
	}
	if w.Disabled() {
		return fn(ctx)
	}

	callCtx, cancel := context.WithTimeout(ctx, b.SafeRemaining())
	defer cancel()

	err := fn(callCtx)
	if err == nil {
		return nil
	}
	if ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
		return w.exceeded(b, operation)
	}
	return err
}

type budgetKey struct{}

// WithBudget returns a context carrying b.
func WithBudget(ctx context.Context, b Budget) context.Context {
	return context.WithValue(ctx, budgetKey{}, b)
}

// FromContext returns the Budget stored by WithBudget.
func FromContext(ctx context.Context) (Budget, bool) {
	b, ok := ctx.Value(budgetKey{}).(Budget)
	return b, ok
}
