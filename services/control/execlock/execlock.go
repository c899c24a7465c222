// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package execlock guarantees at-most-one concurrent execution of a named
// logical operation, within one process and across processes.
//
// # Description
//
// Acquisition has two tiers. The local tier is an in-process table with
// insert-if-absent semantics: a same-process duplicate is detected without a
// network round-trip. When a Store is configured (Postgres advisory locks in
// production), the second tier takes a session-scoped lock keyed by a 64-bit
// hash of the lock key; it is the only mechanism that also excludes other
// processes and hosts.
//
// Contention is not an error. Acquire returns a nil *Lock and the caller
// skips the duplicate work; the duplicateSuppressions counter is incremented.
//
// # Fail-Closed
//
// If the Store cannot be reached or returns an error, Acquire also returns a
// nil *Lock. The locker cannot prove exclusivity, and running an operation
// twice is worse than skipping it once, so an unreachable lock store stops
// all guarded work until it recovers. This trades availability for safety.
// Each such outcome is logged at WARN and counted in lockStoreFailures so it
// can be alerted on.
//
// # Thread Safety
//
// Locker is safe for concurrent use. A Lock may be released from any
// goroutine; Release is idempotent.
package execlock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/warden/services/control/breaker"
	"github.com/AleutianAI/warden/services/control/clock"
	"github.com/AleutianAI/warden/services/control/safety"
)

var tracer = otel.Tracer("github.com/AleutianAI/warden/services/control/execlock")

// DefaultUnlockTimeout bounds the distributed unlock issued by Release.
const DefaultUnlockTimeout = 5 * time.Second

// ErrEmptyKey is returned by Acquire for an empty lock key.
var ErrEmptyKey = errors.New("execlock: empty lock key")

// Store is a distributed lock backend.
type Store interface {
	// TryLock attempts to take the lock for key without waiting.
	//
	// It returns (handle, true, nil) when the lock was obtained,
	// (nil, false, nil) when another session holds it, and a non-nil error
	// when exclusivity could not be determined.
	TryLock(ctx context.Context, key string) (Handle, bool, error)
}

// Handle releases a lock obtained from a Store.
type Handle interface {
	Unlock(ctx context.Context) error
}

// Locker acquires execution locks.
type Locker struct {
	store         Store
	breaker       *breaker.CircuitBreaker
	state         *safety.State
	clock         clock.Clock
	logger        *slog.Logger
	unlockTimeout time.Duration

	mu   sync.Mutex
	held map[string]struct{}
}

// Option customizes a Locker.
type Option func(*Locker)

// WithStore enables the distributed tier.
func WithStore(store Store) Option {
	return func(l *Locker) { l.store = store }
}

// WithBreaker routes every distributed TryLock through cb. An open circuit
// is handled like any other store failure. Unlocks bypass the breaker.
func WithBreaker(cb *breaker.CircuitBreaker) Option {
	return func(l *Locker) { l.breaker = cb }
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(l *Locker) { l.logger = logger }
}

// WithClock sets the clock used for AcquiredAt. Default: clock.Real().
func WithClock(c clock.Clock) Option {
	return func(l *Locker) { l.clock = c }
}

// WithUnlockTimeout bounds the distributed unlock. Default: 5s.
func WithUnlockTimeout(d time.Duration) Option {
	return func(l *Locker) { l.unlockTimeout = d }
}

// NewLocker creates a Locker that records suppressions in state. Without
// WithStore it only excludes callers in this process.
func NewLocker(state *safety.State, opts ...Option) *Locker {
	l := &Locker{
		state:         state,
		unlockTimeout: DefaultUnlockTimeout,
		held:          make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.clock == nil {
		l.clock = clock.Real()
	}
	if l.logger == nil {
		l.logger = slog.Default()
	}
	l.logger = l.logger.With(slog.String("component", "execlock"))
	return l
}

// Distributed reports whether a Store is configured.
func (l *Locker) Distributed() bool {
	return l.store != nil
}

// Acquire takes the lock for key.
//
// # Description
//
// 1. Insert key into the local table; if present, suppress.
// 2. With a Store, try the distributed lock. Not obtained: remove the local
// entry and suppress. Store error or open breaker: remove the local entry and
// fail closed.
//
// # Outputs
//
//   - *Lock: The held lock, or nil when the caller must skip the work.
//   - error: Only ErrEmptyKey. Contention and store failures are nil locks.
func (l *Locker) Acquire(ctx context.Context, key string) (*Lock, error) {
	if key == "" {
		return nil, ErrEmptyKey
	}

	ctx, span := tracer.Start(ctx, "execlock.Acquire",
		trace.WithAttributes(
			attribute.String("lock.key", key),
			attribute.Bool("lock.distributed", l.store != nil)))
	defer span.End()

	if !l.insertLocal(key) {
		l.suppress(key, "local")
		span.SetAttributes(attribute.String("lock.outcome", "suppressed_local"))
		return nil, nil
	}

	lock := &Lock{key: key, locker: l, acquiredAt: l.clock.Now()}
	if l.store == nil {
		span.SetAttributes(attribute.String("lock.outcome", "acquired"))
		return lock, nil
	}

	handle, ok, err := l.tryLock(ctx, key)
	if err != nil {
		l.deleteLocal(key)
		if l.state != nil {
			l.state.Increment(safety.CounterLockStoreFailures)
		}
		l.logger.Warn("lock store unavailable, refusing to run without exclusivity",
			slog.String("lock_key", key),
			slog.String("error", err.Error()))
		span.RecordError(err)
		span.SetAttributes(attribute.String("lock.outcome", "store_failure"))
		return nil, nil
	}
	if !ok {
		l.deleteLocal(key)
		l.suppress(key, "distributed")
		span.SetAttributes(attribute.String("lock.outcome", "suppressed_distributed"))
		return nil, nil
	}

	lock.handle = handle
	span.SetAttributes(attribute.String("lock.outcome", "acquired"))
	return lock, nil
}

func (l *Locker) tryLock(ctx context.Context, key string) (Handle, bool, error) {
	if l.breaker == nil {
		return l.store.TryLock(ctx, key)
	}
	var (
		handle Handle
		ok     bool
	)
	err := l.breaker.Execute(ctx, func(ctx context.Context) error {
		var err error
		handle, ok, err = l.store.TryLock(ctx, key)
		return err
	})
	return handle, ok, err
}

// WithLock runs fn while holding the lock for key and releases it on every
// exit path.
//
// # Outputs
//
//   - bool: False when the lock was not obtained and fn did not run.
//   - error: fn's error joined with any release error, or ErrEmptyKey.
func (l *Locker) WithLock(ctx context.Context, key string, fn func(context.Context) error) (ran bool, err error) {
	lock, err := l.Acquire(ctx, key)
	if err != nil || lock == nil {
		return false, err
	}
	defer func() {
		if relErr := lock.Release(ctx); relErr != nil {
			err = errors.Join(err, relErr)
		}
	}()
	return true, fn(ctx)
}

// Held reports whether key is held by a caller in this process.
func (l *Locker) Held(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.held[key]
	return ok
}

func (l *Locker) insertLocal(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, exists := l.held[key]; exists {
		return false
	}
	l.held[key] = struct{}{}
	return true
}

func (l *Locker) deleteLocal(key string) {
	l.mu.Lock()
	delete(l.held, key)
	l.mu.Unlock()
}

func (l *Locker) suppress(key, tier string) {
	if l.state != nil {
		l.state.Increment(safety.CounterDuplicateSuppressions)
	}
	l.logger.Debug("duplicate execution suppressed",
		slog.String("lock_key", key),
		slog.String("tier", tier))
}

// Lock is a held execution lock.
type Lock struct {
	key        string
	acquiredAt time.Time
	locker     *Locker
	handle     Handle

	once sync.Once
	err  error
}

// Key returns the lock key.
func (lk *Lock) Key() string { return lk.key }

// AcquiredAt returns when the lock was obtained.
func (lk *Lock) AcquiredAt() time.Time { return lk.acquiredAt }

// Release releases the distributed lock, then the local entry.
//
// # Description
//
// Only the first call has an effect; later calls return the first result.
// The distributed unlock ignores cancellation of ctx and is bounded by the
// locker's unlock timeout instead, so a request that was cancelled still
// releases its lock. The local entry is removed even when the distributed
// unlock fails.
func (lk *Lock) Release(ctx context.Context) error {
	lk.once.Do(func() {
		if lk.handle != nil {
			unlockCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), lk.locker.unlockTimeout)
			if err := lk.handle.Unlock(unlockCtx); err != nil {
				lk.err = fmt.Errorf("release %q: %w", lk.key, err)
				lk.locker.logger.Warn("distributed unlock failed",
					slog.String("lock_key", lk.key),
					slog.String("error", err.Error()))
			}
			cancel()
		}
		lk.locker.deleteLocal(lk.key)
	})
	return lk.err
}
