// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package clock provides the time and timer sources used by the control plane.
//
// # Description
//
// Every interval computation in the control plane (breaker reset timeouts,
// heartbeat timeouts, quarantine cooldowns, runtime budgets) goes through a
// Clock so that it can be driven deterministically in tests. The production
// source wraps time.Now, whose values carry a monotonic reading; subtracting
// two such values is immune to wall-clock adjustments (NTP slew, DST, manual
// changes). Code in this module must compare times with Sub/Since on values
// obtained from a Clock and never with Unix timestamps.
//
// # Thread Safety
//
// All implementations in this package are safe for concurrent use.
package clock

import (
	"time"
)

// Clock supplies the current time.
type Clock interface {
	// Now returns the current time. Real implementations include a
	// monotonic clock reading.
	Now() time.Time

	// Since returns the time elapsed since t.
	Since(t time.Time) time.Duration
}

// CancelFunc cancels a scheduled callback.
//
// It returns true if the call prevented the callback from running and false
// if the callback already ran or was already cancelled.
type CancelFunc func() bool

// Scheduler runs callbacks after a delay.
//
// # Description
//
// Callbacks run on a goroutine owned by the scheduler, never on the goroutine
// that called Schedule. Callers must therefore treat a callback as a
// concurrent event and re-validate their own state inside it.
type Scheduler interface {
	// Schedule arranges for fn to run once after delay.
	Schedule(delay time.Duration, fn func()) CancelFunc
}

// Source is a Clock that can also schedule callbacks.
type Source interface {
	Clock
	Scheduler
}

// realSource is the production Source backed by the runtime timer heap.
type realSource struct{}

// Real returns the production time source.
func Real() Source {
	return realSource{}
}

// Now returns time.Now().
func (realSource) Now() time.Time {
	return time.Now()
}

// Since returns time.Since(t).
func (realSource) Since(t time.Time) time.Duration {
	return time.Since(t)
}

// Schedule wraps time.AfterFunc.
func (realSource) Schedule(delay time.Duration, fn func()) CancelFunc {
	if delay < 0 {
		delay = 0
	}
	t := time.AfterFunc(delay, fn)
	return t.Stop
}

// OrReal returns src, or the production source when src is nil.
func OrReal(src Source) Source {
	if src == nil {
		return Real()
	}
	return src
}
