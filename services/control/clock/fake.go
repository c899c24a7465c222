// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package clock

import (
	"sort"
	"sync"
	"time"
)

// Fake is a manually advanced Source for tests.
//
// # Description
//
// Time only moves when Advance or Set is called. Callbacks scheduled with
// Schedule fire synchronously, in due-time order, on the goroutine calling
// Advance. A callback may schedule further callbacks; those fire within the
// same Advance call if they fall due before the target time.
//
// # Example
//
//	fake := clock.NewFake(time.Unix(0, 0))
//	fake.Schedule(time.Second, func() { fired = true })
//	fake.Advance(999 * time.Millisecond) // nothing fires
//	fake.Advance(time.Millisecond)       // fired == true
//
// # Thread Safety
//
// Safe for concurrent use. Callbacks are invoked without the internal lock
// held.
type Fake struct {
	mu     sync.Mutex
	now    time.Time
	seq    uint64
	timers []*fakeTimer
}

type fakeTimer struct {
	due time.Time
	seq uint64
	fn  func()
}

// NewFake creates a Fake positioned at start.
func NewFake(start time.Time) *Fake {
	return &Fake{now: start}
}

// Now returns the fake current time.
func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// Since returns the fake time elapsed since t.
func (f *Fake) Since(t time.Time) time.Duration {
	return f.Now().Sub(t)
}

// Schedule registers fn to fire once the fake clock reaches now+delay.
func (f *Fake) Schedule(delay time.Duration, fn func()) CancelFunc {
	if delay < 0 {
		delay = 0
	}

	f.mu.Lock()
	f.seq++
	t := &fakeTimer{due: f.now.Add(delay), seq: f.seq, fn: fn}
	f.timers = append(f.timers, t)
	f.mu.Unlock()

	return func() bool {
		f.mu.Lock()
		defer f.mu.Unlock()
		for i, pending := range f.timers {
			if pending == t {
				f.timers = append(f.timers[:i], f.timers[i+1:]...)
				return true
			}
		}
		return false
	}
}

// Advance moves the clock forward by d, firing every callback that falls due.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	target := f.now.Add(d)
	f.mu.Unlock()
	f.runUntil(target)
}

// Set moves the clock to t. Moving backwards is ignored for timers but the
// reported time still changes, which lets tests simulate a wall-clock jump.
func (f *Fake) Set(t time.Time) {
	f.runUntil(t)
}

// Pending returns the number of callbacks that have not fired yet.
func (f *Fake) Pending() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.timers)
}

func (f *Fake) runUntil(target time.Time) {
	for {
		f.mu.Lock()
		next := f.nextDue(target)
		if next == nil {
			f.now = target
			f.mu.Unlock()
			return
		}
		if next.due.After(f.now) {
			f.now = next.due
		}
		f.remove(next)
		f.mu.Unlock()

		next.fn()
	}
}

// nextDue returns the earliest timer due at or before target.
// Must be called with mu held.
func (f *Fake) nextDue(target time.Time) *fakeTimer {
	if len(f.timers) == 0 {
		return nil
	}
	sort.SliceStable(f.timers, func(i, j int) bool {
		if f.timers[i].due.Equal(f.timers[j].due) {
			return f.timers[i].seq < f.timers[j].seq
		}
		return f.timers[i].due.Before(f.timers[j].due)
	})
	if f.timers[0].due.After(target) {
		return nil
	}
	return f.timers[0]
}

// remove deletes t from the pending list. Must be called with mu held.
func (f *Fake) remove(t *fakeTimer) {
	for i, pending := range f.timers {
		if pending == t {
			f.timers = append(f.timers[:i], f.timers[i+1:]...)
			return
		}
	}
}

var _ Source = (*Fake)(nil)
