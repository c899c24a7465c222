// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package breaker

import (
	"sort"
	"sync"

	"github.com/AleutianAI/warden/services/control/clock"
)

// Registry manages one breaker per named dependency.
//
// # Description
//
// Breakers are created on demand with the registry's default configuration
// and live for the lifetime of the registry. The registry is constructed
// once at startup and injected; there is no package-level instance.
//
// # Thread Safety
//
// Safe for concurrent use.
//
// # Example
//
//	registry := breaker.NewRegistry(breaker.DefaultConfig(), nil)
//	err := registry.Get("postgres").Execute(ctx, ping)
type Registry struct {
	defaultConfig Config
	clock         clock.Clock
	breakers      map[string]*CircuitBreaker
	mu            sync.RWMutex
}

// NewRegistry creates an empty registry.
func NewRegistry(defaultConfig Config, clk clock.Clock) *Registry {
	return &Registry{
		defaultConfig: defaultConfig,
		clock:         clk,
		breakers:      make(map[string]*CircuitBreaker),
	}
}

// Get returns the breaker for name, creating it if needed.
func (r *Registry) Get(name string) *CircuitBreaker {
	r.mu.RLock()
	cb, exists := r.breakers[name]
	r.mu.RUnlock()

	if exists {
		return cb
	}
	return r.GetWithConfig(name, r.defaultConfig)
}

// GetWithConfig returns the breaker for name, creating it with config if it
// does not exist yet. An existing breaker keeps its original config.
func (r *Registry) GetWithConfig(name string, config Config) *CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cb, exists := r.breakers[name]; exists {
		return cb
	}

	cb := New(name, config, r.clock)
	r.breakers[name] = cb
	return cb
}

// States returns the current state of every breaker.
func (r *Registry) States() map[string]State {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make(map[string]State, len(r.breakers))
	for name, cb := range r.breakers {
		result[name] = cb.State()
	}
	return result
}

// Snapshots returns every breaker's stats sorted by name.
func (r *Registry) Snapshots() []Stats {
	r.mu.RLock()
	out := make([]Stats, 0, len(r.breakers))
	for _, cb := range r.breakers {
		out = append(out, cb.Snapshot())
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ResetAll closes every breaker.
func (r *Registry) ResetAll() {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, cb := range r.breakers {
		cb.Reset()
	}
}
