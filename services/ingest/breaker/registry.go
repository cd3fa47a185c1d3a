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
	"context"
	"sync"
)

// Registry holds one Breaker per protected dependency.
//
// The registry is the injected handle components share; nothing in the
// service reaches for a process-wide singleton.
type Registry struct {
	defaults Config

	mu       sync.Mutex
	breakers map[string]*Breaker
	configs  map[string]Config
}

// NewRegistry creates a registry whose breakers use defaults unless a
// per-dependency config is set with Configure.
func NewRegistry(defaults Config) *Registry {
	return &Registry{
		defaults: defaults.withDefaults(),
		breakers: make(map[string]*Breaker),
		configs:  make(map[string]Config),
	}
}

// Configure sets a per-dependency configuration. It must be called
// before the first Execute/Get for that dependency to take effect.
func (r *Registry) Configure(dependency string, config Config) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.configs[dependency] = config.withDefaults()
}

// Get returns the breaker for a dependency, creating it on first use.
func (r *Registry) Get(dependency string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if b, ok := r.breakers[dependency]; ok {
		return b
	}
	config := r.defaults
	if c, ok := r.configs[dependency]; ok {
		config = c
	}
	b := New(dependency, config)
	r.breakers[dependency] = b
	return b
}

// Execute runs fn under the named dependency's breaker.
func (r *Registry) Execute(ctx context.Context, dependency string, fn func(ctx context.Context) error) error {
	return r.Get(dependency).Execute(ctx, fn)
}

// Stats returns snapshots of all known breakers.
func (r *Registry) Stats() []Snapshot {
	r.mu.Lock()
	breakers := make([]*Breaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		breakers = append(breakers, b)
	}
	r.mu.Unlock()

	stats := make([]Snapshot, 0, len(breakers))
	for _, b := range breakers {
		stats = append(stats, b.Stats())
	}
	return stats
}
