// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package breaker implements the circuit breaker guarding downstream
// dependencies.
//
// One Breaker exists per protected dependency (for example the graph
// store). Many jobs share it concurrently; state updates are mutex
// protected. The breaker has three states:
//
//   - Closed: normal operation, calls pass through
//   - Open: failure threshold exceeded, calls fail fast without
//     touching the dependency
//   - HalfOpen: recovery timeout elapsed, a single trial call is allowed
//
// Thread Safety: all types are safe for concurrent use.
package breaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/AleutianAI/GraphVault/services/ingest/datatypes"
)

// ErrOpen is the sentinel wrapped by the fast-fail error returned while
// the breaker is open. It is classified KindCircuitOpen and must never
// feed back into the breaker's own failure tally.
var ErrOpen = errors.New("circuit open")

// State is the breaker state.
type State int

const (
	// Closed allows calls through normally.
	Closed State = iota

	// Open rejects calls immediately.
	Open

	// HalfOpen allows a single trial call to test recovery.
	HalfOpen
)

// String returns the human-readable state name.
func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// TransitionFunc observes state changes for metrics and health scoring.
// Called outside the breaker's lock.
type TransitionFunc func(dependency string, from, to State)

// Config configures breaker behavior for one dependency.
type Config struct {
	// FailureThreshold is the number of consecutive counted failures
	// before the breaker opens. Default: 5.
	FailureThreshold int

	// RecoveryTimeout is how long the breaker stays open before
	// allowing a trial call. Default: 60s.
	RecoveryTimeout time.Duration

	// OnTransition, when set, is invoked on every state change.
	OnTransition TransitionFunc
}

// DefaultConfig returns the default breaker configuration.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		RecoveryTimeout:  60 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.RecoveryTimeout <= 0 {
		c.RecoveryTimeout = 60 * time.Second
	}
	return c
}

// Breaker is the circuit breaker for a single dependency.
type Breaker struct {
	dependency string
	config     Config

	mu                  sync.Mutex
	state               State
	consecutiveFailures int
	openedAt            time.Time
	trialInFlight       bool
}

// New creates a breaker for the named dependency, starting Closed.
func New(dependency string, config Config) *Breaker {
	return &Breaker{
		dependency: dependency,
		config:     config.withDefaults(),
		state:      Closed,
	}
}

// Execute runs fn under breaker protection.
//
// While the breaker is Open and the recovery timeout has not elapsed,
// Execute fails fast with a KindCircuitOpen error without invoking fn.
// After the timeout, exactly one trial call is allowed; its outcome
// decides between Closed and a fresh Open period.
//
// Failure accounting: only dependency-health failures (connection,
// timeout, unknown) count toward the threshold. Validation, integrity,
// cancellation, and circuit-open errors pass through uncounted — they
// say nothing about whether the dependency recovered.
func (b *Breaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	trial, err := b.tryAcquire()
	if err != nil {
		return err
	}

	callErr := fn(ctx)
	b.record(trial, callErr)
	return callErr
}

// tryAcquire decides whether a call may proceed. The second return is
// the fast-fail error when it may not; the first marks a trial call.
func (b *Breaker) tryAcquire() (trial bool, err error) {
	b.mu.Lock()

	switch b.state {
	case Closed:
		b.mu.Unlock()
		return false, nil

	case Open:
		if time.Since(b.openedAt) >= b.config.RecoveryTimeout {
			transition := b.transitionLocked(HalfOpen)
			b.trialInFlight = true
			b.mu.Unlock()
			transition()
			return true, nil
		}
		b.mu.Unlock()
		return false, b.openError()

	case HalfOpen:
		if b.trialInFlight {
			b.mu.Unlock()
			return false, b.openError()
		}
		b.trialInFlight = true
		b.mu.Unlock()
		return true, nil

	default:
		b.mu.Unlock()
		return false, b.openError()
	}
}

// record updates breaker state from a call outcome.
func (b *Breaker) record(trial bool, callErr error) {
	counted := countsAsFailure(callErr)

	b.mu.Lock()
	var transition func()

	if trial {
		b.trialInFlight = false
	}

	switch {
	case callErr == nil:
		b.consecutiveFailures = 0
		if b.state == HalfOpen {
			transition = b.transitionLocked(Closed)
		}

	case !counted:
		// Uncounted failures release the trial slot without deciding
		// recovery; the next caller gets the trial.

	case b.state == HalfOpen:
		transition = b.transitionLocked(Open)
		b.openedAt = time.Now()

	default:
		b.consecutiveFailures++
		if b.state == Closed && b.consecutiveFailures >= b.config.FailureThreshold {
			transition = b.transitionLocked(Open)
			b.openedAt = time.Now()
		}
	}
	b.mu.Unlock()

	if transition != nil {
		transition()
	}
}

// transitionLocked changes state and returns the deferred callback.
// Must be called with the lock held; the callback must be invoked
// after releasing it.
func (b *Breaker) transitionLocked(to State) func() {
	from := b.state
	b.state = to
	if to == Closed {
		b.consecutiveFailures = 0
	}
	cb := b.config.OnTransition
	if cb == nil || from == to {
		return func() {}
	}
	dep := b.dependency
	return func() { cb(dep, from, to) }
}

func (b *Breaker) openError() error {
	return datatypes.NewError(datatypes.KindCircuitOpen,
		"dependency "+b.dependency+" is circuit-open", ErrOpen)
}

// countsAsFailure reports whether an error feeds the failure tally.
func countsAsFailure(err error) bool {
	if err == nil {
		return false
	}
	switch datatypes.Classify(err) {
	case datatypes.KindConnection, datatypes.KindTimeout, datatypes.KindUnknown:
		return true
	}
	return false
}

// State returns the current breaker state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Snapshot is a point-in-time view of breaker internals for health
// scoring and the operator API.
type Snapshot struct {
	Dependency          string    `json:"dependency"`
	State               string    `json:"state"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	OpenedAt            time.Time `json:"opened_at,omitempty"`
}

// Stats returns a snapshot of the breaker.
func (b *Breaker) Stats() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Snapshot{
		Dependency:          b.dependency,
		State:               b.state.String(),
		ConsecutiveFailures: b.consecutiveFailures,
		OpenedAt:            b.openedAt,
	}
}

// Reset forces the breaker Closed. Operator/testing escape hatch.
func (b *Breaker) Reset() {
	b.mu.Lock()
	transition := func() {}
	if b.state != Closed {
		transition = b.transitionLocked(Closed)
	}
	b.consecutiveFailures = 0
	b.trialInFlight = false
	b.mu.Unlock()
	transition()
}
