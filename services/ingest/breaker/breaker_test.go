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
	"testing"
	"time"

	"github.com/AleutianAI/GraphVault/services/ingest/datatypes"
)

func failingCall(ctx context.Context) error {
	return datatypes.ConnectionError("dial refused", nil)
}

func succeedingCall(ctx context.Context) error {
	return nil
}

func TestBreakerInitialState(t *testing.T) {
	b := New("store", DefaultConfig())
	if b.State() != Closed {
		t.Errorf("expected Closed, got %v", b.State())
	}
}

func TestBreakerOpensAfterThreshold(t *testing.T) {
	b := New("store", Config{FailureThreshold: 3, RecoveryTimeout: time.Minute})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if b.State() != Closed {
			t.Fatalf("expected Closed before threshold at call %d, got %v", i, b.State())
		}
		_ = b.Execute(ctx, failingCall)
	}

	if b.State() != Open {
		t.Fatalf("expected Open after threshold, got %v", b.State())
	}

	// Fails fast without invoking the call.
	invoked := false
	start := time.Now()
	err := b.Execute(ctx, func(ctx context.Context) error {
		invoked = true
		return nil
	})
	if invoked {
		t.Error("open breaker invoked the protected call")
	}
	if elapsed := time.Since(start); elapsed > 10*time.Millisecond {
		t.Errorf("fast-fail took %v", elapsed)
	}
	if datatypes.Classify(err) != datatypes.KindCircuitOpen {
		t.Errorf("fast-fail classified %s, want %s", datatypes.Classify(err), datatypes.KindCircuitOpen)
	}
}

func TestBreakerSuccessResetsCount(t *testing.T) {
	b := New("store", Config{FailureThreshold: 3, RecoveryTimeout: time.Minute})
	ctx := context.Background()

	_ = b.Execute(ctx, failingCall)
	_ = b.Execute(ctx, failingCall)
	_ = b.Execute(ctx, succeedingCall)
	_ = b.Execute(ctx, failingCall)
	_ = b.Execute(ctx, failingCall)

	if b.State() != Closed {
		t.Errorf("expected Closed after interleaved success, got %v", b.State())
	}
}

func TestBreakerHalfOpenSingleTrial(t *testing.T) {
	b := New("store", Config{FailureThreshold: 1, RecoveryTimeout: 20 * time.Millisecond})
	ctx := context.Background()

	_ = b.Execute(ctx, failingCall)
	if b.State() != Open {
		t.Fatalf("expected Open, got %v", b.State())
	}

	time.Sleep(30 * time.Millisecond)

	// First call after the timeout is the trial; hold it open and check
	// that a concurrent call is rejected.
	release := make(chan struct{})
	trialStarted := make(chan struct{})
	var trialErr error
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		trialErr = b.Execute(ctx, func(ctx context.Context) error {
			close(trialStarted)
			<-release
			return nil
		})
	}()

	<-trialStarted
	if err := b.Execute(ctx, succeedingCall); datatypes.Classify(err) != datatypes.KindCircuitOpen {
		t.Errorf("second half-open call got %v, want circuit-open rejection", err)
	}

	close(release)
	wg.Wait()
	if trialErr != nil {
		t.Fatalf("trial call failed: %v", trialErr)
	}
	if b.State() != Closed {
		t.Errorf("expected Closed after successful trial, got %v", b.State())
	}
}

func TestBreakerTrialFailureReopens(t *testing.T) {
	b := New("store", Config{FailureThreshold: 1, RecoveryTimeout: 20 * time.Millisecond})
	ctx := context.Background()

	_ = b.Execute(ctx, failingCall)
	time.Sleep(30 * time.Millisecond)

	_ = b.Execute(ctx, failingCall)
	if b.State() != Open {
		t.Fatalf("expected Open after failed trial, got %v", b.State())
	}

	// openedAt was reset, so the breaker still fails fast.
	if err := b.Execute(ctx, succeedingCall); datatypes.Classify(err) != datatypes.KindCircuitOpen {
		t.Errorf("expected fast-fail right after reopen, got %v", err)
	}
}

func TestBreakerUncountedKinds(t *testing.T) {
	b := New("store", Config{FailureThreshold: 2, RecoveryTimeout: time.Minute})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_ = b.Execute(ctx, func(ctx context.Context) error {
			return datatypes.ValidationError("bad payload", nil)
		})
	}
	if b.State() != Closed {
		t.Errorf("validation errors must not trip the breaker, state %v", b.State())
	}
}

func TestBreakerTransitionCallback(t *testing.T) {
	var mu sync.Mutex
	var transitions []string

	b := New("store", Config{
		FailureThreshold: 1,
		RecoveryTimeout:  10 * time.Millisecond,
		OnTransition: func(dep string, from, to State) {
			mu.Lock()
			transitions = append(transitions, from.String()+"->"+to.String())
			mu.Unlock()
		},
	})
	ctx := context.Background()

	_ = b.Execute(ctx, failingCall)
	time.Sleep(20 * time.Millisecond)
	_ = b.Execute(ctx, succeedingCall)

	mu.Lock()
	defer mu.Unlock()
	want := []string{"closed->open", "open->half-open", "half-open->closed"}
	if len(transitions) != len(want) {
		t.Fatalf("transitions = %v, want %v", transitions, want)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Errorf("transition[%d] = %s, want %s", i, transitions[i], want[i])
		}
	}
}

func TestRegistrySharedBreaker(t *testing.T) {
	reg := NewRegistry(DefaultConfig())
	reg.Configure("store", Config{FailureThreshold: 1, RecoveryTimeout: time.Minute})
	ctx := context.Background()

	_ = reg.Execute(ctx, "store", failingCall)

	if reg.Get("store").State() != Open {
		t.Error("configured threshold of 1 should have opened the breaker")
	}
	if reg.Get("extractor").State() != Closed {
		t.Error("separate dependency must have its own breaker")
	}

	stats := reg.Stats()
	if len(stats) != 2 {
		t.Errorf("expected 2 breakers in registry, got %d", len(stats))
	}
}

func TestBreakerConcurrentTrips(t *testing.T) {
	b := New("store", Config{FailureThreshold: 5, RecoveryTimeout: time.Minute})
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = b.Execute(ctx, failingCall)
		}()
	}
	wg.Wait()

	if b.State() != Open {
		t.Errorf("expected Open after concurrent failures, got %v", b.State())
	}
}
