// Package libroutine provides a circuit breaker with retry and loop helpers.
// It backs the bounded reconnect policy of the realtime transport: repeated
// failures open the circuit, and a reset timeout later a single probe call is
// let through before the circuit fully closes again.
package libroutine

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrCircuitOpen is returned when the breaker refuses to run the function.
var ErrCircuitOpen = errors.New("libroutine: circuit open")

// State is the breaker state.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

// Routine is a circuit breaker around a retriable operation.
type Routine struct {
	mu           sync.Mutex
	state        State
	failures     int
	threshold    int
	resetTimeout time.Duration
	openedAt     time.Time
	probing      bool
}

// NewRoutine creates a breaker that opens after threshold consecutive
// failures and allows a probe call after resetTimeout.
func NewRoutine(threshold int, resetTimeout time.Duration) *Routine {
	return &Routine{threshold: threshold, resetTimeout: resetTimeout}
}

// Allow reports whether a call may proceed right now. In half-open state the
// first caller claims the probe slot and subsequent callers are rejected
// until the probe completes.
func (r *Routine) Allow() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch r.state {
	case Closed:
		return true
	case Open:
		if time.Since(r.openedAt) >= r.resetTimeout {
			r.state = HalfOpen
			r.probing = false
			return true
		}
		return false
	case HalfOpen:
		if !r.probing {
			r.probing = true
			return true
		}
		return false
	default:
		return false
	}
}

// Execute runs fn if the breaker allows it and records the outcome.
func (r *Routine) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if !r.Allow() {
		return ErrCircuitOpen
	}
	err := fn(ctx)
	r.record(err)
	return err
}

func (r *Routine) record(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err == nil {
		r.state = Closed
		r.failures = 0
		r.probing = false
		return
	}
	r.failures++
	if r.state == HalfOpen || r.failures >= r.threshold {
		r.state = Open
		r.openedAt = time.Now()
		r.probing = false
	}
}

// ExecuteWithRetry runs fn up to maxAttempts times, sleeping between
// attempts. An open circuit aborts immediately with ErrCircuitOpen; context
// cancellation during the sleep aborts with the context error.
func (r *Routine) ExecuteWithRetry(ctx context.Context, sleep time.Duration, maxAttempts int, fn func(ctx context.Context) error) error {
	var err error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		err = r.Execute(ctx, fn)
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrCircuitOpen) {
			return err
		}
		if attempt == maxAttempts-1 {
			break
		}
		select {
		case <-time.After(sleep):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

// Loop runs fn immediately, then on every interval tick and on every trigger
// signal, until ctx is cancelled. Failures (including ErrCircuitOpen) are
// reported through errCb.
func (r *Routine) Loop(ctx context.Context, interval time.Duration, trigger chan struct{}, fn func(ctx context.Context) error, errCb func(error)) {
	run := func() {
		if err := r.Execute(ctx, fn); err != nil {
			errCb(err)
		}
	}
	run()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			run()
		case <-trigger:
			run()
		}
	}
}

// GetState returns the current breaker state.
func (r *Routine) GetState() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// ForceOpen opens the circuit regardless of the failure count.
func (r *Routine) ForceOpen() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state = Open
	r.openedAt = time.Now()
	r.probing = false
}

// ForceClose closes the circuit and resets the failure count.
func (r *Routine) ForceClose() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state = Closed
	r.failures = 0
	r.probing = false
}

func (r *Routine) GetThreshold() int              { return r.threshold }
func (r *Routine) GetResetTimeout() time.Duration { return r.resetTimeout }
