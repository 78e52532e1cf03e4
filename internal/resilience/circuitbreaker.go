// Package resilience provides circuit breaker and denoiser failover
// primitives.
//
// The central type is [CircuitBreaker], a classic three-state breaker
// (closed → open → half-open) that stops the pipeline from hammering a
// failing enhancement backend. [FallbackGroup] composes an ordered cascade of
// denoisers with per-entry breakers so a failing primary is bypassed in
// favour of the next healthy stage.
//
// All types are safe for concurrent use.
package resilience

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by [CircuitBreaker.Execute] when the breaker is
// in the open state.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State is a [CircuitBreaker] operating mode.
type State int

const (
	// StateClosed forwards all calls. This is the starting state.
	StateClosed State = iota

	// StateOpen rejects every call with [ErrCircuitOpen]. The breaker
	// leaves this state after the reset timeout, or on a manual
	// [CircuitBreaker.Reset] when no timeout is configured.
	StateOpen

	// StateHalfOpen admits a bounded number of probe calls. Enough
	// successes close the breaker; any failure re-opens it.
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig holds tuning knobs for a [CircuitBreaker].
type CircuitBreakerConfig struct {
	// Name labels the breaker in log messages.
	Name string

	// MaxFailures is the number of consecutive failures in the closed state
	// before the breaker opens. Default: 3.
	MaxFailures int

	// ResetTimeout is how long the breaker stays open before probing again.
	// Zero means no self-recovery: the breaker stays open until
	// [CircuitBreaker.Reset]. The denoise cascade runs in this mode, where
	// re-enabling a dead backend is an operator decision.
	ResetTimeout time.Duration

	// HalfOpenMax is how many probe calls the half-open state admits before
	// deciding. Default: 3. Irrelevant when ResetTimeout is zero.
	HalfOpenMax int
}

// CircuitBreaker trips after a run of consecutive failures and, depending on
// configuration, either probes its way back to closed or waits for a manual
// reset.
type CircuitBreaker struct {
	name        string
	maxFailures int
	resetAfter  time.Duration
	probeBudget int

	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
	probes   int
	probeOK  int
}

// NewCircuitBreaker creates a breaker from cfg. Zero MaxFailures and
// HalfOpenMax get defaults; a zero ResetTimeout is meaningful and kept.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 3
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = 3
	}
	return &CircuitBreaker{
		name:        cfg.Name,
		maxFailures: cfg.MaxFailures,
		resetAfter:  cfg.ResetTimeout,
		probeBudget: cfg.HalfOpenMax,
	}
}

// Execute runs fn unless the breaker rejects the call, and feeds the outcome
// back into the breaker state. Open-state rejections return [ErrCircuitOpen]
// without invoking fn.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	probing, err := cb.admit()
	if err != nil {
		return err
	}
	if callErr := fn(); callErr != nil {
		cb.onFailure(probing)
		return callErr
	}
	cb.onSuccess(probing)
	return nil
}

// admit decides whether a call may proceed and reports whether it counts as
// a half-open probe.
func (cb *CircuitBreaker) admit() (probing bool, err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateOpen:
		if cb.resetAfter == 0 || time.Since(cb.openedAt) < cb.resetAfter {
			return false, ErrCircuitOpen
		}
		cb.state = StateHalfOpen
		cb.probes = 0
		cb.probeOK = 0
		slog.Info("circuit breaker probing", "name", cb.name)

	case StateHalfOpen:
		if cb.probes >= cb.probeBudget {
			return false, ErrCircuitOpen
		}
	}

	if cb.state == StateHalfOpen {
		cb.probes++
		return true, nil
	}
	return false, nil
}

func (cb *CircuitBreaker) onFailure(probing bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.openedAt = time.Now()
	if probing {
		// One failed probe is enough to re-open.
		cb.state = StateOpen
		cb.failures = cb.maxFailures
		slog.Warn("circuit breaker re-opened", "name", cb.name)
		return
	}
	cb.failures++
	if cb.state == StateClosed && cb.failures >= cb.maxFailures {
		cb.state = StateOpen
		slog.Warn("circuit breaker opened",
			"name", cb.name, "consecutive_failures", cb.failures)
	}
}

func (cb *CircuitBreaker) onSuccess(probing bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if !probing {
		cb.failures = 0
		return
	}
	cb.probeOK++
	if cb.probeOK >= cb.probeBudget {
		cb.state = StateClosed
		cb.failures = 0
		cb.probes = 0
		cb.probeOK = 0
		slog.Info("circuit breaker closed", "name", cb.name)
	}
}

// State returns the breaker's current state. An open breaker whose reset
// timeout has elapsed reports [StateHalfOpen]; the stored state catches up
// on the next [CircuitBreaker.Execute].
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateOpen && cb.resetAfter > 0 &&
		time.Since(cb.openedAt) >= cb.resetAfter {
		return StateHalfOpen
	}
	return cb.state
}

// Reset forces the breaker back to closed and clears all counters. The only
// recovery path when no reset timeout is configured.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.state = StateClosed
	cb.failures = 0
	cb.probes = 0
	cb.probeOK = 0
	slog.Info("circuit breaker manually reset", "name", cb.name)
}
