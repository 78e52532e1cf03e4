package resilience

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ErrAllFailed is returned when every enabled entry in a [FallbackGroup]
// fails or has an open circuit breaker.
var ErrAllFailed = errors.New("all providers failed")

// ErrUnknownEntry is returned when a named entry is not in the group.
var ErrUnknownEntry = errors.New("unknown fallback entry")

// Attempt describes one call made through a [FallbackGroup], reported to the
// group's observer for health accounting. Err is nil on success and
// [ErrCircuitOpen] when the entry was skipped without being called.
type Attempt struct {
	Name    string
	Err     error
	Elapsed time.Duration
}

// FallbackConfig configures a [FallbackGroup].
type FallbackConfig struct {
	// CircuitBreaker is the per-entry breaker template; each entry gets its
	// own breaker named after it.
	CircuitBreaker CircuitBreakerConfig

	// Observer, when set, is invoked for every attempt including skipped
	// ones. Must not block.
	Observer func(Attempt)
}

// fallbackEntry pairs a provider value with its dedicated circuit breaker.
type fallbackEntry[T any] struct {
	name    string
	value   T
	breaker *CircuitBreaker
	enabled bool
}

// FallbackGroup wraps a primary and zero or more fallback instances of the
// same provider type. When the primary fails (or its breaker is open, or it
// has been disabled), the next entry is tried in registration order.
//
// FallbackGroup is safe for concurrent use.
type FallbackGroup[T any] struct {
	mu      sync.Mutex
	entries []*fallbackEntry[T]
	cfg     FallbackConfig
}

// NewFallbackGroup creates a [FallbackGroup] with primary as the first entry.
// Additional fallbacks are registered via [FallbackGroup.AddFallback].
func NewFallbackGroup[T any](primary T, primaryName string, cfg FallbackConfig) *FallbackGroup[T] {
	fg := &FallbackGroup[T]{cfg: cfg}
	fg.AddFallback(primaryName, primary)
	return fg
}

// AddFallback appends a fallback provider. Fallbacks are tried in the order
// they are added, after the primary.
func (fg *FallbackGroup[T]) AddFallback(name string, fallback T) {
	cbCfg := fg.cfg.CircuitBreaker
	cbCfg.Name = name
	fg.mu.Lock()
	defer fg.mu.Unlock()
	fg.entries = append(fg.entries, &fallbackEntry[T]{
		name:    name,
		value:   fallback,
		breaker: NewCircuitBreaker(cbCfg),
		enabled: true,
	})
}

// SetEnabled enables or disables an entry by name. A disabled entry is
// skipped without touching its breaker.
func (fg *FallbackGroup[T]) SetEnabled(name string, enabled bool) error {
	fg.mu.Lock()
	defer fg.mu.Unlock()
	for _, e := range fg.entries {
		if e.name == name {
			e.enabled = enabled
			slog.Info("fallback entry toggled", "entry", name, "enabled", enabled)
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrUnknownEntry, name)
}

// ResetBreaker manually closes the breaker of the named entry. This is how a
// backend with a manual-reset breaker is brought back into rotation.
func (fg *FallbackGroup[T]) ResetBreaker(name string) error {
	fg.mu.Lock()
	defer fg.mu.Unlock()
	for _, e := range fg.entries {
		if e.name == name {
			e.breaker.Reset()
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrUnknownEntry, name)
}

// Promote moves the named entry to the front of the try order, making it the
// preferred provider. The remaining order is preserved.
func (fg *FallbackGroup[T]) Promote(name string) error {
	fg.mu.Lock()
	defer fg.mu.Unlock()
	for i, e := range fg.entries {
		if e.name == name {
			copy(fg.entries[1:i+1], fg.entries[:i])
			fg.entries[0] = e
			slog.Info("fallback entry promoted", "entry", name)
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrUnknownEntry, name)
}

// BreakerState returns the breaker state of the named entry.
func (fg *FallbackGroup[T]) BreakerState(name string) (State, error) {
	fg.mu.Lock()
	defer fg.mu.Unlock()
	for _, e := range fg.entries {
		if e.name == name {
			return e.breaker.State(), nil
		}
	}
	return StateClosed, fmt.Errorf("%w: %s", ErrUnknownEntry, name)
}

// Names returns the entry names in try order.
func (fg *FallbackGroup[T]) Names() []string {
	fg.mu.Lock()
	defer fg.mu.Unlock()
	names := make([]string, len(fg.entries))
	for i, e := range fg.entries {
		names[i] = e.name
	}
	return names
}

// snapshot copies the entry slice so Execute iterates without holding the
// lock across provider calls.
func (fg *FallbackGroup[T]) snapshot() []*fallbackEntry[T] {
	fg.mu.Lock()
	defer fg.mu.Unlock()
	out := make([]*fallbackEntry[T], len(fg.entries))
	copy(out, fg.entries)
	return out
}

func (fg *FallbackGroup[T]) observe(a Attempt) {
	if fg.cfg.Observer != nil {
		fg.cfg.Observer(a)
	}
}

// Execute tries fn against each enabled entry in order until one succeeds and
// returns the name of the entry that served the call. Entries with an open
// breaker are skipped. Returns [ErrAllFailed] wrapped with the last error if
// every entry fails.
func (fg *FallbackGroup[T]) Execute(fn func(T) error) (string, error) {
	var lastErr error
	for _, entry := range fg.snapshot() {
		fg.mu.Lock()
		enabled := entry.enabled
		fg.mu.Unlock()
		if !enabled {
			continue
		}

		start := time.Now()
		err := entry.breaker.Execute(func() error {
			return fn(entry.value)
		})
		fg.observe(Attempt{Name: entry.name, Err: err, Elapsed: time.Since(start)})
		if err == nil {
			return entry.name, nil
		}
		lastErr = err
		if errors.Is(err, ErrCircuitOpen) {
			slog.Debug("skipping provider (circuit open)", "provider", entry.name)
		} else {
			slog.Warn("provider failed, trying next",
				"provider", entry.name, "error", err)
		}
	}
	return "", fmt.Errorf("%w: %v", ErrAllFailed, lastErr)
}

// ExecuteWithResult tries fn against each enabled entry until one succeeds,
// returning the result value and the name of the entry that produced it. This
// is a package-level function because Go does not support method-level type
// parameters.
func ExecuteWithResult[T any, R any](fg *FallbackGroup[T], fn func(T) (R, error)) (R, string, error) {
	var (
		result R
		served string
	)
	served, err := fg.Execute(func(v T) error {
		var innerErr error
		result, innerErr = fn(v)
		return innerErr
	})
	if err != nil {
		var zero R
		return zero, "", err
	}
	return result, served, nil
}
