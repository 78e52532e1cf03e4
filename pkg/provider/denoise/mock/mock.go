// Package mock provides a scripted denoiser for tests.
package mock

import (
	"context"
	"errors"
	"sync"
)

// ErrScripted is returned by scripted failures.
var ErrScripted = errors.New("mock denoise: scripted failure")

// Denoiser is a [denoise.Denoiser] for tests. By default it echoes its input
// unchanged; Transform and FailFirst change that. Safe for concurrent use.
type Denoiser struct {
	// ProviderName defaults to "mock".
	ProviderName string

	// FailFirst makes the first N Enhance calls return [ErrScripted].
	FailFirst int

	// FailAlways makes every Enhance call return [ErrScripted].
	FailAlways bool

	// Transform, when set, maps each input sample to its output sample.
	// When nil the input is echoed unchanged.
	Transform func(float32) float32

	mu     sync.Mutex
	calls  int
	resets int
	closed bool
}

// Name implements [denoise.Denoiser].
func (d *Denoiser) Name() string {
	if d.ProviderName == "" {
		return "mock"
	}
	return d.ProviderName
}

// Enhance implements [denoise.Denoiser].
func (d *Denoiser) Enhance(ctx context.Context, samples []float32, _ int) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.mu.Lock()
	d.calls++
	fail := d.FailAlways || d.calls <= d.FailFirst
	d.mu.Unlock()
	if fail {
		return nil, ErrScripted
	}

	out := make([]float32, len(samples))
	if d.Transform != nil {
		for i, s := range samples {
			out[i] = d.Transform(s)
		}
	} else {
		copy(out, samples)
	}
	return out, nil
}

// Reset implements [denoise.Denoiser].
func (d *Denoiser) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.resets++
}

// Close implements [denoise.Denoiser].
func (d *Denoiser) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}

// Calls returns the number of Enhance invocations so far.
func (d *Denoiser) Calls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

// Resets returns the number of Reset invocations so far.
func (d *Denoiser) Resets() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.resets
}

// Closed reports whether Close was called.
func (d *Denoiser) Closed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}
