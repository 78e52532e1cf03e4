// Package denoise defines the Denoiser interface for noise-suppression
// backends.
//
// A denoiser enhances a buffer of float32 speech samples in place of the
// background noise around it. Backends differ wildly in cost and locality —
// a neural model in a subprocess, an in-process spectral gate, or a plain
// passthrough — so the pipeline composes them into an ordered cascade and
// treats any single backend failure as a signal to try the next one, never
// as a stream-fatal error.
//
// Enhance is context-bounded: a hung backend must be treated as failed, so
// implementations must honour ctx cancellation and deadlines.
package denoise

import "context"

// Denoiser is a single noise-suppression backend.
//
// A Denoiser instance may be shared by multiple sessions (the subprocess
// backend typically is); such implementations must be safe for concurrent
// use. Per-session instances (the spectral gate carries a frame remainder
// between calls) must not be shared.
type Denoiser interface {
	// Name returns the provider identifier used in events and health stats.
	Name() string

	// Enhance denoises one buffer of float32 samples at the given rate and
	// returns the enhanced samples. The output has the same length as the
	// input unless the backend buffers partial frames internally, in which
	// case it may return fewer samples and carry the remainder into the next
	// call. Implementations must not retain or mutate the input.
	Enhance(ctx context.Context, samples []float32, sampleRate int) ([]float32, error)

	// Reset discards any buffered partial frames and adaptive state.
	Reset()

	// Close releases backend resources. Idempotent.
	Close() error
}
