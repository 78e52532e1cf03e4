// Package audio provides the sample-format and sample-rate conversion
// primitives used throughout the earshot pipeline, plus lightweight signal
// analysis for input validation.
//
// All functions are pure: they allocate fresh output slices and never retain
// references to their inputs, so they are safe to call concurrently.
//
// The pipeline ingests little-endian PCM16 and works internally on float32
// samples in [-1, 1]. The 16 kHz ↔ 48 kHz bridging used by the in-process
// denoiser is a plain 3× linear interpolation / decimation without
// anti-aliasing filtering. That matches the behaviour of the service this
// pipeline must stay bit-compatible with; do not "fix" it without flagging
// the change to downstream consumers.
package audio

import "time"

// Chunk is a raw ingest buffer: little-endian PCM16 mono samples as received
// from the capture transport. It is owned by the ingest step until converted.
type Chunk struct {
	// Data is raw little-endian PCM16 bytes. Length must be even.
	Data []byte

	// SampleRate is the capture rate in Hz.
	SampleRate int

	// Timestamp records when the first sample of the chunk was captured.
	Timestamp time.Time
}

// Samples returns the number of PCM16 samples in the chunk.
func (c Chunk) Samples() int {
	return len(c.Data) / 2
}

// Duration returns the play time covered by the chunk.
func (c Chunk) Duration() time.Duration {
	if c.SampleRate <= 0 {
		return 0
	}
	return time.Duration(c.Samples()) * time.Second / time.Duration(c.SampleRate)
}

// Frame is a normalised audio buffer: float32 samples in [-1, 1] tagged with
// their sample rate. Frames may be resampled at stage boundaries; every frame
// entering a stage must match that stage's expected rate.
type Frame struct {
	// Samples holds float32 PCM in [-1, 1].
	Samples []float32

	// SampleRate is the rate the samples are valid at, in Hz.
	SampleRate int

	// Timestamp records when the first sample was captured.
	Timestamp time.Time
}

// Duration returns the play time covered by the frame.
func (f Frame) Duration() time.Duration {
	if f.SampleRate <= 0 {
		return 0
	}
	return time.Duration(len(f.Samples)) * time.Second / time.Duration(f.SampleRate)
}

// End returns the capture timestamp just past the last sample.
func (f Frame) End() time.Time {
	return f.Timestamp.Add(f.Duration())
}
