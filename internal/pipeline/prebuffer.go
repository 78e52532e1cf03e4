package pipeline

import "time"

// PreBuffer is a sample-capped rolling window of recent audio. The gate
// pushes every post-denoise frame into it regardless of state, so when a
// speech_start fires the segment can be seeded with the audio that preceded
// the trigger and the first syllable of the utterance is not lost.
type PreBuffer struct {
	cap     int
	samples []float32
}

// NewPreBuffer creates a pre-buffer covering the given time window at the
// given sample rate. A non-positive window yields a buffer that retains
// nothing.
func NewPreBuffer(window time.Duration, sampleRate int) *PreBuffer {
	cap := int(window.Seconds() * float64(sampleRate))
	if cap < 0 {
		cap = 0
	}
	return &PreBuffer{cap: cap}
}

// Push appends frame and trims the buffer to its sample cap, dropping the
// oldest samples first.
func (b *PreBuffer) Push(frame []float32) {
	if b.cap == 0 || len(frame) == 0 {
		return
	}
	if len(frame) >= b.cap {
		b.samples = append(b.samples[:0], frame[len(frame)-b.cap:]...)
		return
	}
	b.samples = append(b.samples, frame...)
	if over := len(b.samples) - b.cap; over > 0 {
		copy(b.samples, b.samples[over:])
		b.samples = b.samples[:b.cap]
	}
}

// Snapshot returns a copy of the buffered samples, oldest first.
func (b *PreBuffer) Snapshot() []float32 {
	out := make([]float32, len(b.samples))
	copy(out, b.samples)
	return out
}

// Len returns the number of buffered samples.
func (b *PreBuffer) Len() int { return len(b.samples) }

// Cap returns the sample cap.
func (b *PreBuffer) Cap() int { return b.cap }

// Reset drops all buffered samples.
func (b *PreBuffer) Reset() { b.samples = b.samples[:0] }
