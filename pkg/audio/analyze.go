package audio

import (
	"errors"
	"math"
)

// silenceAmplitude is the per-sample amplitude below which a sample counts as
// silent for [Analyze]'s silence ratio.
const silenceAmplitude = 0.01

// Analysis summarises the signal content of a float32 sample buffer.
type Analysis struct {
	// RMS is the root-mean-square energy of the buffer.
	RMS float64

	// Peak is the largest absolute sample value.
	Peak float64

	// SilenceRatio is the fraction of samples whose absolute value is below
	// the silence amplitude threshold. 1.0 for an empty buffer.
	SilenceRatio float64
}

// Analyze computes RMS energy, peak amplitude, and silence ratio for samples.
func Analyze(samples []float32) Analysis {
	if len(samples) == 0 {
		return Analysis{SilenceRatio: 1}
	}
	var sumSq float64
	var peak float64
	silent := 0
	for _, s := range samples {
		f := float64(s)
		sumSq += f * f
		a := math.Abs(f)
		if a > peak {
			peak = a
		}
		if a < silenceAmplitude {
			silent++
		}
	}
	return Analysis{
		RMS:          math.Sqrt(sumSq / float64(len(samples))),
		Peak:         peak,
		SilenceRatio: float64(silent) / float64(len(samples)),
	}
}

// Validation errors returned by [Validate]. Callers use these to short-circuit
// denoising on audio that is not worth processing; they are advisory, not
// fatal — the pipeline passes flagged audio through unchanged.
var (
	ErrEmpty        = errors.New("audio: empty buffer")
	ErrAllZero      = errors.New("audio: all samples are zero")
	ErrClipping     = errors.New("audio: signal is clipping")
	ErrTooQuiet     = errors.New("audio: signal level too low")
	ErrMostlySilent = errors.New("audio: buffer is mostly silence")
)

// Validate flags sample buffers that are unusable for enhancement: empty,
// all-zero, clipping (peak ≥ 0.99), too quiet (RMS < 1e-3 with a nonzero
// peak), or mostly silent (silence ratio > 0.95). Returns nil for audio worth
// denoising.
func Validate(samples []float32) error {
	if len(samples) == 0 {
		return ErrEmpty
	}
	a := Analyze(samples)
	switch {
	case a.Peak == 0:
		return ErrAllZero
	case a.Peak >= 0.99:
		return ErrClipping
	case a.RMS < 1e-3:
		return ErrTooQuiet
	case a.SilenceRatio > 0.95:
		return ErrMostlySilent
	}
	return nil
}
