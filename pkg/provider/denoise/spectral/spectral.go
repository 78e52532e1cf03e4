// Package spectral implements the secondary, in-process denoiser: a
// magnitude-domain spectral subtraction gate operating on fixed 480-sample
// frames at 48 kHz (10 ms). The per-bin noise estimate tracks the spectral
// minimum with a slow upward drift, so the gate adapts to stationary
// background noise without needing an explicit calibration phase.
//
// The pipeline ingests 16 kHz audio, so Enhance bridges through the plain 3×
// resamplers in pkg/audio. Incoming buffers rarely align with the 480-sample
// frame, so leftover samples are buffered and processed on the next call —
// output can be shorter than input by up to one frame, with the remainder
// carried forward. A Gate instance is therefore strictly per-session.
package spectral

import (
	"context"
	"fmt"
	"math"
	"sync"

	"github.com/earshot-ai/earshot/pkg/audio"
)

// ProviderName identifies this backend in events and health stats.
const ProviderName = "spectral"

// NativeRate is the sample rate the gate operates at internally.
const NativeRate = 48000

// FrameSize is the gate's fixed processing frame: 10 ms at 48 kHz.
const FrameSize = 480

// Subtraction tuning. Beta scales the noise estimate before subtraction;
// gainFloor bounds attenuation so the output never collapses to digital
// silence (full suppression sounds worse than faint residual noise).
// noiseRise is the slow per-frame upward drift of the minimum-tracking noise
// estimate.
const (
	beta      = 1.5
	gainFloor = 0.1
	noiseRise = 1.01
)

// bins is the number of independent spectrum bins for a real input frame.
const bins = FrameSize/2 + 1

// Trig tables for the O(n²) DFT, shared by all sessions. A 480-point
// transform is ~230k multiply-adds per direction — well under the 10 ms
// frame budget — and avoids padding tricks a power-of-two FFT would need.
var (
	trigOnce sync.Once
	cosTab   []float64
	sinTab   []float64
)

func initTrig() {
	trigOnce.Do(func() {
		cosTab = make([]float64, FrameSize*FrameSize)
		sinTab = make([]float64, FrameSize*FrameSize)
		for k := 0; k < FrameSize; k++ {
			for n := 0; n < FrameSize; n++ {
				angle := 2 * math.Pi * float64(k) * float64(n) / FrameSize
				cosTab[k*FrameSize+n] = math.Cos(angle)
				sinTab[k*FrameSize+n] = math.Sin(angle)
			}
		}
	})
}

// Gate is a per-session spectral subtraction denoiser. Not safe for
// concurrent use.
type Gate struct {
	carry []float32 // leftover 48 kHz samples awaiting a full frame

	noiseMag  [bins]float64
	noiseInit bool

	// scratch buffers reused across frames
	re, im [bins]float64
}

// New creates a spectral gate.
func New() *Gate {
	initTrig()
	return &Gate{}
}

// Name implements [denoise.Denoiser].
func (g *Gate) Name() string { return ProviderName }

// Enhance implements [denoise.Denoiser]. Accepts 16 kHz input (bridged up to
// 48 kHz and back down) or native 48 kHz input. Only whole 480-sample frames
// are processed; the remainder is carried into the next call.
func (g *Gate) Enhance(ctx context.Context, samples []float32, sampleRate int) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(samples) == 0 {
		return samples, nil
	}

	var work []float32
	bridge := false
	switch sampleRate {
	case NativeRate:
		work = samples
	case NativeRate / 3:
		work = audio.ResampleUp3x(samples)
		bridge = true
	default:
		return nil, fmt.Errorf("spectral: unsupported sample rate %d", sampleRate)
	}

	g.carry = append(g.carry, work...)
	whole := (len(g.carry) / FrameSize) * FrameSize
	if whole == 0 {
		return []float32{}, nil
	}

	out := make([]float32, whole)
	for off := 0; off < whole; off += FrameSize {
		g.processFrame(g.carry[off:off+FrameSize], out[off:off+FrameSize])
	}

	rest := len(g.carry) - whole
	copy(g.carry, g.carry[whole:])
	g.carry = g.carry[:rest]

	if bridge {
		return audio.ResampleDown3x(out), nil
	}
	return out, nil
}

// processFrame runs one 480-sample frame through forward DFT, per-bin noise
// subtraction, and inverse DFT.
func (g *Gate) processFrame(frame []float32, out []float32) {
	// Forward DFT, bins 0..240. The input is real, so the upper half of the
	// spectrum is the conjugate mirror and need not be computed.
	for k := 0; k < bins; k++ {
		var re, im float64
		row := cosTab[k*FrameSize : (k+1)*FrameSize]
		rowS := sinTab[k*FrameSize : (k+1)*FrameSize]
		for n, s := range frame {
			re += float64(s) * row[n]
			im -= float64(s) * rowS[n]
		}
		g.re[k] = re
		g.im[k] = im
	}

	// Update the minimum-tracking noise estimate and compute per-bin gains.
	var gain [bins]float64
	for k := 0; k < bins; k++ {
		mag := math.Hypot(g.re[k], g.im[k])
		if !g.noiseInit {
			g.noiseMag[k] = mag
		} else if mag < g.noiseMag[k] {
			g.noiseMag[k] = mag
		} else {
			g.noiseMag[k] = math.Min(mag, g.noiseMag[k]*noiseRise)
		}

		if mag <= 0 {
			gain[k] = gainFloor
			continue
		}
		gain[k] = math.Max(gainFloor, (mag-beta*g.noiseMag[k])/mag)
	}
	g.noiseInit = true

	// Inverse DFT with attenuated bins. Interior bins appear twice in the
	// full spectrum (conjugate pairs), hence the factor of two.
	for n := 0; n < FrameSize; n++ {
		var acc float64
		for k := 0; k < bins; k++ {
			re := g.re[k] * gain[k]
			im := g.im[k] * gain[k]
			c := cosTab[k*FrameSize+n]
			s := sinTab[k*FrameSize+n]
			term := re*c - im*s
			if k == 0 || k == FrameSize/2 {
				acc += term
			} else {
				acc += 2 * term
			}
		}
		v := acc / FrameSize
		if v > 1 {
			v = 1
		} else if v < -1 {
			v = -1
		}
		out[n] = float32(v)
	}
}

// Pending returns the number of 48 kHz samples currently buffered awaiting a
// full frame. Exposed for tests and diagnostics.
func (g *Gate) Pending() int { return len(g.carry) }

// Reset implements [denoise.Denoiser]: drops the carry buffer and the noise
// estimate.
func (g *Gate) Reset() {
	g.carry = g.carry[:0]
	g.noiseInit = false
	for k := range g.noiseMag {
		g.noiseMag[k] = 0
	}
}

// Close implements [denoise.Denoiser].
func (g *Gate) Close() error { return nil }
