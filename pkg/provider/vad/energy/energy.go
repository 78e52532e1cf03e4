// Package energy implements a stateless heuristic VAD that blends RMS
// energy, peak amplitude, and the fraction of high-energy samples into a
// speech probability. It needs no model assets and never fails, so it serves
// as the always-available fallback when a neural backend cannot be
// initialised or has been downgraded mid-session.
package energy

import (
	"fmt"
	"math"

	"github.com/earshot-ai/earshot/pkg/provider/vad"
)

// ProviderName identifies this backend in events and health stats.
const ProviderName = "energy"

// Blend weights and scale factors. The combination is
//
//	p = 0.4·min(rms·20, 1) + 0.3·min(peak·5, 1) + 0.3·activity
//
// where activity is 1 when the activity ratio exceeds the configured
// threshold and the raw ratio otherwise. Changing these alters detection
// sensitivity for every heuristic session; they are fixed on purpose.
const (
	rmsWeight      = 0.4
	rmsScale       = 20
	peakWeight     = 0.3
	peakScale      = 5
	activityWeight = 0.3
)

// activeAmplitude is the per-sample amplitude above which a sample counts
// towards the activity ratio.
const activeAmplitude = 0.01

// Engine creates heuristic VAD sessions.
type Engine struct {
	// ActivityThreshold is the activity-ratio cutoff above which the
	// activity term saturates to 1. Zero means the default of 0.2.
	ActivityThreshold float64

	// Debug attaches per-frame component values to every Probability.
	Debug bool
}

// Name implements [vad.Engine].
func (e *Engine) Name() string { return ProviderName }

// NewSession implements [vad.Engine]. The heuristic scorer keeps no state,
// so sessions are cheap and the configuration only validates the rate.
func (e *Engine) NewSession(cfg vad.Config) (vad.Session, error) {
	if cfg.SampleRate <= 0 {
		return nil, fmt.Errorf("energy: invalid sample rate %d", cfg.SampleRate)
	}
	threshold := e.ActivityThreshold
	if threshold == 0 {
		threshold = 0.2
	}
	return &session{activityThreshold: threshold, debug: e.Debug}, nil
}

type session struct {
	activityThreshold float64
	debug             bool
}

// Score implements [vad.Session]. It is stateless and cannot fail.
func (s *session) Score(samples []float32) (vad.Probability, error) {
	if len(samples) == 0 {
		return vad.Probability{Provider: ProviderName}, nil
	}

	var sumSq, peak float64
	active := 0
	for _, v := range samples {
		f := float64(v)
		sumSq += f * f
		a := math.Abs(f)
		if a > peak {
			peak = a
		}
		if a > activeAmplitude {
			active++
		}
	}
	rms := math.Sqrt(sumSq / float64(len(samples)))
	activityRatio := float64(active) / float64(len(samples))

	activity := activityRatio
	if activityRatio > s.activityThreshold {
		activity = 1
	}

	p := rmsWeight*min(rms*rmsScale, 1) +
		peakWeight*min(peak*peakScale, 1) +
		activityWeight*activity
	p = min(max(p, 0), 1)

	prob := vad.Probability{Value: p, Provider: ProviderName}
	if s.debug {
		prob.Debug = map[string]any{
			"rms":            rms,
			"peak":           peak,
			"activity_ratio": activityRatio,
		}
	}
	return prob, nil
}

// Reset implements [vad.Session]. No-op: the scorer holds no state.
func (s *session) Reset() {}

// Close implements [vad.Session].
func (s *session) Close() error { return nil }
