package pipeline

import (
	"fmt"
	"time"

	"github.com/earshot-ai/earshot/pkg/audio"
)

// GateConfig holds the hysteresis parameters of the speech gate. Zero-value
// fields are replaced with defaults by [NewGate].
type GateConfig struct {
	// HighThreshold opens the gate: a frame probability strictly above it
	// counts as speech. Default: 0.5.
	HighThreshold float64

	// LowThreshold feeds the silence timer: a frame probability strictly
	// below it counts as silence while the gate is open. Must be below
	// HighThreshold; the band between the two is the hysteresis dead zone.
	// Default: 0.35.
	LowThreshold float64

	// MinSpeechDuration is the minimum utterance length before the gate may
	// close. Default: 1s.
	MinSpeechDuration time.Duration

	// MinSilenceDuration is the trailing silence required to close the gate.
	// Default: 800ms.
	MinSilenceDuration time.Duration

	// PreBufferWindow is the rolling window of audio kept for segment
	// seeding. Default: 700ms.
	PreBufferWindow time.Duration

	// SampleRate of the frames fed to the gate. Default: 16000.
	SampleRate int
}

func (c *GateConfig) applyDefaults() {
	if c.HighThreshold == 0 {
		c.HighThreshold = 0.5
	}
	if c.LowThreshold == 0 {
		c.LowThreshold = 0.35
	}
	if c.MinSpeechDuration == 0 {
		c.MinSpeechDuration = time.Second
	}
	if c.MinSilenceDuration == 0 {
		c.MinSilenceDuration = 800 * time.Millisecond
	}
	if c.PreBufferWindow == 0 {
		c.PreBufferWindow = 700 * time.Millisecond
	}
	if c.SampleRate == 0 {
		c.SampleRate = 16000
	}
}

// Gate is the hysteresis speech state machine. It consumes denoised frames
// with their VAD probabilities and emits speech lifecycle events.
//
// The gate is driven entirely by frame timestamps (stream position), never by
// the wall clock, so identical input produces identical events regardless of
// scheduling. Not safe for concurrent use; the owning session serialises
// access.
type Gate struct {
	cfg    GateConfig
	prebuf *PreBuffer

	state       ConversationState
	segment     []float32
	speechStart time.Duration // when the gate opened
	lastSpeech  time.Duration // last frame above HighThreshold
}

// NewGate creates a gate in the Idle state. An error is returned when the
// thresholds do not satisfy LowThreshold < HighThreshold.
func NewGate(cfg GateConfig) (*Gate, error) {
	cfg.applyDefaults()
	if cfg.LowThreshold >= cfg.HighThreshold {
		return nil, fmt.Errorf("gate: low threshold %v must be below high threshold %v",
			cfg.LowThreshold, cfg.HighThreshold)
	}
	return &Gate{
		cfg:    cfg,
		prebuf: NewPreBuffer(cfg.PreBufferWindow, cfg.SampleRate),
		state:  StateIdle,
	}, nil
}

// Feed processes one denoised frame scored with probability p. The at
// argument is the stream position of the frame's end. Empty frames are
// skipped with no transition. Returned events are in emission order; most
// frames return none.
func (g *Gate) Feed(frame []float32, at time.Duration, p float64, provider string, debug map[string]any) []Event {
	if len(frame) == 0 {
		return nil
	}
	g.prebuf.Push(frame)

	switch {
	case p > g.cfg.HighThreshold:
		g.lastSpeech = at
		if g.state != StateListening {
			g.state = StateListening
			g.speechStart = at
			g.segment = append(g.segment[:0], g.prebuf.Snapshot()...)
			return []Event{{
				Type:        EventSpeechStart,
				Timestamp:   at,
				Probability: p,
				Provider:    provider,
				State:       g.state,
				Debug:       debug,
			}}
		}
		g.segment = append(g.segment, frame...)
		return []Event{{
			Type:        EventSpeechChunk,
			Timestamp:   at,
			Probability: p,
			Provider:    provider,
			State:       g.state,
			Debug:       debug,
		}}

	case p < g.cfg.LowThreshold && g.state == StateListening:
		silence := at - g.lastSpeech
		speech := at - g.speechStart
		if silence >= g.cfg.MinSilenceDuration && speech >= g.cfg.MinSpeechDuration {
			g.state = StateProcessing
			pcm := audio.Float32ToPCM16(g.segment)
			g.segment = g.segment[:0]
			return []Event{{
				Type:        EventSpeechEnd,
				Timestamp:   at,
				Probability: p,
				Provider:    provider,
				State:       g.state,
				PCM:         pcm,
				Debug:       debug,
			}}
		}
		// Brief dip: hysteresis holds the gate open.
	}
	return nil
}

// State returns the current conversation state.
func (g *Gate) State() ConversationState { return g.state }

// SetState forces the conversation state, bypassing probability logic. An
// open segment is discarded when the override leaves Listening. Returns the
// state_change event.
func (g *Gate) SetState(state ConversationState, at time.Duration) Event {
	if g.state == StateListening && state != StateListening {
		g.segment = g.segment[:0]
	}
	g.state = state
	return Event{Type: EventStateChange, Timestamp: at, State: state}
}

// Reset returns the gate to Idle and clears the segment, the pre-buffer, and
// the hysteresis timers. Subsequent input behaves exactly as on a fresh gate.
func (g *Gate) Reset() {
	g.state = StateIdle
	g.segment = g.segment[:0]
	g.prebuf.Reset()
	g.speechStart = 0
	g.lastSpeech = 0
}

// SegmentLen returns the number of samples in the open segment.
func (g *Gate) SegmentLen() int { return len(g.segment) }

// PreBufferLen returns the number of samples currently pre-buffered.
func (g *Gate) PreBufferLen() int { return g.prebuf.Len() }
