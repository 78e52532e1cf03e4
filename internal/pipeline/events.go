// Package pipeline implements the per-session speech pipeline: denoise
// cascade, VAD scoring, and the hysteresis speech gate that turns per-frame
// probabilities into speech lifecycle events.
//
// A [Session] owns one stream of audio. Frames are processed strictly in
// arrival order; the recurrent VAD state and the gate's timers are
// order-dependent, so there is exactly one logical thread of control per
// session. Independent sessions share nothing except read-only configuration
// and, optionally, the out-of-process primary denoiser.
package pipeline

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventType identifies a speech lifecycle event.
type EventType string

const (
	// EventSpeechStart is emitted when the gate opens: the session entered
	// Listening and the pre-buffer was copied into the new segment.
	EventSpeechStart EventType = "speech_start"

	// EventSpeechChunk is emitted for every frame appended to an open
	// segment.
	EventSpeechChunk EventType = "speech_chunk"

	// EventSpeechEnd is emitted when the gate closes. It carries the full
	// captured utterance as PCM16LE bytes.
	EventSpeechEnd EventType = "speech_end"

	// EventStateChange is emitted when the conversation state is changed by
	// an explicit override or a session reset, bypassing probability logic.
	EventStateChange EventType = "state_change"
)

// ConversationState is the authoritative per-session state. It is mutated
// only by the speech gate or by an explicit external override.
type ConversationState int

const (
	// StateIdle means no speech is being captured.
	StateIdle ConversationState = iota

	// StateListening means an utterance is being captured into the segment.
	StateListening

	// StateProcessing means a completed utterance has been handed downstream
	// and the session is waiting for the next turn.
	StateProcessing

	// StateSpeaking is set only by external override, typically while agent
	// audio playback is in progress.
	StateSpeaking
)

// String returns the lowercase name of the state.
func (s ConversationState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateListening:
		return "listening"
	case StateProcessing:
		return "processing"
	case StateSpeaking:
		return "speaking"
	default:
		return "unknown"
	}
}

// ParseState parses the lowercase state name used in configs and the CLI.
func ParseState(s string) (ConversationState, error) {
	switch s {
	case "idle":
		return StateIdle, nil
	case "listening":
		return StateListening, nil
	case "processing":
		return StateProcessing, nil
	case "speaking":
		return StateSpeaking, nil
	default:
		return StateIdle, fmt.Errorf("unknown conversation state %q", s)
	}
}

// MarshalJSON renders the state as its lowercase name.
func (s ConversationState) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// Event is one speech lifecycle event. Timestamp is the stream position of
// the frame that produced the event, counted in audio time from the first
// sample the session ingested, so event timing is deterministic and
// independent of wall-clock scheduling.
type Event struct {
	Type      EventType     `json:"type"`
	Timestamp time.Duration `json:"timestamp"`

	// Probability is the VAD score of the triggering frame. Zero for
	// state_change events.
	Probability float64 `json:"probability,omitempty"`

	// Provider is the VAD provider that scored the triggering frame.
	Provider string `json:"provider,omitempty"`

	// State is the conversation state after the event.
	State ConversationState `json:"state"`

	// PCM carries the captured utterance as PCM16LE bytes. Set only on
	// speech_end.
	PCM []byte `json:"pcm,omitempty"`

	// Debug carries optional per-frame diagnostics (VAD feature values,
	// serving denoiser, fallback flag). Populated only in debug mode.
	Debug map[string]any `json:"debug,omitempty"`
}
