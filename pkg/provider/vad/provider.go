// Package vad defines the Engine interface for voice activity detection
// backends.
//
// A VAD engine wraps a frame-level speech scorer (a neural model such as
// Silero VAD, or a heuristic energy detector) and surfaces it as a stateful,
// per-stream session. Each session owns its internal state — for recurrent
// models that includes the hidden/cell tensors carried between consecutive
// inference calls — so multiple concurrent audio streams are processed
// independently. Session state must never be shared or pooled across streams.
//
// Scoring is synchronous: Score returns a speech probability for one frame
// and nothing else runs in the background. Frames within one session must be
// scored in arrival order; a recurrent model's output depends on it.
//
// Implementations must be safe for concurrent use across different sessions.
// A single Session must not be shared across goroutines unless the
// implementation explicitly documents thread safety for that type.
package vad

// Config holds the parameters for a VAD session.
type Config struct {
	// SampleRate is the audio sample rate in Hz. Must match the rate of the
	// frames passed to Score. Typical: 16000.
	SampleRate int

	// FrameSize is the number of samples per scored frame. Most models
	// operate on a fixed frame size (512 samples ≈ 32 ms at 16 kHz).
	// Implementations pad or truncate mismatched frames to this length.
	FrameSize int
}

// Probability is a per-frame speech score in [0, 1], tagged with the provider
// that produced it and an optional debug payload.
type Probability struct {
	// Value is the speech probability. Always within [0, 1].
	Value float64

	// Provider names the backend that scored the frame (e.g. "silero",
	// "energy").
	Provider string

	// Debug carries provider-specific diagnostics. May be nil; populated
	// only when the session was created with debugging enabled.
	Debug map[string]any
}

// Session is an active VAD scorer for a single audio stream. Each session
// maintains its own detection state; Reset clears it without closing the
// session.
type Session interface {
	// Score analyses one frame of float32 samples at the configured rate and
	// returns its speech probability. Input shorter than the configured frame
	// size is zero-padded; longer input is truncated keeping the most recent
	// samples. Returns an error on internal engine failure; callers are
	// expected to substitute a neutral probability rather than propagate.
	Score(samples []float32) (Probability, error)

	// Reset clears all accumulated state — recurrent tensors, counters —
	// without closing the session. Use between unrelated conversational
	// turns to avoid state leakage.
	Reset()

	// Close releases session resources. Closing more than once is safe and
	// returns nil.
	Close() error
}

// Engine is the factory for VAD sessions, implemented by each backend.
//
// Implementations must be safe for concurrent use: multiple goroutines may
// call NewSession simultaneously to create independent sessions.
type Engine interface {
	// Name returns the provider identifier used in events and health stats.
	Name() string

	// NewSession creates a session with the given configuration, immediately
	// ready to accept frames. Returns an error if the configuration is
	// invalid or the engine cannot allocate session resources.
	NewSession(cfg Config) (Session, error)
}
