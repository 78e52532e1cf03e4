package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/earshot-ai/earshot/internal/health"
	"github.com/earshot-ai/earshot/internal/observe"
	"github.com/earshot-ai/earshot/pkg/audio"
	"github.com/earshot-ai/earshot/pkg/provider/vad"
)

// ErrSessionClosed is returned by operations on a closed session.
var ErrSessionClosed = errors.New("pipeline: session is closed")

// ErrNoVAD is returned by NewSession when no VAD provider can be
// constructed. This is the sole fatal initialisation condition.
var ErrNoVAD = errors.New("pipeline: no VAD provider available")

// VAD preference values accepted in [SessionConfig].
const (
	VADAuto      = "auto"
	VADNeural    = "neural"
	VADHeuristic = "heuristic"
)

// SessionConfig holds per-session settings, read-only after session start.
type SessionConfig struct {
	// SampleRate of the ingested PCM16 audio. Default: 16000.
	SampleRate int

	// FrameSize is the VAD frame in samples. Default: 512.
	FrameSize int

	// Gate configures the hysteresis speech state machine.
	Gate GateConfig

	// VADPreference selects the scoring provider: [VADAuto] (neural when
	// available), [VADNeural], or [VADHeuristic]. Default: auto.
	VADPreference string

	// VADFailureLimit is the number of consecutive neural scoring failures
	// before the session permanently downgrades to the heuristic provider.
	// Default: 3.
	VADFailureLimit int

	// EventBuffer is the capacity of the event channel. When the consumer
	// falls behind, new events are dropped with a warning rather than
	// blocking the audio path. Default: 64.
	EventBuffer int

	// Debug attaches per-frame diagnostics to events.
	Debug bool
}

func (c *SessionConfig) applyDefaults() {
	if c.SampleRate == 0 {
		c.SampleRate = 16000
	}
	if c.FrameSize == 0 {
		c.FrameSize = 512
	}
	if c.VADPreference == "" {
		c.VADPreference = VADAuto
	}
	if c.VADFailureLimit == 0 {
		c.VADFailureLimit = 3
	}
	if c.EventBuffer == 0 {
		c.EventBuffer = 64
	}
	if c.Gate.SampleRate == 0 {
		c.Gate.SampleRate = c.SampleRate
	}
}

// SessionDeps are the collaborators a session is built from. Cascade is
// required; Neural is optional (its absence forces the heuristic provider);
// Heuristic is the always-available fallback. Monitor and Metrics are
// optional.
type SessionDeps struct {
	Cascade   *Cascade
	Neural    vad.Engine
	Heuristic vad.Engine
	Monitor   *health.Monitor
	Metrics   *observe.Metrics
}

// Session is the per-stream pipeline core: it re-chunks incoming PCM16 audio
// to the VAD frame size, runs each frame through the denoise cascade and the
// VAD, and feeds the speech gate. Frames are processed strictly in arrival
// order; all methods serialise on an internal mutex.
type Session struct {
	cfg  SessionConfig
	deps SessionDeps

	mu        sync.Mutex
	vadSess   vad.Session
	vadName   string
	vadFails  int
	downgrade bool // permanent in-session downgrade happened

	pending   []float32 // denoised samples awaiting a full VAD frame
	processed int64     // denoised samples consumed, drives the stream clock
	frames    int64

	gate   *Gate
	events chan Event
	closed bool
}

// Stats is a point-in-time session snapshot.
type Stats struct {
	State           ConversationState
	FramesProcessed int64
	VADProvider     string
	Downgraded      bool
	DenoiseOrder    []string
	Overall         health.Status
	Stages          []health.StageReport
}

// NewSession builds a session. The VAD provider is chosen from the
// preference: neural when preferred or on auto, falling back to the heuristic
// engine if neural construction fails. [ErrNoVAD] is returned only when no
// provider at all can be constructed.
func NewSession(cfg SessionConfig, deps SessionDeps) (*Session, error) {
	cfg.applyDefaults()
	if deps.Cascade == nil {
		deps.Cascade = NewCascade(CascadeConfig{Monitor: deps.Monitor, Metrics: deps.Metrics})
	}

	gate, err := NewGate(cfg.Gate)
	if err != nil {
		return nil, err
	}

	s := &Session{
		cfg:    cfg,
		deps:   deps,
		gate:   gate,
		events: make(chan Event, cfg.EventBuffer),
	}

	vadCfg := vad.Config{SampleRate: cfg.SampleRate, FrameSize: cfg.FrameSize}
	switch cfg.VADPreference {
	case VADHeuristic:
		err = s.useEngine(deps.Heuristic, vadCfg)
	case VADNeural, VADAuto:
		err = s.useEngine(deps.Neural, vadCfg)
		if err != nil {
			if deps.Neural != nil {
				slog.Warn("neural VAD unavailable, using heuristic for this session",
					"err", err)
			}
			s.downgrade = deps.Neural != nil
			err = s.useEngine(deps.Heuristic, vadCfg)
		}
	default:
		return nil, fmt.Errorf("pipeline: unknown VAD preference %q", cfg.VADPreference)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoVAD, err)
	}

	deps.Metrics.AddActiveSessions(context.Background(), 1)
	return s, nil
}

// useEngine opens a scoring session on engine and installs it.
func (s *Session) useEngine(engine vad.Engine, cfg vad.Config) error {
	if engine == nil {
		return errors.New("engine not configured")
	}
	sess, err := engine.NewSession(cfg)
	if err != nil {
		return fmt.Errorf("init %s: %w", engine.Name(), err)
	}
	if s.vadSess != nil {
		_ = s.vadSess.Close()
	}
	s.vadSess = sess
	s.vadName = engine.Name()
	s.vadFails = 0
	return nil
}

// Events returns the session's event stream. The channel is closed by
// [Session.Close]. Consumers must keep up: when the buffer is full new
// events are dropped, not queued.
func (s *Session) Events() <-chan Event { return s.events }

// Process ingests one chunk of PCM16LE audio. Chunk boundaries need not
// align with the VAD frame size; samples are re-chunked internally. The call
// returns after every whole frame in the chunk has moved through
// denoise → VAD → gate, so frame order is the arrival order.
func (s *Session) Process(ctx context.Context, pcm []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	if len(pcm) == 0 {
		return nil
	}

	samples := audio.PCM16ToFloat32(pcm)

	// Unusable audio (silence, DC-dead input) skips the denoisers but still
	// reaches the VAD and the gate: silence frames drive the hysteresis
	// silence timer.
	denoised := samples
	if audio.Validate(samples) == nil {
		denoised, _ = s.deps.Cascade.Enhance(ctx, samples, s.cfg.SampleRate)
	}

	s.pending = append(s.pending, denoised...)
	for len(s.pending) >= s.cfg.FrameSize {
		frame := make([]float32, s.cfg.FrameSize)
		copy(frame, s.pending[:s.cfg.FrameSize])
		s.pending = s.pending[s.cfg.FrameSize:]
		s.processFrame(ctx, frame)
	}
	return nil
}

// processFrame scores one frame and feeds the gate. Must be called with
// s.mu held.
func (s *Session) processFrame(ctx context.Context, frame []float32) {
	s.processed += int64(len(frame))
	s.frames++
	at := time.Duration(s.processed) * time.Second / time.Duration(s.cfg.SampleRate)

	prob := s.score(ctx, frame)

	var debug map[string]any
	if s.cfg.Debug {
		debug = map[string]any{"vad": prob.Debug}
	}
	for _, ev := range s.gate.Feed(frame, at, prob.Value, prob.Provider, debug) {
		s.deps.Metrics.RecordEvent(ctx, string(ev.Type))
		s.emit(ctx, ev)
	}
}

// score runs the VAD on one frame. Scoring errors yield probability 0 and
// never propagate; consecutive neural failures past the limit downgrade the
// session to the heuristic provider for good.
func (s *Session) score(ctx context.Context, frame []float32) vad.Probability {
	start := time.Now()
	prob, err := s.vadSess.Score(frame)
	elapsed := time.Since(start)

	stage := "vad." + s.vadName
	if s.deps.Monitor != nil {
		s.deps.Monitor.Record(stage, err, elapsed)
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	s.deps.Metrics.RecordStage(ctx, stage, status, elapsed.Seconds())
	s.deps.Metrics.RecordFrame(ctx, s.vadName)

	if err == nil {
		s.vadFails = 0
		return prob
	}

	s.vadFails++
	slog.Warn("VAD scoring failed, substituting probability 0",
		"provider", s.vadName, "consecutive", s.vadFails, "err", err)
	s.deps.Metrics.RecordProviderError(ctx, s.vadName, "vad")

	if s.vadFails >= s.cfg.VADFailureLimit && !s.downgrade &&
		s.deps.Heuristic != nil && s.vadName != s.deps.Heuristic.Name() {
		vadCfg := vad.Config{SampleRate: s.cfg.SampleRate, FrameSize: s.cfg.FrameSize}
		if derr := s.useEngine(s.deps.Heuristic, vadCfg); derr == nil {
			s.downgrade = true
			slog.Warn("neural VAD downgraded to heuristic for this session",
				"consecutive_failures", s.cfg.VADFailureLimit)
		}
	}

	return vad.Probability{Value: 0, Provider: prob.Provider}
}

// emit delivers ev without blocking the audio path. Must be called with
// s.mu held.
func (s *Session) emit(ctx context.Context, ev Event) {
	select {
	case s.events <- ev:
	default:
		s.deps.Metrics.RecordDroppedEvent(ctx)
		slog.Warn("event dropped, subscriber too slow",
			"type", ev.Type, "timestamp", ev.Timestamp)
	}
}

// State returns the current conversation state.
func (s *Session) State() ConversationState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gate.State()
}

// SetState forces the conversation state, bypassing probability logic, and
// emits a state_change event.
func (s *Session) SetState(state ConversationState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	at := time.Duration(s.processed) * time.Second / time.Duration(s.cfg.SampleRate)
	ev := s.gate.SetState(state, at)
	s.deps.Metrics.RecordEvent(context.Background(), string(ev.Type))
	s.emit(context.Background(), ev)
	return nil
}

// Reset clears the gate, the pre-buffer, the re-chunking remainder, the VAD
// recurrent state, and every denoiser's adaptive state, re-admits denoise
// stages whose breakers tripped, and returns to Idle with a fresh stream
// clock. Subsequent input behaves exactly as on a brand
// new session (minus any permanent in-session VAD downgrade).
func (s *Session) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	s.gate.Reset()
	s.vadSess.Reset()
	s.deps.Cascade.Reset()
	s.pending = s.pending[:0]
	s.processed = 0
	s.frames = 0
	s.vadFails = 0

	ev := Event{Type: EventStateChange, Timestamp: 0, State: StateIdle}
	s.deps.Metrics.RecordEvent(context.Background(), string(ev.Type))
	s.emit(context.Background(), ev)
	return nil
}

// SwitchVAD switches the scoring provider at runtime. The switch is honoured
// only if the target can be initialised; on failure the current provider
// stays active and the error is returned. Switching to neural lazily
// initialises it.
func (s *Session) SwitchVAD(preference string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}

	var engine vad.Engine
	switch preference {
	case VADNeural:
		engine = s.deps.Neural
	case VADHeuristic:
		engine = s.deps.Heuristic
	default:
		return fmt.Errorf("pipeline: unknown VAD preference %q", preference)
	}
	if engine == nil {
		return fmt.Errorf("pipeline: VAD provider %q not configured", preference)
	}
	if engine.Name() == s.vadName {
		return nil
	}

	vadCfg := vad.Config{SampleRate: s.cfg.SampleRate, FrameSize: s.cfg.FrameSize}
	if err := s.useEngine(engine, vadCfg); err != nil {
		return err
	}
	// An explicit switch overrides an earlier automatic downgrade.
	s.downgrade = false
	slog.Info("VAD provider switched", "provider", s.vadName)
	return nil
}

// SwitchDenoiser makes the named denoiser the preferred first stage of the
// cascade.
func (s *Session) SwitchDenoiser(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	return s.deps.Cascade.Switch(name)
}

// VADProvider returns the name of the active VAD provider.
func (s *Session) VADProvider() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.vadName
}

// Stats returns a snapshot of the session and the health monitor.
func (s *Session) Stats() Stats {
	s.mu.Lock()
	st := Stats{
		State:           s.gate.State(),
		FramesProcessed: s.frames,
		VADProvider:     s.vadName,
		Downgraded:      s.downgrade,
		DenoiseOrder:    s.deps.Cascade.Names(),
	}
	s.mu.Unlock()

	if s.deps.Monitor != nil {
		st.Overall = s.deps.Monitor.Overall()
		st.Stages = s.deps.Monitor.Snapshot()
	}
	return st
}

// Close releases the VAD scoring session and closes the event channel.
// Idempotent. Denoiser lifecycle belongs to whoever constructed the
// denoisers; a shared subprocess client is not touched.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.vadSess != nil {
		_ = s.vadSess.Close()
	}
	close(s.events)
	s.deps.Metrics.AddActiveSessions(context.Background(), -1)
	return nil
}
