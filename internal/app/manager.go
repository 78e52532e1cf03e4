package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/earshot-ai/earshot/internal/config"
	"github.com/earshot-ai/earshot/internal/health"
	"github.com/earshot-ai/earshot/internal/observe"
	"github.com/earshot-ai/earshot/internal/pipeline"
	"github.com/earshot-ai/earshot/internal/resilience"
	"github.com/earshot-ai/earshot/pkg/provider/denoise"
	"github.com/earshot-ai/earshot/pkg/provider/denoise/spectral"
	"github.com/earshot-ai/earshot/pkg/provider/vad"
)

// ErrUnknownSession is returned when an operation targets a session ID that
// does not exist (or was already destroyed).
var ErrUnknownSession = errors.New("app: unknown session")

// managedSession pairs a pipeline session with its per-session resources and
// the bookkeeping the idle reaper needs.
type managedSession struct {
	session  *pipeline.Session
	spectral denoise.Denoiser
	fanout   *eventFanout

	createdAt  time.Time
	lastActive time.Time
	lastFrames int64
}

// SessionManagerConfig holds the dependencies for a [SessionManager].
type SessionManagerConfig struct {
	Config *config.Config

	// Primary is the shared subprocess denoiser. May be nil; sessions then
	// start their cascade at the spectral gate.
	Primary denoise.Denoiser

	// Neural is the shared neural VAD engine. May be nil; sessions then use
	// the heuristic engine.
	Neural vad.Engine

	// Heuristic is the always-available fallback VAD engine.
	Heuristic vad.Engine

	Monitor *health.Monitor
	Metrics *observe.Metrics

	// Now is the clock used for idle tracking; defaults to [time.Now].
	Now func() time.Time
}

// SessionManager owns the lifecycle of pipeline sessions: it creates them
// with their per-session resources, tracks activity, reaps idle sessions,
// and tears everything down on shutdown. The shared denoiser and VAD engines
// outlive individual sessions; the manager never closes them.
//
// All exported methods are safe for concurrent use.
type SessionManager struct {
	cfg       *config.Config
	primary   denoise.Denoiser
	neural    vad.Engine
	heuristic vad.Engine
	monitor   *health.Monitor
	metrics   *observe.Metrics
	now       func() time.Time

	mu       sync.Mutex
	sessions map[string]*managedSession
}

// NewSessionManager creates a SessionManager with the given dependencies.
func NewSessionManager(cfg SessionManagerConfig) *SessionManager {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &SessionManager{
		cfg:       cfg.Config,
		primary:   cfg.Primary,
		neural:    cfg.Neural,
		heuristic: cfg.Heuristic,
		monitor:   cfg.Monitor,
		metrics:   cfg.Metrics,
		now:       now,
		sessions:  make(map[string]*managedSession),
	}
}

// Create builds a new pipeline session with its own denoise cascade and
// returns its generated ID. The spectral gate carries stream state between
// calls, so each session gets a fresh instance; the primary denoiser is
// shared across all sessions.
func (sm *SessionManager) Create(ctx context.Context) (string, *pipeline.Session, error) {
	cfg := sm.cfg

	var providers []denoise.Denoiser
	var spectralGate denoise.Denoiser
	if sm.primary != nil && cfg.Denoise.Primary.Enabled {
		providers = append(providers, sm.primary)
	}
	if cfg.Denoise.SecondaryEnabled {
		spectralGate = spectral.New()
		providers = append(providers, spectralGate)
	}

	cascade := pipeline.NewCascade(pipeline.CascadeConfig{
		AttemptTimeout: cfg.Denoise.AttemptTimeout.Std(),
		Breaker: resilience.CircuitBreakerConfig{
			MaxFailures: cfg.Denoise.MaxFailures,
		},
		Monitor: sm.monitor,
		Metrics: sm.metrics,
	}, providers...)

	sess, err := pipeline.NewSession(pipeline.SessionConfig{
		SampleRate: cfg.Audio.SampleRate,
		FrameSize:  cfg.Audio.FrameSize,
		Gate: pipeline.GateConfig{
			HighThreshold:      cfg.Gate.HighThreshold,
			LowThreshold:       cfg.Gate.LowThreshold,
			MinSpeechDuration:  cfg.Gate.MinSpeechDuration.Std(),
			MinSilenceDuration: cfg.Gate.MinSilenceDuration.Std(),
			PreBufferWindow:    cfg.Gate.PreBufferWindow.Std(),
		},
		VADPreference:   cfg.VAD.Preference,
		VADFailureLimit: cfg.VAD.FailureLimit,
		EventBuffer:     cfg.Session.EventBuffer,
		Debug:           cfg.VAD.Debug,
	}, pipeline.SessionDeps{
		Cascade:   cascade,
		Neural:    sm.neural,
		Heuristic: sm.heuristic,
		Monitor:   sm.monitor,
		Metrics:   sm.metrics,
	})
	if err != nil {
		return "", nil, fmt.Errorf("app: create session: %w", err)
	}

	id := uuid.NewString()
	now := sm.now()

	fanout := newEventFanout(cfg.Session.EventBuffer, sm.metrics)
	go fanout.run(sess.Events())

	sm.mu.Lock()
	sm.sessions[id] = &managedSession{
		session:    sess,
		spectral:   spectralGate,
		fanout:     fanout,
		createdAt:  now,
		lastActive: now,
	}
	count := len(sm.sessions)
	sm.mu.Unlock()

	slog.Info("session created",
		"session_id", id,
		"vad_provider", sess.VADProvider(),
		"denoisers", cascade.Names(),
		"active_sessions", count,
	)
	return id, sess, nil
}

// Get returns the pipeline session with the given ID.
func (sm *SessionManager) Get(id string) (*pipeline.Session, bool) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	ms, ok := sm.sessions[id]
	if !ok {
		return nil, false
	}
	return ms.session, true
}

// Subscribe attaches a new event subscriber to a session. The returned
// channel closes when cancel is called or the session is destroyed. Events
// are dropped per subscriber when its buffer is full.
func (sm *SessionManager) Subscribe(id string) (<-chan pipeline.Event, func(), error) {
	sm.mu.Lock()
	ms, ok := sm.sessions[id]
	sm.mu.Unlock()
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrUnknownSession, id)
	}
	ch, cancel := ms.fanout.subscribe()
	return ch, cancel, nil
}

// Destroy closes a session and releases its per-session resources. Returns
// [ErrUnknownSession] when the ID does not exist, which makes a double
// destroy harmless.
func (sm *SessionManager) Destroy(id string) error {
	sm.mu.Lock()
	ms, ok := sm.sessions[id]
	if ok {
		delete(sm.sessions, id)
	}
	sm.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSession, id)
	}
	sm.close(id, ms)
	return nil
}

// DestroyAll tears down every live session. Used during shutdown.
func (sm *SessionManager) DestroyAll() {
	sm.mu.Lock()
	sessions := sm.sessions
	sm.sessions = make(map[string]*managedSession)
	sm.mu.Unlock()

	for id, ms := range sessions {
		sm.close(id, ms)
	}
}

// Len returns the number of live sessions.
func (sm *SessionManager) Len() int {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return len(sm.sessions)
}

// IDs returns the IDs of all live sessions.
func (sm *SessionManager) IDs() []string {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	ids := make([]string, 0, len(sm.sessions))
	for id := range sm.sessions {
		ids = append(ids, id)
	}
	return ids
}

// Run drives the idle reaper until ctx is cancelled.
func (sm *SessionManager) Run(ctx context.Context) error {
	interval := sm.cfg.Session.IdleTimeout.Std() / 4
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			sm.reapIdle(sm.now())
		}
	}
}

// reapIdle destroys sessions whose frame counter has not advanced within the
// idle timeout. Returns the number of sessions reaped.
func (sm *SessionManager) reapIdle(now time.Time) int {
	timeout := sm.cfg.Session.IdleTimeout.Std()

	sm.mu.Lock()
	var expired []string
	var victims []*managedSession
	for id, ms := range sm.sessions {
		if frames := ms.session.Stats().FramesProcessed; frames != ms.lastFrames {
			ms.lastFrames = frames
			ms.lastActive = now
			continue
		}
		if now.Sub(ms.lastActive) >= timeout {
			expired = append(expired, id)
			victims = append(victims, ms)
		}
	}
	for _, id := range expired {
		delete(sm.sessions, id)
	}
	sm.mu.Unlock()

	for i, id := range expired {
		slog.Info("reaping idle session", "session_id", id, "idle", now.Sub(victims[i].lastActive))
		sm.close(id, victims[i])
	}
	return len(expired)
}

// close shuts down one managed session and its spectral gate.
func (sm *SessionManager) close(id string, ms *managedSession) {
	if err := ms.session.Close(); err != nil && !errors.Is(err, pipeline.ErrSessionClosed) {
		slog.Warn("session close error", "session_id", id, "err", err)
	}
	if ms.spectral != nil {
		if err := ms.spectral.Close(); err != nil {
			slog.Warn("spectral gate close error", "session_id", id, "err", err)
		}
	}
	slog.Info("session destroyed", "session_id", id)
}
