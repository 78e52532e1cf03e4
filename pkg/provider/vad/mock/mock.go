// Package mock provides a scripted VAD engine for tests.
package mock

import (
	"errors"
	"sync"

	"github.com/earshot-ai/earshot/pkg/provider/vad"
)

// ErrScripted is returned by scripted failures.
var ErrScripted = errors.New("mock vad: scripted failure")

// Engine is a [vad.Engine] whose sessions replay a scripted probability
// sequence. A negative scripted value makes that call return [ErrScripted].
// When the script is exhausted the last value repeats. Safe for concurrent
// session creation; each session replays the script independently.
type Engine struct {
	// ProviderName defaults to "mock".
	ProviderName string

	// Script is the probability sequence to replay.
	Script []float64

	// NewSessionErr, when set, makes NewSession fail.
	NewSessionErr error
}

// Name implements [vad.Engine].
func (e *Engine) Name() string {
	if e.ProviderName == "" {
		return "mock"
	}
	return e.ProviderName
}

// NewSession implements [vad.Engine].
func (e *Engine) NewSession(vad.Config) (vad.Session, error) {
	if e.NewSessionErr != nil {
		return nil, e.NewSessionErr
	}
	return &Session{name: e.Name(), script: e.Script}, nil
}

// Session replays the engine's script. It records call counts for
// assertions.
type Session struct {
	mu     sync.Mutex
	name   string
	script []float64
	pos    int

	// Calls counts Score invocations.
	Calls int

	// Resets counts Reset invocations.
	Resets int

	// Closed reports whether Close was called.
	Closed bool
}

// Score implements [vad.Session].
func (s *Session) Score([]float32) (vad.Probability, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Calls++

	if len(s.script) == 0 {
		return vad.Probability{Provider: s.name}, nil
	}
	idx := s.pos
	if idx >= len(s.script) {
		idx = len(s.script) - 1
	} else {
		s.pos++
	}
	v := s.script[idx]
	if v < 0 {
		return vad.Probability{Provider: s.name}, ErrScripted
	}
	return vad.Probability{Value: v, Provider: s.name}, nil
}

// Reset implements [vad.Session]; it rewinds the script.
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Resets++
	s.pos = 0
}

// Close implements [vad.Session].
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Closed = true
	return nil
}
