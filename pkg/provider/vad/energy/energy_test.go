package energy

import (
	"math"
	"testing"

	"github.com/earshot-ai/earshot/pkg/provider/vad"
)

func newSession(t *testing.T) vad.Session {
	t.Helper()
	s, err := (&Engine{}).NewSession(vad.Config{SampleRate: 16000, FrameSize: 512})
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	return s
}

func tone(n int, amplitude float64) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = float32(amplitude * math.Sin(2*math.Pi*440*float64(i)/16000))
	}
	return out
}

func TestScore_SilenceIsLow(t *testing.T) {
	s := newSession(t)
	p, err := s.Score(make([]float32, 512))
	if err != nil {
		t.Fatalf("Score: %v", err)
	}
	if p.Value > 0.05 {
		t.Errorf("silence probability = %v, want near 0", p.Value)
	}
	if p.Provider != ProviderName {
		t.Errorf("provider = %q, want %q", p.Provider, ProviderName)
	}
}

func TestScore_LoudToneIsHigh(t *testing.T) {
	s := newSession(t)
	p, err := s.Score(tone(512, 0.5))
	if err != nil {
		t.Fatalf("Score: %v", err)
	}
	if p.Value < 0.9 {
		t.Errorf("loud tone probability = %v, want ≥0.9", p.Value)
	}
}

func TestScore_AlwaysInRange(t *testing.T) {
	s := newSession(t)
	for _, amplitude := range []float64{0, 0.001, 0.01, 0.1, 0.5, 1.0} {
		p, err := s.Score(tone(512, amplitude))
		if err != nil {
			t.Fatalf("Score(amp=%v): %v", amplitude, err)
		}
		if p.Value < 0 || p.Value > 1 {
			t.Errorf("amp=%v: probability %v outside [0,1]", amplitude, p.Value)
		}
	}
}

func TestScore_EmptyFrame(t *testing.T) {
	s := newSession(t)
	p, err := s.Score(nil)
	if err != nil {
		t.Fatalf("Score(nil): %v", err)
	}
	if p.Value != 0 {
		t.Errorf("empty frame probability = %v, want 0", p.Value)
	}
}

func TestScore_Monotonic(t *testing.T) {
	s := newSession(t)
	quiet, _ := s.Score(tone(512, 0.02))
	loud, _ := s.Score(tone(512, 0.4))
	if quiet.Value >= loud.Value {
		t.Errorf("quiet (%v) should score below loud (%v)", quiet.Value, loud.Value)
	}
}

func TestScore_DebugPayload(t *testing.T) {
	eng := &Engine{Debug: true}
	s, err := eng.NewSession(vad.Config{SampleRate: 16000})
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	p, _ := s.Score(tone(512, 0.3))
	for _, key := range []string{"rms", "peak", "activity_ratio"} {
		if _, ok := p.Debug[key]; !ok {
			t.Errorf("debug payload missing %q", key)
		}
	}
}

func TestNewSession_InvalidRate(t *testing.T) {
	if _, err := (&Engine{}).NewSession(vad.Config{}); err == nil {
		t.Fatal("expected error for zero sample rate")
	}
}
