package pipeline

import (
	"testing"
	"time"
)

// feedSequence pushes probs through the gate one 512-sample frame at a time
// and collects all emitted events. Frame k ends at (k+1)·32 ms.
func feedSequence(t *testing.T, g *Gate, probs []float64) []Event {
	t.Helper()
	frame := make([]float32, 512)
	var events []Event
	for i, p := range probs {
		at := time.Duration(i+1) * 32 * time.Millisecond
		events = append(events, g.Feed(frame, at, p, "test", nil)...)
	}
	return events
}

// repeat returns n copies of p.
func repeat(p float64, n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = p
	}
	return out
}

func defaultTestGate(t *testing.T) *Gate {
	t.Helper()
	g, err := NewGate(GateConfig{})
	if err != nil {
		t.Fatalf("NewGate: %v", err)
	}
	return g
}

func countEvents(events []Event, typ EventType) int {
	n := 0
	for _, ev := range events {
		if ev.Type == typ {
			n++
		}
	}
	return n
}

func TestNewGate_RejectsInvertedThresholds(t *testing.T) {
	if _, err := NewGate(GateConfig{HighThreshold: 0.3, LowThreshold: 0.4}); err == nil {
		t.Fatal("expected error for low >= high")
	}
}

func TestGate_NoStartBelowLowThreshold(t *testing.T) {
	g := defaultTestGate(t)
	events := feedSequence(t, g, repeat(0.3, 200))
	if n := countEvents(events, EventSpeechStart); n != 0 {
		t.Fatalf("%d speech_start events for sub-threshold input, want 0", n)
	}
	if g.State() != StateIdle {
		t.Errorf("state = %v, want idle", g.State())
	}
}

func TestGate_DeadZoneDoesNotOpen(t *testing.T) {
	// Probabilities inside the hysteresis band (Tlo..Thi) must not open the
	// gate either.
	g := defaultTestGate(t)
	events := feedSequence(t, g, repeat(0.45, 100))
	if len(events) != 0 {
		t.Fatalf("got %d events for dead-zone input, want 0", len(events))
	}
}

func TestGate_ExactlyOneStartThenOneEnd(t *testing.T) {
	g := defaultTestGate(t)

	// 32 speech frames (1024 ms ≥ minSpeech) then 25 silence frames
	// (800 ms ≥ minSilence).
	probs := append(repeat(0.9, 32), repeat(0.1, 25)...)
	events := feedSequence(t, g, probs)

	if n := countEvents(events, EventSpeechStart); n != 1 {
		t.Fatalf("speech_start count = %d, want 1", n)
	}
	if n := countEvents(events, EventSpeechEnd); n != 1 {
		t.Fatalf("speech_end count = %d, want 1", n)
	}
	if events[0].Type != EventSpeechStart {
		t.Errorf("first event = %v, want speech_start", events[0].Type)
	}
	if last := events[len(events)-1]; last.Type != EventSpeechEnd {
		t.Errorf("last event = %v, want speech_end", last.Type)
	}
	if g.State() != StateProcessing {
		t.Errorf("state = %v, want processing after speech_end", g.State())
	}
}

func TestGate_SpeechEndCarriesSegmentPCM(t *testing.T) {
	g := defaultTestGate(t)
	probs := append(repeat(0.9, 40), repeat(0.1, 30)...)
	events := feedSequence(t, g, probs)

	var end *Event
	for i := range events {
		if events[i].Type == EventSpeechEnd {
			end = &events[i]
		}
	}
	if end == nil {
		t.Fatal("no speech_end emitted")
	}
	if len(end.PCM) == 0 {
		t.Fatal("speech_end carries no PCM payload")
	}
	if len(end.PCM)%2 != 0 {
		t.Errorf("PCM length %d is not 16-bit aligned", len(end.PCM))
	}
	// Seeded from the pre-buffer plus 39 appended frames.
	samples := len(end.PCM) / 2
	if samples < 39*512 {
		t.Errorf("segment = %d samples, want at least the appended frames (%d)", samples, 39*512)
	}
	if g.SegmentLen() != 0 {
		t.Errorf("segment not cleared after speech_end: %d samples", g.SegmentLen())
	}
}

func TestGate_ShortDipDoesNotClose(t *testing.T) {
	g := defaultTestGate(t)

	// Speech, a 320 ms dip (less than minSilence=800ms), speech again, then
	// real silence.
	probs := append(repeat(0.9, 40), repeat(0.1, 10)...)
	probs = append(probs, repeat(0.9, 10)...)
	probs = append(probs, repeat(0.1, 30)...)
	events := feedSequence(t, g, probs)

	if n := countEvents(events, EventSpeechStart); n != 1 {
		t.Fatalf("speech_start count = %d, want 1 (dip must not re-open)", n)
	}
	if n := countEvents(events, EventSpeechEnd); n != 1 {
		t.Fatalf("speech_end count = %d, want 1 (dip must not close)", n)
	}
}

func TestGate_ShortUtteranceClosesOnlyAfterMinSpeech(t *testing.T) {
	g := defaultTestGate(t)

	// 10 speech frames = 320 ms, then silence. Speech duration is measured
	// from the gate opening, so the close is deferred until both minimums
	// have elapsed: silence ≥ 800 ms AND total ≥ 1 s, i.e. at 1120 ms.
	probs := append(repeat(0.9, 10), repeat(0.1, 60)...)
	events := feedSequence(t, g, probs)

	if n := countEvents(events, EventSpeechEnd); n != 1 {
		t.Fatalf("speech_end count = %d, want 1", n)
	}
	for _, ev := range events {
		if ev.Type == EventSpeechEnd && ev.Timestamp != 1120*time.Millisecond {
			t.Errorf("speech_end at %v, want 1.12s", ev.Timestamp)
		}
	}
}

func TestGate_EmptyFrameSkipped(t *testing.T) {
	g := defaultTestGate(t)
	if events := g.Feed(nil, time.Millisecond, 0.9, "test", nil); events != nil {
		t.Fatalf("got %d events for empty frame, want none", len(events))
	}
	if g.State() != StateIdle {
		t.Errorf("state = %v, want idle", g.State())
	}
}

func TestGate_SetStateOverride(t *testing.T) {
	g := defaultTestGate(t)
	feedSequence(t, g, repeat(0.9, 5))
	if g.State() != StateListening {
		t.Fatal("expected listening")
	}

	ev := g.SetState(StateSpeaking, 500*time.Millisecond)
	if ev.Type != EventStateChange || ev.State != StateSpeaking {
		t.Fatalf("event = %+v, want state_change to speaking", ev)
	}
	if g.State() != StateSpeaking {
		t.Errorf("state = %v, want speaking", g.State())
	}
	if g.SegmentLen() != 0 {
		t.Errorf("segment = %d samples after override, want discarded", g.SegmentLen())
	}
}

func TestGate_ResetMatchesFreshGate(t *testing.T) {
	burst := append(repeat(0.9, 32), repeat(0.1, 25)...)

	// Feed a partial utterance, reset mid-stream, then replay the full
	// burst. The events must match a fresh gate fed the same burst.
	g := defaultTestGate(t)
	feedSequence(t, g, repeat(0.9, 15))
	g.Reset()
	if g.State() != StateIdle || g.SegmentLen() != 0 || g.PreBufferLen() != 0 {
		t.Fatal("Reset did not clear gate state")
	}
	got := feedSequence(t, g, burst)

	fresh := defaultTestGate(t)
	want := feedSequence(t, fresh, burst)

	if len(got) != len(want) {
		t.Fatalf("event count = %d after reset, want %d (fresh gate)", len(got), len(want))
	}
	for i := range want {
		if got[i].Type != want[i].Type || got[i].Timestamp != want[i].Timestamp {
			t.Errorf("event[%d] = %v@%v, want %v@%v",
				i, got[i].Type, got[i].Timestamp, want[i].Type, want[i].Timestamp)
		}
	}
}

func TestGate_ReopensAfterProcessing(t *testing.T) {
	g := defaultTestGate(t)
	probs := append(repeat(0.9, 32), repeat(0.1, 25)...)
	probs = append(probs, repeat(0.9, 32)...)
	probs = append(probs, repeat(0.1, 25)...)
	events := feedSequence(t, g, probs)

	if n := countEvents(events, EventSpeechStart); n != 2 {
		t.Fatalf("speech_start count = %d, want 2", n)
	}
	if n := countEvents(events, EventSpeechEnd); n != 2 {
		t.Fatalf("speech_end count = %d, want 2", n)
	}
}
