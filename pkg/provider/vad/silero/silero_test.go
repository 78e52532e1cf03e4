package silero

import "testing"

// Inference tests require the ONNX model and a native onnxruntime library,
// neither of which ships with the repo. The frame-fitting logic is the part
// with sharp edges, so it is covered directly.

func TestFitFrame_Exact(t *testing.T) {
	dst := make([]float32, 4)
	fitFrame(dst, []float32{1, 2, 3, 4})
	want := []float32{1, 2, 3, 4}
	for i := range want {
		if dst[i] != want[i] {
			t.Fatalf("dst = %v, want %v", dst, want)
		}
	}
}

func TestFitFrame_PadsShortInput(t *testing.T) {
	dst := []float32{9, 9, 9, 9}
	fitFrame(dst, []float32{1, 2})
	want := []float32{1, 2, 0, 0}
	for i := range want {
		if dst[i] != want[i] {
			t.Fatalf("dst = %v, want %v", dst, want)
		}
	}
}

func TestFitFrame_TruncatesKeepingRecent(t *testing.T) {
	dst := make([]float32, 3)
	fitFrame(dst, []float32{1, 2, 3, 4, 5})
	want := []float32{3, 4, 5}
	for i := range want {
		if dst[i] != want[i] {
			t.Fatalf("dst = %v, want %v", dst, want)
		}
	}
}

func TestNew_RequiresModelPath(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatal("expected error for empty model path")
	}
}

func TestSessionClose_PartiallyInitialised(t *testing.T) {
	// NewSession closes the session when a tensor allocation fails partway
	// through, leaving later fields nil. Close must skip them, not panic.
	s := &session{frameSize: 512}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}
