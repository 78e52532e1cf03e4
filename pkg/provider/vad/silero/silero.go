// Package silero implements a neural VAD backed by the Silero VAD ONNX model,
// driven through onnxruntime. The model is recurrent: each inference consumes
// and produces a pair of state tensors (hidden and cell) that must be carried
// across calls. Every session owns its own state pair, so sessions must never
// be shared between streams; the scored probabilities of one stream would
// corrupt the memory of another.
//
// The ONNX runtime environment is process-global and initialised lazily on
// first engine construction. Sessions are not safe for concurrent use; the
// pipeline scores frames strictly in arrival order on one goroutine, which is
// also required for the recurrent state to be meaningful.
package silero

import (
	"fmt"
	"sync"
	"time"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/earshot-ai/earshot/pkg/provider/vad"
)

// ProviderName identifies this backend in events and health stats.
const ProviderName = "silero"

// Model geometry. The Silero VAD graph takes a [1, frame] audio tensor, a
// scalar sample-rate tensor, and [layers, 1, stateSize] hidden/cell tensors,
// and returns the speech probability plus the next state pair.
const (
	stateLayers = 2
	stateSize   = 64
)

// Tensor names in the Silero VAD graph.
var (
	inputNames  = []string{"input", "sr", "h", "c"}
	outputNames = []string{"output", "hn", "cn"}
)

// Config configures the Silero engine.
type Config struct {
	// ModelPath is the path to the silero_vad.onnx model file.
	ModelPath string

	// SharedLibraryPath optionally points at the onnxruntime shared library.
	// When empty, the onnxruntime default lookup applies.
	SharedLibraryPath string

	// Debug attaches inference timing to every Probability.
	Debug bool
}

var (
	ortInitOnce sync.Once
	ortInitErr  error
)

// initRuntime initialises the process-global onnxruntime environment once.
func initRuntime(sharedLibraryPath string) error {
	ortInitOnce.Do(func() {
		if sharedLibraryPath != "" {
			ort.SetSharedLibraryPath(sharedLibraryPath)
		}
		ortInitErr = ort.InitializeEnvironment()
	})
	return ortInitErr
}

// Engine creates Silero VAD sessions. Safe for concurrent use.
type Engine struct {
	cfg Config
}

// New creates a Silero engine and initialises the onnxruntime environment.
// Returns an error if the runtime cannot be loaded; callers are expected to
// fall back to the heuristic backend in that case.
func New(cfg Config) (*Engine, error) {
	if cfg.ModelPath == "" {
		return nil, fmt.Errorf("silero: model path is required")
	}
	if err := initRuntime(cfg.SharedLibraryPath); err != nil {
		return nil, fmt.Errorf("silero: initialise onnxruntime: %w", err)
	}
	return &Engine{cfg: cfg}, nil
}

// Name implements [vad.Engine].
func (e *Engine) Name() string { return ProviderName }

// NewSession implements [vad.Engine]. It allocates the per-session tensor set
// and loads the model into an inference session bound to those tensors.
func (e *Engine) NewSession(cfg vad.Config) (vad.Session, error) {
	if cfg.SampleRate != 8000 && cfg.SampleRate != 16000 {
		return nil, fmt.Errorf("silero: unsupported sample rate %d (want 8000 or 16000)", cfg.SampleRate)
	}
	frameSize := cfg.FrameSize
	if frameSize <= 0 {
		frameSize = 512
	}

	s := &session{frameSize: frameSize, debug: e.cfg.Debug}
	var err error
	defer func() {
		if err != nil {
			_ = s.Close()
		}
	}()

	if s.input, err = ort.NewTensor(ort.NewShape(1, int64(frameSize)), make([]float32, frameSize)); err != nil {
		return nil, fmt.Errorf("silero: create input tensor: %w", err)
	}
	if s.sampleRate, err = ort.NewTensor(ort.NewShape(1), []int64{int64(cfg.SampleRate)}); err != nil {
		return nil, fmt.Errorf("silero: create sample-rate tensor: %w", err)
	}
	stateShape := ort.NewShape(stateLayers, 1, stateSize)
	if s.hidden, err = ort.NewTensor(stateShape, make([]float32, stateLayers*stateSize)); err != nil {
		return nil, fmt.Errorf("silero: create hidden state tensor: %w", err)
	}
	if s.cell, err = ort.NewTensor(stateShape, make([]float32, stateLayers*stateSize)); err != nil {
		return nil, fmt.Errorf("silero: create cell state tensor: %w", err)
	}
	if s.output, err = ort.NewEmptyTensor[float32](ort.NewShape(1, 1)); err != nil {
		return nil, fmt.Errorf("silero: create output tensor: %w", err)
	}
	if s.hiddenOut, err = ort.NewEmptyTensor[float32](stateShape); err != nil {
		return nil, fmt.Errorf("silero: create hidden output tensor: %w", err)
	}
	if s.cellOut, err = ort.NewEmptyTensor[float32](stateShape); err != nil {
		return nil, fmt.Errorf("silero: create cell output tensor: %w", err)
	}

	s.inference, err = ort.NewAdvancedSession(e.cfg.ModelPath,
		inputNames, outputNames,
		[]ort.Value{s.input, s.sampleRate, s.hidden, s.cell},
		[]ort.Value{s.output, s.hiddenOut, s.cellOut},
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("silero: load model %s: %w", e.cfg.ModelPath, err)
	}
	return s, nil
}

// session is a single-stream Silero scorer. Not safe for concurrent use.
type session struct {
	frameSize int
	debug     bool

	inference *ort.AdvancedSession

	input      *ort.Tensor[float32]
	sampleRate *ort.Tensor[int64]
	hidden     *ort.Tensor[float32]
	cell       *ort.Tensor[float32]
	output     *ort.Tensor[float32]
	hiddenOut  *ort.Tensor[float32]
	cellOut    *ort.Tensor[float32]

	closed bool
}

// Score implements [vad.Session]. The recurrent state pair is updated from
// the inference outputs on every successful call; a failed inference leaves
// the previous state intact.
func (s *session) Score(samples []float32) (vad.Probability, error) {
	if s.closed {
		return vad.Probability{Provider: ProviderName}, fmt.Errorf("silero: session is closed")
	}

	fitFrame(s.input.GetData(), samples)

	start := time.Now()
	if err := s.inference.Run(); err != nil {
		return vad.Probability{Provider: ProviderName}, fmt.Errorf("silero: inference: %w", err)
	}

	copy(s.hidden.GetData(), s.hiddenOut.GetData())
	copy(s.cell.GetData(), s.cellOut.GetData())

	p := float64(s.output.GetData()[0])
	p = min(max(p, 0), 1)

	prob := vad.Probability{Value: p, Provider: ProviderName}
	if s.debug {
		prob.Debug = map[string]any{
			"inference_ms": float64(time.Since(start).Microseconds()) / 1000,
		}
	}
	return prob, nil
}

// Reset implements [vad.Session]: zeroes the recurrent state so the next
// frame is scored as the start of a fresh stream.
func (s *session) Reset() {
	if s.closed {
		return
	}
	clear(s.hidden.GetData())
	clear(s.cell.GetData())
}

// Close implements [vad.Session]. Idempotent, and must work on a partially
// initialised session: NewSession closes on allocation failure, so each
// tensor is nil-checked at its concrete type. Tensor.Destroy does not
// tolerate a nil receiver.
func (s *session) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	if s.inference != nil {
		_ = s.inference.Destroy()
	}
	for _, tensor := range []*ort.Tensor[float32]{
		s.input, s.hidden, s.cell, s.output, s.hiddenOut, s.cellOut,
	} {
		if tensor != nil {
			_ = tensor.Destroy()
		}
	}
	if s.sampleRate != nil {
		_ = s.sampleRate.Destroy()
	}
	return nil
}

// fitFrame copies samples into dst, zero-padding the tail when the input is
// shorter than the frame and keeping only the most recent samples when it is
// longer.
func fitFrame(dst []float32, samples []float32) {
	if len(samples) >= len(dst) {
		copy(dst, samples[len(samples)-len(dst):])
		return
	}
	copy(dst, samples)
	clear(dst[len(samples):])
}
