// Package demucs implements the primary neural denoiser as a client of an
// out-of-process enhancement service speaking line-delimited JSON over
// stdio: one request object per line on stdin, one response object per line
// on stdout. The service loads a Demucs DNS64 (or compatible) model and is
// shared by all sessions of a host process.
//
// Concurrency contract: the wire protocol carries no correlation ids, so
// responses are matched to requests purely by order. The client therefore
// enforces strict single-in-flight requests — a mutex is held across the
// write and the matching read. A request that times out increments a skew
// counter and the corresponding late response, if it ever arrives, is
// discarded so the stream stays aligned. Do not talk to the same service
// process through more than one Client.
package demucs

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"os/exec"
	"sync"
	"time"
)

// ProviderName identifies this backend in events and health stats.
const ProviderName = "demucs"

// ErrNotRunning is returned by Enhance after the service has been closed or
// its stdout has reached EOF.
var ErrNotRunning = errors.New("demucs: service is not running")

// maxResponseLine bounds a single response line. A 10-second 48 kHz float32
// buffer is ~2.5 MB base64-encoded; 16 MB leaves generous headroom.
const maxResponseLine = 16 << 20

// Config configures the demucs client.
type Config struct {
	// Command is the service executable, e.g. "python3".
	Command string

	// Args are passed to the command, e.g. the service script path.
	Args []string

	// ModelPath is forwarded in the init request. May be empty to let the
	// service use its bundled default.
	ModelPath string

	// RequestTimeout bounds a single process request. Default: 5s.
	RequestTimeout time.Duration

	// InitTimeout bounds the init handshake, which includes model loading.
	// Default: 60s.
	InitTimeout time.Duration
}

// request is one line written to the service.
type request struct {
	Command   string `json:"command"`
	Audio     string `json:"audio,omitempty"`
	ModelPath string `json:"model_path,omitempty"`
}

// response is one line read back from the service.
type response struct {
	Status         string  `json:"status"`
	Message        string  `json:"message,omitempty"`
	Audio          string  `json:"audio,omitempty"`
	ProcessingTime float64 `json:"processing_time,omitempty"`
	Device         string  `json:"device,omitempty"`
	ModelType      string  `json:"model_type,omitempty"`
}

// Client is a [denoise.Denoiser] backed by the enhancement service. Safe for
// concurrent use; requests are serialised internally.
type Client struct {
	timeout time.Duration

	mu    sync.Mutex
	w     io.Writer
	skew  int // timed-out requests whose responses are still owed
	close func() error

	respCh chan response
	done   chan struct{}

	closeOnce sync.Once

	// LastProcessingTime is the service-reported duration of the most recent
	// successful request, for health reporting.
	lastProcessingMu sync.Mutex
	lastProcessing   time.Duration
}

// New launches the service subprocess, performs the init handshake, and
// returns a ready client. The subprocess's stderr is inherited so its own
// logging stays visible.
func New(cfg Config) (*Client, error) {
	if cfg.Command == "" {
		return nil, fmt.Errorf("demucs: command is required")
	}
	cmd := exec.Command(cfg.Command, cfg.Args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("demucs: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("demucs: stdout pipe: %w", err)
	}
	cmd.Stderr = os.Stderr // service logs to stderr; keep it visible
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("demucs: start %s: %w", cfg.Command, err)
	}

	c := newClient(stdin, stdout, cfg, func() error {
		_ = stdin.Close()
		if cmd.Process != nil {
			_ = cmd.Process.Kill()
		}
		return cmd.Wait()
	})

	if err := c.init(cfg); err != nil {
		_ = c.Close()
		return nil, err
	}
	return c, nil
}

// NewFromStreams builds a client over an already-connected transport (for
// tests, or for a service reached over a socket instead of stdio). No init
// handshake is performed; call [Client.Init] if the service expects one.
// When r implements [io.Closer], [Client.Close] closes it to unblock the
// read loop; otherwise the loop runs until r reaches EOF.
func NewFromStreams(w io.Writer, r io.Reader, cfg Config) *Client {
	var closeFn func() error
	if rc, ok := r.(io.Closer); ok {
		closeFn = rc.Close
	}
	return newClient(w, r, cfg, closeFn)
}

func newClient(w io.Writer, r io.Reader, cfg Config, closeFn func() error) *Client {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 5 * time.Second
	}
	c := &Client{
		timeout: cfg.RequestTimeout,
		w:       w,
		close:   closeFn,
		respCh:  make(chan response, 4),
		done:    make(chan struct{}),
	}
	go c.readLoop(r)
	return c
}

// readLoop pumps response lines into respCh until EOF or Close.
func (c *Client) readLoop(r io.Reader) {
	defer close(c.respCh)
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), maxResponseLine)
	for sc.Scan() {
		var resp response
		if err := json.Unmarshal(sc.Bytes(), &resp); err != nil {
			slog.Warn("demucs: dropping malformed response line", "err", err)
			continue
		}
		select {
		case c.respCh <- resp:
		case <-c.done:
			return
		}
	}
	if err := sc.Err(); err != nil {
		slog.Warn("demucs: response stream error", "err", err)
	}
}

// init performs the init handshake with the model-loading timeout.
func (c *Client) init(cfg Config) error {
	timeout := cfg.InitTimeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	resp, err := c.roundTrip(ctx, request{Command: "init", ModelPath: cfg.ModelPath})
	if err != nil {
		return fmt.Errorf("demucs: init: %w", err)
	}
	if resp.Status != "success" {
		return fmt.Errorf("demucs: init rejected: %s", resp.Message)
	}
	slog.Info("demucs service initialised",
		"device", resp.Device, "model_type", resp.ModelType)
	return nil
}

// Init performs the init handshake explicitly. Only needed with
// [NewFromStreams]; [New] runs it during construction.
func (c *Client) Init(ctx context.Context, modelPath string) error {
	resp, err := c.roundTrip(ctx, request{Command: "init", ModelPath: modelPath})
	if err != nil {
		return err
	}
	if resp.Status != "success" {
		return fmt.Errorf("demucs: init rejected: %s", resp.Message)
	}
	return nil
}

// Name implements [denoise.Denoiser].
func (c *Client) Name() string { return ProviderName }

// Enhance implements [denoise.Denoiser]. Samples are shipped to the service
// as base64 float32le and the enhanced buffer is decoded from the response.
// A non-success status or a deadline expiry is an error; the caller's
// cascade decides what to fall back to.
func (c *Client) Enhance(ctx context.Context, samples []float32, _ int) ([]float32, error) {
	if len(samples) == 0 {
		return samples, nil
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	resp, err := c.roundTrip(ctx, request{
		Command: "process",
		Audio:   encodeSamples(samples),
	})
	if err != nil {
		return nil, err
	}
	if resp.Status != "success" {
		return nil, fmt.Errorf("demucs: process failed: %s", resp.Message)
	}
	out, err := decodeSamples(resp.Audio)
	if err != nil {
		return nil, fmt.Errorf("demucs: decode response audio: %w", err)
	}
	if resp.ProcessingTime > 0 {
		c.lastProcessingMu.Lock()
		c.lastProcessing = time.Duration(resp.ProcessingTime * float64(time.Millisecond))
		c.lastProcessingMu.Unlock()
	}
	return out, nil
}

// Health asks the service for its health status. A non-healthy status is
// returned as an error so the caller can feed it straight into the health
// monitor.
func (c *Client) Health(ctx context.Context) error {
	resp, err := c.roundTrip(ctx, request{Command: "health"})
	if err != nil {
		return err
	}
	if resp.Status != "healthy" {
		return fmt.Errorf("demucs: service unhealthy: %s", resp.Status)
	}
	return nil
}

// LastProcessingTime returns the service-reported duration of the most
// recent successful request.
func (c *Client) LastProcessingTime() time.Duration {
	c.lastProcessingMu.Lock()
	defer c.lastProcessingMu.Unlock()
	return c.lastProcessing
}

// roundTrip writes one request and waits for its response. The mutex spans
// write and read: exactly one request is in flight at any time.
func (c *Client) roundTrip(ctx context.Context, req request) (response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	select {
	case <-c.done:
		return response{}, ErrNotRunning
	default:
	}

	line, err := json.Marshal(req)
	if err != nil {
		return response{}, fmt.Errorf("demucs: encode request: %w", err)
	}
	line = append(line, '\n')
	if _, err := c.w.Write(line); err != nil {
		return response{}, fmt.Errorf("demucs: write request: %w", err)
	}

	for {
		select {
		case resp, ok := <-c.respCh:
			if !ok {
				return response{}, ErrNotRunning
			}
			if c.skew > 0 {
				// Response to an earlier timed-out request; discard to stay
				// aligned with the request order.
				c.skew--
				continue
			}
			return resp, nil
		case <-ctx.Done():
			c.skew++
			return response{}, fmt.Errorf("demucs: request timed out: %w", ctx.Err())
		}
	}
}

// Reset implements [denoise.Denoiser]. The service is stateless per request,
// so there is nothing to clear.
func (c *Client) Reset() {}

// Close implements [denoise.Denoiser]: stops the read loop and reaps the
// subprocess. Idempotent.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		if c.close != nil {
			err = c.close()
		}
	})
	if err != nil && !errors.Is(err, io.EOF) {
		slog.Debug("demucs: close", "err", err)
	}
	return nil
}

// encodeSamples serialises float32 samples as base64 little-endian.
func encodeSamples(samples []float32) string {
	buf := make([]byte, len(samples)*4)
	for i, s := range samples {
		bits := math.Float32bits(s)
		buf[i*4] = byte(bits)
		buf[i*4+1] = byte(bits >> 8)
		buf[i*4+2] = byte(bits >> 16)
		buf[i*4+3] = byte(bits >> 24)
	}
	return base64.StdEncoding.EncodeToString(buf)
}

// decodeSamples parses base64 little-endian float32 audio.
func decodeSamples(encoded string) ([]float32, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, err
	}
	if len(raw)%4 != 0 {
		return nil, fmt.Errorf("audio payload length %d is not a multiple of 4", len(raw))
	}
	out := make([]float32, len(raw)/4)
	for i := range out {
		bits := uint32(raw[i*4]) | uint32(raw[i*4+1])<<8 | uint32(raw[i*4+2])<<16 | uint32(raw[i*4+3])<<24
		out[i] = math.Float32frombits(bits)
	}
	return out, nil
}
