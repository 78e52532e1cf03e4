// Command earshot reads a PCM16 audio stream, runs it through the denoise
// and speech-detection pipeline, and emits speech lifecycle events as JSON
// lines on stdout.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/earshot-ai/earshot/internal/app"
	"github.com/earshot-ai/earshot/internal/config"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	input := flag.String("input", "-", `PCM16LE input file, or "-" for stdin`)
	chunkMs := flag.Int("chunk-ms", 100, "milliseconds of audio fed to the pipeline per read")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "earshot: config file %q not found, copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "earshot: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	slog.SetDefault(newLogger(cfg.Server.LogLevel))

	slog.Info("earshot starting",
		"config", *configPath,
		"input", *input,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(sigCtx)
	defer cancel()

	printStartupSummary(cfg)

	application, err := app.New(ctx, cfg)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	runErr := make(chan error, 1)
	go func() { runErr <- application.Run(ctx) }()

	// ── Stream audio through one pipeline session ─────────────────────────────
	code := 0
	if err := streamEvents(ctx, application, cfg, *input, *chunkMs); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("stream error", "err", err)
		code = 1
	}

	// Streaming finished (or a signal arrived): stop background work.
	cancel()
	if err := <-runErr; err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		code = 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return code
}

// ── Streaming ─────────────────────────────────────────────────────────────────

// streamEvents creates a pipeline session, feeds it PCM16 audio from the
// input in fixed-size chunks, and writes every emitted event to stdout as a
// JSON line. Returns when the input is exhausted or ctx is cancelled.
func streamEvents(ctx context.Context, application *app.App, cfg *config.Config, input string, chunkMs int) error {
	var src io.Reader = os.Stdin
	if input != "-" {
		f, err := os.Open(input)
		if err != nil {
			return fmt.Errorf("open input: %w", err)
		}
		defer f.Close()
		src = f
	}

	id, sess, err := application.Sessions().Create(ctx)
	if err != nil {
		return err
	}
	events, unsubscribe, err := application.Sessions().Subscribe(id)
	if err != nil {
		_ = application.Sessions().Destroy(id)
		return err
	}
	defer unsubscribe()

	// Drain events to stdout until the subscription closes.
	drained := make(chan struct{})
	go func() {
		defer close(drained)
		enc := json.NewEncoder(os.Stdout)
		for ev := range events {
			if err := enc.Encode(ev); err != nil {
				slog.Warn("event encode error", "err", err)
			}
		}
	}()
	// Destroying the session ends its event stream, which lets the drain
	// goroutine finish.
	defer func() {
		_ = application.Sessions().Destroy(id)
		<-drained
	}()

	// Bytes per chunk: samples are 2 bytes, chunk length is in milliseconds.
	chunkBytes := cfg.Audio.SampleRate * 2 * chunkMs / 1000
	if chunkBytes < 2 {
		chunkBytes = 2
	}
	buf := make([]byte, chunkBytes)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		n, readErr := io.ReadFull(src, buf)
		if n > 0 {
			if n&1 != 0 {
				slog.Warn("input ends mid-sample, dropping trailing byte", "session_id", id)
			}
			if err := sess.Process(ctx, buf[:n&^1]); err != nil {
				return err
			}
		}
		if readErr != nil {
			if !errors.Is(readErr, io.EOF) && !errors.Is(readErr, io.ErrUnexpectedEOF) {
				return fmt.Errorf("read input: %w", readErr)
			}
			break
		}
	}

	slog.Info("input exhausted", "session_id", id, "frames", sess.Stats().FramesProcessed)
	return nil
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Fprintln(os.Stderr, "╔═══════════════════════════════════════╗")
	fmt.Fprintln(os.Stderr, "║         earshot startup summary       ║")
	fmt.Fprintln(os.Stderr, "╠═══════════════════════════════════════╣")
	summaryLine("Sample rate", fmt.Sprintf("%d Hz", cfg.Audio.SampleRate))
	if cfg.Denoise.Primary.Enabled {
		summaryLine("Denoiser", cfg.Denoise.Primary.Command)
	} else {
		summaryLine("Denoiser", "(disabled)")
	}
	if cfg.Denoise.SecondaryEnabled {
		summaryLine("Fallback", "spectral gate")
	} else {
		summaryLine("Fallback", "(disabled)")
	}
	summaryLine("VAD", cfg.VAD.Preference)
	if cfg.VAD.ModelPath != "" {
		summaryLine("VAD model", cfg.VAD.ModelPath)
	}
	summaryLine("Gate", fmt.Sprintf("%.2f/%.2f", cfg.Gate.HighThreshold, cfg.Gate.LowThreshold))
	if cfg.Server.ListenAddr != "" {
		summaryLine("Listen addr", cfg.Server.ListenAddr)
	}
	fmt.Fprintln(os.Stderr, "╚═══════════════════════════════════════╝")
}

func summaryLine(kind, value string) {
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Fprintf(os.Stderr, "║  %-14s  : %-19s ║\n", kind, value)
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(level config.LogLevel) *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level.Level()}))
}
