package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"
)

// supportedSampleRates lists the ingest rates the pipeline accepts.
var supportedSampleRates = []int{8000, 16000, 32000, 48000}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r over [Default] values and
// validates the result. Useful in tests where configs are constructed from
// string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Audio
	if !slices.Contains(supportedSampleRates, cfg.Audio.SampleRate) {
		errs = append(errs, fmt.Errorf("audio.sample_rate %d is unsupported; valid values: %v", cfg.Audio.SampleRate, supportedSampleRates))
	}
	if cfg.Audio.FrameSize <= 0 {
		errs = append(errs, fmt.Errorf("audio.frame_size %d must be positive", cfg.Audio.FrameSize))
	}

	// Denoise
	if cfg.Denoise.Primary.Enabled && cfg.Denoise.Primary.Command == "" {
		errs = append(errs, errors.New("denoise.primary.command is required when denoise.primary.enabled is true"))
	}
	if cfg.Denoise.AttemptTimeout < 0 {
		errs = append(errs, fmt.Errorf("denoise.attempt_timeout %v must not be negative", cfg.Denoise.AttemptTimeout.Std()))
	}
	if cfg.Denoise.MaxFailures < 1 {
		errs = append(errs, fmt.Errorf("denoise.max_failures %d must be at least 1", cfg.Denoise.MaxFailures))
	}
	if !cfg.Denoise.Primary.Enabled && !cfg.Denoise.SecondaryEnabled {
		slog.Warn("both denoisers are disabled; audio will pass through unenhanced")
	}

	// VAD
	switch cfg.VAD.Preference {
	case VADAuto, VADNeural, VADHeuristic:
	default:
		errs = append(errs, fmt.Errorf("vad.preference %q is invalid; valid values: auto, neural, heuristic", cfg.VAD.Preference))
	}
	if cfg.VAD.Preference == VADNeural && cfg.VAD.ModelPath == "" {
		errs = append(errs, errors.New("vad.model_path is required when vad.preference is neural"))
	}
	if cfg.VAD.Preference == VADAuto && cfg.VAD.ModelPath == "" {
		slog.Warn("vad.model_path is empty; sessions will use heuristic speech scoring only")
	}
	if cfg.VAD.FailureLimit < 1 {
		errs = append(errs, fmt.Errorf("vad.failure_limit %d must be at least 1", cfg.VAD.FailureLimit))
	}
	if cfg.VAD.ActivityThreshold < 0 || cfg.VAD.ActivityThreshold > 1 {
		errs = append(errs, fmt.Errorf("vad.activity_threshold %.2f is out of range [0, 1]", cfg.VAD.ActivityThreshold))
	}

	// Gate
	if cfg.Gate.HighThreshold <= 0 || cfg.Gate.HighThreshold > 1 {
		errs = append(errs, fmt.Errorf("gate.high_threshold %.2f is out of range (0, 1]", cfg.Gate.HighThreshold))
	}
	if cfg.Gate.LowThreshold < 0 || cfg.Gate.LowThreshold > 1 {
		errs = append(errs, fmt.Errorf("gate.low_threshold %.2f is out of range [0, 1]", cfg.Gate.LowThreshold))
	}
	if cfg.Gate.LowThreshold >= cfg.Gate.HighThreshold {
		errs = append(errs, fmt.Errorf("gate.low_threshold %.2f must be below gate.high_threshold %.2f", cfg.Gate.LowThreshold, cfg.Gate.HighThreshold))
	}
	if cfg.Gate.MinSpeechDuration <= 0 {
		errs = append(errs, fmt.Errorf("gate.min_speech_duration %v must be positive", cfg.Gate.MinSpeechDuration.Std()))
	}
	if cfg.Gate.MinSilenceDuration <= 0 {
		errs = append(errs, fmt.Errorf("gate.min_silence_duration %v must be positive", cfg.Gate.MinSilenceDuration.Std()))
	}
	if cfg.Gate.PreBufferWindow < 0 {
		errs = append(errs, fmt.Errorf("gate.pre_buffer_window %v must not be negative", cfg.Gate.PreBufferWindow.Std()))
	}
	if cfg.Gate.PreBufferWindow > 5*Duration(time.Second) {
		slog.Warn("gate.pre_buffer_window is unusually large; segments will carry long lead-in audio",
			"window", cfg.Gate.PreBufferWindow.Std(),
		)
	}

	// Health
	if cfg.Health.Window <= 0 {
		errs = append(errs, fmt.Errorf("health.window %v must be positive", cfg.Health.Window.Std()))
	}
	if cfg.Health.IdleAfter <= 0 {
		errs = append(errs, fmt.Errorf("health.idle_after %v must be positive", cfg.Health.IdleAfter.Std()))
	}

	// Session
	if cfg.Session.IdleTimeout <= 0 {
		errs = append(errs, fmt.Errorf("session.idle_timeout %v must be positive", cfg.Session.IdleTimeout.Std()))
	}
	if cfg.Session.EventBuffer < 1 {
		errs = append(errs, fmt.Errorf("session.event_buffer %d must be at least 1", cfg.Session.EventBuffer))
	}

	return errors.Join(errs...)
}
