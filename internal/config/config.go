// Package config provides the configuration schema and loader for the
// earshot pipeline host.
package config

import (
	"fmt"
	"log/slog"
	"time"

	"gopkg.in/yaml.v3"
)

// LogLevel controls log verbosity for the earshot host.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Level converts l to a [slog.Level]. Unrecognised values map to info.
func (l LogLevel) Level() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Duration is a [time.Duration] that decodes from YAML strings like "800ms"
// or "30m".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return fmt.Errorf("duration must be a string like \"800ms\": %w", err)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns d as a standard [time.Duration].
func (d Duration) Std() time.Duration { return time.Duration(d) }

// VAD preference values for [VADConfig.Preference].
const (
	VADAuto      = "auto"
	VADNeural    = "neural"
	VADHeuristic = "heuristic"
)

// Config is the root configuration structure for earshot.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Audio   AudioConfig   `yaml:"audio"`
	Denoise DenoiseConfig `yaml:"denoise"`
	VAD     VADConfig     `yaml:"vad"`
	Gate    GateConfig    `yaml:"gate"`
	Health  HealthConfig  `yaml:"health"`
	Session SessionConfig `yaml:"session"`
}

// ServerConfig holds logging and the optional HTTP surface (metrics and
// health probes) of the earshot host.
type ServerConfig struct {
	// ListenAddr is the TCP address serving /metrics, /healthz, and /readyz
	// (e.g., ":9090"). Empty disables the HTTP surface entirely.
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`
}

// AudioConfig describes the ingested audio stream.
type AudioConfig struct {
	// SampleRate of the incoming PCM16 audio in Hz.
	SampleRate int `yaml:"sample_rate"`

	// FrameSize is the analysis frame in samples.
	FrameSize int `yaml:"frame_size"`
}

// DenoiseConfig configures the enhancement cascade.
type DenoiseConfig struct {
	// Primary configures the out-of-process neural denoiser.
	Primary PrimaryDenoiseConfig `yaml:"primary"`

	// SecondaryEnabled toggles the in-process spectral gate fallback.
	SecondaryEnabled bool `yaml:"secondary_enabled"`

	// AttemptTimeout bounds a single provider attempt within the cascade.
	AttemptTimeout Duration `yaml:"attempt_timeout"`

	// MaxFailures is the consecutive-failure count that trips a provider's
	// circuit breaker. A tripped provider stays out of the cascade until a
	// manual breaker reset or session teardown.
	MaxFailures int `yaml:"max_failures"`
}

// PrimaryDenoiseConfig configures the subprocess enhancement service.
type PrimaryDenoiseConfig struct {
	// Enabled toggles the primary denoiser. When false the cascade starts
	// at the spectral gate.
	Enabled bool `yaml:"enabled"`

	// Command launches the service executable (e.g., "python3").
	Command string `yaml:"command"`

	// Args are passed to the command (e.g., the service script path).
	Args []string `yaml:"args"`

	// ModelPath is forwarded in the init handshake. Empty lets the service
	// pick its bundled default model.
	ModelPath string `yaml:"model_path"`

	// RequestTimeout bounds a single enhancement request to the process.
	RequestTimeout Duration `yaml:"request_timeout"`

	// InitTimeout bounds the init handshake, including model loading.
	InitTimeout Duration `yaml:"init_timeout"`
}

// VADConfig configures speech probability scoring.
type VADConfig struct {
	// Preference selects the scoring provider: "auto" (neural when
	// available, heuristic otherwise), "neural", or "heuristic".
	Preference string `yaml:"preference"`

	// ModelPath is the Silero VAD ONNX model file. Required when
	// Preference is "neural"; under "auto" an empty path simply means
	// heuristic scoring.
	ModelPath string `yaml:"model_path"`

	// OnnxLibraryPath points at the ONNX Runtime shared library when it is
	// not on the default search path. May be empty.
	OnnxLibraryPath string `yaml:"onnx_library_path"`

	// FailureLimit is the number of consecutive neural scoring failures
	// after which a session permanently downgrades to the heuristic.
	FailureLimit int `yaml:"failure_limit"`

	// ActivityThreshold is the heuristic scorer's activity-ratio cutoff
	// above which a frame counts as fully active.
	ActivityThreshold float64 `yaml:"activity_threshold"`

	// Debug attaches per-frame scoring diagnostics to emitted events.
	Debug bool `yaml:"debug"`
}

// GateConfig configures the hysteresis speech state machine.
type GateConfig struct {
	// HighThreshold is the probability that opens the gate.
	HighThreshold float64 `yaml:"high_threshold"`

	// LowThreshold feeds the silence timer. Must be below HighThreshold.
	LowThreshold float64 `yaml:"low_threshold"`

	// MinSpeechDuration is the minimum utterance length before the gate
	// may close.
	MinSpeechDuration Duration `yaml:"min_speech_duration"`

	// MinSilenceDuration is the trailing silence required to close the gate.
	MinSilenceDuration Duration `yaml:"min_silence_duration"`

	// PreBufferWindow is the rolling window of recent audio prepended to
	// each segment so soft utterance onsets are not clipped.
	PreBufferWindow Duration `yaml:"pre_buffer_window"`
}

// HealthConfig tunes the pipeline health monitor.
type HealthConfig struct {
	// Window is the rolling window over which error rates and latency
	// averages are computed.
	Window Duration `yaml:"window"`

	// LatencyCeiling marks a stage degraded when its windowed average
	// latency exceeds it.
	LatencyCeiling Duration `yaml:"latency_ceiling"`

	// IdleAfter marks a stage offline after this much inactivity.
	IdleAfter Duration `yaml:"idle_after"`
}

// SessionConfig tunes session lifecycle management.
type SessionConfig struct {
	// IdleTimeout reaps sessions that have received no audio for this long.
	IdleTimeout Duration `yaml:"idle_timeout"`

	// EventBuffer is the per-session event channel capacity.
	EventBuffer int `yaml:"event_buffer"`
}

// Default returns a [Config] populated with every default value. The loader
// decodes the file over these defaults, so absent fields keep them.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			LogLevel: LogInfo,
		},
		Audio: AudioConfig{
			SampleRate: 16000,
			FrameSize:  512,
		},
		Denoise: DenoiseConfig{
			Primary: PrimaryDenoiseConfig{
				RequestTimeout: Duration(5 * time.Second),
				InitTimeout:    Duration(60 * time.Second),
			},
			SecondaryEnabled: true,
			AttemptTimeout:   Duration(2 * time.Second),
			MaxFailures:      3,
		},
		VAD: VADConfig{
			Preference:        VADAuto,
			FailureLimit:      3,
			ActivityThreshold: 0.2,
		},
		Gate: GateConfig{
			HighThreshold:      0.5,
			LowThreshold:       0.35,
			MinSpeechDuration:  Duration(time.Second),
			MinSilenceDuration: Duration(800 * time.Millisecond),
			PreBufferWindow:    Duration(700 * time.Millisecond),
		},
		Health: HealthConfig{
			Window:         Duration(time.Minute),
			LatencyCeiling: Duration(time.Second),
			IdleAfter:      Duration(5 * time.Minute),
		},
		Session: SessionConfig{
			IdleTimeout: Duration(30 * time.Minute),
			EventBuffer: 64,
		},
	}
}
