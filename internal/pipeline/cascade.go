package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/earshot-ai/earshot/internal/health"
	"github.com/earshot-ai/earshot/internal/observe"
	"github.com/earshot-ai/earshot/internal/resilience"
	"github.com/earshot-ai/earshot/pkg/provider/denoise"
)

// PassthroughName is reported as the serving stage when every denoiser fails
// or is disabled and the input is returned unchanged.
const PassthroughName = "passthrough"

// stagePrefix namespaces denoiser names in health and metrics records.
const stagePrefix = "denoise."

// CascadeConfig configures a [Cascade]. Monitor and Metrics are optional.
type CascadeConfig struct {
	// AttemptTimeout bounds a single provider attempt; a hung provider is a
	// failure, never an indefinite block. Default: 2s.
	AttemptTimeout time.Duration

	// Breaker is the per-stage circuit breaker template. The zero value
	// gives 3 consecutive failures to trip and no self-recovery (the stage
	// stays disabled until ResetBreaker or session teardown).
	Breaker resilience.CircuitBreakerConfig

	// Monitor receives one record per real provider attempt.
	Monitor *health.Monitor

	// Metrics receives stage latencies and fallback counts.
	Metrics *observe.Metrics
}

// EnhanceResult reports how a frame was served.
type EnhanceResult struct {
	// ServedBy is the denoiser that produced the output, or
	// [PassthroughName]. Empty for bypassed empty frames.
	ServedBy string

	// FallbackUsed is true when the output did not come from the preferred
	// (first) provider.
	FallbackUsed bool
}

// Cascade tries an ordered list of denoisers and falls back to passthrough.
// It never returns an error: a frame always comes out, enhanced if possible,
// verbatim if not.
//
// The cascade does not own provider lifecycle. Callers close the denoisers
// they constructed; a shared subprocess client in particular must outlive
// every cascade using it.
type Cascade struct {
	group   *resilience.FallbackGroup[denoise.Denoiser]
	stages  []denoise.Denoiser
	timeout time.Duration
	metrics *observe.Metrics
}

// NewCascade builds a cascade over the given denoisers in preference order.
// At least one denoiser is required only by convention; a cascade with none
// is a pure passthrough.
func NewCascade(cfg CascadeConfig, providers ...denoise.Denoiser) *Cascade {
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = 2 * time.Second
	}
	c := &Cascade{
		stages:  providers,
		timeout: cfg.AttemptTimeout,
		metrics: cfg.Metrics,
	}

	fbCfg := resilience.FallbackConfig{
		CircuitBreaker: cfg.Breaker,
		Observer: func(a resilience.Attempt) {
			if errors.Is(a.Err, resilience.ErrCircuitOpen) {
				// The provider was never called; nothing to account.
				return
			}
			if cfg.Monitor != nil {
				cfg.Monitor.Record(stagePrefix+a.Name, a.Err, a.Elapsed)
			}
			status := "success"
			if a.Err != nil {
				status = "error"
				cfg.Metrics.RecordProviderError(context.Background(), a.Name, "denoise")
			}
			cfg.Metrics.RecordStage(context.Background(), stagePrefix+a.Name, status, a.Elapsed.Seconds())
		},
	}
	for i, p := range providers {
		if i == 0 {
			c.group = resilience.NewFallbackGroup(p, p.Name(), fbCfg)
		} else {
			c.group.AddFallback(p.Name(), p)
		}
	}
	if c.group == nil {
		c.group = resilience.NewFallbackGroup[denoise.Denoiser](nil, PassthroughName, fbCfg)
		_ = c.group.SetEnabled(PassthroughName, false)
	}
	return c
}

// Enhance runs one frame through the cascade. Empty frames bypass all
// providers. When every provider fails or is disabled the input slice is
// returned unchanged with FallbackUsed set.
func (c *Cascade) Enhance(ctx context.Context, samples []float32, sampleRate int) ([]float32, EnhanceResult) {
	if len(samples) == 0 {
		return samples, EnhanceResult{}
	}

	preferred := ""
	if names := c.group.Names(); len(names) > 0 {
		preferred = names[0]
	}

	out, served, err := resilience.ExecuteWithResult(c.group, func(d denoise.Denoiser) ([]float32, error) {
		actx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()
		return d.Enhance(actx, samples, sampleRate)
	})
	if err != nil {
		c.metrics.RecordFallback(ctx, PassthroughName)
		return samples, EnhanceResult{ServedBy: PassthroughName, FallbackUsed: true}
	}

	res := EnhanceResult{ServedBy: served, FallbackUsed: served != preferred}
	if res.FallbackUsed {
		c.metrics.RecordFallback(ctx, served)
	}
	return out, res
}

// SetEnabled toggles a provider by name.
func (c *Cascade) SetEnabled(name string, enabled bool) error {
	return c.group.SetEnabled(name, enabled)
}

// Switch makes the named provider the preferred first stage.
func (c *Cascade) Switch(name string) error {
	return c.group.Promote(name)
}

// ResetBreaker manually re-enables a tripped provider.
func (c *Cascade) ResetBreaker(name string) error {
	return c.group.ResetBreaker(name)
}

// BreakerState returns the breaker state of the named provider.
func (c *Cascade) BreakerState(name string) (resilience.State, error) {
	return c.group.BreakerState(name)
}

// Names returns the provider names in current try order.
func (c *Cascade) Names() []string { return c.group.Names() }

// Reset clears adaptive state and partial-frame carries in every provider
// and closes tripped breakers. A session reset re-admits stages that were
// auto-disabled by consecutive failures.
func (c *Cascade) Reset() {
	for _, p := range c.stages {
		p.Reset()
		_ = c.group.ResetBreaker(p.Name())
	}
}
