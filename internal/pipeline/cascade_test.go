package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/earshot-ai/earshot/internal/health"
	"github.com/earshot-ai/earshot/internal/resilience"
	denoisemock "github.com/earshot-ai/earshot/pkg/provider/denoise/mock"
)

func TestCascade_PrimaryServes(t *testing.T) {
	primary := &denoisemock.Denoiser{
		ProviderName: "primary",
		Transform:    func(s float32) float32 { return s / 2 },
	}
	secondary := &denoisemock.Denoiser{ProviderName: "secondary"}
	c := NewCascade(CascadeConfig{}, primary, secondary)

	out, res := c.Enhance(context.Background(), []float32{0.4, -0.8}, 16000)
	if res.ServedBy != "primary" || res.FallbackUsed {
		t.Fatalf("result = %+v, want primary without fallback", res)
	}
	if out[0] != 0.2 || out[1] != -0.4 {
		t.Errorf("out = %v, want transformed samples", out)
	}
	if secondary.Calls() != 0 {
		t.Errorf("secondary called %d times, want 0", secondary.Calls())
	}
}

func TestCascade_FallsBackToSecondary(t *testing.T) {
	primary := &denoisemock.Denoiser{ProviderName: "primary", FailAlways: true}
	secondary := &denoisemock.Denoiser{
		ProviderName: "secondary",
		Transform:    func(s float32) float32 { return -s },
	}
	c := NewCascade(CascadeConfig{}, primary, secondary)

	out, res := c.Enhance(context.Background(), []float32{0.5}, 16000)
	if res.ServedBy != "secondary" {
		t.Fatalf("served by %q, want secondary", res.ServedBy)
	}
	if !res.FallbackUsed {
		t.Fatal("FallbackUsed = false, want true when primary fails")
	}
	if out[0] != -0.5 {
		t.Errorf("out = %v, want secondary's transform", out)
	}
}

func TestCascade_BothFailPassthroughIsByteIdentical(t *testing.T) {
	primary := &denoisemock.Denoiser{ProviderName: "primary", FailAlways: true}
	secondary := &denoisemock.Denoiser{ProviderName: "secondary", FailAlways: true}
	c := NewCascade(CascadeConfig{}, primary, secondary)

	in := []float32{0.1, -0.2, 0.3}
	out, res := c.Enhance(context.Background(), in, 16000)
	if res.ServedBy != PassthroughName || !res.FallbackUsed {
		t.Fatalf("result = %+v, want passthrough with fallback", res)
	}
	if &out[0] != &in[0] {
		t.Fatal("passthrough must return the input buffer unchanged")
	}
}

func TestCascade_EmptyFrameBypassesProviders(t *testing.T) {
	primary := &denoisemock.Denoiser{ProviderName: "primary"}
	c := NewCascade(CascadeConfig{}, primary)

	out, res := c.Enhance(context.Background(), nil, 16000)
	if len(out) != 0 {
		t.Errorf("out = %v, want empty", out)
	}
	if res.ServedBy != "" || res.FallbackUsed {
		t.Errorf("result = %+v, want zero result for bypass", res)
	}
	if primary.Calls() != 0 {
		t.Errorf("provider called %d times for empty frame, want 0", primary.Calls())
	}
}

func TestCascade_BreakerStopsCallingFailingProvider(t *testing.T) {
	primary := &denoisemock.Denoiser{ProviderName: "primary", FailAlways: true}
	secondary := &denoisemock.Denoiser{ProviderName: "secondary"}
	mon := health.NewMonitor(health.MonitorConfig{})
	c := NewCascade(CascadeConfig{
		Breaker: resilience.CircuitBreakerConfig{MaxFailures: 3},
		Monitor: mon,
	}, primary, secondary)

	in := []float32{0.1}
	for i := 0; i < 5; i++ {
		_, res := c.Enhance(context.Background(), in, 16000)
		if res.ServedBy != "secondary" {
			t.Fatalf("call %d served by %q, want secondary", i, res.ServedBy)
		}
	}

	// The breaker opened after 3 failures; calls 4 and 5 skipped the primary.
	if primary.Calls() != 3 {
		t.Fatalf("primary called %d times, want 3 (breaker must hold)", primary.Calls())
	}
	if st, _ := c.BreakerState("primary"); st != resilience.StateOpen {
		t.Errorf("primary breaker = %v, want open", st)
	}

	// Skipped attempts are not health records: only the 3 real failures.
	report := mon.Stage("denoise.primary")
	if report.Attempts != 3 {
		t.Errorf("monitor attempts = %d, want 3", report.Attempts)
	}
	if report.Status != health.StatusFailing {
		t.Errorf("stage status = %v, want failing", report.Status)
	}

	// Manual reset re-admits the primary.
	if err := c.ResetBreaker("primary"); err != nil {
		t.Fatalf("ResetBreaker: %v", err)
	}
	_, _ = c.Enhance(context.Background(), in, 16000)
	if primary.Calls() != 4 {
		t.Errorf("primary called %d times after reset, want 4", primary.Calls())
	}
}

func TestCascade_DisableProvider(t *testing.T) {
	primary := &denoisemock.Denoiser{ProviderName: "primary"}
	secondary := &denoisemock.Denoiser{ProviderName: "secondary"}
	c := NewCascade(CascadeConfig{}, primary, secondary)

	if err := c.SetEnabled("primary", false); err != nil {
		t.Fatalf("SetEnabled: %v", err)
	}
	_, res := c.Enhance(context.Background(), []float32{0.1}, 16000)
	if res.ServedBy != "secondary" || !res.FallbackUsed {
		t.Fatalf("result = %+v, want secondary fallback with primary disabled", res)
	}
	if primary.Calls() != 0 {
		t.Errorf("disabled primary called %d times, want 0", primary.Calls())
	}
}

func TestCascade_SwitchChangesPreferredProvider(t *testing.T) {
	primary := &denoisemock.Denoiser{ProviderName: "primary"}
	secondary := &denoisemock.Denoiser{ProviderName: "secondary"}
	c := NewCascade(CascadeConfig{}, primary, secondary)

	if err := c.Switch("secondary"); err != nil {
		t.Fatalf("Switch: %v", err)
	}
	if names := c.Names(); names[0] != "secondary" {
		t.Fatalf("try order = %v, want secondary first", names)
	}
	_, res := c.Enhance(context.Background(), []float32{0.1}, 16000)
	if res.ServedBy != "secondary" || res.FallbackUsed {
		t.Fatalf("result = %+v, want secondary as preferred (no fallback)", res)
	}
}

func TestCascade_HungProviderIsAFailure(t *testing.T) {
	c := NewCascade(CascadeConfig{AttemptTimeout: 20 * time.Millisecond},
		&hangingDenoiser{}, &denoisemock.Denoiser{ProviderName: "secondary"})

	start := time.Now()
	_, res := c.Enhance(context.Background(), []float32{0.1}, 16000)
	if res.ServedBy != "secondary" {
		t.Fatalf("served by %q, want secondary after hang", res.ServedBy)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Enhance took %v, hung provider must be cut off by the attempt timeout", elapsed)
	}
}

func TestCascade_ResetResetsAllProviders(t *testing.T) {
	primary := &denoisemock.Denoiser{ProviderName: "primary"}
	secondary := &denoisemock.Denoiser{ProviderName: "secondary"}
	c := NewCascade(CascadeConfig{}, primary, secondary)

	c.Reset()
	if primary.Resets() != 1 || secondary.Resets() != 1 {
		t.Errorf("resets = %d/%d, want 1/1", primary.Resets(), secondary.Resets())
	}
}

func TestCascade_ResetReadmitsTrippedProvider(t *testing.T) {
	primary := &denoisemock.Denoiser{ProviderName: "primary", FailFirst: 3}
	secondary := &denoisemock.Denoiser{ProviderName: "secondary"}
	c := NewCascade(CascadeConfig{
		Breaker: resilience.CircuitBreakerConfig{MaxFailures: 3},
	}, primary, secondary)

	in := []float32{0.1}
	for i := 0; i < 4; i++ {
		_, _ = c.Enhance(context.Background(), in, 16000)
	}
	if st, _ := c.BreakerState("primary"); st != resilience.StateOpen {
		t.Fatalf("primary breaker = %v after failure run, want open", st)
	}
	if primary.Calls() != 3 {
		t.Fatalf("primary called %d times, want 3 (4th call skipped by breaker)", primary.Calls())
	}

	// A session reset re-admits auto-disabled stages.
	c.Reset()
	if st, _ := c.BreakerState("primary"); st != resilience.StateClosed {
		t.Fatalf("primary breaker = %v after Reset, want closed", st)
	}
	_, res := c.Enhance(context.Background(), in, 16000)
	if res.ServedBy != "primary" || res.FallbackUsed {
		t.Fatalf("result = %+v, want primary serving again after Reset", res)
	}
	if primary.Calls() != 4 {
		t.Errorf("primary called %d times after Reset, want 4", primary.Calls())
	}
}

// hangingDenoiser blocks until its context is cancelled.
type hangingDenoiser struct{}

func (h *hangingDenoiser) Name() string { return "hanging" }

func (h *hangingDenoiser) Enhance(ctx context.Context, samples []float32, _ int) ([]float32, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (h *hangingDenoiser) Reset()       {}
func (h *hangingDenoiser) Close() error { return nil }
