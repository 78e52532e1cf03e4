package app

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/earshot-ai/earshot/internal/config"
	denoisemock "github.com/earshot-ai/earshot/pkg/provider/denoise/mock"
	"github.com/earshot-ai/earshot/pkg/provider/vad/energy"
	vadmock "github.com/earshot-ai/earshot/pkg/provider/vad/mock"
)

func newTestApp(t *testing.T, cfg *config.Config) *App {
	t.Helper()
	a, err := New(context.Background(), cfg,
		WithPrimaryDenoiser(&denoisemock.Denoiser{ProviderName: "primary"}),
		WithNeuralVAD(&vadmock.Engine{ProviderName: "neural", Script: []float64{0.9}}),
		WithHeuristicVAD(&energy.Engine{}),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = a.Shutdown(ctx)
	})
	return a
}

func TestApp_CreatesSessionsWithInjectedProviders(t *testing.T) {
	cfg := config.Default()
	cfg.Denoise.Primary.Enabled = true
	cfg.Denoise.Primary.Command = "true"
	a := newTestApp(t, cfg)

	id, sess, err := a.Sessions().Create(context.Background())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if id == "" {
		t.Fatal("empty session ID")
	}
	if got := sess.VADProvider(); got != "neural" {
		t.Errorf("VAD provider = %q, want injected neural engine", got)
	}
	order := sess.Stats().DenoiseOrder
	if len(order) != 2 || order[0] != "primary" {
		t.Errorf("denoise order = %v, want primary then spectral gate", order)
	}
}

func TestApp_RunStopsOnContextCancel(t *testing.T) {
	a := newTestApp(t, config.Default())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Run = %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestApp_ShutdownIsIdempotent(t *testing.T) {
	a := newTestApp(t, config.Default())
	if _, _, err := a.Sessions().Create(context.Background()); err != nil {
		t.Fatalf("Create: %v", err)
	}

	ctx := context.Background()
	if err := a.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if a.Sessions().Len() != 0 {
		t.Fatalf("sessions remain after shutdown: %d", a.Sessions().Len())
	}
	if err := a.Shutdown(ctx); err != nil {
		t.Fatalf("second Shutdown: %v", err)
	}
}
