package resilience

import (
	"errors"
	"testing"
)

var errTest = errors.New("test error")

func TestFallbackGroup_PrimarySuccess(t *testing.T) {
	fg := NewFallbackGroup("primary", "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})
	fg.AddFallback("secondary", "secondary")

	var called string
	served, err := fg.Execute(func(v string) error {
		called = v
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if called != "primary" || served != "primary" {
		t.Fatalf("called = %q served = %q, want primary", called, served)
	}
}

func TestFallbackGroup_PrimaryFailFallbackSuccess(t *testing.T) {
	fg := NewFallbackGroup("primary", "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})
	fg.AddFallback("secondary", "secondary")

	served, err := fg.Execute(func(v string) error {
		if v == "primary" {
			return errTest
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if served != "secondary" {
		t.Fatalf("served = %q, want secondary", served)
	}
}

func TestFallbackGroup_AllFail(t *testing.T) {
	fg := NewFallbackGroup("primary", "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})
	fg.AddFallback("secondary", "secondary")

	_, err := fg.Execute(func(v string) error {
		return errTest
	})
	if err == nil {
		t.Fatal("expected error when all providers fail")
	}
	if !errors.Is(err, ErrAllFailed) {
		t.Fatalf("err = %v, want ErrAllFailed", err)
	}
}

func TestFallbackGroup_CircuitBreakerSkipsOpenProvider(t *testing.T) {
	fg := NewFallbackGroup("primary", "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 2},
	})
	fg.AddFallback("secondary", "secondary")

	// Fail the primary enough to open its breaker.
	for i := 0; i < 2; i++ {
		_, _ = fg.Execute(func(v string) error {
			if v == "primary" {
				return errTest
			}
			return nil
		})
	}
	if st, _ := fg.BreakerState("primary"); st != StateOpen {
		t.Fatalf("primary breaker = %v, want open", st)
	}

	// Now the primary's breaker is open — calls go straight to secondary.
	var called string
	served, err := fg.Execute(func(v string) error {
		called = v
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if called != "primary" && served != "secondary" {
		t.Fatal("expected secondary to serve")
	}
	if called != "secondary" {
		t.Fatalf("called = %q, want secondary (primary circuit should be open)", called)
	}

	// Manual breaker reset brings the primary back.
	if err := fg.ResetBreaker("primary"); err != nil {
		t.Fatalf("ResetBreaker: %v", err)
	}
	served, err = fg.Execute(func(string) error { return nil })
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if served != "primary" {
		t.Fatalf("served = %q, want primary after breaker reset", served)
	}
}

func TestFallbackGroup_DisabledEntrySkipped(t *testing.T) {
	fg := NewFallbackGroup("primary", "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})
	fg.AddFallback("secondary", "secondary")

	if err := fg.SetEnabled("primary", false); err != nil {
		t.Fatalf("SetEnabled: %v", err)
	}
	served, err := fg.Execute(func(string) error { return nil })
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if served != "secondary" {
		t.Fatalf("served = %q, want secondary (primary disabled)", served)
	}

	if err := fg.SetEnabled("nope", true); !errors.Is(err, ErrUnknownEntry) {
		t.Fatalf("err = %v, want ErrUnknownEntry", err)
	}
}

func TestFallbackGroup_ObserverSeesAttempts(t *testing.T) {
	var attempts []Attempt
	fg := NewFallbackGroup("primary", "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
		Observer:       func(a Attempt) { attempts = append(attempts, a) },
	})
	fg.AddFallback("secondary", "secondary")

	_, err := fg.Execute(func(v string) error {
		if v == "primary" {
			return errTest
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(attempts) != 2 {
		t.Fatalf("observed %d attempts, want 2", len(attempts))
	}
	if attempts[0].Name != "primary" || !errors.Is(attempts[0].Err, errTest) {
		t.Errorf("attempt[0] = %+v, want failed primary", attempts[0])
	}
	if attempts[1].Name != "secondary" || attempts[1].Err != nil {
		t.Errorf("attempt[1] = %+v, want successful secondary", attempts[1])
	}
}

func TestExecuteWithResult_Success(t *testing.T) {
	fg := NewFallbackGroup(10, "ten", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})
	fg.AddFallback("twenty", 20)

	result, served, err := ExecuteWithResult(fg, func(v int) (string, error) {
		if v == 10 {
			return "from-ten", nil
		}
		return "from-twenty", nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != "from-ten" || served != "ten" {
		t.Fatalf("result = %q served = %q, want from-ten/ten", result, served)
	}
}

func TestExecuteWithResult_Failover(t *testing.T) {
	fg := NewFallbackGroup(10, "ten", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})
	fg.AddFallback("twenty", 20)

	result, served, err := ExecuteWithResult(fg, func(v int) (string, error) {
		if v == 10 {
			return "", errTest
		}
		return "from-twenty", nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != "from-twenty" || served != "twenty" {
		t.Fatalf("result = %q served = %q, want from-twenty/twenty", result, served)
	}
}

func TestExecuteWithResult_AllFail(t *testing.T) {
	fg := NewFallbackGroup(10, "ten", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})

	_, _, err := ExecuteWithResult(fg, func(v int) (string, error) {
		return "", errTest
	})
	if !errors.Is(err, ErrAllFailed) {
		t.Fatalf("err = %v, want ErrAllFailed", err)
	}
}
