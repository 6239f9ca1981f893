package resilience_test

import (
	"errors"
	"testing"
	"time"

	"github.com/voicewire/voicewire/internal/resilience"
)

var errPost = errors.New("post failed")

func newBreaker(maxFailures int, reset time.Duration) *resilience.CircuitBreaker {
	return resilience.NewCircuitBreaker(resilience.Config{
		Name:         "test",
		MaxFailures:  maxFailures,
		ResetTimeout: reset,
		HalfOpenMax:  2,
	})
}

func TestBreakerStaysClosedOnSuccess(t *testing.T) {
	cb := newBreaker(3, time.Minute)
	for i := 0; i < 10; i++ {
		if err := cb.Execute(func() error { return nil }); err != nil {
			t.Fatalf("call %d: %v", i, err)
		}
	}
	if cb.State() != resilience.StateClosed {
		t.Errorf("state = %s, want closed", cb.State())
	}
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	cb := newBreaker(3, time.Minute)

	for i := 0; i < 3; i++ {
		if err := cb.Execute(func() error { return errPost }); !errors.Is(err, errPost) {
			t.Fatalf("call %d: err = %v, want errPost", i, err)
		}
	}
	if cb.State() != resilience.StateOpen {
		t.Fatalf("state = %s, want open", cb.State())
	}

	// Open breaker rejects without invoking fn.
	called := false
	err := cb.Execute(func() error { called = true; return nil })
	if !errors.Is(err, resilience.ErrCircuitOpen) {
		t.Errorf("err = %v, want ErrCircuitOpen", err)
	}
	if called {
		t.Error("fn was called while breaker open")
	}
}

func TestBreakerSuccessResetsFailureCount(t *testing.T) {
	cb := newBreaker(3, time.Minute)

	cb.Execute(func() error { return errPost })
	cb.Execute(func() error { return errPost })
	cb.Execute(func() error { return nil })
	cb.Execute(func() error { return errPost })
	cb.Execute(func() error { return errPost })

	if cb.State() != resilience.StateClosed {
		t.Errorf("state = %s, want closed (failures were not consecutive)", cb.State())
	}
}

func TestBreakerHalfOpenRecovery(t *testing.T) {
	cb := newBreaker(1, 10*time.Millisecond)

	cb.Execute(func() error { return errPost })
	if cb.State() != resilience.StateOpen {
		t.Fatalf("state = %s, want open", cb.State())
	}

	time.Sleep(20 * time.Millisecond)
	if cb.State() != resilience.StateHalfOpen {
		t.Fatalf("state = %s, want half-open after reset timeout", cb.State())
	}

	// Two successful probes (HalfOpenMax) close the breaker.
	for i := 0; i < 2; i++ {
		if err := cb.Execute(func() error { return nil }); err != nil {
			t.Fatalf("probe %d: %v", i, err)
		}
	}
	if cb.State() != resilience.StateClosed {
		t.Errorf("state = %s, want closed after successful probes", cb.State())
	}
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	cb := newBreaker(1, 10*time.Millisecond)

	cb.Execute(func() error { return errPost })
	time.Sleep(20 * time.Millisecond)

	if err := cb.Execute(func() error { return errPost }); !errors.Is(err, errPost) {
		t.Fatalf("probe err = %v, want errPost", err)
	}
	if cb.State() != resilience.StateOpen {
		t.Errorf("state = %s, want open after failed probe", cb.State())
	}
}

func TestBreakerReset(t *testing.T) {
	cb := newBreaker(1, time.Hour)

	cb.Execute(func() error { return errPost })
	if cb.State() != resilience.StateOpen {
		t.Fatalf("state = %s, want open", cb.State())
	}

	cb.Reset()
	if cb.State() != resilience.StateClosed {
		t.Errorf("state = %s, want closed after Reset", cb.State())
	}
	if err := cb.Execute(func() error { return nil }); err != nil {
		t.Errorf("Execute after Reset: %v", err)
	}
}
