package retry

import (
	"errors"
	"testing"
	"time"
)

var errBoom = errors.New("boom")

// clockBreaker returns a breaker with a controllable clock.
func clockBreaker(max int, cooldown time.Duration) (*CircuitBreaker, *time.Time) {
	now := time.Unix(1000, 0)
	cb := NewCircuitBreaker(max, cooldown)
	cb.now = func() time.Time { return now }
	return cb, &now
}

func TestCircuitBreaker_OpensAfterThreshold(t *testing.T) {
	cb, _ := clockBreaker(3, time.Minute)

	for i := 0; i < 3; i++ {
		if err := cb.Execute(func() error { return errBoom }); !errors.Is(err, errBoom) {
			t.Fatalf("call %d: err = %v", i, err)
		}
	}
	if cb.CurrentState() != StateOpen {
		t.Fatalf("state = %v, want open", cb.CurrentState())
	}

	called := false
	err := cb.Execute(func() error { called = true; return nil })
	if !errors.Is(err, ErrOpen) {
		t.Errorf("err = %v, want ErrOpen", err)
	}
	if called {
		t.Error("fn must not run while open")
	}
}

func TestCircuitBreaker_HalfOpenRecovery(t *testing.T) {
	cb, now := clockBreaker(1, time.Minute)
	_ = cb.Execute(func() error { return errBoom })

	*now = now.Add(2 * time.Minute)
	if err := cb.Execute(func() error { return nil }); err != nil {
		t.Fatalf("probe: %v", err)
	}
	if cb.CurrentState() != StateClosed || cb.Failures() != 0 {
		t.Errorf("state = %v failures = %d", cb.CurrentState(), cb.Failures())
	}
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	cb, now := clockBreaker(2, time.Minute)
	_ = cb.Execute(func() error { return errBoom })
	_ = cb.Execute(func() error { return errBoom })

	*now = now.Add(2 * time.Minute)
	_ = cb.Execute(func() error { return errBoom })
	if cb.CurrentState() != StateOpen {
		t.Errorf("state = %v, want open", cb.CurrentState())
	}
}

func TestCircuitBreaker_SingleProbe(t *testing.T) {
	cb, now := clockBreaker(1, time.Minute)
	_ = cb.Execute(func() error { return errBoom })
	*now = now.Add(2 * time.Minute)

	inner := errors.New("unset")
	_ = cb.Execute(func() error {
		inner = cb.Execute(func() error { return nil })
		return nil
	})
	if !errors.Is(inner, ErrOpen) {
		t.Errorf("concurrent probe err = %v, want ErrOpen", inner)
	}
}

func TestCircuitBreaker_SuccessResetsFailureCount(t *testing.T) {
	cb, _ := clockBreaker(3, time.Minute)
	_ = cb.Execute(func() error { return errBoom })
	_ = cb.Execute(func() error { return errBoom })
	_ = cb.Execute(func() error { return nil })
	if cb.Failures() != 0 || cb.CurrentState() != StateClosed {
		t.Errorf("failures = %d state = %v", cb.Failures(), cb.CurrentState())
	}
}

func TestCircuitBreaker_StateChange(t *testing.T) {
	cb, _ := clockBreaker(1, time.Minute)
	var changes []string
	cb.OnStateChange = func(from, to State) { changes = append(changes, from.String()+"->"+to.String()) }

	_ = cb.Execute(func() error { return errBoom })
	cb.Reset()

	want := []string{"closed->open", "open->closed"}
	if len(changes) != len(want) {
		t.Fatalf("changes = %v", changes)
	}
	for i := range want {
		if changes[i] != want[i] {
			t.Errorf("change %d = %q, want %q", i, changes[i], want[i])
		}
	}
}

func TestState_String(t *testing.T) {
	tests := map[State]string{StateClosed: "closed", StateOpen: "open", StateHalfOpen: "half-open", State(9): "unknown"}
	for s, want := range tests {
		if s.String() != want {
			t.Errorf("%d.String() = %q", s, s.String())
		}
	}
}

func TestNewCircuitBreaker_Defaults(t *testing.T) {
	cb := NewCircuitBreaker(0, 0)
	if cb.maxFailures != 3 || cb.cooldown != 10*time.Second {
		t.Errorf("defaults = %d %v", cb.maxFailures, cb.cooldown)
	}
}
