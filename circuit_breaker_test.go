package smarterdoc

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

var errBackend = errors.New("backend down")

func failN(cb *CircuitBreaker, n int) {
	for i := 0; i < n; i++ {
		cb.Execute(context.Background(), func() error { return errBackend })
	}
}

func TestCircuitBreaker_StateTransitions(t *testing.T) {
	cb := NewCircuitBreaker(3, 100*time.Millisecond)

	if cb.State() != BreakerClosed {
		t.Fatalf("expected initial state closed, got %s", cb.State())
	}

	failN(cb, 3)
	if cb.State() != BreakerOpen {
		t.Fatalf("expected open after 3 failures, got %s", cb.State())
	}

	err := cb.Execute(context.Background(), func() error {
		t.Error("should not execute when the breaker is open")
		return nil
	})
	if !errors.Is(err, ErrBreakerOpen) {
		t.Errorf("expected ErrBreakerOpen, got %v", err)
	}

	time.Sleep(150 * time.Millisecond)

	if err := cb.Execute(context.Background(), func() error { return nil }); err != nil {
		t.Fatalf("half-open probe should run: %v", err)
	}
	if cb.State() != BreakerClosed {
		t.Errorf("expected closed after a successful probe, got %s", cb.State())
	}
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	cb := NewCircuitBreaker(2, 50*time.Millisecond)
	failN(cb, 2)

	time.Sleep(75 * time.Millisecond)
	failN(cb, 1)

	if cb.State() != BreakerOpen {
		t.Errorf("a failed probe should reopen the breaker, got %s", cb.State())
	}
}

func TestCircuitBreaker_SuccessResetsFailures(t *testing.T) {
	cb := NewCircuitBreaker(5, time.Second)

	failN(cb, 3)
	if cb.Failures() != 3 {
		t.Fatalf("expected 3 failures, got %d", cb.Failures())
	}

	cb.Execute(context.Background(), func() error { return nil })
	if cb.Failures() != 0 {
		t.Errorf("success should reset failures, got %d", cb.Failures())
	}
	if cb.State() != BreakerClosed {
		t.Errorf("expected closed, got %s", cb.State())
	}
}

func TestCircuitBreaker_FailureFilter(t *testing.T) {
	cb := NewCircuitBreaker(1, time.Second)
	onlyBackend := func(err error) bool { return errors.Is(err, errBackend) }

	err := cb.Execute(context.Background(), func() error { return context.Canceled }, onlyBackend)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("the call's error must be returned, got %v", err)
	}
	if cb.State() != BreakerClosed || cb.Failures() != 0 {
		t.Error("filtered errors must not count")
	}

	cb.Execute(context.Background(), func() error { return errBackend }, onlyBackend)
	if cb.State() != BreakerOpen {
		t.Errorf("expected open, got %s", cb.State())
	}
}

func TestCircuitBreaker_Reset(t *testing.T) {
	cb := NewCircuitBreaker(1, time.Hour)
	failN(cb, 1)

	cb.Reset()
	if cb.State() != BreakerClosed || cb.Failures() != 0 {
		t.Errorf("Reset should close the breaker, got %s/%d", cb.State(), cb.Failures())
	}
}

func TestCircuitBreaker_StateChangeCallback(t *testing.T) {
	var mu sync.Mutex
	var transitions []string

	cb := NewCircuitBreaker(2, 50*time.Millisecond).WithStateChangeCallback(func(from, to BreakerState) {
		mu.Lock()
		defer mu.Unlock()
		transitions = append(transitions, string(from)+"->"+string(to))
	})

	failN(cb, 2)
	time.Sleep(75 * time.Millisecond)
	cb.Execute(context.Background(), func() error { return nil })

	mu.Lock()
	defer mu.Unlock()
	want := []string{"closed->open", "open->half-open", "half-open->closed"}
	if len(transitions) != len(want) {
		t.Fatalf("transitions = %v, want %v", transitions, want)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Errorf("transition %d = %s, want %s", i, transitions[i], want[i])
		}
	}
}

func TestCircuitBreaker_Concurrent(t *testing.T) {
	cb := NewCircuitBreaker(100, time.Second)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			cb.Execute(context.Background(), func() error {
				if i%2 == 0 {
					return errBackend
				}
				return nil
			})
		}(i)
	}
	wg.Wait()

	if cb.State() != BreakerClosed {
		t.Errorf("interleaved successes should keep the breaker closed, got %s", cb.State())
	}
}
