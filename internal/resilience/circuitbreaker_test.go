package resilience

import (
	"errors"
	"sync"
	"testing"
	"time"
)

func tripFast() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		MaxRequests:  1,
		Interval:     60 * time.Second,
		Timeout:      50 * time.Millisecond,
		FailureRatio: 0.5,
		MinRequests:  2,
	}
}

func fail(m *CircuitBreakerManager, host string, n int) {
	testErr := errors.New("test error")
	for i := 0; i < n; i++ {
		_, _ = m.Execute(host, func() (any, error) { return nil, testErr })
	}
}

func TestCircuitBreakerManager_Execute_Success(t *testing.T) {
	manager := NewCircuitBreakerManager(DefaultCircuitBreakerConfig())

	result, err := manager.Execute("ok.example.com", func() (any, error) {
		return "ok", nil
	})

	if err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if result != "ok" {
		t.Errorf("expected 'ok', got %v", result)
	}
	if manager.State("ok.example.com") != BreakerClosed {
		t.Errorf("expected closed state, got %v", manager.State("ok.example.com"))
	}
}

func TestCircuitBreakerManager_OpensAfterFailures(t *testing.T) {
	manager := NewCircuitBreakerManager(tripFast())

	fail(manager, "down.example.com", 3)

	if manager.State("down.example.com") != BreakerOpen {
		t.Errorf("expected open state after failures, got %v", manager.State("down.example.com"))
	}
	if manager.State("up.example.com") != BreakerClosed {
		t.Error("other hosts should stay closed")
	}
}

func TestCircuitBreakerManager_HalfOpenAfterTimeout(t *testing.T) {
	manager := NewCircuitBreakerManager(tripFast())

	fail(manager, "flaky.example.com", 3)
	time.Sleep(80 * time.Millisecond)

	if got := manager.State("flaky.example.com"); got != BreakerHalfOpen {
		t.Fatalf("expected half-open after timeout, got %v", got)
	}

	_, _ = manager.Execute("flaky.example.com", func() (any, error) { return nil, nil })
	if got := manager.State("flaky.example.com"); got != BreakerClosed {
		t.Errorf("expected closed after a successful trial, got %v", got)
	}
}

func TestCircuitBreakerManager_OnStateChange(t *testing.T) {
	manager := NewCircuitBreakerManager(tripFast())

	var mu sync.Mutex
	var transitions []BreakerState
	manager.OnStateChange(func(host string, from, to BreakerState) {
		mu.Lock()
		transitions = append(transitions, to)
		mu.Unlock()
	})

	fail(manager, "cb.example.com", 3)

	mu.Lock()
	defer mu.Unlock()
	if len(transitions) == 0 {
		t.Fatal("expected state change callback to be called")
	}
	if transitions[0] != BreakerOpen {
		t.Errorf("expected transition to open, got %v", transitions[0])
	}
}

func TestCircuitBreakerManager_ConcurrentAccess(t *testing.T) {
	manager := NewCircuitBreakerManager(DefaultCircuitBreakerConfig())

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = manager.Execute("concurrent.example.com", func() (any, error) {
				return "ok", nil
			})
		}()
	}
	wg.Wait()
}

func TestCircuitBreakerManager_Remove(t *testing.T) {
	manager := NewCircuitBreakerManager(tripFast())

	fail(manager, "rm.example.com", 3)
	if manager.State("rm.example.com") != BreakerOpen {
		t.Fatalf("expected open state, got %v", manager.State("rm.example.com"))
	}

	manager.Remove("rm.example.com")

	if manager.State("rm.example.com") != BreakerClosed {
		t.Errorf("after remove, new breaker should be closed, got %v", manager.State("rm.example.com"))
	}
}

func TestBreakerState_Float(t *testing.T) {
	tests := map[BreakerState]float64{BreakerClosed: 0, BreakerHalfOpen: 1, BreakerOpen: 2}
	for s, want := range tests {
		if got := s.Float(); got != want {
			t.Errorf("%s.Float() = %v, want %v", s, got, want)
		}
	}
}
