package resilience

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestRateLimiterManager_Allow(t *testing.T) {
	manager := NewRateLimiterManager(DefaultRateLimiterConfig())
	ctx := context.Background()

	// limit 10 gives a burst of 2
	for i := 0; i < 2; i++ {
		if ok, _ := manager.Allow(ctx, "hooks.example.com", 10); !ok {
			t.Errorf("request %d should be allowed (burst)", i+1)
		}
	}
	if ok, _ := manager.Allow(ctx, "hooks.example.com", 10); ok {
		t.Error("third request should be rate limited")
	}
}

func TestRateLimiterManager_HostsAreIndependent(t *testing.T) {
	manager := NewRateLimiterManager(DefaultRateLimiterConfig())
	ctx := context.Background()

	_, _ = manager.Allow(ctx, "a.example.com", 1)
	if ok, _ := manager.Allow(ctx, "a.example.com", 1); ok {
		t.Error("second request to a should be rate limited")
	}
	if ok, _ := manager.Allow(ctx, "b.example.com", 1); !ok {
		t.Error("b should not be affected by a")
	}
}

func TestRateLimiterManager_DefaultLimit(t *testing.T) {
	manager := NewRateLimiterManager(RateLimiterConfig{RequestsPerSecond: 1, BurstSize: 1})

	limiter := manager.GetLimiter("host", 0, 0)
	if limiter.Burst() != 1 {
		t.Errorf("Burst() = %d, want 1", limiter.Burst())
	}
}

func TestRateLimiterManager_ConcurrentAccess(t *testing.T) {
	manager := NewRateLimiterManager(DefaultRateLimiterConfig())

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = manager.Allow(context.Background(), "host_concurrent", 50)
		}()
	}
	wg.Wait()
}

func TestRateLimiterManager_Remove(t *testing.T) {
	manager := NewRateLimiterManager(DefaultRateLimiterConfig())
	ctx := context.Background()

	_, _ = manager.Allow(ctx, "host_remove", 1)
	if ok, _ := manager.Allow(ctx, "host_remove", 1); ok {
		t.Error("should be rate limited")
	}

	manager.Remove("host_remove")

	if ok, _ := manager.Allow(ctx, "host_remove", 1); !ok {
		t.Error("after remove, new limiter should allow")
	}
}

func TestRateLimiterManager_Delay(t *testing.T) {
	manager := NewRateLimiterManager(RateLimiterConfig{RequestsPerSecond: 10, BurstSize: 1})

	_, _ = manager.Allow(context.Background(), "host_wait", 0)

	delay := manager.Delay("host_wait")
	if delay == 0 {
		t.Error("should have a delay after burst exhausted")
	}
	if delay > 200*time.Millisecond {
		t.Errorf("delay too long: %v", delay)
	}
}
