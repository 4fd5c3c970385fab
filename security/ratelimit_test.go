package security

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"golang.org/x/time/rate"
)

func TestNewRateLimiter(t *testing.T) {
	rl := NewRateLimiter(10, 20, nil)
	defer rl.Stop()

	if rl.limit != rate.Limit(10) {
		t.Errorf("limit = %v, want 10", rl.limit)
	}
	if rl.burst != 20 {
		t.Errorf("burst = %d, want 20", rl.burst)
	}
	if rl.maxEntries != DefaultRateLimiterMaxEntries {
		t.Errorf("maxEntries = %d, want %d", rl.maxEntries, DefaultRateLimiterMaxEntries)
	}
}

func TestNewPerMinuteRateLimiter(t *testing.T) {
	rl := NewPerMinuteRateLimiter(30, nil)
	defer rl.Stop()

	if rl.burst != 30 {
		t.Errorf("burst = %d, want 30", rl.burst)
	}
	for i := 0; i < 30; i++ {
		if !rl.Allow("host") {
			t.Fatalf("request %d should be allowed within burst", i+1)
		}
	}
	if rl.Allow("host") {
		t.Error("request beyond per-minute burst should be denied")
	}
}

func TestRateLimiter_Allow(t *testing.T) {
	rl := NewRateLimiter(1, 3, nil)
	defer rl.Stop()

	for i := 0; i < 3; i++ {
		if !rl.Allow("10.0.0.1") {
			t.Errorf("request %d should be allowed", i+1)
		}
	}
	if rl.Allow("10.0.0.1") {
		t.Error("request over burst should be denied")
	}
	if !rl.Allow("10.0.0.2") {
		t.Error("other keys have their own bucket")
	}
}

func TestRateLimiter_LRUEviction(t *testing.T) {
	rl := NewRateLimiterWithConfig(rate.Limit(1), 1, 2, nil)
	defer rl.Stop()

	rl.Allow("a")
	rl.Allow("b")
	rl.Allow("a") // refresh a so b is least recently used
	rl.Allow("c")

	if rl.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", rl.Len())
	}
	if _, ok := rl.limiters["b"]; ok {
		t.Error("least recently used key should be evicted")
	}
	if _, ok := rl.limiters["a"]; !ok {
		t.Error("recently used key should be kept")
	}
}

func TestRateLimiter_Cleanup(t *testing.T) {
	rl := NewRateLimiter(10, 10, nil)
	defer rl.Stop()

	rl.Allow("old")
	rl.mu.Lock()
	rl.limiters["old"].Value.(*rateLimiterEntry).lastAccess = time.Now().Add(-time.Hour)
	rl.mu.Unlock()
	rl.Allow("fresh")

	if removed := rl.Cleanup(30 * time.Minute); removed != 1 {
		t.Errorf("Cleanup() = %d, want 1", removed)
	}
	if rl.Len() != 1 {
		t.Errorf("Len() = %d, want 1", rl.Len())
	}
}

func TestRateLimiter_ConcurrentAccess(t *testing.T) {
	rl := NewRateLimiter(1000, 1000, nil)
	defer rl.Stop()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				rl.Allow(fmt.Sprintf("key-%d", i%5))
			}
		}(i)
	}
	wg.Wait()

	if rl.Len() != 5 {
		t.Errorf("Len() = %d, want 5", rl.Len())
	}
}

func TestRateLimiter_Stop(t *testing.T) {
	rl := NewRateLimiter(1, 1, nil)
	rl.Stop()
	rl.Stop()
}
