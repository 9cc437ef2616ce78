package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ecoffie/market-assassin-sub003/internal/counterstore"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestLimiter() (*Limiter, *counterstore.MemoryStore, *fakeClock) {
	clock := &fakeClock{now: time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)}
	store := counterstore.NewMemoryStore()
	store.SetClock(clock.Now)
	return New(store, WithClock(clock.Now)), store, clock
}

func TestLimiter_Check_BasicFunctionality(t *testing.T) {
	limiter, _, _ := newTestLimiter()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		res, err := limiter.Check(ctx, "ip:192.168.1.1", 3, time.Minute)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !res.Allowed {
			t.Errorf("Request %d should be allowed, but was denied", i+1)
		}
		if res.Remaining != int64(2-i) {
			t.Errorf("Request %d: expected remaining %d, got %d", i+1, 2-i, res.Remaining)
		}
	}

	res, err := limiter.Check(ctx, "ip:192.168.1.1", 3, time.Minute)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Allowed {
		t.Error("4th request should be denied, but was allowed")
	}
	if res.Remaining != 0 {
		t.Errorf("Expected remaining 0, got %d", res.Remaining)
	}
}

func TestLimiter_Check_DifferentKeys(t *testing.T) {
	limiter, _, _ := newTestLimiter()
	ctx := context.Background()

	allow := func(key string) bool {
		res, err := limiter.Check(ctx, key, 2, time.Minute)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		return res.Allowed
	}

	ip1 := "ip:192.168.1.1"
	ip2 := "ip:192.168.1.2"

	if !allow(ip1) || !allow(ip1) {
		t.Error("First two requests for ip1 should be allowed")
	}
	if allow(ip1) {
		t.Error("Third request for ip1 should be denied")
	}

	if !allow(ip2) || !allow(ip2) {
		t.Error("ip2 should still have its full limit available")
	}
	if allow(ip2) {
		t.Error("Third request for ip2 should be denied")
	}
}

func TestLimiter_Check_WindowReset(t *testing.T) {
	limiter, _, clock := newTestLimiter()
	ctx := context.Background()

	for window := 0; window < 3; window++ {
		for i := 0; i < 2; i++ {
			res, err := limiter.Check(ctx, "ip:10.0.0.1", 2, time.Minute)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !res.Allowed {
				t.Errorf("Request %d in window %d should be allowed", i+1, window)
			}
		}

		res, _ := limiter.Check(ctx, "ip:10.0.0.1", 2, time.Minute)
		if res.Allowed {
			t.Errorf("Third request in window %d should be denied", window)
		}

		clock.Advance(time.Minute + time.Second)

		res, _ = limiter.Check(ctx, "ip:10.0.0.1", 2, time.Minute)
		if !res.Allowed || res.Count != 1 {
			t.Errorf("First request after reset should be allowed with count 1, got allowed=%v count=%d", res.Allowed, res.Count)
		}
		clock.Advance(time.Minute + time.Second)
	}
}

func TestLimiter_Check_ResetAt(t *testing.T) {
	limiter, _, clock := newTestLimiter()
	ctx := context.Background()
	start := clock.Now()

	res, _ := limiter.Check(ctx, "k", 5, time.Hour)
	if !res.ResetAt.Equal(start.Add(time.Hour)) {
		t.Errorf("Expected reset at %v, got %v", start.Add(time.Hour), res.ResetAt)
	}

	clock.Advance(10 * time.Minute)
	res, _ = limiter.Check(ctx, "k", 5, time.Hour)
	if !res.ResetAt.Equal(start.Add(time.Hour)) {
		t.Errorf("Window should not slide: expected reset at %v, got %v", start.Add(time.Hour), res.ResetAt)
	}
}

func TestLimiter_Check_RearmsCounterWithoutExpiry(t *testing.T) {
	limiter, store, clock := newTestLimiter()
	ctx := context.Background()

	// Simulates a crash between INCR and EXPIRE.
	if _, err := store.Incr(ctx, "rl:stuck"); err != nil {
		t.Fatal(err)
	}

	res, err := limiter.Check(ctx, "stuck", 1, time.Minute)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Allowed {
		t.Error("Second request in the stuck window should be denied")
	}

	ttl, _ := store.TTL(ctx, "rl:stuck")
	if ttl <= 0 {
		t.Fatalf("Expected TTL to be re-armed, got %v", ttl)
	}

	clock.Advance(time.Minute + time.Second)
	res, _ = limiter.Check(ctx, "stuck", 1, time.Minute)
	if !res.Allowed {
		t.Error("Request after re-armed window should be allowed")
	}
}

func TestLimiter_Check_EdgeCases(t *testing.T) {
	tests := []struct {
		name       string
		limit      int64
		key        string
		requests   int
		expectPass bool
	}{
		{
			name:       "zero limit should deny all",
			limit:      0,
			key:        "ip:192.168.1.1",
			requests:   1,
			expectPass: false,
		},
		{
			name:       "single request limit",
			limit:      1,
			key:        "ip:192.168.1.1",
			requests:   1,
			expectPass: true,
		},
		{
			name:       "empty identifier",
			limit:      5,
			key:        "",
			requests:   3,
			expectPass: true,
		},
		{
			name:       "very long identifier",
			limit:      5,
			key:        "very.long.identifier.with.many.dots.and.characters.192.168.1.100",
			requests:   3,
			expectPass: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			limiter, _, _ := newTestLimiter()

			var last Result
			for i := 0; i < tt.requests; i++ {
				last, _ = limiter.Check(context.Background(), tt.key, tt.limit, time.Minute)
			}

			if last.Allowed != tt.expectPass {
				t.Errorf("Expected %v, got %v for %d requests with limit %d",
					tt.expectPass, last.Allowed, tt.requests, tt.limit)
			}
		})
	}
}

func TestLimiter_Check_ConcurrentAccess(t *testing.T) {
	limiter, _, _ := newTestLimiter()
	ctx := context.Background()

	var wg sync.WaitGroup
	allowed := make(chan bool, 60)

	// 60 concurrent callers against a limit of 50: exactly 50 may pass.
	for i := 0; i < 60; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := limiter.Check(ctx, "report:bob@co.com", 50, 24*time.Hour)
			if err != nil {
				t.Errorf("unexpected error: %v", err)
			}
			allowed <- res.Allowed
		}()
	}
	wg.Wait()
	close(allowed)

	count := 0
	for a := range allowed {
		if a {
			count++
		}
	}
	if count != 50 {
		t.Errorf("Expected 50 allowed requests, got %d", count)
	}
}

func TestLimiter_CheckPolicy_ReportGenerationScenario(t *testing.T) {
	limiter, _, _ := newTestLimiter()
	ctx := context.Background()

	var res Result
	var err error
	for i := 1; i <= 51; i++ {
		res, err = limiter.CheckPolicy(ctx, ReportGeneration, "bob@co.com")
		if err != nil {
			t.Fatalf("call %d: unexpected error: %v", i, err)
		}
		if i <= 50 && !res.Allowed {
			t.Fatalf("call %d should be allowed", i)
		}
	}

	if res.Allowed {
		t.Error("call 51 should be denied")
	}
	if res.Remaining != 0 {
		t.Errorf("call 51: expected remaining 0, got %d", res.Remaining)
	}
	if res.Limit != 50 {
		t.Errorf("call 51: expected limit 50, got %d", res.Limit)
	}
}

func TestLimiter_Check_FailsClosed(t *testing.T) {
	limiter, store, _ := newTestLimiter()
	store.SetFailing(true)

	res, err := limiter.CheckPolicy(context.Background(), AdminOperations, "10.0.0.1")
	if !errors.Is(err, counterstore.ErrStoreUnavailable) {
		t.Fatalf("Expected ErrStoreUnavailable, got %v", err)
	}
	if res.Allowed {
		t.Error("Store failure must deny the request")
	}
}

func BenchmarkLimiter_Check(b *testing.B) {
	limiter := New(counterstore.NewMemoryStore())
	ctx := context.Background()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = limiter.Check(ctx, "ip:192.168.1.1", 1000000, time.Minute)
	}
}

func BenchmarkLimiter_Check_DifferentIPs(b *testing.B) {
	limiter := New(counterstore.NewMemoryStore())
	ctx := context.Background()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		ip := fmt.Sprintf("ip:192.168.1.%d", i%256)
		_, _ = limiter.Check(ctx, ip, 1000000, time.Minute)
	}
}
