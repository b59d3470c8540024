package ratelimit

import (
	"context"
	"testing"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/Shubhamdas27/SevaDaan-backend-sub002/internal/store"
)

func newTestLimiter(t *testing.T) (*Limiter, *store.Memory, *time.Time) {
	t.Helper()
	mem := store.NewMemory()
	l := New(mem, otel.Meter("test"))
	base := time.Now()
	l.now = func() time.Time { return base }
	return l, mem, &base
}

func TestLimiter_FixedWindow(t *testing.T) {
	l, _, _ := newTestLimiter(t)
	ctx := context.Background()
	cfg := Config{MaxRequests: 5, Window: time.Minute}

	for i := 1; i <= 5; i++ {
		res := l.Check(ctx, "u1", cfg)
		if !res.Allowed {
			t.Fatalf("Expected request %d to be allowed", i)
		}
		if res.TotalRequests != int64(i) {
			t.Errorf("Expected total %d, got %d", i, res.TotalRequests)
		}
		if res.RemainingRequests != int64(5-i) {
			t.Errorf("Expected remaining %d, got %d", 5-i, res.RemainingRequests)
		}
	}

	res := l.Check(ctx, "u1", cfg)
	if res.Allowed {
		t.Error("Expected sixth request to be denied")
	}
	if res.RemainingRequests != 0 {
		t.Errorf("Expected 0 remaining, got %d", res.RemainingRequests)
	}
	if res.RetryAfter <= 0 || res.RetryAfter > time.Minute {
		t.Errorf("Expected retry-after within the window, got %v", res.RetryAfter)
	}
}

func TestLimiter_FixedWindowIsolatesIdentifiers(t *testing.T) {
	l, _, _ := newTestLimiter(t)
	ctx := context.Background()
	cfg := Config{MaxRequests: 1, Window: time.Minute}

	if res := l.Check(ctx, "u1", cfg); !res.Allowed {
		t.Fatal("Expected first request for u1 to be allowed")
	}
	if res := l.Check(ctx, "u1", cfg); res.Allowed {
		t.Error("Expected second request for u1 to be denied")
	}
	if res := l.Check(ctx, "u2", cfg); !res.Allowed {
		t.Error("Expected u2 to have its own budget")
	}
}

func TestLimiter_FixedWindowBlockMarker(t *testing.T) {
	l, _, _ := newTestLimiter(t)
	ctx := context.Background()
	cfg := Config{MaxRequests: 1, Window: time.Minute, BlockDuration: 5 * time.Minute}

	l.Check(ctx, "abuser", cfg)
	res := l.Check(ctx, "abuser", cfg)
	if res.Allowed {
		t.Fatal("Expected overflow request to be denied")
	}
	if res.RetryAfter != 5*time.Minute {
		t.Errorf("Expected retry-after to be the block duration, got %v", res.RetryAfter)
	}

	if !l.IsBlocked(ctx, "abuser") {
		t.Error("Expected identifier to be blocked after overflow")
	}
	if l.IsBlocked(ctx, "innocent") {
		t.Error("Expected other identifiers to be unaffected")
	}
}

func TestLimiter_SlidingWindow(t *testing.T) {
	l, _, base := newTestLimiter(t)
	ctx := context.Background()
	cfg := Config{MaxRequests: 3, Window: time.Second}

	for i := 1; i <= 3; i++ {
		res := l.CheckSlidingWindow(ctx, "u1", cfg)
		if !res.Allowed {
			t.Fatalf("Expected request %d to be allowed", i)
		}
		if res.TotalRequests != int64(i) {
			t.Errorf("Expected total %d, got %d", i, res.TotalRequests)
		}
	}

	res := l.CheckSlidingWindow(ctx, "u1", cfg)
	if res.Allowed {
		t.Error("Expected fourth request within the window to be denied")
	}

	// Just past the window the oldest entries age out
	*base = base.Add(1001 * time.Millisecond)
	res = l.CheckSlidingWindow(ctx, "u1", cfg)
	if !res.Allowed {
		t.Error("Expected request to be admitted after entries aged out")
	}
}

func TestLimiter_TokenBucket(t *testing.T) {
	l, _, base := newTestLimiter(t)
	ctx := context.Background()
	cfg := Config{MaxRequests: 3, Window: time.Minute, RefillInterval: 100 * time.Millisecond}

	for i := 1; i <= 3; i++ {
		res := l.CheckTokenBucket(ctx, "u1", cfg)
		if !res.Allowed {
			t.Fatalf("Expected take %d to be allowed", i)
		}
	}

	res := l.CheckTokenBucket(ctx, "u1", cfg)
	if res.Allowed {
		t.Error("Expected empty bucket to refuse")
	}
	if res.RetryAfter != cfg.RefillInterval {
		t.Errorf("Expected retry-after of one refill interval, got %v", res.RetryAfter)
	}

	*base = base.Add(cfg.RefillInterval)
	res = l.CheckTokenBucket(ctx, "u1", cfg)
	if !res.Allowed {
		t.Error("Expected take to be allowed after a refill interval")
	}
}

func TestLimiter_Reset(t *testing.T) {
	l, _, _ := newTestLimiter(t)
	ctx := context.Background()
	cfg := Config{MaxRequests: 1, Window: time.Minute, BlockDuration: time.Hour}

	l.Check(ctx, "u1", cfg)
	l.Check(ctx, "u1", cfg)
	l.CheckSlidingWindow(ctx, "u1", cfg)
	if !l.IsBlocked(ctx, "u1") {
		t.Fatal("Expected identifier to be blocked before reset")
	}

	if err := l.Reset(ctx, "u1"); err != nil {
		t.Fatalf("Reset failed: %v", err)
	}

	if l.IsBlocked(ctx, "u1") {
		t.Error("Expected block to be cleared by reset")
	}
	if res := l.Check(ctx, "u1", cfg); !res.Allowed {
		t.Error("Expected full quota after reset")
	}
}

func TestLimiter_GetStats(t *testing.T) {
	l, _, _ := newTestLimiter(t)
	ctx := context.Background()
	cfg := Config{MaxRequests: 1, Window: time.Minute, BlockDuration: time.Hour}

	l.Check(ctx, "u1", cfg)
	l.Check(ctx, "u1", cfg) // overflow places the block
	l.Check(ctx, "u2", cfg)

	stats, err := l.GetStats(ctx)
	if err != nil {
		t.Fatalf("GetStats failed: %v", err)
	}
	if stats.BlockedIdentifiers != 1 {
		t.Errorf("Expected 1 blocked identifier, got %d", stats.BlockedIdentifiers)
	}
	if len(stats.WindowCounts) != 2 {
		t.Errorf("Expected 2 fixed windows, got %d", len(stats.WindowCounts))
	}
	if stats.ActiveKeys < 3 {
		t.Errorf("Expected at least 3 active keys, got %d", stats.ActiveKeys)
	}
}

func TestLimiter_Cleanup(t *testing.T) {
	mem := store.NewMemory()
	l := New(mem, otel.Meter("test"))
	ctx := context.Background()

	mem.Set(ctx, "ratelimit:fixed:u1:5", "3", 10*time.Millisecond)
	mem.Set(ctx, "ratelimit:blocked:u2", "1", time.Hour)

	time.Sleep(50 * time.Millisecond)

	removed, err := l.Cleanup(ctx)
	if err != nil {
		t.Fatalf("Cleanup failed: %v", err)
	}
	if removed != 1 {
		t.Errorf("Expected 1 key removed, got %d", removed)
	}
	if !l.IsBlocked(ctx, "u2") {
		t.Error("Expected live block to survive cleanup")
	}
}

// failingStore reports every operation as unavailable.
type failingStore struct {
	store.Store
}

func (failingStore) IncrEx(context.Context, string, time.Duration) (int64, error) {
	return 0, store.ErrUnavailable
}

func (failingStore) SlideWindow(context.Context, string, int64, int64, string, int64, time.Duration) (int64, bool, error) {
	return 0, false, store.ErrUnavailable
}

func (failingStore) BucketTake(context.Context, string, int64, time.Duration, time.Duration, int64) (int64, bool, error) {
	return 0, false, store.ErrUnavailable
}

func (failingStore) Exists(context.Context, string) (bool, error) {
	return false, store.ErrUnavailable
}

func TestLimiter_FailsOpenWhenStoreDown(t *testing.T) {
	l := New(failingStore{}, otel.Meter("test"))
	ctx := context.Background()
	cfg := Config{MaxRequests: 5, Window: time.Minute, RefillInterval: time.Second}

	if res := l.Check(ctx, "u1", cfg); !res.Allowed {
		t.Error("Expected fixed window to fail open")
	}
	if res := l.CheckSlidingWindow(ctx, "u1", cfg); !res.Allowed {
		t.Error("Expected sliding window to fail open")
	}
	if res := l.CheckTokenBucket(ctx, "u1", cfg); !res.Allowed {
		t.Error("Expected token bucket to fail open")
	}
	if l.IsBlocked(ctx, "u1") {
		t.Error("Expected block check to fail open")
	}
}
