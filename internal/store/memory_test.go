package store

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestMemory_SetGet(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	if err := m.Set(ctx, "k", "v", 0); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	v, err := m.Get(ctx, "k")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if v != "v" {
		t.Errorf("Expected value 'v', got %q", v)
	}

	if _, err := m.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound for missing key, got %v", err)
	}
}

func TestMemory_Expiry(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	base := time.Now()
	m.now = func() time.Time { return base }

	m.Set(ctx, "k", "v", time.Second)

	if _, err := m.Get(ctx, "k"); err != nil {
		t.Fatalf("Get before expiry failed: %v", err)
	}

	base = base.Add(2 * time.Second)
	if _, err := m.Get(ctx, "k"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound after expiry, got %v", err)
	}
}

func TestMemory_TTL(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	base := time.Now()
	m.now = func() time.Time { return base }

	m.Set(ctx, "persistent", "v", 0)
	m.Set(ctx, "temp", "v", time.Minute)

	d, err := m.TTL(ctx, "persistent")
	if err != nil {
		t.Fatalf("TTL failed: %v", err)
	}
	if d != -1 {
		t.Errorf("Expected -1 for key without expiry, got %v", d)
	}

	d, err = m.TTL(ctx, "temp")
	if err != nil {
		t.Fatalf("TTL failed: %v", err)
	}
	if d != time.Minute {
		t.Errorf("Expected 1m TTL, got %v", d)
	}

	base = base.Add(2 * time.Minute)
	d, err = m.TTL(ctx, "temp")
	if err != nil {
		t.Fatalf("TTL on lapsed key failed: %v", err)
	}
	if d != 0 {
		t.Errorf("Expected 0 TTL for lapsed key, got %v", d)
	}

	if _, err := m.TTL(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound for missing key, got %v", err)
	}
}

func TestMemory_Hash(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	m.HSet(ctx, "h", "a", "1")
	m.HSet(ctx, "h", "b", "2")

	v, err := m.HGet(ctx, "h", "a")
	if err != nil || v != "1" {
		t.Errorf("Expected HGet to return '1', got %q (%v)", v, err)
	}

	all, err := m.HGetAll(ctx, "h")
	if err != nil {
		t.Fatalf("HGetAll failed: %v", err)
	}
	if len(all) != 2 {
		t.Errorf("Expected 2 fields, got %d", len(all))
	}

	m.HDel(ctx, "h", "a")
	if _, err := m.HGet(ctx, "h", "a"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound after HDel, got %v", err)
	}
}

func TestMemory_IncrEx(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	base := time.Now()
	m.now = func() time.Time { return base }

	for want := int64(1); want <= 3; want++ {
		n, err := m.IncrEx(ctx, "ctr", time.Minute)
		if err != nil {
			t.Fatalf("IncrEx failed: %v", err)
		}
		if n != want {
			t.Errorf("Expected counter %d, got %d", want, n)
		}
	}

	// TTL is set on first increment only and survives subsequent ones
	base = base.Add(2 * time.Minute)
	n, err := m.IncrEx(ctx, "ctr", time.Minute)
	if err != nil {
		t.Fatalf("IncrEx after expiry failed: %v", err)
	}
	if n != 1 {
		t.Errorf("Expected counter to restart at 1 after expiry, got %d", n)
	}
}

func TestMemory_SlideWindow(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	var now int64 = 10_000
	window := int64(1000)

	for i := 0; i < 3; i++ {
		count, added, err := m.SlideWindow(ctx, "w", now-window, now, "m"+string(rune('a'+i)), 3, time.Second)
		if err != nil {
			t.Fatalf("SlideWindow failed: %v", err)
		}
		if !added {
			t.Fatalf("Expected entry %d to be added", i)
		}
		if count != int64(i) {
			t.Errorf("Expected pre-add count %d, got %d", i, count)
		}
	}

	count, added, err := m.SlideWindow(ctx, "w", now-window, now, "overflow", 3, time.Second)
	if err != nil {
		t.Fatalf("SlideWindow failed: %v", err)
	}
	if added {
		t.Error("Expected fourth entry within window to be refused")
	}
	if count != 3 {
		t.Errorf("Expected count 3, got %d", count)
	}

	// Advancing past the window prunes the old entries
	now += window + 1
	_, added, err = m.SlideWindow(ctx, "w", now-window, now, "fresh", 3, time.Second)
	if err != nil {
		t.Fatalf("SlideWindow failed: %v", err)
	}
	if !added {
		t.Error("Expected entry to be admitted after the window slid past")
	}
}

func TestMemory_BucketTake(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	var now int64 = 50_000
	refill := 100 * time.Millisecond

	for i := 0; i < 3; i++ {
		_, allowed, err := m.BucketTake(ctx, "b", 3, refill, time.Minute, now)
		if err != nil {
			t.Fatalf("BucketTake failed: %v", err)
		}
		if !allowed {
			t.Fatalf("Expected take %d to be allowed", i)
		}
	}

	remaining, allowed, err := m.BucketTake(ctx, "b", 3, refill, time.Minute, now)
	if err != nil {
		t.Fatalf("BucketTake failed: %v", err)
	}
	if allowed {
		t.Error("Expected empty bucket to refuse")
	}
	if remaining != 0 {
		t.Errorf("Expected 0 remaining, got %d", remaining)
	}

	// One refill interval later a single token is back
	now += refill.Milliseconds()
	_, allowed, err = m.BucketTake(ctx, "b", 3, refill, time.Minute, now)
	if err != nil {
		t.Fatalf("BucketTake failed: %v", err)
	}
	if !allowed {
		t.Error("Expected take to be allowed after refill")
	}

	// Refill never exceeds capacity
	now += 100 * refill.Milliseconds()
	remaining, _, err = m.BucketTake(ctx, "b", 3, refill, time.Minute, now)
	if err != nil {
		t.Fatalf("BucketTake failed: %v", err)
	}
	if remaining != 2 {
		t.Errorf("Expected bucket capped at capacity (2 remaining after take), got %d", remaining)
	}
}

func TestMemory_Scan(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	m.Set(ctx, "ratelimit:fixed:u1:5", "1", 0)
	m.Set(ctx, "ratelimit:blocked:u1", "1", 0)
	m.Set(ctx, "room:r1", "{}", 0)

	keys, err := m.Scan(ctx, "ratelimit:*")
	if err != nil {
		t.Fatalf("Scan failed: %v", err)
	}
	if len(keys) != 2 {
		t.Errorf("Expected 2 ratelimit keys, got %d: %v", len(keys), keys)
	}
}
