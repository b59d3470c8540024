// Package ratelimit admits or rejects operations against a rate quota.
// Three strategies are offered (fixed window, sliding window, token
// bucket), all keyed by a caller-chosen identifier and all stateless:
// every counter lives in the shared state store so any number of gateway
// processes enforce the same quota. When the store is unreachable the
// limiter fails open: availability of the protected operation wins over
// strict enforcement.
package ratelimit

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/Shubhamdas27/SevaDaan-backend-sub002/internal/store"
)

const keyPrefix = "ratelimit"

// Config parameterizes a limit check.
type Config struct {
	MaxRequests int
	Window      time.Duration
	// BlockDuration, when set, places an explicit penalty block on the
	// identifier after a fixed-window overflow.
	BlockDuration time.Duration
	// RefillInterval is the time to regain one token (token bucket only).
	RefillInterval time.Duration
}

// Result reports an admission decision.
type Result struct {
	Allowed           bool
	TotalRequests     int64
	RemainingRequests int64
	ResetTime         time.Time
	// RetryAfter is the wait hint carried back to rejected callers.
	RetryAfter time.Duration
}

// Stats is an observability snapshot. Never authoritative for admission.
type Stats struct {
	ActiveKeys         int              `json:"activeKeys"`
	BlockedIdentifiers int              `json:"blockedIdentifiers"`
	WindowCounts       map[string]int64 `json:"windowCounts"`
}

// Limiter runs the admission checks. Safe for concurrent use.
type Limiter struct {
	st  store.Store
	now func() time.Time

	decisionCounter metric.Int64Counter
}

func New(st store.Store, meter metric.Meter) *Limiter {
	decisions, _ := meter.Int64Counter("ratelimit_decisions_total",
		metric.WithDescription("Rate limit checks by strategy and outcome"))
	return &Limiter{st: st, now: time.Now, decisionCounter: decisions}
}

func fixedKey(id string, window int64) string {
	return keyPrefix + ":fixed:" + id + ":" + strconv.FormatInt(window, 10)
}

func slidingKey(id string) string { return keyPrefix + ":sliding:" + id }
func bucketKey(id string) string  { return keyPrefix + ":bucket:" + id }
func blockedKey(id string) string { return keyPrefix + ":blocked:" + id }

// failOpen is the degraded-store decision: allow, report the full quota,
// log once per call.
func (l *Limiter) failOpen(ctx context.Context, strategy, id string, cfg Config, err error) Result {
	slog.WarnContext(ctx, "Rate limit store unavailable, failing open",
		"strategy", strategy, "identifier", id, "error", err)
	l.count(ctx, strategy, "fail_open")
	return Result{
		Allowed:           true,
		TotalRequests:     0,
		RemainingRequests: int64(cfg.MaxRequests),
		ResetTime:         l.now().Add(cfg.Window),
	}
}

func (l *Limiter) count(ctx context.Context, strategy, outcome string) {
	l.decisionCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("strategy", strategy),
		attribute.String("outcome", outcome),
	))
}

// Check is the fixed-window strategy: increment-then-compare on a
// counter keyed by (identifier, window index). On overflow with a
// configured BlockDuration it additionally places the penalty block.
func (l *Limiter) Check(ctx context.Context, identifier string, cfg Config) Result {
	now := l.now()
	windowMs := cfg.Window.Milliseconds()
	windowIdx := now.UnixMilli() / windowMs
	reset := time.UnixMilli((windowIdx + 1) * windowMs)

	count, err := l.st.IncrEx(ctx, fixedKey(identifier, windowIdx), cfg.Window)
	if err != nil {
		return l.failOpen(ctx, "fixed_window", identifier, cfg, err)
	}

	res := Result{
		TotalRequests: count,
		ResetTime:     reset,
	}
	if remaining := int64(cfg.MaxRequests) - count; remaining > 0 {
		res.RemainingRequests = remaining
	}
	if count <= int64(cfg.MaxRequests) {
		res.Allowed = true
		l.count(ctx, "fixed_window", "allowed")
		return res
	}

	res.RetryAfter = reset.Sub(now)
	if cfg.BlockDuration > 0 {
		if err := l.st.Set(ctx, blockedKey(identifier), "1", cfg.BlockDuration); err != nil {
			slog.WarnContext(ctx, "Failed to place penalty block", "identifier", identifier, "error", err)
		} else {
			res.RetryAfter = cfg.BlockDuration
		}
	}
	l.count(ctx, "fixed_window", "denied")
	return res
}

// CheckSlidingWindow keeps an ordered set of request timestamps per
// identifier: prune entries older than the window, admit while fewer
// than MaxRequests survive. Smoother than the fixed window at window
// boundaries. Prune and conditional add run as one atomic store
// operation.
func (l *Limiter) CheckSlidingWindow(ctx context.Context, identifier string, cfg Config) Result {
	nowMs := l.now().UnixMilli()
	cutoff := nowMs - cfg.Window.Milliseconds()
	member := strconv.FormatInt(nowMs, 10) + "-" + uuid.NewString()

	count, added, err := l.st.SlideWindow(ctx, slidingKey(identifier),
		cutoff, nowMs, member, int64(cfg.MaxRequests), cfg.Window)
	if err != nil {
		return l.failOpen(ctx, "sliding_window", identifier, cfg, err)
	}

	total := count
	if added {
		total++
	}
	res := Result{
		Allowed:       added,
		TotalRequests: total,
		ResetTime:     time.UnixMilli(nowMs).Add(cfg.Window),
	}
	if remaining := int64(cfg.MaxRequests) - total; remaining > 0 {
		res.RemainingRequests = remaining
	}
	if !added {
		res.RetryAfter = cfg.Window
		l.count(ctx, "sliding_window", "denied")
		return res
	}
	l.count(ctx, "sliding_window", "allowed")
	return res
}

// CheckTokenBucket admits while tokens remain in a bucket that starts
// full at MaxRequests and regains one token per RefillInterval, capped
// at MaxRequests.
func (l *Limiter) CheckTokenBucket(ctx context.Context, identifier string, cfg Config) Result {
	now := l.now()
	refill := cfg.RefillInterval
	if refill <= 0 {
		refill = cfg.Window
	}
	// The bucket key only needs to outlive a full refill cycle.
	ttl := 2 * time.Duration(cfg.MaxRequests) * refill
	if ttl < cfg.Window {
		ttl = cfg.Window
	}

	remaining, allowed, err := l.st.BucketTake(ctx, bucketKey(identifier),
		int64(cfg.MaxRequests), refill, ttl, now.UnixMilli())
	if err != nil {
		return l.failOpen(ctx, "token_bucket", identifier, cfg, err)
	}

	res := Result{
		Allowed:           allowed,
		TotalRequests:     int64(cfg.MaxRequests) - remaining,
		RemainingRequests: remaining,
		ResetTime:         now.Add(refill),
	}
	if !allowed {
		res.RetryAfter = refill
		l.count(ctx, "token_bucket", "denied")
		return res
	}
	l.count(ctx, "token_bucket", "allowed")
	return res
}

// IsBlocked reports whether the identifier carries an explicit penalty
// block. Independent of the counting strategies; fails open.
func (l *Limiter) IsBlocked(ctx context.Context, identifier string) bool {
	blocked, err := l.st.Exists(ctx, blockedKey(identifier))
	if err != nil {
		slog.WarnContext(ctx, "Block check failed, failing open", "identifier", identifier, "error", err)
		return false
	}
	return blocked
}

// Reset clears every window, bucket, and block key for an identifier.
// Administrative override.
func (l *Limiter) Reset(ctx context.Context, identifier string) error {
	keys := []string{slidingKey(identifier), bucketKey(identifier), blockedKey(identifier)}
	windows, err := l.st.Scan(ctx, keyPrefix+":fixed:"+identifier+":*")
	if err != nil {
		return err
	}
	keys = append(keys, windows...)
	if err := l.st.Del(ctx, keys...); err != nil {
		return err
	}
	slog.InfoContext(ctx, "Rate limit reset", "identifier", identifier, "keys", len(keys))
	return nil
}

// GetStats aggregates active keys, blocked identifiers, and per-window
// counts.
func (l *Limiter) GetStats(ctx context.Context) (Stats, error) {
	keys, err := l.st.Scan(ctx, keyPrefix+":*")
	if err != nil {
		return Stats{}, err
	}
	stats := Stats{
		ActiveKeys:   len(keys),
		WindowCounts: make(map[string]int64),
	}
	for _, key := range keys {
		switch {
		case strings.HasPrefix(key, keyPrefix+":blocked:"):
			stats.BlockedIdentifiers++
		case strings.HasPrefix(key, keyPrefix+":fixed:"):
			raw, err := l.st.Get(ctx, key)
			if err != nil {
				continue
			}
			if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
				stats.WindowCounts[strings.TrimPrefix(key, keyPrefix+":fixed:")] = n
			}
		}
	}
	return stats, nil
}

// Cleanup sweeps keys whose TTL has already lapsed. Defensive only: the
// store's own expiry is the primary mechanism, but the in-memory store
// expires lazily and a Redis under memory pressure appreciates the help.
func (l *Limiter) Cleanup(ctx context.Context) (int, error) {
	keys, err := l.st.Scan(ctx, keyPrefix+":*")
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, key := range keys {
		ttl, err := l.st.TTL(ctx, key)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return removed, err
		}
		if ttl == 0 {
			if err := l.st.Del(ctx, key); err != nil {
				return removed, err
			}
			removed++
		}
	}
	if removed > 0 {
		slog.DebugContext(ctx, "Rate limit cleanup", "removed", removed)
	}
	return removed, nil
}
