// Package store defines the shared state store contract backing room
// membership mirrors, account records, and rate-limit counters, with a
// Redis implementation for production and an in-memory one for tests.
package store

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a key or hash field does not exist.
	ErrNotFound = errors.New("store: not found")
	// ErrUnavailable wraps infrastructure failures. Callers check it with
	// errors.Is to decide between failing open and reporting the operation
	// as not completed.
	ErrUnavailable = errors.New("store: unavailable")
)

// Store is the key/value, hash, and windowed-counter contract shared by
// the room manager, the authenticator, and the rate limiter.
//
// IncrEx, SlideWindow, and BucketTake are compound operations: each one is
// a single atomic round trip so that two concurrent checks for the same
// identifier can never both be admitted past a limit.
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error
	Exists(ctx context.Context, key string) (bool, error)
	// TTL returns the remaining lifetime of a key. A negative duration
	// means the key has no expiry; ErrNotFound means the key is gone.
	TTL(ctx context.Context, key string) (time.Duration, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error

	HSet(ctx context.Context, key, field, value string) error
	HGet(ctx context.Context, key, field string) (string, error)
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	HDel(ctx context.Context, key string, fields ...string) error

	// IncrEx increments the integer at key and returns the new value.
	// The key's TTL is set on the first increment only.
	IncrEx(ctx context.Context, key string, ttl time.Duration) (int64, error)

	// SlideWindow prunes ordered-set members scored at or below cutoff,
	// then adds member at score now if the surviving cardinality is below
	// limit. It returns the cardinality before the add and whether the
	// add happened.
	SlideWindow(ctx context.Context, key string, cutoff, now int64, member string, limit int64, ttl time.Duration) (count int64, added bool, err error)

	// BucketTake refills the token bucket at key by elapsed/refill whole
	// intervals (capped at capacity, starting full), then consumes one
	// token if any remain. It returns the tokens left after the take.
	BucketTake(ctx context.Context, key string, capacity int64, refill time.Duration, ttl time.Duration, now int64) (remaining int64, allowed bool, err error)

	// Scan returns keys matching a glob pattern. Observability only; not
	// used for admission decisions.
	Scan(ctx context.Context, pattern string) ([]string, error)
}
