package store

import (
	"context"
	"path"
	"sort"
	"strconv"
	"sync"
	"time"
)

// Memory is a mutex-guarded Store for tests and local development. A
// single lock makes every compound operation atomic, matching the Lua
// scripts of the Redis implementation.
type Memory struct {
	mu      sync.Mutex
	entries map[string]*memEntry
	now     func() time.Time
}

type memEntry struct {
	value    string
	counter  int64
	hash     map[string]string
	zset     map[string]int64 // member → score
	expireAt time.Time        // zero = no expiry
}

func NewMemory() *Memory {
	return &Memory{
		entries: make(map[string]*memEntry),
		now:     time.Now,
	}
}

// live returns the entry for key, discarding it first if its TTL lapsed.
// Callers must hold mu.
func (m *Memory) live(key string) *memEntry {
	e, ok := m.entries[key]
	if !ok {
		return nil
	}
	if !e.expireAt.IsZero() && !m.now().Before(e.expireAt) {
		delete(m.entries, key)
		return nil
	}
	return e
}

func (m *Memory) upsert(key string) *memEntry {
	e := m.live(key)
	if e == nil {
		e = &memEntry{}
		m.entries[key] = e
	}
	return e
}

func (m *Memory) Get(_ context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.live(key)
	if e == nil {
		return "", ErrNotFound
	}
	if e.value == "" && e.counter != 0 {
		return strconv.FormatInt(e.counter, 10), nil
	}
	return e.value, nil
}

func (m *Memory) Set(_ context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := &memEntry{value: value}
	if ttl > 0 {
		e.expireAt = m.now().Add(ttl)
	}
	m.entries[key] = e
	return nil
}

func (m *Memory) Del(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		delete(m.entries, k)
	}
	return nil
}

func (m *Memory) Exists(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.live(key) != nil, nil
}

func (m *Memory) TTL(_ context.Context, key string) (time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok {
		return 0, ErrNotFound
	}
	if e.expireAt.IsZero() {
		return -1, nil
	}
	d := e.expireAt.Sub(m.now())
	if d < 0 {
		d = 0
	}
	return d, nil
}

func (m *Memory) Expire(_ context.Context, key string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e := m.live(key); e != nil {
		e.expireAt = m.now().Add(ttl)
	}
	return nil
}

func (m *Memory) HSet(_ context.Context, key, field, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.upsert(key)
	if e.hash == nil {
		e.hash = make(map[string]string)
	}
	e.hash[field] = value
	return nil
}

func (m *Memory) HGet(_ context.Context, key, field string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.live(key)
	if e == nil || e.hash == nil {
		return "", ErrNotFound
	}
	v, ok := e.hash[field]
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

func (m *Memory) HGetAll(_ context.Context, key string) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]string)
	e := m.live(key)
	if e == nil {
		return out, nil
	}
	for k, v := range e.hash {
		out[k] = v
	}
	return out, nil
}

func (m *Memory) HDel(_ context.Context, key string, fields ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.live(key)
	if e == nil || e.hash == nil {
		return nil
	}
	for _, f := range fields {
		delete(e.hash, f)
	}
	if len(e.hash) == 0 && e.value == "" && e.counter == 0 && len(e.zset) == 0 {
		delete(m.entries, key)
	}
	return nil
}

func (m *Memory) IncrEx(_ context.Context, key string, ttl time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.live(key)
	if e == nil {
		e = &memEntry{}
		if ttl > 0 {
			e.expireAt = m.now().Add(ttl)
		}
		m.entries[key] = e
	}
	e.counter++
	return e.counter, nil
}

func (m *Memory) SlideWindow(_ context.Context, key string, cutoff, now int64, member string, limit int64, ttl time.Duration) (int64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.upsert(key)
	if e.zset == nil {
		e.zset = make(map[string]int64)
	}
	for mem, score := range e.zset {
		if score <= cutoff {
			delete(e.zset, mem)
		}
	}
	count := int64(len(e.zset))
	added := false
	if count < limit {
		e.zset[member] = now
		if ttl > 0 {
			e.expireAt = m.now().Add(ttl)
		}
		added = true
	}
	if len(e.zset) == 0 {
		delete(m.entries, key)
	}
	return count, added, nil
}

func (m *Memory) BucketTake(_ context.Context, key string, capacity int64, refill, ttl time.Duration, now int64) (int64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.live(key)
	if e == nil {
		e = &memEntry{hash: map[string]string{}}
		m.entries[key] = e
	}
	if e.hash == nil {
		e.hash = make(map[string]string)
	}
	tokens, tokOK := parseInt(e.hash["tokens"])
	last, lastOK := parseInt(e.hash["lastRefill"])
	if !tokOK || !lastOK {
		tokens, last = capacity, now
	}
	refillMs := refill.Milliseconds()
	if refillMs > 0 && now > last {
		gained := (now - last) / refillMs
		if gained > 0 {
			tokens += gained
			if tokens > capacity {
				tokens = capacity
			}
			last += gained * refillMs
		}
	}
	allowed := false
	if tokens > 0 {
		tokens--
		allowed = true
	}
	e.hash["tokens"] = strconv.FormatInt(tokens, 10)
	e.hash["lastRefill"] = strconv.FormatInt(last, 10)
	if ttl > 0 {
		e.expireAt = m.now().Add(ttl)
	}
	return tokens, allowed, nil
}

func (m *Memory) Scan(_ context.Context, pattern string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	// Lapsed entries are reported too: expiry here is lazy, and the
	// limiter's cleanup sweep is what reclaims them.
	var keys []string
	for k := range m.entries {
		if ok, _ := path.Match(pattern, k); ok {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func parseInt(s string) (int64, bool) {
	if s == "" {
		return 0, false
	}
	n, err := strconv.ParseInt(s, 10, 64)
	return n, err == nil
}
