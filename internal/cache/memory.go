package cache

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	apperrors "trade-governor/internal/errors"
)

type memEntry struct {
	value    string
	expireAt time.Time
}

// MemoryCounters is an in-process Counters implementation.
type MemoryCounters struct {
	mu      sync.Mutex
	entries map[string]memEntry
	now     func() time.Time
}

var _ Counters = (*MemoryCounters)(nil)

// NewMemoryCounters creates an empty in-process cache. now may be nil.
func NewMemoryCounters(now func() time.Time) *MemoryCounters {
	if now == nil {
		now = time.Now
	}
	return &MemoryCounters{
		entries: make(map[string]memEntry),
		now:     now,
	}
}

// lookup must be called with mu held.
func (m *MemoryCounters) lookup(key string) (memEntry, bool) {
	e, ok := m.entries[key]
	if !ok {
		return memEntry{}, false
	}
	if !e.expireAt.IsZero() && !m.now().Before(e.expireAt) {
		delete(m.entries, key)
		return memEntry{}, false
	}
	return e, true
}

func (m *MemoryCounters) Get(ctx context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.lookup(key)
	if !ok {
		return "", fmt.Errorf("%s: %w", key, apperrors.ErrCacheMiss)
	}
	return e.value, nil
}

func (m *MemoryCounters) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e := memEntry{value: value}
	if ttl > 0 {
		e.expireAt = m.now().Add(ttl)
	}
	m.entries[key] = e
	return nil
}

func (m *MemoryCounters) IncrBy(ctx context.Context, key string, delta int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, _ := m.lookup(key)
	var cur int64
	if e.value != "" {
		v, err := strconv.ParseInt(e.value, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("value at %s is not an integer: %w", key, err)
		}
		cur = v
	}
	cur += delta
	e.value = strconv.FormatInt(cur, 10)
	m.entries[key] = e
	return cur, nil
}

func (m *MemoryCounters) IncrByFloat(ctx context.Context, key string, delta float64) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, _ := m.lookup(key)
	var cur float64
	if e.value != "" {
		v, err := strconv.ParseFloat(e.value, 64)
		if err != nil {
			return 0, fmt.Errorf("value at %s is not a float: %w", key, err)
		}
		cur = v
	}
	cur += delta
	e.value = strconv.FormatFloat(cur, 'f', -1, 64)
	m.entries[key] = e
	return cur, nil
}

func (m *MemoryCounters) ExpireAt(ctx context.Context, key string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.lookup(key)
	if !ok {
		return nil
	}
	e.expireAt = at
	m.entries[key] = e
	return nil
}

func (m *MemoryCounters) Delete(ctx context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, k := range keys {
		delete(m.entries, k)
	}
	return nil
}

func (m *MemoryCounters) Close() error { return nil }
