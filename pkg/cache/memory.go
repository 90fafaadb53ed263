package cache

import (
	"context"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"
)

// MemoryTier is an LRU bounded by item count and, when maxBytes is positive,
// by the approximate byte size of its entries.
type MemoryTier struct {
	mu        sync.Mutex
	lru       *simplelru.LRU[string, Entry]
	maxBytes  int
	bytes     int
	evictions int64
}

// NewMemoryTier creates a memory tier holding at most maxItems entries.
func NewMemoryTier(maxItems, maxBytes int) *MemoryTier {
	if maxItems < 1 {
		maxItems = 1
	}
	m := &MemoryTier{maxBytes: maxBytes}
	// NewLRU only fails for a non-positive size.
	m.lru, _ = simplelru.NewLRU[string, Entry](maxItems, m.onEvict)
	return m
}

// onEvict runs for every removal, explicit or not, with mu held.
func (m *MemoryTier) onEvict(key string, e Entry) {
	m.bytes -= e.size(key)
}

func (m *MemoryTier) Get(_ context.Context, key string) (Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.lru.Get(key)
	if !ok {
		return Entry{}, ErrNotFound
	}
	return e, nil
}

// Set stores e under key, evicting least recently used entries until both
// bounds hold. An entry larger than the byte bound is not stored.
func (m *MemoryTier) Set(_ context.Context, key string, e Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.lru.Remove(key)
	size := e.size(key)
	if m.maxBytes > 0 && size > m.maxBytes {
		return nil
	}
	for m.maxBytes > 0 && m.bytes+size > m.maxBytes {
		if _, _, ok := m.lru.RemoveOldest(); !ok {
			break
		}
		m.evictions++
	}
	if m.lru.Add(key, e) {
		m.evictions++
	}
	m.bytes += size
	return nil
}

func (m *MemoryTier) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lru.Remove(key)
	return nil
}

func (m *MemoryTier) Clear(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lru.Purge()
	m.bytes = 0
	return nil
}

func (m *MemoryTier) Sweep(_ context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for _, key := range m.lru.Keys() {
		if e, ok := m.lru.Peek(key); ok && e.Expired(now) {
			m.lru.Remove(key)
			removed++
		}
	}
	return removed, nil
}

// Len returns the number of entries held.
func (m *MemoryTier) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lru.Len()
}

// Bytes returns the approximate size of the entries held.
func (m *MemoryTier) Bytes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.bytes
}

// Evictions returns how many entries were dropped to respect the bounds.
func (m *MemoryTier) Evictions() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.evictions
}
