// Package cache is the client's tiered key/value cache: a bounded in-memory
// LRU in front of a durable SQLite table, plus a long-lived metadata table.
// Values are JSON documents stamped with a write time, a per-key version and
// a content hash.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when no live entry exists for a key.
	ErrNotFound = errors.New("cache entry not found")

	// ErrStaleVersion is returned when a write carries an older version than
	// the stored entry.
	ErrStaleVersion = errors.New("cache entry version is stale")

	// ErrInvalidKey is returned for an empty key.
	ErrInvalidKey = errors.New("cache key must not be empty")

	// ErrInvalidValue is returned when a value is not a JSON document.
	ErrInvalidValue = errors.New("cache value is not valid JSON")

	// ErrHashMismatch is returned when an imported entry fails verification.
	ErrHashMismatch = errors.New("cache entry hash mismatch")
)

// Entry is one cached value and its bookkeeping.
type Entry struct {
	Value     json.RawMessage `json:"value"`
	WrittenAt time.Time       `json:"written_at"`
	Version   int64           `json:"version"`
	Hash      string          `json:"hash"`
	ExpiresAt *time.Time      `json:"expires_at,omitempty"`
	// Offline marks a value written locally and not yet acknowledged by the
	// server.
	Offline bool `json:"offline,omitempty"`
}

// Expired reports whether the entry's expiry is at or before now.
func (e Entry) Expired(now time.Time) bool {
	return e.ExpiresAt != nil && !now.Before(*e.ExpiresAt)
}

// Verify reports whether Hash matches Value.
func (e Entry) Verify() bool {
	return e.Hash == HashValue(e.Value)
}

// size approximates the memory held by the entry under key.
func (e Entry) size(key string) int {
	return len(key) + len(e.Value) + len(e.Hash) + 64
}

// HashValue returns the hex SHA-256 of a value.
func HashValue(v []byte) string {
	sum := sha256.Sum256(v)
	return hex.EncodeToString(sum[:])
}

// KeyedEntry pairs an entry with its key.
type KeyedEntry struct {
	Key string `json:"key"`
	Entry
}

// Tier is one storage level of the cache. Get returns ErrNotFound on a miss
// and may return expired entries; the Cache decides what is live.
type Tier interface {
	Get(ctx context.Context, key string) (Entry, error)
	Set(ctx context.Context, key string, e Entry) error
	Delete(ctx context.Context, key string) error
	Clear(ctx context.Context) error
	// Sweep removes entries expired at now and returns how many were removed.
	Sweep(ctx context.Context, now time.Time) (int, error)
}

// TypedEntry is an Entry whose value has been decoded.
type TypedEntry[T any] struct {
	Value     T
	WrittenAt time.Time
	Version   int64
	Offline   bool
}

// GetAs reads key and decodes its value into T.
func GetAs[T any](ctx context.Context, c *Cache, key string) (TypedEntry[T], error) {
	var out TypedEntry[T]
	e, err := c.Get(ctx, key)
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(e.Value, &out.Value); err != nil {
		return out, errors.Join(ErrInvalidValue, err)
	}
	out.WrittenAt = e.WrittenAt
	out.Version = e.Version
	out.Offline = e.Offline
	return out, nil
}

// SetAs encodes v and writes it under key.
func SetAs[T any](ctx context.Context, c *Cache, key string, v T, opts SetOptions) (Entry, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return Entry{}, errors.Join(ErrInvalidValue, err)
	}
	return c.Set(ctx, key, raw, opts)
}
