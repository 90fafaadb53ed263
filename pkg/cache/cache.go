package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/hyperengineering/quire/pkg/clock"
)

// NoExpiry as SetOptions.TTL keeps an entry in the durable tiers until it is
// deleted.
const NoExpiry time.Duration = -1

// Options configures a Cache.
type Options struct {
	// MemoryTTL bounds how long an entry stays in the memory tier.
	MemoryTTL time.Duration
	// DurableTTL is the default lifetime of durable entries.
	DurableTTL time.Duration
	// MetaTTL is the default lifetime of metadata entries.
	MetaTTL time.Duration
	// MetadataPrefixes classify keys stored in the metadata tier.
	MetadataPrefixes []string
	SweepInterval    time.Duration
	Clock            clock.Clock
	Logger           *slog.Logger
}

// DefaultOptions returns the default cache configuration.
func DefaultOptions() Options {
	return Options{
		MemoryTTL:        5 * time.Minute,
		DurableTTL:       24 * time.Hour,
		MetaTTL:          30 * 24 * time.Hour,
		MetadataPrefixes: []string{"meta:", "config:", "status:"},
		SweepInterval:    time.Minute,
	}
}

// Default memory tier bounds.
const (
	DefaultMemoryItems = 500
	DefaultMemoryBytes = 8 << 20
)

// SetOptions tune a single write.
type SetOptions struct {
	// TTL overrides the tier default lifetime. NoExpiry disables expiry.
	TTL time.Duration
	// Version is written as is when positive; otherwise the previous
	// version is incremented.
	Version int64
	Offline bool
}

// TierStats counts lookups against one tier.
type TierStats struct {
	Hits    int64   `json:"hits"`
	Misses  int64   `json:"misses"`
	Expired int64   `json:"expired"`
	HitRate float64 `json:"hit_rate"`
}

// Stats is a snapshot of cache counters.
type Stats struct {
	Memory      TierStats `json:"memory"`
	Durable     TierStats `json:"durable"`
	Meta        TierStats `json:"meta"`
	Total       TierStats `json:"total"`
	MemoryItems int       `json:"memory_items"`
	MemoryBytes int       `json:"memory_bytes"`
	Evictions   int64     `json:"evictions"`
}

type counters struct {
	hits, misses, expired atomic.Int64
}

func (c *counters) snapshot() TierStats {
	s := TierStats{Hits: c.hits.Load(), Misses: c.misses.Load(), Expired: c.expired.Load()}
	s.HitRate = hitRate(s.Hits, s.Misses)
	return s
}

func hitRate(hits, misses int64) float64 {
	if hits+misses == 0 {
		return 0
	}
	return float64(hits) / float64(hits+misses)
}

// ImportResult reports the outcome of Import.
type ImportResult struct {
	SuccessCount int      `json:"success_count"`
	FailedCount  int      `json:"failed_count"`
	Errors       []string `json:"errors,omitempty"`
}

// Cache reads through its tiers in order and writes to all tiers that hold
// a key.
type Cache struct {
	opts    Options
	memory  *MemoryTier
	durable *SQLiteTier
	meta    *MetaTier
	clock   clock.Clock
	logger  *slog.Logger

	memoryStats  counters
	durableStats counters
	metaStats    counters
}

// New assembles a cache over its three tiers. Zero options fall back to
// DefaultOptions.
func New(opts Options, memory *MemoryTier, durable *SQLiteTier, meta *MetaTier) *Cache {
	def := DefaultOptions()
	if opts.MemoryTTL == 0 {
		opts.MemoryTTL = def.MemoryTTL
	}
	if opts.DurableTTL == 0 {
		opts.DurableTTL = def.DurableTTL
	}
	if opts.MetaTTL == 0 {
		opts.MetaTTL = def.MetaTTL
	}
	if opts.MetadataPrefixes == nil {
		opts.MetadataPrefixes = def.MetadataPrefixes
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = def.SweepInterval
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Cache{
		opts:    opts,
		memory:  memory,
		durable: durable,
		meta:    meta,
		clock:   opts.Clock,
		logger:  opts.Logger.With("component", "cache"),
	}
}

// Open opens (or creates) a cache database at path and assembles a cache
// with default memory bounds. The returned close function closes the
// database.
func Open(ctx context.Context, path string, opts Options) (*Cache, func() error, error) {
	db, err := OpenDB(ctx, path)
	if err != nil {
		return nil, nil, err
	}
	c := New(opts,
		NewMemoryTier(DefaultMemoryItems, DefaultMemoryBytes),
		NewSQLiteTier(db),
		NewMetaTier(db),
	)
	return c, db.Close, nil
}

// IsMetadata reports whether key belongs in the metadata tier.
func (c *Cache) IsMetadata(key string) bool {
	for _, p := range c.opts.MetadataPrefixes {
		if strings.HasPrefix(key, p) {
			return true
		}
	}
	return false
}

// Get returns the live entry for key, reading the memory tier, then the
// durable tier, then the metadata tier for metadata keys. Hits below the
// memory tier are copied into it. Expired entries are removed on the way.
func (c *Cache) Get(ctx context.Context, key string) (Entry, error) {
	now := c.clock.Now()

	e, err := c.lookup(ctx, c.memory, &c.memoryStats, key, now)
	if err == nil {
		return e, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return Entry{}, err
	}

	e, err = c.lookup(ctx, c.durable, &c.durableStats, key, now)
	if err == nil {
		c.backfill(ctx, key, e, now)
		return e, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return Entry{}, err
	}

	if !c.IsMetadata(key) {
		return Entry{}, ErrNotFound
	}
	e, err = c.lookup(ctx, c.meta, &c.metaStats, key, now)
	if err != nil {
		return Entry{}, err
	}
	c.backfill(ctx, key, e, now)
	return e, nil
}

func (c *Cache) lookup(ctx context.Context, t Tier, st *counters, key string, now time.Time) (Entry, error) {
	e, err := t.Get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		st.misses.Add(1)
		return Entry{}, ErrNotFound
	}
	if err != nil {
		return Entry{}, err
	}
	if e.Expired(now) {
		st.expired.Add(1)
		st.misses.Add(1)
		if err := t.Delete(ctx, key); err != nil {
			c.logger.Warn("failed to purge expired entry", "key", key, "error", err)
		}
		return Entry{}, ErrNotFound
	}
	st.hits.Add(1)
	return e, nil
}

// backfill copies e into the memory tier with the memory lifetime, never
// outliving the entry itself.
func (c *Cache) backfill(ctx context.Context, key string, e Entry, now time.Time) {
	_ = c.memory.Set(ctx, key, c.memoryCopy(e, now))
}

func (c *Cache) memoryCopy(e Entry, now time.Time) Entry {
	exp := now.Add(c.opts.MemoryTTL)
	if e.ExpiresAt != nil && e.ExpiresAt.Before(exp) {
		exp = *e.ExpiresAt
	}
	e.ExpiresAt = &exp
	return e
}

// Set writes value under key to the memory and durable tiers, and to the
// metadata tier for metadata keys.
func (c *Cache) Set(ctx context.Context, key string, value json.RawMessage, opts SetOptions) (Entry, error) {
	if key == "" {
		return Entry{}, ErrInvalidKey
	}
	if !json.Valid(value) {
		return Entry{}, ErrInvalidValue
	}

	now := c.clock.Now()
	version := opts.Version
	if version <= 0 {
		prev, err := c.currentVersion(ctx, key)
		if err != nil {
			return Entry{}, err
		}
		version = prev + 1
	}

	e := Entry{
		Value:     append(json.RawMessage(nil), value...),
		WrittenAt: now,
		Version:   version,
		Hash:      HashValue(value),
		Offline:   opts.Offline,
	}

	durable := e
	durable.ExpiresAt = expiry(now, opts.TTL, c.opts.DurableTTL)
	if err := c.durable.Set(ctx, key, durable); err != nil {
		return Entry{}, err
	}
	if c.IsMetadata(key) {
		meta := e
		meta.ExpiresAt = expiry(now, opts.TTL, c.opts.MetaTTL)
		if err := c.meta.Set(ctx, key, meta); err != nil {
			return Entry{}, err
		}
	}
	if err := c.memory.Set(ctx, key, c.memoryCopy(durable, now)); err != nil {
		return Entry{}, err
	}
	return durable, nil
}

func expiry(now time.Time, ttl, def time.Duration) *time.Time {
	switch {
	case ttl < 0:
		return nil
	case ttl == 0:
		ttl = def
	}
	if ttl <= 0 {
		return nil
	}
	t := now.Add(ttl)
	return &t
}

// currentVersion returns the highest stored version of key, expired or not.
func (c *Cache) currentVersion(ctx context.Context, key string) (int64, error) {
	var v int64
	tiers := []Tier{c.memory, c.durable}
	if c.IsMetadata(key) {
		tiers = append(tiers, c.meta)
	}
	for _, t := range tiers {
		e, err := t.Get(ctx, key)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return 0, err
		}
		if e.Version > v {
			v = e.Version
		}
	}
	return v, nil
}

// Delete removes key from every tier.
func (c *Cache) Delete(ctx context.Context, key string) error {
	for _, t := range c.tiers() {
		if err := t.Delete(ctx, key); err != nil {
			return err
		}
	}
	return nil
}

// Clear removes every entry from every tier.
func (c *Cache) Clear(ctx context.Context) error {
	for _, t := range c.tiers() {
		if err := t.Clear(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (c *Cache) tiers() []Tier {
	return []Tier{c.memory, c.durable, c.meta}
}

// Query returns live durable entries matching q.
func (c *Cache) Query(ctx context.Context, q Query) ([]KeyedEntry, error) {
	return c.durable.Query(ctx, q, c.clock.Now())
}

// Sweep removes expired entries from every tier and returns the total
// removed.
func (c *Cache) Sweep(ctx context.Context) (int, error) {
	now := c.clock.Now()
	total := 0
	for _, tc := range []struct {
		tier Tier
		st   *counters
	}{
		{c.memory, &c.memoryStats},
		{c.durable, &c.durableStats},
		{c.meta, &c.metaStats},
	} {
		n, err := tc.tier.Sweep(ctx, now)
		if err != nil {
			return total, err
		}
		tc.st.expired.Add(int64(n))
		total += n
	}
	return total, nil
}

// Run sweeps on every tick of the configured interval until ctx is done.
func (c *Cache) Run(ctx context.Context) {
	ticker := c.clock.NewTicker(c.opts.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			start := time.Now()
			n, err := c.Sweep(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				c.logger.Error("cache sweep failed", "action", "sweep", "error", err)
				continue
			}
			if n > 0 {
				c.logger.Debug("cache swept",
					"action", "sweep",
					"removed", n,
					"duration_ms", time.Since(start).Milliseconds(),
				)
			}
		}
	}
}

// Stats returns per-tier counters and their aggregate.
func (c *Cache) Stats() Stats {
	s := Stats{
		Memory:      c.memoryStats.snapshot(),
		Durable:     c.durableStats.snapshot(),
		Meta:        c.metaStats.snapshot(),
		MemoryItems: c.memory.Len(),
		MemoryBytes: c.memory.Bytes(),
		Evictions:   c.memory.Evictions(),
	}
	// Every lookup starts at the memory tier.
	s.Total.Hits = s.Memory.Hits + s.Durable.Hits + s.Meta.Hits
	s.Total.Misses = s.Memory.Misses - s.Durable.Hits - s.Meta.Hits
	if s.Total.Misses < 0 {
		s.Total.Misses = 0
	}
	s.Total.Expired = s.Memory.Expired + s.Durable.Expired + s.Meta.Expired
	s.Total.HitRate = hitRate(s.Total.Hits, s.Total.Misses)
	return s
}

// Export returns every live durable entry keyed by cache key.
func (c *Cache) Export(ctx context.Context) (map[string]Entry, error) {
	entries, err := c.Query(ctx, Query{})
	if err != nil {
		return nil, err
	}
	out := make(map[string]Entry, len(entries))
	for _, ke := range entries {
		out[ke.Key] = ke.Entry
	}
	return out, nil
}

// Import writes entries into the durable tier, and the metadata tier for
// metadata keys, after verifying each hash. Entries that fail are counted
// and described in the result; the rest are still imported.
func (c *Cache) Import(ctx context.Context, entries map[string]Entry) ImportResult {
	keys := make([]string, 0, len(entries))
	for k := range entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var res ImportResult
	fail := func(key string, err error) {
		res.FailedCount++
		res.Errors = append(res.Errors, fmt.Sprintf("%s: %v", key, err))
	}

	for _, key := range keys {
		e := entries[key]
		switch {
		case key == "":
			fail(key, ErrInvalidKey)
			continue
		case !json.Valid(e.Value):
			fail(key, ErrInvalidValue)
			continue
		case !e.Verify():
			fail(key, ErrHashMismatch)
			continue
		}
		if e.Version <= 0 {
			e.Version = 1
		}
		if err := c.durable.Set(ctx, key, e); err != nil {
			fail(key, err)
			continue
		}
		if c.IsMetadata(key) {
			if err := c.meta.Set(ctx, key, e); err != nil {
				fail(key, err)
				continue
			}
		}
		_ = c.memory.Delete(ctx, key)
		res.SuccessCount++
	}

	c.logger.Info("cache import completed",
		"action", "import",
		"success", res.SuccessCount,
		"failed", res.FailedCount,
	)
	return res
}
