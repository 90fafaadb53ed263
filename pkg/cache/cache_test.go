package cache

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/hyperengineering/quire/pkg/clock"
)

func newTestCache(t *testing.T, items, bytes int) (*Cache, *clock.Mock) {
	t.Helper()
	db, err := OpenDB(context.Background(), ":memory:")
	if err != nil {
		t.Fatalf("OpenDB: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	clk := clock.NewMock()
	opts := DefaultOptions()
	opts.Clock = clk
	opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(opts, NewMemoryTier(items, bytes), NewSQLiteTier(db), NewMetaTier(db)), clk
}

func mustSet(t *testing.T, c *Cache, key, value string, opts SetOptions) Entry {
	t.Helper()
	e, err := c.Set(context.Background(), key, json.RawMessage(value), opts)
	if err != nil {
		t.Fatalf("Set(%q): %v", key, err)
	}
	return e
}

func TestCache_SetGetRoundTrip(t *testing.T) {
	c, clk := newTestCache(t, 10, 0)
	ctx := context.Background()

	first := mustSet(t, c, "note:1", `{"title":"a"}`, SetOptions{})
	second := mustSet(t, c, "note:1", `{"title":"b"}`, SetOptions{Offline: true})

	if first.Version != 1 || second.Version != 2 {
		t.Errorf("versions = %d, %d; want 1, 2", first.Version, second.Version)
	}

	got, err := c.Get(ctx, "note:1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got.Value) != `{"title":"b"}` {
		t.Errorf("value = %s", got.Value)
	}
	if !got.Offline || !got.WrittenAt.Equal(clk.Now()) {
		t.Errorf("entry = %+v", got)
	}
	if !got.Verify() {
		t.Error("stored hash does not match value")
	}
}

func TestCache_RejectsInvalidInput(t *testing.T) {
	c, _ := newTestCache(t, 10, 0)
	ctx := context.Background()

	if _, err := c.Set(ctx, "", json.RawMessage(`{}`), SetOptions{}); !errors.Is(err, ErrInvalidKey) {
		t.Errorf("empty key error = %v", err)
	}
	if _, err := c.Set(ctx, "k", json.RawMessage(`{"x":`), SetOptions{}); !errors.Is(err, ErrInvalidValue) {
		t.Errorf("bad JSON error = %v", err)
	}
}

func TestCache_StaleVersionRejected(t *testing.T) {
	c, _ := newTestCache(t, 10, 0)
	ctx := context.Background()

	mustSet(t, c, "k", `1`, SetOptions{Version: 5})
	_, err := c.Set(ctx, "k", json.RawMessage(`2`), SetOptions{Version: 3})
	if !errors.Is(err, ErrStaleVersion) {
		t.Fatalf("error = %v, want ErrStaleVersion", err)
	}

	got, err := c.Get(ctx, "k")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Version != 5 || string(got.Value) != "1" {
		t.Errorf("entry = %+v, want version 5 value 1", got)
	}

	next := mustSet(t, c, "k", `3`, SetOptions{})
	if next.Version != 6 {
		t.Errorf("auto version = %d, want 6", next.Version)
	}
}

func TestCache_EvictedEntryBackfilledFromDurableTier(t *testing.T) {
	c, _ := newTestCache(t, 2, 0)
	ctx := context.Background()

	for _, k := range []string{"a", "b", "c"} {
		mustSet(t, c, k, `"`+k+`"`, SetOptions{})
	}
	if n := c.memory.Len(); n != 2 {
		t.Fatalf("memory len = %d, want 2", n)
	}
	if _, err := c.memory.Get(ctx, "a"); !errors.Is(err, ErrNotFound) {
		t.Fatal("least recently used entry was not evicted")
	}

	got, err := c.Get(ctx, "a")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got.Value) != `"a"` {
		t.Errorf("value = %s", got.Value)
	}
	if _, err := c.memory.Get(ctx, "a"); err != nil {
		t.Error("entry was not backfilled into memory")
	}

	s := c.Stats()
	if s.Durable.Hits != 1 || s.Memory.Misses != 1 {
		t.Errorf("stats = %+v", s)
	}
	if s.Evictions < 2 {
		t.Errorf("evictions = %d, want at least 2", s.Evictions)
	}
}

func TestCache_ExpiredEntriesPurgedOnRead(t *testing.T) {
	c, clk := newTestCache(t, 10, 0)
	ctx := context.Background()

	mustSet(t, c, "k", `1`, SetOptions{TTL: time.Minute})
	clk.Advance(2 * time.Minute)

	if _, err := c.Get(ctx, "k"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get error = %v, want ErrNotFound", err)
	}
	if _, err := c.durable.Get(ctx, "k"); !errors.Is(err, ErrNotFound) {
		t.Error("expired durable entry was not purged")
	}
	s := c.Stats()
	if s.Memory.Expired != 1 || s.Durable.Expired != 1 {
		t.Errorf("expired counters = %d, %d", s.Memory.Expired, s.Durable.Expired)
	}
}

func TestCache_NoExpiry(t *testing.T) {
	c, clk := newTestCache(t, 10, 0)

	mustSet(t, c, "k", `1`, SetOptions{TTL: NoExpiry})
	clk.Advance(72 * time.Hour)

	if _, err := c.Get(context.Background(), "k"); err != nil {
		t.Errorf("Get after 72h: %v", err)
	}
}

func TestCache_MetadataOutlivesDurableTier(t *testing.T) {
	c, clk := newTestCache(t, 10, 0)
	ctx := context.Background()

	mustSet(t, c, "meta:last_sync", `"x"`, SetOptions{})
	mustSet(t, c, "plain", `"y"`, SetOptions{})
	clk.Advance(25 * time.Hour)

	if _, err := c.Get(ctx, "meta:last_sync"); err != nil {
		t.Fatalf("metadata Get: %v", err)
	}
	if _, err := c.Get(ctx, "plain"); !errors.Is(err, ErrNotFound) {
		t.Errorf("plain Get error = %v, want ErrNotFound", err)
	}
	if s := c.Stats(); s.Meta.Hits != 1 {
		t.Errorf("meta hits = %d, want 1", s.Meta.Hits)
	}

	clk.Advance(30 * 24 * time.Hour)
	if _, err := c.Get(ctx, "meta:last_sync"); !errors.Is(err, ErrNotFound) {
		t.Errorf("metadata Get after 31 days error = %v", err)
	}
}

func TestCache_IsMetadata(t *testing.T) {
	c, _ := newTestCache(t, 10, 0)
	for key, want := range map[string]bool{
		"meta:x":    true,
		"config:y":  true,
		"status:z":  true,
		"entity:n1": false,
		"metadata":  false,
	} {
		if got := c.IsMetadata(key); got != want {
			t.Errorf("IsMetadata(%q) = %v, want %v", key, got, want)
		}
	}
}

func TestCache_DeleteAndClear(t *testing.T) {
	c, _ := newTestCache(t, 10, 0)
	ctx := context.Background()

	mustSet(t, c, "meta:a", `1`, SetOptions{})
	mustSet(t, c, "b", `2`, SetOptions{})

	if err := c.Delete(ctx, "meta:a"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := c.Get(ctx, "meta:a"); !errors.Is(err, ErrNotFound) {
		t.Errorf("deleted key still readable: %v", err)
	}
	if _, err := c.meta.Get(ctx, "meta:a"); !errors.Is(err, ErrNotFound) {
		t.Error("Delete left the metadata tier entry")
	}

	if err := c.Clear(ctx); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if _, err := c.Get(ctx, "b"); !errors.Is(err, ErrNotFound) {
		t.Errorf("cleared key still readable: %v", err)
	}
	if c.memory.Len() != 0 || c.memory.Bytes() != 0 {
		t.Errorf("memory after Clear: len=%d bytes=%d", c.memory.Len(), c.memory.Bytes())
	}
}

func TestCache_Sweep(t *testing.T) {
	c, clk := newTestCache(t, 10, 0)
	ctx := context.Background()

	mustSet(t, c, "a", `1`, SetOptions{TTL: time.Minute})
	mustSet(t, c, "b", `1`, SetOptions{TTL: time.Minute})
	mustSet(t, c, "keep", `1`, SetOptions{TTL: NoExpiry})
	clk.Advance(2 * time.Minute)

	n, err := c.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	// Two memory copies and two durable rows.
	if n != 4 {
		t.Errorf("Sweep removed %d, want 4", n)
	}

	entries, err := c.Query(ctx, Query{})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(entries) != 1 || entries[0].Key != "keep" {
		t.Errorf("remaining = %+v", entries)
	}
}

func TestCache_RunSweepsOnTicker(t *testing.T) {
	c, clk := newTestCache(t, 10, 0)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Run(ctx)
		close(done)
	}()
	defer func() {
		cancel()
		<-done
	}()

	mustSet(t, c, "k", `1`, SetOptions{TTL: 30 * time.Second})

	deadline := time.Now().Add(2 * time.Second)
	for clk.Tickers() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("Run did not arm its ticker")
		}
		time.Sleep(time.Millisecond)
	}
	clk.Advance(time.Minute)

	for {
		if _, err := c.durable.Get(context.Background(), "k"); errors.Is(err, ErrNotFound) {
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("expired entry was not swept")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestCache_Query(t *testing.T) {
	c, clk := newTestCache(t, 10, 0)
	ctx := context.Background()

	mustSet(t, c, "note:a", `1`, SetOptions{Version: 3})
	clk.Advance(time.Second)
	mustSet(t, c, "note:b", `1`, SetOptions{Version: 1, Offline: true})
	clk.Advance(time.Second)
	mustSet(t, c, "note:c", `1`, SetOptions{Version: 2, Offline: true})
	mustSet(t, c, "folder:a", `1`, SetOptions{})
	mustSet(t, c, "note_x", `1`, SetOptions{})

	keys := func(q Query) []string {
		t.Helper()
		entries, err := c.Query(ctx, q)
		if err != nil {
			t.Fatalf("Query(%+v): %v", q, err)
		}
		var out []string
		for _, e := range entries {
			out = append(out, e.Key)
		}
		return out
	}

	tests := []struct {
		name string
		q    Query
		want []string
	}{
		{"prefix", Query{Prefix: "note:"}, []string{"note:a", "note:b", "note:c"}},
		{"offline only", Query{Prefix: "note:", Offline: true}, []string{"note:b", "note:c"}},
		{"by version desc", Query{Prefix: "note:", SortBy: SortByVersion, Desc: true}, []string{"note:a", "note:c", "note:b"}},
		{"by written_at desc", Query{Prefix: "note:", SortBy: SortByWrittenAt, Desc: true}, []string{"note:c", "note:b", "note:a"}},
		{"limit offset", Query{Prefix: "note:", Limit: 1, Offset: 1}, []string{"note:b"}},
		{"offset only", Query{Prefix: "note:", Offset: 2}, []string{"note:c"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if diff := cmp.Diff(tt.want, keys(tt.q)); diff != "" {
				t.Errorf("keys mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestCache_ExportImportRoundTrip(t *testing.T) {
	src, _ := newTestCache(t, 10, 0)
	dst, _ := newTestCache(t, 10, 0)
	ctx := context.Background()

	mustSet(t, src, "note:1", `{"title":"a"}`, SetOptions{Offline: true})
	mustSet(t, src, "meta:cursor", `42`, SetOptions{Version: 7})

	exported, err := src.Export(ctx)
	if err != nil {
		t.Fatalf("Export: %v", err)
	}
	if len(exported) != 2 {
		t.Fatalf("exported %d entries, want 2", len(exported))
	}

	res := dst.Import(ctx, exported)
	if res.SuccessCount != 2 || res.FailedCount != 0 {
		t.Fatalf("Import = %+v", res)
	}

	got, err := dst.Get(ctx, "meta:cursor")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Version != 7 || string(got.Value) != "42" {
		t.Errorf("imported entry = %+v", got)
	}
	if _, err := dst.meta.Get(ctx, "meta:cursor"); err != nil {
		t.Error("metadata entry not imported into the metadata tier")
	}
	if diff := cmp.Diff(exported["note:1"].Value, mustGet(t, dst, "note:1").Value); diff != "" {
		t.Errorf("value mismatch (-want +got):\n%s", diff)
	}
}

func mustGet(t *testing.T, c *Cache, key string) Entry {
	t.Helper()
	e, err := c.Get(context.Background(), key)
	if err != nil {
		t.Fatalf("Get(%q): %v", key, err)
	}
	return e
}

func TestCache_ImportReportsFailures(t *testing.T) {
	c, clk := newTestCache(t, 10, 0)
	ctx := context.Background()
	mustSet(t, c, "newer", `1`, SetOptions{Version: 10})

	now := clk.Now()
	good := Entry{Value: json.RawMessage(`"ok"`), WrittenAt: now, Version: 1, Hash: HashValue([]byte(`"ok"`))}
	tampered := good
	tampered.Value = json.RawMessage(`"evil"`)
	stale := Entry{Value: json.RawMessage(`2`), WrittenAt: now, Version: 2, Hash: HashValue([]byte(`2`))}

	res := c.Import(ctx, map[string]Entry{
		"good":     good,
		"tampered": tampered,
		"newer":    stale,
	})
	if res.SuccessCount != 1 || res.FailedCount != 2 {
		t.Fatalf("Import = %+v", res)
	}
	joined := strings.Join(res.Errors, "\n")
	if !strings.Contains(joined, "tampered: "+ErrHashMismatch.Error()) {
		t.Errorf("errors = %v", res.Errors)
	}
	if !strings.Contains(joined, "newer: ") {
		t.Errorf("errors = %v", res.Errors)
	}
	if _, err := c.Get(ctx, "tampered"); !errors.Is(err, ErrNotFound) {
		t.Error("tampered entry was imported")
	}
}

func TestCache_TypedAccess(t *testing.T) {
	type state struct {
		Cursor int64  `json:"cursor"`
		Client string `json:"client"`
	}
	c, _ := newTestCache(t, 10, 0)
	ctx := context.Background()

	if _, err := SetAs(ctx, c, "status:sync", state{Cursor: 9, Client: "c1"}, SetOptions{}); err != nil {
		t.Fatalf("SetAs: %v", err)
	}
	got, err := GetAs[state](ctx, c, "status:sync")
	if err != nil {
		t.Fatalf("GetAs: %v", err)
	}
	if diff := cmp.Diff(state{Cursor: 9, Client: "c1"}, got.Value); diff != "" {
		t.Errorf("state mismatch (-want +got):\n%s", diff)
	}
	if got.Version != 1 {
		t.Errorf("version = %d", got.Version)
	}

	if _, err := GetAs[state](ctx, c, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing key error = %v", err)
	}
}

func TestCache_StatsAggregate(t *testing.T) {
	c, _ := newTestCache(t, 10, 0)
	ctx := context.Background()

	mustSet(t, c, "a", `1`, SetOptions{})
	if _, err := c.Get(ctx, "a"); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatal(err)
	}

	s := c.Stats()
	if s.Total.Hits != 1 || s.Total.Misses != 1 {
		t.Errorf("total = %+v", s.Total)
	}
	if s.Total.HitRate != 0.5 {
		t.Errorf("hit rate = %v, want 0.5", s.Total.HitRate)
	}
	if s.MemoryItems != 1 || s.MemoryBytes == 0 {
		t.Errorf("memory usage = %d items, %d bytes", s.MemoryItems, s.MemoryBytes)
	}
}

func TestOpen_FileBackedPersistsAcrossReopen(t *testing.T) {
	path := t.TempDir() + "/cache/client.db"
	ctx := context.Background()

	c, closeFn, err := Open(ctx, path, Options{Clock: clock.NewMock()})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	mustSet(t, c, "note:1", `{"title":"kept"}`, SetOptions{TTL: NoExpiry})
	if err := closeFn(); err != nil {
		t.Fatalf("close: %v", err)
	}

	c, closeFn, err = Open(ctx, path, Options{Clock: clock.NewMock()})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer closeFn()
	if got := mustGet(t, c, "note:1"); string(got.Value) != `{"title":"kept"}` {
		t.Errorf("value = %s", got.Value)
	}
}
