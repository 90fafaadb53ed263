package store

import (
	"context"
	"testing"
	"time"
)

func TestSyncIdempotency_RecordAndReplay(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, found, err := s.GetSyncResponse(ctx, "u1", "req-1", t0)
	if err != nil {
		t.Fatal(err)
	}
	if found {
		t.Fatal("unexpected cached response")
	}

	if err := s.SaveSyncResponse(ctx, "u1", "req-1", []byte(`{"status":"SUCCESS"}`), t0, 24*time.Hour); err != nil {
		t.Fatal(err)
	}

	got, found, err := s.GetSyncResponse(ctx, "u1", "req-1", t0.Add(time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if !found || string(got) != `{"status":"SUCCESS"}` {
		t.Errorf("replay = %q found=%v", got, found)
	}

	// Request ids are scoped per user.
	if _, found, _ := s.GetSyncResponse(ctx, "u2", "req-1", t0); found {
		t.Error("request id leaked across users")
	}
}

func TestSyncIdempotency_Expiry(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if err := s.SaveSyncResponse(ctx, "u1", "old", []byte(`{}`), t0, time.Hour); err != nil {
		t.Fatal(err)
	}
	if err := s.SaveSyncResponse(ctx, "u1", "new", []byte(`{}`), t0.Add(time.Hour), time.Hour); err != nil {
		t.Fatal(err)
	}

	if _, found, _ := s.GetSyncResponse(ctx, "u1", "old", t0.Add(2*time.Hour)); found {
		t.Error("expired response returned")
	}

	n, err := s.CleanExpiredIdempotency(ctx, t0.Add(90*time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("cleaned %d, want 1", n)
	}
	if _, found, _ := s.GetSyncResponse(ctx, "u1", "new", t0.Add(90*time.Minute)); !found {
		t.Error("unexpired response removed")
	}
}
