package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/hyperengineering/quire/internal/queue"
	"github.com/hyperengineering/quire/internal/reconcile"
	"github.com/hyperengineering/quire/internal/store"
	"github.com/hyperengineering/quire/pkg/clock"
	"github.com/hyperengineering/quire/pkg/protocol"
)

type liveServer struct {
	router http.Handler
	store  *store.SQLiteStore
	clock  *clock.Mock
}

func newLiveServer(t *testing.T) *liveServer {
	t.Helper()
	captureLogs(t)
	s, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	clk := clock.NewMock()
	coord := reconcile.NewCoordinator(s, clk, reconcile.DefaultOptions())
	q := queue.NewService(s, clk, nil, queue.DefaultOptions())
	h := NewHandler(coord, q, s, nil, Options{APIKey: testAPIKey, Version: "test", Clock: clk})
	return &liveServer{router: NewRouter(h), store: s, clock: clk}
}

func (ls *liveServer) post(t *testing.T, user, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(data))
	req.Header.Set("Authorization", "Bearer "+testAPIKey)
	req.Header.Set(UserIDHeader, user)
	w := httptest.NewRecorder()
	ls.router.ServeHTTP(w, req)
	return w
}

func (ls *liveServer) sync(t *testing.T, user string, req protocol.SyncRequest) protocol.SyncResponse {
	t.Helper()
	req.ProtocolVersion = protocol.ProtocolVersion
	w := ls.post(t, user, "/api/v1/sync", req)
	if w.Code != http.StatusOK {
		t.Fatalf("sync status = %d, body = %s", w.Code, w.Body.String())
	}
	return decode[protocol.SyncResponse](t, w)
}

func TestRouter_SyncConflictRoundTrip(t *testing.T) {
	ls := newLiveServer(t)

	created := ls.sync(t, testUserID, protocol.SyncRequest{
		ClientID: "client-a",
		Operations: []protocol.Operation{{
			ID:         "op-1",
			Kind:       protocol.KindCreate,
			EntityType: protocol.EntityNote,
			TempID:     "tmp-1",
			Data:       json.RawMessage(`{"title":"groceries"}`),
		}},
	})
	res := created.OperationResults[0]
	if !res.Success || res.EntityID == "" || res.Version != 1 {
		t.Fatalf("create result = %+v", res)
	}
	noteID := res.EntityID

	// client-b pulls the note, then edits it at version 1.
	pulled := ls.sync(t, testUserID, protocol.SyncRequest{ClientID: "client-b"})
	if len(pulled.ServerUpdates) != 1 || pulled.ServerUpdates[0].EntityID != noteID {
		t.Fatalf("server updates = %+v", pulled.ServerUpdates)
	}
	ls.sync(t, testUserID, protocol.SyncRequest{
		ClientID: "client-b",
		Operations: []protocol.Operation{{
			ID: "op-2", Kind: protocol.KindUpdate, EntityType: protocol.EntityNote,
			EntityID: noteID, BeforeVersion: 1, Data: json.RawMessage(`{"title":"groceries for sunday"}`),
		}},
	})

	// client-a edits from the stale version and asks for manual resolution.
	stale := ls.sync(t, testUserID, protocol.SyncRequest{
		ClientID:                  "client-a",
		DefaultResolutionStrategy: protocol.StrategyManual,
		Operations: []protocol.Operation{{
			ID: "op-3", Kind: protocol.KindUpdate, EntityType: protocol.EntityNote,
			EntityID: noteID, BeforeVersion: 1, Data: json.RawMessage(`{"title":"groceries and milk"}`),
		}},
	})
	if stale.OperationResults[0].Success || len(stale.Conflicts) != 1 {
		t.Fatalf("stale update = %+v, conflicts = %+v", stale.OperationResults[0], stale.Conflicts)
	}
	conflictID := stale.Conflicts[0].ID

	req := authedRequest(http.MethodGet, "/api/v1/conflicts?unresolved=true")
	w := httptest.NewRecorder()
	ls.router.ServeHTTP(w, req)
	list := decode[ConflictList](t, w)
	if len(list.Conflicts) != 1 || list.Conflicts[0].ID != conflictID {
		t.Fatalf("conflicts = %+v", list.Conflicts)
	}

	w = ls.post(t, testUserID, "/api/v1/conflicts/"+conflictID+"/resolve", protocol.ResolveRequest{Strategy: protocol.StrategyClientWins})
	if w.Code != http.StatusOK {
		t.Fatalf("resolve status = %d, body = %s", w.Code, w.Body.String())
	}
	resolved := decode[protocol.ResolveResponse](t, w)
	if resolved.Version != 3 || !resolved.Conflict.Resolved {
		t.Errorf("resolve response = %+v", resolved)
	}

	w = ls.post(t, testUserID, "/api/v1/conflicts/"+conflictID+"/resolve", protocol.ResolveRequest{Strategy: protocol.StrategyClientWins})
	if w.Code != http.StatusConflict {
		t.Errorf("second resolve status = %d, want 409", w.Code)
	}

	// Conflicts are scoped per user.
	other := authedRequest(http.MethodGet, "/api/v1/conflicts")
	other.Header.Set(UserIDHeader, "user-2")
	w = httptest.NewRecorder()
	ls.router.ServeHTTP(w, other)
	if got := decode[ConflictList](t, w); len(got.Conflicts) != 0 {
		t.Errorf("user-2 sees %d conflicts", len(got.Conflicts))
	}
}

func TestRouter_QueueLifecycle(t *testing.T) {
	ls := newLiveServer(t)

	w := ls.post(t, testUserID, "/api/v1/queue", protocol.EnqueueRequest{
		DeviceID: "device-1",
		Priority: protocol.PriorityHigh,
		Operations: []protocol.EnqueueOperation{
			{Kind: protocol.KindCreate, EntityType: protocol.EntityNote, Data: json.RawMessage(`{"title":"a"}`)},
			{Kind: protocol.KindCreate, EntityType: protocol.EntityNote, Data: json.RawMessage(`{"title":"b"}`)},
		},
	})
	if w.Code != http.StatusAccepted {
		t.Fatalf("enqueue status = %d, body = %s", w.Code, w.Body.String())
	}
	ids := decode[protocol.EnqueueResponse](t, w).QueueIDs
	if len(ids) != 2 {
		t.Fatalf("queue ids = %v", ids)
	}

	if w := ls.post(t, testUserID, "/api/v1/queue/"+ids[0]+"/complete", nil); w.Code != http.StatusNoContent {
		t.Errorf("complete status = %d, body = %s", w.Code, w.Body.String())
	}
	if w := ls.post(t, "user-2", "/api/v1/queue/"+ids[1]+"/complete", nil); w.Code != http.StatusNotFound {
		t.Errorf("foreign complete status = %d, want 404", w.Code)
	}

	w = httptest.NewRecorder()
	ls.router.ServeHTTP(w, authedRequest(http.MethodGet, "/api/v1/queue/stats"))
	stats := decode[protocol.QueueStats](t, w)
	if stats.Pending != 1 || stats.Completed != 1 {
		t.Errorf("stats = %+v, want 1 pending 1 completed", stats)
	}

	w = ls.post(t, testUserID, "/api/v1/queue", protocol.EnqueueRequest{
		Operations: []protocol.EnqueueOperation{{Kind: protocol.KindCreate, EntityType: "spaceship", Data: json.RawMessage(`{}`)}},
	})
	if w.Code != http.StatusUnprocessableEntity {
		t.Errorf("invalid enqueue status = %d, want 422", w.Code)
	}
}
