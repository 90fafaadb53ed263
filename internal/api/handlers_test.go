package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/oklog/ulid/v2"

	"github.com/hyperengineering/quire/internal/queue"
	"github.com/hyperengineering/quire/internal/reconcile"
	"github.com/hyperengineering/quire/internal/snapshot"
	"github.com/hyperengineering/quire/pkg/clock"
	"github.com/hyperengineering/quire/pkg/protocol"
)

type mockSyncService struct {
	syncResp *protocol.SyncResponse
	syncErr  error
	lastSync protocol.SyncRequest
	lastUser string

	conflicts      []protocol.Conflict
	listErr        error
	unresolvedOnly bool

	resolveResp     *protocol.ResolveResponse
	resolveErr      error
	resolveStrategy protocol.Strategy
	resolveManual   json.RawMessage
}

func (m *mockSyncService) Sync(ctx context.Context, userID string, req protocol.SyncRequest) (*protocol.SyncResponse, error) {
	m.lastUser = userID
	m.lastSync = req
	return m.syncResp, m.syncErr
}

func (m *mockSyncService) ListConflicts(ctx context.Context, userID string, unresolvedOnly bool) ([]protocol.Conflict, error) {
	m.lastUser = userID
	m.unresolvedOnly = unresolvedOnly
	return m.conflicts, m.listErr
}

func (m *mockSyncService) ResolveConflict(ctx context.Context, userID, conflictID string, strategy protocol.Strategy, manual json.RawMessage) (*protocol.ResolveResponse, error) {
	m.lastUser = userID
	m.resolveStrategy = strategy
	m.resolveManual = manual
	return m.resolveResp, m.resolveErr
}

type mockQueueService struct {
	enqueueIDs  []string
	enqueueErr  error
	lastEnqueue protocol.EnqueueRequest

	ops       map[string]*protocol.QueuedOperation
	stats     protocol.QueueStats
	completed []string
	failed    []string
	removed   []string
	retried   bool
}

func (m *mockQueueService) Enqueue(ctx context.Context, req protocol.EnqueueRequest) ([]string, error) {
	m.lastEnqueue = req
	return m.enqueueIDs, m.enqueueErr
}

func (m *mockQueueService) Get(ctx context.Context, id string) (*protocol.QueuedOperation, error) {
	op, ok := m.ops[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", queue.ErrOperationNotFound, id)
	}
	return op, nil
}

func (m *mockQueueService) Stats(ctx context.Context, userID string) (protocol.QueueStats, error) {
	s := m.stats
	s.UserID = userID
	return s, nil
}

func (m *mockQueueService) MarkAsCompleted(ctx context.Context, id string) error {
	m.completed = append(m.completed, id)
	return nil
}

func (m *mockQueueService) MarkAsFailed(ctx context.Context, id string, cause error) (bool, error) {
	m.failed = append(m.failed, id+":"+cause.Error())
	return m.retried, nil
}

func (m *mockQueueService) Remove(ctx context.Context, id string) error {
	m.removed = append(m.removed, id)
	return nil
}

type mockHealth struct {
	seq int64
	err error
}

func (m mockHealth) LatestSequence(ctx context.Context) (int64, error) {
	return m.seq, m.err
}

type mockPresigner struct {
	url     string
	expires time.Time
}

func (m mockPresigner) Upload(ctx context.Context, filePath string) error { return nil }

func (m mockPresigner) PresignedURL(ctx context.Context) (string, time.Time, error) {
	return m.url, m.expires, nil
}

type handlerFixture struct {
	sync   *mockSyncService
	queue  *mockQueueService
	clock  *clock.Mock
	router http.Handler
}

func newHandlerFixture(t *testing.T, u snapshot.Uploader) *handlerFixture {
	t.Helper()
	captureLogs(t)
	f := &handlerFixture{
		sync:  &mockSyncService{},
		queue: &mockQueueService{ops: map[string]*protocol.QueuedOperation{}},
		clock: clock.NewMock(),
	}
	h := NewHandler(f.sync, f.queue, mockHealth{seq: 42}, u, Options{
		APIKey:          testAPIKey,
		Version:         "1.2.3",
		DefaultStrategy: protocol.StrategyLatestWins,
		Clock:           f.clock,
	})
	f.router = NewRouter(h)
	return f
}

func (f *handlerFixture) do(method, target, body string) *httptest.ResponseRecorder {
	req := authedRequest(method, target)
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Authorization", "Bearer "+testAPIKey)
		req.Header.Set(UserIDHeader, testUserID)
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %T: %v (%s)", v, err, w.Body.String())
	}
	return v
}

func TestHealth_NoAuthRequired(t *testing.T) {
	f := newHandlerFixture(t, nil)

	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/health", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	got := decode[HealthResponse](t, w)
	want := HealthResponse{Status: "healthy", Version: "1.2.3", ServerVersion: 42, Time: f.clock.Now().UTC()}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("health mismatch (-want +got):\n%s", diff)
	}
}

func TestHealth_StoreErrorReturns503(t *testing.T) {
	captureLogs(t)
	h := NewHandler(&mockSyncService{}, &mockQueueService{}, mockHealth{err: errors.New("closed")}, nil, Options{APIKey: testAPIKey})

	w := httptest.NewRecorder()
	NewRouter(h).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/health", nil))
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", w.Code)
	}
}

func TestProtectedRoutes_RequireAuth(t *testing.T) {
	f := newHandlerFixture(t, nil)
	routes := []struct{ method, path string }{
		{http.MethodPost, "/api/v1/sync"},
		{http.MethodPost, "/api/v1/queue"},
		{http.MethodGet, "/api/v1/queue/stats"},
		{http.MethodGet, "/api/v1/conflicts"},
		{http.MethodGet, "/api/v1/snapshot"},
	}
	for _, rt := range routes {
		w := httptest.NewRecorder()
		f.router.ServeHTTP(w, httptest.NewRequest(rt.method, rt.path, nil))
		if w.Code != http.StatusUnauthorized {
			t.Errorf("%s %s status = %d, want 401", rt.method, rt.path, w.Code)
		}
	}
}

func TestSync_PassesUserAndRequest(t *testing.T) {
	f := newHandlerFixture(t, nil)
	f.sync.syncResp = &protocol.SyncResponse{
		Status:           protocol.SyncSuccess,
		OperationResults: []protocol.OperationResult{{OperationID: "op-1", Success: true, EntityID: "e1", Version: 1}},
		NewClientState:   protocol.ClientSyncState{ClientID: "c1", ServerVersion: 7},
	}

	w := f.do(http.MethodPost, "/api/v1/sync", `{"client_id":"c1","protocol_version":1,"operations":[]}`)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	if f.sync.lastUser != testUserID || f.sync.lastSync.ClientID != "c1" {
		t.Errorf("sync called with user %q request %+v", f.sync.lastUser, f.sync.lastSync)
	}
	resp := decode[protocol.SyncResponse](t, w)
	if resp.NewClientState.ServerVersion != 7 || len(resp.OperationResults) != 1 {
		t.Errorf("response = %+v", resp)
	}
}

func TestSync_UnsupportedVersionReturnsFailedResponse(t *testing.T) {
	f := newHandlerFixture(t, nil)
	f.sync.syncResp = &protocol.SyncResponse{Status: protocol.SyncFailed, Error: "protocol version 9 is not supported"}
	f.sync.syncErr = fmt.Errorf("%w: 9", reconcile.ErrUnsupportedProtocolVersion)

	w := f.do(http.MethodPost, "/api/v1/sync", `{"client_id":"c1","protocol_version":9}`)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
	resp := decode[protocol.SyncResponse](t, w)
	if resp.Status != protocol.SyncFailed || resp.Error == "" {
		t.Errorf("response = %+v", resp)
	}
}

func TestSync_InvalidJSON(t *testing.T) {
	f := newHandlerFixture(t, nil)
	w := f.do(http.MethodPost, "/api/v1/sync", `{"client_id":`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestEnqueue_UsesAuthenticatedUser(t *testing.T) {
	f := newHandlerFixture(t, nil)
	f.queue.enqueueIDs = []string{"01A", "01B"}

	w := f.do(http.MethodPost, "/api/v1/queue", `{"device_id":"d1","operations":[{"type":"create","entity_type":"note","data":{"title":"x"}}]}`)

	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	if f.queue.lastEnqueue.UserID != testUserID {
		t.Errorf("enqueue user = %q, want %q", f.queue.lastEnqueue.UserID, testUserID)
	}
	got := decode[protocol.EnqueueResponse](t, w)
	if diff := cmp.Diff(protocol.EnqueueResponse{Success: true, QueueIDs: []string{"01A", "01B"}}, got); diff != "" {
		t.Errorf("response mismatch (-want +got):\n%s", diff)
	}
}

func TestEnqueue_ForeignUserForbidden(t *testing.T) {
	f := newHandlerFixture(t, nil)
	w := f.do(http.MethodPost, "/api/v1/queue", `{"user_id":"someone-else","operations":[]}`)
	if w.Code != http.StatusForbidden {
		t.Errorf("status = %d, want 403", w.Code)
	}
}

func TestEnqueue_QueueFull(t *testing.T) {
	f := newHandlerFixture(t, nil)
	f.queue.enqueueErr = fmt.Errorf("%w: user-1 has 10 active operations", queue.ErrQueueFull)

	w := f.do(http.MethodPost, "/api/v1/queue", `{"operations":[{"type":"create","entity_type":"note","data":{"title":"x"}}]}`)

	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", w.Code)
	}
	p := decode[Problem](t, w)
	if !strings.Contains(p.Detail, "queue is full") {
		t.Errorf("detail = %q, want reason", p.Detail)
	}
}

func TestQueueStats(t *testing.T) {
	f := newHandlerFixture(t, nil)
	f.queue.stats = protocol.QueueStats{Pending: 2, Completed: 3, Failed: 1, FailureRate: 0.25}

	w := f.do(http.MethodGet, "/api/v1/queue/stats", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	got := decode[protocol.QueueStats](t, w)
	want := protocol.QueueStats{UserID: testUserID, Pending: 2, Completed: 3, Failed: 1, FailureRate: 0.25}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("stats mismatch (-want +got):\n%s", diff)
	}
}

func TestQueueOperationRoutes(t *testing.T) {
	f := newHandlerFixture(t, nil)
	own := ulid.Make().String()
	foreign := ulid.Make().String()
	f.queue.ops[own] = &protocol.QueuedOperation{ID: own, UserID: testUserID}
	f.queue.ops[foreign] = &protocol.QueuedOperation{ID: foreign, UserID: "user-2"}
	f.queue.retried = true

	if w := f.do(http.MethodPost, "/api/v1/queue/"+own+"/complete", ""); w.Code != http.StatusNoContent {
		t.Errorf("complete status = %d, want 204", w.Code)
	}

	w := f.do(http.MethodPost, "/api/v1/queue/"+own+"/fail", `{"error":"device rejected"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("fail status = %d, body = %s", w.Code, w.Body.String())
	}
	if got := decode[FailResponse](t, w); !got.Retried {
		t.Error("retried = false, want true")
	}

	if w := f.do(http.MethodDelete, "/api/v1/queue/"+own, ""); w.Code != http.StatusNoContent {
		t.Errorf("delete status = %d, want 204", w.Code)
	}

	if w := f.do(http.MethodPost, "/api/v1/queue/"+foreign+"/complete", ""); w.Code != http.StatusNotFound {
		t.Errorf("foreign complete status = %d, want 404", w.Code)
	}
	if w := f.do(http.MethodDelete, "/api/v1/queue/"+ulid.Make().String(), ""); w.Code != http.StatusNotFound {
		t.Errorf("unknown delete status = %d, want 404", w.Code)
	}
	if w := f.do(http.MethodDelete, "/api/v1/queue/not-a-ulid", ""); w.Code != http.StatusUnprocessableEntity {
		t.Errorf("invalid id status = %d, want 422", w.Code)
	}

	if diff := cmp.Diff([]string{own}, f.queue.completed); diff != "" {
		t.Errorf("completed (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{own + ":device rejected"}, f.queue.failed); diff != "" {
		t.Errorf("failed (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{own}, f.queue.removed); diff != "" {
		t.Errorf("removed (-want +got):\n%s", diff)
	}
}

func TestListConflicts(t *testing.T) {
	f := newHandlerFixture(t, nil)

	w := f.do(http.MethodGet, "/api/v1/conflicts?unresolved=true", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if !f.sync.unresolvedOnly {
		t.Error("unresolved filter not passed through")
	}
	if got := decode[ConflictList](t, w); got.Conflicts == nil || len(got.Conflicts) != 0 {
		t.Errorf("conflicts = %#v, want empty non-nil list", got.Conflicts)
	}

	if w := f.do(http.MethodGet, "/api/v1/conflicts?unresolved=maybe", ""); w.Code != http.StatusBadRequest {
		t.Errorf("bad filter status = %d, want 400", w.Code)
	}
}

func TestResolveConflict_DefaultStrategy(t *testing.T) {
	f := newHandlerFixture(t, nil)
	f.sync.resolveResp = &protocol.ResolveResponse{Version: 3, Data: json.RawMessage(`{"title":"x"}`)}
	id := ulid.Make().String()

	w := f.do(http.MethodPost, "/api/v1/conflicts/"+id+"/resolve", `{}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	if f.sync.resolveStrategy != protocol.StrategyLatestWins {
		t.Errorf("strategy = %q, want configured default", f.sync.resolveStrategy)
	}
	if got := decode[protocol.ResolveResponse](t, w); got.Version != 3 {
		t.Errorf("version = %d, want 3", got.Version)
	}
}

func TestResolveConflict_Errors(t *testing.T) {
	id := ulid.Make().String()
	tests := []struct {
		name   string
		path   string
		body   string
		err    error
		status int
	}{
		{"invalid id", "/api/v1/conflicts/nope/resolve", `{}`, nil, http.StatusUnprocessableEntity},
		{"unknown strategy", "/api/v1/conflicts/" + id + "/resolve", `{"strategy":"coin_flip"}`, nil, http.StatusBadRequest},
		{"not found", "/api/v1/conflicts/" + id + "/resolve", `{"strategy":"merge"}`, reconcile.ErrConflictNotFound, http.StatusNotFound},
		{"already resolved", "/api/v1/conflicts/" + id + "/resolve", `{"strategy":"merge"}`, reconcile.ErrConflictResolved, http.StatusConflict},
		{"stale", "/api/v1/conflicts/" + id + "/resolve", `{"strategy":"merge"}`, reconcile.ErrStaleConflict, http.StatusConflict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newHandlerFixture(t, nil)
			f.sync.resolveErr = tt.err
			if w := f.do(http.MethodPost, tt.path, tt.body); w.Code != tt.status {
				t.Errorf("status = %d, want %d (%s)", w.Code, tt.status, w.Body.String())
			}
		})
	}
}

func TestSnapshotURL(t *testing.T) {
	expires := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	f := newHandlerFixture(t, mockPresigner{url: "https://s3.example.com/snap?sig=1", expires: expires})

	w := f.do(http.MethodGet, "/api/v1/snapshot", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	want := SnapshotURLResponse{URL: "https://s3.example.com/snap?sig=1", ExpiresAt: expires}
	if diff := cmp.Diff(want, decode[SnapshotURLResponse](t, w)); diff != "" {
		t.Errorf("snapshot mismatch (-want +got):\n%s", diff)
	}
}

func TestSnapshotURL_NotConfigured(t *testing.T) {
	f := newHandlerFixture(t, nil)
	if w := f.do(http.MethodGet, "/api/v1/snapshot", ""); w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", w.Code)
	}
}

func TestRouter_RateLimitsSync(t *testing.T) {
	captureLogs(t)
	s := &mockSyncService{syncResp: &protocol.SyncResponse{Status: protocol.SyncSuccess}}
	h := NewHandler(s, &mockQueueService{}, mockHealth{}, nil, Options{
		APIKey:    testAPIKey,
		RateLimit: 1,
		RateBurst: 1,
		Clock:     clock.NewMock(),
	})
	router := NewRouter(h)

	send := func() int {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/sync", strings.NewReader(`{"client_id":"c1","protocol_version":1}`))
		req.Header.Set("Authorization", "Bearer "+testAPIKey)
		req.Header.Set(UserIDHeader, testUserID)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		return w.Code
	}

	if code := send(); code != http.StatusOK {
		t.Fatalf("first status = %d, want 200", code)
	}
	if code := send(); code != http.StatusTooManyRequests {
		t.Errorf("second status = %d, want 429", code)
	}
	if h.RateLimiter() == nil {
		t.Error("RateLimiter() = nil with a configured limit")
	}
}
