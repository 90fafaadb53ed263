package worker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/hyperengineering/quire/internal/queue"
	"github.com/hyperengineering/quire/internal/reconcile"
	"github.com/hyperengineering/quire/internal/store"
	"github.com/hyperengineering/quire/pkg/clock"
	"github.com/hyperengineering/quire/pkg/protocol"
)

type pipeline struct {
	store *store.SQLiteStore
	queue *queue.Service
	clock *clock.Mock
}

func newPipeline(t *testing.T, opts queue.Options) *pipeline {
	t.Helper()
	s, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	clk := clock.NewMock()
	return &pipeline{store: s, queue: queue.NewService(s, clk, nil, opts), clock: clk}
}

func (p *pipeline) enqueue(t *testing.T, userID string, ops ...protocol.EnqueueOperation) []string {
	t.Helper()
	ids, err := p.queue.Enqueue(context.Background(), protocol.EnqueueRequest{
		UserID:     userID,
		DeviceID:   "device-1",
		Operations: ops,
	})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	return ids
}

func createNote(id, title string) protocol.EnqueueOperation {
	return protocol.EnqueueOperation{
		Kind:       protocol.KindCreate,
		EntityType: protocol.EntityNote,
		EntityID:   id,
		Data:       json.RawMessage(`{"title":"` + title + `"}`),
	}
}

func updateNote(id, patch string) protocol.EnqueueOperation {
	return protocol.EnqueueOperation{
		Kind:       protocol.KindUpdate,
		EntityType: protocol.EntityNote,
		EntityID:   id,
		Data:       json.RawMessage(patch),
	}
}

func TestQueueProcessor_AppliesInDequeueOrder(t *testing.T) {
	p := newPipeline(t, queue.DefaultOptions())
	ctx := context.Background()

	ids := p.enqueue(t, "u1",
		createNote("n1", "first"),
		updateNote("n1", `{"content":"body"}`),
		updateNote("n1", `{"title":"renamed"}`),
	)
	p.enqueue(t, "u2", createNote("n2", "other user"))

	proc := NewQueueProcessor(p.queue, reconcile.NewApplier(p.store, p.clock), p.clock, ProcessorOptions{Concurrency: 2})
	if n := proc.ProcessOnce(ctx); n != 4 {
		t.Fatalf("ProcessOnce = %d, want 4", n)
	}

	for _, id := range ids {
		op, err := p.queue.Get(ctx, id)
		if err != nil {
			t.Fatal(err)
		}
		if op.Status != protocol.StatusCompleted {
			t.Errorf("op %s status = %s, want completed (last error %q)", id, op.Status, op.LastError)
		}
	}

	e, err := p.store.GetEntity(ctx, "u1", protocol.EntityNote, "n1")
	if err != nil {
		t.Fatal(err)
	}
	if e.Version != 3 {
		t.Errorf("version = %d, want 3", e.Version)
	}
	var note protocol.NotePayload
	if err := json.Unmarshal(e.Payload, &note); err != nil {
		t.Fatal(err)
	}
	if note.Title != "renamed" || note.Content != "body" {
		t.Errorf("note = %+v", note)
	}

	if _, err := p.store.GetEntity(ctx, "u2", protocol.EntityNote, "n2"); err != nil {
		t.Errorf("u2 note not applied: %v", err)
	}

	if n := proc.ProcessOnce(ctx); n != 0 {
		t.Errorf("second cycle processed %d, want 0", n)
	}
}

func TestQueueProcessor_FailureRetriesThenFails(t *testing.T) {
	opts := queue.DefaultOptions()
	opts.MaxRetries = 2
	p := newPipeline(t, opts)
	ctx := context.Background()

	ids := p.enqueue(t, "u1", updateNote("missing", `{"title":"x"}`))
	proc := NewQueueProcessor(p.queue, reconcile.NewApplier(p.store, p.clock), p.clock, ProcessorOptions{})

	proc.ProcessOnce(ctx)
	op, _ := p.queue.Get(ctx, ids[0])
	if op.Status != protocol.StatusPending || op.RetryCount != 1 {
		t.Fatalf("after first failure: status=%s retry=%d", op.Status, op.RetryCount)
	}
	if op.LastError == "" {
		t.Error("last error not recorded")
	}

	proc.ProcessOnce(ctx)
	op, _ = p.queue.Get(ctx, ids[0])
	if op.Status != protocol.StatusFailed || op.RetryCount != 2 {
		t.Fatalf("after second failure: status=%s retry=%d", op.Status, op.RetryCount)
	}

	if n := proc.ProcessOnce(ctx); n != 0 {
		t.Errorf("failed operation was dequeued again (%d)", n)
	}
}

// slowApplier advances the mock clock while applying.
type slowApplier struct {
	clock *clock.Mock
	delay time.Duration
	err   error

	mu      sync.Mutex
	applied []string
}

func (a *slowApplier) Apply(ctx context.Context, op protocol.QueuedOperation) (*store.Entity, error) {
	a.clock.Advance(a.delay)
	a.mu.Lock()
	a.applied = append(a.applied, op.ID)
	a.mu.Unlock()
	return nil, a.err
}

func TestQueueProcessor_ReportsSlowOperations(t *testing.T) {
	opts := queue.DefaultOptions()
	opts.ProcessingTimeout = time.Second
	p := newPipeline(t, opts)
	ctx := context.Background()

	var mu sync.Mutex
	var alerts []protocol.Alert
	p.queue.Alerts().Subscribe(func(a protocol.Alert) {
		mu.Lock()
		defer mu.Unlock()
		alerts = append(alerts, a)
	})

	ids := p.enqueue(t, "u1", createNote("n1", "slow"))
	applier := &slowApplier{clock: p.clock, delay: 3 * time.Second}
	proc := NewQueueProcessor(p.queue, applier, p.clock, ProcessorOptions{ProcessingTimeout: time.Second})
	proc.ProcessOnce(ctx)

	mu.Lock()
	defer mu.Unlock()
	if len(alerts) != 1 {
		t.Fatalf("alerts = %d, want 1", len(alerts))
	}
	a := alerts[0]
	if a.AlertType != protocol.AlertProcessingTimeout || a.Severity != protocol.SeverityWarning {
		t.Errorf("alert = %s/%s", a.AlertType, a.Severity)
	}
	if a.Data["operation_id"] != ids[0] {
		t.Errorf("alert operation_id = %v, want %s", a.Data["operation_id"], ids[0])
	}

	// Slow operations still complete.
	op, _ := p.queue.Get(ctx, ids[0])
	if op.Status != protocol.StatusCompleted {
		t.Errorf("status = %s, want completed", op.Status)
	}
}

func TestQueueProcessor_FastOperationsNotReported(t *testing.T) {
	p := newPipeline(t, queue.DefaultOptions())
	ctx := context.Background()

	var raised int
	p.queue.Alerts().Subscribe(func(protocol.Alert) { raised++ })

	p.enqueue(t, "u1", createNote("n1", "fast"))
	applier := &slowApplier{clock: p.clock, delay: 10 * time.Millisecond}
	proc := NewQueueProcessor(p.queue, applier, p.clock, ProcessorOptions{ProcessingTimeout: time.Second})
	proc.ProcessOnce(ctx)

	if raised != 0 {
		t.Errorf("raised %d alerts for a fast operation", raised)
	}
}

// mockOperationQueue records queue calls made by the processor.
type mockOperationQueue struct {
	mu       sync.Mutex
	users    []string
	usersErr error
	ops      map[string][]protocol.QueuedOperation
	acked    []string
	nacked   []string
}

func (m *mockOperationQueue) Users(ctx context.Context, activeOnly bool) ([]string, error) {
	return m.users, m.usersErr
}

func (m *mockOperationQueue) Dequeue(ctx context.Context, userID string, limit int) ([]protocol.QueuedOperation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ops := m.ops[userID]
	delete(m.ops, userID)
	return ops, nil
}

func (m *mockOperationQueue) Ack(ctx context.Context, op protocol.QueuedOperation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.acked = append(m.acked, op.ID)
	return nil
}

func (m *mockOperationQueue) Nack(ctx context.Context, op protocol.QueuedOperation, cause error) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nacked = append(m.nacked, op.ID)
	return true, nil
}

func (m *mockOperationQueue) ReportSlowOperation(op protocol.QueuedOperation, elapsed time.Duration) {}

func TestQueueProcessor_NacksApplyErrors(t *testing.T) {
	clk := clock.NewMock()
	q := &mockOperationQueue{
		users: []string{"u1"},
		ops: map[string][]protocol.QueuedOperation{
			"u1": {{ID: "a", UserID: "u1"}, {ID: "b", UserID: "u1"}},
		},
	}
	applier := &slowApplier{clock: clk, err: errors.New("boom")}

	proc := NewQueueProcessor(q, applier, clk, ProcessorOptions{})
	if n := proc.ProcessOnce(context.Background()); n != 2 {
		t.Fatalf("ProcessOnce = %d, want 2", n)
	}
	if len(q.acked) != 0 || len(q.nacked) != 2 {
		t.Errorf("acked=%v nacked=%v", q.acked, q.nacked)
	}
	if applier.applied[0] != "a" || applier.applied[1] != "b" {
		t.Errorf("applied out of order: %v", applier.applied)
	}
}

func TestQueueProcessor_ListUsersError(t *testing.T) {
	clk := clock.NewMock()
	q := &mockOperationQueue{usersErr: errors.New("db locked")}
	proc := NewQueueProcessor(q, &slowApplier{clock: clk}, clk, ProcessorOptions{})

	if n := proc.ProcessOnce(context.Background()); n != 0 {
		t.Errorf("ProcessOnce = %d, want 0", n)
	}
}

func TestQueueProcessor_RunPollsOnInterval(t *testing.T) {
	clk := clock.NewMock()
	q := &mockOperationQueue{
		users: []string{"u1"},
		ops:   map[string][]protocol.QueuedOperation{"u1": {{ID: "a", UserID: "u1"}}},
	}
	proc := NewQueueProcessor(q, &slowApplier{clock: clk}, clk, ProcessorOptions{PollInterval: time.Second})

	acked := func() int {
		q.mu.Lock()
		defer q.mu.Unlock()
		return len(q.acked)
	}

	stop := startLoop(t, proc.Run)
	if !waitFor(t, time.Second, func() bool { return acked() == 1 }) {
		t.Fatal("initial cycle did not run")
	}

	q.mu.Lock()
	q.ops["u1"] = []protocol.QueuedOperation{{ID: "b", UserID: "u1"}}
	q.mu.Unlock()

	tick(t, clk, time.Second)
	if !waitFor(t, time.Second, func() bool { return acked() == 2 }) {
		t.Fatal("poll tick did not process new work")
	}
	stop()
}
