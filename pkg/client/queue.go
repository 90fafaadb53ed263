package client

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/hyperengineering/quire/pkg/cache"
	"github.com/hyperengineering/quire/pkg/clock"
	"github.com/hyperengineering/quire/pkg/protocol"
)

const queuePrefix = "queue:"

// DefaultMaxRetries is how many rejected attempts an operation gets before
// it is parked as failed.
const DefaultMaxRetries = 3

// QueuedOperation is an operation waiting to be sent to the server.
// RetryCount counts server rejections; Attempts counts sends that never
// reached the server and do not consume the rejection budget.
type QueuedOperation struct {
	ID         string             `json:"id"`
	Operation  protocol.Operation `json:"operation"`
	Priority   protocol.Priority  `json:"priority"`
	RetryCount int                `json:"retry_count"`
	MaxRetries int                `json:"max_retries"`
	Attempts   int                `json:"attempts"`
	LastError  string             `json:"last_error,omitempty"`
	Failed     bool               `json:"failed"`
	CreatedAt  time.Time          `json:"created_at"`
}

// OfflineQueue persists pending operations in the cache. Keys embed a ULID
// so key order is enqueue order.
type OfflineQueue struct {
	cache      *cache.Cache
	clock      clock.Clock
	maxRetries int

	mu      sync.Mutex
	entropy io.Reader
}

// NewOfflineQueue returns a queue stored in c.
func NewOfflineQueue(c *cache.Cache, clk clock.Clock, maxRetries int) *OfflineQueue {
	if clk == nil {
		clk = clock.New()
	}
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	return &OfflineQueue{
		cache:      c,
		clock:      clk,
		maxRetries: maxRetries,
		entropy:    ulid.Monotonic(rand.Reader, 0),
	}
}

func (q *OfflineQueue) newID() string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return ulid.MustNew(ulid.Timestamp(q.clock.Now()), q.entropy).String()
}

// Add queues op. An empty op.ID is set to the queue id.
func (q *OfflineQueue) Add(ctx context.Context, op protocol.Operation, priority protocol.Priority) (QueuedOperation, error) {
	if !priority.Valid() {
		priority = protocol.PriorityMedium
	}
	id := q.newID()
	if op.ID == "" {
		op.ID = id
	}
	if op.Timestamp.IsZero() {
		op.Timestamp = q.clock.Now()
	}
	qo := QueuedOperation{
		ID:         id,
		Operation:  op,
		Priority:   priority,
		MaxRetries: q.maxRetries,
		CreatedAt:  q.clock.Now(),
	}
	if err := q.save(ctx, qo); err != nil {
		return QueuedOperation{}, err
	}
	return qo, nil
}

func (q *OfflineQueue) save(ctx context.Context, qo QueuedOperation) error {
	if _, err := cache.SetAs(ctx, q.cache, queuePrefix+qo.ID, qo, cache.SetOptions{TTL: cache.NoExpiry}); err != nil {
		return fmt.Errorf("save queued operation: %w", err)
	}
	return nil
}

// Get returns the queued operation with id.
func (q *OfflineQueue) Get(ctx context.Context, id string) (QueuedOperation, error) {
	e, err := cache.GetAs[QueuedOperation](ctx, q.cache, queuePrefix+id)
	if errors.Is(err, cache.ErrNotFound) {
		return QueuedOperation{}, fmt.Errorf("%w: %s", ErrOperationNotFound, id)
	}
	if err != nil {
		return QueuedOperation{}, err
	}
	return e.Value, nil
}

// Update replaces a queued operation.
func (q *OfflineQueue) Update(ctx context.Context, qo QueuedOperation) error {
	return q.save(ctx, qo)
}

// all returns every queued operation in enqueue order.
func (q *OfflineQueue) all(ctx context.Context) ([]QueuedOperation, error) {
	entries, err := q.cache.Query(ctx, cache.Query{Prefix: queuePrefix, SortBy: cache.SortByKey})
	if err != nil {
		return nil, fmt.Errorf("list queue: %w", err)
	}
	ops := make([]QueuedOperation, 0, len(entries))
	for _, e := range entries {
		var qo QueuedOperation
		if err := json.Unmarshal(e.Value, &qo); err != nil {
			return nil, fmt.Errorf("decode %s: %w", e.Key, err)
		}
		ops = append(ops, qo)
	}
	return ops, nil
}

// Pending returns up to limit operations that have not failed, highest
// priority first and FIFO within a priority. A non-positive limit returns
// all of them.
func (q *OfflineQueue) Pending(ctx context.Context, limit int) ([]QueuedOperation, error) {
	ops, err := q.all(ctx)
	if err != nil {
		return nil, err
	}
	pending := ops[:0]
	for _, qo := range ops {
		if !qo.Failed {
			pending = append(pending, qo)
		}
	}
	sort.SliceStable(pending, func(i, j int) bool {
		return pending[i].Priority.Rank() < pending[j].Priority.Rank()
	})
	if limit > 0 && len(pending) > limit {
		pending = pending[:limit]
	}
	return pending, nil
}

// Failed returns the operations parked after exhausting their retries.
func (q *OfflineQueue) Failed(ctx context.Context) ([]QueuedOperation, error) {
	ops, err := q.all(ctx)
	if err != nil {
		return nil, err
	}
	var failed []QueuedOperation
	for _, qo := range ops {
		if qo.Failed {
			failed = append(failed, qo)
		}
	}
	return failed, nil
}

// ForEntity returns the queued operations targeting one entity, in
// enqueue order.
func (q *OfflineQueue) ForEntity(ctx context.Context, entityType protocol.EntityType, id string) ([]QueuedOperation, error) {
	ops, err := q.all(ctx)
	if err != nil {
		return nil, err
	}
	var out []QueuedOperation
	for _, qo := range ops {
		if qo.Operation.EntityType == entityType && qo.Operation.EntityID == id {
			out = append(out, qo)
		}
	}
	return out, nil
}

// Remove deletes a queued operation. Removing an unknown id is not an error.
func (q *OfflineQueue) Remove(ctx context.Context, id string) error {
	return q.cache.Delete(ctx, queuePrefix+id)
}

// Fail records a rejected attempt. The operation is parked as failed once
// its retries are exhausted; terminal reports whether that happened.
func (q *OfflineQueue) Fail(ctx context.Context, id string, cause error) (terminal bool, err error) {
	qo, err := q.Get(ctx, id)
	if err != nil {
		return false, err
	}
	qo.RetryCount++
	if cause != nil {
		qo.LastError = cause.Error()
	}
	if qo.RetryCount >= qo.MaxRetries {
		qo.Failed = true
	}
	return qo.Failed, q.save(ctx, qo)
}

// Retry records an attempt that never reached the server. The operation
// stays pending however often this happens and keeps its rejection budget.
func (q *OfflineQueue) Retry(ctx context.Context, id string, cause error) error {
	qo, err := q.Get(ctx, id)
	if err != nil {
		return err
	}
	qo.Attempts++
	if cause != nil {
		qo.LastError = cause.Error()
	}
	return q.save(ctx, qo)
}

// Len returns the number of operations that have not failed.
func (q *OfflineQueue) Len(ctx context.Context) (int, error) {
	ops, err := q.Pending(ctx, 0)
	return len(ops), err
}

// RemapEntityID points queued operations that reference tempID at
// canonicalID: the entity id, read ids, and top-level string fields of the
// payload (such as a review's note_id). It returns how many operations
// changed.
func (q *OfflineQueue) RemapEntityID(ctx context.Context, tempID, canonicalID string) (int, error) {
	ops, err := q.all(ctx)
	if err != nil {
		return 0, err
	}
	changed := 0
	for _, qo := range ops {
		op := &qo.Operation
		dirty := false
		if op.EntityID == tempID {
			op.EntityID = canonicalID
			dirty = true
		}
		for i, id := range op.EntityIDs {
			if id == tempID {
				op.EntityIDs[i] = canonicalID
				dirty = true
			}
		}
		if data, ok := replaceReferences(op.Data, tempID, canonicalID); ok {
			op.Data = data
			dirty = true
		}
		if !dirty {
			continue
		}
		if err := q.save(ctx, qo); err != nil {
			return changed, err
		}
		changed++
	}
	return changed, nil
}

// Rebase sets before_version on queued updates and deletes of an entity.
func (q *OfflineQueue) Rebase(ctx context.Context, entityType protocol.EntityType, id string, version int64) error {
	ops, err := q.ForEntity(ctx, entityType, id)
	if err != nil {
		return err
	}
	for _, qo := range ops {
		if qo.Operation.Kind == protocol.KindCreate || qo.Operation.BeforeVersion == version {
			continue
		}
		qo.Operation.BeforeVersion = version
		if err := q.save(ctx, qo); err != nil {
			return err
		}
	}
	return nil
}

// replaceReferences rewrites top-level string fields equal to from.
func replaceReferences(data json.RawMessage, from, to string) (json.RawMessage, bool) {
	if len(data) == 0 || !strings.Contains(string(data), from) {
		return data, false
	}
	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err != nil {
		return data, false
	}
	dirty := false
	for k, v := range fields {
		if s, ok := v.(string); ok && s == from {
			fields[k] = to
			dirty = true
		}
	}
	if !dirty {
		return data, false
	}
	out, err := json.Marshal(fields)
	if err != nil {
		return data, false
	}
	return out, true
}
