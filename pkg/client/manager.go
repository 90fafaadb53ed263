// Package client is the offline-first side of quire: local mutations land
// in a tiered cache and an offline operation queue, and a sync manager
// reconciles them with the server when it is reachable.
package client

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"

	"github.com/hyperengineering/quire/pkg/cache"
	"github.com/hyperengineering/quire/pkg/clock"
	"github.com/hyperengineering/quire/pkg/conflict"
	"github.com/hyperengineering/quire/pkg/protocol"
)

// TempIDPrefix marks ids assigned locally before the server has seen an
// entity.
const TempIDPrefix = "tmp-"

const (
	entityPrefix   = "entity:"
	aliasPrefix    = "alias:"
	conflictPrefix = "conflict:"
	stateKey       = "status:sync"
)

// maxRounds bounds the request rounds of one Sync. Operations held back in
// a round (a second change to the same entity, or a reference to an entity
// created in that round) go out in the next.
const maxRounds = 8

func entityKey(t protocol.EntityType, id string) string {
	return entityPrefix + string(t) + ":" + id
}

func aliasKey(t protocol.EntityType, id string) string {
	return aliasPrefix + string(t) + ":" + id
}

func conflictKey(id string) string {
	return conflictPrefix + id
}

// Record is a locally cached entity.
type Record struct {
	EntityType protocol.EntityType `json:"entity_type"`
	ID         string              `json:"id"`
	Data       json.RawMessage     `json:"data"`
	// Version is the canonical version Data is based on. It is zero until
	// the server acknowledges the entity.
	Version    int64     `json:"version"`
	ModifiedAt time.Time `json:"modified_at"`
	// Offline is set while local changes await the server.
	Offline bool `json:"-"`
}

// ManagerOptions configures a Manager.
type ManagerOptions struct {
	ClientID  string
	Cache     *cache.Cache
	Transport Transport
	Clock     clock.Clock
	// Strategy resolves conflicts. Automatic strategies are also sent to
	// the server as the default resolution strategy.
	Strategy     protocol.Strategy
	SyncInterval time.Duration
	BatchSize    int
	MaxRetries   int
	Logger       *slog.Logger
}

// DefaultManagerOptions returns the default sync settings.
func DefaultManagerOptions() ManagerOptions {
	return ManagerOptions{
		Strategy:     protocol.StrategyServerWins,
		SyncInterval: 30 * time.Second,
		BatchSize:    50,
		MaxRetries:   DefaultMaxRetries,
	}
}

// SyncReport summarises one Sync.
type SyncReport struct {
	Rounds            int                      `json:"rounds"`
	Batches           int                      `json:"batches"`
	Sent              int                      `json:"sent"`
	Applied           int                      `json:"applied"`
	Failed            int                      `json:"failed"`
	ConflictsResolved int                      `json:"conflicts_resolved"`
	ConflictsPending  int                      `json:"conflicts_pending"`
	ServerUpdates     int                      `json:"server_updates"`
	Skipped           int                      `json:"skipped"`
	Duration          time.Duration            `json:"duration"`
	State             protocol.ClientSyncState `json:"state"`
}

// Manager owns local state and keeps it in sync with the server.
type Manager struct {
	opts      ManagerOptions
	cache     *cache.Cache
	queue     *OfflineQueue
	transport Transport
	clock     clock.Clock
	logger    *slog.Logger

	// mu serialises local mutations with the application of sync results.
	mu       sync.Mutex
	inflight map[string]bool

	syncing     atomic.Bool
	online      atomic.Bool
	reconnected chan struct{}
}

// NewManager creates a sync manager. ClientID, Cache and Transport are
// required; other zero options take DefaultManagerOptions values.
func NewManager(opts ManagerOptions) (*Manager, error) {
	if opts.ClientID == "" {
		return nil, errors.New("client id is required")
	}
	if opts.Cache == nil {
		return nil, errors.New("cache is required")
	}
	if opts.Transport == nil {
		return nil, errors.New("transport is required")
	}

	def := DefaultManagerOptions()
	if opts.Strategy == "" {
		opts.Strategy = def.Strategy
	}
	if !opts.Strategy.Valid() {
		return nil, fmt.Errorf("%w: %q", conflict.ErrUnknownStrategy, opts.Strategy)
	}
	if opts.SyncInterval <= 0 {
		opts.SyncInterval = def.SyncInterval
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = def.BatchSize
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = def.MaxRetries
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	m := &Manager{
		opts:        opts,
		cache:       opts.Cache,
		queue:       NewOfflineQueue(opts.Cache, opts.Clock, opts.MaxRetries),
		transport:   opts.Transport,
		clock:       opts.Clock,
		logger:      opts.Logger.With("component", "client", "client_id", opts.ClientID),
		inflight:    make(map[string]bool),
		reconnected: make(chan struct{}, 1),
	}
	m.online.Store(true)
	return m, nil
}

// Queue returns the offline operation queue.
func (m *Manager) Queue() *OfflineQueue { return m.queue }

// Online reports whether the manager believes the server is reachable.
func (m *Manager) Online() bool { return m.online.Load() }

// SetOnline records a connectivity change. Going from offline to online
// makes Run sync immediately.
func (m *Manager) SetOnline(online bool) {
	was := m.online.Swap(online)
	if online && !was {
		select {
		case m.reconnected <- struct{}{}:
		default:
		}
	}
}

// Create stores a new entity under a temporary id and queues its creation.
func (m *Manager) Create(ctx context.Context, entityType protocol.EntityType, payload json.RawMessage) (Record, error) {
	if err := protocol.ValidatePayload(entityType, payload); err != nil {
		return Record{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	rec := Record{
		EntityType: entityType,
		ID:         TempIDPrefix + uuid.NewString(),
		Data:       payload,
		ModifiedAt: now,
		Offline:    true,
	}
	if err := m.putRecord(ctx, rec); err != nil {
		return Record{}, err
	}
	if _, err := m.queue.Add(ctx, protocol.Operation{
		Kind:       protocol.KindCreate,
		EntityType: entityType,
		EntityID:   rec.ID,
		TempID:     rec.ID,
		Data:       payload,
		Timestamp:  now,
	}, protocol.PriorityMedium); err != nil {
		return Record{}, err
	}

	m.logger.Debug("entity created locally",
		"action", "create",
		"entity_type", string(entityType),
		"entity_id", rec.ID,
	)
	return rec, nil
}

// Update applies patch (a JSON merge patch over top-level fields) to a
// cached entity and queues the change. Consecutive changes that have not
// been sent yet are folded into one operation.
func (m *Manager) Update(ctx context.Context, entityType protocol.EntityType, id string, patch json.RawMessage) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, err := m.getRecord(ctx, entityType, id)
	if err != nil {
		return Record{}, err
	}
	merged, err := protocol.MergePatch(rec.Data, patch)
	if err != nil {
		return Record{}, err
	}
	if err := protocol.ValidatePayload(entityType, merged); err != nil {
		return Record{}, err
	}

	now := m.clock.Now()
	last, err := m.lastIdle(ctx, entityType, rec.ID)
	if err != nil {
		return Record{}, err
	}
	switch {
	case last != nil && last.Operation.Kind == protocol.KindCreate:
		last.Operation.Data = merged
		last.Operation.Timestamp = now
		err = m.queue.Update(ctx, *last)
	case last != nil && last.Operation.Kind == protocol.KindUpdate:
		combined, cerr := combinePatches(last.Operation.Data, patch)
		if cerr != nil {
			return Record{}, cerr
		}
		last.Operation.Data = combined
		last.Operation.Timestamp = now
		err = m.queue.Update(ctx, *last)
	default:
		_, err = m.queue.Add(ctx, protocol.Operation{
			Kind:          protocol.KindUpdate,
			EntityType:    entityType,
			EntityID:      rec.ID,
			BeforeVersion: rec.Version,
			Data:          patch,
			Timestamp:     now,
		}, protocol.PriorityMedium)
	}
	if err != nil {
		return Record{}, err
	}

	rec.Data = merged
	rec.ModifiedAt = now
	rec.Offline = true
	if err := m.putRecord(ctx, rec); err != nil {
		return Record{}, err
	}
	return rec, nil
}

// Delete removes a cached entity and queues its deletion. An entity the
// server has never seen is dropped without contacting it.
func (m *Manager) Delete(ctx context.Context, entityType protocol.EntityType, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, err := m.getRecord(ctx, entityType, id)
	if err != nil {
		return err
	}

	queued, err := m.queue.ForEntity(ctx, entityType, rec.ID)
	if err != nil {
		return err
	}
	unsentCreate := false
	for _, qo := range queued {
		if m.inflight[qo.ID] || qo.Failed {
			continue
		}
		if qo.Operation.Kind == protocol.KindCreate {
			unsentCreate = true
		}
		if err := m.queue.Remove(ctx, qo.ID); err != nil {
			return err
		}
	}

	if !unsentCreate {
		if _, err := m.queue.Add(ctx, protocol.Operation{
			Kind:          protocol.KindDelete,
			EntityType:    entityType,
			EntityID:      rec.ID,
			BeforeVersion: rec.Version,
			Timestamp:     m.clock.Now(),
		}, protocol.PriorityMedium); err != nil {
			return err
		}
	}
	return m.cache.Delete(ctx, entityKey(entityType, rec.ID))
}

// lastIdle returns the entity's most recent queued operation when it is
// neither being sent nor parked as failed.
func (m *Manager) lastIdle(ctx context.Context, entityType protocol.EntityType, id string) (*QueuedOperation, error) {
	queued, err := m.queue.ForEntity(ctx, entityType, id)
	if err != nil || len(queued) == 0 {
		return nil, err
	}
	last := queued[len(queued)-1]
	if m.inflight[last.ID] || last.Failed {
		return nil, nil
	}
	return &last, nil
}

// Get returns a cached entity. Temporary ids keep resolving for a while
// after the server assigns the canonical id.
func (m *Manager) Get(ctx context.Context, entityType protocol.EntityType, id string) (Record, error) {
	return m.getRecord(ctx, entityType, id)
}

func (m *Manager) getRecord(ctx context.Context, entityType protocol.EntityType, id string) (Record, error) {
	rec, err := m.loadRecord(ctx, entityType, id)
	if !errors.Is(err, ErrEntityNotFound) || !strings.HasPrefix(id, TempIDPrefix) {
		return rec, err
	}
	alias, aerr := cache.GetAs[string](ctx, m.cache, aliasKey(entityType, id))
	if aerr != nil {
		return Record{}, err
	}
	return m.loadRecord(ctx, entityType, alias.Value)
}

func (m *Manager) loadRecord(ctx context.Context, entityType protocol.EntityType, id string) (Record, error) {
	e, err := cache.GetAs[Record](ctx, m.cache, entityKey(entityType, id))
	if errors.Is(err, cache.ErrNotFound) {
		return Record{}, fmt.Errorf("%w: %s %s", ErrEntityNotFound, entityType, id)
	}
	if err != nil {
		return Record{}, err
	}
	rec := e.Value
	rec.Offline = e.Offline
	return rec, nil
}

func (m *Manager) putRecord(ctx context.Context, rec Record) error {
	_, err := cache.SetAs(ctx, m.cache, entityKey(rec.EntityType, rec.ID), rec,
		cache.SetOptions{TTL: cache.NoExpiry, Offline: rec.Offline})
	return err
}

// List returns the cached entities of one type ordered by id.
func (m *Manager) List(ctx context.Context, entityType protocol.EntityType) ([]Record, error) {
	entries, err := m.cache.Query(ctx, cache.Query{Prefix: entityPrefix + string(entityType) + ":"})
	if err != nil {
		return nil, err
	}
	records := make([]Record, 0, len(entries))
	for _, e := range entries {
		var rec Record
		if err := json.Unmarshal(e.Value, &rec); err != nil {
			return nil, fmt.Errorf("decode %s: %w", e.Key, err)
		}
		rec.Offline = e.Offline
		records = append(records, rec)
	}
	return records, nil
}

// State returns the persisted sync cursor.
func (m *Manager) State(ctx context.Context) (protocol.ClientSyncState, error) {
	e, err := cache.GetAs[protocol.ClientSyncState](ctx, m.cache, stateKey)
	if errors.Is(err, cache.ErrNotFound) {
		return protocol.ClientSyncState{ClientID: m.opts.ClientID}, nil
	}
	if err != nil {
		return protocol.ClientSyncState{}, err
	}
	return e.Value, nil
}

// Sync sends pending operations in batches, applies the results and the
// server's changes, and persists the new cursor. Only one Sync runs at a
// time; a concurrent call returns ErrSyncInProgress.
func (m *Manager) Sync(ctx context.Context) (*SyncReport, error) {
	if !m.syncing.CompareAndSwap(false, true) {
		return nil, ErrSyncInProgress
	}
	defer m.syncing.Store(false)

	start := time.Now()
	report := &SyncReport{}
	state, err := m.State(ctx)
	if err != nil {
		return nil, err
	}

	for round := 0; round < maxRounds; round++ {
		held, sent, err := m.syncRound(ctx, &state, report, round == 0)
		if err != nil {
			return report, err
		}
		if held == 0 || sent == 0 {
			break
		}
	}

	pending, err := m.queue.Len(ctx)
	if err != nil {
		return report, err
	}
	state.ClientID = m.opts.ClientID
	state.PendingOperations = pending
	if _, err := cache.SetAs(ctx, m.cache, stateKey, state, cache.SetOptions{TTL: cache.NoExpiry}); err != nil {
		return report, fmt.Errorf("save sync state: %w", err)
	}
	m.online.Store(true)

	report.State = state
	report.Duration = time.Since(start)
	m.logger.Info("sync completed",
		"action", "sync",
		"rounds", report.Rounds,
		"batches", report.Batches,
		"sent", report.Sent,
		"applied", report.Applied,
		"failed", report.Failed,
		"conflicts_resolved", report.ConflictsResolved,
		"conflicts_pending", report.ConflictsPending,
		"server_updates", report.ServerUpdates,
		"pending", pending,
		"duration_ms", report.Duration.Milliseconds(),
	)
	return report, nil
}

// syncRound sends one round of batches. It returns how many pending
// operations were held back for a later round and how many were sent.
func (m *Manager) syncRound(ctx context.Context, state *protocol.ClientSyncState, report *SyncReport, first bool) (held, sent int, err error) {
	ops, held, err := m.claim(ctx)
	if err != nil {
		return 0, 0, err
	}
	defer m.release(ops)
	if len(ops) == 0 && !first {
		return held, 0, nil
	}
	report.Rounds++

	batches := chunk(ops, m.opts.BatchSize)
	var strategy protocol.Strategy
	if m.opts.Strategy.Automatic() {
		strategy = m.opts.Strategy
	}

	for i, batch := range batches {
		last := i == len(batches)-1
		operations := make([]protocol.Operation, len(batch))
		for j, qo := range batch {
			operations[j] = qo.Operation
		}
		req := protocol.SyncRequest{
			RequestID:                 requestID(m.opts.ClientID, *state, operations),
			ClientID:                  m.opts.ClientID,
			ClientState:               *state,
			ProtocolVersion:           protocol.ProtocolVersion,
			Operations:                operations,
			DefaultResolutionStrategy: strategy,
			Incremental:               true,
			BatchSize:                 m.opts.BatchSize,
			BatchIndex:                i,
			IsLastBatch:               &last,
		}

		resp, err := m.transport.Sync(ctx, req)
		if err != nil {
			m.transportFailed(ctx, batches[i:], err)
			return held, sent, err
		}
		report.Batches++
		report.Sent += len(batch)
		sent += len(batch)

		if err := m.applyResponse(ctx, batch, resp, report); err != nil {
			return held, sent, err
		}
		*state = resp.NewClientState
	}
	return held, sent, nil
}

// claim selects the operations of the next round and marks them in flight.
// At most one operation per entity is sent per round, and operations that
// reference an entity created in the same round wait for its canonical id.
func (m *Manager) claim(ctx context.Context) ([]QueuedOperation, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	pending, err := m.queue.Pending(ctx, 0)
	if err != nil {
		return nil, 0, err
	}

	seen := make(map[string]bool)
	var creating []string
	var ops []QueuedOperation
	held := 0
	for _, qo := range pending {
		op := qo.Operation
		key := entityKey(op.EntityType, op.EntityID)
		if seen[key] || referencesAny(op.Data, creating) {
			held++
			continue
		}
		seen[key] = true
		if op.Kind == protocol.KindCreate {
			creating = append(creating, op.EntityID)
		}
		ops = append(ops, qo)
		m.inflight[qo.ID] = true
	}
	return ops, held, nil
}

func (m *Manager) release(ops []QueuedOperation) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, qo := range ops {
		delete(m.inflight, qo.ID)
	}
}

func referencesAny(data json.RawMessage, ids []string) bool {
	for _, id := range ids {
		if strings.Contains(string(data), id) {
			return true
		}
	}
	return false
}

func chunk(ops []QueuedOperation, size int) [][]QueuedOperation {
	if len(ops) == 0 {
		return [][]QueuedOperation{nil}
	}
	var out [][]QueuedOperation
	for len(ops) > size {
		out = append(out, ops[:size])
		ops = ops[size:]
	}
	return append(out, ops)
}

// requestID derives the idempotency key of a batch from its content so a
// resend after a lost response replays the server's answer. Pull-only
// batches always get a fresh id.
func requestID(clientID string, state protocol.ClientSyncState, ops []protocol.Operation) string {
	if len(ops) == 0 {
		return ulid.Make().String()
	}
	h := sha256.New()
	fmt.Fprintf(h, "%s\n%d\n", clientID, state.ServerVersion)
	_ = json.NewEncoder(h).Encode(ops)
	return "req-" + hex.EncodeToString(h.Sum(nil))[:32]
}

// transportFailed keeps the unsent operations queued and bumps their retry
// counts. Unreachable servers flip the manager offline.
func (m *Manager) transportFailed(ctx context.Context, batches [][]QueuedOperation, cause error) {
	if errors.Is(cause, ErrOffline) {
		m.online.Store(false)
	}
	for _, batch := range batches {
		for _, qo := range batch {
			if err := m.queue.Retry(ctx, qo.ID, cause); err != nil {
				m.logger.Warn("failed to record retry", "operation_id", qo.ID, "error", err)
			}
		}
	}
	m.logger.Warn("sync transport failed",
		"action", "sync",
		"online", m.online.Load(),
		"error", cause,
	)
}

func (m *Manager) applyResponse(ctx context.Context, batch []QueuedOperation, resp *protocol.SyncResponse, report *SyncReport) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	byOp := make(map[string]QueuedOperation, len(batch))
	for _, qo := range batch {
		byOp[qo.Operation.ID] = qo
	}
	conflicts := make(map[string]protocol.Conflict, len(resp.Conflicts))
	for _, cf := range resp.Conflicts {
		conflicts[cf.ID] = cf
	}

	for _, res := range resp.OperationResults {
		qo, ok := byOp[res.OperationID]
		if !ok {
			continue
		}
		var err error
		switch cf, known := conflicts[res.ConflictID]; {
		case res.Success:
			report.Applied++
			if res.ConflictID != "" {
				report.ConflictsResolved++
			}
			err = m.applySuccess(ctx, qo, res)
		case res.ConflictID != "" && known:
			err = m.applyConflict(ctx, qo, cf, report)
		default:
			var terminal bool
			terminal, err = m.queue.Fail(ctx, qo.ID, errors.New(res.Error))
			if terminal {
				report.Failed++
				m.logger.Warn("operation rejected",
					"action", "operation_failed",
					"operation_id", qo.ID,
					"entity_type", string(qo.Operation.EntityType),
					"entity_id", qo.Operation.EntityID,
					"error", res.Error,
				)
			}
		}
		if err != nil {
			return err
		}
	}

	for _, u := range resp.ServerUpdates {
		applied, err := m.applyServerUpdate(ctx, u)
		if err != nil {
			return err
		}
		if applied {
			report.ServerUpdates++
		} else {
			report.Skipped++
		}
	}
	return nil
}

// applySuccess records the server's acknowledgement of one operation.
func (m *Manager) applySuccess(ctx context.Context, qo QueuedOperation, res protocol.OperationResult) error {
	op := qo.Operation
	if err := m.queue.Remove(ctx, qo.ID); err != nil {
		return err
	}

	id := op.EntityID
	if op.Kind == protocol.KindCreate && res.EntityID != "" {
		id = res.EntityID
		if _, err := m.queue.RemapEntityID(ctx, op.EntityID, id); err != nil {
			return err
		}
		if _, err := cache.SetAs(ctx, m.cache, aliasKey(op.EntityType, op.EntityID), id, cache.SetOptions{}); err != nil {
			return err
		}
	}
	if res.Version > 0 {
		if err := m.queue.Rebase(ctx, op.EntityType, id, res.Version); err != nil {
			return err
		}
	}

	local, err := m.loadRecord(ctx, op.EntityType, op.EntityID)
	if errors.Is(err, ErrEntityNotFound) {
		// Deleted locally while the operation was in flight.
		return nil
	}
	if err != nil {
		return err
	}
	if id != op.EntityID {
		if err := m.cache.Delete(ctx, entityKey(op.EntityType, op.EntityID)); err != nil {
			return err
		}
	}
	if op.Kind == protocol.KindDelete || len(res.Data) == 0 {
		return m.cache.Delete(ctx, entityKey(op.EntityType, id))
	}

	remaining, err := m.pendingFor(ctx, op.EntityType, id)
	if err != nil {
		return err
	}
	rec := Record{
		EntityType: op.EntityType,
		ID:         id,
		Data:       res.Data,
		Version:    res.Version,
		ModifiedAt: m.clock.Now(),
	}
	if remaining > 0 {
		rec.Data = local.Data
		rec.Offline = true
	}
	return m.putRecord(ctx, rec)
}

func (m *Manager) pendingFor(ctx context.Context, entityType protocol.EntityType, id string) (int, error) {
	queued, err := m.queue.ForEntity(ctx, entityType, id)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, qo := range queued {
		if !qo.Failed {
			n++
		}
	}
	return n, nil
}

// applyConflict handles an operation the server refused with a conflict.
// Automatic strategies resolve it locally and queue the outcome; otherwise
// the conflict is kept for ResolveConflict.
func (m *Manager) applyConflict(ctx context.Context, qo QueuedOperation, cf protocol.Conflict, report *SyncReport) error {
	if err := m.queue.Remove(ctx, qo.ID); err != nil {
		return err
	}

	if m.opts.Strategy.Automatic() {
		err := m.resolveLocally(ctx, cf, m.opts.Strategy, nil)
		if err == nil {
			report.ConflictsResolved++
			return nil
		}
		m.logger.Warn("local conflict resolution failed",
			"action", "conflict_resolve_failed",
			"conflict_id", cf.ID,
			"strategy", string(m.opts.Strategy),
			"error", err,
		)
	}

	if _, err := cache.SetAs(ctx, m.cache, conflictKey(cf.ID), cf, cache.SetOptions{TTL: cache.NoExpiry}); err != nil {
		return err
	}
	report.ConflictsPending++
	m.logger.Info("conflict stored",
		"action", "conflict_stored",
		"conflict_id", cf.ID,
		"conflict_type", string(cf.Type),
		"entity_type", string(cf.EntityType),
		"entity_id", cf.EntityID,
	)
	return nil
}

// resolveLocally applies a resolution to the cache and queues whatever the
// server needs to converge on it. Callers hold mu.
func (m *Manager) resolveLocally(ctx context.Context, cf protocol.Conflict, strategy protocol.Strategy, manual json.RawMessage) error {
	now := m.clock.Now()
	res, err := conflict.Resolve(cf, strategy, manual, now)
	if err != nil {
		return err
	}
	remoteLive := cf.Type == protocol.ConflictVersion && len(cf.RemoteData) > 0
	key := entityKey(cf.EntityType, cf.EntityID)

	switch {
	case res.Delete && !remoteLive:
		return m.cache.Delete(ctx, key)

	case res.Delete:
		if err := m.cache.Delete(ctx, key); err != nil {
			return err
		}
		_, err := m.queue.Add(ctx, protocol.Operation{
			Kind:          protocol.KindDelete,
			EntityType:    cf.EntityType,
			EntityID:      cf.EntityID,
			BeforeVersion: cf.RemoteVersion,
			Timestamp:     now,
		}, protocol.PriorityMedium)
		return err

	case remoteLive && res.Side == "remote":
		return m.putRecord(ctx, Record{
			EntityType: cf.EntityType,
			ID:         cf.EntityID,
			Data:       cf.RemoteData,
			Version:    cf.RemoteVersion,
			ModifiedAt: now,
		})

	case remoteLive:
		patch, err := replacementPatch(cf.RemoteData, res.Data)
		if err != nil {
			return err
		}
		if _, err := m.queue.Add(ctx, protocol.Operation{
			Kind:          protocol.KindUpdate,
			EntityType:    cf.EntityType,
			EntityID:      cf.EntityID,
			BeforeVersion: cf.RemoteVersion,
			Data:          patch,
			Timestamp:     now,
		}, protocol.PriorityMedium); err != nil {
			return err
		}
		return m.putRecord(ctx, Record{
			EntityType: cf.EntityType,
			ID:         cf.EntityID,
			Data:       res.Data,
			Version:    cf.RemoteVersion,
			ModifiedAt: now,
			Offline:    true,
		})

	default:
		// The server no longer has the entity: recreate it under a new id.
		if err := m.cache.Delete(ctx, key); err != nil {
			return err
		}
		rec := Record{
			EntityType: cf.EntityType,
			ID:         TempIDPrefix + uuid.NewString(),
			Data:       res.Data,
			ModifiedAt: now,
			Offline:    true,
		}
		if err := m.putRecord(ctx, rec); err != nil {
			return err
		}
		_, err := m.queue.Add(ctx, protocol.Operation{
			Kind:       protocol.KindCreate,
			EntityType: cf.EntityType,
			EntityID:   rec.ID,
			TempID:     rec.ID,
			Data:       res.Data,
			Timestamp:  now,
		}, protocol.PriorityMedium)
		return err
	}
}

// applyServerUpdate writes a canonical change into the cache unless the
// entity has local changes pending or the cache already holds that version.
func (m *Manager) applyServerUpdate(ctx context.Context, u protocol.ServerUpdate) (bool, error) {
	local, err := m.loadRecord(ctx, u.EntityType, u.EntityID)
	switch {
	case err == nil && (local.Offline || local.Version >= u.Version):
		return false, nil
	case err != nil && !errors.Is(err, ErrEntityNotFound):
		return false, err
	}

	if u.Kind == protocol.KindDelete {
		return true, m.cache.Delete(ctx, entityKey(u.EntityType, u.EntityID))
	}
	return true, m.putRecord(ctx, Record{
		EntityType: u.EntityType,
		ID:         u.EntityID,
		Data:       u.Data,
		Version:    u.Version,
		ModifiedAt: u.ModifiedAt,
	})
}

// Conflicts returns the conflicts awaiting ResolveConflict, oldest first.
func (m *Manager) Conflicts(ctx context.Context) ([]protocol.Conflict, error) {
	entries, err := m.cache.Query(ctx, cache.Query{Prefix: conflictPrefix})
	if err != nil {
		return nil, err
	}
	out := make([]protocol.Conflict, 0, len(entries))
	for _, e := range entries {
		var cf protocol.Conflict
		if err := json.Unmarshal(e.Value, &cf); err != nil {
			return nil, fmt.Errorf("decode %s: %w", e.Key, err)
		}
		out = append(out, cf)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].DetectedAt.Before(out[j].DetectedAt)
	})
	return out, nil
}

// ResolveConflict settles a stored conflict. The server applies the
// resolution when reachable; otherwise it is applied locally and queued.
func (m *Manager) ResolveConflict(ctx context.Context, conflictID string, strategy protocol.Strategy, manual json.RawMessage) error {
	e, err := cache.GetAs[protocol.Conflict](ctx, m.cache, conflictKey(conflictID))
	if errors.Is(err, cache.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrConflictNotFound, conflictID)
	}
	if err != nil {
		return err
	}
	cf := e.Value
	if _, err := conflict.Resolve(cf, strategy, manual, m.clock.Now()); err != nil {
		return err
	}

	resp, err := m.transport.ResolveConflict(ctx, conflictID, protocol.ResolveRequest{Strategy: strategy, ManualData: manual})

	m.mu.Lock()
	defer m.mu.Unlock()

	switch {
	case err == nil:
		if err := m.applyResolved(ctx, cf, resp); err != nil {
			return err
		}
	case errors.Is(err, ErrOffline):
		m.online.Store(false)
		if err := m.resolveLocally(ctx, cf, strategy, manual); err != nil {
			return err
		}
	case errors.Is(err, ErrConflictResolved), errors.Is(err, ErrConflictNotFound):
		_ = m.cache.Delete(ctx, conflictKey(conflictID))
		return err
	default:
		return err
	}

	m.logger.Info("conflict resolved",
		"action", "conflict_resolved",
		"conflict_id", conflictID,
		"strategy", string(strategy),
		"online", err == nil,
	)
	return m.cache.Delete(ctx, conflictKey(conflictID))
}

// applyResolved stores the canonical state written by a server-side
// resolution.
func (m *Manager) applyResolved(ctx context.Context, cf protocol.Conflict, resp *protocol.ResolveResponse) error {
	key := entityKey(cf.EntityType, cf.EntityID)
	if len(resp.Data) == 0 {
		return m.cache.Delete(ctx, key)
	}
	if err := m.queue.Rebase(ctx, cf.EntityType, cf.EntityID, resp.Version); err != nil {
		return err
	}
	remaining, err := m.pendingFor(ctx, cf.EntityType, cf.EntityID)
	if err != nil {
		return err
	}
	return m.putRecord(ctx, Record{
		EntityType: cf.EntityType,
		ID:         cf.EntityID,
		Data:       resp.Data,
		Version:    resp.Version,
		ModifiedAt: m.clock.Now(),
		Offline:    remaining > 0,
	})
}

// Run syncs on every tick of the sync interval while online, and right
// away when connectivity returns. While offline, ticks ping the server if
// the transport can be pinged.
func (m *Manager) Run(ctx context.Context) {
	ticker := m.clock.NewTicker(m.opts.SyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.reconnected:
			m.runSync(ctx, "reconnected")
		case <-ticker.C():
			if m.online.Load() {
				m.runSync(ctx, "interval")
				continue
			}
			if p, ok := m.transport.(interface{ Ping(context.Context) error }); ok && p.Ping(ctx) == nil {
				m.SetOnline(true)
			}
		}
	}
}

func (m *Manager) runSync(ctx context.Context, trigger string) {
	if _, err := m.Sync(ctx); err != nil && ctx.Err() == nil {
		level := slog.LevelError
		if errors.Is(err, ErrOffline) || errors.Is(err, ErrSyncInProgress) {
			level = slog.LevelWarn
		}
		m.logger.Log(ctx, level, "background sync failed",
			"action", "sync",
			"trigger", trigger,
			"error", err,
		)
	}
}

// combinePatches folds patch b into patch a. Unlike MergePatch, null fields
// are kept so the combined patch still removes them on the server.
func combinePatches(a, b json.RawMessage) (json.RawMessage, error) {
	base, err := protocol.Fields(a)
	if err != nil {
		return nil, err
	}
	next, err := protocol.Fields(b)
	if err != nil {
		return nil, err
	}
	for k, v := range next {
		if k == protocol.FieldTimestampsKey {
			if prev, ok := base[k].(map[string]any); ok {
				if cur, ok := v.(map[string]any); ok {
					for f, ts := range cur {
						prev[f] = ts
					}
					continue
				}
			}
		}
		base[k] = v
	}
	return json.Marshal(base)
}

// replacementPatch returns a merge patch that turns from into to.
func replacementPatch(from, to json.RawMessage) (json.RawMessage, error) {
	before, err := protocol.Fields(from)
	if err != nil {
		return nil, err
	}
	after, err := protocol.Fields(to)
	if err != nil {
		return nil, err
	}
	for k := range before {
		if _, ok := after[k]; !ok {
			after[k] = nil
		}
	}
	return json.Marshal(after)
}
