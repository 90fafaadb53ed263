// Package reconcile applies client operations to the canonical store,
// detects and records conflicts, and computes the server changes each client
// has not yet seen.
package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/hyperengineering/quire/internal/store"
	"github.com/hyperengineering/quire/internal/validation"
	"github.com/hyperengineering/quire/pkg/clock"
	"github.com/hyperengineering/quire/pkg/conflict"
	"github.com/hyperengineering/quire/pkg/protocol"
)

// EntityStore reads and writes canonical entities.
type EntityStore interface {
	GetEntity(ctx context.Context, userID string, entityType protocol.EntityType, id string) (*store.Entity, error)
	WriteEntity(ctx context.Context, w store.EntityWrite) (*store.Entity, error)
}

// Repository is the persistence the coordinator needs.
type Repository interface {
	EntityStore
	ListEntities(ctx context.Context, userID string, filter store.EntityFilter) ([]store.Entity, error)
	ChangesSince(ctx context.Context, userID string, q store.ChangeQuery) ([]store.Entity, error)
	LatestSequence(ctx context.Context) (int64, error)

	InsertConflict(ctx context.Context, userID, clientID string, c protocol.Conflict) error
	GetConflict(ctx context.Context, userID, id string) (*protocol.Conflict, error)
	ListConflicts(ctx context.Context, userID string, unresolvedOnly bool) ([]protocol.Conflict, error)
	ResolveConflict(ctx context.Context, r store.ConflictResolution) (*store.Entity, error)

	GetSyncResponse(ctx context.Context, userID, requestID string, now time.Time) ([]byte, bool, error)
	SaveSyncResponse(ctx context.Context, userID, requestID string, response []byte, now time.Time, ttl time.Duration) error
}

// Options configures a Coordinator.
type Options struct {
	// ProtocolVersions lists the accepted client protocol versions.
	ProtocolVersions []int
	// MaxOperations bounds the operations in one request; zero disables the check.
	MaxOperations int
	// IdempotencyTTL is how long responses are kept for request id replay.
	IdempotencyTTL time.Duration
}

// DefaultOptions returns the coordinator defaults.
func DefaultOptions() Options {
	return Options{
		ProtocolVersions: []int{protocol.ProtocolVersion},
		MaxOperations:    1000,
		IdempotencyTTL:   24 * time.Hour,
	}
}

// Coordinator reconciles client sync requests with the canonical store.
type Coordinator struct {
	repo  Repository
	clock clock.Clock
	opts  Options
}

// NewCoordinator creates a Coordinator.
func NewCoordinator(repo Repository, clk clock.Clock, opts Options) *Coordinator {
	if len(opts.ProtocolVersions) == 0 {
		opts.ProtocolVersions = DefaultOptions().ProtocolVersions
	}
	if opts.IdempotencyTTL <= 0 {
		opts.IdempotencyTTL = DefaultOptions().IdempotencyTTL
	}
	return &Coordinator{repo: repo, clock: clk, opts: opts}
}

// outcome is the result of one operation.
type outcome struct {
	result   protocol.OperationResult
	conflict *protocol.Conflict
	// written is set when the operation changed the canonical entity.
	written bool
}

// Sync processes req for userID. A request with an unsupported protocol
// version yields a FAILED response together with
// ErrUnsupportedProtocolVersion. Malformed envelopes return a
// validation.Errors. Otherwise every operation is processed independently
// and the response status is SUCCESS.
func (c *Coordinator) Sync(ctx context.Context, userID string, req protocol.SyncRequest) (*protocol.SyncResponse, error) {
	start := time.Now()
	now := c.clock.Now()

	if !slices.Contains(c.opts.ProtocolVersions, req.ProtocolVersion) {
		slog.Warn("unsupported protocol version",
			"component", "reconcile",
			"action", "sync_rejected",
			"user_id", userID,
			"client_id", req.ClientID,
			"protocol_version", req.ProtocolVersion,
		)
		msg := fmt.Sprintf("protocol version %d is not supported (supported: %v)", req.ProtocolVersion, c.opts.ProtocolVersions)
		return failedResponse(req, now, msg), fmt.Errorf("%w: %d", ErrUnsupportedProtocolVersion, req.ProtocolVersion)
	}

	if err := validation.ValidateSyncRequest(req, c.opts.MaxOperations); err != nil {
		return nil, err
	}

	if req.RequestID != "" {
		cached, found, err := c.replay(ctx, userID, req.RequestID, now)
		if err != nil {
			return nil, err
		}
		if found {
			slog.Info("sync idempotent replay",
				"component", "reconcile",
				"action", "sync_replay",
				"user_id", userID,
				"client_id", req.ClientID,
				"request_id", req.RequestID,
			)
			return cached, nil
		}
	}

	resp := &protocol.SyncResponse{
		Status:           protocol.SyncSuccess,
		OperationResults: make([]protocol.OperationResult, 0, len(req.Operations)),
		ServerUpdates:    []protocol.ServerUpdate{},
		Conflicts:        []protocol.Conflict{},
		ServerTime:       now,
	}

	authored := make(map[string]bool)
	for _, op := range req.Operations {
		out := c.applyOperation(ctx, userID, req.ClientID, op, req.DefaultResolutionStrategy, now)
		resp.OperationResults = append(resp.OperationResults, out.result)
		if out.conflict != nil {
			resp.Conflicts = append(resp.Conflicts, *out.conflict)
		}
		if out.written {
			authored[entityKey(op.EntityType, out.result.EntityID)] = true
		}
	}

	state := req.ClientState
	state.ClientID = req.ClientID
	state.LastSyncID = req.RequestID

	// Intermediate batches keep the client's cursor so the final batch
	// reports every change made since the round began.
	if req.LastBatch() {
		latest, err := c.repo.LatestSequence(ctx)
		if err != nil {
			return nil, fmt.Errorf("latest sequence: %w", err)
		}
		updates, err := c.serverUpdates(ctx, userID, req, authored)
		if err != nil {
			return nil, err
		}
		resp.ServerUpdates = updates
		state.LastSyncTime = now
		state.ServerVersion = latest
		state.PendingOperations = 0
	}
	resp.NewClientState = state

	if req.RequestID != "" {
		c.remember(ctx, userID, req.RequestID, resp, now)
	}

	slog.Info("sync completed",
		"component", "reconcile",
		"action", "sync",
		"user_id", userID,
		"client_id", req.ClientID,
		"request_id", req.RequestID,
		"operations", len(req.Operations),
		"conflicts", len(resp.Conflicts),
		"server_updates", len(resp.ServerUpdates),
		"last_batch", req.LastBatch(),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return resp, nil
}

func failedResponse(req protocol.SyncRequest, now time.Time, msg string) *protocol.SyncResponse {
	return &protocol.SyncResponse{
		Status:           protocol.SyncFailed,
		OperationResults: []protocol.OperationResult{},
		ServerUpdates:    []protocol.ServerUpdate{},
		Conflicts:        []protocol.Conflict{},
		NewClientState:   req.ClientState,
		ServerTime:       now,
		Error:            msg,
	}
}

func (c *Coordinator) replay(ctx context.Context, userID, requestID string, now time.Time) (*protocol.SyncResponse, bool, error) {
	raw, found, err := c.repo.GetSyncResponse(ctx, userID, requestID, now)
	if err != nil {
		return nil, false, fmt.Errorf("idempotency check: %w", err)
	}
	if !found {
		return nil, false, nil
	}
	var resp protocol.SyncResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		slog.Warn("discarding unreadable cached sync response",
			"component", "reconcile",
			"action", "sync_replay_corrupt",
			"request_id", requestID,
			"error", err,
		)
		return nil, false, nil
	}
	return &resp, true, nil
}

func (c *Coordinator) remember(ctx context.Context, userID, requestID string, resp *protocol.SyncResponse, now time.Time) {
	raw, err := json.Marshal(resp)
	if err == nil {
		err = c.repo.SaveSyncResponse(ctx, userID, requestID, raw, now, c.opts.IdempotencyTTL)
	}
	if err != nil {
		slog.Warn("failed to cache sync response",
			"component", "reconcile",
			"action", "sync_cache_failed",
			"user_id", userID,
			"request_id", requestID,
			"error", err,
		)
	}
}

func (c *Coordinator) applyOperation(ctx context.Context, userID, clientID string, op protocol.Operation, strategy protocol.Strategy, now time.Time) outcome {
	res := protocol.OperationResult{
		OperationID: op.ID,
		EntityID:    op.EntityID,
		TempID:      op.TempID,
	}
	if err := validation.ValidateOperation(op); err != nil {
		res.Error = err.Error()
		return outcome{result: res}
	}

	var out outcome
	var err error
	switch op.Kind {
	case protocol.KindCreate:
		out, err = c.create(ctx, userID, clientID, op, res, now)
	case protocol.KindRead:
		out, err = c.read(ctx, userID, op, res)
	default:
		out, err = c.mutate(ctx, userID, clientID, op, res, strategy, now)
	}
	if err != nil {
		slog.Error("sync operation failed",
			"component", "reconcile",
			"action", "operation_failed",
			"user_id", userID,
			"operation_id", op.ID,
			"kind", string(op.Kind),
			"entity_type", string(op.EntityType),
			"entity_id", op.EntityID,
			"error", err,
		)
		res.Error = "internal error"
		return outcome{result: res}
	}
	return out
}

func (c *Coordinator) create(ctx context.Context, userID, clientID string, op protocol.Operation, res protocol.OperationResult, now time.Time) (outcome, error) {
	if res.TempID == "" {
		res.TempID = op.EntityID
	}
	e, err := c.repo.WriteEntity(ctx, store.EntityWrite{
		UserID:     userID,
		EntityType: op.EntityType,
		ID:         ulid.Make().String(),
		Payload:    op.Data,
		ModifiedBy: clientID,
		At:         now,
		Upsert:     true,
	})
	if err != nil {
		return outcome{}, fmt.Errorf("create entity: %w", err)
	}
	res.Success = true
	res.EntityID = e.ID
	res.Version = e.Version
	res.Data = e.Payload
	return outcome{result: res, written: true}, nil
}

func (c *Coordinator) read(ctx context.Context, userID string, op protocol.Operation, res protocol.OperationResult) (outcome, error) {
	filter := store.EntityFilter{Types: []protocol.EntityType{op.EntityType}, IDs: op.EntityIDs}
	if len(filter.IDs) == 0 && op.EntityID != "" {
		filter.IDs = []string{op.EntityID}
	}
	entities, err := c.repo.ListEntities(ctx, userID, filter)
	if err != nil {
		return outcome{}, fmt.Errorf("read entities: %w", err)
	}
	records := make([]protocol.ServerUpdate, len(entities))
	for i, e := range entities {
		records[i] = toServerUpdate(e)
	}
	data, err := json.Marshal(records)
	if err != nil {
		return outcome{}, fmt.Errorf("marshal read result: %w", err)
	}
	res.Success = true
	res.Data = data
	return outcome{result: res}, nil
}

// mutate applies an update or delete guarded by the client's before_version.
func (c *Coordinator) mutate(ctx context.Context, userID, clientID string, op protocol.Operation, res protocol.OperationResult, strategy protocol.Strategy, now time.Time) (outcome, error) {
	current, err := c.loadEntity(ctx, userID, op.EntityType, op.EntityID)
	if err != nil {
		return outcome{}, err
	}
	if current == nil || current.Deleted {
		return c.deleteConflict(ctx, userID, clientID, op, res, current, now)
	}

	local, err := intended(op, current.Payload)
	if err != nil {
		res.Error = err.Error()
		return outcome{result: res}, nil
	}
	if current.Version != op.BeforeVersion {
		return c.versionConflict(ctx, userID, clientID, op, res, current, local, strategy, now)
	}

	w := store.EntityWrite{
		UserID:          userID,
		EntityType:      op.EntityType,
		ID:              op.EntityID,
		ModifiedBy:      clientID,
		At:              now,
		ExpectedVersion: op.BeforeVersion,
	}
	if op.Kind == protocol.KindDelete {
		w.Deleted = true
	} else {
		if err := protocol.ValidatePayload(op.EntityType, local); err != nil {
			res.Error = err.Error()
			return outcome{result: res}, nil
		}
		w.Payload = local
	}

	e, err := c.repo.WriteEntity(ctx, w)
	switch {
	case errors.Is(err, store.ErrVersionMismatch):
		// Lost the race to another writer after the read above.
		latest, err := c.loadEntity(ctx, userID, op.EntityType, op.EntityID)
		if err != nil {
			return outcome{}, err
		}
		if latest == nil || latest.Deleted {
			return c.deleteConflict(ctx, userID, clientID, op, res, latest, now)
		}
		local, err := intended(op, latest.Payload)
		if err != nil {
			res.Error = err.Error()
			return outcome{result: res}, nil
		}
		return c.versionConflict(ctx, userID, clientID, op, res, latest, local, strategy, now)
	case errors.Is(err, store.ErrNotFound):
		latest, err := c.loadEntity(ctx, userID, op.EntityType, op.EntityID)
		if err != nil {
			return outcome{}, err
		}
		return c.deleteConflict(ctx, userID, clientID, op, res, latest, now)
	case err != nil:
		return outcome{}, fmt.Errorf("write entity: %w", err)
	}

	res.Success = true
	res.Version = e.Version
	if !e.Deleted {
		res.Data = e.Payload
	}
	return outcome{result: res, written: true}, nil
}

func (c *Coordinator) loadEntity(ctx context.Context, userID string, entityType protocol.EntityType, id string) (*store.Entity, error) {
	e, err := c.repo.GetEntity(ctx, userID, entityType, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load entity: %w", err)
	}
	return e, nil
}

// intended returns the record the client wants to end up with: the update
// patch applied to base, or nil for a delete.
func intended(op protocol.Operation, base json.RawMessage) (json.RawMessage, error) {
	if op.Kind == protocol.KindDelete {
		return nil, nil
	}
	if len(base) == 0 {
		return op.Data, nil
	}
	return protocol.MergePatch(base, op.Data)
}

func localSnapshot(op protocol.Operation, data json.RawMessage) conflict.Snapshot {
	ts := op.Timestamp
	if ts.IsZero() {
		if stamp, ok := protocol.RecordTimestamp(data); ok {
			ts = stamp
		}
	}
	return conflict.Snapshot{Data: data, Version: op.BeforeVersion, Timestamp: ts}
}

// deleteConflict records that the client mutated an entity the server no
// longer has. current is the tombstone, or nil when the entity never existed.
func (c *Coordinator) deleteConflict(ctx context.Context, userID, clientID string, op protocol.Operation, res protocol.OperationResult, current *store.Entity, now time.Time) (outcome, error) {
	var base json.RawMessage
	if current != nil {
		base = current.Payload
	}
	local, err := intended(op, base)
	if err != nil {
		res.Error = err.Error()
		return outcome{result: res}, nil
	}

	cf := conflict.Detect(op.EntityType, op.EntityID, localSnapshot(op, local), nil, now)
	cf.OperationID = op.ID
	if current != nil {
		cf.RemoteVersion = current.Version
		cf.RemoteTimestamp = current.UpdatedAt
	}
	if err := c.repo.InsertConflict(ctx, userID, clientID, cf); err != nil {
		return outcome{}, fmt.Errorf("record delete conflict: %w", err)
	}

	slog.Info("delete conflict detected",
		"component", "reconcile",
		"action", "conflict_detected",
		"user_id", userID,
		"conflict_id", cf.ID,
		"entity_type", string(op.EntityType),
		"entity_id", op.EntityID,
	)
	res.ConflictID = cf.ID
	res.Error = "entity was deleted on the server"
	return outcome{result: res, conflict: &cf}, nil
}

// versionConflict records a stale before_version and, for automatic
// strategies, resolves it immediately.
func (c *Coordinator) versionConflict(ctx context.Context, userID, clientID string, op protocol.Operation, res protocol.OperationResult, current *store.Entity, local json.RawMessage, strategy protocol.Strategy, now time.Time) (outcome, error) {
	remote := &conflict.Snapshot{Data: current.Payload, Version: current.Version, Timestamp: current.UpdatedAt}
	cf := conflict.Detect(op.EntityType, op.EntityID, localSnapshot(op, local), remote, now)
	cf.OperationID = op.ID
	if err := c.repo.InsertConflict(ctx, userID, clientID, cf); err != nil {
		return outcome{}, fmt.Errorf("record version conflict: %w", err)
	}

	slog.Info("version conflict detected",
		"component", "reconcile",
		"action", "conflict_detected",
		"user_id", userID,
		"conflict_id", cf.ID,
		"entity_type", string(op.EntityType),
		"entity_id", op.EntityID,
		"before_version", op.BeforeVersion,
		"current_version", current.Version,
		"differing_fields", cf.DifferingFields,
	)

	res.ConflictID = cf.ID
	res.Version = current.Version
	if !strategy.Automatic() {
		res.Error = fmt.Sprintf("version conflict: expected version %d, current version %d", op.BeforeVersion, current.Version)
		return outcome{result: res, conflict: &cf}, nil
	}

	resolved, e, err := c.applyResolution(ctx, userID, clientID, cf, strategy, nil, current, current.Version, now)
	if err != nil {
		slog.Warn("automatic resolution failed",
			"component", "reconcile",
			"action", "auto_resolve_failed",
			"user_id", userID,
			"conflict_id", cf.ID,
			"strategy", string(strategy),
			"error", err,
		)
		res.Error = fmt.Sprintf("version conflict: automatic %s resolution failed", strategy)
		return outcome{result: res, conflict: &cf}, nil
	}

	res.Success = true
	written := e != nil
	if written {
		res.Version = e.Version
		if !e.Deleted {
			res.Data = e.Payload
		}
	}
	return outcome{result: res, conflict: &resolved, written: written}, nil
}

// applyResolution resolves cf with strategy and writes the outcome as a new
// canonical version in the same transaction that marks cf resolved. When
// expected is non-zero the write is conditional on that version.
func (c *Coordinator) applyResolution(ctx context.Context, userID, modifiedBy string, cf protocol.Conflict, strategy protocol.Strategy, manual json.RawMessage, current *store.Entity, expected int64, now time.Time) (protocol.Conflict, *store.Entity, error) {
	result, err := conflict.Resolve(cf, strategy, manual, now)
	if err != nil {
		return cf, nil, err
	}
	if !result.Delete {
		if err := protocol.ValidatePayload(cf.EntityType, result.Data); err != nil {
			return cf, nil, err
		}
	}

	live := current != nil && !current.Deleted
	var w *store.EntityWrite
	switch {
	case result.Delete && !live:
		// Already gone; nothing to write.
	case result.Delete:
		w = &store.EntityWrite{Deleted: true, ExpectedVersion: expected}
	case live:
		w = &store.EntityWrite{Payload: result.Data, ExpectedVersion: expected}
	default:
		w = &store.EntityWrite{Payload: result.Data, Upsert: true}
	}
	if w != nil {
		w.UserID = userID
		w.EntityType = cf.EntityType
		w.ID = cf.EntityID
		w.ModifiedBy = modifiedBy
		w.At = now
	}

	e, err := c.repo.ResolveConflict(ctx, store.ConflictResolution{
		UserID:     userID,
		ConflictID: cf.ID,
		Strategy:   strategy,
		At:         now,
		Write:      w,
	})
	if err != nil {
		return cf, nil, err
	}

	cf.Resolved = true
	cf.Resolution = strategy
	resolvedAt := now
	cf.ResolvedAt = &resolvedAt

	slog.Info("conflict resolved",
		"component", "reconcile",
		"action", "conflict_resolved",
		"user_id", userID,
		"conflict_id", cf.ID,
		"strategy", string(strategy),
		"winner", result.Side,
	)
	return cf, e, nil
}

// serverUpdates returns the user's canonical changes the client has not
// seen, minus the entities written by this request. A client without any
// cursor receives the live entity set.
func (c *Coordinator) serverUpdates(ctx context.Context, userID string, req protocol.SyncRequest, authored map[string]bool) ([]protocol.ServerUpdate, error) {
	state := req.ClientState

	var entities []store.Entity
	var err error
	if state.ServerVersion == 0 && state.LastSyncTime.IsZero() {
		entities, err = c.repo.ListEntities(ctx, userID, store.EntityFilter{Types: req.EntityTypes})
	} else {
		entities, err = c.repo.ChangesSince(ctx, userID, store.ChangeQuery{
			AfterSeq: state.ServerVersion,
			Since:    state.LastSyncTime,
			Types:    req.EntityTypes,
		})
	}
	if err != nil {
		return nil, fmt.Errorf("server updates: %w", err)
	}

	updates := make([]protocol.ServerUpdate, 0, len(entities))
	for _, e := range entities {
		if authored[entityKey(e.EntityType, e.ID)] {
			continue
		}
		updates = append(updates, toServerUpdate(e))
	}
	return updates, nil
}

func toServerUpdate(e store.Entity) protocol.ServerUpdate {
	u := protocol.ServerUpdate{
		EntityType: e.EntityType,
		EntityID:   e.ID,
		Kind:       protocol.KindUpdate,
		Data:       e.Payload,
		Version:    e.Version,
		ModifiedAt: e.UpdatedAt,
	}
	switch {
	case e.Deleted:
		u.Kind = protocol.KindDelete
		u.Data = nil
	case e.Version == 1:
		u.Kind = protocol.KindCreate
	}
	return u
}

func entityKey(t protocol.EntityType, id string) string {
	return string(t) + "/" + id
}
