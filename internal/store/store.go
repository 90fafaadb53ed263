package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/hyperengineering/quire/pkg/protocol"
)

// Entity is a canonical record. Deleted rows are tombstones: they keep their
// version and sequence so late writers see a delete conflict and clients
// receive the delete as a server update.
type Entity struct {
	UserID     string
	EntityType protocol.EntityType
	ID         string
	Payload    json.RawMessage
	Version    int64
	Deleted    bool
	Seq        int64
	ModifiedBy string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// EntityWrite describes one mutation of the canonical store.
type EntityWrite struct {
	UserID     string
	EntityType protocol.EntityType
	ID         string
	// Payload replaces the stored payload. Nil keeps the previous payload,
	// which is how deletes preserve the last content of a tombstone.
	Payload    json.RawMessage
	Deleted    bool
	ModifiedBy string
	At         time.Time
	// ExpectedVersion, when non-zero, makes the write conditional on the
	// current version.
	ExpectedVersion int64
	// Upsert inserts the row, or revives a tombstone, when it does not exist.
	Upsert bool
}

// EntityFilter selects entities for read operations.
type EntityFilter struct {
	Types          []protocol.EntityType
	IDs            []string
	IncludeDeleted bool
}

// ChangeQuery selects canonical changes a client has not seen. AfterSeq
// takes precedence over Since when non-zero.
type ChangeQuery struct {
	AfterSeq int64
	Since    time.Time
	Types    []protocol.EntityType
	Limit    int
}

// Store defines the interface contract for canonical, queue and conflict
// persistence.
type Store interface {
	GetEntity(ctx context.Context, userID string, entityType protocol.EntityType, id string) (*Entity, error)
	WriteEntity(ctx context.Context, w EntityWrite) (*Entity, error)
	ListEntities(ctx context.Context, userID string, filter EntityFilter) ([]Entity, error)
	ChangesSince(ctx context.Context, userID string, q ChangeQuery) ([]Entity, error)
	LatestSequence(ctx context.Context) (int64, error)

	InsertConflict(ctx context.Context, userID, clientID string, c protocol.Conflict) error
	GetConflict(ctx context.Context, userID, id string) (*protocol.Conflict, error)
	ListConflicts(ctx context.Context, userID string, unresolvedOnly bool) ([]protocol.Conflict, error)
	ResolveConflict(ctx context.Context, r ConflictResolution) (*Entity, error)

	CountActive(ctx context.Context, userID string) (int, error)
	InsertOperations(ctx context.Context, ops []protocol.QueuedOperation, maxActive int) error
	ClaimOperations(ctx context.Context, userID string, now time.Time, limit int) ([]protocol.QueuedOperation, error)
	CompleteOperation(ctx context.Context, id string, generation int64, now time.Time) error
	FailOperation(ctx context.Context, id string, generation int64, cause string, now time.Time) (protocol.Status, error)
	RecoverStuck(ctx context.Context, userID string, cutoff, now time.Time) (int64, error)
	ListOperations(ctx context.Context, userID string, status protocol.Status) ([]protocol.QueuedOperation, error)
	GetOperation(ctx context.Context, id string) (*protocol.QueuedOperation, error)
	DeleteOperation(ctx context.Context, id string) error
	DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error)
	QueueStats(ctx context.Context, userID string) (protocol.QueueStats, error)
	QueueUsers(ctx context.Context, activeOnly bool) ([]string, error)

	GetSyncResponse(ctx context.Context, userID, requestID string, now time.Time) ([]byte, bool, error)
	SaveSyncResponse(ctx context.Context, userID, requestID string, response []byte, now time.Time, ttl time.Duration) error
	CleanExpiredIdempotency(ctx context.Context, now time.Time) (int64, error)

	GenerateSnapshot(ctx context.Context) error
	GetSnapshotPath(ctx context.Context) (string, error)
	Close() error
}
