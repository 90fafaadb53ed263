// Package protocol defines the wire types shared by the sync server and its
// clients: queued operations, the sync request/response envelope, conflicts,
// and alerts.
package protocol

import (
	"encoding/json"
	"time"
)

// ProtocolVersion is the sync protocol version spoken by this module.
const ProtocolVersion = 1

// OperationKind is the mutation (or read) an operation performs.
type OperationKind string

const (
	KindCreate OperationKind = "create"
	KindUpdate OperationKind = "update"
	KindDelete OperationKind = "delete"
	KindRead   OperationKind = "read"
)

// Mutates reports whether the kind changes canonical state.
func (k OperationKind) Mutates() bool {
	return k == KindCreate || k == KindUpdate || k == KindDelete
}

// Priority orders queued operations. High is dequeued first.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

// Rank returns the sort rank of the priority (lower runs first).
// Unknown priorities rank with medium.
func (p Priority) Rank() int {
	switch p {
	case PriorityHigh:
		return 0
	case PriorityLow:
		return 2
	default:
		return 1
	}
}

// Valid reports whether p is one of the known priorities.
func (p Priority) Valid() bool {
	return p == PriorityHigh || p == PriorityMedium || p == PriorityLow
}

// PriorityFromRank is the inverse of Rank.
func PriorityFromRank(rank int) Priority {
	switch rank {
	case 0:
		return PriorityHigh
	case 2:
		return PriorityLow
	default:
		return PriorityMedium
	}
}

// Status is the lifecycle state of a queued operation.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// QueuedOperation is a server-side queue row.
type QueuedOperation struct {
	ID          string          `json:"id"`
	UserID      string          `json:"user_id"`
	DeviceID    string          `json:"device_id,omitempty"`
	ClientID    string          `json:"client_id,omitempty"`
	Kind        OperationKind   `json:"type"`
	EntityType  EntityType      `json:"entity_type"`
	EntityID    string          `json:"entity_id,omitempty"`
	Payload     json.RawMessage `json:"data,omitempty"`
	Priority    Priority        `json:"priority"`
	RetryCount  int             `json:"retry_count"`
	MaxRetries  int             `json:"max_retries"`
	Status      Status          `json:"status"`
	LastError   string          `json:"last_error,omitempty"`
	Generation  int64           `json:"generation"`
	CreatedAt   time.Time       `json:"created_at"`
	ScheduledAt *time.Time      `json:"scheduled_at,omitempty"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

// EnqueueOperation is one mutation inside an EnqueueRequest.
type EnqueueOperation struct {
	Kind       OperationKind   `json:"type"`
	EntityType EntityType      `json:"entity_type"`
	Data       json.RawMessage `json:"data,omitempty"`
	EntityID   string          `json:"entity_id,omitempty"`
}

// EnqueueRequest asks the server queue to accept a set of operations.
type EnqueueRequest struct {
	UserID      string             `json:"user_id"`
	DeviceID    string             `json:"device_id"`
	ClientID    string             `json:"client_id"`
	Operations  []EnqueueOperation `json:"operations"`
	Priority    Priority           `json:"priority"`
	ScheduledAt *time.Time         `json:"scheduled_at,omitempty"`
	MaxRetries  int                `json:"max_retries,omitempty"`
}

// EnqueueResponse reports the ids assigned to an accepted EnqueueRequest.
type EnqueueResponse struct {
	Success  bool     `json:"success"`
	QueueIDs []string `json:"queue_ids"`
	Error    string   `json:"error,omitempty"`
}

// QueueStats summarises a user's queue.
type QueueStats struct {
	UserID      string  `json:"user_id"`
	Pending     int     `json:"pending"`
	Processing  int     `json:"processing"`
	Completed   int     `json:"completed"`
	Failed      int     `json:"failed"`
	FailureRate float64 `json:"failure_rate"`
}

// Processed returns the number of operations that reached a terminal state.
func (s QueueStats) Processed() int {
	return s.Completed + s.Failed
}

// Operation is a client-originated operation carried in a SyncRequest.
// BeforeVersion is the canonical version the client believes is current
// for update and delete.
type Operation struct {
	ID            string          `json:"id"`
	Kind          OperationKind   `json:"type"`
	EntityType    EntityType      `json:"entity_type"`
	EntityID      string          `json:"entity_id,omitempty"`
	TempID        string          `json:"temp_id,omitempty"`
	BeforeVersion int64           `json:"before_version,omitempty"`
	Data          json.RawMessage `json:"data,omitempty"`
	EntityIDs     []string        `json:"entity_ids,omitempty"`
	Timestamp     time.Time       `json:"timestamp"`
}

// ClientSyncState is the per-client sync cursor.
type ClientSyncState struct {
	ClientID          string    `json:"client_id"`
	LastSyncTime      time.Time `json:"last_sync_time"`
	ServerVersion     int64     `json:"server_version"`
	PendingOperations int       `json:"pending_operations"`
	LastSyncID        string    `json:"last_sync_id,omitempty"`
}

// SyncRequest is sent by a client to reconcile its pending operations.
type SyncRequest struct {
	RequestID                 string          `json:"request_id"`
	ClientID                  string          `json:"client_id"`
	ClientState               ClientSyncState `json:"client_state"`
	ProtocolVersion           int             `json:"protocol_version"`
	Operations                []Operation     `json:"operations"`
	EntityTypes               []EntityType    `json:"entity_types,omitempty"`
	DefaultResolutionStrategy Strategy        `json:"default_resolution_strategy,omitempty"`
	Incremental               bool            `json:"incremental,omitempty"`
	BatchSize                 int             `json:"batch_size,omitempty"`
	BatchIndex                int             `json:"batch_index,omitempty"`
	IsLastBatch               *bool           `json:"is_last_batch,omitempty"`
}

// LastBatch reports whether this request closes the sync round. Requests
// without batching metadata are a single, final batch.
func (r SyncRequest) LastBatch() bool {
	return r.IsLastBatch == nil || *r.IsLastBatch
}

// SyncStatus is the request-level outcome of a sync.
type SyncStatus string

const (
	SyncSuccess SyncStatus = "SUCCESS"
	SyncFailed  SyncStatus = "FAILED"
)

// OperationResult is the outcome of one Operation.
type OperationResult struct {
	OperationID string          `json:"operation_id"`
	Success     bool            `json:"success"`
	EntityID    string          `json:"entity_id,omitempty"`
	TempID      string          `json:"temp_id,omitempty"`
	Version     int64           `json:"version,omitempty"`
	Data        json.RawMessage `json:"data,omitempty"`
	Error       string          `json:"error,omitempty"`
	ConflictID  string          `json:"conflict_id,omitempty"`
}

// ServerUpdate is a canonical change the client has not seen yet.
type ServerUpdate struct {
	EntityType EntityType      `json:"entity_type"`
	EntityID   string          `json:"entity_id"`
	Kind       OperationKind   `json:"type"`
	Data       json.RawMessage `json:"data,omitempty"`
	Version    int64           `json:"version"`
	ModifiedAt time.Time       `json:"modified_at"`
}

// SyncResponse is the server's reply to a SyncRequest.
type SyncResponse struct {
	Status           SyncStatus        `json:"status"`
	OperationResults []OperationResult `json:"operation_results"`
	ServerUpdates    []ServerUpdate    `json:"server_updates"`
	Conflicts        []Conflict        `json:"conflicts"`
	NewClientState   ClientSyncState   `json:"new_client_state"`
	ServerTime       time.Time         `json:"server_time"`
	Error            string            `json:"error,omitempty"`
}

// ConflictType classifies a detected divergence.
type ConflictType string

const (
	// ConflictVersion means the client's before_version is stale.
	ConflictVersion ConflictType = "version"
	// ConflictDelete means the client mutated an entity the server deleted.
	ConflictDelete ConflictType = "delete"
)

// Strategy selects how a conflict is resolved.
type Strategy string

const (
	StrategyServerWins Strategy = "server_wins"
	StrategyClientWins Strategy = "client_wins"
	StrategyLatestWins Strategy = "latest_wins"
	StrategyMerge      Strategy = "merge"
	StrategyManual     Strategy = "manual"
)

// Valid reports whether s is a known strategy.
func (s Strategy) Valid() bool {
	switch s {
	case StrategyServerWins, StrategyClientWins, StrategyLatestWins, StrategyMerge, StrategyManual:
		return true
	}
	return false
}

// Automatic reports whether the strategy can run without human input.
func (s Strategy) Automatic() bool {
	return s.Valid() && s != StrategyManual
}

// Conflict records a divergence between a client's assumed prior state and
// the canonical state. Local is the client side, Remote the server side.
type Conflict struct {
	ID              string          `json:"id"`
	Type            ConflictType    `json:"type"`
	EntityType      EntityType      `json:"entity_type"`
	EntityID        string          `json:"entity_id"`
	OperationID     string          `json:"operation_id,omitempty"`
	LocalData       json.RawMessage `json:"local_data,omitempty"`
	LocalVersion    int64           `json:"local_version"`
	LocalTimestamp  time.Time       `json:"local_timestamp"`
	RemoteData      json.RawMessage `json:"remote_data,omitempty"`
	RemoteVersion   int64           `json:"remote_version"`
	RemoteTimestamp time.Time       `json:"remote_timestamp"`
	DifferingFields []string        `json:"differing_fields"`
	Resolved        bool            `json:"resolved"`
	Resolution      Strategy        `json:"resolution,omitempty"`
	ResolvedAt      *time.Time      `json:"resolved_at,omitempty"`
	DetectedAt      time.Time       `json:"detected_at"`
}

// ResolveRequest asks the server to resolve a stored conflict.
type ResolveRequest struct {
	Strategy   Strategy        `json:"strategy"`
	ManualData json.RawMessage `json:"manual_data,omitempty"`
}

// ResolveResponse carries the canonical state written by a resolution.
type ResolveResponse struct {
	Conflict Conflict        `json:"conflict"`
	Version  int64           `json:"version"`
	Data     json.RawMessage `json:"data"`
}

// AlertType names the condition that raised an alert.
type AlertType string

const (
	AlertQueueFull         AlertType = "queue_full"
	AlertHighPendingCount  AlertType = "high_pending_count"
	AlertHighFailureRate   AlertType = "high_failure_rate"
	AlertProcessingTimeout AlertType = "processing_timeout"
)

// Severity ranks alerts.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Alert is delivered to queue alert subscribers.
type Alert struct {
	AlertID   string         `json:"alert_id"`
	AlertType AlertType      `json:"alert_type"`
	Message   string         `json:"message"`
	Severity  Severity       `json:"severity"`
	Timestamp time.Time      `json:"timestamp"`
	UserID    string         `json:"user_id,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
}
