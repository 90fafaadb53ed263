package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hyperengineering/quire/internal/queue"
	"github.com/hyperengineering/quire/internal/snapshot"
	"github.com/hyperengineering/quire/internal/validation"
	"github.com/hyperengineering/quire/pkg/clock"
	"github.com/hyperengineering/quire/pkg/protocol"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 8 << 20

// SyncService reconciles client batches and manages stored conflicts.
type SyncService interface {
	Sync(ctx context.Context, userID string, req protocol.SyncRequest) (*protocol.SyncResponse, error)
	ListConflicts(ctx context.Context, userID string, unresolvedOnly bool) ([]protocol.Conflict, error)
	ResolveConflict(ctx context.Context, userID, conflictID string, strategy protocol.Strategy, manual json.RawMessage) (*protocol.ResolveResponse, error)
}

// QueueService is the server queue surface exposed over HTTP.
type QueueService interface {
	Enqueue(ctx context.Context, req protocol.EnqueueRequest) ([]string, error)
	Get(ctx context.Context, id string) (*protocol.QueuedOperation, error)
	Stats(ctx context.Context, userID string) (protocol.QueueStats, error)
	MarkAsCompleted(ctx context.Context, id string) error
	MarkAsFailed(ctx context.Context, id string, cause error) (bool, error)
	Remove(ctx context.Context, id string) error
}

// HealthChecker reports the latest canonical sequence number.
type HealthChecker interface {
	LatestSequence(ctx context.Context) (int64, error)
}

// Options configures a Handler.
type Options struct {
	APIKey          string
	Version         string
	DefaultStrategy protocol.Strategy
	RateLimit       float64
	RateBurst       int
	Clock           clock.Clock
}

// Handler implements the API handlers
type Handler struct {
	sync     SyncService
	queue    QueueService
	health   HealthChecker
	uploader snapshot.Uploader
	limiter  *RateLimiter
	opts     Options
	clock    clock.Clock
}

// NewHandler creates a Handler. A nil uploader means snapshot URLs are
// unavailable.
func NewHandler(s SyncService, q QueueService, hc HealthChecker, u snapshot.Uploader, opts Options) *Handler {
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.DefaultStrategy == "" {
		opts.DefaultStrategy = protocol.StrategyServerWins
	}
	if u == nil {
		u = &snapshot.NoopUploader{}
	}
	h := &Handler{
		sync:     s,
		queue:    q,
		health:   hc,
		uploader: u,
		opts:     opts,
		clock:    opts.Clock,
	}
	if opts.RateLimit > 0 {
		h.limiter = NewRateLimiter(opts.RateLimit, opts.RateBurst, opts.Clock)
	}
	return h
}

// RateLimiter returns the request limiter, or nil when rate limiting is off.
func (h *Handler) RateLimiter() *RateLimiter {
	return h.limiter
}

// HealthResponse is the body of GET /api/v1/health.
type HealthResponse struct {
	Status        string    `json:"status"`
	Version       string    `json:"version"`
	ServerVersion int64     `json:"server_version"`
	Time          time.Time `json:"time"`
}

// Health handles GET /api/v1/health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	seq, err := h.health.LatestSequence(r.Context())
	if err != nil {
		slog.Error("health check failed", "component", "api", "error", err)
		WriteProblem(w, r, http.StatusServiceUnavailable, "Store unavailable")
		return
	}

	writeJSON(w, http.StatusOK, HealthResponse{
		Status:        "healthy",
		Version:       h.opts.Version,
		ServerVersion: seq,
		Time:          h.clock.Now().UTC(),
	})
}

// Enqueue handles POST /api/v1/queue
func (h *Handler) Enqueue(w http.ResponseWriter, r *http.Request) {
	userID := UserIDFromContext(r.Context())

	var req protocol.EnqueueRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.UserID != "" && req.UserID != userID {
		WriteProblem(w, r, http.StatusForbidden, "user_id does not match the authenticated user")
		return
	}
	req.UserID = userID

	ids, err := h.queue.Enqueue(r.Context(), req)
	if errors.Is(err, queue.ErrQueueFull) {
		WriteProblem(w, r, http.StatusTooManyRequests, err.Error())
		return
	}
	if err != nil {
		MapError(w, r, err)
		return
	}

	writeJSON(w, http.StatusAccepted, protocol.EnqueueResponse{Success: true, QueueIDs: ids})
}

// QueueStats handles GET /api/v1/queue/stats
func (h *Handler) QueueStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.queue.Stats(r.Context(), UserIDFromContext(r.Context()))
	if err != nil {
		MapError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// CompleteOperation handles POST /api/v1/queue/{id}/complete
func (h *Handler) CompleteOperation(w http.ResponseWriter, r *http.Request) {
	id, ok := h.ownedOperation(w, r)
	if !ok {
		return
	}
	if err := h.queue.MarkAsCompleted(r.Context(), id); err != nil {
		MapError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// FailRequest is the body of POST /api/v1/queue/{id}/fail.
type FailRequest struct {
	Error string `json:"error"`
}

// FailResponse reports whether a failed operation will be retried.
type FailResponse struct {
	Retried bool `json:"retried"`
}

// FailOperation handles POST /api/v1/queue/{id}/fail
func (h *Handler) FailOperation(w http.ResponseWriter, r *http.Request) {
	id, ok := h.ownedOperation(w, r)
	if !ok {
		return
	}

	var req FailRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Error == "" {
		req.Error = "failed by client"
	}

	retried, err := h.queue.MarkAsFailed(r.Context(), id, errors.New(req.Error))
	if err != nil {
		MapError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, FailResponse{Retried: retried})
}

// DeleteOperation handles DELETE /api/v1/queue/{id}
func (h *Handler) DeleteOperation(w http.ResponseWriter, r *http.Request) {
	id, ok := h.ownedOperation(w, r)
	if !ok {
		return
	}
	if err := h.queue.Remove(r.Context(), id); err != nil {
		MapError(w, r, err)
		return
	}

	slog.Info("operation removed",
		"component", "api",
		"action", "queue_remove",
		"user_id", UserIDFromContext(r.Context()),
		"operation_id", id,
	)
	w.WriteHeader(http.StatusNoContent)
}

// ownedOperation validates the {id} path parameter and checks that the
// operation belongs to the caller. Operations of other users look missing.
func (h *Handler) ownedOperation(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := chi.URLParam(r, "id")
	if verr := validation.ValidateULID("id", id); verr != nil {
		WriteProblemWithErrors(w, r, "Invalid operation ID", []validation.ValidationError{*verr})
		return "", false
	}

	op, err := h.queue.Get(r.Context(), id)
	if err != nil {
		MapError(w, r, err)
		return "", false
	}
	if op.UserID != UserIDFromContext(r.Context()) {
		WriteProblem(w, r, http.StatusNotFound, "Operation not found")
		return "", false
	}
	return id, true
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		WriteProblem(w, r, http.StatusBadRequest, fmt.Sprintf("Invalid JSON: %s", err))
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "component", "api", "error", err)
	}
}
