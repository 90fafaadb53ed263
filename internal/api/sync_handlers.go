package api

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hyperengineering/quire/internal/reconcile"
	"github.com/hyperengineering/quire/internal/validation"
	"github.com/hyperengineering/quire/pkg/protocol"
)

// Sync handles POST /api/v1/sync
func (h *Handler) Sync(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	userID := UserIDFromContext(r.Context())

	var req protocol.SyncRequest
	if !decodeBody(w, r, &req) {
		return
	}

	resp, err := h.sync.Sync(r.Context(), userID, req)
	if errors.Is(err, reconcile.ErrUnsupportedProtocolVersion) && resp != nil {
		// The FAILED response still tells the client what went wrong.
		writeJSON(w, http.StatusBadRequest, resp)
		return
	}
	if err != nil {
		MapError(w, r, err)
		return
	}

	slog.Info("sync completed",
		"component", "api",
		"action", "sync",
		"user_id", userID,
		"client_id", req.ClientID,
		"operations", len(req.Operations),
		"server_updates", len(resp.ServerUpdates),
		"conflicts", len(resp.Conflicts),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	writeJSON(w, http.StatusOK, resp)
}

// ConflictList is the body of GET /api/v1/conflicts.
type ConflictList struct {
	Conflicts []protocol.Conflict `json:"conflicts"`
}

// ListConflicts handles GET /api/v1/conflicts
func (h *Handler) ListConflicts(w http.ResponseWriter, r *http.Request) {
	unresolved := false
	if v := r.URL.Query().Get("unresolved"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			WriteProblem(w, r, http.StatusBadRequest, "unresolved must be a boolean")
			return
		}
		unresolved = b
	}

	conflicts, err := h.sync.ListConflicts(r.Context(), UserIDFromContext(r.Context()), unresolved)
	if err != nil {
		MapError(w, r, err)
		return
	}
	if conflicts == nil {
		conflicts = []protocol.Conflict{}
	}
	writeJSON(w, http.StatusOK, ConflictList{Conflicts: conflicts})
}

// ResolveConflict handles POST /api/v1/conflicts/{id}/resolve
func (h *Handler) ResolveConflict(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if verr := validation.ValidateULID("id", id); verr != nil {
		WriteProblemWithErrors(w, r, "Invalid conflict ID", []validation.ValidationError{*verr})
		return
	}

	var req protocol.ResolveRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Strategy == "" {
		req.Strategy = h.opts.DefaultStrategy
	}
	if !req.Strategy.Valid() {
		WriteProblem(w, r, http.StatusBadRequest, "unknown resolution strategy: "+string(req.Strategy))
		return
	}

	resp, err := h.sync.ResolveConflict(r.Context(), UserIDFromContext(r.Context()), id, req.Strategy, req.ManualData)
	if err != nil {
		MapError(w, r, err)
		return
	}

	slog.Info("conflict resolved",
		"component", "api",
		"action", "resolve_conflict",
		"user_id", UserIDFromContext(r.Context()),
		"conflict_id", id,
		"strategy", req.Strategy,
	)
	writeJSON(w, http.StatusOK, resp)
}

// SnapshotURLResponse is the body of GET /api/v1/snapshot.
type SnapshotURLResponse struct {
	URL       string    `json:"url"`
	ExpiresAt time.Time `json:"expires_at"`
}

// SnapshotURL handles GET /api/v1/snapshot
func (h *Handler) SnapshotURL(w http.ResponseWriter, r *http.Request) {
	url, expires, err := h.uploader.PresignedURL(r.Context())
	if err != nil {
		MapError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, SnapshotURLResponse{URL: url, ExpiresAt: expires})
}
