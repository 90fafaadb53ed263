package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/hyperengineering/quire/internal/store"
	"github.com/hyperengineering/quire/pkg/conflict"
	"github.com/hyperengineering/quire/pkg/protocol"
)

// resolverID is recorded as the author of writes made by explicit
// conflict resolution.
const resolverID = "conflict-resolution"

// ListConflicts returns the user's conflicts in detection order.
func (c *Coordinator) ListConflicts(ctx context.Context, userID string, unresolvedOnly bool) ([]protocol.Conflict, error) {
	conflicts, err := c.repo.ListConflicts(ctx, userID, unresolvedOnly)
	if err != nil {
		return nil, fmt.Errorf("list conflicts: %w", err)
	}
	return conflicts, nil
}

// ResolveConflict resolves a stored conflict with strategy and writes the
// outcome as a new canonical version. The remote side is taken from the
// current canonical record, so writes made after detection are not reverted,
// and the write is conditional on that record's version. A client-wins
// resolution of a delete conflict recreates the entity. Resolving twice
// returns ErrConflictResolved; losing a race to a concurrent writer returns
// ErrStaleConflict.
func (c *Coordinator) ResolveConflict(ctx context.Context, userID, conflictID string, strategy protocol.Strategy, manual json.RawMessage) (*protocol.ResolveResponse, error) {
	cf, err := c.repo.GetConflict(ctx, userID, conflictID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrConflictNotFound, conflictID)
	}
	if err != nil {
		return nil, fmt.Errorf("get conflict: %w", err)
	}
	if cf.Resolved {
		return nil, fmt.Errorf("%w: %s", ErrConflictResolved, conflictID)
	}

	current, err := c.loadEntity(ctx, userID, cf.EntityType, cf.EntityID)
	if err != nil {
		return nil, err
	}

	refreshRemote(cf, current)

	var expected int64
	if current != nil && !current.Deleted {
		expected = current.Version
	}
	resolved, e, err := c.applyResolution(ctx, userID, resolverID, *cf, strategy, manual, current, expected, c.clock.Now())
	switch {
	case errors.Is(err, store.ErrAlreadyResolved):
		return nil, fmt.Errorf("%w: %s", ErrConflictResolved, conflictID)
	case errors.Is(err, store.ErrVersionMismatch):
		return nil, fmt.Errorf("%w: %s: %v", ErrStaleConflict, conflictID, err)
	}
	if err != nil {
		return nil, err
	}

	resp := &protocol.ResolveResponse{Conflict: resolved}
	switch {
	case e != nil:
		resp.Version = e.Version
		if !e.Deleted {
			resp.Data = e.Payload
		}
	case current != nil:
		resp.Version = current.Version
	}
	return resp, nil
}

// refreshRemote replaces the remote side of cf with current when the
// canonical record has moved past the version seen at detection.
func refreshRemote(cf *protocol.Conflict, current *store.Entity) {
	if current == nil || current.Version == cf.RemoteVersion {
		return
	}
	cf.RemoteVersion = current.Version
	cf.RemoteTimestamp = current.UpdatedAt
	if current.Deleted {
		cf.Type = protocol.ConflictDelete
		cf.RemoteData = nil
	} else {
		cf.Type = protocol.ConflictVersion
		cf.RemoteData = current.Payload
	}
	cf.DifferingFields = conflict.DiffFields(cf.LocalData, cf.RemoteData)
}
