package reconcile

import (
	"context"
	"errors"
	"fmt"

	"github.com/hyperengineering/quire/internal/store"
	"github.com/hyperengineering/quire/pkg/clock"
	"github.com/hyperengineering/quire/pkg/protocol"
)

// maxApplyAttempts bounds re-reads when a concurrent writer moves an entity
// between the read and the write of a queued update.
const maxApplyAttempts = 3

// Applier writes queued server-side operations to the canonical store.
// Queued operations carry no base version, so the last writer wins.
type Applier struct {
	store EntityStore
	clock clock.Clock
}

// NewApplier creates an Applier.
func NewApplier(s EntityStore, clk clock.Clock) *Applier {
	return &Applier{store: s, clock: clk}
}

// Apply performs op. Creates use the operation's entity id, or the
// operation id when none was given, so a retried create rewrites the same
// row. Updates of a missing or deleted entity return ErrEntityNotFound.
// Deleting an entity that is already gone succeeds and returns nil.
func (a *Applier) Apply(ctx context.Context, op protocol.QueuedOperation) (*store.Entity, error) {
	author := op.ClientID
	if author == "" {
		author = op.DeviceID
	}

	switch op.Kind {
	case protocol.KindCreate:
		if err := protocol.ValidatePayload(op.EntityType, op.Payload); err != nil {
			return nil, err
		}
		id := op.EntityID
		if id == "" {
			id = op.ID
		}
		e, err := a.store.WriteEntity(ctx, store.EntityWrite{
			UserID:     op.UserID,
			EntityType: op.EntityType,
			ID:         id,
			Payload:    op.Payload,
			ModifiedBy: author,
			At:         a.clock.Now(),
			Upsert:     true,
		})
		if err != nil {
			return nil, fmt.Errorf("apply create: %w", err)
		}
		return e, nil

	case protocol.KindUpdate:
		return a.update(ctx, op, author)

	case protocol.KindDelete:
		e, err := a.store.WriteEntity(ctx, store.EntityWrite{
			UserID:     op.UserID,
			EntityType: op.EntityType,
			ID:         op.EntityID,
			Deleted:    true,
			ModifiedBy: author,
			At:         a.clock.Now(),
		})
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("apply delete: %w", err)
		}
		return e, nil

	default:
		return nil, fmt.Errorf("%w: cannot apply %q operation", protocol.ErrInvalidPayload, op.Kind)
	}
}

// update merges the patch into the current record, retrying when another
// writer commits in between.
func (a *Applier) update(ctx context.Context, op protocol.QueuedOperation, author string) (*store.Entity, error) {
	for attempt := 1; ; attempt++ {
		current, err := a.store.GetEntity(ctx, op.UserID, op.EntityType, op.EntityID)
		if errors.Is(err, store.ErrNotFound) || (err == nil && current.Deleted) {
			return nil, fmt.Errorf("%w: %s %s", ErrEntityNotFound, op.EntityType, op.EntityID)
		}
		if err != nil {
			return nil, fmt.Errorf("apply update: %w", err)
		}

		merged, err := protocol.MergePatch(current.Payload, op.Payload)
		if err != nil {
			return nil, err
		}
		if err := protocol.ValidatePayload(op.EntityType, merged); err != nil {
			return nil, err
		}

		e, err := a.store.WriteEntity(ctx, store.EntityWrite{
			UserID:          op.UserID,
			EntityType:      op.EntityType,
			ID:              op.EntityID,
			Payload:         merged,
			ModifiedBy:      author,
			At:              a.clock.Now(),
			ExpectedVersion: current.Version,
		})
		switch {
		case err == nil:
			return e, nil
		case errors.Is(err, store.ErrVersionMismatch) && attempt < maxApplyAttempts:
			continue
		case errors.Is(err, store.ErrNotFound):
			return nil, fmt.Errorf("%w: %s %s", ErrEntityNotFound, op.EntityType, op.EntityID)
		default:
			return nil, fmt.Errorf("apply update: %w", err)
		}
	}
}
