package reconcile

import "errors"

var (
	// ErrUnsupportedProtocolVersion is returned when a client speaks a protocol
	// version the server does not accept.
	ErrUnsupportedProtocolVersion = errors.New("unsupported protocol version")

	// ErrConflictResolved is returned when resolving a conflict twice.
	ErrConflictResolved = errors.New("conflict already resolved")

	// ErrStaleConflict is returned when the entity changed while a conflict
	// was being resolved.
	ErrStaleConflict = errors.New("conflict is stale")

	// ErrConflictNotFound is returned for unknown conflict ids.
	ErrConflictNotFound = errors.New("conflict not found")

	// ErrEntityNotFound is returned when a queued update or delete targets an
	// entity that does not exist.
	ErrEntityNotFound = errors.New("entity not found")
)
