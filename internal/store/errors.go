package store

import "errors"

var (
	ErrNotFound          = errors.New("record not found")
	ErrVersionMismatch   = errors.New("entity version mismatch")
	ErrStaleClaim        = errors.New("operation claim is stale")
	ErrInvalidTransition = errors.New("operation is already terminal")
	ErrAlreadyResolved   = errors.New("conflict already resolved")
	ErrCapacityExceeded  = errors.New("queue capacity exceeded")
	ErrSnapshotDisabled  = errors.New("snapshot path not configured")
)
