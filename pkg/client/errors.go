package client

import (
	"errors"
	"fmt"
	"strings"
)

// staleConflictType is the problem type suffix for a resolution that lost a
// race with another writer.
const staleConflictType = "/conflict-stale"

var (
	// ErrOffline is returned when the server cannot be reached.
	ErrOffline = errors.New("server unreachable")

	// ErrSyncInProgress is returned when Sync is called while a sync runs.
	ErrSyncInProgress = errors.New("sync already in progress")

	// ErrEntityNotFound is returned for entities absent from the local cache.
	ErrEntityNotFound = errors.New("entity not found")

	// ErrConflictNotFound is returned for unknown conflict ids.
	ErrConflictNotFound = errors.New("conflict not found")

	// ErrConflictResolved is returned when the server already resolved a
	// conflict.
	ErrConflictResolved = errors.New("conflict already resolved")

	// ErrConflictStale is returned when the entity changed on the server
	// while the conflict was being resolved. The conflict stays open.
	ErrConflictStale = errors.New("conflict is stale")

	// ErrOperationNotFound is returned for unknown queued operation ids.
	ErrOperationNotFound = errors.New("queued operation not found")

	// ErrUnauthorized is returned when the server rejects the credentials.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrRateLimited is returned when the server throttles the client.
	ErrRateLimited = errors.New("rate limited")

	// ErrSyncRejected is returned when the server answers with a FAILED sync
	// response, such as for an unsupported protocol version.
	ErrSyncRejected = errors.New("sync rejected")
)

// ProblemError is an RFC 7807 problem returned by the server.
type ProblemError struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail"`
}

func (e *ProblemError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%d %s: %s", e.Status, e.Title, e.Detail)
	}
	return fmt.Sprintf("%d %s", e.Status, e.Title)
}

// Unwrap maps well-known statuses to package sentinels.
func (e *ProblemError) Unwrap() error {
	switch {
	case e.Status == 401 || e.Status == 403:
		return ErrUnauthorized
	case e.Status == 404:
		return ErrConflictNotFound
	case e.Status == 409 && strings.HasSuffix(e.Type, staleConflictType):
		return ErrConflictStale
	case e.Status == 409:
		return ErrConflictResolved
	case e.Status == 429:
		return ErrRateLimited
	case e.Status >= 500:
		return ErrOffline
	}
	return nil
}
