package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/hyperengineering/quire/internal/queue"
	"github.com/hyperengineering/quire/internal/reconcile"
	"github.com/hyperengineering/quire/internal/snapshot"
	"github.com/hyperengineering/quire/internal/validation"
	"github.com/hyperengineering/quire/pkg/conflict"
	"github.com/hyperengineering/quire/pkg/protocol"
)

const problemTypeBase = "https://quire.dev/errors/"

// Problem is an RFC 7807 Problem Details body. Clients branch on Status;
// Type names the specific sync or queue failure.
type Problem struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail"`
	Instance string `json:"instance,omitempty"`
}

// ProblemWithErrors carries per-field validation failures.
type ProblemWithErrors struct {
	Problem
	Errors []validation.ValidationError `json:"errors,omitempty"`
}

// statusSlugs names the generic problem type for a status without a more
// specific domain error.
var statusSlugs = map[int]string{
	http.StatusBadRequest:          "bad-request",
	http.StatusUnauthorized:        "unauthorized",
	http.StatusForbidden:           "forbidden",
	http.StatusNotFound:            "not-found",
	http.StatusConflict:            "conflict",
	http.StatusUnprocessableEntity: "validation-error",
	http.StatusTooManyRequests:     "rate-limit",
	http.StatusInternalServerError: "internal-error",
	http.StatusServiceUnavailable:  "service-unavailable",
}

// domainProblem binds a sentinel error to the problem it is reported as.
// An empty detail reports the error text.
type domainProblem struct {
	target error
	status int
	slug   string
	title  string
	detail string
}

// domainProblems is matched in order with errors.Is.
var domainProblems = []domainProblem{
	{queue.ErrQueueFull, http.StatusTooManyRequests, "queue-full", "Queue Full", ""},
	{queue.ErrOperationNotFound, http.StatusNotFound, "operation-not-found", "Operation Not Found", "Operation not found"},
	{queue.ErrOperationTerminal, http.StatusConflict, "operation-finished", "Operation Finished", "Operation already finished"},
	{reconcile.ErrUnsupportedProtocolVersion, http.StatusBadRequest, "unsupported-protocol-version", "Unsupported Protocol Version", ""},
	{reconcile.ErrConflictNotFound, http.StatusNotFound, "conflict-not-found", "Conflict Not Found", "Conflict not found"},
	{reconcile.ErrConflictResolved, http.StatusConflict, "conflict-resolved", "Conflict Resolved", "Conflict already resolved"},
	{reconcile.ErrStaleConflict, http.StatusConflict, "conflict-stale", "Conflict Stale", "Entity changed during resolution, retry"},
	{conflict.ErrUnknownStrategy, http.StatusBadRequest, "unknown-strategy", "Unknown Strategy", ""},
	{conflict.ErrManualDataRequired, http.StatusUnprocessableEntity, "manual-data-required", "Manual Data Required", "manual_data is required for the manual strategy"},
	{protocol.ErrUnknownEntityType, http.StatusUnprocessableEntity, "unknown-entity-type", "Unknown Entity Type", ""},
	{protocol.ErrInvalidPayload, http.StatusUnprocessableEntity, "invalid-payload", "Invalid Payload", ""},
	{snapshot.ErrNotConfigured, http.StatusServiceUnavailable, "snapshot-unavailable", "Snapshots Unavailable", "Snapshot storage not configured"},
}

func statusProblem(r *http.Request, status int, detail string) Problem {
	slug, ok := statusSlugs[status]
	if !ok {
		slug = "unknown"
	}
	return Problem{
		Type:     problemTypeBase + slug,
		Title:    http.StatusText(status),
		Status:   status,
		Detail:   detail,
		Instance: r.URL.Path,
	}
}

func encodeProblem(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Error("failed to encode problem response",
			"component", "api",
			"error", err,
		)
	}
}

// WriteProblem writes a generic problem for status.
func WriteProblem(w http.ResponseWriter, r *http.Request, status int, detail string) {
	encodeProblem(w, status, statusProblem(r, status, detail))
}

// WriteProblemWithErrors writes a 422 with field errors.
func WriteProblemWithErrors(w http.ResponseWriter, r *http.Request, detail string, errs []validation.ValidationError) {
	p := statusProblem(r, http.StatusUnprocessableEntity, detail)
	encodeProblem(w, p.Status, ProblemWithErrors{Problem: p, Errors: errs})
}

// MapError reports err as a problem. Unrecognised errors become a logged
// 500 whose body carries no internal detail.
func MapError(w http.ResponseWriter, r *http.Request, err error) {
	var verrs validation.Errors
	if errors.As(err, &verrs) {
		WriteProblemWithErrors(w, r, "Request contains invalid fields", verrs)
		return
	}

	for _, dp := range domainProblems {
		if !errors.Is(err, dp.target) {
			continue
		}
		detail := dp.detail
		if detail == "" {
			detail = err.Error()
		}
		encodeProblem(w, dp.status, Problem{
			Type:     problemTypeBase + dp.slug,
			Title:    dp.title,
			Status:   dp.status,
			Detail:   detail,
			Instance: r.URL.Path,
		})
		return
	}

	slog.Error("request failed",
		"component", "api",
		"action", "internal_error",
		"path", r.URL.Path,
		"request_id", GetRequestID(r.Context()),
		"error", err,
	)
	WriteProblem(w, r, http.StatusInternalServerError, "Internal Server Error")
}
