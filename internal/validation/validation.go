// Package validation checks inbound queue and sync requests and reports every
// field failure at once.
package validation

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/hyperengineering/quire/pkg/protocol"
)

const (
	maxIDLength      = 128
	maxRetriesLimit  = 100
	maxEntityIDCount = 1000
)

// ValidationError represents a single field validation failure.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e ValidationError) Error() string {
	return e.Field + " " + e.Message
}

// Errors is a non-empty set of validation failures. It is never retried.
type Errors []ValidationError

func (e Errors) Error() string {
	parts := make([]string, len(e))
	for i, v := range e {
		parts[i] = v.Error()
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// Collector accumulates validation errors without failing on first.
type Collector struct {
	errors []ValidationError
}

// Add appends a validation error to the collector if non-nil.
func (c *Collector) Add(err *ValidationError) {
	if err != nil {
		c.errors = append(c.errors, *err)
	}
}

// HasErrors returns true if the collector has accumulated any errors.
func (c *Collector) HasErrors() bool {
	return len(c.errors) > 0
}

// Errors returns all accumulated validation errors.
func (c *Collector) Errors() []ValidationError {
	return c.errors
}

// Err returns the accumulated errors as an Errors value, or nil.
func (c *Collector) Err() error {
	if !c.HasErrors() {
		return nil
	}
	return Errors(c.errors)
}

// ValidateUTF8 returns an error if the value is not valid UTF-8.
func ValidateUTF8(field, value string) *ValidationError {
	if !utf8.ValidString(value) {
		return &ValidationError{
			Field:   field,
			Message: "must be valid UTF-8",
		}
	}
	return nil
}

// ValidateNoNullBytes returns an error if the value contains null bytes.
func ValidateNoNullBytes(field, value string) *ValidationError {
	if strings.Contains(value, "\x00") {
		return &ValidationError{
			Field:   field,
			Message: "must not contain null bytes",
		}
	}
	return nil
}

// ValidateMaxLength returns an error if the value exceeds max runes.
func ValidateMaxLength(field, value string, max int) *ValidationError {
	if utf8.RuneCountInString(value) > max {
		return &ValidationError{
			Field:   field,
			Message: fmt.Sprintf("exceeds maximum length of %d characters", max),
		}
	}
	return nil
}

// ValidateULID returns an error if the value is not a valid ULID format.
// ULIDs are 26 characters using Crockford Base32 (excludes I, L, O, U).
func ValidateULID(field, value string) *ValidationError {
	if len(value) != 26 {
		return &ValidationError{
			Field:   field,
			Message: "must be a valid ULID (26 characters)",
		}
	}

	const crockfordBase32 = "0123456789ABCDEFGHJKMNPQRSTVWXYZ"
	for _, r := range value {
		upper := strings.ToUpper(string(r))
		if !strings.Contains(crockfordBase32, upper) {
			return &ValidationError{
				Field:   field,
				Message: "must be a valid ULID (invalid character)",
			}
		}
	}
	return nil
}

// ValidateRequired returns an error if the value is empty or whitespace-only.
func ValidateRequired(field, value string) *ValidationError {
	if strings.TrimSpace(value) == "" {
		return &ValidationError{
			Field:   field,
			Message: "is required",
		}
	}
	return nil
}

// ValidateEnum returns an error if the value is not in the allowed list.
func ValidateEnum(field, value string, allowed []string) *ValidationError {
	for _, a := range allowed {
		if value == a {
			return nil
		}
	}
	return &ValidationError{
		Field:   field,
		Message: fmt.Sprintf("must be one of: %s", strings.Join(allowed, ", ")),
	}
}

// ValidateRange returns an error if the value is outside [min, max].
func ValidateRange(field string, value, min, max int) *ValidationError {
	if value < min || value > max {
		return &ValidationError{
			Field:   field,
			Message: fmt.Sprintf("must be between %d and %d", min, max),
		}
	}
	return nil
}

// ValidateIdentifier checks an opaque caller-supplied id.
func ValidateIdentifier(field, value string) *ValidationError {
	if err := ValidateRequired(field, value); err != nil {
		return err
	}
	if err := ValidateNoNullBytes(field, value); err != nil {
		return err
	}
	if err := ValidateUTF8(field, value); err != nil {
		return err
	}
	return ValidateMaxLength(field, value, maxIDLength)
}

func entityTypeNames() []string {
	types := protocol.EntityTypes()
	names := make([]string, len(types))
	for i, t := range types {
		names[i] = string(t)
	}
	return names
}

// payloadError converts a protocol payload error into a field error.
func payloadError(field string, err error) *ValidationError {
	msg := err.Error()
	if errors.Is(err, protocol.ErrInvalidPayload) {
		msg = strings.TrimPrefix(msg, protocol.ErrInvalidPayload.Error()+": ")
	}
	return &ValidationError{Field: field, Message: msg}
}

// ValidateEnqueueRequest checks an EnqueueRequest. Create payloads must be
// complete records; update payloads are partial but must be well-typed.
func ValidateEnqueueRequest(req protocol.EnqueueRequest) error {
	c := &Collector{}
	c.Add(ValidateIdentifier("user_id", req.UserID))
	if req.DeviceID != "" {
		c.Add(ValidateMaxLength("device_id", req.DeviceID, maxIDLength))
	}
	if req.ClientID != "" {
		c.Add(ValidateMaxLength("client_id", req.ClientID, maxIDLength))
	}
	if req.Priority != "" && !req.Priority.Valid() {
		c.Add(ValidateEnum("priority", string(req.Priority), []string{
			string(protocol.PriorityHigh), string(protocol.PriorityMedium), string(protocol.PriorityLow),
		}))
	}
	if req.MaxRetries != 0 {
		c.Add(ValidateRange("max_retries", req.MaxRetries, 1, maxRetriesLimit))
	}
	if len(req.Operations) == 0 {
		c.Add(&ValidationError{Field: "operations", Message: "must contain at least one operation"})
	}

	for i, op := range req.Operations {
		prefix := fmt.Sprintf("operations[%d]", i)
		if !op.Kind.Mutates() {
			c.Add(ValidateEnum(prefix+".type", string(op.Kind), []string{
				string(protocol.KindCreate), string(protocol.KindUpdate), string(protocol.KindDelete),
			}))
			continue
		}
		c.Add(validateMutation(prefix, op.Kind, op.EntityType, op.EntityID, op.Data))
	}
	return c.Err()
}

// ValidateSyncRequest checks the envelope of a SyncRequest. Individual
// operations are checked with ValidateOperation so that one bad operation
// does not fail the batch.
func ValidateSyncRequest(req protocol.SyncRequest, maxOperations int) error {
	c := &Collector{}
	c.Add(ValidateIdentifier("client_id", req.ClientID))
	if req.RequestID != "" {
		c.Add(ValidateMaxLength("request_id", req.RequestID, maxIDLength))
	}
	if maxOperations > 0 && len(req.Operations) > maxOperations {
		c.Add(&ValidationError{
			Field:   "operations",
			Message: fmt.Sprintf("exceeds maximum of %d operations", maxOperations),
		})
	}
	if req.DefaultResolutionStrategy != "" && !req.DefaultResolutionStrategy.Valid() {
		c.Add(ValidateEnum("default_resolution_strategy", string(req.DefaultResolutionStrategy), []string{
			string(protocol.StrategyServerWins), string(protocol.StrategyClientWins),
			string(protocol.StrategyLatestWins), string(protocol.StrategyMerge), string(protocol.StrategyManual),
		}))
	}
	for i, t := range req.EntityTypes {
		if !t.Valid() {
			c.Add(ValidateEnum(fmt.Sprintf("entity_types[%d]", i), string(t), entityTypeNames()))
		}
	}
	if req.BatchSize < 0 || req.BatchIndex < 0 {
		c.Add(&ValidationError{Field: "batch_index", Message: "must not be negative"})
	}
	return c.Err()
}

// ValidateOperation checks one sync operation.
func ValidateOperation(op protocol.Operation) error {
	c := &Collector{}
	c.Add(ValidateIdentifier("id", op.ID))
	switch op.Kind {
	case protocol.KindRead:
		if !op.EntityType.Valid() {
			c.Add(ValidateEnum("entity_type", string(op.EntityType), entityTypeNames()))
		}
		if len(op.EntityIDs) > maxEntityIDCount {
			c.Add(&ValidationError{Field: "entity_ids", Message: fmt.Sprintf("exceeds maximum of %d ids", maxEntityIDCount)})
		}
	case protocol.KindCreate, protocol.KindUpdate, protocol.KindDelete:
		c.Add(validateMutation("", op.Kind, op.EntityType, op.EntityID, op.Data))
		if op.Kind != protocol.KindCreate && op.BeforeVersion < 1 {
			c.Add(&ValidationError{Field: "before_version", Message: "must be at least 1"})
		}
	default:
		c.Add(ValidateEnum("type", string(op.Kind), []string{
			string(protocol.KindCreate), string(protocol.KindUpdate),
			string(protocol.KindDelete), string(protocol.KindRead),
		}))
	}
	return c.Err()
}

// validateMutation returns the first problem with a create, update or
// delete, or nil.
func validateMutation(prefix string, kind protocol.OperationKind, entityType protocol.EntityType, entityID string, data []byte) *ValidationError {
	field := func(name string) string {
		if prefix == "" {
			return name
		}
		return prefix + "." + name
	}

	if !entityType.Valid() {
		return ValidateEnum(field("entity_type"), string(entityType), entityTypeNames())
	}
	switch kind {
	case protocol.KindCreate:
		if err := protocol.ValidatePayload(entityType, data); err != nil {
			return payloadError(field("data"), err)
		}
	case protocol.KindUpdate:
		if err := ValidateIdentifier(field("entity_id"), entityID); err != nil {
			return err
		}
		if _, err := protocol.DecodePayload(entityType, data); err != nil {
			return payloadError(field("data"), err)
		}
	case protocol.KindDelete:
		return ValidateIdentifier(field("entity_id"), entityID)
	}
	return nil
}
