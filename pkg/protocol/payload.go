package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

var (
	// ErrUnknownEntityType is returned for entity types outside the closed set.
	ErrUnknownEntityType = errors.New("unknown entity type")

	// ErrInvalidPayload is returned when a payload does not match its entity shape.
	ErrInvalidPayload = errors.New("invalid payload")
)

// EntityType is the closed set of synchronised record kinds.
type EntityType string

const (
	EntityNote   EntityType = "note"
	EntityFolder EntityType = "folder"
	EntityReview EntityType = "review"
)

// EntityTypes lists every known entity type.
func EntityTypes() []EntityType {
	return []EntityType{EntityNote, EntityFolder, EntityReview}
}

// Valid reports whether t is a known entity type.
func (t EntityType) Valid() bool {
	switch t {
	case EntityNote, EntityFolder, EntityReview:
		return true
	}
	return false
}

const (
	maxTitleLength   = 500
	maxContentLength = 1 << 20
	maxNameLength    = 200
	maxTags          = 64
)

// Entity is a decoded, typed payload.
type Entity interface {
	Type() EntityType
	// Validate checks the invariants of a complete record.
	Validate() error
}

// Timestamps are optional modification stamps embedded in every payload.
// FieldUpdatedAt carries per-field stamps used by field-level merging.
type Timestamps struct {
	UpdatedAt      *time.Time           `json:"updated_at,omitempty"`
	FieldUpdatedAt map[string]time.Time `json:"field_updated_at,omitempty"`
}

// NotePayload is the body of a note.
type NotePayload struct {
	Title    string   `json:"title"`
	Content  string   `json:"content"`
	FolderID string   `json:"folder_id,omitempty"`
	Tags     []string `json:"tags,omitempty"`
	Pinned   bool     `json:"pinned,omitempty"`
	Timestamps
}

func (NotePayload) Type() EntityType { return EntityNote }

func (n NotePayload) Validate() error {
	if strings.TrimSpace(n.Title) == "" && strings.TrimSpace(n.Content) == "" {
		return fmt.Errorf("%w: note requires a title or content", ErrInvalidPayload)
	}
	if utf8.RuneCountInString(n.Title) > maxTitleLength {
		return fmt.Errorf("%w: title exceeds %d characters", ErrInvalidPayload, maxTitleLength)
	}
	if len(n.Content) > maxContentLength {
		return fmt.Errorf("%w: content exceeds %d bytes", ErrInvalidPayload, maxContentLength)
	}
	if len(n.Tags) > maxTags {
		return fmt.Errorf("%w: more than %d tags", ErrInvalidPayload, maxTags)
	}
	return nil
}

// FolderPayload is the body of a folder.
type FolderPayload struct {
	Name     string `json:"name"`
	ParentID string `json:"parent_id,omitempty"`
	Color    string `json:"color,omitempty"`
	Timestamps
}

func (FolderPayload) Type() EntityType { return EntityFolder }

func (f FolderPayload) Validate() error {
	if strings.TrimSpace(f.Name) == "" {
		return fmt.Errorf("%w: folder requires a name", ErrInvalidPayload)
	}
	if utf8.RuneCountInString(f.Name) > maxNameLength {
		return fmt.Errorf("%w: name exceeds %d characters", ErrInvalidPayload, maxNameLength)
	}
	return nil
}

// ReviewPayload is a spaced-repetition review attached to a note.
type ReviewPayload struct {
	NoteID  string     `json:"note_id"`
	Rating  int        `json:"rating"`
	Comment string     `json:"comment,omitempty"`
	DueAt   *time.Time `json:"due_at,omitempty"`
	Timestamps
}

func (ReviewPayload) Type() EntityType { return EntityReview }

func (r ReviewPayload) Validate() error {
	if r.NoteID == "" {
		return fmt.Errorf("%w: review requires note_id", ErrInvalidPayload)
	}
	if r.Rating < 0 || r.Rating > 5 {
		return fmt.Errorf("%w: rating must be between 0 and 5", ErrInvalidPayload)
	}
	return nil
}

// DecodePayload decodes raw into the typed payload for t. Unknown fields and
// mistyped values are rejected; completeness is checked by Entity.Validate.
func DecodePayload(t EntityType, raw json.RawMessage) (Entity, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, fmt.Errorf("%w: empty payload", ErrInvalidPayload)
	}
	var target Entity
	switch t {
	case EntityNote:
		target = &NotePayload{}
	case EntityFolder:
		target = &FolderPayload{}
	case EntityReview:
		target = &ReviewPayload{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEntityType, t)
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(target); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidPayload, err)
	}

	switch v := target.(type) {
	case *NotePayload:
		return *v, nil
	case *FolderPayload:
		return *v, nil
	case *ReviewPayload:
		return *v, nil
	}
	return target, nil
}

// ValidatePayload decodes raw and checks it is a complete record of type t.
func ValidatePayload(t EntityType, raw json.RawMessage) error {
	e, err := DecodePayload(t, raw)
	if err != nil {
		return err
	}
	return e.Validate()
}

// Fields decodes a JSON object payload into a field map.
func Fields(raw json.RawMessage) (map[string]any, error) {
	fields := map[string]any{}
	if len(bytes.TrimSpace(raw)) == 0 {
		return fields, nil
	}
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidPayload, err)
	}
	if fields == nil {
		fields = map[string]any{}
	}
	return fields, nil
}

// MergePatch overlays the top-level fields of patch onto base. A null field
// in patch removes the field.
func MergePatch(base, patch json.RawMessage) (json.RawMessage, error) {
	merged, err := Fields(base)
	if err != nil {
		return nil, err
	}
	changes, err := Fields(patch)
	if err != nil {
		return nil, err
	}
	for k, v := range changes {
		if v == nil {
			delete(merged, k)
			continue
		}
		if k == FieldTimestampsKey {
			merged[k] = mergeFieldStamps(merged[k], v)
			continue
		}
		merged[k] = v
	}
	return json.Marshal(merged)
}

// FieldTimestampsKey is the payload field holding per-field modification stamps.
const FieldTimestampsKey = "field_updated_at"

// mergeFieldStamps unions two field_updated_at objects, patch entries winning.
func mergeFieldStamps(base, patch any) any {
	b, ok := base.(map[string]any)
	if !ok {
		return patch
	}
	p, ok := patch.(map[string]any)
	if !ok {
		return patch
	}
	out := make(map[string]any, len(b)+len(p))
	for k, v := range b {
		out[k] = v
	}
	for k, v := range p {
		out[k] = v
	}
	return out
}

// RecordTimestamp returns the payload's embedded updated_at, if any.
func RecordTimestamp(raw json.RawMessage) (time.Time, bool) {
	var ts Timestamps
	if err := json.Unmarshal(raw, &ts); err != nil || ts.UpdatedAt == nil {
		return time.Time{}, false
	}
	return *ts.UpdatedAt, true
}
