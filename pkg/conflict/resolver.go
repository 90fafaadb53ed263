// Package conflict detects and resolves divergent edits of a record. It
// performs no I/O: callers persist whatever Resolve decides.
package conflict

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/oklog/ulid/v2"

	"github.com/hyperengineering/quire/pkg/protocol"
)

var (
	// ErrManualDataRequired is returned for the manual strategy without data.
	ErrManualDataRequired = errors.New("manual resolution requires data")

	// ErrUnknownStrategy is returned for strategies outside the known set.
	ErrUnknownStrategy = errors.New("unknown resolution strategy")
)

// recordStampKey is excluded from field diffs and merged separately.
const recordStampKey = "updated_at"

// Result is the final record state chosen by a resolution. Delete is set when
// the winning side is a deletion; Data is then nil.
type Result struct {
	Data   json.RawMessage
	Delete bool
	// Side is "local", "remote", "merged" or "manual".
	Side string
}

// Resolve produces the final record state for c under strategy.
//
// Merge decides each shared field by its field_updated_at stamp. Payloads
// without field stamps fall back to the record timestamps, which makes the
// merge record-level latest-wins for shared fields while fields present on
// one side only are still kept. A deletion on either side resolves as
// latest-wins.
func Resolve(c protocol.Conflict, strategy protocol.Strategy, manual json.RawMessage, now time.Time) (Result, error) {
	switch strategy {
	case protocol.StrategyServerWins:
		return side(c.RemoteData, "remote"), nil
	case protocol.StrategyClientWins:
		return side(c.LocalData, "local"), nil
	case protocol.StrategyLatestWins:
		return latest(c, now), nil
	case protocol.StrategyMerge:
		if isDeletion(c.LocalData) || isDeletion(c.RemoteData) {
			return latest(c, now), nil
		}
		merged, err := Merge(c.LocalData, c.RemoteData, c.LocalTimestamp, c.RemoteTimestamp, now)
		if err != nil {
			return Result{}, err
		}
		return Result{Data: merged, Side: "merged"}, nil
	case protocol.StrategyManual:
		if isDeletion(manual) {
			return Result{}, ErrManualDataRequired
		}
		return Result{Data: manual, Side: "manual"}, nil
	default:
		return Result{}, fmt.Errorf("%w: %q", ErrUnknownStrategy, strategy)
	}
}

func side(data json.RawMessage, name string) Result {
	if isDeletion(data) {
		return Result{Delete: true, Side: name}
	}
	return Result{Data: data, Side: name}
}

// latest takes the whole payload of the side with the later record
// timestamp. Ties go to the remote side.
func latest(c protocol.Conflict, now time.Time) Result {
	lt := stampOr(c.LocalTimestamp, now)
	rt := stampOr(c.RemoteTimestamp, now)
	if lt.After(rt) {
		return side(c.LocalData, "local")
	}
	return side(c.RemoteData, "remote")
}

func stampOr(t, fallback time.Time) time.Time {
	if t.IsZero() {
		return fallback
	}
	return t
}

func isDeletion(data json.RawMessage) bool {
	trimmed := bytes.TrimSpace(data)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}

// Merge combines two payloads field by field. For a field present on both
// sides the value with the later stamp wins; a field's stamp comes from
// field_updated_at, else the payload's updated_at, else the given record
// timestamp, else now. Ties go to remote. Fields present on one side only
// are kept.
func Merge(local, remote json.RawMessage, localTS, remoteTS, now time.Time) (json.RawMessage, error) {
	lf, err := protocol.Fields(local)
	if err != nil {
		return nil, fmt.Errorf("decode local payload: %w", err)
	}
	rf, err := protocol.Fields(remote)
	if err != nil {
		return nil, fmt.Errorf("decode remote payload: %w", err)
	}
	lStamps := newStamps(local, localTS, now)
	rStamps := newStamps(remote, remoteTS, now)

	out := make(map[string]any, len(lf)+len(rf))
	stamps := make(map[string]time.Time)
	for _, key := range unionKeys(lf, rf) {
		if key == protocol.FieldTimestampsKey || key == recordStampKey {
			continue
		}
		lv, inLocal := lf[key]
		rv, inRemote := rf[key]
		switch {
		case inLocal && !inRemote:
			out[key] = lv
			stamps[key] = lStamps.of(key)
		case inRemote && !inLocal:
			out[key] = rv
			stamps[key] = rStamps.of(key)
		case lStamps.of(key).After(rStamps.of(key)):
			out[key] = lv
			stamps[key] = lStamps.of(key)
		default:
			out[key] = rv
			stamps[key] = rStamps.of(key)
		}
	}

	if lStamps.hasFields || rStamps.hasFields {
		out[protocol.FieldTimestampsKey] = stamps
	}
	if recordTS := laterOf(lStamps.record, rStamps.record); !recordTS.IsZero() {
		out[recordStampKey] = recordTS
	}
	return json.Marshal(out)
}

type stampSet struct {
	fields    map[string]time.Time
	record    time.Time
	hasFields bool
}

func newStamps(raw json.RawMessage, fallback, now time.Time) stampSet {
	var ts protocol.Timestamps
	_ = json.Unmarshal(raw, &ts)
	s := stampSet{fields: ts.FieldUpdatedAt, hasFields: len(ts.FieldUpdatedAt) > 0}
	switch {
	case ts.UpdatedAt != nil:
		s.record = *ts.UpdatedAt
	case !fallback.IsZero():
		s.record = fallback
	default:
		s.record = now
	}
	return s
}

func (s stampSet) of(field string) time.Time {
	if t, ok := s.fields[field]; ok {
		return t
	}
	return s.record
}

func laterOf(a, b time.Time) time.Time {
	if a.After(b) {
		return a
	}
	return b
}

func unionKeys(a, b map[string]any) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	for k := range a {
		seen[k] = struct{}{}
	}
	for k := range b {
		seen[k] = struct{}{}
	}
	keys := make([]string, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// DiffFields returns the sorted names of fields whose values differ between
// the two payloads. Timestamp bookkeeping fields are ignored.
func DiffFields(local, remote json.RawMessage) []string {
	lf, err := protocol.Fields(local)
	if err != nil {
		lf = map[string]any{}
	}
	rf, err := protocol.Fields(remote)
	if err != nil {
		rf = map[string]any{}
	}
	diff := []string{}
	for _, key := range unionKeys(lf, rf) {
		if key == protocol.FieldTimestampsKey || key == recordStampKey {
			continue
		}
		if !cmp.Equal(lf[key], rf[key]) {
			diff = append(diff, key)
		}
	}
	return diff
}

// Snapshot is one side of a potential conflict.
type Snapshot struct {
	Data      json.RawMessage
	Version   int64
	Timestamp time.Time
}

// Detect builds a Conflict between local and remote. A nil remote means the
// record was deleted on the server.
func Detect(entityType protocol.EntityType, entityID string, local Snapshot, remote *Snapshot, now time.Time) protocol.Conflict {
	c := protocol.Conflict{
		ID:             ulid.Make().String(),
		Type:           protocol.ConflictVersion,
		EntityType:     entityType,
		EntityID:       entityID,
		LocalData:      local.Data,
		LocalVersion:   local.Version,
		LocalTimestamp: local.Timestamp,
		DetectedAt:     now,
	}
	if remote == nil {
		c.Type = protocol.ConflictDelete
		c.DifferingFields = DiffFields(local.Data, nil)
		return c
	}
	c.RemoteData = remote.Data
	c.RemoteVersion = remote.Version
	c.RemoteTimestamp = remote.Timestamp
	c.DifferingFields = DiffFields(local.Data, remote.Data)
	return c
}
