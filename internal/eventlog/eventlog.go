// Package eventlog implements the per-namespace, event-sourced mutation
// log: append/flush, entity reconstruction from events plus an optional
// snapshot, and auto-snapshot emission once an entity accumulates enough
// events.
package eventlog

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/leonletto/ledgerdb/internal/dberr"
	"github.com/leonletto/ledgerdb/internal/jsonl"
	"github.com/leonletto/ledgerdb/internal/storage"
	"github.com/leonletto/ledgerdb/internal/types"
)

// SegmentSummary records one event-log segment's rollup, persisted in the
// data/event-meta.json sidecar so the log doesn't need to rescan sealed
// segments to know their size.
type SegmentSummary struct {
	SegmentID string `json:"segmentId"`
	Path      string `json:"path"`
	LineCount int    `json:"lineCount"`
	ByteCount int64  `json:"byteCount"`
	Sealed    bool   `json:"sealed"`
}

type metaFile struct {
	Segments map[string][]SegmentSummary `json:"segments"` // namespace -> segments
}

// Log is the event-sourced mutation log for one namespace.
type Log struct {
	backend   storage.Backend
	namespace string

	autoSnapshotThreshold int

	mu      sync.Mutex
	pending []types.Event
	writer  *jsonl.Writer
}

// New returns a Log for namespace on backend. Reconstruction writes a
// snapshot once an entity has more than autoSnapshotThreshold events; zero
// disables auto-snapshotting.
func New(backend storage.Backend, namespace string, autoSnapshotThreshold int) *Log {
	segPath := fmt.Sprintf("data/%s/events/active.jsonl", namespace)
	return &Log{
		backend:               backend,
		namespace:             namespace,
		autoSnapshotThreshold: autoSnapshotThreshold,
		writer:                jsonl.NewWriter(backend, segPath),
	}
}

// AppendEvent buffers e in memory. It becomes durable (and visible to other
// instances sharing the backend) only after Flush.
func (l *Log) AppendEvent(e types.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pending = append(l.pending, e)
}

// Flush durably appends every buffered event to the active segment and
// updates the sidecar metadata file.
func (l *Log) Flush(ctx context.Context) error {
	l.mu.Lock()
	pending := l.pending
	l.pending = nil
	l.mu.Unlock()

	if len(pending) == 0 {
		return nil
	}

	lines := make([]any, 0, len(pending))
	for _, e := range pending {
		lines = append(lines, toEventLine(l.namespace, e))
	}
	if err := l.writer.AppendBatch(ctx, lines); err != nil {
		l.mu.Lock()
		l.pending = append(pending, l.pending...)
		l.mu.Unlock()
		return fmt.Errorf("eventlog: flush: %w", err)
	}
	return l.updateMeta(ctx)
}

func toEventLine(ns string, e types.Event) types.EventLine {
	return types.EventLine{
		ID: e.ID, TS: e.Timestamp, Op: e.Op, Namespace: ns,
		EntityID: localID(e.Target), Before: e.Before, After: e.After, Actor: e.Actor,
	}
}

// localID strips the "<namespace>:" prefix off a Target, e.g. "users:1" ->
// "1", leaving EventLine.EntityID holding the bare id GetEntityEvents and
// AllEvents expect to re-prepend the namespace to.
func localID(target string) string {
	if idx := strings.Index(target, ":"); idx >= 0 {
		return target[idx+1:]
	}
	return target
}

func (l *Log) metaPath() string { return "data/event-meta.json" }

func (l *Log) updateMeta(ctx context.Context) error {
	var mf metaFile
	if data, err := l.backend.Read(ctx, l.metaPath()); err == nil {
		_ = json.Unmarshal(data, &mf)
	}
	if mf.Segments == nil {
		mf.Segments = make(map[string][]SegmentSummary)
	}
	mf.Segments[l.namespace] = []SegmentSummary{{
		SegmentID: "active",
		Path:      l.writer.GetPath(),
		LineCount: l.writer.GetLineCount(),
		ByteCount: l.writer.GetByteCount(),
		Sealed:    false,
	}}
	data, err := json.MarshalIndent(mf, "", "  ")
	if err != nil {
		return fmt.Errorf("eventlog: marshal meta: %w", err)
	}
	return l.backend.WriteAtomic(ctx, l.metaPath(), data)
}

// GetEntityEvents reads every persisted event (not the in-memory buffer)
// targeting "<namespace>:<id>", in (ts, id) order. It always reads from the
// backend, so multiple Log instances sharing storage agree after a Flush.
func (l *Log) GetEntityEvents(ctx context.Context, id string) ([]types.Event, error) {
	segPath := fmt.Sprintf("data/%s/events/active.jsonl", l.namespace)
	reader := jsonl.NewReader(l.backend, segPath)
	raws, err := reader.ReadAll(ctx)
	if err != nil {
		if dberr.Is(err, dberr.NotFound) {
			return nil, nil
		}
		return nil, err
	}

	target := l.namespace + ":" + id
	var events []types.Event
	for _, raw := range raws {
		var line types.EventLine
		if err := json.Unmarshal(raw, &line); err != nil {
			continue
		}
		if line.EntityID != id {
			continue
		}
		events = append(events, types.Event{
			ID: line.ID, Timestamp: line.TS, Op: line.Op, Target: target,
			Before: line.Before, After: line.After, Actor: line.Actor,
		})
	}
	sortEvents(events)
	return events, nil
}

// AllEvents reads every persisted event for the namespace, in (ts, id)
// order, regardless of target entity. Used by the merge engine and the
// CLI's log/merge commands, which operate over a whole namespace's
// history rather than one entity's.
func (l *Log) AllEvents(ctx context.Context) ([]types.Event, error) {
	segPath := fmt.Sprintf("data/%s/events/active.jsonl", l.namespace)
	reader := jsonl.NewReader(l.backend, segPath)
	raws, err := reader.ReadAll(ctx)
	if err != nil {
		if dberr.Is(err, dberr.NotFound) {
			return nil, nil
		}
		return nil, err
	}

	var events []types.Event
	for _, raw := range raws {
		var line types.EventLine
		if err := json.Unmarshal(raw, &line); err != nil {
			continue
		}
		events = append(events, types.Event{
			ID: line.ID, Timestamp: line.TS, Op: line.Op, Target: l.namespace + ":" + line.EntityID,
			Before: line.Before, After: line.After, Actor: line.Actor,
		})
	}
	sortEvents(events)
	return events, nil
}

// TotalEventLogSize sums the byte count of every namespace segment recorded
// in the shared data/event-meta.json sidecar, giving callers (the CLI's
// commit command) a single offset to stamp into a commit's
// EventLogPosition.
func TotalEventLogSize(ctx context.Context, backend storage.Backend) (int64, error) {
	data, err := backend.Read(ctx, "data/event-meta.json")
	if err != nil {
		if dberr.Is(err, dberr.NotFound) {
			return 0, nil
		}
		return 0, err
	}
	var mf metaFile
	if err := json.Unmarshal(data, &mf); err != nil {
		return 0, fmt.Errorf("eventlog: parse meta: %w", err)
	}
	var total int64
	for _, segs := range mf.Segments {
		for _, s := range segs {
			total += s.ByteCount
		}
	}
	return total, nil
}

func sortEvents(events []types.Event) {
	sort.SliceStable(events, func(i, j int) bool {
		if events[i].Timestamp != events[j].Timestamp {
			return events[i].Timestamp < events[j].Timestamp
		}
		return events[i].ID < events[j].ID
	})
}

func (l *Log) snapshotPath(id string) string {
	return fmt.Sprintf("data/%s/snapshots/%s.json", l.namespace, id)
}

type snapshotFile struct {
	Entity      types.Entity `json:"entity"`
	EventCursor int          `json:"eventCursor"` // number of events already folded into Entity
}

// ReconstructEntity folds every event targeting id into an Entity. If a
// snapshot exists, only events newer than its cursor are replayed. The
// result is independent of whether a snapshot happens to exist: replaying
// from scratch must equal replaying from a snapshot.
func (l *Log) ReconstructEntity(ctx context.Context, id string) (*types.Entity, error) {
	events, err := l.GetEntityEvents(ctx, id)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, nil
	}

	var entity types.Entity
	start := 0

	if snap, ok := l.readSnapshot(ctx, id); ok {
		entity = snap.Entity
		start = snap.EventCursor
	}

	for i := start; i < len(events); i++ {
		foldEvent(&entity, l.namespace, id, events[i])
	}

	if l.autoSnapshotThreshold > 0 && len(events) > l.autoSnapshotThreshold {
		_ = l.writeSnapshot(ctx, id, entity, len(events))
	}

	return &entity, nil
}

func (l *Log) readSnapshot(ctx context.Context, id string) (snapshotFile, bool) {
	data, err := l.backend.Read(ctx, l.snapshotPath(id))
	if err != nil {
		return snapshotFile{}, false
	}
	var snap snapshotFile
	if err := json.Unmarshal(data, &snap); err != nil {
		return snapshotFile{}, false
	}
	return snap, true
}

func (l *Log) writeSnapshot(ctx context.Context, id string, entity types.Entity, cursor int) error {
	snap := snapshotFile{Entity: entity, EventCursor: cursor}
	data, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	return l.backend.WriteAtomic(ctx, l.snapshotPath(id), data)
}

// foldEvent applies one event's effect to entity in place, per the
// CREATE/UPDATE/DELETE fold rules: CREATE replaces state, UPDATE merges
// After into the existing fields (nested objects field-wise, anything else
// overwritten), DELETE stamps DeletedAt
// without discarding field data (a later CREATE resurrects the entity).
func foldEvent(entity *types.Entity, ns, id string, e types.Event) {
	switch e.Op {
	case types.OpCreate:
		*entity = types.Entity{
			ID: ns + "/" + id, Type: stringField(e.After, "$type"),
			Version: 1, CreatedAt: e.Timestamp, UpdatedAt: e.Timestamp,
			Fields: cloneFields(e.After),
		}
	case types.OpUpdate:
		entity.Fields = types.MergeFields(entity.Fields, e.After)
		entity.Version++
		entity.UpdatedAt = e.Timestamp
	case types.OpDelete:
		ts := e.Timestamp
		entity.DeletedAt = &ts
	}
}

func stringField(m map[string]any, key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

func cloneFields(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
