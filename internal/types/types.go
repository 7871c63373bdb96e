// Package types defines the shared data model: entities, events, the four
// JSONL line kinds, commits/refs, schema snapshots, and lock state.
package types

// Op is the discriminator for an Event. Events are a single closed type
// rather than one struct per operation, with optional fields gated by Op —
// CREATE carries only After, DELETE only Before, UPDATE both.
type Op string

const (
	OpCreate    Op = "CREATE"
	OpUpdate    Op = "UPDATE"
	OpDelete    Op = "DELETE"
	OpRelCreate Op = "REL_CREATE"
	OpRelDelete Op = "REL_DELETE"
)

// Event is an immutable record of a mutation against one entity.
type Event struct {
	ID        string         `json:"id"`
	Timestamp int64          `json:"ts"`
	Op        Op             `json:"op"`
	Target    string         `json:"target"` // "<namespace>:<local-id>"
	Before    map[string]any `json:"before,omitempty"`
	After     map[string]any `json:"after,omitempty"`
	Actor     string         `json:"actor,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`

	// Rel-only fields, populated when Op is REL_CREATE/REL_DELETE.
	From      string `json:"f,omitempty"`
	Predicate string `json:"p,omitempty"`
	Reverse   string `json:"r,omitempty"`
	To        string `json:"t,omitempty"`
}

// MergeFields shallow-merges patch over base, except that where both sides
// hold a nested object for the same key, that nested object is merged
// field-wise (recursively) rather than replaced wholesale. Arrays and
// primitive values in patch always overwrite base's value outright.
func MergeFields(base, patch map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(patch))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range patch {
		if existingObj, ok := out[k].(map[string]any); ok {
			if patchObj, ok := v.(map[string]any); ok {
				out[k] = MergeFields(existingObj, patchObj)
				continue
			}
		}
		out[k] = v
	}
	return out
}

// Entity is the materialized, current state of one document.
type Entity struct {
	ID        string         `json:"$id"`
	Type      string         `json:"$type"`
	Version   int            `json:"version"`
	CreatedAt int64          `json:"createdAt"`
	UpdatedAt int64          `json:"updatedAt"`
	DeletedAt *int64         `json:"deletedAt,omitempty"`
	Fields    map[string]any `json:"fields"`
}

// DataLineOp is the one-character op tag used in DataLine ($op).
type DataLineOp string

const (
	DataOpCreate DataLineOp = "c"
	DataOpUpdate DataLineOp = "u"
	DataOpDelete DataLineOp = "d"
)

// DataLine is one JSONL record mutating a single entity's column values.
type DataLine struct {
	ID     string         `json:"$id"`
	Op     DataLineOp     `json:"$op"`
	V      int            `json:"$v"`
	TS     int64          `json:"$ts"`
	Fields map[string]any `json:"-"` // flattened into/from the JSON object
}

// RelLineOp is the op tag for RelLine ($op: "l" link / "u" unlink).
type RelLineOp string

const (
	RelOpLink   RelLineOp = "l"
	RelOpUnlink RelLineOp = "u"
)

// RelLine is one JSONL record linking or unlinking two entities.
type RelLine struct {
	Op        RelLineOp `json:"$op"`
	TS        int64     `json:"$ts"`
	From      string    `json:"f"`
	Predicate string    `json:"p"`
	Reverse   string    `json:"r"`
	To        string    `json:"t"`
}

// EventLine is the CDC record form of an Event as persisted to the
// namespace event log.
type EventLine struct {
	ID        string         `json:"id"`
	TS        int64          `json:"ts"`
	Op        Op             `json:"op"`
	Namespace string         `json:"ns"`
	EntityID  string         `json:"eid"`
	Before    map[string]any `json:"before,omitempty"`
	After     map[string]any `json:"after,omitempty"`
	Actor     string         `json:"actor,omitempty"`
}

// SchemaMigration describes a schema change's field-level effects, used by
// SchemaLine to let readers apply older rows logically without a rewrite.
type SchemaMigration struct {
	Added   []string          `json:"added,omitempty"`
	Dropped []string          `json:"dropped,omitempty"`
	Renamed map[string]string `json:"renamed,omitempty"`
	Changed []string          `json:"changed,omitempty"`
	Default map[string]any    `json:"default,omitempty"`
}

// SchemaLine is a JSONL record of a schema evolution event.
type SchemaLine struct {
	ID        string           `json:"id"`
	TS        int64            `json:"ts"`
	Op        string           `json:"op"` // always "s"
	Namespace string           `json:"ns"`
	Schema    CollectionSchema `json:"schema"`
	Migration *SchemaMigration `json:"migration,omitempty"`
}

// FieldSchema describes one field of a collection.
type FieldSchema struct {
	Name         string `json:"name"`
	Type         string `json:"type"`
	Required     bool   `json:"required"`
	Indexed      bool   `json:"indexed"`
	Unique       bool   `json:"unique"`
	Array        bool   `json:"array"`
	Default      any    `json:"default,omitempty"`
	Relationship string `json:"relationship,omitempty"`
}

// CollectionSchema is the schema for one namespace/collection.
type CollectionSchema struct {
	Name    string        `json:"name"`
	Hash    string        `json:"hash"`
	Version int           `json:"version"`
	Fields  []FieldSchema `json:"fields"`
}

// SchemaSnapshot is the full schema across every collection at a point in
// time.
type SchemaSnapshot struct {
	Hash        string                      `json:"hash"`
	CapturedAt  int64                       `json:"capturedAt"`
	Collections map[string]CollectionSchema `json:"collections"`
}

// RelManifest records the content hashes of a namespace's forward/reverse
// relationship tuple stores as tracked by a commit tree.
type RelManifest struct {
	ForwardHash string `json:"forwardHash"`
	ReverseHash string `json:"reverseHash"`
}

// CollectionTreeEntry is one namespace's contribution to a commit's tree.
type CollectionTreeEntry struct {
	DataHash   string `json:"dataHash"`
	SchemaHash string `json:"schemaHash"`
	RowCount   int    `json:"rowCount"`
}

// EventLogPosition anchors a commit to the event log offset it was taken
// at, so checkout can tell which events postdate a commit.
type EventLogPosition struct {
	SegmentID string `json:"segmentId"`
	Offset    int64  `json:"offset"`
}

// Tree is the full content-addressed state referenced by a Commit.
type Tree struct {
	Collections       map[string]CollectionTreeEntry `json:"collections"`
	Relationships     map[string]RelManifest         `json:"relationships"`
	EventLogPosition  EventLogPosition                `json:"eventLogPosition"`
}

// Commit is an immutable, content-addressed point in the version history.
type Commit struct {
	Hash      string   `json:"hash"`
	Parents   []string `json:"parents"`
	Author    string   `json:"author"`
	Message   string   `json:"message"`
	Timestamp int64    `json:"timestamp"`
	Tree      Tree     `json:"tree"`
}

// HEAD is either a symbolic reference to a branch or a detached commit
// hash.
type HEAD struct {
	Type string `json:"type"` // "branch" | "detached"
	Ref  string `json:"ref,omitempty"`
	Hash string `json:"hash,omitempty"`
}

// LockState is the persisted body of one resource lock file.
type LockState struct {
	Resource  string         `json:"resource"`
	Holder    string         `json:"holder"`
	AcquiredAt int64         `json:"acquiredAt"`
	ExpiresAt  int64         `json:"expiresAt"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}
