package larder

import "time"

// CollectionName identifies a named collection of entities, e.g. "menu_items"
// or "categories". Collections are registered up front via [Config.Collections].
type CollectionName string

// Entity is a single record within a collection. The engine is agnostic to the
// record shape: everything beyond the identifier and the display order lives in
// Fields.
type Entity struct {
	// ID uniquely identifies the entity within its collection.
	ID string `json:"id"`

	// SortOrder is the entity's display position. Index buckets are sorted by
	// SortOrder ascending, ties broken by collection order.
	SortOrder int `json:"sort_order,omitempty"`

	// Fields holds the remaining record fields, including any references into
	// other collections (e.g. "category_id").
	Fields map[string]any `json:"fields,omitempty"`

	// UpdatedAt is the last modification time reported by the source.
	UpdatedAt time.Time `json:"updated_at,omitempty"`
}

// Field returns the named field value as a string, and whether it was present
// and non-empty. Numeric JSON values are accepted and formatted.
func (e Entity) Field(name string) (string, bool) {
	v, ok := e.Fields[name]
	if !ok || v == nil {
		return "", false
	}
	s := fieldString(v)
	return s, s != ""
}

// clone returns a deep copy of the entity so snapshots cannot alias store state.
// Fields come from decoded JSON, so nested objects and arrays are routine and
// must be copied all the way down.
func (e Entity) clone() Entity {
	cp := e
	if e.Fields != nil {
		cp.Fields = cloneFields(e.Fields)
	}
	return cp
}

func cloneFields(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneFieldValue(v)
	}
	return out
}

func cloneFieldValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneFields(t)
	case []any:
		out := make([]any, len(t))
		for i, el := range t {
			out[i] = cloneFieldValue(el)
		}
		return out
	default:
		return v
	}
}

// DeltaOp enumerates the single-entity mutation kinds.
type DeltaOp int

const (
	OpInsert DeltaOp = iota + 1
	OpUpdate
	OpDelete
)

// String returns the lower-case operation name.
func (op DeltaOp) String() string {
	switch op {
	case OpInsert:
		return "insert"
	case OpUpdate:
		return "update"
	case OpDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// Delta is a single-entity mutation: a closed tagged union dispatched through
// [IndexedStore.ApplyDelta]. Insert and Update carry the full entity; Delete
// carries only the identifier.
type Delta struct {
	Op     DeltaOp
	Entity Entity
	ID     string
}

// Insert builds an insert delta appending the entity to its collection.
func Insert(e Entity) Delta { return Delta{Op: OpInsert, Entity: e, ID: e.ID} }

// Update builds an update delta replacing the entity with the same ID.
func Update(e Entity) Delta { return Delta{Op: OpUpdate, Entity: e, ID: e.ID} }

// Delete builds a delete delta removing the entity with the given ID.
func Delete(id string) Delta { return Delta{Op: OpDelete, ID: id} }

// RemoteEvent is one change pushed by the remote data source. Events are
// applied in emission order with no gap or duplicate guarantees, so the
// reconciler must tolerate redelivery.
type RemoteEvent struct {
	Collection CollectionName
	Delta      Delta
}

// IndexDef declares a derived index: entities of Source grouped by the value
// of their GroupBy field (typically a reference into another collection).
type IndexDef struct {
	Name    string
	Source  CollectionName
	GroupBy string
}

// Snapshot is an immutable point-in-time view of all collections and indices.
// Snapshots are shared between readers and must not be mutated.
type Snapshot struct {
	// Collections maps each registered collection to its entities in
	// insertion order.
	Collections map[CollectionName][]Entity

	// Indices maps index name → group key → entity IDs, sorted by SortOrder.
	Indices map[string]map[string][]string

	// LastFetchedAt is the time of the last successful full remote refresh.
	// Zero means never fetched (or explicitly invalidated).
	LastFetchedAt time.Time

	// Connected reports whether the engine is currently subscribed to remote
	// push events.
	Connected bool

	// Loading is true only on a cold start with no persisted data, until the
	// first successful full refresh lands.
	Loading bool

	// dirty holds entities with a pending local optimistic edit that has not
	// yet been confirmed by a remote event.
	dirty map[CollectionName]map[string]bool

	// byID supports O(1) entity resolution for index lookups.
	byID map[CollectionName]map[string]Entity

	// indexSource maps index name → source collection for Lookup resolution.
	indexSource map[string]CollectionName
}

// Entity returns the entity with the given ID from the named collection.
func (s *Snapshot) Entity(name CollectionName, id string) (Entity, bool) {
	e, ok := s.byID[name][id]
	return e, ok
}

// Lookup resolves an index bucket to its entities, in bucket order.
func (s *Snapshot) Lookup(index, key string) []Entity {
	refs := s.Indices[index][key]
	if len(refs) == 0 {
		return nil
	}
	src := s.indexSource[index]
	out := make([]Entity, 0, len(refs))
	for _, id := range refs {
		if e, ok := s.byID[src][id]; ok {
			out = append(out, e)
		}
	}
	return out
}

// Dirty reports whether the entity has a pending local optimistic edit.
func (s *Snapshot) Dirty(name CollectionName, id string) bool {
	return s.dirty[name][id]
}

// TaskState enumerates the sync task lifecycle states.
type TaskState int

const (
	TaskPending TaskState = iota + 1
	TaskActive
	TaskCompleted
	TaskFailed
)

// String returns the human-readable state name.
func (st TaskState) String() string {
	switch st {
	case TaskPending:
		return "pending"
	case TaskActive:
		return "active"
	case TaskCompleted:
		return "completed"
	case TaskFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Task priority bounds. Priority 1 is most urgent.
const (
	PriorityHighest = 1
	PriorityLowest  = 5
)

// Task is a unit of deferrable background work. Tasks live only in process
// memory; the queue is not persisted.
type Task struct {
	ID          string
	Type        string
	Priority    int // 1 (highest) .. 5 (lowest)
	Payload     map[string]any
	Attempts    int
	MaxAttempts int
	CreatedAt   time.Time

	// seq orders tasks of equal priority; a retried task receives a fresh seq
	// so it rejoins the tail of its priority class.
	seq uint64
}

// TaskRecord is the terminal outcome of a task, retained for inspection.
type TaskRecord struct {
	Task       Task
	State      TaskState
	Err        string
	FinishedAt time.Time
}

// QueueStats summarises queue and drain activity.
type QueueStats struct {
	Pending       int
	Draining      bool
	Completed     int
	Failed        int
	LastDrain     DrainStats
	LastDrainTime time.Time
}

// DrainStats records the outcome of a single drain cycle.
type DrainStats struct {
	Completed int
	Retried   int
	Failed    int
	Aborted   bool
	Duration  time.Duration
}

// NetworkStatus is the capability report from a [NetworkSource]. It does not
// measure throughput.
type NetworkStatus struct {
	// Online is false when the transport reports no connectivity.
	Online bool

	// Constrained is true in explicitly metered or low-bandwidth modes where
	// background transfer should be avoided.
	Constrained bool
}
