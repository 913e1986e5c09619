package larder

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// IndexedStore holds the normalized collections and their derived indices.
// All mutation routes through ReplaceCollection / ApplyDelta and is serialized
// by a single writer mutex; Snapshot serves an immutable view lock-free, so a
// reader never observes a collection and its indices in a mutually
// inconsistent state.
type IndexedStore struct {
	mu sync.Mutex // serializes the write path

	collections map[CollectionName][]Entity
	indexDefs   []IndexDef
	indices     map[string]map[string][]string

	lastFetchedAt time.Time
	connected     bool
	loading       bool

	// dirty tracks pending local optimistic edits: entity key → expiry
	// deadline. Expired marks are swept on snapshot publication.
	dirty map[CollectionName]map[string]time.Time

	snap atomic.Pointer[Snapshot]

	subMu   sync.Mutex
	subs    map[int]func(*Snapshot)
	nextSub int

	log *slog.Logger
	now func() time.Time
}

// NewIndexedStore creates a store over the given collections and index
// definitions. Every index must source a registered collection.
func NewIndexedStore(collections []CollectionName, indices []IndexDef, logger *slog.Logger) (*IndexedStore, error) {
	if len(collections) == 0 {
		return nil, &ValidationError{Message: "at least one collection is required"}
	}
	if logger == nil {
		logger = slog.Default()
	}

	s := &IndexedStore{
		collections: make(map[CollectionName][]Entity, len(collections)),
		indexDefs:   indices,
		indices:     make(map[string]map[string][]string, len(indices)),
		dirty:       make(map[CollectionName]map[string]time.Time),
		subs:        make(map[int]func(*Snapshot)),
		log:         logger,
		now:         time.Now,
	}

	for _, name := range collections {
		if name == "" {
			return nil, &ValidationError{Message: "collection name cannot be empty"}
		}
		if _, dup := s.collections[name]; dup {
			return nil, &ValidationError{Collection: name, Message: "duplicate collection"}
		}
		s.collections[name] = nil
	}

	seen := make(map[string]bool, len(indices))
	for _, def := range indices {
		if def.Name == "" || def.GroupBy == "" {
			return nil, &ValidationError{Message: fmt.Sprintf("index %q: name and group_by are required", def.Name)}
		}
		if seen[def.Name] {
			return nil, &ValidationError{Message: fmt.Sprintf("duplicate index %q", def.Name)}
		}
		seen[def.Name] = true
		if _, ok := s.collections[def.Source]; !ok {
			return nil, &ValidationError{Collection: def.Source, Message: fmt.Sprintf("index %q sources an unregistered collection", def.Name)}
		}
		s.indices[def.Name] = make(map[string][]string)
	}

	s.mu.Lock()
	s.commitLocked()
	s.mu.Unlock()

	return s, nil
}

// ReplaceCollection atomically replaces the collection's contents and rebuilds
// every index sourced from it. Duplicate entity IDs are a ValidationError.
func (s *IndexedStore) ReplaceCollection(name CollectionName, entities []Entity) error {
	ids := make(map[string]bool, len(entities))
	for _, e := range entities {
		if e.ID == "" {
			return &ValidationError{Collection: name, Message: "entity with empty ID"}
		}
		if ids[e.ID] {
			return &ValidationError{Collection: name, Message: fmt.Sprintf("duplicate entity ID %q", e.ID)}
		}
		ids[e.ID] = true
	}

	cp := make([]Entity, len(entities))
	for i, e := range entities {
		cp[i] = e.clone()
	}

	s.mu.Lock()
	if _, ok := s.collections[name]; !ok {
		s.mu.Unlock()
		return &ValidationError{Collection: name, Message: "unregistered collection"}
	}
	s.collections[name] = cp
	for _, def := range s.indexDefs {
		if def.Source == name {
			s.indices[def.Name] = buildIndex(def, cp)
		}
	}
	snap := s.commitLocked()
	s.mu.Unlock()

	s.notify(snap)
	return nil
}

// ApplyDelta patches the collection in place — insert appends, update replaces
// by ID, delete removes by ID — and incrementally patches dependent indices.
// Update or delete of an unknown ID returns a NotFoundError; insert of an
// existing ID returns a ValidationError.
func (s *IndexedStore) ApplyDelta(name CollectionName, d Delta) error {
	s.mu.Lock()
	coll, ok := s.collections[name]
	if !ok {
		s.mu.Unlock()
		return &ValidationError{Collection: name, Message: "unregistered collection"}
	}

	var old, neu *Entity

	switch d.Op {
	case OpInsert:
		if d.Entity.ID == "" {
			s.mu.Unlock()
			return &ValidationError{Collection: name, Message: "insert with empty entity ID"}
		}
		if idxOf(coll, d.Entity.ID) >= 0 {
			s.mu.Unlock()
			return &ValidationError{Collection: name, Message: fmt.Sprintf("insert of existing entity ID %q", d.Entity.ID)}
		}
		e := d.Entity.clone()
		s.collections[name] = append(coll, e)
		neu = &e

	case OpUpdate:
		i := idxOf(coll, d.Entity.ID)
		if i < 0 {
			s.mu.Unlock()
			return &NotFoundError{Collection: name, ID: d.Entity.ID}
		}
		prev := coll[i]
		e := d.Entity.clone()
		coll[i] = e
		old, neu = &prev, &e

	case OpDelete:
		i := idxOf(coll, d.ID)
		if i < 0 {
			s.mu.Unlock()
			return &NotFoundError{Collection: name, ID: d.ID}
		}
		prev := coll[i]
		s.collections[name] = append(coll[:i], coll[i+1:]...)
		old = &prev

	default:
		s.mu.Unlock()
		return &ValidationError{Collection: name, Message: fmt.Sprintf("unknown delta op %d", d.Op)}
	}

	for _, def := range s.indexDefs {
		if def.Source == name {
			patchIndex(s.indices[def.Name], def, old, neu, s.collections[name])
		}
	}
	if old != nil && neu == nil {
		// Deleted entities cannot stay marked dirty.
		delete(s.dirty[name], old.ID)
	}

	snap := s.commitLocked()
	s.mu.Unlock()

	s.notify(snap)
	return nil
}

// Snapshot returns the current immutable view. It never blocks: the pointer is
// swapped atomically after every committed mutation.
func (s *IndexedStore) Snapshot() *Snapshot {
	return s.snap.Load()
}

// Subscribe registers a listener invoked after every committed mutation with
// the freshly published snapshot. The returned function removes the listener.
func (s *IndexedStore) Subscribe(fn func(*Snapshot)) (unsubscribe func()) {
	s.subMu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	s.subMu.Unlock()

	return func() {
		s.subMu.Lock()
		delete(s.subs, id)
		s.subMu.Unlock()
	}
}

// SetLastFetched records a successful full remote refresh. The timestamp is
// monotonically non-decreasing: an older value is ignored.
func (s *IndexedStore) SetLastFetched(t time.Time) {
	s.mu.Lock()
	if t.Before(s.lastFetchedAt) {
		s.mu.Unlock()
		return
	}
	s.lastFetchedAt = t
	snap := s.commitLocked()
	s.mu.Unlock()
	s.notify(snap)
}

// Invalidate clears lastFetchedAt so the next freshness check treats the cache
// as stale. Data is kept: stale-but-displayable beats blank-but-fresh.
func (s *IndexedStore) Invalidate() {
	s.mu.Lock()
	s.lastFetchedAt = time.Time{}
	snap := s.commitLocked()
	s.mu.Unlock()
	s.notify(snap)
}

// SetConnected records whether remote push reconciliation is active.
func (s *IndexedStore) SetConnected(connected bool) {
	s.mu.Lock()
	if s.connected == connected {
		s.mu.Unlock()
		return
	}
	s.connected = connected
	snap := s.commitLocked()
	s.mu.Unlock()
	s.notify(snap)
}

// SetLoading records whether the store is still waiting for its first data.
func (s *IndexedStore) SetLoading(loading bool) {
	s.mu.Lock()
	if s.loading == loading {
		s.mu.Unlock()
		return
	}
	s.loading = loading
	snap := s.commitLocked()
	s.mu.Unlock()
	s.notify(snap)
}

// MarkDirty flags an entity as locally edited until the deadline passes or a
// remote event for the same entity clears it.
func (s *IndexedStore) MarkDirty(name CollectionName, id string, deadline time.Time) {
	s.mu.Lock()
	if s.dirty[name] == nil {
		s.dirty[name] = make(map[string]time.Time)
	}
	s.dirty[name][id] = deadline
	snap := s.commitLocked()
	s.mu.Unlock()
	s.notify(snap)
}

// ClearDirty removes the dirty mark, if any.
func (s *IndexedStore) ClearDirty(name CollectionName, id string) {
	s.mu.Lock()
	if _, ok := s.dirty[name][id]; !ok {
		s.mu.Unlock()
		return
	}
	delete(s.dirty[name], id)
	snap := s.commitLocked()
	s.mu.Unlock()
	s.notify(snap)
}

// commitLocked deep-copies the store state into a fresh immutable snapshot
// and swaps it in. Must be called with s.mu held so publication order matches
// commit order. Expired dirty marks are swept here so they cannot outlive
// their deadline by more than one publication.
func (s *IndexedStore) commitLocked() *Snapshot {
	now := s.now()

	snap := &Snapshot{
		Collections:   make(map[CollectionName][]Entity, len(s.collections)),
		Indices:       make(map[string]map[string][]string, len(s.indices)),
		LastFetchedAt: s.lastFetchedAt,
		Connected:     s.connected,
		Loading:       s.loading,
		dirty:         make(map[CollectionName]map[string]bool),
		byID:          make(map[CollectionName]map[string]Entity, len(s.collections)),
		indexSource:   make(map[string]CollectionName, len(s.indexDefs)),
	}

	for name, coll := range s.collections {
		cp := make([]Entity, len(coll))
		byID := make(map[string]Entity, len(coll))
		for i, e := range coll {
			cp[i] = e.clone()
			byID[e.ID] = cp[i]
		}
		snap.Collections[name] = cp
		snap.byID[name] = byID
	}

	for _, def := range s.indexDefs {
		snap.indexSource[def.Name] = def.Source
	}
	for name, idx := range s.indices {
		cp := make(map[string][]string, len(idx))
		for key, bucket := range idx {
			refs := make([]string, len(bucket))
			copy(refs, bucket)
			cp[key] = refs
		}
		snap.Indices[name] = cp
	}

	for name, marks := range s.dirty {
		for id, deadline := range marks {
			if !now.Before(deadline) {
				delete(marks, id)
				continue
			}
			if snap.dirty[name] == nil {
				snap.dirty[name] = make(map[string]bool)
			}
			snap.dirty[name][id] = true
		}
	}

	s.snap.Store(snap)
	return snap
}

// notify invokes subscribers outside the write lock.
func (s *IndexedStore) notify(snap *Snapshot) {
	s.subMu.Lock()
	fns := make([]func(*Snapshot), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.subMu.Unlock()

	for _, fn := range fns {
		fn(snap)
	}
}

// idxOf returns the position of the entity with the given ID, or -1.
func idxOf(coll []Entity, id string) int {
	for i, e := range coll {
		if e.ID == id {
			return i
		}
	}
	return -1
}
