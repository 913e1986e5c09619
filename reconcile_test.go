package larder

import (
	"errors"
	"testing"
	"time"
)

func newTestReconciler(t *testing.T) (*Reconciler, *IndexedStore) {
	t.Helper()
	s := newTestStore(t)
	return NewReconciler(s, 30*time.Second, discardLogger()), s
}

func TestApplyRemote_Lifecycle(t *testing.T) {
	r, s := newTestReconciler(t)

	if !r.ApplyRemote(RemoteEvent{Collection: "menu_items", Delta: Insert(entity("m1", 0, "category_id", "c1"))}) {
		t.Fatal("insert event should apply")
	}
	if !r.ApplyRemote(RemoteEvent{Collection: "menu_items", Delta: Update(entity("m1", 0, "category_id", "c2"))}) {
		t.Fatal("update event should apply")
	}
	e, ok := s.Snapshot().Entity("menu_items", "m1")
	if !ok || e.Fields["category_id"] != "c2" {
		t.Errorf("entity after update = %+v, want category_id c2", e)
	}
	if !r.ApplyRemote(RemoteEvent{Collection: "menu_items", Delta: Delete("m1")}) {
		t.Fatal("delete event should apply")
	}
	if _, ok := s.Snapshot().Entity("menu_items", "m1"); ok {
		t.Error("entity should be gone after delete event")
	}
}

// TestApplyRemote_RedeliveredInsert checks that a duplicate insert converges
// to the redelivered payload instead of being rejected.
func TestApplyRemote_RedeliveredInsert(t *testing.T) {
	r, s := newTestReconciler(t)

	r.ApplyRemote(RemoteEvent{Collection: "menu_items", Delta: Insert(entity("m1", 0, "name", "old"))})
	if !r.ApplyRemote(RemoteEvent{Collection: "menu_items", Delta: Insert(entity("m1", 0, "name", "new"))}) {
		t.Fatal("redelivered insert should apply as update")
	}

	e, _ := s.Snapshot().Entity("menu_items", "m1")
	if e.Fields["name"] != "new" {
		t.Errorf("name = %v, want new", e.Fields["name"])
	}
	if n := len(s.Snapshot().Collections["menu_items"]); n != 1 {
		t.Errorf("collection has %d entities, want 1", n)
	}
}

// TestApplyRemote_UpdateOfMissingEntity checks that an update whose preceding
// insert was lost upstream still lands, as an insert.
func TestApplyRemote_UpdateOfMissingEntity(t *testing.T) {
	r, s := newTestReconciler(t)

	if !r.ApplyRemote(RemoteEvent{Collection: "menu_items", Delta: Update(entity("m1", 0, "name", "x"))}) {
		t.Fatal("update of missing entity should apply as insert")
	}
	if _, ok := s.Snapshot().Entity("menu_items", "m1"); !ok {
		t.Error("entity should exist after gap-tolerant update")
	}
}

func TestApplyRemote_DeleteOfMissingEntity(t *testing.T) {
	r, s := newTestReconciler(t)

	if r.ApplyRemote(RemoteEvent{Collection: "menu_items", Delta: Delete("ghost")}) {
		t.Error("delete of missing entity should be a no-op")
	}
	if n := len(s.Snapshot().Collections["menu_items"]); n != 0 {
		t.Errorf("collection has %d entities, want 0", n)
	}
}

func TestApplyRemote_Malformed(t *testing.T) {
	r, _ := newTestReconciler(t)

	tests := []struct {
		name string
		ev   RemoteEvent
	}{
		{"insert without ID", RemoteEvent{Collection: "menu_items", Delta: Insert(Entity{})}},
		{"delete without ID", RemoteEvent{Collection: "menu_items", Delta: Delete("")}},
		{"unknown op", RemoteEvent{Collection: "menu_items", Delta: Delta{Op: 0}}},
		{"unregistered collection", RemoteEvent{Collection: "nope", Delta: Insert(entity("m1", 0))}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if r.ApplyRemote(tt.ev) {
				t.Error("malformed event should be dropped")
			}
		})
	}
}

// TestApplyRemote_SupersedesLocalEdit covers the ordering rule: a remote event
// for a dirty entity overwrites the optimistic state and clears the mark.
func TestApplyRemote_SupersedesLocalEdit(t *testing.T) {
	r, s := newTestReconciler(t)

	r.ApplyRemote(RemoteEvent{Collection: "menu_items", Delta: Insert(entity("m1", 0, "name", "remote"))})

	if err := r.ApplyLocal("menu_items", Update(entity("m1", 0, "name", "local"))); err != nil {
		t.Fatalf("local update: %v", err)
	}
	if !s.Snapshot().Dirty("menu_items", "m1") {
		t.Fatal("local edit should mark the entity dirty")
	}

	r.ApplyRemote(RemoteEvent{Collection: "menu_items", Delta: Update(entity("m1", 0, "name", "remote-v2"))})

	snap := s.Snapshot()
	e, _ := snap.Entity("menu_items", "m1")
	if e.Fields["name"] != "remote-v2" {
		t.Errorf("name = %v, want remote-v2 (remote wins)", e.Fields["name"])
	}
	if snap.Dirty("menu_items", "m1") {
		t.Error("remote confirmation should clear the dirty mark")
	}
}

func TestApplyLocal_MarksDirtyWithTTL(t *testing.T) {
	r, s := newTestReconciler(t)
	base := time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC)
	now := base
	r.now = func() time.Time { return now }
	s.now = func() time.Time { return now }

	if err := r.ApplyLocal("menu_items", Insert(entity("m1", 0))); err != nil {
		t.Fatalf("local insert: %v", err)
	}
	if !s.Snapshot().Dirty("menu_items", "m1") {
		t.Fatal("entity should be dirty after local insert")
	}

	// Past the TTL the mark expires on the next publication.
	now = base.Add(31 * time.Second)
	s.SetConnected(true)
	if s.Snapshot().Dirty("menu_items", "m1") {
		t.Error("dirty mark should expire after the TTL")
	}
}

func TestApplyLocal_DeleteDoesNotMarkDirty(t *testing.T) {
	r, s := newTestReconciler(t)
	r.ApplyRemote(RemoteEvent{Collection: "menu_items", Delta: Insert(entity("m1", 0))})

	if err := r.ApplyLocal("menu_items", Delete("m1")); err != nil {
		t.Fatalf("local delete: %v", err)
	}
	if s.Snapshot().Dirty("menu_items", "m1") {
		t.Error("deleted entity must not be marked dirty")
	}
}

func TestApplyLocal_MissingEntityIsSwallowed(t *testing.T) {
	r, _ := newTestReconciler(t)
	if err := r.ApplyLocal("menu_items", Delete("ghost")); err != nil {
		t.Errorf("local delete of missing entity = %v, want nil", err)
	}
	if err := r.ApplyLocal("menu_items", Update(entity("ghost", 0))); err != nil {
		t.Errorf("local update of missing entity = %v, want nil", err)
	}
}

func TestApplyLocal_ValidationPropagates(t *testing.T) {
	r, _ := newTestReconciler(t)
	r.ApplyRemote(RemoteEvent{Collection: "menu_items", Delta: Insert(entity("m1", 0))})

	err := r.ApplyLocal("menu_items", Insert(entity("m1", 0)))
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Errorf("got %v, want ValidationError", err)
	}
}
