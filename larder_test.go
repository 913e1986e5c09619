package larder

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type engineFixture struct {
	engine  *Engine
	remote  *mockRemote
	cache   *mockCache
	network *mockNetwork
}

// newTestEngine builds an engine over mocks with a near-zero idle threshold
// and a fast poll, so drains happen as soon as the gates allow.
func newTestEngine(t *testing.T, cache *mockCache) *engineFixture {
	t.Helper()

	remote := newMockRemote()
	remote.setCollection("menu_items", []Entity{
		entity("m1", 0, "category_id", "c1"),
		entity("m2", 1, "category_id", "c1"),
	})
	remote.setCollection("categories", []Entity{entity("c1", 0)})
	network := newMockNetwork()

	e, err := New(Config{
		Collections:   []CollectionName{"menu_items", "categories"},
		Indices:       []IndexDef{{Name: "items_by_category", Source: "menu_items", GroupBy: "category_id"}},
		Remote:        remote,
		Cache:         cache,
		Network:       network,
		Logger:        discardLogger(),
		CacheTTL:      24 * time.Hour,
		IdleThreshold: time.Nanosecond,
		PollInterval:  50 * time.Millisecond,
		TaskTimeout:   time.Second,
	})
	if err != nil {
		t.Fatalf("building engine: %v", err)
	}
	t.Cleanup(e.Stop)

	return &engineFixture{engine: e, remote: remote, cache: cache, network: network}
}

// snapshotBlob encodes a persisted snapshot with the given entities and fetch
// time, the way a previous run would have written it.
func snapshotBlob(t *testing.T, fetchedAt time.Time) []byte {
	t.Helper()
	s := newTestStore(t)
	if err := s.ReplaceCollection("menu_items", []Entity{
		entity("cached-1", 0, "category_id", "c1"),
	}); err != nil {
		t.Fatalf("seeding snapshot: %v", err)
	}
	s.SetLastFetched(fetchedAt)
	blob, err := encodeSnapshot(s.Snapshot())
	if err != nil {
		t.Fatalf("encoding snapshot: %v", err)
	}
	return blob
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Config{Logger: discardLogger()})
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Errorf("got %v, want ValidationError", err)
	}

	_, err = New(Config{Collections: []CollectionName{"a"}, Logger: discardLogger()})
	if !errors.As(err, &verr) {
		t.Errorf("missing remote: got %v, want ValidationError", err)
	}
}

// A fresh persisted snapshot serves immediately: no loading state, no refresh.
func TestStart_FreshSnapshotServesAndSchedulesRefresh(t *testing.T) {
	cache := &mockCache{blob: snapshotBlob(t, time.Now().Add(-2*time.Hour))}
	fx := newTestEngine(t, cache)
	fx.network.set(NetworkStatus{Online: false}) // freeze the queue for inspection

	if err := fx.engine.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	snap := fx.engine.GetSnapshot()
	if snap.Loading {
		t.Error("Loading should be false when hydrated from a snapshot")
	}
	if _, ok := snap.Entity("menu_items", "cached-1"); !ok {
		t.Error("cached entity should be served immediately")
	}

	// Fresh data serves right away, but the startup refresh is still
	// scheduled: exactly one, at the highest priority.
	pending := fx.engine.sched.PendingTasks()
	if len(pending) != 1 {
		t.Fatalf("pending tasks = %d, want exactly one startup refresh", len(pending))
	}
	if pending[0].Type != TaskTypeRefresh || pending[0].Priority != PriorityHighest {
		t.Errorf("pending task = %+v, want top-priority refresh", pending[0])
	}
	if fx.remote.calls() != 0 {
		t.Errorf("remote fetched %d times while offline, want 0", fx.remote.calls())
	}
}

// A stale persisted snapshot still serves immediately, with exactly one
// top-priority refresh scheduled behind it.
func TestStart_StaleSnapshotServesAndSchedulesRefresh(t *testing.T) {
	cache := &mockCache{blob: snapshotBlob(t, time.Now().Add(-25*time.Hour))}
	fx := newTestEngine(t, cache)
	fx.network.set(NetworkStatus{Online: false}) // freeze the queue for inspection

	if err := fx.engine.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	snap := fx.engine.GetSnapshot()
	if snap.Loading {
		t.Error("stale data still serves: Loading must be false")
	}
	if _, ok := snap.Entity("menu_items", "cached-1"); !ok {
		t.Error("stale cached entity should be served while the refresh waits")
	}

	pending := fx.engine.sched.PendingTasks()
	if len(pending) != 1 {
		t.Fatalf("pending tasks = %d, want exactly 1", len(pending))
	}
	if pending[0].Type != TaskTypeRefresh || pending[0].Priority != PriorityHighest {
		t.Errorf("pending task = %+v, want top-priority refresh", pending[0])
	}

	// Restore connectivity; the refresh replaces the stale data.
	fx.network.set(NetworkStatus{Online: true})
	eventually(t, 2*time.Second, func() bool {
		_, ok := fx.engine.GetSnapshot().Entity("menu_items", "m1")
		return ok
	}, "refresh should replace stale contents")
}

// With no persisted snapshot the engine reports loading until the first
// refresh completes.
func TestStart_ColdStartWithoutSnapshot(t *testing.T) {
	fx := newTestEngine(t, &mockCache{})
	fx.network.set(NetworkStatus{Online: false})

	if err := fx.engine.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	snap := fx.engine.GetSnapshot()
	if !snap.Loading {
		t.Error("Loading should be true on a cold start with no data")
	}
	if !snap.LastFetchedAt.IsZero() {
		t.Errorf("LastFetchedAt = %v, want zero", snap.LastFetchedAt)
	}

	fx.network.set(NetworkStatus{Online: true})
	eventually(t, 2*time.Second, func() bool {
		return !fx.engine.GetSnapshot().Loading
	}, "first refresh should clear the loading state")

	snap = fx.engine.GetSnapshot()
	if _, ok := snap.Entity("menu_items", "m1"); !ok {
		t.Error("refresh should populate the store")
	}
	if snap.LastFetchedAt.IsZero() {
		t.Error("LastFetchedAt should be stamped after the refresh")
	}
}

// A corrupt snapshot blob is treated like an absent cache, never a failure.
func TestStart_CorruptSnapshotStartsCold(t *testing.T) {
	fx := newTestEngine(t, &mockCache{blob: []byte("corrupt")})
	fx.network.set(NetworkStatus{Online: false})

	if err := fx.engine.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if !fx.engine.GetSnapshot().Loading {
		t.Error("corrupt snapshot should behave like a cold start")
	}
	if got := fx.engine.QueueStats().Pending; got != 1 {
		t.Errorf("pending = %d, want 1 refresh", got)
	}
}

func TestStart_SingleFlight(t *testing.T) {
	cache := &mockCache{blob: snapshotBlob(t, time.Now().Add(-time.Hour))}
	fx := newTestEngine(t, cache)

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = fx.engine.Start(context.Background())
		}()
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Errorf("Start call %d: %v", i, err)
		}
	}
	cache.mu.Lock()
	loads := cache.loads
	cache.mu.Unlock()
	if loads != 1 {
		t.Errorf("cache loaded %d times, want 1 (single-flight start)", loads)
	}
}

func TestStart_AfterStop(t *testing.T) {
	fx := newTestEngine(t, &mockCache{})
	if err := fx.engine.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	fx.engine.Stop()
	if err := fx.engine.Start(context.Background()); !errors.Is(err, ErrEngineStopped) {
		t.Errorf("got %v, want ErrEngineStopped", err)
	}
}

func TestRemoteEvents_AppliedToStore(t *testing.T) {
	cache := &mockCache{blob: snapshotBlob(t, time.Now().Add(-time.Hour))}
	fx := newTestEngine(t, cache)

	if err := fx.engine.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	eventually(t, 2*time.Second, func() bool {
		return fx.engine.GetSnapshot().Connected
	}, "engine should report connected after subscribing")
	// Wait out the startup refresh so its collection replacement cannot
	// race with the pushed event.
	eventually(t, 2*time.Second, func() bool {
		stats := fx.engine.QueueStats()
		return stats.Pending == 0 && !stats.Draining
	}, "startup refresh should complete")

	fx.remote.events <- RemoteEvent{
		Collection: "menu_items",
		Delta:      Insert(entity("pushed-1", 0, "category_id", "c9")),
	}
	eventually(t, 2*time.Second, func() bool {
		_, ok := fx.engine.GetSnapshot().Entity("menu_items", "pushed-1")
		return ok
	}, "pushed event should land in the store")
}

func TestRemoteEvents_StreamEndFlipsConnected(t *testing.T) {
	cache := &mockCache{blob: snapshotBlob(t, time.Now().Add(-time.Hour))}
	fx := newTestEngine(t, cache)

	if err := fx.engine.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	eventually(t, 2*time.Second, func() bool {
		return fx.engine.GetSnapshot().Connected
	}, "engine should report connected")

	// End the stream and keep reconnect attempts failing.
	fx.remote.mu.Lock()
	fx.remote.subscribeErr = errors.New("backend unreachable")
	fx.remote.mu.Unlock()
	close(fx.remote.events)

	eventually(t, 2*time.Second, func() bool {
		return !fx.engine.GetSnapshot().Connected
	}, "connected should flip false when the stream ends")
}

func TestInvalidateCache_ForcesRefresh(t *testing.T) {
	cache := &mockCache{blob: snapshotBlob(t, time.Now().Add(-time.Hour))}
	fx := newTestEngine(t, cache)

	if err := fx.engine.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	// Let the startup refresh land so the queue is quiet before invalidating.
	eventually(t, 2*time.Second, func() bool {
		stats := fx.engine.QueueStats()
		return stats.Pending == 0 && !stats.Draining
	}, "startup refresh should complete")

	fx.network.set(NetworkStatus{Online: false})
	if err := fx.engine.InvalidateCache(); err != nil {
		t.Fatalf("invalidate: %v", err)
	}

	snap := fx.engine.GetSnapshot()
	if !snap.LastFetchedAt.IsZero() {
		t.Error("invalidation should zero LastFetchedAt")
	}
	if _, ok := snap.Entity("menu_items", "m1"); !ok {
		t.Error("cached data keeps serving after invalidation")
	}
	if got := fx.engine.QueueStats().Pending; got != 1 {
		t.Errorf("pending = %d, want 1 refresh", got)
	}
}

func TestApplyLocal_ThroughEngine(t *testing.T) {
	cache := &mockCache{blob: snapshotBlob(t, time.Now().Add(-time.Hour))}
	fx := newTestEngine(t, cache)
	fx.network.set(NetworkStatus{Online: false}) // keep the hydrated contents in place
	if err := fx.engine.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	if err := fx.engine.ApplyLocal("menu_items", Update(entity("cached-1", 0, "name", "edited"))); err != nil {
		t.Fatalf("apply local: %v", err)
	}
	snap := fx.engine.GetSnapshot()
	if !snap.Dirty("menu_items", "cached-1") {
		t.Error("local edit should mark the entity dirty")
	}
	e, _ := snap.Entity("menu_items", "cached-1")
	if e.Fields["name"] != "edited" {
		t.Error("local edit should apply optimistically")
	}
}

func TestRefresh_PersistsSnapshot(t *testing.T) {
	cache := &mockCache{}
	fx := newTestEngine(t, cache)

	if err := fx.engine.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	eventually(t, 2*time.Second, func() bool {
		return cache.saved() != nil
	}, "refresh should persist the snapshot")

	ps, err := decodeSnapshot(cache.saved())
	if err != nil {
		t.Fatalf("persisted blob unreadable: %v", err)
	}
	if n := len(ps.Collections["menu_items"]); n != 2 {
		t.Errorf("persisted menu_items has %d entities, want 2", n)
	}
	if ps.LastFetchedAt.IsZero() {
		t.Error("persisted snapshot should carry the fetch time")
	}
}

func TestRefresh_TransientRemoteFailureRetries(t *testing.T) {
	fx := newTestEngine(t, &mockCache{})
	fx.remote.mu.Lock()
	fx.remote.failFirst = 2 // first two fetches fail, later attempts succeed
	fx.remote.mu.Unlock()

	if err := fx.engine.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	eventually(t, 3*time.Second, func() bool {
		return !fx.engine.GetSnapshot().Loading
	}, "refresh should succeed within its retry budget")

	if fx.remote.calls() <= 2 {
		t.Errorf("fetch calls = %d, want more than the 2 failed ones", fx.remote.calls())
	}
	if fx.engine.QueueStats().Failed != 0 {
		t.Error("refresh should not be recorded as failed")
	}
}

func TestSubscribe_ThroughEngine(t *testing.T) {
	cache := &mockCache{blob: snapshotBlob(t, time.Now().Add(-time.Hour))}
	fx := newTestEngine(t, cache)
	fx.network.set(NetworkStatus{Online: false}) // keep the hydrated contents in place
	if err := fx.engine.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	ch := make(chan *Snapshot, 8)
	unsub := fx.engine.Subscribe(func(snap *Snapshot) {
		select {
		case ch <- snap:
		default:
		}
	})
	defer unsub()

	if err := fx.engine.ApplyLocal("menu_items", Update(entity("cached-1", 0, "name", "x"))); err != nil {
		t.Fatalf("apply local: %v", err)
	}

	select {
	case snap := <-ch:
		if _, ok := snap.Entity("menu_items", "cached-1"); !ok {
			t.Error("notification snapshot missing entity")
		}
	case <-time.After(time.Second):
		t.Fatal("no notification after a committed mutation")
	}
}

func TestNotifyActivity_DefersDrain(t *testing.T) {
	fx := newTestEngine(t, &mockCache{})
	fx.engine.NotifyActivity()
	if fx.engine.activity.IsIdle(time.Now().Add(-time.Minute)) {
		t.Error("activity timestamp should be recent")
	}
}
