package larder

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

var errTransientFetch = errors.New("simulated transient fetch failure")

// discardLogger keeps test output quiet; individual tests can swap in a
// visible logger when debugging.
func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// entity builds a test entity with optional field pairs: entity("m1", 2,
// "category_id", "c1").
func entity(id string, sortOrder int, kv ...string) Entity {
	e := Entity{ID: id, SortOrder: sortOrder}
	if len(kv) > 0 {
		e.Fields = make(map[string]any, len(kv)/2)
		for i := 0; i+1 < len(kv); i += 2 {
			e.Fields[kv[i]] = kv[i+1]
		}
	}
	return e
}

// eventually polls cond until it holds or the deadline passes.
func eventually(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v: %s", timeout, msg)
}

// --- mock remote source --------------------------------------------------

type mockRemote struct {
	mu          sync.Mutex
	collections map[CollectionName][]Entity
	fetchErr    error
	failFirst   int // fail this many FetchAll calls before succeeding
	fetchCalls  int

	events       chan RemoteEvent
	subscribeErr error
	subscribes   int
}

func newMockRemote() *mockRemote {
	return &mockRemote{
		collections: make(map[CollectionName][]Entity),
		events:      make(chan RemoteEvent, 16),
	}
}

func (m *mockRemote) FetchAll(_ context.Context, name CollectionName) ([]Entity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fetchCalls++
	if m.fetchErr != nil {
		return nil, m.fetchErr
	}
	if m.fetchCalls <= m.failFirst {
		return nil, errTransientFetch
	}
	src := m.collections[name]
	out := make([]Entity, len(src))
	copy(out, src)
	return out, nil
}

// Subscribe bridges the shared events channel into a per-subscription stream
// that closes on ctx cancellation, mirroring the production adapter.
func (m *mockRemote) Subscribe(ctx context.Context) (<-chan RemoteEvent, error) {
	m.mu.Lock()
	m.subscribes++
	err := m.subscribeErr
	m.mu.Unlock()
	if err != nil {
		return nil, err
	}

	out := make(chan RemoteEvent)
	go func() {
		defer close(out)
		for {
			select {
			case ev, ok := <-m.events:
				if !ok {
					return
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (m *mockRemote) setCollection(name CollectionName, entities []Entity) {
	m.mu.Lock()
	m.collections[name] = entities
	m.mu.Unlock()
}

func (m *mockRemote) calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fetchCalls
}

// --- mock cache store ------------------------------------------------------

type mockCache struct {
	mu      sync.Mutex
	blob    []byte
	loadErr error
	saveErr error
	loads   int
	saves   int
}

func (m *mockCache) Load(_ context.Context) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loads++
	if m.loadErr != nil {
		return nil, m.loadErr
	}
	return m.blob, nil
}

func (m *mockCache) Save(_ context.Context, blob []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saves++
	if m.saveErr != nil {
		return m.saveErr
	}
	m.blob = blob
	return nil
}

func (m *mockCache) Clear(_ context.Context) error {
	m.mu.Lock()
	m.blob = nil
	m.mu.Unlock()
	return nil
}

func (m *mockCache) saved() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.blob
}

// --- mock network source ---------------------------------------------------

type mockNetwork struct {
	mu     sync.Mutex
	status NetworkStatus
}

func newMockNetwork() *mockNetwork {
	return &mockNetwork{status: NetworkStatus{Online: true}}
}

func (m *mockNetwork) Status() NetworkStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

func (m *mockNetwork) set(st NetworkStatus) {
	m.mu.Lock()
	m.status = st
	m.mu.Unlock()
}
