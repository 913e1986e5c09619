package larder

import (
	"context"
	"time"
)

// RemoteSource is the remote source of truth: pull via FetchAll, push via
// Subscribe. Implemented by [remote.Client].
type RemoteSource interface {
	// FetchAll returns the complete current contents of a collection.
	FetchAll(ctx context.Context, name CollectionName) ([]Entity, error)

	// Subscribe opens the push event stream. It returns once the stream is
	// established; the channel is closed when the stream ends (error or ctx
	// cancellation). Events arrive in emission order with no gap or
	// duplicate guarantees.
	Subscribe(ctx context.Context) (<-chan RemoteEvent, error)
}

// CacheStore is the durable key/value blob store used to persist snapshots
// across restarts. Writes are best-effort: the engine logs failures and moves
// on. Implemented by [cache.Store].
type CacheStore interface {
	// Load returns the persisted snapshot blob, or (nil, nil) if none exists.
	Load(ctx context.Context) ([]byte, error)

	// Save stores the snapshot blob, replacing any previous one.
	Save(ctx context.Context, blob []byte) error

	// Clear removes the persisted snapshot.
	Clear(ctx context.Context) error
}

// NetworkSource reports current connectivity capability. Implementations
// should answer from cached state — Status is called on the scheduler's hot
// path and must not block on I/O.
type NetworkSource interface {
	Status() NetworkStatus
}

// ActivitySource is a stream of discrete user-interaction signals with no
// payload semantics beyond "something happened at time T". Subscribe blocks
// until ctx is cancelled, invoking fn for every observed signal.
type ActivitySource interface {
	Subscribe(ctx context.Context, fn func(time.Time)) error
}
