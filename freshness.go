package larder

import (
	"encoding/json"
	"fmt"
	"time"
)

// IsFresh reports whether a snapshot fetched at lastFetchedAt is still within
// its time-to-live at now. A zero lastFetchedAt (never fetched, or
// invalidated) is always stale.
func IsFresh(lastFetchedAt, now time.Time, ttl time.Duration) bool {
	if lastFetchedAt.IsZero() {
		return false
	}
	return now.Sub(lastFetchedAt) < ttl
}

// persistedSnapshot is the durable form written through the [CacheStore].
// Only source data is persisted; indices are derived and rebuilt on hydrate.
type persistedSnapshot struct {
	Version       int                         `json:"version"`
	Collections   map[CollectionName][]Entity `json:"collections"`
	LastFetchedAt time.Time                   `json:"last_fetched_at,omitempty"`
}

// persistedVersion guards against decoding blobs written by an incompatible
// build. A mismatch is treated like an absent cache.
const persistedVersion = 1

// encodeSnapshot serialises the snapshot's source data for persistence.
func encodeSnapshot(snap *Snapshot) ([]byte, error) {
	ps := persistedSnapshot{
		Version:       persistedVersion,
		Collections:   snap.Collections,
		LastFetchedAt: snap.LastFetchedAt,
	}
	blob, err := json.Marshal(ps)
	if err != nil {
		return nil, fmt.Errorf("encoding snapshot: %w", err)
	}
	return blob, nil
}

// decodeSnapshot is the pure hydration step: it parses a persisted blob
// without touching any store. The caller decides separately what to do with
// the result (apply it, judge freshness, enqueue a refresh).
func decodeSnapshot(blob []byte) (*persistedSnapshot, error) {
	var ps persistedSnapshot
	if err := json.Unmarshal(blob, &ps); err != nil {
		return nil, fmt.Errorf("decoding snapshot: %w", err)
	}
	if ps.Version != persistedVersion {
		return nil, fmt.Errorf("unsupported snapshot version %d", ps.Version)
	}
	return &ps, nil
}
