// Package cache provides the durable snapshot store backing cold starts: a
// SQLite-based key/value blob table implementing larder.CacheStore.
//
// Only this package may open or query the database. All other packages
// receive a [*Store] and call its methods.
package cache

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

const schema = `
CREATE TABLE IF NOT EXISTS blobs (
    key      TEXT PRIMARY KEY,
    value    BLOB NOT NULL,
    saved_at TEXT NOT NULL
);
`

// snapshotKey is the single row under which the engine snapshot is stored.
const snapshotKey = "snapshot"

// Store is the SQLite-backed blob repository. It implements
// larder.CacheStore.
type Store struct {
	db *sql.DB
}

// DefaultPath returns the default cache database path:
// ~/.local/share/larderd/cache.db
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	return filepath.Join(home, ".local", "share", "larderd", "cache.db"), nil
}

// Open opens (or creates) the SQLite database at path, applies the schema,
// and configures WAL mode for better concurrent read performance.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("creating cache directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("opening database %q: %w", path, err)
	}

	// Single writer to avoid SQLITE_BUSY under WAL.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("applying schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close releases the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Load returns the persisted snapshot blob, or (nil, nil) if none exists.
func (s *Store) Load(ctx context.Context) ([]byte, error) {
	return s.get(ctx, snapshotKey)
}

// Save stores the snapshot blob, replacing any previous one.
func (s *Store) Save(ctx context.Context, blob []byte) error {
	return s.put(ctx, snapshotKey, blob)
}

// Clear removes the persisted snapshot.
func (s *Store) Clear(ctx context.Context) error {
	return s.del(ctx, snapshotKey)
}

// SavedAt returns when the snapshot was last written, or the zero time if no
// snapshot exists. Used by the daemon's status output.
func (s *Store) SavedAt(ctx context.Context) (time.Time, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT saved_at FROM blobs WHERE key = ?`, snapshotKey).Scan(&raw)
	if err == sql.ErrNoRows {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("reading saved_at: %w", err)
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing saved_at %q: %w", raw, err)
	}
	return t, nil
}

// --- key/value primitives ------------------------------------------------

func (s *Store) get(ctx context.Context, key string) ([]byte, error) {
	var blob []byte
	err := s.db.QueryRowContext(ctx, `SELECT value FROM blobs WHERE key = ?`, key).Scan(&blob)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading blob %q: %w", key, err)
	}
	return blob, nil
}

func (s *Store) put(ctx context.Context, key string, blob []byte) error {
	const q = `
		INSERT INTO blobs (key, value, saved_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
		    value    = excluded.value,
		    saved_at = excluded.saved_at`
	savedAt := time.Now().UTC().Format(time.RFC3339Nano)
	if _, err := s.db.ExecContext(ctx, q, key, blob, savedAt); err != nil {
		return fmt.Errorf("writing blob %q: %w", key, err)
	}
	return nil
}

func (s *Store) del(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM blobs WHERE key = ?`, key); err != nil {
		return fmt.Errorf("deleting blob %q: %w", key, err)
	}
	return nil
}
