package cache

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "cache.db"))
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() {
		if err := s.Close(); err != nil {
			t.Errorf("closing store: %v", err)
		}
	})
	return s
}

func TestLoad_Absent(t *testing.T) {
	s := openTestStore(t)
	blob, err := s.Load(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if blob != nil {
		t.Errorf("blob = %v, want nil for absent snapshot", blob)
	}
}

func TestSaveLoad_RoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	want := []byte(`{"version":1,"collections":{}}`)
	if err := s.Save(ctx, want); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := s.Load(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Errorf("loaded %q, want %q", got, want)
	}
}

func TestSave_ReplacesPrevious(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.Save(ctx, []byte("old")); err != nil {
		t.Fatalf("first save: %v", err)
	}
	if err := s.Save(ctx, []byte("new")); err != nil {
		t.Fatalf("second save: %v", err)
	}
	got, err := s.Load(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if string(got) != "new" {
		t.Errorf("loaded %q, want %q", got, "new")
	}
}

func TestClear(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.Save(ctx, []byte("data")); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := s.Clear(ctx); err != nil {
		t.Fatalf("clear: %v", err)
	}
	blob, err := s.Load(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if blob != nil {
		t.Errorf("blob = %v after clear, want nil", blob)
	}
}

func TestClear_Empty(t *testing.T) {
	s := openTestStore(t)
	if err := s.Clear(context.Background()); err != nil {
		t.Errorf("clearing an empty store: %v", err)
	}
}

func TestSavedAt(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	got, err := s.SavedAt(ctx)
	if err != nil {
		t.Fatalf("saved_at before save: %v", err)
	}
	if !got.IsZero() {
		t.Errorf("saved_at = %v before any save, want zero", got)
	}

	before := time.Now().Add(-time.Second)
	if err := s.Save(ctx, []byte("data")); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err = s.SavedAt(ctx)
	if err != nil {
		t.Fatalf("saved_at: %v", err)
	}
	if got.Before(before) || got.After(time.Now().Add(time.Second)) {
		t.Errorf("saved_at = %v, want roughly now", got)
	}
}

func TestOpen_CreatesDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "cache.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("open with missing parent dirs: %v", err)
	}
	defer s.Close()

	if err := s.Save(context.Background(), []byte("x")); err != nil {
		t.Errorf("save after nested open: %v", err)
	}
}
