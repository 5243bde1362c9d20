package sessions

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/haasonsaas/nexus-core/internal/errs"
)

func testRecord(t *testing.T, name string, lastActive time.Time) *Record {
	t.Helper()
	s := NewManager(nil).Create(name)
	buildBranchedSession(t, s)
	rec := s.record()
	rec.LastActive = lastActive
	return rec
}

// exerciseStore runs the behaviour every Store implementation shares.
func exerciseStore(t *testing.T, store Store) {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	older := testRecord(t, "older", now.Add(-time.Hour))
	newer := testRecord(t, "newer", now)

	for _, rec := range []*Record{older, newer} {
		if err := store.Put(ctx, rec); err != nil {
			t.Fatalf("put %s: %v", rec.Name, err)
		}
	}

	got, err := store.Get(ctx, older.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Name != "older" || len(got.Tree.Nodes) != len(older.Tree.Nodes) || got.Tree.CursorID != older.Tree.CursorID {
		t.Fatalf("get returned %+v", got.Info())
	}

	older.Name = "renamed"
	if err := store.Put(ctx, older); err != nil {
		t.Fatalf("replace: %v", err)
	}

	infos, err := store.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(infos) != 2 {
		t.Fatalf("list len = %d, want 2", len(infos))
	}
	if infos[0].ID != newer.ID || infos[1].Name != "renamed" {
		t.Fatalf("list order/name wrong: %+v", infos)
	}
	if infos[1].NodeCount != len(older.Tree.Nodes) {
		t.Fatalf("node count = %d, want %d", infos[1].NodeCount, len(older.Tree.Nodes))
	}

	if err := store.Delete(ctx, older.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := store.Get(ctx, older.ID); !errs.Is(err, errs.NotFound) {
		t.Fatalf("get deleted: expected NotFound, got %v", err)
	}
	if err := store.Delete(ctx, older.ID); !errs.Is(err, errs.NotFound) {
		t.Fatalf("delete twice: expected NotFound, got %v", err)
	}
}

func TestMemoryStore(t *testing.T) {
	exerciseStore(t, NewMemoryStore())
}

func TestFileStore(t *testing.T) {
	store, err := NewFileStore(filepath.Join(t.TempDir(), "sessions"))
	if err != nil {
		t.Fatalf("new file store: %v", err)
	}
	exerciseStore(t, store)
}

func TestFileStoreRejectsPathIDs(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("new file store: %v", err)
	}
	for _, id := range []string{"", "..", "a/b", `a\b`} {
		if _, err := store.Get(context.Background(), id); !errs.Is(err, errs.InvalidArgument) {
			t.Errorf("id %q: expected InvalidArgument, got %v", id, err)
		}
	}
}

func TestFileStoreCorruptDocument(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(dir)
	if err != nil {
		t.Fatalf("new file store: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "bad.json"), []byte("{not json"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := store.Get(context.Background(), "bad"); !errs.Is(err, errs.StateParse) {
		t.Fatalf("expected StateParse, got %v", err)
	}
}

func TestSQLiteStore(t *testing.T) {
	store, err := OpenSQLiteStore(filepath.Join(t.TempDir(), "sessions.db"))
	if err != nil {
		t.Fatalf("open sqlite store: %v", err)
	}
	defer store.Close()
	exerciseStore(t, store)
}

func TestDecodeRecordRejectsNewerVersion(t *testing.T) {
	rec := testRecord(t, "x", time.Now())
	rec.Version = recordVersion + 1
	if _, err := fromRecord(rec, 0); !errs.Is(err, errs.StateParse) {
		t.Fatalf("expected StateParse, got %v", err)
	}
}
