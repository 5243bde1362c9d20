package memory

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/haasonsaas/nexus-core/internal/errs"
	"github.com/haasonsaas/nexus-core/pkg/models"
)

func openStores(t *testing.T) map[string]Store {
	t.Helper()
	sqlite, err := OpenSQLiteStore(SQLiteConfig{Path: filepath.Join(t.TempDir(), "memory.db")})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { sqlite.Close() })
	return map[string]Store{
		"memory": NewMemoryStore(),
		"sqlite": sqlite,
	}
}

func TestStoreContract(t *testing.T) {
	for name, store := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			first, err := store.Store(ctx, models.MemoryEntry{Key: "editor", Content: "User prefers vim keybindings"})
			if err != nil {
				t.Fatalf("store: %v", err)
			}
			if first.ID == "" || first.Category != models.MemoryCore || first.Timestamp.IsZero() {
				t.Fatalf("defaults not applied: %+v", first)
			}

			updated, err := store.Store(ctx, models.MemoryEntry{Key: "editor", Content: "User prefers helix", Category: models.MemoryCustom})
			if err != nil {
				t.Fatalf("update: %v", err)
			}
			if updated.ID != first.ID {
				t.Fatalf("upsert changed id %q -> %q", first.ID, updated.ID)
			}

			got, err := store.Recall(ctx, "editor")
			if err != nil {
				t.Fatalf("recall: %v", err)
			}
			if got.Content != "User prefers helix" || got.Category != models.MemoryCustom {
				t.Fatalf("recall = %+v", got)
			}

			if _, err := store.Recall(ctx, "missing"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("expected ErrNotFound, got %v", err)
			}

			existed, err := store.Forget(ctx, "editor")
			if err != nil || !existed {
				t.Fatalf("forget = %v, %v", existed, err)
			}
			existed, err = store.Forget(ctx, "editor")
			if err != nil || existed {
				t.Fatalf("second forget = %v, %v", existed, err)
			}
		})
	}
}

func TestStoreValidation(t *testing.T) {
	for name, store := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			if _, err := store.Store(ctx, models.MemoryEntry{Key: "  "}); !errs.Is(err, errs.InvalidArgument) {
				t.Fatalf("empty key: expected InvalidArgument, got %v", err)
			}
			if _, err := store.Store(ctx, models.MemoryEntry{Key: "k", Category: "weekly"}); !errs.Is(err, errs.InvalidArgument) {
				t.Fatalf("bad category: expected InvalidArgument, got %v", err)
			}
		})
	}
}

func TestSearch(t *testing.T) {
	for name, store := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
			seed := []models.MemoryEntry{
				{Key: "go-version", Content: "Project uses Go 1.24", Category: models.MemoryCore, Timestamp: base},
				{Key: "deploy", Content: "Deploys go through staging first", Category: models.MemoryDaily, Timestamp: base.Add(time.Hour)},
				{Key: "lunch", Content: "Sandwich at noon", Category: models.MemoryDaily, SessionID: "s1", Timestamp: base.Add(2 * time.Hour)},
			}
			for _, e := range seed {
				if _, err := store.Store(ctx, e); err != nil {
					t.Fatalf("store %s: %v", e.Key, err)
				}
			}

			tests := []struct {
				name  string
				query string
				opts  models.MemorySearchOptions
				want  []string
			}{
				{name: "key match ranks first", query: "go version", want: []string{"go-version", "deploy"}},
				{name: "category filter", query: "go", opts: models.MemorySearchOptions{Category: models.MemoryDaily}, want: []string{"deploy"}},
				{name: "session filter", query: "", opts: models.MemorySearchOptions{SessionID: "s1"}, want: []string{"lunch"}},
				{name: "limit", query: "", opts: models.MemorySearchOptions{Limit: 2}, want: []string{"lunch", "deploy"}},
				{name: "no match", query: "kubernetes", want: nil},
			}
			for _, tt := range tests {
				t.Run(tt.name, func(t *testing.T) {
					got, err := store.Search(ctx, tt.query, tt.opts)
					if err != nil {
						t.Fatalf("search: %v", err)
					}
					var keys []string
					for _, e := range got {
						keys = append(keys, e.Key)
					}
					if strings.Join(keys, ",") != strings.Join(tt.want, ",") {
						t.Fatalf("search(%q) = %v, want %v", tt.query, keys, tt.want)
					}
				})
			}
		})
	}
}

func TestBackupRestore(t *testing.T) {
	for name, store := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			for _, key := range []string{"a", "b", "c"} {
				if _, err := store.Store(ctx, models.MemoryEntry{Key: key, Content: "content " + key}); err != nil {
					t.Fatalf("store: %v", err)
				}
			}
			var buf bytes.Buffer
			if err := store.Backup(ctx, &buf); err != nil {
				t.Fatalf("backup: %v", err)
			}
			if lines := strings.Count(buf.String(), "\n"); lines != 3 {
				t.Fatalf("backup has %d lines, want 3", lines)
			}

			target := NewMemoryStore()
			n, err := target.Restore(ctx, bytes.NewReader(buf.Bytes()))
			if err != nil || n != 3 {
				t.Fatalf("restore = %d, %v", n, err)
			}
			got, err := target.Recall(ctx, "b")
			if err != nil || got.Content != "content b" {
				t.Fatalf("restored entry = %+v, %v", got, err)
			}
		})
	}
}

func TestRestoreRejectsMalformedBackup(t *testing.T) {
	for name, store := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			_, err := store.Restore(context.Background(), strings.NewReader("{\"key\":\"ok\",\"content\":\"x\"}\nnot json\n"))
			if !errs.Is(err, errs.StateParse) {
				t.Fatalf("expected StateParse, got %v", err)
			}
		})
	}
}
