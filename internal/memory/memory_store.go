package memory

import (
	"context"
	"io"
	"sync"

	"github.com/haasonsaas/nexus-core/internal/errs"
	"github.com/haasonsaas/nexus-core/pkg/models"
)

// MemoryStore keeps entries in process memory.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]models.MemoryEntry
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]models.MemoryEntry)}
}

func (m *MemoryStore) Store(ctx context.Context, entry models.MemoryEntry) (models.MemoryEntry, error) {
	if err := errs.FromContext(ctx, "memory.Store"); err != nil {
		return models.MemoryEntry{}, err
	}
	entry, err := prepare(entry)
	if err != nil {
		return models.MemoryEntry{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if prev, ok := m.entries[entry.Key]; ok && entry.ID != prev.ID {
		entry.ID = prev.ID
	}
	m.entries[entry.Key] = entry
	return entry, nil
}

func (m *MemoryStore) Recall(ctx context.Context, key string) (models.MemoryEntry, error) {
	if err := errs.FromContext(ctx, "memory.Recall"); err != nil {
		return models.MemoryEntry{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[key]
	if !ok {
		return models.MemoryEntry{}, notFound(key)
	}
	return e, nil
}

func (m *MemoryStore) Search(ctx context.Context, query string, opts models.MemorySearchOptions) ([]models.MemoryEntry, error) {
	if err := errs.FromContext(ctx, "memory.Search"); err != nil {
		return nil, err
	}
	return rank(query, m.all(), opts), nil
}

func (m *MemoryStore) Forget(ctx context.Context, key string) (bool, error) {
	if err := errs.FromContext(ctx, "memory.Forget"); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.entries[key]
	delete(m.entries, key)
	return ok, nil
}

func (m *MemoryStore) Backup(ctx context.Context, w io.Writer) error {
	return writeBackup(ctx, w, m.all())
}

func (m *MemoryStore) Restore(ctx context.Context, r io.Reader) (int, error) {
	return readBackup(ctx, r, func(e models.MemoryEntry) error {
		_, err := m.Store(ctx, e)
		return err
	})
}

func (m *MemoryStore) Close() error { return nil }

func (m *MemoryStore) all() []models.MemoryEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.MemoryEntry, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, e)
	}
	sortByKey(out)
	return out
}
