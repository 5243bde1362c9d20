package sessions

import (
	"context"
	"slices"
	"sync"

	"github.com/haasonsaas/nexus-core/internal/errs"
	"github.com/haasonsaas/nexus-core/pkg/models"
)

// ErrSessionNotFound is matched by errors.Is for lookups of unknown session ids.
var ErrSessionNotFound = errs.KindError(errs.NotFound)

// Store persists session records.
type Store interface {
	// Put inserts or replaces the record with the same id.
	Put(ctx context.Context, rec *Record) error
	// Get returns the record with the given id, or a NotFound error.
	Get(ctx context.Context, id string) (*Record, error)
	// List returns summaries of all records, most recently active first.
	List(ctx context.Context) ([]models.SessionInfo, error)
	// Delete removes the record. Deleting an unknown id is a NotFound error.
	Delete(ctx context.Context, id string) error
	Close() error
}

func notFound(id string) error {
	return errs.Newf(errs.NotFound, "session %q not found", id)
}

func sortInfos(infos []models.SessionInfo) {
	slices.SortFunc(infos, func(a, b models.SessionInfo) int {
		if c := b.LastActive.Compare(a.LastActive); c != 0 {
			return c
		}
		if a.ID < b.ID {
			return -1
		}
		if a.ID > b.ID {
			return 1
		}
		return 0
	})
}

// MemoryStore keeps encoded records in memory.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string][]byte
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string][]byte)}
}

func (m *MemoryStore) Put(ctx context.Context, rec *Record) error {
	if err := errs.FromContext(ctx, "sessions.put"); err != nil {
		return err
	}
	data, err := EncodeRecord(rec)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.records[rec.ID] = data
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Record, error) {
	m.mu.RLock()
	data, ok := m.records[id]
	m.mu.RUnlock()
	if !ok {
		return nil, notFound(id)
	}
	return DecodeRecord(data)
}

func (m *MemoryStore) List(ctx context.Context) ([]models.SessionInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	infos := make([]models.SessionInfo, 0, len(m.records))
	for _, data := range m.records {
		rec, err := DecodeRecord(data)
		if err != nil {
			return nil, err
		}
		infos = append(infos, rec.Info())
	}
	sortInfos(infos)
	return infos, nil
}

func (m *MemoryStore) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[id]; !ok {
		return notFound(id)
	}
	delete(m.records, id)
	return nil
}

func (m *MemoryStore) Close() error { return nil }
