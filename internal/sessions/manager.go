package sessions

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"

	"github.com/haasonsaas/nexus-core/internal/conversation"
	"github.com/haasonsaas/nexus-core/internal/errs"
	"github.com/haasonsaas/nexus-core/pkg/models"
)

// Defaults are applied to newly created sessions.
type Defaults struct {
	WorkingDir  string
	Provider    string
	Model       string
	Temperature float64
	// HistorySize bounds the navigation history of each tree.
	HistorySize int
}

// Manager owns the loaded sessions of a runtime and their persistence.
//
// At most one session is driving at a time; a driver holds the lease returned
// by Acquire for the duration of a turn. Writes to the store are serialised
// per session id.
type Manager struct {
	store    Store
	defaults Defaults
	logger   *slog.Logger
	locks    *writeLocks

	mu      sync.Mutex
	loaded  map[string]*Session
	driving string
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithLogger sets the manager logger.
func WithLogger(logger *slog.Logger) ManagerOption {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithDefaults sets the values applied to new sessions.
func WithDefaults(d Defaults) ManagerOption {
	return func(m *Manager) { m.defaults = d }
}

// NewManager creates a manager over store. A nil store keeps sessions in memory.
func NewManager(store Store, opts ...ManagerOption) *Manager {
	if store == nil {
		store = NewMemoryStore()
	}
	m := &Manager{
		store:  store,
		logger: slog.Default(),
		locks:  newWriteLocks(),
		loaded: make(map[string]*Session),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.defaults.HistorySize <= 0 {
		m.defaults.HistorySize = conversation.DefaultHistorySize
	}
	m.logger = m.logger.With("component", "sessions")
	return m
}

// Store returns the backing store.
func (m *Manager) Store() Store { return m.store }

// Create constructs a new session with an empty tree. It is not persisted
// until Save.
func (m *Manager) Create(name string) *Session {
	s := newSession(newSessionID(), name, conversation.New(conversation.WithHistorySize(m.defaults.HistorySize)))
	s.workingDir = m.defaults.WorkingDir
	s.provider = m.defaults.Provider
	s.model = m.defaults.Model
	s.temperature = m.defaults.Temperature
	s.dirty = true

	m.mu.Lock()
	m.loaded[s.ID] = s
	m.mu.Unlock()
	m.logger.Debug("session created", "session_id", s.ID, "name", name)
	return s
}

// Save writes the session to the store.
func (m *Manager) Save(ctx context.Context, s *Session) error {
	unlock, err := m.locks.lock(ctx, s.ID)
	if err != nil {
		return err
	}
	defer unlock()

	rec := s.record()
	if err := m.store.Put(ctx, rec); err != nil {
		s.markDirty()
		return errs.Wrapf(errs.KindOf(err), err, "save session %s", s.ID)
	}
	m.logger.Debug("session saved", "session_id", s.ID, "nodes", len(rec.Tree.Nodes))
	return nil
}

// Load returns the session with the given id, reading it from the store when
// it is not already loaded. The restored tree is checked against the
// conversation invariants.
func (m *Manager) Load(ctx context.Context, id string) (*Session, error) {
	m.mu.Lock()
	if s, ok := m.loaded[id]; ok {
		m.mu.Unlock()
		return s, nil
	}
	m.mu.Unlock()

	rec, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	s, err := fromRecord(rec, m.defaults.HistorySize)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.loaded[id]; ok {
		return existing, nil
	}
	m.loaded[id] = s
	m.logger.Debug("session loaded", "session_id", id, "nodes", s.tree.Len())
	return s, nil
}

// List returns the ids of all known sessions, stored or loaded, most recently
// active first.
func (m *Manager) List(ctx context.Context) ([]string, error) {
	infos, err := m.ListInfo(ctx)
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(infos))
	for i, info := range infos {
		ids[i] = info.ID
	}
	return ids, nil
}

// ListInfo is List with summaries. Loaded sessions report their live state.
func (m *Manager) ListInfo(ctx context.Context) ([]models.SessionInfo, error) {
	stored, err := m.store.List(ctx)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]models.SessionInfo, len(stored))
	for _, info := range stored {
		byID[info.ID] = info
	}
	m.mu.Lock()
	for id, s := range m.loaded {
		byID[id] = s.Info()
	}
	m.mu.Unlock()

	infos := make([]models.SessionInfo, 0, len(byID))
	for _, info := range byID {
		infos = append(infos, info)
	}
	sort.Slice(infos, func(i, j int) bool {
		if !infos[i].LastActive.Equal(infos[j].LastActive) {
			return infos[i].LastActive.After(infos[j].LastActive)
		}
		return infos[i].ID < infos[j].ID
	})
	return infos, nil
}

// Get returns a loaded session without touching the store.
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.loaded[id]
	return s, ok
}

// Loaded returns the loaded sessions in id order.
func (m *Manager) Loaded() []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Session, 0, len(m.loaded))
	for _, s := range m.loaded {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Close saves the session if it has unsaved changes and unloads it. A driving
// session cannot be closed.
func (m *Manager) Close(ctx context.Context, s *Session) error {
	m.mu.Lock()
	if m.driving == s.ID {
		m.mu.Unlock()
		return errs.Newf(errs.InvalidState, "session %s is driving", s.ID)
	}
	m.mu.Unlock()

	if s.Dirty() {
		if err := m.Save(ctx, s); err != nil {
			return err
		}
	}

	m.mu.Lock()
	if m.loaded[s.ID] == s {
		delete(m.loaded, s.ID)
	}
	m.mu.Unlock()
	m.logger.Debug("session closed", "session_id", s.ID)
	return nil
}

// Delete unloads the session and removes it from the store.
func (m *Manager) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	if m.driving == id {
		m.mu.Unlock()
		return errs.Newf(errs.InvalidState, "session %s is driving", id)
	}
	_, wasLoaded := m.loaded[id]
	delete(m.loaded, id)
	m.mu.Unlock()

	unlock, err := m.locks.lock(ctx, id)
	if err != nil {
		return err
	}
	defer unlock()

	err = m.store.Delete(ctx, id)
	if errs.Is(err, errs.NotFound) && wasLoaded {
		err = nil
	}
	if err != nil {
		return err
	}
	m.logger.Info("session deleted", "session_id", id)
	return nil
}

// Acquire makes s the driving session. The returned release function ends
// the lease and is idempotent. Acquiring while another session drives fails
// with InvalidState.
func (m *Manager) Acquire(s *Session) (release func(), err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.driving != "" {
		if m.driving == s.ID {
			return nil, errs.Newf(errs.InvalidState, "session %s is already driving", s.ID)
		}
		return nil, errs.Newf(errs.InvalidState, "session %s is driving", m.driving)
	}
	if _, ok := m.loaded[s.ID]; !ok {
		m.loaded[s.ID] = s
	}
	m.driving = s.ID

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			if m.driving == s.ID {
				m.driving = ""
			}
			m.mu.Unlock()
		})
	}, nil
}

// Driving returns the id of the driving session, if any.
func (m *Manager) Driving() (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.driving, m.driving != ""
}

// SaveDirty saves every loaded session with unsaved changes and returns the
// number saved. The driving session is skipped until its turn releases it, so
// a half-finished turn is never persisted.
func (m *Manager) SaveDirty(ctx context.Context) (int, error) {
	var (
		saved    int
		saveErrs []error
	)
	driving, _ := m.Driving()
	for _, s := range m.Loaded() {
		if !s.Dirty() || s.ID == driving {
			continue
		}
		if err := m.Save(ctx, s); err != nil {
			saveErrs = append(saveErrs, err)
			continue
		}
		saved++
	}
	return saved, errors.Join(saveErrs...)
}

// Shutdown saves dirty sessions and closes the store.
func (m *Manager) Shutdown(ctx context.Context) error {
	_, saveErr := m.SaveDirty(ctx)
	return errors.Join(saveErr, m.store.Close())
}
