// Package sessions manages the lifecycle and persistence of conversation
// sessions.
package sessions

import (
	"encoding/json"
	"maps"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/nexus-core/internal/conversation"
	"github.com/haasonsaas/nexus-core/internal/errs"
	"github.com/haasonsaas/nexus-core/pkg/models"
)

// interruptedResult answers tool calls left open by a turn that never
// finished.
const interruptedResult = "interrupted: the turn ended before this tool call completed"

// Session is a named conversation tree plus the settings a turn runs with.
//
// The tree is safe for concurrent reads; a session is driven by one goroutine
// at a time (see Manager.Acquire). Metadata accessors are safe for concurrent
// use so that listings can read a session mid-turn.
type Session struct {
	ID        string
	CreatedAt time.Time

	tree *conversation.Tree

	mu          sync.Mutex
	name        string
	workingDir  string
	provider    string
	model       string
	temperature float64
	preferences map[string]string
	usage       models.TokenUsage
	lastActive  time.Time
	dirty       bool
}

func newSession(id, name string, tree *conversation.Tree) *Session {
	now := time.Now().Round(0)
	return &Session{
		ID:          id,
		CreatedAt:   now,
		tree:        tree,
		name:        name,
		preferences: make(map[string]string),
		lastActive:  now,
	}
}

// Tree returns the session's conversation tree.
func (s *Session) Tree() *conversation.Tree { return s.tree }

func (s *Session) Name() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.name
}

func (s *Session) SetName(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.name = name
	s.dirty = true
}

func (s *Session) WorkingDir() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.workingDir
}

func (s *Session) SetWorkingDir(dir string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.workingDir = dir
	s.dirty = true
}

// Provider returns the provider name pinned to the session, if any.
func (s *Session) Provider() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.provider
}

// Model returns the model name pinned to the session, if any.
func (s *Session) Model() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.model
}

// SetProvider pins the provider and model used for this session's turns.
// Empty values fall back to the runtime defaults.
func (s *Session) SetProvider(provider, model string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.provider = provider
	s.model = model
	s.dirty = true
}

func (s *Session) Temperature() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.temperature
}

func (s *Session) SetTemperature(t float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.temperature = t
	s.dirty = true
}

// Preferences returns a copy of the session preferences.
func (s *Session) Preferences() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return maps.Clone(s.preferences)
}

// SetPreference sets a preference; an empty value removes it.
func (s *Session) SetPreference(key, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if value == "" {
		delete(s.preferences, key)
	} else {
		s.preferences[key] = value
	}
	s.dirty = true
}

// Usage returns the aggregate token usage of the session.
func (s *Session) Usage() models.TokenUsage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.usage
}

// RecordUsage adds provider-reported token counts.
func (s *Session) RecordUsage(input, output int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.usage.Add(input, output)
	s.dirty = true
}

// LastActive returns the time of the last Touch.
func (s *Session) LastActive() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActive
}

// Touch marks the session active now and dirty.
func (s *Session) Touch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActive = time.Now().Round(0)
	s.dirty = true
}

// Dirty reports whether the session changed since it was last saved.
func (s *Session) Dirty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dirty
}

// Info summarises the session for listings.
func (s *Session) Info() models.SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return models.SessionInfo{
		ID:         s.ID,
		Name:       s.name,
		Provider:   s.provider,
		Model:      s.model,
		NodeCount:  s.tree.Len(),
		CreatedAt:  s.CreatedAt,
		LastActive: s.lastActive,
	}
}

// recordVersion is the current persisted document version.
const recordVersion = 1

// Record is the persisted form of a session.
type Record struct {
	Version     int                   `json:"version"`
	ID          string                `json:"id"`
	Name        string                `json:"name"`
	WorkingDir  string                `json:"working_dir,omitempty"`
	Provider    string                `json:"provider,omitempty"`
	Model       string                `json:"model,omitempty"`
	Temperature float64               `json:"temperature,omitempty"`
	Preferences map[string]string     `json:"preferences,omitempty"`
	Usage       models.TokenUsage     `json:"usage"`
	CreatedAt   time.Time             `json:"created_at"`
	LastActive  time.Time             `json:"last_active"`
	Tree        conversation.Snapshot `json:"tree"`
}

// Info summarises the record for listings.
func (r *Record) Info() models.SessionInfo {
	return models.SessionInfo{
		ID:         r.ID,
		Name:       r.Name,
		Provider:   r.Provider,
		Model:      r.Model,
		NodeCount:  len(r.Tree.Nodes),
		CreatedAt:  r.CreatedAt,
		LastActive: r.LastActive,
	}
}

// record snapshots the session and clears its dirty flag. Callers re-mark the
// session dirty when the write fails.
func (s *Session) record() *Record {
	s.mu.Lock()
	rec := &Record{
		Version:     recordVersion,
		ID:          s.ID,
		Name:        s.name,
		WorkingDir:  s.workingDir,
		Provider:    s.provider,
		Model:       s.model,
		Temperature: s.temperature,
		Preferences: maps.Clone(s.preferences),
		Usage:       s.usage,
		CreatedAt:   s.CreatedAt,
		LastActive:  s.lastActive,
	}
	s.dirty = false
	s.mu.Unlock()
	rec.Tree = s.tree.Snapshot()
	return rec
}

func (s *Session) markDirty() {
	s.mu.Lock()
	s.dirty = true
	s.mu.Unlock()
}

// fromRecord rebuilds a session, verifying the tree invariants.
func fromRecord(rec *Record, historySize int) (*Session, error) {
	if rec.ID == "" {
		return nil, errs.New(errs.StateParse, "session record has no id")
	}
	if rec.Version > recordVersion {
		return nil, errs.Newf(errs.StateParse, "session %s: unsupported record version %d", rec.ID, rec.Version)
	}
	tree, err := conversation.Restore(rec.Tree, conversation.WithHistorySize(historySize))
	if err != nil {
		return nil, errs.Wrapf(errs.StateParse, err, "session %s", rec.ID)
	}
	// A record saved mid-turn can end on tool calls that never got results.
	repaired, err := tree.AnswerOpenCalls(interruptedResult)
	if err != nil {
		return nil, errs.Wrapf(errs.StateParse, err, "session %s", rec.ID)
	}
	s := newSession(rec.ID, rec.Name, tree)
	s.CreatedAt = rec.CreatedAt
	s.lastActive = rec.LastActive
	s.workingDir = rec.WorkingDir
	s.provider = rec.Provider
	s.model = rec.Model
	s.temperature = rec.Temperature
	s.usage = rec.Usage
	if rec.Preferences != nil {
		s.preferences = maps.Clone(rec.Preferences)
	}
	if repaired > 0 {
		s.dirty = true
	}
	return s, nil
}

// EncodeRecord serialises a record as JSON.
func EncodeRecord(rec *Record) ([]byte, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, errs.Wrapf(errs.InvalidArgument, err, "encode session %s", rec.ID)
	}
	return data, nil
}

// DecodeRecord parses a JSON record.
func DecodeRecord(data []byte) (*Record, error) {
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, errs.Wrap(errs.StateParse, err, "decode session record")
	}
	return &rec, nil
}

func newSessionID() string {
	return uuid.NewString()
}
