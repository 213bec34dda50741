package session

import (
	"sort"
	"sync"

	"github.com/google/uuid"
)

// Manager is the concurrency-safe registry of sessions.
type Manager struct {
	mu       sync.RWMutex
	store    Store
	defaults Settings
}

// NewManager returns a manager backed by an in-memory store. defaults fill
// zero fields of the settings passed to Create.
func NewManager(defaults Settings) *Manager {
	return NewManagerWithStore(NewInMemoryStore(), defaults)
}

// NewManagerWithStore returns a manager using the given Store.
func NewManagerWithStore(store Store, defaults Settings) *Manager {
	return &Manager{store: store, defaults: defaults}
}

// Create registers a new empty session.
func (m *Manager) Create(settings Settings) *Session {
	sess := New(uuid.NewString(), m.withDefaults(settings))
	m.Add(sess)
	return sess
}

// Add registers an existing session, replacing one with the same ID.
func (m *Manager) Add(sess *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.store.Put(sess)
}

func (m *Manager) withDefaults(s Settings) Settings {
	if s.OutputFormat == "" {
		s.OutputFormat = m.defaults.OutputFormat
	}
	if s.Mode == "" {
		s.Mode = m.defaults.Mode
	}
	if s.ImageDuration <= 0 {
		s.ImageDuration = m.defaults.ImageDuration
	}
	return s
}

// Get returns the session with the given ID.
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sess, ok := m.store.Get(id)
	if !ok {
		return nil, ErrSessionNotFound
	}
	return sess, nil
}

// Delete forgets a session. Unknown IDs are ignored.
func (m *Manager) Delete(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.store.Delete(id)
}

// List returns all sessions ordered by creation time.
func (m *Manager) List() []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := m.store.IDs()
	out := make([]*Session, 0, len(ids))
	for _, id := range ids {
		if sess, ok := m.store.Get(id); ok {
			out = append(out, sess)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Count returns the number of sessions. Used for metrics.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.store.IDs())
}
