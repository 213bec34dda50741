package session

// Store is the persistence abstraction for live sessions.
// The Manager serializes access; implementations need no locking.
type Store interface {
	Get(id string) (*Session, bool)
	Put(s *Session)
	Delete(id string)
	IDs() []string
}

// InMemoryStore is an in-memory implementation of Store.
type InMemoryStore struct {
	sessions map[string]*Session
}

// NewInMemoryStore returns a new empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{sessions: make(map[string]*Session)}
}

// Get implements Store.Get.
func (s *InMemoryStore) Get(id string) (*Session, bool) {
	sess, ok := s.sessions[id]
	return sess, ok
}

// Put implements Store.Put.
func (s *InMemoryStore) Put(sess *Session) {
	s.sessions[sess.ID] = sess
}

// Delete implements Store.Delete.
func (s *InMemoryStore) Delete(id string) {
	delete(s.sessions, id)
}

// IDs implements Store.IDs.
func (s *InMemoryStore) IDs() []string {
	ids := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	return ids
}
