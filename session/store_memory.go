package session

import "sync"

// MemoryStore is a thread-safe in-memory Store.
// Slots are lost when the process exits.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[Key]string
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[Key]string)}
}

func (s *MemoryStore) Get(key Key) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.data[key]
	if !ok || v == "" {
		return "", ErrSlotEmpty
	}
	return v, nil
}

func (s *MemoryStore) Commit(changes ...Change) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range changes {
		if c.Clear {
			delete(s.data, c.Key)
			continue
		}
		s.data[c.Key] = c.Value
	}
	return nil
}
