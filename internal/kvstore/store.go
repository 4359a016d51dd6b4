package kvstore

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// HashStore is an in-memory string map driven by committed entries.
type HashStore struct {
	data map[string]string
	mu   sync.RWMutex
}

// New creates an empty store.
func New() *HashStore {
	return &HashStore{data: make(map[string]string)}
}

// Apply applies a committed entry. Set returns the stored value, Delete the
// removed one.
func (s *HashStore) Apply(e *Entry) ([]byte, error) {
	if e.Key == "" {
		return nil, ErrEmptyKey
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	switch e.Op {
	case OpSet:
		s.data[e.Key] = e.Value
		return []byte(e.Value), nil
	case OpDelete:
		old := s.data[e.Key]
		delete(s.data, e.Key)
		return []byte(old), nil
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownOp, e.Op)
	}
}

// Get returns the value stored under key.
func (s *HashStore) Get(key string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.data[key]
	return v, ok
}

// Len returns the number of keys.
func (s *HashStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}

// Keys returns the keys in sorted order.
func (s *HashStore) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.data))
	for k := range s.data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Snapshot encodes the whole map as JSON.
func (s *HashStore) Snapshot() ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return json.Marshal(s.data)
}

// Restore replaces the map with a snapshot. Empty data resets the store.
func (s *HashStore) Restore(data []byte) error {
	restored := make(map[string]string)
	if len(data) > 0 {
		if err := json.Unmarshal(data, &restored); err != nil {
			return fmt.Errorf("kvstore: restore: %w", err)
		}
	}

	s.mu.Lock()
	s.data = restored
	s.mu.Unlock()
	return nil
}
