package docstore

import (
	"context"
	"sync"
)

// MemoryStore is an in-memory Store for testing and embedded use.
type MemoryStore struct {
	mu     sync.RWMutex
	items  map[Key][]byte
	closed bool
}

// Compile-time interface check.
var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory document store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: make(map[Key][]byte)}
}

// Get implements Store.
func (s *MemoryStore) Get(_ context.Context, pk, sk string) (*Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}

	body, ok := s.items[Key{PK: pk, SK: sk}]
	if !ok {
		return nil, ErrNotFound
	}
	cp := make([]byte, len(body))
	copy(cp, body)
	return &Item{PK: pk, SK: sk, Body: cp}, nil
}

// BatchGet implements Store.
func (s *MemoryStore) BatchGet(_ context.Context, keys []Key) ([]Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}

	var items []Item
	for _, k := range keys {
		if body, ok := s.items[k]; ok {
			cp := make([]byte, len(body))
			copy(cp, body)
			items = append(items, Item{PK: k.PK, SK: k.SK, Body: cp})
		}
	}
	return items, nil
}

// Put implements Store.
func (s *MemoryStore) Put(_ context.Context, item *Item) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}

	cp := make([]byte, len(item.Body))
	copy(cp, item.Body)
	s.items[Key{PK: item.PK, SK: item.SK}] = cp
	return nil
}

// Delete implements Store.
func (s *MemoryStore) Delete(_ context.Context, pk, sk string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}

	delete(s.items, Key{PK: pk, SK: sk})
	return nil
}

// Close implements Store.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
