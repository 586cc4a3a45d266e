package streaming

import (
	"sort"
	"sync"
)

// Store holds the live operations of one Manager.
type Store interface {
	// Create adds op. It fails with ErrOperationExists if the id is live.
	Create(op *Operation) error
	Get(id string) (*Operation, bool)
	// Delete removes id and reports whether it was present.
	Delete(id string) bool
	// List returns the live operations ordered by id.
	List() []*Operation
	Len() int
}

// MemoryStore is a Store backed by a map.
type MemoryStore struct {
	mu  sync.RWMutex
	ops map[string]*Operation
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{ops: make(map[string]*Operation)}
}

func (s *MemoryStore) Create(op *Operation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.ops[op.ID]; exists {
		return existsError(op.ID)
	}
	s.ops[op.ID] = op
	return nil
}

func (s *MemoryStore) Get(id string) (*Operation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	op, ok := s.ops[id]
	return op, ok
}

func (s *MemoryStore) Delete(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.ops[id]
	delete(s.ops, id)
	return ok
}

func (s *MemoryStore) List() []*Operation {
	s.mu.RLock()
	out := make([]*Operation, 0, len(s.ops))
	for _, op := range s.ops {
		out = append(out, op)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.ops)
}
