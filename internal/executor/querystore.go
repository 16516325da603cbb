package executor

import (
	"context"
	"errors"
	"sync"
)

// ErrQueryNotFound is returned by a QueryStore for an unknown document id.
var ErrQueryNotFound = errors.New("executor: persisted query not found")

// QueryStore looks up persisted query text by document id.
type QueryStore interface {
	Lookup(ctx context.Context, docID string) (string, error)
}

// MemoryQueryStore is an in-process QueryStore.
type MemoryQueryStore struct {
	mu      sync.RWMutex
	queries map[string]string
}

func NewMemoryQueryStore(queries map[string]string) *MemoryQueryStore {
	s := &MemoryQueryStore{queries: make(map[string]string, len(queries))}
	for id, q := range queries {
		s.queries[id] = q
	}
	return s
}

func (s *MemoryQueryStore) Put(docID, query string) {
	s.mu.Lock()
	s.queries[docID] = query
	s.mu.Unlock()
}

func (s *MemoryQueryStore) Lookup(_ context.Context, docID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	q, ok := s.queries[docID]
	if !ok {
		return "", ErrQueryNotFound
	}
	return q, nil
}
