package documents

import (
	"context"
	"sync"

	"github.com/spherify/collab/internal/delta"
)

// MemoryStore keeps documents in process memory. Content is lost on restart.
type MemoryStore struct {
	mu        sync.RWMutex
	documents map[string]delta.Delta
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{documents: make(map[string]delta.Delta)}
}

func (s *MemoryStore) Load(_ context.Context, documentID string) (delta.Delta, error) {
	id, err := normalizeDocumentID(documentID)
	if err != nil {
		return delta.Delta{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	content, ok := s.documents[id]
	if !ok {
		return delta.Empty(), nil
	}
	return content.Clone(), nil
}

func (s *MemoryStore) Save(_ context.Context, documentID string, content delta.Delta) error {
	id, err := normalizeDocumentID(documentID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.documents[id] = content.Clone()
	return nil
}
