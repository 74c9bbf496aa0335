package secrets

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory secret store for demo/development mode.
type MemoryStore struct {
	byTask map[string]*Secret
	mu     sync.RWMutex
}

// NewMemoryStore creates a new in-memory secret store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byTask: make(map[string]*Secret),
	}
}

func (m *MemoryStore) Create(ctx context.Context, s *Secret) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *s
	cp.Ciphertext = append([]byte(nil), s.Ciphertext...)
	m.byTask[s.TaskID] = &cp
	return nil
}

func (m *MemoryStore) GetByTask(ctx context.Context, taskID string) (*Secret, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.byTask[taskID]
	if !ok {
		return nil, ErrSecretNotFound
	}
	cp := *s
	cp.Ciphertext = append([]byte(nil), s.Ciphertext...)
	return &cp, nil
}

func (m *MemoryStore) MarkRevealed(ctx context.Context, taskID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.byTask[taskID]
	if !ok {
		return ErrSecretNotFound
	}
	if s.RevealedAt == nil {
		t := at
		s.RevealedAt = &t
	}
	return nil
}

func (m *MemoryStore) Prune(ctx context.Context, revealedBefore time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for taskID, s := range m.byTask {
		if s.RevealedAt != nil && s.RevealedAt.Before(revealedBefore) {
			delete(m.byTask, taskID)
			n++
		}
	}
	return n, nil
}
