package bonds

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-memory bond store for tests and single-node
// development.
type MemoryStore struct {
	mu    sync.RWMutex
	bonds map[string]*Bond
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{bonds: make(map[string]*Bond)}
}

func (m *MemoryStore) Get(_ context.Context, peerAddr string) (*Bond, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.bonds[peerAddr]
	if !ok {
		return nil, ErrBondNotFound
	}
	return copyBond(b), nil
}

func (m *MemoryStore) Put(_ context.Context, b *Bond) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bonds[b.PeerAddr] = copyBond(b)
	return nil
}

func (m *MemoryStore) ListActive(_ context.Context) ([]*Bond, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Bond
	for _, b := range m.bonds {
		if b.Status == BondActive {
			out = append(out, copyBond(b))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PeerAddr < out[j].PeerAddr })
	return out, nil
}

func copyBond(b *Bond) *Bond {
	cp := *b
	if b.UnlockRequestedAt != nil {
		t := *b.UnlockRequestedAt
		cp.UnlockRequestedAt = &t
	}
	return &cp
}
