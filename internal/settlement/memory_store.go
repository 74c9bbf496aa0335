package settlement

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory obligation store for tests and
// single-node development.
type MemoryStore struct {
	mu          sync.RWMutex
	obligations map[string]*Obligation
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{obligations: make(map[string]*Obligation)}
}

func (m *MemoryStore) Create(_ context.Context, o *Obligation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *o
	m.obligations[o.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Obligation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.obligations[id]
	if !ok {
		return nil, ErrObligationNotFound
	}
	cp := *o
	return &cp, nil
}

func (m *MemoryStore) UpdateStatus(_ context.Context, id string, from, to Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.obligations[id]
	if !ok {
		return ErrObligationNotFound
	}
	if o.Status != from {
		return ErrBadTransition
	}
	o.Status = to
	o.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) ListByWindow(_ context.Context, windowID string, statuses []Status) ([]*Obligation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Obligation
	for _, o := range m.obligations {
		if o.WindowID != windowID {
			continue
		}
		if len(statuses) > 0 && !statusIn(o.Status, statuses) {
			continue
		}
		cp := *o
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) ListByPeer(_ context.Context, peerAddr string, limit int) ([]*Obligation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Obligation
	for _, o := range m.obligations {
		if o.FromPeer != peerAddr && o.ToPeer != peerAddr {
			continue
		}
		cp := *o
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func statusIn(s Status, set []Status) bool {
	for _, c := range set {
		if s == c {
			return true
		}
	}
	return false
}
