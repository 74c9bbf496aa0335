package arbitration

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-memory dispute store for tests and single-node
// development.
type MemoryStore struct {
	mu       sync.RWMutex
	disputes map[string]*Dispute
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{disputes: make(map[string]*Dispute)}
}

func (m *MemoryStore) Create(_ context.Context, d *Dispute) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.disputes[d.ID] = copyDispute(d)
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Dispute, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.disputes[id]
	if !ok {
		return nil, ErrDisputeNotFound
	}
	return copyDispute(d), nil
}

func (m *MemoryStore) Update(_ context.Context, d *Dispute) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.disputes[d.ID]; !ok {
		return ErrDisputeNotFound
	}
	m.disputes[d.ID] = copyDispute(d)
	return nil
}

func (m *MemoryStore) ListPendingByPeer(_ context.Context, peerAddr string) ([]*Dispute, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Dispute
	for _, d := range m.disputes {
		if d.Outcome != OutcomePending {
			continue
		}
		if d.Filer == peerAddr || d.Respondent == peerAddr {
			out = append(out, copyDispute(d))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) ListByObligation(_ context.Context, obligationID string) ([]*Dispute, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Dispute
	for _, d := range m.disputes {
		if d.ObligationID == obligationID {
			out = append(out, copyDispute(d))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func copyDispute(d *Dispute) *Dispute {
	cp := *d
	cp.Panel = append([]string(nil), d.Panel...)
	cp.Votes = make(map[string]Vote, len(d.Votes))
	for k, v := range d.Votes {
		cp.Votes[k] = v
	}
	if d.ResolvedAt != nil {
		t := *d.ResolvedAt
		cp.ResolvedAt = &t
	}
	return &cp
}
