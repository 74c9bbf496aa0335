package netting

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-memory proposal store for tests and single-node
// development.
type MemoryStore struct {
	mu        sync.RWMutex
	proposals map[string]*Proposal
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{proposals: make(map[string]*Proposal)}
}

func (m *MemoryStore) CreateProposal(_ context.Context, p *Proposal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.proposals[p.ID] = copyProposal(p)
	return nil
}

func (m *MemoryStore) GetProposal(_ context.Context, id string) (*Proposal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.proposals[id]
	if !ok {
		return nil, ErrProposalNotFound
	}
	return copyProposal(p), nil
}

func (m *MemoryStore) UpdateProposal(_ context.Context, p *Proposal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.proposals[p.ID]; !ok {
		return ErrProposalNotFound
	}
	m.proposals[p.ID] = copyProposal(p)
	return nil
}

func (m *MemoryStore) ListOpenProposals(_ context.Context) ([]*Proposal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Proposal
	for _, p := range m.proposals {
		if p.Status == ProposalOpen {
			out = append(out, copyProposal(p))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func copyProposal(p *Proposal) *Proposal {
	cp := *p
	cp.Participants = append([]string(nil), p.Participants...)
	cp.ObligationIDs = append([]string(nil), p.ObligationIDs...)
	cp.TicketIDs = append([]string(nil), p.TicketIDs...)
	cp.Acks = make(map[string]string, len(p.Acks))
	for k, v := range p.Acks {
		cp.Acks[k] = v
	}
	return &cp
}
