package tickets

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory ticket store for demo/development mode.
type MemoryStore struct {
	tickets  map[string]*Ticket
	receipts map[string][]*TransitionReceipt
	mu       sync.RWMutex
}

// NewMemoryStore creates a new in-memory ticket store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tickets:  make(map[string]*Ticket),
		receipts: make(map[string][]*TransitionReceipt),
	}
}

func (m *MemoryStore) Create(ctx context.Context, t *Ticket) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *t
	m.tickets[t.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Ticket, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tickets[id]
	if !ok {
		return nil, ErrTicketNotFound
	}
	cp := *t
	return &cp, nil
}

func (m *MemoryStore) Update(ctx context.Context, t *Ticket) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tickets[t.ID]; !ok {
		return ErrTicketNotFound
	}
	cp := *t
	m.tickets[t.ID] = &cp
	return nil
}

func (m *MemoryStore) ListByPeer(ctx context.Context, peerAddr string, limit int) ([]*Ticket, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Ticket
	for _, t := range m.tickets {
		if t.Payer == peerAddr || t.Payee == peerAddr {
			cp := *t
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) ListByGroup(ctx context.Context, groupID string) ([]*Ticket, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Ticket
	for _, t := range m.tickets {
		if t.GroupID != "" && t.GroupID == groupID {
			cp := *t
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

func (m *MemoryStore) ListExpired(ctx context.Context, before time.Time, limit int) ([]*Ticket, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Ticket
	for _, t := range m.tickets {
		if t.Status == StatusPending && !before.Before(t.Condition.Timelock) {
			cp := *t
			out = append(out, &cp)
			if len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (m *MemoryStore) AppendReceipt(ctx context.Context, r *TransitionReceipt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *r
	m.receipts[r.TicketID] = append(m.receipts[r.TicketID], &cp)
	return nil
}

func (m *MemoryStore) ListReceipts(ctx context.Context, ticketID string) ([]*TransitionReceipt, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	chain := m.receipts[ticketID]
	out := make([]*TransitionReceipt, len(chain))
	for i, r := range chain {
		cp := *r
		out[i] = &cp
	}
	return out, nil
}
