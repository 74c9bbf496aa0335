package ledger

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/flotilla-net/flotilla/internal/amount"
	"github.com/flotilla-net/flotilla/internal/idgen"
)

// MemoryStore is an in-memory ledger store for demo/development mode.
type MemoryStore struct {
	balances map[string]*Balance
	entries  []*Entry
	deposits map[string]bool
	mu       sync.RWMutex
}

// NewMemoryStore creates a new in-memory ledger store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		balances: make(map[string]*Balance),
		entries:  make([]*Entry, 0),
		deposits: make(map[string]bool),
	}
}

func (m *MemoryStore) getOrCreate(peerAddr string) *Balance {
	bal, ok := m.balances[peerAddr]
	if !ok {
		bal = &Balance{PeerAddr: peerAddr}
		m.balances[peerAddr] = bal
	}
	return bal
}

func (m *MemoryStore) appendEntry(peerAddr, entryType string, amt int64, reference, description string) {
	m.entries = append(m.entries, &Entry{
		ID:          idgen.WithPrefix("ent_"),
		PeerAddr:    peerAddr,
		Type:        entryType,
		Amount:      amt,
		Reference:   reference,
		Description: description,
		CreatedAt:   time.Now(),
	})
}

func (m *MemoryStore) GetBalance(ctx context.Context, peerAddr string) (*Balance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if bal, ok := m.balances[peerAddr]; ok {
		cp := *bal
		return &cp, nil
	}
	return &Balance{PeerAddr: peerAddr, UpdatedAt: time.Now()}, nil
}

func (m *MemoryStore) Credit(ctx context.Context, peerAddr string, amt int64, entryType, reference, description string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	bal := m.getOrCreate(peerAddr)
	avail, err := amount.Add(bal.Available, amt)
	if err != nil {
		return err
	}
	totalIn, err := amount.Add(bal.TotalIn, amt)
	if err != nil {
		return err
	}
	bal.Available = avail
	bal.TotalIn = totalIn
	bal.UpdatedAt = time.Now()

	m.appendEntry(peerAddr, entryType, amt, reference, description)
	if entryType == EntryDeposit && reference != "" {
		m.deposits[reference] = true
	}
	return nil
}

func (m *MemoryStore) Debit(ctx context.Context, peerAddr string, amt int64, entryType, reference, description string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	bal, ok := m.balances[peerAddr]
	if !ok {
		return ErrPeerNotFound
	}
	if bal.Available < amt {
		return ErrInsufficientBalance
	}
	bal.Available -= amt
	totalOut, err := amount.Add(bal.TotalOut, amt)
	if err != nil {
		return err
	}
	bal.TotalOut = totalOut
	bal.UpdatedAt = time.Now()

	m.appendEntry(peerAddr, entryType, amt, reference, description)
	return nil
}

func (m *MemoryStore) LockEscrow(ctx context.Context, peerAddr string, amt int64, reference string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	bal, ok := m.balances[peerAddr]
	if !ok {
		return ErrPeerNotFound
	}
	if bal.Available < amt {
		return ErrInsufficientBalance
	}
	bal.Available -= amt
	escrowed, err := amount.Add(bal.Escrowed, amt)
	if err != nil {
		return err
	}
	bal.Escrowed = escrowed
	bal.UpdatedAt = time.Now()

	m.appendEntry(peerAddr, EntryEscrowLock, amt, reference, "ticket escrow")
	return nil
}

func (m *MemoryStore) UnlockEscrow(ctx context.Context, peerAddr string, amt int64, entryType, reference string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	bal, ok := m.balances[peerAddr]
	if !ok {
		return ErrPeerNotFound
	}
	if bal.Escrowed < amt {
		return ErrInsufficientEscrow
	}
	bal.Escrowed -= amt
	if entryType == EntryEscrowRefund {
		avail, err := amount.Add(bal.Available, amt)
		if err != nil {
			return err
		}
		bal.Available = avail
	} else {
		totalOut, err := amount.Add(bal.TotalOut, amt)
		if err != nil {
			return err
		}
		bal.TotalOut = totalOut
	}
	bal.UpdatedAt = time.Now()

	m.appendEntry(peerAddr, entryType, amt, reference, "")
	return nil
}

func (m *MemoryStore) GetHistory(ctx context.Context, peerAddr string, limit int) ([]*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Entry, 0, limit)
	for i := len(m.entries) - 1; i >= 0 && len(out) < limit; i-- {
		if m.entries[i].PeerAddr == peerAddr {
			cp := *m.entries[i]
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *MemoryStore) HasDeposit(ctx context.Context, txRef string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.deposits[txRef], nil
}

func (m *MemoryStore) ListPeers(ctx context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	peers := make([]string, 0, len(m.balances))
	for addr := range m.balances {
		peers = append(peers, addr)
	}
	sort.Strings(peers)
	return peers, nil
}
