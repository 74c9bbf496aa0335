// Package ledger tracks peer balances inside the settlement engine.
//
// Flow:
//  1. Peer deposits value with the backend; the engine credits available
//  2. Ticket creation locks available into escrowed
//  3. Redemption releases escrow to the payee's available
//  4. Refund and expiry return escrow to the payer's available
//
// Every movement writes a journal entry. Balances are derived state; the
// journal is the source of truth for audits.
package ledger

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/flotilla-net/flotilla/internal/amount"
	"github.com/flotilla-net/flotilla/internal/logging"
	"github.com/flotilla-net/flotilla/internal/metrics"
	"github.com/flotilla-net/flotilla/internal/syncutil"
)

var (
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrInsufficientEscrow  = errors.New("insufficient escrowed balance")
	ErrPeerNotFound        = errors.New("peer not found")
	ErrInvalidAmount       = errors.New("invalid amount")
	ErrDuplicateDeposit    = errors.New("deposit already processed")
)

// Entry types recorded in the journal.
const (
	EntryDeposit       = "deposit"
	EntryEscrowLock    = "escrow_lock"
	EntryEscrowRelease = "escrow_release"
	EntryEscrowRefund  = "escrow_refund"
	EntryTransferIn    = "transfer_in"
	EntryTransferOut   = "transfer_out"
	EntrySlash         = "slash"
	EntryWithdrawal    = "withdrawal"
)

// Entry is one journal line.
type Entry struct {
	ID          string    `json:"id"`
	PeerAddr    string    `json:"peerAddr"`
	Type        string    `json:"type"`
	Amount      int64     `json:"amount"`
	Reference   string    `json:"reference,omitempty"` // ticket ID, window ID, dispute ID
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Balance is a peer's current position.
type Balance struct {
	PeerAddr  string    `json:"peerAddr"`
	Available int64     `json:"available"`
	Escrowed  int64     `json:"escrowed"`
	TotalIn   int64     `json:"totalIn"`
	TotalOut  int64     `json:"totalOut"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Store persists balances and the journal.
type Store interface {
	GetBalance(ctx context.Context, peerAddr string) (*Balance, error)
	Credit(ctx context.Context, peerAddr string, amt int64, entryType, reference, description string) error
	Debit(ctx context.Context, peerAddr string, amt int64, entryType, reference, description string) error
	LockEscrow(ctx context.Context, peerAddr string, amt int64, reference string) error
	UnlockEscrow(ctx context.Context, peerAddr string, amt int64, entryType, reference string) error
	GetHistory(ctx context.Context, peerAddr string, limit int) ([]*Entry, error)
	HasDeposit(ctx context.Context, txRef string) (bool, error)
	ListPeers(ctx context.Context) ([]string, error)
}

// BalanceReader is the backend view used for reconciliation.
type BalanceReader interface {
	BalanceOf(ctx context.Context, peerAddr string) (int64, error)
}

// Ledger manages peer balances.
type Ledger struct {
	store Store
	locks *syncutil.ShardedMutex
}

// New creates a ledger over store.
func New(store Store) *Ledger {
	return &Ledger{
		store: store,
		locks: syncutil.NewShardedMutex(),
	}
}

// GetBalance returns a peer's current position.
func (l *Ledger) GetBalance(ctx context.Context, peerAddr string) (*Balance, error) {
	return l.store.GetBalance(ctx, strings.ToLower(peerAddr))
}

// Deposit credits a peer's available balance. txRef deduplicates: the
// same backend transaction is only ever credited once.
func (l *Ledger) Deposit(ctx context.Context, peerAddr string, amt int64, txRef string) error {
	if amt <= 0 {
		return ErrInvalidAmount
	}
	addr := strings.ToLower(peerAddr)

	unlock := l.locks.Lock(addr)
	defer unlock()

	exists, err := l.store.HasDeposit(ctx, txRef)
	if err != nil {
		return err
	}
	if exists {
		return ErrDuplicateDeposit
	}
	return l.store.Credit(ctx, addr, amt, EntryDeposit, txRef, "backend deposit")
}

// EscrowLock moves amt from available to escrowed for a ticket.
func (l *Ledger) EscrowLock(ctx context.Context, peerAddr string, amt int64, ticketID string) error {
	if amt <= 0 {
		return ErrInvalidAmount
	}
	addr := strings.ToLower(peerAddr)

	unlock := l.locks.Lock(addr)
	defer unlock()

	return l.store.LockEscrow(ctx, addr, amt, ticketID)
}

// ReleaseEscrow settles a redemption: amt leaves the payer's escrow and
// lands in the payee's available balance.
func (l *Ledger) ReleaseEscrow(ctx context.Context, payer, payee string, amt int64, ticketID string) error {
	if amt <= 0 {
		return ErrInvalidAmount
	}
	from := strings.ToLower(payer)
	to := strings.ToLower(payee)

	// Lock in address order so concurrent opposite-direction releases
	// cannot deadlock.
	first, second := from, to
	if second < first {
		first, second = second, first
	}
	unlockFirst := l.locks.Lock(first)
	defer unlockFirst()
	if first != second {
		unlockSecond := l.locks.Lock(second)
		defer unlockSecond()
	}

	if err := l.store.UnlockEscrow(ctx, from, amt, EntryEscrowRelease, ticketID); err != nil {
		return err
	}
	if err := l.store.Credit(ctx, to, amt, EntryTransferIn, ticketID, "ticket redemption"); err != nil {
		// Escrow already left the payer. Log loudly; reconciliation
		// surfaces the gap if the retry below also fails.
		logging.L(ctx).Error("CRITICAL: escrow released but payee credit failed",
			"ticket_id", ticketID, "payer", from, "payee", to, "amount", amt, "error", err)
		if retryErr := l.store.Credit(ctx, to, amt, EntryTransferIn, ticketID, "ticket redemption (retry)"); retryErr != nil {
			return err
		}
	}
	return nil
}

// RefundEscrow returns amt from escrow to the payer's available balance.
func (l *Ledger) RefundEscrow(ctx context.Context, payer string, amt int64, ticketID string) error {
	if amt <= 0 {
		return ErrInvalidAmount
	}
	addr := strings.ToLower(payer)

	unlock := l.locks.Lock(addr)
	defer unlock()

	return l.store.UnlockEscrow(ctx, addr, amt, EntryEscrowRefund, ticketID)
}

// Transfer moves amt between available balances. Used by netting
// settlement and slash payouts, not by ticket redemption.
func (l *Ledger) Transfer(ctx context.Context, from, to string, amt int64, reference string) error {
	if amt <= 0 {
		return ErrInvalidAmount
	}
	src := strings.ToLower(from)
	dst := strings.ToLower(to)

	first, second := src, dst
	if second < first {
		first, second = second, first
	}
	unlockFirst := l.locks.Lock(first)
	defer unlockFirst()
	if first != second {
		unlockSecond := l.locks.Lock(second)
		defer unlockSecond()
	}

	if err := l.store.Debit(ctx, src, amt, EntryTransferOut, reference, "settlement transfer"); err != nil {
		return err
	}
	if err := l.store.Credit(ctx, dst, amt, EntryTransferIn, reference, "settlement transfer"); err != nil {
		logging.L(ctx).Error("CRITICAL: transfer debited but credit failed",
			"reference", reference, "from", src, "to", dst, "amount", amt, "error", err)
		if retryErr := l.store.Credit(ctx, dst, amt, EntryTransferIn, reference, "settlement transfer (retry)"); retryErr != nil {
			return err
		}
	}
	return nil
}

// CanSpend reports whether a peer's available balance covers amt.
func (l *Ledger) CanSpend(ctx context.Context, peerAddr string, amt int64) (bool, error) {
	if amt < 0 {
		return false, ErrInvalidAmount
	}
	bal, err := l.store.GetBalance(ctx, strings.ToLower(peerAddr))
	if err != nil {
		return false, err
	}
	return bal.Available >= amt, nil
}

// GetHistory returns journal entries for a peer, newest first.
func (l *Ledger) GetHistory(ctx context.Context, peerAddr string, limit int) ([]*Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	return l.store.GetHistory(ctx, strings.ToLower(peerAddr), limit)
}

// Discrepancy is one peer whose engine position disagrees with the
// backend.
type Discrepancy struct {
	PeerAddr string `json:"peerAddr"`
	Engine   int64  `json:"engine"`
	Backend  int64  `json:"backend"`
	Delta    int64  `json:"delta"`
}

// Reconcile compares every peer's engine position (available + escrowed)
// against the backend. Discrepancies are reported, never auto-corrected:
// a divergent ledger needs an operator, not a silent adjustment.
func (l *Ledger) Reconcile(ctx context.Context, backend BalanceReader) ([]Discrepancy, error) {
	peers, err := l.store.ListPeers(ctx)
	if err != nil {
		return nil, err
	}

	var out []Discrepancy
	for _, addr := range peers {
		bal, err := l.store.GetBalance(ctx, addr)
		if err != nil {
			return nil, err
		}
		engine, err := amount.Add(bal.Available, bal.Escrowed)
		if err != nil {
			return nil, err
		}
		remote, err := backend.BalanceOf(ctx, addr)
		if err != nil {
			logging.L(ctx).Warn("reconcile: backend balance unavailable", "peer", addr, "error", err)
			continue
		}
		if engine != remote {
			metrics.ReconcileDiscrepancies.Inc()
			logging.L(ctx).Error("reconcile: balance mismatch",
				"peer", addr, "engine", engine, "backend", remote)
			out = append(out, Discrepancy{
				PeerAddr: addr,
				Engine:   engine,
				Backend:  remote,
				Delta:    engine - remote,
			})
		}
	}
	return out, nil
}
