// Package tickets owns the escrow ticket state machine.
//
// Flow:
//  1. Payer creates a ticket → funds moved: available → escrowed
//  2. Presenter proves the spending condition → funds released to payee
//  3. No presentation before the timelock → refund path opens
//  4. Sweep marks stale tickets expired and notifies the refund party
//
// A ticket finalizes (redeemed or refunded) exactly once. Every state
// transition appends a signed receipt; the receipt chain is the evidence
// a dispute references.
package tickets

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/flotilla-net/flotilla/internal/condition"
	"github.com/flotilla-net/flotilla/internal/idgen"
	"github.com/flotilla-net/flotilla/internal/metrics"
	"github.com/flotilla-net/flotilla/internal/mint"
	"github.com/flotilla-net/flotilla/internal/wire"
)

var (
	ErrTicketNotFound    = errors.New("ticket not found")
	ErrInvalidCondition  = errors.New("invalid spending condition")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrBadSignature      = errors.New("signature does not satisfy the lock condition")
	ErrBadPreimage       = errors.New("preimage does not match the hash lock")
	ErrTicketExpired     = errors.New("ticket timelock has passed")
	ErrNotYetExpired     = errors.New("ticket timelock has not passed")
	ErrAlreadyFinalized  = errors.New("ticket already redeemed or refunded")
	ErrMilestoneOrder    = errors.New("earlier milestone tickets are still pending")
)

// Kind classifies how a ticket participates in settlement.
type Kind string

const (
	KindSingle          Kind = "single"
	KindBatchMember     Kind = "batch_member"
	KindMilestoneMember Kind = "milestone_member"
	KindPerformanceBase Kind = "performance_base"
	// KindPerformanceBonus tickets are trust-reduced: the measurer can
	// withhold the preimage even when the outcome clears the threshold.
	KindPerformanceBonus Kind = "performance_bonus"
)

// TrustLevel tags how strong the redemption guarantee is. Callers must
// not treat a measured ticket as cryptographically guaranteed.
type TrustLevel string

const (
	TrustCryptographic TrustLevel = "cryptographic"
	TrustMeasured      TrustLevel = "measured"
)

// Status represents the state of a ticket.
type Status string

const (
	StatusPending  Status = "pending"
	StatusRedeemed Status = "redeemed"
	StatusRefunded Status = "refunded"
	// StatusExpired marks a pending ticket past its timelock. It is not
	// terminal: the refund party can still reclaim with a valid signature.
	StatusExpired Status = "expired"
)

// Ticket is a conditional bearer value unit.
type Ticket struct {
	ID            string              `json:"id"`
	Kind          Kind                `json:"kind"`
	TrustLevel    TrustLevel          `json:"trustLevel"`
	Payer         string              `json:"payer"`
	Payee         string              `json:"payee"`
	Amount        int64               `json:"amount"`
	Condition     condition.Condition `json:"condition"`
	Status        Status              `json:"status"`
	ObligationRef string              `json:"obligationRef,omitempty"`
	ObligationIDs []string            `json:"obligationIds,omitempty"` // obligations this ticket settles on finalize
	BackendRef    string              `json:"backendRef,omitempty"`
	GroupID       string              `json:"groupId,omitempty"` // shared by batch/milestone/performance siblings
	Seq           int                 `json:"seq,omitempty"`     // milestone order within a group
	TxRef         string              `json:"txRef,omitempty"`   // backend transfer reference on finalize
	CreatedAt     time.Time           `json:"createdAt"`
	UpdatedAt     time.Time           `json:"updatedAt"`
	FinalizedAt   *time.Time          `json:"finalizedAt,omitempty"`
}

// Finalized reports whether the ticket has moved value.
func (t *Ticket) Finalized() bool {
	return t.Status == StatusRedeemed || t.Status == StatusRefunded
}

// Store persists tickets and their transition receipts.
type Store interface {
	Create(ctx context.Context, t *Ticket) error
	Get(ctx context.Context, id string) (*Ticket, error)
	Update(ctx context.Context, t *Ticket) error
	ListByPeer(ctx context.Context, peerAddr string, limit int) ([]*Ticket, error)
	ListByGroup(ctx context.Context, groupID string) ([]*Ticket, error)
	ListExpired(ctx context.Context, before time.Time, limit int) ([]*Ticket, error)
	AppendReceipt(ctx context.Context, r *TransitionReceipt) error
	ListReceipts(ctx context.Context, ticketID string) ([]*TransitionReceipt, error)
}

// LedgerService abstracts balance operations so tickets doesn't import ledger.
type LedgerService interface {
	CanSpend(ctx context.Context, peerAddr string, amt int64) (bool, error)
	EscrowLock(ctx context.Context, peerAddr string, amt int64, ticketID string) error
	ReleaseEscrow(ctx context.Context, payer, payee string, amt int64, ticketID string) error
	RefundEscrow(ctx context.Context, payer string, amt int64, ticketID string) error
}

// BackendGateway is the mint surface tickets needs.
type BackendGateway interface {
	CreateConditional(ctx context.Context, req mint.CreateRequest) (string, error)
	Transfer(ctx context.Context, req mint.TransferRequest) (string, error)
}

// Notifier receives sweep and finalization events.
type Notifier interface {
	ReclaimEligible(ctx context.Context, t *Ticket)
	TicketFinalized(ctx context.Context, t *Ticket)
}

// CreateRequest contains the parameters for creating a single ticket.
type CreateRequest struct {
	Payer         string    `json:"payer" binding:"required"`
	LockKeys      []string  `json:"lockKeys" binding:"required"`
	Threshold     int       `json:"threshold"`
	HashLock      string    `json:"hashLock"`
	Timelock      time.Time `json:"timelock" binding:"required"`
	RefundKeys    []string  `json:"refundKeys"`
	Amount        int64     `json:"amount" binding:"required"`
	ObligationRef string    `json:"obligationRef"`
	ObligationIDs []string  `json:"obligationIds"`
}

// RedemptionResult is the outcome of a present or reclaim call.
type RedemptionResult struct {
	Ticket  *Ticket            `json:"ticket"`
	TxRef   string             `json:"txRef,omitempty"`
	Receipt *TransitionReceipt `json:"receipt,omitempty"`
}

// Service implements ticket business logic.
type Service struct {
	store    Store
	ledger   LedgerService
	backend  BackendGateway
	receipts *ReceiptSigner
	notifier Notifier
	logger   *slog.Logger
	locks    sync.Map // per-ticket ID locks, single writer per ticket
}

// NewService creates a new ticket service.
func NewService(store Store, ledger LedgerService, backend BackendGateway, receipts *ReceiptSigner, logger *slog.Logger) *Service {
	return &Service{
		store:    store,
		ledger:   ledger,
		backend:  backend,
		receipts: receipts,
		logger:   logger,
	}
}

// WithNotifier adds a sweep/finalization notifier.
func (s *Service) WithNotifier(n Notifier) *Service {
	s.notifier = n
	return s
}

// ticketLock returns the mutex serializing transitions for one ticket.
func (s *Service) ticketLock(id string) *sync.Mutex {
	v, _ := s.locks.LoadOrStore(id, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// Create mints a new ticket and locks payer funds.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*Ticket, error) {
	threshold := req.Threshold
	if threshold == 0 {
		threshold = 1
	}
	refundKeys := req.RefundKeys
	if len(refundKeys) == 0 {
		// Default refund path is the payer.
		refundKeys = []string{req.Payer}
	}

	cond, err := condition.Compose(req.LockKeys, threshold, req.HashLock, req.Timelock, refundKeys, time.Now())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCondition, err)
	}
	if req.Amount <= 0 {
		return nil, fmt.Errorf("%w: amount must be positive", ErrInvalidCondition)
	}

	payer := strings.ToLower(req.Payer)
	ok, err := s.ledger.CanSpend(ctx, payer, req.Amount)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrInsufficientFunds
	}

	now := time.Now()
	t := &Ticket{
		ID:            idgen.WithPrefix("tkt_"),
		Kind:          KindSingle,
		TrustLevel:    TrustCryptographic,
		Payer:         payer,
		Payee:         cond.LockKeys[0],
		Amount:        req.Amount,
		Condition:     *cond,
		Status:        StatusPending,
		ObligationRef: req.ObligationRef,
		ObligationIDs: req.ObligationIDs,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	return s.create(ctx, t)
}

// create finishes creation for a pre-built ticket (shared by variants).
func (s *Service) create(ctx context.Context, t *Ticket) (*Ticket, error) {
	if err := s.ledger.EscrowLock(ctx, t.Payer, t.Amount, t.ID); err != nil {
		return nil, fmt.Errorf("failed to lock escrow funds: %w", err)
	}

	ref, err := s.backend.CreateConditional(ctx, mint.CreateRequest{
		TicketID:        t.ID,
		Payer:           t.Payer,
		Amount:          t.Amount,
		ConditionDigest: t.Condition.Digest(),
		Timelock:        t.Condition.Timelock,
	})
	if err != nil {
		_ = s.ledger.RefundEscrow(ctx, t.Payer, t.Amount, t.ID)
		return nil, fmt.Errorf("backend conditional create failed: %w", err)
	}
	t.BackendRef = ref

	if err := s.store.Create(ctx, t); err != nil {
		// Best-effort unwind if the record cannot be persisted.
		_ = s.ledger.RefundEscrow(ctx, t.Payer, t.Amount, t.ID)
		return nil, fmt.Errorf("failed to create ticket record: %w", err)
	}

	s.appendReceipt(ctx, t, "", StatusPending)
	metrics.TicketTransitionsTotal.WithLabelValues(string(StatusPending)).Inc()
	return t, nil
}

// Present validates a redemption attempt and, on success, executes the
// value transfer. Validation failures leave the ticket pending and
// retryable; only a successful backend transfer finalizes it.
func (s *Service) Present(ctx context.Context, ticketID string, sigs []string, preimage string) (*RedemptionResult, error) {
	mu := s.ticketLock(ticketID)
	mu.Lock()
	defer mu.Unlock()

	t, err := s.store.Get(ctx, ticketID)
	if err != nil {
		return nil, err
	}

	if t.Finalized() {
		// Idempotent: a second valid presentation is a no-op, never a
		// second transfer.
		return &RedemptionResult{Ticket: t, TxRef: t.TxRef}, ErrAlreadyFinalized
	}

	now := time.Now()
	if t.Condition.Expired(now) {
		return nil, ErrTicketExpired
	}
	if err := t.Condition.VerifyLockSignatures(wire.PresentMessage(t.ID), sigs); err != nil {
		return nil, ErrBadSignature
	}
	if err := t.Condition.CheckPreimage(preimage); err != nil {
		return nil, ErrBadPreimage
	}
	if t.Kind == KindMilestoneMember {
		if err := s.checkMilestonePrefix(ctx, t); err != nil {
			return nil, err
		}
	}

	// Conditions verified. Execute the transfer; a gateway failure here
	// leaves the ticket pending for a safe retry.
	txRef, err := s.backend.Transfer(ctx, mint.TransferRequest{
		TicketID: t.ID,
		From:     t.Payer,
		To:       t.Payee,
		Amount:   t.Amount,
		Preimage: preimage,
	})
	if err != nil {
		return nil, err
	}

	if err := s.ledger.ReleaseEscrow(ctx, t.Payer, t.Payee, t.Amount, t.ID); err != nil {
		s.logger.Error("CRITICAL: backend transferred but ledger release failed",
			"ticket_id", t.ID, "tx_ref", txRef, "error", err)
		return nil, fmt.Errorf("ledger release after transfer failed (requires manual resolution): %w", err)
	}

	from := t.Status
	t.Status = StatusRedeemed
	t.TxRef = txRef
	t.FinalizedAt = &now
	t.UpdatedAt = now
	if err := s.persistFinal(ctx, t, txRef); err != nil {
		return nil, err
	}

	rcpt := s.appendReceipt(ctx, t, from, StatusRedeemed)
	metrics.TicketTransitionsTotal.WithLabelValues(string(StatusRedeemed)).Inc()
	if s.notifier != nil {
		s.notifier.TicketFinalized(ctx, t)
	}
	return &RedemptionResult{Ticket: t, TxRef: txRef, Receipt: rcpt}, nil
}

// Reclaim refunds an expired ticket to the refund party.
func (s *Service) Reclaim(ctx context.Context, ticketID string, sig string) (*RedemptionResult, error) {
	mu := s.ticketLock(ticketID)
	mu.Lock()
	defer mu.Unlock()

	t, err := s.store.Get(ctx, ticketID)
	if err != nil {
		return nil, err
	}

	if t.Finalized() {
		return &RedemptionResult{Ticket: t, TxRef: t.TxRef}, ErrAlreadyFinalized
	}

	now := time.Now()
	if !t.Condition.Expired(now) {
		return nil, ErrNotYetExpired
	}
	if err := t.Condition.VerifyRefundSignature(wire.RefundMessage(t.ID), sig); err != nil {
		return nil, ErrBadSignature
	}

	txRef, err := s.backend.Transfer(ctx, mint.TransferRequest{
		TicketID: t.ID,
		From:     t.Payer,
		To:       t.Payer,
		Amount:   t.Amount,
	})
	if err != nil {
		return nil, err
	}

	if err := s.ledger.RefundEscrow(ctx, t.Payer, t.Amount, t.ID); err != nil {
		s.logger.Error("CRITICAL: backend refunded but ledger refund failed",
			"ticket_id", t.ID, "tx_ref", txRef, "error", err)
		return nil, fmt.Errorf("ledger refund after transfer failed (requires manual resolution): %w", err)
	}

	from := t.Status
	t.Status = StatusRefunded
	t.TxRef = txRef
	t.FinalizedAt = &now
	t.UpdatedAt = now
	if err := s.persistFinal(ctx, t, txRef); err != nil {
		return nil, err
	}

	rcpt := s.appendReceipt(ctx, t, from, StatusRefunded)
	metrics.TicketTransitionsTotal.WithLabelValues(string(StatusRefunded)).Inc()
	if s.notifier != nil {
		s.notifier.TicketFinalized(ctx, t)
	}
	return &RedemptionResult{Ticket: t, TxRef: txRef, Receipt: rcpt}, nil
}

// persistFinal updates the ticket record after funds have moved. It
// retries once; funds cannot be pulled back, so a second failure is an
// operator problem, not something to compensate automatically.
func (s *Service) persistFinal(ctx context.Context, t *Ticket, txRef string) error {
	if err := s.store.Update(ctx, t); err != nil {
		if retryErr := s.store.Update(ctx, t); retryErr != nil {
			s.logger.Error("CRITICAL: funds moved but ticket status update failed",
				"ticket_id", t.ID, "status", t.Status, "tx_ref", txRef, "error", retryErr)
			return fmt.Errorf("failed to update ticket after transfer (requires manual resolution): %w", err)
		}
	}
	return nil
}

// checkMilestonePrefix enforces in-order milestone redemption: a member
// redeems only when every lower-sequence sibling has redeemed.
func (s *Service) checkMilestonePrefix(ctx context.Context, t *Ticket) error {
	siblings, err := s.store.ListByGroup(ctx, t.GroupID)
	if err != nil {
		return err
	}
	for _, sib := range siblings {
		if sib.Seq < t.Seq && sib.Status != StatusRedeemed {
			return ErrMilestoneOrder
		}
	}
	return nil
}

// SweepExpired marks pending tickets past their timelock and notifies
// the refund party. It never auto-reclaims: a refund still requires a
// valid signature under the refund key set.
func (s *Service) SweepExpired(ctx context.Context, now time.Time) (int, error) {
	expired, err := s.store.ListExpired(ctx, now, 100)
	if err != nil {
		return 0, err
	}

	swept := 0
	for _, stale := range expired {
		mu := s.ticketLock(stale.ID)
		mu.Lock()

		t, err := s.store.Get(ctx, stale.ID)
		if err != nil {
			mu.Unlock()
			continue
		}
		if t.Status != StatusPending || !t.Condition.Expired(now) {
			mu.Unlock()
			continue
		}

		t.Status = StatusExpired
		t.UpdatedAt = now
		if err := s.store.Update(ctx, t); err != nil {
			s.logger.Warn("failed to mark ticket expired", "ticket_id", t.ID, "error", err)
			mu.Unlock()
			continue
		}
		s.appendReceipt(ctx, t, StatusPending, StatusExpired)
		metrics.TicketTransitionsTotal.WithLabelValues(string(StatusExpired)).Inc()
		mu.Unlock()

		if s.notifier != nil {
			s.notifier.ReclaimEligible(ctx, t)
		}
		swept++
	}
	return swept, nil
}

// Get returns a ticket by ID.
func (s *Service) Get(ctx context.Context, id string) (*Ticket, error) {
	return s.store.Get(ctx, id)
}

// ListByPeer returns tickets where the peer is payer or payee.
func (s *Service) ListByPeer(ctx context.Context, peerAddr string, limit int) ([]*Ticket, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.ListByPeer(ctx, strings.ToLower(peerAddr), limit)
}

// Receipts returns the transition receipt chain for a ticket.
func (s *Service) Receipts(ctx context.Context, ticketID string) ([]*TransitionReceipt, error) {
	return s.store.ListReceipts(ctx, ticketID)
}

func (s *Service) appendReceipt(ctx context.Context, t *Ticket, from, to Status) *TransitionReceipt {
	rcpt := s.receipts.Issue(t.ID, from, to)
	if err := s.store.AppendReceipt(ctx, rcpt); err != nil {
		// The transition itself already happened; a missing receipt is an
		// audit gap worth alerting on, not a reason to fail the caller.
		s.logger.Error("failed to append transition receipt",
			"ticket_id", t.ID, "from", from, "to", to, "error", err)
	}
	return rcpt
}
