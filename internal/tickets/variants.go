package tickets

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/flotilla-net/flotilla/internal/condition"
	"github.com/flotilla-net/flotilla/internal/idgen"
)

// BatchItem describes one sibling inside a batch.
type BatchItem struct {
	Amount        int64  `json:"amount" binding:"required"`
	HashLock      string `json:"hashLock" binding:"required"`
	ObligationRef string `json:"obligationRef"`
}

// BatchRequest creates N sibling tickets sharing a lock target with
// distinct hash locks, released independently as sub-tasks complete.
type BatchRequest struct {
	Payer      string      `json:"payer" binding:"required"`
	LockKeys   []string    `json:"lockKeys" binding:"required"`
	Threshold  int         `json:"threshold"`
	Timelock   time.Time   `json:"timelock" binding:"required"`
	RefundKeys []string    `json:"refundKeys"`
	Items      []BatchItem `json:"items" binding:"required"`
}

// MilestoneRequest creates ordered sibling tickets of increasing amount,
// each gated by its own checkpoint hash. Redemption is prefix-strict:
// milestone k redeems only after milestones 0..k-1.
type MilestoneRequest struct {
	Payer      string      `json:"payer" binding:"required"`
	LockKeys   []string    `json:"lockKeys" binding:"required"`
	Threshold  int         `json:"threshold"`
	Timelock   time.Time   `json:"timelock" binding:"required"`
	RefundKeys []string    `json:"refundKeys"`
	Items      []BatchItem `json:"items" binding:"required"` // ordered, amounts strictly increasing
}

// PerformanceRequest creates a guaranteed base ticket plus a bonus
// ticket whose hash lock the measurer reveals only if the measured
// outcome clears a threshold.
type PerformanceRequest struct {
	Payer         string    `json:"payer" binding:"required"`
	LockKeys      []string  `json:"lockKeys" binding:"required"`
	Threshold     int       `json:"threshold"`
	Timelock      time.Time `json:"timelock" binding:"required"`
	RefundKeys    []string  `json:"refundKeys"`
	BaseAmount    int64     `json:"baseAmount" binding:"required"`
	BonusAmount   int64     `json:"bonusAmount" binding:"required"`
	BonusHashLock string    `json:"bonusHashLock" binding:"required"`
	ObligationRef string    `json:"obligationRef"`
}

// CreateBatch mints the sibling set atomically: either every member is
// created or none is.
func (s *Service) CreateBatch(ctx context.Context, req BatchRequest) ([]*Ticket, error) {
	if len(req.Items) == 0 {
		return nil, fmt.Errorf("%w: batch has no items", ErrInvalidCondition)
	}
	for i, item := range req.Items {
		if item.HashLock == "" {
			return nil, fmt.Errorf("%w: batch item %d has no hash lock", ErrInvalidCondition, i)
		}
	}
	return s.createGroup(ctx, groupSpec{
		kind:       KindBatchMember,
		trust:      TrustCryptographic,
		payer:      req.Payer,
		lockKeys:   req.LockKeys,
		threshold:  req.Threshold,
		timelock:   req.Timelock,
		refundKeys: req.RefundKeys,
		items:      req.Items,
	})
}

// CreateMilestones mints an ordered milestone set. Amounts must strictly
// increase and every checkpoint hash must be distinct.
func (s *Service) CreateMilestones(ctx context.Context, req MilestoneRequest) ([]*Ticket, error) {
	if len(req.Items) < 2 {
		return nil, fmt.Errorf("%w: milestone set needs at least two checkpoints", ErrInvalidCondition)
	}
	seen := make(map[string]bool, len(req.Items))
	for i, item := range req.Items {
		if item.HashLock == "" {
			return nil, fmt.Errorf("%w: milestone %d has no checkpoint hash", ErrInvalidCondition, i)
		}
		h := strings.ToLower(strings.TrimPrefix(item.HashLock, "0x"))
		if seen[h] {
			return nil, fmt.Errorf("%w: milestone checkpoint hashes must be distinct", ErrInvalidCondition)
		}
		seen[h] = true
		if i > 0 && item.Amount <= req.Items[i-1].Amount {
			return nil, fmt.Errorf("%w: milestone amounts must strictly increase", ErrInvalidCondition)
		}
	}
	return s.createGroup(ctx, groupSpec{
		kind:       KindMilestoneMember,
		trust:      TrustCryptographic,
		payer:      req.Payer,
		lockKeys:   req.LockKeys,
		threshold:  req.Threshold,
		timelock:   req.Timelock,
		refundKeys: req.RefundKeys,
		items:      req.Items,
	})
}

// CreatePerformancePair mints the base and bonus tickets. The bonus is
// tagged TrustMeasured: the measurer could withhold the preimage even
// when the outcome clears the threshold, so callers must not rely on it
// the way they rely on the base ticket.
func (s *Service) CreatePerformancePair(ctx context.Context, req PerformanceRequest) (base, bonus *Ticket, err error) {
	if req.BaseAmount <= 0 || req.BonusAmount <= 0 {
		return nil, nil, fmt.Errorf("%w: amounts must be positive", ErrInvalidCondition)
	}

	created, err := s.createGroup(ctx, groupSpec{
		kind:       KindPerformanceBase,
		trust:      TrustCryptographic,
		payer:      req.Payer,
		lockKeys:   req.LockKeys,
		threshold:  req.Threshold,
		timelock:   req.Timelock,
		refundKeys: req.RefundKeys,
		items: []BatchItem{
			{Amount: req.BaseAmount, ObligationRef: req.ObligationRef},
			{Amount: req.BonusAmount, HashLock: req.BonusHashLock, ObligationRef: req.ObligationRef},
		},
	})
	if err != nil {
		return nil, nil, err
	}
	bonusTicket := created[1]
	bonusTicket.Kind = KindPerformanceBonus
	bonusTicket.TrustLevel = TrustMeasured
	if err := s.store.Update(ctx, bonusTicket); err != nil {
		return nil, nil, fmt.Errorf("failed to tag bonus ticket: %w", err)
	}
	return created[0], bonusTicket, nil
}

type groupSpec struct {
	kind       Kind
	trust      TrustLevel
	payer      string
	lockKeys   []string
	threshold  int
	timelock   time.Time
	refundKeys []string
	items      []BatchItem
}

func (s *Service) createGroup(ctx context.Context, spec groupSpec) ([]*Ticket, error) {
	threshold := spec.threshold
	if threshold == 0 {
		threshold = 1
	}
	refundKeys := spec.refundKeys
	if len(refundKeys) == 0 {
		refundKeys = []string{spec.payer}
	}

	payer := strings.ToLower(spec.payer)
	var total int64
	now := time.Now()
	groupID := idgen.WithPrefix("grp_")

	pending := make([]*Ticket, 0, len(spec.items))
	for i, item := range spec.items {
		cond, err := condition.Compose(spec.lockKeys, threshold, item.HashLock, spec.timelock, refundKeys, now)
		if err != nil {
			return nil, fmt.Errorf("%w: item %d: %v", ErrInvalidCondition, i, err)
		}
		if item.Amount <= 0 {
			return nil, fmt.Errorf("%w: item %d amount must be positive", ErrInvalidCondition, i)
		}
		total += item.Amount
		pending = append(pending, &Ticket{
			ID:            idgen.WithPrefix("tkt_"),
			Kind:          spec.kind,
			TrustLevel:    spec.trust,
			Payer:         payer,
			Payee:         cond.LockKeys[0],
			Amount:        item.Amount,
			Condition:     *cond,
			Status:        StatusPending,
			ObligationRef: item.ObligationRef,
			GroupID:       groupID,
			Seq:           i,
			CreatedAt:     now,
			UpdatedAt:     now,
		})
	}

	// The whole group must be fundable before any member is minted.
	ok, err := s.ledger.CanSpend(ctx, payer, total)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrInsufficientFunds
	}

	created := make([]*Ticket, 0, len(pending))
	for _, t := range pending {
		out, err := s.create(ctx, t)
		if err != nil {
			// Unwind already-created siblings so the group is all or nothing.
			s.unwindGroup(ctx, created)
			return nil, err
		}
		created = append(created, out)
	}
	return created, nil
}

func (s *Service) unwindGroup(ctx context.Context, created []*Ticket) {
	now := time.Now()
	for _, t := range created {
		if err := s.ledger.RefundEscrow(ctx, t.Payer, t.Amount, t.ID); err != nil {
			s.logger.Error("CRITICAL: failed to unwind group member escrow",
				"ticket_id", t.ID, "error", err)
			continue
		}
		t.Status = StatusRefunded
		t.FinalizedAt = &now
		t.UpdatedAt = now
		if err := s.store.Update(ctx, t); err != nil {
			s.logger.Error("failed to mark unwound group member refunded",
				"ticket_id", t.ID, "error", err)
		}
		s.appendReceipt(ctx, t, StatusPending, StatusRefunded)
	}
}
