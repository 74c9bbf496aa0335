// Package bonds tracks the collateral each peer posts to participate in
// settlement. A peer has at most one active bond; posting again tops it
// up. Amounts only decrease through arbitration-authorized slashing,
// and a refund must survive a dispute check plus an unlock cooldown.
package bonds

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/flotilla-net/flotilla/internal/amount"
	"github.com/flotilla-net/flotilla/internal/metrics"
	"github.com/flotilla-net/flotilla/internal/syncutil"
	"github.com/flotilla-net/flotilla/internal/wire"
)

var (
	ErrBondNotFound       = errors.New("no active bond for peer")
	ErrInsufficientFunds  = errors.New("insufficient funds to post bond")
	ErrSlashExceedsBond   = errors.New("slash amount exceeds remaining bond")
	ErrDisputesPending    = errors.New("peer has pending disputes")
	ErrUnlockNotRequested = errors.New("bond unlock has not been requested")
	ErrCooldownActive     = errors.New("bond unlock cooldown has not elapsed")
	ErrBadSignature       = errors.New("bond signature verification failed")
	ErrInvalidAmount      = errors.New("bond amount must be positive")
)

// BondStatus of a posted bond.
type BondStatus string

const (
	BondActive   BondStatus = "active"
	BondSlashed  BondStatus = "slashed"
	BondRefunded BondStatus = "refunded"
)

// Tier thresholds over posted collateral. The tier gates settlement
// privileges elsewhere; the table itself is static.
const (
	tierSilverMin   = 10_000
	tierGoldMin     = 100_000
	tierPlatinumMin = 1_000_000
)

// TierFor classifies a bond amount.
func TierFor(amt int64) string {
	switch {
	case amt >= tierPlatinumMin:
		return "platinum"
	case amt >= tierGoldMin:
		return "gold"
	case amt >= tierSilverMin:
		return "silver"
	default:
		return "bronze"
	}
}

// Bond is a peer's posted collateral.
type Bond struct {
	PeerAddr          string     `json:"peerAddr"`
	Amount            int64      `json:"amount"`
	Tier              string     `json:"tier"`
	Slashed           int64      `json:"slashed"`
	Status            BondStatus `json:"status"`
	UnlockRequestedAt *time.Time `json:"unlockRequestedAt,omitempty"`
	CreatedAt         time.Time  `json:"createdAt"`
	UpdatedAt         time.Time  `json:"updatedAt"`
}

// Remaining is the slashable headroom of the bond.
func (b *Bond) Remaining() int64 {
	return b.Amount - b.Slashed
}

// Store persists bonds.
type Store interface {
	Get(ctx context.Context, peerAddr string) (*Bond, error)
	Put(ctx context.Context, b *Bond) error
	ListActive(ctx context.Context) ([]*Bond, error)
}

// CollateralLedger is the fund-movement view bonds operate through.
// Posted collateral sits in ledger escrow under a bond reference.
type CollateralLedger interface {
	CanSpend(ctx context.Context, peerAddr string, amt int64) (bool, error)
	EscrowLock(ctx context.Context, peerAddr string, amt int64, ref string) error
	RefundEscrow(ctx context.Context, peerAddr string, amt int64, ref string) error
	ReleaseEscrow(ctx context.Context, payer, payee string, amt int64, ref string) error
}

// DisputeChecker reports whether a peer is named in any open dispute.
type DisputeChecker interface {
	HasPendingDisputes(ctx context.Context, peerAddr string) (bool, error)
}

// treasuryAddr receives slashed collateral. Burn address by default.
const treasuryAddr = "0x0000000000000000000000000000000000000000"

// Service implements bond ledger business logic.
type Service struct {
	store    Store
	ledger   CollateralLedger
	disputes DisputeChecker
	cooldown time.Duration
	treasury string
	locks    *syncutil.ShardedMutex
	logger   *slog.Logger
}

// NewService creates a bond service.
func NewService(store Store, ledger CollateralLedger, logger *slog.Logger) *Service {
	return &Service{
		store:    store,
		ledger:   ledger,
		cooldown: 24 * time.Hour,
		treasury: treasuryAddr,
		locks:    syncutil.NewShardedMutex(),
		logger:   logger,
	}
}

// WithDisputeChecker wires the arbitration view guarding refunds.
func (s *Service) WithDisputeChecker(d DisputeChecker) *Service {
	s.disputes = d
	return s
}

// WithCooldown overrides the unlock cooldown.
func (s *Service) WithCooldown(d time.Duration) *Service {
	s.cooldown = d
	return s
}

// WithTreasury overrides the slash destination address.
func (s *Service) WithTreasury(addr string) *Service {
	s.treasury = strings.ToLower(addr)
	return s
}

func bondRef(peerAddr string) string {
	return "bond:" + peerAddr
}

// Post places or tops up a peer's bond. The signature covers the posted
// amount so a relayed request cannot bond someone else's funds.
func (s *Service) Post(ctx context.Context, peerAddr string, amt int64, sigHex string) (*Bond, error) {
	if amt <= 0 {
		return nil, ErrInvalidAmount
	}
	peerAddr = strings.ToLower(peerAddr)
	if err := wire.VerifySignature(wire.BondMessage(peerAddr, amt), sigHex, peerAddr); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadSignature, err)
	}

	unlock := s.locks.Lock(peerAddr)
	defer unlock()

	ok, err := s.ledger.CanSpend(ctx, peerAddr, amt)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrInsufficientFunds
	}
	if err := s.ledger.EscrowLock(ctx, peerAddr, amt, bondRef(peerAddr)); err != nil {
		return nil, err
	}

	now := time.Now()
	b, err := s.store.Get(ctx, peerAddr)
	switch {
	case errors.Is(err, ErrBondNotFound):
		b = &Bond{
			PeerAddr:  peerAddr,
			Amount:    amt,
			Status:    BondActive,
			CreatedAt: now,
		}
	case err != nil:
		return nil, err
	case b.Status != BondActive:
		// A slashed-out or refunded bond restarts from zero.
		b.Amount = amt
		b.Slashed = 0
		b.Status = BondActive
		b.UnlockRequestedAt = nil
	default:
		total, err := amount.Add(b.Amount, amt)
		if err != nil {
			return nil, err
		}
		b.Amount = total
		// A top-up cancels a pending unlock request.
		b.UnlockRequestedAt = nil
	}
	b.Tier = TierFor(b.Remaining())
	b.UpdatedAt = now

	if err := s.store.Put(ctx, b); err != nil {
		s.logger.Error("CRITICAL: bond escrow locked but store failed, retrying",
			"peer", peerAddr, "amount", amt, "error", err)
		if err := s.store.Put(ctx, b); err != nil {
			return nil, fmt.Errorf("bond persist failed after escrow lock, manual resolution required: %w", err)
		}
	}
	s.logger.Info("bond posted", "peer", peerAddr, "amount", amt, "total", b.Amount, "tier", b.Tier)
	return b, nil
}

// Slash burns bonded collateral under an arbitration resolution. The
// amount must fit within the remaining bond.
func (s *Service) Slash(ctx context.Context, peerAddr string, amt int64, disputeRef string) (*Bond, error) {
	if amt <= 0 {
		return nil, ErrInvalidAmount
	}
	peerAddr = strings.ToLower(peerAddr)

	unlock := s.locks.Lock(peerAddr)
	defer unlock()

	b, err := s.activeBond(ctx, peerAddr)
	if err != nil {
		return nil, err
	}
	if amt > b.Remaining() {
		return nil, fmt.Errorf("%w: %d > %d", ErrSlashExceedsBond, amt, b.Remaining())
	}

	if err := s.ledger.ReleaseEscrow(ctx, peerAddr, s.treasury, amt, disputeRef); err != nil {
		return nil, err
	}

	b.Slashed += amt
	if b.Remaining() == 0 {
		b.Status = BondSlashed
	}
	b.Tier = TierFor(b.Remaining())
	b.UpdatedAt = time.Now()
	if err := s.store.Put(ctx, b); err != nil {
		s.logger.Error("CRITICAL: slash moved funds but store failed, retrying",
			"peer", peerAddr, "amount", amt, "dispute", disputeRef, "error", err)
		if err := s.store.Put(ctx, b); err != nil {
			return nil, fmt.Errorf("slash persist failed, manual resolution required: %w", err)
		}
	}
	metrics.SlashedUnitsTotal.Add(float64(amt))
	s.logger.Warn("bond slashed",
		"peer", peerAddr, "amount", amt, "remaining", b.Remaining(), "dispute", disputeRef)
	return b, nil
}

// RequestUnlock starts the refund cooldown for a peer's bond.
func (s *Service) RequestUnlock(ctx context.Context, peerAddr string) (*Bond, error) {
	peerAddr = strings.ToLower(peerAddr)
	unlock := s.locks.Lock(peerAddr)
	defer unlock()

	b, err := s.activeBond(ctx, peerAddr)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	b.UnlockRequestedAt = &now
	b.UpdatedAt = now
	if err := s.store.Put(ctx, b); err != nil {
		return nil, err
	}
	s.logger.Info("bond unlock requested", "peer", peerAddr, "refundable_at", now.Add(s.cooldown))
	return b, nil
}

// Refund returns a bond's remaining collateral. Requires a completed
// cooldown and no pending disputes naming the peer.
func (s *Service) Refund(ctx context.Context, peerAddr string) (*Bond, error) {
	peerAddr = strings.ToLower(peerAddr)
	unlock := s.locks.Lock(peerAddr)
	defer unlock()

	b, err := s.activeBond(ctx, peerAddr)
	if err != nil {
		return nil, err
	}
	if b.UnlockRequestedAt == nil {
		return nil, ErrUnlockNotRequested
	}
	if time.Since(*b.UnlockRequestedAt) < s.cooldown {
		return nil, ErrCooldownActive
	}
	if s.disputes != nil {
		pending, err := s.disputes.HasPendingDisputes(ctx, peerAddr)
		if err != nil {
			return nil, err
		}
		if pending {
			return nil, ErrDisputesPending
		}
	}

	if remaining := b.Remaining(); remaining > 0 {
		if err := s.ledger.RefundEscrow(ctx, peerAddr, remaining, bondRef(peerAddr)); err != nil {
			return nil, err
		}
	}
	b.Status = BondRefunded
	b.UpdatedAt = time.Now()
	if err := s.store.Put(ctx, b); err != nil {
		s.logger.Error("CRITICAL: refund moved funds but store failed, retrying",
			"peer", peerAddr, "error", err)
		if err := s.store.Put(ctx, b); err != nil {
			return nil, fmt.Errorf("refund persist failed, manual resolution required: %w", err)
		}
	}
	s.logger.Info("bond refunded", "peer", peerAddr, "amount", b.Remaining())
	return b, nil
}

// Get returns a peer's bond, any status.
func (s *Service) Get(ctx context.Context, peerAddr string) (*Bond, error) {
	return s.store.Get(ctx, strings.ToLower(peerAddr))
}

// Slashable implements the read-only bond view consumed by settlement
// and arbitration. Peers without an active bond have zero headroom.
func (s *Service) Slashable(ctx context.Context, peerAddr string) (int64, error) {
	b, err := s.store.Get(ctx, strings.ToLower(peerAddr))
	if errors.Is(err, ErrBondNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	if b.Status != BondActive {
		return 0, nil
	}
	return b.Remaining(), nil
}

// ListActive returns all active bonds, used by panel selection.
func (s *Service) ListActive(ctx context.Context) ([]*Bond, error) {
	return s.store.ListActive(ctx)
}

func (s *Service) activeBond(ctx context.Context, peerAddr string) (*Bond, error) {
	b, err := s.store.Get(ctx, peerAddr)
	if err != nil {
		return nil, err
	}
	if b.Status != BondActive {
		return nil, ErrBondNotFound
	}
	return b, nil
}
