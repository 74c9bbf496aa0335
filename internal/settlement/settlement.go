// Package settlement records obligations between peers and maps each of
// the nine settlement categories to a pure calculation/verification/
// execution strategy.
//
// Handlers hold no mutable state and receive read-only collaborator
// views at construction, so each category is unit-testable in isolation
// and the registry itself is dispatch-only.
package settlement

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/flotilla-net/flotilla/internal/idgen"
	"github.com/flotilla-net/flotilla/internal/metrics"
	"github.com/flotilla-net/flotilla/internal/tickets"
	"github.com/flotilla-net/flotilla/internal/wire"
)

var (
	ErrObligationNotFound = errors.New("obligation not found")
	ErrUnknownType        = errors.New("unknown settlement type")
	ErrBadEvidence        = errors.New("evidence verification failed")
	ErrObligationFinal    = errors.New("obligation is settled and immutable")
	ErrBadTransition      = errors.New("invalid obligation status transition")
	ErrNoTicketIssuer     = errors.New("no ticket issuer configured")
)

// Type tags one of the nine settlement categories.
type Type string

const (
	TypeRoutingRevenue      Type = "routing_revenue"
	TypeRebalancingCost     Type = "rebalancing_cost"
	TypeCapacityLease       Type = "capacity_lease"
	TypeCooperativeCapacity Type = "cooperative_capacity"
	TypePooledCapacity      Type = "pooled_capacity"
	TypePriorityFee         Type = "priority_fee"
	TypeDataFee             Type = "data_fee"
	TypePenalty             Type = "penalty"
	TypeAgentFee            Type = "agent_fee"
)

// AllTypes lists every registered settlement category.
func AllTypes() []Type {
	return []Type{
		TypeRoutingRevenue, TypeRebalancingCost, TypeCapacityLease,
		TypeCooperativeCapacity, TypePooledCapacity, TypePriorityFee,
		TypeDataFee, TypePenalty, TypeAgentFee,
	}
}

// Status of an obligation.
type Status string

const (
	StatusPending  Status = "pending"
	StatusNetted   Status = "netted"
	StatusSettled  Status = "settled"
	StatusDisputed Status = "disputed"
)

// Obligation is a recorded debt from one peer to another.
type Obligation struct {
	ID          string    `json:"id"`
	Type        Type      `json:"type"`
	FromPeer    string    `json:"fromPeer"`
	ToPeer      string    `json:"toPeer"`
	Amount      int64     `json:"amount"`
	WindowID    string    `json:"windowId"`
	Status      Status    `json:"status"`
	EvidenceRef string    `json:"evidenceRef,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Event is one domain occurrence a handler turns into value owed.
// Interpretation of the fields is per-category.
type Event struct {
	Kind   string `json:"kind"`
	Amount int64  `json:"amount"` // value carried by the event
	Units  int64  `json:"units"`  // quantity: bytes, slots, basis points
	Rate   int64  `json:"rate"`   // price per unit in smallest units
}

// Evidence is the signed proof attached to a settlement receipt.
type Evidence struct {
	Payload   string `json:"payload"` // canonical JSON the counterparty signed
	Signer    string `json:"signer"`
	Signature string `json:"signature"`
}

// Strategy is the pure calculation logic for one settlement category.
type Strategy interface {
	Type() Type
	Calculate(events []Event) (int64, error)
	Verify(ev Evidence) bool
	Execute(o *Obligation) (tickets.CreateRequest, error)
}

// amountAdjuster is an optional refinement a handler can apply after
// calculation, using its collaborator views: routing revenue re-scales
// by the payee's reputation tier, penalties are capped by the
// respondent's slashable bond.
type amountAdjuster interface {
	Adjust(ctx context.Context, o *Obligation) int64
}

// TierLookup is the read-only reputation view injected into handlers.
type TierLookup interface {
	Tier(ctx context.Context, peerAddr string) (string, error)
}

// BondView is the read-only bond ledger view injected into handlers.
type BondView interface {
	Slashable(ctx context.Context, peerAddr string) (int64, error)
}

// Registry dispatches by settlement type tag. No control logic beyond
// lookup.
type Registry struct {
	handlers map[Type]Strategy
}

// NewRegistry creates a registry with all nine category handlers wired
// to the given collaborator views.
func NewRegistry(tiers TierLookup, bonds BondView) *Registry {
	r := &Registry{handlers: make(map[Type]Strategy)}
	r.Register(&routingRevenueHandler{tiers: tiers})
	r.Register(&rebalancingCostHandler{})
	r.Register(&capacityLeaseHandler{})
	r.Register(&cooperativeCapacityHandler{})
	r.Register(&pooledCapacityHandler{})
	r.Register(&priorityFeeHandler{})
	r.Register(&dataFeeHandler{})
	r.Register(&penaltyHandler{bonds: bonds})
	r.Register(&agentFeeHandler{})
	return r
}

// Register adds a strategy. The last registration for a type wins.
func (r *Registry) Register(h Strategy) {
	r.handlers[h.Type()] = h
}

// Get returns the strategy for a type tag.
func (r *Registry) Get(t Type) (Strategy, error) {
	h, ok := r.handlers[t]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownType, t)
	}
	return h, nil
}

// Store persists obligations.
type Store interface {
	Create(ctx context.Context, o *Obligation) error
	Get(ctx context.Context, id string) (*Obligation, error)
	UpdateStatus(ctx context.Context, id string, from, to Status) error
	ListByWindow(ctx context.Context, windowID string, statuses []Status) ([]*Obligation, error)
	ListByPeer(ctx context.Context, peerAddr string, limit int) ([]*Obligation, error)
}

// Notifier receives newly recorded obligations.
type Notifier interface {
	ObligationRecorded(ctx context.Context, o *Obligation)
}

// TicketIssuer realizes obligations as escrow tickets.
type TicketIssuer interface {
	Create(ctx context.Context, req tickets.CreateRequest) (*tickets.Ticket, error)
}

// Service implements obligation business logic over the registry.
type Service struct {
	store    Store
	registry *Registry
	notifier Notifier
	issuer   TicketIssuer
}

// NewService creates a settlement service.
func NewService(store Store, registry *Registry) *Service {
	return &Service{store: store, registry: registry}
}

// WithNotifier adds an obligation event notifier.
func (s *Service) WithNotifier(n Notifier) *Service {
	s.notifier = n
	return s
}

// WithIssuer wires the escrow ticket issuer used by Realize.
func (s *Service) WithIssuer(issuer TicketIssuer) *Service {
	s.issuer = issuer
	return s
}

// Registry exposes the handler registry (read-only use).
func (s *Service) Registry() *Registry {
	return s.registry
}

// IngestReceipt verifies a signed settlement receipt and records the
// obligation it evidences. The evidence signature is checked before any
// handler logic runs; a forged receipt creates nothing.
func (s *Service) IngestReceipt(ctx context.Context, t Type, fromPeer, toPeer, windowID string, events []Event, ev Evidence) (*Obligation, error) {
	h, err := s.registry.Get(t)
	if err != nil {
		return nil, err
	}

	if !verifyEvidenceSignature(ev) || !h.Verify(ev) {
		return nil, ErrBadEvidence
	}

	amount, err := h.Calculate(events)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	o := &Obligation{
		ID:          idgen.WithPrefix("obl_"),
		Type:        t,
		FromPeer:    strings.ToLower(fromPeer),
		ToPeer:      strings.ToLower(toPeer),
		Amount:      amount,
		WindowID:    windowID,
		Status:      StatusPending,
		EvidenceRef: hex.EncodeToString(wire.HashMessage(ev.Payload)),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if adj, ok := h.(amountAdjuster); ok {
		o.Amount = adj.Adjust(ctx, o)
	}
	if err := s.store.Create(ctx, o); err != nil {
		return nil, err
	}
	metrics.ObligationsTotal.WithLabelValues(string(t)).Inc()
	if s.notifier != nil {
		s.notifier.ObligationRecorded(ctx, o)
	}
	return o, nil
}

// verifyEvidenceSignature checks the EIP-191 signature over the payload.
func verifyEvidenceSignature(ev Evidence) bool {
	if ev.Payload == "" || ev.Signer == "" || ev.Signature == "" {
		return false
	}
	return wire.VerifySignature(ev.Payload, ev.Signature, ev.Signer) == nil
}

// Get returns an obligation by ID.
func (s *Service) Get(ctx context.Context, id string) (*Obligation, error) {
	return s.store.Get(ctx, id)
}

// ListByWindow returns a window's obligations in canonical (ID) order.
func (s *Service) ListByWindow(ctx context.Context, windowID string, statuses []Status) ([]*Obligation, error) {
	out, err := s.store.ListByWindow(ctx, windowID, statuses)
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ListByPeer returns obligations involving a peer.
func (s *Service) ListByPeer(ctx context.Context, peerAddr string, limit int) ([]*Obligation, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.ListByPeer(ctx, strings.ToLower(peerAddr), limit)
}

// MarkNetted transitions pending obligations into a netting round.
func (s *Service) MarkNetted(ctx context.Context, ids []string) error {
	for _, id := range ids {
		if err := s.transition(ctx, id, StatusNetted); err != nil {
			return err
		}
	}
	return nil
}

// MarkSettled finalizes an obligation after its transfer realized.
func (s *Service) MarkSettled(ctx context.Context, id string) error {
	return s.transition(ctx, id, StatusSettled)
}

// MarkDisputed flags an obligation under arbitration.
func (s *Service) MarkDisputed(ctx context.Context, id string) error {
	return s.transition(ctx, id, StatusDisputed)
}

// MarkPending returns a disputed obligation to the pending pool (dispute
// rejected, status quo restored).
func (s *Service) MarkPending(ctx context.Context, id string) error {
	return s.transition(ctx, id, StatusPending)
}

// Realize settles a single pending obligation outside a netting round:
// the category handler builds the ticket spec (its own settlement
// window applies) and the obligation moves to netted before the ticket
// is issued, so an issue failure leaves it retryable rather than
// double-spent. The obligation reaches settled when its ticket
// finalizes.
func (s *Service) Realize(ctx context.Context, id string) (*tickets.Ticket, error) {
	if s.issuer == nil {
		return nil, ErrNoTicketIssuer
	}
	o, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	h, err := s.registry.Get(o.Type)
	if err != nil {
		return nil, err
	}
	req, err := h.Execute(o)
	if err != nil {
		return nil, err
	}
	if err := s.transition(ctx, id, StatusNetted); err != nil {
		return nil, err
	}
	t, err := s.issuer.Create(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("realize obligation %s: %w", id, err)
	}
	return t, nil
}

// transition enforces the status machine:
//
//	pending → netted → settled
//	netted|settled → disputed → pending|settled
//
// Amounts are immutable always; settled is terminal except for disputes.
func (s *Service) transition(ctx context.Context, id string, to Status) error {
	o, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	from := o.Status
	if !validTransition(from, to) {
		if from == StatusSettled && to != StatusDisputed {
			return ErrObligationFinal
		}
		return fmt.Errorf("%w: %s -> %s", ErrBadTransition, from, to)
	}
	return s.store.UpdateStatus(ctx, id, from, to)
}

func validTransition(from, to Status) bool {
	switch from {
	case StatusPending:
		return to == StatusNetted || to == StatusDisputed
	case StatusNetted:
		return to == StatusSettled || to == StatusDisputed
	case StatusSettled:
		return to == StatusDisputed
	case StatusDisputed:
		return to == StatusPending || to == StatusSettled
	}
	return false
}
