// Package netting compresses a settlement window's pending obligations
// into the minimal set of transfers.
//
// Both parties to a net must compute the same result from the same
// obligations; the engine therefore serializes obligations canonically
// and exposes the digest of that serialization, so disagreement is
// detected by comparing bytes, never by trusting a counterparty's
// arithmetic. A disagreement is parked for manual reconciliation, not
// resolved silently.
package netting

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/flotilla-net/flotilla/internal/amount"
	"github.com/flotilla-net/flotilla/internal/idgen"
	"github.com/flotilla-net/flotilla/internal/metrics"
	"github.com/flotilla-net/flotilla/internal/settlement"
	"github.com/flotilla-net/flotilla/internal/tickets"
	"github.com/flotilla-net/flotilla/internal/wire"
)

var (
	ErrProposalNotFound     = errors.New("netting proposal not found")
	ErrNettingDisagreement  = errors.New("computed net does not match proposal")
	ErrAckWindowClosed      = errors.New("ack window has closed")
	ErrNotParticipant       = errors.New("peer is not a proposal participant")
	ErrProposalNotOpen      = errors.New("proposal is not open")
	ErrNothingToNet         = errors.New("no pending obligations in window")
	ErrConservationViolated = errors.New("netting conservation check failed")
)

// ProposalStatus of a netting proposal.
type ProposalStatus string

const (
	ProposalOpen         ProposalStatus = "open"
	ProposalExecuted     ProposalStatus = "executed"
	ProposalDisagreement ProposalStatus = "disagreement"
)

// DefaultAckWindow is how long participants have to ack a proposal.
const DefaultAckWindow = 4 * time.Hour

// NetResult is the outcome of netting one pair of peers.
type NetResult struct {
	WindowID      string   `json:"windowId"`
	PeerA         string   `json:"peerA"`
	PeerB         string   `json:"peerB"`
	NetPayer      string   `json:"netPayer,omitempty"`
	NetPayee      string   `json:"netPayee,omitempty"`
	Amount        int64    `json:"amount"`
	ObligationIDs []string `json:"obligationIds"`
	Digest        string   `json:"digest"`
}

// NetTransfer is one realized transfer out of a netting round. For
// bilateral nets ObligationIDs carries the pair's consumed obligations;
// multilateral transfers settle collectively through the proposal.
type NetTransfer struct {
	FromPeer      string   `json:"fromPeer"`
	ToPeer        string   `json:"toPeer"`
	Amount        int64    `json:"amount"`
	ObligationIDs []string `json:"obligationIds,omitempty"`
}

// Proposal is an offer to net a window, awaiting counterparty acks.
// After execution it tracks the multilateral round's outstanding
// transfer tickets; the collectively netted obligations settle only
// once every one of those tickets has finalized.
type Proposal struct {
	ID            string            `json:"id"`
	WindowID      string            `json:"windowId"`
	Digest        string            `json:"obligationsDigest"`
	Participants  []string          `json:"participants"`
	Acks          map[string]string `json:"acks"` // peer -> acked digest
	ObligationIDs []string          `json:"obligationIds,omitempty"`
	TicketIDs     []string          `json:"ticketIds,omitempty"`
	Status        ProposalStatus    `json:"status"`
	CreatedAt     time.Time         `json:"createdAt"`
	Deadline      time.Time         `json:"deadline"`
}

// Acked reports whether a peer has acked with the matching digest.
func (p *Proposal) Acked(peerAddr string) bool {
	return p.Acks[strings.ToLower(peerAddr)] == p.Digest
}

// ObligationSource is the settlement view the engine nets over.
type ObligationSource interface {
	ListByWindow(ctx context.Context, windowID string, statuses []settlement.Status) ([]*settlement.Obligation, error)
	MarkNetted(ctx context.Context, ids []string) error
	MarkSettled(ctx context.Context, id string) error
}

// TicketIssuer realizes net transfers as escrow tickets.
type TicketIssuer interface {
	Create(ctx context.Context, req tickets.CreateRequest) (*tickets.Ticket, error)
}

// ReliabilitySink records counterparties that missed the ack window.
type ReliabilitySink interface {
	RecordNonResponse(ctx context.Context, peerAddr string)
}

// Notifier receives executed netting rounds.
type Notifier interface {
	NettingExecuted(ctx context.Context, p *Proposal, transfers []NetTransfer)
}

// Store persists proposals.
type Store interface {
	CreateProposal(ctx context.Context, p *Proposal) error
	GetProposal(ctx context.Context, id string) (*Proposal, error)
	UpdateProposal(ctx context.Context, p *Proposal) error
	ListOpenProposals(ctx context.Context) ([]*Proposal, error)
}

// Engine runs bilateral and multilateral netting rounds.
type Engine struct {
	store       Store
	obligations ObligationSource
	issuer      TicketIssuer
	reliability ReliabilitySink
	notifier    Notifier
	ackWindow   time.Duration
	ticketTTL   time.Duration
	logger      *slog.Logger
}

// NewEngine creates a netting engine.
func NewEngine(store Store, obligations ObligationSource, issuer TicketIssuer, logger *slog.Logger) *Engine {
	return &Engine{
		store:       store,
		obligations: obligations,
		issuer:      issuer,
		ackWindow:   DefaultAckWindow,
		ticketTTL:   72 * time.Hour,
		logger:      logger,
	}
}

// WithAckWindow overrides the proposal ack deadline.
func (e *Engine) WithAckWindow(d time.Duration) *Engine {
	e.ackWindow = d
	return e
}

// WithReliabilitySink wires the reputation penalty sink.
func (e *Engine) WithReliabilitySink(r ReliabilitySink) *Engine {
	e.reliability = r
	return e
}

// WithNotifier adds a netting round event notifier.
func (e *Engine) WithNotifier(n Notifier) *Engine {
	e.notifier = n
	return e
}

// canonicalDigest serializes obligations in ID order and hashes the
// result. Independent nodes holding the same obligations produce a
// byte-identical digest.
func canonicalDigest(obs []*settlement.Obligation) string {
	sorted := make([]*settlement.Obligation, len(obs))
	copy(sorted, obs)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	var b strings.Builder
	for _, o := range sorted {
		fmt.Fprintf(&b, "%s|%s|%s|%s|%d;", o.ID, o.Type, o.FromPeer, o.ToPeer, o.Amount)
	}
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

// pairObligations returns a window's pending obligations between two
// peers, either direction.
func (e *Engine) pairObligations(ctx context.Context, windowID, a, b string) ([]*settlement.Obligation, error) {
	all, err := e.obligations.ListByWindow(ctx, windowID, []settlement.Status{settlement.StatusPending})
	if err != nil {
		return nil, err
	}
	var out []*settlement.Obligation
	for _, o := range all {
		if (o.FromPeer == a && o.ToPeer == b) || (o.FromPeer == b && o.ToPeer == a) {
			out = append(out, o)
		}
	}
	return out, nil
}

// BilateralNet computes the net position between two peers over a
// window's pending obligations. It does not move funds or change
// obligation status; callers realize the result separately.
func (e *Engine) BilateralNet(ctx context.Context, a, b, windowID string) (*NetResult, error) {
	a, b = strings.ToLower(a), strings.ToLower(b)
	obs, err := e.pairObligations(ctx, windowID, a, b)
	if err != nil {
		return nil, err
	}
	if len(obs) == 0 {
		return nil, ErrNothingToNet
	}

	var aOwes, bOwes int64
	ids := make([]string, 0, len(obs))
	for _, o := range obs {
		if o.FromPeer == a {
			aOwes, err = amount.Add(aOwes, o.Amount)
		} else {
			bOwes, err = amount.Add(bOwes, o.Amount)
		}
		if err != nil {
			return nil, err
		}
		ids = append(ids, o.ID)
	}
	sort.Strings(ids)

	res := &NetResult{
		WindowID:      windowID,
		PeerA:         a,
		PeerB:         b,
		ObligationIDs: ids,
		Digest:        canonicalDigest(obs),
	}
	switch {
	case aOwes > bOwes:
		res.NetPayer, res.NetPayee, res.Amount = a, b, aOwes-bOwes
	case bOwes > aOwes:
		res.NetPayer, res.NetPayee, res.Amount = b, a, bOwes-aOwes
	}
	return res, nil
}

// position is a peer's net stance over a window: positive means the
// fleet owes the peer, negative means the peer owes the fleet.
type position struct {
	peer string
	net  int64
}

// MultilateralNet reduces a window's pending obligations to the minimal
// transfer set. Cycles cancel implicitly: a peer whose inflow equals
// its outflow nets to zero and appears in no transfer.
func (e *Engine) MultilateralNet(ctx context.Context, windowID string) ([]NetTransfer, []string, error) {
	obs, err := e.obligations.ListByWindow(ctx, windowID, []settlement.Status{settlement.StatusPending})
	if err != nil {
		return nil, nil, err
	}
	return e.multilateralOver(obs)
}

func (e *Engine) multilateralOver(obs []*settlement.Obligation) ([]NetTransfer, []string, error) {
	if len(obs) == 0 {
		return nil, nil, ErrNothingToNet
	}

	positions := make(map[string]int64)
	ids := make([]string, 0, len(obs))
	for _, o := range obs {
		var err error
		if positions[o.FromPeer], err = amount.Add(positions[o.FromPeer], -o.Amount); err != nil {
			return nil, nil, err
		}
		if positions[o.ToPeer], err = amount.Add(positions[o.ToPeer], o.Amount); err != nil {
			return nil, nil, err
		}
		ids = append(ids, o.ID)
	}
	sort.Strings(ids)

	var debtors, creditors []position
	for peer, net := range positions {
		switch {
		case net < 0:
			debtors = append(debtors, position{peer, -net})
		case net > 0:
			creditors = append(creditors, position{peer, net})
		}
	}
	// Largest first; ties broken by address so every node derives the
	// same transfer list.
	byMagnitude := func(ps []position) {
		sort.Slice(ps, func(i, j int) bool {
			if ps[i].net != ps[j].net {
				return ps[i].net > ps[j].net
			}
			return ps[i].peer < ps[j].peer
		})
	}
	byMagnitude(debtors)
	byMagnitude(creditors)

	var transfers []NetTransfer
	di, ci := 0, 0
	for di < len(debtors) && ci < len(creditors) {
		d, c := &debtors[di], &creditors[ci]
		amt := d.net
		if c.net < amt {
			amt = c.net
		}
		transfers = append(transfers, NetTransfer{FromPeer: d.peer, ToPeer: c.peer, Amount: amt})
		d.net -= amt
		c.net -= amt
		if d.net == 0 {
			di++
		}
		if c.net == 0 {
			ci++
		}
	}
	if di < len(debtors) || ci < len(creditors) {
		return nil, nil, ErrConservationViolated
	}
	return transfers, ids, nil
}

// Propose opens a netting round for a window. The digest commits to the
// exact obligation set; acks are compared against it byte for byte.
func (e *Engine) Propose(ctx context.Context, windowID string) (*Proposal, error) {
	obs, err := e.obligations.ListByWindow(ctx, windowID, []settlement.Status{settlement.StatusPending})
	if err != nil {
		return nil, err
	}
	if len(obs) == 0 {
		return nil, ErrNothingToNet
	}

	seen := make(map[string]bool)
	var participants []string
	for _, o := range obs {
		for _, p := range []string{o.FromPeer, o.ToPeer} {
			if !seen[p] {
				seen[p] = true
				participants = append(participants, p)
			}
		}
	}
	sort.Strings(participants)

	now := time.Now()
	p := &Proposal{
		ID:           idgen.WithPrefix("net_"),
		WindowID:     windowID,
		Digest:       canonicalDigest(obs),
		Participants: participants,
		Acks:         make(map[string]string),
		Status:       ProposalOpen,
		CreatedAt:    now,
		Deadline:     now.Add(e.ackWindow),
	}
	if err := e.store.CreateProposal(ctx, p); err != nil {
		return nil, err
	}
	e.logger.Info("netting proposal opened",
		"proposal_id", p.ID,
		"window_id", windowID,
		"participants", len(participants),
		"deadline", p.Deadline)
	return p, nil
}

// Ack records a participant's agreement with the proposal digest. The
// signature must cover the acked digest so a peer cannot later deny
// what it computed. A mismatched digest parks the proposal for manual
// reconciliation and is never overridden by later acks.
func (e *Engine) Ack(ctx context.Context, proposalID, peerAddr, computedDigest, sigHex string) error {
	p, err := e.store.GetProposal(ctx, proposalID)
	if err != nil {
		return err
	}
	if p.Status != ProposalOpen {
		return ErrProposalNotOpen
	}
	if time.Now().After(p.Deadline) {
		return ErrAckWindowClosed
	}

	peerAddr = strings.ToLower(peerAddr)
	if !contains(p.Participants, peerAddr) {
		return ErrNotParticipant
	}
	msg := wire.AckMessage(p.WindowID, computedDigest)
	if err := wire.VerifySignature(msg, sigHex, peerAddr); err != nil {
		return fmt.Errorf("ack signature: %w", err)
	}

	p.Acks[peerAddr] = computedDigest
	if computedDigest != p.Digest {
		p.Status = ProposalDisagreement
		if err := e.store.UpdateProposal(ctx, p); err != nil {
			return err
		}
		metrics.NettingRoundsTotal.WithLabelValues("multilateral", "disagreement").Inc()
		e.logger.Error("netting disagreement, parked for manual reconciliation",
			"proposal_id", p.ID,
			"window_id", p.WindowID,
			"peer", peerAddr,
			"expected", p.Digest,
			"computed", computedDigest)
		return ErrNettingDisagreement
	}
	return e.store.UpdateProposal(ctx, p)
}

// Execute closes a proposal: fully acked participants enter the
// multilateral round, dropouts fall back to pairwise bilateral nets and
// accrue a reliability penalty. Consumed obligations move to netted and
// each net transfer is realized as an escrow ticket.
func (e *Engine) Execute(ctx context.Context, proposalID string) ([]NetTransfer, error) {
	p, err := e.store.GetProposal(ctx, proposalID)
	if err != nil {
		return nil, err
	}
	if p.Status != ProposalOpen {
		return nil, ErrProposalNotOpen
	}

	var dropped []string
	acked := make(map[string]bool)
	for _, peer := range p.Participants {
		if p.Acked(peer) {
			acked[peer] = true
		} else {
			dropped = append(dropped, peer)
		}
	}
	for _, peer := range dropped {
		e.logger.Warn("participant missed ack window, falling back to bilateral",
			"proposal_id", p.ID, "peer", peer)
		if e.reliability != nil {
			e.reliability.RecordNonResponse(ctx, peer)
		}
	}

	obs, err := e.obligations.ListByWindow(ctx, p.WindowID, []settlement.Status{settlement.StatusPending})
	if err != nil {
		return nil, err
	}

	var multilateral, bilateral []*settlement.Obligation
	for _, o := range obs {
		if acked[o.FromPeer] && acked[o.ToPeer] {
			multilateral = append(multilateral, o)
		} else {
			bilateral = append(bilateral, o)
		}
	}

	var transfers []NetTransfer
	var consumed, offset []string

	if len(multilateral) > 0 {
		ts, ids, err := e.multilateralOver(multilateral)
		if err != nil {
			return nil, err
		}
		transfers = append(transfers, ts...)
		consumed = append(consumed, ids...)
		if len(ts) == 0 {
			// Pure cycle, every position nets to zero.
			offset = append(offset, ids...)
		} else {
			p.ObligationIDs = ids
		}
		metrics.NettingRoundsTotal.WithLabelValues("multilateral", "executed").Inc()
	}

	bts, bids, boffset, err := e.bilateralFallback(ctx, p.WindowID, bilateral)
	if err != nil {
		return nil, err
	}
	transfers = append(transfers, bts...)
	consumed = append(consumed, bids...)
	offset = append(offset, boffset...)

	if err := e.realize(ctx, p, transfers, consumed, offset); err != nil {
		return nil, err
	}

	p.Status = ProposalExecuted
	if err := e.store.UpdateProposal(ctx, p); err != nil {
		return nil, err
	}
	e.logger.Info("netting round executed",
		"proposal_id", p.ID,
		"window_id", p.WindowID,
		"transfers", len(transfers),
		"obligations", len(consumed),
		"dropped", len(dropped))
	if e.notifier != nil {
		e.notifier.NettingExecuted(ctx, p, transfers)
	}
	return transfers, nil
}

// bilateralFallback nets obligations excluded from the multilateral
// round pair by pair. It returns the transfers (each carrying its
// pair's obligation IDs), all consumed IDs, and the IDs of pairs that
// offset exactly and owe nothing.
func (e *Engine) bilateralFallback(ctx context.Context, windowID string, obs []*settlement.Obligation) ([]NetTransfer, []string, []string, error) {
	if len(obs) == 0 {
		return nil, nil, nil, nil
	}

	type pair struct{ a, b string }
	pairs := make(map[pair][]*settlement.Obligation)
	for _, o := range obs {
		k := pair{o.FromPeer, o.ToPeer}
		if k.b < k.a {
			k.a, k.b = k.b, k.a
		}
		pairs[k] = append(pairs[k], o)
	}
	keys := make([]pair, 0, len(pairs))
	for k := range pairs {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].a != keys[j].a {
			return keys[i].a < keys[j].a
		}
		return keys[i].b < keys[j].b
	})

	var transfers []NetTransfer
	var consumed, offset []string
	for _, k := range keys {
		var aOwes, bOwes int64
		var err error
		pairIDs := make([]string, 0, len(pairs[k]))
		for _, o := range pairs[k] {
			if o.FromPeer == k.a {
				aOwes, err = amount.Add(aOwes, o.Amount)
			} else {
				bOwes, err = amount.Add(bOwes, o.Amount)
			}
			if err != nil {
				return nil, nil, nil, err
			}
			pairIDs = append(pairIDs, o.ID)
		}
		sort.Strings(pairIDs)
		consumed = append(consumed, pairIDs...)
		switch {
		case aOwes > bOwes:
			transfers = append(transfers, NetTransfer{FromPeer: k.a, ToPeer: k.b, Amount: aOwes - bOwes, ObligationIDs: pairIDs})
		case bOwes > aOwes:
			transfers = append(transfers, NetTransfer{FromPeer: k.b, ToPeer: k.a, Amount: bOwes - aOwes, ObligationIDs: pairIDs})
		default:
			// Perfect offset, nothing owed either way.
			offset = append(offset, pairIDs...)
		}
		metrics.NettingRoundsTotal.WithLabelValues("bilateral", "executed").Inc()
	}
	return transfers, consumed, offset, nil
}

// realize marks obligations netted and issues one escrow ticket per net
// transfer. Status moves first so a ticket failure leaves obligations
// netted (retryable via the window listing) rather than double-counted
// in a later round. Fully offset obligations owe nothing and settle
// immediately; the rest settle as their transfer tickets finalize.
func (e *Engine) realize(ctx context.Context, p *Proposal, transfers []NetTransfer, consumed, offset []string) error {
	if len(consumed) == 0 {
		return nil
	}
	if err := e.obligations.MarkNetted(ctx, consumed); err != nil {
		return err
	}
	for _, id := range offset {
		if err := e.obligations.MarkSettled(ctx, id); err != nil {
			e.logger.Error("failed to settle offset obligation", "obligation_id", id, "error", err)
		}
	}
	for _, tr := range transfers {
		req := tickets.CreateRequest{
			Payer:         tr.FromPeer,
			LockKeys:      []string{tr.ToPeer},
			Timelock:      time.Now().Add(e.ticketTTL),
			RefundKeys:    []string{tr.FromPeer},
			Amount:        tr.Amount,
			ObligationRef: "net:" + p.ID,
			ObligationIDs: tr.ObligationIDs,
		}
		t, err := e.issuer.Create(ctx, req)
		if err != nil {
			e.logger.Error("CRITICAL: net transfer ticket failed, obligations already netted",
				"window_id", p.WindowID,
				"from", tr.FromPeer,
				"to", tr.ToPeer,
				"amount", tr.Amount,
				"error", err)
			return fmt.Errorf("realize net transfer %s -> %s: %w", tr.FromPeer, tr.ToPeer, err)
		}
		if len(tr.ObligationIDs) == 0 {
			// Multilateral transfer; the round settles collectively
			// once all its tickets finalize.
			p.TicketIDs = append(p.TicketIDs, t.ID)
		}
	}
	return nil
}

// OnTicketFinalized retires a finalized net transfer ticket from its
// proposal. When the last outstanding ticket of a multilateral round
// finalizes, the round's collectively netted obligations settle.
func (e *Engine) OnTicketFinalized(ctx context.Context, proposalID, ticketID string) error {
	p, err := e.store.GetProposal(ctx, proposalID)
	if err != nil {
		return err
	}
	kept := make([]string, 0, len(p.TicketIDs))
	found := false
	for _, id := range p.TicketIDs {
		if id == ticketID {
			found = true
			continue
		}
		kept = append(kept, id)
	}
	if !found {
		return nil
	}
	p.TicketIDs = kept
	if len(kept) == 0 {
		for _, id := range p.ObligationIDs {
			if err := e.obligations.MarkSettled(ctx, id); err != nil {
				e.logger.Error("failed to settle netted obligation",
					"proposal_id", p.ID, "obligation_id", id, "error", err)
			}
		}
		p.ObligationIDs = nil
	}
	return e.store.UpdateProposal(ctx, p)
}

// SweepDeadlines executes open proposals whose ack window has passed.
// Called by the window timer.
func (e *Engine) SweepDeadlines(ctx context.Context, now time.Time) error {
	open, err := e.store.ListOpenProposals(ctx)
	if err != nil {
		return err
	}
	for _, p := range open {
		if now.Before(p.Deadline) {
			continue
		}
		if _, err := e.Execute(ctx, p.ID); err != nil && !errors.Is(err, ErrNothingToNet) {
			e.logger.Error("deadline execution failed", "proposal_id", p.ID, "error", err)
		}
	}
	return nil
}

// GetProposal returns a proposal by ID.
func (e *Engine) GetProposal(ctx context.Context, id string) (*Proposal, error) {
	return e.store.GetProposal(ctx, id)
}

func contains(ss []string, s string) bool {
	for _, v := range ss {
		if v == s {
			return true
		}
	}
	return false
}
