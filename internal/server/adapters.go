package server

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/flotilla-net/flotilla/internal/arbitration"
	"github.com/flotilla-net/flotilla/internal/bonds"
	"github.com/flotilla-net/flotilla/internal/netting"
	"github.com/flotilla-net/flotilla/internal/realtime"
	"github.com/flotilla-net/flotilla/internal/settlement"
	"github.com/flotilla-net/flotilla/internal/tickets"
	"github.com/flotilla-net/flotilla/internal/webhooks"
)

// obligationControlAdapter exposes the settlement status machine to the
// dispute coordinator without arbitration importing settlement.
type obligationControlAdapter struct {
	svc *settlement.Service
}

func (a *obligationControlAdapter) StatusOf(ctx context.Context, id string) (string, error) {
	o, err := a.svc.Get(ctx, id)
	if err != nil {
		return "", err
	}
	return string(o.Status), nil
}

func (a *obligationControlAdapter) MarkDisputed(ctx context.Context, id string) error {
	return a.svc.MarkDisputed(ctx, id)
}

func (a *obligationControlAdapter) MarkPending(ctx context.Context, id string) error {
	return a.svc.MarkPending(ctx, id)
}

func (a *obligationControlAdapter) MarkSettled(ctx context.Context, id string) error {
	return a.svc.MarkSettled(ctx, id)
}

// bondSlasherAdapter narrows the bond service to the coordinator's needs
// and fans slash outcomes out to webhooks and the realtime feed.
type bondSlasherAdapter struct {
	svc     *bonds.Service
	emitter *webhooks.Emitter
	hub     *realtime.Hub
}

func (a *bondSlasherAdapter) Slashable(ctx context.Context, peerAddr string) (int64, error) {
	return a.svc.Slashable(ctx, peerAddr)
}

func (a *bondSlasherAdapter) Slash(ctx context.Context, peerAddr string, amt int64, disputeRef string) error {
	b, err := a.svc.Slash(ctx, peerAddr, amt, disputeRef)
	if err != nil {
		return err
	}
	a.emitter.EmitBondSlashed(peerAddr, disputeRef, amt, b.Remaining())
	if a.hub != nil {
		a.hub.BroadcastTicket(realtime.EventBondSlashed, map[string]interface{}{
			"peer":       peerAddr,
			"disputeRef": disputeRef,
			"amount":     amt,
			"remaining":  b.Remaining(),
		})
	}
	return nil
}

// candidatePoolAdapter draws arbitrator candidates from the active bond
// set. Tenure counts whole days since the bond was first posted.
type candidatePoolAdapter struct {
	svc *bonds.Service
}

func (a *candidatePoolAdapter) EligibleCandidates(c *gin.Context) ([]arbitration.Candidate, error) {
	active, err := a.svc.ListActive(c.Request.Context())
	if err != nil {
		return nil, err
	}
	out := make([]arbitration.Candidate, 0, len(active))
	for _, b := range active {
		out = append(out, arbitration.Candidate{
			PeerAddr:   b.PeerAddr,
			Bond:       b.Remaining(),
			TenureDays: int64(time.Since(b.CreatedAt).Hours() / 24),
		})
	}
	return out, nil
}

// obligationSettler finalizes obligations once their transfer realized.
type obligationSettler interface {
	MarkSettled(ctx context.Context, id string) error
}

// nettingRounds retires net transfer tickets from their proposals.
type nettingRounds interface {
	OnTicketFinalized(ctx context.Context, proposalID, ticketID string) error
}

// fleetNotifier fans lifecycle events out to webhook subscribers and
// websocket clients, and closes the obligation lifecycle: a redeemed
// ticket settles the obligations it carries. Implements the ticket and
// dispute notifier hooks.
type fleetNotifier struct {
	emitter     *webhooks.Emitter
	hub         *realtime.Hub
	obligations obligationSettler
	rounds      nettingRounds
	logger      *slog.Logger
}

func (n *fleetNotifier) ReclaimEligible(ctx context.Context, t *tickets.Ticket) {
	n.emitter.EmitReclaimEligible(t.Payer, t.ID, t.Payee, t.Amount)
	if n.hub != nil {
		n.hub.BroadcastTicket(realtime.EventReclaimEligible, map[string]interface{}{
			"ticketId": t.ID,
			"payer":    t.Payer,
			"payee":    t.Payee,
			"amount":   t.Amount,
		})
	}
}

func (n *fleetNotifier) TicketFinalized(ctx context.Context, t *tickets.Ticket) {
	// A refund moves no value; only redemption settles obligations.
	if t.Status == tickets.StatusRedeemed {
		n.settleObligations(ctx, t)
	}
	n.emitter.EmitTicketFinalized(t.Payee, t.ID, t.Payer, t.Amount, t.TxRef)
	if n.hub != nil {
		n.hub.BroadcastTicket(realtime.EventTicketFinalized, map[string]interface{}{
			"ticketId": t.ID,
			"payer":    t.Payer,
			"payee":    t.Payee,
			"amount":   t.Amount,
			"status":   string(t.Status),
		})
	}
}

func (n *fleetNotifier) settleObligations(ctx context.Context, t *tickets.Ticket) {
	if n.obligations != nil {
		for _, id := range t.ObligationIDs {
			if err := n.obligations.MarkSettled(ctx, id); err != nil {
				n.logger.Error("failed to settle obligation on ticket redemption",
					"ticket_id", t.ID, "obligation_id", id, "error", err)
			}
		}
	}
	if n.rounds == nil {
		return
	}
	if proposalID, ok := strings.CutPrefix(t.ObligationRef, "net:"); ok {
		if err := n.rounds.OnTicketFinalized(ctx, proposalID, t.ID); err != nil {
			n.logger.Error("failed to retire net ticket from proposal",
				"ticket_id", t.ID, "proposal_id", proposalID, "error", err)
		}
	}
}

func (n *fleetNotifier) ObligationRecorded(ctx context.Context, o *settlement.Obligation) {
	n.emitter.EmitObligationRecorded(o.ToPeer, o.ID, o.FromPeer, string(o.Type), o.Amount)
	if n.hub != nil {
		n.hub.BroadcastTicket(realtime.EventObligationRecorded, map[string]interface{}{
			"obligationId": o.ID,
			"type":         string(o.Type),
			"payer":        o.FromPeer,
			"payee":        o.ToPeer,
			"windowId":     o.WindowID,
			"amount":       o.Amount,
		})
	}
}

func (n *fleetNotifier) NettingExecuted(ctx context.Context, p *netting.Proposal, transfers []netting.NetTransfer) {
	for _, peer := range p.Participants {
		n.emitter.EmitNettingExecuted(peer, p.ID, p.WindowID, len(transfers))
	}
	if n.hub != nil {
		n.hub.BroadcastTicket(realtime.EventNettingExecuted, map[string]interface{}{
			"proposalId": p.ID,
			"windowId":   p.WindowID,
			"transfers":  len(transfers),
		})
	}
}

func (n *fleetNotifier) DisputeResolved(d *arbitration.Dispute) {
	n.emitter.EmitDisputeResolved(d.Respondent, d.ID, d.ObligationID, string(d.Outcome), d.SlashAmount)
	if n.hub != nil {
		n.hub.BroadcastTicket(realtime.EventDisputeResolved, map[string]interface{}{
			"disputeId":    d.ID,
			"obligationId": d.ObligationID,
			"peer":         d.Respondent,
			"outcome":      string(d.Outcome),
			"slashAmount":  d.SlashAmount,
		})
	}
}
