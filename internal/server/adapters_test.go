package server

import (
	"context"
	"io"
	"log/slog"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/flotilla-net/flotilla/internal/bonds"
	"github.com/flotilla-net/flotilla/internal/tickets"
)

type noopCollateral struct{}

func (noopCollateral) CanSpend(context.Context, string, int64) (bool, error)     { return true, nil }
func (noopCollateral) EscrowLock(context.Context, string, int64, string) error   { return nil }
func (noopCollateral) RefundEscrow(context.Context, string, int64, string) error { return nil }
func (noopCollateral) ReleaseEscrow(context.Context, string, string, int64, string) error {
	return nil
}

type recordingSettler struct {
	settled []string
}

func (r *recordingSettler) MarkSettled(_ context.Context, id string) error {
	r.settled = append(r.settled, id)
	return nil
}

type recordingRounds struct {
	proposalID string
	ticketID   string
}

func (r *recordingRounds) OnTicketFinalized(_ context.Context, proposalID, ticketID string) error {
	r.proposalID = proposalID
	r.ticketID = ticketID
	return nil
}

func TestFleetNotifierSettlesOnRedemption(t *testing.T) {
	settler := &recordingSettler{}
	rounds := &recordingRounds{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	n := &fleetNotifier{obligations: settler, rounds: rounds, logger: logger}

	n.TicketFinalized(context.Background(), &tickets.Ticket{
		ID:            "tkt_1",
		Status:        tickets.StatusRedeemed,
		ObligationRef: "net:net_abc",
		ObligationIDs: []string{"obl_1", "obl_2"},
	})
	if len(settler.settled) != 2 {
		t.Fatalf("settled %v, want both carried obligations", settler.settled)
	}
	if rounds.proposalID != "net_abc" || rounds.ticketID != "tkt_1" {
		t.Errorf("proposal callback = (%s, %s), want (net_abc, tkt_1)", rounds.proposalID, rounds.ticketID)
	}
}

func TestFleetNotifierIgnoresRefunds(t *testing.T) {
	settler := &recordingSettler{}
	rounds := &recordingRounds{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	n := &fleetNotifier{obligations: settler, rounds: rounds, logger: logger}

	// A refund moves no value, so nothing settles.
	n.TicketFinalized(context.Background(), &tickets.Ticket{
		ID:            "tkt_1",
		Status:        tickets.StatusRefunded,
		ObligationRef: "net:net_abc",
		ObligationIDs: []string{"obl_1"},
	})
	if len(settler.settled) != 0 || rounds.ticketID != "" {
		t.Errorf("refund settled %v / retired %s, want nothing", settler.settled, rounds.ticketID)
	}
}

func TestCandidatePoolAdapter(t *testing.T) {
	store := bonds.NewMemoryStore()
	now := time.Now()
	seed := []*bonds.Bond{
		{PeerAddr: "0xaaa", Amount: 50_000, Slashed: 5_000, Status: bonds.BondActive, CreatedAt: now.Add(-30 * 24 * time.Hour)},
		{PeerAddr: "0xbbb", Amount: 20_000, Status: bonds.BondActive, CreatedAt: now},
		{PeerAddr: "0xccc", Amount: 10_000, Status: bonds.BondRefunded, CreatedAt: now.Add(-90 * 24 * time.Hour)},
	}
	for _, b := range seed {
		if err := store.Put(context.Background(), b); err != nil {
			t.Fatalf("Put: %v", err)
		}
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	adapter := &candidatePoolAdapter{svc: bonds.NewService(store, noopCollateral{}, logger)}

	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	c.Request = httptest.NewRequest("GET", "/", nil)

	out, err := adapter.EligibleCandidates(c)
	if err != nil {
		t.Fatalf("EligibleCandidates: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("expected 2 candidates (refunded bond excluded), got %d", len(out))
	}
	if out[0].PeerAddr != "0xaaa" || out[1].PeerAddr != "0xbbb" {
		t.Fatalf("unexpected candidate order: %s, %s", out[0].PeerAddr, out[1].PeerAddr)
	}
	if out[0].Bond != 45_000 {
		t.Errorf("expected slashed amount deducted from bond weight, got %d", out[0].Bond)
	}
	if out[0].TenureDays != 30 {
		t.Errorf("expected 30 days tenure, got %d", out[0].TenureDays)
	}
	if out[1].TenureDays != 0 {
		t.Errorf("expected 0 days tenure for a fresh bond, got %d", out[1].TenureDays)
	}
}
