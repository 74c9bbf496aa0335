package netting

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/flotilla-net/flotilla/internal/settlement"
	"github.com/flotilla-net/flotilla/internal/tickets"
	"github.com/flotilla-net/flotilla/internal/wire"
)

type fakeObligations struct {
	mu  sync.Mutex
	obs []*settlement.Obligation
}

func (f *fakeObligations) add(id, from, to string, amt int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.obs = append(f.obs, &settlement.Obligation{
		ID:       id,
		Type:     settlement.TypePriorityFee,
		FromPeer: strings.ToLower(from),
		ToPeer:   strings.ToLower(to),
		Amount:   amt,
		WindowID: "win-1",
		Status:   settlement.StatusPending,
	})
}

func (f *fakeObligations) ListByWindow(_ context.Context, windowID string, statuses []settlement.Status) ([]*settlement.Obligation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*settlement.Obligation
	for _, o := range f.obs {
		if o.WindowID != windowID {
			continue
		}
		match := len(statuses) == 0
		for _, s := range statuses {
			if o.Status == s {
				match = true
			}
		}
		if match {
			cp := *o
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *fakeObligations) MarkNetted(_ context.Context, ids []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range ids {
		for _, o := range f.obs {
			if o.ID == id {
				o.Status = settlement.StatusNetted
			}
		}
	}
	return nil
}

func (f *fakeObligations) MarkSettled(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, o := range f.obs {
		if o.ID == id {
			o.Status = settlement.StatusSettled
		}
	}
	return nil
}

func (f *fakeObligations) statusOf(id string) settlement.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, o := range f.obs {
		if o.ID == id {
			return o.Status
		}
	}
	return ""
}

type fakeIssuer struct {
	mu       sync.Mutex
	requests []tickets.CreateRequest
	fail     error
}

func (f *fakeIssuer) Create(_ context.Context, req tickets.CreateRequest) (*tickets.Ticket, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return nil, f.fail
	}
	f.requests = append(f.requests, req)
	return &tickets.Ticket{ID: fmt.Sprintf("tkt_%d", len(f.requests))}, nil
}

type fakeReliability struct {
	mu    sync.Mutex
	peers []string
}

func (f *fakeReliability) RecordNonResponse(_ context.Context, peerAddr string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.peers = append(f.peers, peerAddr)
}

func testKey(t *testing.T) (privHex, addr string) {
	t.Helper()
	key, err := ethcrypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	privHex = hex.EncodeToString(ethcrypto.FromECDSA(key))
	addr = strings.ToLower(ethcrypto.PubkeyToAddress(key.PublicKey).Hex())
	return privHex, addr
}

func signAck(t *testing.T, priv, windowID, digest string) string {
	t.Helper()
	sig, err := wire.Sign(wire.AckMessage(windowID, digest), priv)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	return sig
}

func newTestEngine(obs *fakeObligations, issuer *fakeIssuer) *Engine {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewEngine(NewMemoryStore(), obs, issuer, logger)
}

const (
	addrA = "0x1111111111111111111111111111111111111111"
	addrB = "0x2222222222222222222222222222222222222222"
	addrC = "0x3333333333333333333333333333333333333333"
)

func TestBilateralNetOffsets(t *testing.T) {
	obs := &fakeObligations{}
	obs.add("obl_1", addrA, addrB, 2000)
	obs.add("obl_2", addrA, addrB, 1600)
	obs.add("obl_3", addrB, addrA, 1700)
	e := newTestEngine(obs, &fakeIssuer{})

	res, err := e.BilateralNet(context.Background(), addrA, addrB, "win-1")
	if err != nil {
		t.Fatalf("BilateralNet: %v", err)
	}
	if res.NetPayer != addrA || res.NetPayee != addrB {
		t.Errorf("net direction = %s -> %s, want A -> B", res.NetPayer, res.NetPayee)
	}
	if res.Amount != 1900 {
		t.Errorf("net amount = %d, want 1900", res.Amount)
	}
	if len(res.ObligationIDs) != 3 {
		t.Errorf("consumed %d obligations, want 3", len(res.ObligationIDs))
	}

	// Argument order must not change the digest.
	rev, err := e.BilateralNet(context.Background(), addrB, addrA, "win-1")
	if err != nil {
		t.Fatalf("BilateralNet reversed: %v", err)
	}
	if rev.Digest != res.Digest {
		t.Errorf("digest differs by argument order: %s vs %s", res.Digest, rev.Digest)
	}
	if rev.NetPayer != addrA || rev.Amount != 1900 {
		t.Errorf("reversed net = %s pays %d, want A pays 1900", rev.NetPayer, rev.Amount)
	}
}

func TestBilateralNetEvenPositions(t *testing.T) {
	obs := &fakeObligations{}
	obs.add("obl_1", addrA, addrB, 500)
	obs.add("obl_2", addrB, addrA, 500)
	e := newTestEngine(obs, &fakeIssuer{})

	res, err := e.BilateralNet(context.Background(), addrA, addrB, "win-1")
	if err != nil {
		t.Fatalf("BilateralNet: %v", err)
	}
	if res.Amount != 0 || res.NetPayer != "" {
		t.Errorf("even positions produced a transfer: %+v", res)
	}
}

func TestMultilateralCycleCancels(t *testing.T) {
	obs := &fakeObligations{}
	obs.add("obl_1", addrA, addrB, 500)
	obs.add("obl_2", addrB, addrC, 500)
	obs.add("obl_3", addrC, addrA, 500)
	e := newTestEngine(obs, &fakeIssuer{})

	transfers, consumed, err := e.MultilateralNet(context.Background(), "win-1")
	if err != nil {
		t.Fatalf("MultilateralNet: %v", err)
	}
	if len(transfers) != 0 {
		t.Errorf("cycle produced %d transfers, want 0", len(transfers))
	}
	if len(consumed) != 3 {
		t.Errorf("consumed %d obligations, want 3", len(consumed))
	}
}

func TestMultilateralDeterministic(t *testing.T) {
	obs := &fakeObligations{}
	obs.add("obl_1", addrA, addrC, 300)
	obs.add("obl_2", addrB, addrC, 300)
	obs.add("obl_3", addrA, addrB, 100)
	e := newTestEngine(obs, &fakeIssuer{})

	first, _, err := e.MultilateralNet(context.Background(), "win-1")
	if err != nil {
		t.Fatalf("MultilateralNet: %v", err)
	}
	for i := 0; i < 5; i++ {
		again, _, err := e.MultilateralNet(context.Background(), "win-1")
		if err != nil {
			t.Fatalf("MultilateralNet: %v", err)
		}
		if len(again) != len(first) {
			t.Fatalf("transfer count varies: %d vs %d", len(again), len(first))
		}
		for j := range again {
			if !reflect.DeepEqual(again[j], first[j]) {
				t.Errorf("transfer %d varies: %+v vs %+v", j, again[j], first[j])
			}
		}
	}
}

func TestMultilateralConservation(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	peers := []string{addrA, addrB, addrC,
		"0x4444444444444444444444444444444444444444",
		"0x5555555555555555555555555555555555555555"}

	for round := 0; round < 20; round++ {
		obs := &fakeObligations{}
		want := make(map[string]int64)
		for i := 0; i < 12; i++ {
			from := peers[rng.Intn(len(peers))]
			to := peers[rng.Intn(len(peers))]
			if from == to {
				continue
			}
			amt := int64(rng.Intn(10000) + 1)
			obs.add(fmt.Sprintf("obl_%02d", i), from, to, amt)
			want[from] -= amt
			want[to] += amt
		}
		e := newTestEngine(obs, &fakeIssuer{})

		transfers, _, err := e.MultilateralNet(context.Background(), "win-1")
		if err != nil {
			if errors.Is(err, ErrNothingToNet) {
				continue
			}
			t.Fatalf("round %d: %v", round, err)
		}

		got := make(map[string]int64)
		for _, tr := range transfers {
			got[tr.FromPeer] -= tr.Amount
			got[tr.ToPeer] += tr.Amount
			if tr.Amount <= 0 {
				t.Errorf("round %d: non-positive transfer %+v", round, tr)
			}
		}
		for _, p := range peers {
			if got[p] != want[p] {
				t.Errorf("round %d: peer %s nets %d via transfers, obligations say %d",
					round, p, got[p], want[p])
			}
			if want[p] == 0 {
				for _, tr := range transfers {
					if tr.FromPeer == p || tr.ToPeer == p {
						t.Errorf("round %d: zero-position peer %s appears in transfer", round, p)
					}
				}
			}
		}
	}
}

func TestProposeAckExecute(t *testing.T) {
	ctx := context.Background()
	privA, peerA := testKey(t)
	privB, peerB := testKey(t)

	obs := &fakeObligations{}
	obs.add("obl_1", peerA, peerB, 3600)
	obs.add("obl_2", peerB, peerA, 1700)
	issuer := &fakeIssuer{}
	e := newTestEngine(obs, issuer)

	p, err := e.Propose(ctx, "win-1")
	if err != nil {
		t.Fatalf("Propose: %v", err)
	}
	if len(p.Participants) != 2 {
		t.Fatalf("participants = %v, want both peers", p.Participants)
	}

	for _, peer := range []struct{ priv, addr string }{{privA, peerA}, {privB, peerB}} {
		sig := signAck(t, peer.priv, "win-1", p.Digest)
		if err := e.Ack(ctx, p.ID, peer.addr, p.Digest, sig); err != nil {
			t.Fatalf("Ack(%s): %v", peer.addr, err)
		}
	}

	transfers, err := e.Execute(ctx, p.ID)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(transfers) != 1 {
		t.Fatalf("got %d transfers, want 1", len(transfers))
	}
	tr := transfers[0]
	if tr.FromPeer != peerA || tr.ToPeer != peerB || tr.Amount != 1900 {
		t.Errorf("transfer = %+v, want A pays B 1900", tr)
	}

	if got := obs.statusOf("obl_1"); got != settlement.StatusNetted {
		t.Errorf("obl_1 status = %s, want netted", got)
	}
	if len(issuer.requests) != 1 {
		t.Fatalf("issued %d tickets, want 1", len(issuer.requests))
	}
	req := issuer.requests[0]
	if req.Payer != peerA || req.LockKeys[0] != peerB || req.Amount != 1900 {
		t.Errorf("ticket request = %+v", req)
	}

	// Executed proposals cannot run again.
	if _, err := e.Execute(ctx, p.ID); !errors.Is(err, ErrProposalNotOpen) {
		t.Errorf("second execute error = %v, want ErrProposalNotOpen", err)
	}
}

func TestExecuteSettlesObligationsOnTicketRedemption(t *testing.T) {
	ctx := context.Background()
	privA, peerA := testKey(t)
	privB, peerB := testKey(t)

	obs := &fakeObligations{}
	obs.add("obl_1", peerA, peerB, 3600)
	obs.add("obl_2", peerB, peerA, 1700)
	issuer := &fakeIssuer{}
	e := newTestEngine(obs, issuer)

	p, err := e.Propose(ctx, "win-1")
	if err != nil {
		t.Fatalf("Propose: %v", err)
	}
	for _, peer := range []struct{ priv, addr string }{{privA, peerA}, {privB, peerB}} {
		sig := signAck(t, peer.priv, "win-1", p.Digest)
		if err := e.Ack(ctx, p.ID, peer.addr, p.Digest, sig); err != nil {
			t.Fatalf("Ack: %v", err)
		}
	}
	if _, err := e.Execute(ctx, p.ID); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	// The net ticket references its proposal so finalization can find it.
	if got := issuer.requests[0].ObligationRef; got != "net:"+p.ID {
		t.Errorf("obligation ref = %s, want net:%s", got, p.ID)
	}
	got, _ := e.GetProposal(ctx, p.ID)
	if len(got.TicketIDs) != 1 || len(got.ObligationIDs) != 2 {
		t.Fatalf("proposal tracking = tickets %v, obligations %v", got.TicketIDs, got.ObligationIDs)
	}
	if status := obs.statusOf("obl_1"); status != settlement.StatusNetted {
		t.Fatalf("obl_1 status = %s before ticket finalized, want netted", status)
	}

	if err := e.OnTicketFinalized(ctx, p.ID, got.TicketIDs[0]); err != nil {
		t.Fatalf("OnTicketFinalized: %v", err)
	}
	for _, id := range []string{"obl_1", "obl_2"} {
		if status := obs.statusOf(id); status != settlement.StatusSettled {
			t.Errorf("%s status = %s after ticket finalized, want settled", id, status)
		}
	}
	got, _ = e.GetProposal(ctx, p.ID)
	if len(got.TicketIDs) != 0 || len(got.ObligationIDs) != 0 {
		t.Errorf("proposal not cleared: tickets %v, obligations %v", got.TicketIDs, got.ObligationIDs)
	}

	// A ticket the proposal does not track changes nothing.
	if err := e.OnTicketFinalized(ctx, p.ID, "tkt_unrelated"); err != nil {
		t.Errorf("OnTicketFinalized(unknown): %v", err)
	}
}

func TestExecuteSettlesPerfectCycleImmediately(t *testing.T) {
	ctx := context.Background()
	privA, peerA := testKey(t)
	privB, peerB := testKey(t)
	privC, peerC := testKey(t)

	obs := &fakeObligations{}
	obs.add("obl_1", peerA, peerB, 500)
	obs.add("obl_2", peerB, peerC, 500)
	obs.add("obl_3", peerC, peerA, 500)
	issuer := &fakeIssuer{}
	e := newTestEngine(obs, issuer)

	p, err := e.Propose(ctx, "win-1")
	if err != nil {
		t.Fatalf("Propose: %v", err)
	}
	for _, peer := range []struct{ priv, addr string }{{privA, peerA}, {privB, peerB}, {privC, peerC}} {
		sig := signAck(t, peer.priv, "win-1", p.Digest)
		if err := e.Ack(ctx, p.ID, peer.addr, p.Digest, sig); err != nil {
			t.Fatalf("Ack: %v", err)
		}
	}
	transfers, err := e.Execute(ctx, p.ID)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(transfers) != 0 || len(issuer.requests) != 0 {
		t.Fatalf("cycle produced transfers %v, tickets %d; want none", transfers, len(issuer.requests))
	}
	// Nothing is owed, so nothing waits on a ticket.
	for _, id := range []string{"obl_1", "obl_2", "obl_3"} {
		if status := obs.statusOf(id); status != settlement.StatusSettled {
			t.Errorf("%s status = %s, want settled", id, status)
		}
	}
}

func TestBilateralFallbackTicketCarriesObligations(t *testing.T) {
	ctx := context.Background()
	_, peerA := testKey(t)
	_, peerB := testKey(t)
	_, peerC := testKey(t)

	obs := &fakeObligations{}
	obs.add("obl_1", peerC, peerA, 700)
	obs.add("obl_2", peerA, peerC, 300)
	obs.add("obl_3", peerC, peerB, 250)
	obs.add("obl_4", peerB, peerC, 250) // offsets obl_3 exactly
	issuer := &fakeIssuer{}
	e := newTestEngine(obs, issuer).WithAckWindow(time.Millisecond)

	p, err := e.Propose(ctx, "win-1")
	if err != nil {
		t.Fatalf("Propose: %v", err)
	}
	time.Sleep(5 * time.Millisecond)
	// Nobody acks; everything falls back to bilateral pairs.
	if err := e.SweepDeadlines(ctx, time.Now()); err != nil {
		t.Fatalf("SweepDeadlines: %v", err)
	}

	if len(issuer.requests) != 1 {
		t.Fatalf("issued %d tickets, want 1 for the C->A pair", len(issuer.requests))
	}
	req := issuer.requests[0]
	if req.Amount != 400 {
		t.Errorf("net amount = %d, want 400", req.Amount)
	}
	if len(req.ObligationIDs) != 2 || req.ObligationIDs[0] != "obl_1" || req.ObligationIDs[1] != "obl_2" {
		t.Errorf("ticket obligations = %v, want the pair's IDs", req.ObligationIDs)
	}

	// The offset pair owes nothing and settles without a ticket.
	for _, id := range []string{"obl_3", "obl_4"} {
		if status := obs.statusOf(id); status != settlement.StatusSettled {
			t.Errorf("%s status = %s, want settled", id, status)
		}
	}
	got, _ := e.GetProposal(ctx, p.ID)
	if len(got.TicketIDs) != 0 {
		t.Errorf("bilateral tickets tracked on proposal: %v", got.TicketIDs)
	}
}

func TestAckDisagreementParksProposal(t *testing.T) {
	ctx := context.Background()
	privA, peerA := testKey(t)
	_, peerB := testKey(t)

	obs := &fakeObligations{}
	obs.add("obl_1", peerA, peerB, 100)
	e := newTestEngine(obs, &fakeIssuer{})

	p, err := e.Propose(ctx, "win-1")
	if err != nil {
		t.Fatalf("Propose: %v", err)
	}

	wrong := strings.Repeat("ab", 32)
	sig := signAck(t, privA, "win-1", wrong)
	if err := e.Ack(ctx, p.ID, peerA, wrong, sig); !errors.Is(err, ErrNettingDisagreement) {
		t.Fatalf("Ack error = %v, want ErrNettingDisagreement", err)
	}

	got, _ := e.GetProposal(ctx, p.ID)
	if got.Status != ProposalDisagreement {
		t.Errorf("status = %s, want disagreement", got.Status)
	}
	if _, err := e.Execute(ctx, p.ID); !errors.Is(err, ErrProposalNotOpen) {
		t.Errorf("execute on parked proposal error = %v, want ErrProposalNotOpen", err)
	}
	if got := obs.statusOf("obl_1"); got != settlement.StatusPending {
		t.Errorf("obligation status = %s, parked round must not consume it", got)
	}
}

func TestAckRejectsWrongSigner(t *testing.T) {
	ctx := context.Background()
	_, peerA := testKey(t)
	privOther, _ := testKey(t)
	_, peerB := testKey(t)

	obs := &fakeObligations{}
	obs.add("obl_1", peerA, peerB, 100)
	e := newTestEngine(obs, &fakeIssuer{})

	p, _ := e.Propose(ctx, "win-1")
	sig := signAck(t, privOther, "win-1", p.Digest)
	if err := e.Ack(ctx, p.ID, peerA, p.Digest, sig); err == nil {
		t.Error("ack with another peer's signature accepted")
	}
}

func TestAckRejectsNonParticipant(t *testing.T) {
	ctx := context.Background()
	_, peerA := testKey(t)
	_, peerB := testKey(t)
	privC, peerC := testKey(t)

	obs := &fakeObligations{}
	obs.add("obl_1", peerA, peerB, 100)
	e := newTestEngine(obs, &fakeIssuer{})

	p, _ := e.Propose(ctx, "win-1")
	sig := signAck(t, privC, "win-1", p.Digest)
	if err := e.Ack(ctx, p.ID, peerC, p.Digest, sig); !errors.Is(err, ErrNotParticipant) {
		t.Errorf("error = %v, want ErrNotParticipant", err)
	}
}

func TestDropoutFallsBackToBilateral(t *testing.T) {
	ctx := context.Background()
	privA, peerA := testKey(t)
	privB, peerB := testKey(t)
	_, peerC := testKey(t)

	obs := &fakeObligations{}
	obs.add("obl_1", peerA, peerB, 1000)
	obs.add("obl_2", peerB, peerA, 400)
	obs.add("obl_3", peerC, peerA, 700) // C never acks
	issuer := &fakeIssuer{}
	rel := &fakeReliability{}
	e := newTestEngine(obs, issuer).WithReliabilitySink(rel)

	p, err := e.Propose(ctx, "win-1")
	if err != nil {
		t.Fatalf("Propose: %v", err)
	}
	for _, peer := range []struct{ priv, addr string }{{privA, peerA}, {privB, peerB}} {
		sig := signAck(t, peer.priv, "win-1", p.Digest)
		if err := e.Ack(ctx, p.ID, peer.addr, p.Digest, sig); err != nil {
			t.Fatalf("Ack: %v", err)
		}
	}

	transfers, err := e.Execute(ctx, p.ID)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	// A<->B nets multilaterally to 600, C->A survives as a bilateral net.
	if len(transfers) != 2 {
		t.Fatalf("got %d transfers, want 2: %+v", len(transfers), transfers)
	}
	var sawAB, sawCA bool
	for _, tr := range transfers {
		if tr.FromPeer == peerA && tr.ToPeer == peerB && tr.Amount == 600 {
			sawAB = true
		}
		if tr.FromPeer == peerC && tr.ToPeer == peerA && tr.Amount == 700 {
			sawCA = true
		}
	}
	if !sawAB || !sawCA {
		t.Errorf("transfers = %+v, want A->B 600 and C->A 700", transfers)
	}

	if len(rel.peers) != 1 || rel.peers[0] != peerC {
		t.Errorf("non-response recorded for %v, want just the dropout", rel.peers)
	}
	if got := obs.statusOf("obl_3"); got != settlement.StatusNetted {
		t.Errorf("bilateral fallback left obl_3 %s, want netted", got)
	}
}

func TestAckAfterDeadline(t *testing.T) {
	ctx := context.Background()
	privA, peerA := testKey(t)
	_, peerB := testKey(t)

	obs := &fakeObligations{}
	obs.add("obl_1", peerA, peerB, 100)
	e := newTestEngine(obs, &fakeIssuer{}).WithAckWindow(time.Millisecond)

	p, err := e.Propose(ctx, "win-1")
	if err != nil {
		t.Fatalf("Propose: %v", err)
	}
	time.Sleep(5 * time.Millisecond)

	sig := signAck(t, privA, "win-1", p.Digest)
	if err := e.Ack(ctx, p.ID, peerA, p.Digest, sig); !errors.Is(err, ErrAckWindowClosed) {
		t.Errorf("error = %v, want ErrAckWindowClosed", err)
	}
}

func TestSweepDeadlinesExecutesExpiredProposals(t *testing.T) {
	ctx := context.Background()
	_, peerA := testKey(t)
	_, peerB := testKey(t)

	obs := &fakeObligations{}
	obs.add("obl_1", peerA, peerB, 250)
	issuer := &fakeIssuer{}
	rel := &fakeReliability{}
	e := newTestEngine(obs, issuer).WithAckWindow(time.Millisecond).WithReliabilitySink(rel)

	p, err := e.Propose(ctx, "win-1")
	if err != nil {
		t.Fatalf("Propose: %v", err)
	}
	time.Sleep(5 * time.Millisecond)

	if err := e.SweepDeadlines(ctx, time.Now()); err != nil {
		t.Fatalf("SweepDeadlines: %v", err)
	}

	got, _ := e.GetProposal(ctx, p.ID)
	if got.Status != ProposalExecuted {
		t.Errorf("status = %s, want executed", got.Status)
	}
	// Nobody acked: both peers net bilaterally and accrue penalties.
	if len(rel.peers) != 2 {
		t.Errorf("recorded %d non-responses, want 2", len(rel.peers))
	}
	if len(issuer.requests) != 1 || issuer.requests[0].Amount != 250 {
		t.Errorf("tickets = %+v, want one 250 transfer", issuer.requests)
	}
}
