package bonds

import (
	"context"
	"encoding/hex"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/flotilla-net/flotilla/internal/wire"
)

type account struct {
	available int64
	escrowed  int64
}

type fakeLedger struct {
	mu       sync.Mutex
	accounts map[string]*account
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{accounts: make(map[string]*account)}
}

func (f *fakeLedger) credit(addr string, amt int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.account(addr).available += amt
}

func (f *fakeLedger) account(addr string) *account {
	a, ok := f.accounts[addr]
	if !ok {
		a = &account{}
		f.accounts[addr] = a
	}
	return a
}

func (f *fakeLedger) CanSpend(_ context.Context, addr string, amt int64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.account(addr).available >= amt, nil
}

func (f *fakeLedger) EscrowLock(_ context.Context, addr string, amt int64, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	a := f.account(addr)
	if a.available < amt {
		return errors.New("insufficient balance")
	}
	a.available -= amt
	a.escrowed += amt
	return nil
}

func (f *fakeLedger) RefundEscrow(_ context.Context, addr string, amt int64, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	a := f.account(addr)
	if a.escrowed < amt {
		return errors.New("insufficient escrow")
	}
	a.escrowed -= amt
	a.available += amt
	return nil
}

func (f *fakeLedger) ReleaseEscrow(_ context.Context, payer, payee string, amt int64, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	a := f.account(payer)
	if a.escrowed < amt {
		return errors.New("insufficient escrow")
	}
	a.escrowed -= amt
	f.account(payee).available += amt
	return nil
}

type fakeDisputes struct {
	pending map[string]bool
}

func (f *fakeDisputes) HasPendingDisputes(_ context.Context, addr string) (bool, error) {
	return f.pending[addr], nil
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

func signBond(t *testing.T, priv, addr string, amt int64) string {
	t.Helper()
	sig, err := wire.Sign(wire.BondMessage(addr, amt), priv)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	return sig
}

func newTestService(ledger *fakeLedger) *Service {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewService(NewMemoryStore(), ledger, logger)
}

func TestTierClassification(t *testing.T) {
	tests := []struct {
		amount int64
		want   string
	}{
		{500, "bronze"},
		{9_999, "bronze"},
		{10_000, "silver"},
		{100_000, "gold"},
		{1_000_000, "platinum"},
	}
	for _, tt := range tests {
		if got := TierFor(tt.amount); got != tt.want {
			t.Errorf("TierFor(%d) = %s, want %s", tt.amount, got, tt.want)
		}
	}
}

func TestPostLocksCollateral(t *testing.T) {
	ctx := context.Background()
	priv, peer := testKey(t)
	ledger := newFakeLedger()
	ledger.credit(peer, 50_000)
	svc := newTestService(ledger)

	b, err := svc.Post(ctx, peer, 20_000, signBond(t, priv, peer, 20_000))
	if err != nil {
		t.Fatalf("Post: %v", err)
	}
	if b.Amount != 20_000 || b.Tier != "silver" || b.Status != BondActive {
		t.Errorf("bond = %+v", b)
	}
	acct := ledger.accounts[peer]
	if acct.available != 30_000 || acct.escrowed != 20_000 {
		t.Errorf("ledger = %+v, collateral not escrowed", acct)
	}
}

func TestPostTopsUpExistingBond(t *testing.T) {
	ctx := context.Background()
	priv, peer := testKey(t)
	ledger := newFakeLedger()
	ledger.credit(peer, 200_000)
	svc := newTestService(ledger)

	if _, err := svc.Post(ctx, peer, 60_000, signBond(t, priv, peer, 60_000)); err != nil {
		t.Fatalf("first Post: %v", err)
	}
	b, err := svc.Post(ctx, peer, 50_000, signBond(t, priv, peer, 50_000))
	if err != nil {
		t.Fatalf("top-up Post: %v", err)
	}
	if b.Amount != 110_000 {
		t.Errorf("amount = %d, want 110000 (topped up, not replaced)", b.Amount)
	}
	if b.Tier != "gold" {
		t.Errorf("tier = %s, want gold after top-up", b.Tier)
	}

	active, _ := svc.ListActive(ctx)
	if len(active) != 1 {
		t.Errorf("%d active bonds for peer, want 1", len(active))
	}
}

func TestPostRejectsBadSignature(t *testing.T) {
	ctx := context.Background()
	otherPriv, _ := testKey(t)
	_, peer := testKey(t)
	ledger := newFakeLedger()
	ledger.credit(peer, 50_000)
	svc := newTestService(ledger)

	_, err := svc.Post(ctx, peer, 20_000, signBond(t, otherPriv, peer, 20_000))
	if !errors.Is(err, ErrBadSignature) {
		t.Errorf("error = %v, want ErrBadSignature", err)
	}
}

func TestPostRejectsInsufficientFunds(t *testing.T) {
	ctx := context.Background()
	priv, peer := testKey(t)
	ledger := newFakeLedger()
	ledger.credit(peer, 100)
	svc := newTestService(ledger)

	_, err := svc.Post(ctx, peer, 20_000, signBond(t, priv, peer, 20_000))
	if !errors.Is(err, ErrInsufficientFunds) {
		t.Errorf("error = %v, want ErrInsufficientFunds", err)
	}
}

func TestSlashBoundedByRemaining(t *testing.T) {
	ctx := context.Background()
	priv, peer := testKey(t)
	ledger := newFakeLedger()
	ledger.credit(peer, 10_000)
	svc := newTestService(ledger)

	if _, err := svc.Post(ctx, peer, 1_000, signBond(t, priv, peer, 1_000)); err != nil {
		t.Fatalf("Post: %v", err)
	}

	b, err := svc.Slash(ctx, peer, 400, "dsp_1")
	if err != nil {
		t.Fatalf("Slash: %v", err)
	}
	if b.Remaining() != 600 {
		t.Errorf("remaining = %d, want 600", b.Remaining())
	}

	if _, err := svc.Slash(ctx, peer, 700, "dsp_2"); !errors.Is(err, ErrSlashExceedsBond) {
		t.Errorf("over-slash error = %v, want ErrSlashExceedsBond", err)
	}

	b, err = svc.Slash(ctx, peer, 600, "dsp_3")
	if err != nil {
		t.Fatalf("final Slash: %v", err)
	}
	if b.Status != BondSlashed {
		t.Errorf("status = %s, want slashed when fully consumed", b.Status)
	}

	headroom, err := svc.Slashable(ctx, peer)
	if err != nil || headroom != 0 {
		t.Errorf("Slashable = %d (%v), want 0", headroom, err)
	}
	// Slashed collateral left escrow toward the treasury.
	if got := ledger.accounts[peer].escrowed; got != 0 {
		t.Errorf("escrowed = %d after full slash, want 0", got)
	}
}

func TestSlashableUnknownPeerIsZero(t *testing.T) {
	svc := newTestService(newFakeLedger())
	headroom, err := svc.Slashable(context.Background(), "0xdeadbeefdeadbeefdeadbeefdeadbeefdeadbeef")
	if err != nil || headroom != 0 {
		t.Errorf("Slashable = %d (%v), want 0 and no error", headroom, err)
	}
}

func TestRefundRequiresUnlockAndCooldown(t *testing.T) {
	ctx := context.Background()
	priv, peer := testKey(t)
	ledger := newFakeLedger()
	ledger.credit(peer, 10_000)
	svc := newTestService(ledger).WithCooldown(20 * time.Millisecond)

	if _, err := svc.Post(ctx, peer, 5_000, signBond(t, priv, peer, 5_000)); err != nil {
		t.Fatalf("Post: %v", err)
	}

	if _, err := svc.Refund(ctx, peer); !errors.Is(err, ErrUnlockNotRequested) {
		t.Errorf("refund without request error = %v, want ErrUnlockNotRequested", err)
	}
	if _, err := svc.RequestUnlock(ctx, peer); err != nil {
		t.Fatalf("RequestUnlock: %v", err)
	}
	if _, err := svc.Refund(ctx, peer); !errors.Is(err, ErrCooldownActive) {
		t.Errorf("refund during cooldown error = %v, want ErrCooldownActive", err)
	}

	time.Sleep(30 * time.Millisecond)
	b, err := svc.Refund(ctx, peer)
	if err != nil {
		t.Fatalf("Refund: %v", err)
	}
	if b.Status != BondRefunded {
		t.Errorf("status = %s, want refunded", b.Status)
	}
	acct := ledger.accounts[peer]
	if acct.available != 10_000 || acct.escrowed != 0 {
		t.Errorf("ledger = %+v, collateral not returned", acct)
	}
}

func TestRefundBlockedByPendingDisputes(t *testing.T) {
	ctx := context.Background()
	priv, peer := testKey(t)
	ledger := newFakeLedger()
	ledger.credit(peer, 10_000)
	disputes := &fakeDisputes{pending: map[string]bool{peer: true}}
	svc := newTestService(ledger).
		WithCooldown(time.Millisecond).
		WithDisputeChecker(disputes)

	if _, err := svc.Post(ctx, peer, 5_000, signBond(t, priv, peer, 5_000)); err != nil {
		t.Fatalf("Post: %v", err)
	}
	if _, err := svc.RequestUnlock(ctx, peer); err != nil {
		t.Fatalf("RequestUnlock: %v", err)
	}
	time.Sleep(5 * time.Millisecond)

	if _, err := svc.Refund(ctx, peer); !errors.Is(err, ErrDisputesPending) {
		t.Errorf("error = %v, want ErrDisputesPending", err)
	}

	// Dispute clears, refund proceeds.
	disputes.pending[peer] = false
	if _, err := svc.Refund(ctx, peer); err != nil {
		t.Errorf("Refund after disputes cleared: %v", err)
	}
}

func TestTopUpCancelsUnlockRequest(t *testing.T) {
	ctx := context.Background()
	priv, peer := testKey(t)
	ledger := newFakeLedger()
	ledger.credit(peer, 10_000)
	svc := newTestService(ledger).WithCooldown(time.Millisecond)

	if _, err := svc.Post(ctx, peer, 2_000, signBond(t, priv, peer, 2_000)); err != nil {
		t.Fatalf("Post: %v", err)
	}
	if _, err := svc.RequestUnlock(ctx, peer); err != nil {
		t.Fatalf("RequestUnlock: %v", err)
	}

	b, err := svc.Post(ctx, peer, 1_000, signBond(t, priv, peer, 1_000))
	if err != nil {
		t.Fatalf("top-up Post: %v", err)
	}
	if b.UnlockRequestedAt != nil {
		t.Error("top-up left the unlock request pending")
	}
	time.Sleep(5 * time.Millisecond)
	if _, err := svc.Refund(ctx, peer); !errors.Is(err, ErrUnlockNotRequested) {
		t.Errorf("error = %v, want ErrUnlockNotRequested after top-up", err)
	}
}
