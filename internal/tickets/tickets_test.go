package tickets

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/flotilla-net/flotilla/internal/mint"
	"github.com/flotilla-net/flotilla/internal/wire"
)

// -----------------------------------------------------------------------------
// Fakes
// -----------------------------------------------------------------------------

type fakeAccount struct {
	available int64
	escrowed  int64
}

type fakeLedger struct {
	mu       sync.Mutex
	accounts map[string]*fakeAccount
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{accounts: make(map[string]*fakeAccount)}
}

func (f *fakeLedger) credit(addr string, amt int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.account(addr).available += amt
}

func (f *fakeLedger) account(addr string) *fakeAccount {
	a, ok := f.accounts[addr]
	if !ok {
		a = &fakeAccount{}
		f.accounts[addr] = a
	}
	return a
}

func (f *fakeLedger) CanSpend(ctx context.Context, peerAddr string, amt int64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.account(peerAddr).available >= amt, nil
}

func (f *fakeLedger) EscrowLock(ctx context.Context, peerAddr string, amt int64, ticketID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	a := f.account(peerAddr)
	if a.available < amt {
		return errors.New("insufficient balance")
	}
	a.available -= amt
	a.escrowed += amt
	return nil
}

func (f *fakeLedger) ReleaseEscrow(ctx context.Context, payer, payee string, amt int64, ticketID string) error {
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

func (f *fakeLedger) RefundEscrow(ctx context.Context, payer string, amt int64, ticketID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	a := f.account(payer)
	if a.escrowed < amt {
		return errors.New("insufficient escrow")
	}
	a.escrowed -= amt
	a.available += amt
	return nil
}

type fakeBackend struct {
	mu            sync.Mutex
	creates       int
	transfers     map[string]int // ticket ID -> transfer count
	failTransfers int
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{transfers: make(map[string]int)}
}

func (f *fakeBackend) CreateConditional(ctx context.Context, req mint.CreateRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.creates++
	return fmt.Sprintf("ref_%d", f.creates), nil
}

func (f *fakeBackend) Transfer(ctx context.Context, req mint.TransferRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failTransfers > 0 {
		f.failTransfers--
		return "", mint.ErrBackendUnavailable
	}
	f.transfers[req.TicketID]++
	return "tx_" + req.TicketID, nil
}

func (f *fakeBackend) transferCount(ticketID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.transfers[ticketID]
}

type fakeNotifier struct {
	mu        sync.Mutex
	reclaims  []string
	finalized []string
}

func (f *fakeNotifier) ReclaimEligible(ctx context.Context, t *Ticket) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reclaims = append(f.reclaims, t.ID)
}

func (f *fakeNotifier) TicketFinalized(ctx context.Context, t *Ticket) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.finalized = append(f.finalized, t.ID)
}

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

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

func testSecret(t *testing.T) (preimageHex, hashLock string) {
	t.Helper()
	raw := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, raw); err != nil {
		t.Fatalf("rand: %v", err)
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(raw), hex.EncodeToString(sum[:])
}

func signPresent(t *testing.T, ticketID, privHex string) string {
	t.Helper()
	sig, err := wire.Sign(wire.PresentMessage(ticketID), privHex)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	return sig
}

func signRefund(t *testing.T, ticketID, privHex string) string {
	t.Helper()
	sig, err := wire.Sign(wire.RefundMessage(ticketID), privHex)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	return sig
}

type testEnv struct {
	service *Service
	ledger  *fakeLedger
	backend *fakeBackend
	store   *MemoryStore
}

func newTestEnv() *testEnv {
	store := NewMemoryStore()
	ledger := newFakeLedger()
	backend := newFakeBackend()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	service := NewService(store, ledger, backend, NewReceiptSigner("test-secret"), logger)
	return &testEnv{service: service, ledger: ledger, backend: backend, store: store}
}

// -----------------------------------------------------------------------------
// Single ticket lifecycle
// -----------------------------------------------------------------------------

func TestCreatePresentRedeemsExactlyOnce(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	_, payer := testKey(t)
	payeePriv, payee := testKey(t)
	env.ledger.credit(payer, 1000)

	preimage, hashLock := testSecret(t)
	ticket, err := env.service.Create(ctx, CreateRequest{
		Payer:    payer,
		LockKeys: []string{payee},
		HashLock: hashLock,
		Timelock: time.Now().Add(time.Hour),
		Amount:   100,
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if ticket.Status != StatusPending {
		t.Fatalf("status = %s, want pending", ticket.Status)
	}
	if env.ledger.account(payer).escrowed != 100 {
		t.Fatalf("escrowed = %d, want 100", env.ledger.account(payer).escrowed)
	}

	sig := signPresent(t, ticket.ID, payeePriv)
	result, err := env.service.Present(ctx, ticket.ID, []string{sig}, preimage)
	if err != nil {
		t.Fatalf("Present: %v", err)
	}
	if result.Ticket.Status != StatusRedeemed {
		t.Fatalf("status = %s, want redeemed", result.Ticket.Status)
	}
	if env.backend.transferCount(ticket.ID) != 1 {
		t.Fatalf("transfer count = %d, want 1", env.backend.transferCount(ticket.ID))
	}
	if env.ledger.account(payee).available != 100 {
		t.Fatalf("payee available = %d, want 100", env.ledger.account(payee).available)
	}

	// A second presentation is an idempotent no-op: no second transfer.
	result2, err := env.service.Present(ctx, ticket.ID, []string{sig}, preimage)
	if !errors.Is(err, ErrAlreadyFinalized) {
		t.Fatalf("expected ErrAlreadyFinalized, got %v", err)
	}
	if result2.TxRef != result.TxRef {
		t.Errorf("repeat presentation must return the original tx ref")
	}
	if env.backend.transferCount(ticket.ID) != 1 {
		t.Fatalf("transfer count = %d after replay, want 1", env.backend.transferCount(ticket.ID))
	}
}

func TestPresentBadSignatureLeavesPending(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	_, payer := testKey(t)
	payeePriv, payee := testKey(t)
	strangerPriv, _ := testKey(t)
	env.ledger.credit(payer, 1000)

	preimage, hashLock := testSecret(t)
	ticket, err := env.service.Create(ctx, CreateRequest{
		Payer:    payer,
		LockKeys: []string{payee},
		HashLock: hashLock,
		Timelock: time.Now().Add(time.Hour),
		Amount:   100,
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	badSig := signPresent(t, ticket.ID, strangerPriv)
	if _, err := env.service.Present(ctx, ticket.ID, []string{badSig}, preimage); !errors.Is(err, ErrBadSignature) {
		t.Fatalf("expected ErrBadSignature, got %v", err)
	}
	if env.backend.transferCount(ticket.ID) != 0 {
		t.Fatal("failed validation must not transfer")
	}

	// Corrected input succeeds on retry.
	goodSig := signPresent(t, ticket.ID, payeePriv)
	if _, err := env.service.Present(ctx, ticket.ID, []string{goodSig}, preimage); err != nil {
		t.Fatalf("retry with valid signature: %v", err)
	}
}

func TestPresentBadPreimage(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	_, payer := testKey(t)
	payeePriv, payee := testKey(t)
	env.ledger.credit(payer, 1000)

	_, hashLock := testSecret(t)
	wrongPreimage, _ := testSecret(t)
	ticket, err := env.service.Create(ctx, CreateRequest{
		Payer:    payer,
		LockKeys: []string{payee},
		HashLock: hashLock,
		Timelock: time.Now().Add(time.Hour),
		Amount:   100,
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	sig := signPresent(t, ticket.ID, payeePriv)
	if _, err := env.service.Present(ctx, ticket.ID, []string{sig}, wrongPreimage); !errors.Is(err, ErrBadPreimage) {
		t.Fatalf("expected ErrBadPreimage, got %v", err)
	}

	got, _ := env.service.Get(ctx, ticket.ID)
	if got.Status != StatusPending {
		t.Fatalf("status = %s, want pending", got.Status)
	}
}

func TestExpiryRefundFlow(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	payerPriv, payer := testKey(t)
	payeePriv, payee := testKey(t)
	env.ledger.credit(payer, 1000)

	preimage, hashLock := testSecret(t)
	ticket, err := env.service.Create(ctx, CreateRequest{
		Payer:    payer,
		LockKeys: []string{payee},
		HashLock: hashLock,
		Timelock: time.Now().Add(50 * time.Millisecond),
		Amount:   100,
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	// Reclaim before the timelock is rejected.
	refundSig := signRefund(t, ticket.ID, payerPriv)
	if _, err := env.service.Reclaim(ctx, ticket.ID, refundSig); !errors.Is(err, ErrNotYetExpired) {
		t.Fatalf("expected ErrNotYetExpired, got %v", err)
	}

	time.Sleep(60 * time.Millisecond)

	// Past the timelock, presentation fails typed.
	sig := signPresent(t, ticket.ID, payeePriv)
	if _, err := env.service.Present(ctx, ticket.ID, []string{sig}, preimage); !errors.Is(err, ErrTicketExpired) {
		t.Fatalf("expected ErrTicketExpired, got %v", err)
	}

	// Refund path with the payer's signature succeeds.
	result, err := env.service.Reclaim(ctx, ticket.ID, refundSig)
	if err != nil {
		t.Fatalf("Reclaim: %v", err)
	}
	if result.Ticket.Status != StatusRefunded {
		t.Fatalf("status = %s, want refunded", result.Ticket.Status)
	}
	if env.ledger.account(payer).available != 1000 {
		t.Fatalf("payer available = %d, want 1000", env.ledger.account(payer).available)
	}

	// A redeemed-and-refunded ticket is impossible: presentation now
	// reports finalization, not a transfer.
	if _, err := env.service.Present(ctx, ticket.ID, []string{sig}, preimage); !errors.Is(err, ErrAlreadyFinalized) {
		t.Fatalf("expected ErrAlreadyFinalized, got %v", err)
	}
}

func TestReclaimWrongSigner(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	_, payer := testKey(t)
	strangerPriv, _ := testKey(t)
	_, payee := testKey(t)
	env.ledger.credit(payer, 1000)

	ticket, err := env.service.Create(ctx, CreateRequest{
		Payer:    payer,
		LockKeys: []string{payee},
		Timelock: time.Now().Add(30 * time.Millisecond),
		Amount:   100,
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	time.Sleep(40 * time.Millisecond)

	sig := signRefund(t, ticket.ID, strangerPriv)
	if _, err := env.service.Reclaim(ctx, ticket.ID, sig); !errors.Is(err, ErrBadSignature) {
		t.Fatalf("expected ErrBadSignature, got %v", err)
	}
}

func TestBackendFailureLeavesTicketRetryable(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	_, payer := testKey(t)
	payeePriv, payee := testKey(t)
	env.ledger.credit(payer, 1000)

	ticket, err := env.service.Create(ctx, CreateRequest{
		Payer:    payer,
		LockKeys: []string{payee},
		Timelock: time.Now().Add(time.Hour),
		Amount:   100,
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	env.backend.failTransfers = 1
	sig := signPresent(t, ticket.ID, payeePriv)
	if _, err := env.service.Present(ctx, ticket.ID, []string{sig}, ""); !errors.Is(err, mint.ErrBackendUnavailable) {
		t.Fatalf("expected ErrBackendUnavailable, got %v", err)
	}

	got, _ := env.service.Get(ctx, ticket.ID)
	if got.Status != StatusPending {
		t.Fatalf("status after backend failure = %s, want pending", got.Status)
	}
	if env.ledger.account(payer).escrowed != 100 {
		t.Fatal("escrow must be untouched after a failed transfer")
	}

	if _, err := env.service.Present(ctx, ticket.ID, []string{sig}, ""); err != nil {
		t.Fatalf("retry after backend recovery: %v", err)
	}
}

func TestCreateInsufficientFunds(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	_, payer := testKey(t)
	_, payee := testKey(t)
	env.ledger.credit(payer, 50)

	_, err := env.service.Create(ctx, CreateRequest{
		Payer:    payer,
		LockKeys: []string{payee},
		Timelock: time.Now().Add(time.Hour),
		Amount:   100,
	})
	if !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
}

func TestCreateInvalidCondition(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	_, payer := testKey(t)
	_, payee := testKey(t)
	env.ledger.credit(payer, 1000)

	cases := []struct {
		name string
		req  CreateRequest
	}{
		{"threshold above key count", CreateRequest{
			Payer: payer, LockKeys: []string{payee}, Threshold: 2,
			Timelock: time.Now().Add(time.Hour), Amount: 100,
		}},
		{"timelock in the past", CreateRequest{
			Payer: payer, LockKeys: []string{payee},
			Timelock: time.Now().Add(-time.Hour), Amount: 100,
		}},
		{"malformed hash lock", CreateRequest{
			Payer: payer, LockKeys: []string{payee}, HashLock: "zz",
			Timelock: time.Now().Add(time.Hour), Amount: 100,
		}},
		{"zero amount", CreateRequest{
			Payer: payer, LockKeys: []string{payee},
			Timelock: time.Now().Add(time.Hour), Amount: 0,
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := env.service.Create(ctx, tc.req); !errors.Is(err, ErrInvalidCondition) {
				t.Fatalf("expected ErrInvalidCondition, got %v", err)
			}
		})
	}
}

// -----------------------------------------------------------------------------
// Multisig
// -----------------------------------------------------------------------------

func TestPresentMultisigThreshold(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	_, payer := testKey(t)
	priv1, addr1 := testKey(t)
	priv2, addr2 := testKey(t)
	_, addr3 := testKey(t)
	env.ledger.credit(payer, 1000)

	ticket, err := env.service.Create(ctx, CreateRequest{
		Payer:     payer,
		LockKeys:  []string{addr1, addr2, addr3},
		Threshold: 2,
		Timelock:  time.Now().Add(time.Hour),
		Amount:    100,
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	sig1 := signPresent(t, ticket.ID, priv1)
	if _, err := env.service.Present(ctx, ticket.ID, []string{sig1}, ""); !errors.Is(err, ErrBadSignature) {
		t.Fatalf("one of three signatures must not meet a 2-of-3 threshold, got %v", err)
	}

	sig2 := signPresent(t, ticket.ID, priv2)
	if _, err := env.service.Present(ctx, ticket.ID, []string{sig1, sig2}, ""); err != nil {
		t.Fatalf("2-of-3 presentation: %v", err)
	}
}

// -----------------------------------------------------------------------------
// Variants
// -----------------------------------------------------------------------------

func TestBatchMembersRedeemIndependently(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	_, payer := testKey(t)
	payeePriv, payee := testKey(t)
	env.ledger.credit(payer, 1000)

	pre1, hash1 := testSecret(t)
	_, hash2 := testSecret(t)
	pre3, hash3 := testSecret(t)

	created, err := env.service.CreateBatch(ctx, BatchRequest{
		Payer:    payer,
		LockKeys: []string{payee},
		Timelock: time.Now().Add(time.Hour),
		Items: []BatchItem{
			{Amount: 100, HashLock: hash1},
			{Amount: 200, HashLock: hash2},
			{Amount: 300, HashLock: hash3},
		},
	})
	if err != nil {
		t.Fatalf("CreateBatch: %v", err)
	}
	if len(created) != 3 {
		t.Fatalf("created %d tickets, want 3", len(created))
	}
	for _, tk := range created {
		if tk.Kind != KindBatchMember {
			t.Errorf("kind = %s, want batch_member", tk.Kind)
		}
		if tk.GroupID != created[0].GroupID {
			t.Error("batch members must share a group ID")
		}
	}
	if env.ledger.account(payer).escrowed != 600 {
		t.Fatalf("escrowed = %d, want 600", env.ledger.account(payer).escrowed)
	}

	// Out-of-order release is fine for batches.
	sig3 := signPresent(t, created[2].ID, payeePriv)
	if _, err := env.service.Present(ctx, created[2].ID, []string{sig3}, pre3); err != nil {
		t.Fatalf("present third member: %v", err)
	}
	sig1 := signPresent(t, created[0].ID, payeePriv)
	if _, err := env.service.Present(ctx, created[0].ID, []string{sig1}, pre1); err != nil {
		t.Fatalf("present first member: %v", err)
	}
	if env.ledger.account(payee).available != 400 {
		t.Fatalf("payee available = %d, want 400", env.ledger.account(payee).available)
	}
}

func TestBatchInsufficientFundsCreatesNothing(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	_, payer := testKey(t)
	_, payee := testKey(t)
	env.ledger.credit(payer, 250)

	_, hash1 := testSecret(t)
	_, hash2 := testSecret(t)
	_, err := env.service.CreateBatch(ctx, BatchRequest{
		Payer:    payer,
		LockKeys: []string{payee},
		Timelock: time.Now().Add(time.Hour),
		Items: []BatchItem{
			{Amount: 100, HashLock: hash1},
			{Amount: 200, HashLock: hash2},
		},
	})
	if !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	if env.ledger.account(payer).escrowed != 0 {
		t.Fatal("a rejected batch must not leave funds escrowed")
	}
}

func TestMilestonePrefixRedemption(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	_, payer := testKey(t)
	payeePriv, payee := testKey(t)
	env.ledger.credit(payer, 1000)

	pre1, hash1 := testSecret(t)
	pre2, hash2 := testSecret(t)

	created, err := env.service.CreateMilestones(ctx, MilestoneRequest{
		Payer:    payer,
		LockKeys: []string{payee},
		Timelock: time.Now().Add(time.Hour),
		Items: []BatchItem{
			{Amount: 100, HashLock: hash1},
			{Amount: 250, HashLock: hash2},
		},
	})
	if err != nil {
		t.Fatalf("CreateMilestones: %v", err)
	}

	// The second checkpoint cannot redeem before the first.
	sig2 := signPresent(t, created[1].ID, payeePriv)
	if _, err := env.service.Present(ctx, created[1].ID, []string{sig2}, pre2); !errors.Is(err, ErrMilestoneOrder) {
		t.Fatalf("expected ErrMilestoneOrder, got %v", err)
	}

	sig1 := signPresent(t, created[0].ID, payeePriv)
	if _, err := env.service.Present(ctx, created[0].ID, []string{sig1}, pre1); err != nil {
		t.Fatalf("present first milestone: %v", err)
	}
	if _, err := env.service.Present(ctx, created[1].ID, []string{sig2}, pre2); err != nil {
		t.Fatalf("present second milestone after first: %v", err)
	}
}

func TestMilestoneAmountsMustIncrease(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	_, payer := testKey(t)
	_, payee := testKey(t)
	env.ledger.credit(payer, 1000)

	_, hash1 := testSecret(t)
	_, hash2 := testSecret(t)
	_, err := env.service.CreateMilestones(ctx, MilestoneRequest{
		Payer:    payer,
		LockKeys: []string{payee},
		Timelock: time.Now().Add(time.Hour),
		Items: []BatchItem{
			{Amount: 250, HashLock: hash1},
			{Amount: 100, HashLock: hash2},
		},
	})
	if !errors.Is(err, ErrInvalidCondition) {
		t.Fatalf("expected ErrInvalidCondition, got %v", err)
	}
}

func TestPerformancePairTrustLevels(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	_, payer := testKey(t)
	payeePriv, payee := testKey(t)
	env.ledger.credit(payer, 1000)

	bonusPre, bonusHash := testSecret(t)
	base, bonus, err := env.service.CreatePerformancePair(ctx, PerformanceRequest{
		Payer:         payer,
		LockKeys:      []string{payee},
		Timelock:      time.Now().Add(time.Hour),
		BaseAmount:    300,
		BonusAmount:   200,
		BonusHashLock: bonusHash,
	})
	if err != nil {
		t.Fatalf("CreatePerformancePair: %v", err)
	}

	if base.Kind != KindPerformanceBase || base.TrustLevel != TrustCryptographic {
		t.Errorf("base: kind=%s trust=%s", base.Kind, base.TrustLevel)
	}
	if bonus.Kind != KindPerformanceBonus || bonus.TrustLevel != TrustMeasured {
		t.Errorf("bonus: kind=%s trust=%s", bonus.Kind, bonus.TrustLevel)
	}

	// The base ticket is guaranteed: signature alone redeems it.
	baseSig := signPresent(t, base.ID, payeePriv)
	if _, err := env.service.Present(ctx, base.ID, []string{baseSig}, ""); err != nil {
		t.Fatalf("present base: %v", err)
	}

	// The bonus needs the measurer's revealed preimage.
	bonusSig := signPresent(t, bonus.ID, payeePriv)
	if _, err := env.service.Present(ctx, bonus.ID, []string{bonusSig}, ""); !errors.Is(err, ErrBadPreimage) {
		t.Fatalf("bonus without preimage: expected ErrBadPreimage, got %v", err)
	}
	if _, err := env.service.Present(ctx, bonus.ID, []string{bonusSig}, bonusPre); err != nil {
		t.Fatalf("present bonus with preimage: %v", err)
	}
}

// -----------------------------------------------------------------------------
// Sweep and receipts
// -----------------------------------------------------------------------------

func TestSweepMarksExpiredAndNotifies(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	notifier := &fakeNotifier{}
	env.service.WithNotifier(notifier)

	payerPriv, payer := testKey(t)
	_, payee := testKey(t)
	env.ledger.credit(payer, 1000)

	ticket, err := env.service.Create(ctx, CreateRequest{
		Payer:    payer,
		LockKeys: []string{payee},
		Timelock: time.Now().Add(20 * time.Millisecond),
		Amount:   100,
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	swept, err := env.service.SweepExpired(ctx, time.Now().Add(time.Minute))
	if err != nil {
		t.Fatalf("SweepExpired: %v", err)
	}
	if swept != 1 {
		t.Fatalf("swept = %d, want 1", swept)
	}
	if len(notifier.reclaims) != 1 || notifier.reclaims[0] != ticket.ID {
		t.Fatalf("reclaim notification missing: %v", notifier.reclaims)
	}

	got, _ := env.service.Get(ctx, ticket.ID)
	if got.Status != StatusExpired {
		t.Fatalf("status = %s, want expired", got.Status)
	}
	if env.ledger.account(payer).escrowed != 100 {
		t.Fatal("sweep must not auto-reclaim funds")
	}

	// The refund party can still reclaim an expired ticket.
	time.Sleep(30 * time.Millisecond)
	sig := signRefund(t, ticket.ID, payerPriv)
	if _, err := env.service.Reclaim(ctx, ticket.ID, sig); err != nil {
		t.Fatalf("Reclaim after sweep: %v", err)
	}
}

func TestReceiptChainCoversTransitions(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	_, payer := testKey(t)
	payeePriv, payee := testKey(t)
	env.ledger.credit(payer, 1000)

	ticket, err := env.service.Create(ctx, CreateRequest{
		Payer:    payer,
		LockKeys: []string{payee},
		Timelock: time.Now().Add(time.Hour),
		Amount:   100,
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	sig := signPresent(t, ticket.ID, payeePriv)
	if _, err := env.service.Present(ctx, ticket.ID, []string{sig}, ""); err != nil {
		t.Fatalf("Present: %v", err)
	}

	chain, err := env.service.Receipts(ctx, ticket.ID)
	if err != nil {
		t.Fatalf("Receipts: %v", err)
	}
	if len(chain) != 2 {
		t.Fatalf("receipt chain length = %d, want 2", len(chain))
	}
	if chain[0].ToStatus != StatusPending || chain[1].ToStatus != StatusRedeemed {
		t.Fatalf("unexpected chain: %s -> %s", chain[0].ToStatus, chain[1].ToStatus)
	}

	signer := NewReceiptSigner("test-secret")
	for _, r := range chain {
		if !signer.Verify(r) {
			t.Errorf("receipt %s failed signature verification", r.ID)
		}
	}
	if NewReceiptSigner("other-secret").Verify(chain[0]) {
		t.Error("receipt verified under the wrong secret")
	}
}

func TestConcurrentPresentationsSingleTransfer(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	_, payer := testKey(t)
	payeePriv, payee := testKey(t)
	env.ledger.credit(payer, 1000)

	ticket, err := env.service.Create(ctx, CreateRequest{
		Payer:    payer,
		LockKeys: []string{payee},
		Timelock: time.Now().Add(time.Hour),
		Amount:   100,
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	sig := signPresent(t, ticket.ID, payeePriv)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = env.service.Present(ctx, ticket.ID, []string{sig}, "")
		}()
	}
	wg.Wait()

	if n := env.backend.transferCount(ticket.ID); n != 1 {
		t.Fatalf("transfer count = %d under concurrent presentation, want 1", n)
	}
	if env.ledger.account(payee).available != 100 {
		t.Fatalf("payee available = %d, want exactly 100", env.ledger.account(payee).available)
	}
}
