package mint

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"
)

func testGateway(backend Backend, cfg Config) *Gateway {
	return NewGateway(backend, cfg, slog.New(slog.NewTextHandler(discard{}, nil)))
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

func fastConfig() Config {
	return Config{
		CallTimeout:     time.Second,
		Retries:         1,
		BreakerFailures: 2,
		BreakerProbes:   1,
		BreakerCooldown: 20 * time.Millisecond,
		WorkerSlots:     2,
	}
}

func TestGatewayCreateAndTransfer(t *testing.T) {
	sim := NewSimBackend()
	sim.Credit("0xaaaa", 5000)
	g := testGateway(sim, fastConfig())

	ref, err := g.CreateConditional(context.Background(), CreateRequest{
		TicketID: "tkt_1",
		Payer:    "0xaaaa",
		Amount:   3000,
		Timelock: time.Now().Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("CreateConditional: %v", err)
	}
	if ref == "" {
		t.Fatal("expected a backend reference")
	}

	state, err := g.SpendState(context.Background(), ref)
	if err != nil {
		t.Fatalf("SpendState: %v", err)
	}
	if state != SpendStateUnspent {
		t.Fatalf("expected unspent, got %s", state)
	}

	if _, err := g.Transfer(context.Background(), TransferRequest{
		TicketID: "tkt_1",
		From:     "0xaaaa",
		To:       "0xbbbb",
		Amount:   3000,
	}); err != nil {
		t.Fatalf("Transfer: %v", err)
	}

	state, err = g.SpendState(context.Background(), ref)
	if err != nil {
		t.Fatalf("SpendState after transfer: %v", err)
	}
	if state != SpendStateSpent {
		t.Fatalf("expected spent, got %s", state)
	}

	bal, err := g.BalanceOf(context.Background(), "0xbbbb")
	if err != nil {
		t.Fatalf("BalanceOf: %v", err)
	}
	if bal != 3000 {
		t.Fatalf("expected payee balance 3000, got %d", bal)
	}
}

func TestGatewayBreakerOpensAndShortCircuits(t *testing.T) {
	sim := NewSimBackend()
	sim.FailNext(100, errors.New("rpc down"))
	g := testGateway(sim, fastConfig())

	for i := 0; i < 2; i++ {
		if _, err := g.BalanceOf(context.Background(), "0xaaaa"); err == nil {
			t.Fatal("expected failure")
		}
	}

	// Circuit is now open: the next call must not reach the backend.
	before := sim.Calls()
	_, err := g.BalanceOf(context.Background(), "0xaaaa")
	if !errors.Is(err, ErrBackendUnavailable) {
		t.Fatalf("expected ErrBackendUnavailable, got %v", err)
	}
	if sim.Calls() != before {
		t.Fatal("short-circuited call reached the backend")
	}
}

func TestGatewayProbeClosesBreaker(t *testing.T) {
	sim := NewSimBackend()
	sim.FailNext(2, errors.New("rpc down"))
	g := testGateway(sim, fastConfig())

	for i := 0; i < 2; i++ {
		g.BalanceOf(context.Background(), "0xaaaa")
	}
	if _, err := g.BalanceOf(context.Background(), "0xaaaa"); !errors.Is(err, ErrBackendUnavailable) {
		t.Fatalf("expected open circuit, got %v", err)
	}

	time.Sleep(30 * time.Millisecond)

	// Backend recovered; the half-open probe should succeed and close.
	if _, err := g.BalanceOf(context.Background(), "0xaaaa"); err != nil {
		t.Fatalf("probe call failed: %v", err)
	}
	if _, err := g.BalanceOf(context.Background(), "0xaaaa"); err != nil {
		t.Fatalf("call after close failed: %v", err)
	}
}

func TestGatewayInsufficientFundsNotRetried(t *testing.T) {
	sim := NewSimBackend()
	cfg := fastConfig()
	cfg.Retries = 3
	g := testGateway(sim, cfg)

	_, err := g.Transfer(context.Background(), TransferRequest{
		TicketID: "tkt_none",
		From:     "0xaaaa",
		To:       "0xbbbb",
		Amount:   100,
	})
	if !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	if n := sim.Calls(); n != 1 {
		t.Fatalf("state error should not be retried, backend saw %d calls", n)
	}
}

type slowBackend struct {
	release chan struct{}
	done    chan struct{}
}

func (s *slowBackend) CreateConditional(ctx context.Context, req CreateRequest) (string, error) {
	return "", errors.New("unused")
}
func (s *slowBackend) SpendState(ctx context.Context, ref string) (SpendState, error) {
	return SpendStateUnknown, errors.New("unused")
}
func (s *slowBackend) Transfer(ctx context.Context, req TransferRequest) (string, error) {
	return "", errors.New("unused")
}
func (s *slowBackend) BalanceOf(ctx context.Context, peerAddr string) (int64, error) {
	select {
	case <-s.release:
	case <-ctx.Done():
	}
	close(s.done)
	return 0, nil
}

func TestGatewayCallerTimeoutLeavesOperationRunning(t *testing.T) {
	sb := &slowBackend{release: make(chan struct{}), done: make(chan struct{})}
	g := testGateway(sb, fastConfig())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := g.BalanceOf(ctx, "0xaaaa")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}

	// The dispatched operation keeps running on its own budget.
	close(sb.release)
	select {
	case <-sb.done:
	case <-time.After(time.Second):
		t.Fatal("detached operation never completed")
	}
}
