// Package mint isolates every call to the external value-issuing backend.
//
// All calls run through a circuit breaker and a small fixed retry budget,
// on a bounded worker pool separate from the ticket state-mutation path:
// a slow or hanging backend never blocks transitions for unrelated
// tickets. Callers wait with their own context and a timed-out wait
// leaves the underlying ticket state untouched.
package mint

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/flotilla-net/flotilla/internal/circuitbreaker"
	"github.com/flotilla-net/flotilla/internal/metrics"
	"github.com/flotilla-net/flotilla/internal/retry"
	"github.com/flotilla-net/flotilla/internal/traces"
)

var (
	ErrBackendUnavailable = errors.New("mint: backend unavailable (circuit open)")
	ErrRefNotFound        = errors.New("mint: reference not found")
	ErrInsufficientFunds  = errors.New("mint: insufficient funds")
)

// SpendState is the backend's view of a conditional value unit.
type SpendState string

const (
	SpendStateUnspent SpendState = "unspent"
	SpendStateSpent   SpendState = "spent"
	SpendStateUnknown SpendState = "unknown"
)

// CreateRequest asks the backend to issue a conditional value unit.
type CreateRequest struct {
	TicketID        string
	Payer           string
	Amount          int64
	ConditionDigest string
	Timelock        time.Time
}

// TransferRequest executes the actual value movement for a redemption or
// refund. Preimage is forwarded for hash-locked units.
type TransferRequest struct {
	TicketID string
	From     string
	To       string
	Amount   int64
	Preimage string
}

// Backend is the raw external mint interface.
type Backend interface {
	CreateConditional(ctx context.Context, req CreateRequest) (ref string, err error)
	SpendState(ctx context.Context, ref string) (SpendState, error)
	Transfer(ctx context.Context, req TransferRequest) (txRef string, err error)
	BalanceOf(ctx context.Context, peerAddr string) (int64, error)
}

// Config tunes gateway behavior.
type Config struct {
	CallTimeout     time.Duration // per-attempt timeout
	Retries         int           // attempts per call
	BreakerFailures int
	BreakerProbes   int
	BreakerCooldown time.Duration
	WorkerSlots     int // concurrent backend calls
}

// DefaultConfig returns the gateway defaults.
func DefaultConfig() Config {
	return Config{
		CallTimeout:     10 * time.Second,
		Retries:         3,
		BreakerFailures: 5,
		BreakerProbes:   2,
		BreakerCooldown: 30 * time.Second,
		WorkerSlots:     2,
	}
}

// Gateway wraps a Backend with breaker, retry, and the worker pool.
type Gateway struct {
	backend Backend
	breaker *circuitbreaker.Breaker
	cfg     Config
	slots   chan struct{}
	logger  *slog.Logger
}

// NewGateway creates a gateway around backend.
func NewGateway(backend Backend, cfg Config, logger *slog.Logger) *Gateway {
	if cfg.WorkerSlots <= 0 {
		cfg.WorkerSlots = 2
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 10 * time.Second
	}
	if cfg.Retries <= 0 {
		cfg.Retries = 3
	}
	return &Gateway{
		backend: backend,
		breaker: circuitbreaker.New(cfg.BreakerFailures, cfg.BreakerProbes, cfg.BreakerCooldown),
		cfg:     cfg,
		slots:   make(chan struct{}, cfg.WorkerSlots),
		logger:  logger,
	}
}

// BreakerState exposes the circuit state for an operation (for health checks).
func (g *Gateway) BreakerState(op string) circuitbreaker.State {
	return g.breaker.State("mint:" + op)
}

// CreateConditional issues a conditional value unit via the pool.
func (g *Gateway) CreateConditional(ctx context.Context, req CreateRequest) (string, error) {
	var ref string
	err := g.call(ctx, "create", func(callCtx context.Context) error {
		r, err := g.backend.CreateConditional(callCtx, req)
		if err != nil {
			return err
		}
		ref = r
		return nil
	})
	return ref, err
}

// SpendState queries the backend's spend state for a reference.
func (g *Gateway) SpendState(ctx context.Context, ref string) (SpendState, error) {
	state := SpendStateUnknown
	err := g.call(ctx, "spend_state", func(callCtx context.Context) error {
		s, err := g.backend.SpendState(callCtx, ref)
		if err != nil {
			return err
		}
		state = s
		return nil
	})
	return state, err
}

// Transfer executes a redemption or refund value movement.
func (g *Gateway) Transfer(ctx context.Context, req TransferRequest) (string, error) {
	var txRef string
	err := g.call(ctx, "transfer", func(callCtx context.Context) error {
		r, err := g.backend.Transfer(callCtx, req)
		if err != nil {
			// Insufficient funds is a state fact, not a transient fault.
			if errors.Is(err, ErrInsufficientFunds) {
				return retry.Permanent(err)
			}
			return err
		}
		txRef = r
		return nil
	})
	return txRef, err
}

// BalanceOf reads a peer's backend balance for reconciliation.
func (g *Gateway) BalanceOf(ctx context.Context, peerAddr string) (int64, error) {
	var bal int64
	err := g.call(ctx, "balance", func(callCtx context.Context) error {
		b, err := g.backend.BalanceOf(callCtx, peerAddr)
		if err != nil {
			return err
		}
		bal = b
		return nil
	})
	return bal, err
}

// call runs fn on the worker pool behind the breaker. The caller's ctx
// bounds only the wait: once dispatched, the attempt runs to its own
// timeout so an abandoned wait cannot leave the backend in doubt longer
// than one call budget.
func (g *Gateway) call(ctx context.Context, op string, fn func(context.Context) error) error {
	key := "mint:" + op
	if !g.breaker.Allow(key) {
		metrics.MintCallsTotal.WithLabelValues(op, "short_circuit").Inc()
		return ErrBackendUnavailable
	}

	select {
	case g.slots <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}

	done := make(chan error, 1)
	go func() {
		defer func() { <-g.slots }()

		start := time.Now()
		spanCtx, span := traces.StartSpan(context.Background(), "mint."+op, traces.MintOp(op))
		defer span.End()

		callCtx, cancel := context.WithTimeout(spanCtx, g.cfg.CallTimeout)
		defer cancel()

		err := retry.Do(callCtx, g.cfg.Retries, 250*time.Millisecond, func() error {
			return fn(callCtx)
		})

		metrics.MintCallDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
		if err != nil {
			g.breaker.RecordFailure(key)
			metrics.MintCallsTotal.WithLabelValues(op, "error").Inc()
			g.logger.Warn("mint call failed", "op", op, "error", err)
		} else {
			g.breaker.RecordSuccess(key)
			metrics.MintCallsTotal.WithLabelValues(op, "ok").Inc()
		}
		done <- err
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("mint: %s wait: %w", op, ctx.Err())
	}
}
