package mint

import (
	"context"
	"fmt"
	"sync"

	"github.com/flotilla-net/flotilla/internal/idgen"
)

// SimBackend is an in-process Backend for development and tests. It keeps
// per-peer balances and conditional units in memory and can be told to
// fail the next N calls to exercise the gateway's breaker and retry.
type SimBackend struct {
	mu        sync.Mutex
	balances  map[string]int64
	refs      map[string]*simRef
	failNext  int
	failWith  error
	callCount int
}

type simRef struct {
	req   CreateRequest
	state SpendState
}

// NewSimBackend creates an empty simulated backend.
func NewSimBackend() *SimBackend {
	return &SimBackend{
		balances: make(map[string]int64),
		refs:     make(map[string]*simRef),
	}
}

// Credit seeds a peer balance.
func (s *SimBackend) Credit(peerAddr string, amount int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.balances[peerAddr] += amount
}

// FailNext makes the next n calls return err.
func (s *SimBackend) FailNext(n int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext = n
	s.failWith = err
}

// Calls reports how many backend calls were attempted.
func (s *SimBackend) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.callCount
}

func (s *SimBackend) maybeFail() error {
	s.callCount++
	if s.failNext > 0 {
		s.failNext--
		if s.failWith != nil {
			return s.failWith
		}
		return fmt.Errorf("simulated backend failure")
	}
	return nil
}

func (s *SimBackend) CreateConditional(ctx context.Context, req CreateRequest) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.maybeFail(); err != nil {
		return "", err
	}
	if s.balances[req.Payer] < req.Amount {
		return "", ErrInsufficientFunds
	}
	s.balances[req.Payer] -= req.Amount
	ref := idgen.WithPrefix("simref_")
	s.refs[ref] = &simRef{req: req, state: SpendStateUnspent}
	return ref, nil
}

func (s *SimBackend) SpendState(ctx context.Context, ref string) (SpendState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.maybeFail(); err != nil {
		return SpendStateUnknown, err
	}
	r, ok := s.refs[ref]
	if !ok {
		return SpendStateUnknown, ErrRefNotFound
	}
	return r.state, nil
}

func (s *SimBackend) Transfer(ctx context.Context, req TransferRequest) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.maybeFail(); err != nil {
		return "", err
	}
	// Transfers for a ticket spend its conditional unit; bare transfers
	// move free balance.
	spent := false
	for _, r := range s.refs {
		if r.req.TicketID == req.TicketID && r.state == SpendStateUnspent {
			r.state = SpendStateSpent
			spent = true
			break
		}
	}
	if !spent {
		if s.balances[req.From] < req.Amount {
			return "", ErrInsufficientFunds
		}
		s.balances[req.From] -= req.Amount
	}
	s.balances[req.To] += req.Amount
	return idgen.WithPrefix("simtx_"), nil
}

func (s *SimBackend) BalanceOf(ctx context.Context, peerAddr string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.maybeFail(); err != nil {
		return 0, err
	}
	return s.balances[peerAddr], nil
}
