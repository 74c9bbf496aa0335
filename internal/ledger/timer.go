package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// Timer periodically reconciles engine balances against the backend.
type Timer struct {
	ledger   *Ledger
	backend  BalanceReader
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
}

// NewTimer creates a new reconcile timer.
func NewTimer(ledger *Ledger, backend BalanceReader, interval time.Duration, logger *slog.Logger) *Timer {
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	return &Timer{
		ledger:   ledger,
		backend:  backend,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Running reports whether the timer loop is actively running.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// Start begins the reconcile loop. Call in a goroutine.
func (t *Timer) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.safeReconcile(ctx)
		}
	}
}

// Stop signals the timer to stop.
func (t *Timer) Stop() {
	select {
	case t.stop <- struct{}{}:
	default:
	}
}

func (t *Timer) safeReconcile(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in reconcile timer", "panic", fmt.Sprint(r))
		}
	}()

	discrepancies, err := t.ledger.Reconcile(ctx, t.backend)
	if err != nil {
		t.logger.Warn("reconcile failed", "error", err)
		return
	}
	if len(discrepancies) > 0 {
		t.logger.Error("reconcile found balance discrepancies", "count", len(discrepancies))
	}
}
