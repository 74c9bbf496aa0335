package netting

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// Timer periodically executes open proposals whose ack deadline passed.
type Timer struct {
	engine   *Engine
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
}

// NewTimer creates a new deadline sweep timer.
func NewTimer(engine *Engine, interval time.Duration, logger *slog.Logger) *Timer {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Timer{
		engine:   engine,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Running reports whether the timer loop is actively running.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// Start begins the sweep loop. Call in a goroutine.
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
			t.safeSweep(ctx)
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

func (t *Timer) safeSweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in netting deadline timer", "panic", fmt.Sprint(r))
		}
	}()

	if err := t.engine.SweepDeadlines(ctx, time.Now()); err != nil {
		t.logger.Warn("netting deadline sweep failed", "error", err)
	}
}
