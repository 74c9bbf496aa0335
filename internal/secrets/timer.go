package secrets

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// Timer periodically prunes revealed secrets past the retention window.
type Timer struct {
	service   *Service
	retention time.Duration
	interval  time.Duration
	logger    *slog.Logger
	stop      chan struct{}
	running   atomic.Bool
}

// NewTimer creates a secret prune timer.
func NewTimer(service *Service, retention time.Duration, logger *slog.Logger) *Timer {
	return &Timer{
		service:   service,
		retention: retention,
		interval:  time.Hour,
		logger:    logger,
		stop:      make(chan struct{}),
	}
}

// Running reports whether the timer loop is actively running.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// Start begins the prune loop. Call in a goroutine.
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
			t.safePrune(ctx)
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

func (t *Timer) safePrune(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in secret prune timer", "panic", fmt.Sprint(r))
		}
	}()

	n, err := t.service.Prune(ctx, t.retention)
	if err != nil {
		t.logger.Warn("secret prune failed", "error", err)
		return
	}
	if n > 0 {
		t.logger.Info("pruned revealed secrets", "count", n)
	}
}
