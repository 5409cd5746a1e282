package payments

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// Timer periodically expires payment orders that were created but never
// confirmed. Expired orders free their idempotency slot so the client
// can start a fresh checkout.
type Timer struct {
	service  *Service
	maxAge   time.Duration
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
}

// NewTimer creates a new stale-order sweep timer.
func NewTimer(service *Service, maxAge time.Duration, logger *slog.Logger) *Timer {
	if maxAge <= 0 {
		maxAge = 30 * time.Minute
	}
	return &Timer{
		service:  service,
		maxAge:   maxAge,
		interval: time.Minute,
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
			t.logger.Error("panic in payment order sweep", "panic", fmt.Sprint(r))
		}
	}()
	t.sweep(ctx)
}

func (t *Timer) sweep(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-t.maxAge)
	expired, err := t.service.ExpireStale(ctx, cutoff, 100)
	if err != nil {
		t.logger.Warn("failed to expire stale payment orders", "error", err)
		return
	}
	if expired > 0 {
		t.logger.Info("expired stale payment orders", "count", expired)
	}
}
