package escrow

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// sweepBatch bounds how many expired escrows one tick cancels.
const sweepBatch = 100

// Timer periodically cancels unfunded escrows past their expiry. Expiry is
// callable by anyone, so the sweeper acts as the zero address.
type Timer struct {
	engine   *Engine
	store    Store
	interval time.Duration
	logger   *slog.Logger
	now      func() time.Time
	stop     chan struct{}
	running  atomic.Bool
}

// NewTimer creates a new expiry sweeper.
func NewTimer(engine *Engine, store Store, logger *slog.Logger) *Timer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Timer{
		engine:   engine,
		store:    store,
		interval: 30 * time.Second,
		logger:   logger,
		now:      time.Now,
		stop:     make(chan struct{}),
	}
}

// WithInterval sets how often the sweeper runs.
func (t *Timer) WithInterval(d time.Duration) *Timer {
	if d > 0 {
		t.interval = d
	}
	return t
}

// WithClock replaces the sweeper's time source. Intended for tests.
func (t *Timer) WithClock(now func() time.Time) *Timer {
	t.now = now
	return t
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
			t.logger.Error("panic in escrow expiry sweep", "panic", fmt.Sprint(r))
		}
	}()
	t.Sweep(ctx)
}

// Sweep cancels one batch of expired unfunded escrows and returns how many
// were cancelled.
func (t *Timer) Sweep(ctx context.Context) int {
	expired, err := t.store.ListExpiredUnfunded(ctx, t.now(), sweepBatch)
	if err != nil {
		t.logger.Warn("failed to list expired escrows", "error", err)
		return 0
	}

	cancelled := 0
	for _, rec := range expired {
		if _, err := t.engine.ExpireEscrow(ctx, common.Address{}, rec.InvoiceID); err != nil {
			t.logger.Warn("failed to cancel expired escrow",
				"invoice_id", rec.InvoiceID.Hex(),
				"error", err,
			)
			continue
		}
		cancelled++
		t.logger.Info("cancelled expired escrow",
			"invoice_id", rec.InvoiceID.Hex(),
			"seller", rec.Seller.Hex(),
			"expiry", rec.Expiry,
		)
	}
	return cancelled
}
