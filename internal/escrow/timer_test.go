package escrow

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTimer_SweepCancelsExpiredUnfunded(t *testing.T) {
	h := newHarness(t, 30)
	ctx := context.Background()

	h.create(t, h.params("10"))
	p := h.params("10")
	p.InvoiceID = invoiceB
	p.Duration = 200 * time.Hour
	h.create(t, p)

	timer := NewTimer(h.engine, h.store, slog.Default()).WithClock(h.clock.Now)
	assert.Equal(t, 0, timer.Sweep(ctx))

	h.clock.Advance(100 * time.Hour)
	assert.Equal(t, 1, timer.Sweep(ctx))

	a, err := h.engine.Get(ctx, invoiceA)
	require.NoError(t, err)
	assert.Equal(t, StateCancelled, a.State())
	b, err := h.engine.Get(ctx, invoiceB)
	require.NoError(t, err)
	assert.Equal(t, StateCreated, b.State())

	assert.Equal(t, 0, timer.Sweep(ctx), "cancelled escrows are not swept again")
}

func TestTimer_SkipsFunded(t *testing.T) {
	h := newHarness(t, 30)
	h.fund(t, "10")
	h.clock.Advance(100 * time.Hour)

	timer := NewTimer(h.engine, h.store, nil).WithClock(h.clock.Now)
	assert.Equal(t, 0, timer.Sweep(context.Background()))
}

func TestTimer_StartStop(t *testing.T) {
	h := newHarness(t, 30)
	timer := NewTimer(h.engine, h.store, nil).WithInterval(10 * time.Millisecond)

	done := make(chan struct{})
	go func() {
		timer.Start(context.Background())
		close(done)
	}()
	require.Eventually(t, timer.Running, time.Second, 5*time.Millisecond)

	timer.Stop()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timer did not stop")
	}
	assert.False(t, timer.Running())
}
