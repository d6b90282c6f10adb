package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/tradevault/internal/events"
)

const (
	invoiceA = "0x1111111111111111111111111111111111111111111111111111111111111111"
	sellerA  = "0x00000000000000000000000000000000000000aA"
)

func testHub() *Hub {
	return NewHub(slog.Default())
}

func released() events.Event {
	return events.New(events.EscrowReleased, invoiceA, time.Now(), map[string]interface{}{
		"seller": sellerA,
		"amount": "100000000",
	})
}

func TestShouldSend_AllEvents(t *testing.T) {
	h := testHub()
	client := &Client{sub: Subscription{AllEvents: true}}
	assert.True(t, h.shouldSend(client, released()))
}

func TestShouldSend_EmptySubscription(t *testing.T) {
	h := testHub()
	assert.True(t, h.shouldSend(&Client{}, released()))
}

func TestShouldSend_EventTypeFilter(t *testing.T) {
	h := testHub()
	client := &Client{sub: Subscription{
		EventTypes: []events.Type{events.DisputeRaised, events.VoteCast},
	}}

	assert.True(t, h.shouldSend(client, events.New(events.DisputeRaised, invoiceA, time.Now(), nil)))
	assert.True(t, h.shouldSend(client, events.New(events.VoteCast, invoiceA, time.Now(), nil)))
	assert.False(t, h.shouldSend(client, released()))
}

func TestShouldSend_InvoiceFilter(t *testing.T) {
	h := testHub()
	client := &Client{sub: Subscription{InvoiceIDs: []string{invoiceA}}}

	assert.True(t, h.shouldSend(client, released()))

	other := events.New(events.EscrowCreated, "0x22", time.Now(), nil)
	assert.False(t, h.shouldSend(client, other))

	governance := events.New(events.ProposalCreated, "", time.Now(), nil)
	assert.False(t, h.shouldSend(client, governance), "events without an invoice never match an invoice filter")
}

func TestShouldSend_AddressFilterCaseInsensitive(t *testing.T) {
	h := testHub()
	client := &Client{sub: Subscription{Addresses: []string{"0x00000000000000000000000000000000000000AA"}}}

	assert.True(t, h.shouldSend(client, released()))

	unrelated := events.New(events.VoteCast, invoiceA, time.Now(), map[string]interface{}{
		"arbitrator": "0x00000000000000000000000000000000000000bb",
	})
	assert.False(t, h.shouldSend(client, unrelated))

	noData := events.New(events.EscrowCancelled, invoiceA, time.Now(), nil)
	assert.False(t, h.shouldSend(client, noData))
}

func TestShouldSend_CombinedFilters(t *testing.T) {
	h := testHub()
	client := &Client{sub: Subscription{
		EventTypes: []events.Type{events.EscrowReleased},
		Addresses:  []string{sellerA},
	}}
	assert.True(t, h.shouldSend(client, released()))

	created := events.New(events.EscrowCreated, invoiceA, time.Now(), map[string]interface{}{"seller": sellerA})
	assert.False(t, h.shouldSend(client, created))
}

func TestHub_Stats_Initial(t *testing.T) {
	stats := testHub().Stats()
	assert.Equal(t, 0, stats["connectedClients"])
	assert.Equal(t, int64(0), stats["totalEvents"])
}

func TestHub_PublishNeverBlocks(t *testing.T) {
	h := testHub()
	// No Run loop: the queue fills and further events are dropped.
	for i := 0; i < cap(h.broadcast); i++ {
		require.True(t, h.Broadcast(released()))
	}
	assert.False(t, h.Broadcast(released()))
	assert.NoError(t, h.Publish(context.Background(), released()))
}

func startHub(t *testing.T) (*Hub, context.CancelFunc) {
	t.Helper()
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	go h.Run(ctx)
	t.Cleanup(cancel)
	return h, cancel
}

func TestHub_RegisterUnregister(t *testing.T) {
	h, _ := startHub(t)

	client := &Client{hub: h, send: make(chan []byte, 256), sub: Subscription{AllEvents: true}}
	h.register <- client
	assert.Eventually(t, func() bool { return h.Stats()["connectedClients"] == 1 }, time.Second, 10*time.Millisecond)

	h.unregister <- client
	assert.Eventually(t, func() bool { return h.Stats()["connectedClients"] == 0 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, int64(1), h.Stats()["peakClients"])
}

func TestHub_BroadcastToClient(t *testing.T) {
	h, _ := startHub(t)

	client := &Client{hub: h, send: make(chan []byte, 256), sub: Subscription{AllEvents: true}}
	h.register <- client

	evt := released()
	require.NoError(t, h.Publish(context.Background(), evt))

	select {
	case msg := <-client.send:
		var got events.Event
		require.NoError(t, json.Unmarshal(msg, &got))
		assert.Equal(t, evt.ID, got.ID)
		assert.Equal(t, events.EscrowReleased, got.Type)
		assert.Equal(t, invoiceA, got.InvoiceID)
	case <-time.After(time.Second):
		t.Fatal("client did not receive event")
	}
}

func TestHub_FilteredBroadcast(t *testing.T) {
	h, _ := startHub(t)

	client := &Client{
		hub:  h,
		send: make(chan []byte, 256),
		sub:  Subscription{EventTypes: []events.Type{events.DisputeOutcome}},
	}
	h.register <- client

	h.Broadcast(released())
	h.Broadcast(events.New(events.DisputeOutcome, invoiceA, time.Now(), map[string]interface{}{"winner": sellerA}))

	select {
	case msg := <-client.send:
		assert.Contains(t, string(msg), string(events.DisputeOutcome))
	case <-time.After(time.Second):
		t.Fatal("client should receive dispute outcome")
	}

	select {
	case msg := <-client.send:
		t.Fatalf("unexpected second message: %s", msg)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHub_ContextCancellation(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())

	go h.Run(ctx)
	cancel()

	select {
	case <-h.done:
	case <-time.After(2 * time.Second):
		t.Error("Hub did not stop after context cancellation")
	}
}
