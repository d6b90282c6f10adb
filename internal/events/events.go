// Package events carries the engine's outbound notifications to off-core
// consumers (invoice and quotation controllers, notification delivery, the
// realtime stream). Events are emitted only after an operation fully
// succeeded.
package events

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Type names an engine event.
type Type string

const (
	EscrowCreated     Type = "escrow.created"
	DepositConfirmed  Type = "escrow.deposit_confirmed"
	EscrowReleased    Type = "escrow.released"
	EscrowCancelled   Type = "escrow.cancelled"
	DisputeRaised     Type = "escrow.dispute_raised"
	VoteCast          Type = "escrow.vote_cast"
	DisputeOutcome    Type = "escrow.dispute_outcome"
	ArbitratorAdded   Type = "arbitration.arbitrator_added"
	ArbitratorRemoved Type = "arbitration.arbitrator_removed"
	ProposalCreated   Type = "governance.proposal_created"
	ProposalApproved  Type = "governance.proposal_approved"
	ProposalExecuted  Type = "governance.proposal_executed"
	FeeUpdated        Type = "admin.fee_updated"
	TreasuryUpdated   Type = "admin.treasury_updated"
	MetaTxExecuted    Type = "relay.meta_tx_executed"
)

// Event is a single engine notification.
type Event struct {
	Seq       int64                  `json:"seq,omitempty"`
	ID        string                 `json:"id"`
	Type      Type                   `json:"type"`
	InvoiceID string                 `json:"invoiceId,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// New builds an event with a fresh ID.
func New(typ Type, invoiceID string, at time.Time, data map[string]interface{}) Event {
	return Event{
		ID:        uuid.NewString(),
		Type:      typ,
		InvoiceID: invoiceID,
		Timestamp: at.UTC(),
		Data:      data,
	}
}

// Emitter receives engine events.
type Emitter interface {
	Emit(ctx context.Context, evt Event)
}

// Sink is a destination the Bus fans events out to.
type Sink interface {
	Publish(ctx context.Context, evt Event) error
}

// NoopEmitter drops every event.
type NoopEmitter struct{}

func (NoopEmitter) Emit(context.Context, Event) {}

// Bus fans events out to every registered sink. A failing sink is logged and
// does not stop delivery to the others.
type Bus struct {
	sinks  []Sink
	logger *slog.Logger
}

// NewBus creates a bus delivering to sinks in order.
func NewBus(logger *slog.Logger, sinks ...Sink) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{sinks: sinks, logger: logger}
}

// Add registers another sink.
func (b *Bus) Add(s Sink) {
	b.sinks = append(b.sinks, s)
}

// Emit delivers evt to every sink.
func (b *Bus) Emit(ctx context.Context, evt Event) {
	if evt.ID == "" {
		evt.ID = uuid.NewString()
	}
	for _, s := range b.sinks {
		if err := s.Publish(ctx, evt); err != nil {
			b.logger.Warn("event sink failed",
				"type", evt.Type,
				"invoiceId", evt.InvoiceID,
				"error", err,
			)
		}
	}
}

// LogSink writes every event to a structured logger.
type LogSink struct {
	Logger *slog.Logger
}

func (l LogSink) Publish(_ context.Context, evt Event) error {
	l.Logger.Info("engine event",
		"type", evt.Type,
		"invoiceId", evt.InvoiceID,
		"id", evt.ID,
	)
	return nil
}
