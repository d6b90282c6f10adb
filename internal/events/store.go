package events

import (
	"context"
	"sync"
)

// Filter selects events from a Store.
type Filter struct {
	InvoiceID string
	Type      Type
	AfterSeq  int64
	Limit     int
}

// Store persists the append-only event log.
type Store interface {
	Append(ctx context.Context, evt *Event) error
	List(ctx context.Context, f Filter) ([]*Event, error)
}

// MemoryStore is an in-memory event log for demo/development mode and tests.
type MemoryStore struct {
	mu     sync.RWMutex
	events []*Event
}

// NewMemoryStore creates an empty in-memory event log.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (m *MemoryStore) Append(_ context.Context, evt *Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *evt
	cp.Seq = int64(len(m.events)) + 1
	evt.Seq = cp.Seq
	m.events = append(m.events, &cp)
	return nil
}

// Publish makes the store usable as a Bus sink.
func (m *MemoryStore) Publish(ctx context.Context, evt Event) error {
	return m.Append(ctx, &evt)
}

func (m *MemoryStore) List(_ context.Context, f Filter) ([]*Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	var out []*Event
	for _, e := range m.events {
		if !f.matches(e) {
			continue
		}
		cp := *e
		out = append(out, &cp)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

// Types returns the event types recorded so far, in order. Used by tests.
func (m *MemoryStore) Types() []Type {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Type, len(m.events))
	for i, e := range m.events {
		out[i] = e.Type
	}
	return out
}

func (f Filter) matches(e *Event) bool {
	if e.Seq <= f.AfterSeq {
		return false
	}
	if f.InvoiceID != "" && e.InvoiceID != f.InvoiceID {
		return false
	}
	if f.Type != "" && e.Type != f.Type {
		return false
	}
	return true
}
