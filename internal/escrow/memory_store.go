package escrow

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// MemoryStore is an in-memory escrow store for demo/development mode.
type MemoryStore struct {
	records map[common.Hash]*Record
	mu      sync.RWMutex
}

// NewMemoryStore creates a new in-memory escrow store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[common.Hash]*Record),
	}
}

func (m *MemoryStore) Create(_ context.Context, r *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.records[r.InvoiceID]; ok {
		return ErrEscrowExists
	}
	m.records[r.InvoiceID] = r.clone()
	return nil
}

func (m *MemoryStore) Get(_ context.Context, invoiceID common.Hash) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.records[invoiceID]
	if !ok {
		return nil, ErrEscrowNotFound
	}
	// Deep copy: callers mutate the returned record before Update.
	return r.clone(), nil
}

func (m *MemoryStore) Update(_ context.Context, r *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.records[r.InvoiceID]; !ok {
		return ErrEscrowNotFound
	}
	m.records[r.InvoiceID] = r.clone()
	return nil
}

func (m *MemoryStore) ListByParty(_ context.Context, party common.Address, limit int) ([]*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Record
	for _, r := range m.records {
		if r.IsParty(party) {
			result = append(result, r.clone())
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.After(result[j].CreatedAt) })
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) ListExpiredUnfunded(_ context.Context, before time.Time, limit int) ([]*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Record
	for _, r := range m.records {
		if !r.Funded && !r.IsTerminal() && r.Expiry.Before(before) {
			result = append(result, r.clone())
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Expiry.Before(result[j].Expiry) })
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) ListOpen(_ context.Context, limit int) ([]*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Record
	for _, r := range m.records {
		if !r.IsTerminal() {
			result = append(result, r.clone())
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}
