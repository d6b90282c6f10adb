package governance

import (
	"context"
	"sort"
	"sync"
)

// Store persists proposals.
type Store interface {
	// Create assigns the next ID to p and saves it.
	Create(ctx context.Context, p *Proposal) error
	Get(ctx context.Context, id uint64) (*Proposal, error)
	Update(ctx context.Context, p *Proposal) error
	List(ctx context.Context, limit int) ([]*Proposal, error)
	// ListExecuted returns executed proposals ordered by ExecutionSeq.
	ListExecuted(ctx context.Context) ([]*Proposal, error)
}

// MemoryStore is an in-memory proposal store for development and testing.
type MemoryStore struct {
	mu        sync.RWMutex
	proposals map[uint64]*Proposal
	nextID    uint64
}

// NewMemoryStore creates a new in-memory proposal store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{proposals: make(map[uint64]*Proposal), nextID: 1}
}

func (m *MemoryStore) Create(_ context.Context, p *Proposal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p.ID = m.nextID
	m.nextID++
	cp := p.clone()
	m.proposals[p.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id uint64) (*Proposal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.proposals[id]
	if !ok {
		return nil, ErrProposalNotFound
	}
	cp := p.clone()
	return &cp, nil
}

func (m *MemoryStore) Update(_ context.Context, p *Proposal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.proposals[p.ID]; !ok {
		return ErrProposalNotFound
	}
	cp := p.clone()
	m.proposals[p.ID] = &cp
	return nil
}

func (m *MemoryStore) List(_ context.Context, limit int) ([]*Proposal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Proposal, 0, len(m.proposals))
	for _, p := range m.proposals {
		cp := p.clone()
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) ListExecuted(_ context.Context) ([]*Proposal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Proposal
	for _, p := range m.proposals {
		if p.Executed() {
			cp := p.clone()
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExecutionSeq < out[j].ExecutionSeq })
	return out, nil
}
