package governance

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/mbd888/tradevault/internal/arbitration"
	"github.com/mbd888/tradevault/internal/events"
	"github.com/mbd888/tradevault/internal/logging"
	"github.com/mbd888/tradevault/internal/metrics"
	"github.com/mbd888/tradevault/internal/traces"
)

// Ledger runs the proposal workflow against the arbitrator registry. It is
// the registry's only writer.
type Ledger struct {
	mu        sync.Mutex
	store     Store
	registry  *arbitration.Registry
	managers  map[common.Address]struct{}
	threshold int
	lastSeq   uint64
	emitter   events.Emitter
	now       func() time.Time
}

// NewLedger creates a ledger with a fixed manager set and approval threshold.
func NewLedger(store Store, registry *arbitration.Registry, managers []common.Address, threshold int) (*Ledger, error) {
	if len(managers) == 0 {
		return nil, ErrNoManagers
	}
	set := make(map[common.Address]struct{}, len(managers))
	for _, m := range managers {
		if m == (common.Address{}) {
			return nil, fmt.Errorf("%w: manager", arbitration.ErrZeroAddress)
		}
		if _, dup := set[m]; dup {
			return nil, fmt.Errorf("%w: manager %s", arbitration.ErrDuplicate, m.Hex())
		}
		set[m] = struct{}{}
	}
	if threshold < 1 || threshold > len(set) {
		return nil, fmt.Errorf("%w: %d of %d", ErrInvalidThreshold, threshold, len(set))
	}
	metrics.ArbitratorCount.Set(float64(registry.Count()))
	return &Ledger{
		store:     store,
		registry:  registry,
		managers:  set,
		threshold: threshold,
		emitter:   events.NoopEmitter{},
		now:       time.Now,
	}, nil
}

// SetEmitter routes ledger events to e.
func (l *Ledger) SetEmitter(e events.Emitter) {
	l.mu.Lock()
	l.emitter = e
	l.mu.Unlock()
}

// WithClock replaces the ledger's time source. Intended for tests.
func (l *Ledger) WithClock(now func() time.Time) *Ledger {
	l.now = now
	return l
}

// Registry returns the registry the ledger governs.
func (l *Ledger) Registry() *arbitration.Registry { return l.registry }

// Threshold returns the number of approvals a proposal needs.
func (l *Ledger) Threshold() int { return l.threshold }

// IsManager reports whether addr may propose and approve.
func (l *Ledger) IsManager(addr common.Address) bool {
	_, ok := l.managers[addr]
	return ok
}

// Managers returns the manager set sorted by address.
func (l *Ledger) Managers() []common.Address {
	out := make([]common.Address, 0, len(l.managers))
	for m := range l.managers {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Cmp(out[j]) < 0 })
	return out
}

// Restore replays executed proposals, in execution order, onto the registry.
// Call once at startup before serving requests.
func (l *Ledger) Restore(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	executed, err := l.store.ListExecuted(ctx)
	if err != nil {
		return fmt.Errorf("list executed proposals: %w", err)
	}
	for _, p := range executed {
		if err := l.registry.Apply(p.Change()); err != nil {
			return fmt.Errorf("replay proposal %d: %w", p.ID, err)
		}
		if p.ExecutionSeq > l.lastSeq {
			l.lastSeq = p.ExecutionSeq
		}
	}
	metrics.ArbitratorCount.Set(float64(l.registry.Count()))
	return nil
}

// ProposeAddArbitrator proposes adding a single arbitrator. It only
// succeeds when the resulting count stays odd.
func (l *Ledger) ProposeAddArbitrator(ctx context.Context, actingAs, target common.Address) (*Proposal, error) {
	return l.Propose(ctx, actingAs, arbitration.Change{Action: arbitration.ActionAdd, Targets: []common.Address{target}})
}

// ProposeRemoveArbitrator proposes removing a single arbitrator.
func (l *Ledger) ProposeRemoveArbitrator(ctx context.Context, actingAs, target common.Address) (*Proposal, error) {
	return l.Propose(ctx, actingAs, arbitration.Change{Action: arbitration.ActionRemove, Targets: []common.Address{target}})
}

// ProposeAddArbitrators proposes adding several arbitrators at once.
func (l *Ledger) ProposeAddArbitrators(ctx context.Context, actingAs common.Address, targets []common.Address) (*Proposal, error) {
	return l.Propose(ctx, actingAs, arbitration.Change{Action: arbitration.ActionAdd, Targets: targets})
}

// ProposeRemoveArbitrators proposes removing several arbitrators at once.
func (l *Ledger) ProposeRemoveArbitrators(ctx context.Context, actingAs common.Address, targets []common.Address) (*Proposal, error) {
	return l.Propose(ctx, actingAs, arbitration.Change{Action: arbitration.ActionRemove, Targets: targets})
}

// Propose records a new proposal with the proposer's approval. The change
// must be valid against the current registry.
func (l *Ledger) Propose(ctx context.Context, actingAs common.Address, change arbitration.Change) (*Proposal, error) {
	ctx, span := traces.StartSpan(ctx, "governance.Propose", traces.Principal(actingAs.Hex()))
	var err error
	defer func() { traces.End(span, err) }()

	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.IsManager(actingAs) {
		err = fmt.Errorf("%w: %s", ErrNotManager, actingAs.Hex())
		return nil, err
	}
	if _, err = l.registry.Preview(change); err != nil {
		return nil, err
	}

	p := NewProposal(change, actingAs, l.now())
	if err = l.store.Create(ctx, &p); err != nil {
		return nil, fmt.Errorf("create proposal: %w", err)
	}

	metrics.GovernanceProposalsTotal.WithLabelValues("created").Inc()
	logging.L(ctx).Info("governance proposal created",
		"proposal_id", p.ID, "action", p.Action, "targets", len(p.Targets), "proposer", actingAs.Hex())
	l.emit(ctx, events.ProposalCreated, &p, map[string]interface{}{
		"proposer": actingAs.Hex(),
	})
	return &p, nil
}

// ApproveProposal adds actingAs's approval to proposal id.
func (l *Ledger) ApproveProposal(ctx context.Context, actingAs common.Address, id uint64) (*Proposal, error) {
	ctx, span := traces.StartSpan(ctx, "governance.Approve", traces.Principal(actingAs.Hex()), traces.ProposalID(id))
	var err error
	defer func() { traces.End(span, err) }()

	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.IsManager(actingAs) {
		err = fmt.Errorf("%w: %s", ErrNotManager, actingAs.Hex())
		return nil, err
	}
	current, err := l.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	next, err := current.Approve(actingAs)
	if err != nil {
		return nil, err
	}
	if err = l.store.Update(ctx, &next); err != nil {
		return nil, fmt.Errorf("update proposal: %w", err)
	}

	metrics.GovernanceProposalsTotal.WithLabelValues("approved").Inc()
	logging.L(ctx).Info("governance proposal approved",
		"proposal_id", id, "manager", actingAs.Hex(), "approvals", len(next.Approvals))
	l.emit(ctx, events.ProposalApproved, &next, map[string]interface{}{
		"manager":   actingAs.Hex(),
		"approvals": len(next.Approvals),
	})
	return &next, nil
}

// ExecuteProposal applies proposal id to the registry once it has enough
// approvals. A proposal executes at most once.
func (l *Ledger) ExecuteProposal(ctx context.Context, actingAs common.Address, id uint64) (*Proposal, error) {
	ctx, span := traces.StartSpan(ctx, "governance.Execute", traces.Principal(actingAs.Hex()), traces.ProposalID(id))
	var err error
	defer func() { traces.End(span, err) }()

	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.IsManager(actingAs) {
		err = fmt.Errorf("%w: %s", ErrNotManager, actingAs.Hex())
		return nil, err
	}
	current, err := l.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	next, err := current.Execute(l.threshold, l.lastSeq+1, l.now())
	if err != nil {
		return nil, err
	}

	change := next.Change()
	if err = l.registry.Apply(change); err != nil {
		return nil, err
	}
	if err = l.store.Update(ctx, &next); err != nil {
		// Undo the registry change so memory and storage agree.
		if rbErr := l.registry.Apply(inverse(change)); rbErr != nil {
			logging.L(ctx).Error("registry rollback failed", "proposal_id", id, "error", rbErr)
		}
		err = fmt.Errorf("update proposal: %w", err)
		return nil, err
	}
	l.lastSeq = next.ExecutionSeq

	metrics.GovernanceProposalsTotal.WithLabelValues("executed").Inc()
	metrics.ArbitratorCount.Set(float64(l.registry.Count()))
	logging.L(ctx).Info("governance proposal executed",
		"proposal_id", id, "action", next.Action, "arbitrators", l.registry.Count())

	l.emit(ctx, events.ProposalExecuted, &next, map[string]interface{}{
		"executor":        actingAs.Hex(),
		"arbitratorCount": l.registry.Count(),
	})
	typ := events.ArbitratorAdded
	if next.Action == arbitration.ActionRemove {
		typ = events.ArbitratorRemoved
	}
	for _, t := range next.Targets {
		l.emitter.Emit(ctx, events.New(typ, "", l.now(), map[string]interface{}{
			"arbitrator": t.Hex(),
			"proposalId": next.ID,
		}))
	}
	return &next, nil
}

// Get returns proposal id.
func (l *Ledger) Get(ctx context.Context, id uint64) (*Proposal, error) {
	return l.store.Get(ctx, id)
}

// List returns the most recent proposals, newest first.
func (l *Ledger) List(ctx context.Context, limit int) ([]*Proposal, error) {
	if limit <= 0 {
		limit = 50
	}
	return l.store.List(ctx, limit)
}

// Caller must hold l.mu.
func (l *Ledger) emit(ctx context.Context, typ events.Type, p *Proposal, data map[string]interface{}) {
	data["proposalId"] = p.ID
	data["action"] = string(p.Action)
	targets := make([]string, len(p.Targets))
	for i, t := range p.Targets {
		targets[i] = t.Hex()
	}
	data["targets"] = targets
	l.emitter.Emit(ctx, events.New(typ, "", l.now(), data))
}

func inverse(c arbitration.Change) arbitration.Change {
	out := arbitration.Change{Action: arbitration.ActionAdd, Targets: c.Targets}
	if c.Action == arbitration.ActionAdd {
		out.Action = arbitration.ActionRemove
	}
	return out
}

// ParseProposalID parses a decimal proposal id.
func ParseProposalID(s string) (uint64, error) {
	id, err := strconv.ParseUint(s, 10, 64)
	if err != nil || id == 0 {
		return 0, fmt.Errorf("%w: %q", ErrProposalNotFound, s)
	}
	return id, nil
}
