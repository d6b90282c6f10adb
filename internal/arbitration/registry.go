// Package arbitration holds the set of authorized arbitrators and the quorum
// snapshot a dispute freezes when it is raised.
//
// The arbitrator count is odd at all times so a strict majority always
// exists. Membership only changes through Apply, which the governance ledger
// calls when a multi-signature proposal executes.
package arbitration

import (
	"bytes"
	"fmt"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/mbd888/tradevault/internal/faults"
)

var (
	ErrEvenCount     = faults.New(faults.KindValidation, "arbitration: arbitrator count must be odd")
	ErrEmptyRegistry = faults.New(faults.KindValidation, "arbitration: arbitrator set must not be empty")
	ErrZeroAddress   = faults.New(faults.KindValidation, "arbitration: zero address")
	ErrDuplicate     = faults.New(faults.KindValidation, "arbitration: duplicate address")
	ErrAlreadyMember = faults.New(faults.KindState, "arbitration: already an arbitrator")
	ErrNotMember     = faults.New(faults.KindState, "arbitration: not an arbitrator")
	ErrNoTargets     = faults.New(faults.KindValidation, "arbitration: change has no targets")
	ErrUnknownAction = faults.New(faults.KindValidation, "arbitration: unknown action")
	ErrInvalidQuorum = faults.New(faults.KindState, "arbitration: cannot snapshot quorum from an even or empty registry")
)

// Action is a registry mutation kind.
type Action string

const (
	ActionAdd    Action = "add_arbitrator"
	ActionRemove Action = "remove_arbitrator"
)

// Valid reports whether the action is supported.
func (a Action) Valid() bool {
	return a == ActionAdd || a == ActionRemove
}

// Change is a batch of additions or removals applied atomically.
type Change struct {
	Action  Action           `json:"action"`
	Targets []common.Address `json:"targets"`
}

// Registry is the live arbitrator set.
type Registry struct {
	mu      sync.RWMutex
	members map[common.Address]struct{}
}

// NewRegistry creates a registry seeded with the given arbitrators. The
// initial set must be non-empty, odd-sized and free of duplicates.
func NewRegistry(initial []common.Address) (*Registry, error) {
	if err := checkTargets(initial); err != nil {
		return nil, err
	}
	if err := ValidateCount(len(initial)); err != nil {
		return nil, err
	}
	r := &Registry{members: make(map[common.Address]struct{}, len(initial))}
	for _, a := range initial {
		r.members[a] = struct{}{}
	}
	return r, nil
}

// ValidateCount rejects counts that are zero or even.
func ValidateCount(n int) error {
	if n <= 0 {
		return ErrEmptyRegistry
	}
	if n%2 == 0 {
		return fmt.Errorf("%w: %d", ErrEvenCount, n)
	}
	return nil
}

// Count returns the current number of arbitrators.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.members)
}

// IsArbitrator reports whether addr is currently an arbitrator.
func (r *Registry) IsArbitrator(addr common.Address) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.members[addr]
	return ok
}

// Members returns the arbitrators sorted by address.
func (r *Registry) Members() []common.Address {
	r.mu.RLock()
	out := make([]common.Address, 0, len(r.members))
	for a := range r.members {
		out = append(out, a)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return bytes.Compare(out[i][:], out[j][:]) < 0 })
	return out
}

// Snapshot freezes the current count into a quorum.
func (r *Registry) Snapshot() (Snapshot, error) {
	return NewSnapshot(r.Count())
}

// Preview returns the count the registry would have after change, without
// applying it. It fails for the same reasons Apply would.
func (r *Registry) Preview(change Change) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.resultingCount(change)
}

// Apply performs change atomically. Either every target is added (or
// removed) and the count stays odd, or nothing changes.
func (r *Registry) Apply(change Change) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, err := r.resultingCount(change); err != nil {
		return err
	}
	for _, t := range change.Targets {
		if change.Action == ActionAdd {
			r.members[t] = struct{}{}
		} else {
			delete(r.members, t)
		}
	}
	return nil
}

// resultingCount validates change against the current membership.
// Caller must hold r.mu.
func (r *Registry) resultingCount(change Change) (int, error) {
	if !change.Action.Valid() {
		return 0, fmt.Errorf("%w: %q", ErrUnknownAction, change.Action)
	}
	if err := checkTargets(change.Targets); err != nil {
		return 0, err
	}

	n := len(r.members)
	for _, t := range change.Targets {
		_, member := r.members[t]
		switch change.Action {
		case ActionAdd:
			if member {
				return 0, fmt.Errorf("%w: %s", ErrAlreadyMember, t.Hex())
			}
			n++
		case ActionRemove:
			if !member {
				return 0, fmt.Errorf("%w: %s", ErrNotMember, t.Hex())
			}
			n--
		}
	}
	if err := ValidateCount(n); err != nil {
		return 0, err
	}
	return n, nil
}

func checkTargets(targets []common.Address) error {
	if len(targets) == 0 {
		return ErrNoTargets
	}
	seen := make(map[common.Address]struct{}, len(targets))
	for _, t := range targets {
		if t == (common.Address{}) {
			return ErrZeroAddress
		}
		if _, dup := seen[t]; dup {
			return fmt.Errorf("%w: %s", ErrDuplicate, t.Hex())
		}
		seen[t] = struct{}{}
	}
	return nil
}
