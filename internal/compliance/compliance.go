// Package compliance answers whether a principal may interact with the
// engine. Escrow creation checks the acting principal and both parties;
// deposit checks the buyer. Confirmations, disputes, votes and expiry do
// not consult the gate, so a party frozen after funding can still settle.
package compliance

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/mbd888/tradevault/internal/faults"
)

var (
	ErrNotCompliant = faults.New(faults.KindCompliance, "compliance: principal not compliant")
	ErrFrozen       = faults.New(faults.KindCompliance, "compliance: principal frozen")
	ErrUnavailable  = faults.New(faults.KindCompliance, "compliance: registry unavailable")
)

// Gate is the external compliance registry.
type Gate interface {
	IsCompliant(ctx context.Context, principal common.Address) (bool, error)
	IsFrozen(ctx context.Context, principal common.Address) (bool, error)
}

// StatusLooker is implemented by gates that answer both questions in one
// lookup. Require prefers it over separate IsCompliant and IsFrozen calls.
type StatusLooker interface {
	Lookup(ctx context.Context, principal common.Address) (Status, error)
}

// Require checks each principal against gate. Lookup failures are treated as
// non-compliance so the calling operation fails closed.
func Require(ctx context.Context, gate Gate, principals ...common.Address) error {
	if sl, ok := gate.(StatusLooker); ok {
		return requireStatus(ctx, sl, principals)
	}
	for _, p := range principals {
		ok, err := gate.IsCompliant(ctx, p)
		if err != nil {
			return fmt.Errorf("%w: %s: %v", ErrUnavailable, p.Hex(), err)
		}
		if !ok {
			return fmt.Errorf("%w: %s", ErrNotCompliant, p.Hex())
		}
		frozen, err := gate.IsFrozen(ctx, p)
		if err != nil {
			return fmt.Errorf("%w: %s: %v", ErrUnavailable, p.Hex(), err)
		}
		if frozen {
			return fmt.Errorf("%w: %s", ErrFrozen, p.Hex())
		}
	}
	return nil
}

func requireStatus(ctx context.Context, sl StatusLooker, principals []common.Address) error {
	for _, p := range principals {
		st, err := sl.Lookup(ctx, p)
		if err != nil {
			return fmt.Errorf("%w: %s: %v", ErrUnavailable, p.Hex(), err)
		}
		if !st.Compliant {
			return fmt.Errorf("%w: %s", ErrNotCompliant, p.Hex())
		}
		if st.Frozen {
			return fmt.Errorf("%w: %s", ErrFrozen, p.Hex())
		}
	}
	return nil
}

// AllowAll treats every principal as compliant and unfrozen.
type AllowAll struct{}

func (AllowAll) IsCompliant(context.Context, common.Address) (bool, error) { return true, nil }
func (AllowAll) IsFrozen(context.Context, common.Address) (bool, error)    { return false, nil }

// StaticGate is an in-memory allowlist with a freeze set. Used in
// development and tests, and loaded from COMPLIANCE_ALLOWLIST /
// COMPLIANCE_FROZEN.
type StaticGate struct {
	mu      sync.RWMutex
	allowed map[common.Address]bool
	frozen  map[common.Address]bool
}

// NewStaticGate returns a gate that allows exactly the given principals.
func NewStaticGate(allowed ...common.Address) *StaticGate {
	g := &StaticGate{
		allowed: make(map[common.Address]bool),
		frozen:  make(map[common.Address]bool),
	}
	for _, a := range allowed {
		g.allowed[a] = true
	}
	return g
}

func (g *StaticGate) Allow(p common.Address) {
	g.mu.Lock()
	g.allowed[p] = true
	g.mu.Unlock()
}

func (g *StaticGate) Revoke(p common.Address) {
	g.mu.Lock()
	delete(g.allowed, p)
	g.mu.Unlock()
}

func (g *StaticGate) Freeze(p common.Address) {
	g.mu.Lock()
	g.frozen[p] = true
	g.mu.Unlock()
}

func (g *StaticGate) Unfreeze(p common.Address) {
	g.mu.Lock()
	delete(g.frozen, p)
	g.mu.Unlock()
}

func (g *StaticGate) IsCompliant(_ context.Context, p common.Address) (bool, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.allowed[p], nil
}

func (g *StaticGate) IsFrozen(_ context.Context, p common.Address) (bool, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.frozen[p], nil
}

// ParseAddressList parses a comma-separated list of hex addresses, skipping
// blanks. Invalid entries are reported.
func ParseAddressList(s string) ([]common.Address, error) {
	var out []common.Address
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if !common.IsHexAddress(part) {
			return nil, fmt.Errorf("invalid address %q", part)
		}
		out = append(out, common.HexToAddress(part))
	}
	return out, nil
}
