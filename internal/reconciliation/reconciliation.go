// Package reconciliation checks that custody holds exactly what the open
// escrows say it should: a funded escrow's arena carries the payable amount
// plus the fee, an unfunded one carries nothing, and pledged collateral is
// locked against its own invoice.
package reconciliation

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/mbd888/tradevault/internal/custody"
	"github.com/mbd888/tradevault/internal/escrow"
)

// DefaultBatch bounds how many open escrows one run inspects.
const DefaultBatch = 10_000

// Mismatch kinds.
const (
	KindFunds      = "funds"
	KindCollateral = "collateral"
)

// Holdings is the read side of the custody vault.
type Holdings interface {
	Custodied(invoiceID common.Hash, asset common.Address) *big.Int
	CollateralOwner(ref custody.CollateralRef) (owner common.Address, invoice common.Hash, locked bool)
}

// Inspector walks open escrows while no settlement can run.
type Inspector interface {
	InspectOpen(ctx context.Context, limit int, inspect func(*escrow.Record)) error
}

// Mismatch describes one escrow whose custody disagrees with its record.
type Mismatch struct {
	InvoiceID common.Hash `json:"invoiceId"`
	Kind      string      `json:"kind"`
	Expected  string      `json:"expected"`
	Held      string      `json:"held"`
}

// Result is the outcome of one reconciliation run.
type Result struct {
	Checked    int        `json:"checked"`
	Mismatches []Mismatch `json:"mismatches"`
	CheckedAt  time.Time  `json:"checkedAt"`
}

// Clean reports whether the run found nothing out of place.
func (r *Result) Clean() bool { return len(r.Mismatches) == 0 }

// Service runs reconciliation and remembers the latest result.
type Service struct {
	escrows Inspector
	vault   Holdings
	batch   int
	now     func() time.Time

	mu   sync.RWMutex
	last *Result
}

// NewService creates a reconciliation service.
func NewService(escrows Inspector, vault Holdings) *Service {
	return &Service{
		escrows: escrows,
		vault:   vault,
		batch:   DefaultBatch,
		now:     time.Now,
	}
}

// Run inspects every open escrow once.
func (s *Service) Run(ctx context.Context) (*Result, error) {
	start := time.Now()
	res := &Result{CheckedAt: s.now()}

	err := s.escrows.InspectOpen(ctx, s.batch, func(rec *escrow.Record) {
		res.Checked++
		res.Mismatches = append(res.Mismatches, s.check(rec)...)
	})
	runDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		runErrors.Inc()
		return nil, fmt.Errorf("inspect open escrows: %w", err)
	}

	openChecked.Set(float64(res.Checked))
	mismatches.Set(float64(len(res.Mismatches)))

	s.mu.Lock()
	s.last = res
	s.mu.Unlock()
	return res, nil
}

// Last returns the most recent successful result, or nil before the first run.
func (s *Service) Last() *Result {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.last
}

func (s *Service) check(rec *escrow.Record) []Mismatch {
	var out []Mismatch

	expected := big.NewInt(0)
	if rec.Funded {
		expected.Add(rec.FaceAmount, rec.FeeAmount)
	}
	if held := s.vault.Custodied(rec.InvoiceID, rec.Asset); held.Cmp(expected) != 0 {
		out = append(out, Mismatch{
			InvoiceID: rec.InvoiceID,
			Kind:      KindFunds,
			Expected:  expected.String(),
			Held:      held.String(),
		})
	}

	if rec.Collateral != nil {
		_, invoice, locked := s.vault.CollateralOwner(*rec.Collateral)
		if !locked || invoice != rec.InvoiceID {
			held := "unlocked"
			if locked {
				held = "locked for " + invoice.Hex()
			}
			out = append(out, Mismatch{
				InvoiceID: rec.InvoiceID,
				Kind:      KindCollateral,
				Expected:  "locked " + rec.Collateral.Key(),
				Held:      held,
			})
		}
	}
	return out
}
