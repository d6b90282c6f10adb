// Package fees computes the platform transfer fee and the early-payment
// discount. All math is integer basis-point arithmetic with floor rounding.
package fees

import (
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/mbd888/tradevault/internal/faults"
)

const (
	// BasisPointsDenominator is 100% expressed in basis points.
	BasisPointsDenominator = 10_000

	// MaxFeeBasisPoints caps the platform fee at 0.5%.
	MaxFeeBasisPoints = 50

	// MaxDiscountBasisPoints is the largest discount an escrow may offer (100%).
	MaxDiscountBasisPoints = BasisPointsDenominator
)

var (
	ErrFeeAboveCap   = faults.New(faults.KindValidation, "fees: fee basis points above cap")
	ErrDiscountRange = faults.New(faults.KindValidation, "fees: discount rate out of range")

	bpsDenominatorBig = big.NewInt(BasisPointsDenominator)
)

// ApplyBasisPoints returns floor(amount * bps / 10000).
func ApplyBasisPoints(amount *big.Int, bps uint64) *big.Int {
	if amount == nil || amount.Sign() <= 0 || bps == 0 {
		return big.NewInt(0)
	}
	out := new(big.Int).Mul(amount, new(big.Int).SetUint64(bps))
	return out.Quo(out, bpsDenominatorBig)
}

// CalculateFee returns the fee owed on amount at the given rate.
func CalculateFee(amount *big.Int, feeBps uint64) *big.Int {
	return ApplyBasisPoints(amount, feeBps)
}

// DiscountOffered reports whether a discount with the given deadline is still
// open at now. A zero deadline means no discount was offered.
func DiscountOffered(deadline, now time.Time) bool {
	return !deadline.IsZero() && now.Before(deadline)
}

// PayableAmount returns the amount the buyer owes at now: the face amount
// less the discount while the discount deadline has not passed, otherwise
// the face amount.
func PayableAmount(face *big.Int, discountBps uint64, deadline, now time.Time) *big.Int {
	if face == nil {
		return big.NewInt(0)
	}
	if discountBps == 0 || !DiscountOffered(deadline, now) {
		return new(big.Int).Set(face)
	}
	return new(big.Int).Sub(face, ApplyBasisPoints(face, discountBps))
}

// ValidateDiscount rejects discount rates above 100%.
func ValidateDiscount(discountBps uint64) error {
	if discountBps > MaxDiscountBasisPoints {
		return fmt.Errorf("%w: %d", ErrDiscountRange, discountBps)
	}
	return nil
}

// Quote is a preview of what a deposit will cost.
type Quote struct {
	FaceAmount      *big.Int `json:"faceAmount"`
	PayableAmount   *big.Int `json:"payableAmount"`
	FeeAmount       *big.Int `json:"feeAmount"`
	Total           *big.Int `json:"total"`
	DiscountApplied bool     `json:"discountApplied"`
	FeeBasisPoints  uint64   `json:"feeBasisPoints"`
}

// NewQuote computes the payable amount, fee and total for a deposit at now.
func NewQuote(face *big.Int, discountBps uint64, deadline, now time.Time, feeBps uint64) Quote {
	payable := PayableAmount(face, discountBps, deadline, now)
	fee := CalculateFee(payable, feeBps)
	return Quote{
		FaceAmount:      cloneOrZero(face),
		PayableAmount:   payable,
		FeeAmount:       fee,
		Total:           new(big.Int).Add(payable, fee),
		DiscountApplied: discountBps > 0 && DiscountOffered(deadline, now),
		FeeBasisPoints:  feeBps,
	}
}

// Schedule holds the administrator-controlled fee rate. The cap is fixed.
type Schedule struct {
	mu  sync.RWMutex
	bps uint64
}

// NewSchedule creates a fee schedule at the given rate.
func NewSchedule(bps uint64) (*Schedule, error) {
	if bps > MaxFeeBasisPoints {
		return nil, fmt.Errorf("%w: %d > %d", ErrFeeAboveCap, bps, MaxFeeBasisPoints)
	}
	return &Schedule{bps: bps}, nil
}

// BasisPoints returns the current fee rate.
func (s *Schedule) BasisPoints() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.bps
}

// Cap returns the maximum fee rate.
func (s *Schedule) Cap() uint64 { return MaxFeeBasisPoints }

// SetBasisPoints updates the fee rate. Rates above the cap are rejected.
func (s *Schedule) SetBasisPoints(bps uint64) error {
	if bps > MaxFeeBasisPoints {
		return fmt.Errorf("%w: %d > %d", ErrFeeAboveCap, bps, MaxFeeBasisPoints)
	}
	s.mu.Lock()
	s.bps = bps
	s.mu.Unlock()
	return nil
}

// Fee returns the fee on amount at the current rate.
func (s *Schedule) Fee(amount *big.Int) *big.Int {
	return CalculateFee(amount, s.BasisPoints())
}

func cloneOrZero(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}
