// Package escrow is the custody ledger for trade-finance invoices.
//
// Flow:
//  1. Seller (or an admin) creates an escrow for an invoice; collateral, if
//     any, moves into custody immediately.
//  2. Buyer deposits the payable amount plus the platform fee → Funded.
//  3. Both parties confirm → face amount to seller, fee to treasury → Released.
//  4. Either party disputes → arbitrators vote against a quorum frozen at
//     raise time; the majority side is paid → Resolved.
//  5. Unfunded past expiry → anyone may cancel → Cancelled.
package escrow

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/mbd888/tradevault/internal/arbitration"
	"github.com/mbd888/tradevault/internal/custody"
	"github.com/mbd888/tradevault/internal/faults"
)

var (
	ErrEscrowNotFound    = faults.New(faults.KindNotFound, "escrow not found")
	ErrEscrowExists      = faults.New(faults.KindState, "escrow already exists for invoice")
	ErrInvalidInvoiceID  = faults.New(faults.KindValidation, "invalid invoice id")
	ErrInvalidParty      = faults.New(faults.KindValidation, "seller and buyer must be distinct non-zero addresses")
	ErrInvalidAmount     = faults.New(faults.KindValidation, "face amount must be positive")
	ErrInvalidDuration   = faults.New(faults.KindValidation, "duration must be positive")
	ErrInvalidTreasury   = faults.New(faults.KindValidation, "treasury must be a non-zero address")
	ErrInvalidCollateral = faults.New(faults.KindValidation, "collateral needs a contract and token id")

	ErrNotSellerOrAdmin = faults.New(faults.KindAuthorization, "caller is neither the seller nor an administrator")
	ErrNotBuyer         = faults.New(faults.KindAuthorization, "caller is not the buyer")
	ErrNotParty         = faults.New(faults.KindAuthorization, "caller is neither buyer nor seller")
	ErrNotArbitrator    = faults.New(faults.KindAuthorization, "caller is not an arbitrator")
	ErrNotAdmin         = faults.New(faults.KindAuthorization, "caller is not an administrator")

	ErrAlreadyFunded     = faults.New(faults.KindState, "escrow already funded")
	ErrNotFunded         = faults.New(faults.KindState, "escrow not funded")
	ErrExpired           = faults.New(faults.KindState, "escrow expired")
	ErrNotExpired        = faults.New(faults.KindState, "escrow has not expired")
	ErrAlreadyConfirmed  = faults.New(faults.KindState, "party already confirmed release")
	ErrDisputeActive     = faults.New(faults.KindState, "dispute in progress")
	ErrNoActiveDispute   = faults.New(faults.KindState, "no active dispute")
	ErrAlreadyVoted      = faults.New(faults.KindState, "arbitrator already voted on this dispute")
	ErrSettled           = faults.New(faults.KindState, "escrow already released, resolved or cancelled")
	ErrQuorumUnavailable = faults.New(faults.KindState, "arbitrator registry cannot form a quorum")

	ErrAmountMismatch = faults.New(faults.KindAmountMismatch, "deposit does not match payable amount plus fee")
)

// State is the lifecycle position of an escrow. It is derived from the
// record's flags and never stored on its own.
type State string

const (
	StateCreated   State = "created"
	StateFunded    State = "funded"
	StateDisputed  State = "disputed"
	StateReleased  State = "released"
	StateResolved  State = "resolved"
	StateCancelled State = "cancelled"
)

// Settlement records how custody ended.
type Settlement string

const (
	SettlementNone      Settlement = ""
	SettlementConfirmed Settlement = "confirmed"
	SettlementDispute   Settlement = "dispute"
	SettlementExpired   Settlement = "expired"
)

// Record is the custody record for one invoice.
type Record struct {
	InvoiceID  common.Hash            `json:"invoiceId"`
	Seller     common.Address         `json:"seller"`
	Buyer      common.Address         `json:"buyer"`
	Asset      common.Address         `json:"asset"`
	Collateral *custody.CollateralRef `json:"collateral,omitempty"`
	FaceAmount *big.Int               `json:"faceAmount"`
	FeeAmount  *big.Int               `json:"feeAmount"`

	DiscountRateBps  uint64     `json:"discountRateBps"`
	DiscountDeadline *time.Time `json:"discountDeadline,omitempty"`
	Expiry           time.Time  `json:"expiry"`

	Funded          bool       `json:"funded"`
	FundedAt        *time.Time `json:"fundedAt,omitempty"`
	BuyerConfirmed  bool       `json:"buyerConfirmed"`
	SellerConfirmed bool       `json:"sellerConfirmed"`

	DisputeRaised    bool                 `json:"disputeRaised"`
	DisputeRaisedBy  common.Address       `json:"disputeRaisedBy,omitempty"`
	Quorum           arbitration.Snapshot `json:"quorum"`
	VotesForSeller   int                  `json:"votesForSeller"`
	VotesForBuyer    int                  `json:"votesForBuyer"`
	VotedArbitrators []common.Address     `json:"votedArbitrators,omitempty"`

	Settlement Settlement `json:"settlement,omitempty"`
	SellerWon  *bool      `json:"sellerWon,omitempty"`
	SettledAt  *time.Time `json:"settledAt,omitempty"`
	CreatedAt  time.Time  `json:"createdAt"`
	UpdatedAt  time.Time  `json:"updatedAt"`
}

// State derives the lifecycle state from the record.
func (r *Record) State() State {
	switch r.Settlement {
	case SettlementExpired:
		return StateCancelled
	case SettlementDispute:
		return StateResolved
	case SettlementConfirmed:
		return StateReleased
	}
	switch {
	case r.DisputeRaised:
		return StateDisputed
	case r.Funded:
		return StateFunded
	default:
		return StateCreated
	}
}

// IsTerminal reports whether custody has ended.
func (r *Record) IsTerminal() bool {
	return r.Settlement != SettlementNone
}

// HasVoted reports whether arbitrator already voted on this escrow's dispute.
func (r *Record) HasVoted(arbitrator common.Address) bool {
	for _, a := range r.VotedArbitrators {
		if a == arbitrator {
			return true
		}
	}
	return false
}

// IsParty reports whether addr is the buyer or the seller.
func (r *Record) IsParty(addr common.Address) bool {
	return addr == r.Buyer || addr == r.Seller
}

// discountDeadline returns the deadline, or the zero time when no discount
// was offered.
func (r *Record) discountDeadline() time.Time {
	if r.DiscountDeadline == nil {
		return time.Time{}
	}
	return *r.DiscountDeadline
}

func (r *Record) clone() *Record {
	cp := *r
	cp.FaceAmount = cloneInt(r.FaceAmount)
	cp.FeeAmount = cloneInt(r.FeeAmount)
	if r.Collateral != nil {
		c := custody.CollateralRef{Contract: r.Collateral.Contract, TokenID: cloneInt(r.Collateral.TokenID)}
		cp.Collateral = &c
	}
	cp.DiscountDeadline = cloneTime(r.DiscountDeadline)
	cp.FundedAt = cloneTime(r.FundedAt)
	cp.SettledAt = cloneTime(r.SettledAt)
	if r.SellerWon != nil {
		w := *r.SellerWon
		cp.SellerWon = &w
	}
	cp.VotedArbitrators = append([]common.Address(nil), r.VotedArbitrators...)
	return &cp
}

// Store persists escrow records. A non-positive limit on the list methods
// means no limit.
type Store interface {
	// Create fails with ErrEscrowExists when the invoice already has a record.
	Create(ctx context.Context, r *Record) error
	Get(ctx context.Context, invoiceID common.Hash) (*Record, error)
	Update(ctx context.Context, r *Record) error
	ListByParty(ctx context.Context, party common.Address, limit int) ([]*Record, error)
	// ListExpiredUnfunded returns unfunded, unsettled records whose expiry is before the given time.
	ListExpiredUnfunded(ctx context.Context, before time.Time, limit int) ([]*Record, error)
	// ListOpen returns unsettled records, oldest first.
	ListOpen(ctx context.Context, limit int) ([]*Record, error)
}

func cloneInt(v *big.Int) *big.Int {
	if v == nil {
		return nil
	}
	return new(big.Int).Set(v)
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
