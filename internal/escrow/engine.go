package escrow

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/mbd888/tradevault/internal/arbitration"
	"github.com/mbd888/tradevault/internal/compliance"
	"github.com/mbd888/tradevault/internal/custody"
	"github.com/mbd888/tradevault/internal/events"
	"github.com/mbd888/tradevault/internal/fees"
	"github.com/mbd888/tradevault/internal/logging"
	"github.com/mbd888/tradevault/internal/metrics"
	"github.com/mbd888/tradevault/internal/traces"
)

// Deps are the collaborators an Engine settles through.
type Deps struct {
	Store    Store
	Vault    custody.Vault
	Gate     compliance.Gate
	Registry *arbitration.Registry
	Fees     *fees.Schedule
}

// Engine applies escrow operations one at a time. Every operation takes the
// acting principal explicitly; direct callers pass their own address and the
// relay passes the signer of a meta-transaction.
type Engine struct {
	mu       sync.Mutex
	store    Store
	vault    custody.Vault
	gate     compliance.Gate
	registry *arbitration.Registry
	fees     *fees.Schedule
	treasury common.Address
	admins   map[common.Address]struct{}
	emitter  events.Emitter
	now      func() time.Time
}

// NewEngine creates an engine paying fees to treasury and accepting
// administrative calls from admins.
func NewEngine(deps Deps, treasury common.Address, admins []common.Address) (*Engine, error) {
	if treasury == (common.Address{}) {
		return nil, ErrInvalidTreasury
	}
	set := make(map[common.Address]struct{}, len(admins))
	for _, a := range admins {
		set[a] = struct{}{}
	}
	return &Engine{
		store:    deps.Store,
		vault:    deps.Vault,
		gate:     deps.Gate,
		registry: deps.Registry,
		fees:     deps.Fees,
		treasury: treasury,
		admins:   set,
		emitter:  events.NoopEmitter{},
		now:      time.Now,
	}, nil
}

// SetEmitter routes engine events to e.
func (e *Engine) SetEmitter(em events.Emitter) {
	e.mu.Lock()
	e.emitter = em
	e.mu.Unlock()
}

// WithClock replaces the engine's time source. Intended for tests.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// IsAdmin reports whether addr may call administrative operations.
func (e *Engine) IsAdmin(addr common.Address) bool {
	_, ok := e.admins[addr]
	return ok
}

// Registry returns the arbitrator registry disputes snapshot from.
func (e *Engine) Registry() *arbitration.Registry { return e.registry }

// FeeSchedule returns the fee schedule.
func (e *Engine) FeeSchedule() *fees.Schedule { return e.fees }

// Treasury returns the account receiving platform fees.
func (e *Engine) Treasury() common.Address {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.treasury
}

// CreateParams describes a new escrow.
type CreateParams struct {
	InvoiceID        common.Hash
	Seller           common.Address
	Buyer            common.Address
	FaceAmount       *big.Int
	Asset            common.Address
	Duration         time.Duration
	Collateral       *custody.CollateralRef
	DiscountRateBps  uint64
	DiscountDeadline time.Time // zero when no discount is offered
}

func (p CreateParams) validate() error {
	if p.InvoiceID == (common.Hash{}) {
		return ErrInvalidInvoiceID
	}
	if p.Seller == (common.Address{}) || p.Buyer == (common.Address{}) || p.Seller == p.Buyer {
		return ErrInvalidParty
	}
	if p.FaceAmount == nil || p.FaceAmount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	if p.Duration <= 0 {
		return ErrInvalidDuration
	}
	if c := p.Collateral; c != nil && (c.Contract == (common.Address{}) || c.TokenID == nil || c.TokenID.Sign() < 0) {
		return ErrInvalidCollateral
	}
	return fees.ValidateDiscount(p.DiscountRateBps)
}

// CreateEscrow opens custody for an invoice. The caller must be the seller
// or an administrator, and the caller, seller and buyer must all pass the
// compliance gate. Collateral moves into custody immediately.
func (e *Engine) CreateEscrow(ctx context.Context, actingAs common.Address, p CreateParams) (*Record, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.CreateEscrow",
		traces.InvoiceID(p.InvoiceID.Hex()), traces.Principal(actingAs.Hex()))
	var err error
	defer func() { traces.End(span, err) }()

	if err = p.validate(); err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if actingAs != p.Seller && !e.IsAdmin(actingAs) {
		err = fmt.Errorf("%w: %s", ErrNotSellerOrAdmin, actingAs.Hex())
		return nil, err
	}
	if _, getErr := e.store.Get(ctx, p.InvoiceID); getErr == nil {
		err = fmt.Errorf("%w: %s", ErrEscrowExists, p.InvoiceID.Hex())
		return nil, err
	}
	if err = compliance.Require(ctx, e.gate, uniqueAddrs(actingAs, p.Seller, p.Buyer)...); err != nil {
		return nil, err
	}

	now := e.now()
	rec := &Record{
		InvoiceID:       p.InvoiceID,
		Seller:          p.Seller,
		Buyer:           p.Buyer,
		Asset:           p.Asset,
		FaceAmount:      new(big.Int).Set(p.FaceAmount),
		FeeAmount:       big.NewInt(0),
		DiscountRateBps: p.DiscountRateBps,
		Expiry:          now.Add(p.Duration),
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if !p.DiscountDeadline.IsZero() {
		d := p.DiscountDeadline
		rec.DiscountDeadline = &d
	}

	var s settlement
	if p.Collateral != nil {
		ref := custody.CollateralRef{Contract: p.Collateral.Contract, TokenID: new(big.Int).Set(p.Collateral.TokenID)}
		rec.Collateral = &ref
		if err = s.lockCollateral(ctx, e.vault, rec.InvoiceID, ref, rec.Seller); err != nil {
			return nil, fmt.Errorf("lock collateral: %w", err)
		}
	}
	if err = e.store.Create(ctx, rec); err != nil {
		s.rollback(ctx, e.vault, rec.InvoiceID)
		return nil, err
	}

	metrics.EscrowCreatedTotal.Inc()
	logging.L(ctx).Info("escrow created",
		"invoice_id", rec.InvoiceID.Hex(), "seller", rec.Seller.Hex(), "buyer", rec.Buyer.Hex(),
		"face_amount", rec.FaceAmount.String(), "expiry", rec.Expiry)
	e.emit(ctx, events.EscrowCreated, rec, map[string]interface{}{
		"seller":          rec.Seller.Hex(),
		"buyer":           rec.Buyer.Hex(),
		"asset":           rec.Asset.Hex(),
		"faceAmount":      rec.FaceAmount.String(),
		"discountRateBps": rec.DiscountRateBps,
		"expiry":          rec.Expiry,
		"collateral":      rec.Collateral != nil,
	})
	return rec.clone(), nil
}

// Deposit funds the escrow. value must equal exactly the payable amount
// (discounted while the discount deadline has not passed) plus the fee.
// The face amount is permanently set to the payable amount.
func (e *Engine) Deposit(ctx context.Context, actingAs common.Address, invoiceID common.Hash, value *big.Int) (*Record, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Deposit",
		traces.InvoiceID(invoiceID.Hex()), traces.Principal(actingAs.Hex()))
	var err error
	defer func() { traces.End(span, err) }()

	e.mu.Lock()
	defer e.mu.Unlock()

	rec, err := e.store.Get(ctx, invoiceID)
	if err != nil {
		return nil, err
	}
	if actingAs != rec.Buyer {
		err = fmt.Errorf("%w: %s", ErrNotBuyer, actingAs.Hex())
		return nil, err
	}
	if rec.IsTerminal() {
		err = ErrSettled
		return nil, err
	}
	if rec.Funded {
		err = ErrAlreadyFunded
		return nil, err
	}
	now := e.now()
	if now.After(rec.Expiry) {
		err = fmt.Errorf("%w: expired at %s", ErrExpired, rec.Expiry.Format(time.RFC3339))
		return nil, err
	}
	if err = compliance.Require(ctx, e.gate, rec.Buyer); err != nil {
		return nil, err
	}

	q := fees.NewQuote(rec.FaceAmount, rec.DiscountRateBps, rec.discountDeadline(), now, e.fees.BasisPoints())
	if value == nil || value.Cmp(q.Total) != 0 {
		err = fmt.Errorf("%w: sent %v, owed %s (payable %s + fee %s)", ErrAmountMismatch, value, q.Total, q.PayableAmount, q.FeeAmount)
		return nil, err
	}

	// A full discount inside its window leaves nothing to collect.
	var s settlement
	if q.Total.Sign() > 0 {
		if err = s.transferIn(ctx, e.vault, invoiceID, rec.Asset, rec.Buyer, q.Total); err != nil {
			return nil, fmt.Errorf("transfer deposit: %w", err)
		}
	}

	rec.FaceAmount = q.PayableAmount
	rec.FeeAmount = q.FeeAmount
	rec.Funded = true
	rec.FundedAt = &now
	rec.UpdatedAt = now
	if err = e.store.Update(ctx, rec); err != nil {
		s.rollback(ctx, e.vault, invoiceID)
		return nil, err
	}

	metrics.EscrowFundedTotal.Inc()
	logging.L(ctx).Info("escrow funded",
		"invoice_id", invoiceID.Hex(), "amount", q.PayableAmount.String(), "fee", q.FeeAmount.String(),
		"discount_applied", q.DiscountApplied)
	e.emit(ctx, events.DepositConfirmed, rec, map[string]interface{}{
		"amount":          q.PayableAmount.String(),
		"fee":             q.FeeAmount.String(),
		"discountApplied": q.DiscountApplied,
	})
	return rec.clone(), nil
}

// ConfirmRelease records actingAs's confirmation. The second confirmation
// pays the face amount to the seller, the fee to the treasury, and returns
// collateral to the seller.
func (e *Engine) ConfirmRelease(ctx context.Context, actingAs common.Address, invoiceID common.Hash) (*Record, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.ConfirmRelease",
		traces.InvoiceID(invoiceID.Hex()), traces.Principal(actingAs.Hex()))
	var err error
	defer func() { traces.End(span, err) }()

	e.mu.Lock()
	defer e.mu.Unlock()

	rec, err := e.store.Get(ctx, invoiceID)
	if err != nil {
		return nil, err
	}
	if !rec.IsParty(actingAs) {
		err = fmt.Errorf("%w: %s", ErrNotParty, actingAs.Hex())
		return nil, err
	}
	if err = checkActive(rec); err != nil {
		return nil, err
	}
	if rec.DisputeRaised {
		err = ErrDisputeActive
		return nil, err
	}
	switch actingAs {
	case rec.Buyer:
		if rec.BuyerConfirmed {
			err = fmt.Errorf("%w: buyer", ErrAlreadyConfirmed)
			return nil, err
		}
		rec.BuyerConfirmed = true
	case rec.Seller:
		if rec.SellerConfirmed {
			err = fmt.Errorf("%w: seller", ErrAlreadyConfirmed)
			return nil, err
		}
		rec.SellerConfirmed = true
	}

	now := e.now()
	rec.UpdatedAt = now
	if !(rec.BuyerConfirmed && rec.SellerConfirmed) {
		if err = e.store.Update(ctx, rec); err != nil {
			return nil, err
		}
		logging.L(ctx).Info("escrow release confirmed", "invoice_id", invoiceID.Hex(), "by", actingAs.Hex())
		return rec.clone(), nil
	}

	var s settlement
	if err = e.payout(ctx, &s, rec, rec.Seller); err != nil {
		return nil, err
	}
	rec.Settlement = SettlementConfirmed
	rec.SettledAt = &now
	if err = e.store.Update(ctx, rec); err != nil {
		s.rollback(ctx, e.vault, invoiceID)
		return nil, err
	}

	metrics.EscrowReleasedTotal.WithLabelValues("confirmation").Inc()
	metrics.EscrowSettlementDuration.Observe(now.Sub(rec.CreatedAt).Seconds())
	logging.L(ctx).Info("escrow released",
		"invoice_id", invoiceID.Hex(), "seller", rec.Seller.Hex(),
		"amount", rec.FaceAmount.String(), "fee", rec.FeeAmount.String())
	e.emit(ctx, events.EscrowReleased, rec, map[string]interface{}{
		"recipient": rec.Seller.Hex(),
		"amount":    rec.FaceAmount.String(),
		"fee":       rec.FeeAmount.String(),
	})
	return rec.clone(), nil
}

// ExpireEscrow cancels an unfunded escrow after its expiry and returns any
// collateral to the seller. Anyone may call it.
func (e *Engine) ExpireEscrow(ctx context.Context, actingAs common.Address, invoiceID common.Hash) (*Record, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.ExpireEscrow",
		traces.InvoiceID(invoiceID.Hex()), traces.Principal(actingAs.Hex()))
	var err error
	defer func() { traces.End(span, err) }()

	e.mu.Lock()
	defer e.mu.Unlock()

	rec, err := e.store.Get(ctx, invoiceID)
	if err != nil {
		return nil, err
	}
	if rec.IsTerminal() {
		err = ErrSettled
		return nil, err
	}
	if rec.Funded {
		err = ErrAlreadyFunded
		return nil, err
	}
	now := e.now()
	if !now.After(rec.Expiry) {
		err = fmt.Errorf("%w: expires at %s", ErrNotExpired, rec.Expiry.Format(time.RFC3339))
		return nil, err
	}

	var s settlement
	if rec.Collateral != nil {
		if err = s.releaseCollateral(ctx, e.vault, invoiceID, *rec.Collateral, rec.Seller); err != nil {
			return nil, fmt.Errorf("release collateral: %w", err)
		}
	}
	rec.Settlement = SettlementExpired
	rec.SettledAt = &now
	rec.UpdatedAt = now
	if err = e.store.Update(ctx, rec); err != nil {
		s.rollback(ctx, e.vault, invoiceID)
		return nil, err
	}

	metrics.EscrowCancelledTotal.Inc()
	logging.L(ctx).Info("escrow cancelled after expiry", "invoice_id", invoiceID.Hex(), "caller", actingAs.Hex())
	e.emit(ctx, events.EscrowCancelled, rec, map[string]interface{}{
		"caller": actingAs.Hex(),
	})
	return rec.clone(), nil
}

// Get returns the record for invoiceID.
func (e *Engine) Get(ctx context.Context, invoiceID common.Hash) (*Record, error) {
	return e.store.Get(ctx, invoiceID)
}

// ListByParty returns escrows where party is buyer or seller.
func (e *Engine) ListByParty(ctx context.Context, party common.Address, limit int) ([]*Record, error) {
	if limit <= 0 {
		limit = 50
	}
	return e.store.ListByParty(ctx, party, limit)
}

// InspectOpen lists up to limit unsettled escrows and passes each to
// inspect while no engine operation can move funds. inspect must not call
// back into the engine.
func (e *Engine) InspectOpen(ctx context.Context, limit int, inspect func(*Record)) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	recs, err := e.store.ListOpen(ctx, limit)
	if err != nil {
		return err
	}
	for _, r := range recs {
		inspect(r)
	}
	return nil
}

// Quote previews what a deposit into invoiceID costs right now. For a funded
// escrow it reports the amounts fixed at deposit.
func (e *Engine) Quote(ctx context.Context, invoiceID common.Hash) (fees.Quote, error) {
	rec, err := e.store.Get(ctx, invoiceID)
	if err != nil {
		return fees.Quote{}, err
	}
	if rec.Funded {
		return fees.Quote{
			FaceAmount:    cloneInt(rec.FaceAmount),
			PayableAmount: cloneInt(rec.FaceAmount),
			FeeAmount:     cloneInt(rec.FeeAmount),
			Total:         new(big.Int).Add(rec.FaceAmount, rec.FeeAmount),
		}, nil
	}
	return fees.NewQuote(rec.FaceAmount, rec.DiscountRateBps, rec.discountDeadline(), e.now(), e.fees.BasisPoints()), nil
}

// CurrentPayableAmount returns the discount-aware amount the buyer owes now,
// excluding the fee.
func (e *Engine) CurrentPayableAmount(ctx context.Context, invoiceID common.Hash) (*big.Int, error) {
	q, err := e.Quote(ctx, invoiceID)
	if err != nil {
		return nil, err
	}
	return q.PayableAmount, nil
}

// payout moves the face amount to recipient, the fee to the treasury and any
// collateral back to the seller. On failure every completed step is undone.
// Caller must hold e.mu.
func (e *Engine) payout(ctx context.Context, s *settlement, rec *Record, recipient common.Address) error {
	if rec.FaceAmount.Sign() > 0 {
		if err := s.transferOut(ctx, e.vault, rec.InvoiceID, rec.Asset, recipient, rec.FaceAmount); err != nil {
			return fmt.Errorf("pay %s: %w", recipient.Hex(), err)
		}
	}
	if rec.FeeAmount.Sign() > 0 {
		if err := s.transferOut(ctx, e.vault, rec.InvoiceID, rec.Asset, e.treasury, rec.FeeAmount); err != nil {
			s.rollback(ctx, e.vault, rec.InvoiceID)
			return fmt.Errorf("pay treasury: %w", err)
		}
	}
	if rec.Collateral != nil {
		if err := s.releaseCollateral(ctx, e.vault, rec.InvoiceID, *rec.Collateral, rec.Seller); err != nil {
			s.rollback(ctx, e.vault, rec.InvoiceID)
			return fmt.Errorf("release collateral: %w", err)
		}
	}
	return nil
}

// Caller must hold e.mu.
func (e *Engine) emit(ctx context.Context, typ events.Type, rec *Record, data map[string]interface{}) {
	e.emitter.Emit(ctx, events.New(typ, rec.InvoiceID.Hex(), e.now(), data))
}

// checkActive rejects records that are settled or not yet funded.
func checkActive(rec *Record) error {
	if rec.IsTerminal() {
		return ErrSettled
	}
	if !rec.Funded {
		return ErrNotFunded
	}
	return nil
}

func uniqueAddrs(addrs ...common.Address) []common.Address {
	out := make([]common.Address, 0, len(addrs))
	seen := make(map[common.Address]struct{}, len(addrs))
	for _, a := range addrs {
		if _, ok := seen[a]; ok {
			continue
		}
		seen[a] = struct{}{}
		out = append(out, a)
	}
	return out
}
