package escrow

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/mbd888/tradevault/internal/events"
	"github.com/mbd888/tradevault/internal/logging"
	"github.com/mbd888/tradevault/internal/metrics"
	"github.com/mbd888/tradevault/internal/traces"
)

// RaiseDispute freezes the current arbitrator count into the record's quorum
// and opens voting. No funds move.
func (e *Engine) RaiseDispute(ctx context.Context, actingAs common.Address, invoiceID common.Hash) (*Record, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.RaiseDispute",
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

	snap, snapErr := e.registry.Snapshot()
	if snapErr != nil {
		err = fmt.Errorf("%w: %v", ErrQuorumUnavailable, snapErr)
		return nil, err
	}

	now := e.now()
	rec.DisputeRaised = true
	rec.DisputeRaisedBy = actingAs
	rec.Quorum = snap
	rec.UpdatedAt = now
	if err = e.store.Update(ctx, rec); err != nil {
		return nil, err
	}

	metrics.DisputesRaisedTotal.Inc()
	logging.L(ctx).Info("dispute raised",
		"invoice_id", invoiceID.Hex(), "raiser", actingAs.Hex(),
		"snapshot_count", snap.Count, "required_votes", snap.RequiredVotes)
	e.emit(ctx, events.DisputeRaised, rec, map[string]interface{}{
		"raiser":        actingAs.Hex(),
		"snapshotCount": snap.Count,
		"requiredVotes": snap.RequiredVotes,
	})
	return rec.clone(), nil
}

// VoteOnDispute records an arbitrator's vote. Membership is checked against
// the live registry; the majority needed is the quorum frozen when the
// dispute was raised. The vote that reaches it settles the escrow: the
// winner receives the face amount, the treasury the fee, and collateral
// returns to the seller.
func (e *Engine) VoteOnDispute(ctx context.Context, actingAs common.Address, invoiceID common.Hash, favorSeller bool) (*Record, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.VoteOnDispute",
		traces.InvoiceID(invoiceID.Hex()), traces.Principal(actingAs.Hex()))
	var err error
	defer func() { traces.End(span, err) }()

	e.mu.Lock()
	defer e.mu.Unlock()

	rec, err := e.store.Get(ctx, invoiceID)
	if err != nil {
		return nil, err
	}
	if !rec.DisputeRaised || rec.IsTerminal() {
		err = ErrNoActiveDispute
		return nil, err
	}
	if !e.registry.IsArbitrator(actingAs) {
		err = fmt.Errorf("%w: %s", ErrNotArbitrator, actingAs.Hex())
		return nil, err
	}
	if rec.HasVoted(actingAs) {
		err = fmt.Errorf("%w: %s", ErrAlreadyVoted, actingAs.Hex())
		return nil, err
	}

	side := "buyer"
	if favorSeller {
		side = "seller"
		rec.VotesForSeller++
	} else {
		rec.VotesForBuyer++
	}
	rec.VotedArbitrators = append(rec.VotedArbitrators, actingAs)

	now := e.now()
	rec.UpdatedAt = now

	sellerWon := rec.Quorum.Reached(rec.VotesForSeller)
	resolved := sellerWon || rec.Quorum.Reached(rec.VotesForBuyer)

	var s settlement
	var recipient common.Address
	if resolved {
		recipient = rec.Buyer
		if sellerWon {
			recipient = rec.Seller
		}
		if err = e.payout(ctx, &s, rec, recipient); err != nil {
			return nil, err
		}
		rec.DisputeRaised = false
		rec.Settlement = SettlementDispute
		rec.SellerWon = &sellerWon
		rec.SettledAt = &now
	}
	if err = e.store.Update(ctx, rec); err != nil {
		s.rollback(ctx, e.vault, invoiceID)
		return nil, err
	}

	metrics.DisputeVotesTotal.WithLabelValues(side).Inc()
	logging.L(ctx).Info("dispute vote cast",
		"invoice_id", invoiceID.Hex(), "arbitrator", actingAs.Hex(), "side", side,
		"votes_for_seller", rec.VotesForSeller, "votes_for_buyer", rec.VotesForBuyer)
	e.emit(ctx, events.VoteCast, rec, map[string]interface{}{
		"arbitrator":     actingAs.Hex(),
		"favorSeller":    favorSeller,
		"votesForSeller": rec.VotesForSeller,
		"votesForBuyer":  rec.VotesForBuyer,
	})

	if resolved {
		winner := "buyer"
		if sellerWon {
			winner = "seller"
		}
		metrics.DisputeOutcomesTotal.WithLabelValues(winner).Inc()
		metrics.EscrowReleasedTotal.WithLabelValues("dispute").Inc()
		metrics.EscrowSettlementDuration.Observe(now.Sub(rec.CreatedAt).Seconds())
		logging.L(ctx).Info("dispute resolved",
			"invoice_id", invoiceID.Hex(), "winner", winner, "recipient", recipient.Hex(),
			"amount", rec.FaceAmount.String(), "fee", rec.FeeAmount.String())
		e.emit(ctx, events.DisputeOutcome, rec, map[string]interface{}{
			"sellerWon":      sellerWon,
			"votesForSeller": rec.VotesForSeller,
			"votesForBuyer":  rec.VotesForBuyer,
		})
		e.emit(ctx, events.EscrowReleased, rec, map[string]interface{}{
			"recipient": recipient.Hex(),
			"amount":    rec.FaceAmount.String(),
			"fee":       rec.FeeAmount.String(),
		})
	}
	return rec.clone(), nil
}
