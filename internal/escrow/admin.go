package escrow

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/mbd888/tradevault/internal/events"
	"github.com/mbd888/tradevault/internal/logging"
)

// SetFeeBasisPoints changes the platform fee for future deposits. Rates
// above fees.MaxFeeBasisPoints are rejected.
func (e *Engine) SetFeeBasisPoints(ctx context.Context, actingAs common.Address, bps uint64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.IsAdmin(actingAs) {
		return fmt.Errorf("%w: %s", ErrNotAdmin, actingAs.Hex())
	}
	prev := e.fees.BasisPoints()
	if err := e.fees.SetBasisPoints(bps); err != nil {
		return err
	}

	logging.L(ctx).Info("fee updated", "from_bps", prev, "to_bps", bps, "admin", actingAs.Hex())
	e.emitter.Emit(ctx, events.New(events.FeeUpdated, "", e.now(), map[string]interface{}{
		"previousBasisPoints": prev,
		"basisPoints":         bps,
		"admin":               actingAs.Hex(),
	}))
	return nil
}

// SetTreasury changes the account receiving fees on future settlements.
func (e *Engine) SetTreasury(ctx context.Context, actingAs common.Address, treasury common.Address) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.IsAdmin(actingAs) {
		return fmt.Errorf("%w: %s", ErrNotAdmin, actingAs.Hex())
	}
	if treasury == (common.Address{}) {
		return ErrInvalidTreasury
	}
	prev := e.treasury
	e.treasury = treasury

	logging.L(ctx).Info("treasury updated", "from", prev.Hex(), "to", treasury.Hex(), "admin", actingAs.Hex())
	e.emitter.Emit(ctx, events.New(events.TreasuryUpdated, "", e.now(), map[string]interface{}{
		"previous": prev.Hex(),
		"treasury": treasury.Hex(),
		"admin":    actingAs.Hex(),
	}))
	return nil
}
