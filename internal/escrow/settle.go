package escrow

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/mbd888/tradevault/internal/custody"
	"github.com/mbd888/tradevault/internal/logging"
)

// settlement tracks the custody moves an operation has made so they can be
// undone in reverse order if a later step fails.
type settlement struct {
	undo []func(ctx context.Context, v custody.Vault, invoiceID common.Hash) error
}

func (s *settlement) transferIn(ctx context.Context, v custody.Vault, invoiceID common.Hash, asset, from common.Address, amount *big.Int) error {
	if err := v.TransferIn(ctx, invoiceID, asset, from, amount); err != nil {
		return err
	}
	s.undo = append(s.undo, func(ctx context.Context, v custody.Vault, id common.Hash) error {
		return v.TransferOut(ctx, id, asset, from, amount)
	})
	return nil
}

func (s *settlement) transferOut(ctx context.Context, v custody.Vault, invoiceID common.Hash, asset, to common.Address, amount *big.Int) error {
	if err := v.TransferOut(ctx, invoiceID, asset, to, amount); err != nil {
		return err
	}
	s.undo = append(s.undo, func(ctx context.Context, v custody.Vault, id common.Hash) error {
		return v.TransferIn(ctx, id, asset, to, amount)
	})
	return nil
}

func (s *settlement) lockCollateral(ctx context.Context, v custody.Vault, invoiceID common.Hash, ref custody.CollateralRef, from common.Address) error {
	if err := v.LockCollateral(ctx, invoiceID, ref, from); err != nil {
		return err
	}
	s.undo = append(s.undo, func(ctx context.Context, v custody.Vault, id common.Hash) error {
		return v.ReleaseCollateral(ctx, id, ref, from)
	})
	return nil
}

func (s *settlement) releaseCollateral(ctx context.Context, v custody.Vault, invoiceID common.Hash, ref custody.CollateralRef, to common.Address) error {
	if err := v.ReleaseCollateral(ctx, invoiceID, ref, to); err != nil {
		return err
	}
	s.undo = append(s.undo, func(ctx context.Context, v custody.Vault, id common.Hash) error {
		return v.LockCollateral(ctx, id, ref, to)
	})
	return nil
}

// rollback reverses completed moves, newest first. A failed reversal is
// logged; it leaves custody inconsistent and needs operator attention.
func (s *settlement) rollback(ctx context.Context, v custody.Vault, invoiceID common.Hash) {
	for i := len(s.undo) - 1; i >= 0; i-- {
		if err := s.undo[i](ctx, v, invoiceID); err != nil {
			logging.L(ctx).Error("CRITICAL: custody rollback failed",
				"invoice_id", invoiceID.Hex(), "step", i, "error", err)
		}
	}
	s.undo = nil
}
