// Package custody is the asset-transfer primitive the escrow engine settles
// through. The engine owns assets through an arena keyed by invoice id:
// TransferIn/LockCollateral move ownership into the arena, and
// TransferOut/ReleaseCollateral are the only ways ownership leaves it.
package custody

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/mbd888/tradevault/internal/faults"
)

// NativeAsset identifies the execution environment's native unit of value.
// Every other fungible asset is identified by its token address.
var NativeAsset = common.Address{}

var (
	ErrInvalidAmount       = faults.New(faults.KindValidation, "custody: amount must be positive")
	ErrInsufficientBalance = faults.New(faults.KindValidation, "custody: insufficient balance")
	ErrArenaUnderflow      = faults.New(faults.KindInternal, "custody: invoice arena holds less than requested")
	ErrCollateralNotOwned  = faults.New(faults.KindAuthorization, "custody: collateral not owned by sender")
	ErrCollateralLocked    = faults.New(faults.KindState, "custody: collateral already locked")
	ErrCollateralNotLocked = faults.New(faults.KindState, "custody: collateral not held for this invoice")
)

// CollateralRef identifies a non-fungible asset locked alongside an escrow.
type CollateralRef struct {
	Contract common.Address `json:"contract"`
	TokenID  *big.Int       `json:"tokenId"`
}

// Key returns a stable map key for the reference.
func (c CollateralRef) Key() string {
	id := "0"
	if c.TokenID != nil {
		id = c.TokenID.String()
	}
	return c.Contract.Hex() + "/" + id
}

func (c CollateralRef) String() string { return c.Key() }

// Vault moves fungible assets and collateral in and out of custody. Each
// call is atomic: it either completes or returns an error with no effect.
type Vault interface {
	TransferIn(ctx context.Context, invoiceID common.Hash, asset, from common.Address, amount *big.Int) error
	TransferOut(ctx context.Context, invoiceID common.Hash, asset, to common.Address, amount *big.Int) error
	LockCollateral(ctx context.Context, invoiceID common.Hash, ref CollateralRef, from common.Address) error
	ReleaseCollateral(ctx context.Context, invoiceID common.Hash, ref CollateralRef, to common.Address) error
}

func checkAmount(amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("%w: %v", ErrInvalidAmount, amount)
	}
	return nil
}
