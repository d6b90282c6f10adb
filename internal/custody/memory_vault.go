package custody

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

type collateralState struct {
	owner   common.Address
	invoice common.Hash
	locked  bool
}

// MemoryVault is an in-process Vault used in development mode and tests.
// Balances live outside custody until TransferIn moves them into the arena of
// a specific invoice.
type MemoryVault struct {
	mu         sync.Mutex
	balances   map[common.Address]map[common.Address]*big.Int // asset -> holder -> amount
	arena      map[common.Hash]map[common.Address]*big.Int    // invoice -> asset -> amount
	collateral map[string]*collateralState
}

// NewMemoryVault creates an empty vault.
func NewMemoryVault() *MemoryVault {
	return &MemoryVault{
		balances:   make(map[common.Address]map[common.Address]*big.Int),
		arena:      make(map[common.Hash]map[common.Address]*big.Int),
		collateral: make(map[string]*collateralState),
	}
}

// Credit mints amount of asset to holder. Development faucet and test setup.
func (v *MemoryVault) Credit(asset, holder common.Address, amount *big.Int) error {
	if err := checkAmount(amount); err != nil {
		return err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	bal := v.balanceLocked(asset, holder)
	bal.Add(bal, amount)
	return nil
}

// MintCollateral registers a collateral token owned by owner.
func (v *MemoryVault) MintCollateral(ref CollateralRef, owner common.Address) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.collateral[ref.Key()] = &collateralState{owner: owner}
}

// BalanceOf returns holder's balance of asset outside custody.
func (v *MemoryVault) BalanceOf(asset, holder common.Address) *big.Int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return new(big.Int).Set(v.balanceLocked(asset, holder))
}

// Custodied returns the amount of asset held for invoiceID.
func (v *MemoryVault) Custodied(invoiceID common.Hash, asset common.Address) *big.Int {
	v.mu.Lock()
	defer v.mu.Unlock()
	if m, ok := v.arena[invoiceID]; ok {
		if amt, ok := m[asset]; ok {
			return new(big.Int).Set(amt)
		}
	}
	return big.NewInt(0)
}

// CollateralOwner reports who owns ref and whether it is locked in custody.
func (v *MemoryVault) CollateralOwner(ref CollateralRef) (owner common.Address, invoice common.Hash, locked bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	st, ok := v.collateral[ref.Key()]
	if !ok {
		return common.Address{}, common.Hash{}, false
	}
	return st.owner, st.invoice, st.locked
}

func (v *MemoryVault) TransferIn(_ context.Context, invoiceID common.Hash, asset, from common.Address, amount *big.Int) error {
	if err := checkAmount(amount); err != nil {
		return err
	}
	v.mu.Lock()
	defer v.mu.Unlock()

	bal := v.balanceLocked(asset, from)
	if bal.Cmp(amount) < 0 {
		return fmt.Errorf("%w: %s has %s, needs %s", ErrInsufficientBalance, from.Hex(), bal, amount)
	}
	bal.Sub(bal, amount)
	held := v.arenaLocked(invoiceID, asset)
	held.Add(held, amount)
	return nil
}

func (v *MemoryVault) TransferOut(_ context.Context, invoiceID common.Hash, asset, to common.Address, amount *big.Int) error {
	if err := checkAmount(amount); err != nil {
		return err
	}
	v.mu.Lock()
	defer v.mu.Unlock()

	held := v.arenaLocked(invoiceID, asset)
	if held.Cmp(amount) < 0 {
		return fmt.Errorf("%w: invoice %s holds %s, requested %s", ErrArenaUnderflow, invoiceID.Hex(), held, amount)
	}
	held.Sub(held, amount)
	bal := v.balanceLocked(asset, to)
	bal.Add(bal, amount)
	return nil
}

func (v *MemoryVault) LockCollateral(_ context.Context, invoiceID common.Hash, ref CollateralRef, from common.Address) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	st, ok := v.collateral[ref.Key()]
	if !ok || st.owner != from {
		return fmt.Errorf("%w: %s", ErrCollateralNotOwned, ref)
	}
	if st.locked {
		return fmt.Errorf("%w: %s", ErrCollateralLocked, ref)
	}
	st.locked = true
	st.invoice = invoiceID
	st.owner = common.Address{}
	return nil
}

func (v *MemoryVault) ReleaseCollateral(_ context.Context, invoiceID common.Hash, ref CollateralRef, to common.Address) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	st, ok := v.collateral[ref.Key()]
	if !ok || !st.locked || st.invoice != invoiceID {
		return fmt.Errorf("%w: %s", ErrCollateralNotLocked, ref)
	}
	st.locked = false
	st.invoice = common.Hash{}
	st.owner = to
	return nil
}

// balanceLocked returns the live balance pointer. Caller must hold v.mu.
func (v *MemoryVault) balanceLocked(asset, holder common.Address) *big.Int {
	m, ok := v.balances[asset]
	if !ok {
		m = make(map[common.Address]*big.Int)
		v.balances[asset] = m
	}
	bal, ok := m[holder]
	if !ok {
		bal = big.NewInt(0)
		m[holder] = bal
	}
	return bal
}

// arenaLocked returns the live custody pointer. Caller must hold v.mu.
func (v *MemoryVault) arenaLocked(invoiceID common.Hash, asset common.Address) *big.Int {
	m, ok := v.arena[invoiceID]
	if !ok {
		m = make(map[common.Address]*big.Int)
		v.arena[invoiceID] = m
	}
	amt, ok := m[asset]
	if !ok {
		amt = big.NewInt(0)
		m[asset] = amt
	}
	return amt
}
