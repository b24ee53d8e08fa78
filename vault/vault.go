// Package vault implements a share-based yield vault over the token ledger,
// with the standard preview/deposit/withdraw/convert capability surface the
// asset manager programs against.
package vault

import (
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/defistate/amm-engine-go/tokens"
)

var (
	// ErrZeroAmount is returned for nil, zero or negative asset amounts.
	ErrZeroAmount = errors.New("amount must be positive")
	// ErrInsufficientShares is returned when a withdrawal needs more shares
	// than the holder owns.
	ErrInsufficientShares = errors.New("insufficient vault shares")
	// ErrVaultEmpty is returned when withdrawing from a vault with no assets.
	ErrVaultEmpty = errors.New("vault holds no assets")
)

// Vault holds one underlying asset and issues pro-rata shares against it.
// Yield (or loss) accrues by the vault's underlying balance moving while the
// share supply stays fixed.
type Vault struct {
	mu     sync.Mutex
	addr   common.Address
	asset  common.Address
	ledger *tokens.Ledger

	totalShares *big.Int
	shares      map[common.Address]*big.Int
}

// New creates a vault holding asset at account addr on the given ledger.
func New(addr, asset common.Address, ledger *tokens.Ledger) *Vault {
	return &Vault{
		addr:        addr,
		asset:       asset,
		ledger:      ledger,
		totalShares: new(big.Int),
		shares:      make(map[common.Address]*big.Int),
	}
}

// Asset returns the underlying token.
func (v *Vault) Asset() common.Address { return v.asset }

// Address returns the vault's ledger account.
func (v *Vault) Address() common.Address { return v.addr }

// TotalAssets returns the vault's underlying balance.
func (v *Vault) TotalAssets() *big.Int {
	return v.ledger.BalanceOf(v.asset, v.addr)
}

// TotalShares returns the outstanding share supply.
func (v *Vault) TotalShares() *big.Int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return new(big.Int).Set(v.totalShares)
}

// BalanceOf returns holder's share balance.
func (v *Vault) BalanceOf(holder common.Address) *big.Int {
	v.mu.Lock()
	defer v.mu.Unlock()
	bal, ok := v.shares[holder]
	if !ok {
		return new(big.Int)
	}
	return new(big.Int).Set(bal)
}

// ConvertToAssets values a share amount in underlying terms, rounded down.
func (v *Vault) ConvertToAssets(shares *big.Int) *big.Int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.convertToAssets(shares)
}

func (v *Vault) convertToAssets(shares *big.Int) *big.Int {
	if shares == nil || shares.Sign() <= 0 || v.totalShares.Sign() == 0 {
		return new(big.Int)
	}
	out := new(big.Int).Mul(shares, v.TotalAssets())
	return out.Div(out, v.totalShares)
}

// PreviewDeposit quotes the shares minted for an asset deposit, rounded
// down. An empty vault quotes 1:1.
func (v *Vault) PreviewDeposit(assets *big.Int) *big.Int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.previewDeposit(assets)
}

func (v *Vault) previewDeposit(assets *big.Int) *big.Int {
	if assets == nil || assets.Sign() <= 0 {
		return new(big.Int)
	}
	if v.totalShares.Sign() == 0 {
		return new(big.Int).Set(assets)
	}
	out := new(big.Int).Mul(assets, v.totalShares)
	return out.Div(out, v.TotalAssets())
}

// PreviewWithdraw quotes the shares burned to withdraw an exact asset
// amount, rounded up.
func (v *Vault) PreviewWithdraw(assets *big.Int) *big.Int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.previewWithdraw(assets)
}

func (v *Vault) previewWithdraw(assets *big.Int) *big.Int {
	if assets == nil || assets.Sign() <= 0 {
		return new(big.Int)
	}
	totalAssets := v.TotalAssets()
	if v.totalShares.Sign() == 0 || totalAssets.Sign() == 0 {
		return new(big.Int).Set(assets)
	}
	num := new(big.Int).Mul(assets, v.totalShares)
	q, r := num.QuoRem(num, totalAssets, new(big.Int))
	if r.Sign() != 0 {
		q.Add(q, big.NewInt(1))
	}
	return q
}

// Deposit pulls assets from the depositor and mints shares to them,
// returning the shares minted.
func (v *Vault) Deposit(from common.Address, assets *big.Int) (*big.Int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if assets == nil || assets.Sign() <= 0 {
		return nil, ErrZeroAmount
	}

	// Quote before the transfer moves the balance.
	minted := v.previewDeposit(assets)
	if err := v.ledger.Transfer(v.asset, from, v.addr, assets); err != nil {
		return nil, fmt.Errorf("vault deposit: %w", err)
	}

	bal, ok := v.shares[from]
	if !ok {
		bal = new(big.Int)
		v.shares[from] = bal
	}
	bal.Add(bal, minted)
	v.totalShares.Add(v.totalShares, minted)
	return new(big.Int).Set(minted), nil
}

// Withdraw burns the quoted shares from the holder and pays out the exact
// asset amount, returning the shares burned.
func (v *Vault) Withdraw(holder common.Address, assets *big.Int) (*big.Int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if assets == nil || assets.Sign() <= 0 {
		return nil, ErrZeroAmount
	}
	if v.TotalAssets().Sign() == 0 {
		return nil, ErrVaultEmpty
	}

	burned := v.previewWithdraw(assets)
	bal, ok := v.shares[holder]
	if !ok || bal.Cmp(burned) < 0 {
		return nil, ErrInsufficientShares
	}

	if err := v.ledger.Transfer(v.asset, v.addr, holder, assets); err != nil {
		return nil, fmt.Errorf("vault withdraw: %w", err)
	}
	bal.Sub(bal, burned)
	v.totalShares.Sub(v.totalShares, burned)
	return new(big.Int).Set(burned), nil
}

// AccrueYield mints underlying directly to the vault, raising the share
// price. Used by tests and the simulator to model external yield.
func (v *Vault) AccrueYield(amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrZeroAmount
	}
	return v.ledger.Mint(v.asset, v.addr, amount)
}

// AccrueLoss burns underlying from the vault, lowering the share price.
func (v *Vault) AccrueLoss(amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrZeroAmount
	}
	return v.ledger.Burn(v.asset, v.addr, amount)
}
