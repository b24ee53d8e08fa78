package pool

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/defistate/amm-engine-go/curves/constantproduct"
	"github.com/defistate/amm-engine-go/curves/stableswap"
	"github.com/defistate/amm-engine-go/engine"
)

var (
	ppmDivisor   = big.NewInt(1_000_000)
	minLiquidity = big.NewInt(MinimumLiquidity)
)

// Mint converts tokens deposited to the pool since the last settlement into
// LP tokens for the recipient, returning the liquidity minted. The first
// mint permanently locks MinimumLiquidity to the zero address.
func (p *Pool) Mint(to common.Address) (*big.Int, error) {
	if err := p.lock(); err != nil {
		return nil, err
	}
	defer p.unlock()

	liquidity, err := p.mint(to)
	p.metrics.observeOp(p.addr.Hex(), "mint", err)
	if err != nil {
		return nil, err
	}
	p.notifyManager()
	return liquidity, nil
}

func (p *Pool) mint(to common.Address) (*big.Int, error) {
	if err := p.syncManaged(); err != nil {
		return nil, err
	}

	balance0 := p.totalBalance(p.token0, p.token0Managed)
	balance1 := p.totalBalance(p.token1, p.token1Managed)
	amount0 := new(big.Int).Sub(balance0, p.reserve0)
	amount1 := new(big.Int).Sub(balance1, p.reserve1)
	if amount0.Sign() < 0 {
		amount0.SetInt64(0)
	}
	if amount1.Sign() < 0 {
		amount1.SetInt64(0)
	}

	var (
		liquidity *big.Int
		err       error
	)
	if p.curve == engine.ConstantProduct {
		liquidity, err = p.mintConstantProduct(to, amount0, amount1)
	} else {
		liquidity, err = p.mintStable(to, balance0, balance1)
	}
	if err != nil {
		return nil, err
	}

	if err := p.update(balance0, balance1); err != nil {
		return nil, err
	}
	p.recordInvariant()

	p.log.Info("liquidity minted",
		"pool", p.addr, "to", to, "amount0", amount0, "amount1", amount1, "liquidity", liquidity)
	return liquidity, nil
}

func (p *Pool) mintConstantProduct(to common.Address, amount0, amount1 *big.Int) (*big.Int, error) {
	if _, err := p.mintPlatformFeeConstantProduct(); err != nil {
		return nil, err
	}

	liquidity := new(big.Int)
	if p.totalSupply.Sign() == 0 {
		liquidity.Sqrt(new(big.Int).Mul(amount0, amount1))
		liquidity.Sub(liquidity, minLiquidity)
		if liquidity.Sign() <= 0 {
			return nil, ErrInsufficientLiquidityMinted
		}
		if err := p.mintLP(common.Address{}, minLiquidity); err != nil {
			return nil, err
		}
	} else {
		// The smaller pro-rata share prices non-optimal deposits as if the
		// excess were donated.
		share0 := new(big.Int).Mul(amount0, p.totalSupply)
		share0.Div(share0, p.reserve0)
		share1 := new(big.Int).Mul(amount1, p.totalSupply)
		share1.Div(share1, p.reserve1)
		liquidity.Set(share0)
		if share1.Cmp(liquidity) < 0 {
			liquidity.Set(share1)
		}
		if liquidity.Sign() == 0 {
			return nil, ErrInsufficientLiquidityMinted
		}
	}
	if err := p.mintLP(to, liquidity); err != nil {
		return nil, err
	}
	return liquidity, nil
}

func (p *Pool) mintStable(to common.Address, balance0, balance1 *big.Int) (*big.Int, error) {
	amp := p.currentA()
	nA := new(big.Int).SetUint64(2 * amp)

	dOld := new(big.Int)
	if p.totalSupply.Sign() > 0 {
		var err error
		dOld, err = stableswap.ComputeD(
			new(big.Int).Mul(p.reserve0, p.mul0),
			new(big.Int).Mul(p.reserve1, p.mul1),
			nA,
		)
		if err != nil {
			return nil, err
		}
		if _, err := p.mintPlatformFeeStable(dOld, amp); err != nil {
			return nil, err
		}
	}

	x := new(big.Int).Mul(balance0, p.mul0)
	y := new(big.Int).Mul(balance1, p.mul1)
	dNew, err := stableswap.ComputeD(x, y, nA)
	if err != nil {
		return nil, err
	}
	if dNew.Cmp(dOld) <= 0 {
		return nil, ErrInsufficientLiquidityMinted
	}

	liquidity := new(big.Int)
	if p.totalSupply.Sign() == 0 {
		// LP supply tracks the normalized invariant directly.
		liquidity.Sub(dNew, minLiquidity)
		if liquidity.Sign() <= 0 {
			return nil, ErrInsufficientLiquidityMinted
		}
		if err := p.mintLP(common.Address{}, minLiquidity); err != nil {
			return nil, err
		}
	} else {
		dCharged, err := p.chargeNonOptimalFee(x, y, dOld, dNew, nA)
		if err != nil {
			return nil, err
		}
		if dCharged.Cmp(dOld) <= 0 {
			return nil, ErrInsufficientLiquidityMinted
		}
		liquidity.Sub(dCharged, dOld)
		liquidity.Mul(liquidity, p.totalSupply)
		liquidity.Div(liquidity, dOld)
		if liquidity.Sign() == 0 {
			return nil, ErrInsufficientLiquidityMinted
		}
	}
	if err := p.mintLP(to, liquidity); err != nil {
		return nil, err
	}
	return liquidity, nil
}

// chargeNonOptimalFee reprices an imbalanced stable deposit: the deviation
// of each side from the ideal pro-rata deposit pays half the swap fee, and
// the liquidity grant is measured against the fee-adjusted invariant.
func (p *Pool) chargeNonOptimalFee(x, y, dOld, dNew, nA *big.Int) (*big.Int, error) {
	swapFee, err := p.swapFeePPM()
	if err != nil {
		return nil, err
	}
	if swapFee == 0 {
		return dNew, nil
	}
	halfFee := big.NewInt(int64(swapFee / 2))

	adjust := func(newBal, oldReserve, mul *big.Int) *big.Int {
		ideal := new(big.Int).Mul(oldReserve, mul)
		ideal.Mul(ideal, dNew)
		ideal.Div(ideal, dOld)
		diff := new(big.Int).Sub(newBal, ideal)
		diff.Abs(diff)
		fee := diff.Mul(diff, halfFee)
		fee.Div(fee, ppmDivisor)
		return new(big.Int).Sub(newBal, fee)
	}

	return stableswap.ComputeD(
		adjust(x, p.reserve0, p.mul0),
		adjust(y, p.reserve1, p.mul1),
		nA,
	)
}

// Burn redeems the LP tokens held by the pool itself for a pro-rata share
// of both balances, paid to the recipient.
func (p *Pool) Burn(to common.Address) (*big.Int, *big.Int, error) {
	if err := p.lock(); err != nil {
		return nil, nil, err
	}
	defer p.unlock()

	amount0, amount1, err := p.burn(to)
	p.metrics.observeOp(p.addr.Hex(), "burn", err)
	if err != nil {
		return nil, nil, err
	}
	p.notifyManager()
	return amount0, amount1, nil
}

func (p *Pool) burn(to common.Address) (*big.Int, *big.Int, error) {
	if err := p.syncManaged(); err != nil {
		return nil, nil, err
	}

	liquidity := p.ledger.BalanceOf(p.addr, p.addr)
	if liquidity.Sign() == 0 {
		return nil, nil, ErrInsufficientLiquidityBurned
	}

	if p.curve == engine.ConstantProduct {
		if _, err := p.mintPlatformFeeConstantProduct(); err != nil {
			return nil, nil, err
		}
	} else {
		// A burn must never be blockable: if the invariant solve fails here
		// the platform fee is forfeited and redemption proceeds.
		amp := p.currentA()
		d, err := stableswap.ComputeD(
			new(big.Int).Mul(p.reserve0, p.mul0),
			new(big.Int).Mul(p.reserve1, p.mul1),
			new(big.Int).SetUint64(2*amp),
		)
		if err != nil {
			p.log.Warn("invariant solve failed during burn, platform fee forfeited",
				"pool", p.addr, "err", err)
		} else if _, err := p.mintPlatformFeeStable(d, amp); err != nil {
			return nil, nil, err
		}
	}

	balance0 := p.totalBalance(p.token0, p.token0Managed)
	balance1 := p.totalBalance(p.token1, p.token1Managed)

	amount0 := new(big.Int).Mul(liquidity, balance0)
	amount0.Div(amount0, p.totalSupply)
	amount1 := new(big.Int).Mul(liquidity, balance1)
	amount1.Div(amount1, p.totalSupply)
	if amount0.Sign() == 0 && amount1.Sign() == 0 {
		return nil, nil, ErrInsufficientLiquidityBurned
	}

	if err := p.burnLP(p.addr, liquidity); err != nil {
		return nil, nil, err
	}
	if err := p.transferOut(0, to, amount0); err != nil {
		return nil, nil, err
	}
	if err := p.transferOut(1, to, amount1); err != nil {
		return nil, nil, err
	}

	// Re-read: the payout and any managed recall moved both balances.
	err := p.update(
		p.totalBalance(p.token0, p.token0Managed),
		p.totalBalance(p.token1, p.token1Managed),
	)
	if err != nil {
		return nil, nil, err
	}
	p.recordInvariant()

	p.log.Info("liquidity burned",
		"pool", p.addr, "to", to, "liquidity", liquidity, "amount0", amount0, "amount1", amount1)
	return amount0, amount1, nil
}

// recordInvariant refreshes the platform-fee reference after a liquidity
// event. The stable solve may fail on degenerate reserves; the reference is
// then left stale and repaired by the next successful event.
func (p *Pool) recordInvariant() {
	if p.curve == engine.ConstantProduct {
		p.kLast.Set(constantproduct.K(p.reserve0, p.reserve1))
		return
	}
	amp := p.currentA()
	d, err := stableswap.ComputeD(
		new(big.Int).Mul(p.reserve0, p.mul0),
		new(big.Int).Mul(p.reserve1, p.mul1),
		new(big.Int).SetUint64(2*amp),
	)
	if err != nil {
		p.log.Warn("invariant record failed, reference left stale", "pool", p.addr, "err", err)
		return
	}
	p.lastInvariant.Set(d)
	p.lastInvariantAmp = amp
}

// mintPlatformFeeConstantProduct mints LP against sqrt(k) growth since the
// last liquidity event, diluting LPs by the platform's share of fee income.
func (p *Pool) mintPlatformFeeConstantProduct() (*big.Int, error) {
	platformFee, err := p.platformFeePPM()
	if err != nil {
		return nil, err
	}
	if platformFee == 0 || p.kLast.Sign() == 0 || p.totalSupply.Sign() == 0 {
		return new(big.Int), nil
	}

	sqrtK := constantproduct.SqrtK(p.reserve0, p.reserve1)
	sqrtKLast := new(big.Int).Sqrt(p.kLast)
	return p.mintGrowthFee(sqrtK, sqrtKLast, platformFee)
}

// mintPlatformFeeStable is the stable analogue measured on D growth. A fee
// is only taken when the amplification has not moved since the reference
// was recorded, so ramping A never converts curve reshaping into fees.
func (p *Pool) mintPlatformFeeStable(d *big.Int, amp uint64) (*big.Int, error) {
	platformFee, err := p.platformFeePPM()
	if err != nil {
		return nil, err
	}
	if platformFee == 0 || p.lastInvariant.Sign() == 0 || p.totalSupply.Sign() == 0 {
		return new(big.Int), nil
	}
	if amp != p.lastInvariantAmp {
		p.log.Debug("amplification moved since reference, platform fee skipped", "pool", p.addr)
		return new(big.Int), nil
	}
	return p.mintGrowthFee(d, p.lastInvariant, platformFee)
}

// mintGrowthFee mints the platform's cut of invariant growth:
//
//	liquidity = S * (inv - invLast) * fee / (inv*(1e6-fee) + invLast*fee)
func (p *Pool) mintGrowthFee(inv, invLast *big.Int, platformFee uint32) (*big.Int, error) {
	if inv.Cmp(invLast) <= 0 {
		return new(big.Int), nil
	}
	fee := big.NewInt(int64(platformFee))

	num := new(big.Int).Sub(inv, invLast)
	num.Mul(num, p.totalSupply)
	num.Mul(num, fee)

	den := new(big.Int).Sub(ppmDivisor, fee)
	den.Mul(den, inv)
	den.Add(den, new(big.Int).Mul(invLast, fee))

	liquidity := num.Div(num, den)
	if liquidity.Sign() <= 0 {
		return new(big.Int), nil
	}
	if err := p.mintLP(p.store.PlatformFeeRecipient(), liquidity); err != nil {
		return nil, fmt.Errorf("platform fee mint: %w", err)
	}
	p.log.Debug("platform fee minted", "pool", p.addr, "liquidity", liquidity)
	return liquidity, nil
}

func (p *Pool) mintLP(to common.Address, amount *big.Int) error {
	if err := p.ledger.Mint(p.addr, to, amount); err != nil {
		return err
	}
	p.totalSupply.Add(p.totalSupply, amount)
	return nil
}

func (p *Pool) burnLP(from common.Address, amount *big.Int) error {
	if err := p.ledger.Burn(p.addr, from, amount); err != nil {
		return err
	}
	p.totalSupply.Sub(p.totalSupply, amount)
	return nil
}
