package pool

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/defistate/amm-engine-go/curves/constantproduct"
	"github.com/defistate/amm-engine-go/curves/stableswap"
	"github.com/defistate/amm-engine-go/engine"
)

// Swap trades one token for the other. The sign of amount selects the token
// it denominates (positive for token0, negative for token1) and exactIn
// selects whether that token is the input or the output side. The output is
// transferred optimistically before the optional callee runs; the input is
// then verified by balance comparison, so payment may arrive either before
// the call or inside the callback. Returns the counterparty amount: the
// output for exact-in, the required input for exact-out.
func (p *Pool) Swap(amount *big.Int, exactIn bool, to common.Address, callee SwapCallee, data []byte) (*big.Int, error) {
	if err := p.lock(); err != nil {
		return nil, err
	}
	defer p.unlock()

	quoted, err := p.swap(amount, exactIn, to, callee, data)
	p.metrics.observeOp(p.addr.Hex(), "swap", err)
	return quoted, err
}

func (p *Pool) swap(amount *big.Int, exactIn bool, to common.Address, callee SwapCallee, data []byte) (*big.Int, error) {
	if amount == nil || amount.Sign() == 0 {
		return nil, ErrZeroSwapAmount
	}
	if err := p.syncManaged(); err != nil {
		return nil, err
	}

	specified := new(big.Int).Abs(amount)
	if specified.Cmp(MaxReserve) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrAmountOutOfRange, specified)
	}
	token0Specified := amount.Sign() > 0

	swapFee, err := p.swapFeePPM()
	if err != nil {
		return nil, err
	}

	var inIdx int
	var amountIn, amountOut *big.Int
	if exactIn {
		if token0Specified {
			inIdx = 0
		} else {
			inIdx = 1
		}
		amountIn = specified
		amountOut, err = p.quoteOut(amountIn, inIdx, swapFee)
		if err != nil {
			return nil, err
		}
		if amountOut.Sign() <= 0 {
			return nil, fmt.Errorf("%w: quote yields zero output", ErrZeroSwapAmount)
		}
	} else {
		if token0Specified {
			inIdx = 1
		} else {
			inIdx = 0
		}
		amountOut = specified
		amountIn, err = p.quoteIn(amountOut, inIdx, swapFee)
		if err != nil {
			return nil, err
		}
	}
	outIdx := 1 - inIdx

	if err := p.transferOut(outIdx, to, amountOut); err != nil {
		return nil, err
	}

	if callee != nil {
		// Outflows positive, required inflows negative, from the callee's
		// point of view.
		delta0 := new(big.Int).Neg(amountIn)
		delta1 := new(big.Int).Set(amountOut)
		if outIdx == 0 {
			delta0, delta1 = delta1, delta0
		}
		if err := callee.OnSwap(to, delta0, delta1, data); err != nil {
			return nil, fmt.Errorf("swap callback: %w", err)
		}
	}

	balance0 := p.totalBalance(p.token0, p.token0Managed)
	balance1 := p.totalBalance(p.token1, p.token1Managed)

	inBalance, inReserve := balance0, p.reserve0
	if inIdx == 1 {
		inBalance, inReserve = balance1, p.reserve1
	}
	received := new(big.Int).Sub(inBalance, inReserve)
	if received.Cmp(amountIn) < 0 {
		return nil, fmt.Errorf("%w: received %s, need %s",
			ErrInsufficientInputReceived, received, amountIn)
	}

	if err := p.update(balance0, balance1); err != nil {
		return nil, err
	}

	inToken := p.token0
	if inIdx == 1 {
		inToken = p.token1
	}
	vol, _ := new(big.Float).SetInt(amountIn).Float64()
	p.metrics.observeSwapVolume(p.addr.Hex(), inToken.Hex(), vol)
	p.log.Debug("swap settled",
		"pool", p.addr, "to", to, "tokenIn", inToken, "amountIn", amountIn, "amountOut", amountOut)

	if exactIn {
		return amountOut, nil
	}
	return amountIn, nil
}

func (p *Pool) quoteOut(amountIn *big.Int, inIdx int, feePPM uint32) (*big.Int, error) {
	reserveIn, reserveOut := p.reserve0, p.reserve1
	mulIn, mulOut := p.mul0, p.mul1
	if inIdx == 1 {
		reserveIn, reserveOut = p.reserve1, p.reserve0
		mulIn, mulOut = p.mul1, p.mul0
	}
	if p.curve == engine.ConstantProduct {
		return constantproduct.AmountOut(amountIn, reserveIn, reserveOut, feePPM)
	}
	return stableswap.AmountOut(amountIn, reserveIn, reserveOut, feePPM, mulIn, mulOut, p.currentNA())
}

func (p *Pool) quoteIn(amountOut *big.Int, inIdx int, feePPM uint32) (*big.Int, error) {
	reserveIn, reserveOut := p.reserve0, p.reserve1
	mulIn, mulOut := p.mul0, p.mul1
	if inIdx == 1 {
		reserveIn, reserveOut = p.reserve1, p.reserve0
		mulIn, mulOut = p.mul1, p.mul0
	}
	if p.curve == engine.ConstantProduct {
		return constantproduct.AmountIn(amountOut, reserveIn, reserveOut, feePPM)
	}
	return stableswap.AmountIn(amountOut, reserveIn, reserveOut, feePPM, mulIn, mulOut, p.currentNA())
}
