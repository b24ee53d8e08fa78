// Package constantproduct implements the x*y=k pricing curve as pure,
// stateless quote functions.
package constantproduct

import (
	"errors"
	"fmt"
	"math/big"
	"sync"
)

var (
	// feeDivisor is a constant representing 100% in parts-per-million.
	feeDivisor = big.NewInt(1_000_000)

	one = big.NewInt(1)

	// ErrInvalidAmount is returned when an input/output amount is negative.
	ErrInvalidAmount = errors.New("amount must be non-negative")
	// ErrNilAmount is returned when a nil pointer is passed for an amount.
	ErrNilAmount = errors.New("nil pointer passed as amount")
	// ErrInvalidFee is returned when the fee is not strictly below 100%.
	ErrInvalidFee = errors.New("fee must be below one million ppm")
	// ErrInsufficientLiquidity is returned when a reserve is empty or an
	// exact-out request meets or exceeds the available reserve.
	ErrInsufficientLiquidity = errors.New("insufficient liquidity for swap")
)

// calculator holds reusable big.Int objects to avoid memory allocations
// during calculations. Instances are NOT safe for concurrent use by
// themselves; they are managed by the sync.Pool below.
type calculator struct {
	feeMultiplier   *big.Int
	amountInWithFee *big.Int
	numerator       *big.Int
	denominator     *big.Int
}

var calculatorPool = sync.Pool{
	New: func() any {
		return &calculator{
			feeMultiplier:   new(big.Int),
			amountInWithFee: new(big.Int),
			numerator:       new(big.Int),
			denominator:     new(big.Int),
		}
	},
}

// AmountOut quotes the output amount for an exact-in swap:
//
//	out = in*(1e6-fee)*reserveOut / (reserveIn*1e6 + in*(1e6-fee))
func AmountOut(amountIn, reserveIn, reserveOut *big.Int, feePPM uint32) (*big.Int, error) {
	calc := calculatorPool.Get().(*calculator)
	defer calculatorPool.Put(calc)
	return calc.amountOut(amountIn, reserveIn, reserveOut, feePPM)
}

// AmountIn quotes the required input amount for an exact-out swap, rounded
// up so the pool never undercharges.
func AmountIn(amountOut, reserveIn, reserveOut *big.Int, feePPM uint32) (*big.Int, error) {
	calc := calculatorPool.Get().(*calculator)
	defer calculatorPool.Put(calc)
	return calc.amountIn(amountOut, reserveIn, reserveOut, feePPM)
}

func (c *calculator) amountOut(amountIn, reserveIn, reserveOut *big.Int, feePPM uint32) (*big.Int, error) {
	if amountIn == nil {
		return nil, ErrNilAmount
	}
	if amountIn.Sign() < 0 {
		return nil, ErrInvalidAmount
	}
	if feePPM >= 1_000_000 {
		return nil, ErrInvalidFee
	}
	if reserveIn == nil || reserveOut == nil || reserveIn.Sign() <= 0 || reserveOut.Sign() <= 0 {
		return nil, ErrInsufficientLiquidity
	}

	c.feeMultiplier.Sub(feeDivisor, big.NewInt(int64(feePPM)))
	c.amountInWithFee.Mul(amountIn, c.feeMultiplier)
	c.numerator.Mul(reserveOut, c.amountInWithFee)
	c.denominator.Mul(reserveIn, feeDivisor)
	c.denominator.Add(c.denominator, c.amountInWithFee)

	return new(big.Int).Div(c.numerator, c.denominator), nil
}

func (c *calculator) amountIn(amountOut, reserveIn, reserveOut *big.Int, feePPM uint32) (*big.Int, error) {
	if amountOut == nil {
		return nil, ErrNilAmount
	}
	if amountOut.Sign() < 0 {
		return nil, ErrInvalidAmount
	}
	if feePPM >= 1_000_000 {
		return nil, ErrInvalidFee
	}
	if reserveIn == nil || reserveOut == nil || reserveIn.Sign() <= 0 || reserveOut.Sign() <= 0 {
		return nil, ErrInsufficientLiquidity
	}
	if amountOut.Cmp(reserveOut) >= 0 {
		return nil, fmt.Errorf("%w: requested amountOut (%s) is >= reserveOut (%s)",
			ErrInsufficientLiquidity, amountOut.String(), reserveOut.String())
	}

	// amountIn = reserveIn*amountOut*1e6 / ((reserveOut-amountOut)*(1e6-fee)) + 1
	c.numerator.Mul(reserveIn, amountOut)
	c.numerator.Mul(c.numerator, feeDivisor)

	c.feeMultiplier.Sub(feeDivisor, big.NewInt(int64(feePPM)))
	c.denominator.Sub(reserveOut, amountOut)
	c.denominator.Mul(c.denominator, c.feeMultiplier)

	amountIn := new(big.Int).Div(c.numerator, c.denominator)
	return amountIn.Add(amountIn, one), nil
}

// K returns the curve invariant reserve0*reserve1.
func K(reserve0, reserve1 *big.Int) *big.Int {
	return new(big.Int).Mul(reserve0, reserve1)
}

// SqrtK returns the geometric mean sqrt(reserve0*reserve1), the quantity the
// platform-fee rule measures growth against.
func SqrtK(reserve0, reserve1 *big.Int) *big.Int {
	return new(big.Int).Sqrt(K(reserve0, reserve1))
}
