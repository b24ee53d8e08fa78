// Package stableswap implements the two-asset amplified (StableSwap-style)
// invariant as pure, stateless quote functions.
//
// All invariant math runs over balances normalized to 18 decimals via
// per-token precision multipliers; quotes are returned in each token's
// native precision. The amplification coefficient is passed pre-scaled as
// N·A·APrecision (N=2 for this pool shape).
package stableswap

import (
	"errors"
	"fmt"
	"math/big"
)

const (
	// APrecision is the fixed-point factor carried by amplification values.
	APrecision = 100

	// maxIterations bounds both Newton solves. Convergence typically takes
	// 4 rounds or less; hitting the bound means the pool state is broken
	// and the caller must treat the quote as failed, never approximate.
	maxIterations = 255
)

var (
	feeDivisor = big.NewInt(1_000_000)

	one   = big.NewInt(1)
	two   = big.NewInt(2)
	three = big.NewInt(3)
	four  = big.NewInt(4)

	aPrecision = big.NewInt(APrecision)

	// ErrNotConverged is returned when a Newton iteration fails to settle
	// within maxIterations. Callers must treat this as fatal.
	ErrNotConverged = errors.New("invariant iteration did not converge")
	// ErrInvalidAmount is returned when an input/output amount is negative.
	ErrInvalidAmount = errors.New("amount must be non-negative")
	// ErrNilAmount is returned when a nil pointer is passed for an amount.
	ErrNilAmount = errors.New("nil pointer passed as amount")
	// ErrInvalidFee is returned when the fee is not strictly below 100%.
	ErrInvalidFee = errors.New("fee must be below one million ppm")
	// ErrInsufficientLiquidity is returned when a reserve is empty or an
	// exact-out request meets or exceeds the available reserve.
	ErrInsufficientLiquidity = errors.New("insufficient liquidity for swap")
	// ErrUnsupportedDecimals is returned for tokens with more than 18 decimals.
	ErrUnsupportedDecimals = errors.New("token decimals above 18 are not supported")
)

// PrecisionMultiplier returns 10^(18-decimals), the factor that lifts a
// native token amount to the normalized 18-decimal domain.
func PrecisionMultiplier(decimals uint8) (*big.Int, error) {
	if decimals > 18 {
		return nil, ErrUnsupportedDecimals
	}
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(18-decimals)), nil), nil
}

// CurrentA linearly interpolates the amplification coefficient along an
// active ramp. All values carry APrecision.
func CurrentA(initialA, futureA, initialTime, futureTime, now uint64) uint64 {
	if now >= futureTime || futureTime == initialTime {
		return futureA
	}
	elapsed := now - initialTime
	window := futureTime - initialTime
	// Unsigned arithmetic cannot express a negative slope, hence the branch.
	if futureA > initialA {
		return initialA + (futureA-initialA)*elapsed/window
	}
	return initialA - (initialA-futureA)*elapsed/window
}

// ComputeD solves the two-asset StableSwap invariant D for normalized
// balances xp0, xp1 by Newton iteration:
//
//	D[j+1] = (nA*S/APrec + 2*D_P) * D / ((nA-APrec)*D/APrec + 3*D_P)
//	D_P    = D^3 / (4*xp0*xp1)
func ComputeD(xp0, xp1, nA *big.Int) (*big.Int, error) {
	if xp0 == nil || xp1 == nil || nA == nil {
		return nil, ErrNilAmount
	}
	s := new(big.Int).Add(xp0, xp1)
	if s.Sign() == 0 {
		return big.NewInt(0), nil
	}
	if xp0.Sign() <= 0 || xp1.Sign() <= 0 {
		return nil, ErrInsufficientLiquidity
	}

	d := new(big.Int).Set(s)
	dPrev := new(big.Int)
	dP := new(big.Int)
	num := new(big.Int)
	den := new(big.Int)
	diff := new(big.Int)
	prod4 := new(big.Int).Mul(xp0, xp1)
	prod4.Mul(prod4, four)

	for i := 0; i < maxIterations; i++ {
		// D_P = D^3 / (4*xp0*xp1)
		dP.Mul(d, d)
		dP.Mul(dP, d)
		dP.Div(dP, prod4)

		dPrev.Set(d)

		// numerator = (nA*S/APrec + 2*D_P) * D
		num.Mul(nA, s)
		num.Div(num, aPrecision)
		num.Add(num, diff.Mul(dP, two))
		num.Mul(num, d)

		// denominator = (nA-APrec)*D/APrec + 3*D_P
		den.Sub(nA, aPrecision)
		den.Mul(den, d)
		den.Div(den, aPrecision)
		den.Add(den, diff.Mul(dP, three))

		d = new(big.Int).Div(num, den)

		if diff.Sub(d, dPrev).CmpAbs(one) <= 0 {
			return d, nil
		}
	}
	return nil, fmt.Errorf("%w: D after %d rounds", ErrNotConverged, maxIterations)
}

// GetY solves for the counterparty normalized balance that preserves D when
// the other side's balance becomes x. Quadratic iteration:
//
//	y[j+1] = (y^2 + c) / (2y + b - D)
//	b = x + D*APrec/nA
//	c = D^3 * APrec / (4 * x * nA)
func GetY(x, nA, d *big.Int) (*big.Int, error) {
	if x == nil || nA == nil || d == nil {
		return nil, ErrNilAmount
	}
	if x.Sign() <= 0 || d.Sign() <= 0 {
		return nil, ErrInsufficientLiquidity
	}

	c := new(big.Int).Mul(d, d)
	c.Div(c, new(big.Int).Mul(x, two))
	c.Mul(c, d)
	c.Mul(c, aPrecision)
	c.Div(c, new(big.Int).Mul(nA, two))

	b := new(big.Int).Mul(d, aPrecision)
	b.Div(b, nA)
	b.Add(b, x)

	y := new(big.Int).Set(d)
	yPrev := new(big.Int)
	num := new(big.Int)
	den := new(big.Int)
	diff := new(big.Int)

	for i := 0; i < maxIterations; i++ {
		yPrev.Set(y)

		num.Mul(y, y)
		num.Add(num, c)

		den.Mul(y, two)
		den.Add(den, b)
		den.Sub(den, d)

		y = new(big.Int).Div(num, den)

		if diff.Sub(y, yPrev).CmpAbs(one) <= 0 {
			return y, nil
		}
	}
	return nil, fmt.Errorf("%w: y after %d rounds", ErrNotConverged, maxIterations)
}

// AmountOut quotes the output amount for an exact-in swap. mulIn/mulOut are
// the precision multipliers of the input and output tokens; nA is the
// current amplification pre-scaled as 2·A·APrecision. The swap fee is taken
// on the input side, mirroring the constant-product quote.
func AmountOut(amountIn, reserveIn, reserveOut *big.Int, feePPM uint32, mulIn, mulOut, nA *big.Int) (*big.Int, error) {
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

	xIn := new(big.Int).Mul(reserveIn, mulIn)
	xOut := new(big.Int).Mul(reserveOut, mulOut)

	d, err := ComputeD(xIn, xOut, nA)
	if err != nil {
		return nil, err
	}

	// Fee comes off the input before it enters the curve.
	inLessFee := new(big.Int).Mul(amountIn, new(big.Int).Sub(feeDivisor, big.NewInt(int64(feePPM))))
	inLessFee.Div(inLessFee, feeDivisor)

	x := new(big.Int).Mul(inLessFee, mulIn)
	x.Add(x, xIn)

	y, err := GetY(x, nA, d)
	if err != nil {
		return nil, err
	}

	// -1 absorbs rounding error in the trader's disfavor.
	dy := new(big.Int).Sub(xOut, y)
	dy.Sub(dy, one)
	if dy.Sign() < 0 {
		return big.NewInt(0), nil
	}
	return dy.Div(dy, mulOut), nil
}

// AmountIn quotes the required input amount for an exact-out swap, rounding
// every step against the caller.
func AmountIn(amountOut, reserveIn, reserveOut *big.Int, feePPM uint32, mulIn, mulOut, nA *big.Int) (*big.Int, error) {
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

	xIn := new(big.Int).Mul(reserveIn, mulIn)
	xOut := new(big.Int).Mul(reserveOut, mulOut)

	d, err := ComputeD(xIn, xOut, nA)
	if err != nil {
		return nil, err
	}

	yOut := new(big.Int).Mul(amountOut, mulOut)
	yOut.Sub(xOut, yOut)
	if yOut.Sign() <= 0 {
		return nil, ErrInsufficientLiquidity
	}

	x, err := GetY(yOut, nA, d)
	if err != nil {
		return nil, err
	}

	dx := new(big.Int).Sub(x, xIn)
	dx.Add(dx, one)
	if dx.Sign() < 0 {
		dx.SetInt64(0)
	}

	// Back to native precision, then gross the fee up, both rounded up.
	amountIn := ceilDiv(dx, mulIn)
	feeMultiplier := new(big.Int).Sub(feeDivisor, big.NewInt(int64(feePPM)))
	amountIn.Mul(amountIn, feeDivisor)
	return ceilDiv(amountIn, feeMultiplier), nil
}

func ceilDiv(a, b *big.Int) *big.Int {
	q, r := new(big.Int).QuoRem(a, b, new(big.Int))
	if r.Sign() != 0 {
		q.Add(q, one)
	}
	return q
}
