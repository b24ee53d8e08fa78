package stableswap

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newBigIntFromString(s string) *big.Int {
	n, ok := new(big.Int).SetString(s, 10)
	if !ok {
		panic("failed to set string for big.Int")
	}
	return n
}

func e18(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil))
}

// nA for A=200: 2 * 200 * APrecision.
var nA200 = big.NewInt(2 * 200 * APrecision)

func TestPrecisionMultiplier(t *testing.T) {
	m, err := PrecisionMultiplier(18)
	require.NoError(t, err)
	assert.Equal(t, 0, big.NewInt(1).Cmp(m))

	m, err = PrecisionMultiplier(6)
	require.NoError(t, err)
	assert.Equal(t, 0, big.NewInt(1_000_000_000_000).Cmp(m))

	_, err = PrecisionMultiplier(19)
	require.ErrorIs(t, err, ErrUnsupportedDecimals)
}

func TestComputeD(t *testing.T) {
	testCases := []struct {
		name        string
		xp0, xp1    *big.Int
		expected    *big.Int
		expectedErr error
	}{
		{
			name:     "balanced pool solves to the sum",
			xp0:      e18(1_000_000),
			xp1:      e18(1_000_000),
			expected: e18(2_000_000),
		},
		{
			name:     "imbalanced pool",
			xp0:      e18(1_300_000),
			xp1:      e18(700_500),
			expected: newBigIntFromString("2000009362647616301323419"),
		},
		{
			name:     "empty pool",
			xp0:      big.NewInt(0),
			xp1:      big.NewInt(0),
			expected: big.NewInt(0),
		},
		{
			name:        "one-sided pool",
			xp0:         e18(1),
			xp1:         big.NewInt(0),
			expectedErr: ErrInsufficientLiquidity,
		},
		{
			name:        "nil balance",
			xp0:         nil,
			xp1:         e18(1),
			expectedErr: ErrNilAmount,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			d, err := ComputeD(tc.xp0, tc.xp1, nA200)
			if tc.expectedErr != nil {
				require.ErrorIs(t, err, tc.expectedErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, 0, tc.expected.Cmp(d), "expected %s, got %s", tc.expected, d)
		})
	}
}

// GetY must return the counterparty balance that keeps D fixed: re-solving D
// with the answer has to land within the iteration tolerance.
func TestGetYPreservesInvariant(t *testing.T) {
	d, err := ComputeD(e18(1_000_000), e18(1_000_000), nA200)
	require.NoError(t, err)

	x := e18(1_070_000)
	y, err := GetY(x, nA200, d)
	require.NoError(t, err)

	dAfter, err := ComputeD(x, y, nA200)
	require.NoError(t, err)
	diff := new(big.Int).Sub(dAfter, d)
	assert.True(t, diff.CmpAbs(big.NewInt(4)) <= 0, "D drifted by %s", diff)
}

func TestAmountOut(t *testing.T) {
	one := big.NewInt(1)
	testCases := []struct {
		name        string
		amountIn    *big.Int
		reserveIn   *big.Int
		reserveOut  *big.Int
		feePPM      uint32
		mulIn       *big.Int
		mulOut      *big.Int
		expected    *big.Int
		expectedErr error
	}{
		{
			name:       "70k into the 1M/1M A=200 pool at 30bps",
			amountIn:   e18(70_000),
			reserveIn:  e18(1_000_000),
			reserveOut: e18(1_000_000),
			feePPM:     3000,
			mulIn:      one,
			mulOut:     one,
			expected:   newBigIntFromString("69765659055748102893526"),
		},
		{
			name:       "mixed decimals: 10k six-decimal units into 5M/5M",
			amountIn:   big.NewInt(10_000_000_000),
			reserveIn:  big.NewInt(5_000_000_000_000),
			reserveOut: e18(5_000_000),
			feePPM:     3000,
			mulIn:      big.NewInt(1_000_000_000_000),
			mulOut:     one,
			expected:   newBigIntFromString("9969901094223679636195"),
		},
		{
			name:        "empty reserve",
			amountIn:    e18(1),
			reserveIn:   big.NewInt(0),
			reserveOut:  e18(1),
			feePPM:      3000,
			mulIn:       one,
			mulOut:      one,
			expectedErr: ErrInsufficientLiquidity,
		},
		{
			name:        "negative amount",
			amountIn:    big.NewInt(-1),
			reserveIn:   e18(1),
			reserveOut:  e18(1),
			feePPM:      3000,
			mulIn:       one,
			mulOut:      one,
			expectedErr: ErrInvalidAmount,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			out, err := AmountOut(tc.amountIn, tc.reserveIn, tc.reserveOut, tc.feePPM, tc.mulIn, tc.mulOut, nA200)
			if tc.expectedErr != nil {
				require.ErrorIs(t, err, tc.expectedErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, 0, tc.expected.Cmp(out), "expected %s, got %s", tc.expected, out)
		})
	}
}

func TestAmountIn(t *testing.T) {
	one := big.NewInt(1)

	in, err := AmountIn(e18(70_000), e18(1_000_000), e18(1_000_000), 3000, one, one, nA200)
	require.NoError(t, err)
	assert.Equal(t, 0, newBigIntFromString("70235211201510248881139").Cmp(in))

	_, err = AmountIn(e18(1_000_000), e18(1_000_000), e18(1_000_000), 3000, one, one, nA200)
	require.ErrorIs(t, err, ErrInsufficientLiquidity)
}

// An amplified pool must quote closer to parity than constant product near
// balance: trading 70k into 1M/1M should slip well under 1%.
func TestAmplificationFlattensCurve(t *testing.T) {
	out, err := AmountOut(e18(70_000), e18(1_000_000), e18(1_000_000), 0, big.NewInt(1), big.NewInt(1), nA200)
	require.NoError(t, err)

	// Constant product would give 70000*1M/(1M+70000) ~ 65420.
	floor := e18(69_500)
	assert.True(t, out.Cmp(floor) > 0, "amplified quote %s below %s", out, floor)
}

func TestCurrentA(t *testing.T) {
	testCases := []struct {
		name     string
		initialA uint64
		futureA  uint64
		initialT uint64
		futureT  uint64
		now      uint64
		expected uint64
	}{
		{"before ramp starts interpolates from zero elapsed", 20000, 40000, 1000, 87400, 1000, 20000},
		{"midway up", 20000, 40000, 0, 100, 50, 30000},
		{"midway down", 40000, 20000, 0, 100, 50, 30000},
		{"after end clamps to target", 20000, 40000, 0, 100, 500, 40000},
		{"degenerate window", 20000, 40000, 100, 100, 100, 40000},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expected, CurrentA(tc.initialA, tc.futureA, tc.initialT, tc.futureT, tc.now))
		})
	}
}
