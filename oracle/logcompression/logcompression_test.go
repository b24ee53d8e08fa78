package logcompression

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

func TestPriceToTick(t *testing.T) {
	testCases := []struct {
		name        string
		price       *big.Int
		expected    int32
		expectedErr error
	}{
		{"parity", newBigIntFromString("1000000000000000000"), 0, nil},
		{"doubling", newBigIntFromString("2000000000000000000"), 6931, nil},
		{"one percent above parity", newBigIntFromString("1010000000000000000"), 99, nil},
		{"two thousand", newBigIntFromString("2000000000000000000000"), 76012, nil},
		{"zero price", big.NewInt(0), 0, ErrPriceOutOfBounds},
		{"negative price", big.NewInt(-1), 0, ErrPriceOutOfBounds},
		{"nil price", nil, 0, ErrPriceOutOfBounds},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			tick, err := PriceToTick(tc.price)
			if tc.expectedErr != nil {
				require.ErrorIs(t, err, tc.expectedErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.expected, tick)
		})
	}
}

func TestTickToPrice(t *testing.T) {
	testCases := []struct {
		name        string
		tick        int32
		expected    *big.Int
		expectedErr error
	}{
		{"parity", 0, newBigIntFromString("1000000000000000000"), nil},
		{"doubling tick", 6931, newBigIntFromString("1999836340196927629"), nil},
		{"one percent tick", 99, newBigIntFromString("1009948667226153953"), nil},
		{"below range", MinTick - 1, nil, ErrTickOutOfBounds},
		{"above range", MaxTick + 1, nil, ErrTickOutOfBounds},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			price, err := TickToPrice(tc.tick)
			if tc.expectedErr != nil {
				require.ErrorIs(t, err, tc.expectedErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, 0, tc.expected.Cmp(price), "expected %s, got %s", tc.expected, price)
		})
	}
}

// Both directions round down, so a full round trip may drop one tick but
// never more, for every tick whose linear price stays representable.
func TestRoundTripWithinOneTick(t *testing.T) {
	for _, tick := range []int32{0, 1, -1, 99, -100, 6931, -6931, 100_000, -100_000, 400_000} {
		price, err := TickToPrice(tick)
		require.NoError(t, err)

		back, err := PriceToTick(price)
		require.NoError(t, err)

		diff := tick - back
		assert.True(t, diff == 0 || diff == 1, "tick %d round-tripped to %d", tick, back)
	}
}

// Tick order must match price order, otherwise accumulator differences flip
// sign.
func TestMonotonic(t *testing.T) {
	prev, err := TickToPrice(-50_000)
	require.NoError(t, err)
	for tick := int32(-49_999); tick <= 50_000; tick += 1009 {
		price, err := TickToPrice(tick)
		require.NoError(t, err)
		assert.True(t, price.Cmp(prev) > 0, "price not increasing at tick %d", tick)
		prev = price
	}
}
