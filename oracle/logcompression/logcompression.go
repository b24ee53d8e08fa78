// Package logcompression maps linear prices to a bounded logarithmic
// fixed-point representation used for cheap time-weighted accumulation.
//
// A price is stored as its "log tick": the exponent e such that
// 1.0001^e best approximates the price. Ticks are bounded small integers,
// so an instantaneous value fits an int32 and an int64 accumulator of
// tick*seconds cannot overflow over any realistic horizon.
package logcompression

import (
	"errors"
	"math/big"
	"sync"

	"github.com/holiman/uint256"
)

const (
	// MinTick and MaxTick bound the representable log-price range,
	// roughly 2^-128 .. 2^128 in linear terms.
	MinTick = int32(-887272)
	MaxTick = int32(887272)
)

var (
	// ErrPriceOutOfBounds is returned for prices outside the representable
	// exponent range, including zero and negative inputs.
	ErrPriceOutOfBounds = errors.New("price out of compressible range")
	// ErrTickOutOfBounds is returned for ticks outside [MinTick, MaxTick].
	ErrTickOutOfBounds = errors.New("log tick out of bounds")

	pricePrecision = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)

	minSqrtRatio, _ = new(big.Int).SetString("4295128739", 10)
	maxSqrtRatio, _ = new(big.Int).SetString("1461446703485210103287273052203988822378723970342", 10)

	one        = uint256.NewInt(1)
	maxUint256 = uint256.MustFromBig(new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1)))

	// Pre-parsed constants for the fixed-point exponentiation ladder:
	// sqrt(1.0001^2^i) in UQ128.128 for i in 0..19, plus a rounding mask.
	ratioConstants = [22]*uint256.Int{
		uint256.MustFromBig(fromHex("0xfffcb933bd6fad37aa2d162d1a594001")),
		uint256.MustFromBig(fromHex("0x100000000000000000000000000000000")),
		uint256.MustFromBig(fromHex("0xfff97272373d413259a46990580e213a")),
		uint256.MustFromBig(fromHex("0xfff2e50f5f656932ef12357cf3c7fdcc")),
		uint256.MustFromBig(fromHex("0xffe5caca7e10e4e61c3624eaa0941cd0")),
		uint256.MustFromBig(fromHex("0xffcb9843d60f6159c9db58835c926644")),
		uint256.MustFromBig(fromHex("0xff973b41fa98c081472e6896dfb254c0")),
		uint256.MustFromBig(fromHex("0xff2ea16466c96a3843ec78b326b52861")),
		uint256.MustFromBig(fromHex("0xfe5dee046a99a2a811c461f1969c3053")),
		uint256.MustFromBig(fromHex("0xfcbe86c7900a88aedcffc83b479aa3a4")),
		uint256.MustFromBig(fromHex("0xf987a7253ac413176f2b074cf7815e54")),
		uint256.MustFromBig(fromHex("0xf3392b0822b70005940c7a398e4b70f3")),
		uint256.MustFromBig(fromHex("0xe7159475a2c29b7443b29c7fa6e889d9")),
		uint256.MustFromBig(fromHex("0xd097f3bdfd2022b8845ad8f792aa5825")),
		uint256.MustFromBig(fromHex("0xa9f746462d870fdf8a65dc1f90e061e5")),
		uint256.MustFromBig(fromHex("0x70d869a156d2a1b890bb3df62baf32f7")),
		uint256.MustFromBig(fromHex("0x31be135f97d08fd981231505542fcfa6")),
		uint256.MustFromBig(fromHex("0x9aa508b5b7a84e1c677de54f3e99bc9")),
		uint256.MustFromBig(fromHex("0x5d6af8dedb81196699c329225ee604")),
		uint256.MustFromBig(fromHex("0x2216e584f5fa1ea926041bedfe98")),
		uint256.MustFromBig(fromHex("0x48a170391f7dc42444e8fa2")),
		uint256.MustFromBig(fromHex("0xffffffff")),
	}
)

// scratch holds reusable objects to keep the hot paths allocation-free.
type scratch struct {
	ratio *uint256.Int
	rem   *uint256.Int
	temp  *big.Int
}

var pool = sync.Pool{
	New: func() any {
		return &scratch{
			ratio: new(uint256.Int),
			rem:   new(uint256.Int),
			temp:  new(big.Int),
		}
	},
}

// sqrtRatioAtTick writes sqrt(1.0001^tick) in Q64.96 into dest.
func sqrtRatioAtTick(dest *big.Int, tick int32) error {
	if tick < MinTick || tick > MaxTick {
		return ErrTickOutOfBounds
	}

	s := pool.Get().(*scratch)
	defer pool.Put(s)

	absTick := int64(tick)
	if absTick < 0 {
		absTick = -absTick
	}

	if (absTick & 0x1) != 0 {
		s.ratio.Set(ratioConstants[0])
	} else {
		s.ratio.Set(ratioConstants[1])
	}
	for i := 2; i < 21; i++ {
		if (absTick & (1 << (i - 1))) != 0 {
			s.ratio.Mul(s.ratio, ratioConstants[i]).Rsh(s.ratio, 128)
		}
	}
	if tick > 0 {
		s.ratio.Div(maxUint256, s.ratio)
	}

	// Divide by 2^32 rounding up to land in Q64.96.
	s.rem.And(s.ratio, ratioConstants[21])
	s.ratio.Rsh(s.ratio, 32)
	if s.rem.Sign() > 0 {
		s.ratio.Add(s.ratio, one)
	}

	s.ratio.IntoBig(&dest)
	return nil
}

// tickAtSqrtRatio finds the greatest tick whose ratio is <= sqrtPriceX96 by
// binary search over the valid tick range.
func tickAtSqrtRatio(sqrtPriceX96 *big.Int) (int32, error) {
	if sqrtPriceX96.Cmp(minSqrtRatio) < 0 || sqrtPriceX96.Cmp(maxSqrtRatio) >= 0 {
		return 0, ErrPriceOutOfBounds
	}

	s := pool.Get().(*scratch)
	defer pool.Put(s)
	sqrtRatio := s.temp

	low, high := MinTick, MaxTick
	var tick int32
	for low <= high {
		mid := (low + high) / 2
		if err := sqrtRatioAtTick(sqrtRatio, mid); err != nil {
			return 0, err
		}
		if sqrtRatio.Cmp(sqrtPriceX96) <= 0 {
			tick = mid
			low = mid + 1
		} else {
			high = mid - 1
		}
	}
	return tick, nil
}

// PriceToTick compresses a linear price (1e18 fixed point, must be positive)
// to its log tick.
func PriceToTick(price *big.Int) (int32, error) {
	if price == nil || price.Sign() <= 0 {
		return 0, ErrPriceOutOfBounds
	}
	// sqrtPriceX96 = sqrt(price * 2^192 / 1e18)
	sq := new(big.Int).Lsh(price, 192)
	sq.Div(sq, pricePrecision)
	sq.Sqrt(sq)
	return tickAtSqrtRatio(sq)
}

// TickToPrice decompresses a log tick back to a linear price (1e18 fixed
// point). Both directions round down, so the round trip
// PriceToTick(TickToPrice(t)) lands within one tick of t; ticks whose
// linear price underflows one wei of precision are not recoverable.
func TickToPrice(tick int32) (*big.Int, error) {
	ratio := new(big.Int)
	if err := sqrtRatioAtTick(ratio, tick); err != nil {
		return nil, err
	}
	// price = ratio^2 * 1e18 / 2^192
	price := new(big.Int).Mul(ratio, ratio)
	price.Mul(price, pricePrecision)
	price.Rsh(price, 192)
	return price, nil
}

func fromHex(s string) *big.Int {
	n, _ := new(big.Int).SetString(s[2:], 16)
	return n
}
