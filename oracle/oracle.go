// Package oracle maintains a manipulation-resistant time-weighted price
// record for a pool: a fixed-capacity ring buffer of compressed log-price
// observations with two parallel accumulators, raw and rate-limited.
package oracle

import (
	"errors"
	"math/big"

	"github.com/defistate/amm-engine-go/bitset"
	"github.com/defistate/amm-engine-go/oracle/logcompression"
)

var (
	// ErrNoObservations indicates the buffer has never been written.
	ErrNoObservations = errors.New("no price observations available")
	// ErrStaleTimestamp indicates a write older than the newest observation.
	ErrStaleTimestamp = errors.New("observation timestamp moved backwards")
	// ErrInvalidWindow indicates a TWAP request over a zero or negative window.
	ErrInvalidWindow = errors.New("TWAP window must cover elapsed time")
	// ErrInvalidConfig indicates a malformed oracle configuration.
	ErrInvalidConfig = errors.New("invalid oracle configuration")

	fixedOne = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)
)

// DefaultCapacity is the ring size used when a pool does not override it.
const DefaultCapacity = 1024

// Observation is one ring-buffer slot. Accumulators are running sums of
// logInstantPrice * elapsedSeconds and wrap intentionally; consumers must
// only ever difference two slots, never read an absolute value.
type Observation struct {
	LogInstantRawPrice     int32  `json:"logInstantRawPrice"`
	LogInstantClampedPrice int32  `json:"logInstantClampedPrice"`
	LogAccRawPrice         int64  `json:"logAccRawPrice"`
	LogAccClampedPrice     int64  `json:"logAccClampedPrice"`
	Timestamp              uint64 `json:"timestamp"`
}

// Params bound how fast the clamped price may track the raw price. Both are
// 1e18 fixed-point fractions: MaxChangeRate per elapsed second, and
// MaxChangePerTrade as a flat per-write ceiling.
type Params struct {
	MaxChangeRate     *big.Int
	MaxChangePerTrade *big.Int
}

func (p Params) validate() error {
	if p.MaxChangeRate == nil || p.MaxChangeRate.Sign() < 0 {
		return errors.New("params: MaxChangeRate must be a non-negative fraction")
	}
	if p.MaxChangePerTrade == nil || p.MaxChangePerTrade.Sign() < 0 {
		return errors.New("params: MaxChangePerTrade must be a non-negative fraction")
	}
	return nil
}

// Oracle owns one pool's observation ring. It is not safe for concurrent
// use; the owning pool serializes access under its own guard.
type Oracle struct {
	params   Params
	slots    []Observation
	occupied bitset.BitSet
	index    uint16 // newest written slot, meaningless until occupied
}

// New creates an oracle with the given ring capacity.
func New(capacity uint16, params Params) (*Oracle, error) {
	if capacity == 0 {
		return nil, errors.New("oracle: capacity must be greater than 0")
	}
	if err := params.validate(); err != nil {
		return nil, err
	}
	return &Oracle{
		params: Params{
			MaxChangeRate:     new(big.Int).Set(params.MaxChangeRate),
			MaxChangePerTrade: new(big.Int).Set(params.MaxChangePerTrade),
		},
		slots:    make([]Observation, capacity),
		occupied: bitset.NewBitSet(uint64(capacity)),
	}, nil
}

// Capacity returns the ring size.
func (o *Oracle) Capacity() uint16 { return uint16(len(o.slots)) }

// Count returns the number of slots ever written (saturates at capacity).
func (o *Oracle) Count() int { return o.occupied.Count() }

// Index returns the cursor of the newest observation.
func (o *Oracle) Index() uint16 { return o.index }

// Latest returns the newest observation, if any.
func (o *Oracle) Latest() (Observation, bool) {
	if o.occupied.Count() == 0 {
		return Observation{}, false
	}
	return o.slots[o.index], true
}

// At returns the observation at ring position i, if that slot was written.
func (o *Oracle) At(i uint16) (Observation, bool) {
	if i >= uint16(len(o.slots)) || !o.occupied.IsSet(uint64(i)) {
		return Observation{}, false
	}
	return o.slots[i], true
}

// Write records rawPrice (1e18 fixed point) at timestamp. A new slot is
// appended only when time has advanced since the previous slot write; a
// same-timestamp call refreshes the instantaneous fields of the current
// slot. The very first observation is never clamped.
func (o *Oracle) Write(rawPrice *big.Int, timestamp uint64) error {
	rawTick, err := logcompression.PriceToTick(rawPrice)
	if err != nil {
		return err
	}

	if o.occupied.Count() == 0 {
		o.index = 0
		o.slots[0] = Observation{
			LogInstantRawPrice:     rawTick,
			LogInstantClampedPrice: rawTick,
			Timestamp:              timestamp,
		}
		o.occupied.Set(0)
		return nil
	}

	prev := o.slots[o.index]
	if timestamp < prev.Timestamp {
		return ErrStaleTimestamp
	}

	if timestamp == prev.Timestamp {
		// Same block: zero elapsed time means the clamped price cannot move.
		o.slots[o.index].LogInstantRawPrice = rawTick
		return nil
	}

	elapsed := timestamp - prev.Timestamp
	clampedTick, err := o.clamp(prev.LogInstantClampedPrice, rawPrice, rawTick, elapsed)
	if err != nil {
		return err
	}

	next := (o.index + 1) % uint16(len(o.slots))
	o.slots[next] = Observation{
		LogInstantRawPrice:     rawTick,
		LogInstantClampedPrice: clampedTick,
		LogAccRawPrice:         wrapAddMul(prev.LogAccRawPrice, prev.LogInstantRawPrice, elapsed),
		LogAccClampedPrice:     wrapAddMul(prev.LogAccClampedPrice, prev.LogInstantClampedPrice, elapsed),
		Timestamp:              timestamp,
	}
	o.index = next
	o.occupied.Set(uint64(next))
	return nil
}

// clamp limits the movement from the previous clamped price toward the raw
// price to min(MaxChangeRate*elapsed, MaxChangePerTrade), expressed as a
// fraction of the previous price.
func (o *Oracle) clamp(prevTick int32, rawPrice *big.Int, rawTick int32, elapsed uint64) (int32, error) {
	allowed := new(big.Int).Mul(o.params.MaxChangeRate, new(big.Int).SetUint64(elapsed))
	if allowed.Cmp(o.params.MaxChangePerTrade) > 0 {
		allowed.Set(o.params.MaxChangePerTrade)
	}

	prevPrice, err := logcompression.TickToPrice(prevTick)
	if err != nil {
		return 0, err
	}

	delta := new(big.Int).Mul(prevPrice, allowed)
	delta.Div(delta, fixedOne)

	upper := new(big.Int).Add(prevPrice, delta)
	lower := new(big.Int).Sub(prevPrice, delta)

	if rawPrice.Cmp(lower) >= 0 && rawPrice.Cmp(upper) <= 0 {
		return rawTick, nil
	}

	bound := upper
	if rawPrice.Cmp(lower) < 0 {
		bound = lower
	}
	if bound.Sign() <= 0 {
		// A full-range downward allowance degenerates to the raw price.
		return rawTick, nil
	}
	return logcompression.PriceToTick(bound)
}

// TWAP recovers the time-weighted average price (1e18 fixed point) between
// two observations. With clamped=true the rate-limited accumulator is used.
// Accumulator wraparound is harmless here because only the difference is
// taken.
func TWAP(older, newer Observation, clamped bool) (*big.Int, error) {
	if newer.Timestamp <= older.Timestamp {
		return nil, ErrInvalidWindow
	}
	var diff int64
	if clamped {
		diff = wrapSub(newer.LogAccClampedPrice, older.LogAccClampedPrice)
	} else {
		diff = wrapSub(newer.LogAccRawPrice, older.LogAccRawPrice)
	}
	avgTick := diff / int64(newer.Timestamp-older.Timestamp)
	return logcompression.TickToPrice(int32(avgTick))
}

// wrapAddMul returns acc + tick*elapsed with two's-complement wraparound.
func wrapAddMul(acc int64, tick int32, elapsed uint64) int64 {
	return acc + int64(tick)*int64(elapsed)
}

// wrapSub returns a - b with two's-complement wraparound.
func wrapSub(a, b int64) int64 {
	return a - b
}
