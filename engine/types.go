package engine

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// CurveKind identifies the pricing curve a pool runs on.
type CurveKind uint8

const (
	ConstantProduct CurveKind = iota
	Stable
)

func (k CurveKind) String() string {
	switch k {
	case ConstantProduct:
		return "constant-product"
	case Stable:
		return "stable"
	default:
		return "unknown"
	}
}

// Logger defines a standard interface for structured, leveled logging.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// PoolView is the decode contract for a single pool's externally visible
// ledger state. All big.Int fields are owned by the view; producers must
// hand out deep copies.
type PoolView struct {
	Addr   common.Address `json:"addr"`
	Token0 common.Address `json:"token0"`
	Token1 common.Address `json:"token1"`
	Curve  CurveKind      `json:"curve"`

	Reserve0    *big.Int `json:"reserve0"`
	Reserve1    *big.Int `json:"reserve1"`
	TotalSupply *big.Int `json:"totalSupply"`

	Token0Managed *big.Int `json:"token0Managed"`
	Token1Managed *big.Int `json:"token1Managed"`

	SwapFeePPM     uint32 `json:"swapFeePPM"`
	PlatformFeePPM uint32 `json:"platformFeePPM"`

	// Oracle write cursor.
	BlockTimestampLast uint64 `json:"blockTimestampLast"`
	ObservationIndex   uint16 `json:"observationIndex"`
}

// State is the snapshot envelope broadcast to consumers: every pool's view
// as of a single ledger sequence number.
type State struct {
	Seq       uint64                      `json:"seq"`
	Timestamp uint64                      `json:"timestamp"`
	Pools     map[common.Address]PoolView `json:"pools"`
}
