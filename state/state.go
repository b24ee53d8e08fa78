// Package state computes and applies diffs between pool-state snapshots, so
// consumers holding an engine.State can be brought forward without
// re-reading every pool.
package state

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/defistate/amm-engine-go/engine"
)

// Diff summarizes the changes between two snapshots. Changed carries the
// full new view for added and modified pools; Removed lists pools that left
// the registry.
type Diff struct {
	Timestamp uint64 `json:"timestamp"`
	FromSeq   uint64 `json:"fromSeq"`
	ToSeq     uint64 `json:"toSeq"`

	Changed map[common.Address]engine.PoolView `json:"changed,omitempty"`
	Removed []common.Address                   `json:"removed,omitempty"`
}

// CloneView deep-copies a pool view so the result can be mutated freely.
func CloneView(v engine.PoolView) engine.PoolView {
	out := v
	out.Reserve0 = cloneBig(v.Reserve0)
	out.Reserve1 = cloneBig(v.Reserve1)
	out.TotalSupply = cloneBig(v.TotalSupply)
	out.Token0Managed = cloneBig(v.Token0Managed)
	out.Token1Managed = cloneBig(v.Token1Managed)
	return out
}

func cloneBig(v *big.Int) *big.Int {
	if v == nil {
		return nil
	}
	return new(big.Int).Set(v)
}

// viewsEqual compares every externally visible field.
func viewsEqual(a, b engine.PoolView) bool {
	return a.Addr == b.Addr &&
		a.Token0 == b.Token0 &&
		a.Token1 == b.Token1 &&
		a.Curve == b.Curve &&
		bigEqual(a.Reserve0, b.Reserve0) &&
		bigEqual(a.Reserve1, b.Reserve1) &&
		bigEqual(a.TotalSupply, b.TotalSupply) &&
		bigEqual(a.Token0Managed, b.Token0Managed) &&
		bigEqual(a.Token1Managed, b.Token1Managed) &&
		a.SwapFeePPM == b.SwapFeePPM &&
		a.PlatformFeePPM == b.PlatformFeePPM &&
		a.BlockTimestampLast == b.BlockTimestampLast &&
		a.ObservationIndex == b.ObservationIndex
}

func bigEqual(a, b *big.Int) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Cmp(b) == 0
}
