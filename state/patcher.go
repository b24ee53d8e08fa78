package state

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/defistate/amm-engine-go/engine"
)

// Patcher applies diffs to snapshots. It uses structural sharing: unchanged
// pool views are carried over by value, changed ones are replaced by the
// deep copies the diff carries.
type Patcher struct{}

// NewPatcher constructs a patcher.
func NewPatcher() *Patcher { return &Patcher{} }

// Patch produces the snapshot that results from applying diff to oldState.
// oldState is never mutated.
func (p *Patcher) Patch(oldState *engine.State, diff *Diff) (*engine.State, error) {
	if oldState.Seq != diff.FromSeq {
		return nil, fmt.Errorf("patcher: mismatched fromSeq (state=%d, diff=%d)", oldState.Seq, diff.FromSeq)
	}

	newPools := make(map[common.Address]engine.PoolView, len(oldState.Pools))
	for addr, view := range oldState.Pools {
		newPools[addr] = view
	}
	for addr, view := range diff.Changed {
		newPools[addr] = CloneView(view)
	}
	for _, addr := range diff.Removed {
		delete(newPools, addr)
	}

	return &engine.State{
		Seq:       diff.ToSeq,
		Timestamp: diff.Timestamp,
		Pools:     newPools,
	}, nil
}
