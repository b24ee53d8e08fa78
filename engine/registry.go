package engine

import (
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// PoolViewer produces the externally visible view of one pool.
type PoolViewer interface {
	Address() common.Address
	View() PoolView
}

// Registry tracks live pools and produces sequenced state snapshots for
// diffing and distribution.
type Registry struct {
	mu    sync.Mutex
	seq   uint64
	pools map[common.Address]PoolViewer
	clock func() uint64
}

// NewRegistry creates a registry. clock may be nil to use the wall clock.
func NewRegistry(clock func() uint64) *Registry {
	if clock == nil {
		clock = func() uint64 { return uint64(time.Now().Unix()) }
	}
	return &Registry{
		pools: make(map[common.Address]PoolViewer),
		clock: clock,
	}
}

// Add registers a pool, replacing any previous entry at the same address.
func (r *Registry) Add(p PoolViewer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pools[p.Address()] = p
}

// Remove drops a pool from the registry.
func (r *Registry) Remove(addr common.Address) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.pools, addr)
}

// Len returns the number of registered pools.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pools)
}

// Snapshot captures every registered pool's view under the next sequence
// number.
func (r *Registry) Snapshot() *State {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.seq++
	views := make(map[common.Address]PoolView, len(r.pools))
	for addr, p := range r.pools {
		views[addr] = p.View()
	}
	return &State{
		Seq:       r.seq,
		Timestamp: r.clock(),
		Pools:     views,
	}
}
