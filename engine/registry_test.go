package engine

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
)

type stubPool struct {
	addr     common.Address
	reserve0 int64
}

func (s *stubPool) Address() common.Address { return s.addr }

func (s *stubPool) View() PoolView {
	return PoolView{
		Addr:     s.addr,
		Curve:    ConstantProduct,
		Reserve0: big.NewInt(s.reserve0),
		Reserve1: big.NewInt(1),
	}
}

func TestRegistrySnapshot(t *testing.T) {
	clock := uint64(1_700_000_000)
	r := NewRegistry(func() uint64 { return clock })

	a := &stubPool{addr: common.HexToAddress("0x01"), reserve0: 100}
	b := &stubPool{addr: common.HexToAddress("0x02"), reserve0: 200}
	r.Add(a)
	r.Add(b)
	assert.Equal(t, 2, r.Len())

	s1 := r.Snapshot()
	assert.Equal(t, uint64(1), s1.Seq)
	assert.Equal(t, clock, s1.Timestamp)
	assert.Len(t, s1.Pools, 2)
	assert.Equal(t, 0, big.NewInt(100).Cmp(s1.Pools[a.addr].Reserve0))

	// Snapshots reflect live state under monotonic sequence numbers.
	a.reserve0 = 150
	clock += 10
	r.Remove(b.addr)
	s2 := r.Snapshot()
	assert.Equal(t, uint64(2), s2.Seq)
	assert.Len(t, s2.Pools, 1)
	assert.Equal(t, 0, big.NewInt(150).Cmp(s2.Pools[a.addr].Reserve0))

	// The earlier snapshot is unaffected.
	assert.Equal(t, 0, big.NewInt(100).Cmp(s1.Pools[a.addr].Reserve0))
	assert.Len(t, s1.Pools, 2)
}

func TestRegistryAddReplaces(t *testing.T) {
	r := NewRegistry(nil)
	addr := common.HexToAddress("0x01")

	r.Add(&stubPool{addr: addr, reserve0: 1})
	r.Add(&stubPool{addr: addr, reserve0: 2})
	assert.Equal(t, 1, r.Len())

	s := r.Snapshot()
	assert.Equal(t, 0, big.NewInt(2).Cmp(s.Pools[addr].Reserve0))
}

func TestCurveKindString(t *testing.T) {
	assert.Equal(t, "constant-product", ConstantProduct.String())
	assert.Equal(t, "stable", Stable.String())
	assert.Equal(t, "unknown", CurveKind(9).String())
}
