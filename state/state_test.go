package state

import (
	"io"
	"log/slog"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/defistate/amm-engine-go/engine"
)

var (
	poolA = common.HexToAddress("0x0100")
	poolB = common.HexToAddress("0x0101")
	poolC = common.HexToAddress("0x0102")
)

func newTestDiffer(t *testing.T) *Differ {
	t.Helper()
	d, err := NewDiffer(&DifferConfig{
		Registry: prometheus.NewRegistry(),
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(t, err)
	return d
}

func makeView(addr common.Address, reserve0, reserve1 int64) engine.PoolView {
	return engine.PoolView{
		Addr:          addr,
		Token0:        common.HexToAddress("0x01"),
		Token1:        common.HexToAddress("0x02"),
		Curve:         engine.ConstantProduct,
		Reserve0:      big.NewInt(reserve0),
		Reserve1:      big.NewInt(reserve1),
		TotalSupply:   big.NewInt(reserve0 + reserve1),
		Token0Managed: big.NewInt(0),
		Token1Managed: big.NewInt(0),
		SwapFeePPM:    3000,
	}
}

func makeState(seq uint64, views ...engine.PoolView) *engine.State {
	pools := make(map[common.Address]engine.PoolView, len(views))
	for _, v := range views {
		pools[v.Addr] = v
	}
	return &engine.State{Seq: seq, Timestamp: 1_700_000_000 + seq, Pools: pools}
}

func TestDifferConfigValidate(t *testing.T) {
	_, err := NewDiffer(&DifferConfig{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})
	require.Error(t, err)
	_, err = NewDiffer(&DifferConfig{Registry: prometheus.NewRegistry()})
	require.Error(t, err)
}

func TestDiffDetectsChanges(t *testing.T) {
	d := newTestDiffer(t)

	old := makeState(1, makeView(poolA, 100, 200), makeView(poolB, 10, 20), makeView(poolC, 1, 2))

	// A changes, B is untouched, C leaves, and a new pool arrives.
	poolD := common.HexToAddress("0x0103")
	next := makeState(2, makeView(poolA, 150, 140), makeView(poolB, 10, 20), makeView(poolD, 5, 6))

	diff, err := d.Diff(old, next)
	require.NoError(t, err)

	assert.Equal(t, uint64(1), diff.FromSeq)
	assert.Equal(t, uint64(2), diff.ToSeq)
	assert.Len(t, diff.Changed, 2)
	assert.Contains(t, diff.Changed, poolA)
	assert.Contains(t, diff.Changed, poolD)
	assert.NotContains(t, diff.Changed, poolB)
	assert.Equal(t, []common.Address{poolC}, diff.Removed)
}

func TestDiffEmptyOnIdenticalStates(t *testing.T) {
	d := newTestDiffer(t)

	old := makeState(1, makeView(poolA, 100, 200))
	next := makeState(2, makeView(poolA, 100, 200))

	diff, err := d.Diff(old, next)
	require.NoError(t, err)
	assert.Empty(t, diff.Changed)
	assert.Empty(t, diff.Removed)
}

func TestDiffRejectsSequenceRegression(t *testing.T) {
	d := newTestDiffer(t)

	old := makeState(5, makeView(poolA, 100, 200))
	next := makeState(4, makeView(poolA, 100, 200))

	_, err := d.Diff(old, next)
	require.Error(t, err)
}

// The diff owns copies: mutating the source state afterwards must not leak
// into it.
func TestDiffCopiesViews(t *testing.T) {
	d := newTestDiffer(t)

	old := makeState(1)
	next := makeState(2, makeView(poolA, 100, 200))

	diff, err := d.Diff(old, next)
	require.NoError(t, err)

	next.Pools[poolA].Reserve0.SetInt64(0)
	assert.Equal(t, 0, big.NewInt(100).Cmp(diff.Changed[poolA].Reserve0))
}

func TestPatchReproducesSnapshot(t *testing.T) {
	d := newTestDiffer(t)
	p := NewPatcher()

	old := makeState(1, makeView(poolA, 100, 200), makeView(poolB, 10, 20), makeView(poolC, 1, 2))
	poolD := common.HexToAddress("0x0103")
	next := makeState(2, makeView(poolA, 150, 140), makeView(poolB, 10, 20), makeView(poolD, 5, 6))

	diff, err := d.Diff(old, next)
	require.NoError(t, err)

	patched, err := p.Patch(old, diff)
	require.NoError(t, err)

	assert.Equal(t, next.Seq, patched.Seq)
	require.Len(t, patched.Pools, len(next.Pools))
	for addr, want := range next.Pools {
		assert.True(t, viewsEqual(want, patched.Pools[addr]), "pool %s diverged", addr)
	}

	// The old state is untouched.
	assert.Len(t, old.Pools, 3)
	assert.Equal(t, 0, big.NewInt(100).Cmp(old.Pools[poolA].Reserve0))
}

func TestPatchRejectsSequenceMismatch(t *testing.T) {
	p := NewPatcher()

	old := makeState(3, makeView(poolA, 100, 200))
	diff := &Diff{FromSeq: 1, ToSeq: 2}

	_, err := p.Patch(old, diff)
	require.Error(t, err)
}

func TestCloneViewIsDeep(t *testing.T) {
	v := makeView(poolA, 100, 200)
	c := CloneView(v)

	v.Reserve0.SetInt64(0)
	v.TotalSupply.SetInt64(0)
	assert.Equal(t, 0, big.NewInt(100).Cmp(c.Reserve0))
	assert.Equal(t, 0, big.NewInt(300).Cmp(c.TotalSupply))
}
