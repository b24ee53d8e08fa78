// Command simulator drives a deterministic trading scenario against an
// in-memory engine: a constant-product pool, a managed stable pool with
// yield vaults, random swaps and liquidity events, an amplification ramp,
// and snapshot diff/patch verification on every sampling step.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"math/big"
	"math/rand"
	"os"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/defistate/amm-engine-go/assetmanager"
	"github.com/defistate/amm-engine-go/engine"
	"github.com/defistate/amm-engine-go/factory"
	"github.com/defistate/amm-engine-go/oracle"
	"github.com/defistate/amm-engine-go/pool"
	"github.com/defistate/amm-engine-go/state"
	"github.com/defistate/amm-engine-go/tokens"
	"github.com/defistate/amm-engine-go/vault"
)

var (
	weth = common.HexToAddress("0x0000000000000000000000000000000000000001")
	usdc = common.HexToAddress("0x0000000000000000000000000000000000000002")
	dai  = common.HexToAddress("0x0000000000000000000000000000000000000003")

	cpPoolAddr     = common.HexToAddress("0x0000000000000000000000000000000000000100")
	stablePoolAddr = common.HexToAddress("0x0000000000000000000000000000000000000101")
	usdcVaultAddr  = common.HexToAddress("0x0000000000000000000000000000000000000200")
	daiVaultAddr   = common.HexToAddress("0x0000000000000000000000000000000000000201")
	managerAddr    = common.HexToAddress("0x0000000000000000000000000000000000000300")

	owner    = common.HexToAddress("0x0000000000000000000000000000000000000a01")
	guardian = common.HexToAddress("0x0000000000000000000000000000000000000a02")
	treasury = common.HexToAddress("0x0000000000000000000000000000000000000a03")
	alice    = common.HexToAddress("0x0000000000000000000000000000000000000b01")
	bob      = common.HexToAddress("0x0000000000000000000000000000000000000b02")
)

// simClock is the scenario's notion of block time.
type simClock struct{ now uint64 }

func (c *simClock) Now() uint64 { return c.now }

// yieldClaimer models an external reward stream by minting into the
// manager's account when harvested.
type yieldClaimer struct {
	ledger *tokens.Ledger
	token  common.Address
	amount *big.Int
}

func (c *yieldClaimer) Claim() (common.Address, *big.Int, error) {
	if err := c.ledger.Mint(c.token, managerAddr, c.amount); err != nil {
		return common.Address{}, nil, err
	}
	return c.token, new(big.Int).Set(c.amount), nil
}

func main() {
	steps := flag.Int("steps", 500, "number of scenario steps to run")
	seed := flag.Int64("seed", 1, "deterministic RNG seed")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	registry := prometheus.NewRegistry()

	if err := run(logger, registry, *steps, *seed); err != nil {
		logger.Error("simulation failed", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger, registry *prometheus.Registry, steps int, seed int64) error {
	rng := rand.New(rand.NewSource(seed))
	clock := &simClock{now: 1_700_000_000}
	ledger := tokens.NewLedger()

	// Clamp allowance: 0.05% per second, at most 2% per trade.
	store := factory.NewStore(owner, treasury, map[factory.Key]*big.Int{
		factory.KeyDefaultSwapFeePPM:     big.NewInt(3000),
		factory.KeyDefaultPlatformFeePPM: big.NewInt(166_667),
		factory.KeyMaxChangeRate:         big.NewInt(500_000_000_000_000),
		factory.KeyMaxChangePerTrade:     big.NewInt(20_000_000_000_000_000),
	})

	cpPool, err := pool.New(pool.Config{
		Addr: cpPoolAddr, Token0: weth, Token1: usdc,
		Decimals0: 18, Decimals1: 6,
		Curve:  engine.ConstantProduct,
		Ledger: ledger, Store: store,
		Logger:     logger.With("component", "pool", "pair", "WETH/USDC"),
		Registerer: registry,
		Clock:      clock.Now,
	})
	if err != nil {
		return err
	}

	stablePool, err := pool.New(pool.Config{
		Addr: stablePoolAddr, Token0: usdc, Token1: dai,
		Decimals0: 6, Decimals1: 18,
		Curve:          engine.Stable,
		AmplificationA: 200,
		Ledger:         ledger, Store: store,
		Logger:     logger.With("component", "pool", "pair", "USDC/DAI"),
		Registerer: registry,
		Clock:      clock.Now,
	})
	if err != nil {
		return err
	}

	manager, err := assetmanager.New(assetmanager.Config{
		Addr: managerAddr, Owner: owner, Guardian: guardian,
		Ledger: ledger,
		Logger: logger.With("component", "assetmanager"),
		// Keep 10%-40% of each reserve at work.
		LowerThreshold: big.NewInt(100_000_000_000_000_000),
		UpperThreshold: big.NewInt(400_000_000_000_000_000),
	})
	if err != nil {
		return err
	}
	manager.RegisterPool(stablePool)
	if err := manager.SetVault(owner, usdc, vault.New(usdcVaultAddr, usdc, ledger)); err != nil {
		return err
	}
	if err := manager.SetVault(owner, dai, vault.New(daiVaultAddr, dai, ledger)); err != nil {
		return err
	}
	if err := stablePool.SetManager(manager); err != nil {
		return err
	}

	poolRegistry := engine.NewRegistry(clock.Now)
	poolRegistry.Add(cpPool)
	poolRegistry.Add(stablePool)

	differ, err := state.NewDiffer(&state.DifferConfig{
		Registry: registry,
		Logger:   logger.With("component", "differ"),
	})
	if err != nil {
		return err
	}
	patcher := state.NewPatcher()

	if err := seedLiquidity(ledger, cpPool, stablePool); err != nil {
		return err
	}

	claimer := &yieldClaimer{ledger: ledger, token: dai, amount: e18(50)}
	prev := poolRegistry.Snapshot()
	tracked := prev

	for step := 1; step <= steps; step++ {
		clock.now += uint64(1 + rng.Intn(13))

		switch {
		case step%50 == 25:
			if err := randomLiquidityEvent(rng, ledger, cpPool, stablePool); err != nil {
				return fmt.Errorf("step %d liquidity: %w", step, err)
			}
		case step%25 == 10:
			// Claimed yield becomes vault shares credited to the funding
			// pool; the next pool operation reconciles it into the reserves.
			if err := manager.DistributeRewards(guardian, claimer, []common.Address{stablePoolAddr}); err != nil {
				return fmt.Errorf("step %d rewards: %w", step, err)
			}
		default:
			if err := randomSwap(rng, ledger, cpPool, stablePool); err != nil {
				return fmt.Errorf("step %d swap: %w", step, err)
			}
		}

		if step == steps/2 {
			if err := stablePool.RampA(owner, 400, clock.now+3*86400); err != nil {
				return fmt.Errorf("amplification ramp: %w", err)
			}
		}

		if step%10 == 0 {
			next := poolRegistry.Snapshot()
			diff, err := differ.Diff(prev, next)
			if err != nil {
				return err
			}
			patched, err := patcher.Patch(tracked, diff)
			if err != nil {
				return err
			}
			if err := verifySnapshot(patched, next); err != nil {
				return fmt.Errorf("step %d: %w", step, err)
			}
			prev, tracked = next, patched
		}
	}

	return report(logger, cpPool, stablePool)
}

func seedLiquidity(ledger *tokens.Ledger, cpPool, stablePool *pool.Pool) error {
	mints := []struct {
		token  common.Address
		holder common.Address
		amount *big.Int
	}{
		{weth, alice, e18(10_000)}, {usdc, alice, e6(40_000_000)}, {dai, alice, e18(20_000_000)},
		{weth, bob, e18(1_000)}, {usdc, bob, e6(4_000_000)}, {dai, bob, e18(2_000_000)},
	}
	for _, m := range mints {
		if err := ledger.Mint(m.token, m.holder, m.amount); err != nil {
			return err
		}
	}

	// 1000 WETH against 2,000,000 USDC prices WETH at 2000.
	if err := ledger.Transfer(weth, alice, cpPool.Address(), e18(1_000)); err != nil {
		return err
	}
	if err := ledger.Transfer(usdc, alice, cpPool.Address(), e6(2_000_000)); err != nil {
		return err
	}
	if _, err := cpPool.Mint(alice); err != nil {
		return err
	}

	if err := ledger.Transfer(usdc, alice, stablePool.Address(), e6(5_000_000)); err != nil {
		return err
	}
	if err := ledger.Transfer(dai, alice, stablePool.Address(), e18(5_000_000)); err != nil {
		return err
	}
	_, err := stablePool.Mint(alice)
	return err
}

func randomSwap(rng *rand.Rand, ledger *tokens.Ledger, cpPool, stablePool *pool.Pool) error {
	if rng.Intn(2) == 0 {
		// WETH/USDC, up to ~5 WETH per trade.
		amountIn := new(big.Int).Rand(rng, e18(5))
		amountIn.Add(amountIn, big.NewInt(1))
		signed := new(big.Int).Set(amountIn)
		tokenIn := weth
		if rng.Intn(2) == 1 {
			amountIn = new(big.Int).Rand(rng, e6(10_000))
			amountIn.Add(amountIn, big.NewInt(1))
			signed = new(big.Int).Neg(amountIn)
			tokenIn = usdc
		}
		if err := ledger.Transfer(tokenIn, bob, cpPool.Address(), amountIn); err != nil {
			return err
		}
		_, err := cpPool.Swap(signed, true, bob, nil, nil)
		return err
	}

	amountIn := new(big.Int).Rand(rng, e6(20_000))
	amountIn.Add(amountIn, big.NewInt(1))
	signed := new(big.Int).Set(amountIn)
	tokenIn := usdc
	if rng.Intn(2) == 1 {
		amountIn = new(big.Int).Rand(rng, e18(20_000))
		amountIn.Add(amountIn, big.NewInt(1))
		signed = new(big.Int).Neg(amountIn)
		tokenIn = dai
	}
	if err := ledger.Transfer(tokenIn, bob, stablePool.Address(), amountIn); err != nil {
		return err
	}
	_, err := stablePool.Swap(signed, true, bob, nil, nil)
	return err
}

func randomLiquidityEvent(rng *rand.Rand, ledger *tokens.Ledger, cpPool, stablePool *pool.Pool) error {
	if rng.Intn(2) == 0 {
		if err := ledger.Transfer(usdc, alice, stablePool.Address(), e6(100_000)); err != nil {
			return err
		}
		if err := ledger.Transfer(dai, alice, stablePool.Address(), e18(90_000)); err != nil {
			return err
		}
		_, err := stablePool.Mint(alice)
		return err
	}

	lp := ledger.BalanceOf(cpPool.Address(), alice)
	if lp.Sign() == 0 {
		return nil
	}
	burn := new(big.Int).Div(lp, big.NewInt(100))
	if burn.Sign() == 0 {
		return nil
	}
	if err := ledger.Transfer(cpPool.Address(), alice, cpPool.Address(), burn); err != nil {
		return err
	}
	_, _, err := cpPool.Burn(alice)
	return err
}

func verifySnapshot(patched, direct *engine.State) error {
	a, err := json.Marshal(patched)
	if err != nil {
		return err
	}
	b, err := json.Marshal(direct)
	if err != nil {
		return err
	}
	if !bytes.Equal(a, b) {
		return fmt.Errorf("patched snapshot diverged from direct snapshot at seq %d", direct.Seq)
	}
	return nil
}

func report(logger *slog.Logger, pools ...*pool.Pool) error {
	for _, p := range pools {
		orc := p.Oracle()
		newest, ok := orc.Latest()
		if !ok {
			continue
		}
		// Walk back roughly an hour of observations for the TWAP window.
		var older oracle.Observation
		found := false
		for i := uint16(0); i < orc.Capacity(); i++ {
			obs, ok := orc.At(i)
			if !ok {
				continue
			}
			if obs.Timestamp < newest.Timestamp && newest.Timestamp-obs.Timestamp <= 3600 {
				if !found || obs.Timestamp < older.Timestamp {
					older, found = obs, true
				}
			}
		}
		if !found {
			continue
		}
		rawTWAP, err := oracle.TWAP(older, newest, false)
		if err != nil {
			return err
		}
		clampedTWAP, err := oracle.TWAP(older, newest, true)
		if err != nil {
			return err
		}
		reserve0, reserve1 := p.Reserves()
		logger.Info("pool report",
			"pool", p.Address(),
			"curve", p.Curve().String(),
			"reserve0", reserve0, "reserve1", reserve1,
			"totalSupply", p.TotalSupply(),
			"twapRaw", rawTWAP, "twapClamped", clampedTWAP,
			"window", newest.Timestamp-older.Timestamp)
	}
	return nil
}

func e18(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil))
}

func e6(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), new(big.Int).Exp(big.NewInt(10), big.NewInt(6), nil))
}
