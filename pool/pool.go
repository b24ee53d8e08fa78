// Package pool implements the two-asset liquidity pool ledger: reserve
// accounting with a 104-bit ceiling, mint/burn/swap settlement on either the
// constant-product or the amplified stable curve, platform-fee capture on
// invariant growth, the per-pool price oracle, and the asset-manager
// reconciliation protocol.
package pool

import (
	"bytes"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/defistate/amm-engine-go/curves/stableswap"
	"github.com/defistate/amm-engine-go/engine"
	"github.com/defistate/amm-engine-go/factory"
	"github.com/defistate/amm-engine-go/oracle"
)

var fixedOne = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)

// Config carries everything needed to construct a Pool.
type Config struct {
	// Addr is the pool's own ledger account. It doubles as the LP token
	// identifier on the ledger.
	Addr common.Address

	// Token0 and Token1 must be distinct and in canonical (byte-ascending)
	// order.
	Token0 common.Address
	Token1 common.Address

	Decimals0 uint8
	Decimals1 uint8

	Curve engine.CurveKind

	// AmplificationA is the unscaled initial amplification coefficient.
	// Required for stable pools, ignored otherwise.
	AmplificationA uint64

	// OracleCapacity is the observation ring size; zero selects the default.
	OracleCapacity uint16

	Ledger TokenLedger
	Store  ParameterStore
	Logger engine.Logger

	// Registerer is optional; nil disables pool metrics.
	Registerer prometheus.Registerer

	// Clock returns the current unix time in seconds. Defaults to the wall
	// clock; tests and the simulator inject their own.
	Clock func() uint64
}

func (c Config) validate() error {
	if c.Token0 == c.Token1 {
		return fmt.Errorf("invalid config: identical tokens %s", c.Token0)
	}
	if bytes.Compare(c.Token0.Bytes(), c.Token1.Bytes()) > 0 {
		return fmt.Errorf("invalid config: tokens not in canonical order")
	}
	if c.Decimals0 > 18 || c.Decimals1 > 18 {
		return fmt.Errorf("invalid config: %w", stableswap.ErrUnsupportedDecimals)
	}
	if c.Curve != engine.ConstantProduct && c.Curve != engine.Stable {
		return fmt.Errorf("invalid config: unknown curve kind %d", c.Curve)
	}
	if c.Curve == engine.Stable && (c.AmplificationA == 0 || c.AmplificationA > MaxAmplification) {
		return fmt.Errorf("invalid config: %w: %d", ErrInvalidAmplification, c.AmplificationA)
	}
	if c.Ledger == nil {
		return fmt.Errorf("invalid config: no token ledger")
	}
	if c.Store == nil {
		return fmt.Errorf("invalid config: no parameter store")
	}
	if c.Logger == nil {
		return fmt.Errorf("invalid config: no logger")
	}
	return nil
}

// Pool is a single two-asset liquidity pool. It is NOT safe for concurrent
// use: the host serializes all entrypoints, and the explicit call-state
// guard exists to reject re-entrancy from callees on the same call stack,
// not to synchronize goroutines.
type Pool struct {
	addr   common.Address
	token0 common.Address
	token1 common.Address
	dec0   uint8
	dec1   uint8
	mul0   *big.Int
	mul1   *big.Int
	curve  engine.CurveKind

	ledger  TokenLedger
	store   ParameterStore
	log     engine.Logger
	metrics *Metrics
	clock   func() uint64

	oracle *oracle.Oracle

	guard callState
	// managerWindow marks the sanctioned callback windows in which the
	// asset manager may call AdjustManagement despite the guard being held.
	managerWindow bool

	manager       AssetManager
	reserve0      *big.Int
	reserve1      *big.Int
	totalSupply   *big.Int
	token0Managed *big.Int
	token1Managed *big.Int

	blockTimestampLast uint64

	// Constant-product platform-fee reference.
	kLast *big.Int

	// Stable amplification ramp (values carry APrecision) and the
	// platform-fee reference invariant recorded at the last liquidity event.
	initialA         uint64
	futureA          uint64
	initialATime     uint64
	futureATime      uint64
	lastInvariant    *big.Int
	lastInvariantAmp uint64
}

// New constructs a pool from cfg. Oracle clamp parameters are read from the
// parameter store once, at construction.
func New(cfg Config) (*Pool, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	mul0, err := stableswap.PrecisionMultiplier(cfg.Decimals0)
	if err != nil {
		return nil, err
	}
	mul1, err := stableswap.PrecisionMultiplier(cfg.Decimals1)
	if err != nil {
		return nil, err
	}

	maxRate, err := cfg.Store.Get(cfg.Addr, factory.KeyMaxChangeRate)
	if err != nil {
		return nil, fmt.Errorf("oracle params: %w", err)
	}
	maxPerTrade, err := cfg.Store.Get(cfg.Addr, factory.KeyMaxChangePerTrade)
	if err != nil {
		return nil, fmt.Errorf("oracle params: %w", err)
	}
	capacity := cfg.OracleCapacity
	if capacity == 0 {
		capacity = oracle.DefaultCapacity
	}
	orc, err := oracle.New(capacity, oracle.Params{
		MaxChangeRate:     maxRate,
		MaxChangePerTrade: maxPerTrade,
	})
	if err != nil {
		return nil, err
	}

	var metrics *Metrics
	if cfg.Registerer != nil {
		metrics, err = NewMetrics(cfg.Registerer)
		if err != nil {
			return nil, err
		}
	}

	clock := cfg.Clock
	if clock == nil {
		clock = func() uint64 { return uint64(time.Now().Unix()) }
	}

	scaledA := cfg.AmplificationA * stableswap.APrecision
	return &Pool{
		addr:          cfg.Addr,
		token0:        cfg.Token0,
		token1:        cfg.Token1,
		dec0:          cfg.Decimals0,
		dec1:          cfg.Decimals1,
		mul0:          mul0,
		mul1:          mul1,
		curve:         cfg.Curve,
		ledger:        cfg.Ledger,
		store:         cfg.Store,
		log:           cfg.Logger,
		metrics:       metrics,
		clock:         clock,
		oracle:        orc,
		reserve0:      new(big.Int),
		reserve1:      new(big.Int),
		totalSupply:   new(big.Int),
		token0Managed: new(big.Int),
		token1Managed: new(big.Int),
		kLast:         new(big.Int),
		initialA:      scaledA,
		futureA:       scaledA,
		lastInvariant: new(big.Int),
	}, nil
}

// Address returns the pool's ledger account, which is also its LP token.
func (p *Pool) Address() common.Address { return p.addr }

// Tokens returns the pool's token pair in canonical order.
func (p *Pool) Tokens() (common.Address, common.Address) { return p.token0, p.token1 }

// Curve returns the pricing curve kind.
func (p *Pool) Curve() engine.CurveKind { return p.curve }

// Reserves returns deep copies of the current reserves.
func (p *Pool) Reserves() (*big.Int, *big.Int) {
	return new(big.Int).Set(p.reserve0), new(big.Int).Set(p.reserve1)
}

// ManagedBalances returns deep copies of the managed portions of the reserves.
func (p *Pool) ManagedBalances() (*big.Int, *big.Int) {
	return new(big.Int).Set(p.token0Managed), new(big.Int).Set(p.token1Managed)
}

// TotalSupply returns the outstanding LP token supply.
func (p *Pool) TotalSupply() *big.Int { return new(big.Int).Set(p.totalSupply) }

// Manager returns the current asset manager, nil for unmanaged pools.
func (p *Pool) Manager() AssetManager { return p.manager }

// Oracle exposes the pool's observation ring for TWAP consumers.
func (p *Pool) Oracle() *oracle.Oracle { return p.oracle }

// View snapshots the externally visible pool state.
func (p *Pool) View() engine.PoolView {
	swapFee, _ := p.swapFeePPM()
	platformFee, _ := p.platformFeePPM()
	return engine.PoolView{
		Addr:               p.addr,
		Token0:             p.token0,
		Token1:             p.token1,
		Curve:              p.curve,
		Reserve0:           new(big.Int).Set(p.reserve0),
		Reserve1:           new(big.Int).Set(p.reserve1),
		TotalSupply:        new(big.Int).Set(p.totalSupply),
		Token0Managed:      new(big.Int).Set(p.token0Managed),
		Token1Managed:      new(big.Int).Set(p.token1Managed),
		SwapFeePPM:         swapFee,
		PlatformFeePPM:     platformFee,
		BlockTimestampLast: p.blockTimestampLast,
		ObservationIndex:   p.oracle.Index(),
	}
}

// SetManager installs or replaces the asset manager. A manager holding
// managed funds must divest fully before being replaced.
func (p *Pool) SetManager(manager AssetManager) error {
	if err := p.lock(); err != nil {
		return err
	}
	defer p.unlock()

	if p.token0Managed.Sign() != 0 || p.token1Managed.Sign() != 0 {
		return ErrManagerOutstanding
	}
	p.manager = manager
	return nil
}

func (p *Pool) lock() error {
	if p.guard != stateIdle {
		return ErrReentrantCall
	}
	p.guard = stateInCall
	return nil
}

func (p *Pool) unlock() { p.guard = stateIdle }

func (p *Pool) swapFeePPM() (uint32, error) {
	return p.feePPM(factory.KeyDefaultSwapFeePPM)
}

func (p *Pool) platformFeePPM() (uint32, error) {
	return p.feePPM(factory.KeyDefaultPlatformFeePPM)
}

func (p *Pool) feePPM(key factory.Key) (uint32, error) {
	v, err := p.store.Get(p.addr, key)
	if err != nil {
		return 0, err
	}
	if !v.IsUint64() || v.Uint64() >= 1_000_000 {
		return 0, fmt.Errorf("parameter %q out of range: %s", key, v)
	}
	return uint32(v.Uint64()), nil
}

// currentA returns the amplification coefficient (carrying APrecision) at
// the current clock, interpolated along any active ramp.
func (p *Pool) currentA() uint64 {
	return stableswap.CurrentA(p.initialA, p.futureA, p.initialATime, p.futureATime, p.clock())
}

// currentNA returns 2*A*APrecision, the form the curve functions consume.
func (p *Pool) currentNA() *big.Int {
	return new(big.Int).SetUint64(2 * p.currentA())
}

// syncManaged reconciles the reserves with the manager's reported balances
// before any operation prices against them. Gains raise the reserve, losses
// lower it.
func (p *Pool) syncManaged() error {
	if p.manager == nil {
		return nil
	}
	if err := p.syncManagedToken(p.token0, p.reserve0, p.token0Managed); err != nil {
		return err
	}
	return p.syncManagedToken(p.token1, p.reserve1, p.token1Managed)
}

func (p *Pool) syncManagedToken(token common.Address, reserve, managed *big.Int) error {
	reported := p.manager.GetBalance(p.addr, token)
	if reported == nil {
		reported = new(big.Int)
	}
	if reported.Cmp(managed) == 0 {
		return nil
	}

	next := new(big.Int).Add(reserve, reported)
	next.Sub(next, managed)
	if next.Sign() < 0 {
		return fmt.Errorf("%w: token %s managed loss exceeds reserve", ErrNegativeReserve, token)
	}
	if next.Cmp(MaxReserve) > 0 {
		return fmt.Errorf("%w: token %s after managed gain", ErrReserveOverflow, token)
	}

	p.log.Debug("managed balance reconciled",
		"pool", p.addr, "token", token, "managed", managed, "reported", reported)
	reserve.Set(next)
	managed.Set(reported)
	return nil
}

// totalBalance is the pool's full claim on token: the physical ledger
// balance plus the portion out with the manager.
func (p *Pool) totalBalance(token common.Address, managed *big.Int) *big.Int {
	bal := p.ledger.BalanceOf(token, p.addr)
	return bal.Add(bal, managed)
}

// update settles new balances into the reserves and writes the oracle. The
// 104-bit ceiling is enforced here for every path that moves reserves.
func (p *Pool) update(balance0, balance1 *big.Int) error {
	if balance0.Cmp(MaxReserve) > 0 || balance1.Cmp(MaxReserve) > 0 {
		return ErrReserveOverflow
	}
	if balance0.Sign() < 0 || balance1.Sign() < 0 {
		return ErrNegativeReserve
	}

	now := p.clock()
	if balance0.Sign() > 0 && balance1.Sign() > 0 {
		price, err := p.instantPrice(balance0, balance1)
		if err != nil {
			p.log.Warn("oracle price unavailable, observation skipped",
				"pool", p.addr, "err", err)
		} else if err := p.oracle.Write(price, now); err != nil {
			p.log.Warn("oracle write rejected, observation skipped",
				"pool", p.addr, "err", err)
		}
	}

	p.reserve0.Set(balance0)
	p.reserve1.Set(balance1)
	p.blockTimestampLast = now
	return nil
}

// instantPrice derives the unclamped spot price of token0 in token1 (1e18
// fixed point, normalized decimals) from the curve at the given balances.
func (p *Pool) instantPrice(balance0, balance1 *big.Int) (*big.Int, error) {
	x := new(big.Int).Mul(balance0, p.mul0)
	y := new(big.Int).Mul(balance1, p.mul1)

	if p.curve == engine.ConstantProduct {
		price := new(big.Int).Mul(y, fixedOne)
		return price.Div(price, x), nil
	}
	return stableSpotPrice(x, y, p.currentNA())
}

// stableSpotPrice evaluates dy/dx of the amplified invariant at (x, y):
//
//	price = (4*nA*x^2*y + APrec*D^3) * y / ((4*nA*x*y^2 + APrec*D^3) * x)
func stableSpotPrice(x, y, nA *big.Int) (*big.Int, error) {
	d, err := stableswap.ComputeD(x, y, nA)
	if err != nil {
		return nil, err
	}

	d3 := new(big.Int).Mul(d, d)
	d3.Mul(d3, d)
	d3.Mul(d3, big.NewInt(stableswap.APrecision))

	xxy := new(big.Int).Mul(x, x)
	xxy.Mul(xxy, y)
	num := new(big.Int).Mul(nA, big.NewInt(4))
	num.Mul(num, xxy)
	num.Add(num, d3)
	num.Mul(num, y)
	num.Mul(num, fixedOne)

	xyy := new(big.Int).Mul(y, y)
	xyy.Mul(xyy, x)
	den := new(big.Int).Mul(nA, big.NewInt(4))
	den.Mul(den, xyy)
	den.Add(den, d3)
	den.Mul(den, x)

	return num.Div(num, den), nil
}

// notifyManager runs the post-liquidity-event rebalance window. Rebalancing
// is advisory: a manager failure is logged, never propagated, so liquidity
// operations cannot be blocked by a misbehaving manager.
func (p *Pool) notifyManager() {
	if p.manager == nil {
		return
	}
	p.managerWindow = true
	err := p.manager.AfterLiquidityEvent(p.addr)
	p.managerWindow = false
	if err != nil {
		p.log.Warn("manager rebalance failed", "pool", p.addr, "err", err)
	}
}

// transferOut pays amount of the pool's token at index idx (0 or 1) to the
// recipient. If the physical balance falls short and a manager is attached,
// the shortfall is recalled first and the transfer retried exactly once.
func (p *Pool) transferOut(idx int, to common.Address, amount *big.Int) error {
	if amount.Sign() == 0 {
		return nil
	}
	token := p.token0
	if idx == 1 {
		token = p.token1
	}

	physical := p.ledger.BalanceOf(token, p.addr)
	if physical.Cmp(amount) < 0 && p.manager != nil {
		shortfall := new(big.Int).Sub(amount, physical)
		recall0, recall1 := new(big.Int), new(big.Int)
		if idx == 0 {
			recall0 = shortfall
		} else {
			recall1 = shortfall
		}

		p.log.Debug("recalling managed assets for payout",
			"pool", p.addr, "token", token, "shortfall", shortfall)
		p.managerWindow = true
		err := p.manager.ReturnAsset(p.addr, recall0, recall1)
		p.managerWindow = false
		if err != nil {
			return fmt.Errorf("asset recall: %w", err)
		}
	}
	return p.ledger.Transfer(token, p.addr, to, amount)
}

// AdjustManagement moves funds between the pool and its manager. Positive
// deltas invest (pool pays the manager), negative deltas divest. Only the
// manager's account may call, either from idle state or inside a sanctioned
// callback window; any other nesting is rejected as re-entrancy.
func (p *Pool) AdjustManagement(caller common.Address, delta0, delta1 *big.Int) error {
	if p.manager == nil {
		return ErrNoManager
	}
	if caller != p.manager.Address() {
		return fmt.Errorf("%w: management adjustment from %s", ErrUnauthorized, caller)
	}
	if !p.managerWindow {
		if err := p.lock(); err != nil {
			return err
		}
		defer p.unlock()
	}

	if err := p.adjustManagedToken(p.token0, delta0, p.reserve0, p.token0Managed); err != nil {
		return err
	}
	return p.adjustManagedToken(p.token1, delta1, p.reserve1, p.token1Managed)
}

func (p *Pool) adjustManagedToken(token common.Address, delta, reserve, managed *big.Int) error {
	if delta == nil || delta.Sign() == 0 {
		return nil
	}

	if delta.Sign() > 0 {
		next := new(big.Int).Add(managed, delta)
		if next.Cmp(reserve) > 0 {
			return fmt.Errorf("%w: token %s invest %s over reserve %s",
				ErrManagedOverflow, token, delta, reserve)
		}
		if err := p.ledger.Transfer(token, p.addr, p.manager.Address(), delta); err != nil {
			return fmt.Errorf("invest transfer: %w", err)
		}
		managed.Set(next)
		return nil
	}

	abs := new(big.Int).Neg(delta)
	if abs.Cmp(managed) > 0 {
		return fmt.Errorf("%w: token %s divest %s over managed %s",
			ErrManagedOverflow, token, abs, managed)
	}
	if err := p.ledger.Transfer(token, p.manager.Address(), p.addr, abs); err != nil {
		return fmt.Errorf("divest transfer: %w", err)
	}
	managed.Sub(managed, abs)
	return nil
}

// Sync reconciles managed balances and folds any donated tokens into the
// reserves.
func (p *Pool) Sync() error {
	if err := p.lock(); err != nil {
		return err
	}
	defer p.unlock()

	if err := p.syncManaged(); err != nil {
		return err
	}
	err := p.update(
		p.totalBalance(p.token0, p.token0Managed),
		p.totalBalance(p.token1, p.token1Managed),
	)
	p.metrics.observeOp(p.addr.Hex(), "sync", err)
	return err
}

// Skim pays out any physical balance above the unmanaged portion of the
// reserves to the recipient, restoring balance == reserve.
func (p *Pool) Skim(to common.Address) error {
	if err := p.lock(); err != nil {
		return err
	}
	defer p.unlock()

	if err := p.syncManaged(); err != nil {
		return err
	}
	if err := p.skimToken(p.token0, p.reserve0, p.token0Managed, to); err != nil {
		p.metrics.observeOp(p.addr.Hex(), "skim", err)
		return err
	}
	err := p.skimToken(p.token1, p.reserve1, p.token1Managed, to)
	p.metrics.observeOp(p.addr.Hex(), "skim", err)
	return err
}

func (p *Pool) skimToken(token common.Address, reserve, managed *big.Int, to common.Address) error {
	expected := new(big.Int).Sub(reserve, managed)
	excess := p.ledger.BalanceOf(token, p.addr)
	excess.Sub(excess, expected)
	if excess.Sign() <= 0 {
		return nil
	}
	return p.ledger.Transfer(token, p.addr, to, excess)
}
