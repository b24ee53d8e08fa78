// Package assetmanager implements the rebalancing manager that puts idle
// pool reserves to work in yield vaults. It keeps a per-pool share ledger so
// several pools can fund the same vault, rebalances each pool's managed
// fraction into a configured band after liquidity events, and honors recall
// requests when a pool needs liquidity back to settle a payout.
package assetmanager

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/defistate/amm-engine-go/engine"
	"github.com/defistate/amm-engine-go/pool"
	"github.com/defistate/amm-engine-go/vault"
)

var (
	// ErrUnauthorized is returned for privileged calls from the wrong caller.
	ErrUnauthorized = errors.New("caller lacks privilege for this operation")
	// ErrVaultInUse is returned when replacing a vault that still backs shares.
	ErrVaultInUse = errors.New("vault still backs outstanding shares")
	// ErrNoVault is returned for operations on a token with no vault attached.
	ErrNoVault = errors.New("no vault attached for token")
	// ErrUnknownPool is returned for callbacks from unregistered pools.
	ErrUnknownPool = errors.New("pool not registered with manager")
	// ErrInvalidThresholds rejects bands that are not 0 <= lower <= upper <= 1e18.
	ErrInvalidThresholds = errors.New("thresholds must satisfy 0 <= lower <= upper <= 1e18")
	// ErrShareMismatch indicates drift between the manager's share ledger and
	// the vault's quote; always a bug, never recovered from silently.
	ErrShareMismatch = errors.New("vault share accounting mismatch")
	// ErrNoFundingShares rejects a reward distribution whose listed pools
	// hold no shares in the reward token's vault.
	ErrNoFundingShares = errors.New("no listed pool holds shares in the reward vault")
)

var fixedOne = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)

// Pool is the surface the manager drives. *pool.Pool satisfies it.
type Pool interface {
	Address() common.Address
	Tokens() (common.Address, common.Address)
	Reserves() (*big.Int, *big.Int)
	ManagedBalances() (*big.Int, *big.Int)
	AdjustManagement(caller common.Address, delta0, delta1 *big.Int) error
}

// Config carries everything needed to construct a Manager.
type Config struct {
	// Addr is the manager's ledger account, the counterparty of all
	// management transfers and the holder of vault positions.
	Addr common.Address

	// Owner may change vaults, thresholds and use the raw escape hatch.
	Owner common.Address
	// Guardian may only flip wind-down and distribute rewards.
	Guardian common.Address

	Ledger pool.TokenLedger
	Logger engine.Logger

	// LowerThreshold and UpperThreshold bound the managed fraction of each
	// reserve as 1e18 fixed-point fractions. Rebalancing targets the band
	// midpoint and only acts when the fraction has left the band.
	LowerThreshold *big.Int
	UpperThreshold *big.Int

	// Registerer is optional; nil disables manager metrics.
	Registerer prometheus.Registerer
}

func (c Config) validate() error {
	if c.Ledger == nil {
		return fmt.Errorf("invalid config: no token ledger")
	}
	if c.Logger == nil {
		return fmt.Errorf("invalid config: no logger")
	}
	return validateThresholds(c.LowerThreshold, c.UpperThreshold)
}

func validateThresholds(lower, upper *big.Int) error {
	if lower == nil || upper == nil || lower.Sign() < 0 ||
		lower.Cmp(upper) > 0 || upper.Cmp(fixedOne) > 0 {
		return ErrInvalidThresholds
	}
	return nil
}

// Manager is an asset manager serving any number of registered pools. Like
// the pools it manages it is not safe for concurrent use; the host
// serializes access.
type Manager struct {
	addr     common.Address
	owner    common.Address
	guardian common.Address
	ledger   pool.TokenLedger
	log      engine.Logger
	metrics  *metrics

	lower *big.Int
	upper *big.Int

	windDown bool

	pools  map[common.Address]Pool
	vaults map[common.Address]*vault.Vault // token -> vault
	// shares is the pro-rata claim ledger: pool -> token -> vault shares.
	shares      map[common.Address]map[common.Address]*big.Int
	totalShares map[common.Address]*big.Int // token -> sum over pools
	// poolOrder keeps registration order for deterministic iteration.
	poolOrder []common.Address
}

type metrics struct {
	rebalances *prometheus.CounterVec
	rewards    *prometheus.CounterVec
}

func newMetrics(reg prometheus.Registerer) (*metrics, error) {
	m := &metrics{
		rebalances: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "amm",
			Subsystem: "manager",
			Name:      "rebalances_total",
			Help:      "Managed-balance adjustments by pool and direction.",
		}, []string{"pool", "direction"}),
		rewards: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "amm",
			Subsystem: "manager",
			Name:      "rewards_distributed_total",
			Help:      "Reward distribution runs by token.",
		}, []string{"token"}),
	}
	for _, c := range []prometheus.Collector{m.rebalances, m.rewards} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// New constructs a manager from cfg.
func New(cfg Config) (*Manager, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	var m *metrics
	if cfg.Registerer != nil {
		var err error
		m, err = newMetrics(cfg.Registerer)
		if err != nil {
			return nil, err
		}
	}
	return &Manager{
		addr:        cfg.Addr,
		owner:       cfg.Owner,
		guardian:    cfg.Guardian,
		ledger:      cfg.Ledger,
		log:         cfg.Logger,
		metrics:     m,
		lower:       new(big.Int).Set(cfg.LowerThreshold),
		upper:       new(big.Int).Set(cfg.UpperThreshold),
		pools:       make(map[common.Address]Pool),
		vaults:      make(map[common.Address]*vault.Vault),
		shares:      make(map[common.Address]map[common.Address]*big.Int),
		totalShares: make(map[common.Address]*big.Int),
	}, nil
}

// Address returns the manager's ledger account.
func (m *Manager) Address() common.Address { return m.addr }

// WindDown reports whether the manager is in wind-down mode.
func (m *Manager) WindDown() bool { return m.windDown }

// RegisterPool makes a pool eligible for management.
func (m *Manager) RegisterPool(p Pool) {
	addr := p.Address()
	if _, ok := m.pools[addr]; ok {
		return
	}
	m.pools[addr] = p
	m.poolOrder = append(m.poolOrder, addr)
}

// SetVault attaches (or detaches, with nil) the vault for token. Owner only.
// A vault still backing shares cannot be swapped out from under its pools.
func (m *Manager) SetVault(caller, token common.Address, v *vault.Vault) error {
	if caller != m.owner {
		return ErrUnauthorized
	}
	if total, ok := m.totalShares[token]; ok && total.Sign() != 0 {
		return fmt.Errorf("%w: token %s has %s shares outstanding", ErrVaultInUse, token, total)
	}
	if v == nil {
		delete(m.vaults, token)
		return nil
	}
	if v.Asset() != token {
		return fmt.Errorf("vault asset %s does not match token %s", v.Asset(), token)
	}
	m.vaults[token] = v
	return nil
}

// SetThresholds replaces the managed-fraction band. Owner or guardian.
func (m *Manager) SetThresholds(caller common.Address, lower, upper *big.Int) error {
	if caller != m.owner && caller != m.guardian {
		return ErrUnauthorized
	}
	if err := validateThresholds(lower, upper); err != nil {
		return err
	}
	m.lower.Set(lower)
	m.upper.Set(upper)
	return nil
}

// SetWindDown flips wind-down mode: rebalancing only divests, never invests,
// until all managed funds have drained back to their pools. Owner or
// guardian.
func (m *Manager) SetWindDown(caller common.Address, enabled bool) error {
	if caller != m.owner && caller != m.guardian {
		return ErrUnauthorized
	}
	m.windDown = enabled
	m.log.Info("wind-down mode changed", "manager", m.addr, "enabled", enabled)
	return nil
}

// GetBalance values pool's claim on token in underlying units: its share
// balance converted at the vault's current rate. Satisfies pool.AssetManager.
func (m *Manager) GetBalance(poolAddr, token common.Address) *big.Int {
	v, ok := m.vaults[token]
	if !ok {
		return new(big.Int)
	}
	return v.ConvertToAssets(m.shareBalance(poolAddr, token))
}

func (m *Manager) shareBalance(poolAddr, token common.Address) *big.Int {
	byToken, ok := m.shares[poolAddr]
	if !ok {
		return new(big.Int)
	}
	s, ok := byToken[token]
	if !ok {
		return new(big.Int)
	}
	return new(big.Int).Set(s)
}

func (m *Manager) addShares(poolAddr, token common.Address, delta *big.Int) {
	byToken, ok := m.shares[poolAddr]
	if !ok {
		byToken = make(map[common.Address]*big.Int)
		m.shares[poolAddr] = byToken
	}
	s, ok := byToken[token]
	if !ok {
		s = new(big.Int)
		byToken[token] = s
	}
	s.Add(s, delta)

	total, ok := m.totalShares[token]
	if !ok {
		total = new(big.Int)
		m.totalShares[token] = total
	}
	total.Add(total, delta)
}

// AfterLiquidityEvent rebalances the named pool's managed fractions back to
// the band midpoint. Satisfies pool.AssetManager.
func (m *Manager) AfterLiquidityEvent(poolAddr common.Address) error {
	p, ok := m.pools[poolAddr]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPool, poolAddr)
	}
	return m.rebalance(p)
}

// Rebalance runs the band policy for one registered pool outside a
// liquidity event, for periodic upkeep. Owner or guardian.
func (m *Manager) Rebalance(caller, poolAddr common.Address) error {
	if caller != m.owner && caller != m.guardian {
		return ErrUnauthorized
	}
	p, ok := m.pools[poolAddr]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPool, poolAddr)
	}
	return m.rebalance(p)
}

func (m *Manager) rebalance(p Pool) error {
	token0, token1 := p.Tokens()
	reserve0, reserve1 := p.Reserves()

	if err := m.rebalanceToken(p, token0, reserve0, 0); err != nil {
		return err
	}
	return m.rebalanceToken(p, token1, reserve1, 1)
}

// rebalanceToken moves one token of one pool toward the band midpoint. No
// move happens while the managed fraction sits inside the band; wind-down
// targets zero unconditionally.
func (m *Manager) rebalanceToken(p Pool, token common.Address, reserve *big.Int, idx int) error {
	v, ok := m.vaults[token]
	if !ok {
		return nil
	}
	poolAddr := p.Address()
	current := m.GetBalance(poolAddr, token)

	var target *big.Int
	if m.windDown {
		if current.Sign() == 0 {
			return nil
		}
		target = new(big.Int)
	} else {
		lowerBound := new(big.Int).Mul(reserve, m.lower)
		lowerBound.Div(lowerBound, fixedOne)
		upperBound := new(big.Int).Mul(reserve, m.upper)
		upperBound.Div(upperBound, fixedOne)
		if current.Cmp(lowerBound) >= 0 && current.Cmp(upperBound) <= 0 {
			return nil
		}
		target = new(big.Int).Add(lowerBound, upperBound)
		target.Rsh(target, 1)
	}

	delta := new(big.Int).Sub(target, current)
	if delta.Sign() == 0 {
		return nil
	}

	if delta.Sign() > 0 {
		if err := m.invest(p, v, token, idx, delta); err != nil {
			return err
		}
		m.observeRebalance(poolAddr, "invest")
	} else {
		if err := m.divest(p, v, token, idx, new(big.Int).Neg(delta)); err != nil {
			return err
		}
		m.observeRebalance(poolAddr, "divest")
	}
	m.log.Debug("managed balance rebalanced",
		"manager", m.addr, "pool", poolAddr, "token", token, "target", target, "delta", delta)
	return nil
}

// invest pulls assets from the pool and deposits them into the vault,
// crediting the minted shares to the pool.
func (m *Manager) invest(p Pool, v *vault.Vault, token common.Address, idx int, amount *big.Int) error {
	delta0, delta1 := managementDeltas(idx, amount)
	if err := p.AdjustManagement(m.addr, delta0, delta1); err != nil {
		return fmt.Errorf("invest %s: %w", token, err)
	}
	minted, err := v.Deposit(m.addr, amount)
	if err != nil {
		return fmt.Errorf("vault deposit %s: %w", token, err)
	}
	m.addShares(p.Address(), token, minted)
	return nil
}

// divest withdraws assets from the vault, burning the pool's shares, and
// pushes them back into the pool.
func (m *Manager) divest(p Pool, v *vault.Vault, token common.Address, idx int, amount *big.Int) error {
	held := m.shareBalance(p.Address(), token)
	needed := v.PreviewWithdraw(amount)
	if needed.Cmp(held) > 0 {
		return fmt.Errorf("%w: pool %s token %s needs %s shares, holds %s",
			ErrShareMismatch, p.Address(), token, needed, held)
	}

	burned, err := v.Withdraw(m.addr, amount)
	if err != nil {
		return fmt.Errorf("vault withdraw %s: %w", token, err)
	}
	if burned.Cmp(needed) != 0 {
		return fmt.Errorf("%w: pool %s token %s burned %s shares, quoted %s",
			ErrShareMismatch, p.Address(), token, burned, needed)
	}
	m.addShares(p.Address(), token, new(big.Int).Neg(burned))

	neg := new(big.Int).Neg(amount)
	delta0, delta1 := managementDeltas(idx, neg)
	if err := p.AdjustManagement(m.addr, delta0, delta1); err != nil {
		return fmt.Errorf("divest %s: %w", token, err)
	}
	return nil
}

// ReturnAsset recalls exactly the requested amounts to the pool, divesting
// from the vaults as needed. Satisfies pool.AssetManager.
func (m *Manager) ReturnAsset(poolAddr common.Address, amount0, amount1 *big.Int) error {
	p, ok := m.pools[poolAddr]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPool, poolAddr)
	}
	token0, token1 := p.Tokens()

	if amount0 != nil && amount0.Sign() > 0 {
		v, ok := m.vaults[token0]
		if !ok {
			return fmt.Errorf("%w: %s", ErrNoVault, token0)
		}
		if err := m.divest(p, v, token0, 0, amount0); err != nil {
			return err
		}
	}
	if amount1 != nil && amount1.Sign() > 0 {
		v, ok := m.vaults[token1]
		if !ok {
			return fmt.Errorf("%w: %s", ErrNoVault, token1)
		}
		if err := m.divest(p, v, token1, 1, amount1); err != nil {
			return err
		}
	}
	return nil
}

// RawCall hands the owner direct ledger access for recovery paths the
// policy surface does not cover. Owner only.
func (m *Manager) RawCall(caller common.Address, fn func(ledger pool.TokenLedger) error) error {
	if caller != m.owner {
		return ErrUnauthorized
	}
	m.log.Warn("raw call executed", "manager", m.addr, "caller", caller)
	return fn(m.ledger)
}

func (m *Manager) observeRebalance(poolAddr common.Address, direction string) {
	if m.metrics == nil {
		return
	}
	m.metrics.rebalances.WithLabelValues(poolAddr.Hex(), direction).Inc()
}

// managementDeltas spreads a single-token delta across the two-sided
// AdjustManagement signature.
func managementDeltas(idx int, delta *big.Int) (*big.Int, *big.Int) {
	if idx == 0 {
		return delta, nil
	}
	return nil, delta
}
