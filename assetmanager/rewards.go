package assetmanager

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// RewardClaimer harvests vault-strategy rewards into the manager's account
// and reports the token and amount claimed.
type RewardClaimer interface {
	Claim() (common.Address, *big.Int, error)
}

// DistributeRewards claims pending rewards, deposits them into the reward
// token's vault, and credits the minted shares to the listed pools pro rata
// by their existing share holdings. The remainder after integer division
// goes to the last listed pool so the share ledger stays conserved. The
// reward reaches each pool's reserves through GetBalance on its next sync,
// so it never sits on the ledger as a capturable donation. Owner or
// guardian.
func (m *Manager) DistributeRewards(caller common.Address, claimer RewardClaimer, pools []common.Address) error {
	if caller != m.owner && caller != m.guardian {
		return ErrUnauthorized
	}
	if len(pools) == 0 {
		return fmt.Errorf("%w: empty pool list", ErrNoFundingShares)
	}

	token, claimed, err := claimer.Claim()
	if err != nil {
		return fmt.Errorf("reward claim: %w", err)
	}
	if claimed == nil || claimed.Sign() <= 0 {
		return nil
	}

	v, ok := m.vaults[token]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoVault, token)
	}

	// Trust the ledger over the claimer's report.
	available := m.ledger.BalanceOf(token, m.addr)
	amount := new(big.Int).Set(claimed)
	if available.Cmp(amount) < 0 {
		amount.Set(available)
	}
	if amount.Sign() == 0 {
		return nil
	}

	total := new(big.Int)
	for _, addr := range pools {
		if _, ok := m.pools[addr]; !ok {
			return fmt.Errorf("%w: %s", ErrUnknownPool, addr)
		}
		total.Add(total, m.shareBalance(addr, token))
	}
	if total.Sign() == 0 {
		return fmt.Errorf("%w: token %s", ErrNoFundingShares, token)
	}

	minted, err := v.Deposit(m.addr, amount)
	if err != nil {
		return fmt.Errorf("reward deposit %s: %w", token, err)
	}

	remaining := new(big.Int).Set(minted)
	for i, addr := range pools {
		var cut *big.Int
		if i == len(pools)-1 {
			cut = remaining
		} else {
			cut = new(big.Int).Mul(minted, m.shareBalance(addr, token))
			cut.Div(cut, total)
			if cut.Cmp(remaining) > 0 {
				cut = remaining
			}
		}
		if cut.Sign() == 0 {
			continue
		}
		m.addShares(addr, token, cut)
		remaining = new(big.Int).Sub(remaining, cut)
	}

	if m.metrics != nil {
		m.metrics.rewards.WithLabelValues(token.Hex()).Inc()
	}
	m.log.Info("rewards distributed",
		"manager", m.addr, "token", token, "amount", amount, "shares", minted, "pools", len(pools))
	return nil
}
