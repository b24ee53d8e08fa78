// Package tokens provides the in-memory token ledger the engine settles
// against: balances keyed by token and holder, with transfer semantics that
// mirror the host ledger's token plumbing.
package tokens

import (
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

var (
	// ErrInvalidAmount is returned when an amount is nil or negative.
	ErrInvalidAmount = errors.New("amount must be non-nil and non-negative")
	// ErrInsufficientBalance is returned when a transfer or burn exceeds the
	// holder's balance.
	ErrInsufficientBalance = errors.New("insufficient token balance")
)

// Ledger is a concurrency-safe balance book. All returned big.Ints are
// deep copies; callers may mutate them freely.
type Ledger struct {
	mu       sync.RWMutex
	balances map[common.Address]map[common.Address]*big.Int // token -> holder -> balance
}

// NewLedger creates an empty ledger.
func NewLedger() *Ledger {
	return &Ledger{
		balances: make(map[common.Address]map[common.Address]*big.Int),
	}
}

// BalanceOf returns holder's balance of token (zero if never credited).
func (l *Ledger) BalanceOf(token, holder common.Address) *big.Int {
	l.mu.RLock()
	defer l.mu.RUnlock()

	holders, ok := l.balances[token]
	if !ok {
		return new(big.Int)
	}
	bal, ok := holders[holder]
	if !ok {
		return new(big.Int)
	}
	return new(big.Int).Set(bal)
}

// Mint credits amount of token to holder.
func (l *Ledger) Mint(token, holder common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return ErrInvalidAmount
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.credit(token, holder, amount)
	return nil
}

// Burn debits amount of token from holder.
func (l *Ledger) Burn(token, holder common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return ErrInvalidAmount
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	return l.debit(token, holder, amount)
}

// Transfer moves amount of token from one holder to another.
func (l *Ledger) Transfer(token, from, to common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return ErrInvalidAmount
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.debit(token, from, amount); err != nil {
		return err
	}
	l.credit(token, to, amount)
	return nil
}

// credit must be called with the write lock held.
func (l *Ledger) credit(token, holder common.Address, amount *big.Int) {
	holders, ok := l.balances[token]
	if !ok {
		holders = make(map[common.Address]*big.Int)
		l.balances[token] = holders
	}
	bal, ok := holders[holder]
	if !ok {
		bal = new(big.Int)
		holders[holder] = bal
	}
	bal.Add(bal, amount)
}

// debit must be called with the write lock held.
func (l *Ledger) debit(token, holder common.Address, amount *big.Int) error {
	holders, ok := l.balances[token]
	if !ok {
		return fmt.Errorf("%w: token %s holder %s has 0, needs %s",
			ErrInsufficientBalance, token, holder, amount)
	}
	bal, ok := holders[holder]
	if !ok || bal.Cmp(amount) < 0 {
		have := new(big.Int)
		if ok {
			have.Set(bal)
		}
		return fmt.Errorf("%w: token %s holder %s has %s, needs %s",
			ErrInsufficientBalance, token, holder, have, amount)
	}
	bal.Sub(bal, amount)
	return nil
}
