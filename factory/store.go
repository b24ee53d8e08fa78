// Package factory holds the engine-wide parameter store: default fee and
// oracle-clamp parameters, per-pool overrides, and the platform-fee
// recipient. Pools read it at construction and on every fee lookup; writes
// are owner-privileged.
package factory

import (
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// Key names one tunable parameter.
type Key string

const (
	KeyDefaultSwapFeePPM     Key = "defaultSwapFeePPM"
	KeyDefaultPlatformFeePPM Key = "defaultPlatformFeePPM"
	KeyMaxChangeRate         Key = "oracleMaxChangeRate"     // 1e18 fraction per second
	KeyMaxChangePerTrade     Key = "oracleMaxChangePerTrade" // 1e18 fraction
)

var (
	// ErrUnauthorized is returned when a non-owner attempts a write.
	ErrUnauthorized = errors.New("caller is not the store owner")
	// ErrUnknownKey is returned for lookups of keys that were never set.
	ErrUnknownKey = errors.New("unknown parameter key")
)

// Store is a concurrency-safe parameter store. Reads fall back from the
// per-pool override to the default for the key.
type Store struct {
	mu        sync.RWMutex
	owner     common.Address
	recipient common.Address
	defaults  map[Key]*big.Int
	overrides map[common.Address]map[Key]*big.Int
}

// NewStore creates a store owned by owner, with platform fees accruing to
// recipient and the given defaults.
func NewStore(owner, recipient common.Address, defaults map[Key]*big.Int) *Store {
	d := make(map[Key]*big.Int, len(defaults))
	for k, v := range defaults {
		d[k] = new(big.Int).Set(v)
	}
	return &Store{
		owner:     owner,
		recipient: recipient,
		defaults:  d,
		overrides: make(map[common.Address]map[Key]*big.Int),
	}
}

// Owner returns the privileged account.
func (s *Store) Owner() common.Address {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.owner
}

// PlatformFeeRecipient returns the account platform-fee liquidity is minted to.
func (s *Store) PlatformFeeRecipient() common.Address {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.recipient
}

// Get returns the value for key as seen by pool: the pool override if one
// exists, otherwise the default.
func (s *Store) Get(pool common.Address, key Key) (*big.Int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if po, ok := s.overrides[pool]; ok {
		if v, ok := po[key]; ok {
			return new(big.Int).Set(v), nil
		}
	}
	if v, ok := s.defaults[key]; ok {
		return new(big.Int).Set(v), nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownKey, key)
}

// SetDefault updates a default value. Owner only.
func (s *Store) SetDefault(caller common.Address, key Key, value *big.Int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if caller != s.owner {
		return ErrUnauthorized
	}
	s.defaults[key] = new(big.Int).Set(value)
	return nil
}

// SetOverride sets a per-pool override. Owner only.
func (s *Store) SetOverride(caller, pool common.Address, key Key, value *big.Int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if caller != s.owner {
		return ErrUnauthorized
	}
	po, ok := s.overrides[pool]
	if !ok {
		po = make(map[Key]*big.Int)
		s.overrides[pool] = po
	}
	po[key] = new(big.Int).Set(value)
	return nil
}

// ClearOverride removes a per-pool override, restoring the default. Owner only.
func (s *Store) ClearOverride(caller, pool common.Address, key Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if caller != s.owner {
		return ErrUnauthorized
	}
	if po, ok := s.overrides[pool]; ok {
		delete(po, key)
	}
	return nil
}
