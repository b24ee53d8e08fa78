package pool

import (
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/defistate/amm-engine-go/factory"
)

const (
	// MinimumLiquidity is locked to the zero address on the first mint to
	// guard against the zero-total-supply degenerate case and
	// donation/rounding attacks.
	MinimumLiquidity = 1000

	// MinRampDuration is the shortest allowed amplification ramp.
	MinRampDuration = 86400

	// MaxAmplification bounds the unscaled amplification coefficient.
	MaxAmplification = 1_000_000
)

var (
	// MaxReserve is the deliberate 104-bit ceiling every reserve update is
	// checked against. Exceeding it aborts the operation.
	MaxReserve = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 104), big.NewInt(1))

	// ErrReentrantCall is returned when a callee calls back into a locked
	// pool-mutating entrypoint during the same logical call stack.
	ErrReentrantCall = errors.New("reentrant call into locked pool")
	// ErrReserveOverflow is returned when an updated reserve would exceed
	// the 104-bit ceiling. Always fatal, never saturating.
	ErrReserveOverflow = errors.New("reserve exceeds 104-bit ceiling")
	// ErrNegativeReserve is returned when a managed-balance loss adjustment
	// would push a reserve below zero.
	ErrNegativeReserve = errors.New("reserve adjustment below zero")
	// ErrAmountOutOfRange is returned for swap amounts that cannot fit the
	// reserve range; rejected before entering the curve.
	ErrAmountOutOfRange = errors.New("amount outside representable reserve range")
	// ErrInsufficientLiquidityMinted is returned when a deposit yields no
	// liquidity.
	ErrInsufficientLiquidityMinted = errors.New("insufficient liquidity minted")
	// ErrInsufficientLiquidityBurned is returned when a burn yields nothing.
	ErrInsufficientLiquidityBurned = errors.New("insufficient liquidity burned")
	// ErrZeroSwapAmount rejects swaps with a zero specified amount.
	ErrZeroSwapAmount = errors.New("swap amount must be non-zero")
	// ErrInsufficientInputReceived is returned when the post-transfer
	// balance check shows the pool was not paid the required input.
	ErrInsufficientInputReceived = errors.New("insufficient input received for swap")
	// ErrManagedOverflow is returned when an investment would push the
	// managed amount above the reserve.
	ErrManagedOverflow = errors.New("managed amount exceeds reserve")
	// ErrManagerOutstanding is returned when replacing the asset manager
	// while it still holds managed funds.
	ErrManagerOutstanding = errors.New("asset manager still holds managed funds")
	// ErrNoManager is returned for management calls on an unmanaged pool.
	ErrNoManager = errors.New("no asset manager set")
	// ErrUnauthorized is returned for privileged calls from the wrong caller.
	ErrUnauthorized = errors.New("caller lacks privilege for this operation")
	// ErrInvalidCurve is returned for curve-specific calls on the wrong kind.
	ErrInvalidCurve = errors.New("operation not supported by this curve")
	// ErrRampDuration is returned for amplification ramps shorter than a day.
	ErrRampDuration = errors.New("amplification ramp below minimum duration")
	// ErrRampRate is returned when a ramp would change A faster than
	// doubling or halving per day.
	ErrRampRate = errors.New("amplification ramp exceeds daily rate bound")
	// ErrInvalidAmplification bounds the target amplification value.
	ErrInvalidAmplification = errors.New("amplification out of range")
)

// TokenLedger is the balance book the pool settles against.
type TokenLedger interface {
	BalanceOf(token, holder common.Address) *big.Int
	Mint(token, holder common.Address, amount *big.Int) error
	Burn(token, holder common.Address, amount *big.Int) error
	Transfer(token, from, to common.Address, amount *big.Int) error
}

// ParameterStore is the read-only configuration surface the pool consults
// for fees and clamp parameters.
type ParameterStore interface {
	Get(pool common.Address, key factory.Key) (*big.Int, error)
	PlatformFeeRecipient() common.Address
	Owner() common.Address
}

// AssetManager is the narrow callback surface through which a pool tracks
// and recalls externally managed reserves.
type AssetManager interface {
	// Address is the manager's ledger account, the counterparty of
	// management transfers.
	Address() common.Address
	// GetBalance returns the manager's current valuation of the pool's
	// claim on token, in underlying units.
	GetBalance(pool, token common.Address) *big.Int
	// AfterLiquidityEvent lets the manager rebalance the named pool after a
	// mint or burn.
	AfterLiquidityEvent(pool common.Address) error
	// ReturnAsset recalls exactly the given underlying amounts to the pool.
	ReturnAsset(pool common.Address, amount0, amount1 *big.Int) error
}

// SwapCallee receives the optional flash-swap callback: the output has
// already been transferred when OnSwap runs, and the required input is
// verified by balance comparison after it returns.
type SwapCallee interface {
	OnSwap(initiator common.Address, delta0, delta1 *big.Int, data []byte) error
}

// callState is the explicit re-entrancy state machine.
type callState uint32

const (
	stateIdle callState = iota
	stateInCall
)
