package pool

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/defistate/amm-engine-go/curves/stableswap"
	"github.com/defistate/amm-engine-go/engine"
)

// RampA schedules a linear amplification ramp from the current value to
// targetA (unscaled) finishing at futureTime. Owner only, stable pools
// only; the ramp must run at least a day and may at most double or halve A
// per day elapsed.
func (p *Pool) RampA(caller common.Address, targetA, futureTime uint64) error {
	if p.curve != engine.Stable {
		return ErrInvalidCurve
	}
	if caller != p.store.Owner() {
		return ErrUnauthorized
	}
	if err := p.lock(); err != nil {
		return err
	}
	defer p.unlock()

	if targetA == 0 || targetA > MaxAmplification {
		return fmt.Errorf("%w: %d", ErrInvalidAmplification, targetA)
	}

	now := p.clock()
	if futureTime < now+MinRampDuration {
		return fmt.Errorf("%w: ends at %d, now %d", ErrRampDuration, futureTime, now)
	}

	current := p.currentA()
	target := targetA * stableswap.APrecision

	days := (futureTime - now + MinRampDuration - 1) / MinRampDuration
	if days > 32 {
		days = 32
	}
	if target > current<<days || target<<days < current {
		return fmt.Errorf("%w: %d -> %d over %d day(s)", ErrRampRate, current, target, days)
	}

	p.initialA = current
	p.futureA = target
	p.initialATime = now
	p.futureATime = futureTime
	p.log.Info("amplification ramp started",
		"pool", p.addr, "fromA", current, "toA", target, "until", futureTime)
	return nil
}

// StopRampA freezes the amplification at its current interpolated value.
// Owner only, stable pools only.
func (p *Pool) StopRampA(caller common.Address) error {
	if p.curve != engine.Stable {
		return ErrInvalidCurve
	}
	if caller != p.store.Owner() {
		return ErrUnauthorized
	}
	if err := p.lock(); err != nil {
		return err
	}
	defer p.unlock()

	now := p.clock()
	current := p.currentA()
	p.initialA = current
	p.futureA = current
	p.initialATime = now
	p.futureATime = now
	p.log.Info("amplification ramp stopped", "pool", p.addr, "atA", current)
	return nil
}
