package state

import (
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/defistate/amm-engine-go/engine"
)

// DifferConfig holds the differ's dependencies.
type DifferConfig struct {
	Registry prometheus.Registerer
	Logger   engine.Logger
}

func (c *DifferConfig) validate() error {
	if c.Registry == nil {
		return errors.New("config: Registry cannot be nil")
	}
	if c.Logger == nil {
		return errors.New("config: Logger cannot be nil")
	}
	return nil
}

// Differ computes pool-state diffs between snapshots.
type Differ struct {
	metrics *differMetrics
	logger  engine.Logger
}

type differMetrics struct {
	diffDuration prometheus.Histogram
	poolsChanged prometheus.Counter
}

func newDifferMetrics(reg prometheus.Registerer) *differMetrics {
	m := &differMetrics{
		diffDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "amm",
			Subsystem: "state",
			Name:      "diff_duration_seconds",
			Help:      "Time spent computing a snapshot diff.",
		}),
		poolsChanged: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "amm",
			Subsystem: "state",
			Name:      "diff_pools_changed_total",
			Help:      "Pools found changed across all diffs.",
		}),
	}
	reg.MustRegister(m.diffDuration, m.poolsChanged)
	return m
}

// NewDiffer constructs a differ from a configuration.
func NewDiffer(cfg *DifferConfig) (*Differ, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &Differ{
		metrics: newDifferMetrics(cfg.Registry),
		logger:  cfg.Logger,
	}, nil
}

// Diff compares two snapshots. The newer snapshot must not precede the
// older one in sequence order.
func (d *Differ) Diff(old, new *engine.State) (*Diff, error) {
	timer := prometheus.NewTimer(d.metrics.diffDuration)
	defer timer.ObserveDuration()

	if new.Seq < old.Seq {
		return nil, fmt.Errorf("differ: sequence moved backwards (old=%d, new=%d)", old.Seq, new.Seq)
	}

	changed := make(map[common.Address]engine.PoolView)
	for addr, newView := range new.Pools {
		oldView, ok := old.Pools[addr]
		if ok && viewsEqual(oldView, newView) {
			continue
		}
		changed[addr] = CloneView(newView)
	}

	var removed []common.Address
	for addr := range old.Pools {
		if _, ok := new.Pools[addr]; !ok {
			removed = append(removed, addr)
		}
	}

	d.metrics.poolsChanged.Add(float64(len(changed)))
	d.logger.Debug("snapshot diff computed",
		"fromSeq", old.Seq, "toSeq", new.Seq, "changed", len(changed), "removed", len(removed))

	return &Diff{
		Timestamp: uint64(time.Now().UnixNano()),
		FromSeq:   old.Seq,
		ToSeq:     new.Seq,
		Changed:   changed,
		Removed:   removed,
	}, nil
}
