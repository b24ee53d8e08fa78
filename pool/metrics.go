package pool

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics tracks pool operation counts and outcomes. A nil *Metrics is a
// valid no-op receiver so unmetered pools skip the branch noise.
type Metrics struct {
	ops      *prometheus.CounterVec
	failures *prometheus.CounterVec
	swapVol  *prometheus.CounterVec
}

// NewMetrics builds and registers pool metrics on reg. Pools sharing a
// registerer share the underlying collectors and distinguish themselves by
// the pool label.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	var err error
	m := &Metrics{}

	m.ops, err = registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "amm",
		Subsystem: "pool",
		Name:      "operations_total",
		Help:      "Completed pool operations by kind.",
	}, []string{"pool", "op"}))
	if err != nil {
		return nil, err
	}
	m.failures, err = registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "amm",
		Subsystem: "pool",
		Name:      "operation_failures_total",
		Help:      "Failed pool operations by kind.",
	}, []string{"pool", "op"}))
	if err != nil {
		return nil, err
	}
	m.swapVol, err = registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "amm",
		Subsystem: "pool",
		Name:      "swap_volume_wei_total",
		Help:      "Cumulative swap input volume in native token units.",
	}, []string{"pool", "token"}))
	if err != nil {
		return nil, err
	}
	return m, nil
}

func registerCounterVec(reg prometheus.Registerer, c *prometheus.CounterVec) (*prometheus.CounterVec, error) {
	if err := reg.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			return already.ExistingCollector.(*prometheus.CounterVec), nil
		}
		return nil, err
	}
	return c, nil
}

func (m *Metrics) observeOp(pool, op string, err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.failures.WithLabelValues(pool, op).Inc()
		return
	}
	m.ops.WithLabelValues(pool, op).Inc()
}

func (m *Metrics) observeSwapVolume(pool, token string, amount float64) {
	if m == nil {
		return
	}
	m.swapVol.WithLabelValues(pool, token).Add(amount)
}
