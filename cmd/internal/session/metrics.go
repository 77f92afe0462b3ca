package session

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

// Reconciliation outcomes.
const (
	OutcomeConfirmed       = "confirmed"
	OutcomeReplaced        = "replaced"
	OutcomeUnauthenticated = "unauthenticated"
	OutcomeTransport       = "transport"
	OutcomeStale           = "stale"
	OutcomeCorrupt         = "corrupt"
)

// Metrics are the Prometheus collectors of a Machine. A nil *Metrics is a no-op.
type Metrics struct {
	reconciliations *prometheus.CounterVec
	operations      *prometheus.CounterVec
	staleDiscards   *prometheus.CounterVec
	authenticated   prometheus.Gauge
	phase           prometheus.Gauge
}

// NewMetrics registers the session collectors on reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		reconciliations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "warden",
			Subsystem: "session",
			Name:      "reconciliations_total",
			Help:      "Snapshot reconciliations against the authority, by outcome.",
		}, []string{"source", "outcome"}),
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "warden",
			Subsystem: "session",
			Name:      "operations_total",
			Help:      "Session operations, by operation and result.",
		}, []string{"op", "result"}),
		staleDiscards: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "warden",
			Subsystem: "session",
			Name:      "stale_discards_total",
			Help:      "Authority answers discarded because a newer login or logout applied.",
		}, []string{"source"}),
		authenticated: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "warden",
			Subsystem: "session",
			Name:      "authenticated",
			Help:      "1 when an identity is present.",
		}),
		phase: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "warden",
			Subsystem: "session",
			Name:      "phase",
			Help:      "Lifecycle phase: 0 hydrating, 1 verifying, 2 settled.",
		}),
	}

	for _, c := range []prometheus.Collector{m.reconciliations, m.operations, m.staleDiscards, m.authenticated, m.phase} {
		if err := reg.Register(c); err != nil {
			var already prometheus.AlreadyRegisteredError
			if errors.As(err, &already) {
				continue
			}
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) reconciled(source, outcome string) {
	if m == nil {
		return
	}
	m.reconciliations.WithLabelValues(source, outcome).Inc()
}

func (m *Metrics) operation(op string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.operations.WithLabelValues(op, result).Inc()
}

func (m *Metrics) stale(source string) {
	if m == nil {
		return
	}
	m.staleDiscards.WithLabelValues(source).Inc()
}

func (m *Metrics) observe(s State) {
	if m == nil {
		return
	}
	if s.Authenticated() {
		m.authenticated.Set(1)
	} else {
		m.authenticated.Set(0)
	}
	m.phase.Set(float64(s.Phase))
}
