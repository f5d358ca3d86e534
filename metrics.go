package rheia

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the prometheus collectors of a Client or Server. A Client or
// Server built without WithMetrics/WithServerMetrics has no Metrics and
// records nothing. Each of those options builds a fresh Metrics labelled with
// its pool id; NewMetrics panics on duplicate registration the way
// prometheus itself does.
type Metrics struct {
	Connections  prometheus.Gauge
	RPCInFlight  prometheus.Gauge
	BreakerState prometheus.Gauge
	FramesTotal  *prometheus.CounterVec
}

// NewMetrics registers the rheia collector set against reg. reg may be nil,
// in which case the returned Metrics is fully functional but inert
// (prometheus.NewGauge/NewCounterVec without registration still works, it
// simply won't be scraped).
func NewMetrics(reg prometheus.Registerer, poolID string) *Metrics {
	m := &Metrics{
		Connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "rheia",
			Subsystem:   "pool",
			Name:        "connections",
			Help:        "Number of live connections in the pool.",
			ConstLabels: prometheus.Labels{"pool_id": poolID},
		}),
		RPCInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "rheia",
			Subsystem:   "rpc",
			Name:        "inflight",
			Help:        "Number of outstanding RPC table entries.",
			ConstLabels: prometheus.Labels{"pool_id": poolID},
		}),
		BreakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "rheia",
			Subsystem:   "breaker",
			Name:        "state",
			Help:        "Circuit breaker state: 0=closed, 1=half_open, 2=open.",
			ConstLabels: prometheus.Labels{"pool_id": poolID},
		}),
		FramesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "rheia",
			Name:        "frames_total",
			Help:        "Frames processed, by op.",
			ConstLabels: prometheus.Labels{"pool_id": poolID},
		}, []string{"op"}),
	}

	if reg != nil {
		reg.MustRegister(m.Connections, m.RPCInFlight, m.BreakerState, m.FramesTotal)
	}
	return m
}

func (m *Metrics) observeBreaker(s BreakerState) {
	if m == nil {
		return
	}
	m.BreakerState.Set(float64(s))
}

func (m *Metrics) observeConnections(n int32) {
	if m == nil {
		return
	}
	m.Connections.Set(float64(n))
}

func (m *Metrics) observeFrame(op Op) {
	if m == nil {
		return
	}
	m.FramesTotal.WithLabelValues(opLabel(op)).Inc()
}

func opLabel(op Op) string {
	switch op {
	case OpCommand:
		return "command"
	case OpRequest:
		return "request"
	case OpResponse:
		return "response"
	default:
		return "unknown"
	}
}
