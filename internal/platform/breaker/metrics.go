package breaker

import (
	"github.com/prometheus/client_golang/prometheus"
)

// metrics holds the prometheus collectors shared by every breaker in a
// registry. A nil *metrics is a no-op so breakers built outside a
// registry (and tests) skip instrumentation.
type metrics struct {
	state      *prometheus.GaugeVec
	calls      *prometheus.CounterVec
	rejections *prometheus.CounterVec
	timeouts   *prometheus.CounterVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	if reg == nil {
		return nil
	}
	m := &metrics{
		state: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "makebelieve",
			Subsystem: "breaker",
			Name:      "state",
			Help:      "Current breaker state (0 closed, 1 open, 2 half-open).",
		}, []string{"breaker"}),
		calls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "makebelieve",
			Subsystem: "breaker",
			Name:      "calls_total",
			Help:      "Upstream calls attempted through the breaker.",
		}, []string{"breaker", "result"}),
		rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "makebelieve",
			Subsystem: "breaker",
			Name:      "rejections_total",
			Help:      "Calls rejected because the circuit was open.",
		}, []string{"breaker"}),
		timeouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "makebelieve",
			Subsystem: "breaker",
			Name:      "timeouts_total",
			Help:      "Calls abandoned after exceeding the per-call timeout.",
		}, []string{"breaker"}),
	}
	reg.MustRegister(m.state, m.calls, m.rejections, m.timeouts)
	return m
}

func (m *metrics) setState(name string, s State) {
	if m == nil {
		return
	}
	m.state.WithLabelValues(name).Set(float64(s))
}

func (m *metrics) success(name string) {
	if m == nil {
		return
	}
	m.calls.WithLabelValues(name, "success").Inc()
}

func (m *metrics) failure(name string) {
	if m == nil {
		return
	}
	m.calls.WithLabelValues(name, "failure").Inc()
}

func (m *metrics) rejection(name string) {
	if m == nil {
		return
	}
	m.rejections.WithLabelValues(name).Inc()
}

func (m *metrics) timeout(name string) {
	if m == nil {
		return
	}
	m.timeouts.WithLabelValues(name).Inc()
}
