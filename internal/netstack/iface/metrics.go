package iface

import "github.com/prometheus/client_golang/prometheus"

const metricsNamespace = "netdispatch"

// Metrics counts dispatch activity. A nil *Metrics is valid and counts
// nothing.
type Metrics struct {
	lookups    *prometheus.CounterVec
	indexOps   *prometheus.CounterVec
	violations prometheus.Counter
	dirty      prometheus.Counter
	packets    *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg, if non-nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		lookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "dispatch",
			Name:      "lookups_total",
			Help:      "Socket lookups by protocol and result.",
		}, []string{"protocol", "result"}),
		indexOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "dispatch",
			Name:      "index_operations_total",
			Help:      "Dispatch index mutations by protocol and operation.",
		}, []string{"protocol", "op"}),
		violations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "dispatch",
			Name:      "invariant_violations_total",
			Help:      "Index updates that should not fail but did.",
		}),
		dirty: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "iface",
			Name:      "dirty_enqueued_total",
			Help:      "Sockets queued for the poll loop.",
		}),
		packets: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "iface",
			Name:      "packets_total",
			Help:      "Inbound packets by outcome.",
		}, []string{"outcome"}),
	}
	if reg != nil {
		reg.MustRegister(m.lookups, m.indexOps, m.violations, m.dirty, m.packets)
	}
	return m
}

func (m *Metrics) lookup(protocol string, hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.lookups.WithLabelValues(protocol, result).Inc()
}

func (m *Metrics) indexOp(protocol, op string) {
	if m == nil {
		return
	}
	m.indexOps.WithLabelValues(protocol, op).Inc()
}

func (m *Metrics) violation() {
	if m == nil {
		return
	}
	m.violations.Inc()
}

func (m *Metrics) dirtyEnqueued() {
	if m == nil {
		return
	}
	m.dirty.Inc()
}

func (m *Metrics) packet(outcome string) {
	if m == nil {
		return
	}
	m.packets.WithLabelValues(outcome).Inc()
}
