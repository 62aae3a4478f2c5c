package coordinator

import (
	"github.com/prometheus/client_golang/prometheus"

	"predictcoord/internal/risk"
	"predictcoord/pkg/types"
)

// Metrics exposes the coordinator's prometheus collectors, registered on
// the server's existing HTTP status surface alongside /healthz.
type Metrics struct {
	intentsAdmitted *prometheus.CounterVec
	intentsBlocked  *prometheus.CounterVec
	intentsAdjusted *prometheus.CounterVec
	ordersExecuted  *prometheus.CounterVec
	ordersFailed    *prometheus.CounterVec
	queueDepth      *prometheus.GaugeVec
	circuitState    prometheus.Gauge
	allocatorOpen   *prometheus.GaugeVec
}

// NewMetrics registers the coordinator's collectors on reg. A nil reg uses
// prometheus.DefaultRegisterer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promAutoFactory{reg}

	return &Metrics{
		intentsAdmitted: factory.counterVec("coordinator_intents_admitted_total", "Order intents admitted by the risk gate.", "domain"),
		intentsBlocked:  factory.counterVec("coordinator_intents_blocked_total", "Order intents blocked, labeled by reason.", "domain", "reason"),
		intentsAdjusted: factory.counterVec("coordinator_intents_adjusted_total", "Order intents adjusted down by the risk gate.", "domain"),
		ordersExecuted:  factory.counterVec("coordinator_orders_executed_total", "Orders executed, labeled by terminal status.", "domain", "status"),
		ordersFailed:    factory.counterVec("coordinator_orders_failed_total", "Orders that failed submission.", "domain"),
		queueDepth:      factory.gaugeVec("coordinator_queue_depth", "Priority queue depth by priority level.", "priority"),
		circuitState:    factory.gauge("coordinator_circuit_breaker_state", "0=normal, 1=elevated, 2=halted."),
		allocatorOpen:   factory.gaugeVec("coordinator_allocator_open_exposure", "Open notional exposure per domain allocator.", "domain"),
	}
}

// promAutoFactory registers collectors against reg, panicking on duplicate
// registration the way promauto does (acceptable at process wiring time).
type promAutoFactory struct {
	reg prometheus.Registerer
}

func (f promAutoFactory) counterVec(name, help string, labels ...string) *prometheus.CounterVec {
	c := prometheus.NewCounterVec(prometheus.CounterOpts{Name: name, Help: help}, labels)
	f.reg.MustRegister(c)
	return c
}

func (f promAutoFactory) gaugeVec(name, help string, labels ...string) *prometheus.GaugeVec {
	g := prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: name, Help: help}, labels)
	f.reg.MustRegister(g)
	return g
}

func (f promAutoFactory) gauge(name, help string) prometheus.Gauge {
	g := prometheus.NewGauge(prometheus.GaugeOpts{Name: name, Help: help})
	f.reg.MustRegister(g)
	return g
}

func (m *Metrics) IntentAdmitted(domain types.Domain) {
	m.intentsAdmitted.WithLabelValues(domain.Key()).Inc()
}

func (m *Metrics) IntentBlocked(domain types.Domain, reason string) {
	m.intentsBlocked.WithLabelValues(domain.Key(), reason).Inc()
}

func (m *Metrics) IntentAdjusted(domain types.Domain) {
	m.intentsAdjusted.WithLabelValues(domain.Key()).Inc()
}

func (m *Metrics) OrderExecuted(domain types.Domain, status types.OrderStatus) {
	m.ordersExecuted.WithLabelValues(domain.Key(), string(status)).Inc()
}

func (m *Metrics) OrderFailed(domain types.Domain) {
	m.ordersFailed.WithLabelValues(domain.Key()).Inc()
}

func (m *Metrics) SetQueueDepth(priority types.OrderPriority, depth int) {
	m.queueDepth.WithLabelValues(priority.String()).Set(float64(depth))
}

func (m *Metrics) SetCircuitState(state risk.PlatformState) {
	var v float64
	switch state {
	case risk.StateElevated:
		v = 1
	case risk.StateHalted:
		v = 2
	}
	m.circuitState.Set(v)
}

func (m *Metrics) SetAllocatorOpenExposure(domain string, exposure float64) {
	m.allocatorOpen.WithLabelValues(domain).Set(exposure)
}
