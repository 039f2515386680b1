package stats

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	ActiveCustomerConnections = "active_customer_connections"
	ActiveStaffConnections    = "active_staff_connections"
	CustomerMessages          = "customer_messages_total"
	StaffMessages             = "staff_messages_total"
	BackpressureEvictions     = "backpressure_evictions_total"
	RejectedHandshakes        = "rejected_handshakes_total"
	ProtocolErrors            = "protocol_errors_total"
	StoreErrors               = "store_errors_total"
)

const namespace = "chathub"

type StatsProvider interface {
	Incr(name string)
	Decr(name string)
}

// StatsUpdater backs StatsProvider with Prometheus collectors on a private
// registry. Unknown metric names are ignored.
type StatsUpdater struct {
	registry *prometheus.Registry
	gauges   map[string]prometheus.Gauge
	counters map[string]prometheus.Counter
}

func NewStatsUpdater() *StatsUpdater {
	su := &StatsUpdater{
		registry: prometheus.NewRegistry(),
		gauges:   make(map[string]prometheus.Gauge),
		counters: make(map[string]prometheus.Counter),
	}

	su.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	su.registerGauge(ActiveCustomerConnections, "Open customer sockets.")
	su.registerGauge(ActiveStaffConnections, "Open staff sockets.")
	su.registerCounter(CustomerMessages, "Customer messages stored.")
	su.registerCounter(StaffMessages, "Staff messages stored.")
	su.registerCounter(BackpressureEvictions, "Subscribers closed for a full outbound queue.")
	su.registerCounter(RejectedHandshakes, "Sockets closed by the authorization gate.")
	su.registerCounter(ProtocolErrors, "Sockets closed for malformed or oversize frames.")
	su.registerCounter(StoreErrors, "Room store operations that failed transiently.")

	return su
}

func (su *StatsUpdater) registerGauge(name, help string) {
	g := prometheus.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: name, Help: help})
	su.registry.MustRegister(g)
	su.gauges[name] = g
}

func (su *StatsUpdater) registerCounter(name, help string) {
	c := prometheus.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: name, Help: help})
	su.registry.MustRegister(c)
	su.counters[name] = c
}

func (su *StatsUpdater) Incr(name string) {
	if g, ok := su.gauges[name]; ok {
		g.Inc()
		return
	}
	if c, ok := su.counters[name]; ok {
		c.Inc()
	}
}

// Decr only applies to gauges; counters never go down.
func (su *StatsUpdater) Decr(name string) {
	if g, ok := su.gauges[name]; ok {
		g.Dec()
	}
}

func (su *StatsUpdater) Registry() *prometheus.Registry {
	return su.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (su *StatsUpdater) Handler() http.Handler {
	return promhttp.HandlerFor(su.registry, promhttp.HandlerOpts{})
}
