package service

import (
	"net/http"
	"time"

	"github.com/mir00r/registry-gateway/internal/domain"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus collectors of both processes. Every method is
// safe to call on a nil *Metrics, so components can be built without metrics.
type Metrics struct {
	registry *prometheus.Registry

	registryInstances  *prometheus.GaugeVec
	registryEvents     *prometheus.CounterVec
	registrySweeps     prometheus.Counter
	eventsDropped      prometheus.Counter
	routeRefreshes     *prometheus.CounterVec
	routeServices      prometheus.Gauge
	gatewayRequests    *prometheus.CounterVec
	gatewayDuration    *prometheus.HistogramVec
	shortCircuits      *prometheus.CounterVec
	breakerState       *prometheus.GaugeVec
	breakerTransitions *prometheus.CounterVec
}

// NewMetrics creates the collectors on a private registry
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		registryInstances: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "registry_instances",
			Help: "Live instances per service as of the last snapshot.",
		}, []string{"service"}),
		registryEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "registry_events_total",
			Help: "Registry mutations by event type.",
		}, []string{"type"}),
		registrySweeps: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "registry_sweeps_total",
			Help: "Completed lease expiry sweeps.",
		}),
		eventsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "registry_events_dropped_total",
			Help: "Registry events dropped because the dispatch queue was full.",
		}),
		routeRefreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "route_table_refreshes_total",
			Help: "Route table refresh attempts by result.",
		}, []string{"result"}),
		routeServices: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "route_table_services",
			Help: "Services known to the route table.",
		}),
		gatewayRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_requests_total",
			Help: "Gateway requests by route and outcome.",
		}, []string{"route", "outcome"}),
		gatewayDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gateway_request_duration_seconds",
			Help:    "Time spent forwarding requests, per route.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
		shortCircuits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_short_circuits_total",
			Help: "Requests rejected by an open circuit breaker.",
		}, []string{"route"}),
		breakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "breaker_state",
			Help: "Circuit breaker state per route (0 closed, 1 open, 2 half-open).",
		}, []string{"route"}),
		breakerTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "breaker_transitions_total",
			Help: "Circuit breaker transitions per route and target state.",
		}, []string{"route", "to"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.registryInstances,
		m.registryEvents,
		m.registrySweeps,
		m.eventsDropped,
		m.routeRefreshes,
		m.routeServices,
		m.gatewayRequests,
		m.gatewayDuration,
		m.shortCircuits,
		m.breakerState,
		m.breakerTransitions,
	)
	return m
}

// Handler serves the metrics in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordEvent counts one registry event
func (m *Metrics) RecordEvent(t domain.EventType) {
	if m == nil {
		return
	}
	m.registryEvents.WithLabelValues(string(t)).Inc()
}

// RecordDroppedEvent counts an event that never reached the sinks
func (m *Metrics) RecordDroppedEvent() {
	if m == nil {
		return
	}
	m.eventsDropped.Inc()
}

// RecordSweep counts a completed sweep
func (m *Metrics) RecordSweep() {
	if m == nil {
		return
	}
	m.registrySweeps.Inc()
}

// SetInstances publishes per-service instance counts from a snapshot
func (m *Metrics) SetInstances(snapshot domain.Snapshot) {
	if m == nil {
		return
	}
	for name, instances := range snapshot {
		m.registryInstances.WithLabelValues(name).Set(float64(len(instances)))
	}
}

// RecordRefresh counts a route table refresh
func (m *Metrics) RecordRefresh(ok bool, services int) {
	if m == nil {
		return
	}
	if !ok {
		m.routeRefreshes.WithLabelValues("error").Inc()
		return
	}
	m.routeRefreshes.WithLabelValues("ok").Inc()
	m.routeServices.Set(float64(services))
}

// ObserveRequest records one gateway request
func (m *Metrics) ObserveRequest(route, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.gatewayRequests.WithLabelValues(route, outcome).Inc()
	m.gatewayDuration.WithLabelValues(route).Observe(elapsed.Seconds())
}

// RecordShortCircuit counts a request rejected by the breaker
func (m *Metrics) RecordShortCircuit(route string) {
	if m == nil {
		return
	}
	m.shortCircuits.WithLabelValues(route).Inc()
}

// RecordTransition publishes a breaker state change
func (m *Metrics) RecordTransition(route string, _, to domain.CircuitState) {
	if m == nil {
		return
	}
	m.breakerState.WithLabelValues(route).Set(float64(to))
	m.breakerTransitions.WithLabelValues(route, to.String()).Inc()
}
