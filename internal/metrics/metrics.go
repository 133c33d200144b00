package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the service collectors. A nil *Metrics is valid and
// records nothing, so packages can take one optionally.
type Metrics struct {
	SessionsActive  prometheus.Gauge
	SessionsTotal   *prometheus.CounterVec
	ObserversActive prometheus.Gauge
	CallsTotal      *prometheus.CounterVec
	CallDuration    *prometheus.HistogramVec
	CallsInFlight   prometheus.Gauge
	ScanPortsTotal  *prometheus.CounterVec

	registry *prometheus.Registry
}

func NewMetrics() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.SessionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "shellmux_sessions_active",
			Help: "Number of sessions currently held by the registry",
		},
	)

	m.SessionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shellmux_sessions_total",
			Help: "Total number of sessions by outcome",
		},
		[]string{"outcome"},
	)

	m.ObserversActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "shellmux_observers_active",
			Help: "Number of attached observers across all sessions",
		},
	)

	m.CallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shellmux_virtual_calls_total",
			Help: "Total number of virtual calls by name and result",
		},
		[]string{"name", "result"},
	)

	m.CallDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "shellmux_virtual_call_duration_seconds",
			Help:    "Duration of virtual calls in seconds",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 300, 600},
		},
		[]string{"name"},
	)

	m.CallsInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "shellmux_virtual_calls_in_flight",
			Help: "Number of virtual calls waiting for completion",
		},
	)

	m.ScanPortsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shellmux_scan_ports_total",
			Help: "Total number of scanned ports by state",
		},
		[]string{"state"},
	)

	m.registry.MustRegister(
		m.SessionsActive,
		m.SessionsTotal,
		m.ObserversActive,
		m.CallsTotal,
		m.CallDuration,
		m.CallsInFlight,
		m.ScanPortsTotal,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return m
}

func (m *Metrics) SessionOpened() {
	if m == nil {
		return
	}
	m.SessionsActive.Inc()
}

// SessionClosed records the end of a session; outcome is "ended", "shutdown",
// "evicted", "failed" or "lost".
func (m *Metrics) SessionClosed(outcome string) {
	if m == nil {
		return
	}
	m.SessionsActive.Dec()
	m.SessionsTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserverAttached() {
	if m == nil {
		return
	}
	m.ObserversActive.Inc()
}

func (m *Metrics) ObserverDetached() {
	if m == nil {
		return
	}
	m.ObserversActive.Dec()
}

func (m *Metrics) CallStarted() {
	if m == nil {
		return
	}
	m.CallsInFlight.Inc()
}

func (m *Metrics) CallFinished(name, result string, d time.Duration) {
	if m == nil {
		return
	}
	m.CallsInFlight.Dec()
	m.CallsTotal.WithLabelValues(name, result).Inc()
	m.CallDuration.WithLabelValues(name).Observe(d.Seconds())
}

func (m *Metrics) PortScanned(open bool) {
	if m == nil {
		return
	}
	state := "closed"
	if open {
		state = "open"
	}
	m.ScanPortsTotal.WithLabelValues(state).Inc()
}

// Handler returns the Prometheus HTTP handler for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
