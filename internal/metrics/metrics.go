// Package metrics holds the Prometheus counters exported by the client. A nil
// *Metrics is valid and records nothing.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "chat_client"

// Refresh results
const (
	RefreshSuccess   = "success"
	RefreshTerminal  = "terminal"
	RefreshTransient = "transient"
	RefreshSkipped   = "skipped"
)

// Reconnect results
const (
	ReconnectAttempt   = "attempt"
	ReconnectSuccess   = "success"
	ReconnectExhausted = "exhausted"
)

// Event outcomes
const (
	EventApplied   = "applied"
	EventDropped   = "dropped"
	EventDuplicate = "duplicate"
	EventBuffered  = "buffered"
	EventInvalid   = "invalid"
)

type Metrics struct {
	registry    *prometheus.Registry
	refreshes   *prometheus.CounterVec
	retries     prometheus.Counter
	reconnects  *prometheus.CounterVec
	events      *prometheus.CounterVec
	invocations *prometheus.CounterVec
}

// New creates the client metrics on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		refreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "token_refreshes_total",
			Help:      "Token refresh calls by result.",
		}, []string{"result"}),
		retries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "authorized_retries_total",
			Help:      "Requests re-issued after a 401 and a successful refresh.",
		}),
		reconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "realtime_reconnects_total",
			Help:      "Realtime reconnect attempts by result.",
		}, []string{"result"}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "realtime_events_total",
			Help:      "Pushed events by name and how they were applied.",
		}, []string{"event", "outcome"}),
		invocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "realtime_invocations_total",
			Help:      "Hub invocations by target and result.",
		}, []string{"target", "result"}),
	}
	reg.MustRegister(m.refreshes, m.retries, m.reconnects, m.events, m.invocations)
	return m
}

func (m *Metrics) Refresh(result string) {
	if m == nil {
		return
	}
	m.refreshes.WithLabelValues(result).Inc()
}

func (m *Metrics) Retry() {
	if m == nil {
		return
	}
	m.retries.Inc()
}

func (m *Metrics) Reconnect(result string) {
	if m == nil {
		return
	}
	m.reconnects.WithLabelValues(result).Inc()
}

func (m *Metrics) Event(event, outcome string) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(event, outcome).Inc()
}

func (m *Metrics) Invocation(target string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.invocations.WithLabelValues(target, result).Inc()
}

// Registry exposes the underlying registry, e.g. for promhttp or tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the metrics in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
