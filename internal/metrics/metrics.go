// Package metrics exposes Prometheus collectors for sessions and the
// operator relay. Every method is safe to call on a nil *Metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "switchboard"

// Metrics holds the collectors.
type Metrics struct {
	reg prometheus.Gatherer

	transitions   *prometheus.CounterVec
	reaped        prometheus.Counter
	notifications *prometheus.CounterVec
	inbound       *prometheus.CounterVec
	pollErrors    prometheus.Counter
	pollCursor    prometheus.Gauge
	clients       prometheus.Gauge
}

// MustNew creates the collectors and registers them with reg, panicking on
// a registration error. Tests should pass a fresh prometheus.NewRegistry().
func MustNew(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	m := &Metrics{
		reg: reg,
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "transitions_total",
			Help:      "Committed session status transitions.",
		}, []string{"from", "to", "triggered_by"}),
		reaped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "reaped_total",
			Help:      "Sessions closed because their heartbeat went stale.",
		}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "notifications_total",
			Help:      "Operator notifications by kind and result (sent, failed, skipped).",
		}, []string{"kind", "result"}),
		inbound: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "inbound_messages_total",
			Help:      "Inbound operator messages by outcome.",
		}, []string{"outcome"}),
		pollErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "poll_errors_total",
			Help:      "Failed update fetches from the bot API.",
		}),
		pollCursor: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "poll_cursor",
			Help:      "Last update id seen by the poller.",
		}),
		clients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "widget",
			Name:      "clients",
			Help:      "Widget clients with a live session manager.",
		}),
	}
	reg.MustRegister(m.transitions, m.reaped, m.notifications, m.inbound, m.pollErrors, m.pollCursor, m.clients)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.HandlerFor(prometheus.NewRegistry(), promhttp.HandlerOpts{})
	}
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

// Transition counts one committed status change.
func (m *Metrics) Transition(from, to, by string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(from, to, by).Inc()
}

// Reaped counts one stale session closed by the reaper.
func (m *Metrics) Reaped() {
	if m == nil {
		return
	}
	m.reaped.Inc()
}

// Notification counts one notification attempt.
func (m *Metrics) Notification(kind, result string) {
	if m == nil {
		return
	}
	m.notifications.WithLabelValues(kind, result).Inc()
}

// Inbound counts one inbound operator message by outcome.
func (m *Metrics) Inbound(outcome string) {
	if m == nil {
		return
	}
	m.inbound.WithLabelValues(outcome).Inc()
}

// PollError counts a failed fetch.
func (m *Metrics) PollError() {
	if m == nil {
		return
	}
	m.pollErrors.Inc()
}

// PollCursor records the poller's cursor.
func (m *Metrics) PollCursor(cursor int64) {
	if m == nil {
		return
	}
	m.pollCursor.Set(float64(cursor))
}

// Clients records the number of live widget clients.
func (m *Metrics) Clients(n int) {
	if m == nil {
		return
	}
	m.clients.Set(float64(n))
}
