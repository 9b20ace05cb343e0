// Package metrics holds the Prometheus collectors shared by the bridge components.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Transport labels.
const (
	TransportProtocol = "protocol"
	TransportPost     = "post"
)

// Outcome labels for settled calls.
const (
	OutcomeOk        = "ok"
	OutcomeError     = "error"
	OutcomeCancelled = "cancelled"
)

// Metrics holds all bridge metrics. A nil *Metrics is valid and records nothing.
type Metrics struct {
	Invocations        *prometheus.CounterVec
	Settled            *prometheus.CounterVec
	TransportFallbacks prometheus.Counter
	StaleCallbacks     prometheus.Counter
	IsolationDropped   *prometheus.CounterVec
	ChannelBuffered    prometheus.Counter
	ChannelDropped     prometheus.Counter
}

// New creates the bridge metrics and registers them on reg.
// Pass prometheus.NewRegistry() in tests to avoid duplicate registration.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Invocations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ipc_invocations_total",
				Help: "Total number of messages handed to a transport",
			},
			[]string{"transport"},
		),
		Settled: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ipc_calls_settled_total",
				Help: "Total number of settled invoke calls",
			},
			[]string{"outcome"},
		),
		TransportFallbacks: factory.NewCounter(prometheus.CounterOpts{
			Name: "ipc_transport_fallbacks_total",
			Help: "Custom-protocol failures that switched the session to the post transport",
		}),
		StaleCallbacks: factory.NewCounter(prometheus.CounterOpts{
			Name: "ipc_stale_callbacks_total",
			Help: "Responses delivered to tokens no longer registered",
		}),
		IsolationDropped: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ipc_isolation_dropped_total",
				Help: "Messages dropped by the isolation relay",
			},
			[]string{"reason"},
		),
		ChannelBuffered: factory.NewCounter(prometheus.CounterOpts{
			Name: "ipc_channel_buffered_total",
			Help: "Channel messages that arrived ahead of their turn",
		}),
		ChannelDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "ipc_channel_dropped_total",
			Help: "Channel messages dropped as stale or duplicate",
		}),
	}
}

// Invoked records a message handed to the given transport.
func (m *Metrics) Invoked(transport string) {
	if m == nil {
		return
	}
	m.Invocations.WithLabelValues(transport).Inc()
}

// CallSettled records the outcome of a call.
func (m *Metrics) CallSettled(outcome string) {
	if m == nil {
		return
	}
	m.Settled.WithLabelValues(outcome).Inc()
}

// Fallback records a switch to the post transport.
func (m *Metrics) Fallback() {
	if m == nil {
		return
	}
	m.TransportFallbacks.Inc()
}

// Stale records a delivery to an unknown token.
func (m *Metrics) Stale() {
	if m == nil {
		return
	}
	m.StaleCallbacks.Inc()
}

// IsolationDrop records a message dropped by the relay.
func (m *Metrics) IsolationDrop(reason string) {
	if m == nil {
		return
	}
	m.IsolationDropped.WithLabelValues(reason).Inc()
}

// Buffered records an out-of-order channel message.
func (m *Metrics) Buffered() {
	if m == nil {
		return
	}
	m.ChannelBuffered.Inc()
}

// ChannelDrop records a stale or duplicate channel message.
func (m *Metrics) ChannelDrop() {
	if m == nil {
		return
	}
	m.ChannelDropped.Inc()
}
