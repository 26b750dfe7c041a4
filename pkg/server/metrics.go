package server

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the socket servers.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	// Session metrics
	activeSessions      *prometheus.GaugeVec
	connectionsAccepted *prometheus.CounterVec
	connectionsRejected *prometheus.CounterVec
	disconnections      *prometheus.CounterVec

	// Frame metrics
	messagesReceived *prometheus.CounterVec // by framework
	framesDropped    *prometheus.CounterVec
	bufferOverflows  *prometheus.CounterVec
	messagesLimited  *prometheus.CounterVec

	// Outbound metrics
	messagesSent    *prometheus.CounterVec
	sendFailures    *prometheus.CounterVec
	broadcastFanout prometheus.Histogram

	// Performance metrics
	dispatchDuration prometheus.Histogram
	observerFailures prometheus.Counter
}

// NewMetrics registers the metrics with reg. Pass prometheus.DefaultRegisterer
// to expose them on the default /metrics handler.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		activeSessions: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "metasock_active_sessions",
				Help: "Current number of active sessions per server",
			},
			[]string{"server"},
		),
		connectionsAccepted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "metasock_connections_accepted_total",
				Help: "Total number of connections admitted as sessions",
			},
			[]string{"server", "transport"},
		),
		connectionsRejected: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "metasock_connections_rejected_total",
				Help: "Total number of connections closed because the server was at capacity",
			},
			[]string{"server"},
		),
		disconnections: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "metasock_disconnections_total",
				Help: "Total number of sessions that ended, by final state",
			},
			[]string{"server", "reason"},
		),
		messagesReceived: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "metasock_messages_received_total",
				Help: "Total number of valid messages received",
			},
			[]string{"server", "framework"},
		),
		framesDropped: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "metasock_frames_dropped_total",
				Help: "Total number of malformed or invalid frames discarded",
			},
			[]string{"server"},
		),
		bufferOverflows: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "metasock_buffer_overflows_total",
				Help: "Total number of sessions closed for exceeding the frame buffer cap",
			},
			[]string{"server"},
		),
		messagesLimited: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "metasock_messages_rate_limited_total",
				Help: "Total number of valid messages discarded by the per-session rate limit",
			},
			[]string{"server"},
		),
		messagesSent: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "metasock_messages_sent_total",
				Help: "Total number of messages written to sessions",
			},
			[]string{"server"},
		),
		sendFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "metasock_send_failures_total",
				Help: "Total number of failed writes to sessions",
			},
			[]string{"server"},
		),
		broadcastFanout: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "metasock_broadcast_fanout",
				Help:    "Number of sessions that received each broadcast",
				Buckets: []float64{0, 1, 5, 10, 25, 50, 100, 250, 500, 1000},
			},
		),
		dispatchDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "metasock_dispatch_duration_seconds",
				Help:    "Time spent running message observers for one message",
				Buckets: prometheus.DefBuckets,
			},
		),
		observerFailures: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "metasock_observer_failures_total",
				Help: "Total number of message observers that returned an error or panicked",
			},
		),
	}
}

// RecordActiveSessions updates the live session gauge for a server
func (m *Metrics) RecordActiveSessions(server string, count int) {
	if m == nil {
		return
	}
	m.activeSessions.WithLabelValues(server).Set(float64(count))
}

// RecordConnectionAccepted increments the admitted connection counter
func (m *Metrics) RecordConnectionAccepted(server, transport string) {
	if m == nil {
		return
	}
	m.connectionsAccepted.WithLabelValues(server, transport).Inc()
}

// RecordConnectionRejected increments the capacity rejection counter
func (m *Metrics) RecordConnectionRejected(server string) {
	if m == nil {
		return
	}
	m.connectionsRejected.WithLabelValues(server).Inc()
}

// RecordDisconnection counts a finished session by its final state
func (m *Metrics) RecordDisconnection(server string, reason ConnState) {
	if m == nil {
		return
	}
	m.disconnections.WithLabelValues(server, reason.String()).Inc()
}

// RecordMessageReceived increments the received message counter
func (m *Metrics) RecordMessageReceived(server, framework string) {
	if m == nil {
		return
	}
	m.messagesReceived.WithLabelValues(server, framework).Inc()
}

// RecordFramesDropped adds n to the dropped frame counter
func (m *Metrics) RecordFramesDropped(server string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.framesDropped.WithLabelValues(server).Add(float64(n))
}

// RecordBufferOverflow increments the buffer overflow counter
func (m *Metrics) RecordBufferOverflow(server string) {
	if m == nil {
		return
	}
	m.bufferOverflows.WithLabelValues(server).Inc()
}

// RecordMessageLimited increments the rate-limited message counter
func (m *Metrics) RecordMessageLimited(server string) {
	if m == nil {
		return
	}
	m.messagesLimited.WithLabelValues(server).Inc()
}

// RecordMessageSent increments the sent message counter
func (m *Metrics) RecordMessageSent(server string) {
	if m == nil {
		return
	}
	m.messagesSent.WithLabelValues(server).Inc()
}

// RecordSendFailure increments the failed write counter
func (m *Metrics) RecordSendFailure(server string) {
	if m == nil {
		return
	}
	m.sendFailures.WithLabelValues(server).Inc()
}

// RecordBroadcast records how many sessions a broadcast reached
func (m *Metrics) RecordBroadcast(delivered int) {
	if m == nil {
		return
	}
	m.broadcastFanout.Observe(float64(delivered))
}

// RecordDispatch records how long the message observers took
func (m *Metrics) RecordDispatch(d time.Duration, failed int) {
	if m == nil {
		return
	}
	m.dispatchDuration.Observe(d.Seconds())
	if failed > 0 {
		m.observerFailures.Add(float64(failed))
	}
}
