package server

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Delivery outcomes for RecordDelivery
const (
	DeliveryDelivered = "delivered"
	DeliveryOffline   = "offline"
	DeliveryFailed    = "failed"
)

// Metrics holds all Prometheus metrics for the server
type Metrics struct {
	gatherer prometheus.Gatherer

	// Session metrics
	activeSessions       prometheus.Gauge
	boundIdentities      prometheus.Gauge
	sessionsCreated      prometheus.Counter
	sessionsDisconnected *prometheus.CounterVec // by reason

	// Message type metrics
	messagesReceived *prometheus.CounterVec // by message type
	messagesSent     *prometheus.CounterVec // by message type
	deliveries       *prometheus.CounterVec // by outcome

	// Wire-level metrics
	protocolErrors      *prometheus.CounterVec // by kind
	handshakeRejections *prometheus.CounterVec // by status
	framesReceived      *prometheus.CounterVec // by opcode
	listenOverflows     prometheus.Counter
}

// NewMetrics registers all metrics with reg
func NewMetrics(reg *prometheus.Registry) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		gatherer: reg,
		activeSessions: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "phonerelay_active_sessions",
				Help: "Current number of open connections",
			},
		),
		boundIdentities: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "phonerelay_bound_identities",
				Help: "Current number of identities mapped to a connection",
			},
		),
		sessionsCreated: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "phonerelay_sessions_created_total",
				Help: "Total number of sessions created",
			},
		),
		sessionsDisconnected: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "phonerelay_sessions_disconnected_total",
				Help: "Total number of sessions disconnected by reason",
			},
			[]string{"reason"},
		),
		messagesReceived: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "phonerelay_messages_received_total",
				Help: "Total number of application messages received by type",
			},
			[]string{"type"},
		),
		messagesSent: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "phonerelay_messages_sent_total",
				Help: "Total number of application messages sent by type",
			},
			[]string{"type"},
		),
		deliveries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "phonerelay_deliveries_total",
				Help: "Routed messages by delivery outcome",
			},
			[]string{"outcome"},
		),
		protocolErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "phonerelay_protocol_errors_total",
				Help: "Connections torn down because of a corrupt frame stream",
			},
			[]string{"kind"},
		),
		handshakeRejections: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "phonerelay_handshake_rejections_total",
				Help: "Upgrade requests rejected by HTTP status",
			},
			[]string{"status"},
		),
		framesReceived: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "phonerelay_frames_received_total",
				Help: "Decoded frames by opcode",
			},
			[]string{"opcode"},
		),
		listenOverflows: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "phonerelay_listen_overflows_total",
				Help: "Connections dropped by the kernel because the accept queue was full",
			},
		),
	}
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// RecordActiveSessions updates the active session count
func (m *Metrics) RecordActiveSessions(count int) {
	m.activeSessions.Set(float64(count))
}

// RecordBoundIdentities updates the bound identity count
func (m *Metrics) RecordBoundIdentities(count int) {
	m.boundIdentities.Set(float64(count))
}

// RecordSessionCreated increments the session creation counter
func (m *Metrics) RecordSessionCreated() {
	m.sessionsCreated.Inc()
}

// RecordSessionDisconnected increments the disconnection counter for reason
func (m *Metrics) RecordSessionDisconnected(reason string) {
	m.sessionsDisconnected.WithLabelValues(reason).Inc()
}

// RecordMessageReceived increments the message received counter for a type
func (m *Metrics) RecordMessageReceived(messageType string) {
	m.messagesReceived.WithLabelValues(messageType).Inc()
}

// RecordMessageSent increments the message sent counter for a type
func (m *Metrics) RecordMessageSent(messageType string) {
	m.messagesSent.WithLabelValues(messageType).Inc()
}

// RecordDelivery counts a routed message by outcome
func (m *Metrics) RecordDelivery(outcome string) {
	m.deliveries.WithLabelValues(outcome).Inc()
}

// RecordProtocolError counts a teardown caused by a corrupt stream
func (m *Metrics) RecordProtocolError(kind string) {
	m.protocolErrors.WithLabelValues(kind).Inc()
}

// RecordHandshakeRejection counts a rejected upgrade
func (m *Metrics) RecordHandshakeRejection(status int) {
	m.handshakeRejections.WithLabelValues(strconv.Itoa(status)).Inc()
}

// RecordFrameReceived counts a decoded frame
func (m *Metrics) RecordFrameReceived(opcode string) {
	m.framesReceived.WithLabelValues(opcode).Inc()
}

// RecordListenOverflows adds kernel accept queue drops observed since the last check
func (m *Metrics) RecordListenOverflows(delta uint64) {
	m.listenOverflows.Add(float64(delta))
}

// messageTypeLabel bounds label cardinality to known types
func messageTypeLabel(msgType string) string {
	switch msgType {
	case "login", "send", "login_ok", "sent_ok", "receive", "error":
		return msgType
	default:
		return "unknown"
	}
}
