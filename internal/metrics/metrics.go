// Package metrics provides Prometheus metrics for the telemetry node.
// Labels stay low-cardinality: message kind and rejection reason only.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// MessagesPublishedTotal counts messages accepted by the broker, by kind (telemetry/attributes).
	MessagesPublishedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "telemetry_node_messages_published_total",
		Help: "Total number of messages published to the broker, by kind.",
	}, []string{"kind"})

	// PublishRejectedTotal counts messages that were not published, by kind and reason.
	PublishRejectedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "telemetry_node_publish_rejected_total",
		Help: "Total number of messages rejected before or during publishing, by kind and reason.",
	}, []string{"kind", "reason"})

	// BrokerConnected is 1 while the MQTT connection is up.
	BrokerConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "telemetry_node_broker_connected",
		Help: "Whether the node currently holds a broker connection (1) or not (0).",
	})

	// ConfigInfo exposes the loaded configuration identity; the value is always 1.
	ConfigInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "telemetry_node_config_info",
		Help: "Loaded device configuration, exposed as labels.",
	}, []string{"firmware_version", "board"})
)

// RecordPublished increments the published counter.
func RecordPublished(kind string) {
	MessagesPublishedTotal.WithLabelValues(kind).Inc()
}

// RecordRejected increments the rejection counter.
func RecordRejected(kind, reason string) {
	PublishRejectedTotal.WithLabelValues(kind, reason).Inc()
}

// SetBrokerConnected updates the connection gauge.
func SetBrokerConnected(connected bool) {
	if connected {
		BrokerConnected.Set(1)
		return
	}
	BrokerConnected.Set(0)
}

// SetConfigInfo publishes the info gauge for the loaded configuration.
func SetConfigInfo(firmwareVersion, board string) {
	ConfigInfo.Reset()
	ConfigInfo.WithLabelValues(firmwareVersion, board).Set(1)
}
