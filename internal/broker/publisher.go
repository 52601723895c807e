package broker

import (
	"context"
	"encoding/json"
	"fmt"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/eugenenazirov/telemetry-node/internal/config"
	"github.com/eugenenazirov/telemetry-node/internal/metrics"
)

// Message kinds, used for topics, logs and metric labels.
const (
	KindTelemetry  = "telemetry"
	KindAttributes = "attributes"
)

// Transport is the subset of the paho client the Publisher needs.
type Transport interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	IsConnected() bool
}

// DeviceAttributes is announced on the attribute topic after connecting.
type DeviceAttributes struct {
	FirmwareVersion string `json:"firmwareVersion"`
	ClientID        string `json:"clientId,omitempty"`
	Board           string `json:"board"`
	SensorPin       int    `json:"sensorPin"`
}

// Publisher encodes payloads as JSON and publishes them on the configured
// topics. Payloads larger than the message buffer are refused before they
// reach the broker.
type Publisher struct {
	transport      Transport
	telemetryTopic string
	attributeTopic string
	bufferSize     int
	attributes     DeviceAttributes

	qos     byte
	limiter *rate.Limiter
	logger  *zap.Logger
}

// PublisherOption configures Publisher behaviour.
type PublisherOption func(*Publisher)

// WithRateLimit paces publishes with a token bucket. A non-positive rate disables pacing.
func WithRateLimit(ratePerSecond float64, burst int) PublisherOption {
	return func(p *Publisher) {
		if ratePerSecond <= 0 {
			p.limiter = nil
			return
		}
		if burst <= 0 {
			burst = 1
		}
		p.limiter = rate.NewLimiter(rate.Limit(ratePerSecond), burst)
	}
}

// WithQoS sets the MQTT quality of service for published messages.
func WithQoS(qos byte) PublisherOption {
	return func(p *Publisher) {
		p.qos = qos
	}
}

// WithLogger attaches a logger; the default discards everything.
func WithLogger(logger *zap.Logger) PublisherOption {
	return func(p *Publisher) {
		p.logger = logger
	}
}

// NewPublisher creates a publisher for the device's topics and buffer size.
func NewPublisher(transport Transport, dev config.DeviceConfig, opts ...PublisherOption) *Publisher {
	p := &Publisher{
		transport:      transport,
		telemetryTopic: dev.TelemetryTopic,
		attributeTopic: dev.AttributeTopic,
		bufferSize:     dev.MessageBufferSize,
		attributes: DeviceAttributes{
			FirmwareVersion: dev.FirmwareVersion,
			ClientID:        dev.ClientID,
			Board:           dev.Board,
			SensorPin:       dev.SensorPin,
		},
		qos:    1,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// PublishTelemetry publishes a reading on the telemetry topic.
func (p *Publisher) PublishTelemetry(ctx context.Context, payload any) error {
	return p.publish(ctx, KindTelemetry, p.telemetryTopic, payload)
}

// PublishAttributes publishes device metadata on the attribute topic.
func (p *Publisher) PublishAttributes(ctx context.Context, payload any) error {
	return p.publish(ctx, KindAttributes, p.attributeTopic, payload)
}

// AnnounceAttributes publishes the device's own attributes.
func (p *Publisher) AnnounceAttributes(ctx context.Context) error {
	return p.PublishAttributes(ctx, p.attributes)
}

// Connected reports whether the underlying transport is connected.
func (p *Publisher) Connected() bool {
	return p.transport != nil && p.transport.IsConnected()
}

func (p *Publisher) publish(ctx context.Context, kind, topic string, payload any) error {
	data, err := encodePayload(payload)
	if err != nil {
		metrics.RecordRejected(kind, "encode")
		return fmt.Errorf("encode %s payload: %w", kind, err)
	}

	if len(data) > p.bufferSize {
		metrics.RecordRejected(kind, "too_large")
		return fmt.Errorf("%w: %d bytes, buffer holds %d", ErrPayloadTooLarge, len(data), p.bufferSize)
	}

	if !p.Connected() {
		metrics.RecordRejected(kind, "not_connected")
		return ErrNotConnected
	}

	if p.limiter != nil {
		if err := p.limiter.Wait(ctx); err != nil {
			metrics.RecordRejected(kind, "rate_limited")
			return fmt.Errorf("%w: %w", ErrRateLimited, err)
		}
	}

	if err := waitToken(ctx, p.transport.Publish(topic, p.qos, false, data)); err != nil {
		metrics.RecordRejected(kind, "broker")
		return fmt.Errorf("publish %s to %s: %w", kind, topic, err)
	}

	metrics.RecordPublished(kind)
	p.logger.Debug("message published",
		zap.String("kind", kind),
		zap.String("topic", topic),
		zap.Int("bytes", len(data)),
	)
	return nil
}

func encodePayload(payload any) ([]byte, error) {
	switch v := payload.(type) {
	case json.RawMessage:
		return validJSON(v)
	case []byte:
		return validJSON(v)
	default:
		return json.Marshal(payload)
	}
}

func validJSON(data []byte) ([]byte, error) {
	if !json.Valid(data) {
		return nil, ErrInvalidPayload
	}
	return data, nil
}
