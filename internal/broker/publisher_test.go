package broker

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap/zaptest"

	"github.com/eugenenazirov/telemetry-node/internal/config"
)

type fakeToken struct {
	err  error
	done chan struct{}
}

func completedToken(err error) *fakeToken {
	done := make(chan struct{})
	close(done)
	return &fakeToken{err: err, done: done}
}

func (t *fakeToken) Wait() bool                     { <-t.done; return true }
func (t *fakeToken) WaitTimeout(time.Duration) bool { return true }
func (t *fakeToken) Done() <-chan struct{}          { return t.done }
func (t *fakeToken) Error() error                   { return t.err }

type published struct {
	topic   string
	qos     byte
	payload []byte
}

type fakeTransport struct {
	mu         sync.Mutex
	connected  bool
	publishErr error
	messages   []published
}

func (f *fakeTransport) Publish(topic string, qos byte, _ bool, payload interface{}) mqtt.Token {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, published{topic: topic, qos: qos, payload: payload.([]byte)})
	return completedToken(f.publishErr)
}

func (f *fakeTransport) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeTransport) sent() []published {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]published, len(f.messages))
	copy(out, f.messages)
	return out
}

func testDevice() config.DeviceConfig {
	dev := config.Defaults().Device
	dev.BrokerAddress = "broker.local"
	dev.ClientID = "node-17"
	return dev
}

func TestPublishTelemetry(t *testing.T) {
	t.Parallel()

	transport := &fakeTransport{connected: true}
	pub := NewPublisher(transport, testDevice(), WithLogger(zaptest.NewLogger(t)))

	if err := pub.PublishTelemetry(context.Background(), map[string]float64{"temperature": 21.5}); err != nil {
		t.Fatalf("PublishTelemetry returned error: %v", err)
	}

	sent := transport.sent()
	if len(sent) != 1 {
		t.Fatalf("expected one message, got %d", len(sent))
	}
	if sent[0].topic != config.DefaultTelemetryTopic {
		t.Fatalf("unexpected topic %s", sent[0].topic)
	}
	if sent[0].qos != 1 {
		t.Fatalf("expected default QoS 1, got %d", sent[0].qos)
	}
	if string(sent[0].payload) != `{"temperature":21.5}` {
		t.Fatalf("unexpected payload %s", sent[0].payload)
	}
}

func TestAnnounceAttributes(t *testing.T) {
	t.Parallel()

	transport := &fakeTransport{connected: true}
	pub := NewPublisher(transport, testDevice(), WithQoS(0))

	if err := pub.AnnounceAttributes(context.Background()); err != nil {
		t.Fatalf("AnnounceAttributes returned error: %v", err)
	}

	sent := transport.sent()
	if len(sent) != 1 || sent[0].topic != config.DefaultAttributeTopic || sent[0].qos != 0 {
		t.Fatalf("unexpected messages: %+v", sent)
	}

	var attrs DeviceAttributes
	if err := json.Unmarshal(sent[0].payload, &attrs); err != nil {
		t.Fatalf("decode attributes: %v", err)
	}
	want := DeviceAttributes{FirmwareVersion: "v2", ClientID: "node-17", Board: "esp32", SensorPin: 2}
	if attrs != want {
		t.Fatalf("expected %+v, got %+v", want, attrs)
	}
}

func TestPublishRejectsOversizedPayload(t *testing.T) {
	t.Parallel()

	transport := &fakeTransport{connected: true}
	dev := testDevice()
	dev.MessageBufferSize = 16
	pub := NewPublisher(transport, dev)

	err := pub.PublishTelemetry(context.Background(), map[string]string{"note": strings.Repeat("x", 32)})
	if !errors.Is(err, ErrPayloadTooLarge) {
		t.Fatalf("expected ErrPayloadTooLarge, got %v", err)
	}
	if len(transport.sent()) != 0 {
		t.Fatalf("oversized payload must not reach the broker")
	}
}

func TestPublishAcceptsPayloadAtBufferSize(t *testing.T) {
	t.Parallel()

	transport := &fakeTransport{connected: true}
	dev := testDevice()
	payload := json.RawMessage(`{"t":1}`)
	dev.MessageBufferSize = len(payload)
	pub := NewPublisher(transport, dev)

	if err := pub.PublishTelemetry(context.Background(), payload); err != nil {
		t.Fatalf("expected payload of exactly the buffer size to pass, got %v", err)
	}
}

func TestPublishRejectsInvalidRawJSON(t *testing.T) {
	t.Parallel()

	pub := NewPublisher(&fakeTransport{connected: true}, testDevice())
	if err := pub.PublishAttributes(context.Background(), []byte("{not json")); !errors.Is(err, ErrInvalidPayload) {
		t.Fatalf("expected ErrInvalidPayload, got %v", err)
	}
}

func TestPublishWhenDisconnected(t *testing.T) {
	t.Parallel()

	pub := NewPublisher(&fakeTransport{connected: false}, testDevice())
	if err := pub.PublishTelemetry(context.Background(), map[string]int{"t": 1}); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
	if pub.Connected() {
		t.Fatalf("expected Connected to be false")
	}

	noTransport := NewPublisher(nil, testDevice())
	if noTransport.Connected() {
		t.Fatalf("publisher without transport must report disconnected")
	}
}

func TestPublishPropagatesBrokerError(t *testing.T) {
	t.Parallel()

	boom := errors.New("not authorized")
	pub := NewPublisher(&fakeTransport{connected: true, publishErr: boom}, testDevice())

	if err := pub.PublishTelemetry(context.Background(), map[string]int{"t": 1}); !errors.Is(err, boom) {
		t.Fatalf("expected broker error, got %v", err)
	}
}

func TestPublishRateLimit(t *testing.T) {
	t.Parallel()

	transport := &fakeTransport{connected: true}
	pub := NewPublisher(transport, testDevice(), WithRateLimit(0.001, 1))

	if err := pub.PublishTelemetry(context.Background(), map[string]int{"t": 1}); err != nil {
		t.Fatalf("first publish should use the burst: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := pub.PublishTelemetry(ctx, map[string]int{"t": 2}); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}
	if len(transport.sent()) != 1 {
		t.Fatalf("expected only the first message to be sent")
	}
}

func TestWithRateLimitDisabled(t *testing.T) {
	t.Parallel()

	pub := NewPublisher(&fakeTransport{connected: true}, testDevice(), WithRateLimit(0, 0))
	if pub.limiter != nil {
		t.Fatalf("expected pacing to be disabled")
	}
}

func TestWaitTokenHonoursContext(t *testing.T) {
	t.Parallel()

	pending := &fakeToken{done: make(chan struct{})}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := waitToken(ctx, pending); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
