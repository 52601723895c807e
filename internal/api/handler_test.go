package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/eugenenazirov/telemetry-node/internal/broker"
	"github.com/eugenenazirov/telemetry-node/internal/config"
)

type controllableClock struct {
	mu  sync.RWMutex
	now time.Time
}

func newControllableClock(initial time.Time) *controllableClock {
	return &controllableClock{now: initial}
}

func (c *controllableClock) Now() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.now
}

func (c *controllableClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fakePublisher struct {
	mu         sync.Mutex
	connected  bool
	err        error
	telemetry  []string
	attributes []string
}

func (f *fakePublisher) PublishTelemetry(_ context.Context, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.telemetry = append(f.telemetry, string(payload.(json.RawMessage)))
	return nil
}

func (f *fakePublisher) PublishAttributes(_ context.Context, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.attributes = append(f.attributes, string(payload.(json.RawMessage)))
	return nil
}

func (f *fakePublisher) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func testConfig() config.Config {
	cfg := config.Defaults()
	cfg.Device.BrokerAddress = "broker.local"
	cfg.Device.ClientID = "node-17"
	cfg.Device.WiFiSSID = "greenhouse"
	cfg.Device.WiFiPassword = "hunter2hunter2"
	cfg.Device.BrokerPassword = "mqtt-pass"
	cfg.Device.OTAPassword = "ota-pass"
	return cfg
}

func setupTestRouter(t *testing.T, opts ...HandlerOption) (http.Handler, *controllableClock) {
	t.Helper()

	clock := newControllableClock(time.Date(2024, 11, 1, 12, 0, 0, 0, time.UTC))
	handler := NewHandler(testConfig(), append([]HandlerOption{WithClock(clock.Now)}, opts...)...)
	router := NewRouter(handler, zaptest.NewLogger(t), WithLogging(false), WithRateLimit(0, 0))

	return router, clock
}

func postJSON(router http.Handler, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestRequestIDHelpers(t *testing.T) {
	ctx := contextWithRequestID(context.Background(), "abc")
	if got := requestIDFromContext(ctx); got != "abc" {
		t.Fatalf("expected abc, got %s", got)
	}
	if got := requestIDFromContext(context.Background()); got != "" {
		t.Fatalf("expected empty request ID, got %s", got)
	}
}

func TestHealthEndpoint(t *testing.T) {
	router, clock := setupTestRouter(t, WithPublisher(&fakePublisher{connected: true}))

	clock.Advance(time.Minute)

	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}

	var body struct {
		Status          string    `json:"status"`
		Timestamp       time.Time `json:"timestamp"`
		FirmwareVersion string    `json:"firmwareVersion"`
		BrokerConnected bool      `json:"brokerConnected"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}

	if body.Status != "ok" {
		t.Fatalf("expected status ok, got %s", body.Status)
	}
	if !body.Timestamp.Equal(clock.Now()) {
		t.Fatalf("expected timestamp %s, got %s", clock.Now(), body.Timestamp)
	}
	if body.FirmwareVersion != config.DefaultFirmwareVersion {
		t.Fatalf("expected firmware %s, got %s", config.DefaultFirmwareVersion, body.FirmwareVersion)
	}
	if !body.BrokerConnected {
		t.Fatalf("expected broker to be reported connected")
	}
}

func TestHealthEndpointWithoutBroker(t *testing.T) {
	router, _ := setupTestRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	var body struct {
		BrokerConnected bool `json:"brokerConnected"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if body.BrokerConnected {
		t.Fatalf("expected broker to be reported disconnected")
	}
}

func TestGetConfigRedactsSecrets(t *testing.T) {
	router, clock := setupTestRouter(t)

	clock.Advance(time.Hour)

	req := httptest.NewRequest(http.MethodGet, "/api/config", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}

	raw := rec.Body.String()
	for _, secret := range []string{"hunter2hunter2", "mqtt-pass", "ota-pass"} {
		if strings.Contains(raw, secret) {
			t.Fatalf("response leaks secret %q: %s", secret, raw)
		}
	}

	var body struct {
		Device struct {
			ClientID       string `json:"clientId"`
			WiFiPassword   string `json:"wifiPassword"`
			BrokerUsername string `json:"brokerUsername"`
			SensorPin      int    `json:"sensorPin"`
			TelemetryTopic string `json:"telemetryTopic"`
		} `json:"device"`
		Runtime struct {
			ShutdownGracePeriod string `json:"shutdownGracePeriod"`
			LogLevel            string `json:"logLevel"`
		} `json:"runtime"`
		LoadedAt time.Time `json:"loadedAt"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}

	if body.Device.ClientID != "node-17" {
		t.Fatalf("expected client ID node-17, got %s", body.Device.ClientID)
	}
	if body.Device.WiFiPassword != "***" {
		t.Fatalf("expected masked WiFi password, got %q", body.Device.WiFiPassword)
	}
	if body.Device.BrokerUsername != "" {
		t.Fatalf("expected unset username to render empty, got %q", body.Device.BrokerUsername)
	}
	if body.Device.SensorPin != config.DefaultSensorPin {
		t.Fatalf("expected sensor pin %d, got %d", config.DefaultSensorPin, body.Device.SensorPin)
	}
	if body.Device.TelemetryTopic != config.DefaultTelemetryTopic {
		t.Fatalf("unexpected telemetry topic %s", body.Device.TelemetryTopic)
	}
	if body.Runtime.ShutdownGracePeriod == "" || body.Runtime.LogLevel != "info" {
		t.Fatalf("unexpected runtime view: %+v", body.Runtime)
	}
	if body.LoadedAt.Equal(clock.Now()) {
		t.Fatalf("loadedAt must reflect handler creation, not request time")
	}
}

func TestPublishTelemetryAccepted(t *testing.T) {
	pub := &fakePublisher{connected: true}
	router, clock := setupTestRouter(t, WithPublisher(pub))

	rec := postJSON(router, "/api/telemetry", `{ "temperature": 21.5 }`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected status 202, got %d: %s", rec.Code, rec.Body.String())
	}

	var body struct {
		Kind       string    `json:"kind"`
		Bytes      int       `json:"bytes"`
		AcceptedAt time.Time `json:"acceptedAt"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}

	const want = `{"temperature":21.5}`
	if len(pub.telemetry) != 1 || pub.telemetry[0] != want {
		t.Fatalf("expected compacted payload %s, got %v", want, pub.telemetry)
	}
	if body.Kind != broker.KindTelemetry || body.Bytes != len(want) {
		t.Fatalf("unexpected response: %+v", body)
	}
	if !body.AcceptedAt.Equal(clock.Now()) {
		t.Fatalf("expected acceptedAt %s, got %s", clock.Now(), body.AcceptedAt)
	}
}

func TestPublishAttributesAccepted(t *testing.T) {
	pub := &fakePublisher{connected: true}
	router, _ := setupTestRouter(t, WithPublisher(pub))

	rec := postJSON(router, "/api/attributes", `{"location":"greenhouse-2"}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected status 202, got %d", rec.Code)
	}
	if len(pub.attributes) != 1 || len(pub.telemetry) != 0 {
		t.Fatalf("expected one attribute message, got %v / %v", pub.attributes, pub.telemetry)
	}
}

func TestPublishRejectsInvalidPayload(t *testing.T) {
	cases := map[string]string{
		"malformed": `{"temperature":`,
		"array":     `[21.5]`,
		"scalar":    `21.5`,
		"empty":     ``,
	}

	for name, payload := range cases {
		t.Run(name, func(t *testing.T) {
			pub := &fakePublisher{connected: true}
			router, _ := setupTestRouter(t, WithPublisher(pub))

			rec := postJSON(router, "/api/telemetry", payload)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("expected status 400, got %d", rec.Code)
			}
			if len(pub.telemetry) != 0 {
				t.Fatalf("invalid payload must not be published")
			}
		})
	}
}

func TestPublishRejectsOversizedBody(t *testing.T) {
	router, _ := setupTestRouter(t, WithPublisher(&fakePublisher{connected: true}))

	body := `{"blob":"` + strings.Repeat("x", maxIngestBodyBytes) + `"}`
	rec := postJSON(router, "/api/telemetry", body)
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected status 413, got %d", rec.Code)
	}
}

func TestPublishWithoutBroker(t *testing.T) {
	router, _ := setupTestRouter(t)

	rec := postJSON(router, "/api/telemetry", `{"temperature":21.5}`)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected status 503, got %d", rec.Code)
	}
}

func TestPublishErrorMapping(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
	}{
		{"too large", fmt.Errorf("%w: 120 bytes, buffer holds 100", broker.ErrPayloadTooLarge), http.StatusRequestEntityTooLarge},
		{"invalid", broker.ErrInvalidPayload, http.StatusBadRequest},
		{"not connected", broker.ErrNotConnected, http.StatusServiceUnavailable},
		{"rate limited", fmt.Errorf("%w: %w", broker.ErrRateLimited, context.DeadlineExceeded), http.StatusTooManyRequests},
		{"timeout", fmt.Errorf("publish telemetry: %w", context.DeadlineExceeded), http.StatusGatewayTimeout},
		{"broker", errors.New("not authorized"), http.StatusBadGateway},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			router, _ := setupTestRouter(t, WithPublisher(&fakePublisher{connected: true, err: tc.err}))

			rec := postJSON(router, "/api/telemetry", `{"temperature":21.5}`)
			if rec.Code != tc.status {
				t.Fatalf("expected status %d, got %d", tc.status, rec.Code)
			}

			var body errorResponse
			if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
				t.Fatalf("failed to decode response: %v", err)
			}
			if body.Error == "" || body.Details == "" {
				t.Fatalf("expected error and details, got %+v", body)
			}
			if tc.status == http.StatusTooManyRequests && rec.Header().Get("Retry-After") == "" {
				t.Fatalf("expected Retry-After header")
			}
		})
	}
}

func TestMetricsEndpoint(t *testing.T) {
	router, _ := setupTestRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "telemetry_node_broker_connected") {
		t.Fatalf("expected node metrics in exposition")
	}
}

func TestCorsPreflight(t *testing.T) {
	router, _ := setupTestRouter(t)

	req := httptest.NewRequest(http.MethodOptions, "/api/telemetry", nil)
	req.Header.Set("Origin", "https://example.com")
	req.Header.Set("Access-Control-Request-Method", "POST")

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected status 204, got %d", rec.Code)
	}
	if rec.Header().Get("Access-Control-Allow-Origin") == "" {
		t.Fatalf("expected Access-Control-Allow-Origin header to be set")
	}
}

func TestRequestIDPropagation(t *testing.T) {
	router, _ := setupTestRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	req.Header.Set("X-Request-ID", "test-request-id")

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if got := rec.Header().Get("X-Request-ID"); got != "test-request-id" {
		t.Fatalf("expected request ID to be echoed, got %q", got)
	}

	rec2 := httptest.NewRecorder()
	router.ServeHTTP(rec2, httptest.NewRequest(http.MethodGet, "/api/health", nil))
	if rec2.Header().Get("X-Request-ID") == "" {
		t.Fatalf("expected a generated request ID")
	}
}
