package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/eugenenazirov/telemetry-node/internal/broker"
	"github.com/eugenenazirov/telemetry-node/internal/config"
)

type contextKey string

const requestIDContextKey contextKey = "requestID"

const (
	maxIngestBodyBytes    = 64 << 10
	defaultPublishTimeout = 5 * time.Second
)

// Publisher is the part of the broker layer the ingest endpoints use.
type Publisher interface {
	PublishTelemetry(ctx context.Context, payload any) error
	PublishAttributes(ctx context.Context, payload any) error
	Connected() bool
}

// Handler serves the node's diagnostics and ingest endpoints.
type Handler struct {
	cfg       config.Config
	publisher Publisher

	clock          func() time.Time
	publishTimeout time.Duration
	loadedAt       time.Time
}

// HandlerOption configures Handler behaviour.
type HandlerOption func(*Handler)

// WithClock overrides the time source, primarily for tests.
func WithClock(clock func() time.Time) HandlerOption {
	return func(h *Handler) {
		h.clock = clock
	}
}

// WithPublisher attaches the broker publisher. Without one the ingest
// endpoints answer 503.
func WithPublisher(p Publisher) HandlerOption {
	return func(h *Handler) {
		h.publisher = p
	}
}

// WithPublishTimeout bounds how long an ingest request waits for the broker.
func WithPublishTimeout(d time.Duration) HandlerOption {
	return func(h *Handler) {
		if d > 0 {
			h.publishTimeout = d
		}
	}
}

// NewHandler constructs a Handler for the loaded configuration.
func NewHandler(cfg config.Config, opts ...HandlerOption) *Handler {
	h := &Handler{
		cfg: cfg,
		clock: func() time.Time {
			return time.Now().UTC()
		},
		publishTimeout: defaultPublishTimeout,
	}
	for _, opt := range opts {
		opt(h)
	}
	h.loadedAt = h.clock()
	return h
}

func (h *Handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	resp := healthResponse{
		Status:          "ok",
		Timestamp:       h.clock(),
		FirmwareVersion: h.cfg.Device.FirmwareVersion,
		BrokerConnected: h.publisher != nil && h.publisher.Connected(),
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleGetConfig(w http.ResponseWriter, _ *http.Request) {
	resp := configResponse{
		Device:   h.cfg.Device,
		Runtime:  newRuntimeView(h.cfg.Runtime),
		LoadedAt: h.loadedAt,
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handlePublishTelemetry(w http.ResponseWriter, r *http.Request) {
	h.ingest(w, r, broker.KindTelemetry, func(ctx context.Context, payload any) error {
		return h.publisher.PublishTelemetry(ctx, payload)
	})
}

func (h *Handler) handlePublishAttributes(w http.ResponseWriter, r *http.Request) {
	h.ingest(w, r, broker.KindAttributes, func(ctx context.Context, payload any) error {
		return h.publisher.PublishAttributes(ctx, payload)
	})
}

func (h *Handler) ingest(w http.ResponseWriter, r *http.Request, kind string, publish func(context.Context, any) error) {
	payload, status, details := readJSONObject(w, r)
	switch status {
	case 0:
	case http.StatusRequestEntityTooLarge:
		writeError(w, status, "Payload too large", details)
		return
	default:
		writeError(w, status, "Invalid payload", details)
		return
	}

	if h.publisher == nil {
		writeError(w, http.StatusServiceUnavailable, "Broker unavailable", "no MQTT broker is configured")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.publishTimeout)
	defer cancel()

	if err := publish(ctx, payload); err != nil {
		writePublishError(w, err)
		return
	}

	resp := publishResponse{
		Kind:       kind,
		Bytes:      len(payload),
		AcceptedAt: h.clock(),
	}
	writeJSON(w, http.StatusAccepted, resp)
}

// readJSONObject reads the request body and compacts it. A non-zero status
// reports why the body was refused.
func readJSONObject(w http.ResponseWriter, r *http.Request) (json.RawMessage, int, string) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxIngestBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, http.StatusRequestEntityTooLarge, "request body is too large"
		}
		return nil, http.StatusBadRequest, "unable to read request body"
	}

	var buf bytes.Buffer
	if err := json.Compact(&buf, body); err != nil {
		return nil, http.StatusBadRequest, "unable to parse JSON payload"
	}
	if buf.Len() == 0 || buf.Bytes()[0] != '{' {
		return nil, http.StatusBadRequest, "payload must be a JSON object"
	}
	return json.RawMessage(buf.Bytes()), 0, ""
}

func writePublishError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, broker.ErrPayloadTooLarge):
		writeError(w, http.StatusRequestEntityTooLarge, "Payload too large", err.Error())
	case errors.Is(err, broker.ErrInvalidPayload):
		writeError(w, http.StatusBadRequest, "Invalid payload", err.Error())
	case errors.Is(err, broker.ErrRateLimited):
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusTooManyRequests, "Too many requests", err.Error())
	case errors.Is(err, broker.ErrNotConnected), errors.Is(err, broker.ErrNotConfigured):
		writeError(w, http.StatusServiceUnavailable, "Broker unavailable", err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusGatewayTimeout, "Broker timeout", err.Error())
	default:
		writeError(w, http.StatusBadGateway, "Broker error", err.Error())
	}
}

func requestIDFromContext(ctx context.Context) string {
	if v := ctx.Value(requestIDContextKey); v != nil {
		if id, ok := v.(string); ok {
			return id
		}
	}
	return ""
}

type healthResponse struct {
	Status          string    `json:"status"`
	Timestamp       time.Time `json:"timestamp"`
	FirmwareVersion string    `json:"firmwareVersion"`
	BrokerConnected bool      `json:"brokerConnected"`
}

type configResponse struct {
	Device   config.DeviceConfig `json:"device"`
	Runtime  runtimeView         `json:"runtime"`
	LoadedAt time.Time           `json:"loadedAt"`
}

// runtimeView renders durations as strings, matching the YAML file format.
type runtimeView struct {
	Port                 string  `json:"port"`
	ShutdownGracePeriod  string  `json:"shutdownGracePeriod"`
	ReadHeaderTimeout    string  `json:"readHeaderTimeout"`
	WriteTimeout         string  `json:"writeTimeout"`
	IdleTimeout          string  `json:"idleTimeout"`
	EnableRequestLogging bool    `json:"enableRequestLogging"`
	RateLimitRPS         float64 `json:"rateLimitRps"`
	RateLimitBurst       int     `json:"rateLimitBurst"`
	PublishRPS           float64 `json:"publishRps"`
	PublishBurst         int     `json:"publishBurst"`
	LogLevel             string  `json:"logLevel"`
}

func newRuntimeView(rt config.RuntimeConfig) runtimeView {
	return runtimeView{
		Port:                 rt.Port,
		ShutdownGracePeriod:  rt.ShutdownGracePeriod.String(),
		ReadHeaderTimeout:    rt.ReadHeaderTimeout.String(),
		WriteTimeout:         rt.WriteTimeout.String(),
		IdleTimeout:          rt.IdleTimeout.String(),
		EnableRequestLogging: rt.EnableRequestLogging,
		RateLimitRPS:         rt.RateLimitRPS,
		RateLimitBurst:       rt.RateLimitBurst,
		PublishRPS:           rt.PublishRPS,
		PublishBurst:         rt.PublishBurst,
		LogLevel:             rt.LogLevel,
	}
}

type publishResponse struct {
	Kind       string    `json:"kind"`
	Bytes      int       `json:"bytes"`
	AcceptedAt time.Time `json:"acceptedAt"`
}

type errorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	if status != 0 {
		w.WriteHeader(status)
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message, details string) {
	writeJSON(w, status, errorResponse{
		Error:   message,
		Details: details,
	})
}
