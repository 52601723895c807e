package application

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/eugenenazirov/telemetry-node/internal/api"
	"github.com/eugenenazirov/telemetry-node/internal/broker"
	"github.com/eugenenazirov/telemetry-node/internal/config"
	"github.com/eugenenazirov/telemetry-node/internal/metrics"
)

// BrokerConn is a broker connection that may still be coming up.
type BrokerConn interface {
	broker.Transport
	WaitConnected(ctx context.Context) error
	Close()
}

// Connector starts dialing the broker described by the device configuration.
// It must not block on the network.
type Connector func(dev config.DeviceConfig, logger *zap.Logger) (BrokerConn, error)

// Option configures App behaviour.
type Option func(*App)

// WithConnector replaces the MQTT dialer, primarily for tests.
func WithConnector(connect Connector) Option {
	return func(a *App) {
		a.connect = connect
	}
}

// App encapsulates the application dependencies and HTTP server.
type App struct {
	cfg       config.Config
	link      *brokerLink
	publisher *broker.Publisher
	handler   *api.Handler
	router    http.Handler
	logger    *zap.Logger
	server    *http.Server
	connect   Connector

	mu       sync.Mutex
	listener net.Listener

	stopBackground context.CancelFunc
	background     sync.WaitGroup
}

// New initializes the application with all dependencies from the provided configuration.
// The broker is not dialled until Start.
func New(cfg config.Config, logger *zap.Logger, opts ...Option) (*App, error) {
	if err := multierr.Combine(cfg.Device.Validate(), cfg.Runtime.Validate()); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	a := &App{
		cfg:     cfg,
		link:    &brokerLink{},
		logger:  logger,
		connect: dialBroker,
	}
	for _, opt := range opts {
		opt(a)
	}

	handlerOpts := []api.HandlerOption{api.WithPublishTimeout(cfg.Runtime.WriteTimeout)}
	if cfg.Device.BrokerConfigured() {
		a.publisher = broker.NewPublisher(a.link, cfg.Device,
			broker.WithRateLimit(cfg.Runtime.PublishRPS, cfg.Runtime.PublishBurst),
			broker.WithLogger(logger.Named("publisher")),
		)
		handlerOpts = append(handlerOpts, api.WithPublisher(a.publisher))
	}

	a.handler = api.NewHandler(cfg, handlerOpts...)
	a.router = api.NewRouter(a.handler, logger,
		api.WithLogging(cfg.Runtime.EnableRequestLogging),
		api.WithRateLimit(cfg.Runtime.RateLimitRPS, cfg.Runtime.RateLimitBurst),
	)
	a.server = NewServer(cfg, a.router)

	return a, nil
}

// NewServer creates and configures an HTTP server from the provided configuration.
func NewServer(cfg config.Config, handler http.Handler) *http.Server {
	addr := cfg.Runtime.Port
	if !strings.Contains(addr, ":") {
		addr = ":" + addr
	}

	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: cfg.Runtime.ReadHeaderTimeout,
		WriteTimeout:      cfg.Runtime.WriteTimeout,
		IdleTimeout:       cfg.Runtime.IdleTimeout,
	}
}

// Start dials the broker when one is configured and starts the HTTP server in
// a goroutine. It waits for the broker until ctx ends. An unreachable broker
// is not fatal: ingest answers 503 until the connection comes up, and the
// device attributes are announced once it does.
func (a *App) Start(ctx context.Context) error {
	dev := a.cfg.Device
	metrics.SetConfigInfo(dev.FirmwareVersion, dev.Board)

	if a.publisher != nil {
		conn, err := a.connect(dev, a.logger.Named("broker"))
		if err != nil {
			return fmt.Errorf("failed to connect to broker: %w", err)
		}
		a.link.set(conn)

		if err := conn.WaitConnected(ctx); err != nil {
			a.logger.Warn("broker not reachable yet, retrying in the background", zap.Error(err))
			a.announceWhenConnected(conn)
		} else {
			a.announce(ctx)
		}
	} else {
		a.logger.Warn("no broker address configured, ingest endpoints will answer 503")
	}

	ln, err := net.Listen("tcp", a.server.Addr)
	if err != nil {
		a.stopBroker()
		return fmt.Errorf("failed to listen on %s: %w", a.server.Addr, err)
	}
	a.mu.Lock()
	a.listener = ln
	a.mu.Unlock()

	go func() {
		a.logger.Info("server listening", zap.String("addr", ln.Addr().String()))
		if err := a.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("server error", zap.Error(err))
		}
	}()
	return nil
}

func (a *App) announce(ctx context.Context) {
	if err := a.publisher.AnnounceAttributes(ctx); err != nil {
		a.logger.Warn("failed to announce device attributes", zap.Error(err))
	}
}

func (a *App) announceWhenConnected(conn BrokerConn) {
	ctx, cancel := context.WithCancel(context.Background())
	a.mu.Lock()
	a.stopBackground = cancel
	a.mu.Unlock()

	a.background.Add(1)
	go func() {
		defer a.background.Done()
		if err := conn.WaitConnected(ctx); err != nil {
			return
		}
		a.logger.Info("broker reachable, announcing device attributes")
		a.announce(ctx)
	}()
}

// Shutdown stops the HTTP server, then drops the broker connection.
func (a *App) Shutdown(ctx context.Context) error {
	err := a.server.Shutdown(ctx)
	if err != nil {
		a.logger.Warn("graceful shutdown failed", zap.Error(err))
		err = multierr.Append(err, a.server.Close())
	}
	a.stopBroker()
	return err
}

func (a *App) stopBroker() {
	a.mu.Lock()
	stop := a.stopBackground
	a.mu.Unlock()
	if stop != nil {
		stop()
	}
	a.link.close()
	a.background.Wait()
}

// Addr returns the address the server listens on, or "" before Start.
func (a *App) Addr() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.listener == nil {
		return ""
	}
	return a.listener.Addr().String()
}

// Server returns the HTTP server instance for shutdown handling.
func (a *App) Server() *http.Server {
	return a.server
}

// Publisher returns the broker publisher, or nil when no broker is configured.
func (a *App) Publisher() *broker.Publisher {
	return a.publisher
}

func dialBroker(dev config.DeviceConfig, logger *zap.Logger) (BrokerConn, error) {
	client, err := broker.Dial(dev, logger)
	if err != nil {
		return nil, err
	}
	return client, nil
}
