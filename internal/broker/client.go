// Package broker connects the node to its MQTT broker and publishes telemetry
// and attribute messages under the limits of the device configuration.
package broker

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"github.com/eugenenazirov/telemetry-node/internal/config"
	"github.com/eugenenazirov/telemetry-node/internal/metrics"
)

const (
	disconnectQuiesceMs = 250
	connectRetryEvery   = 10 * time.Second
)

// Client manages the MQTT connection. Publishing goes through a Publisher
// built on top of it.
type Client struct {
	client     mqtt.Client
	connecting mqtt.Token
	url        string
	logger     *zap.Logger
}

// URL returns the broker URL for the device configuration, e.g. tcp://broker.local:1883.
func URL(dev config.DeviceConfig) string {
	return "tcp://" + net.JoinHostPort(dev.BrokerAddress, strconv.Itoa(int(dev.BrokerPort)))
}

// ClientOptions builds paho client options from the device configuration.
// Credentials are revealed here and nowhere else.
func ClientOptions(dev config.DeviceConfig, logger *zap.Logger) *mqtt.ClientOptions {
	url := URL(dev)

	opts := mqtt.NewClientOptions()
	opts.AddBroker(url)
	opts.SetClientID(dev.ClientID)
	opts.SetUsername(dev.BrokerUsername.Reveal())
	opts.SetPassword(dev.BrokerPassword.Reveal())
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(connectRetryEvery)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetOnConnectHandler(func(mqtt.Client) {
		logger.Info("broker connection established", zap.String("broker", url))
		metrics.SetBrokerConnected(true)
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		logger.Warn("broker connection lost", zap.String("broker", url), zap.Error(err))
		metrics.SetBrokerConnected(false)
	})
	opts.SetReconnectingHandler(func(mqtt.Client, *mqtt.ClientOptions) {
		logger.Info("reconnecting to broker", zap.String("broker", url))
	})

	return opts
}

// Dial starts connecting to the broker and returns without waiting. The
// first attempt is retried in the background until it succeeds or the client
// is closed; until then publishes fail with ErrNotConnected.
func Dial(dev config.DeviceConfig, logger *zap.Logger) (*Client, error) {
	if !dev.BrokerConfigured() {
		return nil, ErrNotConfigured
	}

	client := mqtt.NewClient(ClientOptions(dev, logger))
	return &Client{
		client:     client,
		connecting: client.Connect(),
		url:        URL(dev),
		logger:     logger,
	}, nil
}

// WaitConnected blocks until the first connection is up or ctx ends.
// Giving up does not stop the background retries.
func (c *Client) WaitConnected(ctx context.Context) error {
	if err := waitToken(ctx, c.connecting); err != nil {
		return fmt.Errorf("connect to MQTT broker %s: %w", c.url, err)
	}
	return nil
}

// Publish sends a message; Client satisfies Transport.
func (c *Client) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	return c.client.Publish(topic, qos, retained, payload)
}

// IsConnected reports whether the network connection is up. paho's own
// IsConnected is also true while retrying, which would queue publishes.
func (c *Client) IsConnected() bool {
	return c.client.IsConnectionOpen()
}

// Close disconnects from the broker.
func (c *Client) Close() {
	c.client.Disconnect(disconnectQuiesceMs)
	metrics.SetBrokerConnected(false)
	c.logger.Info("broker disconnected", zap.String("broker", c.url))
}

func waitToken(ctx context.Context, token mqtt.Token) error {
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}
