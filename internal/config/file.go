package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"
)

// fileConfig represents the YAML configuration file structure. Pointer
// fields distinguish an absent key from an explicit zero value.
type fileConfig struct {
	FirmwareVersion *string       `yaml:"firmware_version,omitempty"`
	Board           *string       `yaml:"board,omitempty"`
	WiFi            fileWiFi      `yaml:"wifi"`
	MQTT            fileMQTT      `yaml:"mqtt"`
	OTA             fileOTA       `yaml:"ota"`
	Sensor          fileSensor    `yaml:"sensor"`
	NTP             fileNTP       `yaml:"ntp"`
	Server          fileServer    `yaml:"server"`
	Publish         fileRateLimit `yaml:"publish"`
	LogLevel        *string       `yaml:"log_level,omitempty"`
}

type fileWiFi struct {
	SSID     *string `yaml:"ssid,omitempty"`
	Password *string `yaml:"password,omitempty"`
}

type fileMQTT struct {
	Address           *string    `yaml:"address,omitempty"`
	Port              *int       `yaml:"port,omitempty"`
	ClientID          *string    `yaml:"client_id,omitempty"`
	Username          *string    `yaml:"username,omitempty"`
	Password          *string    `yaml:"password,omitempty"`
	MessageBufferSize *int       `yaml:"message_buffer_size,omitempty"`
	Topics            fileTopics `yaml:"topics"`
}

type fileTopics struct {
	Telemetry  *string `yaml:"telemetry,omitempty"`
	Attributes *string `yaml:"attributes,omitempty"`
}

type fileOTA struct {
	Password *string `yaml:"password,omitempty"`
}

type fileSensor struct {
	OneWirePin *int `yaml:"onewire_pin,omitempty"`
}

type fileNTP struct {
	Server *string `yaml:"server,omitempty"`
}

type fileServer struct {
	Port                 *string       `yaml:"port,omitempty"`
	ShutdownGracePeriod  *string       `yaml:"shutdown_grace_period,omitempty"`
	ReadHeaderTimeout    *string       `yaml:"read_header_timeout,omitempty"`
	WriteTimeout         *string       `yaml:"write_timeout,omitempty"`
	IdleTimeout          *string       `yaml:"idle_timeout,omitempty"`
	EnableRequestLogging *bool         `yaml:"enable_request_logging,omitempty"`
	RateLimit            fileRateLimit `yaml:"rate_limit"`
}

type fileRateLimit struct {
	RPS   *float64 `yaml:"rps,omitempty"`
	Burst *int     `yaml:"burst,omitempty"`
}

// loadFromFile loads configuration from a YAML file. Unknown keys are
// rejected so that a misspelt setting does not silently fall back to its default.
func loadFromFile(path string) (*fileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, wrapFileError(path, err)
	}

	var fileCfg fileConfig
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&fileCfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, wrapFileError(path, fmt.Errorf("parse YAML: %w", err))
	}

	return &fileCfg, nil
}

// applyFileConfig applies YAML configuration to the Config struct.
func applyFileConfig(cfg *Config, f *fileConfig) error {
	var errs error
	dev := &cfg.Device
	rt := &cfg.Runtime

	copyString(&dev.FirmwareVersion, f.FirmwareVersion)
	copyString(&dev.Board, f.Board)
	copyString(&dev.WiFiSSID, f.WiFi.SSID)
	copySecret(&dev.WiFiPassword, f.WiFi.Password)
	copyString(&dev.BrokerAddress, f.MQTT.Address)
	copyString(&dev.ClientID, f.MQTT.ClientID)
	copySecret(&dev.BrokerUsername, f.MQTT.Username)
	copySecret(&dev.BrokerPassword, f.MQTT.Password)
	copySecret(&dev.OTAPassword, f.OTA.Password)
	copyString(&dev.NTPServer, f.NTP.Server)
	copyString(&dev.TelemetryTopic, f.MQTT.Topics.Telemetry)
	copyString(&dev.AttributeTopic, f.MQTT.Topics.Attributes)

	if f.MQTT.Port != nil {
		port, err := parsePort("mqtt.port", *f.MQTT.Port)
		errs = multierr.Append(errs, err)
		if err == nil {
			dev.BrokerPort = port
		}
	}
	if f.MQTT.MessageBufferSize != nil {
		dev.MessageBufferSize = *f.MQTT.MessageBufferSize
	}
	if f.Sensor.OneWirePin != nil {
		dev.SensorPin = *f.Sensor.OneWirePin
	}

	copyString(&rt.Port, f.Server.Port)
	copyString(&rt.LogLevel, f.LogLevel)
	if f.Server.EnableRequestLogging != nil {
		rt.EnableRequestLogging = *f.Server.EnableRequestLogging
	}

	durations := []struct {
		raw   *string
		dst   *time.Duration
		field string
	}{
		{f.Server.ShutdownGracePeriod, &rt.ShutdownGracePeriod, "server.shutdown_grace_period"},
		{f.Server.ReadHeaderTimeout, &rt.ReadHeaderTimeout, "server.read_header_timeout"},
		{f.Server.WriteTimeout, &rt.WriteTimeout, "server.write_timeout"},
		{f.Server.IdleTimeout, &rt.IdleTimeout, "server.idle_timeout"},
	}
	for _, d := range durations {
		if d.raw != nil {
			errs = multierr.Append(errs, parseDurationInto(d.dst, *d.raw, d.field))
		}
	}

	if f.Server.RateLimit.RPS != nil {
		rt.RateLimitRPS = *f.Server.RateLimit.RPS
	}
	if f.Server.RateLimit.Burst != nil {
		rt.RateLimitBurst = *f.Server.RateLimit.Burst
	}
	if f.Publish.RPS != nil {
		rt.PublishRPS = *f.Publish.RPS
	}
	if f.Publish.Burst != nil {
		rt.PublishBurst = *f.Publish.Burst
	}

	return errs
}

// toFileConfig renders cfg as a YAML document. Secrets go through
// Secret.String, so the document never carries plaintext credentials.
func toFileConfig(cfg Config) fileConfig {
	dev := cfg.Device
	rt := cfg.Runtime
	port := int(dev.BrokerPort)

	return fileConfig{
		FirmwareVersion: ptr(dev.FirmwareVersion),
		Board:           ptr(dev.Board),
		WiFi: fileWiFi{
			SSID:     ptr(dev.WiFiSSID),
			Password: ptr(dev.WiFiPassword.String()),
		},
		MQTT: fileMQTT{
			Address:           ptr(dev.BrokerAddress),
			Port:              &port,
			ClientID:          ptr(dev.ClientID),
			Username:          ptr(dev.BrokerUsername.String()),
			Password:          ptr(dev.BrokerPassword.String()),
			MessageBufferSize: ptr(dev.MessageBufferSize),
			Topics: fileTopics{
				Telemetry:  ptr(dev.TelemetryTopic),
				Attributes: ptr(dev.AttributeTopic),
			},
		},
		OTA:    fileOTA{Password: ptr(dev.OTAPassword.String())},
		Sensor: fileSensor{OneWirePin: ptr(dev.SensorPin)},
		NTP:    fileNTP{Server: ptr(dev.NTPServer)},
		Server: fileServer{
			Port:                 ptr(rt.Port),
			ShutdownGracePeriod:  ptr(rt.ShutdownGracePeriod.String()),
			ReadHeaderTimeout:    ptr(rt.ReadHeaderTimeout.String()),
			WriteTimeout:         ptr(rt.WriteTimeout.String()),
			IdleTimeout:          ptr(rt.IdleTimeout.String()),
			EnableRequestLogging: ptr(rt.EnableRequestLogging),
			RateLimit: fileRateLimit{
				RPS:   ptr(rt.RateLimitRPS),
				Burst: ptr(rt.RateLimitBurst),
			},
		},
		Publish: fileRateLimit{
			RPS:   ptr(rt.PublishRPS),
			Burst: ptr(rt.PublishBurst),
		},
		LogLevel: ptr(rt.LogLevel),
	}
}

// MarshalYAML renders the effective configuration in the file layout with
// credentials redacted.
func (c Config) MarshalYAML() (any, error) {
	return toFileConfig(c), nil
}

func copyString(dst *string, src *string) {
	if src != nil {
		*dst = *src
	}
}

func copySecret(dst *Secret, src *string) {
	if src != nil {
		*dst = Secret(*src)
	}
}

func ptr[T any](v T) *T {
	return &v
}
