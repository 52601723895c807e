package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap/zapcore"
)

// Defaults for a device that has not been provisioned yet.
const (
	DefaultFirmwareVersion          = "v2"
	DefaultBoard                    = "esp32"
	DefaultBrokerPort        uint16 = 1883
	DefaultSensorPin                = 2
	DefaultMessageBufferSize        = 100
	DefaultTelemetryTopic           = "v1/devices/me/telemetry"
	DefaultAttributeTopic           = "v1/devices/me/attributes"
)

const (
	defaultPort           = "8080"
	defaultRateLimitRPS   = 25.0
	defaultRateLimitBurst = 50
	defaultPublishRPS     = 5.0
	defaultPublishBurst   = 10
	defaultLogLevel       = "info"
)

// Config aggregates runtime configuration resolved from multiple sources.
// Precedence: CLI flags > Environment variables > YAML config > Defaults
type Config struct {
	Device  DeviceConfig  `json:"device"`
	Runtime RuntimeConfig `json:"runtime"`
}

// DeviceConfig is the set of values every device subsystem is parameterized
// with: the broker client, the WiFi manager, the OTA updater, the one-wire
// sensor driver and the time-sync client.
type DeviceConfig struct {
	FirmwareVersion   string `json:"firmwareVersion"`
	Board             string `json:"board"`
	WiFiSSID          string `json:"wifiSsid"`
	WiFiPassword      Secret `json:"wifiPassword"`
	BrokerAddress     string `json:"brokerAddress"`
	BrokerPort        uint16 `json:"brokerPort"`
	ClientID          string `json:"clientId"`
	BrokerUsername    Secret `json:"brokerUsername"`
	BrokerPassword    Secret `json:"brokerPassword"`
	OTAPassword       Secret `json:"otaPassword"`
	SensorPin         int    `json:"sensorPin"`
	NTPServer         string `json:"ntpServer"`
	MessageBufferSize int    `json:"messageBufferSize"`
	TelemetryTopic    string `json:"telemetryTopic"`
	AttributeTopic    string `json:"attributeTopic"`
}

// BrokerConfigured reports whether a broker address has been provisioned.
func (d DeviceConfig) BrokerConfigured() bool {
	return d.BrokerAddress != ""
}

// MarshalLogObject lets the configuration be logged with zap.Object; secrets
// are rendered through Secret.String.
func (d DeviceConfig) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddString("firmware_version", d.FirmwareVersion)
	enc.AddString("board", d.Board)
	enc.AddString("wifi_ssid", d.WiFiSSID)
	enc.AddString("wifi_password", d.WiFiPassword.String())
	enc.AddString("broker_address", d.BrokerAddress)
	enc.AddUint16("broker_port", d.BrokerPort)
	enc.AddString("client_id", d.ClientID)
	enc.AddString("broker_username", d.BrokerUsername.String())
	enc.AddString("broker_password", d.BrokerPassword.String())
	enc.AddString("ota_password", d.OTAPassword.String())
	enc.AddInt("sensor_pin", d.SensorPin)
	enc.AddString("ntp_server", d.NTPServer)
	enc.AddInt("message_buffer_size", d.MessageBufferSize)
	enc.AddString("telemetry_topic", d.TelemetryTopic)
	enc.AddString("attribute_topic", d.AttributeTopic)
	return nil
}

// RuntimeConfig holds settings of the host process rather than the device.
type RuntimeConfig struct {
	Port                 string        `json:"port"`
	ShutdownGracePeriod  time.Duration `json:"shutdownGracePeriod"`
	ReadHeaderTimeout    time.Duration `json:"readHeaderTimeout"`
	WriteTimeout         time.Duration `json:"writeTimeout"`
	IdleTimeout          time.Duration `json:"idleTimeout"`
	EnableRequestLogging bool          `json:"enableRequestLogging"`
	RateLimitRPS         float64       `json:"rateLimitRps"`
	RateLimitBurst       int           `json:"rateLimitBurst"`
	PublishRPS           float64       `json:"publishRps"`
	PublishBurst         int           `json:"publishBurst"`
	LogLevel             string        `json:"logLevel"`
}

// CLIOverrides holds command-line flag overrides.
type CLIOverrides struct {
	ConfigFile     string
	EnvFile        string
	Port           *string
	Board          *string
	BrokerAddress  *string
	BrokerPort     *int
	ClientID       *string
	SensorPin      *int
	LogLevel       *string
	RateLimitRPS   *float64
	RateLimitBurst *int
}

// Load extracts configuration from multiple sources with precedence:
// CLI flags > Environment variables > YAML config > Defaults
//
// Every rejected setting is reported; the returned error combines one
// *ConfigError per violation.
func Load(overrides *CLIOverrides) (Config, error) {
	if overrides == nil {
		overrides = &CLIOverrides{}
	}

	env, err := newEnvSource(overrides.EnvFile)
	if err != nil {
		return Config{}, err
	}

	cfg := Defaults()
	var errs error

	configFile := overrides.ConfigFile
	if configFile == "" {
		configFile, _ = env.lookup("CONFIG_FILE")
	}
	if configFile != "" {
		fileCfg, err := loadFromFile(configFile)
		if err != nil {
			return Config{}, err
		}
		errs = multierr.Append(errs, applyFileConfig(&cfg, fileCfg))
	}

	// Environment overrides YAML
	errs = multierr.Append(errs, applyEnvConfig(&cfg, env))

	// Apply CLI overrides (highest precedence)
	errs = multierr.Append(errs, applyCLIOverrides(&cfg, overrides))

	errs = multierr.Append(errs, validateConfig(cfg))
	if errs != nil {
		return Config{}, errs
	}

	return cfg, nil
}

// Defaults returns a Config with default values.
func Defaults() Config {
	return Config{
		Device: DeviceConfig{
			FirmwareVersion:   DefaultFirmwareVersion,
			Board:             DefaultBoard,
			BrokerPort:        DefaultBrokerPort,
			SensorPin:         DefaultSensorPin,
			MessageBufferSize: DefaultMessageBufferSize,
			TelemetryTopic:    DefaultTelemetryTopic,
			AttributeTopic:    DefaultAttributeTopic,
		},
		Runtime: RuntimeConfig{
			Port:                 defaultPort,
			ShutdownGracePeriod:  10 * time.Second,
			ReadHeaderTimeout:    5 * time.Second,
			WriteTimeout:         15 * time.Second,
			IdleTimeout:          60 * time.Second,
			EnableRequestLogging: true,
			RateLimitRPS:         defaultRateLimitRPS,
			RateLimitBurst:       defaultRateLimitBurst,
			PublishRPS:           defaultPublishRPS,
			PublishBurst:         defaultPublishBurst,
			LogLevel:             defaultLogLevel,
		},
	}
}

// applyEnvConfig applies environment variable configuration.
func applyEnvConfig(cfg *Config, env envSource) error {
	var errs error
	dev := &cfg.Device
	rt := &cfg.Runtime

	setString := func(key string, dst *string) {
		if v, ok := env.lookup(key); ok {
			*dst = v
		}
	}
	setSecret := func(key string, dst *Secret) {
		if v, ok := env.lookup(key); ok {
			*dst = Secret(v)
		}
	}

	setString("FIRMWARE_VERSION", &dev.FirmwareVersion)
	setString("BOARD", &dev.Board)
	setString("WIFI_SSID", &dev.WiFiSSID)
	setSecret("WIFI_PASSWORD", &dev.WiFiPassword)
	setString("MQTT_SERVER_ADDRESS", &dev.BrokerAddress)
	setString("MQTT_CLIENT_ID", &dev.ClientID)
	setSecret("MQTT_USERNAME", &dev.BrokerUsername)
	setSecret("MQTT_PASSWORD", &dev.BrokerPassword)
	setSecret("OTA_PASSWORD", &dev.OTAPassword)
	setString("NTP_SERVER", &dev.NTPServer)
	setString("MQTT_TELEMETRY_TOPIC", &dev.TelemetryTopic)
	setString("MQTT_ATTRIBUTE_TOPIC", &dev.AttributeTopic)
	setString("PORT", &rt.Port)
	setString("LOG_LEVEL", &rt.LogLevel)

	if v, ok := env.lookup("MQTT_SERVER_PORT"); ok {
		port, err := parsePortString("mqtt.port", v)
		errs = multierr.Append(errs, err)
		if err == nil {
			dev.BrokerPort = port
		}
	}
	if v, ok := env.lookup("ONEWIRE_PIN"); ok {
		errs = multierr.Append(errs, parseIntInto(&dev.SensorPin, v, ErrInvalidPin, "sensor.onewire_pin"))
	}
	if v, ok := env.lookup("MSG_BUFFER_SIZE"); ok {
		errs = multierr.Append(errs, parseIntInto(&dev.MessageBufferSize, v, ErrInvalidBufferSize, "mqtt.message_buffer_size"))
	}
	if v, ok := env.lookup("RATE_LIMIT_RPS"); ok {
		errs = multierr.Append(errs, parseFloatInto(&rt.RateLimitRPS, v, "server.rate_limit.rps"))
	}
	if v, ok := env.lookup("RATE_LIMIT_BURST"); ok {
		errs = multierr.Append(errs, parseIntInto(&rt.RateLimitBurst, v, ErrInvalidRuntime, "server.rate_limit.burst"))
	}
	if v, ok := env.lookup("PUBLISH_RPS"); ok {
		errs = multierr.Append(errs, parseFloatInto(&rt.PublishRPS, v, "publish.rps"))
	}
	if v, ok := env.lookup("PUBLISH_BURST"); ok {
		errs = multierr.Append(errs, parseIntInto(&rt.PublishBurst, v, ErrInvalidRuntime, "publish.burst"))
	}

	return errs
}

// applyCLIOverrides applies command-line flag overrides.
func applyCLIOverrides(cfg *Config, overrides *CLIOverrides) error {
	var errs error

	if overrides.Port != nil && *overrides.Port != "" {
		cfg.Runtime.Port = *overrides.Port
	}
	if overrides.Board != nil && *overrides.Board != "" {
		cfg.Device.Board = *overrides.Board
	}
	if overrides.BrokerAddress != nil && *overrides.BrokerAddress != "" {
		cfg.Device.BrokerAddress = *overrides.BrokerAddress
	}
	if overrides.BrokerPort != nil {
		port, err := parsePort("mqtt.port", *overrides.BrokerPort)
		errs = multierr.Append(errs, err)
		if err == nil {
			cfg.Device.BrokerPort = port
		}
	}
	if overrides.ClientID != nil && *overrides.ClientID != "" {
		cfg.Device.ClientID = *overrides.ClientID
	}
	if overrides.SensorPin != nil {
		cfg.Device.SensorPin = *overrides.SensorPin
	}
	if overrides.LogLevel != nil && *overrides.LogLevel != "" {
		cfg.Runtime.LogLevel = *overrides.LogLevel
	}
	if overrides.RateLimitRPS != nil && *overrides.RateLimitRPS >= 0 {
		cfg.Runtime.RateLimitRPS = *overrides.RateLimitRPS
	}
	if overrides.RateLimitBurst != nil && *overrides.RateLimitBurst >= 0 {
		cfg.Runtime.RateLimitBurst = *overrides.RateLimitBurst
	}

	return errs
}

func parsePort(field string, value int) (uint16, error) {
	if value < 1 || value > 65535 {
		return 0, newConfigError(ErrInvalidPort, field, "must be within 1-65535, got %d", value)
	}
	return uint16(value), nil
}

func parsePortString(field, raw string) (uint16, error) {
	value, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, newConfigError(ErrInvalidPort, field, "invalid integer %q", raw)
	}
	return parsePort(field, value)
}

func parseIntInto(dst *int, raw string, kind error, field string) error {
	value, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return newConfigError(kind, field, "invalid integer %q", raw)
	}
	*dst = value
	return nil
}

func parseFloatInto(dst *float64, raw, field string) error {
	value, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil {
		return newConfigError(ErrInvalidRuntime, field, "invalid number %q", raw)
	}
	*dst = value
	return nil
}

func parseDurationInto(dst *time.Duration, raw, field string) error {
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return newConfigError(ErrInvalidRuntime, field, "invalid duration %q", raw)
	}
	*dst = d
	return nil
}

// fileExists reports whether path names an existing regular file.
func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

func wrapFileError(path string, err error) error {
	return fmt.Errorf("%w %s: %w", ErrConfigFile, path, err)
}
