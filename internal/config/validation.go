package config

import (
	"net"
	"strings"
	"unicode/utf8"

	"go.uber.org/multierr"
	"go.uber.org/zap/zapcore"
)

const (
	maxMessageBufferSize = 65535
	maxTopicLength       = 65535
	maxSSIDLength        = 32
	minWiFiPassword      = 8
	maxWiFiPassword      = 63
	maxHostnameLength    = 253
	maxLabelLength       = 63
)

// Validate checks the device settings and returns one *ConfigError per violation.
func (d DeviceConfig) Validate() error {
	var errs error

	if strings.TrimSpace(d.FirmwareVersion) == "" {
		errs = multierr.Append(errs, newConfigError(ErrMissingRequiredField, "firmware_version", "must not be empty"))
	}

	if d.BrokerPort == 0 {
		errs = multierr.Append(errs, newConfigError(ErrInvalidPort, "mqtt.port", "must be within 1-65535, got 0"))
	}
	if d.BrokerConfigured() && strings.TrimSpace(d.ClientID) == "" {
		errs = multierr.Append(errs, newConfigError(ErrMissingRequiredField, "mqtt.client_id", "required when a broker address is set"))
	}

	errs = multierr.Append(errs, validateHost("mqtt.address", d.BrokerAddress))
	errs = multierr.Append(errs, validateHost("ntp.server", d.NTPServer))

	if d.MessageBufferSize < 1 || d.MessageBufferSize > maxMessageBufferSize {
		errs = multierr.Append(errs, newConfigError(ErrInvalidBufferSize, "mqtt.message_buffer_size",
			"must be within 1-%d, got %d", maxMessageBufferSize, d.MessageBufferSize))
	}

	errs = multierr.Append(errs, ValidateTopic("mqtt.topics.telemetry", d.TelemetryTopic))
	errs = multierr.Append(errs, ValidateTopic("mqtt.topics.attributes", d.AttributeTopic))

	errs = multierr.Append(errs, validatePin(d.Board, d.SensorPin))

	if n := len(d.WiFiSSID); n > maxSSIDLength {
		errs = multierr.Append(errs, newConfigError(ErrInvalidWiFi, "wifi.ssid", "must be at most %d bytes, got %d", maxSSIDLength, n))
	}
	if n := len(d.WiFiPassword.Reveal()); n > 0 && (n < minWiFiPassword || n > maxWiFiPassword) {
		errs = multierr.Append(errs, newConfigError(ErrInvalidWiFi, "wifi.password",
			"must be %d-%d bytes, got %d", minWiFiPassword, maxWiFiPassword, n))
	}

	return errs
}

// Validate checks the process settings.
func (r RuntimeConfig) Validate() error {
	var errs error

	if strings.TrimSpace(r.Port) == "" {
		errs = multierr.Append(errs, newConfigError(ErrInvalidRuntime, "server.port", "must not be empty"))
	}
	if r.RateLimitRPS < 0 {
		errs = multierr.Append(errs, newConfigError(ErrInvalidRuntime, "server.rate_limit.rps", "must be >= 0"))
	}
	if r.RateLimitBurst < 0 {
		errs = multierr.Append(errs, newConfigError(ErrInvalidRuntime, "server.rate_limit.burst", "must be >= 0"))
	}
	if r.PublishRPS < 0 {
		errs = multierr.Append(errs, newConfigError(ErrInvalidRuntime, "publish.rps", "must be >= 0"))
	}
	if r.PublishBurst < 0 {
		errs = multierr.Append(errs, newConfigError(ErrInvalidRuntime, "publish.burst", "must be >= 0"))
	}
	if r.ShutdownGracePeriod < 0 || r.ReadHeaderTimeout < 0 || r.WriteTimeout < 0 || r.IdleTimeout < 0 {
		errs = multierr.Append(errs, newConfigError(ErrInvalidRuntime, "server", "timeouts must not be negative"))
	}
	if _, err := zapcore.ParseLevel(r.LogLevel); err != nil {
		errs = multierr.Append(errs, newConfigError(ErrInvalidRuntime, "log_level", "unknown level %q", r.LogLevel))
	}

	return errs
}

// validateConfig validates the final configuration.
func validateConfig(cfg Config) error {
	return multierr.Combine(cfg.Device.Validate(), cfg.Runtime.Validate())
}

// ValidateTopic checks that topic can be used as an MQTT publish topic name.
func ValidateTopic(field, topic string) error {
	switch {
	case topic == "":
		return newConfigError(ErrInvalidTopic, field, "must not be empty")
	case len(topic) > maxTopicLength:
		return newConfigError(ErrInvalidTopic, field, "must be at most %d bytes", maxTopicLength)
	case !utf8.ValidString(topic):
		return newConfigError(ErrInvalidTopic, field, "must be valid UTF-8")
	case strings.ContainsRune(topic, 0):
		return newConfigError(ErrInvalidTopic, field, "must not contain NUL")
	case strings.ContainsAny(topic, "+#"):
		return newConfigError(ErrInvalidTopic, field, "wildcards are not allowed in publish topics")
	}
	return nil
}

// validateHost accepts an empty value, an IP literal or an RFC 1123 hostname.
func validateHost(field, host string) error {
	if host == "" || net.ParseIP(host) != nil {
		return nil
	}
	if strings.Contains(host, "://") {
		return newConfigError(ErrInvalidHost, field, "expected a hostname or IP, not a URL")
	}
	if !isHostname(host) {
		return newConfigError(ErrInvalidHost, field, "%q is not a valid hostname", host)
	}
	return nil
}

func isHostname(host string) bool {
	host = strings.TrimSuffix(host, ".")
	if host == "" || len(host) > maxHostnameLength {
		return false
	}
	for _, label := range strings.Split(host, ".") {
		if label == "" || len(label) > maxLabelLength {
			return false
		}
		if label[0] == '-' || label[len(label)-1] == '-' {
			return false
		}
		for i := 0; i < len(label); i++ {
			c := label[i]
			isAlnum := (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
			if !isAlnum && c != '-' {
				return false
			}
		}
	}
	return true
}
