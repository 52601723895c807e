package config

import (
	"errors"
	"fmt"
)

var (
	// ErrMissingRequiredField indicates a required identifier is empty.
	ErrMissingRequiredField = errors.New("missing required field")
	// ErrInvalidPort indicates a broker port outside 1-65535.
	ErrInvalidPort = errors.New("invalid port")
	// ErrInvalidBufferSize indicates a message buffer size outside the accepted range.
	ErrInvalidBufferSize = errors.New("invalid buffer size")
	// ErrInvalidTopic indicates an empty or malformed MQTT topic.
	ErrInvalidTopic = errors.New("invalid topic")
	// ErrInvalidHost indicates a value that is neither an IP literal nor a hostname.
	ErrInvalidHost = errors.New("invalid host")
	// ErrUnsupportedBoard indicates a board without a known pin map.
	ErrUnsupportedBoard = errors.New("unsupported board")
	// ErrInvalidPin indicates a sensor pin that cannot drive a one-wire bus on the board.
	ErrInvalidPin = errors.New("invalid pin")
	// ErrInvalidWiFi indicates WiFi credentials the radio would refuse.
	ErrInvalidWiFi = errors.New("invalid wifi credentials")
	// ErrInvalidRuntime indicates a bad process setting (HTTP port, timeouts, rate limits, log level).
	ErrInvalidRuntime = errors.New("invalid runtime setting")
	// ErrConfigFile indicates the YAML or .env file could not be read or parsed.
	ErrConfigFile = errors.New("config file")

	// ErrNotLoaded is returned by Store.Get before a successful Store.Load.
	ErrNotLoaded = errors.New("configuration not loaded")
	// ErrAlreadyLoaded is returned by Store.Load once the store holds a configuration.
	ErrAlreadyLoaded = errors.New("configuration already loaded")
)

// ConfigError describes a single rejected setting. Use errors.Is against the
// Err* kinds rather than matching on the message.
type ConfigError struct {
	Kind   error
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("%s: %v", e.Field, e.Kind)
	}
	return fmt.Sprintf("%s: %v: %s", e.Field, e.Kind, e.Reason)
}

func (e *ConfigError) Unwrap() error {
	return e.Kind
}

func newConfigError(kind error, field, format string, args ...any) *ConfigError {
	return &ConfigError{
		Kind:   kind,
		Field:  field,
		Reason: fmt.Sprintf(format, args...),
	}
}
