package broker

import "errors"

var (
	// ErrNotConfigured is returned by Connect when the device has no broker address.
	ErrNotConfigured = errors.New("broker address not configured")
	// ErrNotConnected is returned when publishing while the connection is down.
	ErrNotConnected = errors.New("broker not connected")
	// ErrPayloadTooLarge is returned when an encoded payload exceeds the message buffer size.
	ErrPayloadTooLarge = errors.New("payload exceeds message buffer size")
	// ErrInvalidPayload is returned for raw payloads that are not valid JSON.
	ErrInvalidPayload = errors.New("payload is not valid JSON")
	// ErrRateLimited is returned when no publish slot frees up before the context ends.
	ErrRateLimited = errors.New("publish rate limit exceeded")
)
