package config

import (
	"encoding/json"
	"fmt"
)

const redacted = "***"

// Secret holds a credential. Every rendering path (fmt, JSON, YAML, zap)
// shows "***" for a set secret and "" for an unset one; only Reveal returns
// the plaintext.
type Secret string

// Reveal returns the plaintext value. Call it only where the credential is
// handed to the system that needs it.
func (s Secret) Reveal() string {
	return string(s)
}

// IsSet reports whether the secret holds a non-empty value.
func (s Secret) IsSet() bool {
	return s != ""
}

func (s Secret) String() string {
	if s == "" {
		return ""
	}
	return redacted
}

func (s Secret) GoString() string {
	return fmt.Sprintf("config.Secret(%q)", s.String())
}

func (s Secret) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s Secret) MarshalYAML() (any, error) {
	return s.String(), nil
}
