// Package config loads the device configuration from multiple sources (YAML
// file, environment variables and .env files, CLI flags) with precedence:
// CLI flags > Environment variables > YAML config > Defaults.
//
// The resolved Config is validated as a whole and handed out by value. A Store
// holds it for the lifetime of the process: it starts unloaded, becomes loaded
// exactly once, and is read-only afterwards. Credentials are carried as Secret
// values, which never print their plaintext.
package config
