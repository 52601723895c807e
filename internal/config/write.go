package config

import (
	"fmt"
	"os"

	"github.com/google/renameio/v2"
	"gopkg.in/yaml.v3"
)

// ErrFileExists is returned by WriteDefaults when the target exists and force is not set.
var ErrFileExists = fmt.Errorf("%w: file already exists", ErrConfigFile)

// EncodeYAML renders cfg in the configuration file layout with credentials redacted.
func EncodeYAML(cfg Config) ([]byte, error) {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("encode YAML: %w", err)
	}
	return data, nil
}

// WriteDefaults writes a configuration file holding the defaults to path.
// The file is replaced atomically.
func WriteDefaults(path string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%w: %s", ErrFileExists, path)
		}
	}

	data, err := EncodeYAML(Defaults())
	if err != nil {
		return err
	}

	if err := renameio.WriteFile(path, data, 0o600); err != nil {
		return wrapFileError(path, err)
	}
	return nil
}
