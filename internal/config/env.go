package config

import (
	"os"
	"strings"

	"github.com/joho/godotenv"
)

const defaultEnvFile = ".env"

// envSource resolves variables from the process environment first and from a
// .env file second. The file is read, never exported into the process.
type envSource struct {
	file map[string]string
}

// newEnvSource reads the given .env file. An empty path falls back to .env in
// the working directory when one exists; an explicit path must exist.
func newEnvSource(path string) (envSource, error) {
	if path == "" {
		if !fileExists(defaultEnvFile) {
			return envSource{}, nil
		}
		path = defaultEnvFile
	}

	values, err := godotenv.Read(path)
	if err != nil {
		return envSource{}, wrapFileError(path, err)
	}
	return envSource{file: values}, nil
}

// lookup returns the value verbatim; credentials and SSIDs may carry
// significant spaces. A blank value counts as unset.
func (e envSource) lookup(key string) (string, bool) {
	if v := os.Getenv(key); strings.TrimSpace(v) != "" {
		return v, true
	}
	if v := e.file[key]; strings.TrimSpace(v) != "" {
		return v, true
	}
	return "", false
}
