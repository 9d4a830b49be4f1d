package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// DefaultEnvFile is loaded when present and no other file is named.
const DefaultEnvFile = ".env"

// Load reads a YAML profile on top of the defaults.
// ${VAR} references are expanded from the environment before parsing and
// unknown keys are rejected.
func Load(path string) (*Config, error) {
	cfg, err := New()
	if err != nil {
		return nil, err
	}
	if path == "" {
		return cfg, nil
	}

	// Clean the path to prevent directory traversal attacks
	data, err := os.ReadFile(filepath.Clean(path)) // #nosec G304 - profile path comes from the operator
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	dec := yaml.NewDecoder(bytes.NewReader([]byte(os.ExpandEnv(string(data)))))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return cfg, nil
}

// LoadEnvFile loads environment variables from path. With an empty path the
// default file is loaded if it exists; a named file must exist.
func LoadEnvFile(path string) error {
	if path == "" {
		if err := godotenv.Load(DefaultEnvFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to load %s: %w", DefaultEnvFile, err)
		}
		return nil
	}

	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("failed to load env file: %w", err)
	}
	return nil
}
