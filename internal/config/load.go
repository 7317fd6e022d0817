package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment variable read by Load.
const EnvPrefix = "VMPILOT_"

// ConfigFileEnv names the variable that may point at the config file.
const ConfigFileEnv = EnvPrefix + "CONFIG"

// Load builds the configuration: defaults, then the YAML file at path (if any),
// then VMPILOT_* variables. Variables in envFile are used when the process
// environment does not set them. The result is validated.
func Load(path, envFile string) (*Config, error) {
	cfg := Default()

	if path != "" {
		// #nosec G304
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to unmarshal yaml: %w", err)
		}
	}

	vars, err := environment(envFile)
	if err != nil {
		return nil, err
	}
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix, Environment: vars}); err != nil {
		return nil, fmt.Errorf("failed to read environment: %w", err)
	}

	if cfg.Artifacts.Dir == "" {
		cfg.Artifacts.Dir = filepath.Join(cfg.DataDir, "artifacts")
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &cfg, nil
}

// environment merges envFile under the process environment.
func environment(envFile string) (map[string]string, error) {
	vars := env.ToMap(os.Environ())
	if envFile == "" {
		return vars, nil
	}
	fileVars, err := godotenv.Read(envFile)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("env file %s does not exist", envFile)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse env file %s: %w", envFile, err)
	}
	for k, v := range fileVars {
		if _, set := vars[k]; !set {
			vars[k] = v
		}
	}
	return vars, nil
}
