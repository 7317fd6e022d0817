package handlers

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/imamik/vmpilot/internal/config"
	"github.com/imamik/vmpilot/internal/credentials"
)

// defaultConfigFile is picked up from the working directory when no path is given.
const defaultConfigFile = "vmpilot.yaml"

// Factory function variables - can be replaced in tests.
var (
	loadConfigFile     = config.Load
	credentialProvider = credentials.Default

	stdout io.Writer = os.Stdout
	stderr io.Writer = os.Stderr
)

// loadConfig resolves the config path from the flag, VMPILOT_CONFIG or the
// working directory, and loads it. A missing default file is not an error.
func loadConfig(configPath, envFile string) (*config.Config, error) {
	if configPath == "" {
		configPath = os.Getenv(config.ConfigFileEnv)
	}
	if configPath == "" {
		if _, err := os.Stat(defaultConfigFile); err == nil {
			configPath = defaultConfigFile
		} else if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to check %s: %w", defaultConfigFile, err)
		}
	}
	return loadConfigFile(configPath, envFile)
}
