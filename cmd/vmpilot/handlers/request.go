package handlers

import (
	"fmt"
	"os"

	"sigs.k8s.io/yaml"

	"github.com/imamik/vmpilot/internal/deployment"
)

// loadRequest reads a request from a YAML or JSON file. Field names follow
// the JSON form of deployment.Request.
func loadRequest(path string) (deployment.Request, error) {
	// #nosec G304
	data, err := os.ReadFile(path)
	if err != nil {
		return deployment.Request{}, fmt.Errorf("failed to read request file: %w", err)
	}
	var req deployment.Request
	if err := yaml.UnmarshalStrict(data, &req); err != nil {
		return deployment.Request{}, fmt.Errorf("failed to parse request file %s: %w", path, err)
	}
	return req, nil
}
