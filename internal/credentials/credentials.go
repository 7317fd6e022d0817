// Package credentials resolves named secrets (API tokens, storage keys) from
// the environment or the operating system keyring.
package credentials

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/zalando/go-keyring"
)

// Well-known secret names.
const (
	HCloudToken = "hcloud-token"
	S3AccessKey = "s3-access-key"
	S3SecretKey = "s3-secret-key"
	OpenAIKey   = "openai-api-key"
)

// ErrNotFound is returned when no provider knows a secret.
var ErrNotFound = errors.New("credential not found")

// Provider looks up a secret by name.
type Provider interface {
	Get(ctx context.Context, name string) (string, error)
}

// Env reads secrets from environment variables. The variable name is the
// secret name upper-cased with dashes turned into underscores, behind Prefix
// (e.g. VMPILOT_HCLOUD_TOKEN).
type Env struct {
	Prefix string
	// Lookup defaults to os.LookupEnv.
	Lookup func(string) (string, bool)
}

// VarName returns the environment variable consulted for name.
func (e Env) VarName(name string) string {
	return e.Prefix + strings.ToUpper(strings.ReplaceAll(name, "-", "_"))
}

// Get implements Provider.
func (e Env) Get(_ context.Context, name string) (string, error) {
	lookup := e.Lookup
	if lookup == nil {
		lookup = os.LookupEnv
	}
	if v, ok := lookup(e.VarName(name)); ok && v != "" {
		return v, nil
	}
	return "", fmt.Errorf("%w: %s not set", ErrNotFound, e.VarName(name))
}

// Keyring reads secrets from the system keyring under Service.
type Keyring struct {
	Service string
}

// Get implements Provider.
func (k Keyring) Get(_ context.Context, name string) (string, error) {
	v, err := keyring.Get(k.Service, name)
	if errors.Is(err, keyring.ErrNotFound) {
		return "", fmt.Errorf("%w: %s in keyring %s", ErrNotFound, name, k.Service)
	}
	if err != nil {
		return "", fmt.Errorf("failed to read %s from keyring: %w", name, err)
	}
	return v, nil
}

// Set stores a secret in the keyring.
func (k Keyring) Set(name, value string) error {
	if err := keyring.Set(k.Service, name, value); err != nil {
		return fmt.Errorf("failed to store %s in keyring: %w", name, err)
	}
	return nil
}

// Chain asks each provider in turn and returns the first hit.
type Chain []Provider

// Get implements Provider. Errors other than ErrNotFound stop the chain.
func (c Chain) Get(ctx context.Context, name string) (string, error) {
	for _, p := range c {
		v, err := p.Get(ctx, name)
		if err == nil {
			return v, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return "", err
		}
	}
	return "", fmt.Errorf("%w: %s", ErrNotFound, name)
}

// Default returns the environment-then-keyring chain used by the CLI.
func Default() Provider {
	return Chain{Env{Prefix: "VMPILOT_"}, Keyring{Service: "vmpilot"}}
}

// Optional returns the secret or "" when it is not configured.
func Optional(ctx context.Context, p Provider, name string) (string, error) {
	v, err := p.Get(ctx, name)
	if errors.Is(err, ErrNotFound) {
		return "", nil
	}
	return v, err
}
