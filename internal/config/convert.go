package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/imamik/vmpilot/internal/credentials"
	"github.com/imamik/vmpilot/internal/deployment"
	"github.com/imamik/vmpilot/internal/executor"
	"github.com/imamik/vmpilot/internal/ledger"
	"github.com/imamik/vmpilot/internal/orchestrator"
	"github.com/imamik/vmpilot/internal/platform/hcloud"
	"github.com/imamik/vmpilot/internal/platform/s3"
	"github.com/imamik/vmpilot/internal/platform/ssh"
	"github.com/imamik/vmpilot/internal/risk"
)

// LedgerPools builds the identifier pools.
func (c *Config) LedgerPools() ([]ledger.Pool, error) {
	vm, err := ledger.NewRangePool(deployment.ClassVMID, c.Ledger.VMIDMin, c.Ledger.VMIDMax)
	if err != nil {
		return nil, fmt.Errorf("ledger VM ID pool: %w", err)
	}
	ip, err := ledger.NewPrefixPool(deployment.ClassIPAddress, c.Ledger.IPPrefix, c.Ledger.IPSkip)
	if err != nil {
		return nil, fmt.Errorf("ledger IP pool: %w", err)
	}
	vol, err := ledger.NewNamePool(deployment.ClassVolumeName, c.Ledger.VolumePrefix, c.Ledger.VolumeCount)
	if err != nil {
		return nil, fmt.Errorf("ledger volume pool: %w", err)
	}
	return []ledger.Pool{vm, ip, vol}, nil
}

// LedgerDSN is the SQLite database holding consumed identifiers.
func (c *Config) LedgerDSN() string {
	return filepath.Join(c.DataDir, "ledger.db")
}

// AuditPath is the Badger directory of the audit log.
func (c *Config) AuditPath() string {
	return filepath.Join(c.DataDir, "audit")
}

// RiskPolicy returns the embedded or file policy with overrides applied.
func (c *Config) RiskPolicy() (risk.Policy, error) {
	policy := risk.DefaultPolicy()
	if c.Risk.PolicyFile != "" {
		// #nosec G304
		data, err := os.ReadFile(c.Risk.PolicyFile)
		if err != nil {
			return risk.Policy{}, fmt.Errorf("failed to read risk policy: %w", err)
		}
		if policy, err = risk.ParsePolicy(data); err != nil {
			return risk.Policy{}, err
		}
	}
	return policy.WithOverrides(c.Risk.Overrides)
}

// ExecutorConfig converts the executor settings.
func (c *Config) ExecutorConfig() executor.Config {
	cfg := executor.DefaultConfig()
	cfg.MaxAttempts = c.Executor.MaxAttempts
	cfg.BaseBackoff = c.Executor.BaseBackoff
	cfg.MaxBackoff = c.Executor.MaxBackoff
	cfg.StageTimeout = c.Executor.StageTimeout
	cfg.RateLimit = c.Executor.RateLimit
	cfg.RateBurst = c.Executor.RateBurst
	return cfg
}

// OrchestratorConfig converts the orchestrator budgets.
func (c *Config) OrchestratorConfig() orchestrator.Config {
	return orchestrator.Config{
		ReserveAttempts:    c.Orchestrator.ReserveAttempts,
		ReserveBackoff:     c.Orchestrator.ReserveBackoff,
		ReserveMaxBackoff:  c.Orchestrator.ReserveMaxBackoff,
		EscalationTimeout:  c.Orchestrator.EscalationTimeout,
		RecoverConcurrency: c.Orchestrator.RecoverConcurrency,
	}
}

// HCloudTimeouts converts the Hetzner Cloud client timeouts.
func (c *Config) HCloudTimeouts() *hcloud.Timeouts {
	return &hcloud.Timeouts{
		Create:            c.HCloud.CreateTimeout,
		Delete:            c.HCloud.DeleteTimeout,
		ImageWait:         c.HCloud.ImageWaitTimeout,
		RetryMaxAttempts:  c.HCloud.RetryMaxAttempts,
		RetryInitialDelay: c.HCloud.RetryInitialDelay,
	}
}

// DraftDefaults returns the resource spec drafted requests start from.
func (c *Config) DraftDefaults() deployment.ResourceSpec {
	return deployment.ResourceSpec{
		Instances:   1,
		CPU:         2,
		MemoryGB:    4,
		ServerType:  c.Drafts.ServerType,
		Image:       c.Drafts.Image,
		Location:    c.Drafts.Location,
		Network:     deployment.NetworkSpec{Name: c.Drafts.Network},
		Criticality: deployment.Criticality(c.Drafts.Criticality),
	}
}

// S3Enabled reports whether a bucket is configured.
func (c *Config) S3Enabled() bool { return c.S3.Bucket != "" }

// S3Config resolves the storage keys and returns the client settings.
// Missing keys fall through to the AWS default chain.
func (c *Config) S3Config(ctx context.Context, creds credentials.Provider) (s3.Config, error) {
	access, err := credentials.Optional(ctx, creds, credentials.S3AccessKey)
	if err != nil {
		return s3.Config{}, err
	}
	secret, err := credentials.Optional(ctx, creds, credentials.S3SecretKey)
	if err != nil {
		return s3.Config{}, err
	}
	return s3.Config{
		Endpoint:  c.S3.Endpoint,
		Region:    c.S3.Region,
		Bucket:    c.S3.Bucket,
		AccessKey: access,
		SecretKey: secret,
		PathStyle: c.S3.PathStyle,
	}, nil
}

// SSHEnabled reports whether host hardening over SSH is configured.
func (c *Config) SSHEnabled() bool { return c.SSH.KeyFile != "" }

// SSHConfig reads the private key and returns the hardener's base settings.
func (c *Config) SSHConfig() (ssh.Config, error) {
	// #nosec G304
	key, err := os.ReadFile(c.SSH.KeyFile)
	if err != nil {
		return ssh.Config{}, fmt.Errorf("failed to read ssh key: %w", err)
	}
	return ssh.Config{
		Port:       c.SSH.Port,
		User:       c.SSH.User,
		PrivateKey: key,
		MaxRetries: c.SSH.MaxRetries,
		RetryDelay: c.SSH.RetryDelay,
	}, nil
}
