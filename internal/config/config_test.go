package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/imamik/vmpilot/internal/deployment"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestDefault_IsValid(t *testing.T) {
	t.Parallel()
	cfg := Default()
	require.NoError(t, cfg.Validate())

	pools, err := cfg.LedgerPools()
	require.NoError(t, err)
	require.Len(t, pools, 3)
	assert.Equal(t, deployment.ClassVMID, pools[0].Class())
	assert.Equal(t, deployment.ClassIPAddress, pools[1].Class())
	assert.Equal(t, deployment.ClassVolumeName, pools[2].Class())
}

func TestLoad_FileOverlaysDefaults(t *testing.T) {
	path := writeFile(t, "vmpilot.yaml", `
dataDir: /var/lib/vmpilot
provider: fake
server:
  addr: 0.0.0.0:9000
executor:
  maxAttempts: 3
  stageTimeout: 2m
orchestrator:
  escalationTimeout: 1h
ledger:
  ipPrefix: 10.20.0.0/24
risk:
  overrides:
    t1: 0.2
`)
	cfg, err := Load(path, "")
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/vmpilot", cfg.DataDir)
	assert.Equal(t, ProviderFake, cfg.Provider)
	assert.Equal(t, "0.0.0.0:9000", cfg.Server.Addr)
	assert.Equal(t, 3, cfg.Executor.MaxAttempts)
	assert.Equal(t, 2*time.Minute, cfg.Executor.StageTimeout)
	assert.Equal(t, time.Hour, cfg.OrchestratorConfig().EscalationTimeout)
	assert.Equal(t, "10.20.0.0/24", cfg.Ledger.IPPrefix)
	assert.Equal(t, filepath.Join("/var/lib/vmpilot", "artifacts"), cfg.Artifacts.Dir)

	// Untouched sections keep their defaults.
	assert.Equal(t, 5, cfg.Orchestrator.ReserveAttempts)
	assert.Equal(t, "root", cfg.SSH.User)

	policy, err := cfg.RiskPolicy()
	require.NoError(t, err)
	assert.InDelta(t, 0.2, policy.T1, 1e-9)
}

// Tests below mutate the process environment and cannot run in parallel.

func TestLoad_EnvironmentOverridesFile(t *testing.T) {
	path := writeFile(t, "vmpilot.yaml", "executor:\n  maxAttempts: 3\n")
	t.Setenv("VMPILOT_EXECUTOR_MAX_ATTEMPTS", "7")
	t.Setenv("VMPILOT_HCLOUD_TIMEOUT_CREATE", "90s")
	t.Setenv("VMPILOT_HCLOUD_SSH_KEYS", "ops,deploy")
	t.Setenv("VMPILOT_RISK_T2", "0.8")

	cfg, err := Load(path, "")
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.ExecutorConfig().MaxAttempts)
	assert.Equal(t, 90*time.Second, cfg.HCloudTimeouts().Create)
	assert.Equal(t, []string{"ops", "deploy"}, cfg.HCloud.SSHKeys)
	assert.InDelta(t, 0.8, cfg.Risk.Overrides.T2, 1e-9)
}

func TestLoad_EnvFile(t *testing.T) {
	envFile := writeFile(t, ".env", "VMPILOT_PROVIDER=fake\nVMPILOT_LOG_LEVEL=debug\n")
	t.Setenv("VMPILOT_LOG_LEVEL", "warn")

	cfg, err := Load("", envFile)
	require.NoError(t, err)
	assert.Equal(t, ProviderFake, cfg.Provider)
	assert.Equal(t, "warn", cfg.LogLevel, "process environment wins over the file")

	_, err = Load("", filepath.Join(t.TempDir(), "missing.env"))
	assert.ErrorContains(t, err, "does not exist")
}

func TestLoad_Errors(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"bad yaml", "server: [", "failed to unmarshal yaml"},
		{"unknown provider", "provider: aws", "Provider: failed oneof"},
		{"inverted VM IDs", "ledger:\n  vmIDMin: 500\n  vmIDMax: 100", "VMIDMax: failed gtefield"},
		{"bad prefix", "ledger:\n  ipPrefix: 10.0.0.1", "IPPrefix: failed cidrv4"},
		{"s3 artifacts without bucket", "artifacts:\n  backend: s3", "s3.bucket is empty"},
		{"archive without bucket", "audit:\n  archive: true", "audit.archive needs s3.bucket"},
		{"inverted thresholds", "risk:\n  overrides:\n    t1: 0.9\n    t2: 0.5", "invalid risk thresholds"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := Load(writeFile(t, "vmpilot.yaml", tt.yaml), "")
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"), "")
	assert.ErrorContains(t, err, "failed to read config file")
}

func TestRiskPolicy_File(t *testing.T) {
	t.Parallel()
	cfg := Default()
	cfg.Risk.PolicyFile = filepath.Join(t.TempDir(), "missing.yaml")
	_, err := cfg.RiskPolicy()
	assert.ErrorContains(t, err, "failed to read risk policy")
}

func TestSSHConfig(t *testing.T) {
	t.Parallel()
	cfg := Default()
	assert.False(t, cfg.SSHEnabled())

	cfg.SSH.KeyFile = writeFile(t, "id_ed25519", "key-material")
	require.True(t, cfg.SSHEnabled())
	sc, err := cfg.SSHConfig()
	require.NoError(t, err)
	assert.Equal(t, "root", sc.User)
	assert.Equal(t, 22, sc.Port)
	assert.Equal(t, []byte("key-material"), sc.PrivateKey)
}

func TestDraftDefaults_AreValidRequests(t *testing.T) {
	t.Parallel()
	cfg := Default()
	cfg.Drafts.Location = "hel1"

	spec := cfg.DraftDefaults()
	assert.Equal(t, "hel1", spec.Location)
	assert.Equal(t, deployment.CriticalityLow, spec.Criticality)

	req := deployment.Request{
		Requester: "alice@example.com",
		Tier:      deployment.TierNovice,
		Resources: spec,
		Artifact:  deployment.ArtifactRef{ID: "a", Digest: "sha256:00", Confidence: 0.9},
	}.WithDefaults()
	assert.NoError(t, req.Validate())
}
