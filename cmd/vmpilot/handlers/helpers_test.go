package handlers

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"github.com/imamik/vmpilot/internal/api"
	"github.com/imamik/vmpilot/internal/audit"
	"github.com/imamik/vmpilot/internal/config"
	"github.com/imamik/vmpilot/internal/credentials"
	"github.com/imamik/vmpilot/internal/deployment"
	"github.com/imamik/vmpilot/internal/escalation"
	"github.com/imamik/vmpilot/internal/executor"
	"github.com/imamik/vmpilot/internal/ledger"
	"github.com/imamik/vmpilot/internal/orchestrator"
	"github.com/imamik/vmpilot/internal/remote"
	"github.com/imamik/vmpilot/internal/risk"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// captureOutput swaps stdout for a buffer for the duration of the test.
func captureOutput(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	orig := stdout
	stdout = &buf
	t.Cleanup(func() { stdout = orig })
	return &buf
}

// noTerminal makes the handlers behave as if output were piped.
func noTerminal(t *testing.T) {
	t.Helper()
	orig := isTerminal
	isTerminal = func(io.Writer) bool { return false }
	t.Cleanup(func() { isTerminal = orig })
}

// emptyCredentials resolves every secret from vars only.
func emptyCredentials(t *testing.T, vars map[string]string) {
	t.Helper()
	orig := credentialProvider
	credentialProvider = func() credentials.Provider {
		return credentials.Env{Prefix: "VMPILOT_", Lookup: func(k string) (string, bool) {
			v, ok := vars[k]
			return v, ok
		}}
	}
	t.Cleanup(func() { credentialProvider = orig })
}

// testConfig returns a valid in-memory configuration rooted in a temp dir.
func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	cfg.Provider = config.ProviderFake
	cfg.Server.Addr = "127.0.0.1:0"
	cfg.Server.ShutdownTimeout = 5 * time.Second
	cfg.Artifacts.Dir = filepath.Join(cfg.DataDir, "artifacts")
	cfg.Executor.BaseBackoff = time.Millisecond
	cfg.Executor.MaxBackoff = time.Millisecond
	cfg.Executor.RateLimit = 0
	require.NoError(t, cfg.Validate())
	return cfg
}

func useConfig(t *testing.T, cfg *config.Config) {
	t.Helper()
	orig := loadConfigFile
	loadConfigFile = func(string, string) (*config.Config, error) { return cfg, nil }
	t.Cleanup(func() { loadConfigFile = orig })
}

// daemon is an orchestrator served over HTTP that the client handlers talk to.
type daemon struct {
	orch   *orchestrator.Orchestrator
	broker *escalation.Broker
	url    string
}

func startDaemon(t *testing.T) *daemon {
	t.Helper()
	led := ledger.New(ledger.DefaultPools())
	rec := audit.NewMemoryRecorder()
	broker := escalation.NewBroker()
	logger := slog.New(slog.DiscardHandler)
	orch, err := orchestrator.New(orchestrator.Deps{
		Planner: deployment.NewPlanner(""),
		Gate:    risk.New(risk.DefaultPolicy(), led),
		Ledger:  led,
		Runner: executor.New(remote.NewFake(), executor.Config{
			MaxAttempts:  2,
			BaseBackoff:  time.Millisecond,
			MaxBackoff:   time.Millisecond,
			StageTimeout: 5 * time.Second,
		}),
		Recorder: rec,
		Approver: broker,
		Logger:   logger,
	}, orchestrator.Config{EscalationTimeout: 10 * time.Second})
	require.NoError(t, err)

	srv, err := api.New(api.Deps{Plans: orch, Approvals: broker, Reservations: led, Audit: rec, Logger: logger})
	require.NoError(t, err)
	ts := httptest.NewServer(srv.Handler())

	orig := newAPIClient
	newAPIClient = func(string) *api.Client { return api.NewClient(ts.URL, ts.Client()) }
	t.Cleanup(func() {
		newAPIClient = orig
		ts.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = orch.Shutdown(ctx)
	})
	return &daemon{orch: orch, broker: broker, url: ts.URL}
}

func (d *daemon) wait(t *testing.T, planID string) orchestrator.Status {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	st, err := d.orch.Wait(ctx, planID)
	require.NoError(t, err)
	return st
}

const allowedRequestYAML = `
id: 7d3f0c1a-0000-4000-8000-000000000001
requester: alice@example.com
tier: intermediate
resources:
  instances: 1
  cpu: 2
  memoryGB: 4
  serverType: cx22
  image: ubuntu-24.04
  location: nbg1
  network:
    name: vmpilot-private
  criticality: low
artifact:
  id: artifact-1
  digest: sha256:0000000000000000000000000000000000000000000000000000000000000000
  confidence: 0.95
`

func writeRequest(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "request.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}
