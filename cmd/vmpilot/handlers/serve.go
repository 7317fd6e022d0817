package handlers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/imamik/vmpilot/internal/api"
	"github.com/imamik/vmpilot/internal/artifact"
	"github.com/imamik/vmpilot/internal/audit"
	"github.com/imamik/vmpilot/internal/config"
	"github.com/imamik/vmpilot/internal/credentials"
	"github.com/imamik/vmpilot/internal/deployment"
	"github.com/imamik/vmpilot/internal/escalation"
	"github.com/imamik/vmpilot/internal/executor"
	"github.com/imamik/vmpilot/internal/generator"
	"github.com/imamik/vmpilot/internal/ledger"
	"github.com/imamik/vmpilot/internal/logging"
	"github.com/imamik/vmpilot/internal/orchestrator"
	"github.com/imamik/vmpilot/internal/platform/hcloud"
	"github.com/imamik/vmpilot/internal/platform/s3"
	"github.com/imamik/vmpilot/internal/platform/ssh"
	"github.com/imamik/vmpilot/internal/remote"
	"github.com/imamik/vmpilot/internal/risk"
)

// cloudClient is the provider surface the daemon needs from Hetzner Cloud.
type cloudClient interface {
	remote.API
	api.Inventory
}

// Factory function variables for serve - can be replaced in tests.
var (
	newHCloudClient = func(token string, opts ...hcloud.ClientOption) cloudClient {
		return hcloud.NewRealClient(token, opts...)
	}
	newS3Client  = s3.NewClient
	newGenerator = func(cfg generator.OpenAIConfig, logger *slog.Logger) (generator.Generator, error) {
		return generator.NewOpenAI(cfg, logger)
	}
)

// ServeOptions are the flags of the serve command.
type ServeOptions struct {
	ConfigPath string
	EnvFile    string
	Addr       string
	Provider   string
}

// Serve handles the serve command.
//
// It wires the orchestrator from the configuration, resumes plans left
// unfinished by a previous run and serves the HTTP API until interrupted.
func Serve(ctx context.Context, opts ServeOptions) error {
	cfg, err := loadConfig(opts.ConfigPath, opts.EnvFile)
	if err != nil {
		return err
	}
	if opts.Addr != "" {
		cfg.Server.Addr = opts.Addr
	}
	if opts.Provider != "" {
		cfg.Provider = opts.Provider
		if err := cfg.Validate(); err != nil {
			return err
		}
	}

	logger := logging.NewLogger(stderr, logging.ParseLevel(cfg.LogLevel))

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc, err := buildService(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer svc.Close()

	return svc.Run(ctx)
}

// service is the wired daemon.
type service struct {
	cfg     *config.Config
	logger  *slog.Logger
	orch    *orchestrator.Orchestrator
	server  *api.Server
	closers []func() error
}

// Run serves the API and resumes interrupted plans until ctx is done, then
// waits for in-flight plans to reach a safe point.
func (s *service) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.server.Run(gctx, s.cfg.Server.Addr, s.cfg.Server.ShutdownTimeout)
	})
	g.Go(func() error {
		n, err := s.orch.Recover(gctx)
		if err != nil {
			s.logger.Error("recovery failed", "error", err)
			return nil
		}
		if n > 0 {
			s.logger.Info("resumed interrupted plans", "count", n)
		}
		return nil
	})
	runErr := g.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := s.orch.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn("orchestrator shutdown incomplete", "error", err)
	}
	if errors.Is(runErr, context.Canceled) {
		return nil
	}
	return runErr
}

// Close releases the stores in reverse order of opening.
func (s *service) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			s.logger.Warn("close failed", "error", err)
		}
	}
}

func buildService(ctx context.Context, cfg *config.Config, logger *slog.Logger) (svc *service, err error) {
	svc = &service{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			svc.Close()
		}
	}()

	if err := os.MkdirAll(cfg.DataDir, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}

	led, err := openLedger(ctx, cfg, logger, svc)
	if err != nil {
		return nil, err
	}
	policy, err := cfg.RiskPolicy()
	if err != nil {
		return nil, err
	}
	recorder, err := openAudit(cfg, logger, svc)
	if err != nil {
		return nil, err
	}

	creds := credentialProvider()
	var objects *s3.Client
	if cfg.S3Enabled() {
		s3cfg, err := cfg.S3Config(ctx, creds)
		if err != nil {
			return nil, err
		}
		if objects, err = newS3Client(ctx, s3cfg); err != nil {
			return nil, fmt.Errorf("failed to create s3 client: %w", err)
		}
		if err := objects.EnsureBucket(ctx); err != nil {
			return nil, fmt.Errorf("failed to ensure bucket: %w", err)
		}
	}

	remoteAPI, inventory, err := openProvider(ctx, cfg, creds, logger)
	if err != nil {
		return nil, err
	}

	var hardener remote.Hardener = remote.APIHardener{API: remoteAPI}
	if cfg.SSHEnabled() {
		base, err := cfg.SSHConfig()
		if err != nil {
			return nil, err
		}
		if hardener, err = ssh.NewHardener(base, ssh.WithFirewall(hardener), ssh.WithHardenerLogger(logger)); err != nil {
			return nil, err
		}
	}

	broker := escalation.NewBroker()
	deps := orchestrator.Deps{
		Planner:  deployment.NewPlanner(cfg.NamePrefix),
		Gate:     risk.New(policy, led),
		Ledger:   led,
		Runner:   executor.New(remoteAPI, cfg.ExecutorConfig(), executor.WithHardener(hardener), executor.WithLogger(logger)),
		Recorder: recorder,
		Approver: broker,
		Logger:   logger,
	}
	if cfg.Audit.Archive && objects != nil {
		deps.Archiver = audit.NewArchiver(recorder, objects)
	}
	if svc.orch, err = orchestrator.New(deps, cfg.OrchestratorConfig()); err != nil {
		return nil, err
	}

	drafter, err := openDrafter(ctx, cfg, creds, objects, logger)
	if err != nil {
		return nil, err
	}

	apiDeps := api.Deps{
		Plans:        svc.orch,
		Approvals:    broker,
		Reservations: led,
		Audit:        recorder,
		Logger:       logger,
	}
	if inventory != nil {
		apiDeps.Inventory = inventory
	}
	if drafter != nil {
		apiDeps.Drafter = drafter
	}
	if svc.server, err = api.New(apiDeps); err != nil {
		return nil, err
	}
	return svc, nil
}

func openLedger(ctx context.Context, cfg *config.Config, logger *slog.Logger, svc *service) (*ledger.Ledger, error) {
	pools, err := cfg.LedgerPools()
	if err != nil {
		return nil, err
	}
	var store ledger.ConsumedStore = ledger.NewMemoryStore()
	if cfg.Ledger.Store == "sqlite" {
		sqlite, err := ledger.OpenSQLite(ctx, cfg.LedgerDSN())
		if err != nil {
			return nil, err
		}
		svc.closers = append(svc.closers, sqlite.Close)
		store = sqlite
	}
	led := ledger.New(pools, ledger.WithStore(store), ledger.WithLogger(logger))
	if err := led.Load(ctx); err != nil {
		return nil, fmt.Errorf("failed to load consumed identifiers: %w", err)
	}
	return led, nil
}

func openAudit(cfg *config.Config, logger *slog.Logger, svc *service) (audit.Recorder, error) {
	if cfg.Audit.Backend != "badger" {
		return audit.NewMemoryRecorder(), nil
	}
	rec, err := audit.OpenBadger(audit.BadgerConfig{Path: cfg.AuditPath(), Logger: logger})
	if err != nil {
		return nil, err
	}
	svc.closers = append(svc.closers, rec.Close)
	return rec, nil
}

// openProvider returns the remote API and, when the provider can list what it
// manages, the inventory source.
func openProvider(ctx context.Context, cfg *config.Config, creds credentials.Provider, logger *slog.Logger) (remote.API, api.Inventory, error) {
	switch cfg.Provider {
	case config.ProviderFake:
		logger.Warn("using the in-memory provider, nothing is provisioned")
		return remote.NewFake(), nil, nil
	default:
		token, err := creds.Get(ctx, credentials.HCloudToken)
		if err != nil {
			return nil, nil, fmt.Errorf("hetzner cloud token: %w", err)
		}
		client := newHCloudClient(token,
			hcloud.WithTimeouts(cfg.HCloudTimeouts()),
			hcloud.WithLogger(logger),
			hcloud.WithSSHKeys(cfg.HCloud.SSHKeys...),
		)
		return client, client, nil
	}
}

// openDrafter returns nil when no OpenAI key is configured.
func openDrafter(ctx context.Context, cfg *config.Config, creds credentials.Provider, objects *s3.Client, logger *slog.Logger) (*generator.Drafter, error) {
	key, err := credentials.Optional(ctx, creds, credentials.OpenAIKey)
	if err != nil {
		return nil, err
	}
	if key == "" {
		logger.Info("drafting disabled, no OpenAI API key configured")
		return nil, nil
	}
	gen, err := newGenerator(generator.OpenAIConfig{APIKey: key, Model: cfg.OpenAI.Model, BaseURL: cfg.OpenAI.BaseURL}, logger)
	if err != nil {
		return nil, err
	}

	var store artifact.Store
	if cfg.Artifacts.Backend == "s3" {
		if objects == nil {
			return nil, errors.New("artifact backend s3 needs s3.bucket")
		}
		store = artifact.NewS3Store(objects)
	} else if store, err = artifact.NewFileStore(cfg.Artifacts.Dir); err != nil {
		return nil, err
	}
	return generator.NewDrafter(gen, store, cfg.DraftDefaults()), nil
}
