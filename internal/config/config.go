package config

import (
	"time"

	"github.com/imamik/vmpilot/internal/risk"
)

// Remote providers.
const (
	ProviderHCloud = "hcloud"
	// ProviderFake runs every stage against an in-memory cloud. Useful for
	// dry runs and demos.
	ProviderFake = "fake"
)

// Config is the complete vmpilot configuration.
type Config struct {
	DataDir    string `yaml:"dataDir" env:"DATA_DIR" validate:"required"`
	LogLevel   string `yaml:"logLevel" env:"LOG_LEVEL" validate:"omitempty,oneof=debug info warn warning error"`
	NamePrefix string `yaml:"namePrefix" env:"NAME_PREFIX" validate:"required,hostname_rfc1123"`
	Provider   string `yaml:"provider" env:"PROVIDER" validate:"required,oneof=hcloud fake"`

	Server       ServerConfig       `yaml:"server" envPrefix:"SERVER_"`
	Ledger       LedgerConfig       `yaml:"ledger" envPrefix:"LEDGER_"`
	Risk         RiskConfig         `yaml:"risk" envPrefix:"RISK_"`
	Executor     ExecutorConfig     `yaml:"executor" envPrefix:"EXECUTOR_"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator" envPrefix:"ORCHESTRATOR_"`
	Audit        AuditConfig        `yaml:"audit" envPrefix:"AUDIT_"`
	Artifacts    ArtifactConfig     `yaml:"artifacts" envPrefix:"ARTIFACTS_"`
	HCloud       HCloudConfig       `yaml:"hcloud" envPrefix:"HCLOUD_"`
	SSH          SSHConfig          `yaml:"ssh" envPrefix:"SSH_"`
	S3           S3Config           `yaml:"s3" envPrefix:"S3_"`
	OpenAI       OpenAIConfig       `yaml:"openai" envPrefix:"OPENAI_"`
	Drafts       DraftConfig        `yaml:"drafts" envPrefix:"DRAFTS_"`
}

// ServerConfig configures the HTTP control surface.
type ServerConfig struct {
	Addr            string        `yaml:"addr" env:"ADDR" validate:"required,hostname_port"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout" env:"SHUTDOWN_TIMEOUT" validate:"gt=0"`
}

// LedgerConfig describes the identifier pools and where consumed
// identifiers are kept.
type LedgerConfig struct {
	Store        string `yaml:"store" env:"STORE" validate:"oneof=sqlite memory"`
	VMIDMin      int    `yaml:"vmIDMin" env:"VMID_MIN" validate:"gt=0"`
	VMIDMax      int    `yaml:"vmIDMax" env:"VMID_MAX" validate:"gtefield=VMIDMin"`
	IPPrefix     string `yaml:"ipPrefix" env:"IP_PREFIX" validate:"required,cidrv4"`
	IPSkip       int    `yaml:"ipSkip" env:"IP_SKIP" validate:"gte=0"`
	VolumePrefix string `yaml:"volumePrefix" env:"VOLUME_PREFIX" validate:"required"`
	VolumeCount  int    `yaml:"volumeCount" env:"VOLUME_COUNT" validate:"gt=0"`
}

// RiskConfig points at an optional policy file and threshold overrides.
type RiskConfig struct {
	PolicyFile string         `yaml:"policyFile" env:"POLICY_FILE"`
	Overrides  risk.Overrides `yaml:"overrides"`
}

// ExecutorConfig holds the stage retry, timeout and throttle settings.
type ExecutorConfig struct {
	MaxAttempts  int           `yaml:"maxAttempts" env:"MAX_ATTEMPTS" validate:"gt=0"`
	BaseBackoff  time.Duration `yaml:"baseBackoff" env:"BASE_BACKOFF" validate:"gt=0"`
	MaxBackoff   time.Duration `yaml:"maxBackoff" env:"MAX_BACKOFF" validate:"gtefield=BaseBackoff"`
	StageTimeout time.Duration `yaml:"stageTimeout" env:"STAGE_TIMEOUT" validate:"gt=0"`
	RateLimit    float64       `yaml:"rateLimit" env:"RATE_LIMIT" validate:"gte=0"`
	RateBurst    int           `yaml:"rateBurst" env:"RATE_BURST" validate:"gte=0"`
}

// OrchestratorConfig holds reservation and escalation budgets.
type OrchestratorConfig struct {
	ReserveAttempts    int           `yaml:"reserveAttempts" env:"RESERVE_ATTEMPTS" validate:"gt=0"`
	ReserveBackoff     time.Duration `yaml:"reserveBackoff" env:"RESERVE_BACKOFF" validate:"gt=0"`
	ReserveMaxBackoff  time.Duration `yaml:"reserveMaxBackoff" env:"RESERVE_MAX_BACKOFF" validate:"gtefield=ReserveBackoff"`
	EscalationTimeout  time.Duration `yaml:"escalationTimeout" env:"ESCALATION_TIMEOUT" validate:"gt=0"`
	RecoverConcurrency int           `yaml:"recoverConcurrency" env:"RECOVER_CONCURRENCY" validate:"gt=0"`
}

// AuditConfig selects the audit log backend.
type AuditConfig struct {
	Backend string `yaml:"backend" env:"BACKEND" validate:"oneof=badger memory"`
	// Archive uploads a finished request's trail to S3 when S3 is configured.
	Archive bool `yaml:"archive" env:"ARCHIVE"`
}

// ArtifactConfig selects where generated artifacts are stored.
type ArtifactConfig struct {
	Backend string `yaml:"backend" env:"BACKEND" validate:"oneof=file s3"`
	// Dir defaults to <dataDir>/artifacts.
	Dir string `yaml:"dir" env:"DIR"`
}

// HCloudConfig configures the Hetzner Cloud adapter. The token comes from
// the credentials provider.
type HCloudConfig struct {
	SSHKeys           []string      `yaml:"sshKeys" env:"SSH_KEYS" envSeparator:","`
	CreateTimeout     time.Duration `yaml:"createTimeout" env:"TIMEOUT_CREATE" validate:"gt=0"`
	DeleteTimeout     time.Duration `yaml:"deleteTimeout" env:"TIMEOUT_DELETE" validate:"gt=0"`
	ImageWaitTimeout  time.Duration `yaml:"imageWaitTimeout" env:"TIMEOUT_IMAGE_WAIT" validate:"gt=0"`
	RetryMaxAttempts  int           `yaml:"retryMaxAttempts" env:"RETRY_MAX_ATTEMPTS" validate:"gt=0"`
	RetryInitialDelay time.Duration `yaml:"retryInitialDelay" env:"RETRY_INITIAL_DELAY" validate:"gt=0"`
}

// SSHConfig enables host hardening over SSH when KeyFile is set. Without it
// hardening is limited to the cloud firewall.
type SSHConfig struct {
	User       string        `yaml:"user" env:"USER" validate:"required"`
	Port       int           `yaml:"port" env:"PORT" validate:"gt=0,lte=65535"`
	KeyFile    string        `yaml:"keyFile" env:"KEY_FILE"`
	MaxRetries int           `yaml:"maxRetries" env:"MAX_RETRIES" validate:"gte=0"`
	RetryDelay time.Duration `yaml:"retryDelay" env:"RETRY_DELAY" validate:"gte=0"`
}

// S3Config describes the bucket used for artifacts and audit archives. An
// empty bucket disables S3.
type S3Config struct {
	Endpoint  string `yaml:"endpoint" env:"ENDPOINT" validate:"omitempty,url"`
	Region    string `yaml:"region" env:"REGION"`
	Bucket    string `yaml:"bucket" env:"BUCKET"`
	PathStyle bool   `yaml:"pathStyle" env:"PATH_STYLE"`
}

// OpenAIConfig configures the artifact generator. Without an API key
// drafting from prompts is disabled.
type OpenAIConfig struct {
	Model   string `yaml:"model" env:"MODEL" validate:"required"`
	BaseURL string `yaml:"baseURL" env:"BASE_URL" validate:"omitempty,url"`
}

// DraftConfig holds the resource defaults of requests drafted from a prompt.
// The generator may override any of them.
type DraftConfig struct {
	ServerType  string `yaml:"serverType" env:"SERVER_TYPE" validate:"required"`
	Image       string `yaml:"image" env:"IMAGE" validate:"required"`
	Location    string `yaml:"location" env:"LOCATION" validate:"required"`
	Network     string `yaml:"network" env:"NETWORK" validate:"required"`
	Criticality string `yaml:"criticality" env:"CRITICALITY" validate:"oneof=low medium high critical"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		DataDir:    ".vmpilot",
		LogLevel:   "info",
		NamePrefix: "vmpilot",
		Provider:   ProviderHCloud,
		Server: ServerConfig{
			Addr:            "127.0.0.1:8484",
			ShutdownTimeout: 30 * time.Second,
		},
		Ledger: LedgerConfig{
			Store:        "sqlite",
			VMIDMin:      100,
			VMIDMax:      999,
			IPPrefix:     "10.0.1.0/24",
			IPSkip:       1,
			VolumePrefix: "vmpilot-vol",
			VolumeCount:  1000,
		},
		Executor: ExecutorConfig{
			MaxAttempts:  5,
			BaseBackoff:  time.Second,
			MaxBackoff:   30 * time.Second,
			StageTimeout: 10 * time.Minute,
			RateLimit:    10,
			RateBurst:    5,
		},
		Orchestrator: OrchestratorConfig{
			ReserveAttempts:    5,
			ReserveBackoff:     250 * time.Millisecond,
			ReserveMaxBackoff:  5 * time.Second,
			EscalationTimeout:  30 * time.Minute,
			RecoverConcurrency: 4,
		},
		Audit:     AuditConfig{Backend: "badger"},
		Artifacts: ArtifactConfig{Backend: "file"},
		HCloud: HCloudConfig{
			CreateTimeout:     10 * time.Minute,
			DeleteTimeout:     5 * time.Minute,
			ImageWaitTimeout:  5 * time.Minute,
			RetryMaxAttempts:  5,
			RetryInitialDelay: time.Second,
		},
		SSH: SSHConfig{
			User:       "root",
			Port:       22,
			MaxRetries: 30,
			RetryDelay: 2 * time.Second,
		},
		S3:     S3Config{Region: "eu-central-1"},
		OpenAI: OpenAIConfig{Model: "gpt-4o-mini"},
		Drafts: DraftConfig{
			ServerType:  "cx22",
			Image:       "ubuntu-24.04",
			Location:    "nbg1",
			Network:     "vmpilot-private",
			Criticality: "low",
		},
	}
}
