package hcloud

import (
	"context"
	"log/slog"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/hetznercloud/hcloud-go/v2/hcloud"

	"github.com/imamik/vmpilot/internal/remote"
)

// DefaultLocation is used for volumes whose stage names no location.
const DefaultLocation = "nbg1"

// Timeouts holds the timeout and retry settings of the client.
// They can be overridden with VMPILOT_HCLOUD_* environment variables.
type Timeouts struct {
	Create            time.Duration `env:"TIMEOUT_CREATE" envDefault:"10m"`
	Delete            time.Duration `env:"TIMEOUT_DELETE" envDefault:"5m"`
	ImageWait         time.Duration `env:"TIMEOUT_IMAGE_WAIT" envDefault:"5m"`
	RetryMaxAttempts  int           `env:"RETRY_MAX_ATTEMPTS" envDefault:"5"`
	RetryInitialDelay time.Duration `env:"RETRY_INITIAL_DELAY" envDefault:"1s"`
}

// DefaultTimeouts returns the built-in timeouts.
func DefaultTimeouts() *Timeouts {
	return &Timeouts{
		Create:            10 * time.Minute,
		Delete:            5 * time.Minute,
		ImageWait:         5 * time.Minute,
		RetryMaxAttempts:  5,
		RetryInitialDelay: time.Second,
	}
}

// LoadTimeouts reads the timeouts from the environment. Unset variables keep
// their defaults; an unparsable value makes the whole set fall back to them.
func LoadTimeouts() *Timeouts {
	t, err := env.ParseAsWithOptions[Timeouts](env.Options{Prefix: "VMPILOT_HCLOUD_"})
	if err != nil {
		return DefaultTimeouts()
	}
	return &t
}

// RealClient implements remote.API using the Hetzner Cloud API.
type RealClient struct {
	client   *hcloud.Client
	timeouts *Timeouts
	logger   *slog.Logger
	sshKeys  []string
}

var _ remote.API = (*RealClient)(nil)

// ClientOption configures a RealClient.
type ClientOption func(*RealClient)

// WithTimeouts sets custom timeouts for the client.
func WithTimeouts(t *Timeouts) ClientOption {
	return func(c *RealClient) {
		c.timeouts = t
	}
}

// WithHCloudClient sets a custom hcloud client (useful for testing).
func WithHCloudClient(hc *hcloud.Client) ClientOption {
	return func(c *RealClient) {
		c.client = hc
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) ClientOption {
	return func(c *RealClient) {
		c.logger = l
	}
}

// WithSSHKeys sets the names of the SSH keys installed on every new server.
func WithSSHKeys(names ...string) ClientOption {
	return func(c *RealClient) {
		c.sshKeys = names
	}
}

// NewRealClient creates a new RealClient with optional configuration.
func NewRealClient(token string, opts ...ClientOption) *RealClient {
	c := &RealClient{
		client:   hcloud.NewClient(hcloud.WithToken(token), hcloud.WithApplication("vmpilot", "")),
		timeouts: LoadTimeouts(),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Create ensures a resource named spec.Name of the given kind exists.
func (c *RealClient) Create(ctx context.Context, kind remote.Kind, spec remote.Spec) (remote.Handle, error) {
	var (
		h   remote.Handle
		err error
	)
	switch kind {
	case remote.KindServer:
		h, err = c.ensureServer(ctx, spec)
	case remote.KindVolume:
		h, err = c.ensureVolume(ctx, spec)
	case remote.KindInventory:
		h, err = c.registerInventory(ctx, spec)
	default:
		return remote.Handle{}, remote.Errorf(remote.ErrInvalid, "create", "unsupported resource kind %q", kind)
	}
	if err != nil {
		return remote.Handle{}, classify("create_"+string(kind), err)
	}
	return h, nil
}

// Destroy removes a resource. A resource that no longer exists is not an error.
func (c *RealClient) Destroy(ctx context.Context, h remote.Handle) error {
	id, err := resourceID(h)
	if err != nil {
		return err
	}
	switch h.Kind {
	case remote.KindServer:
		err = c.deleteServer(ctx, id)
	case remote.KindVolume:
		err = c.deleteVolume(ctx, id)
	case remote.KindInventory:
		err = c.deregisterInventory(ctx, id)
	default:
		return remote.Errorf(remote.ErrInvalid, "destroy", "unsupported resource kind %q", h.Kind)
	}
	return classify("destroy_"+string(h.Kind), err)
}

// Attach applies cfg to the resource behind h.
func (c *RealClient) Attach(ctx context.Context, h remote.Handle, cfg remote.AttachConfig) (remote.Ack, error) {
	id, err := resourceID(h)
	if err != nil {
		return remote.Ack{}, err
	}
	var ack remote.Ack
	switch cfg.Kind {
	case remote.AttachNetwork:
		ack, err = c.attachNetwork(ctx, id, cfg)
	case remote.AttachHardening:
		ack, err = c.applyHardening(ctx, id, cfg.Target)
	case remote.AttachWipe:
		ack, err = c.wipeVolume(ctx, id)
	default:
		return remote.Ack{}, remote.Errorf(remote.ErrInvalid, "attach", "unsupported attach kind %q", cfg.Kind)
	}
	if err != nil {
		return remote.Ack{}, classify("attach_"+string(cfg.Kind), err)
	}
	return ack, nil
}

// Detach reverts an earlier Attach. Wiping cannot be reverted and is rejected.
func (c *RealClient) Detach(ctx context.Context, h remote.Handle, cfg remote.AttachConfig) error {
	id, err := resourceID(h)
	if err != nil {
		return err
	}
	switch cfg.Kind {
	case remote.AttachNetwork:
		err = c.detachNetwork(ctx, id, cfg.Target)
	case remote.AttachHardening:
		err = c.removeHardening(ctx, id, cfg.Target)
	default:
		return remote.Errorf(remote.ErrInvalid, "detach", "unsupported detach kind %q", cfg.Kind)
	}
	return classify("detach_"+string(cfg.Kind), err)
}
