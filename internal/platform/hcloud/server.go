package hcloud

import (
	"context"
	"fmt"
	"maps"
	"strconv"
	"time"

	"github.com/hetznercloud/hcloud-go/v2/hcloud"

	"github.com/imamik/vmpilot/internal/deployment"
	"github.com/imamik/vmpilot/internal/remote"
	"github.com/imamik/vmpilot/internal/util/labels"
	"github.com/imamik/vmpilot/internal/util/retry"
)

// labelVMID records the reserved VM identifier on a server.
const labelVMID = "vmpilot.io/vm-id"

// ensureServer returns the server named spec.Name, creating it when missing.
func (c *RealClient) ensureServer(ctx context.Context, spec remote.Spec) (remote.Handle, error) {
	if spec.Name == "" {
		return remote.Handle{}, invalid("create_server", "server name is required")
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeouts.Create)
	defer cancel()

	server, err := (&EnsureOperation[*hcloud.Server, remote.Spec, any]{
		Name:             spec.Name,
		ResourceType:     "server",
		Get:              c.client.Server.Get,
		Create:           c.createServer,
		Validate:         func(s *hcloud.Server) error { return checkOwner("server", s.Name, s.Labels, spec.Labels) },
		CreateOptsMapper: func() remote.Spec { return spec },
	}).Execute(ctx, c)
	if err != nil {
		return remote.Handle{}, err
	}
	return serverHandle(server), nil
}

func (c *RealClient) createServer(ctx context.Context, spec remote.Spec) (*CreateResult[*hcloud.Server], *hcloud.Response, error) {
	opts, err := c.buildServerCreateOpts(ctx, spec)
	if err != nil {
		return nil, nil, err
	}

	var result hcloud.ServerCreateResult
	err = retry.WithExponentialBackoff(ctx, func() error {
		res, _, err := c.client.Server.Create(ctx, opts)
		if err != nil {
			if isInvalidParameter(err) {
				return retry.Fatal(err)
			}
			return err
		}
		result = res
		return nil
	}, retry.WithMaxRetries(c.timeouts.RetryMaxAttempts), retry.WithInitialDelay(c.timeouts.RetryInitialDelay))
	if err != nil {
		return nil, nil, err
	}

	return &CreateResult[*hcloud.Server]{
		Resource: result.Server,
		Action:   result.Action,
		Actions:  result.NextActions,
	}, nil, nil
}

// buildServerCreateOpts resolves the stage parameters into server creation options.
func (c *RealClient) buildServerCreateOpts(ctx context.Context, spec remote.Spec) (hcloud.ServerCreateOpts, error) {
	serverType, _, err := c.client.ServerType.Get(ctx, spec.Params["server_type"])
	if err != nil {
		return hcloud.ServerCreateOpts{}, fmt.Errorf("failed to get server type: %w", err)
	}
	if serverType == nil {
		return hcloud.ServerCreateOpts{}, invalid("create_server", "server type not found: %s", spec.Params["server_type"])
	}

	image, err := c.resolveImage(ctx, spec.Params["image"], serverType)
	if err != nil {
		return hcloud.ServerCreateOpts{}, err
	}

	location, err := c.resolveLocation(ctx, spec.Params["location"])
	if err != nil {
		return hcloud.ServerCreateOpts{}, err
	}

	sshKeys, err := c.resolveSSHKeys(ctx, c.sshKeys)
	if err != nil {
		return hcloud.ServerCreateOpts{}, err
	}

	serverLabels := maps.Clone(spec.Labels)
	if serverLabels == nil {
		serverLabels = make(map[string]string)
	}
	if vmID := spec.Params["vm_id"]; vmID != "" {
		serverLabels[labelVMID] = labels.Sanitize(vmID)
	}

	opts := hcloud.ServerCreateOpts{
		Name:       spec.Name,
		ServerType: serverType,
		Image:      image,
		SSHKeys:    sshKeys,
		Location:   location,
		Labels:     serverLabels,
	}

	if raw := spec.Params[deployment.KeyVolumeHandle]; raw != "" {
		h, err := remote.ParseHandle(raw)
		if err != nil {
			return hcloud.ServerCreateOpts{}, invalid("create_server", "%v", err)
		}
		id, err := resourceID(h)
		if err != nil {
			return hcloud.ServerCreateOpts{}, err
		}
		opts.Volumes = []*hcloud.Volume{{ID: id}}
		opts.Automount = hcloud.Ptr(true)
	}

	return opts, nil
}

// resolveImage resolves an image for the architecture of the server type and
// waits until it is available.
func (c *RealClient) resolveImage(ctx context.Context, name string, serverType *hcloud.ServerType) (*hcloud.Image, error) {
	image, _, err := c.client.Image.GetForArchitecture(ctx, name, serverType.Architecture)
	if err != nil {
		return nil, fmt.Errorf("failed to get image: %w", err)
	}
	if image == nil {
		return nil, invalid("create_server", "image not found: %s (%s)", name, serverType.Architecture)
	}

	if image.Status != hcloud.ImageStatusAvailable {
		if err := c.waitForImageAvailability(ctx, image); err != nil {
			return nil, err
		}
	}
	return image, nil
}

// waitForImageAvailability waits for an image to become available.
func (c *RealClient) waitForImageAvailability(ctx context.Context, image *hcloud.Image) error {
	c.logger.Info("waiting for image", "image", image.Name, "id", image.ID, "status", image.Status)
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	timeout := time.After(c.timeouts.ImageWait)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timeout:
			return remote.Errorf(remote.ErrTimeout, "create_server", "image %d did not become available", image.ID)
		case <-ticker.C:
			img, _, err := c.client.Image.GetByID(ctx, image.ID)
			if err != nil {
				return fmt.Errorf("failed to get image status: %w", err)
			}
			if img != nil && img.Status == hcloud.ImageStatusAvailable {
				return nil
			}
		}
	}
}

// resolveSSHKeys resolves SSH key names to SSH key objects.
func (c *RealClient) resolveSSHKeys(ctx context.Context, names []string) ([]*hcloud.SSHKey, error) {
	var keys []*hcloud.SSHKey
	for _, name := range names {
		key, _, err := c.client.SSHKey.Get(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("failed to get ssh key %s: %w", name, err)
		}
		if key == nil {
			return nil, invalid("create_server", "ssh key not found: %s", name)
		}
		keys = append(keys, key)
	}
	return keys, nil
}

// resolveLocation resolves a location name. An empty name lets the API choose.
func (c *RealClient) resolveLocation(ctx context.Context, name string) (*hcloud.Location, error) {
	if name == "" {
		return nil, nil
	}

	location, _, err := c.client.Location.Get(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("failed to get location %s: %w", name, err)
	}
	if location == nil {
		return nil, invalid("create", "location not found: %s", name)
	}
	return location, nil
}

// deleteServer deletes the server with the given ID.
func (c *RealClient) deleteServer(ctx context.Context, id int64) error {
	return (&DeleteOperation[*hcloud.Server]{
		Name:         strconv.FormatInt(id, 10),
		ResourceType: "server",
		Lookup: func(ctx context.Context) (*hcloud.Server, *hcloud.Response, error) {
			return c.client.Server.GetByID(ctx, id)
		},
		Delete: func(ctx context.Context, server *hcloud.Server) (*hcloud.Response, error) {
			res, resp, err := c.client.Server.DeleteWithResult(ctx, server)
			if err != nil {
				return resp, err
			}
			return resp, waitForActions(ctx, c.client, res.Action)
		},
	}).Execute(ctx, c)
}

// getServer returns the server with the given ID or a not-found error.
func (c *RealClient) getServer(ctx context.Context, op string, id int64) (*hcloud.Server, error) {
	server, _, err := c.client.Server.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get server: %w", err)
	}
	if server == nil {
		return nil, notFound(op, "server %d does not exist", id)
	}
	return server, nil
}

func serverHandle(s *hcloud.Server) remote.Handle {
	h := remote.Handle{
		Kind:  remote.KindServer,
		ID:    strconv.FormatInt(s.ID, 10),
		Name:  s.Name,
		Attrs: map[string]string{},
	}
	if ip := serverIPv4(s); ip != "" {
		h.Attrs["public_ipv4"] = ip
	}
	return h
}

// serverIPv4 extracts the public IPv4 address from a server, or empty string if not set.
func serverIPv4(s *hcloud.Server) string {
	if s != nil && s.PublicNet.IPv4.IP != nil {
		return s.PublicNet.IPv4.IP.String()
	}
	return ""
}

// checkOwner rejects reusing a resource that another request created under
// the same name.
func checkOwner(kind, name string, existing, want map[string]string) error {
	wantRequest := want[labels.KeyRequest]
	if wantRequest == "" {
		return nil
	}
	if got := existing[labels.KeyRequest]; got != wantRequest {
		return remote.Errorf(remote.ErrConflict, "create_"+kind,
			"%s %s belongs to request %q", kind, name, got)
	}
	return nil
}
