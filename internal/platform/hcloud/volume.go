package hcloud

import (
	"context"
	"fmt"
	"maps"
	"strconv"

	"github.com/hetznercloud/hcloud-go/v2/hcloud"

	"github.com/imamik/vmpilot/internal/deployment"
	"github.com/imamik/vmpilot/internal/remote"
)

const (
	// labelWipedFrom marks a volume re-created by a wipe with the ID it replaces.
	labelWipedFrom = "vmpilot.io/wiped-from"

	volumeFormat = "ext4"
)

// ensureVolume returns the volume named spec.Name, creating it when missing.
func (c *RealClient) ensureVolume(ctx context.Context, spec remote.Spec) (remote.Handle, error) {
	if spec.Name == "" {
		return remote.Handle{}, invalid("create_volume", "volume name is required")
	}
	size, err := strconv.Atoi(spec.Params["size_gb"])
	if err != nil || size <= 0 {
		return remote.Handle{}, invalid("create_volume", "invalid volume size %q", spec.Params["size_gb"])
	}
	locationName := spec.Params["location"]
	if locationName == "" {
		locationName = DefaultLocation
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeouts.Create)
	defer cancel()

	volume, err := (&EnsureOperation[*hcloud.Volume, hcloud.VolumeCreateOpts, any]{
		Name:         spec.Name,
		ResourceType: "volume",
		Get:          c.client.Volume.Get,
		Create:       c.createVolume,
		Validate:     func(v *hcloud.Volume) error { return checkOwner("volume", v.Name, v.Labels, spec.Labels) },
		CreateOptsMapper: func() hcloud.VolumeCreateOpts {
			return hcloud.VolumeCreateOpts{
				Name:     spec.Name,
				Size:     size,
				Labels:   spec.Labels,
				Location: &hcloud.Location{Name: locationName},
				Format:   hcloud.Ptr(volumeFormat),
			}
		},
	}).Execute(ctx, c)
	if err != nil {
		return remote.Handle{}, err
	}
	return volumeHandle(volume), nil
}

func (c *RealClient) createVolume(ctx context.Context, opts hcloud.VolumeCreateOpts) (*CreateResult[*hcloud.Volume], *hcloud.Response, error) {
	res, resp, err := c.client.Volume.Create(ctx, opts)
	if err != nil {
		return nil, resp, err
	}
	return &CreateResult[*hcloud.Volume]{
		Resource: res.Volume,
		Action:   res.Action,
		Actions:  res.NextActions,
	}, resp, nil
}

// findVolume returns the volume with the given ID or, once it has been wiped,
// the volume that replaced it. It returns nil when neither exists.
func (c *RealClient) findVolume(ctx context.Context, id int64) (*hcloud.Volume, *hcloud.Response, error) {
	volume, resp, err := c.client.Volume.GetByID(ctx, id)
	if err != nil || volume != nil {
		return volume, resp, err
	}
	replacements, err := c.client.Volume.AllWithOpts(ctx, hcloud.VolumeListOpts{
		ListOpts: hcloud.ListOpts{LabelSelector: labelWipedFrom + "=" + strconv.FormatInt(id, 10)},
	})
	if err != nil || len(replacements) == 0 {
		return nil, nil, err
	}
	return replacements[0], nil, nil
}

// deleteVolume detaches and deletes a volume.
func (c *RealClient) deleteVolume(ctx context.Context, id int64) error {
	return (&DeleteOperation[*hcloud.Volume]{
		Name:         strconv.FormatInt(id, 10),
		ResourceType: "volume",
		Lookup: func(ctx context.Context) (*hcloud.Volume, *hcloud.Response, error) {
			return c.findVolume(ctx, id)
		},
		Delete: func(ctx context.Context, volume *hcloud.Volume) (*hcloud.Response, error) {
			if err := c.detachVolume(ctx, volume); err != nil {
				return nil, err
			}
			return c.client.Volume.Delete(ctx, volume)
		},
	}).Execute(ctx, c)
}

func (c *RealClient) detachVolume(ctx context.Context, volume *hcloud.Volume) error {
	if volume.Server == nil {
		return nil
	}
	action, _, err := c.client.Volume.Detach(ctx, volume)
	if err != nil {
		return err
	}
	return waitForActions(ctx, c.client, action)
}

// wipeVolume destroys the data on a volume by replacing it with a freshly
// formatted one of the same name, size and location. The replacement is
// re-attached to the server the volume was attached to. The ack carries the
// handle of the replacement.
func (c *RealClient) wipeVolume(ctx context.Context, id int64) (remote.Ack, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeouts.Create)
	defer cancel()

	volume, _, err := c.findVolume(ctx, id)
	if err != nil {
		return remote.Ack{}, fmt.Errorf("failed to get volume: %w", err)
	}
	if volume == nil {
		return remote.Ack{}, notFound("attach_wipe", "volume %d does not exist", id)
	}
	if volume.ID != id {
		return wipeAck(volume, id), nil
	}

	server := volume.Server
	if err := c.detachVolume(ctx, volume); err != nil {
		return remote.Ack{}, fmt.Errorf("failed to detach volume: %w", err)
	}
	if _, err := c.client.Volume.Delete(ctx, volume); err != nil {
		return remote.Ack{}, fmt.Errorf("failed to delete volume: %w", err)
	}

	replacementLabels := maps.Clone(volume.Labels)
	if replacementLabels == nil {
		replacementLabels = make(map[string]string)
	}
	replacementLabels[labelWipedFrom] = strconv.FormatInt(id, 10)

	result, _, err := c.createVolume(ctx, hcloud.VolumeCreateOpts{
		Name:     volume.Name,
		Size:     volume.Size,
		Labels:   replacementLabels,
		Location: volume.Location,
		Format:   hcloud.Ptr(volumeFormat),
	})
	if err != nil {
		return remote.Ack{}, fmt.Errorf("failed to re-create volume: %w", err)
	}
	if err := waitForActionResult(ctx, c.client, result); err != nil {
		return remote.Ack{}, fmt.Errorf("failed to wait for volume creation: %w", err)
	}

	if server != nil {
		action, _, err := c.client.Volume.Attach(ctx, result.Resource, server)
		if err != nil {
			return remote.Ack{}, fmt.Errorf("failed to re-attach volume: %w", err)
		}
		if err := waitForActions(ctx, c.client, action); err != nil {
			return remote.Ack{}, fmt.Errorf("failed to wait for volume attach: %w", err)
		}
	}

	c.logger.Info("wiped volume", "volume", volume.Name, "old_id", id, "new_id", result.Resource.ID)
	return wipeAck(result.Resource, id), nil
}

func wipeAck(replacement *hcloud.Volume, oldID int64) remote.Ack {
	return remote.Ack{Attrs: map[string]string{
		deployment.KeyVolumeHandle: volumeHandle(replacement).String(),
		"wiped_from":               strconv.FormatInt(oldID, 10),
	}}
}

func volumeHandle(v *hcloud.Volume) remote.Handle {
	return remote.Handle{
		Kind: remote.KindVolume,
		ID:   strconv.FormatInt(v.ID, 10),
		Name: v.Name,
		Attrs: map[string]string{
			"size_gb": strconv.Itoa(v.Size),
		},
	}
}
