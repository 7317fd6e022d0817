package hcloud

import (
	"context"
	"fmt"
	"net"

	"github.com/hetznercloud/hcloud-go/v2/hcloud"

	"github.com/imamik/vmpilot/internal/remote"
	"github.com/imamik/vmpilot/internal/util/labels"
)

// defaultNetworkZone is the zone of subnets created for networks vmpilot owns.
const defaultNetworkZone = hcloud.NetworkZoneEUCentral

// attachNetwork attaches a server to the network named cfg.Target. When the
// attach config carries a "cidr" the network is created on demand with that
// range; otherwise it must exist. An "ip" param pins the private address.
// Attaching twice returns the address of the existing attachment.
func (c *RealClient) attachNetwork(ctx context.Context, serverID int64, cfg remote.AttachConfig) (remote.Ack, error) {
	network, err := c.resolveNetwork(ctx, cfg.Target, cfg.Params["cidr"])
	if err != nil {
		return remote.Ack{}, err
	}
	server, err := c.getServer(ctx, "attach_network", serverID)
	if err != nil {
		return remote.Ack{}, err
	}
	if ip := privateIP(server, network.ID); ip != "" {
		return networkAck(ip), nil
	}

	opts := hcloud.ServerAttachToNetworkOpts{Network: network}
	if raw := cfg.Params["ip"]; raw != "" {
		ip := net.ParseIP(raw)
		if ip == nil {
			return remote.Ack{}, invalid("attach_network", "invalid private ip: %s", raw)
		}
		opts.IP = ip
	}

	action, _, err := c.client.Server.AttachToNetwork(ctx, server, opts)
	if err != nil {
		return remote.Ack{}, fmt.Errorf("failed to attach server to network: %w", err)
	}
	if err := waitForActions(ctx, c.client, action); err != nil {
		return remote.Ack{}, fmt.Errorf("failed to wait for network attach: %w", err)
	}

	// Read the address back when the API assigned it.
	server, err = c.getServer(ctx, "attach_network", serverID)
	if err != nil {
		return remote.Ack{}, err
	}
	return networkAck(privateIP(server, network.ID)), nil
}

// detachNetwork detaches a server from a network. A server that is gone or
// no longer attached counts as detached.
func (c *RealClient) detachNetwork(ctx context.Context, serverID int64, name string) error {
	network, _, err := c.client.Network.Get(ctx, name)
	if err != nil {
		return fmt.Errorf("failed to get network: %w", err)
	}
	if network == nil {
		return nil
	}
	server, err := c.getServer(ctx, "detach_network", serverID)
	if err != nil {
		return err
	}
	if privateIP(server, network.ID) == "" {
		return nil
	}

	action, _, err := c.client.Server.DetachFromNetwork(ctx, server, hcloud.ServerDetachFromNetworkOpts{Network: network})
	if err != nil {
		return fmt.Errorf("failed to detach server from network: %w", err)
	}
	return waitForActions(ctx, c.client, action)
}

func (c *RealClient) resolveNetwork(ctx context.Context, name, cidr string) (*hcloud.Network, error) {
	if cidr != "" {
		return c.ensureNetwork(ctx, name, cidr)
	}
	network, _, err := c.client.Network.Get(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("failed to get network: %w", err)
	}
	if network == nil {
		return nil, invalid("attach_network", "network %q does not exist", name)
	}
	return network, nil
}

// ensureNetwork ensures that a network with a single cloud subnet spanning
// ipRange exists.
func (c *RealClient) ensureNetwork(ctx context.Context, name, ipRange string) (*hcloud.Network, error) {
	_, ipNet, err := net.ParseCIDR(ipRange)
	if err != nil {
		return nil, invalid("attach_network", "invalid network range %q", ipRange)
	}

	network, err := (&EnsureOperation[*hcloud.Network, hcloud.NetworkCreateOpts, any]{
		Name:         name,
		ResourceType: "network",
		Get:          c.client.Network.Get,
		Create:       simpleCreate(c.client.Network.Create),
		Validate: func(network *hcloud.Network) error {
			if network.IPRange.String() != ipNet.String() {
				return remote.Errorf(remote.ErrConflict, "attach_network",
					"network %s exists but with different IP range %s (expected %s)",
					name, network.IPRange.String(), ipNet.String())
			}
			return nil
		},
		CreateOptsMapper: func() hcloud.NetworkCreateOpts {
			return hcloud.NetworkCreateOpts{
				Name:    name,
				IPRange: ipNet,
				Labels:  map[string]string{labels.KeyManagedBy: labels.ManagedByVMPilot},
			}
		},
	}).Execute(ctx, c)
	if err != nil {
		return nil, err
	}
	if err := c.ensureSubnet(ctx, network, ipNet); err != nil {
		return nil, err
	}
	return network, nil
}

// ensureSubnet ensures that a cloud subnet with the given range exists in the network.
func (c *RealClient) ensureSubnet(ctx context.Context, network *hcloud.Network, ipNet *net.IPNet) error {
	for _, subnet := range network.Subnets {
		if subnet.IPRange != nil && subnet.IPRange.String() == ipNet.String() {
			return nil
		}
	}

	action, _, err := c.client.Network.AddSubnet(ctx, network, hcloud.NetworkAddSubnetOpts{
		Subnet: hcloud.NetworkSubnet{
			Type:        hcloud.NetworkSubnetTypeCloud,
			IPRange:     ipNet,
			NetworkZone: defaultNetworkZone,
		},
	})
	if err != nil {
		return fmt.Errorf("failed to add subnet: %w", err)
	}
	if err := waitForActions(ctx, c.client, action); err != nil {
		return fmt.Errorf("failed to wait for subnet creation: %w", err)
	}
	return nil
}

// privateIP returns the server's address in the network, or "" when the
// server is not attached to it.
func privateIP(server *hcloud.Server, networkID int64) string {
	for _, pn := range server.PrivateNet {
		if pn.Network != nil && pn.Network.ID == networkID && pn.IP != nil {
			return pn.IP.String()
		}
	}
	return ""
}

func networkAck(ip string) remote.Ack {
	return remote.Ack{Attrs: map[string]string{"ip": ip}}
}
