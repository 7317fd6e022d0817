package hcloud

import (
	"context"
	"fmt"
	"net"
	"sort"

	"github.com/hetznercloud/hcloud-go/v2/hcloud"

	"github.com/imamik/vmpilot/internal/remote"
	"github.com/imamik/vmpilot/internal/util/labels"
)

const labelProfile = "vmpilot.io/hardening-profile"

var (
	anyIPv4     = mustCIDR("0.0.0.0/0")
	anyIPv6     = mustCIDR("::/0")
	privateNets = []net.IPNet{mustCIDR("10.0.0.0/8"), mustCIDR("172.16.0.0/12"), mustCIDR("192.168.0.0/16")}
)

// hardeningProfiles maps a hardening profile to the inbound firewall rules it
// allows. Everything not listed is dropped by the firewall.
var hardeningProfiles = map[string][]hcloud.FirewallRule{
	"ssh-baseline": {
		inbound(hcloud.FirewallRuleProtocolTCP, "22", "ssh", anyIPv4, anyIPv6),
		inbound(hcloud.FirewallRuleProtocolICMP, "", "icmp", anyIPv4, anyIPv6),
	},
	"cis-level1": {
		inbound(hcloud.FirewallRuleProtocolTCP, "22", "ssh from private networks", privateNets...),
		inbound(hcloud.FirewallRuleProtocolICMP, "", "icmp from private networks", privateNets...),
	},
	"locked-down": {
		inbound(hcloud.FirewallRuleProtocolICMP, "", "icmp from private networks", privateNets...),
	},
}

// Profiles returns the names of the supported hardening profiles.
func Profiles() []string {
	names := make([]string, 0, len(hardeningProfiles))
	for name := range hardeningProfiles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func firewallName(profile string) string {
	return "vmpilot-hardening-" + labels.Sanitize(profile)
}

// applyHardening applies the firewall of a hardening profile to a server.
// The firewall is shared by every server using the profile.
func (c *RealClient) applyHardening(ctx context.Context, serverID int64, profile string) (remote.Ack, error) {
	rules, ok := hardeningProfiles[profile]
	if !ok {
		return remote.Ack{}, invalid("attach_hardening", "unknown hardening profile %q", profile)
	}

	fw, err := c.ensureFirewall(ctx, firewallName(profile), rules, map[string]string{
		labels.KeyManagedBy: labels.ManagedByVMPilot,
		labelProfile:        labels.Sanitize(profile),
	})
	if err != nil {
		return remote.Ack{}, err
	}

	ack := remote.Ack{Attrs: map[string]string{"firewall": fw.Name}}
	if appliedTo(fw, serverID) {
		return ack, nil
	}
	if _, err := c.getServer(ctx, "attach_hardening", serverID); err != nil {
		return remote.Ack{}, err
	}

	actions, _, err := c.client.Firewall.ApplyResources(ctx, fw, []hcloud.FirewallResource{serverResource(serverID)})
	if err != nil {
		return remote.Ack{}, fmt.Errorf("failed to apply firewall: %w", err)
	}
	if err := waitForActions(ctx, c.client, actions...); err != nil {
		return remote.Ack{}, fmt.Errorf("failed to wait for firewall apply: %w", err)
	}
	return ack, nil
}

// removeHardening removes the profile's firewall from a server.
func (c *RealClient) removeHardening(ctx context.Context, serverID int64, profile string) error {
	fw, _, err := c.client.Firewall.Get(ctx, firewallName(profile))
	if err != nil {
		return fmt.Errorf("failed to get firewall: %w", err)
	}
	if fw == nil || !appliedTo(fw, serverID) {
		return nil
	}

	actions, _, err := c.client.Firewall.RemoveResources(ctx, fw, []hcloud.FirewallResource{serverResource(serverID)})
	if err != nil {
		return fmt.Errorf("failed to remove firewall: %w", err)
	}
	return waitForActions(ctx, c.client, actions...)
}

// ensureFirewall ensures that a firewall exists with the given rules.
func (c *RealClient) ensureFirewall(ctx context.Context, name string, rules []hcloud.FirewallRule, fwLabels map[string]string) (*hcloud.Firewall, error) {
	return (&EnsureOperation[*hcloud.Firewall, hcloud.FirewallCreateOpts, hcloud.FirewallSetRulesOpts]{
		Name:         name,
		ResourceType: "firewall",
		Get:          c.client.Firewall.Get,
		Create:       c.createFirewall,
		Update:       c.client.Firewall.SetRules,
		CreateOptsMapper: func() hcloud.FirewallCreateOpts {
			return hcloud.FirewallCreateOpts{
				Name:   name,
				Rules:  rules,
				Labels: fwLabels,
			}
		},
		UpdateOptsMapper: func(_ *hcloud.Firewall) hcloud.FirewallSetRulesOpts {
			return hcloud.FirewallSetRulesOpts{
				Rules: rules,
			}
		},
	}).Execute(ctx, c)
}

func (c *RealClient) createFirewall(ctx context.Context, opts hcloud.FirewallCreateOpts) (*CreateResult[*hcloud.Firewall], *hcloud.Response, error) {
	res, resp, err := c.client.Firewall.Create(ctx, opts)
	if err != nil {
		return nil, resp, err
	}
	return &CreateResult[*hcloud.Firewall]{
		Resource: res.Firewall,
		Actions:  res.Actions,
	}, resp, nil
}

func appliedTo(fw *hcloud.Firewall, serverID int64) bool {
	for _, r := range fw.AppliedTo {
		if r.Type == hcloud.FirewallResourceTypeServer && r.Server != nil && r.Server.ID == serverID {
			return true
		}
	}
	return false
}

func serverResource(id int64) hcloud.FirewallResource {
	return hcloud.FirewallResource{
		Type:   hcloud.FirewallResourceTypeServer,
		Server: &hcloud.FirewallResourceServer{ID: id},
	}
}

func inbound(proto hcloud.FirewallRuleProtocol, port, description string, sources ...net.IPNet) hcloud.FirewallRule {
	rule := hcloud.FirewallRule{
		Direction:   hcloud.FirewallRuleDirectionIn,
		Protocol:    proto,
		SourceIPs:   sources,
		Description: hcloud.Ptr(description),
	}
	if port != "" {
		rule.Port = hcloud.Ptr(port)
	}
	return rule
}

func mustCIDR(s string) net.IPNet {
	_, n, err := net.ParseCIDR(s)
	if err != nil {
		panic(err)
	}
	return *n
}
