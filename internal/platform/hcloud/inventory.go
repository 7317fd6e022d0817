package hcloud

import (
	"context"
	"fmt"
	"maps"
	"strconv"
	"strings"

	"github.com/hetznercloud/hcloud-go/v2/hcloud"

	"github.com/imamik/vmpilot/internal/deployment"
	"github.com/imamik/vmpilot/internal/remote"
	"github.com/imamik/vmpilot/internal/util/labels"
)

// Inventory labels. A server is registered while it carries labelInventory.
const (
	labelInventory          = "vmpilot.io/inventory"
	labelInventoryIP        = "vmpilot.io/inventory-ip"
	labelInventoryRequester = "vmpilot.io/inventory-requester"
)

// registerInventory records a server in the inventory by labelling it. The
// returned handle carries the server ID. Registering the same name twice is
// a no-op; a server registered under another name is a conflict.
func (c *RealClient) registerInventory(ctx context.Context, spec remote.Spec) (remote.Handle, error) {
	if spec.Name == "" {
		return remote.Handle{}, invalid("create_inventory", "inventory name is required")
	}
	raw := spec.Params[deployment.KeyServerHandle]
	if raw == "" {
		return remote.Handle{}, invalid("create_inventory", "missing %s", deployment.KeyServerHandle)
	}
	h, err := remote.ParseHandle(raw)
	if err != nil {
		return remote.Handle{}, invalid("create_inventory", "%v", err)
	}
	serverID, err := resourceID(h)
	if err != nil {
		return remote.Handle{}, err
	}

	server, err := c.getServer(ctx, "create_inventory", serverID)
	if err != nil {
		return remote.Handle{}, err
	}

	name := labels.Sanitize(spec.Name)
	switch current := server.Labels[labelInventory]; current {
	case name:
		return inventoryHandle(server.ID, spec.Name), nil
	case "":
	default:
		return remote.Handle{}, remote.Errorf(remote.ErrConflict, "create_inventory",
			"server %d is already registered as %q", server.ID, current)
	}

	updated := maps.Clone(server.Labels)
	if updated == nil {
		updated = make(map[string]string)
	}
	updated[labelInventory] = name
	if ip := spec.Params[deployment.KeyIP]; ip != "" {
		// Label values cannot contain ':' or '/'; IPv4 addresses pass as is.
		updated[labelInventoryIP] = labels.Sanitize(strings.ReplaceAll(ip, ":", "-"))
	}
	if requester := spec.Params["requester"]; requester != "" {
		updated[labelInventoryRequester] = labels.Sanitize(requester)
	}

	if _, _, err := c.client.Server.Update(ctx, server, hcloud.ServerUpdateOpts{Labels: updated}); err != nil {
		return remote.Handle{}, fmt.Errorf("failed to label server: %w", err)
	}
	c.logger.Info("registered inventory", "name", spec.Name, "server", server.ID)
	return inventoryHandle(server.ID, spec.Name), nil
}

// deregisterInventory removes the inventory labels from a server. A server
// that no longer exists counts as deregistered.
func (c *RealClient) deregisterInventory(ctx context.Context, serverID int64) error {
	server, _, err := c.client.Server.GetByID(ctx, serverID)
	if err != nil {
		return fmt.Errorf("failed to get server: %w", err)
	}
	if server == nil || server.Labels[labelInventory] == "" {
		return nil
	}

	updated := maps.Clone(server.Labels)
	delete(updated, labelInventory)
	delete(updated, labelInventoryIP)
	delete(updated, labelInventoryRequester)
	if _, _, err := c.client.Server.Update(ctx, server, hcloud.ServerUpdateOpts{Labels: updated}); err != nil {
		return fmt.Errorf("failed to unlabel server: %w", err)
	}
	return nil
}

// Inventory lists the registered servers, optionally restricted to one request.
func (c *RealClient) Inventory(ctx context.Context, requestID string) ([]remote.Handle, error) {
	selector := labelInventory
	if requestID != "" {
		selector += "," + labels.SelectorForRequest(requestID)
	}
	servers, err := c.client.Server.AllWithOpts(ctx, hcloud.ServerListOpts{
		ListOpts: hcloud.ListOpts{LabelSelector: selector},
	})
	if err != nil {
		return nil, classify("list_inventory", err)
	}
	out := make([]remote.Handle, 0, len(servers))
	for _, s := range servers {
		h := inventoryHandle(s.ID, s.Labels[labelInventory])
		h.Attrs = map[string]string{
			"server": serverHandle(s).String(),
			"ip":     s.Labels[labelInventoryIP],
		}
		out = append(out, h)
	}
	return out, nil
}

func inventoryHandle(serverID int64, name string) remote.Handle {
	return remote.Handle{Kind: remote.KindInventory, ID: strconv.FormatInt(serverID, 10), Name: name}
}
