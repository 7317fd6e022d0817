package hcloud

import (
	"context"
	"net/http"
	"sync"
	"testing"

	"github.com/hetznercloud/hcloud-go/v2/hcloud/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/imamik/vmpilot/internal/remote"
)

func TestProfiles(t *testing.T) {
	t.Parallel()
	assert.Equal(t, []string{"cis-level1", "locked-down", "ssh-baseline"}, Profiles())
	for _, name := range Profiles() {
		for _, rule := range hardeningProfiles[name] {
			assert.NotEmpty(t, rule.SourceIPs, name)
		}
	}
}

func TestRealClient_AttachHardening(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)
	ts.handleFunc("/servers/7", func(w http.ResponseWriter, _ *http.Request) {
		jsonResponse(w, http.StatusOK, map[string]any{"server": serverJSON(7, "vm-7", nil, nil)})
	})

	var (
		mu      sync.Mutex
		applied []int64
	)
	firewall := func() map[string]any {
		appliedTo := []map[string]any{}
		for _, id := range applied {
			appliedTo = append(appliedTo, map[string]any{"type": "server", "server": map[string]any{"id": id}})
		}
		return map[string]any{"id": 40, "name": "vmpilot-hardening-ssh-baseline", "rules": []any{}, "applied_to": appliedTo, "labels": map[string]string{}}
	}
	created := false
	ts.handleFunc("/firewalls", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		if r.Method == http.MethodPost {
			var body struct {
				Name  string           `json:"name"`
				Rules []map[string]any `json:"rules"`
			}
			decodeBody(t, r, &body)
			assert.Equal(t, "vmpilot-hardening-ssh-baseline", body.Name)
			assert.Len(t, body.Rules, 2)
			created = true
			jsonResponse(w, http.StatusCreated, map[string]any{"firewall": firewall(), "actions": []any{}})
			return
		}
		if !created {
			jsonResponse(w, http.StatusOK, schema.FirewallListResponse{Firewalls: []schema.Firewall{}})
			return
		}
		jsonResponse(w, http.StatusOK, map[string]any{"firewalls": []any{firewall()}})
	})
	ts.handleFunc("/firewalls/40/actions/set_rules", func(w http.ResponseWriter, _ *http.Request) {
		jsonResponse(w, http.StatusCreated, map[string]any{"actions": []any{}})
	})
	ts.handleFunc("/firewalls/40/actions/apply_to_resources", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			ApplyTo []struct {
				Server struct {
					ID int64 `json:"id"`
				} `json:"server"`
			} `json:"apply_to"`
		}
		decodeBody(t, r, &body)
		mu.Lock()
		for _, a := range body.ApplyTo {
			applied = append(applied, a.Server.ID)
		}
		mu.Unlock()
		jsonResponse(w, http.StatusCreated, map[string]any{"actions": []any{map[string]any{"id": 41, "status": "running"}}})
	})
	ts.handleFunc("/firewalls/40/actions/remove_from_resources", func(w http.ResponseWriter, _ *http.Request) {
		mu.Lock()
		applied = nil
		mu.Unlock()
		jsonResponse(w, http.StatusCreated, map[string]any{"actions": []any{map[string]any{"id": 42, "status": "running"}}})
	})

	client := ts.realClient()
	cfg := remote.AttachConfig{Kind: remote.AttachHardening, Target: "ssh-baseline"}

	ack, err := client.Attach(context.Background(), server7, cfg)
	require.NoError(t, err)
	assert.Equal(t, "vmpilot-hardening-ssh-baseline", ack.Attrs["firewall"])
	assert.Equal(t, 1, ts.count(http.MethodPost, "/firewalls/40/actions/apply_to_resources"))

	// Applying again finds the server in the firewall's resources.
	_, err = client.Attach(context.Background(), server7, cfg)
	require.NoError(t, err)
	assert.Equal(t, 1, ts.count(http.MethodPost, "/firewalls/40/actions/apply_to_resources"))
	assert.Equal(t, 1, ts.count(http.MethodPost, "/firewalls"))

	require.NoError(t, client.Detach(context.Background(), server7, cfg))
	assert.Equal(t, 1, ts.count(http.MethodPost, "/firewalls/40/actions/remove_from_resources"))

	// Removing twice is a no-op.
	require.NoError(t, client.Detach(context.Background(), server7, cfg))
	assert.Equal(t, 1, ts.count(http.MethodPost, "/firewalls/40/actions/remove_from_resources"))
}

func TestRealClient_AttachHardening_UnknownProfile(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)

	_, err := ts.realClient().Attach(context.Background(), server7, remote.AttachConfig{
		Kind:   remote.AttachHardening,
		Target: "paranoid",
	})
	require.Error(t, err)
	assert.Equal(t, remote.ErrInvalid, remote.KindOf(err))
}
