package hcloud

import (
	"context"
	"net/http"
	"sync"
	"testing"

	"github.com/hetznercloud/hcloud-go/v2/hcloud/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/imamik/vmpilot/internal/deployment"
	"github.com/imamik/vmpilot/internal/remote"
	"github.com/imamik/vmpilot/internal/util/labels"
)

func serverSpec() remote.Spec {
	return remote.Spec{
		Name: "vmpilot-0f4c2a9e-0",
		Params: map[string]string{
			"server_type":              "cx22",
			"image":                    "ubuntu-24.04",
			"location":                 "nbg1",
			"vm_id":                    "101",
			deployment.KeyVolumeHandle: "volume/55",
		},
		Labels: labels.NewLabelBuilder("0f4c2a9e-1111").WithStage("CreateCompute").Build(),
	}
}

func mockCatalog(ts *testServer) {
	ts.handleFunc("/server_types", func(w http.ResponseWriter, _ *http.Request) {
		jsonResponse(w, http.StatusOK, schema.ServerTypeListResponse{
			ServerTypes: []schema.ServerType{{ID: 1, Name: "cx22", Architecture: "x86"}},
		})
	})
	ts.handleFunc("/images", func(w http.ResponseWriter, _ *http.Request) {
		name := "ubuntu-24.04"
		jsonResponse(w, http.StatusOK, schema.ImageListResponse{
			Images: []schema.Image{{ID: 10, Name: &name, Type: "system", Architecture: "x86", Status: "available"}},
		})
	})
	ts.handleFunc("/locations", func(w http.ResponseWriter, _ *http.Request) {
		jsonResponse(w, http.StatusOK, schema.LocationListResponse{
			Locations: []schema.Location{{ID: 1, Name: "nbg1"}},
		})
	})
}

func TestRealClient_CreateServer_CreatesWhenMissing(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)
	mockCatalog(ts)

	var captured struct {
		Name      string            `json:"name"`
		Labels    map[string]string `json:"labels"`
		Volumes   []int64           `json:"volumes"`
		Automount *bool             `json:"automount"`
	}
	ts.handleFunc("/servers", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			decodeBody(t, r, &captured)
			jsonResponse(w, http.StatusCreated, schema.ServerCreateResponse{
				Server: schema.Server{ID: 999, Name: captured.Name},
				Action: schema.Action{ID: 100, Status: "running"},
			})
			return
		}
		jsonResponse(w, http.StatusOK, schema.ServerListResponse{Servers: []schema.Server{}})
	})

	h, err := ts.realClient().Create(context.Background(), remote.KindServer, serverSpec())
	require.NoError(t, err)
	assert.Equal(t, "server/999", h.String())
	assert.Equal(t, "vmpilot-0f4c2a9e-0", captured.Name)
	assert.Equal(t, "101", captured.Labels[labelVMID])
	assert.Equal(t, "0f4c2a9e-1111", captured.Labels[labels.KeyRequest])
	assert.Equal(t, []int64{55}, captured.Volumes)
	require.NotNil(t, captured.Automount)
	assert.True(t, *captured.Automount)
}

func TestRealClient_CreateServer_ReusesExisting(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)
	spec := serverSpec()
	ts.handleFunc("/servers", serverByName(serverJSON(321, spec.Name, spec.Labels, nil)))

	h, err := ts.realClient().Create(context.Background(), remote.KindServer, spec)
	require.NoError(t, err)
	assert.Equal(t, "server/321", h.String())
	assert.Equal(t, "203.0.113.10", h.Attrs["public_ipv4"])
	assert.Zero(t, ts.count(http.MethodPost, "/servers"))
}

func TestRealClient_CreateServer_NameOwnedByOtherRequest(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)
	spec := serverSpec()
	ts.handleFunc("/servers", serverByName(serverJSON(321, spec.Name, map[string]string{labels.KeyRequest: "someone-else"}, nil)))

	_, err := ts.realClient().Create(context.Background(), remote.KindServer, spec)
	require.Error(t, err)
	assert.Equal(t, remote.ErrConflict, remote.KindOf(err))
	assert.False(t, remote.IsTransient(err))
}

func TestRealClient_CreateServer_InvalidInputIsNotRetried(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)
	mockCatalog(ts)
	ts.handleFunc("/servers", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			errorResponse(w, http.StatusUnprocessableEntity, "invalid_input", "invalid input in field 'image'")
			return
		}
		jsonResponse(w, http.StatusOK, schema.ServerListResponse{Servers: []schema.Server{}})
	})

	_, err := ts.realClient().Create(context.Background(), remote.KindServer, serverSpec())
	require.Error(t, err)
	assert.Equal(t, remote.ErrInvalid, remote.KindOf(err))
	assert.Equal(t, 1, ts.count(http.MethodPost, "/servers"))
}

func TestRealClient_CreateServer_UnknownServerType(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)
	ts.handleFunc("/servers", serverByName())
	ts.handleFunc("/server_types", func(w http.ResponseWriter, _ *http.Request) {
		jsonResponse(w, http.StatusOK, schema.ServerTypeListResponse{ServerTypes: []schema.ServerType{}})
	})

	_, err := ts.realClient().Create(context.Background(), remote.KindServer, serverSpec())
	require.Error(t, err)
	assert.Equal(t, remote.ErrInvalid, remote.KindOf(err))
	assert.Contains(t, err.Error(), "server type not found")
}

func TestRealClient_CreateServer_RequiresName(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)
	spec := serverSpec()
	spec.Name = ""
	_, err := ts.realClient().Create(context.Background(), remote.KindServer, spec)
	assert.Equal(t, remote.ErrInvalid, remote.KindOf(err))
}

func TestRealClient_DestroyServer(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)

	var mu sync.Mutex
	deleted := false
	ts.handleFunc("/servers/789", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		switch {
		case r.Method == http.MethodDelete:
			deleted = true
			jsonResponse(w, http.StatusOK, schema.ServerDeleteResponse{
				Action: schema.Action{ID: 1, Status: "running"},
			})
		case deleted:
			notFoundResponse(w)
		default:
			jsonResponse(w, http.StatusOK, map[string]any{"server": serverJSON(789, "doomed", nil, nil)})
		}
	})

	client := ts.realClient()
	require.NoError(t, client.Destroy(context.Background(), remote.Handle{Kind: remote.KindServer, ID: "789"}))
	assert.Equal(t, 1, ts.count(http.MethodDelete, "/servers/789"))

	// Already gone counts as destroyed.
	require.NoError(t, client.Destroy(context.Background(), remote.Handle{Kind: remote.KindServer, ID: "789"}))
	assert.Equal(t, 1, ts.count(http.MethodDelete, "/servers/789"))
}

func TestRealClient_Destroy_InvalidHandle(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)
	err := ts.realClient().Destroy(context.Background(), remote.Handle{Kind: remote.KindServer, ID: "abc"})
	assert.Equal(t, remote.ErrInvalid, remote.KindOf(err))

	err = ts.realClient().Destroy(context.Background(), remote.Handle{Kind: "database", ID: "1"})
	assert.Equal(t, remote.ErrInvalid, remote.KindOf(err))
}

func TestRealClient_Destroy_LockedIsTransient(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)
	ts.handleFunc("/servers/5", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodDelete {
			errorResponse(w, http.StatusLocked, "locked", "server is locked")
			return
		}
		jsonResponse(w, http.StatusOK, map[string]any{"server": serverJSON(5, "busy", nil, nil)})
	})

	err := ts.realClient().Destroy(context.Background(), remote.Handle{Kind: remote.KindServer, ID: "5"})
	require.Error(t, err)
	assert.Equal(t, remote.ErrLocked, remote.KindOf(err))
	assert.True(t, remote.IsTransient(err))
	// DeleteOperation retries locked resources before giving up.
	assert.GreaterOrEqual(t, ts.count(http.MethodDelete, "/servers/5"), 2)
}
