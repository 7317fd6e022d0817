package hcloud

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/imamik/vmpilot/internal/deployment"
	"github.com/imamik/vmpilot/internal/remote"
	"github.com/imamik/vmpilot/internal/util/labels"
)

// volumeAPI is a small stateful stand-in for the volume endpoints.
type volumeAPI struct {
	t       *testing.T
	mu      sync.Mutex
	nextID  int64
	volumes map[int64]map[string]any
}

func newVolumeAPI(t *testing.T, ts *testServer) *volumeAPI {
	v := &volumeAPI{t: t, nextID: 100, volumes: make(map[int64]map[string]any)}
	ts.handleFunc("/volumes", v.collection)
	ts.handleFunc("/volumes/", v.item)
	return v
}

func (v *volumeAPI) add(id int64, name string, size int, server *int64, lbls map[string]string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if lbls == nil {
		lbls = map[string]string{}
	}
	v.volumes[id] = map[string]any{
		"id":       id,
		"name":     name,
		"size":     size,
		"server":   server,
		"labels":   lbls,
		"status":   "available",
		"location": map[string]any{"id": 1, "name": "nbg1"},
	}
}

func (v *volumeAPI) collection(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodPost {
		var body struct {
			Name   string            `json:"name"`
			Size   int               `json:"size"`
			Labels map[string]string `json:"labels"`
			Format string            `json:"format"`
		}
		decodeBody(v.t, r, &body)
		assert.Equal(v.t, "ext4", body.Format)
		v.mu.Lock()
		v.nextID++
		id := v.nextID
		v.mu.Unlock()
		v.add(id, body.Name, body.Size, nil, body.Labels)
		v.mu.Lock()
		defer v.mu.Unlock()
		jsonResponse(w, http.StatusCreated, map[string]any{
			"volume":       v.volumes[id],
			"action":       map[string]any{"id": 500 + id, "status": "running"},
			"next_actions": []any{},
		})
		return
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	q := r.URL.Query()
	found := []any{}
	for _, vol := range v.volumes {
		if name := q.Get("name"); name != "" && vol["name"] != name {
			continue
		}
		if sel := q.Get("label_selector"); sel != "" {
			key, value, _ := strings.Cut(sel, "=")
			if vol["labels"].(map[string]string)[key] != value {
				continue
			}
		}
		found = append(found, vol)
	}
	jsonResponse(w, http.StatusOK, map[string]any{"volumes": found})
}

func (v *volumeAPI) item(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/volumes/")
	idPart, action, _ := strings.Cut(rest, "/actions/")
	id, _ := strconv.ParseInt(idPart, 10, 64)

	v.mu.Lock()
	defer v.mu.Unlock()
	vol, ok := v.volumes[id]
	if !ok {
		notFoundResponse(w)
		return
	}
	switch {
	case action == "detach":
		vol["server"] = nil
		jsonResponse(w, http.StatusCreated, map[string]any{"action": map[string]any{"id": 600 + id, "status": "running"}})
	case action == "attach":
		var body struct {
			Server int64 `json:"server"`
		}
		decodeBody(v.t, r, &body)
		vol["server"] = body.Server
		jsonResponse(w, http.StatusCreated, map[string]any{"action": map[string]any{"id": 700 + id, "status": "running"}})
	case r.Method == http.MethodDelete:
		if vol["server"] != nil && vol["server"] != (*int64)(nil) {
			errorResponse(w, http.StatusLocked, "locked", "volume is attached")
			return
		}
		delete(v.volumes, id)
		w.WriteHeader(http.StatusNoContent)
	default:
		jsonResponse(w, http.StatusOK, map[string]any{"volume": vol})
	}
}

func (v *volumeAPI) ids() []int64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]int64, 0, len(v.volumes))
	for id := range v.volumes {
		out = append(out, id)
	}
	return out
}

func (v *volumeAPI) get(id int64) map[string]any {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.volumes[id]
}

func TestRealClient_CreateVolume(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)
	vols := newVolumeAPI(t, ts)
	client := ts.realClient()
	spec := remote.Spec{
		Name:   "vmpilot-0f4c2a9e-vol-0",
		Params: map[string]string{"size_gb": "20"},
		Labels: labels.NewLabelBuilder("0f4c2a9e").Build(),
	}

	h, err := client.Create(context.Background(), remote.KindVolume, spec)
	require.NoError(t, err)
	assert.Equal(t, "volume/101", h.String())
	assert.Equal(t, "20", h.Attrs["size_gb"])

	again, err := client.Create(context.Background(), remote.KindVolume, spec)
	require.NoError(t, err)
	assert.Equal(t, h.String(), again.String())
	assert.Len(t, vols.ids(), 1)
}

func TestRealClient_CreateVolume_InvalidSize(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)
	for _, size := range []string{"", "0", "twenty"} {
		_, err := ts.realClient().Create(context.Background(), remote.KindVolume, remote.Spec{
			Name:   "vol",
			Params: map[string]string{"size_gb": size},
		})
		assert.Equal(t, remote.ErrInvalid, remote.KindOf(err), size)
	}
}

func TestRealClient_WipeVolume(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)
	vols := newVolumeAPI(t, ts)
	server := int64(7)
	vols.add(55, "vmpilot-0f4c2a9e-vol-0", 20, &server, map[string]string{labels.KeyRequest: "0f4c2a9e"})
	client := ts.realClient()
	ctx := context.Background()
	old := remote.Handle{Kind: remote.KindVolume, ID: "55"}

	ack, err := client.Attach(ctx, old, remote.AttachConfig{Kind: remote.AttachWipe, Target: "55"})
	require.NoError(t, err)
	assert.Equal(t, "volume/101", ack.Attrs[deployment.KeyVolumeHandle])
	assert.Equal(t, "55", ack.Attrs["wiped_from"])

	require.Equal(t, []int64{101}, vols.ids())
	replacement := vols.get(101)
	assert.Equal(t, "vmpilot-0f4c2a9e-vol-0", replacement["name"])
	assert.Equal(t, 20, replacement["size"])
	assert.Equal(t, int64(7), replacement["server"], "re-attached to the same server")

	// A wipe driven again finds the replacement instead of wiping twice.
	again, err := client.Attach(ctx, old, remote.AttachConfig{Kind: remote.AttachWipe, Target: "55"})
	require.NoError(t, err)
	assert.Equal(t, ack.Attrs, again.Attrs)
	assert.Equal(t, 1, ts.count(http.MethodPost, "/volumes"))

	// Releasing the original handle removes the replacement.
	require.NoError(t, client.Destroy(ctx, old))
	assert.Empty(t, vols.ids())
	require.NoError(t, client.Destroy(ctx, old))
}

func TestRealClient_WipeVolume_Missing(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)
	newVolumeAPI(t, ts)

	_, err := ts.realClient().Attach(context.Background(), remote.Handle{Kind: remote.KindVolume, ID: "9"},
		remote.AttachConfig{Kind: remote.AttachWipe})
	assert.True(t, remote.IsNotFound(err))
}

func TestRealClient_Detach_WipeIsRejected(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)
	err := ts.realClient().Detach(context.Background(), remote.Handle{Kind: remote.KindVolume, ID: "9"},
		remote.AttachConfig{Kind: remote.AttachWipe})
	assert.Equal(t, remote.ErrInvalid, remote.KindOf(err))
}
