package hcloud

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hetznercloud/hcloud-go/v2/hcloud"
	"github.com/hetznercloud/hcloud-go/v2/hcloud/schema"
)

// testServer creates an httptest server that can be used to mock Hetzner Cloud API responses.
type testServer struct {
	server *httptest.Server
	mux    *http.ServeMux

	mu    sync.Mutex
	calls []string
}

// newTestServer creates a new test server for mocking the Hetzner Cloud API.
// Every action is reported as finished successfully.
func newTestServer(t *testing.T) *testServer {
	t.Helper()
	ts := &testServer{mux: http.NewServeMux()}
	ts.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ts.mu.Lock()
		ts.calls = append(ts.calls, r.Method+" "+r.URL.Path)
		ts.mu.Unlock()
		ts.mux.ServeHTTP(w, r)
	}))
	ts.mux.HandleFunc("/actions", handleActionList)
	ts.mux.HandleFunc("/actions/", handleActionGet)
	t.Cleanup(ts.server.Close)
	return ts
}

// client returns an hcloud.Client configured to use the test server.
func (ts *testServer) client() *hcloud.Client {
	return hcloud.NewClient(
		hcloud.WithToken("test-token"),
		hcloud.WithEndpoint(ts.server.URL),
		hcloud.WithPollOpts(hcloud.PollOpts{BackoffFunc: hcloud.ConstantBackoff(time.Millisecond)}),
	)
}

// realClient returns a RealClient configured to use the test server.
func (ts *testServer) realClient(opts ...ClientOption) *RealClient {
	return NewRealClient("test-token", append([]ClientOption{
		WithHCloudClient(ts.client()),
		WithTimeouts(testTimeouts()),
		WithLogger(slog.New(slog.DiscardHandler)),
	}, opts...)...)
}

// handleFunc registers a handler for a specific path.
func (ts *testServer) handleFunc(pattern string, handler http.HandlerFunc) {
	ts.mux.HandleFunc(pattern, handler)
}

// count returns how many requests matched method and path.
func (ts *testServer) count(method, path string) int {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	n := 0
	for _, c := range ts.calls {
		if c == method+" "+path {
			n++
		}
	}
	return n
}

func testTimeouts() *Timeouts {
	return &Timeouts{
		Create:            30 * time.Second,
		Delete:            30 * time.Second,
		ImageWait:         time.Second,
		RetryMaxAttempts:  2,
		RetryInitialDelay: time.Millisecond,
	}
}

// jsonResponse writes a JSON response with the given status code and body.
func jsonResponse(w http.ResponseWriter, statusCode int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(body)
}

func errorResponse(w http.ResponseWriter, statusCode int, code, message string) {
	jsonResponse(w, statusCode, schema.ErrorResponse{
		Error: schema.Error{Code: code, Message: message},
	})
}

func decodeBody(t *testing.T, r *http.Request, v any) {
	t.Helper()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		t.Errorf("failed to decode request: %v", err)
	}
}

func handleActionList(w http.ResponseWriter, r *http.Request) {
	var actions []schema.Action
	for _, raw := range r.URL.Query()["id"] {
		id, _ := strconv.ParseInt(raw, 10, 64)
		actions = append(actions, schema.Action{ID: id, Status: "success", Progress: 100})
	}
	jsonResponse(w, http.StatusOK, schema.ActionListResponse{Actions: actions})
}

func handleActionGet(w http.ResponseWriter, r *http.Request) {
	id, _ := strconv.ParseInt(strings.TrimPrefix(r.URL.Path, "/actions/"), 10, 64)
	jsonResponse(w, http.StatusOK, schema.ActionGetResponse{
		Action: schema.Action{ID: id, Status: "success", Progress: 100},
	})
}

// serverJSON renders a server the way the API does. networks maps network
// IDs to the server's private address in them.
func serverJSON(id int64, name string, labels map[string]string, networks map[int64]string) map[string]any {
	privateNet := []map[string]any{}
	for nid, ip := range networks {
		privateNet = append(privateNet, map[string]any{"network": nid, "ip": ip, "alias_ips": []string{}})
	}
	if labels == nil {
		labels = map[string]string{}
	}
	return map[string]any{
		"id":          id,
		"name":        name,
		"status":      "running",
		"labels":      labels,
		"private_net": privateNet,
		"public_net": map[string]any{
			"ipv4": map[string]any{"ip": "203.0.113.10"},
		},
	}
}

// serverByName answers GET /servers?name= with the servers whose name matches.
func serverByName(servers ...map[string]any) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := r.URL.Query().Get("name")
		found := []map[string]any{}
		for _, s := range servers {
			if s["name"] == name {
				found = append(found, s)
			}
		}
		jsonResponse(w, http.StatusOK, map[string]any{"servers": found})
	}
}

func notFoundResponse(w http.ResponseWriter) {
	errorResponse(w, http.StatusNotFound, "not_found", "not found")
}
