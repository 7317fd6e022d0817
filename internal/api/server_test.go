package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/imamik/vmpilot/internal/artifact"
	"github.com/imamik/vmpilot/internal/audit"
	"github.com/imamik/vmpilot/internal/deployment"
	"github.com/imamik/vmpilot/internal/escalation"
	"github.com/imamik/vmpilot/internal/executor"
	"github.com/imamik/vmpilot/internal/generator"
	"github.com/imamik/vmpilot/internal/ledger"
	"github.com/imamik/vmpilot/internal/orchestrator"
	"github.com/imamik/vmpilot/internal/remote"
	"github.com/imamik/vmpilot/internal/risk"
	vmtesting "github.com/imamik/vmpilot/internal/testing"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// stack is an orchestrator over in-memory collaborators behind a Server.
type stack struct {
	orch   *orchestrator.Orchestrator
	broker *escalation.Broker
	rec    *audit.MemoryRecorder
	fake   *remote.Fake
	server *Server
}

type stackOption func(*Deps)

func newStack(t *testing.T, opts ...stackOption) *stack {
	t.Helper()
	led := ledger.New(ledger.DefaultPools())
	fake := remote.NewFake()
	rec := audit.NewMemoryRecorder()
	broker := escalation.NewBroker()
	orch, err := orchestrator.New(orchestrator.Deps{
		Planner: deployment.NewPlanner(""),
		Gate:    risk.New(risk.DefaultPolicy(), led),
		Ledger:  led,
		Runner: executor.New(fake, executor.Config{
			MaxAttempts:  2,
			BaseBackoff:  time.Millisecond,
			MaxBackoff:   time.Millisecond,
			StageTimeout: 5 * time.Second,
		}),
		Recorder: rec,
		Approver: broker,
		Logger:   slog.New(slog.DiscardHandler),
	}, orchestrator.Config{EscalationTimeout: 10 * time.Second})
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = orch.Shutdown(ctx)
	})

	deps := Deps{
		Plans:        orch,
		Approvals:    broker,
		Reservations: led,
		Audit:        rec,
		Logger:       slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(&deps)
	}
	srv, err := New(deps)
	require.NoError(t, err)
	return &stack{orch: orch, broker: broker, rec: rec, fake: fake, server: srv}
}

func (s *stack) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rdr io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		rdr = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, rdr)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.server.Handler().ServeHTTP(w, req)
	return w
}

func (s *stack) wait(t *testing.T, planID string) orchestrator.Status {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	st, err := s.orch.Wait(ctx, planID)
	require.NoError(t, err)
	return st
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func TestNew_RequiresDeps(t *testing.T) {
	t.Parallel()
	_, err := New(Deps{})
	assert.ErrorContains(t, err, "plans are required")
}

func TestHealthAndMetrics(t *testing.T) {
	t.Parallel()
	s := newStack(t)

	w := s.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())

	w = s.do(t, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "vmpilot_")
}

func TestSubmitPlan_Committed(t *testing.T) {
	t.Parallel()
	s := newStack(t)
	req := vmtesting.AllowedRequest()

	w := s.do(t, http.MethodPost, "/v1/plans", req)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	planID := decode[SubmitResponse](t, w).PlanID
	assert.Equal(t, req.ID, planID)
	s.wait(t, planID)

	w = s.do(t, http.MethodGet, "/v1/plans/"+planID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	st := decode[orchestrator.Status](t, w)
	assert.Equal(t, deployment.StateCommitted, st.State)
	assert.NotEmpty(t, st.Stages)
	require.NotNil(t, st.Assessment)
	assert.Equal(t, deployment.DecisionAllow, st.Assessment.Decision)

	w = s.do(t, http.MethodGet, "/v1/plans", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[map[string][]orchestrator.Status](t, w)["plans"], 1)

	w = s.do(t, http.MethodGet, "/v1/plans/"+planID+"/audit", nil)
	require.Equal(t, http.StatusOK, w.Code)
	entries := decode[map[string][]audit.Entry](t, w)["entries"]
	require.NotEmpty(t, entries)
	assert.Equal(t, audit.ActionRequestSubmitted, entries[0].Action)

	// Submitting the same request again returns the existing plan.
	w = s.do(t, http.MethodPost, "/v1/plans", req)
	require.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, planID, decode[SubmitResponse](t, w).PlanID)

	// A finished plan cannot be cancelled.
	w = s.do(t, http.MethodPost, "/v1/plans/"+planID+"/cancel", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestSubmitPlan_Invalid(t *testing.T) {
	t.Parallel()
	s := newStack(t)

	w := s.do(t, http.MethodPost, "/v1/plans", vmtesting.NewRequestBuilder().WithInstances(0).Build())
	require.Equal(t, http.StatusUnprocessableEntity, w.Code)
	resp := decode[ErrorResponse](t, w)
	assert.Equal(t, deployment.ErrValidation.Error(), resp.Error)
	require.NotEmpty(t, resp.Fields)
	assert.Equal(t, "resources.instances", resp.Fields[0].Field)

	req := httptest.NewRequest(http.MethodPost, "/v1/plans", bytes.NewBufferString("{"))
	rec := httptest.NewRecorder()
	s.server.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetPlan_NotFound(t *testing.T) {
	t.Parallel()
	s := newStack(t)

	for _, path := range []string{"/v1/plans/nope", "/v1/plans/nope/audit"} {
		w := s.do(t, http.MethodGet, path, nil)
		assert.Equal(t, http.StatusNotFound, w.Code, path)
	}
	w := s.do(t, http.MethodPost, "/v1/plans/nope/cancel", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestEscalation_ApproveAndDeny(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		route string
		want  deployment.PlanState
	}{
		{"approve", "approve", deployment.StateCommitted},
		{"deny", "deny", deployment.StateDenied},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			s := newStack(t)
			req := vmtesting.EscalatedRequest()

			w := s.do(t, http.MethodPost, "/v1/plans", req)
			require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
			require.Eventually(t, func() bool { return s.broker.IsPending(req.ID) }, 5*time.Second, 5*time.Millisecond)

			w = s.do(t, http.MethodGet, "/v1/escalations", nil)
			require.Equal(t, http.StatusOK, w.Code)
			pending := decode[map[string][]escalation.Pending](t, w)["pending"]
			require.Len(t, pending, 1)
			assert.Equal(t, req.ID, pending[0].RequestID)

			// A reviewer is mandatory.
			w = s.do(t, http.MethodPost, "/v1/plans/"+req.ID+"/"+tt.route, ReviewRequest{})
			assert.Equal(t, http.StatusBadRequest, w.Code)

			w = s.do(t, http.MethodPost, "/v1/plans/"+req.ID+"/"+tt.route, ReviewRequest{Reviewer: "bob", Reason: "checked"})
			require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
			assert.Equal(t, tt.want, s.wait(t, req.ID).State)

			// Nothing is pending anymore.
			w = s.do(t, http.MethodPost, "/v1/plans/"+req.ID+"/"+tt.route, ReviewRequest{Reviewer: "bob"})
			assert.Equal(t, http.StatusConflict, w.Code)
		})
	}
}

func TestReservations(t *testing.T) {
	t.Parallel()
	s := newStack(t)

	w := s.do(t, http.MethodGet, "/v1/reservations", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Reservations []ledger.Reservation               `json:"reservations"`
		Capacity     map[deployment.IdentifierClass]int `json:"capacity"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Empty(t, resp.Reservations)
	assert.Positive(t, resp.Capacity[deployment.ClassVMID])
}

type staticInventory []remote.Handle

func (s staticInventory) Inventory(_ context.Context, requestID string) ([]remote.Handle, error) {
	if requestID == "missing" {
		return nil, remote.Errorf(remote.ErrUnavailable, "list_inventory", "api down")
	}
	return s, nil
}

func TestInventory(t *testing.T) {
	t.Parallel()

	w := newStack(t).do(t, http.MethodGet, "/v1/inventory", nil)
	assert.Equal(t, http.StatusNotImplemented, w.Code)

	s := newStack(t, func(d *Deps) {
		d.Inventory = staticInventory{{Kind: remote.KindInventory, ID: "7", Name: "vmpilot-0f4c2a9e-inv-0"}}
	})
	w = s.do(t, http.MethodGet, "/v1/inventory?request=0f4c2a9e", nil)
	require.Equal(t, http.StatusOK, w.Code)
	got := decode[map[string][]remote.Handle](t, w)["inventory"]
	require.Len(t, got, 1)
	assert.Equal(t, "inventory/7", got[0].String())

	w = s.do(t, http.MethodGet, "/v1/inventory?request=missing", nil)
	assert.Equal(t, http.StatusBadGateway, w.Code)
}

func TestDrafts(t *testing.T) {
	t.Parallel()

	w := newStack(t).do(t, http.MethodPost, "/v1/drafts", DraftRequest{})
	assert.Equal(t, http.StatusNotImplemented, w.Code)

	store, err := artifact.NewFileStore(t.TempDir())
	require.NoError(t, err)
	defaults := vmtesting.AllowedRequest().Resources
	s := newStack(t, func(d *Deps) {
		d.Drafter = generator.NewDrafter(generator.Static{Result: generator.Result{
			Code:       "resource \"hcloud_server\" \"web\" {}",
			Confidence: 0.93,
		}}, store, defaults)
	})

	w = s.do(t, http.MethodPost, "/v1/drafts", DraftRequest{
		Prompt: generator.Prompt{Text: "one small web server", Requester: "alice@example.com", Tier: deployment.TierIntermediate},
		Submit: true,
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	resp := decode[DraftResponse](t, w)
	assert.Equal(t, resp.Request.ID, resp.PlanID)
	assert.InDelta(t, 0.93, resp.Request.Artifact.Confidence, 1e-9)
	assert.Equal(t, deployment.StateCommitted, s.wait(t, resp.PlanID).State)
}

func TestClient_RoundTrip(t *testing.T) {
	t.Parallel()
	s := newStack(t)
	ts := httptest.NewServer(s.server.Handler())
	t.Cleanup(ts.Close)
	client := NewClient(ts.URL, ts.Client())
	ctx := context.Background()

	id, err := client.Submit(ctx, vmtesting.AllowedRequest())
	require.NoError(t, err)
	s.wait(t, id)

	st, err := client.Status(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, deployment.StateCommitted, st.State)

	plans, err := client.List(ctx)
	require.NoError(t, err)
	assert.Len(t, plans, 1)

	entries, err := client.Audit(ctx, id)
	require.NoError(t, err)
	assert.NotEmpty(t, entries)

	_, capacity, err := client.Reservations(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, capacity)

	pending, err := client.Escalations(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)

	_, err = client.Status(ctx, "nope")
	assert.True(t, IsNotFound(err))

	_, err = client.Submit(ctx, vmtesting.NewRequestBuilder().WithID("x").WithInstances(0).Build())
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusUnprocessableEntity, se.StatusCode)
	assert.Contains(t, se.Error(), "resources.instances")

	err = client.Approve(ctx, id, "bob", "")
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusConflict, se.StatusCode)
}
