package orchestrator_test

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/imamik/vmpilot/internal/audit"
	"github.com/imamik/vmpilot/internal/deployment"
	"github.com/imamik/vmpilot/internal/escalation"
	"github.com/imamik/vmpilot/internal/executor"
	"github.com/imamik/vmpilot/internal/ledger"
	"github.com/imamik/vmpilot/internal/orchestrator"
	"github.com/imamik/vmpilot/internal/remote"
	"github.com/imamik/vmpilot/internal/risk"
)

// harness wires an orchestrator to in-memory collaborators. The audit log,
// the consumed-identifier store and the fake remote side outlive restart, the
// way durable storage and the cloud outlive a crashed process.
type harness struct {
	orch     *orchestrator.Orchestrator
	fake     *remote.Fake
	ledger   *ledger.Ledger
	store    *flakyStore
	rec      *audit.MemoryRecorder
	broker   *escalation.Broker
	approver escalation.Approver
	observer *recordingObserver
	pools    func() []ledger.Pool
	cfg      orchestrator.Config
}

type harnessOption func(*harness)

func withPools(pools func() []ledger.Pool) harnessOption {
	return func(h *harness) { h.pools = pools }
}

// withApprover replaces the in-process broker.
func withApprover(a escalation.Approver) harnessOption {
	return func(h *harness) { h.approver = a }
}

func withConfig(fn func(*orchestrator.Config)) harnessOption {
	return func(h *harness) { fn(&h.cfg) }
}

func newHarness(opts ...harnessOption) *harness {
	h := &harness{
		fake:     remote.NewFake(),
		store:    &flakyStore{MemoryStore: ledger.NewMemoryStore()},
		rec:      audit.NewMemoryRecorder(),
		broker:   escalation.NewBroker(),
		observer: &recordingObserver{},
		pools:    ledger.DefaultPools,
		cfg: orchestrator.Config{
			ReserveAttempts:    3,
			ReserveBackoff:     time.Millisecond,
			ReserveMaxBackoff:  5 * time.Millisecond,
			EscalationTimeout:  2 * time.Second,
			RecoverConcurrency: 2,
		},
	}
	for _, opt := range opts {
		opt(h)
	}
	h.boot()
	return h
}

// boot builds a fresh ledger and orchestrator over the durable parts.
func (h *harness) boot() {
	h.ledger = ledger.New(h.pools(), ledger.WithStore(h.store))
	if err := h.ledger.Load(context.Background()); err != nil {
		panic(err)
	}
	var approver escalation.Approver = h.broker
	if h.approver != nil {
		approver = h.approver
	}
	runner := executor.New(h.fake, executor.Config{
		MaxAttempts:  3,
		BaseBackoff:  time.Millisecond,
		MaxBackoff:   5 * time.Millisecond,
		StageTimeout: 5 * time.Second,
	})
	o, err := orchestrator.New(orchestrator.Deps{
		Planner:  deployment.NewPlanner(""),
		Gate:     risk.New(risk.DefaultPolicy(), h.ledger),
		Ledger:   h.ledger,
		Runner:   runner,
		Recorder: h.rec,
		Approver: approver,
		Observer: h.observer,
		Logger:   slog.New(slog.DiscardHandler),
	}, h.cfg)
	if err != nil {
		panic(err)
	}
	h.orch = o
}

// restart drops the current orchestrator without waiting for it and boots a
// new one.
func (h *harness) restart() {
	h.stopNow()
	h.boot()
}

// stopNow makes the orchestrator stop at the next stage boundary without
// blocking the caller.
func (h *harness) stopNow() {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_ = h.orch.Shutdown(ctx)
}

func (h *harness) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = h.orch.Shutdown(ctx)
}

func (h *harness) wait(planID string) orchestrator.Status {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	st, err := h.orch.Wait(ctx, planID)
	if err != nil {
		panic(err)
	}
	return st
}

func (h *harness) entries(requestID string, action audit.Action) []audit.Entry {
	all, _ := h.rec.ByRequest(context.Background(), requestID)
	var out []audit.Entry
	for _, e := range all {
		if e.Action == action {
			out = append(out, e)
		}
	}
	return out
}

func (h *harness) stageIDs(requestID string, action audit.Action) []string {
	var ids []string
	for _, e := range h.entries(requestID, action) {
		ids = append(ids, e.StageID)
	}
	return ids
}

// flakyStore is a consumed store whose writes can be made to fail, the way a
// crash between committing and persisting loses them.
type flakyStore struct {
	*ledger.MemoryStore
	failing atomic.Bool
}

func (s *flakyStore) Save(ctx context.Context, c ledger.Consumed) error {
	if s.failing.Load() {
		return errors.New("disk full")
	}
	return s.MemoryStore.Save(ctx, c)
}

// silentApprover never decides and ignores the timeout it is given.
type silentApprover struct{}

func (silentApprover) AwaitDecision(ctx context.Context, _ string, _ time.Duration) (escalation.Decision, error) {
	<-ctx.Done()
	return escalation.Decision{}, ctx.Err()
}

// recordingObserver keeps every event.
type recordingObserver struct {
	mu     sync.Mutex
	events []orchestrator.Event
}

func (r *recordingObserver) Event(e orchestrator.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recordingObserver) WithFields(map[string]string) orchestrator.Observer { return r }

func (r *recordingObserver) types(planID string) []orchestrator.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []orchestrator.EventType
	for _, e := range r.events {
		if e.PlanID == planID {
			out = append(out, e.Type)
		}
	}
	return out
}
