package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/imamik/vmpilot/internal/audit"
	"github.com/imamik/vmpilot/internal/deployment"
	"github.com/imamik/vmpilot/internal/escalation"
	"github.com/imamik/vmpilot/internal/executor"
	"github.com/imamik/vmpilot/internal/ledger"
	"github.com/imamik/vmpilot/internal/rollback"
)

// Ledger is the part of the resource ledger the orchestrator uses.
type Ledger interface {
	Reserve(ctx context.Context, planID string, class deployment.IdentifierClass, c deployment.Constraint) (ledger.Reservation, error)
	Release(ctx context.Context, reservationID string, outcome ledger.Outcome) error
	MarkConsumed(ctx context.Context, planID string, class deployment.IdentifierClass, value string) error
	Held(planID string) []ledger.Reservation
}

// Runner executes and compensates stages. *executor.Executor implements it.
type Runner interface {
	// Run executes a stage and reports the attempts it took.
	Run(ctx context.Context, stage deployment.Stage, in executor.Inputs) (executor.Output, int, error)
	rollback.Compensator
}

// Assessor scores requests. *risk.Gate implements it.
type Assessor interface {
	Assess(req deployment.Request, plan deployment.Plan) deployment.RiskAssessment
}

// Archiver exports a finished request's audit trail. *audit.Archiver implements it.
type Archiver interface {
	Archive(ctx context.Context, requestID string) (string, error)
}

// Deps are the collaborators of an Orchestrator. Approver, Archiver, Observer,
// Logger and Tracer are optional.
type Deps struct {
	Planner  *deployment.Planner
	Gate     Assessor
	Ledger   Ledger
	Runner   Runner
	Recorder audit.Recorder
	Approver escalation.Approver
	Archiver Archiver
	Observer Observer
	Logger   *slog.Logger
	Tracer   trace.Tracer
}

// Config holds the orchestrator's own budgets.
type Config struct {
	// ReserveAttempts bounds how often a busy identifier is retried.
	ReserveAttempts   int
	ReserveBackoff    time.Duration
	ReserveMaxBackoff time.Duration
	// EscalationTimeout bounds the AwaitingEscalation suspension. Expiry denies the plan.
	EscalationTimeout time.Duration
	// RecoverConcurrency caps how many plans Recover resumes at once.
	RecoverConcurrency int
}

// DefaultConfig returns the built-in budgets.
func DefaultConfig() Config {
	return Config{
		ReserveAttempts:    5,
		ReserveBackoff:     250 * time.Millisecond,
		ReserveMaxBackoff:  5 * time.Second,
		EscalationTimeout:  30 * time.Minute,
		RecoverConcurrency: 4,
	}
}

var (
	// ErrShuttingDown is returned by Submit and Resume after Shutdown.
	ErrShuttingDown = errors.New("orchestrator is shutting down")
	// ErrAlreadyRunning is returned when resuming a plan that is still in flight.
	ErrAlreadyRunning = errors.New("plan is already running")
	// ErrTerminal is returned when resuming a plan that already finished.
	ErrTerminal = errors.New("plan already reached a terminal state")
)

// Status is a snapshot of one plan.
type Status struct {
	PlanID       string                      `json:"planID"`
	RequestID    string                      `json:"requestID"`
	Requester    string                      `json:"requester"`
	State        deployment.PlanState        `json:"state"`
	Assessment   *deployment.RiskAssessment  `json:"assessment,omitempty"`
	Stages       []deployment.StageExecution `json:"stages"`
	Reservations []ledger.Reservation        `json:"reservations"`
	Rollback     *rollback.Outcome           `json:"rollback,omitempty"`
	Residual     bool                        `json:"residual"`
	Cancelled    bool                        `json:"cancelled"`
	Error        string                      `json:"error,omitempty"`
	Err          error                       `json:"-"`
	CreatedAt    time.Time                   `json:"createdAt"`
	UpdatedAt    time.Time                   `json:"updatedAt"`
}

// Terminal reports whether the plan is finished.
func (s Status) Terminal() bool { return s.State.IsTerminal() }

// Succeeded counts the stages in succeeded state.
func (s Status) Succeeded() int {
	return deployment.CountStatus(s.Stages, deployment.StageSucceeded)
}

// Orchestrator drives plans. It is safe for concurrent use.
type Orchestrator struct {
	deps     Deps
	cfg      Config
	rollback *rollback.Coordinator
	logger   *slog.Logger
	observer Observer
	tracer   trace.Tracer

	base context.Context
	stop context.CancelFunc

	mu     sync.Mutex
	runs   map[string]*planRun
	closed bool
	wg     sync.WaitGroup
}

// New creates an orchestrator.
func New(deps Deps, cfg Config) (*Orchestrator, error) {
	switch {
	case deps.Planner == nil:
		return nil, errors.New("orchestrator: planner is required")
	case deps.Gate == nil:
		return nil, errors.New("orchestrator: risk gate is required")
	case deps.Ledger == nil:
		return nil, errors.New("orchestrator: ledger is required")
	case deps.Runner == nil:
		return nil, errors.New("orchestrator: stage runner is required")
	case deps.Recorder == nil:
		return nil, errors.New("orchestrator: audit recorder is required")
	}

	def := DefaultConfig()
	if cfg.ReserveAttempts <= 0 {
		cfg.ReserveAttempts = def.ReserveAttempts
	}
	if cfg.ReserveBackoff <= 0 {
		cfg.ReserveBackoff = def.ReserveBackoff
	}
	if cfg.ReserveMaxBackoff <= 0 {
		cfg.ReserveMaxBackoff = def.ReserveMaxBackoff
	}
	if cfg.EscalationTimeout <= 0 {
		cfg.EscalationTimeout = def.EscalationTimeout
	}
	if cfg.RecoverConcurrency <= 0 {
		cfg.RecoverConcurrency = def.RecoverConcurrency
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	observer := deps.Observer
	if observer == nil {
		observer = NewSlogObserver(logger)
	}
	tracer := deps.Tracer
	if tracer == nil {
		tracer = otel.Tracer("github.com/imamik/vmpilot/internal/orchestrator")
	}
	if deps.Approver == nil {
		// Without a reviewer channel every escalation is denied.
		deps.Approver = escalation.Static{Verdict: escalation.VerdictDenied}
	}

	base, stop := context.WithCancel(context.Background())
	return &Orchestrator{
		deps:     deps,
		cfg:      cfg,
		rollback: rollback.New(deps.Runner, deps.Recorder, logger),
		logger:   logger,
		observer: observer,
		tracer:   tracer,
		base:     base,
		stop:     stop,
		runs:     make(map[string]*planRun),
	}, nil
}

// Submit validates req, records it and starts its plan. The plan ID is the
// request ID. Submitting a request whose plan crashed earlier resumes it;
// submitting a request that is already known returns its plan ID.
func (o *Orchestrator) Submit(ctx context.Context, req deployment.Request) (string, error) {
	req = req.WithDefaults()

	o.mu.Lock()
	closed := o.closed
	_, known := o.runs[req.ID]
	o.mu.Unlock()
	if closed {
		return "", ErrShuttingDown
	}
	if known {
		return req.ID, nil
	}

	history, err := o.deps.Recorder.ByRequest(ctx, req.ID)
	if err != nil {
		return "", fmt.Errorf("%w: %w", deployment.ErrAuditWrite, err)
	}
	if len(history) > 0 {
		err := o.Resume(ctx, req.ID)
		switch {
		case err == nil, errors.Is(err, ErrTerminal):
			return req.ID, nil
		case !errors.Is(err, deployment.ErrPlanNotFound):
			return "", err
		}
		// Only a rejection was recorded; the request may be tried again.
	}

	plan, err := o.deps.Planner.Build(req)
	if err != nil {
		o.reject(ctx, req, err)
		return "", err
	}

	raw, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("failed to encode request: %w", err)
	}
	if _, err := o.deps.Recorder.Append(ctx, audit.Entry{
		RequestID: req.ID,
		Actor:     req.Requester,
		Action:    audit.ActionRequestSubmitted,
		Outcome:   audit.OutcomeOK,
		Detail: map[string]string{
			"request": string(raw),
			"stages":  fmt.Sprint(plan.Len()),
			"shape":   plan.Shape(),
		},
	}); err != nil {
		return "", fmt.Errorf("%w: %w", deployment.ErrAuditWrite, err)
	}

	r := newPlanRun(req, plan)
	if err := o.start(r); err != nil {
		return "", err
	}
	return plan.ID, nil
}

// reject records a validation failure. No plan is created.
func (o *Orchestrator) reject(ctx context.Context, req deployment.Request, cause error) {
	detail := map[string]string{"error": cause.Error()}
	var ves deployment.ValidationErrors
	if errors.As(cause, &ves) {
		for _, ve := range ves {
			detail["field."+ve.Field] = ve.Message
		}
	}
	if _, err := o.deps.Recorder.Append(ctx, audit.Entry{
		RequestID: req.ID,
		Actor:     req.Requester,
		Action:    audit.ActionRequestRejected,
		Outcome:   audit.OutcomeDenied,
		Detail:    detail,
	}); err != nil {
		o.logger.Error("failed to audit rejected request", "request", req.ID, "error", err)
	}
	o.logger.Info("request rejected", "request", req.ID, "error", cause)
}

func (o *Orchestrator) start(r *planRun) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return ErrShuttingDown
	}
	if existing, ok := o.runs[r.plan.ID]; ok && !existing.finished() {
		return fmt.Errorf("%w: %s", ErrAlreadyRunning, r.plan.ID)
	}
	o.runs[r.plan.ID] = r
	o.wg.Add(1)
	go o.drive(o.base, r)
	return nil
}

func (o *Orchestrator) lookup(planID string) (*planRun, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	r, ok := o.runs[planID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", deployment.ErrPlanNotFound, planID)
	}
	return r, nil
}

// Status returns a snapshot of a plan.
func (o *Orchestrator) Status(planID string) (Status, error) {
	r, err := o.lookup(planID)
	if err != nil {
		return Status{}, err
	}
	st := r.status()
	st.Reservations = o.deps.Ledger.Held(planID)
	return st, nil
}

// List returns the status of every known plan, newest first.
func (o *Orchestrator) List() []Status {
	o.mu.Lock()
	runs := make([]*planRun, 0, len(o.runs))
	for _, r := range o.runs {
		runs = append(runs, r)
	}
	o.mu.Unlock()

	out := make([]Status, 0, len(runs))
	for _, r := range runs {
		out = append(out, r.status())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].PlanID < out[j].PlanID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// Cancel asks a plan to stop. The current stage finishes first; everything
// completed so far is then rolled back. Cancelling a finished plan is an error.
func (o *Orchestrator) Cancel(ctx context.Context, planID string) error {
	r, err := o.lookup(planID)
	if err != nil {
		return err
	}
	if r.finished() {
		return fmt.Errorf("%w: %s is %s", ErrTerminal, planID, r.currentState())
	}
	if !r.requestCancel() {
		return nil
	}
	if _, err := o.deps.Recorder.Append(ctx, audit.Entry{
		RequestID: planID,
		Actor:     r.req.Requester,
		Action:    audit.ActionPlanCancelRequested,
		Outcome:   audit.OutcomeOK,
		Detail:    map[string]string{"state": string(r.currentState())},
	}); err != nil {
		return fmt.Errorf("%w: %w", deployment.ErrAuditWrite, err)
	}
	return nil
}

// Wait blocks until the plan stops running or ctx is done.
func (o *Orchestrator) Wait(ctx context.Context, planID string) (Status, error) {
	r, err := o.lookup(planID)
	if err != nil {
		return Status{}, err
	}
	select {
	case <-r.done:
		return o.Status(planID)
	case <-ctx.Done():
		return Status{}, ctx.Err()
	}
}

// Shutdown stops accepting work and waits for running plans to reach a stage
// boundary. Plans stopped this way stay non-terminal and can be resumed with
// Recover after a restart. It returns ctx.Err() if ctx ends first.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()
	o.stop()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
