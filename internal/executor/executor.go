// Package executor runs single plan stages against the remote resource API.
//
// The executor is stateless across calls: it applies the per-stage timeout,
// retries transient failures with exponential backoff, fails fast on
// everything else and reports the result. It never decides about rollback.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/imamik/vmpilot/internal/deployment"
	"github.com/imamik/vmpilot/internal/metrics"
	"github.com/imamik/vmpilot/internal/remote"
	"github.com/imamik/vmpilot/internal/util/retry"
)

// Inputs are the values a stage consumes: outputs of earlier stages and
// reserved identifiers, keyed by their bind names.
type Inputs map[string]string

// Output is the payload a stage produces.
type Output map[string]string

// Input keys the orchestrator adds to every stage.
const (
	InputRequestID = "request_id"
	InputRequester = "requester"
)

// Config holds the retry, timeout and throttle settings.
type Config struct {
	MaxAttempts  int
	BaseBackoff  time.Duration
	MaxBackoff   time.Duration
	StageTimeout time.Duration
	// KindTimeouts overrides StageTimeout per stage kind.
	KindTimeouts map[deployment.StageKind]time.Duration
	// Classifier decides which errors are transient. Defaults to remote.IsTransient.
	Classifier func(error) bool
	// RateLimit caps remote calls per second across all plans. Zero disables it.
	RateLimit float64
	RateBurst int
}

// DefaultConfig returns the built-in executor settings.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:  5,
		BaseBackoff:  time.Second,
		MaxBackoff:   30 * time.Second,
		StageTimeout: 10 * time.Minute,
		Classifier:   remote.IsTransient,
		RateLimit:    10,
		RateBurst:    5,
	}
}

// StageError reports a failed stage.
type StageError struct {
	StageID  string
	Kind     deployment.StageKind
	Attempts int
	// Transient is set when the stage ran out of retries or time on transient errors.
	Transient bool
	Err       error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %s failed after %d attempt(s): %v", e.StageID, e.Attempts, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// Is matches deployment.ErrStageFatal for every stage error, and
// deployment.ErrStageTransient when retries were exhausted.
func (e *StageError) Is(target error) bool {
	switch target {
	case deployment.ErrStageFatal:
		return true
	case deployment.ErrStageTransient:
		return e.Transient
	}
	return false
}

// Executor runs stages. It is safe for concurrent use.
type Executor struct {
	api      remote.API
	hardener remote.Hardener
	cfg      Config
	logger   *slog.Logger
	tracer   trace.Tracer
}

// Option configures an Executor.
type Option func(*Executor)

// WithHardener sets the hardener used by ApplyHardening stages.
func WithHardener(h remote.Hardener) Option {
	return func(e *Executor) { e.hardener = h }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Executor) { e.logger = l }
}

// WithTracer sets the tracer.
func WithTracer(t trace.Tracer) Option {
	return func(e *Executor) { e.tracer = t }
}

// New creates an executor for api.
func New(api remote.API, cfg Config, opts ...Option) *Executor {
	def := DefaultConfig()
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = def.BaseBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = def.MaxBackoff
	}
	if cfg.StageTimeout <= 0 {
		cfg.StageTimeout = def.StageTimeout
	}
	if cfg.Classifier == nil {
		cfg.Classifier = remote.IsTransient
	}

	e := &Executor{
		cfg:    cfg,
		logger: slog.Default(),
		tracer: otel.Tracer("github.com/imamik/vmpilot/internal/executor"),
	}
	e.api = &instrumented{api: api, limiter: newLimiter(cfg)}
	for _, opt := range opts {
		opt(e)
	}
	if e.hardener == nil {
		e.hardener = remote.APIHardener{API: e.api}
	}
	return e
}

func newLimiter(cfg Config) *rate.Limiter {
	if cfg.RateLimit <= 0 {
		return nil
	}
	burst := cfg.RateBurst
	if burst <= 0 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
}

// Timeout returns the timeout that applies to a stage kind.
func (e *Executor) Timeout(kind deployment.StageKind) time.Duration {
	if d, ok := e.cfg.KindTimeouts[kind]; ok && d > 0 {
		return d
	}
	return e.cfg.StageTimeout
}

// Execute runs one stage. The timeout covers all attempts of the stage.
func (e *Executor) Execute(ctx context.Context, stage deployment.Stage, in Inputs) (Output, error) {
	out, _, err := e.Run(ctx, stage, in)
	return out, err
}

// Run is Execute that also reports how many attempts the stage took.
func (e *Executor) Run(ctx context.Context, stage deployment.Stage, in Inputs) (Output, int, error) {
	ctx, cancel := context.WithTimeout(ctx, e.Timeout(stage.Kind))
	defer cancel()

	ctx, span := e.tracer.Start(ctx, "stage "+string(stage.Kind), trace.WithAttributes(
		attribute.String("vmpilot.stage.id", stage.ID),
		attribute.String("vmpilot.request.id", in[InputRequestID]),
	))
	defer span.End()

	start := time.Now()
	var out Output
	res := e.withRetry(ctx, stage, func(ctx context.Context) error {
		o, err := e.run(ctx, stage, in)
		if err != nil {
			return err
		}
		out = o
		return nil
	})

	span.SetAttributes(attribute.Int("vmpilot.stage.attempts", res.Attempts))
	if res.Err != nil {
		metrics.RecordStage(string(stage.Kind), "failed", res.Attempts, time.Since(start).Seconds())
		span.RecordError(res.Err)
		span.SetStatus(codes.Error, "stage failed")
		return nil, res.Attempts, &StageError{
			StageID:   stage.ID,
			Kind:      stage.Kind,
			Attempts:  res.Attempts,
			Transient: retry.IsExhausted(res.Err) || errors.Is(res.Err, context.DeadlineExceeded),
			Err:       res.Err,
		}
	}

	metrics.RecordStage(string(stage.Kind), "succeeded", res.Attempts, time.Since(start).Seconds())
	e.logger.Debug("stage succeeded", "stage", stage.ID, "attempts", res.Attempts)
	return out, res.Attempts, nil
}

// Compensate runs the compensating action of a stage with the same retry policy.
// Resources that are already gone count as compensated.
func (e *Executor) Compensate(ctx context.Context, stage deployment.Stage, out Output) error {
	ctx, cancel := context.WithTimeout(ctx, e.Timeout(stage.Kind))
	defer cancel()

	ctx, span := e.tracer.Start(ctx, "compensate "+string(stage.Compensation), trace.WithAttributes(
		attribute.String("vmpilot.stage.id", stage.ID),
	))
	defer span.End()

	res := e.withRetry(ctx, stage, func(ctx context.Context) error {
		err := e.compensate(ctx, stage, out)
		if remote.IsNotFound(err) {
			return nil
		}
		return err
	})
	if res.Err != nil {
		metrics.RecordCompensation(string(stage.Compensation), "failed")
		span.RecordError(res.Err)
		span.SetStatus(codes.Error, "compensation failed")
		return fmt.Errorf("failed to compensate %s (%s): %w", stage.ID, stage.Compensation, res.Err)
	}
	metrics.RecordCompensation(string(stage.Compensation), "succeeded")
	return nil
}

func (e *Executor) withRetry(ctx context.Context, stage deployment.Stage, fn func(context.Context) error) retry.Result {
	return retry.Do(ctx, fn,
		retry.WithMaxAttempts(e.cfg.MaxAttempts),
		retry.WithInitialDelay(e.cfg.BaseBackoff),
		retry.WithMaxDelay(e.cfg.MaxBackoff),
		retry.WithRetryIf(e.cfg.Classifier),
		retry.WithOnRetry(func(attempt int, err error, delay time.Duration) {
			e.logger.Warn("transient stage error, retrying",
				"stage", stage.ID, "attempt", attempt, "delay", delay, "error", err)
		}),
	)
}

// instrumented throttles and measures every remote call.
type instrumented struct {
	api     remote.API
	limiter *rate.Limiter
}

func (a *instrumented) wait(ctx context.Context) error {
	if a.limiter == nil {
		return nil
	}
	if err := a.limiter.Wait(ctx); err != nil {
		return &remote.Error{Kind: remote.ErrRateLimited, Op: "throttle", Message: "local rate limit", Err: err}
	}
	return nil
}

func observe(op string, start time.Time, err error) {
	result := "success"
	if err != nil {
		result = string(remote.KindOf(err))
	}
	metrics.RecordRemoteCall(op, result, time.Since(start).Seconds())
}

func (a *instrumented) Create(ctx context.Context, kind remote.Kind, spec remote.Spec) (remote.Handle, error) {
	if err := a.wait(ctx); err != nil {
		return remote.Handle{}, err
	}
	start := time.Now()
	h, err := a.api.Create(ctx, kind, spec)
	observe("create_"+string(kind), start, err)
	return h, err
}

func (a *instrumented) Destroy(ctx context.Context, h remote.Handle) error {
	if err := a.wait(ctx); err != nil {
		return err
	}
	start := time.Now()
	err := a.api.Destroy(ctx, h)
	observe("destroy_"+string(h.Kind), start, err)
	return err
}

func (a *instrumented) Attach(ctx context.Context, h remote.Handle, cfg remote.AttachConfig) (remote.Ack, error) {
	if err := a.wait(ctx); err != nil {
		return remote.Ack{}, err
	}
	start := time.Now()
	ack, err := a.api.Attach(ctx, h, cfg)
	observe("attach_"+string(cfg.Kind), start, err)
	return ack, err
}

func (a *instrumented) Detach(ctx context.Context, h remote.Handle, cfg remote.AttachConfig) error {
	if err := a.wait(ctx); err != nil {
		return err
	}
	start := time.Now()
	err := a.api.Detach(ctx, h, cfg)
	observe("detach_"+string(cfg.Kind), start, err)
	return err
}
