// Package rollback undoes the completed stages of a failed plan.
//
// Compensation walks the completed stages in reverse order and runs each
// stage's declared compensating action. It is best-effort: a failed
// compensation is recorded as a residual and the walk continues with the
// next earlier stage. Residuals are never retried forever; they are surfaced
// to the operator as a manual cleanup requirement.
package rollback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/imamik/vmpilot/internal/audit"
	"github.com/imamik/vmpilot/internal/deployment"
	"github.com/imamik/vmpilot/internal/executor"
)

// Compensator runs the compensating action of a stage. *executor.Executor implements it.
type Compensator interface {
	Compensate(ctx context.Context, stage deployment.Stage, out executor.Output) error
}

// Completed is a stage that succeeded (or may have succeeded) together with its output.
type Completed struct {
	Stage  deployment.Stage
	Output executor.Output
}

// Residual is a resource that could not be compensated.
type Residual struct {
	StageID      string                      `json:"stageID"`
	Kind         deployment.StageKind        `json:"kind"`
	Compensation deployment.CompensationKind `json:"compensation"`
	// Resource names the remote handle left behind, when known.
	Resource string `json:"resource,omitempty"`
	Error    string `json:"error"`
}

// Outcome reports what a rollback did.
type Outcome struct {
	// Compensated lists stage IDs in the order they were compensated.
	Compensated []string   `json:"compensated"`
	Residuals   []Residual `json:"residuals,omitempty"`
	// Irreversible lists completed stages that have no compensation.
	Irreversible []string `json:"irreversible,omitempty"`
	// AuditErr is set when a compensation record could not be appended.
	AuditErr error `json:"-"`
}

// Clean reports whether every stage was compensated.
func (o Outcome) Clean() bool {
	return len(o.Residuals) == 0
}

// Err returns an error wrapping deployment.ErrRollbackResidual when residuals remain.
func (o Outcome) Err() error {
	if o.Clean() {
		return nil
	}
	ids := make([]string, 0, len(o.Residuals))
	for _, r := range o.Residuals {
		ids = append(ids, r.StageID)
	}
	return fmt.Errorf("%w: manual cleanup required for %s", deployment.ErrRollbackResidual, strings.Join(ids, ", "))
}

// Coordinator compensates completed stages.
type Coordinator struct {
	compensator Compensator
	recorder    audit.Recorder
	logger      *slog.Logger
}

// New creates a coordinator.
func New(c Compensator, rec audit.Recorder, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{compensator: c, recorder: rec, logger: logger}
}

// Compensate undoes completed in reverse order and audits every attempt.
// It never stops early: stage k is compensated even when stage k+1 failed.
func (c *Coordinator) Compensate(ctx context.Context, requestID string, completed []Completed) Outcome {
	var out Outcome
	log := c.logger.With("request", requestID)

	for i := len(completed) - 1; i >= 0; i-- {
		done := completed[i]
		stage := done.Stage

		if stage.Compensation == deployment.CompensateNone {
			out.Irreversible = append(out.Irreversible, stage.ID)
			log.Warn("stage has no compensation, leaving its effect in place", "stage", stage.ID)
			c.record(ctx, &out, audit.Entry{
				RequestID: requestID,
				StageID:   stage.ID,
				Actor:     audit.ActorRollback,
				Action:    audit.ActionCompensationSucceeded,
				Outcome:   audit.OutcomeSkipped,
				Detail:    map[string]string{"compensation": string(stage.Compensation), "irreversible": "true"},
			})
			continue
		}

		err := c.compensator.Compensate(ctx, stage, done.Output)
		if err != nil {
			res := Residual{
				StageID:      stage.ID,
				Kind:         stage.Kind,
				Compensation: stage.Compensation,
				Resource:     residualResource(done.Output),
				Error:        err.Error(),
			}
			out.Residuals = append(out.Residuals, res)
			log.Error("compensation failed, resource needs manual cleanup",
				"stage", stage.ID, "compensation", stage.Compensation, "resource", res.Resource, "error", err)
			c.record(ctx, &out, audit.Entry{
				RequestID: requestID,
				StageID:   stage.ID,
				Actor:     audit.ActorRollback,
				Action:    audit.ActionCompensationFailed,
				Outcome:   audit.OutcomeResidual,
				Detail: map[string]string{
					"compensation": string(stage.Compensation),
					"resource":     res.Resource,
					"error":        err.Error(),
				},
			})
			continue
		}

		out.Compensated = append(out.Compensated, stage.ID)
		log.Info("stage compensated", "stage", stage.ID, "compensation", stage.Compensation)
		c.record(ctx, &out, audit.Entry{
			RequestID: requestID,
			StageID:   stage.ID,
			Actor:     audit.ActorRollback,
			Action:    audit.ActionCompensationSucceeded,
			Outcome:   audit.OutcomeOK,
			Detail:    map[string]string{"compensation": string(stage.Compensation)},
		})
	}
	return out
}

func (c *Coordinator) record(ctx context.Context, out *Outcome, e audit.Entry) {
	if c.recorder == nil {
		return
	}
	if _, err := c.recorder.Append(ctx, e); err != nil {
		c.logger.Error("failed to audit compensation", "request", e.RequestID, "stage", e.StageID, "error", err)
		out.AuditErr = errors.Join(out.AuditErr, fmt.Errorf("%w: %w", deployment.ErrAuditWrite, err))
	}
}

// residualResource picks the most specific handle in a stage output.
func residualResource(out executor.Output) string {
	for _, key := range []string{
		deployment.KeyInventoryHandle,
		deployment.KeyVolumeHandle,
		deployment.KeyServerHandle,
	} {
		if v := out[key]; v != "" {
			return v
		}
	}
	return ""
}
