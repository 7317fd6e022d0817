package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/imamik/vmpilot/internal/api"
	"github.com/imamik/vmpilot/internal/audit"
	"github.com/imamik/vmpilot/internal/deployment"
	"github.com/imamik/vmpilot/internal/generator"
	"github.com/imamik/vmpilot/internal/logging"
	"github.com/imamik/vmpilot/internal/orchestrator"
	"github.com/imamik/vmpilot/internal/ui/tui"
)

// Factory function variables for client commands - can be replaced in tests.
var (
	newAPIClient = func(server string) *api.Client {
		return api.NewClient(server, &http.Client{Timeout: 30 * time.Second})
	}
	runWatchTUI = tui.RunWatchTUI
	isTerminal  = logging.IsTerminal
)

// Submit handles the submit command.
func Submit(ctx context.Context, server, requestPath string, wait, jsonOutput bool) error {
	req, err := loadRequest(requestPath)
	if err != nil {
		return err
	}
	client := newAPIClient(server)
	planID, err := client.Submit(ctx, req)
	if err != nil {
		return err
	}
	if !wait {
		if jsonOutput {
			return printJSON(api.SubmitResponse{PlanID: planID})
		}
		fmt.Fprintf(stdout, "Submitted plan %s\n", planID)
		return nil
	}
	return follow(ctx, client, planID, 2*time.Second, jsonOutput)
}

// DraftOptions are the flags of the draft command.
type DraftOptions struct {
	Prompt    string
	Requester string
	Tier      string
	Submit    bool
	JSON      bool
}

// Draft handles the draft command.
func Draft(ctx context.Context, server string, opts DraftOptions) error {
	resp, err := newAPIClient(server).Draft(ctx, api.DraftRequest{
		Prompt: generator.Prompt{Text: opts.Prompt, Requester: opts.Requester, Tier: deployment.Tier(opts.Tier)},
		Submit: opts.Submit,
	})
	if err != nil {
		return err
	}
	if opts.JSON {
		return printJSON(resp)
	}
	fmt.Fprint(stdout, renderDraft(resp))
	return nil
}

// Status handles the status command.
func Status(ctx context.Context, server, planID string, jsonOutput bool) error {
	client := newAPIClient(server)
	if planID == "" {
		plans, err := client.List(ctx)
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(plans)
		}
		fmt.Fprint(stdout, renderPlanList(plans))
		return nil
	}

	st, err := client.Status(ctx, planID)
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(st)
	}
	fmt.Fprint(stdout, renderStatus(st))
	return nil
}

// Watch handles the watch command.
func Watch(ctx context.Context, server, planID string, interval time.Duration) error {
	return follow(ctx, newAPIClient(server), planID, interval, false)
}

// follow shows the dashboard on a terminal and polls quietly otherwise.
func follow(ctx context.Context, client *api.Client, planID string, interval time.Duration, jsonOutput bool) error {
	var (
		st  orchestrator.Status
		err error
	)
	if !jsonOutput && isTerminal(stdout) {
		st, err = runWatchTUI(ctx, client.Status, planID, interval)
	} else {
		st, err = poll(ctx, client, planID, interval)
	}
	if err != nil {
		return err
	}

	if jsonOutput {
		if err := printJSON(st); err != nil {
			return err
		}
	} else {
		fmt.Fprint(stdout, renderStatus(st))
	}
	if st.Terminal() && st.State != deployment.StateCommitted {
		return fmt.Errorf("plan %s finished %s", planID, st.State)
	}
	return nil
}

func poll(ctx context.Context, client *api.Client, planID string, interval time.Duration) (orchestrator.Status, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		st, err := client.Status(ctx, planID)
		if err != nil || st.Terminal() {
			return st, err
		}
		select {
		case <-ctx.Done():
			return st, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Cancel handles the cancel command.
func Cancel(ctx context.Context, server, planID string) error {
	if err := newAPIClient(server).Cancel(ctx, planID); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "Cancellation of plan %s requested\n", planID)
	return nil
}

// Escalations handles the escalations command.
func Escalations(ctx context.Context, server string, jsonOutput bool) error {
	pending, err := newAPIClient(server).Escalations(ctx)
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(pending)
	}
	fmt.Fprint(stdout, renderEscalations(pending, time.Now()))
	return nil
}

// Audit handles the audit command.
func Audit(ctx context.Context, server, requestID string, jsonOutput bool) error {
	entries, err := newAPIClient(server).Audit(ctx, requestID)
	if err != nil {
		if api.IsNotFound(err) {
			return fmt.Errorf("no audit trail for request %s", requestID)
		}
		return err
	}
	if jsonOutput {
		return audit.WriteJSONLines(stdout, entries)
	}
	fmt.Fprint(stdout, renderAudit(requestID, entries))
	return nil
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal output: %w", err)
	}
	_, err = fmt.Fprintln(stdout, string(data))
	return err
}

// currentUser is the default reviewer identity.
func currentUser() (string, error) {
	for _, name := range []string{"VMPILOT_REVIEWER", "USER", "USERNAME"} {
		if v := os.Getenv(name); v != "" {
			return v, nil
		}
	}
	return "", errors.New("no reviewer given, use --reviewer")
}
