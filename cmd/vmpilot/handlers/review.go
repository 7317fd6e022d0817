package handlers

import (
	"context"
	"errors"
	"fmt"

	"github.com/charmbracelet/huh"
)

// ReviewOptions are the flags of the approve and deny commands.
type ReviewOptions struct {
	Approve  bool
	Reviewer string
	Reason   string
	Yes      bool
}

// confirmReview asks the reviewer before a decision is sent. It may fill in
// the reason. Replaced in tests.
var confirmReview = func(ctx context.Context, summary string, opts *ReviewOptions) (bool, error) {
	verb := "Deny"
	if opts.Approve {
		verb = "Approve"
	}
	confirmed := false
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Escalated plan").
				Description(summary),
			huh.NewInput().
				Title("Reason").
				Description("Recorded in the audit log").
				Value(&opts.Reason),
			huh.NewConfirm().
				Title(verb+" this plan?").
				Affirmative(verb).
				Negative("Cancel").
				Value(&confirmed),
		),
	)
	if err := form.RunWithContext(ctx); err != nil {
		return false, fmt.Errorf("review canceled: %w", err)
	}
	return confirmed, nil
}

// Review handles the approve and deny commands.
//
// The plan's current status is shown and, unless --yes is given, the reviewer
// confirms the decision interactively.
func Review(ctx context.Context, server, planID string, opts ReviewOptions) error {
	if opts.Reviewer == "" {
		reviewer, err := currentUser()
		if err != nil {
			return err
		}
		opts.Reviewer = reviewer
	}

	client := newAPIClient(server)
	st, err := client.Status(ctx, planID)
	if err != nil {
		return err
	}

	if !opts.Yes {
		if !isTerminal(stdout) {
			return errors.New("refusing to decide without a terminal, pass --yes")
		}
		ok, err := confirmReview(ctx, renderStatus(st), &opts)
		if err != nil {
			return err
		}
		if !ok {
			fmt.Fprintln(stdout, "Nothing sent")
			return nil
		}
	}

	if opts.Approve {
		err = client.Approve(ctx, planID, opts.Reviewer, opts.Reason)
	} else {
		err = client.Deny(ctx, planID, opts.Reviewer, opts.Reason)
	}
	if err != nil {
		return err
	}

	decision := "denied"
	if opts.Approve {
		decision = "approved"
	}
	fmt.Fprintf(stdout, "Plan %s %s by %s\n", planID, decision, opts.Reviewer)
	return nil
}
