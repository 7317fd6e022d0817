package commands

import (
	"github.com/spf13/cobra"

	"github.com/imamik/vmpilot/cmd/vmpilot/handlers"
)

// Approve returns the approve command.
func Approve() *cobra.Command {
	return reviewCommand(true)
}

// Deny returns the deny command.
func Deny() *cobra.Command {
	return reviewCommand(false)
}

func reviewCommand(approve bool) *cobra.Command {
	var (
		server string
		opts   = handlers.ReviewOptions{Approve: approve}
	)

	use, short := "deny PLAN_ID", "Deny an escalated plan"
	if approve {
		use, short = "approve PLAN_ID", "Approve an escalated plan"
	}

	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		Long: short + `.

The plan's risk assessment is shown and a confirmation is requested unless
--yes is given. Reviewer and reason are recorded in the audit log.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return handlers.Review(cmd.Context(), server, args[0], opts)
		},
	}

	serverFlag(cmd, &server)
	cmd.Flags().StringVar(&opts.Reviewer, "reviewer", "", "Reviewer identity (default: $USER)")
	cmd.Flags().StringVarP(&opts.Reason, "reason", "m", "", "Reason recorded with the decision")
	cmd.Flags().BoolVarP(&opts.Yes, "yes", "y", false, "Skip the confirmation")

	return cmd
}
