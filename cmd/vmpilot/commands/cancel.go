package commands

import (
	"github.com/spf13/cobra"

	"github.com/imamik/vmpilot/cmd/vmpilot/handlers"
)

// Cancel returns the cancel command.
func Cancel() *cobra.Command {
	var server string

	cmd := &cobra.Command{
		Use:   "cancel PLAN_ID",
		Short: "Cancel a running plan",
		Long: `Cancel a plan that has not finished yet.

Completed stages are compensated in reverse order and every reservation is
released. A plan that already finished cannot be cancelled.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return handlers.Cancel(cmd.Context(), server, args[0])
		},
	}

	serverFlag(cmd, &server)

	return cmd
}
