package commands

import (
	"github.com/spf13/cobra"

	"github.com/imamik/vmpilot/cmd/vmpilot/handlers"
)

// Status returns the status command. Without a plan ID it lists all plans.
func Status() *cobra.Command {
	var (
		server     string
		jsonOutput bool
	)

	cmd := &cobra.Command{
		Use:   "status [PLAN_ID]",
		Short: "Show the state of one or all plans",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			planID := ""
			if len(args) == 1 {
				planID = args[0]
			}
			return handlers.Status(cmd.Context(), server, planID, jsonOutput)
		},
	}

	serverFlag(cmd, &server)
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")

	return cmd
}
