package commands

import (
	"github.com/spf13/cobra"

	"github.com/imamik/vmpilot/cmd/vmpilot/handlers"
)

// Audit returns the audit command.
func Audit() *cobra.Command {
	var (
		server     string
		jsonOutput bool
	)

	cmd := &cobra.Command{
		Use:   "audit REQUEST_ID",
		Short: "Show the audit trail of a request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return handlers.Audit(cmd.Context(), server, args[0], jsonOutput)
		},
	}

	serverFlag(cmd, &server)
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON lines")

	return cmd
}
