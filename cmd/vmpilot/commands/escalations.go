package commands

import (
	"github.com/spf13/cobra"

	"github.com/imamik/vmpilot/cmd/vmpilot/handlers"
)

// Escalations returns the command listing plans that wait for a reviewer.
func Escalations() *cobra.Command {
	var (
		server     string
		jsonOutput bool
	)

	cmd := &cobra.Command{
		Use:   "escalations",
		Short: "List plans awaiting a reviewer",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return handlers.Escalations(cmd.Context(), server, jsonOutput)
		},
	}

	serverFlag(cmd, &server)
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")

	return cmd
}
