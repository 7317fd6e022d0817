package commands

import (
	"github.com/spf13/cobra"

	"github.com/imamik/vmpilot/cmd/vmpilot/handlers"
)

// Submit returns the submit command.
func Submit() *cobra.Command {
	var (
		server     string
		wait       bool
		jsonOutput bool
	)

	cmd := &cobra.Command{
		Use:   "submit REQUEST_FILE",
		Short: "Submit a request to the orchestrator",
		Long: `Submit an infrastructure-change request.

The request file may be YAML or JSON. Submitting the same request twice is
safe: the second submission returns the existing plan.

Examples:
  vmpilot submit request.yaml
  vmpilot submit request.yaml --wait`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return handlers.Submit(cmd.Context(), server, args[0], wait, jsonOutput)
		},
	}

	serverFlag(cmd, &server)
	cmd.Flags().BoolVarP(&wait, "wait", "w", false, "Follow the plan until it finishes")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")

	return cmd
}
