package commands

import (
	"github.com/spf13/cobra"

	"github.com/imamik/vmpilot/cmd/vmpilot/handlers"
)

// Plan returns the plan command.
//
// The plan command builds the stage plan for a request file and runs the risk
// gate against it locally. Nothing is reserved or executed.
func Plan() *cobra.Command {
	var (
		configPath string
		envFile    string
		jsonOutput bool
	)

	cmd := &cobra.Command{
		Use:   "plan REQUEST_FILE",
		Short: "Show the plan and risk assessment of a request",
		Long: `Build the deployment plan of a request and assess its risk offline.

The request file may be YAML or JSON. The risk policy and identifier pools
come from the configuration, so the decision matches what the server would
decide against an empty ledger.

Example:
  vmpilot plan request.yaml`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return handlers.Plan(cmd.Context(), configPath, envFile, args[0], jsonOutput)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file")
	cmd.Flags().StringVar(&envFile, "env-file", "", "Path to a .env file with VMPILOT_* variables")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")

	return cmd
}
