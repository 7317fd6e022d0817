// Package commands defines the CLI command structure and flag bindings.
//
// This package contains cobra command definitions that handle argument parsing,
// flag binding, and validation. Command execution is delegated to handler
// functions in the handlers package.
package commands

import (
	"os"

	"github.com/spf13/cobra"
)

// serverEnv overrides the default control-plane address of client commands.
const serverEnv = "VMPILOT_SERVER"

// Root returns the root command for the vmpilot CLI.
func Root() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "vmpilot",
		Short:         "Plan, gate and drive infrastructure deployments",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// Daemon and offline commands
	cmd.AddCommand(Serve())
	cmd.AddCommand(Plan())

	// Client commands
	cmd.AddCommand(Submit())
	cmd.AddCommand(Draft())
	cmd.AddCommand(Status())
	cmd.AddCommand(Watch())
	cmd.AddCommand(Cancel())
	cmd.AddCommand(Approve())
	cmd.AddCommand(Deny())
	cmd.AddCommand(Escalations())
	cmd.AddCommand(Audit())

	// Utility commands
	cmd.AddCommand(Version())
	cmd.AddCommand(Completion())

	return cmd
}

// serverFlag binds the --server flag shared by all client commands.
func serverFlag(cmd *cobra.Command, target *string) {
	def := os.Getenv(serverEnv)
	if def == "" {
		def = "http://127.0.0.1:8484"
	}
	cmd.Flags().StringVarP(target, "server", "s", def, "vmpilot server address (env "+serverEnv+")")
}
