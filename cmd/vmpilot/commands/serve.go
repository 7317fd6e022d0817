package commands

import (
	"github.com/spf13/cobra"

	"github.com/imamik/vmpilot/cmd/vmpilot/handlers"
)

// Serve returns the serve command.
//
// The serve command runs the orchestrator and its HTTP control surface. On
// start it replays the audit log and resumes every plan a crash interrupted.
func Serve() *cobra.Command {
	var opts handlers.ServeOptions

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the deployment orchestrator",
		Long: `Run the deployment orchestrator and its HTTP API.

Configuration is read from the file given with --config (or VMPILOT_CONFIG),
then overridden by VMPILOT_* environment variables and the optional --env-file.

Secrets (Hetzner Cloud token, S3 keys, OpenAI key) are read from the
environment first and then from the system keyring.

Examples:
  # Run against Hetzner Cloud
  VMPILOT_HCLOUD_TOKEN=... vmpilot serve -c vmpilot.yaml

  # Run against the in-memory provider
  vmpilot serve --provider fake --addr 127.0.0.1:9000`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return handlers.Serve(cmd.Context(), opts)
		},
	}

	cmd.Flags().StringVarP(&opts.ConfigPath, "config", "c", "", "Path to configuration file")
	cmd.Flags().StringVar(&opts.EnvFile, "env-file", "", "Path to a .env file with VMPILOT_* variables")
	cmd.Flags().StringVar(&opts.Addr, "addr", "", "Listen address (overrides server.addr)")
	cmd.Flags().StringVar(&opts.Provider, "provider", "", "Resource provider: hcloud or fake (overrides provider)")

	return cmd
}
