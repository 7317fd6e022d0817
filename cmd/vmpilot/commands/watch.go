package commands

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/imamik/vmpilot/cmd/vmpilot/handlers"
)

// Watch returns the watch command.
func Watch() *cobra.Command {
	var (
		server   string
		interval time.Duration
	)

	cmd := &cobra.Command{
		Use:   "watch PLAN_ID",
		Short: "Follow a plan in a live dashboard",
		Long: `Follow a plan until it commits, is denied or is rolled back.

The dashboard shows the risk assessment, every stage with its attempts, the
held reservations and the rollback outcome. Press q to stop watching; the
plan keeps running on the server.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return handlers.Watch(cmd.Context(), server, args[0], interval)
		},
	}

	serverFlag(cmd, &server)
	cmd.Flags().DurationVarP(&interval, "interval", "i", 2*time.Second, "Refresh interval")

	return cmd
}
