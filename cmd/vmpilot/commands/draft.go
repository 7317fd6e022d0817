package commands

import (
	"strings"

	"github.com/spf13/cobra"

	"github.com/imamik/vmpilot/cmd/vmpilot/handlers"
)

// Draft returns the draft command.
func Draft() *cobra.Command {
	var (
		server string
		opts   handlers.DraftOptions
	)

	cmd := &cobra.Command{
		Use:   "draft PROMPT...",
		Short: "Generate a request from a natural-language prompt",
		Long: `Ask the server's code generator for an Infrastructure-as-Code artifact
and turn it into a request. With --submit the request is submitted right away.

Example:
  vmpilot draft --requester alice@example.com "two small web servers in nbg1"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.Prompt = strings.Join(args, " ")
			return handlers.Draft(cmd.Context(), server, opts)
		},
	}

	serverFlag(cmd, &server)
	cmd.Flags().StringVarP(&opts.Requester, "requester", "r", "", "Requester identity (required)")
	cmd.Flags().StringVarP(&opts.Tier, "tier", "t", "novice", "Requester tier: novice, intermediate or expert")
	cmd.Flags().BoolVar(&opts.Submit, "submit", false, "Submit the drafted request")
	cmd.Flags().BoolVar(&opts.JSON, "json", false, "Output in JSON format")
	_ = cmd.MarkFlagRequired("requester")

	return cmd
}
