package client

import (
	"github.com/spf13/cobra"
)

// BaseURLFunc provides the base HTTP API URL (e.g., from env or flag).
type BaseURLFunc func() string

// NewRoot constructs a root Cobra command holding every client command.
func NewRoot(baseURL BaseURLFunc) *cobra.Command {
	root := &cobra.Command{
		Use:   "correlator",
		Short: "Correlator client commands",
	}
	AddCommands(root, baseURL)
	return root
}

// AddCommands registers the client commands on root.
func AddCommands(root *cobra.Command, baseURL BaseURLFunc) {
	root.AddCommand(
		NewPublishCommand(baseURL),
		NewSubmitCommand(baseURL),
		NewStatsCommand(baseURL),
		NewInspectCommand(baseURL),
		NewHealthCommand(),
	)
}
