package main

import (
	"strings"

	"github.com/spf13/cobra"

	"dispatchd/internal/content"
)

func newAnalyzeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "analyze <text>",
		Short: "Print the content risk verdict for a message body",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			res := content.New(content.DefaultConfig()).Analyze(strings.Join(args, " "))
			return writeJSON(cmd.OutOrStdout(), res)
		},
	}
}
