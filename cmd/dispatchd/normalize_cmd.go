package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"dispatchd/internal/recipient"
)

func newNormalizeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "normalize <raw>",
		Short: "Print the canonical recipient address, or \"invalid\"",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := recipient.Normalize(args[0])
			if err != nil {
				fmt.Fprintln(cmd.OutOrStdout(), "invalid")
				return nil
			}
			fmt.Fprintln(cmd.OutOrStdout(), r.Address())
			return nil
		},
	}
}
