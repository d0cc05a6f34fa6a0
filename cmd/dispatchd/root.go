package main

import "github.com/spf13/cobra"

const defaultConfigPath = "./dispatchd.yaml"

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "dispatchd",
		Short:         "Throttled outbound message dispatcher",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().String("config", defaultConfigPath, "Path to config file (.yaml, .yml or .json)")
	cmd.AddCommand(newRunCmd(), newSendCmd(), newAnalyzeCmd(), newNormalizeCmd())
	return cmd
}
