package main

import (
	"github.com/spf13/cobra"
)

const defaultAddr = "localhost:7890"

type options struct {
	addr       string
	configPath string
}

func newRootCommand() *cobra.Command {
	opts := &options{}

	rootCmd := &cobra.Command{
		Use:           "nitflex",
		Short:         "Media transcoding pipeline",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	rootCmd.PersistentFlags().StringVar(&opts.addr, "addr", defaultAddr, "Address of the nitflex server")
	rootCmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "Configuration file path (defaults to $NITFLEX_CONFIG)")

	rootCmd.AddCommand(newServeCommand(opts))
	rootCmd.AddCommand(newJobsCommand(opts))
	rootCmd.AddCommand(newHWAccelCommand(opts))

	return rootCmd
}
