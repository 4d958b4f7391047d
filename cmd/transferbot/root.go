package main

import (
	"github.com/spf13/cobra"
)

type rootOptions struct {
	configPath string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	run := newRunCmd(opts)

	root := &cobra.Command{
		Use:   "transferbot",
		Short: "Post new football transfers from movement feeds to Telegram",
		Long: `transferbot polls one or more transfer ("movement") feeds on a schedule,
publishes every transfer newer than the stored cursor to a Telegram chat in
ascending id order, and advances the cursor after each confirmed send.

Running without a subcommand is the same as "transferbot run".`,
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE:          run.RunE,
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "./config.json", "path to config file (.json, .yaml or .yml)")
	// The root command runs the bot, so it accepts the run flags too.
	root.Flags().AddFlagSet(run.Flags())

	root.AddCommand(run, newCheckCmd(opts), newCursorCmd(opts), newVersionCmd())
	return root
}
