package main

import (
	"log/slog"

	"github.com/spf13/cobra"

	"gitdeck/internal/config"
)

type rootOptions struct {
	configPath string
	verbose    bool
}

func (o *rootOptions) resolvedConfigPath() string {
	if o.configPath != "" {
		return o.configPath
	}
	return config.DefaultPath()
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:   "gitdeck-cli",
		Short: "Check and sync many git repositories from the terminal",
		Long: `gitdeck-cli works on the workspaces saved by the gitdeck desktop app.

Repositories can be named by tree id, by path, or by their display name
when it is unique. Node arguments also accept a workspace name.`,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, _ []string) {
			level := slog.LevelWarn
			if opts.verbose {
				level = slog.LevelDebug
			}
			slog.SetDefault(slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level})))
		},
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", "", "config file (default: the desktop app's config)")
	root.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "log debug output to stderr")

	root.AddCommand(newScanCmd(opts))
	root.AddCommand(newStatusCmd(opts))
	root.AddCommand(newFetchAllCmd(opts))
	root.AddCommand(newPullCmd(opts))
	root.AddCommand(newPushCmd(opts))
	root.AddCommand(newCheckoutCmd(opts))
	return root
}
