package main

import (
	"context"
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	"tgdigest/internal/app"
	"tgdigest/internal/config"
)

var pruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Drop expired dedup records, old run entries and consumed inbox posts",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
			res, err := a.Prune(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "pruned %d notified ids, %d runs, %d inbox posts\n", res.Notified, res.Runs, res.Inbox)
			return nil
		})
	},
}

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check the config file and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.NewManager(cfgPath).Load()
		if err != nil {
			return err
		}
		n := 0
		for _, ch := range cfg.Channels {
			if ch.IsEnabled() {
				n++
			}
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s: ok (%d channels enabled, %d tags, transport %s)\n", cfgPath, n, len(cfg.Tags), cfg.Mail.TransportName())
		return nil
	},
}

var mailtestCmd = &cobra.Command{
	Use:   "mailtest",
	Short: "Send a test message through the configured transport",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
			if err := a.TestMail(ctx); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "test message sent to %s\n", a.Config().Mail.Recipient)
			return nil
		})
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "tgdigest version %s\n", app.Version)
		fmt.Fprintf(out, "  Go version: %s\n", runtime.Version())
		fmt.Fprintf(out, "  OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
	},
}
