package main

import (
	"context"

	"github.com/spf13/cobra"

	"tgdigest/internal/app"
)

var cfgPath string

var rootCmd = &cobra.Command{
	Use:   "tgdigest",
	Short: "Scheduled channel digests filtered by interest tags",
	Long: `tgdigest reads Telegram channels and feeds on a schedule, keeps the
messages that match your interest tags and mails a digest of the ones it
has not sent before.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "./config.json", "path to config file (json, yaml or toml)")
	rootCmd.AddCommand(serveCmd, runCmd, statusCmd, pruneCmd, validateCmd, mailtestCmd, versionCmd)
}

// withApp builds the app for a one-shot command and closes it afterwards.
func withApp(ctx context.Context, fn func(ctx context.Context, a *app.App) error) error {
	a, err := app.New(cfgPath)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}
