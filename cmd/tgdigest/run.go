package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"tgdigest/internal/app"
	"tgdigest/internal/model"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one cycle now and print its outcome",
	Long: `Run one ingestion cycle in this process, outside the schedule. The
cycle commits state exactly like a scheduled one.

While a serve process holds the same storage this command refuses to run;
send that process SIGUSR2 instead and it runs the cycle itself.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer cancel()
		return withApp(ctx, func(ctx context.Context, a *app.App) error {
			run, err := a.RunOnce(ctx)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "run %s: %s in %s\n", run.ID, run.Status, run.Duration().Round(1e6))
			fmt.Fprintf(out, "  channels: %d processed, %d failed\n", run.ChannelsProcessed, run.ChannelsFailed)
			fmt.Fprintf(out, "  messages: %s matched, %s notified\n", humanize.Comma(int64(run.MessagesMatched)), humanize.Comma(int64(run.MessagesNotified)))
			if run.ErrorSummary != "" {
				fmt.Fprintf(out, "  errors: %s\n", run.ErrorSummary)
			}
			if run.Status == model.StatusFailed {
				return errors.New("cycle failed")
			}
			return nil
		})
	},
}
