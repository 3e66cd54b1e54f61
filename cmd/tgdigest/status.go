package main

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"tgdigest/internal/app"
	"tgdigest/internal/status"
)

var statusRuns int

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show cursors, backoff and recent runs",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
			rep, err := a.Status(ctx, statusRuns)
			if err != nil {
				return err
			}
			return status.Render(cmd.OutOrStdout(), rep, time.Now())
		})
	},
}

func init() {
	statusCmd.Flags().IntVarP(&statusRuns, "runs", "n", 10, "number of recent runs to show")
}
