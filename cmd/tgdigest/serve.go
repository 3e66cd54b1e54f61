package main

import (
	"context"

	"github.com/spf13/cobra"

	"tgdigest/internal/app"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the scheduler daemon until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := app.New(cfgPath)
		if err != nil {
			return err
		}
		defer a.Close()
		// Signals are handled by the lifecycle host.
		return a.Serve(context.Background())
	},
}
