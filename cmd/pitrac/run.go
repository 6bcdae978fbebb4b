package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/tebeka/atexit"

	"pitrac/internal/app"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the camera process until a shutdown message or signal.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, err := loadConfig()
		if err != nil {
			return err
		}

		application, err := app.New(cfg, log, app.Options{})
		if err != nil {
			return err
		}
		atexit.Register(application.Shutdown)

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if err := application.Run(ctx); err != nil {
			log.Error("Failed to run: %v", err)
			return err
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
}
