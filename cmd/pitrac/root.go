package main

import (
	"os"

	"github.com/spf13/cobra"
	"github.com/tebeka/atexit"

	"pitrac/internal/config"
	"pitrac/internal/logger"
)

var (
	configPath string
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:   "pitrac",
	Short: "PiTrac launch monitor camera process.",
	Long: `PiTrac runs one of the two camera processes of the launch monitor. ` +
		`The processes exchange images, results and control messages over ` +
		`ZeroMQ and camera 1 runs ball detection on the images camera 2 sends.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "YAML configuration file (overrides PITRAC_CONFIG)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
}

// Execute runs the root command and exits through atexit so registered
// cleanups run.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		atexit.Exit(1)
	}
	atexit.Exit(0)
}

// loadConfig applies the persistent flags on top of config.Load.
func loadConfig() (*config.Config, *logger.Logger, error) {
	if configPath != "" {
		if err := os.Setenv("PITRAC_CONFIG", configPath); err != nil {
			return nil, nil, err
		}
	}
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	if verbose {
		cfg.Verbose = true
	}

	log, err := logger.NewLogger(cfg.LogDirectory, cfg.Verbose)
	if err != nil {
		return nil, nil, err
	}
	return cfg, log, nil
}
