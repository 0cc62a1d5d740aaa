package main

import (
	"fmt"
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/itohio/heartlink/pkg/config"
)

// options are the persistent flags shared by all commands.
type options struct {
	configPath string
	mock       bool
	debug      bool
}

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	opts := &options{}

	root := &cobra.Command{
		Use:           "heartlink",
		Short:         "PPG telemetry agent for the MAX30102 pulse oximeter",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", "config.yaml", "Configuration file path")
	root.PersistentFlags().BoolVar(&opts.mock, "mock", false, "Use a simulated sensor instead of the I2C bus")
	root.PersistentFlags().BoolVar(&opts.debug, "debug", false, "Enable debug logging")

	root.AddCommand(
		runCmd(opts),
		detectCmd(opts),
		probeCmd(opts),
		initCmd(),
	)
	return root
}

// loadConfig reads the configuration file, applies environment overrides and
// configures logging.
func loadConfig(opts *options) (*config.Config, error) {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}

	level, err := log.ParseLevel(cfg.Log.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Log.Level, err)
	}
	if opts.debug {
		level = log.DebugLevel
	}
	log.SetLevel(level)

	return cfg, nil
}
