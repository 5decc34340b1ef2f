package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"obf-bridge/internal/config"
	"obf-bridge/internal/enrollment"
	"obf-bridge/internal/logging"
)

var (
	configFile string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "obf-bridge",
	Short: "Open Badge Factory client bridge",
	Long: `Enrolls this host with the Open Badge Factory API using a one-time
token, keeps the resulting client certificate, and issues, lists and revokes
badges over mutual TLS. The serve command exposes the same operations on a
local admin API.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "config file (default is ./config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error), overrides log_level")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// setup loads the configuration, initialises logging and wires the bridge.
// The caller owns the returned components and must Close them.
func setup() (*enrollment.Components, *logrus.Logger, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}

	logger := logging.Initialize(cfg.LogLevel)
	if err := logging.SetupFileLogging(logger, cfg.LogFile); err != nil {
		logger.WithError(err).Warn("Failed to enable file logging")
	}

	comps, err := enrollment.NewWithRealDependencies(cfg, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialise bridge: %w", err)
	}

	return comps, logger, nil
}

// printJSON writes v to stdout, indented
func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
