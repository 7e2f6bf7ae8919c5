package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lvonguyen/alertforge/internal/config"
)

var (
	cfgFile   string
	overrides = config.NewViper()
)

var rootCmd = &cobra.Command{
	Use:   "alertforge",
	Short: "Security alert enrichment and response pipeline",
	Long: `AlertForge ingests security events from vendor webhooks and Splunk HEC,
extracts indicators, enriches them against reputation providers, scores and
deduplicates alerts, and dispatches notifications and tickets.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&cfgFile, "config", "c", "", "path to YAML config file (defaults are used when empty)")
	flags.String("log-level", "", "log level: debug, info, warn, error")
	flags.String("log-format", "", "log format: json, console")

	_ = overrides.BindPFlag("telemetry.log_level", flags.Lookup("log-level"))
	_ = overrides.BindPFlag("telemetry.log_format", flags.Lookup("log-format"))

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newConfigCmd())
	rootCmd.AddCommand(versionCmd)
}

// loadConfig reads the config file, if any, applies flag and environment
// overrides and validates the result.
func loadConfig() (*config.Config, error) {
	cfg := config.DefaultConfig()
	if cfgFile != "" {
		loaded, err := config.Load(cfgFile)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	cfg.Overlay(overrides)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}
