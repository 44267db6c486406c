package main

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/jfoltran/datamover/internal/appconfig"
)

var (
	cfg        appconfig.Config
	logger     zerolog.Logger
	logOutput  io.Writer
	configPath string
	logLevel   string
	logFormat  string
)

var rootCmd = &cobra.Command{
	Use:   "datamover",
	Short: "Scheduled multi-source data migration service",
	Long: `datamover moves data between heterogeneous stores through pluggable
adapters. The orchestrator persists scheduled operations in Postgres and
dispatches them to a stateless worker, which extracts tables from the
source, translates their schemas, and loads them into the destination.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = appconfig.Load(configPath)
		if err != nil {
			return err
		}

		// Flags win over the file and the environment.
		if cmd.Flags().Changed("log-level") {
			cfg.Logging.Level = logLevel
		}
		if cmd.Flags().Changed("log-format") {
			cfg.Logging.Format = logFormat
		}

		switch cfg.Logging.Format {
		case "json":
			logOutput = os.Stdout
		default:
			logOutput = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
		}
		logger = zerolog.New(logOutput).With().Timestamp().Logger()

		level, err := zerolog.ParseLevel(cfg.Logging.Level)
		if err != nil {
			level = zerolog.InfoLevel
		}
		logger = logger.Level(level)

		return nil
	},
}

func init() {
	f := rootCmd.PersistentFlags()

	f.StringVar(&configPath, "config", "", "Path to config file (default: ~/.datamover/config.toml, /etc/datamover/config.toml)")
	f.StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	f.StringVar(&logFormat, "log-format", "console", "Log format (console, json)")
}
