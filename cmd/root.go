package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/establishment/storesync/internal/config"
	"github.com/establishment/storesync/internal/telemetry"
	"github.com/spf13/cobra"
)

var (
	configPath string
	logLevel   string

	cfg    *config.Config
	logger *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "storesync",
	Short: "Client-side object store with server event reconciliation",
	Long: `Storesync keeps typed object stores in sync with a server:
- Bulk state import in dependency order
- Incremental create, update, delete and domain events over named streams
- Optimistic local objects confirmed in place by the server
- Batched fetching of objects that are not loaded yet`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// an explicit --config must exist, except for init which creates it
		optional := !cmd.Flags().Changed("config") || cmd == initCmd
		loaded, err := config.Load(configPath, optional)
		if err != nil {
			return err
		}
		if logLevel != "" {
			loaded.Log.Level = logLevel
		}
		if err := loaded.Validate(); err != nil {
			return fmt.Errorf("invalid config %s: %w", configPath, err)
		}
		cfg = loaded

		logger, err = newLogger(cfg.Log)
		if err != nil {
			return err
		}
		slog.SetDefault(logger)

		telemetry.SetVersion(Version)
		telemetry.Init(telemetry.Settings{
			Enabled:  cfg.Telemetry.Enabled,
			APIKey:   cfg.Telemetry.APIKey,
			Endpoint: cfg.Telemetry.Endpoint,
		})
		// Track command usage (skip root command itself)
		if cmd.Name() != "storesync" {
			telemetry.TrackCommand(cmd.Name())
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		telemetry.Close()
	},
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", config.DefaultPath, "Config file (TOML or YAML)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override log.level (debug, info, warn, error)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(importCmd)
	rootCmd.AddCommand(applyCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(publishCmd)
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(versionCmd)
}

func newLogger(c config.LogConfig) (*slog.Logger, error) {
	level, err := c.SlogLevel()
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	if c.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts)), nil
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts)), nil
}
