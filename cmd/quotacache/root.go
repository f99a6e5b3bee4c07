package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/cataldij/quotacache/bootstrap"
	"github.com/cataldij/quotacache/config"
	"github.com/cataldij/quotacache/ports"
)

var (
	// Global flags
	cfgFile string
	envFile string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "quotacache",
	Short: "Sliding-window quotas, usage recording and a shared response cache",
	Long: `quotacache enforces per-identity sliding-window quotas, records usage
events and serves a shared response cache, backed by sqlite, postgres,
mysql or redis.

Quick start:
  quotacache validate   # Check configuration
  quotacache migrate    # Create tables
  quotacache serve      # Start the ops HTTP server

Operations:
  quotacache check      # Evaluate a quota
  quotacache key        # Derive a cache key
  quotacache usage      # Inspect recorded events
  quotacache prune      # Delete expired rows

Variables in --env-file are loaded before the configuration is read.
Variables already set in the environment take precedence.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		colorMarks(cmd.OutOrStdout())
		return loadEnvFile(envFile)
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "quotacache.yaml", "config file path")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file to load (ignored if missing)")
}

// loadEnvFile loads path into the process environment without overriding
// variables that are already set.
func loadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	return nil
}

// loadConfig loads the config file, falling back to QUOTACACHE_* variables.
func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadWithFallback(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("error loading config: %w", err)
	}
	return cfg, nil
}

// openStore opens the configured store with a logger quiet enough for CLI use.
func openStore(cfg *config.Config) (ports.Store, error) {
	logger := bootstrap.NewLogger(config.LoggingConfig{Level: "warn", Format: "console"})
	store, err := bootstrap.OpenStore(cfg.Store, logger)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	return store, nil
}
