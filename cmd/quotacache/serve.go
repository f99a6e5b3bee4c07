package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/cataldij/quotacache/bootstrap"
	"github.com/cataldij/quotacache/config"
)

var (
	hotReload bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the ops HTTP server",
	Long: `Start the quotacache ops server.

The server will:
  - Load configuration from quotacache.yaml (or --config)
  - Or load configuration from QUOTACACHE_* environment variables
  - Open and migrate the store
  - Serve health, metrics, policy, quota and usage endpoints

Environment variables (for container deployments):
  QUOTACACHE_POLICIES        - Policies, e.g. search=100/86400,image=10/60
  QUOTACACHE_STORE_DRIVER    - sqlite, postgres, mysql, redis or memory
  QUOTACACHE_STORE_DSN       - Database DSN (default: quotacache.db)
  QUOTACACHE_REDIS_ADDR      - Redis address when the driver is redis
  QUOTACACHE_FAILURE_POLICY  - open or closed
  QUOTACACHE_LOG_LEVEL       - debug, info, warn, error

Examples:
  quotacache serve
  quotacache serve --config /etc/quotacache/config.yaml
  quotacache serve --hot-reload=false

  # Env vars only:
  QUOTACACHE_POLICIES=search=100/86400 quotacache serve`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().BoolVar(&hotReload, "hot-reload", true, "enable hot reload of configuration")
}

func runServe(cmd *cobra.Command, args []string) error {
	hasConfigFile := false
	if _, err := os.Stat(cfgFile); err == nil {
		hasConfigFile = true
	}

	// No configuration at all
	if !hasConfigFile && !config.HasEnvConfig() {
		fmt.Println("No configuration found.")
		fmt.Println()
		fmt.Printf("Option 1: Create %s\n", cfgFile)
		fmt.Println("Option 2: Set QUOTACACHE_POLICIES environment variable")
		fmt.Println()
		fmt.Println("Example (env vars):")
		fmt.Println("  QUOTACACHE_POLICIES=search=100/86400 quotacache serve")
		return nil
	}

	if !hasConfigFile {
		fmt.Println("Running with environment variables (no config file)")
	}

	app, err := bootstrap.New(bootstrap.Options{
		ConfigPath: cfgFile,
		Watch:      hotReload,
		Version:    version,
	})
	if err != nil {
		return fmt.Errorf("error initializing: %w", err)
	}

	// Run (blocks until shutdown)
	return app.Run()
}
