package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/cataldij/quotacache/config"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration before deployment",
	Long: `Validate the quotacache configuration file.

Checks:
  - YAML syntax is valid
  - Required fields are present
  - Every policy is well formed
  - Store is reachable (optional)

Examples:
  quotacache validate
  quotacache validate --check-store --config /etc/quotacache/config.yaml`,
	RunE: runValidate,
}

var (
	validateCheckStore bool
)

func init() {
	rootCmd.AddCommand(validateCmd)

	validateCmd.Flags().BoolVar(&validateCheckStore, "check-store", false, "check that the store is reachable")
}

func runValidate(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Validating %s...\n\n", cfgFile)

	// Check file exists
	if _, err := os.Stat(cfgFile); os.IsNotExist(err) {
		fmt.Fprintf(out, "  %s Config file exists\n", crossMark)
		return fmt.Errorf("config file not found: %s", cfgFile)
	}
	fmt.Fprintf(out, "  %s Config file exists\n", checkMark)

	// Load and validate config
	cfg, err := config.Load(cfgFile)
	if err != nil {
		fmt.Fprintf(out, "  %s Config valid\n", crossMark)
		return fmt.Errorf("config error: %w", err)
	}
	fmt.Fprintf(out, "  %s Config valid\n", checkMark)

	// Show config summary
	fmt.Fprintf(out, "  %s Store: %s\n", checkMark, cfg.Store.Driver)
	fmt.Fprintf(out, "  %s Failure policy: %s\n", checkMark, cfg.Limits.FailurePolicy)
	fmt.Fprintf(out, "  %s Cache: namespace=%s ttl=%s epoch=%s\n", checkMark,
		cfg.Cache.Namespace, cfg.Cache.DefaultTTL, cfg.Cache.Epoch)
	for _, p := range cfg.Limits.Policies {
		fmt.Fprintf(out, "  %s Policy %s: %d per %ds\n", checkMark, p.Operation, p.MaxEvents, p.WindowSeconds)
	}

	// Optional: check store
	if validateCheckStore {
		if err := checkStoreReachable(cfg); err != nil {
			fmt.Fprintf(out, "  %s Store reachable\n", crossMark)
			fmt.Fprintf(out, "      Error: %v\n", err)
		} else {
			fmt.Fprintf(out, "  %s Store reachable\n", checkMark)
		}
	}

	fmt.Fprintln(out)
	fmt.Fprintln(out, "Configuration is valid.")
	return nil
}

func checkStoreReachable(cfg *config.Config) error {
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return store.Ping(ctx)
}

// Status marks. Colored only when output is a terminal.
var (
	checkMark = "✓"
	crossMark = "✗"
)

func colorMarks(w io.Writer) {
	f, ok := w.(*os.File)
	if !ok || !term.IsTerminal(int(f.Fd())) {
		return
	}
	checkMark = "\033[32m✓\033[0m"
	crossMark = "\033[31m✗\033[0m"
}
