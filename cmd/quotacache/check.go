package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/cataldij/quotacache/adapters/clock"
	"github.com/cataldij/quotacache/adapters/idgen"
	"github.com/cataldij/quotacache/app"
	"github.com/cataldij/quotacache/bootstrap"
	"github.com/cataldij/quotacache/config"
	"github.com/cataldij/quotacache/domain/ratelimit"
)

var checkCmd = &cobra.Command{
	Use:   "check <operation> <identity>",
	Short: "Evaluate a quota against the configured store",
	Long: `Evaluate the sliding-window quota for an identity and operation.

With --record, one usage event is appended when the check allows it.

Examples:
  quotacache check search user_123
  quotacache check image user_123 --record`,
	Args: cobra.ExactArgs(2),
	RunE: runCheck,
}

var (
	checkRecord bool
)

func init() {
	rootCmd.AddCommand(checkCmd)

	checkCmd.Flags().BoolVar(&checkRecord, "record", false, "record one usage event when allowed")
}

func runCheck(cmd *cobra.Command, args []string) error {
	operation, identity := args[0], args[1]

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	limiterCfg, err := bootstrap.LimiterConfig(cfg)
	if err != nil {
		return err
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	logger := bootstrap.NewLogger(config.LoggingConfig{Level: "warn", Format: "console"})
	limiter := app.NewRateLimiter(app.LimiterDeps{
		Events: store,
		Clock:  clock.Real{},
		Logger: logger,
	}, limiterCfg)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	d, err := limiter.CheckOperation(ctx, identity, operation)
	if err != nil {
		return err
	}
	printDecision(cmd, identity, operation, d)

	if checkRecord && d.Allowed {
		recorder := app.NewUsageRecorder(app.RecorderDeps{
			Events: store,
			Clock:  clock.Real{},
			IDGen:  idgen.UUID{},
			Logger: logger,
		}, app.RecorderConfig{WriteTimeout: cfg.Usage.WriteTimeout})
		if err := recorder.RecordSync(ctx, identity, operation, map[string]any{"source": "cli"}); err != nil {
			return fmt.Errorf("record usage: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Recorded 1 event.")
	}

	return nil
}

func printDecision(cmd *cobra.Command, identity, operation string, d ratelimit.Decision) {
	out := cmd.OutOrStdout()

	status := "allowed"
	if !d.Allowed {
		status = "denied"
	}
	if d.Degraded {
		status += " (degraded)"
	}

	fmt.Fprintf(out, "Identity:  %s\n", identity)
	fmt.Fprintf(out, "Operation: %s\n", operation)
	fmt.Fprintf(out, "Decision:  %s\n", status)
	fmt.Fprintf(out, "Count:     %d\n", d.CurrentCount)
	fmt.Fprintf(out, "Remaining: %d\n", d.Remaining)
	if !d.ResetAt.IsZero() {
		fmt.Fprintf(out, "Reset at:  %s\n", d.ResetAt.Format(time.RFC3339))
	}
	if d.Err != nil {
		fmt.Fprintf(out, "Error:     %v\n", d.Err)
	}
}
