package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var pruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete expired cache entries and old usage events",
	Long: `Delete cache entries whose expiry has passed and usage events older
than the retention period.

Retention defaults to store.event_retention. Events are kept when it is
zero and --retention is not given. Events younger than the longest policy
window are never deleted, since they still count toward quotas.

Examples:
  quotacache prune
  quotacache prune --retention 720h`,
	RunE: runPrune,
}

var (
	pruneRetention time.Duration
)

func init() {
	rootCmd.AddCommand(pruneCmd)

	pruneCmd.Flags().DurationVar(&pruneRetention, "retention", 0, "delete events older than this (default: store.event_retention)")
}

func runPrune(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	policies, err := cfg.Policies()
	if err != nil {
		return err
	}

	retention := cfg.Store.EventRetention
	if pruneRetention > 0 {
		retention = pruneRetention
	}

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	now := time.Now()

	expired, err := store.DeleteExpired(ctx, now)
	if err != nil {
		return fmt.Errorf("delete expired cache entries: %w", err)
	}
	fmt.Fprintf(out, "Deleted %d expired cache entries\n", expired)

	if retention <= 0 {
		fmt.Fprintln(out, "Event retention not set; usage events kept.")
		return nil
	}

	if longest := policies.LongestWindow(); retention < longest {
		fmt.Fprintf(out, "Retention %s is shorter than the longest window %s; using %s\n", retention, longest, longest)
		retention = longest
	}

	events, err := store.DeleteEventsBefore(ctx, now.Add(-retention))
	if err != nil {
		return fmt.Errorf("delete old usage events: %w", err)
	}
	fmt.Fprintf(out, "Deleted %d usage events older than %s\n", events, retention)
	return nil
}
