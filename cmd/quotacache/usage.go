package main

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/cataldij/quotacache/adapters/sqldb"
)

var usageCmd = &cobra.Command{
	Use:   "usage",
	Short: "Inspect recorded usage events",
	Long: `Inspect usage events recorded in a SQL store.

Examples:
  quotacache usage recent --identity=user_123 --operation=search
  quotacache usage recent --identity=user_123 --operation=search --since=1h --limit=50`,
}

var usageRecentCmd = &cobra.Command{
	Use:   "recent",
	Short: "Show recent events for an identity and operation",
	RunE:  runUsageRecent,
}

var (
	usageIdentity  string
	usageOperation string
	usageSince     time.Duration
	usageLimit     int
)

func init() {
	rootCmd.AddCommand(usageCmd)

	usageCmd.AddCommand(usageRecentCmd)

	usageRecentCmd.Flags().StringVar(&usageIdentity, "identity", "", "identity (required)")
	usageRecentCmd.Flags().StringVar(&usageOperation, "operation", "", "operation (required)")
	usageRecentCmd.Flags().DurationVar(&usageSince, "since", 24*time.Hour, "how far back to look")
	usageRecentCmd.Flags().IntVar(&usageLimit, "limit", 20, "number of events to show")
	usageRecentCmd.MarkFlagRequired("identity")
	usageRecentCmd.MarkFlagRequired("operation")
}

func runUsageRecent(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	sqlStore, ok := store.(*sqldb.Store)
	if !ok {
		return fmt.Errorf("usage listing requires a SQL store, got driver %s", cfg.Store.Driver)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	events, err := sqlStore.ListSince(ctx, usageIdentity, usageOperation, time.Now().Add(-usageSince), usageLimit)
	if err != nil {
		return fmt.Errorf("failed to list usage events: %w", err)
	}

	if len(events) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No recent events found.")
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "OCCURRED AT\tID\tMETADATA")
	fmt.Fprintln(w, "-----------\t--\t--------")

	for _, e := range events {
		fmt.Fprintf(w, "%s\t%s\t%v\n",
			e.OccurredAt.Format("2006-01-02 15:04:05"),
			e.ID,
			e.Metadata,
		)
	}

	w.Flush()
	return nil
}
