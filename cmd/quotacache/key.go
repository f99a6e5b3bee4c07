package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/cataldij/quotacache/domain/cache"
)

var keyCmd = &cobra.Command{
	Use:   "key <input>...",
	Short: "Derive a response cache key",
	Long: `Derive the cache key for a set of inputs.

Inputs are order independent unless --ordered is given. The epoch defaults
to the current UTC day (or hour) according to cache.epoch.

Examples:
  quotacache key "what is go" en
  quotacache key --namespace answers --epoch 2024-01-15 q1 q2
  quotacache key --ordered a b`,
	Args: cobra.MinimumNArgs(1),
	RunE: runKey,
}

var (
	keyNamespace string
	keyEpoch     string
	keyOrdered   bool
)

func init() {
	rootCmd.AddCommand(keyCmd)

	keyCmd.Flags().StringVar(&keyNamespace, "namespace", "", "key namespace (default: cache.namespace)")
	keyCmd.Flags().StringVar(&keyEpoch, "epoch", "", "explicit epoch string (default: derived from now)")
	keyCmd.Flags().BoolVar(&keyOrdered, "ordered", false, "treat inputs as an ordered sequence")
}

func runKey(cmd *cobra.Command, args []string) error {
	namespace := keyNamespace
	epoch := keyEpoch

	if namespace == "" || epoch == "" {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if namespace == "" {
			namespace = cfg.Cache.Namespace
		}
		if epoch == "" {
			epoch = cache.Granularity(cfg.Cache.Epoch).Epoch(time.Now())
		}
	}

	var key string
	if keyOrdered {
		key = cache.DeriveOrderedKey(namespace, args, epoch)
	} else {
		key = cache.DeriveKey(namespace, args, epoch)
	}

	fmt.Fprintln(cmd.OutOrStdout(), key)
	return nil
}
